package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
)

const analystSystem = "Você é um analista de processos administrativos brasileiros. " +
	"Você recebe o conteúdo dos documentos de um processo e produz uma análise estruturada em português. " +
	"Responda somente com JSON válido, sem comentários e sem texto fora do JSON."

// analystSchema is the reply contract quoted verbatim in the prompt. The keys
// mirror the AnalystReport JSON tags.
const analystSchema = `{
  "interessado": "quem pede ou a quem o processo se refere",
  "pedido": "o que foi solicitado",
  "situacao_atual": "onde o processo está e o que aguarda",
  "fluxo": "trajetória resumida entre unidades",
  "prazos": [{"descricao": "prazo identificado", "data": "AAAA-MM-DD ou vazio"}],
  "legislacao": ["normas citadas"],
  "resumo_executivo": "resumo de até 10 linhas para um gestor",
  "alertas": ["riscos ou pendências relevantes"],
  "sugestao": "próximo passo recomendado",
  "confianca": 0.0
}`

// Analyst runs the unconditional analysis call: full document text in, a
// schema-validated structured report out.
type Analyst struct {
	client interfaces.LLMClient
	logger arbor.ILogger
}

func NewAnalyst(client interfaces.LLMClient, logger arbor.ILogger) *Analyst {
	return &Analyst{client: client, logger: logger}
}

// Analyze sends the selected documents to the analyst model and parses the
// structured reply. A reply that does not decode into the schema, or decodes
// but fails validation, is reported as unparseable.
func (a *Analyst) Analyze(ctx context.Context, dump *models.EnrichedDump, docs []models.Document) (*models.AnalystReport, models.TokenUsage, error) {
	prompt := buildAnalystPrompt(dump, docs)

	resp, err := a.client.Complete(ctx, interfaces.CompletionRequest{
		System: analystSystem,
		Prompt: prompt,
	})
	if err != nil {
		return nil, models.TokenUsage{}, err
	}

	raw := StripFences(resp.Text)
	var report models.AnalystReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, resp.Usage, fmt.Errorf("%w: %v (reply: %s)", ErrUnparseable, err, truncateForError(resp.Text))
	}
	if err := report.Validate(); err != nil {
		return nil, resp.Usage, fmt.Errorf("%w: %v (reply: %s)", ErrUnparseable, err, truncateForError(resp.Text))
	}

	a.logger.Debug().
		Str("nup", dump.NUP).
		Int("documents", len(docs)).
		Int("prompt_chars", len(prompt)).
		Float64("confianca", report.Confianca).
		Msg("Analyst reply validated")

	return &report, resp.Usage, nil
}

// buildAnalystPrompt assembles the process cover plus every selected document
// body, separated by numbered headers in tree order.
func buildAnalystPrompt(dump *models.EnrichedDump, docs []models.Document) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analise o processo administrativo %s", dump.NUP)
	if dump.ProcessType != "" {
		fmt.Fprintf(&b, " (%s)", dump.ProcessType)
	}
	b.WriteString(".\n")
	if dump.Interested != "" {
		fmt.Fprintf(&b, "Interessado registrado: %s.\n", dump.Interested)
	}
	if dump.CurrentUnit != "" {
		fmt.Fprintf(&b, "Unidade atual: %s.\n", dump.CurrentUnit)
	}

	fmt.Fprintf(&b, "\nResponda apenas com JSON exatamente neste formato:\n%s\n", analystSchema)
	b.WriteString("\nO campo confianca é sua confiança na análise, entre 0 e 1.\n")
	fmt.Fprintf(&b, "\nDocumentos analisados (%d):\n", len(docs))

	for i, doc := range docs {
		fmt.Fprintf(&b, "\n===== DOCUMENTO %d/%d", i+1, len(docs))
		if doc.Title != "" {
			fmt.Fprintf(&b, " | %s", doc.Title)
		}
		if doc.DocType != "" {
			fmt.Fprintf(&b, " | %s", doc.DocType)
		}
		if doc.Unit != "" {
			fmt.Fprintf(&b, " | %s", doc.Unit)
		}
		if doc.Date != "" {
			fmt.Fprintf(&b, " | %s", doc.Date)
		}
		b.WriteString(" =====\n")
		b.WriteString(doc.Text)
		b.WriteString("\n")
	}

	return b.String()
}
