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

// Curation bounds: the curator must pick at least curationMin documents and
// anything beyond curationMax is discarded in candidate order.
const (
	curationMin = 8
	curationMax = 12
)

const curatorSystem = "Você é um curador de processos administrativos. " +
	"Sua tarefa é selecionar os documentos essenciais para a análise jurídica de um processo, " +
	"a partir apenas dos metadados. Responda somente com JSON válido, sem comentários."

// Curator asks the curator model to shrink a large document set down to the
// essential subset. Only metadata crosses the wire; document bodies never
// reach this model.
type Curator struct {
	client interfaces.LLMClient
	logger arbor.ILogger
}

func NewCurator(client interfaces.LLMClient, logger arbor.ILogger) *Curator {
	return &Curator{client: client, logger: logger}
}

// Select returns the curated document indices. The model's reply is filtered
// against the candidate set, so duplicates and empty documents can never be
// selected; a reply that survives filtering with nothing left counts as
// unparseable.
func (c *Curator) Select(ctx context.Context, report *models.HeuristicReport, candidates []int) (*models.CurationResult, models.TokenUsage, error) {
	prompt := buildCuratorPrompt(report)

	resp, err := c.client.Complete(ctx, interfaces.CompletionRequest{
		System:    curatorSystem,
		Prompt:    prompt,
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, models.TokenUsage{}, err
	}

	raw := StripFences(resp.Text)
	var result models.CurationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, resp.Usage, fmt.Errorf("%w: %v (reply: %s)", ErrUnparseable, err, truncateForError(resp.Text))
	}
	if err := result.Validate(); err != nil {
		return nil, resp.Usage, fmt.Errorf("%w: %v (reply: %s)", ErrUnparseable, err, truncateForError(resp.Text))
	}

	allowed := make(map[int]bool, len(candidates))
	for _, idx := range candidates {
		allowed[idx] = true
	}

	kept := make([]int, 0, len(result.Indices))
	picked := make(map[int]bool, len(result.Indices))
	for _, idx := range result.Indices {
		if !allowed[idx] || picked[idx] {
			continue
		}
		picked[idx] = true
		kept = append(kept, idx)
	}
	if len(kept) == 0 {
		return nil, resp.Usage, fmt.Errorf("%w: no selected index matches a candidate (reply: %s)", ErrUnparseable, truncateForError(resp.Text))
	}

	// Top up short selections from the candidate order, then cap.
	if len(kept) < curationMin {
		for _, idx := range candidates {
			if len(kept) >= curationMin {
				break
			}
			if picked[idx] {
				continue
			}
			picked[idx] = true
			kept = append(kept, idx)
		}
	}
	if len(kept) > curationMax {
		kept = kept[:curationMax]
	}
	result.Indices = kept

	c.logger.Debug().
		Str("nup", report.NUP).
		Int("candidates", len(candidates)).
		Int("selected", len(kept)).
		Msg("Curation selection complete")

	return &result, resp.Usage, nil
}

// buildCuratorPrompt lists every classified document as one metadata line.
// Duplicates stay visible but flagged, so the model understands the set.
func buildCuratorPrompt(report *models.HeuristicReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Processo %s", report.NUP)
	if report.ProcessType != "" {
		fmt.Fprintf(&b, " (%s)", report.ProcessType)
	}
	b.WriteString(".\n")
	if report.Interested != "" {
		fmt.Fprintf(&b, "Interessado: %s.\n", report.Interested)
	}
	if report.CurrentUnit != "" {
		fmt.Fprintf(&b, "Unidade atual: %s.\n", report.CurrentUnit)
	}

	fmt.Fprintf(&b, "\nSelecione entre %d e %d documentos essenciais dentre os %d abaixo.\n",
		curationMin, curationMax, len(report.Documents))
	b.WriteString("Prefira decisões, pareceres e notas técnicas; inclua o documento inicial quando houver; ignore duplicatas.\n")
	b.WriteString("Responda apenas com JSON: {\"indices\": [..], \"justificativa\": \"..\"}, usando os valores de idx.\n\n")
	b.WriteString("Documentos:\n")

	for _, doc := range report.Documents {
		fmt.Fprintf(&b, "idx=%d | classe=%s | prioridade=%s", doc.Idx, doc.Class, doc.Priority)
		if doc.DocType != "" {
			fmt.Fprintf(&b, " | tipo=%s", doc.DocType)
		}
		if doc.Unit != "" {
			fmt.Fprintf(&b, " | unidade=%s", doc.Unit)
		}
		if doc.Date != "" {
			fmt.Fprintf(&b, " | data=%s", doc.Date)
		}
		fmt.Fprintf(&b, " | %d chars", doc.Chars)
		if doc.Duplicate {
			b.WriteString(" | DUPLICATA")
		}
		if doc.Title != "" {
			fmt.Fprintf(&b, " | %s", doc.Title)
		}
		b.WriteString("\n")
	}

	return b.String()
}

// truncateForError bounds a model reply before embedding it in an error, which
// lands in the jobs row error column.
func truncateForError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
