package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/models"
	"github.com/ternarybob/explico/internal/testutil"
)

const analystReply = `{
  "interessado": "Secretaria de Obras",
  "pedido": "Contratação de empresa de engenharia",
  "situacao_atual": "Aguardando parecer jurídico na PROJUR",
  "fluxo": "Protocolo > Secretaria de Obras > PROJUR",
  "prazos": [{"descricao": "Resposta à diligência", "data": "2026-09-15"}],
  "legislacao": ["Lei 14.133/2021"],
  "resumo_executivo": "Processo de contratação aguardando análise jurídica.",
  "alertas": ["Prazo de diligência próximo do vencimento"],
  "sugestao": "Priorizar emissão do parecer",
  "confianca": 0.82
}`

func analystDump() (*models.EnrichedDump, []models.Document) {
	docs := []models.Document{
		{Idx: 0, Seq: 1, Title: "Requerimento inicial", DocType: "Requerimento", Unit: "Protocolo", Text: "Solicita-se a contratação.", Chars: 26},
		{Idx: 1, Seq: 2, Title: "Despacho de encaminhamento", DocType: "Despacho", Unit: "Secretaria de Obras", Text: "Encaminhe-se à PROJUR.", Chars: 22},
	}
	dump := &models.EnrichedDump{
		NUP:         "0609.012097.00016/2026-69",
		ProcessType: "Administrativo: Contratação",
		Interested:  "Secretaria de Obras",
		CurrentUnit: "PROJUR",
		Documents:   docs,
		TotalChars:  48,
	}
	return dump, docs
}

func TestAnalystHappyPath(t *testing.T) {
	client := &testutil.FakeLLMClient{
		Replies: []string{analystReply},
		Usage:   models.TokenUsage{InputTokens: 5000, OutputTokens: 300},
	}
	analyst := NewAnalyst(client, common.GetLogger())

	dump, docs := analystDump()
	report, usage, err := analyst.Analyze(context.Background(), dump, docs)
	require.NoError(t, err)

	assert.Equal(t, "Secretaria de Obras", report.Interessado)
	assert.Equal(t, "Aguardando parecer jurídico na PROJUR", report.SituacaoAtual)
	assert.Equal(t, "Processo de contratação aguardando análise jurídica.", report.ResumoExecutivo)
	assert.InDelta(t, 0.82, report.Confianca, 0.001)
	require.Len(t, report.Prazos, 1)
	assert.Equal(t, "2026-09-15", report.Prazos[0].Data)
	assert.Equal(t, int64(5000), usage.InputTokens)

	// The prompt must carry the schema, the cover data and every doc body.
	require.Len(t, client.Prompts, 1)
	prompt := client.Prompts[0].Prompt
	assert.Contains(t, prompt, `"resumo_executivo"`)
	assert.Contains(t, prompt, dump.NUP)
	assert.Contains(t, prompt, "Solicita-se a contratação.")
	assert.Contains(t, prompt, "Encaminhe-se à PROJUR.")
	assert.Contains(t, prompt, "DOCUMENTO 2/2")
}

func TestAnalystFencedReply(t *testing.T) {
	client := &testutil.FakeLLMClient{
		Replies: []string{"```json\n" + analystReply + "\n```"},
	}
	analyst := NewAnalyst(client, common.GetLogger())

	dump, docs := analystDump()
	report, _, err := analyst.Analyze(context.Background(), dump, docs)
	require.NoError(t, err)
	assert.NotEmpty(t, report.ResumoExecutivo)
}

func TestAnalystUnparseableReply(t *testing.T) {
	client := &testutil.FakeLLMClient{
		Replies: []string{"A análise não pôde ser concluída em formato JSON."},
	}
	analyst := NewAnalyst(client, common.GetLogger())

	dump, docs := analystDump()
	_, _, err := analyst.Analyze(context.Background(), dump, docs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestAnalystSchemaViolationIsUnparseable(t *testing.T) {
	// Valid JSON but missing the required resumo_executivo.
	client := &testutil.FakeLLMClient{
		Replies: []string{`{"interessado": "x", "situacao_atual": "y", "confianca": 0.5}`},
	}
	analyst := NewAnalyst(client, common.GetLogger())

	dump, docs := analystDump()
	_, _, err := analyst.Analyze(context.Background(), dump, docs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestAnalystConfidenceOutOfRangeIsUnparseable(t *testing.T) {
	client := &testutil.FakeLLMClient{
		Replies: []string{`{"situacao_atual": "y", "resumo_executivo": "z", "confianca": 1.7}`},
	}
	analyst := NewAnalyst(client, common.GetLogger())

	dump, docs := analystDump()
	_, _, err := analyst.Analyze(context.Background(), dump, docs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnparseable)
}
