package heuristics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/models"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(common.GetLogger())
	require.NoError(t, err)
	return c
}

func doc(idx int, title, docType, text string) models.Document {
	return models.Document{
		Idx:     idx,
		Seq:     idx + 1,
		Title:   title,
		DocType: docType,
		Origin:  models.OriginHTML,
		Text:    text,
		Chars:   len(text),
	}
}

func TestClassifyByDocType(t *testing.T) {
	c := newTestClassifier(t)

	dump := &models.EnrichedDump{
		NUP: "0609.012097.00016/2026-69",
		Documents: []models.Document{
			doc(0, "Documento 12", "Decisão", "corpo da decisão"),
			doc(1, "Documento 13", "Despacho", "corpo do despacho"),
			doc(2, "Documento 14", "Anexo", "corpo do anexo"),
		},
	}

	report := c.Classify(dump)
	require.Len(t, report.Documents, 3)

	assert.Equal(t, "decisao", report.Documents[0].Class)
	assert.Equal(t, models.PriorityAlta, report.Documents[0].Priority)
	assert.Equal(t, "despacho", report.Documents[1].Class)
	assert.Equal(t, models.PriorityMedia, report.Documents[1].Priority)
	assert.Equal(t, "anexo", report.Documents[2].Class)
	assert.Equal(t, models.PriorityBaixa, report.Documents[2].Priority)

	assert.Equal(t, 1, report.ByPriority["ALTA"])
	assert.Equal(t, 1, report.ByPriority["MEDIA"])
	assert.Equal(t, 1, report.ByPriority["BAIXA"])
}

func TestClassifyFallsBackToTitle(t *testing.T) {
	c := newTestClassifier(t)

	dump := &models.EnrichedDump{
		NUP: "0609.000001.00001/2026-10",
		Documents: []models.Document{
			// No doc_type from the platform, the title carries the class.
			doc(0, "PARECER JURÍDICO 45/2026", "", "análise jurídica"),
		},
	}

	report := c.Classify(dump)
	require.Len(t, report.Documents, 1)
	assert.Equal(t, "parecer", report.Documents[0].Class)
	assert.Equal(t, models.PriorityAlta, report.Documents[0].Priority)
}

func TestClassifyAccentInsensitiveVariants(t *testing.T) {
	c := newTestClassifier(t)

	// The rule table carries both accented and unaccented spellings.
	dump := &models.EnrichedDump{
		Documents: []models.Document{
			doc(0, "", "Oficio", "a"),
			doc(1, "", "Ofício", "b"),
		},
	}

	report := c.Classify(dump)
	assert.Equal(t, "oficio", report.Documents[0].Class)
	assert.Equal(t, "oficio", report.Documents[1].Class)
}

func TestClassifyUnknownUsesDefault(t *testing.T) {
	c := newTestClassifier(t)

	dump := &models.EnrichedDump{
		Documents: []models.Document{
			doc(0, "Planilha de custos", "Planilha", "1;2;3"),
		},
	}

	report := c.Classify(dump)
	assert.Equal(t, "documento", report.Documents[0].Class)
	assert.Equal(t, models.PriorityMedia, report.Documents[0].Priority)
}

func TestDuplicateBodiesFlagged(t *testing.T) {
	c := newTestClassifier(t)

	body := "mesmo corpo de documento"
	dump := &models.EnrichedDump{
		Documents: []models.Document{
			doc(0, "Despacho 1", "Despacho", body),
			doc(1, "Despacho 2 (cópia)", "Despacho", body),
			doc(2, "Despacho 3", "Despacho", "corpo distinto"),
		},
	}

	report := c.Classify(dump)
	assert.False(t, report.Documents[0].Duplicate)
	assert.True(t, report.Documents[1].Duplicate)
	assert.False(t, report.Documents[2].Duplicate)
	assert.Equal(t, 1, report.Duplicates)

	assert.Zero(t, report.Documents[1].Score)
	assert.Greater(t, report.Documents[0].Score, 0.0)
}

func TestEmptyBodiesNeverCountAsDuplicates(t *testing.T) {
	c := newTestClassifier(t)

	dump := &models.EnrichedDump{
		Documents: []models.Document{
			doc(0, "Anexo vazio 1", "Anexo", ""),
			doc(1, "Anexo vazio 2", "Anexo", ""),
		},
	}

	report := c.Classify(dump)
	assert.False(t, report.Documents[0].Duplicate)
	assert.False(t, report.Documents[1].Duplicate)
	assert.Zero(t, report.Duplicates)
	assert.Zero(t, report.Documents[0].Score)
}

func TestReportTotals(t *testing.T) {
	c := newTestClassifier(t)

	dump := &models.EnrichedDump{
		NUP:         "0609.012097.00016/2026-69",
		ProcessType: "Administrativo: Licitação",
		Interested:  "Secretaria de Obras",
		CurrentUnit: "PROJUR",
		Documents: []models.Document{
			doc(0, "Decisão", "Decisão", strings.Repeat("a", 100)),
			doc(1, "Anexo", "Anexo", strings.Repeat("b", 250)),
		},
	}

	report := c.Classify(dump)
	assert.Equal(t, dump.NUP, report.NUP)
	assert.Equal(t, dump.ProcessType, report.ProcessType)
	assert.Equal(t, dump.Interested, report.Interested)
	assert.Equal(t, dump.CurrentUnit, report.CurrentUnit)
	assert.Equal(t, 2, report.DocumentCount)
	assert.Equal(t, 350, report.TotalChars)
	assert.False(t, report.GeneratedAt.IsZero())
}

func TestCandidatesOrderedByScore(t *testing.T) {
	c := newTestClassifier(t)

	body := "duplicado"
	dump := &models.EnrichedDump{
		Documents: []models.Document{
			doc(0, "Anexo", "Anexo", "pequeno"),
			doc(1, "Decisão", "Decisão", "corpo da decisão"),
			doc(2, "Despacho", "Despacho", body),
			doc(3, "Despacho cópia", "Despacho", body),
			doc(4, "Anexo vazio", "Anexo", ""),
		},
	}

	report := c.Classify(dump)
	candidates := Candidates(report)

	// Duplicate (3) and empty (4) are excluded; the ALTA decision leads.
	require.Len(t, candidates, 3)
	assert.Equal(t, 1, candidates[0])
	assert.NotContains(t, candidates, 3)
	assert.NotContains(t, candidates, 4)

	for i := 1; i < len(candidates); i++ {
		prev := report.Documents[candidates[i-1]].Score
		cur := report.Documents[candidates[i]].Score
		assert.GreaterOrEqual(t, prev, cur)
	}
}

func TestCandidatesTieBreakPrefersLaterDocument(t *testing.T) {
	c := newTestClassifier(t)

	// Two documents with identical class and size land on different recency
	// nudges, so the later index scores higher.
	dump := &models.EnrichedDump{
		Documents: []models.Document{
			doc(0, "Despacho antigo", "Despacho", "corpo um"),
			doc(1, "Despacho novo", "Despacho", "corpo dois"),
		},
	}

	report := c.Classify(dump)
	candidates := Candidates(report)
	require.Len(t, candidates, 2)
	assert.Equal(t, 1, candidates[0])
	assert.Equal(t, 0, candidates[1])
}
