package pipeline

import (
	"encoding/base64"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/models"
)

func TestEnrichHTMLToMarkdown(t *testing.T) {
	e := NewEnricher(common.GetLogger())

	dump := &models.ProcessDump{
		NUP: "23480.019090/2026-11",
		Documents: []models.RawDocument{
			{Seq: 1, Title: "Despacho 45", MimeType: "text/html", HTML: "<h1>Despacho</h1><p>Encaminho os autos à SEME.</p>"},
		},
	}

	enriched := e.Enrich(dump)
	require.Len(t, enriched.Documents, 1)

	doc := enriched.Documents[0]
	assert.Equal(t, models.OriginHTML, doc.Origin)
	assert.Contains(t, doc.Text, "Despacho")
	assert.Contains(t, doc.Text, "Encaminho os autos à SEME.")
	assert.NotContains(t, doc.Text, "<p>")
	assert.Equal(t, utf8.RuneCountInString(doc.Text), doc.Chars)
}

func TestEnrichCountsRunesNotBytes(t *testing.T) {
	e := NewEnricher(common.GetLogger())

	dump := &models.ProcessDump{
		NUP: "23480.019090/2026-11",
		Documents: []models.RawDocument{
			{Seq: 1, MimeType: "text/html", HTML: "<p>ação e decisão</p>"},
		},
	}

	enriched := e.Enrich(dump)
	require.Len(t, enriched.Documents, 1)
	assert.Equal(t, 14, enriched.Documents[0].Chars)
	assert.Equal(t, 14, enriched.TotalChars)
}

func TestEnrichEmptyConversionFallsBackToStripping(t *testing.T) {
	e := NewEnricher(common.GetLogger())

	dump := &models.ProcessDump{
		NUP: "23480.019090/2026-11",
		Documents: []models.RawDocument{
			{Seq: 1, MimeType: "text/html", HTML: "<div><span></span></div>"},
		},
	}

	enriched := e.Enrich(dump)
	require.Len(t, enriched.Documents, 1)

	doc := enriched.Documents[0]
	assert.Equal(t, models.OriginHTML, doc.Origin)
	assert.Equal(t, "", doc.Text)
	assert.Equal(t, 0, doc.Chars)
}

func TestEnrichPDFInvalidBase64(t *testing.T) {
	e := NewEnricher(common.GetLogger())

	dump := &models.ProcessDump{
		NUP: "23480.019090/2026-11",
		Documents: []models.RawDocument{
			{Seq: 1, Title: "Anexo", MimeType: "application/pdf", PDFBase64: "not//valid base64!!"},
		},
	}

	enriched := e.Enrich(dump)
	require.Len(t, enriched.Documents, 1)

	doc := enriched.Documents[0]
	assert.Equal(t, models.OriginPDF, doc.Origin)
	assert.Equal(t, "", doc.Text)
	assert.Equal(t, 0, doc.Chars)
}

func TestEnrichPDFGarbageBytes(t *testing.T) {
	e := NewEnricher(common.GetLogger())

	payload := base64.StdEncoding.EncodeToString([]byte("definitely not a pdf file"))
	dump := &models.ProcessDump{
		NUP: "23480.019090/2026-11",
		Documents: []models.RawDocument{
			{Seq: 1, Title: "Anexo", MimeType: "application/pdf", PDFBase64: payload},
		},
	}

	enriched := e.Enrich(dump)
	require.Len(t, enriched.Documents, 1)
	assert.Equal(t, models.OriginPDF, enriched.Documents[0].Origin)
	assert.Equal(t, "", enriched.Documents[0].Text)
}

func TestEnrichBodylessDocument(t *testing.T) {
	e := NewEnricher(common.GetLogger())

	dump := &models.ProcessDump{
		NUP: "23480.019090/2026-11",
		Documents: []models.RawDocument{
			{Seq: 1, Title: "Anexo grande", MimeType: "application/pdf", Truncated: true},
		},
	}

	enriched := e.Enrich(dump)
	require.Len(t, enriched.Documents, 1)
	assert.Equal(t, models.OriginNone, enriched.Documents[0].Origin)
	assert.Equal(t, 0, enriched.Documents[0].Chars)
}

func TestEnrichPreservesOrderAndCover(t *testing.T) {
	e := NewEnricher(common.GetLogger())

	dump := &models.ProcessDump{
		NUP:         "23480.019090/2026-11",
		ProcessType: "Administrativo: Cobrança",
		Interested:  "Fulano de Tal",
		CurrentUnit: "SEME/GAB",
		Documents: []models.RawDocument{
			{Seq: 3, Title: "Requerimento", MimeType: "text/html", HTML: "<p>abc</p>"},
			{Seq: 7, Title: "Despacho", Unit: "SEME/GAB", Date: "2026-01-10", MimeType: "text/html", HTML: "<p>de</p>"},
		},
	}

	enriched := e.Enrich(dump)
	require.Len(t, enriched.Documents, 2)

	assert.Equal(t, "23480.019090/2026-11", enriched.NUP)
	assert.Equal(t, "Administrativo: Cobrança", enriched.ProcessType)
	assert.Equal(t, "Fulano de Tal", enriched.Interested)
	assert.Equal(t, "SEME/GAB", enriched.CurrentUnit)
	assert.False(t, enriched.EnrichedAt.IsZero())

	assert.Equal(t, 0, enriched.Documents[0].Idx)
	assert.Equal(t, 3, enriched.Documents[0].Seq)
	assert.Equal(t, 1, enriched.Documents[1].Idx)
	assert.Equal(t, 7, enriched.Documents[1].Seq)
	assert.Equal(t, "SEME/GAB", enriched.Documents[1].Unit)
	assert.Equal(t, "2026-01-10", enriched.Documents[1].Date)
	assert.Equal(t, 5, enriched.TotalChars)
}

func TestStripHTMLTags(t *testing.T) {
	got := stripHTMLTags("<p>a &amp; b</p>\n  <p>c &lt;d&gt;</p>")
	assert.Equal(t, "a & b c <d>", got)
}
