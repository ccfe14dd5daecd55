package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ledongthuc/pdf"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/models"
)

// Enricher normalizes the raw extractor dump into text documents: HTML
// bodies become markdown, PDF bodies become plain text. A body that cannot
// be converted degrades to an empty document rather than failing the run.
type Enricher struct {
	logger arbor.ILogger
}

func NewEnricher(logger arbor.ILogger) *Enricher {
	return &Enricher{logger: logger}
}

// Enrich converts every document in the dump, preserving tree order. Idx is
// assigned here and is the identifier triage and curation work with.
func (e *Enricher) Enrich(dump *models.ProcessDump) *models.EnrichedDump {
	converter := md.NewConverter("", true, nil)

	enriched := &models.EnrichedDump{
		NUP:         dump.NUP,
		ProcessType: dump.ProcessType,
		Interested:  dump.Interested,
		CurrentUnit: dump.CurrentUnit,
		Documents:   make([]models.Document, 0, len(dump.Documents)),
		EnrichedAt:  time.Now().UTC(),
	}

	for i, raw := range dump.Documents {
		doc := e.enrichDocument(converter, raw, i)
		enriched.TotalChars += doc.Chars
		enriched.Documents = append(enriched.Documents, doc)
	}

	e.logger.Info().
		Str("nup", dump.NUP).
		Int("documents", len(enriched.Documents)).
		Int("total_chars", enriched.TotalChars).
		Msg("Dump enriched")

	return enriched
}

func (e *Enricher) enrichDocument(converter *md.Converter, raw models.RawDocument, idx int) models.Document {
	doc := models.Document{
		Idx:     idx,
		Seq:     raw.Seq,
		Title:   raw.Title,
		DocType: raw.DocType,
		Unit:    raw.Unit,
		Date:    raw.Date,
		Origin:  models.OriginNone,
	}

	switch {
	case raw.HTML != "":
		doc.Origin = models.OriginHTML
		doc.Text = e.htmlToMarkdown(converter, raw.HTML)
	case raw.PDFBase64 != "":
		doc.Origin = models.OriginPDF
		text, err := e.pdfToText(raw.PDFBase64)
		if err != nil {
			e.logger.Warn().
				Int("seq", raw.Seq).
				Str("title", raw.Title).
				Err(err).
				Msg("PDF text extraction failed, keeping empty body")
		} else {
			doc.Text = text
		}
	}

	doc.Text = strings.TrimSpace(doc.Text)
	doc.Chars = utf8.RuneCountInString(doc.Text)
	return doc
}

// htmlToMarkdown converts HTML to markdown, falling back to tag stripping
// when the converter errors out or produces nothing.
func (e *Enricher) htmlToMarkdown(converter *md.Converter, html string) string {
	converted, err := converter.ConvertString(html)
	if err != nil {
		e.logger.Debug().Err(err).Msg("Markdown conversion failed, stripping tags instead")
		return stripHTMLTags(html)
	}
	if strings.TrimSpace(converted) == "" {
		return stripHTMLTags(html)
	}
	return converted
}

// pdfToText decodes the base64 payload and concatenates the plain text of
// every page. The parser panics on some malformed files, so the whole pass
// runs under a recover.
func (e *Enricher) pdfToText(b64 string) (text string, err error) {
	raw, decErr := base64.StdEncoding.DecodeString(b64)
	if decErr != nil {
		return "", fmt.Errorf("failed to decode pdf payload: %w", decErr)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, pageErr := page.GetPlainText(nil)
		if pageErr != nil {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// stripHTMLTags removes basic HTML tags for fallback cases
func stripHTMLTags(htmlStr string) string {
	re := regexp.MustCompile(`<[^>]*>`)
	stripped := re.ReplaceAllString(htmlStr, "")

	spaceRe := regexp.MustCompile(`\s+`)
	cleaned := spaceRe.ReplaceAllString(stripped, " ")

	cleaned = strings.ReplaceAll(cleaned, "&amp;", "&")
	cleaned = strings.ReplaceAll(cleaned, "&lt;", "<")
	cleaned = strings.ReplaceAll(cleaned, "&gt;", ">")
	cleaned = strings.ReplaceAll(cleaned, "&quot;", "\"")
	cleaned = strings.ReplaceAll(cleaned, "&#39;", "'")
	cleaned = strings.ReplaceAll(cleaned, "&nbsp;", " ")

	return strings.TrimSpace(cleaned)
}
