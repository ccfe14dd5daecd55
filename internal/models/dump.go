package models

import "time"

// RawDocument is one document as extracted from the upstream platform, body
// untouched (HTML string or base64 PDF bytes, whichever the platform served).
type RawDocument struct {
	Seq       int    `json:"seq"`
	Title     string `json:"title"`
	DocType   string `json:"doc_type,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Date      string `json:"date,omitempty"`
	MimeType  string `json:"mime_type"`
	URL       string `json:"url,omitempty"`
	HTML      string `json:"html,omitempty"`
	PDFBase64 string `json:"pdf_base64,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ProcessDump is the typed output of the extractor: the process cover data plus
// every document the browser could reach, in tree order.
type ProcessDump struct {
	NUP         string        `json:"nup"`
	Scope       string        `json:"scope,omitempty"`
	ProcessType string        `json:"process_type,omitempty"`
	Interested  string        `json:"interested,omitempty"`
	CurrentUnit string        `json:"current_unit,omitempty"`
	ExtractedAt time.Time     `json:"extracted_at"`
	Documents   []RawDocument `json:"documents"`
}

// Document is a normalized document body: markdown text for HTML sources,
// plain text for PDFs. Idx is the position used by triage and curation.
type Document struct {
	Idx     int    `json:"idx"`
	Seq     int    `json:"seq"`
	Title   string `json:"title"`
	DocType string `json:"doc_type,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Date    string `json:"date,omitempty"`
	Origin  string `json:"origin"`
	Text    string `json:"text"`
	Chars   int    `json:"chars"`
}

// EnrichedDump is the normalized process: same document order as the raw dump,
// bodies converted to text, totals precomputed for triage.
type EnrichedDump struct {
	NUP         string     `json:"nup"`
	ProcessType string     `json:"process_type,omitempty"`
	Interested  string     `json:"interested,omitempty"`
	CurrentUnit string     `json:"current_unit,omitempty"`
	Documents   []Document `json:"documents"`
	TotalChars  int        `json:"total_chars"`
	EnrichedAt  time.Time  `json:"enriched_at"`
}

// Body origins recorded on enriched documents.
const (
	OriginHTML = "html"
	OriginPDF  = "pdf"
	OriginNone = "empty"
)
