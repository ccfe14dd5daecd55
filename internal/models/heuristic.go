package models

import "time"

// DocPriority is the deterministic urgency class assigned by the heuristic stage.
type DocPriority string

const (
	PriorityAlta  DocPriority = "ALTA"
	PriorityMedia DocPriority = "MEDIA"
	PriorityBaixa DocPriority = "BAIXA"
)

// ClassifiedDoc is an enriched document plus its heuristic classification.
type ClassifiedDoc struct {
	Document
	Class     string      `json:"class"`
	Priority  DocPriority `json:"priority"`
	Duplicate bool        `json:"duplicate,omitempty"`
	Score     float64     `json:"score"`
}

// HeuristicReport is the deterministic pre-filter output: every document
// classified and scored, duplicates flagged, totals ready for triage. It is
// the cheapest artifact that can stand in for a full analysis when the LLM
// stages are disabled.
type HeuristicReport struct {
	NUP           string          `json:"nup"`
	ProcessType   string          `json:"process_type,omitempty"`
	Interested    string          `json:"interested,omitempty"`
	CurrentUnit   string          `json:"current_unit,omitempty"`
	Documents     []ClassifiedDoc `json:"documents"`
	DocumentCount int             `json:"document_count"`
	TotalChars    int             `json:"total_chars"`
	Duplicates    int             `json:"duplicates"`
	ByPriority    map[string]int  `json:"by_priority"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

// TriageReport records the document-set statistics and the curation decision.
// Curation triggers only on strictly-greater comparisons against both limits.
type TriageReport struct {
	NUP           string `json:"nup"`
	DocumentCount int    `json:"document_count"`
	TotalChars    int    `json:"total_chars"`
	NeedsCuration bool   `json:"needs_curation"`
	Reason        string `json:"reason"`
	// Candidates lists document indices ordered by descending heuristic score,
	// duplicates excluded. Curation and analysis consume this order.
	Candidates  []int     `json:"candidates"`
	GeneratedAt time.Time `json:"generated_at"`
}
