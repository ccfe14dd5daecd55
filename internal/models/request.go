package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Request sources. Monitor traffic is background polling; user_click is a human
// waiting on the answer and is allowed to jump the queue.
const (
	SourceMonitor   = "monitor"
	SourceUserClick = "user_click"
)

// ModeDetalhar is the only request mode this pipeline serves.
const ModeDetalhar = "detalhar"

// SchemaVersion participates in the dedup fingerprint. Bump it whenever the
// result contract changes incompatibly so stale cached results stop matching.
const SchemaVersion = "v1"

// Defaults applied by Normalize.
const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
	// EscalationPriority is reserved for user-interactive escalation; monitor
	// callers are expected to request 8 or below.
	EscalationPriority = 9
)

// EnqueueRequest is the POST /enqueue body.
type EnqueueRequest struct {
	NUP         string `json:"nup" validate:"required,max=64"`
	Scope       string `json:"scope,omitempty" validate:"omitempty,max=64"`
	ChatID      string `json:"chat_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Priority    *int   `json:"priority,omitempty" validate:"omitempty,gte=0,lte=9"`
	MaxAttempts *int   `json:"max_attempts,omitempty" validate:"omitempty,gte=1,lte=10"`
	Source      string `json:"source,omitempty" validate:"omitempty,oneof=monitor user_click"`
	Force       bool   `json:"force,omitempty"`
	Mode        string `json:"mode,omitempty" validate:"omitempty,oneof=detalhar"`
}

// Normalize trims identifiers and fills defaults. Call before Validate.
func (r *EnqueueRequest) Normalize() {
	r.NUP = strings.TrimSpace(r.NUP)
	r.Scope = strings.TrimSpace(r.Scope)
	if r.Source == "" {
		r.Source = SourceMonitor
	}
	if r.Mode == "" {
		r.Mode = ModeDetalhar
	}
	if r.Priority == nil {
		p := DefaultPriority
		r.Priority = &p
	}
	if r.MaxAttempts == nil {
		m := DefaultMaxAttempts
		r.MaxAttempts = &m
	}
}

// Validate checks the request using go-playground/validator tags.
func (r *EnqueueRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return err
	}
	return nil
}

// Requester condenses the optional caller identifiers into the opaque
// requester column. Chat identity wins when both are present.
func (r *EnqueueRequest) Requester() string {
	switch {
	case r.ChatID != "":
		return "chat:" + r.ChatID
	case r.UserID != "":
		return "user:" + r.UserID
	}
	return ""
}

// Interactive reports whether the request comes from a human waiting on the
// result, which routes it to the high stream and escalates in-flight duplicates.
func (r *EnqueueRequest) Interactive() bool {
	return r.Source == SourceUserClick
}

// EnqueueResponse is returned by POST /enqueue for both fresh and deduped admissions.
type EnqueueResponse struct {
	JobID   string    `json:"job_id"`
	Status  JobStatus `json:"status"`
	Dedup   bool      `json:"dedup"`
	Message string    `json:"message,omitempty"`
}

// CacheLookup is returned by GET /nup/{nup}/cache.
type CacheLookup struct {
	Hit        bool       `json:"hit"`
	JobID      string     `json:"job_id,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// String implements a compact log representation without requester identifiers.
func (r *EnqueueRequest) String() string {
	return fmt.Sprintf("nup=%s scope=%s source=%s force=%t", r.NUP, r.Scope, r.Source, r.Force)
}
