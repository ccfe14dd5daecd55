package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the state of a detail job
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusRetry   JobStatus = "retry"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// IsTerminal reports whether the status can never change again.
// Terminal rows are only superseded by a new row once the cache TTL expires.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// IsActive reports whether the status counts against the one-active-row-per-dedup-key rule.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning || s == JobStatusRetry
}

// JobStage marks the furthest pipeline stage completed within the current attempt.
// Stages advance strictly forward; a new attempt resets the marker.
type JobStage string

const (
	StageExtracted JobStage = "extracted"
	StageEnriched  JobStage = "enriched"
	StageHeur      JobStage = "heur"
	StageTriage    JobStage = "triage"
	StageCase      JobStage = "case"
	StageResumo    JobStage = "resumo"
)

var stageRank = map[JobStage]int{
	StageExtracted: 1,
	StageEnriched:  2,
	StageHeur:      3,
	StageTriage:    4,
	StageCase:      5,
	StageResumo:    6,
}

// Rank returns the position of the stage in the pipeline order (1-based),
// or 0 for an unset/unknown stage.
func (s JobStage) Rank() int {
	return stageRank[s]
}

// ArtifactDir returns the artifact subdirectory a stage writes into.
func (s JobStage) ArtifactDir() string {
	switch s {
	case StageExtracted:
		return "raw"
	case StageEnriched:
		return "enriched"
	case StageHeur:
		return "heur_v2"
	case StageTriage:
		return "triage"
	case StageCase:
		return "case"
	case StageResumo:
		return "resumo"
	}
	return ""
}

// Job is the durable row for one detail request. The row is the authoritative
// record; queue entries only carry its identifier plus an advisory priority.
type Job struct {
	JobID       string    `json:"job_id"`
	NUP         string    `json:"nup"`
	Scope       string    `json:"scope,omitempty"`
	Requester   string    `json:"requester,omitempty"`
	Status      JobStatus `json:"status"`
	StatusStage JobStage  `json:"status_stage,omitempty"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	// DedupKey is the 40-hex sha1 fingerprint over (nup, scope, mode, schema version).
	// At most one row per key may be active (queued/running/retry) at a time.
	DedupKey  string     `json:"dedup_key"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is set on the transition to done or error and never cleared.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// NextRunAt gates claiming: queued/retry rows become eligible once it passes.
	NextRunAt time.Time `json:"next_run_at"`
	// LockedBy/LockedUntil record the lease. A worker owns the row only while
	// locked_until is in the future; only the reaper may take an expired lease.
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Error       string     `json:"error,omitempty"`
	// ResultJSON is the compact final projection (models.Result); non-null on done rows.
	ResultJSON json.RawMessage `json:"result_json,omitempty"`
	// ResultPath points at the full final artifact (analyst output, or the
	// heuristic report when the LLM stages are disabled).
	ResultPath         string `json:"result_path,omitempty"`
	ResultPathRaw      string `json:"result_path_raw,omitempty"`
	ResultPathEnriched string `json:"result_path_enriched,omitempty"`
	HeurPath           string `json:"heur_path,omitempty"`
	TriagePath         string `json:"triage_path,omitempty"`
	CasePath           string `json:"case_path,omitempty"`
	ResumoPath         string `json:"resumo_path,omitempty"`
}

// LeaseExpired reports whether the row's lease has lapsed at the given instant.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.LockedUntil == nil || j.LockedUntil.Before(now)
}

// Projection returns the row view exposed by GET /jobs/{id}. Artifact paths for
// intermediate stages and the dedup key stay internal.
func (j *Job) Projection() map[string]interface{} {
	p := map[string]interface{}{
		"job_id":       j.JobID,
		"nup":          j.NUP,
		"status":       j.Status,
		"priority":     j.Priority,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"created_at":   j.CreatedAt,
		"updated_at":   j.UpdatedAt,
	}
	if j.Scope != "" {
		p["scope"] = j.Scope
	}
	if j.StatusStage != "" {
		p["status_stage"] = j.StatusStage
	}
	if j.StartedAt != nil {
		p["started_at"] = j.StartedAt
	}
	if j.FinishedAt != nil {
		p["finished_at"] = j.FinishedAt
	}
	if j.Error != "" {
		p["error"] = j.Error
	}
	if j.ResultPath != "" {
		p["result_path"] = j.ResultPath
	}
	return p
}
