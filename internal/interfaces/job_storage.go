package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/explico/internal/models"
)

// Sentinel errors returned by JobStorage implementations.
var (
	// ErrJobNotFound indicates no row exists for the given job ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotClaimable indicates the claim predicate matched no row: the job
	// is already running under a live lease, terminal, or out of attempts.
	ErrNotClaimable = errors.New("job not claimable")

	// ErrLeaseLost indicates a guarded update matched no row because the
	// worker no longer holds the lock. The caller must abandon the job.
	ErrLeaseLost = errors.New("job lease lost")
)

// ReapResult reports one sweep of the reaper over expired leases.
type ReapResult struct {
	// Requeued lists jobs moved back to retry with a fresh next_run_at.
	Requeued []string

	// Exhausted lists jobs moved to terminal error because attempts ran out.
	Exhausted []string
}

// JobStorage persists job rows in Postgres. The row is the single source of
// truth for job state; queue entries are only wake-up hints.
type JobStorage interface {
	// Admission operations
	//
	// WithAdmissionLock runs fn inside a transaction holding the advisory
	// lock for dedupKey, serializing concurrent admissions of the same
	// fingerprint. Storage calls made with the ctx passed to fn join the
	// transaction.
	WithAdmissionLock(ctx context.Context, dedupKey string, fn func(ctx context.Context) error) error
	InsertQueued(ctx context.Context, job *models.Job) error
	ActiveByDedupKey(ctx context.Context, dedupKey string) (*models.Job, error)
	// Escalate raises a job's priority to at least floor. Returns the job's
	// priority after the update.
	Escalate(ctx context.Context, jobID string, floor int) (int, error)
	// CacheLookup returns the most recent done row for the dedup key whose
	// finished_at falls within ttl, or ErrJobNotFound.
	CacheLookup(ctx context.Context, dedupKey string, ttl time.Duration) (*models.Job, error)

	// Worker lifecycle operations
	//
	// Claim atomically transitions a queued or due-retry row to running,
	// increments attempts, stamps the lease, and clears the stage marker.
	// Returns ErrNotClaimable when the predicate matches no row.
	Claim(ctx context.Context, jobID, owner string, lease time.Duration) (*models.Job, error)
	// SetStage advances the monotonic stage marker and records the stage's
	// artifact path. Guarded by the lease; returns ErrLeaseLost on zero rows.
	SetStage(ctx context.Context, jobID, owner string, stage models.JobStage, artifactPath string) error
	RenewLease(ctx context.Context, jobID, owner string, lease time.Duration) error
	MarkDone(ctx context.Context, jobID, owner string, resultJSON []byte, resultPath string) error
	MarkRetry(ctx context.Context, jobID, owner string, errMsg string, nextRun time.Time) error
	MarkError(ctx context.Context, jobID, owner string, errMsg string) error

	// Reaper operations
	//
	// ReapStale rescues running rows whose lease expired: attempts remaining
	// moves them to retry (next_run_at = now + retryDelay), otherwise to
	// terminal error.
	ReapStale(ctx context.Context, retryDelay time.Duration) (*ReapResult, error)
	// DueForPush returns IDs needing re-publication: retry rows whose
	// next_run_at has passed, plus queued rows untouched for longer than
	// queuedGrace (stranded when a publish failed after the insert
	// committed). Duplicate deliveries are absorbed by the claim gate.
	DueForPush(ctx context.Context, queuedGrace time.Duration, limit int) ([]string, error)

	// Query operations
	GetByID(ctx context.Context, jobID string) (*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	Ping(ctx context.Context) error
	Close()
}
