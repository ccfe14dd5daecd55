package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
)

// jobColumns is the canonical select list; scanJob must match it field for
// field.
const jobColumns = `job_id, nup, scope, requester, status, COALESCE(status_stage, ''), priority, attempts, max_attempts,
	dedup_key, created_at, updated_at, started_at, finished_at, next_run_at,
	COALESCE(locked_by, ''), locked_until, COALESCE(error, ''), result_json,
	COALESCE(result_path, ''), COALESCE(result_path_raw, ''), COALESCE(result_path_enriched, ''),
	COALESCE(heur_path, ''), COALESCE(triage_path, ''), COALESCE(case_path, ''), COALESCE(resumo_path, '')`

// stagePathColumns maps a stage marker to the row column holding its
// artifact path.
var stagePathColumns = map[models.JobStage]string{
	models.StageExtracted: "result_path_raw",
	models.StageEnriched:  "result_path_enriched",
	models.StageHeur:      "heur_path",
	models.StageTriage:    "triage_path",
	models.StageCase:      "case_path",
	models.StageResumo:    "resumo_path",
}

// JobStorage is the Postgres implementation of interfaces.JobStorage.
type JobStorage struct {
	store  *Store
	logger arbor.ILogger
}

// NewJobStorage creates job storage over an existing store.
func NewJobStorage(store *Store, logger arbor.ILogger) *JobStorage {
	return &JobStorage{store: store, logger: logger}
}

// WithAdmissionLock serializes admissions of one dedup key. The advisory
// lock is transaction-scoped, so it releases on commit and rollback alike.
func (s *JobStorage) WithAdmissionLock(ctx context.Context, dedupKey string, fn func(ctx context.Context) error) error {
	tx, err := s.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin admission transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, dedupKey); err != nil {
		return fmt.Errorf("failed to take admission lock: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit admission transaction: %w", err)
	}
	return nil
}

// InsertQueued inserts a fresh queued row.
func (s *JobStorage) InsertQueued(ctx context.Context, job *models.Job) error {
	_, err := s.store.db(ctx).Exec(ctx, `
		INSERT INTO jobs (job_id, nup, scope, requester, status, priority, attempts, max_attempts, dedup_key, created_at, updated_at, next_run_at)
		VALUES ($1, $2, $3, $4, 'queued', $5, 0, $6, $7, now(), now(), now())`,
		job.JobID, job.NUP, job.Scope, job.Requester, job.Priority, job.MaxAttempts, job.DedupKey,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// ActiveByDedupKey returns the in-flight row for a fingerprint, or
// ErrJobNotFound.
func (s *JobStorage) ActiveByDedupKey(ctx context.Context, dedupKey string) (*models.Job, error) {
	row := s.store.db(ctx).QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE dedup_key = $1 AND status IN ('queued', 'running', 'retry')
		ORDER BY created_at DESC
		LIMIT 1`,
		dedupKey,
	)
	return scanJob(row)
}

// Escalate raises priority to at least floor on an active row. When the row
// settled concurrently the current priority is returned unchanged.
func (s *JobStorage) Escalate(ctx context.Context, jobID string, floor int) (int, error) {
	var priority int
	err := s.store.db(ctx).QueryRow(ctx, `
		UPDATE jobs
		SET priority = GREATEST(priority, $2), updated_at = now()
		WHERE job_id = $1 AND status IN ('queued', 'running', 'retry')
		RETURNING priority`,
		jobID, floor,
	).Scan(&priority)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.store.db(ctx).QueryRow(ctx, `SELECT priority FROM jobs WHERE job_id = $1`, jobID).Scan(&priority)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, interfaces.ErrJobNotFound
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to escalate job: %w", err)
	}
	return priority, nil
}

// CacheLookup returns the freshest done row for a fingerprint within ttl.
func (s *JobStorage) CacheLookup(ctx context.Context, dedupKey string, ttl time.Duration) (*models.Job, error) {
	row := s.store.db(ctx).QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE dedup_key = $1
		  AND status = 'done'
		  AND finished_at >= now() - make_interval(secs => $2)
		ORDER BY finished_at DESC
		LIMIT 1`,
		dedupKey, ttl.Seconds(),
	)
	return scanJob(row)
}

// Claim transitions an eligible row to running under this owner's lease.
// Eligible means queued or retry, due, and with attempts remaining; anything
// else returns ErrNotClaimable so the caller acks and discards the delivery.
func (s *JobStorage) Claim(ctx context.Context, jobID, owner string, lease time.Duration) (*models.Job, error) {
	row := s.store.db(ctx).QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running',
		    status_stage = NULL,
		    attempts = attempts + 1,
		    started_at = COALESCE(started_at, now()),
		    locked_by = $2,
		    locked_until = now() + make_interval(secs => $3),
		    updated_at = now()
		WHERE job_id = $1
		  AND status IN ('queued', 'retry')
		  AND next_run_at <= now()
		  AND (locked_until IS NULL OR locked_until < now())
		  AND attempts < max_attempts
		RETURNING `+jobColumns,
		jobID, owner, lease.Seconds(),
	)
	job, err := scanJob(row)
	if errors.Is(err, interfaces.ErrJobNotFound) {
		return nil, interfaces.ErrNotClaimable
	}
	return job, err
}

// SetStage advances the stage marker and records the artifact path, guarded
// by a live lease.
func (s *JobStorage) SetStage(ctx context.Context, jobID, owner string, stage models.JobStage, artifactPath string) error {
	column, ok := stagePathColumns[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}

	tag, err := s.store.db(ctx).Exec(ctx, `
		UPDATE jobs
		SET status_stage = $3, `+column+` = $4, updated_at = now()
		WHERE job_id = $1
		  AND locked_by = $2
		  AND locked_until > now()
		  AND status = 'running'`,
		jobID, owner, string(stage), artifactPath,
	)
	if err != nil {
		return fmt.Errorf("failed to set stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrLeaseLost
	}
	return nil
}

// RenewLease extends a live lease. A lease that already lapsed cannot be
// renewed; the reaper may have acted on it.
func (s *JobStorage) RenewLease(ctx context.Context, jobID, owner string, lease time.Duration) error {
	tag, err := s.store.db(ctx).Exec(ctx, `
		UPDATE jobs
		SET locked_until = now() + make_interval(secs => $3), updated_at = now()
		WHERE job_id = $1
		  AND locked_by = $2
		  AND locked_until > now()
		  AND status = 'running'`,
		jobID, owner, lease.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrLeaseLost
	}
	return nil
}

// MarkDone commits the final result. The owner check (not lease liveness)
// guards it: a slow worker may settle its own row right after lease expiry
// as long as the reaper has not intervened.
func (s *JobStorage) MarkDone(ctx context.Context, jobID, owner string, resultJSON []byte, resultPath string) error {
	tag, err := s.store.db(ctx).Exec(ctx, `
		UPDATE jobs
		SET status = 'done',
		    result_json = $3,
		    result_path = $4,
		    error = NULL,
		    finished_at = now(),
		    locked_by = NULL,
		    locked_until = NULL,
		    updated_at = now()
		WHERE job_id = $1
		  AND locked_by = $2
		  AND status = 'running'`,
		jobID, owner, resultJSON, resultPath,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrLeaseLost
	}
	return nil
}

// MarkRetry reschedules the job after a transient failure.
func (s *JobStorage) MarkRetry(ctx context.Context, jobID, owner string, errMsg string, nextRun time.Time) error {
	tag, err := s.store.db(ctx).Exec(ctx, `
		UPDATE jobs
		SET status = 'retry',
		    error = $3,
		    next_run_at = $4,
		    locked_by = NULL,
		    locked_until = NULL,
		    updated_at = now()
		WHERE job_id = $1
		  AND locked_by = $2
		  AND status = 'running'`,
		jobID, owner, errMsg, nextRun,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrLeaseLost
	}
	return nil
}

// MarkError settles the job as terminally failed.
func (s *JobStorage) MarkError(ctx context.Context, jobID, owner string, errMsg string) error {
	tag, err := s.store.db(ctx).Exec(ctx, `
		UPDATE jobs
		SET status = 'error',
		    error = $3,
		    finished_at = now(),
		    locked_by = NULL,
		    locked_until = NULL,
		    updated_at = now()
		WHERE job_id = $1
		  AND locked_by = $2
		  AND status = 'running'`,
		jobID, owner, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrLeaseLost
	}
	return nil
}

// ReapStale rescues running rows whose lease lapsed. Rows with attempts
// remaining go back to retry after retryDelay; exhausted rows settle as
// error. Both carry the reaper's provenance note appended to error.
func (s *JobStorage) ReapStale(ctx context.Context, retryDelay time.Duration) (*interfaces.ReapResult, error) {
	tx, err := s.store.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reap transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result := &interfaces.ReapResult{}

	rows, err := tx.Query(ctx, `
		UPDATE jobs
		SET status = 'retry',
		    next_run_at = now() + make_interval(secs => $1),
		    error = COALESCE(error, '') || ' [reaper] stale lock',
		    locked_by = NULL,
		    locked_until = NULL,
		    updated_at = now()
		WHERE status = 'running'
		  AND locked_until < now()
		  AND attempts < max_attempts
		RETURNING job_id`,
		retryDelay.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reap stale jobs: %w", err)
	}
	result.Requeued, err = collectIDs(rows)
	if err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `
		UPDATE jobs
		SET status = 'error',
		    error = COALESCE(error, '') || ' [reaper] stale lock',
		    finished_at = now(),
		    locked_by = NULL,
		    locked_until = NULL,
		    updated_at = now()
		WHERE status = 'running'
		  AND locked_until < now()
		RETURNING job_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to settle exhausted stale jobs: %w", err)
	}
	result.Exhausted, err = collectIDs(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reap transaction: %w", err)
	}
	return result, nil
}

// DueForPush lists rows needing re-publication, highest priority first:
// due retries, plus queued rows that have sat past queuedGrace without a
// claim (their original publish was lost). Re-publication is idempotent;
// the claim gate absorbs duplicates.
func (s *JobStorage) DueForPush(ctx context.Context, queuedGrace time.Duration, limit int) ([]string, error) {
	rows, err := s.store.db(ctx).Query(ctx, `
		SELECT job_id
		FROM jobs
		WHERE (status = 'retry' AND next_run_at <= now())
		   OR (status = 'queued' AND updated_at <= now() - make_interval(secs => $1))
		ORDER BY priority DESC, next_run_at ASC
		LIMIT $2`,
		queuedGrace.Seconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due re-pushes: %w", err)
	}
	return collectIDs(rows)
}

// GetByID fetches one row or ErrJobNotFound.
func (s *JobStorage) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.store.db(ctx).QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE job_id = $1`,
		jobID,
	)
	return scanJob(row)
}

// CountByStatus returns row counts grouped by status, for health reporting.
func (s *JobStorage) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.store.db(ctx).Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// Ping verifies the database connection.
func (s *JobStorage) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close releases the underlying pool.
func (s *JobStorage) Close() {
	s.store.Close()
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanJob reads one row in jobColumns order. pgx.ErrNoRows maps to
// ErrJobNotFound.
func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var status, stage string

	err := row.Scan(
		&j.JobID, &j.NUP, &j.Scope, &j.Requester, &status, &stage, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.DedupKey, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt, &j.NextRunAt,
		&j.LockedBy, &j.LockedUntil, &j.Error, &j.ResultJSON,
		&j.ResultPath, &j.ResultPathRaw, &j.ResultPathEnriched,
		&j.HeurPath, &j.TriagePath, &j.CasePath, &j.ResumoPath,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job row: %w", err)
	}

	j.Status = models.JobStatus(status)
	j.StatusStage = models.JobStage(stage)
	return &j, nil
}
