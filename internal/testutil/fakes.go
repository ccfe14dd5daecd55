// Package testutil provides in-memory fakes of the service contracts for
// package-level tests. The fakes honor the same semantics as the real
// implementations (claim predicates, lease guards, publish ordering) so
// tests exercise real control flow, not stubs.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
	"github.com/ternarybob/explico/internal/queue"
)

// FakeJobStorage is an in-memory interfaces.JobStorage with the same state
// machine as the Postgres implementation.
type FakeJobStorage struct {
	mu      sync.Mutex
	admitMu sync.Mutex
	Jobs    map[string]*models.Job

	// Now is the fake clock; defaults to time.Now.
	Now func() time.Time

	// Error injection, one knob per operation family.
	FailInsert error
	FailLookup error
	FailClaim  error
	FailUpdate error
}

// NewFakeJobStorage returns an empty fake store.
func NewFakeJobStorage() *FakeJobStorage {
	return &FakeJobStorage{
		Jobs: make(map[string]*models.Job),
		Now:  time.Now,
	}
}

// Seed inserts a row verbatim, bypassing admission rules.
func (f *FakeJobStorage) Seed(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.Jobs[job.JobID] = &cp
}

// Get returns a copy of a row for assertions.
func (f *FakeJobStorage) Get(jobID string) *models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.Jobs[jobID]; ok {
		cp := *j
		return &cp
	}
	return nil
}

func (f *FakeJobStorage) WithAdmissionLock(ctx context.Context, dedupKey string, fn func(ctx context.Context) error) error {
	// Serializes admissions the way the advisory lock does, coarser: one
	// mutex for all keys instead of one lock per key.
	f.admitMu.Lock()
	defer f.admitMu.Unlock()
	return fn(ctx)
}

func (f *FakeJobStorage) InsertQueued(ctx context.Context, job *models.Job) error {
	if f.FailInsert != nil {
		return f.FailInsert
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.Now()
	cp := *job
	cp.Status = models.JobStatusQueued
	cp.Attempts = 0
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.NextRunAt = now
	f.Jobs[cp.JobID] = &cp
	return nil
}

func (f *FakeJobStorage) ActiveByDedupKey(ctx context.Context, dedupKey string) (*models.Job, error) {
	if f.FailLookup != nil {
		return nil, f.FailLookup
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var newest *models.Job
	for _, j := range f.Jobs {
		if j.DedupKey == dedupKey && j.Status.IsActive() {
			if newest == nil || j.CreatedAt.After(newest.CreatedAt) {
				newest = j
			}
		}
	}
	if newest == nil {
		return nil, interfaces.ErrJobNotFound
	}
	cp := *newest
	return &cp, nil
}

func (f *FakeJobStorage) Escalate(ctx context.Context, jobID string, floor int) (int, error) {
	if f.FailUpdate != nil {
		return 0, f.FailUpdate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	j, ok := f.Jobs[jobID]
	if !ok {
		return 0, interfaces.ErrJobNotFound
	}
	if j.Status.IsActive() && floor > j.Priority {
		j.Priority = floor
		j.UpdatedAt = f.Now()
	}
	return j.Priority, nil
}

func (f *FakeJobStorage) CacheLookup(ctx context.Context, dedupKey string, ttl time.Duration) (*models.Job, error) {
	if f.FailLookup != nil {
		return nil, f.FailLookup
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := f.Now().Add(-ttl)
	var freshest *models.Job
	for _, j := range f.Jobs {
		if j.DedupKey != dedupKey || j.Status != models.JobStatusDone || j.FinishedAt == nil {
			continue
		}
		if j.FinishedAt.Before(cutoff) {
			continue
		}
		if freshest == nil || j.FinishedAt.After(*freshest.FinishedAt) {
			freshest = j
		}
	}
	if freshest == nil {
		return nil, interfaces.ErrJobNotFound
	}
	cp := *freshest
	return &cp, nil
}

func (f *FakeJobStorage) Claim(ctx context.Context, jobID, owner string, lease time.Duration) (*models.Job, error) {
	if f.FailClaim != nil {
		return nil, f.FailClaim
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.Now()
	j, ok := f.Jobs[jobID]
	if !ok {
		return nil, interfaces.ErrNotClaimable
	}
	claimable := (j.Status == models.JobStatusQueued || j.Status == models.JobStatusRetry) &&
		!j.NextRunAt.After(now) &&
		(j.LockedUntil == nil || j.LockedUntil.Before(now)) &&
		j.Attempts < j.MaxAttempts
	if !claimable {
		return nil, interfaces.ErrNotClaimable
	}

	j.Status = models.JobStatusRunning
	j.StatusStage = ""
	j.Attempts++
	if j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	j.LockedBy = owner
	until := now.Add(lease)
	j.LockedUntil = &until
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// owns reports whether owner may settle the row (owner matches, still
// running). Mirrors the SQL guard.
func (f *FakeJobStorage) owns(j *models.Job, owner string) bool {
	return j != nil && j.Status == models.JobStatusRunning && j.LockedBy == owner
}

func (f *FakeJobStorage) SetStage(ctx context.Context, jobID, owner string, stage models.JobStage, artifactPath string) error {
	if f.FailUpdate != nil {
		return f.FailUpdate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	j := f.Jobs[jobID]
	if !f.owns(j, owner) || j.LockedUntil == nil || !j.LockedUntil.After(f.Now()) {
		return interfaces.ErrLeaseLost
	}

	j.StatusStage = stage
	switch stage {
	case models.StageExtracted:
		j.ResultPathRaw = artifactPath
	case models.StageEnriched:
		j.ResultPathEnriched = artifactPath
	case models.StageHeur:
		j.HeurPath = artifactPath
	case models.StageTriage:
		j.TriagePath = artifactPath
	case models.StageCase:
		j.CasePath = artifactPath
	case models.StageResumo:
		j.ResumoPath = artifactPath
	}
	j.UpdatedAt = f.Now()
	return nil
}

func (f *FakeJobStorage) RenewLease(ctx context.Context, jobID, owner string, lease time.Duration) error {
	if f.FailUpdate != nil {
		return f.FailUpdate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	j := f.Jobs[jobID]
	if !f.owns(j, owner) || j.LockedUntil == nil || !j.LockedUntil.After(f.Now()) {
		return interfaces.ErrLeaseLost
	}
	until := f.Now().Add(lease)
	j.LockedUntil = &until
	j.UpdatedAt = f.Now()
	return nil
}

func (f *FakeJobStorage) MarkDone(ctx context.Context, jobID, owner string, resultJSON []byte, resultPath string) error {
	if f.FailUpdate != nil {
		return f.FailUpdate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	j := f.Jobs[jobID]
	if !f.owns(j, owner) {
		return interfaces.ErrLeaseLost
	}
	now := f.Now()
	j.Status = models.JobStatusDone
	j.ResultJSON = resultJSON
	j.ResultPath = resultPath
	j.Error = ""
	j.FinishedAt = &now
	j.LockedBy = ""
	j.LockedUntil = nil
	j.UpdatedAt = now
	return nil
}

func (f *FakeJobStorage) MarkRetry(ctx context.Context, jobID, owner string, errMsg string, nextRun time.Time) error {
	if f.FailUpdate != nil {
		return f.FailUpdate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	j := f.Jobs[jobID]
	if !f.owns(j, owner) {
		return interfaces.ErrLeaseLost
	}
	j.Status = models.JobStatusRetry
	j.Error = errMsg
	j.NextRunAt = nextRun
	j.LockedBy = ""
	j.LockedUntil = nil
	j.UpdatedAt = f.Now()
	return nil
}

func (f *FakeJobStorage) MarkError(ctx context.Context, jobID, owner string, errMsg string) error {
	if f.FailUpdate != nil {
		return f.FailUpdate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	j := f.Jobs[jobID]
	if !f.owns(j, owner) {
		return interfaces.ErrLeaseLost
	}
	now := f.Now()
	j.Status = models.JobStatusError
	j.Error = errMsg
	j.FinishedAt = &now
	j.LockedBy = ""
	j.LockedUntil = nil
	j.UpdatedAt = now
	return nil
}

func (f *FakeJobStorage) ReapStale(ctx context.Context, retryDelay time.Duration) (*interfaces.ReapResult, error) {
	if f.FailUpdate != nil {
		return nil, f.FailUpdate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.Now()
	result := &interfaces.ReapResult{}
	for _, j := range f.Jobs {
		if j.Status != models.JobStatusRunning || j.LockedUntil == nil || !j.LockedUntil.Before(now) {
			continue
		}
		j.Error = strings.TrimSpace(j.Error + " [reaper] stale lock")
		j.LockedBy = ""
		j.LockedUntil = nil
		j.UpdatedAt = now
		if j.Attempts < j.MaxAttempts {
			j.Status = models.JobStatusRetry
			j.NextRunAt = now.Add(retryDelay)
			result.Requeued = append(result.Requeued, j.JobID)
		} else {
			j.Status = models.JobStatusError
			t := now
			j.FinishedAt = &t
			result.Exhausted = append(result.Exhausted, j.JobID)
		}
	}
	return result, nil
}

func (f *FakeJobStorage) DueForPush(ctx context.Context, queuedGrace time.Duration, limit int) ([]string, error) {
	if f.FailLookup != nil {
		return nil, f.FailLookup
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.Now()
	var ids []string
	for _, j := range f.Jobs {
		due := (j.Status == models.JobStatusRetry && !j.NextRunAt.After(now)) ||
			(j.Status == models.JobStatusQueued && !j.UpdatedAt.After(now.Add(-queuedGrace)))
		if due {
			ids = append(ids, j.JobID)
		}
		if len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (f *FakeJobStorage) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	if f.FailLookup != nil {
		return nil, f.FailLookup
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	j, ok := f.Jobs[jobID]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *FakeJobStorage) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	counts := make(map[models.JobStatus]int)
	for _, j := range f.Jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (f *FakeJobStorage) Ping(ctx context.Context) error { return nil }
func (f *FakeJobStorage) Close()                         {}

// FakeQueue is an in-memory interfaces.QueueService. The high stream always
// drains before the low one, matching the Redis implementation.
type FakeQueue struct {
	mu    sync.Mutex
	Hi    []queue.Message
	Lo    []queue.Message
	Acked []string

	FailPublish error
	FailReceive error

	seq int
}

// NewFakeQueue returns an empty fake queue.
func NewFakeQueue() *FakeQueue {
	return &FakeQueue{}
}

func (f *FakeQueue) EnsureGroups(ctx context.Context) error { return nil }

func (f *FakeQueue) PublishHi(ctx context.Context, msg *queue.Message) error {
	if f.FailPublish != nil {
		return f.FailPublish
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Hi = append(f.Hi, *msg)
	return nil
}

func (f *FakeQueue) PublishLo(ctx context.Context, msg *queue.Message) error {
	if f.FailPublish != nil {
		return f.FailPublish
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lo = append(f.Lo, *msg)
	return nil
}

func (f *FakeQueue) Receive(ctx context.Context) (*queue.Delivery, func() error, error) {
	if f.FailReceive != nil {
		return nil, nil, f.FailReceive
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var msg queue.Message
	var stream string
	switch {
	case len(f.Hi) > 0:
		msg, f.Hi = f.Hi[0], f.Hi[1:]
		stream = "hi"
	case len(f.Lo) > 0:
		msg, f.Lo = f.Lo[0], f.Lo[1:]
		stream = "lo"
	default:
		return nil, nil, queue.ErrNoMessage
	}

	f.seq++
	d := &queue.Delivery{
		Message: msg,
		Stream:  stream,
		ID:      fmt.Sprintf("%d-0", f.seq),
	}
	ack := func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.Acked = append(f.Acked, d.ID)
		return nil
	}
	return d, ack, nil
}

func (f *FakeQueue) ReclaimStale(ctx context.Context, minIdle time.Duration) (int, error) {
	return 0, nil
}

func (f *FakeQueue) Depths(ctx context.Context) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.Hi)), int64(len(f.Lo)), nil
}

func (f *FakeQueue) Ping(ctx context.Context) error { return nil }
func (f *FakeQueue) Close() error                   { return nil }

// PendingJobIDs lists unconsumed job IDs, hi stream first.
func (f *FakeQueue) PendingJobIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for _, m := range f.Hi {
		ids = append(ids, m.JobID)
	}
	for _, m := range f.Lo {
		ids = append(ids, m.JobID)
	}
	return ids
}

// FakeLLMClient replays canned replies in order. Prompts are recorded for
// assertions; when replies run out the last one repeats.
type FakeLLMClient struct {
	mu      sync.Mutex
	Replies []string
	Err     error
	Usage   models.TokenUsage
	Prompts []interfaces.CompletionRequest

	calls int
}

func (f *FakeLLMClient) Complete(ctx context.Context, req interfaces.CompletionRequest) (*interfaces.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Prompts = append(f.Prompts, req)
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Replies) == 0 {
		return nil, fmt.Errorf("fake llm has no replies configured")
	}
	idx := f.calls
	if idx >= len(f.Replies) {
		idx = len(f.Replies) - 1
	}
	f.calls++
	return &interfaces.CompletionResponse{Text: f.Replies[idx], Usage: f.Usage}, nil
}

func (f *FakeLLMClient) Model() string { return "fake-model" }

// Calls returns how many completions were requested.
func (f *FakeLLMClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
