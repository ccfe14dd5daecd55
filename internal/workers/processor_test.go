package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
	"github.com/ternarybob/explico/internal/queue"
	"github.com/ternarybob/explico/internal/services/pipeline"
	"github.com/ternarybob/explico/internal/testutil"
)

const testOwner = "worker-test"

type runnerFunc func(ctx context.Context, job *models.Job) error

func (f runnerFunc) Run(ctx context.Context, job *models.Job) error { return f(ctx, job) }

func newTestProcessor(store *testutil.FakeJobStorage, q *testutil.FakeQueue, run runnerFunc) *Processor {
	cfg := common.NewDefaultConfig()
	return NewProcessor(cfg, store, q, run, testOwner, common.GetLogger())
}

func seedAndDeliver(t *testing.T, store *testutil.FakeJobStorage, q *testutil.FakeQueue, job *models.Job) (*queue.Delivery, func() error) {
	t.Helper()

	store.Seed(job)
	require.NoError(t, q.PublishHi(context.Background(), &queue.Message{JobID: job.JobID, PriorityHint: job.Priority}))

	d, ack, err := q.Receive(context.Background())
	require.NoError(t, err)
	return d, ack
}

func queuedJob(id string) *models.Job {
	return &models.Job{
		JobID:       id,
		NUP:         "23480.019090/2026-11",
		Status:      models.JobStatusQueued,
		MaxAttempts: 5,
		NextRunAt:   time.Now().Add(-time.Minute),
	}
}

func TestHandleRunsAndAcks(t *testing.T) {
	store := testutil.NewFakeJobStorage()
	q := testutil.NewFakeQueue()

	run := runnerFunc(func(ctx context.Context, job *models.Job) error {
		return store.MarkDone(ctx, job.JobID, testOwner, []byte(`{"nup":"x"}`), "/data/resumo/job-1.json")
	})
	p := newTestProcessor(store, q, run)

	d, ack := seedAndDeliver(t, store, q, queuedJob("job-1"))
	p.handle(context.Background(), d, ack)

	row := store.Get("job-1")
	assert.Equal(t, models.JobStatusDone, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Len(t, q.Acked, 1)
}

func TestHandleDropsUnclaimableEntry(t *testing.T) {
	store := testutil.NewFakeJobStorage()
	q := testutil.NewFakeQueue()

	ran := false
	run := runnerFunc(func(ctx context.Context, job *models.Job) error {
		ran = true
		return nil
	})
	p := newTestProcessor(store, q, run)

	done := queuedJob("job-1")
	done.Status = models.JobStatusDone
	d, ack := seedAndDeliver(t, store, q, done)
	p.handle(context.Background(), d, ack)

	assert.False(t, ran)
	assert.Len(t, q.Acked, 1)
	assert.Equal(t, models.JobStatusDone, store.Get("job-1").Status)
}

func TestHandleTransientFailureSchedulesRetry(t *testing.T) {
	store := testutil.NewFakeJobStorage()
	q := testutil.NewFakeQueue()

	run := runnerFunc(func(ctx context.Context, job *models.Job) error {
		return errors.New("extract: browser crashed")
	})
	p := newTestProcessor(store, q, run)

	d, ack := seedAndDeliver(t, store, q, queuedJob("job-1"))
	p.handle(context.Background(), d, ack)

	row := store.Get("job-1")
	assert.Equal(t, models.JobStatusRetry, row.Status)
	assert.Contains(t, row.Error, "browser crashed")
	// First attempt backs off by the configured base delay.
	assert.WithinDuration(t, time.Now().Add(30*time.Second), row.NextRunAt, 2*time.Second)
	assert.Empty(t, row.LockedBy)
	assert.Len(t, q.Acked, 1)
}

func TestHandleTerminalFailureMarksError(t *testing.T) {
	store := testutil.NewFakeJobStorage()
	q := testutil.NewFakeQueue()

	run := runnerFunc(func(ctx context.Context, job *models.Job) error {
		return pipeline.Terminal(errors.New("no documents"))
	})
	p := newTestProcessor(store, q, run)

	d, ack := seedAndDeliver(t, store, q, queuedJob("job-1"))
	p.handle(context.Background(), d, ack)

	row := store.Get("job-1")
	assert.Equal(t, models.JobStatusError, row.Status)
	assert.Equal(t, "no documents", row.Error)
	require.NotNil(t, row.FinishedAt)
	assert.Len(t, q.Acked, 1)
}

func TestHandleExhaustedAttemptsMarksError(t *testing.T) {
	store := testutil.NewFakeJobStorage()
	q := testutil.NewFakeQueue()

	run := runnerFunc(func(ctx context.Context, job *models.Job) error {
		return errors.New("extract: still flaky")
	})
	p := newTestProcessor(store, q, run)

	job := queuedJob("job-1")
	job.MaxAttempts = 1
	d, ack := seedAndDeliver(t, store, q, job)
	p.handle(context.Background(), d, ack)

	row := store.Get("job-1")
	assert.Equal(t, models.JobStatusError, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Contains(t, row.Error, "still flaky")
	assert.Len(t, q.Acked, 1)
}

func TestHandleLeaseLostLeavesEntryPending(t *testing.T) {
	store := testutil.NewFakeJobStorage()
	q := testutil.NewFakeQueue()

	run := runnerFunc(func(ctx context.Context, job *models.Job) error {
		return interfaces.ErrLeaseLost
	})
	p := newTestProcessor(store, q, run)

	d, ack := seedAndDeliver(t, store, q, queuedJob("job-1"))
	p.handle(context.Background(), d, ack)

	// No settle write and no ack: the row belongs to whoever holds the
	// lease now, and the entry ages into the reclaim sweep.
	row := store.Get("job-1")
	assert.Equal(t, models.JobStatusRunning, row.Status)
	assert.Empty(t, q.Acked)
}

func TestHandleRecoversPanicAsRetry(t *testing.T) {
	store := testutil.NewFakeJobStorage()
	q := testutil.NewFakeQueue()

	run := runnerFunc(func(ctx context.Context, job *models.Job) error {
		panic("boom in stage")
	})
	p := newTestProcessor(store, q, run)

	d, ack := seedAndDeliver(t, store, q, queuedJob("job-1"))
	p.handle(context.Background(), d, ack)

	row := store.Get("job-1")
	assert.Equal(t, models.JobStatusRetry, row.Status)
	assert.Contains(t, row.Error, "pipeline panic")
	assert.Contains(t, row.Error, "boom in stage")
	assert.Len(t, q.Acked, 1)
}

func TestStartProcessesUntilStopped(t *testing.T) {
	store := testutil.NewFakeJobStorage()
	q := testutil.NewFakeQueue()

	run := runnerFunc(func(ctx context.Context, job *models.Job) error {
		return store.MarkDone(ctx, job.JobID, testOwner, []byte(`{}`), "/data/resumo/job-1.json")
	})
	p := newTestProcessor(store, q, run)

	store.Seed(queuedJob("job-1"))
	require.NoError(t, q.PublishLo(context.Background(), &queue.Message{JobID: "job-1"}))

	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return store.Get("job-1").Status == models.JobStatusDone
	}, 2*time.Second, 10*time.Millisecond)
}
