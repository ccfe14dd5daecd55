package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/explico/internal/common"
)

func newTestQueue(t *testing.T, consumer string) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := common.NewDefaultConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Queue.StreamHi = "test:hi"
	cfg.Queue.StreamLo = "test:lo"
	cfg.Queue.ConsumerGroup = "test-workers"
	cfg.Queue.ConsumerName = consumer
	cfg.Queue.PollWindowSeconds = 1

	q, err := NewRedisQueue(cfg, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	require.NoError(t, q.EnsureGroups(context.Background()))
	return q, mr
}

func TestPublishReceiveAck(t *testing.T) {
	q, _ := newTestQueue(t, "worker-1")
	ctx := context.Background()

	require.NoError(t, q.PublishHi(ctx, &Message{JobID: "job_a", PriorityHint: 9}))

	d, ack, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_a", d.JobID)
	assert.Equal(t, 9, d.PriorityHint)
	assert.Equal(t, "test:hi", d.Stream)
	require.NotEmpty(t, d.ID)

	require.NoError(t, ack())
}

func TestReceiveEmptyWindow(t *testing.T) {
	q, _ := newTestQueue(t, "worker-1")

	_, _, err := q.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestHiStreamDrainsFirst(t *testing.T) {
	q, _ := newTestQueue(t, "worker-1")
	ctx := context.Background()

	require.NoError(t, q.PublishLo(ctx, &Message{JobID: "job_background"}))
	require.NoError(t, q.PublishHi(ctx, &Message{JobID: "job_interactive", PriorityHint: 9}))

	first, ack1, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_interactive", first.JobID)
	require.NoError(t, ack1())

	second, ack2, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_background", second.JobID)
	require.NoError(t, ack2())
}

func TestEnsureGroupsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, "worker-1")

	// Second call hits BUSYGROUP on both streams and must not fail.
	require.NoError(t, q.EnsureGroups(context.Background()))
}

func TestMalformedEntryDiscarded(t *testing.T) {
	q, mr := newTestQueue(t, "worker-1")
	ctx := context.Background()

	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer raw.Close()
	require.NoError(t, raw.XAdd(ctx, &redis.XAddArgs{
		Stream: "test:hi",
		Values: map[string]interface{}{"priority_hint": "5"}, // no job_id
	}).Err())

	_, _, err := q.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)

	// The malformed entry was acked away, not left pending.
	pending, err := raw.XPending(ctx, "test:hi", "test-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestReclaimStale(t *testing.T) {
	q, mr := newTestQueue(t, "worker-1")
	ctx := context.Background()

	require.NoError(t, q.PublishLo(ctx, &Message{JobID: "job_orphan"}))

	// First consumer receives but never acks, then "dies".
	d, _, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "job_orphan", d.JobID)

	// A second consumer on the same group reclaims the pending entry.
	cfg := common.NewDefaultConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Queue.StreamHi = "test:hi"
	cfg.Queue.StreamLo = "test:lo"
	cfg.Queue.ConsumerGroup = "test-workers"
	cfg.Queue.ConsumerName = "worker-2"
	cfg.Queue.PollWindowSeconds = 1

	q2, err := NewRedisQueue(cfg, common.GetLogger())
	require.NoError(t, err)
	defer q2.Close()

	n, err := q2.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The reclaimed entry surfaces through the normal receive path.
	rd, ack, err := q2.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_orphan", rd.JobID)
	require.NoError(t, ack())
}

func TestDepths(t *testing.T) {
	q, _ := newTestQueue(t, "worker-1")
	ctx := context.Background()

	require.NoError(t, q.PublishHi(ctx, &Message{JobID: "a"}))
	require.NoError(t, q.PublishHi(ctx, &Message{JobID: "b"}))
	require.NoError(t, q.PublishLo(ctx, &Message{JobID: "c"}))

	hi, lo, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hi)
	assert.Equal(t, int64(1), lo)
}

func TestResolveConsumerName(t *testing.T) {
	assert.Equal(t, "fixed", resolveConsumerName("fixed"))

	generated := resolveConsumerName("")
	assert.NotEmpty(t, generated)
	assert.NotEqual(t, "fixed", generated)
}

func TestBufferedSurplusDelivered(t *testing.T) {
	q, _ := newTestQueue(t, "worker-1")
	ctx := context.Background()

	// One entry on each stream: a single read returns both (COUNT is per
	// stream); the lo entry must wait in the buffer, not vanish.
	require.NoError(t, q.PublishHi(ctx, &Message{JobID: "hi_job"}))
	require.NoError(t, q.PublishLo(ctx, &Message{JobID: "lo_job"}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		d, ack, err := q.Receive(ctx)
		require.NoError(t, err)
		seen[d.JobID] = true
		require.NoError(t, ack())
	}
	assert.True(t, seen["hi_job"])
	assert.True(t, seen["lo_job"])

	_, _, err := q.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)

	waitForEmptyBuffer(t, q)
}

// waitForEmptyBuffer asserts no deliveries were left stranded internally.
func waitForEmptyBuffer(t *testing.T, q *RedisQueue) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		n := len(q.buffered)
		q.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("internal delivery buffer not drained")
}
