package queue

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
)

// reclaimBatch bounds how many pending entries one sweep transfers.
const reclaimBatch = 64

// RedisQueue is a thin wrapper around two Redis streams sharing one consumer
// group. It provides ONLY queue operations, no business logic.
type RedisQueue struct {
	client     *redis.Client
	streamHi   string
	streamLo   string
	group      string
	consumer   string
	pollWindow time.Duration
	logger     arbor.ILogger

	mu       sync.Mutex
	buffered []Delivery // reclaimed or surplus deliveries awaiting Receive
}

// NewRedisQueue connects to Redis and returns the queue wrapper. The
// connection is verified with a ping so a bad REDIS_URL fails at startup,
// not at first publish.
func NewRedisQueue(cfg *common.Config, logger arbor.ILogger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisQueue{
		client:     client,
		streamHi:   cfg.Queue.StreamHi,
		streamLo:   cfg.Queue.StreamLo,
		group:      cfg.Queue.ConsumerGroup,
		consumer:   resolveConsumerName(cfg.Queue.ConsumerName),
		pollWindow: cfg.PollWindow(),
		logger:     logger,
	}, nil
}

// resolveConsumerName falls back to hostname-pid when no explicit consumer
// name is configured, so parallel workers on one host stay distinct.
func resolveConsumerName(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		host = "explico"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Consumer returns the resolved consumer identity, also used as the row
// lock owner.
func (q *RedisQueue) Consumer() string {
	return q.consumer
}

// EnsureGroups creates the consumer group on both streams. Groups that
// already exist are not an error.
func (q *RedisQueue) EnsureGroups(ctx context.Context) error {
	for _, stream := range []string{q.streamHi, q.streamLo} {
		err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create group %s on %s: %w", q.group, stream, err)
		}
	}
	return nil
}

// PublishHi appends to the high-priority stream.
func (q *RedisQueue) PublishHi(ctx context.Context, msg *Message) error {
	return q.publish(ctx, q.streamHi, msg)
}

// PublishLo appends to the low-priority stream.
func (q *RedisQueue) PublishLo(ctx context.Context, msg *Message) error {
	return q.publish(ctx, q.streamLo, msg)
}

func (q *RedisQueue) publish(ctx context.Context, stream string, msg *Message) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"job_id":        msg.JobID,
			"priority_hint": strconv.Itoa(msg.PriorityHint),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

// Receive returns the next delivery, preferring the high stream. The ack
// function must be called exactly once after the job row reaches a settled
// state; it uses a fresh context so acking still works when the receive
// context has expired.
func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, func() error, error) {
	if d, ok := q.popBuffered(); ok {
		return d, q.ackFn(*d), nil
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.streamHi, q.streamLo, ">", ">"},
		Count:    1,
		Block:    q.pollWindow,
	}).Result()
	if err == redis.Nil {
		return nil, nil, ErrNoMessage
	}
	if err != nil {
		return nil, nil, fmt.Errorf("stream read failed: %w", err)
	}

	// The reply preserves request order, so hi-stream entries drain first.
	// COUNT applies per stream; surplus entries wait in the buffer.
	var all []Delivery
	for _, stream := range res {
		for _, m := range stream.Messages {
			d, ok := q.toDelivery(stream.Stream, m)
			if !ok {
				q.ackDiscard(stream.Stream, m.ID)
				continue
			}
			all = append(all, d)
		}
	}
	if len(all) == 0 {
		return nil, nil, ErrNoMessage
	}

	first := all[0]
	q.pushBuffered(all[1:])
	return &first, q.ackFn(first), nil
}

// ReclaimStale transfers entries idle past minIdle to this consumer and
// queues them for redelivery through Receive. This covers a consumer that
// died between delivery and ack; whether work is still owed is decided by
// the job row at claim time.
func (q *RedisQueue) ReclaimStale(ctx context.Context, minIdle time.Duration) (int, error) {
	total := 0
	for _, stream := range []string{q.streamHi, q.streamLo} {
		msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  minIdle,
			Start:    "0",
			Count:    reclaimBatch,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("autoclaim on %s failed: %w", stream, err)
		}

		var reclaimed []Delivery
		for _, m := range msgs {
			d, ok := q.toDelivery(stream, m)
			if !ok {
				q.ackDiscard(stream, m.ID)
				continue
			}
			reclaimed = append(reclaimed, d)
		}
		q.pushBuffered(reclaimed)
		total += len(reclaimed)
	}

	if total > 0 {
		q.logger.Info().Int("count", total).Msg("Reclaimed stale stream entries")
	}
	return total, nil
}

// Depths reports the entry count of each stream.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, error) {
	hi, err := q.client.XLen(ctx, q.streamHi).Result()
	if err != nil {
		return 0, 0, err
	}
	lo, err := q.client.XLen(ctx, q.streamLo).Result()
	if err != nil {
		return 0, 0, err
	}
	return hi, lo, nil
}

// Ping verifies the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) ackFn(d Delivery) func() error {
	return func() error {
		// Fresh context: the receive context may have expired by the time
		// the pipeline finishes.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return q.client.XAck(ctx, d.Stream, q.group, d.ID).Err()
	}
}

// ackDiscard drops a malformed entry so it does not cycle through the
// pending list forever.
func (q *RedisQueue) ackDiscard(stream, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.XAck(ctx, stream, q.group, id).Err(); err != nil {
		q.logger.Warn().Err(err).Str("stream", stream).Str("id", id).Msg("Failed to ack malformed entry")
	} else {
		q.logger.Warn().Str("stream", stream).Str("id", id).Msg("Discarded malformed stream entry")
	}
}

func (q *RedisQueue) toDelivery(stream string, m redis.XMessage) (Delivery, bool) {
	jobID, _ := m.Values["job_id"].(string)
	if jobID == "" {
		return Delivery{}, false
	}

	hint := 0
	if raw, ok := m.Values["priority_hint"].(string); ok {
		if v, err := strconv.Atoi(raw); err == nil {
			hint = v
		}
	}

	return Delivery{
		Message: Message{JobID: jobID, PriorityHint: hint},
		Stream:  stream,
		ID:      m.ID,
	}, true
}

func (q *RedisQueue) popBuffered() (*Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buffered) == 0 {
		return nil, false
	}
	d := q.buffered[0]
	q.buffered = q.buffered[1:]
	return &d, true
}

func (q *RedisQueue) pushBuffered(ds []Delivery) {
	if len(ds) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buffered = append(q.buffered, ds...)
}
