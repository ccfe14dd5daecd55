package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/explico/internal/queue"
)

// QueueService is the Redis-stream wake-up channel between intake and the
// workers. Delivery is at-least-once: consumers must tolerate duplicates and
// treat the job row as authoritative.
type QueueService interface {
	// EnsureGroups creates the consumer group on both streams, tolerating
	// groups that already exist.
	EnsureGroups(ctx context.Context) error

	// PublishHi appends to the high-priority stream (interactive requests).
	PublishHi(ctx context.Context, msg *queue.Message) error

	// PublishLo appends to the low-priority stream (monitor traffic, retries).
	PublishLo(ctx context.Context, msg *queue.Message) error

	// Receive blocks up to the configured poll window for the next delivery,
	// draining the high-priority stream before the low one. The returned ack
	// function removes the entry from the group's pending list and must be
	// called exactly once, after the row reaches a settled state. Returns
	// queue.ErrNoMessage when the window elapses empty.
	Receive(ctx context.Context) (*queue.Delivery, func() error, error)

	// ReclaimStale transfers entries that have sat unacknowledged past
	// minIdle to this consumer and feeds them back through Receive, covering
	// consumers that died between delivery and ack. Returns the number of
	// entries reclaimed.
	ReclaimStale(ctx context.Context, minIdle time.Duration) (int, error)

	// Depths reports the entry count of each stream, for health reporting.
	Depths(ctx context.Context) (hi, lo int64, err error)

	Ping(ctx context.Context) error
	Close() error
}
