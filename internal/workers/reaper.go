package workers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/queue"
)

const (
	// reapRetryDelay spaces a rescued job's next attempt out from the sweep
	// that rescued it.
	reapRetryDelay = time.Minute

	// queuedGrace is how long a queued row may sit untouched before the
	// sweep assumes its original publish was lost and re-publishes it.
	queuedGrace = 2 * time.Minute

	// pushBatch bounds how many rows one sweep re-publishes.
	pushBatch = 100
)

// Reaper is the liveness backstop: it rescues rows whose lease expired with
// the holder gone, re-publishes rows that are due but have no live stream
// entry, and reclaims stream entries stranded in dead consumers' pending
// lists. Every action is idempotent, so overlapping sweeps from several
// processes stay safe.
type Reaper struct {
	cfg     *common.Config
	storage interfaces.JobStorage
	queue   interfaces.QueueService
	logger  arbor.ILogger
}

func NewReaper(cfg *common.Config, storage interfaces.JobStorage, q interfaces.QueueService, logger arbor.ILogger) *Reaper {
	return &Reaper{
		cfg:     cfg,
		storage: storage,
		queue:   q,
		logger:  logger,
	}
}

// Sweep runs one full pass. Failures are logged and the remaining phases
// still run; the next sweep picks up whatever this one missed.
func (r *Reaper) Sweep(ctx context.Context) {
	r.reapStale(ctx)
	r.pushDue(ctx)
	r.reclaimEntries(ctx)
}

func (r *Reaper) reapStale(ctx context.Context) {
	result, err := r.storage.ReapStale(ctx, reapRetryDelay)
	if err != nil {
		r.logger.Error().Err(err).Msg("Stale lease sweep failed")
		return
	}
	if len(result.Requeued) == 0 && len(result.Exhausted) == 0 {
		return
	}
	r.logger.Warn().
		Int("requeued", len(result.Requeued)).
		Int("exhausted", len(result.Exhausted)).
		Msg("Rescued jobs with expired leases")
}

// pushDue re-publishes due rows on the low stream. Rescued and retry rows
// both land here once next_run_at passes; duplicate wake-ups are absorbed
// by the claim gate.
func (r *Reaper) pushDue(ctx context.Context) {
	ids, err := r.storage.DueForPush(ctx, queuedGrace, pushBatch)
	if err != nil {
		r.logger.Error().Err(err).Msg("Due-row query failed")
		return
	}

	pushed := 0
	for _, id := range ids {
		if err := r.queue.PublishLo(ctx, &queue.Message{JobID: id}); err != nil {
			r.logger.Error().Err(err).Str("job_id", id).Msg("Failed to re-publish due job")
			break
		}
		pushed++
	}
	if pushed > 0 {
		r.logger.Info().Int("count", pushed).Msg("Re-published due jobs")
	}
}

// reclaimEntries transfers stream entries whose consumer died between
// delivery and ack. Anything idle for a full lease cannot still be in
// flight legitimately.
func (r *Reaper) reclaimEntries(ctx context.Context) {
	if _, err := r.queue.ReclaimStale(ctx, r.cfg.Lease()); err != nil {
		r.logger.Error().Err(err).Msg("Stream reclaim failed")
	}
}
