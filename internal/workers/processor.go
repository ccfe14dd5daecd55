package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
	"github.com/ternarybob/explico/internal/queue"
	"github.com/ternarybob/explico/internal/services/pipeline"
)

// Receive errors back off exponentially so a Redis outage does not turn
// into a hot loop; an empty window resets the backoff.
const (
	receiveBackoffMin = 100 * time.Millisecond
	receiveBackoffMax = 5 * time.Second
)

// settleTimeout bounds the row update after a pipeline run. Settling uses a
// fresh context so an in-flight job still lands in retry during shutdown.
const settleTimeout = 10 * time.Second

// PipelineRunner drives one claimed job to a settled row state. Satisfied
// by pipeline.Runner.
type PipelineRunner interface {
	Run(ctx context.Context, job *models.Job) error
}

// Processor is the consume side of the queue: a fixed set of goroutines
// receiving wake-ups, claiming rows, running the pipeline, and settling.
// The claim gate makes duplicate deliveries harmless, so the processor
// never has to dedupe entries itself.
type Processor struct {
	cfg     *common.Config
	storage interfaces.JobStorage
	queue   interfaces.QueueService
	runner  PipelineRunner
	owner   string
	logger  arbor.ILogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProcessor(cfg *common.Config, storage interfaces.JobStorage, q interfaces.QueueService, runner PipelineRunner, owner string, logger arbor.ILogger) *Processor {
	return &Processor{
		cfg:     cfg,
		storage: storage,
		queue:   q,
		runner:  runner,
		owner:   owner,
		logger:  logger,
	}
}

// Start launches the configured number of runner goroutines.
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	n := p.cfg.Worker.Concurrency
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}

	p.logger.Info().
		Int("concurrency", n).
		Str("consumer", p.owner).
		Msg("Worker processors started")
}

// Stop cancels the receive loops and waits for in-flight jobs to settle.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("Worker processors stopped")
}

func (p *Processor) loop(ctx context.Context, id int) {
	defer p.wg.Done()

	backoff := receiveBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		delivery, ack, err := p.queue.Receive(ctx)
		if errors.Is(err, queue.ErrNoMessage) {
			backoff = receiveBackoffMin
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Int("runner", id).Msg("Queue receive failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > receiveBackoffMax {
				backoff = receiveBackoffMax
			}
			continue
		}

		backoff = receiveBackoffMin
		p.handle(ctx, delivery, ack)
	}
}

// handle turns one delivery into at most one pipeline run. Entries whose
// row is not claimable are spent wake-ups and get acked without running.
func (p *Processor) handle(ctx context.Context, d *queue.Delivery, ack func() error) {
	job, err := p.storage.Claim(ctx, d.JobID, p.owner, p.cfg.Lease())
	if errors.Is(err, interfaces.ErrNotClaimable) {
		p.logger.Debug().
			Str("job_id", d.JobID).
			Str("stream", d.Stream).
			Msg("Entry not claimable, dropping")
		p.ack(d, ack)
		return
	}
	if err != nil {
		// Leave the entry pending; the reclaim sweep redelivers it.
		p.logger.Warn().Err(err).Str("job_id", d.JobID).Msg("Claim failed")
		return
	}

	runErr := p.runPipeline(ctx, job)
	p.settle(job, runErr, d, ack)
}

// runPipeline converts a panicking stage into an ordinary transient error
// so one bad document cannot take the whole worker down.
func (p *Processor) runPipeline(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("job_id", job.JobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("PANIC RECOVERED in pipeline run")
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return p.runner.Run(ctx, job)
}

// settle maps the run outcome onto the row state machine and acks the
// entry once the row is settled. A lost lease means another holder owns
// the row: no writes, no ack.
func (p *Processor) settle(job *models.Job, runErr error, d *queue.Delivery, ack func() error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	switch {
	case runErr == nil:
		// The pipeline marked the row done before returning.
		p.ack(d, ack)

	case errors.Is(runErr, interfaces.ErrLeaseLost):
		p.logger.Warn().
			Str("job_id", job.JobID).
			Msg("Lease lost mid-pipeline, abandoning without settling")

	case pipeline.IsTerminal(runErr):
		p.logger.Error().
			Str("job_id", job.JobID).
			Str("error", runErr.Error()).
			Msg("Job failed terminally")
		if p.markError(ctx, job, runErr) {
			p.ack(d, ack)
		}

	case job.Attempts >= job.MaxAttempts:
		p.logger.Error().
			Str("job_id", job.JobID).
			Int("attempts", job.Attempts).
			Str("error", runErr.Error()).
			Msg("Job exhausted its attempts")
		if p.markError(ctx, job, runErr) {
			p.ack(d, ack)
		}

	default:
		delay := p.cfg.Backoff(job.Attempts)
		next := time.Now().Add(delay)
		err := p.storage.MarkRetry(ctx, job.JobID, p.owner, runErr.Error(), next)
		switch {
		case err == nil:
			p.logger.Warn().
				Str("job_id", job.JobID).
				Int("attempt", job.Attempts).
				Dur("retry_in", delay).
				Str("error", runErr.Error()).
				Msg("Job scheduled for retry")
			p.ack(d, ack)
		case errors.Is(err, interfaces.ErrLeaseLost):
			p.logger.Warn().Str("job_id", job.JobID).Msg("Lease lost while settling retry")
			p.ack(d, ack)
		default:
			// Row still runs under our lease but the write failed; leave the
			// entry pending and let the reaper rescue the row.
			p.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to settle retry")
		}
	}
}

// markError settles the row as terminal error. Reports whether the stream
// entry should be acked.
func (p *Processor) markError(ctx context.Context, job *models.Job, runErr error) bool {
	err := p.storage.MarkError(ctx, job.JobID, p.owner, runErr.Error())
	switch {
	case err == nil:
		return true
	case errors.Is(err, interfaces.ErrLeaseLost):
		p.logger.Warn().Str("job_id", job.JobID).Msg("Lease lost while settling error")
		return true
	default:
		p.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to settle error")
		return false
	}
}

func (p *Processor) ack(d *queue.Delivery, ack func() error) {
	if err := ack(); err != nil {
		p.logger.Warn().
			Err(err).
			Str("stream", d.Stream).
			Str("entry_id", d.ID).
			Msg("Failed to ack stream entry")
	}
}
