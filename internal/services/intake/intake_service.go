package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
	"github.com/ternarybob/explico/internal/queue"
)

// Service is the admission path for detail requests. One logical transaction
// per admission decides between cache hit, coalescing onto an in-flight job,
// and inserting a fresh row; queue publication happens after commit so a
// worker can never receive an identifier whose row is not yet visible.
type Service struct {
	jobs     interfaces.JobStorage
	queue    interfaces.QueueService
	cacheTTL time.Duration
	logger   arbor.ILogger
}

// NewService creates the intake service.
func NewService(jobs interfaces.JobStorage, queueSvc interfaces.QueueService, cfg *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		jobs:     jobs,
		queue:    queueSvc,
		cacheTTL: cfg.CacheTTL(),
		logger:   logger,
	}
}

// admission is the decision carried out of the locked transaction.
type admission struct {
	resp      *models.EnqueueResponse
	publishHi bool
	publishLo bool
	priority  int
}

// Admit runs the admission algorithm for a validated request.
func (s *Service) Admit(ctx context.Context, req *models.EnqueueRequest) (*models.EnqueueResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := DedupKey(req.NUP, req.Scope, req.Mode, models.SchemaVersion)

	var adm admission
	err := s.jobs.WithAdmissionLock(ctx, key, func(ctx context.Context) error {
		return s.decide(ctx, req, key, &adm)
	})
	if err != nil {
		return nil, fmt.Errorf("admission failed: %w", err)
	}

	if adm.publishHi || adm.publishLo {
		msg := &queue.Message{JobID: adm.resp.JobID, PriorityHint: adm.priority}
		var pubErr error
		if adm.publishHi {
			pubErr = s.queue.PublishHi(ctx, msg)
		} else {
			pubErr = s.queue.PublishLo(ctx, msg)
		}
		if pubErr != nil {
			// The row is committed; the reaper re-publishes stranded rows,
			// so the job is delayed, not lost.
			s.logger.Warn().Err(pubErr).Str("job_id", adm.resp.JobID).Msg("Publish after admission failed")
		}
	}

	s.logger.Info().
		Str("job_id", adm.resp.JobID).
		Str("nup", req.NUP).
		Str("source", req.Source).
		Bool("dedup", adm.resp.Dedup).
		Str("status", string(adm.resp.Status)).
		Msg("Admission decided")

	return adm.resp, nil
}

// decide runs inside the admission lock.
func (s *Service) decide(ctx context.Context, req *models.EnqueueRequest, key string, adm *admission) error {
	if !req.Force {
		// Fresh done result inside the TTL window: short-circuit.
		hit, err := s.jobs.CacheLookup(ctx, key, s.cacheTTL)
		if err == nil {
			adm.resp = &models.EnqueueResponse{
				JobID:   hit.JobID,
				Status:  models.JobStatusDone,
				Dedup:   true,
				Message: "cache hit",
			}
			return nil
		}
		if !errors.Is(err, interfaces.ErrJobNotFound) {
			return err
		}

		// In-flight duplicate: coalesce, escalating for interactive callers.
		active, err := s.jobs.ActiveByDedupKey(ctx, key)
		if err == nil {
			status := active.Status
			message := "job already in flight"
			priority := active.Priority
			if req.Interactive() {
				floor := *req.Priority
				if floor < models.EscalationPriority {
					floor = models.EscalationPriority
				}
				priority, err = s.jobs.Escalate(ctx, active.JobID, floor)
				if err != nil {
					return err
				}
				message = "job already in flight; priority escalated"
				adm.publishHi = true
			}
			adm.resp = &models.EnqueueResponse{
				JobID:   active.JobID,
				Status:  status,
				Dedup:   true,
				Message: message,
			}
			adm.priority = priority
			return nil
		}
		if !errors.Is(err, interfaces.ErrJobNotFound) {
			return err
		}
	}

	job := &models.Job{
		JobID:       common.NewJobID(),
		NUP:         req.NUP,
		Scope:       req.Scope,
		Requester:   req.Requester(),
		Priority:    *req.Priority,
		MaxAttempts: *req.MaxAttempts,
		DedupKey:    key,
	}
	if err := s.jobs.InsertQueued(ctx, job); err != nil {
		return err
	}

	adm.resp = &models.EnqueueResponse{
		JobID:   job.JobID,
		Status:  models.JobStatusQueued,
		Dedup:   false,
		Message: "queued",
	}
	adm.priority = job.Priority
	if req.Interactive() {
		adm.publishHi = true
	} else {
		adm.publishLo = true
	}
	return nil
}

// CacheLookup answers GET /nup/{nup}/cache without enqueuing anything.
func (s *Service) CacheLookup(ctx context.Context, nup, scope string) (*models.CacheLookup, error) {
	key := DedupKey(nup, scope, models.ModeDetalhar, models.SchemaVersion)

	hit, err := s.jobs.CacheLookup(ctx, key, s.cacheTTL)
	if errors.Is(err, interfaces.ErrJobNotFound) {
		return &models.CacheLookup{Hit: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}

	return &models.CacheLookup{
		Hit:        true,
		JobID:      hit.JobID,
		FinishedAt: hit.FinishedAt,
	}, nil
}
