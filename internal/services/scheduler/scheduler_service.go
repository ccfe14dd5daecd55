package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/workers"
)

// sweepTimeout bounds one reaper pass so a hung store call cannot pile
// sweeps on top of each other.
const sweepTimeout = 30 * time.Second

// Service drives the reaper on a fixed cadence. One sweep also runs at
// startup so jobs orphaned by a crash are rescued before the first tick.
type Service struct {
	cron   *cron.Cron
	reaper *workers.Reaper
	logger arbor.ILogger
}

func NewService(cfg *common.Config, reaper *workers.Reaper, logger arbor.ILogger) (*Service, error) {
	s := &Service{
		cron:   cron.New(),
		reaper: reaper,
		logger: logger,
	}

	spec := fmt.Sprintf("@every %s", cfg.ReapInterval())
	if _, err := s.cron.AddFunc(spec, s.runSweep); err != nil {
		return nil, fmt.Errorf("failed to schedule reaper sweep: %w", err)
	}

	s.logger.Info().Str("interval", cfg.ReapInterval().String()).Msg("Reaper sweep scheduled")
	return s, nil
}

// Start begins the cron loop and fires the startup sweep.
func (s *Service) Start() {
	s.cron.Start()
	go s.runSweep()
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Service) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in reaper sweep")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	s.reaper.Sweep(ctx)
}
