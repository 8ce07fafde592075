package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/tazhate/repobot/config"
)

type StaleFlows interface {
	ResetStale(ctx context.Context, before time.Time) (int, error)
}

type LoginAttempts interface {
	Sweep() int
}

type Throttle interface {
	PruneThrottle(idle time.Duration) int
}

// Jobs lists what the janitor cleans. Nil entries are skipped, so relay mode
// passes no flows or attempts.
type Jobs struct {
	Flows    StaleFlows
	Attempts LoginAttempts
	Throttle Throttle
}

// Scheduler runs the periodic janitor: stale conversations go back to idle,
// expired MTProto login attempts are dropped and idle per-user limiters are
// forgotten.
type Scheduler struct {
	cron *cron.Cron
	cfg  *config.Config
	jobs Jobs
	now  func() time.Time
}

func New(cfg *config.Config, jobs Jobs) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		cfg:  cfg,
		jobs: jobs,
		now:  time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Janitor.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("add janitor: %w", err)
	}

	s.cron.Start()
	log.Info().Str("schedule", s.cfg.Janitor.Schedule).Msg("Scheduler started")

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("Scheduler stopped")
}

// RunOnce performs one janitor pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.jobs.Flows != nil {
		before := s.now().Add(-s.cfg.Janitor.StaleFlowAfter)
		n, err := s.jobs.Flows.ResetStale(ctx, before)
		if err != nil {
			log.Error().Err(err).Msg("Reset stale conversations failed")
		} else if n > 0 {
			log.Info().Int("count", n).Msg("Reset stale conversations")
		}
	}

	if s.jobs.Attempts != nil {
		if n := s.jobs.Attempts.Sweep(); n > 0 {
			log.Info().Int("count", n).Msg("Dropped expired login attempts")
		}
	}

	if s.jobs.Throttle != nil {
		if n := s.jobs.Throttle.PruneThrottle(s.cfg.Janitor.StaleFlowAfter); n > 0 {
			log.Debug().Int("count", n).Msg("Pruned user limiters")
		}
	}
}
