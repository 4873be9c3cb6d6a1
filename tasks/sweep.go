package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// TaskTypeImpersonationSweep closes impersonation sessions that passed their
// timeout deadline. Expiry is also enforced lazily on each request; the sweep
// keeps the audit trail current for sessions nobody touches again.
const TaskTypeImpersonationSweep = "impersonation:sweep"

// Sweeper closes expired impersonation sessions.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// NewSweepHandler returns the asynq handler for the sweep task.
func NewSweepHandler(sweeper Sweeper) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		closed, err := sweeper.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("sweeping expired impersonation sessions: %w", err)
		}
		if closed > 0 {
			log.Info().
				Int("closed", closed).
				Msg("Closed expired impersonation sessions")
		}
		return nil
	}
}

// Scheduler wraps an Asynq scheduler for periodic tasks.
type Scheduler struct {
	scheduler *asynq.Scheduler
}

// NewScheduler creates a scheduler connected to the given Redis.
func NewScheduler(opt asynq.RedisClientOpt) *Scheduler {
	return &Scheduler{scheduler: asynq.NewScheduler(opt, nil)}
}

// RegisterSweep schedules the impersonation sweep at the given interval.
func (s *Scheduler) RegisterSweep(interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := s.scheduler.Register(spec, asynq.NewTask(TaskTypeImpersonationSweep, nil)); err != nil {
		return fmt.Errorf("registering sweep schedule: %w", err)
	}
	return nil
}

// Run starts the scheduler and blocks until shutdown.
func (s *Scheduler) Run() error {
	log.Info().Msg("Starting task scheduler")
	return s.scheduler.Run()
}

// Shutdown stops the scheduler.
func (s *Scheduler) Shutdown() {
	s.scheduler.Shutdown()
}
