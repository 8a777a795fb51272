package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const DefaultSweepInterval = 5 * time.Minute

// Scheduler runs Sweep periodically.
type Scheduler struct {
	scheduler gocron.Scheduler
	workflow  *Workflow
	timeout   time.Duration
	logger    *zap.Logger
}

// NewScheduler registers the sweep job. It does not start it.
func NewScheduler(w *Workflow, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	gs, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create staging scheduler: %w", err)
	}
	s := &Scheduler{scheduler: gs, workflow: w, timeout: interval, logger: logger}

	_, err = gs.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.run),
		gocron.WithName("staging_sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = gs.Shutdown()
		return nil, fmt.Errorf("failed to create sweep job: %w", err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("staging sweep panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.workflow.Sweep(ctx, time.Now()); err != nil {
		s.logger.Error("staging sweep failed", zap.Error(err))
	}
}

// Start begins running the sweep.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("staging scheduler started")
}

// Stop waits for a running sweep and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
