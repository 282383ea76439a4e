// Package jobs runs the gateway's periodic maintenance tasks.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler wraps a gocron scheduler. Tasks receive a context that is cancelled
// on Shutdown.
type Scheduler struct {
	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
}

func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{scheduler: s, ctx: ctx, cancel: cancel, logger: logger}, nil
}

// Every registers task to run at the given interval. A run that is still going
// when the next one is due causes that next run to be skipped.
func (s *Scheduler) Every(name string, interval time.Duration, task func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			task(s.ctx)
			s.logger.Debug("job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	s.logger.Info("job registered", "job", name, "interval", interval.String())
	return nil
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.scheduler.Shutdown()
}
