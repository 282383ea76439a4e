package health

import (
	"context"
	"log/slog"

	"github.com/af-corp/llm-relay/internal/config"
)

// Sweeper keeps every configured provider fresh so the status view rarely
// has to wait for a probe.
type Sweeper struct {
	monitor   *Monitor
	providers func() []config.Provider
	probe     ProbeFunc
	logger    *slog.Logger
}

func NewSweeper(monitor *Monitor, providers func() []config.Provider, probe ProbeFunc, logger *slog.Logger) *Sweeper {
	return &Sweeper{monitor: monitor, providers: providers, probe: probe, logger: logger}
}

// Sweep refreshes stale providers one after another and returns how many are active.
func (s *Sweeper) Sweep(ctx context.Context) int {
	active := 0
	providers := s.providers()
	for _, p := range providers {
		if ctx.Err() != nil {
			break
		}
		if s.monitor.EnsureFresh(ctx, p, s.probe).IsActive {
			active++
		}
	}
	s.logger.Debug("health sweep finished", "providers", len(providers), "active", active)
	return active
}
