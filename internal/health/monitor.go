// Package health caches provider liveness and refreshes it by active probing
// once an entry is older than the configured TTL.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/af-corp/llm-relay/internal/config"
	"github.com/af-corp/llm-relay/internal/store"
	"github.com/af-corp/llm-relay/internal/telemetry"
)

const keyPrefix = "provider:"

// Record is the last known liveness of one provider.
type Record struct {
	Provider      string
	IsActive      bool
	LastCheckedAt time.Time
	LastError     string
}

// stored is the persisted form. lastChecked is epoch milliseconds.
type stored struct {
	Name        string `json:"name"`
	IsActive    bool   `json:"isActive"`
	LastChecked int64  `json:"lastChecked"`
	LastError   string `json:"lastError,omitempty"`
}

// ProbeFunc actively checks a provider. A nil error means the provider is active.
type ProbeFunc func(ctx context.Context, p config.Provider) error

// ProviderStatus is one row of the provider status view.
type ProviderStatus struct {
	Name          string
	BaseURL       string
	IsActive      bool
	LastCheckedAt time.Time
	LastError     string
	Models        []string
}

// Monitor is the health cache. Entries are fresh while younger than ttl.
type Monitor struct {
	mu      sync.RWMutex
	records map[string]Record

	ttl     time.Duration
	table   store.Table
	saveMu  sync.Mutex
	probes  singleflight.Group
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Monitor)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

func NewMonitor(table store.Table, ttl time.Duration, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		records: make(map[string]Record),
		ttl:     ttl,
		table:   table,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load replaces the cache with the persisted table.
func (m *Monitor) Load(ctx context.Context) error {
	entries, err := m.table.Load(ctx)
	if err != nil {
		return fmt.Errorf("load provider status: %w", err)
	}
	decoded := store.Decode[stored](entries, func(key string, err error) {
		m.logger.Warn("skipping unreadable provider status", "key", key, "error", err)
	})

	records := make(map[string]Record, len(decoded))
	for key, s := range decoded {
		name, ok := strings.CutPrefix(key, keyPrefix)
		if !ok {
			continue
		}
		records[name] = Record{
			Provider:      name,
			IsActive:      s.IsActive,
			LastCheckedAt: time.UnixMilli(s.LastChecked).UTC(),
			LastError:     s.LastError,
		}
	}

	m.mu.Lock()
	m.records = records
	m.mu.Unlock()
	m.logger.Info("provider status loaded", "count", len(records))
	return nil
}

// Status returns the cached record without probing.
func (m *Monitor) Status(provider string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[provider]
	return rec, ok
}

// EnsureFresh returns a fresh record for p, probing when the cached one is
// missing or at least ttl old. Concurrent callers for the same provider share a
// single probe.
func (m *Monitor) EnsureFresh(ctx context.Context, p config.Provider, probe ProbeFunc) Record {
	if rec, ok := m.Status(p.Name); ok && m.fresh(rec) {
		return rec
	}

	v, _, _ := m.probes.Do(p.Name, func() (any, error) {
		if rec, ok := m.Status(p.Name); ok && m.fresh(rec) {
			return rec, nil
		}
		// The probe outlives a caller that gives up; the client timeout bounds it.
		err := probe(context.WithoutCancel(ctx), p)
		if m.metrics != nil {
			m.metrics.RecordProbe(p.Name, err)
		}
		if err != nil {
			m.logger.Warn("provider probe failed", "provider", p.Name, "error", err)
		}
		return m.update(ctx, p.Name, err), nil
	})
	return v.(Record)
}

// Observe records the outcome of real traffic against a provider.
func (m *Monitor) Observe(provider string, err error) {
	m.update(context.Background(), provider, err)
}

// ListWithStatus builds the status view for providers in the given order,
// refreshing stale entries concurrently.
func (m *Monitor) ListWithStatus(ctx context.Context, providers []config.Provider, models func(name string) []string, probe ProbeFunc) []ProviderStatus {
	out := make([]ProviderStatus, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := m.EnsureFresh(ctx, p, probe)
			out[i] = ProviderStatus{
				Name:          p.Name,
				BaseURL:       p.BaseURL,
				IsActive:      rec.IsActive,
				LastCheckedAt: rec.LastCheckedAt,
				LastError:     rec.LastError,
				Models:        models(p.Name),
			}
		}()
	}
	wg.Wait()
	return out
}

// fresh treats a check time in the future as stale so clock skew cannot pin a
// record forever.
func (m *Monitor) fresh(rec Record) bool {
	age := m.now().Sub(rec.LastCheckedAt)
	return age >= 0 && age < m.ttl
}

func (m *Monitor) update(ctx context.Context, provider string, err error) Record {
	rec := Record{
		Provider:      provider,
		IsActive:      err == nil,
		LastCheckedAt: m.now().UTC(),
	}
	if err != nil {
		rec.LastError = err.Error()
	}

	m.mu.Lock()
	m.records[provider] = rec
	m.mu.Unlock()

	m.persist(context.WithoutCancel(ctx))
	return rec
}

func (m *Monitor) persist(ctx context.Context) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	snapshot := make(map[string]stored, len(m.records))
	for name, rec := range m.records {
		snapshot[keyPrefix+name] = stored{
			Name:        name,
			IsActive:    rec.IsActive,
			LastChecked: rec.LastCheckedAt.UnixMilli(),
			LastError:   rec.LastError,
		}
	}
	m.mu.RUnlock()

	entries, err := store.Encode(snapshot)
	if err == nil {
		err = m.table.MergeSave(ctx, entries)
	}
	if err != nil {
		m.logger.Error("failed to save provider status", "error", err)
	}
}
