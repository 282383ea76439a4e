package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/af-corp/llm-relay/internal/config"
	"github.com/af-corp/llm-relay/internal/telemetry"
)

var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrNoProviderAvailable = errors.New("no available provider")
)

// Target is one resolved upstream: the provider and the model name to send it.
type Target struct {
	Provider config.Provider
	Model    string
}

// Operation performs the upstream call against target.
type Operation func(ctx context.Context, target Target) error

// Reporter receives the outcome of every attempt when health reporting is on.
type Reporter interface {
	Observe(provider string, err error)
}

// Attempt is one failed try recorded in a NoProviderError.
type Attempt struct {
	Provider string
	Err      error
}

// NoProviderError is returned when every eligible provider failed or none qualified.
// It matches ErrNoProviderAvailable and unwraps to each attempt's error.
type NoProviderError struct {
	Model    string
	Attempts []Attempt
	cause    error
}

func (e *NoProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no available providers found for model %s", e.Model)
	if e.cause != nil {
		fmt.Fprintf(&b, " (%v)", e.cause)
	}
	if len(e.Attempts) > 0 {
		b.WriteString(": ")
		for i, a := range e.Attempts {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s: %v", a.Provider, a.Err)
		}
	}
	return b.String()
}

func (e *NoProviderError) Is(target error) bool {
	return target == ErrNoProviderAvailable
}

func (e *NoProviderError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Providers returns the names of the attempted providers in attempt order.
func (e *NoProviderError) Providers() []string {
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = a.Provider
	}
	return names
}

// Router picks providers for a request and runs operations with fallback.
type Router struct {
	cfg      *config.Store
	registry *ModelRegistry
	reporter Reporter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

type Option func(*Router)

// WithHealthReporter makes every attempt outcome flow to rep. Without it the
// router does no health bookkeeping.
func WithHealthReporter(rep Reporter) Option {
	return func(r *Router) { r.reporter = rep }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func New(cfg *config.Store, registry *ModelRegistry, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{cfg: cfg, registry: registry, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Registry() *ModelRegistry { return r.registry }

// Resolve maps a direct address to its provider without any fallback. It backs
// the single-shot passthrough path.
func (r *Router) Resolve(address string) (Target, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return Target{}, err
	}
	p, ok := r.cfg.Provider(addr.Provider)
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownProvider, addr.Provider)
	}
	return Target{Provider: p, Model: addr.Model}, nil
}

// Execute runs op for a direct address, falling back across providers.
//
// The addressed provider is tried first with the parsed model. Remaining providers
// are tried in config order, but only those declaring an alias whose upstream
// model equals the full address string (e.g. "openai/gpt-4o"). Each provider is
// tried at most once.
func (r *Router) Execute(ctx context.Context, address string, op Operation) (Target, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return Target{}, err
	}

	var attempts []Attempt
	var cause error

	if primary, ok := r.cfg.Provider(addr.Provider); ok {
		target := Target{Provider: primary, Model: addr.Model}
		r.logger.Debug("trying primary provider", "provider", primary.Name, "model", addr.Model)
		if err := r.attempt(ctx, "direct", target, op); err == nil {
			return target, nil
		} else {
			r.logger.Warn("provider failed, trying fallbacks", "provider", primary.Name, "error", err)
			attempts = append(attempts, Attempt{Provider: primary.Name, Err: err})
		}
	} else {
		cause = fmt.Errorf("%w: %s", ErrUnknownProvider, addr.Provider)
	}

	for _, p := range r.cfg.Providers() {
		if p.Name == addr.Provider {
			continue
		}
		model, ok := upstreamMatching(p, address)
		if !ok {
			continue
		}
		target := Target{Provider: p, Model: model}
		r.logger.Debug("trying fallback provider", "provider", p.Name, "model", model)
		err := r.attempt(ctx, "fallback", target, op)
		if err == nil {
			return target, nil
		}
		r.logger.Warn("fallback provider failed", "provider", p.Name, "error", err)
		attempts = append(attempts, Attempt{Provider: p.Name, Err: err})
	}

	return Target{}, &NoProviderError{Model: address, Attempts: attempts, cause: cause}
}

// ExecuteAlias runs op for a provider-independent alias. The provider chosen by
// the registry goes first, then every other provider offering the alias in
// config order, each with its own upstream model name.
func (r *Router) ExecuteAlias(ctx context.Context, alias string, op Operation) (Target, error) {
	route, err := r.registry.Resolve(alias)
	if err != nil {
		return Target{}, err
	}

	order := []string{route.Provider}
	for _, name := range r.registry.OfferedBy(alias) {
		if name != route.Provider {
			order = append(order, name)
		}
	}

	var attempts []Attempt
	for i, name := range order {
		p, ok := r.cfg.Provider(name)
		if !ok {
			continue
		}
		model, ok := upstreamForAlias(p, alias)
		if !ok {
			continue
		}
		mode := "alias"
		if i > 0 {
			mode = "alias_fallback"
		}
		target := Target{Provider: p, Model: model}
		err := r.attempt(ctx, mode, target, op)
		if err == nil {
			return target, nil
		}
		r.logger.Warn("alias provider failed", "alias", alias, "provider", p.Name, "error", err)
		attempts = append(attempts, Attempt{Provider: p.Name, Err: err})
	}

	return Target{}, &NoProviderError{Model: alias, Attempts: attempts}
}

func (r *Router) attempt(ctx context.Context, mode string, target Target, op Operation) error {
	err := op(ctx, target)
	if r.metrics != nil {
		r.metrics.RecordAttempt(target.Provider.Name, mode, err)
	}
	if r.reporter != nil {
		r.reporter.Observe(target.Provider.Name, err)
	}
	return err
}

// upstreamMatching implements the strict fallback rule: an alias qualifies only
// if its upstream model is exactly the full requested address.
func upstreamMatching(p config.Provider, address string) (string, bool) {
	for _, a := range p.Aliases {
		if a.Model == address {
			return a.Model, true
		}
	}
	return "", false
}

// upstreamForAlias returns the last declaration of alias in p, matching the
// registry's last-wins rule.
func upstreamForAlias(p config.Provider, alias string) (string, bool) {
	model, found := "", false
	for _, a := range p.Aliases {
		if a.Name == alias {
			model, found = a.Model, true
		}
	}
	return model, found
}
