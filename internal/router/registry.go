package router

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/af-corp/llm-relay/internal/config"
)

var ErrAliasNotFound = errors.New("model alias not found")

// Route is where an alias resolves to.
type Route struct {
	Provider      string
	UpstreamModel string
}

// ModelInfo is one entry of the grouped model listing.
type ModelInfo struct {
	Alias         string
	UpstreamModel string
	Providers     []string
}

// ModelRegistry indexes provider-independent aliases. It only knows aliases;
// direct provider/model addresses are handled by ParseAddress.
type ModelRegistry struct {
	order     []string
	routes    map[string]Route
	offeredBy map[string][]string
	upstreams map[string][]string
	declared  map[string][]config.Alias
}

// NewModelRegistry builds the alias index from the provider table.
//
// When two providers declare the same alias with different upstream models, the
// provider processed last (config order) wins the Resolve route.
func NewModelRegistry(cfg *config.Store, logger *slog.Logger) *ModelRegistry {
	r := &ModelRegistry{
		routes:    make(map[string]Route),
		offeredBy: make(map[string][]string),
		upstreams: make(map[string][]string),
		declared:  make(map[string][]config.Alias),
	}
	for _, p := range cfg.Providers() {
		for _, a := range p.Aliases {
			prev, seen := r.routes[a.Name]
			if !seen {
				r.order = append(r.order, a.Name)
			} else if prev.UpstreamModel != a.Model && logger != nil {
				logger.Warn("alias maps to different upstream models",
					"alias", a.Name,
					"kept_provider", p.Name,
					"kept_model", a.Model,
					"dropped_provider", prev.Provider,
					"dropped_model", prev.UpstreamModel,
				)
			}
			r.routes[a.Name] = Route{Provider: p.Name, UpstreamModel: a.Model}
			if !contains(r.offeredBy[a.Name], p.Name) {
				r.offeredBy[a.Name] = append(r.offeredBy[a.Name], p.Name)
			}
			r.upstreams[p.Name] = append(r.upstreams[p.Name], a.Model)
			r.declared[p.Name] = append(r.declared[p.Name], a)
		}
	}
	return r
}

// ListAvailableModels groups aliases by name, ordered by first appearance.
func (r *ModelRegistry) ListAvailableModels() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.order))
	for _, alias := range r.order {
		out = append(out, ModelInfo{
			Alias:         alias,
			UpstreamModel: r.routes[alias].UpstreamModel,
			Providers:     append([]string(nil), r.offeredBy[alias]...),
		})
	}
	return out
}

func (r *ModelRegistry) Resolve(alias string) (Route, error) {
	route, ok := r.routes[alias]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}
	return route, nil
}

// Has reports whether any provider declares alias.
func (r *ModelRegistry) Has(alias string) bool {
	_, ok := r.routes[alias]
	return ok
}

// OfferedBy lists the providers declaring alias, in config order.
func (r *ModelRegistry) OfferedBy(alias string) []string {
	return append([]string(nil), r.offeredBy[alias]...)
}

// ProviderModels lists the upstream model names a provider declares.
func (r *ModelRegistry) ProviderModels(provider string) []string {
	return append([]string(nil), r.upstreams[provider]...)
}

// AliasesServing lists the aliases a provider declares for upstreamModel.
func (r *ModelRegistry) AliasesServing(provider, upstreamModel string) []string {
	var out []string
	for _, a := range r.declared[provider] {
		if a.Model == upstreamModel && !contains(out, a.Name) {
			out = append(out, a.Name)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
