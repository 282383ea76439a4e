package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/af-corp/llm-relay/internal/access"
	"github.com/af-corp/llm-relay/internal/auth"
	"github.com/af-corp/llm-relay/internal/config"
	"github.com/af-corp/llm-relay/internal/health"
	"github.com/af-corp/llm-relay/internal/httputil"
	"github.com/af-corp/llm-relay/internal/router"
	"github.com/af-corp/llm-relay/internal/telemetry"
)

// maxBodyBytes caps chat completion request bodies.
const maxBodyBytes = 10 << 20

// Upstream is the provider transport used by the handlers.
type Upstream interface {
	ChatCompletion(ctx context.Context, p config.Provider, model string, body map[string]json.RawMessage) (map[string]json.RawMessage, error)
	Probe(ctx context.Context, p config.Provider) error
}

// Policy decides whether a token tier may use a model.
type Policy interface {
	Allow(ctx context.Context, tier string, req access.RequestInput) access.Decision
}

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	router         *router.Router
	cfg            *config.Store
	upstream       Upstream
	monitor        *health.Monitor
	policy         Policy
	isPremium      func(model string) bool
	directFallback bool
	metrics        *telemetry.Metrics
	version        string
	now            func() time.Time
}

type Option func(*Handler)

// WithPolicy enables access checks. isPremium tells the policy which models are
// premium-only.
func WithPolicy(p Policy, isPremium func(model string) bool) Option {
	return func(h *Handler) {
		h.policy = p
		h.isPremium = isPremium
	}
}

// WithDirectFallback routes direct provider/model requests through fallback
// execution instead of a single passthrough call.
func WithDirectFallback(enabled bool) Option {
	return func(h *Handler) { h.directFallback = enabled }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

func NewHandler(rt *router.Router, cfg *config.Store, up Upstream, monitor *health.Monitor, opts ...Option) *Handler {
	h := &Handler{
		router:   rt,
		cfg:      cfg,
		upstream: up,
		monitor:  monitor,
		version:  "dev",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Root handles GET /
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
		"message": "LLM relay gateway is running",
	})
}

// ChatCompletions handles POST /v1/chat/completions
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := h.now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	var model string
	if raw, ok := req["model"]; ok {
		if err := json.Unmarshal(raw, &model); err != nil {
			httputil.WriteBadRequestError(w, reqID, "Invalid model field: must be a string")
			return
		}
	}
	if model == "" {
		httputil.WriteInvalidModelError(w, reqID, "Model name must be in format: provider/model")
		return
	}

	info, _ := auth.TokenFromContext(r.Context())
	if h.policy != nil {
		tier := ""
		if info != nil {
			tier = string(info.Tier)
		}
		in := access.RequestInput{
			Model:    model,
			Premium:  h.premiumModel(model),
			Provider: h.primaryProvider(model),
		}
		if d := h.policy.Allow(r.Context(), tier, in); !d.Allowed {
			slog.Warn("request denied by policy", "request_id", reqID, "model", model, "tier", tier, "reason", d.Reason)
			httputil.WriteModelNotAllowedError(w, reqID, "Request denied by policy: "+d.Reason)
			return
		}
	}

	var resp map[string]json.RawMessage
	op := func(ctx context.Context, t router.Target) error {
		out, err := h.upstream.ChatCompletion(ctx, t.Provider, t.Model, req)
		if err != nil {
			return err
		}
		resp = out
		return nil
	}

	var (
		target router.Target
		mode   string
	)
	switch {
	case router.IsDirect(model) && !h.directFallback:
		mode = "passthrough"
		target, err = h.router.Resolve(model)
		if err == nil {
			err = op(r.Context(), target)
			if h.metrics != nil {
				h.metrics.RecordAttempt(target.Provider.Name, mode, err)
			}
		}
	case router.IsDirect(model):
		mode = "direct"
		target, err = h.router.Execute(r.Context(), model, op)
	case h.router.Registry().Has(model):
		mode = "alias"
		target, err = h.router.ExecuteAlias(r.Context(), model, op)
	default:
		httputil.WriteInvalidModelError(w, reqID,
			fmt.Sprintf("Model %q is not a configured alias. Use a model alias or the format provider/model", model))
		return
	}
	if err != nil {
		h.writeRouteError(w, reqID, model, target, err)
		return
	}

	remaining, _ := json.Marshal(auth.RemainingFromContext(r.Context()))
	resp["remaining_requests"] = remaining

	slog.Info("request completed",
		"request_id", reqID,
		"model_requested", model,
		"provider", target.Provider.Name,
		"upstream_model", target.Model,
		"mode", mode,
		"duration_ms", h.now().Sub(receivedAt).Milliseconds(),
		"status_code", http.StatusOK,
	)

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// premiumModel reports whether model reaches a premium alias. A direct address
// counts as premium when the addressed provider declares a premium alias for
// the same upstream model, or when a fallback provider declares one for the
// full address.
func (h *Handler) premiumModel(model string) bool {
	if h.isPremium == nil {
		return false
	}
	if h.isPremium(model) {
		return true
	}
	addr, err := router.ParseAddress(model)
	if err != nil {
		return false
	}
	reg := h.router.Registry()
	for _, alias := range reg.AliasesServing(addr.Provider, addr.Model) {
		if h.isPremium(alias) {
			return true
		}
	}
	for _, p := range h.cfg.Providers() {
		for _, alias := range reg.AliasesServing(p.Name, model) {
			if h.isPremium(alias) {
				return true
			}
		}
	}
	return false
}

// primaryProvider names the provider a request is tried against first.
func (h *Handler) primaryProvider(model string) string {
	if addr, err := router.ParseAddress(model); err == nil {
		return addr.Provider
	}
	if route, err := h.router.Registry().Resolve(model); err == nil {
		return route.Provider
	}
	return ""
}

func (h *Handler) writeRouteError(w http.ResponseWriter, reqID, model string, target router.Target, err error) {
	var npe *router.NoProviderError
	switch {
	case errors.Is(err, router.ErrInvalidAddressFormat):
		httputil.WriteInvalidModelError(w, reqID, "Model name must be in format: provider/model")
	case errors.As(err, &npe):
		slog.Error("all providers failed", "request_id", reqID, "model", model, "providers", npe.Providers(), "error", err)
		httputil.WriteServiceUnavailableError(w, reqID, err.Error())
	case errors.Is(err, router.ErrAliasNotFound), errors.Is(err, router.ErrUnknownProvider):
		httputil.WriteModelNotFoundError(w, reqID, err.Error())
	default:
		slog.Error("provider request failed", "request_id", reqID, "model", model, "provider", target.Provider.Name, "error", err)
		httputil.WriteBadGatewayError(w, reqID, fmt.Sprintf("Provider %s request failed: %v", target.Provider.Name, err))
	}
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	created := h.now().Unix()
	models := h.router.Registry().ListAvailableModels()

	data := make([]modelObject, 0, len(models))
	for _, m := range models {
		owner := ""
		if len(m.Providers) > 0 {
			owner = m.Providers[0]
		}
		data = append(data, modelObject{
			ID:        m.Alias,
			Object:    "model",
			Created:   created,
			OwnedBy:   owner,
			Providers: m.Providers,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, modelListResponse{
		Object:            "list",
		Data:              data,
		RemainingRequests: auth.RemainingFromContext(r.Context()),
	})
}

// ListProviders handles GET /v1/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	statuses := h.monitor.ListWithStatus(r.Context(), h.cfg.Providers(),
		h.router.Registry().ProviderModels, h.upstream.Probe)

	data := make([]providerObject, 0, len(statuses))
	for _, s := range statuses {
		models := s.Models
		if models == nil {
			models = []string{}
		}
		data = append(data, providerObject{
			ID:      s.Name,
			Object:  "provider",
			BaseURL: s.BaseURL,
			Status: providerStatus{
				Active:      s.IsActive,
				LastChecked: s.LastCheckedAt.UnixMilli(),
				LastError:   s.LastError,
			},
			Models: models,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, providerListResponse{Object: "list", Data: data})
}

type modelObject struct {
	ID        string   `json:"id"`
	Object    string   `json:"object"`
	Created   int64    `json:"created"`
	OwnedBy   string   `json:"owned_by"`
	Providers []string `json:"providers"`
}

type modelListResponse struct {
	Object            string        `json:"object"`
	Data              []modelObject `json:"data"`
	RemainingRequests int           `json:"remaining_requests"`
}

type providerStatus struct {
	Active      bool   `json:"active"`
	LastChecked int64  `json:"last_checked"`
	LastError   string `json:"last_error,omitempty"`
}

type providerObject struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	BaseURL string         `json:"base_url"`
	Status  providerStatus `json:"status"`
	Models  []string       `json:"models"`
}

type providerListResponse struct {
	Object string           `json:"object"`
	Data   []providerObject `json:"data"`
}
