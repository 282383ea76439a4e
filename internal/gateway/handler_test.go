package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/af-corp/llm-relay/internal/access"
	"github.com/af-corp/llm-relay/internal/auth"
	"github.com/af-corp/llm-relay/internal/config"
	"github.com/af-corp/llm-relay/internal/health"
	"github.com/af-corp/llm-relay/internal/httputil"
	"github.com/af-corp/llm-relay/internal/quota"
	"github.com/af-corp/llm-relay/internal/router"
	"github.com/af-corp/llm-relay/internal/store"
	"github.com/af-corp/llm-relay/internal/telemetry"
	"github.com/af-corp/llm-relay/internal/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	Provider string
	Model    string
	Body     map[string]json.RawMessage
}

// fakeUpstream answers for every provider not listed in failing.
type fakeUpstream struct {
	mu      sync.Mutex
	failing map[string]error
	probes  map[string]error
	calls   []call
}

func (f *fakeUpstream) ChatCompletion(_ context.Context, p config.Provider, model string, body map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Provider: p.Name, Model: model, Body: body})
	if err, ok := f.failing[p.Name]; ok {
		return nil, err
	}
	served, _ := json.Marshal(p.Name + ":" + model)
	return map[string]json.RawMessage{
		"id":     json.RawMessage(`"chatcmpl-1"`),
		"object": json.RawMessage(`"chat.completion"`),
		"model":  served,
	}, nil
}

func (f *fakeUpstream) Probe(_ context.Context, p config.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[p.Name]
}

type fakePolicy struct {
	deny bool
	seen []string
}

func (f *fakePolicy) Allow(_ context.Context, tier string, req access.RequestInput) access.Decision {
	f.seen = append(f.seen, tier+"|"+req.Model+"|"+req.Provider)
	if f.deny && req.Premium {
		return access.Decision{Reason: "premium only"}
	}
	return access.Decision{Allowed: true}
}

// withToken stands in for the auth middleware.
func withToken(info *auth.TokenInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				r = r.WithContext(auth.ContextWithToken(r.Context(), info))
			}
			next.ServeHTTP(w, r)
		})
	}
}

type fixture struct {
	up      *fakeUpstream
	handler http.Handler
}

func testProviders() []config.Provider {
	return []config.Provider{
		{Name: "openai", BaseURL: "https://api.openai.com/v1", APIKey: "sk-o", Aliases: config.AliasList{
			{Name: "fast", Model: "gpt-4o-mini"},
			{Name: "smart", Model: "gpt-4o"},
		}},
		{Name: "groq", BaseURL: "https://api.groq.com/openai/v1", APIKey: "sk-g", Aliases: config.AliasList{
			{Name: "fast", Model: "llama-3.1-8b"},
			{Name: "mirror", Model: "openai/gpt-4o"},
		}},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg, err := config.NewStore(&config.ProvidersConfig{Providers: testProviders()})
	if err != nil {
		t.Fatal(err)
	}
	rt := router.New(cfg, router.NewModelRegistry(cfg, discardLogger()), discardLogger())
	up := &fakeUpstream{failing: map[string]error{}, probes: map[string]error{}}
	mon := health.NewMonitor(store.NewMemory(), 5*time.Minute, discardLogger())

	opts = append([]Option{WithVersion("test")}, opts...)
	h := NewHandler(rt, cfg, up, mon, opts...)
	info := &auth.TokenInfo{Token: "gr-x", Tier: quota.TierStandard, Remaining: 7, Limit: 10}
	return &fixture{up: up, handler: Routes(h, withToken(info), nil)}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp httputil.APIError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error %q: %v", w.Body.String(), err)
	}
	return resp.Error.Code
}

func TestRoot(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeMap(t, w)
	if body["status"] != "healthy" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestChatCompletions_DirectPassthrough(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", "/v1/chat/completions", `{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}],"temperature":0.5}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	if len(f.up.calls) != 1 {
		t.Fatalf("upstream calls = %d", len(f.up.calls))
	}
	c := f.up.calls[0]
	if c.Provider != "openai" || c.Model != "gpt-4o" {
		t.Errorf("call = %s/%s", c.Provider, c.Model)
	}
	if string(c.Body["temperature"]) != "0.5" {
		t.Errorf("temperature not passed through: %s", c.Body["temperature"])
	}

	body := decodeMap(t, w)
	if body["remaining_requests"] != float64(7) {
		t.Errorf("remaining_requests = %v", body["remaining_requests"])
	}
	if body["model"] != "openai:gpt-4o" {
		t.Errorf("upstream body not returned: %v", body)
	}
}

func TestChatCompletions_DirectPassthroughFailureIsBadGateway(t *testing.T) {
	f := newFixture(t)
	f.up.failing["openai"] = &upstream.StatusError{StatusCode: http.StatusInternalServerError}

	w := f.do(t, "POST", "/v1/chat/completions", `{"model":"openai/gpt-4o"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if len(f.up.calls) != 1 {
		t.Errorf("passthrough must not fall back, calls = %d", len(f.up.calls))
	}
}

func TestChatCompletions_DirectFallback(t *testing.T) {
	f := newFixture(t, WithDirectFallback(true))
	f.up.failing["openai"] = errors.New("connection refused")

	w := f.do(t, "POST", "/v1/chat/completions", `{"model":"openai/gpt-4o"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	if len(f.up.calls) != 2 || f.up.calls[1].Provider != "groq" || f.up.calls[1].Model != "openai/gpt-4o" {
		t.Errorf("calls = %+v", f.up.calls)
	}
}

func TestChatCompletions_DirectFallbackExhausted(t *testing.T) {
	f := newFixture(t, WithDirectFallback(true))
	f.up.failing["openai"] = errors.New("connection refused")
	f.up.failing["groq"] = errors.New("HTTP 503: Service Unavailable")

	w := f.do(t, "POST", "/v1/chat/completions", `{"model":"openai/gpt-4o"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	msg := w.Body.String()
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "groq") {
		t.Errorf("error should name both providers: %s", msg)
	}
}

func TestChatCompletions_AliasFailover(t *testing.T) {
	f := newFixture(t)
	// "fast" resolves to groq (last declaration wins); groq fails, openai serves.
	f.up.failing["groq"] = errors.New("timeout")

	w := f.do(t, "POST", "/v1/chat/completions", `{"model":"fast"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	if got := decodeMap(t, w)["model"]; got != "openai:gpt-4o-mini" {
		t.Errorf("served by %v", got)
	}
}

func TestChatCompletions_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"invalid json", `{`, http.StatusBadRequest, "invalid_request"},
		{"missing model", `{"messages":[]}`, http.StatusBadRequest, "invalid_model_format"},
		{"non-string model", `{"model":42}`, http.StatusBadRequest, "invalid_request"},
		{"unknown alias", `{"model":"gpt-5"}`, http.StatusBadRequest, "invalid_model_format"},
		{"empty provider", `{"model":"/gpt-4o"}`, http.StatusBadRequest, "invalid_model_format"},
		{"unknown provider", `{"model":"nobody/gpt-4o"}`, http.StatusNotFound, "model_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(t, "POST", "/v1/chat/completions", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if code := errorCode(t, w); code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
			if len(f.up.calls) != 0 {
				t.Errorf("upstream called %d times", len(f.up.calls))
			}
		})
	}
}

func TestChatCompletions_PolicyDenied(t *testing.T) {
	policy := &fakePolicy{deny: true}
	f := newFixture(t, WithPolicy(policy, func(m string) bool { return m == "smart" }))

	w := f.do(t, "POST", "/v1/chat/completions", `{"model":"smart"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if code := errorCode(t, w); code != "model_not_allowed" {
		t.Errorf("code = %q", code)
	}
	if len(f.up.calls) != 0 {
		t.Error("denied request reached upstream")
	}

	w = f.do(t, "POST", "/v1/chat/completions", `{"model":"fast"}`)
	if w.Code != http.StatusOK {
		t.Errorf("non-premium alias status = %d", w.Code)
	}
	if len(policy.seen) != 2 || policy.seen[0] != "standard|smart|openai" {
		t.Errorf("policy inputs = %v", policy.seen)
	}
}

func TestChatCompletions_PolicyCoversDirectAddresses(t *testing.T) {
	tests := []struct {
		name     string
		model    string
		fallback bool
		status   int
		seen     string
	}{
		{"premium alias target", "openai/gpt-4o", false, http.StatusForbidden, "standard|openai/gpt-4o|openai"},
		{"fallback declares premium alias", "openai/gpt-4o", true, http.StatusForbidden, "standard|openai/gpt-4o|openai"},
		{"regular target", "openai/gpt-4o-mini", false, http.StatusOK, "standard|openai/gpt-4o-mini|openai"},
		{"undeclared model", "groq/gpt-4o", false, http.StatusOK, "standard|groq/gpt-4o|groq"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := &fakePolicy{deny: true}
			premium := "smart"
			if tt.fallback {
				// Only groq's mirror alias, which names openai/gpt-4o, is premium.
				premium = "mirror"
			}
			f := newFixture(t,
				WithPolicy(policy, func(m string) bool { return m == premium }),
				WithDirectFallback(tt.fallback),
			)

			w := f.do(t, "POST", "/v1/chat/completions", `{"model":"`+tt.model+`"}`)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if tt.status == http.StatusForbidden && len(f.up.calls) != 0 {
				t.Error("denied request reached upstream")
			}
			if len(policy.seen) != 1 || policy.seen[0] != tt.seen {
				t.Errorf("policy inputs = %v, want [%s]", policy.seen, tt.seen)
			}
		})
	}
}

func TestChatCompletions_DefaultPolicyBlocksPremiumDirectAddress(t *testing.T) {
	evaluator := access.NewEvaluator(config.PolicyConfig{Enabled: true, EvaluationTimeout: time.Second}, discardLogger())
	if err := evaluator.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, WithPolicy(evaluator, func(m string) bool { return m == "smart" }))

	for _, model := range []string{"smart", "openai/gpt-4o"} {
		w := f.do(t, "POST", "/v1/chat/completions", `{"model":"`+model+`"}`)
		if w.Code != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403", model, w.Code)
		}
	}
	if len(f.up.calls) != 0 {
		t.Errorf("upstream called %d times", len(f.up.calls))
	}
}

func TestListModels(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/v1/models", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp modelListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" || resp.RemainingRequests != 7 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Data) != 3 {
		t.Fatalf("models = %+v", resp.Data)
	}
	fast := resp.Data[0]
	if fast.ID != "fast" || fast.OwnedBy != "openai" || len(fast.Providers) != 2 || fast.Providers[1] != "groq" {
		t.Errorf("fast = %+v", fast)
	}
	if resp.Data[1].ID != "smart" || resp.Data[2].ID != "mirror" {
		t.Errorf("order = %s, %s", resp.Data[1].ID, resp.Data[2].ID)
	}
}

func TestListProviders(t *testing.T) {
	f := newFixture(t)
	f.up.probes["groq"] = &upstream.StatusError{StatusCode: http.StatusUnauthorized}

	w := f.do(t, "GET", "/v1/providers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp providerListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("providers = %+v", resp.Data)
	}
	openai, groq := resp.Data[0], resp.Data[1]
	if openai.ID != "openai" || openai.Object != "provider" || !openai.Status.Active {
		t.Errorf("openai = %+v", openai)
	}
	if openai.BaseURL != "https://api.openai.com/v1" || len(openai.Models) != 2 || openai.Models[0] != "gpt-4o-mini" {
		t.Errorf("openai = %+v", openai)
	}
	if groq.Status.Active || groq.Status.LastError != "HTTP 401: Unauthorized" || groq.Status.LastChecked == 0 {
		t.Errorf("groq status = %+v", groq.Status)
	}
}

func TestRoutes_WithLedgerAuth(t *testing.T) {
	cfg, err := config.NewStore(&config.ProvidersConfig{Providers: testProviders()})
	if err != nil {
		t.Fatal(err)
	}
	ledger := quota.NewLedger(store.NewMemory(), config.QuotaConfig{StandardDailyLimit: 1, PremiumDailyLimit: 2}, nil, discardLogger())
	token, err := ledger.Issue(context.Background(), quota.TierStandard)
	if err != nil {
		t.Fatal(err)
	}
	rt := router.New(cfg, router.NewModelRegistry(cfg, nil), discardLogger())
	up := &fakeUpstream{}
	h := NewHandler(rt, cfg, up, health.NewMonitor(store.NewMemory(), time.Minute, discardLogger()))
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	srv := Routes(h, auth.Middleware(ledger, metrics), metrics)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(`{"model":"fast"}`))
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		return w
	}

	w := send()
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	if got := decodeMap(t, w)["remaining_requests"]; got != float64(0) {
		t.Errorf("remaining_requests = %v", got)
	}
	if w := send(); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", w.Code)
	}

	// Root stays public.
	req := httptest.NewRequest("GET", "/", nil)
	rw := httptest.NewRecorder()
	srv.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Errorf("root status = %d", rw.Code)
	}

	c, _ := metrics.RequestTotal.GetMetricWithLabelValues("/v1/chat/completions", "429")
	var metric dto.Metric
	c.Write(&metric)
	if metric.GetCounter().GetValue() != 1 {
		t.Errorf("429 count = %v", metric.GetCounter().GetValue())
	}
}

func TestRequestID_PropagatesHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen != "abc" || w.Header().Get("X-Request-ID") != "abc" {
		t.Errorf("seen = %q header = %q", seen, w.Header().Get("X-Request-ID"))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if !strings.HasPrefix(w.Header().Get("X-Request-ID"), "req_") {
		t.Errorf("generated id = %q", w.Header().Get("X-Request-ID"))
	}
}
