package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/af-corp/llm-relay/internal/telemetry"
)

// Routes builds the public HTTP surface. authMW guards everything except the
// root endpoint.
func Routes(h *Handler, authMW func(http.Handler) http.Handler, metrics *telemetry.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	if metrics != nil {
		r.Use(Instrument(metrics))
	}

	r.Get("/", h.Root)

	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Get("/v1/models", h.ListModels)
		r.Get("/v1/providers", h.ListProviders)
		r.Post("/v1/chat/completions", h.ChatCompletions)
	})
	return r
}

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID propagates X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Instrument records request count and latency per route pattern.
func Instrument(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordRequest(route, strconv.Itoa(status), float64(time.Since(start).Milliseconds()))
		})
	}
}
