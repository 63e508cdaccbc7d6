// Package api is the HTTP boundary of the job board: job submission,
// listing, detail and retry, the catalog routes, and the /ws/jobs live
// update feed.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/xraph/jobboard/cron"
	"github.com/xraph/jobboard/engine"
)

// Version is reported by the root endpoint.
const Version = "1.0.0"

// API serves an Engine over HTTP.
type API struct {
	eng     *engine.Engine
	logger  *slog.Logger
	origins []string
	now     func() time.Time
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger. Defaults to the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithAllowedOrigins restricts CORS to origins. Every origin is allowed
// by default.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) { a.origins = origins }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// New creates an API for eng.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:     eng,
		logger:  eng.Logger(),
		origins: []string{"*"},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: APIError{Code: "not_found", Message: "route not found"}})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorBody{Error: APIError{Code: "method_not_allowed", Message: "method not allowed"}})
	})

	r.Get("/", a.root)
	r.Get("/health", a.health)
	r.Get("/ws/jobs", a.liveUpdates)
	r.Get("/schedules", a.listSchedules)

	a.registerJobRoutes(r)
	a.registerCatalogRoutes(r)
	return r
}

func (a *API) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Jobs Dashboard API", "version": Version})
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Timestamp: a.now().UTC()}
	if err := a.eng.Status().Store().Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// listSchedules reports every configured cron entry with its last and
// next run.
func (a *API) listSchedules(w http.ResponseWriter, _ *http.Request) {
	entries := []*cron.Entry{}
	if s := a.eng.Scheduler(); s != nil {
		entries = s.Entries()
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

// requestLogger logs each HTTP request with structured fields.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		a.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
