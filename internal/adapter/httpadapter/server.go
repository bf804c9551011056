package httpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes health, readiness, metrics, and the air-quality API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, and /metrics routes,
// plus the /api/v1 routes when svc is non-nil.
func NewServer(addr string, ready sharedobs.ReadinessChecker, svc *Services, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	if svc != nil {
		a := &api{svc: svc, logger: logger}
		mux.HandleFunc("POST /api/v1/fuse", a.handleFuse)
		mux.HandleFunc("GET /api/v1/classify", a.handleClassify)
		mux.HandleFunc("GET /api/v1/categories", a.handleCategories)
		mux.HandleFunc("GET /api/v1/locations", a.handleLocations)
		mux.HandleFunc("GET /api/v1/observations/latest", a.handleLatest)
		mux.HandleFunc("GET /api/v1/series", a.handleSeries)
		mux.HandleFunc("POST /api/v1/alerts/evaluate", a.handleEvaluate)
		mux.HandleFunc("GET /api/v1/alerts", a.handleListAlerts)
		mux.HandleFunc("DELETE /api/v1/alerts/{ruleID}", a.handleDismiss)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}
