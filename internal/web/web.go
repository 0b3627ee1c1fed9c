package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"calfeed/internal/aggregate"
	"calfeed/internal/config"
	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
	"calfeed/internal/probe"
	"calfeed/internal/query"
)

// EventsService is the pipeline behind the events route.
type EventsService interface {
	Events(ctx context.Context, p query.Params) (*aggregate.Events, error)
	Sources() []config.FeedSource
}

// StatusSource reports the latest probe result per feed.
type StatusSource interface {
	Snapshot() []probe.Status
}

// Server provides the HTTP surface: the aggregated events route plus
// health, feed status and metrics.
type Server struct {
	cfg    *config.Config
	svc    EventsService
	status StatusSource
	router chi.Router
}

// NewServer constructs a new Server. status may be nil when the probe is
// disabled.
func NewServer(cfg *config.Config, svc EventsService, status StatusSource) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		status: status,
		router: chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "route", s.cfg.Route)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server forced to shutdown", err)
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/health", s.handleHealth)
	r.Get("/api/sources", s.handleSources)
	if s.cfg.Metrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	var limit []func(http.Handler) http.Handler
	if rl := s.cfg.RateLimit; rl.RequestsPerSecond > 0 {
		limit = append(limit, newClientLimiter(rl.RequestsPerSecond, rl.Burst).Middleware)
	}
	r.With(limit...).Get(s.cfg.Route, s.handleEvents)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// sourcesResponse is the JSON response shape for /api/sources.
type sourcesResponse struct {
	Sources []probe.Status `json:"sources"`
	Probe   bool           `json:"probe"`
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	if s.status != nil {
		writeJSON(w, http.StatusOK, sourcesResponse{Sources: s.status.Snapshot(), Probe: true})
		return
	}
	registry := s.svc.Sources()
	out := make([]probe.Status, 0, len(registry))
	for _, fs := range registry {
		out = append(out, probe.Status{ID: fs.ID, Category: fs.Category, PublicURL: fs.WebURL})
	}
	writeJSON(w, http.StatusOK, sourcesResponse{Sources: out})
}

// handleEvents serves the aggregated events mapping.
//
// GET <route>?source=all&offset=0&number=10
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	p := query.FromValues(r.URL.Query())

	events, err := s.svc.Events(r.Context(), p)
	switch {
	case errors.Is(err, aggregate.ErrUnknownSource):
		writeError(w, http.StatusNotFound, "unknown source: "+p.Source)
		return
	case errors.Is(err, aggregate.ErrFeedUnavailable):
		appLog.Error("events: feed unavailable", err, "source", p.Source)
		writeError(w, http.StatusBadGateway, "feed unavailable: "+p.Source)
		return
	case err != nil:
		appLog.Error("events: pipeline failed", err, "source", p.Source)
		writeError(w, http.StatusInternalServerError, "failed to build events")
		return
	}

	appLog.Debug("events served",
		"source", p.Source,
		"offset", p.Offset,
		"number", p.Number,
		"count", events.Len(),
	)
	writePrettyJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

// writePrettyJSON encodes v before writing the header so an encoding
// failure can still become a 500.
func writePrettyJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		appLog.Error("failed to encode JSON response", err)
		writeError(w, http.StatusInternalServerError, "failed to encode events")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// requestLogger logs one line per request through the app log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		appLog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
