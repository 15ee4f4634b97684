// Package httpapi exposes the read, registration, streaming, and operational
// HTTP endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quakefeed/quakefeed/internal/domain"
	"github.com/quakefeed/quakefeed/internal/fanout"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// EventReader serves paged and filtered event queries from the store.
type EventReader interface {
	List(ctx context.Context, page, size int) ([]domain.Event, error)
	Filter(ctx context.Context, f domain.Filter) ([]domain.Event, error)
}

// SnapshotReader serves the recency-cache snapshot for the fast read path.
type SnapshotReader interface {
	Get(ctx context.Context) ([]domain.Event, error)
}

// DeviceRegistrar persists push-notification registrations.
type DeviceRegistrar interface {
	Upsert(ctx context.Context, token, platform string) error
}

// StreamHub hands out live-event subscriptions.
type StreamHub interface {
	Subscribe() *fanout.Subscriber
	Unsubscribe(sub *fanout.Subscriber)
}

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Server exposes the API, health, readiness, and metrics HTTP endpoints.
type Server struct {
	httpServer *http.Server
	events     EventReader
	snapshot   SnapshotReader
	devices    DeviceRegistrar
	hub        StreamHub
	sseTimeout time.Duration
	cacheSize  int
	logger     *slog.Logger
}

// NewServer builds the router and wires every endpoint.
func NewServer(
	addr string,
	events EventReader,
	snapshot SnapshotReader,
	devices DeviceRegistrar,
	hub StreamHub,
	ready ReadinessChecker,
	sseTimeout time.Duration,
	cacheSize int,
	logger *slog.Logger,
) *Server {
	s := &Server{
		events:     events,
		snapshot:   snapshot,
		devices:    devices,
		hub:        hub,
		sseTimeout: sseTimeout,
		cacheSize:  cacheSize,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", handleReady(ready))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/quakes", s.handleListQuakes)
		r.Get("/quakes/filter", s.handleFilterQuakes)
		r.Get("/quakes/stream", s.handleStream)
		r.Post("/devices", s.handleRegisterDevice)
	})

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the SSE stream must outlive any fixed write
		// deadline; its lifetime is bounded per-request instead.
		IdleTimeout: 60 * time.Second,
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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// handleListQuakes serves one page of events, newest first. The first page
// is answered from the recency cache when the snapshot covers it; any cache
// failure silently falls through to the store.
func (s *Server) handleListQuakes(w http.ResponseWriter, r *http.Request) {
	page, size, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if page == 0 && size <= s.cacheSize {
		if cached, err := s.snapshot.Get(r.Context()); err == nil {
			if len(cached) > size {
				cached = cached[:size]
			}
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	events, err := s.events.List(r.Context(), page, size)
	if err != nil {
		s.logger.Error("event page query failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleFilterQuakes(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	events, err := s.events.Filter(r.Context(), f)
	if err != nil {
		s.logger.Error("filtered event query failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type deviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}

	if err := s.devices.Upsert(r.Context(), req.Token, req.Platform); err != nil {
		s.logger.Error("device registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("registration failed"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream serves newly ingested events over SSE. Each broadcast batch
// becomes one named frame; the stream closes when the client goes away or
// the per-connection timeout elapses.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.sseTimeout)
	defer cancel()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case batch, open := <-sub.Events():
			if !open {
				// Hub shut down.
				return
			}
			payload, err := json.Marshal(batch)
			if err != nil {
				s.logger.Error("stream batch encode failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: new-events\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func parsePagination(r *http.Request) (page, size int, err error) {
	page, err = intParam(r, "page", 0)
	if err != nil || page < 0 {
		return 0, 0, fmt.Errorf("invalid page parameter")
	}
	size, err = intParam(r, "size", defaultPageSize)
	if err != nil || size <= 0 {
		return 0, 0, fmt.Errorf("invalid size parameter")
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size, nil
}

func parseFilter(r *http.Request) (domain.Filter, error) {
	var f domain.Filter
	var err error

	if f.MagnitudeMin, err = floatParam(r, "magMin"); err != nil {
		return f, err
	}
	if f.MagnitudeMax, err = floatParam(r, "magMax"); err != nil {
		return f, err
	}
	if f.DepthMin, err = floatParam(r, "depthMin"); err != nil {
		return f, err
	}
	if f.DepthMax, err = floatParam(r, "depthMax"); err != nil {
		return f, err
	}
	if f.From, err = timeParam(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeParam(r, "to"); err != nil {
		return f, err
	}
	f.Place = r.URL.Query().Get("place")
	if f.Page, f.Size, err = parsePagination(r); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return v, nil
}

func floatParam(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s parameter", name)
	}
	return &v, nil
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s parameter, want RFC3339", name)
	}
	return &t, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
