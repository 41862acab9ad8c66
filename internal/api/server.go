// SPDX-License-Identifier: MIT

// Package api exposes the acquisition pipeline's control surface over HTTP:
// enqueue and queue controls, catalog reads, maintenance, and a server-sent
// event stream of pipeline notifications.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/soundgrab/internal/events"
	"github.com/ManuGH/soundgrab/internal/library"
	"github.com/ManuGH/soundgrab/internal/log"
	"github.com/ManuGH/soundgrab/internal/queue"
)

// Server wires the queue manager, the library store, and the event bus into
// an HTTP API.
type Server struct {
	manager *queue.Manager
	store   *library.Store
	bus     *events.Bus
	logger  zerolog.Logger
}

// NewServer constructs the API server.
func NewServer(manager *queue.Manager, store *library.Store, bus *events.Bus) *Server {
	return &Server{
		manager: manager,
		store:   store,
		bus:     bus,
		logger:  log.WithComponent("api"),
	}
}

// Router builds the chi router with middleware and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(s.requestLogger)
	r.Use(httprate.LimitByIP(300, time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.handleEnqueue)
		r.Post("/tasks/clear", s.handleClearCompleted)
		r.Post("/tasks/{id}/pause", s.handlePause)
		r.Post("/tasks/{id}/resume", s.handleResume)
		r.Post("/tasks/{id}/cancel", s.handleCancel)
		r.Get("/queue", s.handleQueue)

		r.Get("/records", s.handleListRecords)
		r.Get("/records/{id}", s.handleGetRecord)
		r.Delete("/records/{id}", s.handleDeleteRecord)

		r.Post("/maintenance/prune", s.handlePrune)

		r.Get("/events", s.handleEvents)
	})

	return r
}

// requestID attaches a request ID to the context and the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		logger := log.WithContext(r.Context(), s.logger)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE streaming works through the
// logging middleware.
func (w *statusWriter) Flush() {
	if fl, ok := w.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}
