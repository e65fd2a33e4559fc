// Package api implements the HTTP push/resume/trigger-admin surface (spec
// §6), following the teacher's internal/server package shape: a plain
// http.ServeMux built up in setupRoutes, wrapped by one logging/recovery
// middleware.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/windmill-labs/windmill-core/internal/auth"
	"github.com/windmill-labs/windmill-core/internal/config"
	"github.com/windmill-labs/windmill-core/internal/queue"
	"github.com/windmill-labs/windmill-core/internal/store"
)

// Server owns the HTTP surface: job run/resume/cancel endpoints and the
// HTTP-trigger route dispatch.
type Server struct {
	cfg     *config.Config
	logger  arbor.ILogger
	gate    *auth.Gate
	pusher  *queue.Pusher
	jobs    store.JobStore
	flows   store.FlowStore
	trigger store.TriggerStore

	router *http.ServeMux
	server *http.Server
}

func New(cfg *config.Config, logger arbor.ILogger, gate *auth.Gate, pusher *queue.Pusher, jobs store.JobStore, flows store.FlowStore, triggerStore store.TriggerStore) *Server {
	s := &Server{cfg: cfg, logger: logger, gate: gate, pusher: pusher, jobs: jobs, flows: flows, trigger: triggerStore}
	s.router = s.setupRoutes()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 360 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Webhook/run endpoints (spec §6 "Webhook endpoints").
	mux.HandleFunc("/api/w/", s.handleWorkspaceRoute)

	// HTTP-trigger routes live under a distinct prefix so they don't
	// collide with the job-control API (spec §6 "HTTP routes").
	mux.HandleFunc("/api/r/", s.handleTriggerRoute)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("http handler panicked")
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("http request")
	})
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
}
