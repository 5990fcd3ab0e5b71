// Package server contains the HTTP surfaces of the dispatch service: the
// authenticated producer/admin API, the worker-credentialed claim and
// acknowledgement API, the ops endpoints, and the cron driver.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/garnizeh/dispatch/internal/config"
	"github.com/garnizeh/dispatch/internal/queue"
)

// Server is the HTTP server hosting all dispatch surfaces.
type Server struct {
	cfg        *config.Config
	db         *sql.DB
	engine     *queue.Engine
	router     *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	hub        *Hub
	startedAt  time.Time
	mu         sync.Mutex
	conns      map[net.Conn]struct{}
}

// New constructs a Server. Routes must be registered with RegisterRoutes
// before calling Start.
func New(cfg *config.Config, db *sql.DB, engine *queue.Engine) *Server {
	s := &Server{
		cfg:       cfg,
		db:        db,
		engine:    engine,
		router:    http.NewServeMux(),
		hub:       newHub(),
		startedAt: time.Now().UTC(),
		conns:     make(map[net.Conn]struct{}),
	}
	engine.SetNotifier(s.publishEvent)
	return s
}

// Start runs the HTTP server, the hub, and the cron driver, blocking
// until context cancellation or server error.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	h := http.Handler(s.router)
	if s.handler != nil {
		h = s.handler
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Track connections so we can force-close them if graceful shutdown
	// exceeds the configured timeout.
	s.httpServer.ConnState = func(c net.Conn, state http.ConnState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch state {
		case http.StateNew, http.StateActive:
			s.conns[c] = struct{}{}
		case http.StateClosed, http.StateHijacked:
			delete(s.conns, c)
		case http.StateIdle:
			// keep in map until closed/hijacked
		}
	}

	go s.hub.run(ctx)
	go s.runCron(ctx)

	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http serve: %w", err)
		} else {
			errCh <- nil
		}
	}()

	select {
	case <-ctx.Done():
		timeout := 30 * time.Second
		if s.cfg != nil && s.cfg.ShutdownTimeout > 0 {
			timeout = s.cfg.ShutdownTimeout
		}
		log.Printf("shutdown initiated, waiting up to %s for active connections to finish", timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Printf("shutdown timed out, force-closing active connections")
				s.mu.Lock()
				for c := range s.conns {
					_ = c.Close()
				}
				s.mu.Unlock()
			}
			return fmt.Errorf("server shutdown: %w", err)
		}
		log.Printf("shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// runCron periodically triggers the reaper and nonce GC. The same tick
// logic is reachable through POST /cron/tick for external schedulers.
func (s *Server) runCron(ctx context.Context) {
	interval := s.cfg.ReaperInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.tick(ctx); err != nil {
				log.Printf("cron tick failed: %v", err)
			}
		}
	}
}

// tick runs one cron pass: reaper sweep plus nonce GC.
func (s *Server) tick(ctx context.Context) (*queue.ReapSummary, int, error) {
	summary, err := s.engine.Reap(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("reap: %w", err)
	}

	cutoff := time.Now().UTC().Add(-queue.NonceRetention).UnixMilli()
	removed, err := s.engine.Nonces().GC(ctx, cutoff)
	if err != nil {
		return summary, removed, fmt.Errorf("nonce gc: %w", err)
	}
	return summary, removed, nil
}
