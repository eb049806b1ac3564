// Package server contains the HTTP surface and lease state machine of the
// control server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/garnizeh/dispatch/internal/config"
	"github.com/garnizeh/dispatch/internal/database"
	"github.com/garnizeh/dispatch/internal/logging"
)

// Server is the HTTP control server. It is stateless between requests; all
// command state lives in the store.
type Server struct {
	cfg        *config.Config
	store      *database.Store
	router     *chi.Mux
	httpServer *http.Server
	hub        *Hub
	log        zerolog.Logger
	mu         sync.Mutex
	conns      map[net.Conn]struct{}
}

// New constructs a new Server instance. Routes must be registered with
// RegisterRoutes before calling Start.
func New(cfg *config.Config, store *database.Store) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		router: chi.NewRouter(),
		hub:    newHub(),
		log:    logging.WithComponent("server"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start runs startup recovery, then serves HTTP until context cancellation
// or a server error. The store is closed before Start returns.
func (s *Server) Start(ctx context.Context) error {
	// One-shot startup recovery: orphaned leases go back to PENDING before
	// any traffic is accepted.
	reset, err := s.store.ResetExpiredLeases(ctx, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	s.log.Info().Int64("reset", reset).Msg("startup recovery complete")

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.hub.run(hubCtx)

	// Optional periodic expired-lease reset. Disabled by default; lease
	// expiry is otherwise applied lazily at the next startup.
	if s.cfg.ResetInterval > 0 {
		go s.runLeaseReaper(hubCtx, s.cfg.ResetInterval)
	}

	addr := ":" + s.cfg.Port
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
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

	// Create listener first so we reliably know the server is bound before
	// returning from Start.
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.log.Info().Str("addr", addr).Msg("listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		} else {
			errCh <- nil
		}
	}()

	select {
	case <-ctx.Done():
		timeout := 30 * time.Second
		if s.cfg.ShutdownTimeout > 0 {
			timeout = s.cfg.ShutdownTimeout
		}
		s.log.Info().Dur("timeout", timeout).Msg("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			// If shutdown timed out, force-close active connections so
			// long-running handlers are aborted.
			if errors.Is(err, context.DeadlineExceeded) {
				s.log.Warn().Msg("shutdown timed out, force-closing active connections")
				s.mu.Lock()
				for c := range s.conns {
					_ = c.Close()
				}
				s.mu.Unlock()
			}
			s.closeStore()
			return fmt.Errorf("server shutdown: %w", err)
		}

		// Listener is down; now the store. Callers can rely on the store
		// being closed when Start exits.
		s.closeStore()
		s.log.Info().Msg("shutdown complete")
		return nil
	case err := <-errCh:
		s.closeStore()
		return err
	}
}

func (s *Server) closeStore() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.log.Error().Err(err).Msg("failed to close store on shutdown")
	} else {
		s.log.Info().Msg("store closed")
	}
}

// runLeaseReaper periodically returns expired leases to PENDING.
func (s *Server) runLeaseReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ResetExpiredLeases(ctx, time.Now().UnixMilli())
			if err != nil {
				s.log.Error().Err(err).Msg("periodic lease reset failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int64("reset", n).Msg("expired leases returned to pending")
				s.publishEvent(event{Event: "leases.reset", Count: n})
			}
		}
	}
}
