package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", logger.FieldState, stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startBackgroundServices starts the expiry sweeper and the config watcher
func (s *Server) startBackgroundServices() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.RunSweeper(s.ctx, s.cfg.SweepInterval)
	}()

	if s.configWatcher != nil {
		s.configWatcher.Start()
		s.logger.Infow("Config watcher started")
	}
}

// ListenAndServe listens on port and serves until Stop is called
func (s *Server) ListenAndServe(port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on port %d", port),
			"set server.port or BOOKENRICH_SERVER_PORT to a free port")
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called.
// It returns nil after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.serveMu.Lock()
	if s.httpServer != nil {
		s.serveMu.Unlock()
		return errors.New("server already serving")
	}
	// No write timeout: progress streams stay open for the life of a job
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	srv := s.httpServer
	s.serveMu.Unlock()

	s.startBackgroundServices()

	s.logger.Infow("Server ready", logger.FieldAddress, ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Stop drains the server: new work is refused, running jobs are canceled and
// persisted, open streams are closed, then the listener shuts down.
func (s *Server) Stop(ctx context.Context) error {
	if s.getState() != ServerStateRunning {
		return nil
	}
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	// Canceling jobs publishes their terminal events, so attached
	// clients see "canceled" before their stream closes.
	s.registry.Shutdown(ctx)

	// Ends SSE loops, WebSocket pumps and the sweeper
	s.cancel()

	var shutdownErr error
	s.serveMu.Lock()
	srv := s.httpServer
	s.serveMu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "http server shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-ctx.Done():
		// Unblock pumps stuck on a dead peer
		s.mu.RLock()
		for client := range s.clients {
			client.conn.Close()
		}
		s.mu.RUnlock()
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit", "timeout", s.cfg.ShutdownTimeout)
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete")
	return shutdownErr
}
