// Package server implements the sumwire TCP server: a bounded pool of
// per-connection sessions speaking the length-prefixed request/response
// protocol, with graceful drain on shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sumwire/sumwire/internal/logger"
	"github.com/sumwire/sumwire/pkg/config"
	"github.com/sumwire/sumwire/pkg/metrics"
)

// Server accepts TCP connections and serves sumwire protocol sessions.
//
// Each accepted connection runs in its own goroutine as a session. The
// session pool bounds concurrency when MaxConnections is set and tracks
// every live connection so shutdown can drain gracefully and force-close
// stragglers.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. Session context cancelled (in-flight requests abort at checkpoints)
//  4. Wait for active sessions to finish (up to ShutdownTimeout)
//  5. Force-close remaining connections after the deadline
//
// All methods are safe for concurrent use; shutdown is idempotent via
// sync.Once.
type Server struct {
	config config.ServerConfig

	// metrics collects server metrics. Never nil; a no-op implementation
	// is substituted when metrics are disabled.
	metrics metrics.ServerMetrics

	// pool bounds and tracks connection sessions.
	pool *sessionPool

	// mu guards listener, which is set inside Serve after a successful
	// net.Listen and read by Addr.
	mu       sync.Mutex
	listener net.Listener

	// shutdown is closed by initiateShutdown and observed by the accept
	// loop and every session.
	shutdown     chan struct{}
	shutdownOnce sync.Once

	// sessionCtx is cancelled during shutdown so in-flight requests can
	// abort between frames.
	sessionCtx     context.Context
	cancelSessions context.CancelFunc

	// sessionSeq hands out session ids for logging and pool tracking.
	sessionSeq atomic.Uint64
}

// New creates a Server from a validated configuration. Pass nil
// serverMetrics to disable metrics collection.
func New(cfg config.ServerConfig, serverMetrics metrics.ServerMetrics) *Server {
	if serverMetrics == nil {
		serverMetrics = metrics.NewNoopServerMetrics()
	}

	sessionCtx, cancelSessions := context.WithCancel(context.Background())

	return &Server{
		config:         cfg,
		metrics:        serverMetrics,
		pool:           newSessionPool(cfg.MaxConnections, cfg.OverflowPolicy),
		shutdown:       make(chan struct{}),
		sessionCtx:     sessionCtx,
		cancelSessions: cancelSessions,
	}
}

// Serve listens on the configured address and accepts connections until
// ctx is cancelled or an unrecoverable listener error occurs.
//
// Returns nil on a fully graceful shutdown, or an error describing the
// drain outcome when the shutdown timeout forced connections closed.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Server listening on %s", listener.Addr())
	logger.Debug("Server config: max_connections=%d overflow_policy=%s max_frame_size=%d read_timeout=%v write_timeout=%v idle_timeout=%v",
		s.config.MaxConnections, s.config.OverflowPolicy, s.config.MaxFrameSize,
		s.config.ReadTimeout, s.config.WriteTimeout, s.config.IdleTimeout)

	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received: %v", ctx.Err())
		s.initiateShutdown()
	}()

	// Under the wait policy a slot is claimed before Accept, so surplus
	// connections queue in the kernel backlog instead of being accepted
	// and parked in user space. Under the reject policy the slot is
	// claimed after Accept so the surplus connection can be closed
	// explicitly.
	waitPolicy := s.config.OverflowPolicy != PolicyReject

	for {
		if waitPolicy {
			if err := s.pool.acquire(s.sessionCtx); err != nil {
				return s.gracefulShutdown()
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			if waitPolicy {
				s.pool.release()
			}
			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("Error accepting connection: %v", err)
				continue
			}
		}

		if !waitPolicy {
			if err := s.pool.acquire(s.sessionCtx); err != nil {
				logger.Warn("Connection from %s rejected: %v (active: %d)",
					conn.RemoteAddr(), err, s.pool.activeCount())
				s.metrics.RecordConnectionRejected("at_capacity")
				_ = conn.Close()
				continue
			}
		}

		s.startSession(conn)
	}
}

// startSession registers conn in the pool and serves it in a new
// goroutine. The pool slot and registration are released exactly once
// when the session goroutine exits.
func (s *Server) startSession(conn net.Conn) {
	id := s.sessionSeq.Add(1)
	active := s.pool.register(id, conn)

	s.metrics.RecordConnectionAccepted()
	s.metrics.SetActiveConnections(active)

	logger.Debug("Connection accepted from %s (session %d, active: %d)",
		conn.RemoteAddr(), id, active)

	sess := newSession(s, id, conn)
	go func() {
		defer func() {
			remaining := s.pool.unregister(id)
			s.pool.release()

			s.metrics.RecordConnectionClosed()
			s.metrics.SetActiveConnections(remaining)

			logger.Debug("Connection closed from %s (session %d, active: %d)",
				conn.RemoteAddr(), id, remaining)
		}()

		sess.serve(s.sessionCtx)
	}()
}

// initiateShutdown begins shutdown: stop accepting, then cancel
// in-flight sessions. Safe to call multiple times.
func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("Shutdown initiated")

		close(s.shutdown)

		s.mu.Lock()
		listener := s.listener
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				logger.Debug("Error closing listener: %v", err)
			}
		}

		// Sessions check this context between frames and abort their
		// blocked reads once the connection is force-closed.
		s.cancelSessions()
	})
}

// gracefulShutdown drains active sessions up to ShutdownTimeout, then
// force-closes whatever remains.
func (s *Server) gracefulShutdown() error {
	active := s.pool.activeCount()
	logger.Info("Graceful shutdown: waiting for %d active session(s) (timeout: %v)",
		active, s.config.ShutdownTimeout)

	forced, err := s.pool.drain(s.config.ShutdownTimeout)
	if err != nil {
		s.metrics.RecordConnectionsForceClosed(forced)
		return err
	}

	logger.Info("Graceful shutdown complete: all sessions closed")
	return nil
}

// Stop initiates shutdown and waits for active sessions to finish. A nil
// ctx waits up to the configured ShutdownTimeout; otherwise Stop returns
// when the drain completes or ctx is cancelled.
func (s *Server) Stop(ctx context.Context) error {
	s.initiateShutdown()

	if ctx == nil {
		return s.gracefulShutdown()
	}

	done := make(chan struct{})
	go func() {
		s.pool.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Graceful shutdown complete: all sessions closed")
		return nil
	case <-ctx.Done():
		remaining := s.pool.activeCount()
		logger.Warn("Shutdown context cancelled: %d session(s) still active: %v",
			remaining, ctx.Err())
		return ctx.Err()
	}
}

// Addr returns the listener address, or nil before Serve has bound it.
// Useful with Port 0 in tests.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of currently running sessions.
func (s *Server) ActiveSessions() int32 {
	return s.pool.activeCount()
}
