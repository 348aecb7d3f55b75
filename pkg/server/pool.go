package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sumwire/sumwire/internal/logger"
)

// Overflow policies for a full session pool.
const (
	// PolicyWait blocks the accept loop until a slot frees, applying
	// backpressure at the TCP level (connections queue in the kernel
	// accept backlog).
	PolicyWait = "wait"

	// PolicyReject accepts the surplus connection and closes it
	// immediately.
	PolicyReject = "reject"
)

// ErrPoolAtCapacity is returned by acquire under PolicyReject when every
// session slot is taken.
var ErrPoolAtCapacity = errors.New("session pool at capacity")

// ErrShuttingDown is returned by acquire once shutdown has been initiated.
var ErrShuttingDown = errors.New("server shutting down")

// sessionPool bounds the number of concurrent connection sessions and
// tracks them for graceful drain and forced closure.
//
// Slot accounting is exact: a slot is acquired before a session starts and
// released exactly once when it ends, on every exit path including panics
// and forced closure. The zero count therefore means no session goroutine
// is running.
type sessionPool struct {
	// sem bounds concurrent sessions. nil when maxSessions is 0
	// (unlimited).
	sem *semaphore.Weighted

	// policy is PolicyWait or PolicyReject.
	policy string

	// active tracks running sessions for graceful drain.
	active sync.WaitGroup

	// count is the current number of registered sessions.
	count atomic.Int32

	// conns maps session id to net.Conn for forced closure after the
	// drain deadline. sync.Map keeps registration lock-free under
	// connection churn.
	conns sync.Map
}

func newSessionPool(maxSessions int, policy string) *sessionPool {
	var sem *semaphore.Weighted
	if maxSessions > 0 {
		sem = semaphore.NewWeighted(int64(maxSessions))
		logger.Debug("Session limit: %d (policy: %s)", maxSessions, policy)
	} else {
		logger.Debug("Session limit: unlimited")
	}

	return &sessionPool{
		sem:    sem,
		policy: policy,
	}
}

// acquire claims a session slot. Under PolicyWait it blocks until a slot
// frees or ctx is cancelled; under PolicyReject it fails fast with
// ErrPoolAtCapacity. A nil error means the caller owns a slot and must
// pair it with release.
func (p *sessionPool) acquire(ctx context.Context) error {
	if p.sem == nil {
		return nil
	}

	if p.policy == PolicyReject {
		if !p.sem.TryAcquire(1) {
			return ErrPoolAtCapacity
		}
		return nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrShuttingDown, err)
	}
	return nil
}

// release returns a session slot claimed by acquire.
func (p *sessionPool) release() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

// register tracks a session for drain and forced closure. Pairs with
// unregister.
func (p *sessionPool) register(id uint64, conn net.Conn) int32 {
	p.active.Add(1)
	p.conns.Store(id, conn)
	return p.count.Add(1)
}

// unregister removes a finished session from tracking.
func (p *sessionPool) unregister(id uint64) int32 {
	p.conns.Delete(id)
	p.active.Done()
	return p.count.Add(-1)
}

// activeCount returns the number of currently registered sessions.
func (p *sessionPool) activeCount() int32 {
	return p.count.Load()
}

// drain blocks until every registered session finishes or the timeout
// expires. On timeout the remaining connections are force-closed and an
// error is returned along with how many were closed; the sessions
// themselves still run their normal cleanup when their blocked I/O fails.
func (p *sessionPool) drain(timeout time.Duration) (int, error) {
	done := make(chan struct{})
	go func() {
		p.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0, nil

	case <-time.After(timeout):
		remaining := p.count.Load()
		logger.Warn("Drain timeout exceeded: %d session(s) still active after %v, forcing closure",
			remaining, timeout)

		closed := p.forceClose()

		// Force-closing unblocks the stuck reads; the sessions exit
		// shortly after. Wait for the bookkeeping to settle so the
		// caller sees a quiesced pool.
		p.active.Wait()

		return closed, fmt.Errorf("drain timeout after %v: %d connection(s) force-closed", timeout, closed)
	}
}

// forceClose closes every tracked connection and returns how many were
// closed. Safe to run concurrently with session cleanup.
func (p *sessionPool) forceClose() int {
	closed := 0
	p.conns.Range(func(key, value any) bool {
		conn := value.(net.Conn)
		if err := conn.Close(); err != nil {
			logger.Debug("Error force-closing connection to %s: %v", conn.RemoteAddr(), err)
		} else {
			closed++
			logger.Debug("Force-closed connection to %s", conn.RemoteAddr())
		}
		return true
	})

	if closed > 0 {
		logger.Info("Force-closed %d connection(s)", closed)
	}
	return closed
}
