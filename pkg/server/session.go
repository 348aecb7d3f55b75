package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sumwire/sumwire/internal/logger"
	"github.com/sumwire/sumwire/internal/protocol/tally"
	"github.com/sumwire/sumwire/internal/protocol/wire"
	"github.com/sumwire/sumwire/internal/ratelimiter"
)

// session serves the request/response cycle for a single client
// connection. Requests are strictly paired: one frame in, one frame out,
// in order, with no pipelining.
type session struct {
	server  *Server
	id      uint64
	conn    net.Conn
	limiter *ratelimiter.RateLimiter
}

func newSession(s *Server, id uint64, conn net.Conn) *session {
	return &session{
		server:  s,
		id:      id,
		conn:    conn,
		limiter: ratelimiter.New(s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Burst),
	}
}

// serve handles all requests for this connection until the client
// disconnects, an unrecoverable error occurs, or the server shuts down.
// It implements panic recovery so a single misbehaving connection cannot
// crash the server.
//
// Cancellation is checked at the top of each request loop; a request
// already past its checkpoint runs to completion and its response is
// written before the session exits.
func (c *session) serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in session %d from %s: %v", c.id, c.conn.RemoteAddr(), r)
		}
		_ = c.conn.Close()
	}()

	clientAddr := c.conn.RemoteAddr().String()

	if c.server.config.IdleTimeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.server.config.IdleTimeout)); err != nil {
			logger.Warn("Failed to set deadline for %s: %v", clientAddr, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Session %d from %s closed: context cancelled", c.id, clientAddr)
			return
		case <-c.server.shutdown:
			logger.Debug("Session %d from %s closed: server shutdown", c.id, clientAddr)
			return
		default:
		}

		if err := c.handleRequest(ctx); err != nil {
			switch {
			case err == io.EOF:
				logger.Debug("Session %d from %s closed by client", c.id, clientAddr)
			case isTimeout(err):
				logger.Debug("Session %d from %s timed out: %v", c.id, clientAddr, err)
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				logger.Debug("Session %d from %s cancelled: %v", c.id, clientAddr, err)
			case errors.Is(err, wire.ErrFrameTooLarge):
				logger.Warn("Session %d from %s closed: %v", c.id, clientAddr, err)
			default:
				logger.Debug("Error handling request in session %d from %s: %v", c.id, clientAddr, err)
			}
			return
		}

		if c.server.config.IdleTimeout > 0 {
			if err := c.conn.SetDeadline(time.Now().Add(c.server.config.IdleTimeout)); err != nil {
				logger.Warn("Failed to reset deadline for %s: %v", clientAddr, err)
			}
		}
	}
}

// handleRequest processes one request frame and writes its response.
// A nil return means the session can continue; any error ends it.
//
// Once ReadFrame returns a complete frame the cycle runs to the response
// write unconditionally: cancellation is observed before the read and at
// the top of the serve loop, never between read and write, so a request
// that made it off the wire is always answered.
//
// Malformed payloads and unsupported kinds do NOT end the session: the
// codec consumed the whole frame, so the stream is still aligned and the
// dispatcher answers with an error response instead. An oversized frame
// is fatal because its payload was never read and the stream cannot be
// resynchronized.
func (c *session) handleRequest(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Throttle before reading so a cancelled wait never strands a frame
	// that was already consumed from the stream.
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	if c.server.config.ReadTimeout > 0 {
		deadline := time.Now().Add(c.server.config.ReadTimeout)
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
	}

	payload, err := wire.ReadFrame(c.conn, c.server.config.MaxFrameSize)
	if err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			// Best effort: tell the client why before hanging up.
			c.writeErrorReply(tally.CodeFrameTooLarge, err.Error())
		}
		return err
	}
	defer wire.PutBuffer(payload)

	c.server.metrics.RecordBytesTransferred("read", int64(wire.LengthPrefixSize+len(payload)))

	c.server.metrics.RecordRequestStart()
	defer c.server.metrics.RecordRequestEnd()

	start := time.Now()
	resp, opName := tally.Dispatch(ctx, payload)
	c.server.metrics.RecordRequest(opName, time.Since(start), responseError(resp))

	return c.sendResponse(resp)
}

// sendResponse encodes resp and writes it as a single frame.
func (c *session) sendResponse(resp tally.Response) error {
	data, err := tally.EncodeResponse(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	if c.server.config.WriteTimeout > 0 {
		deadline := time.Now().Add(c.server.config.WriteTimeout)
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	if err := wire.WriteFrame(c.conn, data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	c.server.metrics.RecordBytesTransferred("write", int64(wire.LengthPrefixSize+len(data)))
	return nil
}

// writeErrorReply sends an error response without failing the caller.
// Used on fatal paths where the connection is about to close anyway.
func (c *session) writeErrorReply(code uint32, message string) {
	reply := &tally.ErrorReply{Code: code, Message: message}
	if err := c.sendResponse(reply); err != nil {
		logger.Debug("Failed to send error reply to %s: %v", c.conn.RemoteAddr(), err)
	}
}

// responseError maps an error response to a non-nil error so metrics
// count it as a failure. Protocol-level errors are still successful
// request cycles at the transport layer, but operators want them visible.
func responseError(resp tally.Response) error {
	if er, ok := resp.(*tally.ErrorReply); ok {
		return fmt.Errorf("error reply code %d: %s", er.Code, er.Message)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
