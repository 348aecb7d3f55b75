// Package client implements a sumwire protocol client. It is used by the
// sumwire CLI and by end-to-end tests, and is safe for concurrent use:
// calls are serialized so requests and responses stay strictly paired on
// the wire.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sumwire/sumwire/internal/protocol/tally"
	"github.com/sumwire/sumwire/internal/protocol/wire"
)

// ServerError is an error response from the server. The request frame was
// delivered and answered; the server declined it.
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Client is a connection to a sumwire server.
type Client struct {
	mu           sync.Mutex
	conn         net.Conn
	maxFrameSize uint32
}

// Option configures a Client.
type Option func(*Client)

// WithMaxFrameSize caps the size of response frames the client will
// accept. Defaults to wire.DefaultMaxFrameSize.
func WithMaxFrameSize(size uint32) Option {
	return func(c *Client) { c.maxFrameSize = size }
}

// Dial connects to a sumwire server at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:         conn,
		maxFrameSize: wire.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Echo sends an echo request and returns the echoed message.
func (c *Client) Echo(ctx context.Context, message string) (string, error) {
	resp, err := c.Call(ctx, &tally.EchoRequest{Message: message})
	if err != nil {
		return "", err
	}

	reply, ok := resp.(*tally.EchoReply)
	if !ok {
		return "", fmt.Errorf("unexpected response kind %d to echo request", resp.ResponseKind())
	}
	return reply.Message, nil
}

// Add sends an add request and returns the sum.
func (c *Client) Add(ctx context.Context, a, b int64) (int64, error) {
	resp, err := c.Call(ctx, &tally.AddRequest{A: a, B: b})
	if err != nil {
		return 0, err
	}

	reply, ok := resp.(*tally.AddReply)
	if !ok {
		return 0, fmt.Errorf("unexpected response kind %d to add request", resp.ResponseKind())
	}
	return reply.Sum, nil
}

// Call sends req and waits for its response. An *ErrorReply from the
// server is returned as a *ServerError. Concurrent calls are serialized.
func (c *Client) Call(ctx context.Context, req tally.Request) (tally.Response, error) {
	payload, err := tally.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if err := wire.WriteFrame(c.conn, payload); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	respPayload, err := wire.ReadFrame(c.conn, c.maxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	defer wire.PutBuffer(respPayload)

	resp, err := tally.DecodeResponse(respPayload)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if er, ok := resp.(*tally.ErrorReply); ok {
		return nil, &ServerError{Code: er.Code, Message: er.Message}
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
