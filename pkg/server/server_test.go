package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumwire/sumwire/internal/protocol/tally"
	"github.com/sumwire/sumwire/internal/protocol/wire"
	"github.com/sumwire/sumwire/pkg/client"
	"github.com/sumwire/sumwire/pkg/config"
)

// startServer runs a server on a random port and returns it once the
// listener is bound. Serve's result is delivered on the returned channel.
func startServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, chan error, context.CancelFunc) {
	t.Helper()

	cfg := config.ServerConfig{
		BindAddress:     "127.0.0.1",
		Port:            0,
		MaxFrameSize:    1 << 20,
		OverflowPolicy:  PolicyWait,
		ShutdownTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	require.Eventually(t, func() bool { return srv.Addr() != nil },
		time.Second, 10*time.Millisecond, "listener never bound")

	return srv, serverDone, cancel
}

func dialRaw(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, req tally.Request) {
	t.Helper()
	payload, err := tally.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, payload))
}

func readResponse(t *testing.T, conn net.Conn) tally.Response {
	t.Helper()
	payload, err := wire.ReadFrame(conn, wire.DefaultMaxFrameSize)
	require.NoError(t, err)
	defer wire.PutBuffer(payload)

	resp, err := tally.DecodeResponse(payload)
	require.NoError(t, err)
	return resp
}

func TestServe_OrderedResponses(t *testing.T) {
	srv, _, cancel := startServer(t, nil)
	defer cancel()

	conn := dialRaw(t, srv)
	defer conn.Close()

	// Write all requests up front. Responses must come back one per
	// request, in request order.
	const n = 50
	for i := 0; i < n; i++ {
		sendRequest(t, conn, &tally.AddRequest{A: int64(i), B: 1000})
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for i := 0; i < n; i++ {
		resp := readResponse(t, conn)
		reply, ok := resp.(*tally.AddReply)
		require.True(t, ok, "response %d: expected add reply, got %T", i, resp)
		assert.Equal(t, int64(i)+1000, reply.Sum, "response %d out of order", i)
	}
}

func TestServe_ConcurrentConnectionsNoCrossTalk(t *testing.T) {
	srv, _, cancel := startServer(t, nil)
	defer cancel()

	const clients = 16
	const perClient = 20

	var wg sync.WaitGroup
	errs := make(chan error, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()

			ctx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelDial()

			c, err := client.Dial(ctx, srv.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()

			for j := int64(0); j < perClient; j++ {
				sum, err := c.Add(ctx, id*1000, j)
				if err != nil {
					errs <- fmt.Errorf("client %d request %d: %w", id, j, err)
					return
				}
				if sum != id*1000+j {
					errs <- fmt.Errorf("client %d request %d: got %d, want %d", id, j, sum, id*1000+j)
					return
				}
			}
		}(int64(i))
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServe_MalformedRequestKeepsConnectionUsable(t *testing.T) {
	srv, _, cancel := startServer(t, nil)
	defer cancel()

	conn := dialRaw(t, srv)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// A well-framed but undecodable payload draws an error response.
	require.NoError(t, wire.WriteFrame(conn, []byte{0xDE, 0xAD, 0xBE, 0xEF}))

	resp := readResponse(t, conn)
	errReply, ok := resp.(*tally.ErrorReply)
	require.True(t, ok, "expected error reply, got %T", resp)
	assert.Equal(t, tally.CodeMalformed, errReply.Code)

	// The stream is still frame-aligned: the next request succeeds.
	sendRequest(t, conn, &tally.EchoRequest{Message: "still here"})
	resp = readResponse(t, conn)
	echoReply, ok := resp.(*tally.EchoReply)
	require.True(t, ok, "expected echo reply, got %T", resp)
	assert.Equal(t, "still here", echoReply.Message)
}

func TestServe_OversizedFrameClosesConnection(t *testing.T) {
	srv, _, cancel := startServer(t, func(cfg *config.ServerConfig) {
		cfg.MaxFrameSize = 1024
	})
	defer cancel()

	conn := dialRaw(t, srv)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// Declare a 2KB payload against a 1KB limit. The server answers with
	// an error response and hangs up without reading the payload.
	var prefix [wire.LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], 2048)
	_, err := conn.Write(prefix[:])
	require.NoError(t, err)

	resp := readResponse(t, conn)
	errReply, ok := resp.(*tally.ErrorReply)
	require.True(t, ok, "expected error reply, got %T", resp)
	assert.Equal(t, tally.CodeFrameTooLarge, errReply.Code)

	// Connection is closed; the next read hits EOF.
	_, err = wire.ReadFrame(conn, wire.DefaultMaxFrameSize)
	require.ErrorIs(t, err, io.EOF)
}

func TestServe_WaitPolicyDefersExcessConnections(t *testing.T) {
	srv, _, cancel := startServer(t, func(cfg *config.ServerConfig) {
		cfg.MaxConnections = 1
		cfg.OverflowPolicy = PolicyWait
	})
	defer cancel()

	// First connection claims the only slot.
	conn1 := dialRaw(t, srv)
	sendRequest(t, conn1, &tally.EchoRequest{Message: "one"})
	require.NoError(t, conn1.SetReadDeadline(time.Now().Add(5*time.Second)))
	readResponse(t, conn1)

	// Second connection completes the TCP handshake (kernel backlog) but
	// is not served while the slot is taken.
	conn2 := dialRaw(t, srv)
	defer conn2.Close()
	sendRequest(t, conn2, &tally.EchoRequest{Message: "two"})

	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err := wire.ReadFrame(conn2, wire.DefaultMaxFrameSize)
	require.Error(t, err, "second connection must not be served while pool is full")
	netErr, ok := err.(net.Error)
	require.True(t, ok && netErr.Timeout(), "expected read timeout, got %v", err)

	// Freeing the slot lets the queued connection through.
	require.NoError(t, conn1.Close())

	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp := readResponse(t, conn2)
	echoReply, ok := resp.(*tally.EchoReply)
	require.True(t, ok, "expected echo reply, got %T", resp)
	assert.Equal(t, "two", echoReply.Message)
}

func TestServe_RejectPolicyClosesExcessConnections(t *testing.T) {
	srv, _, cancel := startServer(t, func(cfg *config.ServerConfig) {
		cfg.MaxConnections = 1
		cfg.OverflowPolicy = PolicyReject
	})
	defer cancel()

	conn1 := dialRaw(t, srv)
	defer conn1.Close()
	sendRequest(t, conn1, &tally.EchoRequest{Message: "one"})
	require.NoError(t, conn1.SetReadDeadline(time.Now().Add(5*time.Second)))
	readResponse(t, conn1)

	// Surplus connection is accepted and closed immediately.
	conn2 := dialRaw(t, srv)
	defer conn2.Close()

	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err := conn2.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	// The first connection is unaffected.
	sendRequest(t, conn1, &tally.EchoRequest{Message: "still one"})
	resp := readResponse(t, conn1)
	echoReply, ok := resp.(*tally.EchoReply)
	require.True(t, ok)
	assert.Equal(t, "still one", echoReply.Message)
}

func TestServe_GracefulShutdownAfterSessionsClose(t *testing.T) {
	srv, serverDone, cancel := startServer(t, nil)

	conn := dialRaw(t, srv)
	sendRequest(t, conn, &tally.EchoRequest{Message: "bye"})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	readResponse(t, conn)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return srv.ActiveSessions() == 0 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-serverDone:
		require.NoError(t, err, "shutdown with no active sessions must be graceful")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServe_ForcedClosureAfterDrainTimeout(t *testing.T) {
	srv, serverDone, cancel := startServer(t, func(cfg *config.ServerConfig) {
		cfg.ShutdownTimeout = 300 * time.Millisecond
	})

	// An idle connection that never disconnects keeps its session alive
	// past the drain deadline.
	conn := dialRaw(t, srv)
	defer conn.Close()
	sendRequest(t, conn, &tally.EchoRequest{Message: "lingering"})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	readResponse(t, conn)

	require.Eventually(t, func() bool { return srv.ActiveSessions() == 1 },
		2*time.Second, 10*time.Millisecond)

	shutdownStart := time.Now()
	cancel()

	select {
	case err := <-serverDone:
		require.Error(t, err, "drain past an open session must report forced closure")
		assert.Contains(t, err.Error(), "force-closed")
		assert.Less(t, time.Since(shutdownStart), 3*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	require.Equal(t, int32(0), srv.ActiveSessions())
}

func TestServe_ForcedClosureCountsEachConnection(t *testing.T) {
	rec := &recordingMetrics{}
	srv := New(config.ServerConfig{
		BindAddress:     "127.0.0.1",
		Port:            0,
		MaxFrameSize:    1 << 20,
		OverflowPolicy:  PolicyWait,
		ShutdownTimeout: 300 * time.Millisecond,
	}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()
	require.Eventually(t, func() bool { return srv.Addr() != nil },
		time.Second, 10*time.Millisecond)

	// Two idle connections outlive the drain deadline; each one must be
	// counted in the force-closed total.
	for i := 0; i < 2; i++ {
		conn := dialRaw(t, srv)
		defer conn.Close()
		sendRequest(t, conn, &tally.EchoRequest{Message: "idle"})
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		readResponse(t, conn)
	}

	require.Eventually(t, func() bool { return srv.ActiveSessions() == 2 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-serverDone:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	rec.mu.Lock()
	forced := rec.forceClosed
	rec.mu.Unlock()
	assert.Equal(t, 2, forced)
}

func TestServe_NewConnectionsRefusedAfterShutdown(t *testing.T) {
	srv, serverDone, cancel := startServer(t, nil)

	addr := srv.Addr().String()
	cancel()
	<-serverDone

	_, err := net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err, "listener must be closed after shutdown")
}

func TestStop_Idempotent(t *testing.T) {
	srv, serverDone, _ := startServer(t, nil)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
	<-serverDone
}
