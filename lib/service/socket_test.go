// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-dev/gatehouse/lib/codec"
)

// sendRequest connects to a Unix socket, sends a CBOR request, and
// returns the decoded response envelope.
func sendRequest(t *testing.T, socketPath string, request any) Response {
	t.Helper()

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to socket: %v", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	// Signal that we're done writing (half-close). CBOR is self-
	// delimiting so this isn't required by the protocol, but it's
	// good hygiene.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return response
}

// decodeData unmarshals the Data field of a response into the given
// target. Fails the test if decoding fails.
func decodeData(t *testing.T, response Response, target any) {
	t.Helper()
	if len(response.Data) == 0 {
		t.Fatal("response has no data to decode")
	}
	if err := codec.Unmarshal(response.Data, target); err != nil {
		t.Fatalf("decoding response data: %v", err)
	}
}

func testSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.sock")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// startServer runs a SocketServer in the background and waits for the
// socket file to appear. Returns a cancel function that shuts the
// server down and waits for Serve to return.
func startServer(t *testing.T, server *SocketServer) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(server.socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("socket file never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
		}
	}
}

func TestSocketServerDispatch(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())
	server.Handle("echo", func(ctx context.Context, req Request) (any, error) {
		var request struct {
			Message string `cbor:"message"`
		}
		if err := codec.Unmarshal(req.Raw, &request); err != nil {
			return nil, err
		}
		return map[string]any{"message": request.Message, "from": req.SandboxID}, nil
	})

	stop := startServer(t, server)
	defer stop()

	response := sendRequest(t, server.socketPath, map[string]any{
		"action":     "echo",
		"sandbox_id": "sb-1",
		"message":    "hello",
	})
	if !response.OK {
		t.Fatalf("expected ok response, got error %q", response.Error)
	}

	var data struct {
		Message string `cbor:"message"`
		From    string `cbor:"from"`
	}
	decodeData(t, response, &data)
	if data.Message != "hello" {
		t.Errorf("expected echoed message %q, got %q", "hello", data.Message)
	}
	if data.From != "sb-1" {
		t.Errorf("expected sandbox attribution sb-1, got %q", data.From)
	}
}

func TestSocketServerNilResultOmitsData(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())
	server.Handle("ping", func(ctx context.Context, req Request) (any, error) {
		return nil, nil
	})

	stop := startServer(t, server)
	defer stop()

	response := sendRequest(t, server.socketPath, map[string]any{"action": "ping", "sandbox_id": "sb-1"})
	if !response.OK {
		t.Fatalf("expected ok response, got error %q", response.Error)
	}
	if len(response.Data) != 0 {
		t.Errorf("expected empty data for nil result, got %d bytes", len(response.Data))
	}
}

func TestSocketServerHandlerError(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())
	server.Handle("fail", func(ctx context.Context, req Request) (any, error) {
		return nil, errors.New("deliberate failure")
	})

	stop := startServer(t, server)
	defer stop()

	response := sendRequest(t, server.socketPath, map[string]any{"action": "fail", "sandbox_id": "sb-1"})
	if response.OK {
		t.Fatal("expected error response, got ok")
	}
	if response.Error != "deliberate failure" {
		t.Errorf("expected handler error message, got %q", response.Error)
	}
}

func TestSocketServerUnknownAction(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())

	stop := startServer(t, server)
	defer stop()

	response := sendRequest(t, server.socketPath, map[string]any{"action": "nonexistent", "sandbox_id": "sb-1"})
	if response.OK {
		t.Fatal("expected error response, got ok")
	}
	if !strings.Contains(response.Error, "unknown action") {
		t.Errorf("expected unknown action error, got %q", response.Error)
	}
}

func TestSocketServerMissingAction(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())

	stop := startServer(t, server)
	defer stop()

	response := sendRequest(t, server.socketPath, map[string]any{"sandbox_id": "sb-1", "message": "no action here"})
	if response.OK {
		t.Fatal("expected error response, got ok")
	}
	if !strings.Contains(response.Error, "action") {
		t.Errorf("expected missing action error, got %q", response.Error)
	}
}

func TestSocketServerMissingSandboxID(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())
	handled := false
	server.Handle("ping", func(ctx context.Context, req Request) (any, error) {
		handled = true
		return nil, nil
	})

	stop := startServer(t, server)
	defer stop()

	response := sendRequest(t, server.socketPath, map[string]any{"action": "ping"})
	if response.OK {
		t.Fatal("expected error response, got ok")
	}
	if !strings.Contains(response.Error, "sandbox_id") {
		t.Errorf("expected missing sandbox_id error, got %q", response.Error)
	}
	if handled {
		t.Error("handler ran for an unattributed request")
	}
}

func TestSocketServerDuplicateHandlerPanics(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())
	server.Handle("once", func(ctx context.Context, req Request) (any, error) { return nil, nil })

	defer func() {
		if recovered := recover(); recovered == nil {
			t.Fatal("expected panic on duplicate handler registration")
		}
	}()
	server.HandleBlocking("once", func(ctx context.Context, req Request) (any, error) { return nil, nil })
}

func TestSocketServerReplacesStaleSocket(t *testing.T) {
	socketPath := testSocketPath(t)

	// Leave a stale socket file behind, as a crashed daemon would.
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("creating stale socket: %v", err)
	}
	listener.Close()

	server := NewSocketServer(socketPath, testLogger())
	server.Handle("ping", func(ctx context.Context, req Request) (any, error) {
		return nil, nil
	})

	stop := startServer(t, server)
	defer stop()

	response := sendRequest(t, socketPath, map[string]any{"action": "ping", "sandbox_id": "sb-1"})
	if !response.OK {
		t.Fatalf("expected ok response after stale socket replacement, got %q", response.Error)
	}
}

func TestSocketServerConcurrentRequests(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())

	// Block every handler until all requests are in flight, proving
	// connections are handled concurrently rather than serially.
	const requestCount = 8
	arrived := make(chan struct{}, requestCount)
	release := make(chan struct{})
	server.Handle("gather", func(ctx context.Context, req Request) (any, error) {
		arrived <- struct{}{}
		<-release
		return nil, nil
	})

	stop := startServer(t, server)
	defer stop()

	var group sync.WaitGroup
	results := make([]Response, requestCount)
	for i := range requestCount {
		group.Add(1)
		go func() {
			defer group.Done()
			results[i] = sendRequest(t, server.socketPath, map[string]any{
				"action":     "gather",
				"sandbox_id": fmt.Sprintf("sb-%d", i),
			})
		}()
	}

	for range requestCount {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			close(release)
			t.Fatal("handlers did not all start concurrently")
		}
	}
	close(release)
	group.Wait()

	for i, response := range results {
		if !response.OK {
			t.Errorf("request %d failed: %q", i, response.Error)
		}
	}
}

func TestSocketServerBlockingActionDeliversLateResponse(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())
	proceed := make(chan struct{})
	server.HandleBlocking("wait", func(ctx context.Context, req Request) (any, error) {
		<-proceed
		return map[string]any{"done": true}, nil
	})

	stop := startServer(t, server)
	defer stop()

	conn, err := net.DialTimeout("unix", server.socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(map[string]any{
		"action":     "wait",
		"sandbox_id": "sb-1",
	}); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	// The handler holds the connection open; once released, the
	// response still arrives on the same connection.
	time.Sleep(50 * time.Millisecond)
	close(proceed)

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !response.OK {
		t.Fatalf("expected ok response after blocking handler, got %q", response.Error)
	}
}

func TestSocketServerRemovesSocketOnShutdown(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())
	stop := startServer(t, server)
	stop()

	if _, err := os.Stat(server.socketPath); !os.IsNotExist(err) {
		t.Errorf("expected socket file removed after shutdown, stat err: %v", err)
	}
}

func TestSocketServerInvalidCBOR(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())
	stop := startServer(t, server)
	defer stop()

	conn, err := net.DialTimeout("unix", server.socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer conn.Close()

	// 0xff is a CBOR "break" code with no enclosing indefinite item.
	if _, err := conn.Write([]byte{0xff}); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if response.OK {
		t.Fatal("expected error response for invalid CBOR")
	}
	if !strings.Contains(response.Error, "invalid request") {
		t.Errorf("expected invalid request error, got %q", response.Error)
	}
}

func TestSocketServerManyActions(t *testing.T) {
	server := NewSocketServer(testSocketPath(t), testLogger())
	for i := range 3 {
		name := fmt.Sprintf("action-%d", i)
		server.Handle(name, func(ctx context.Context, req Request) (any, error) {
			return map[string]any{"name": name}, nil
		})
	}

	stop := startServer(t, server)
	defer stop()

	for i := range 3 {
		name := fmt.Sprintf("action-%d", i)
		response := sendRequest(t, server.socketPath, map[string]any{"action": name, "sandbox_id": "sb-1"})
		if !response.OK {
			t.Fatalf("action %s failed: %q", name, response.Error)
		}
		var data struct {
			Name string `cbor:"name"`
		}
		decodeData(t, response, &data)
		if data.Name != name {
			t.Errorf("expected %s to be routed to its own handler, got %s", name, data.Name)
		}
	}
}
