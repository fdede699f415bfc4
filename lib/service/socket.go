// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gatehouse-dev/gatehouse/lib/codec"
)

// Request is one decoded control-socket request. Every request names
// an action and the sandbox making it; the server rejects requests
// missing either before any handler runs. Raw is the full CBOR
// message, from which handlers decode their action-specific fields.
type Request struct {
	Action    string
	SandboxID string
	Raw       codec.RawMessage
}

// ActionFunc processes a socket request for a specific action.
//
// Return a value to include in the success response, or an error for
// a failure response. If the returned value is nil, the response
// contains only {ok: true}. If non-nil, the value is marshaled as
// CBOR and placed in the response's "data" field.
type ActionFunc func(ctx context.Context, req Request) (any, error)

// Response is the wire-format envelope for all socket protocol
// responses. Handlers return a result value (or nil) and an error;
// the server wraps these into a Response before encoding.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// action pairs a handler with its dispatch mode. Blocking actions may
// park for minutes on an operator decision; the server releases their
// read deadline so the wait cannot be cut short by socket timeouts.
type action struct {
	fn       ActionFunc
	blocking bool
}

// SocketServer serves the sandbox-facing control protocol on a Unix
// socket: one CBOR request-response cycle per connection. The socket
// is bind-mounted into each sandbox, so the caller's identity is the
// sandbox_id it claims; the server only guarantees the field is
// present, attribution is as trustworthy as the mount.
//
// Actions are registered with Handle or HandleBlocking before calling
// Serve. Unknown actions receive an error response.
type SocketServer struct {
	socketPath string
	actions    map[string]action
	logger     *slog.Logger

	// activeConnections tracks in-flight request handlers for graceful
	// shutdown. Serve waits for all active connections to complete
	// before returning.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
// Register actions with Handle or HandleBlocking before calling Serve.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	return &SocketServer{
		socketPath: socketPath,
		actions:    make(map[string]action),
		logger:     logger,
	}
}

// Handle registers a handler for the given action name. Panics if
// the action is already registered.
func (s *SocketServer) Handle(name string, handler ActionFunc) {
	s.register(name, action{fn: handler})
}

// HandleBlocking registers a handler that may block indefinitely,
// such as an approval wait. The connection's read deadline is cleared
// before a blocking handler runs.
func (s *SocketServer) HandleBlocking(name string, handler ActionFunc) {
	s.register(name, action{fn: handler, blocking: true})
}

func (s *SocketServer) register(name string, a action) {
	if _, exists := s.actions[name]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", name))
	}
	s.actions[name] = a
}

// Serve starts accepting connections on the Unix socket and dispatches
// requests to registered action handlers. Blocks until ctx is
// cancelled, then stops accepting new connections and waits for active
// handlers to complete.
//
// Any existing socket file at the configured path is removed before
// listening. The socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout is how long we wait for the client to send its request.
// A well-behaved client sends the request immediately after connecting.
const readTimeout = 30 * time.Second

// writeTimeout is how long we wait for the response to be written.
const writeTimeout = 10 * time.Second

// maxRequestSize is the maximum size of a single CBOR request. 1 MB
// is generous for any approval payload. LimitReader prevents a
// sandboxed client from exhausting daemon memory.
const maxRequestSize = 1024 * 1024

// handleConnection processes one request-response cycle.
func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// Decode one CBOR value from the connection. CBOR is self-
	// delimiting so no framing protocol is needed.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action    string `cbor:"action"`
		SandboxID string `cbor:"sandbox_id"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}
	if header.SandboxID == "" {
		s.writeError(conn, "missing required field: sandbox_id")
		return
	}

	registered, exists := s.actions[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}
	if registered.blocking {
		conn.SetReadDeadline(time.Time{})
	}

	result, err := registered.fn(ctx, Request{
		Action:    header.Action,
		SandboxID: header.SandboxID,
		Raw:       raw,
	})
	if err != nil {
		s.logger.Debug("action failed",
			"action", header.Action,
			"sandbox_id", header.SandboxID,
			"error", err,
		)
		s.writeError(conn, err.Error())
		return
	}

	s.writeSuccess(conn, result)
}

// writeError sends a failure response: {ok: false, error: "..."}.
// Write failures are logged at debug level; the connection is closing
// regardless, and the caller has already received the error.
func (s *SocketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Error: message,
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends a success response. If result is nil, the
// response is {ok: true}. If non-nil, the value is marshaled as CBOR
// and placed in the "data" field: {ok: true, data: <cbor>}.
func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}

	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
