// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gatehouse-dev/gatehouse/lib/codec"
)

// dialTimeout is the maximum time to wait for a connection to the
// control socket. This is separate from the server's read/write
// timeouts; it covers only the connect phase.
const dialTimeout = 5 * time.Second

// defaultResponseTimeout bounds the wait for a response when the
// caller's context carries no deadline. Approval requests block until
// an operator decides, so this is deliberately long.
const defaultResponseTimeout = 10 * time.Minute

// maxResponseSize is the maximum size of a single CBOR response.
// Matches the server's maxRequestSize for symmetry.
const maxResponseSize = 1024 * 1024

// CallError is returned by Call when the server responds with
// ok=false. It wraps the server's error message and the action that
// failed.
type CallError struct {
	Action  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("control socket error on %q: %s", e.Action, e.Message)
}

// Client sends CBOR requests to the Gatehouse control socket on
// behalf of one sandbox. Each Call opens a new connection (matching
// the server's one-request-per-connection model), sends the request,
// reads the response, and closes the connection.
type Client struct {
	socketPath string
	sandboxID  string
}

// NewClient creates a client for the control socket at socketPath,
// attributing every request to sandboxID. Inside a sandbox the socket
// is the mount target, /run/gatehouse/control.sock.
func NewClient(socketPath, sandboxID string) *Client {
	return &Client{socketPath: socketPath, sandboxID: sandboxID}
}

// Call sends a CBOR request to the daemon and decodes the response.
//
// The fields parameter may contain any handler-specific request
// fields; the client adds "action" and "sandbox_id" automatically.
// Pass nil for actions that take no additional parameters. The caller
// must not include an "action" or "sandbox_id" key in the fields map.
//
// On success (response ok=true), if result is non-nil and the
// response contains data, the data is CBOR-decoded into result.
//
// On failure (response ok=false), returns a *CallError containing
// the server's error message. Connection and encoding errors are
// returned as plain errors (not *CallError).
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := buildRequest(action, c.sandboxID, fields)

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}

	if !response.OK {
		return &CallError{
			Action:  action,
			Message: response.Error,
		}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}

	return nil
}

// buildRequest constructs the CBOR request map. Starts with the
// caller's fields (if any), then injects the envelope fields.
func buildRequest(action, sandboxID string, fields map[string]any) map[string]any {
	request := make(map[string]any, len(fields)+2)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action
	request["sandbox_id"] = sandboxID
	return request
}

// send connects to the socket, writes the request, and reads the
// response. Each call creates a new connection.
func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	// Write the request.
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side. CBOR is self-delimiting so this
	// isn't strictly necessary, but it lets the server's read side
	// see EOF cleanly.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	// The caller's context deadline bounds the wait for a response
	// when present. Approval actions can legitimately block for as
	// long as the operator takes to decide.
	readDeadline := time.Now().Add(defaultResponseTimeout)
	if deadline, ok := ctx.Deadline(); ok {
		readDeadline = deadline
	}
	conn.SetReadDeadline(readDeadline)

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &response, nil
}
