// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the Unix socket protocol shared by the
// Gatehouse daemon and the in-sandbox client.
//
// The daemon mounts a control socket into every sandbox. Agents send
// CBOR request maps over it (approval requests, activity reports) and
// receive CBOR responses. Each connection handles exactly one
// request-response cycle.
//
//   - [SocketServer] -- action-dispatch server with connection
//     timeouts and graceful shutdown.
//   - [Client] -- one-connection-per-call client bound to a sandbox.
//
// Requests are maps with required "action" and "sandbox_id" fields;
// all other fields are action-specific. The server rejects requests
// missing either before any handler runs, and hands handlers a
// decoded [Request] envelope. Actions registered with
// [SocketServer.HandleBlocking] may hold their connection open
// indefinitely, for asks that wait on an operator. Responses are
// [Response] envelopes: {ok: true, data: <cbor>} or {ok: false,
// error: "..."}. CBOR is self-delimiting so no framing protocol is
// needed.
package service
