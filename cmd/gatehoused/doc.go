// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Gatehoused is the Gatehouse daemon: it owns the sandbox record
// store, provisions and tears down sandboxes through the docker CLI,
// serves the operator HTTP API, and answers in-sandbox approval
// requests over the control socket.
package main
