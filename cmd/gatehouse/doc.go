// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Gatehouse is the operator CLI for the Gatehouse daemon: sandbox
// lifecycle, approval decisions, and secret bundle management over
// the daemon's HTTP API.
package main
