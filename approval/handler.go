// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Handler bridges a request registered over the blocking socket
// transport to a decision resolved over the HTTP API. Each pending
// request gets an independent one-shot waiter channel keyed by its
// request id; resolving one never affects another.
//
// The waiter registry is owned state on the Handler, not package
// state, so independent Handler instances (one per test) never
// collide.
type Handler struct {
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan *Decision
}

// NewHandler creates a Handler backed by the given store.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:   store,
		logger:  logger,
		waiters: make(map[string]chan *Decision),
	}
}

// rawRequest is the wire shape of an incoming approval ask.
type rawRequest struct {
	SandboxID string            `json:"sandbox_id"`
	Type      string            `json:"type"`
	Payload   map[string]string `json:"payload"`
	Reason    string            `json:"reason"`
}

// OnRequest parses and validates a raw approval message and registers
// it in the store. Malformed JSON, a missing sandbox_id or type, and
// an unknown type are all rejected with errors wrapping ErrValidation
// and never reach the store.
func (h *Handler) OnRequest(raw []byte) (*Request, error) {
	var message rawRequest
	if err := json.Unmarshal(raw, &message); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrValidation, err)
	}
	if message.SandboxID == "" {
		return nil, fmt.Errorf("%w: missing required field sandbox_id", ErrValidation)
	}
	if message.Type == "" {
		return nil, fmt.Errorf("%w: missing required field type", ErrValidation)
	}
	requestType := RequestType(message.Type)
	if !requestType.Valid() {
		return nil, fmt.Errorf("%w: unknown request type %q", ErrValidation, message.Type)
	}

	request := h.store.AddRequest(message.SandboxID, requestType, message.Payload, message.Reason)
	h.logger.Info("approval request registered",
		"request_id", request.ID,
		"sandbox_id", request.SandboxID,
		"type", request.Type,
	)
	return request, nil
}

// WaitForDecision suspends the caller until NotifyDecision is invoked
// for the request id, or ctx is cancelled. There is no timeout at this
// layer — a request can wait indefinitely; callers needing a deadline
// impose it through ctx. On cancellation the waiter is abandoned and
// removed, so a later decision for it is dropped, not delivered.
func (h *Handler) WaitForDecision(ctx context.Context, requestID string) (*Decision, error) {
	h.mu.Lock()
	waiter, exists := h.waiters[requestID]
	if !exists {
		// Buffered so NotifyDecision never blocks on delivery.
		waiter = make(chan *Decision, 1)
		h.waiters[requestID] = waiter
	}
	h.mu.Unlock()

	select {
	case decision := <-waiter:
		return decision, nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.waiters, requestID)
		h.mu.Unlock()
		return nil, ctx.Err()
	}
}

// NotifyDecision resolves the waiter for the request id, if one is
// registered, and removes it. A decision with no waiter (the requester
// disconnected, or never blocked) is silently dropped here — it has
// already reached the store.
func (h *Handler) NotifyDecision(requestID string, decision *Decision) {
	h.mu.Lock()
	waiter, exists := h.waiters[requestID]
	if exists {
		delete(h.waiters, requestID)
	}
	h.mu.Unlock()

	if !exists {
		h.logger.Debug("decision with no pending waiter dropped",
			"request_id", requestID)
		return
	}
	waiter <- decision
}

// HasPendingWaiter reports whether a caller is currently blocked on
// the request id. The HTTP layer uses this as its idempotent-resolution
// guard: a request whose waiter is gone has already been resolved.
func (h *Handler) HasPendingWaiter(requestID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, exists := h.waiters[requestID]
	return exists
}
