// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-dev/gatehouse/lib/clock"
)

// Store holds approval requests and decisions in memory and answers
// the IsApproved policy check. Decision history is kept for the
// lifetime of the process; nothing here is persisted.
//
// The full decision set is scanned on every IsApproved call. Pending
// and session decisions per deployment number in the tens, so the
// scan is fine; index by (sandboxID, type) before scaling this up.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	requests     map[string]*Request
	requestOrder []string

	decisions     map[string]*Decision
	decisionOrder []string

	// resolvedBy maps a request id to its latest decision id. An entry
	// survives even when the decision itself is later consumed (once)
	// or revoked — the request never returns to the pending view.
	resolvedBy map[string]string
}

// NewStore creates an empty approval store. The clock drives TTL
// expiry; production wiring passes clock.Real().
func NewStore(clk clock.Clock) *Store {
	return &Store{
		clock:      clk,
		requests:   make(map[string]*Request),
		decisions:  make(map[string]*Decision),
		resolvedBy: make(map[string]string),
	}
}

// AddRequest registers a new pending request and returns it. Always
// succeeds; validation happens at the Handler before this point.
func (s *Store) AddRequest(sandboxID string, requestType RequestType, payload map[string]string, reason string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	request := &Request{
		ID:        uuid.NewString(),
		SandboxID: sandboxID,
		Type:      requestType,
		Payload:   maps.Clone(payload),
		Reason:    reason,
		CreatedAt: s.clock.Now().UTC(),
	}
	s.requests[request.ID] = request
	s.requestOrder = append(s.requestOrder, request.ID)
	return cloneRequest(request)
}

// GetRequest returns the request with the given id.
func (s *Store) GetRequest(id string) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	return cloneRequest(request), true
}

// ListPending returns the sandbox's requests that have no decision
// yet, in registration order.
func (s *Store) ListPending(sandboxID string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Request
	for _, id := range s.requestOrder {
		request := s.requests[id]
		if request.SandboxID != sandboxID {
			continue
		}
		if _, resolved := s.resolvedBy[id]; resolved {
			continue
		}
		pending = append(pending, cloneRequest(request))
	}
	return pending
}

// ListAll returns every request for the sandbox, pending or resolved,
// in registration order.
func (s *Store) ListAll(sandboxID string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Request
	for _, id := range s.requestOrder {
		request := s.requests[id]
		if request.SandboxID == sandboxID {
			all = append(all, cloneRequest(request))
		}
	}
	return all
}

// Resolve records a decision for a request. Returns ErrNotFound when
// the request id is unknown; no decision is created in that case.
//
// Resolving an already-resolved request is allowed at this layer: it
// creates a second decision and repoints the request at it. Callers
// needing single-resolution semantics guard at the protocol layer
// (see Handler.HasPendingWaiter).
func (s *Store) Resolve(requestID string, approved bool, scope Scope, ttl time.Duration, reason, approver string) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("resolving request %s: %w", requestID, ErrNotFound)
	}

	now := s.clock.Now()
	decision := &Decision{
		ID:        uuid.NewString(),
		RequestID: request.ID,
		SandboxID: request.SandboxID,
		Approved:  approved,
		Scope:     scope,
		TTL:       ttl,
		Reason:    reason,
		Approver:  approver,
		DecidedAt: now.UTC(),
		grantedAt: now,
	}
	s.decisions[decision.ID] = decision
	s.decisionOrder = append(s.decisionOrder, decision.ID)
	s.resolvedBy[request.ID] = decision.ID
	return cloneDecision(decision), nil
}

// GetDecision returns the decision with the given id. A consumed
// (once-scope) or revoked decision is absent.
func (s *Store) GetDecision(id string) (*Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decision, ok := s.decisions[id]
	if !ok {
		return nil, false
	}
	return cloneDecision(decision), true
}

// Revoke removes a decision so it can never match again. Returns
// false when the id is unknown.
func (s *Store) Revoke(decisionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.decisions[decisionID]; !ok {
		return false
	}
	s.deleteDecisionLocked(decisionID)
	return true
}

// IsApproved is the policy check consulted before any privileged
// action. It scans all decisions for one that (a) belongs to the
// sandbox, (b) approved, (c) originates from a request of the queried
// type, and (d) whose request payload is a subset of the queried
// payload — every key the stored request carries must be present with
// an equal value; the query may carry extra keys.
//
// Scope side effects: a matching once decision is consumed (deleted)
// by the check that matches it. A ttl decision matches only while its
// TTL has not elapsed since resolution; it is not deleted on expiry,
// it simply stops matching. Session decisions match until revoked.
// Denials never match and are never consumed.
func (s *Store) IsApproved(sandboxID string, requestType RequestType, payload map[string]string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, id := range s.decisionOrder {
		decision, ok := s.decisions[id]
		if !ok {
			continue // consumed or revoked
		}
		if decision.SandboxID != sandboxID || !decision.Approved {
			continue
		}
		request, ok := s.requests[decision.RequestID]
		if !ok || request.Type != requestType {
			continue
		}
		if !payloadSubset(request.Payload, payload) {
			continue
		}

		switch decision.Scope {
		case ScopeOnce:
			s.deleteDecisionLocked(id)
			return true
		case ScopeSession:
			return true
		case ScopeTTL:
			if now.Sub(decision.grantedAt) <= decision.TTL {
				return true
			}
			// Expired: keep looking, a later decision may still match.
		}
	}
	return false
}

// deleteDecisionLocked removes a decision from the map. The id stays
// in decisionOrder; scans skip ids with no live decision. resolvedBy
// keeps its entry so the originating request stays out of the pending
// view.
func (s *Store) deleteDecisionLocked(id string) {
	delete(s.decisions, id)
}

// payloadSubset reports whether every key in stored is present in
// queried with an equal value.
func payloadSubset(stored, queried map[string]string) bool {
	for key, value := range stored {
		if queried[key] != value {
			return false
		}
	}
	return true
}

func cloneRequest(r *Request) *Request {
	copied := *r
	copied.Payload = maps.Clone(r.Payload)
	return &copied
}

func cloneDecision(d *Decision) *Decision {
	copied := *d
	return &copied
}
