// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package approval implements the human-approval gate for privileged
// sandbox actions. A sandbox asks for permission over a blocking
// transport (the approval socket); a human resolves the request over a
// non-blocking one (the HTTP API). The Store holds requests and
// decisions and answers policy checks; the Handler correlates each
// blocked asker with the decision that releases it.
package approval

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a request or decision id does not
// exist. Callers map this to 404-equivalent responses, distinct from
// validation failures.
var ErrNotFound = errors.New("approval: not found")

// ErrValidation is the class of synchronous rejections for malformed
// requests: bad JSON, missing required fields, unknown request types.
// Such requests never enter the store.
var ErrValidation = errors.New("approval: invalid request")

// RequestType enumerates the privileged actions a sandbox can ask for.
type RequestType string

const (
	// TypeEgressAllow asks to reach a domain outside the allowlist.
	TypeEgressAllow RequestType = "egress.allow"

	// TypeRepoAdd asks to clone an additional repository.
	TypeRepoAdd RequestType = "repo.add"

	// TypeSecretUse asks to decrypt and use a named secret.
	TypeSecretUse RequestType = "secret.use"

	// TypeGitPush asks to push to a protected branch.
	TypeGitPush RequestType = "git.push"

	// TypePRCreate asks to open a pull request.
	TypePRCreate RequestType = "pr.create"
)

// Valid reports whether t is one of the known request types.
func (t RequestType) Valid() bool {
	switch t {
	case TypeEgressAllow, TypeRepoAdd, TypeSecretUse, TypeGitPush, TypePRCreate:
		return true
	}
	return false
}

// Scope controls how long an approval remains valid for future checks.
type Scope string

const (
	// ScopeOnce grants exactly one matching check; the decision is
	// consumed by the check that matches it.
	ScopeOnce Scope = "once"

	// ScopeSession grants matching checks indefinitely, until revoked.
	ScopeSession Scope = "session"

	// ScopeTTL grants matching checks until the decision's TTL
	// elapses, measured from resolution time.
	ScopeTTL Scope = "ttl"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeOnce, ScopeSession, ScopeTTL:
		return true
	}
	return false
}

// Request is one privileged-action ask from a sandbox. Immutable once
// created.
type Request struct {
	ID        string            `json:"id"`
	SandboxID string            `json:"sandbox_id"`
	Type      RequestType       `json:"type"`
	Payload   map[string]string `json:"payload,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Decision is a human response to a request. A request transitions
// pending → resolved; the resolved request stays visible in the
// per-sandbox history for the lifetime of the process.
type Decision struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id"`
	SandboxID string        `json:"sandbox_id"`
	Approved  bool          `json:"approved"`
	Scope     Scope         `json:"scope"`
	TTL       time.Duration `json:"ttl,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Approver  string        `json:"approver,omitempty"`
	DecidedAt time.Time     `json:"decided_at"`

	// grantedAt is the store-clock timestamp captured at resolution,
	// used only for TTL expiry math. Never serialized.
	grantedAt time.Time
}
