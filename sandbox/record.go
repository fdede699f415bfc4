// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox defines the sandbox record model and the durable
// record store. The store is the single source of truth for sandbox
// lifecycle state: orchestrators, the health monitor, and the
// reconciler all read and write through it rather than caching
// independently.
package sandbox

import "time"

// State is a sandbox lifecycle state.
//
// Transitions: creating → running (provisioning succeeded) or
// creating → stopped (any provisioning step failed); running → paused;
// running/paused → stopping → stopped (teardown). There is no
// transition out of stopped — a new sandbox must be created.
type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ContainerIDUnknown is the sentinel used when the container runtime
// started a container but could not report its identifier. Distinct
// from an empty ContainerID, which means the container-creation step
// was never reached.
const ContainerIDUnknown = "unknown"

// Record is the persisted metadata for one sandbox.
//
// ID, Repo, Agent, Branch, and CreatedAt are immutable after creation.
// A record with ContainerID set implies provisioning passed the
// container-creation step; a stopped record with no ContainerID
// implies provisioning aborted before that step.
type Record struct {
	// ID is the opaque unique identifier generated at creation.
	ID string `json:"id"`

	// Repo is the repository the sandbox works against.
	Repo string `json:"repo"`

	// Agent is the coding agent to run inside the sandbox, if any.
	Agent string `json:"agent,omitempty"`

	// Branch is the working branch, if one was requested.
	Branch string `json:"branch,omitempty"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// ContainerID is set once the backing container starts.
	ContainerID string `json:"container_id,omitempty"`

	// NetworkPolicy is the egress preset name resolved during
	// provisioning. Mutable afterward via egress management.
	NetworkPolicy string `json:"network_policy,omitempty"`

	// Allowlist is the ordered set of domains the sandbox's proxy
	// sidecar permits. Mutable afterward via egress management.
	Allowlist []string `json:"allowlist,omitempty"`

	// ConfigPath is set only when a devcontainer configuration was
	// generated on the sandbox's behalf. Empty when the workspace
	// supplied its own configuration.
	ConfigPath string `json:"config_path,omitempty"`

	// RemoteUser is the container's interactive user, known once the
	// effective configuration is resolved.
	RemoteUser string `json:"remote_user,omitempty"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// clone returns a deep copy. The store hands out and accepts copies
// only, so callers can never mutate stored state in place.
func (r *Record) clone() *Record {
	copied := *r
	if r.Allowlist != nil {
		copied.Allowlist = append([]string(nil), r.Allowlist...)
	}
	return &copied
}

// Update describes a partial mutation of a record. Nil fields are left
// unchanged; non-nil fields replace the stored value. Allowlist is
// replaced wholesale when non-nil.
type Update struct {
	State         *State
	ContainerID   *string
	NetworkPolicy *string
	Allowlist     []string
	ConfigPath    *string
	RemoteUser    *string
}

// apply merges the update into a copy of r and returns it.
func (u Update) apply(r *Record) *Record {
	merged := r.clone()
	if u.State != nil {
		merged.State = *u.State
	}
	if u.ContainerID != nil {
		merged.ContainerID = *u.ContainerID
	}
	if u.NetworkPolicy != nil {
		merged.NetworkPolicy = *u.NetworkPolicy
	}
	if u.Allowlist != nil {
		merged.Allowlist = append([]string(nil), u.Allowlist...)
	}
	if u.ConfigPath != nil {
		merged.ConfigPath = *u.ConfigPath
	}
	if u.RemoteUser != nil {
		merged.RemoteUser = *u.RemoteUser
	}
	return merged
}
