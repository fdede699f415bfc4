// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the sandbox control plane: it owns the
// provisioning and teardown sequences, the per-sandbox health
// monitors, and the reconciler that resolves drift between the record
// store and the real container runtime.
//
// The gateway never talks to docker, squid, or the filesystem
// directly — all side effects go through the collaborator interfaces
// in collaborators.go so the orchestration logic is testable against
// fakes.
package gateway

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gatehouse-dev/gatehouse/approval"
	"github.com/gatehouse-dev/gatehouse/lib/clock"
	"github.com/gatehouse-dev/gatehouse/sandbox"
)

// Auditor records control-plane events to the audit trail. Satisfied
// by audit.Log; nil disables auditing.
type Auditor interface {
	Record(kind, sandboxID string, fields map[string]any)
}

// Options configures gateway behavior. Zero-value intervals get the
// documented defaults.
type Options struct {
	// EgressEnabled gates the isolated-network and proxy-sidecar
	// steps. When false, containers run on the runtime's default
	// network with no proxy.
	EgressEnabled bool

	// GlobalAllowlist is unioned into every sandbox's computed
	// allowlist regardless of policy preset.
	GlobalAllowlist []string

	// DefaultNetworkPolicy applies when a create request names no
	// policy. Empty falls through to "none".
	DefaultNetworkPolicy string

	// ControlSocketPath, when set, is bind-mounted into every
	// container so in-sandbox tooling can reach the approval socket.
	ControlSocketPath string

	// WorkspaceRoot is the directory under which per-sandbox
	// workspaces live, one subdirectory per sandbox id.
	WorkspaceRoot string

	// HealthInterval is the health monitor poll interval.
	// Default 10s.
	HealthInterval time.Duration

	// IdleTimeout is how long a sandbox may go without reported
	// activity before its monitor flags it idle. Default 30m.
	IdleTimeout time.Duration

	// OrphanScanInterval is the period of the orphan-container scan.
	// Default 60s.
	OrphanScanInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.OrphanScanInterval <= 0 {
		o.OrphanScanInterval = 60 * time.Second
	}
}

// Gateway orchestrates sandbox lifecycles. All state lives in the
// record store; the gateway itself holds only the in-memory health
// monitor registry, which the reconciler rebuilds after a restart.
type Gateway struct {
	store     *sandbox.Store
	approvals *approval.Store
	runtime   Runtime
	egress    Egress
	resolver  ConfigResolver
	agents    AgentLauncher
	features  SecurityFeatures
	auditor   Auditor
	clock     clock.Clock
	logger    *slog.Logger
	options   Options

	// OnHealthEvent, when set before any monitor starts, receives
	// health reports (unhealthy container, idle timeout) in addition
	// to the log and audit trail.
	OnHealthEvent func(sandboxID, reason string)

	monitorsMu sync.Mutex
	monitors   map[string]*healthMonitor

	// provisioning tracks in-flight background provisioning
	// goroutines so Shutdown can wait for them.
	provisioning sync.WaitGroup
}

// New creates a Gateway. auditor may be nil.
func New(store *sandbox.Store, approvals *approval.Store, runtime Runtime, egress Egress,
	resolver ConfigResolver, agents AgentLauncher, features SecurityFeatures,
	auditor Auditor, clk clock.Clock, logger *slog.Logger, options Options) *Gateway {
	options.applyDefaults()
	return &Gateway{
		store:     store,
		approvals: approvals,
		runtime:   runtime,
		egress:    egress,
		resolver:  resolver,
		agents:    agents,
		features:  features,
		auditor:   auditor,
		clock:     clk,
		logger:    logger,
		options:   options,
		monitors:  make(map[string]*healthMonitor),
	}
}

// Store exposes the record store to the API layer.
func (g *Gateway) Store() *sandbox.Store { return g.store }

// Approvals exposes the approval store to the API layer.
func (g *Gateway) Approvals() *approval.Store { return g.approvals }

// Shutdown waits for in-flight provisioning goroutines and stops all
// health monitors. Called once at process shutdown.
func (g *Gateway) Shutdown() {
	g.provisioning.Wait()
	g.StopAllMonitors()
}

// workspacePath is the per-sandbox workspace directory.
func (g *Gateway) workspacePath(id string) string {
	return filepath.Join(g.options.WorkspaceRoot, id)
}

// audit records an event when an auditor is configured.
func (g *Gateway) audit(kind, sandboxID string, fields map[string]any) {
	if g.auditor != nil {
		g.auditor.Record(kind, sandboxID, fields)
	}
}
