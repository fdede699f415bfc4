// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/gatehouse-dev/gatehouse/sandbox"
)

// CreateRequest is the input to sandbox creation.
type CreateRequest struct {
	Repo          string
	Agent         string
	Branch        string
	NetworkPolicy string
	Prompt        string
	Limits        *ResourceLimits
}

// CreateSandbox creates the record and kicks off provisioning in the
// background. It returns as soon as the record exists, in state
// creating; callers observe the outcome through the record's state.
//
// The provisioning goroutine is detached from the caller's context:
// an API request that times out must not abort a half-provisioned
// sandbox.
func (g *Gateway) CreateSandbox(ctx context.Context, request CreateRequest) (*sandbox.Record, error) {
	record, err := g.store.Create(request.Repo, request.Agent, request.Branch, request.NetworkPolicy)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox record: %w", err)
	}

	g.audit("sandbox.create", record.ID, map[string]any{"repo": request.Repo, "agent": request.Agent})

	provisionContext := context.WithoutCancel(ctx)
	g.provisioning.Add(1)
	go func() {
		defer g.provisioning.Done()
		g.provision(provisionContext, record.ID, request)
	}()

	return record, nil
}

// provision runs the ordered provisioning sequence for one sandbox.
// Egress failures abort before the container ever starts; any later
// failure lands the record in stopped with whatever partial fields
// were persisted. Partial artifacts (a created network or sidecar)
// are not rolled back here — teardown or the orphan scan reclaims
// them.
//
// A panic anywhere in the sequence must still reach the stopped
// fallback: this goroutine has no caller to report to.
func (g *Gateway) provision(ctx context.Context, id string, request CreateRequest) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic during provisioning", "sandbox_id", id, "panic", r)
			g.markStopped(id)
		}
	}()

	logger := g.logger.With("sandbox_id", id)

	// Step 1: effective network policy. Explicit request value, else
	// the deployment default, else "none".
	policy := request.NetworkPolicy
	if policy == "" {
		policy = g.options.DefaultNetworkPolicy
	}
	if policy == "" {
		policy = "none"
	}

	// Step 2: computed allowlist, persisted before any network
	// resource exists so a crash here leaves an accurate record.
	var allowlist []string
	if g.egress != nil {
		allowlist = g.egress.PresetAllowlist(policy)
	}
	allowlist = unionDomains(allowlist, g.options.GlobalAllowlist)

	if _, err := g.store.Update(id, sandbox.Update{
		NetworkPolicy: &policy,
		Allowlist:     allowlist,
	}); err != nil {
		logger.Error("persisting network policy", "error", err)
		g.markStopped(id)
		return
	}

	// Step 3: isolated network and proxy sidecar. The container must
	// never start without its egress enforcement in place, so either
	// failure aborts provisioning outright.
	var networkName, sidecarHost string
	if g.options.EgressEnabled {
		var err error
		networkName, err = g.egress.CreateNetwork(ctx, id)
		if err != nil {
			logger.Error("creating isolated network", "error", err)
			g.markStopped(id)
			return
		}
		sidecarHost, err = g.egress.CreateSidecar(ctx, id, networkName, allowlist)
		if err != nil {
			logger.Error("creating proxy sidecar", "error", err)
			g.markStopped(id)
			return
		}
		logger.Info("egress enforcement ready",
			"network", networkName,
			"sidecar", sidecarHost,
			"allowlist_size", len(allowlist),
		)
	}

	if err := g.provisionContainer(ctx, id, request, networkName, sidecarHost); err != nil {
		logger.Error("provisioning failed", "error", err)
		g.markStopped(id)
		return
	}

	logger.Info("sandbox running")
	g.audit("sandbox.running", id, nil)
}

// provisionContainer executes steps 4–10: resolve the container
// configuration, wire in egress and the control socket, start the
// container, launch the agent, start the health monitor.
func (g *Gateway) provisionContainer(ctx context.Context, id string, request CreateRequest, networkName, sidecarHost string) error {
	workspace := g.workspacePath(id)

	// Step 4: effective container configuration.
	resolved, err := g.resolver.Resolve(ctx, workspace, id, request.Agent, request.Limits)
	if err != nil {
		return fmt.Errorf("resolving container config: %w", err)
	}
	update := sandbox.Update{}
	if resolved.RemoteUser != "" {
		update.RemoteUser = &resolved.RemoteUser
	}
	if !resolved.Existing {
		// Generated on the sandbox's behalf: record where, and copy
		// in the security feature files alongside it.
		update.ConfigPath = &resolved.Path
		if g.features != nil {
			if _, err := g.features.CopyInto(configDir(resolved.Path)); err != nil {
				return fmt.Errorf("copying security features: %w", err)
			}
		}
	}
	if _, err := g.store.Update(id, update); err != nil {
		return fmt.Errorf("persisting resolved config: %w", err)
	}

	// Step 5: attach to the isolated network and point HTTP clients
	// at the sidecar. This deliberately overrides any "no network"
	// setting in the resolved configuration.
	if g.options.EgressEnabled {
		resolved.Network = networkName
		if resolved.Env == nil {
			resolved.Env = make(map[string]string)
		}
		for key, value := range g.egress.ProxyEnvironment(sidecarHost) {
			resolved.Env[key] = value
		}
	}

	// Step 6: expose the control socket inside the container.
	if g.options.ControlSocketPath != "" {
		resolved.Mounts = append(resolved.Mounts, Mount{
			Source: g.options.ControlSocketPath,
			Target: "/run/gatehouse/control.sock",
		})
	}

	// Step 7: start the container.
	start, err := g.runtime.CreateSandbox(ctx, id, workspace, resolved, request.Limits)
	if err != nil {
		return fmt.Errorf("starting container: %w", err)
	}

	// Step 8: persist the container id and the running state.
	containerID := start.ContainerID
	if containerID == "" {
		containerID = sandbox.ContainerIDUnknown
	}
	state := sandbox.StateRunning
	if _, err := g.store.Update(id, sandbox.Update{
		State:       &state,
		ContainerID: &containerID,
	}); err != nil {
		return fmt.Errorf("persisting container id: %w", err)
	}

	// Step 9: launch the agent, when one was requested.
	if request.Agent != "" {
		if err := g.agents.Launch(ctx, id, workspace, request.Agent, request.Prompt, resolved.Path); err != nil {
			return fmt.Errorf("launching agent %q: %w", request.Agent, err)
		}
	}

	// Step 10: begin health monitoring.
	g.StartMonitor(ctx, id, containerID)
	return nil
}

// markStopped is the terminal fallback for failed provisioning. The
// record keeps its partial fields so operators can see how far the
// sequence got.
func (g *Gateway) markStopped(id string) {
	state := sandbox.StateStopped
	if _, err := g.store.Update(id, sandbox.Update{State: &state}); err != nil {
		g.logger.Error("marking sandbox stopped", "sandbox_id", id, "error", err)
	}
	g.audit("sandbox.stopped", id, map[string]any{"reason": "provisioning failed"})
}

// UpdateAllowlist replaces a sandbox's egress allowlist: the sidecar
// is reconfigured first, then the record is updated to match.
func (g *Gateway) UpdateAllowlist(ctx context.Context, id string, allowlist []string) error {
	if _, ok := g.store.Get(id); !ok {
		return fmt.Errorf("updating allowlist for %s: %w", id, sandbox.ErrNotFound)
	}
	if g.options.EgressEnabled {
		if err := g.egress.UpdateAllowlist(ctx, id, allowlist); err != nil {
			return fmt.Errorf("reconfiguring sidecar: %w", err)
		}
	}
	if _, err := g.store.Update(id, sandbox.Update{Allowlist: allowlist}); err != nil {
		return err
	}
	g.audit("egress.update", id, map[string]any{"allowlist": allowlist})
	return nil
}

// configDir is the directory containing a generated devcontainer
// configuration, where feature files are staged.
func configDir(configPath string) string {
	return filepath.Dir(configPath)
}

// unionDomains appends the extras that are not already present,
// preserving order of first appearance.
func unionDomains(base, extras []string) []string {
	result := slices.Clone(base)
	for _, domain := range extras {
		if !slices.Contains(result, domain) {
			result = append(result, domain)
		}
	}
	return result
}
