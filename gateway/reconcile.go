// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"

	"github.com/gatehouse-dev/gatehouse/sandbox"
)

// ReconcileStartup resolves drift between the persisted records and
// the container runtime after a restart. Records whose container is
// gone are removed; records whose container survives get their state
// synced and, when running, a fresh health monitor. Monitors never
// survive a restart, so they are rebuilt here.
func (g *Gateway) ReconcileStartup(ctx context.Context) {
	records := g.store.List()
	g.logger.Info("reconciling persisted sandboxes", "count", len(records))

	for _, record := range records {
		g.reconcileRecord(ctx, record)
	}
}

func (g *Gateway) reconcileRecord(ctx context.Context, record *sandbox.Record) {
	logger := g.logger.With("sandbox_id", record.ID)

	if record.ContainerID == "" || record.ContainerID == sandbox.ContainerIDUnknown {
		if record.State == sandbox.StateCreating {
			// Provisioning died before the container started. Nothing
			// to reclaim beyond the record itself.
			logger.Info("removing sandbox orphaned mid-provisioning")
			if _, err := g.store.Remove(record.ID); err != nil {
				logger.Error("removing orphaned record", "error", err)
			}
		}
		return
	}

	status, err := g.runtime.InspectContainer(ctx, record.ContainerID)
	switch {
	case errors.Is(err, ErrContainerNotFound):
		logger.Info("container gone, removing stale record", "container_id", record.ContainerID)
		if _, err := g.store.Remove(record.ID); err != nil {
			logger.Error("removing stale record", "error", err)
		}
		return
	case err != nil:
		// Transient runtime trouble. Keep the record; the next
		// startup or an operator can sort it out.
		logger.Warn("inspecting container", "container_id", record.ContainerID, "error", err)
		return
	}

	state := sandbox.StateStopped
	if status.Running {
		state = sandbox.StateRunning
	}
	if state != record.State {
		logger.Info("syncing sandbox state", "from", record.State, "to", state)
		if _, err := g.store.Update(record.ID, sandbox.Update{State: &state}); err != nil {
			logger.Error("syncing sandbox state", "error", err)
			return
		}
	}
	if state == sandbox.StateRunning {
		g.StartMonitor(ctx, record.ID, record.ContainerID)
	}
}

// RunOrphanScan periodically force-removes containers tagged as ours
// that no record references. It blocks until the context is done, so
// callers run it on its own goroutine.
func (g *Gateway) RunOrphanScan(ctx context.Context) {
	ticker := g.clock.NewTicker(g.options.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.scanOrphans(ctx)
		}
	}
}

// scanOrphans performs one pass. A container is an orphan when it
// carries our ownership labels but no record claims its id: nothing
// this process manages can ever reach it again, so it is removed.
func (g *Gateway) scanOrphans(ctx context.Context) {
	owned, err := g.runtime.ListOwnedContainers(ctx)
	if err != nil {
		g.logger.Warn("listing owned containers", "error", err)
		return
	}

	knownContainers := make(map[string]bool)
	knownSandboxes := make(map[string]bool)
	for _, record := range g.store.List() {
		knownContainers[record.ContainerID] = true
		knownSandboxes[record.ID] = true
	}

	for _, container := range owned {
		if knownContainers[container.ContainerID] {
			continue
		}
		// A record may hold the unknown-container sentinel while its
		// container runs under a real id. The ownership label still
		// names the sandbox, so a matching record means not orphaned.
		if knownSandboxes[container.SandboxID] {
			continue
		}
		g.logger.Info("removing orphaned container",
			"container_id", container.ContainerID,
			"sandbox_id", container.SandboxID,
		)
		if err := g.runtime.ForceRemoveContainer(ctx, container.ContainerID); err != nil {
			g.logger.Warn("removing orphaned container", "container_id", container.ContainerID, "error", err)
			continue
		}
		g.audit("container.orphan_removed", container.SandboxID, map[string]any{
			"container_id": container.ContainerID,
		})
	}
}
