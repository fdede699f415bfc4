// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"os"

	"github.com/gatehouse-dev/gatehouse/sandbox"
)

// DestroySandbox tears a sandbox down and removes its record. Each
// cleanup step is best effort: a failed step is logged and the rest
// of the sequence still runs, so a wedged container cannot strand a
// network or keep the record alive. The record is removed even when
// cleanup was only partial; the orphan scan reclaims leftovers.
func (g *Gateway) DestroySandbox(ctx context.Context, id string) error {
	record, ok := g.store.Get(id)
	if !ok {
		return fmt.Errorf("destroying sandbox %s: %w", id, sandbox.ErrNotFound)
	}

	logger := g.logger.With("sandbox_id", id)
	logger.Info("tearing down sandbox", "state", record.State)

	state := sandbox.StateStopping
	if _, err := g.store.Update(id, sandbox.Update{State: &state}); err != nil {
		logger.Warn("marking sandbox stopping", "error", err)
	}

	if err := g.runtime.DestroySandbox(ctx, id, g.workspacePath(id)); err != nil {
		logger.Warn("destroying container", "error", err)
	}

	if g.options.EgressEnabled {
		// Sidecar before network: the network cannot be deleted
		// while the sidecar is still attached to it.
		if err := g.egress.DestroySidecar(ctx, id); err != nil {
			logger.Warn("destroying proxy sidecar", "error", err)
		}
		if err := g.egress.DestroyNetwork(ctx, id); err != nil {
			logger.Warn("destroying isolated network", "error", err)
		}
	}

	g.StopMonitor(id)

	if record.ConfigPath != "" {
		if err := os.RemoveAll(configDir(record.ConfigPath)); err != nil {
			logger.Warn("removing generated config", "error", err)
		}
	}

	removed, err := g.store.Remove(id)
	if err != nil {
		return fmt.Errorf("removing sandbox record: %w", err)
	}
	if !removed {
		logger.Warn("sandbox record already removed")
	}

	g.audit("sandbox.destroy", id, nil)
	logger.Info("sandbox destroyed")
	return nil
}
