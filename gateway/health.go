// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatehouse-dev/gatehouse/sandbox"
)

// healthMonitor polls one sandbox's container on a fixed interval and
// flags it stopped when the container dies or the sandbox goes idle.
type healthMonitor struct {
	sandboxID   string
	containerID string

	cancel chan struct{} // closed by StopMonitor
	done   chan struct{} // closed when run returns

	mu           sync.Mutex
	lastActivity time.Time
}

// StartMonitor begins health polling for a sandbox. A monitor already
// registered for the same sandbox is stopped first, so re-provisioning
// never leaves two pollers racing on one record.
func (g *Gateway) StartMonitor(ctx context.Context, sandboxID, containerID string) {
	monitor := &healthMonitor{
		sandboxID:    sandboxID,
		containerID:  containerID,
		cancel:       make(chan struct{}),
		done:         make(chan struct{}),
		lastActivity: g.clock.Now(),
	}

	g.monitorsMu.Lock()
	previous := g.monitors[sandboxID]
	g.monitors[sandboxID] = monitor
	g.monitorsMu.Unlock()

	if previous != nil {
		previous.stop()
	}

	go g.runMonitor(ctx, monitor)
}

// StopMonitor stops the monitor for a sandbox, if one is running, and
// waits for its goroutine to exit.
func (g *Gateway) StopMonitor(sandboxID string) {
	g.monitorsMu.Lock()
	monitor := g.monitors[sandboxID]
	delete(g.monitors, sandboxID)
	g.monitorsMu.Unlock()

	if monitor != nil {
		monitor.stop()
	}
}

// StopAllMonitors stops every registered monitor. Used at shutdown.
func (g *Gateway) StopAllMonitors() {
	g.monitorsMu.Lock()
	monitors := make([]*healthMonitor, 0, len(g.monitors))
	for _, monitor := range g.monitors {
		monitors = append(monitors, monitor)
	}
	g.monitors = make(map[string]*healthMonitor)
	g.monitorsMu.Unlock()

	for _, monitor := range monitors {
		monitor.stop()
	}
}

// ReportActivity resets the idle clock for a sandbox. Called on every
// control-plane interaction attributed to it.
func (g *Gateway) ReportActivity(sandboxID string) {
	g.monitorsMu.Lock()
	monitor := g.monitors[sandboxID]
	g.monitorsMu.Unlock()

	if monitor == nil {
		return
	}
	monitor.mu.Lock()
	monitor.lastActivity = g.clock.Now()
	monitor.mu.Unlock()
}

// MonitorCount reports how many monitors are currently registered.
func (g *Gateway) MonitorCount() int {
	g.monitorsMu.Lock()
	defer g.monitorsMu.Unlock()
	return len(g.monitors)
}

func (monitor *healthMonitor) stop() {
	select {
	case <-monitor.cancel:
	default:
		close(monitor.cancel)
	}
	<-monitor.done
}

func (monitor *healthMonitor) idleFor(now time.Time) time.Duration {
	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	return now.Sub(monitor.lastActivity)
}

// runMonitor is the monitor goroutine. It exits when stopped, or
// after flagging the sandbox stopped on a terminal condition. In the
// terminal case it removes itself from the registry before returning,
// but only if it is still the registered monitor: a replacement may
// already have taken the slot.
func (g *Gateway) runMonitor(ctx context.Context, monitor *healthMonitor) {
	defer close(monitor.done)

	logger := g.logger.With("sandbox_id", monitor.sandboxID, "container_id", monitor.containerID)
	ticker := g.clock.NewTicker(g.options.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-monitor.cancel:
			return
		case <-ticker.C:
		}

		reason, terminal := g.checkHealth(ctx, monitor, logger)
		if !terminal {
			continue
		}

		g.monitorsMu.Lock()
		if g.monitors[monitor.sandboxID] == monitor {
			delete(g.monitors, monitor.sandboxID)
		}
		g.monitorsMu.Unlock()

		g.flagStopped(monitor.sandboxID, reason, logger)
		return
	}
}

// checkHealth performs one poll. It returns the stop reason and
// whether the condition is terminal. Inspect errors are treated as
// transient: the container runtime may be briefly unresponsive, and
// killing a healthy sandbox over a hiccup is worse than polling again.
func (g *Gateway) checkHealth(ctx context.Context, monitor *healthMonitor, logger *slog.Logger) (string, bool) {
	status, err := g.runtime.InspectContainer(ctx, monitor.containerID)
	if err != nil {
		logger.Warn("health check failed", "error", err)
		return "", false
	}

	if status.OOMKilled {
		return "unhealthy: OOM killed", true
	}
	if !status.Running {
		logger.Info("container no longer running", "status", status.Status)
		return "unhealthy: container status = " + status.Status, true
	}
	if idle := monitor.idleFor(g.clock.Now()); idle >= g.options.IdleTimeout {
		logger.Info("sandbox idle past timeout", "idle", idle)
		return "idle", true
	}
	return "", false
}

// flagStopped records the terminal state and notifies the event hook.
func (g *Gateway) flagStopped(sandboxID, reason string, logger *slog.Logger) {
	state := sandbox.StateStopped
	if _, err := g.store.Update(sandboxID, sandbox.Update{State: &state}); err != nil {
		logger.Error("marking sandbox stopped", "reason", reason, "error", err)
	} else {
		logger.Info("sandbox stopped", "reason", reason)
	}
	g.audit("sandbox.stopped", sandboxID, map[string]any{"reason": reason})
	if g.OnHealthEvent != nil {
		g.OnHealthEvent(sandboxID, reason)
	}
}
