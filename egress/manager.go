// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package egress enforces per-sandbox network isolation: each sandbox
// gets its own internal docker network and a squid proxy sidecar that
// admits only allowlisted domains. The sandbox container is attached
// to the internal network with proxy environment variables pointing
// at the sidecar, so the only route out is through the allowlist.
package egress

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultProxyImage is the squid image used for sidecars unless the
// configuration overrides it.
const DefaultProxyImage = "ubuntu/squid:latest"

// dockerRun executes one docker CLI invocation and returns trimmed
// stdout. Stderr is captured and folded into the error on failure.
func dockerRun(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "docker", args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Manager drives per-sandbox networks and proxy sidecars through the
// docker CLI. It satisfies the gateway's Egress interface.
type Manager struct {
	run        func(ctx context.Context, args ...string) (string, error)
	configRoot string
	image      string
	logger     *slog.Logger

	mu           sync.Mutex
	fingerprints map[string]string // sandbox id -> active config fingerprint
}

// NewManager returns a Manager writing squid configurations under
// configRoot, one subdirectory per sandbox. image overrides the squid
// sidecar image when non-empty.
func NewManager(configRoot, image string, logger *slog.Logger) *Manager {
	if image == "" {
		image = DefaultProxyImage
	}
	return &Manager{
		run:          dockerRun,
		configRoot:   configRoot,
		image:        image,
		logger:       logger,
		fingerprints: make(map[string]string),
	}
}

func networkName(sandboxID string) string { return "gatehouse-net-" + sandboxID }
func sidecarName(sandboxID string) string { return "gatehouse-proxy-" + sandboxID }

func (m *Manager) configPath(sandboxID string) string {
	return filepath.Join(m.configRoot, sandboxID, "squid.conf")
}

// CreateNetwork creates the sandbox's internal network. Internal
// means no gateway route to the outside: containers on it can reach
// each other (the sidecar) and nothing else.
func (m *Manager) CreateNetwork(ctx context.Context, sandboxID string) (string, error) {
	name := networkName(sandboxID)
	if _, err := m.run(ctx, "network", "create", "--internal",
		"--label", "dev.gatehouse.sandbox="+sandboxID, name); err != nil {
		return "", fmt.Errorf("creating network %s: %w", name, err)
	}
	m.logger.Info("created isolated network", "sandbox_id", sandboxID, "network", name)
	return name, nil
}

// CreateSidecar writes the squid configuration for the allowlist and
// starts the proxy container. The sidecar sits on the default bridge
// for outbound reach and is then connected to the internal network so
// the sandbox can reach it.
func (m *Manager) CreateSidecar(ctx context.Context, sandboxID, networkName string, allowlist []string) (string, error) {
	config := squidConfig(allowlist)
	path := m.configPath(sandboxID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating squid config dir: %w", err)
	}
	if err := os.WriteFile(path, config, 0o600); err != nil {
		return "", fmt.Errorf("writing squid config: %w", err)
	}

	name := sidecarName(sandboxID)
	if _, err := m.run(ctx, "run", "--detach", "--name", name,
		"--label", "dev.gatehouse.sandbox="+sandboxID,
		"--label", "dev.gatehouse.role=sidecar",
		"--volume", path+":/etc/squid/squid.conf:ro",
		m.image); err != nil {
		return "", fmt.Errorf("starting sidecar %s: %w", name, err)
	}
	if _, err := m.run(ctx, "network", "connect", networkName, name); err != nil {
		return "", fmt.Errorf("connecting sidecar to %s: %w", networkName, err)
	}

	m.mu.Lock()
	m.fingerprints[sandboxID] = configFingerprint(config)
	m.mu.Unlock()

	m.logger.Info("started proxy sidecar",
		"sandbox_id", sandboxID,
		"sidecar", name,
		"allowlist_size", len(allowlist),
	)
	return name, nil
}

// DestroySidecar force-removes the proxy container and its generated
// configuration.
func (m *Manager) DestroySidecar(ctx context.Context, sandboxID string) error {
	name := sidecarName(sandboxID)
	if _, err := m.run(ctx, "rm", "--force", name); err != nil {
		return fmt.Errorf("removing sidecar %s: %w", name, err)
	}
	if err := os.RemoveAll(filepath.Join(m.configRoot, sandboxID)); err != nil {
		m.logger.Warn("removing squid config", "sandbox_id", sandboxID, "error", err)
	}
	m.mu.Lock()
	delete(m.fingerprints, sandboxID)
	m.mu.Unlock()
	return nil
}

// DestroyNetwork removes the sandbox's internal network. The sidecar
// must already be gone or docker refuses the removal.
func (m *Manager) DestroyNetwork(ctx context.Context, sandboxID string) error {
	name := networkName(sandboxID)
	if _, err := m.run(ctx, "network", "rm", name); err != nil {
		return fmt.Errorf("removing network %s: %w", name, err)
	}
	return nil
}

// ProxyEnvironment returns the environment variables that route a
// container's HTTP traffic through the sidecar. Both case variants
// are set: tools disagree on which they read.
func (m *Manager) ProxyEnvironment(sidecarHost string) map[string]string {
	proxy := fmt.Sprintf("http://%s:%d", sidecarHost, ProxyPort)
	return map[string]string{
		"HTTP_PROXY":  proxy,
		"HTTPS_PROXY": proxy,
		"http_proxy":  proxy,
		"https_proxy": proxy,
		"NO_PROXY":    "localhost,127.0.0.1",
		"no_proxy":    "localhost,127.0.0.1",
	}
}

// UpdateAllowlist rewrites the sidecar's configuration and tells
// squid to reload it. A rewrite that produces the same fingerprint as
// the active configuration is skipped entirely.
func (m *Manager) UpdateAllowlist(ctx context.Context, sandboxID string, allowlist []string) error {
	config := squidConfig(allowlist)
	fingerprint := configFingerprint(config)

	m.mu.Lock()
	unchanged := m.fingerprints[sandboxID] == fingerprint
	m.mu.Unlock()
	if unchanged {
		m.logger.Debug("allowlist unchanged, skipping reconfigure", "sandbox_id", sandboxID)
		return nil
	}

	if err := os.WriteFile(m.configPath(sandboxID), config, 0o600); err != nil {
		return fmt.Errorf("rewriting squid config: %w", err)
	}
	if _, err := m.run(ctx, "exec", sidecarName(sandboxID), "squid", "-k", "reconfigure"); err != nil {
		return fmt.Errorf("reconfiguring sidecar: %w", err)
	}

	m.mu.Lock()
	m.fingerprints[sandboxID] = fingerprint
	m.mu.Unlock()

	m.logger.Info("sidecar allowlist updated", "sandbox_id", sandboxID, "allowlist_size", len(allowlist))
	return nil
}
