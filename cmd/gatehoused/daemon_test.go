// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/gatehouse-dev/gatehouse/approval"
	"github.com/gatehouse-dev/gatehouse/gateway"
	"github.com/gatehouse-dev/gatehouse/lib/clock"
	"github.com/gatehouse-dev/gatehouse/sandbox"
)

// The daemon layer is tested against stub collaborators that always
// succeed. Orchestration behavior (ordering, failure handling) is
// covered by the gateway package's own tests.

type stubRuntime struct{}

func (stubRuntime) CreateSandbox(ctx context.Context, id, workspacePath string, config *gateway.ResolvedConfig, limits *gateway.ResourceLimits) (gateway.StartResult, error) {
	return gateway.StartResult{ContainerID: "container-" + id, State: "running"}, nil
}
func (stubRuntime) DestroySandbox(ctx context.Context, id, workspacePath string) error { return nil }
func (stubRuntime) ExecInSandbox(ctx context.Context, id, workspacePath string, command []string) (gateway.ExecResult, error) {
	return gateway.ExecResult{}, nil
}
func (stubRuntime) SandboxStatus(ctx context.Context, containerID string) (string, error) {
	return "running", nil
}
func (stubRuntime) InspectContainer(ctx context.Context, containerID string) (gateway.ContainerStatus, error) {
	return gateway.ContainerStatus{Running: true, Status: "running"}, nil
}
func (stubRuntime) ListOwnedContainers(ctx context.Context) ([]gateway.OwnedContainer, error) {
	return nil, nil
}
func (stubRuntime) ForceRemoveContainer(ctx context.Context, containerID string) error { return nil }

type stubEgress struct{}

func (stubEgress) CreateNetwork(ctx context.Context, sandboxID string) (string, error) {
	return "gatehouse-net-" + sandboxID, nil
}
func (stubEgress) CreateSidecar(ctx context.Context, sandboxID, networkName string, allowlist []string) (string, error) {
	return "gatehouse-proxy-" + sandboxID, nil
}
func (stubEgress) DestroySidecar(ctx context.Context, sandboxID string) error  { return nil }
func (stubEgress) DestroyNetwork(ctx context.Context, sandboxID string) error  { return nil }
func (stubEgress) PresetAllowlist(preset string) []string                      { return nil }
func (stubEgress) ProxyEnvironment(sidecarHost string) map[string]string       { return nil }
func (stubEgress) UpdateAllowlist(ctx context.Context, sandboxID string, allowlist []string) error {
	return nil
}

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, workspacePath, sandboxID, agent string, limits *gateway.ResourceLimits) (*gateway.ResolvedConfig, error) {
	return &gateway.ResolvedConfig{
		Path:       filepath.Join("/tmp", "generated", sandboxID, "devcontainer.json"),
		Image:      "test-image",
		RemoteUser: "vscode",
	}, nil
}

type stubLauncher struct{}

func (stubLauncher) Launch(ctx context.Context, sandboxID, workspacePath, agentType, prompt, configPath string) error {
	return nil
}

type stubFeatures struct{}

func (stubFeatures) CopyInto(targetDir string) (string, error) {
	return filepath.Join(targetDir, "features"), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls a condition with a real-time deadline, for
// synchronizing on goroutines that expose no completion channel.
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// daemonHarness bundles the daemon-layer collaborators a test needs.
type daemonHarness struct {
	gateway   *gateway.Gateway
	approvals *approval.Store
	handler   *approval.Handler
	clock     *clock.FakeClock
}

func newDaemonHarness(t *testing.T) *daemonHarness {
	t.Helper()

	logger := discardLogger()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	store, err := sandbox.NewStore(filepath.Join(t.TempDir(), "sandboxes.json"), clk, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	approvals := approval.NewStore(clk)

	controlGateway := gateway.New(store, approvals, stubRuntime{}, stubEgress{},
		stubResolver{}, stubLauncher{}, stubFeatures{}, nil, clk, logger, gateway.Options{
			EgressEnabled: true,
			WorkspaceRoot: t.TempDir(),
		})
	t.Cleanup(controlGateway.Shutdown)

	return &daemonHarness{
		gateway:   controlGateway,
		approvals: approvals,
		handler:   approval.NewHandler(approvals, logger),
		clock:     clk,
	}
}
