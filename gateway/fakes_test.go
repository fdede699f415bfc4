// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"sync"
)

// fakeRuntime implements Runtime in memory, recording every call so
// tests can assert ordering and arguments.
type fakeRuntime struct {
	mu sync.Mutex

	calls []string

	createErr     error
	createResult  StartResult
	createConfigs map[string]*ResolvedConfig

	destroyErr error

	statuses    map[string]ContainerStatus
	inspectErr  map[string]error
	inspections int

	owned          []OwnedContainer
	listErr        error
	forceRemoved   []string
	forceRemoveErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		createResult:  StartResult{ContainerID: "container-1", State: "running"},
		createConfigs: make(map[string]*ResolvedConfig),
		statuses:      make(map[string]ContainerStatus),
		inspectErr:    make(map[string]error),
	}
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRuntime) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) CreateSandbox(ctx context.Context, id, workspacePath string, config *ResolvedConfig, limits *ResourceLimits) (StartResult, error) {
	f.record("create " + id)
	f.mu.Lock()
	f.createConfigs[id] = config
	f.mu.Unlock()
	if f.createErr != nil {
		return StartResult{}, f.createErr
	}
	return f.createResult, nil
}

func (f *fakeRuntime) DestroySandbox(ctx context.Context, id, workspacePath string) error {
	f.record("destroy " + id)
	return f.destroyErr
}

func (f *fakeRuntime) ExecInSandbox(ctx context.Context, id, workspacePath string, command []string) (ExecResult, error) {
	f.record("exec " + id)
	return ExecResult{}, nil
}

func (f *fakeRuntime) SandboxStatus(ctx context.Context, containerID string) (string, error) {
	status, err := f.InspectContainer(ctx, containerID)
	if err != nil {
		return "", err
	}
	return status.Status, nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, containerID string) (ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspections++
	if err := f.inspectErr[containerID]; err != nil {
		return ContainerStatus{}, err
	}
	status, ok := f.statuses[containerID]
	if !ok {
		return ContainerStatus{}, fmt.Errorf("inspecting %s: %w", containerID, ErrContainerNotFound)
	}
	return status, nil
}

func (f *fakeRuntime) inspectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspections
}

func (f *fakeRuntime) setStatus(containerID string, status ContainerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[containerID] = status
}

func (f *fakeRuntime) setInspectErr(containerID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectErr[containerID] = err
}

func (f *fakeRuntime) ListOwnedContainers(ctx context.Context) ([]OwnedContainer, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OwnedContainer(nil), f.owned...), nil
}

func (f *fakeRuntime) ForceRemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forceRemoveErr != nil {
		return f.forceRemoveErr
	}
	f.forceRemoved = append(f.forceRemoved, containerID)
	return nil
}

// fakeEgress implements Egress in memory.
type fakeEgress struct {
	mu sync.Mutex

	calls []string

	networkErr error
	sidecarErr error
	updateErr  error

	presets map[string][]string

	sidecarAllowlists map[string][]string
}

func newFakeEgress() *fakeEgress {
	return &fakeEgress{
		presets:           make(map[string][]string),
		sidecarAllowlists: make(map[string][]string),
	}
}

func (f *fakeEgress) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEgress) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEgress) CreateNetwork(ctx context.Context, sandboxID string) (string, error) {
	f.record("network " + sandboxID)
	if f.networkErr != nil {
		return "", f.networkErr
	}
	return "gatehouse-net-" + sandboxID, nil
}

func (f *fakeEgress) CreateSidecar(ctx context.Context, sandboxID, networkName string, allowlist []string) (string, error) {
	f.record("sidecar " + sandboxID)
	if f.sidecarErr != nil {
		return "", f.sidecarErr
	}
	f.mu.Lock()
	f.sidecarAllowlists[sandboxID] = append([]string(nil), allowlist...)
	f.mu.Unlock()
	return "gatehouse-proxy-" + sandboxID, nil
}

func (f *fakeEgress) DestroySidecar(ctx context.Context, sandboxID string) error {
	f.record("destroy-sidecar " + sandboxID)
	return nil
}

func (f *fakeEgress) DestroyNetwork(ctx context.Context, sandboxID string) error {
	f.record("destroy-network " + sandboxID)
	return nil
}

func (f *fakeEgress) PresetAllowlist(preset string) []string {
	return f.presets[preset]
}

func (f *fakeEgress) ProxyEnvironment(sidecarHost string) map[string]string {
	proxy := "http://" + sidecarHost + ":3128"
	return map[string]string{"HTTP_PROXY": proxy, "HTTPS_PROXY": proxy}
}

func (f *fakeEgress) UpdateAllowlist(ctx context.Context, sandboxID string, allowlist []string) error {
	f.record("update-allowlist " + sandboxID)
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	f.sidecarAllowlists[sandboxID] = append([]string(nil), allowlist...)
	f.mu.Unlock()
	return nil
}

// fakeResolver returns a canned configuration.
type fakeResolver struct {
	config *ResolvedConfig
	err    error
}

func (f *fakeResolver) Resolve(ctx context.Context, workspacePath, sandboxID, agent string, limits *ResourceLimits) (*ResolvedConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.config != nil {
		clone := *f.config
		return &clone, nil
	}
	return &ResolvedConfig{
		Path:       "/tmp/generated/" + sandboxID + "/devcontainer.json",
		Image:      "ubuntu:24.04",
		RemoteUser: "agent",
	}, nil
}

// fakeLauncher records agent launches.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (f *fakeLauncher) Launch(ctx context.Context, sandboxID, workspacePath, agentType, prompt, configPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.launched = append(f.launched, sandboxID+" "+agentType)
	return nil
}

// fakeFeatures records feature-file staging.
type fakeFeatures struct {
	mu      sync.Mutex
	targets []string
}

func (f *fakeFeatures) CopyInto(targetDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, targetDir)
	return targetDir, nil
}

// fakeAuditor collects audit events.
type fakeAuditor struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAuditor) Record(kind, sandboxID string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kind)
}

func (f *fakeAuditor) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}
