// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gatehouse-dev/gatehouse/approval"
	"github.com/gatehouse-dev/gatehouse/lib/clock"
	"github.com/gatehouse-dev/gatehouse/sandbox"
)

// testHarness bundles a gateway with its fake collaborators.
type testHarness struct {
	gateway  *Gateway
	store    *sandbox.Store
	runtime  *fakeRuntime
	egress   *fakeEgress
	resolver *fakeResolver
	launcher *fakeLauncher
	features *fakeFeatures
	auditor  *fakeAuditor
	clock    *clock.FakeClock
}

func newTestHarness(t *testing.T, options Options) *testHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	store, err := sandbox.NewStore(filepath.Join(t.TempDir(), "sandboxes.json"), fakeClock, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	runtime := newFakeRuntime()
	egress := newFakeEgress()
	resolver := &fakeResolver{}
	launcher := &fakeLauncher{}
	features := &fakeFeatures{}
	auditor := &fakeAuditor{}

	if options.WorkspaceRoot == "" {
		options.WorkspaceRoot = t.TempDir()
	}

	g := New(store, approval.NewStore(fakeClock), runtime, egress,
		resolver, launcher, features, auditor, fakeClock, logger, options)

	return &testHarness{
		gateway:  g,
		store:    store,
		runtime:  runtime,
		egress:   egress,
		resolver: resolver,
		launcher: launcher,
		features: features,
		auditor:  auditor,
		clock:    fakeClock,
	}
}

// create runs CreateSandbox and waits for the background provisioning
// goroutine to finish, returning the final record.
func (h *testHarness) create(t *testing.T, request CreateRequest) *sandbox.Record {
	t.Helper()
	record, err := h.gateway.CreateSandbox(context.Background(), request)
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if record.State != sandbox.StateCreating {
		t.Fatalf("state immediately after create = %q, want %q", record.State, sandbox.StateCreating)
	}
	h.gateway.provisioning.Wait()
	final, ok := h.store.Get(record.ID)
	if !ok {
		t.Fatalf("record %s vanished during provisioning", record.ID)
	}
	return final
}

func TestProvisionSuccess(t *testing.T) {
	h := newTestHarness(t, Options{
		EgressEnabled:     true,
		GlobalAllowlist:   []string{"proxy.internal"},
		ControlSocketPath: "/run/gatehoused/control.sock",
	})
	h.egress.presets["restricted"] = []string{"github.com", "proxy.internal"}

	record := h.create(t, CreateRequest{
		Repo:          "github.com/acme/widget",
		Agent:         "claude",
		Branch:        "main",
		NetworkPolicy: "restricted",
		Prompt:        "fix the build",
	})

	if record.State != sandbox.StateRunning {
		t.Fatalf("state = %q, want %q", record.State, sandbox.StateRunning)
	}
	if record.ContainerID != "container-1" {
		t.Errorf("containerID = %q, want container-1", record.ContainerID)
	}
	if record.NetworkPolicy != "restricted" {
		t.Errorf("networkPolicy = %q, want restricted", record.NetworkPolicy)
	}

	// Union keeps first-appearance order and drops the duplicate.
	want := []string{"github.com", "proxy.internal"}
	if !slices.Equal(record.Allowlist, want) {
		t.Errorf("allowlist = %v, want %v", record.Allowlist, want)
	}

	// The container must be attached to the isolated network with the
	// proxy environment and the control socket mount.
	config := h.runtime.createConfigs[record.ID]
	if config == nil {
		t.Fatal("runtime never received a config")
	}
	if want := "gatehouse-net-" + record.ID; config.Network != want {
		t.Errorf("network = %q, want %q", config.Network, want)
	}
	if config.Env["HTTPS_PROXY"] == "" {
		t.Error("proxy environment not injected")
	}
	foundSocket := false
	for _, mount := range config.Mounts {
		if mount.Target == "/run/gatehouse/control.sock" {
			foundSocket = true
		}
	}
	if !foundSocket {
		t.Error("control socket mount missing")
	}

	if got := h.launcher.launched; len(got) != 1 || got[0] != record.ID+" claude" {
		t.Errorf("launched = %v, want one claude launch", got)
	}
	if h.gateway.MonitorCount() != 1 {
		t.Errorf("monitor count = %d, want 1", h.gateway.MonitorCount())
	}
	h.gateway.StopAllMonitors()
}

func TestProvisionEgressOrdering(t *testing.T) {
	h := newTestHarness(t, Options{EgressEnabled: true})
	record := h.create(t, CreateRequest{Repo: "github.com/acme/widget"})

	wantEgress := []string{"network " + record.ID, "sidecar " + record.ID}
	if got := h.egress.callLog(); !slices.Equal(got, wantEgress) {
		t.Errorf("egress calls = %v, want %v", got, wantEgress)
	}
	h.gateway.StopAllMonitors()
}

func TestProvisionNetworkFailureAborts(t *testing.T) {
	h := newTestHarness(t, Options{EgressEnabled: true})
	h.egress.networkErr = errors.New("network namespace exhausted")

	record := h.create(t, CreateRequest{Repo: "github.com/acme/widget"})

	if record.State != sandbox.StateStopped {
		t.Fatalf("state = %q, want %q", record.State, sandbox.StateStopped)
	}
	for _, call := range h.runtime.callLog() {
		if strings.HasPrefix(call, "create") {
			t.Fatalf("container was started despite network failure: %v", h.runtime.callLog())
		}
	}
	// The sidecar depends on the network, so it must not be attempted.
	for _, call := range h.egress.callLog() {
		if strings.HasPrefix(call, "sidecar") {
			t.Fatalf("sidecar created despite network failure: %v", h.egress.callLog())
		}
	}
	if h.gateway.MonitorCount() != 0 {
		t.Errorf("monitor count = %d, want 0", h.gateway.MonitorCount())
	}
}

func TestProvisionSidecarFailureAborts(t *testing.T) {
	h := newTestHarness(t, Options{EgressEnabled: true})
	h.egress.sidecarErr = errors.New("squid image missing")

	record := h.create(t, CreateRequest{Repo: "github.com/acme/widget", NetworkPolicy: "restricted"})

	if record.State != sandbox.StateStopped {
		t.Fatalf("state = %q, want %q", record.State, sandbox.StateStopped)
	}
	// The container must never have started without its egress
	// enforcement, and the allowlist persisted before the failure
	// stays visible for operators.
	for _, call := range h.runtime.callLog() {
		if strings.HasPrefix(call, "create") {
			t.Fatalf("container was started despite sidecar failure: %v", h.runtime.callLog())
		}
	}
	if record.NetworkPolicy != "restricted" {
		t.Errorf("networkPolicy = %q, want restricted", record.NetworkPolicy)
	}
	if h.gateway.MonitorCount() != 0 {
		t.Errorf("monitor count = %d, want 0", h.gateway.MonitorCount())
	}
}

func TestProvisionContainerFailureStops(t *testing.T) {
	h := newTestHarness(t, Options{})
	h.runtime.createErr = errors.New("image pull failed")

	record := h.create(t, CreateRequest{Repo: "github.com/acme/widget"})

	if record.State != sandbox.StateStopped {
		t.Fatalf("state = %q, want %q", record.State, sandbox.StateStopped)
	}
	if record.ContainerID != "" {
		t.Errorf("containerID = %q, want empty", record.ContainerID)
	}
	if len(h.launcher.launched) != 0 {
		t.Errorf("agent launched despite container failure: %v", h.launcher.launched)
	}
}

func TestProvisionUnknownContainerID(t *testing.T) {
	h := newTestHarness(t, Options{})
	h.runtime.createResult = StartResult{ContainerID: "", State: "running"}

	record := h.create(t, CreateRequest{Repo: "github.com/acme/widget"})

	if record.State != sandbox.StateRunning {
		t.Fatalf("state = %q, want %q", record.State, sandbox.StateRunning)
	}
	if record.ContainerID != sandbox.ContainerIDUnknown {
		t.Errorf("containerID = %q, want %q", record.ContainerID, sandbox.ContainerIDUnknown)
	}
	h.gateway.StopAllMonitors()
}

func TestProvisionPolicyDefaults(t *testing.T) {
	h := newTestHarness(t, Options{DefaultNetworkPolicy: "restricted"})

	record := h.create(t, CreateRequest{Repo: "github.com/acme/widget"})
	if record.NetworkPolicy != "restricted" {
		t.Errorf("networkPolicy = %q, want deployment default restricted", record.NetworkPolicy)
	}
	h.gateway.StopAllMonitors()

	h2 := newTestHarness(t, Options{})
	record2 := h2.create(t, CreateRequest{Repo: "github.com/acme/widget"})
	if record2.NetworkPolicy != "none" {
		t.Errorf("networkPolicy = %q, want none", record2.NetworkPolicy)
	}
	h2.gateway.StopAllMonitors()
}

func TestProvisionGeneratedConfigRecorded(t *testing.T) {
	h := newTestHarness(t, Options{})
	h.resolver.config = &ResolvedConfig{
		Path:       "/tmp/gen/devcontainer.json",
		Existing:   false,
		Image:      "ubuntu:24.04",
		RemoteUser: "coder",
	}

	record := h.create(t, CreateRequest{Repo: "github.com/acme/widget"})

	if record.ConfigPath != "/tmp/gen/devcontainer.json" {
		t.Errorf("configPath = %q, want generated path", record.ConfigPath)
	}
	if record.RemoteUser != "coder" {
		t.Errorf("remoteUser = %q, want coder", record.RemoteUser)
	}
	if got := h.features.targets; len(got) != 1 || got[0] != "/tmp/gen" {
		t.Errorf("feature staging targets = %v, want [/tmp/gen]", got)
	}
	h.gateway.StopAllMonitors()
}

func TestProvisionExistingConfigNotRecorded(t *testing.T) {
	h := newTestHarness(t, Options{})
	h.resolver.config = &ResolvedConfig{
		Path:     "/workspace/.devcontainer/devcontainer.json",
		Existing: true,
		Image:    "ubuntu:24.04",
	}

	record := h.create(t, CreateRequest{Repo: "github.com/acme/widget"})

	if record.ConfigPath != "" {
		t.Errorf("configPath = %q, want empty for workspace-owned config", record.ConfigPath)
	}
	if len(h.features.targets) != 0 {
		t.Errorf("feature files staged into workspace config: %v", h.features.targets)
	}
	h.gateway.StopAllMonitors()
}

func TestUpdateAllowlist(t *testing.T) {
	h := newTestHarness(t, Options{EgressEnabled: true})
	record := h.create(t, CreateRequest{Repo: "github.com/acme/widget"})

	next := []string{"github.com", "pypi.org"}
	if err := h.gateway.UpdateAllowlist(context.Background(), record.ID, next); err != nil {
		t.Fatalf("UpdateAllowlist: %v", err)
	}

	updated, _ := h.store.Get(record.ID)
	if !slices.Equal(updated.Allowlist, next) {
		t.Errorf("allowlist = %v, want %v", updated.Allowlist, next)
	}
	if got := h.egress.sidecarAllowlists[record.ID]; !slices.Equal(got, next) {
		t.Errorf("sidecar allowlist = %v, want %v", got, next)
	}

	if err := h.gateway.UpdateAllowlist(context.Background(), "nope", next); !errors.Is(err, sandbox.ErrNotFound) {
		t.Errorf("UpdateAllowlist(unknown) = %v, want ErrNotFound", err)
	}

	// A sidecar that refuses the new list must leave the record
	// untouched.
	h.egress.updateErr = errors.New("sidecar unreachable")
	if err := h.gateway.UpdateAllowlist(context.Background(), record.ID, []string{"evil.example"}); err == nil {
		t.Fatal("UpdateAllowlist succeeded despite sidecar failure")
	}
	after, _ := h.store.Get(record.ID)
	if !slices.Equal(after.Allowlist, next) {
		t.Errorf("allowlist after failed update = %v, want %v", after.Allowlist, next)
	}
	h.gateway.StopAllMonitors()
}

func TestProvisionAudited(t *testing.T) {
	h := newTestHarness(t, Options{})
	h.create(t, CreateRequest{Repo: "github.com/acme/widget"})

	kinds := h.auditor.kinds()
	if !slices.Contains(kinds, "sandbox.create") || !slices.Contains(kinds, "sandbox.running") {
		t.Errorf("audit kinds = %v, want create and running events", kinds)
	}
	h.gateway.StopAllMonitors()
}
