// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
)

// ErrContainerNotFound is returned by Runtime implementations when a
// container id no longer exists. The reconciler uses it to
// distinguish "container gone, remove the stale record" from
// transient runtime failures.
var ErrContainerNotFound = errors.New("container not found")

// ResourceLimits caps a sandbox's container resources.
type ResourceLimits struct {
	CPUs     float64
	MemoryMB int
}

// Mount is a bind mount added to the container configuration.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ResolvedConfig is the effective container configuration for a
// sandbox, either found in the workspace or generated on its behalf.
type ResolvedConfig struct {
	// Path is the devcontainer.json in effect.
	Path string

	// Existing is true when the workspace supplied its own
	// configuration. Generated configurations live under the
	// per-sandbox generated-config area, never in the workspace.
	Existing bool

	// Image is the container image, when the configuration names one
	// directly. Empty when Dockerfile is set.
	Image string

	// Dockerfile is the build file path, when the configuration builds
	// its own image.
	Dockerfile string

	// RemoteUser is the container's interactive user.
	RemoteUser string

	// Network is the container network to attach to. Provisioning
	// overwrites this with the sandbox's isolated network when egress
	// enforcement is enabled.
	Network string

	// Env is the container environment. Provisioning injects the
	// proxy variables here.
	Env map[string]string

	// Mounts are additional bind mounts (the control socket, security
	// feature files).
	Mounts []Mount
}

// StartResult reports a started container.
type StartResult struct {
	// ContainerID may be empty when the runtime could not report an
	// id; the orchestrator records the "unknown" sentinel in that
	// case.
	ContainerID string
	State       string
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ContainerStatus is a point-in-time inspection of a container.
type ContainerStatus struct {
	Running   bool
	OOMKilled bool
	Status    string
}

// OwnedContainer is a runtime container carrying this system's
// ownership label, as seen by the orphan scan.
type OwnedContainer struct {
	ContainerID string
	SandboxID   string
}

// Runtime is the container runtime collaborator.
type Runtime interface {
	// CreateSandbox starts the backing container for a sandbox with
	// the final resolved configuration.
	CreateSandbox(ctx context.Context, id, workspacePath string, config *ResolvedConfig, limits *ResourceLimits) (StartResult, error)

	// DestroySandbox stops and removes a sandbox's container.
	DestroySandbox(ctx context.Context, id, workspacePath string) error

	// ExecInSandbox runs a command inside the sandbox's container.
	ExecInSandbox(ctx context.Context, id, workspacePath string, command []string) (ExecResult, error)

	// SandboxStatus returns the runtime's state string for a
	// container, or ErrContainerNotFound.
	SandboxStatus(ctx context.Context, containerID string) (string, error)

	// InspectContainer reports a container's health-relevant state,
	// or ErrContainerNotFound.
	InspectContainer(ctx context.Context, containerID string) (ContainerStatus, error)

	// ListOwnedContainers returns every container tagged as belonging
	// to this system, running or not.
	ListOwnedContainers(ctx context.Context) ([]OwnedContainer, error)

	// ForceRemoveContainer removes a container unconditionally. Used
	// by the orphan scan.
	ForceRemoveContainer(ctx context.Context, containerID string) error
}

// Egress is the network-isolation collaborator: per-sandbox virtual
// networks and allowlist-enforcing proxy sidecars.
type Egress interface {
	// CreateNetwork creates the sandbox's isolated network and
	// returns its name.
	CreateNetwork(ctx context.Context, sandboxID string) (string, error)

	// CreateSidecar starts the proxy sidecar attached to the network,
	// enforcing the allowlist. Returns the sidecar's hostname.
	CreateSidecar(ctx context.Context, sandboxID, networkName string, allowlist []string) (string, error)

	// DestroySidecar removes the sandbox's sidecar, if any.
	DestroySidecar(ctx context.Context, sandboxID string) error

	// DestroyNetwork removes the sandbox's isolated network, if any.
	// Must be called after DestroySidecar — removing the network
	// first orphans the sidecar container.
	DestroyNetwork(ctx context.Context, sandboxID string) error

	// PresetAllowlist returns the domains for a named network policy
	// preset. Unknown presets return nil.
	PresetAllowlist(preset string) []string

	// ProxyEnvironment returns the environment variables that point a
	// container's HTTP clients at the sidecar.
	ProxyEnvironment(sidecarHost string) map[string]string

	// UpdateAllowlist replaces a running sidecar's allowlist.
	UpdateAllowlist(ctx context.Context, sandboxID string, allowlist []string) error
}

// ConfigResolver produces the effective container configuration for a
// workspace: the workspace's own devcontainer configuration when one
// exists, a generated one otherwise.
type ConfigResolver interface {
	Resolve(ctx context.Context, workspacePath, sandboxID, agent string, limits *ResourceLimits) (*ResolvedConfig, error)
}

// AgentLauncher starts a coding agent inside a running sandbox.
type AgentLauncher interface {
	Launch(ctx context.Context, sandboxID, workspacePath, agentType, prompt, configPath string) error
}

// SecurityFeatures copies the sandbox hardening feature files into a
// generated configuration directory and returns the path they were
// written to.
type SecurityFeatures interface {
	CopyInto(targetDir string) (string, error)
}
