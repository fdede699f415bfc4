// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package container drives sandbox containers through the docker CLI.
// Every container and image it creates carries dev.gatehouse.* labels
// so the orphan scan can find resources this process lost track of.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gatehouse-dev/gatehouse/gateway"
)

// dockerExec runs one docker CLI invocation. exitCode is meaningful
// only when the process ran; when it exited non-zero, err is nil and
// stderr holds docker's complaint.
func dockerExec(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error) {
	var outBuf, errBuf bytes.Buffer
	command := exec.CommandContext(ctx, "docker", args...)
	command.Stdout = &outBuf
	command.Stderr = &errBuf

	err = command.Run()
	stdout = strings.TrimSpace(outBuf.String())
	stderr = strings.TrimSpace(errBuf.String())

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout, stderr, exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout, stderr, 0, fmt.Errorf("docker %s: %w (stderr: %s)",
			strings.Join(args, " "), err, stderr)
	}
	return stdout, stderr, 0, nil
}

// Runtime starts, inspects, and removes sandbox containers. It
// satisfies the gateway's Runtime interface.
type Runtime struct {
	run    func(ctx context.Context, args ...string) (string, string, int, error)
	logger *slog.Logger
}

// NewRuntime returns a docker-backed Runtime.
func NewRuntime(logger *slog.Logger) *Runtime {
	return &Runtime{run: dockerExec, logger: logger}
}

func containerName(sandboxID string) string { return "gatehouse-sb-" + sandboxID }
func imageName(sandboxID string) string     { return "gatehouse-img-" + sandboxID }

// CreateSandbox builds the image if the configuration names a
// Dockerfile, then starts the container detached with the workspace
// mounted at /workspace.
func (r *Runtime) CreateSandbox(ctx context.Context, sandboxID, workspacePath string, config *gateway.ResolvedConfig, limits *gateway.ResourceLimits) (gateway.StartResult, error) {
	image := config.Image
	if config.Dockerfile != "" {
		image = imageName(sandboxID)
		_, stderr, code, err := r.run(ctx, "build",
			"--tag", image,
			"--file", config.Dockerfile,
			"--label", "dev.gatehouse.sandbox="+sandboxID,
			filepath.Dir(config.Dockerfile))
		if err != nil {
			return gateway.StartResult{}, fmt.Errorf("building image for %s: %w", sandboxID, err)
		}
		if code != 0 {
			return gateway.StartResult{}, fmt.Errorf("building image for %s: docker build exited %d (stderr: %s)", sandboxID, code, stderr)
		}
	}
	if image == "" {
		return gateway.StartResult{}, fmt.Errorf("config for %s names neither image nor dockerfile", sandboxID)
	}

	args := runArgs(sandboxID, workspacePath, image, config, limits)
	stdout, stderr, code, err := r.run(ctx, args...)
	if err != nil {
		return gateway.StartResult{}, fmt.Errorf("starting container for %s: %w", sandboxID, err)
	}
	if code != 0 {
		return gateway.StartResult{}, fmt.Errorf("starting container for %s: docker run exited %d (stderr: %s)", sandboxID, code, stderr)
	}

	// docker run --detach prints the full container id.
	containerID := strings.TrimSpace(stdout)
	r.logger.Info("container started", "sandbox_id", sandboxID, "container_id", containerID)
	return gateway.StartResult{ContainerID: containerID, State: "running"}, nil
}

// runArgs assembles the docker run invocation. Split out so the
// argument construction is testable without docker.
func runArgs(sandboxID, workspacePath, image string, config *gateway.ResolvedConfig, limits *gateway.ResourceLimits) []string {
	args := []string{"run", "--detach",
		"--name", containerName(sandboxID),
		"--label", "dev.gatehouse.sandbox=" + sandboxID,
		"--label", "dev.gatehouse.role=sandbox",
		"--volume", workspacePath + ":/workspace",
		"--workdir", "/workspace",
	}
	if config.Network != "" {
		args = append(args, "--network", config.Network)
	}
	if config.RemoteUser != "" {
		args = append(args, "--user", config.RemoteUser)
	}
	for _, mount := range config.Mounts {
		spec := mount.Source + ":" + mount.Target
		if mount.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "--volume", spec)
	}
	for _, pair := range envPairs(config.Env) {
		args = append(args, "--env", pair)
	}
	if limits != nil {
		if limits.CPUs > 0 {
			args = append(args, "--cpus", fmt.Sprintf("%g", limits.CPUs))
		}
		if limits.MemoryMB > 0 {
			args = append(args, "--memory", fmt.Sprintf("%dm", limits.MemoryMB))
		}
	}
	// Keep PID 1 alive; agents run via docker exec.
	args = append(args, image, "sleep", "infinity")
	return args
}

// DestroySandbox force-removes a sandbox's container and its built
// image, if one exists. Missing resources are not errors: teardown is
// best effort and may run against a half-provisioned sandbox.
func (r *Runtime) DestroySandbox(ctx context.Context, sandboxID, workspacePath string) error {
	_, stderr, code, err := r.run(ctx, "rm", "--force", containerName(sandboxID))
	if err != nil {
		return fmt.Errorf("removing container for %s: %w", sandboxID, err)
	}
	if code != 0 && !isNoSuchContainer(stderr) {
		return fmt.Errorf("removing container for %s: docker rm exited %d (stderr: %s)", sandboxID, code, stderr)
	}
	// Image removal failing (still in use, never built) is fine.
	r.run(ctx, "rmi", "--force", imageName(sandboxID))
	return nil
}

// ExecInSandbox runs a command inside a sandbox's container.
func (r *Runtime) ExecInSandbox(ctx context.Context, sandboxID, workspacePath string, command []string) (gateway.ExecResult, error) {
	args := append([]string{"exec", containerName(sandboxID)}, command...)
	stdout, stderr, code, err := r.run(ctx, args...)
	if err != nil {
		return gateway.ExecResult{}, err
	}
	return gateway.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

// SandboxStatus returns docker's state string for a container.
func (r *Runtime) SandboxStatus(ctx context.Context, containerID string) (string, error) {
	status, err := r.InspectContainer(ctx, containerID)
	if err != nil {
		return "", err
	}
	return status.Status, nil
}

// InspectContainer reports a container's health-relevant state.
func (r *Runtime) InspectContainer(ctx context.Context, containerID string) (gateway.ContainerStatus, error) {
	stdout, stderr, code, err := r.run(ctx, "inspect",
		"--format", "{{.State.Running}};{{.State.OOMKilled}};{{.State.Status}}",
		containerID)
	if err != nil {
		return gateway.ContainerStatus{}, err
	}
	if code != 0 {
		if isNoSuchContainer(stderr) {
			return gateway.ContainerStatus{}, fmt.Errorf("inspecting %s: %w", containerID, gateway.ErrContainerNotFound)
		}
		return gateway.ContainerStatus{}, fmt.Errorf("inspecting %s: docker inspect exited %d (stderr: %s)", containerID, code, stderr)
	}

	parts := strings.Split(stdout, ";")
	if len(parts) != 3 {
		return gateway.ContainerStatus{}, fmt.Errorf("inspecting %s: unexpected output %q", containerID, stdout)
	}
	return gateway.ContainerStatus{
		Running:   parts[0] == "true",
		OOMKilled: parts[1] == "true",
		Status:    parts[2],
	}, nil
}

// ListOwnedContainers returns every container, running or not, that
// carries the sandbox ownership label.
func (r *Runtime) ListOwnedContainers(ctx context.Context) ([]gateway.OwnedContainer, error) {
	stdout, stderr, code, err := r.run(ctx, "ps", "--all", "--no-trunc",
		"--filter", "label=dev.gatehouse.role=sandbox",
		"--format", `{{.ID}};{{.Label "dev.gatehouse.sandbox"}}`)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("listing owned containers: docker ps exited %d (stderr: %s)", code, stderr)
	}

	var owned []gateway.OwnedContainer
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, sandboxID, _ := strings.Cut(line, ";")
		owned = append(owned, gateway.OwnedContainer{ContainerID: id, SandboxID: sandboxID})
	}
	return owned, nil
}

// ForceRemoveContainer removes a container by raw id, regardless of
// labels or state. Used by the orphan scan.
func (r *Runtime) ForceRemoveContainer(ctx context.Context, containerID string) error {
	_, stderr, code, err := r.run(ctx, "rm", "--force", containerID)
	if err != nil {
		return err
	}
	if code != 0 && !isNoSuchContainer(stderr) {
		return fmt.Errorf("force removing %s: docker rm exited %d (stderr: %s)", containerID, code, stderr)
	}
	return nil
}

func isNoSuchContainer(stderr string) bool {
	return strings.Contains(stderr, "No such container") ||
		strings.Contains(stderr, "No such object")
}

// envPairs flattens an environment map into sorted KEY=value pairs so
// the generated docker invocation is deterministic.
func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for key, value := range env {
		pairs = append(pairs, key+"="+value)
	}
	slices.Sort(pairs)
	return pairs
}

var _ gateway.Runtime = (*Runtime)(nil)
