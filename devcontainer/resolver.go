// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package devcontainer resolves the container configuration for a
// workspace. A workspace that ships its own devcontainer.json is used
// as-is; otherwise a minimal configuration is generated under a
// per-sandbox directory. Devcontainer files are JSON with comments,
// so parsing goes through jsonc first.
package devcontainer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/gatehouse-dev/gatehouse/gateway"
)

// DefaultImage is used for generated configurations.
const DefaultImage = "mcr.microsoft.com/devcontainers/base:ubuntu-24.04"

// candidate config locations inside a workspace, in lookup order.
var configLocations = []string{
	filepath.Join(".devcontainer", "devcontainer.json"),
	".devcontainer.json",
}

// file mirrors the devcontainer.json fields the gateway cares about.
// Everything else in the file is ignored, not rejected: workspaces
// bring all sorts of editor-oriented settings.
type file struct {
	Image string `json:"image"`
	Build struct {
		Dockerfile string `json:"dockerfile"`
	} `json:"build"`
	RemoteUser   string            `json:"remoteUser"`
	ContainerEnv map[string]string `json:"containerEnv"`
}

// Resolver finds or generates devcontainer configurations. It
// satisfies the gateway's ConfigResolver interface.
type Resolver struct {
	generatedRoot string
	defaultImage  string
	logger        *slog.Logger
}

// NewResolver returns a Resolver writing generated configurations
// under generatedRoot, one subdirectory per sandbox. defaultImage
// overrides DefaultImage when non-empty.
func NewResolver(generatedRoot, defaultImage string, logger *slog.Logger) *Resolver {
	if defaultImage == "" {
		defaultImage = DefaultImage
	}
	return &Resolver{generatedRoot: generatedRoot, defaultImage: defaultImage, logger: logger}
}

// Resolve returns the effective configuration for a workspace.
func (r *Resolver) Resolve(ctx context.Context, workspacePath, sandboxID, agent string, limits *gateway.ResourceLimits) (*gateway.ResolvedConfig, error) {
	for _, location := range configLocations {
		path := filepath.Join(workspacePath, location)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		config, err := parse(path, data)
		if err != nil {
			return nil, err
		}
		r.logger.Info("using workspace devcontainer config", "sandbox_id", sandboxID, "path", path)
		config.Existing = true
		return config, nil
	}
	return r.generate(sandboxID)
}

// parse decodes one devcontainer.json. A build.dockerfile reference
// is resolved relative to the config file's directory, matching the
// devcontainer spec.
func parse(path string, data []byte) (*gateway.ResolvedConfig, error) {
	var parsed file
	if err := json.Unmarshal(jsonc.ToJSON(data), &parsed); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if parsed.Image == "" && parsed.Build.Dockerfile == "" {
		return nil, fmt.Errorf("parsing %s: neither image nor build.dockerfile set", path)
	}

	config := &gateway.ResolvedConfig{
		Path:       path,
		Image:      parsed.Image,
		RemoteUser: parsed.RemoteUser,
		Env:        parsed.ContainerEnv,
	}
	if parsed.Build.Dockerfile != "" {
		config.Dockerfile = filepath.Join(filepath.Dir(path), parsed.Build.Dockerfile)
	}
	return config, nil
}

// generate writes a minimal configuration for a workspace that has
// none of its own.
func (r *Resolver) generate(sandboxID string) (*gateway.ResolvedConfig, error) {
	dir := filepath.Join(r.generatedRoot, sandboxID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating generated config dir: %w", err)
	}

	path := filepath.Join(dir, "devcontainer.json")
	generated := file{Image: r.defaultImage, RemoteUser: "vscode"}
	data, err := json.MarshalIndent(generated, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding generated config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing generated config: %w", err)
	}

	r.logger.Info("generated devcontainer config", "sandbox_id", sandboxID, "path", path)
	return &gateway.ResolvedConfig{
		Path:       path,
		Existing:   false,
		Image:      r.defaultImage,
		RemoteUser: "vscode",
	}, nil
}

var _ gateway.ConfigResolver = (*Resolver)(nil)
