// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package devcontainer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gatehouse-dev/gatehouse/gateway"
)

// defaultFeatureFiles are the hardening files staged alongside every
// generated configuration. Workspaces with their own devcontainer
// config are left alone: we do not modify files the user owns.
var defaultFeatureFiles = map[string]string{
	"harden.sh": `#!/bin/sh
# Gatehouse sandbox hardening. Runs as root during container setup.
set -eu

# Agents have no business escalating.
if command -v sudo >/dev/null 2>&1; then
    chmod 0000 "$(command -v sudo)" || true
fi

# Strip setuid/setgid bits outside the base system.
find /usr/local /opt /workspace -xdev -perm /6000 -type f \
    -exec chmod a-s {} + 2>/dev/null || true
`,
	"agent-profile.sh": `# Sourced by agent shells inside the sandbox.
umask 077
export GIT_TERMINAL_PROMPT=0
`,
}

// FeatureProvider stages hardening feature files into generated
// configuration directories. It satisfies the gateway's
// SecurityFeatures interface.
type FeatureProvider struct {
	// sourceDir, when non-empty, overrides the built-in files with
	// the contents of a directory on disk.
	sourceDir string
}

// NewFeatureProvider returns a FeatureProvider. sourceDir may be
// empty to use the built-in hardening files.
func NewFeatureProvider(sourceDir string) *FeatureProvider {
	return &FeatureProvider{sourceDir: sourceDir}
}

// CopyInto writes the feature files into targetDir/features and
// returns that path.
func (p *FeatureProvider) CopyInto(targetDir string) (string, error) {
	featureDir := filepath.Join(targetDir, "features")
	if err := os.MkdirAll(featureDir, 0o700); err != nil {
		return "", fmt.Errorf("creating feature dir: %w", err)
	}

	if p.sourceDir != "" {
		if err := copyDir(p.sourceDir, featureDir); err != nil {
			return "", err
		}
		return featureDir, nil
	}

	for name, content := range defaultFeatureFiles {
		path := filepath.Join(featureDir, name)
		if err := os.WriteFile(path, []byte(content), 0o700); err != nil {
			return "", fmt.Errorf("writing feature file %s: %w", name, err)
		}
	}
	return featureDir, nil
}

// copyDir copies the regular files at the top level of src into dst.
// Feature directories are flat; nesting is not supported.
func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading feature source dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading feature file %s: %w", entry.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dst, entry.Name()), data, 0o700); err != nil {
			return fmt.Errorf("copying feature file %s: %w", entry.Name(), err)
		}
	}
	return nil
}

var _ gateway.SecurityFeatures = (*FeatureProvider)(nil)
