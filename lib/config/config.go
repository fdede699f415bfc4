// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Gatehouse.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Gateway configures the control plane.
	Gateway GatewayConfig `yaml:"gateway"`

	// Egress configures network isolation.
	Egress EgressConfig `yaml:"egress"`

	// Secrets configures the sealed credential bundle.
	Secrets SecretsConfig `yaml:"secrets"`

	// EnvironmentOverrides contains per-environment overrides,
	// applied after the base config is loaded.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Gateway *GatewayConfig `yaml:"gateway,omitempty"`
	Egress  *EgressConfig  `yaml:"egress,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Gatehouse data.
	Root string `yaml:"root"`

	// Workspaces is where per-sandbox workspaces live.
	Workspaces string `yaml:"workspaces"`

	// State is where the sandbox record snapshot is stored.
	State string `yaml:"state"`

	// Generated is where generated devcontainer configs and squid
	// configs are written, one subdirectory per sandbox.
	Generated string `yaml:"generated"`

	// Audit is where the audit log and its rotated segments live.
	Audit string `yaml:"audit"`
}

// GatewayConfig configures the control plane.
type GatewayConfig struct {
	// HTTPListen is the address of the operator HTTP API.
	// Default: 127.0.0.1:7630
	HTTPListen string `yaml:"http_listen"`

	// ControlSocket is the Unix socket mounted into sandboxes for
	// approval requests. Default: /run/gatehouse/control.sock
	ControlSocket string `yaml:"control_socket"`

	// DefaultNetworkPolicy applies when a create request names no
	// policy. Default: none
	DefaultNetworkPolicy string `yaml:"default_network_policy"`

	// GlobalAllowlist is unioned into every sandbox's allowlist.
	GlobalAllowlist []string `yaml:"global_allowlist"`

	// HealthInterval is the health poll period as a duration string.
	// Default: 10s
	HealthInterval string `yaml:"health_interval"`

	// IdleTimeout flags a sandbox stopped after this much inactivity.
	// Default: 30m
	IdleTimeout string `yaml:"idle_timeout"`

	// OrphanScanInterval is the orphan-container scan period.
	// Default: 60s
	OrphanScanInterval string `yaml:"orphan_scan_interval"`

	// DefaultImage is the container image for workspaces that ship no
	// devcontainer configuration.
	DefaultImage string `yaml:"default_image"`

	// FeatureDir overrides the built-in hardening feature files.
	FeatureDir string `yaml:"feature_dir"`
}

// EgressConfig configures network isolation.
type EgressConfig struct {
	// Enabled gates the per-sandbox network and proxy sidecar. When
	// false, sandboxes run on the default docker network unproxied.
	// Default: true; development override may disable it.
	Enabled bool `yaml:"enabled"`

	// ProxyImage is the squid sidecar image.
	ProxyImage string `yaml:"proxy_image"`
}

// SecretsConfig configures the sealed credential bundle.
type SecretsConfig struct {
	// BundlePath is the age-encrypted secret bundle. Empty disables
	// the secret vault.
	BundlePath string `yaml:"bundle_path"`

	// KeyPath holds the age private key for the bundle.
	KeyPath string `yaml:"key_path"`
}

// Default returns the default configuration. These defaults ensure
// all fields have sensible values as a base before loading the config
// file; the config file remains the source of truth.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "gatehouse")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:       defaultRoot,
			Workspaces: filepath.Join(defaultRoot, "workspaces"),
			State:      filepath.Join(defaultRoot, "state"),
			Generated:  filepath.Join(defaultRoot, "generated"),
			Audit:      filepath.Join(defaultRoot, "audit"),
		},
		Gateway: GatewayConfig{
			HTTPListen:           "127.0.0.1:7630",
			ControlSocket:        "/run/gatehouse/control.sock",
			DefaultNetworkPolicy: "none",
			HealthInterval:       "10s",
			IdleTimeout:          "30m",
			OrphanScanInterval:   "60s",
		},
		Egress: EgressConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from the GATEHOUSE_CONFIG environment
// variable. There are no fallbacks: if GATEHOUSE_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("GATEHOUSE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("GATEHOUSE_CONFIG environment variable not set; " +
			"set it to the path of your gatehouse.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values. The only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides applies the section matching the
// configured environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		applyString(&c.Paths.Root, overrides.Paths.Root)
		applyString(&c.Paths.Workspaces, overrides.Paths.Workspaces)
		applyString(&c.Paths.State, overrides.Paths.State)
		applyString(&c.Paths.Generated, overrides.Paths.Generated)
		applyString(&c.Paths.Audit, overrides.Paths.Audit)
	}
	if overrides.Gateway != nil {
		applyString(&c.Gateway.HTTPListen, overrides.Gateway.HTTPListen)
		applyString(&c.Gateway.ControlSocket, overrides.Gateway.ControlSocket)
		applyString(&c.Gateway.DefaultNetworkPolicy, overrides.Gateway.DefaultNetworkPolicy)
		applyString(&c.Gateway.HealthInterval, overrides.Gateway.HealthInterval)
		applyString(&c.Gateway.IdleTimeout, overrides.Gateway.IdleTimeout)
		applyString(&c.Gateway.OrphanScanInterval, overrides.Gateway.OrphanScanInterval)
		applyString(&c.Gateway.DefaultImage, overrides.Gateway.DefaultImage)
		applyString(&c.Gateway.FeatureDir, overrides.Gateway.FeatureDir)
		if overrides.Gateway.GlobalAllowlist != nil {
			c.Gateway.GlobalAllowlist = overrides.Gateway.GlobalAllowlist
		}
	}
	if overrides.Egress != nil {
		// Enabled is a bool, so it is always applied from overrides.
		c.Egress.Enabled = overrides.Egress.Enabled
		applyString(&c.Egress.ProxyImage, overrides.Egress.ProxyImage)
	}
}

func applyString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"GATEHOUSE_ROOT": c.Paths.Root,
		"HOME":           os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["GATEHOUSE_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Workspaces = expandVars(c.Paths.Workspaces, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Generated = expandVars(c.Paths.Generated, vars)
	c.Paths.Audit = expandVars(c.Paths.Audit, vars)
	c.Gateway.ControlSocket = expandVars(c.Gateway.ControlSocket, vars)
	c.Gateway.FeatureDir = expandVars(c.Gateway.FeatureDir, vars)
	c.Secrets.BundlePath = expandVars(c.Secrets.BundlePath, vars)
	c.Secrets.KeyPath = expandVars(c.Secrets.KeyPath, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Gateway.HTTPListen == "" {
		errs = append(errs, fmt.Errorf("gateway.http_listen is required"))
	}
	for name, value := range map[string]string{
		"gateway.health_interval":      c.Gateway.HealthInterval,
		"gateway.idle_timeout":         c.Gateway.IdleTimeout,
		"gateway.orphan_scan_interval": c.Gateway.OrphanScanInterval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Secrets.BundlePath != "" && c.Secrets.KeyPath == "" {
		errs = append(errs, fmt.Errorf("secrets.key_path is required when secrets.bundle_path is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration parses a duration field that Validate has already vetted.
// An unvetted bad value falls back to the given default.
func Duration(value string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{
		c.Paths.Root,
		c.Paths.Workspaces,
		c.Paths.State,
		c.Paths.Generated,
		c.Paths.Audit,
	} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
