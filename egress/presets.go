// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package egress

import "slices"

// Preset allowlists by network policy name. A policy names the
// baseline set of domains a sandbox may reach; the gateway unions the
// deployment-wide allowlist on top.
//
// "none" is the default policy: no egress beyond what the deployment
// allowlist grants. Additional domains arrive at runtime through
// approved egress.allow requests.
var presets = map[string][]string{
	"none": nil,

	// Enough to clone dependencies and talk to the major package
	// registries, nothing else.
	"packages": {
		"github.com",
		"api.github.com",
		"codeload.github.com",
		"objects.githubusercontent.com",
		"raw.githubusercontent.com",
		"proxy.golang.org",
		"sum.golang.org",
		"registry.npmjs.org",
		"pypi.org",
		"files.pythonhosted.org",
		"static.crates.io",
		"crates.io",
		"index.crates.io",
	},
}

// PresetAllowlist returns the domains for a named network policy.
// Unknown policies return nil, which the caller treats as "no
// baseline domains" rather than an error: the policy name is still
// recorded and an operator can widen the allowlist later.
func (m *Manager) PresetAllowlist(preset string) []string {
	return slices.Clone(presets[preset])
}

// PresetNames returns the known policy names, for CLI help output.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
