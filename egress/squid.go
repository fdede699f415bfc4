// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package egress

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// ProxyPort is the squid listen port inside the sidecar container.
const ProxyPort = 3128

// squidConfig renders a squid configuration enforcing the allowlist.
// Domains are emitted sorted and deduplicated so the same allowlist
// always produces byte-identical output, which makes the fingerprint
// a reliable change detector.
//
// Each domain is written with a leading dot so subdomains match too:
// an allowlist entry "github.com" admits "api.github.com". CONNECT is
// restricted to port 443; everything not explicitly allowed is
// denied.
func squidConfig(allowlist []string) []byte {
	domains := make([]string, 0, len(allowlist))
	seen := make(map[string]bool)
	for _, domain := range allowlist {
		domain = strings.TrimPrefix(strings.TrimSpace(domain), ".")
		if domain == "" || seen[domain] {
			continue
		}
		seen[domain] = true
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	var b strings.Builder
	b.WriteString("# Generated by gatehoused. Do not edit.\n")
	fmt.Fprintf(&b, "http_port %d\n", ProxyPort)
	b.WriteString("acl SSL_ports port 443\n")
	b.WriteString("acl CONNECT method CONNECT\n")

	if len(domains) > 0 {
		b.WriteString("acl allowed_domains dstdomain")
		for _, domain := range domains {
			b.WriteString(" .")
			b.WriteString(domain)
		}
		b.WriteString("\n")
	}

	b.WriteString("http_access deny CONNECT !SSL_ports\n")
	if len(domains) > 0 {
		b.WriteString("http_access allow allowed_domains\n")
	}
	b.WriteString("http_access deny all\n")

	// No caching, no disk spool: the sidecar is a gate, not a cache.
	b.WriteString("cache deny all\n")
	b.WriteString("access_log stdio:/dev/stdout\n")
	b.WriteString("cache_log /dev/null\n")

	return []byte(b.String())
}

// configFingerprint identifies a rendered configuration. Used to skip
// sidecar reconfiguration when an allowlist update is a no-op.
func configFingerprint(config []byte) string {
	sum := blake3.Sum256(config)
	return hex.EncodeToString(sum[:])
}
