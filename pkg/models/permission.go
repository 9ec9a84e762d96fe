package models

import (
	"strings"
)

// FileSystemMode is the filesystem capability a tool holds.
type FileSystemMode string

const (
	FileSystemNone      FileSystemMode = "none"
	FileSystemReadOnly  FileSystemMode = "read-only"
	FileSystemReadWrite FileSystemMode = "read-write"
)

func (m FileSystemMode) rank() int {
	switch m {
	case FileSystemReadOnly:
		return 1
	case FileSystemReadWrite:
		return 2
	default:
		return 0
	}
}

// CanRead reports whether the mode permits reads.
func (m FileSystemMode) CanRead() bool { return m.rank() >= 1 }

// CanWrite reports whether the mode permits writes.
func (m FileSystemMode) CanWrite() bool { return m.rank() >= 2 }

// ToolPermission is the capability set a tool declares or a caller allows.
type ToolPermission struct {
	NetworkAllowlist []string       `json:"network_allowlist,omitempty"`
	FileSystem       FileSystemMode `json:"file_system"`
}

// Intersect returns the narrower of p and policy. A nil policy leaves p
// unchanged; a policy can only remove capabilities, never add them.
func (p ToolPermission) Intersect(policy *ToolPermission) ToolPermission {
	if policy == nil {
		return ToolPermission{
			NetworkAllowlist: append([]string(nil), p.NetworkAllowlist...),
			FileSystem:       p.FileSystem,
		}
	}
	out := ToolPermission{FileSystem: p.FileSystem}
	if policy.FileSystem.rank() < p.FileSystem.rank() {
		out.FileSystem = policy.FileSystem
	}
	if out.FileSystem == "" {
		out.FileSystem = FileSystemNone
	}
	for _, host := range p.NetworkAllowlist {
		for _, allowed := range policy.NetworkAllowlist {
			if narrowed, ok := intersectHost(host, allowed); ok {
				out.NetworkAllowlist = append(out.NetworkAllowlist, narrowed)
			}
		}
	}
	return out
}

// AllowsHost reports whether host matches an allowlist entry. Entries are
// exact hostnames, "*.suffix" wildcards matching any subdomain, or "*" for
// any host.
func (p ToolPermission) AllowsHost(host string) bool {
	host = normalizeHost(host)
	for _, entry := range p.NetworkAllowlist {
		if hostMatches(normalizeHost(entry), host) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

func hostMatches(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return pattern == host
}

// intersectHost returns the narrower of two allowlist entries if they overlap.
func intersectHost(a, b string) (string, bool) {
	a, b = normalizeHost(a), normalizeHost(b)
	switch {
	case a == b:
		return a, true
	case hostMatches(a, b):
		return b, true
	case hostMatches(b, a):
		return a, true
	}
	return "", false
}
