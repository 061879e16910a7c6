package types

import (
	"regexp"
	"strings"
	"time"
)

// SoftwareIdentity is the (name, version) pair used as the unit of
// vulnerability lookup. Host is carried for reporting but is never part
// of the cache key: two hosts reporting the same software share one entry.
type SoftwareIdentity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Host    string `json:"host,omitempty"`
}

// HostInventory is one agent report: the ordered software list for a host
// at a collection instant. Inventories are immutable; a newer report for
// the same host supersedes the older one, it is never merged into it.
type HostInventory struct {
	Host        string             `json:"hostname"`
	CollectedAt time.Time          `json:"collected_at"`
	Items       []SoftwareIdentity `json:"software"`
}

var (
	archPattern = regexp.MustCompile(`\b(x86[-_ ]?64|x86|x64|i686|arm64|arm|amd64|ia64|32[-_ ]?bit|64[-_ ]?bit)\b`)
	spaceRun    = regexp.MustCompile(`\s+`)
)

// NormalizeName produces the canonical cache-key form of a software name:
// trimmed, case-folded, architecture qualifiers removed, underscores
// treated as spaces, whitespace collapsed.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "_", " ")
	name = archPattern.ReplaceAllString(name, "")
	name = spaceRun.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// NormalizeVersion produces the canonical cache-key form of a version
// string: trimmed, case-folded, with semver build metadata (the "+..."
// suffix) stripped. Build metadata carries no ordering semantics, so
// "1.2.3+deb11u1" and "1.2.3" must share a cache entry.
func NormalizeVersion(version string) string {
	version = strings.ToLower(strings.TrimSpace(version))
	if i := strings.IndexByte(version, '+'); i >= 0 {
		version = version[:i]
	}
	return version
}

// Normalized returns a copy of the identity with the cache-key
// normalization applied and the host cleared.
func (s SoftwareIdentity) Normalized() SoftwareIdentity {
	return SoftwareIdentity{
		Name:    NormalizeName(s.Name),
		Version: NormalizeVersion(s.Version),
	}
}

// CacheKey returns the string key under which lookups for this identity
// are cached. Cosmetically different but semantically identical
// identities map to the same key.
func (s SoftwareIdentity) CacheKey() string {
	n := s.Normalized()
	return n.Name + "@" + n.Version
}
