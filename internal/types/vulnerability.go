package types

import "time"

// VersionRange is the normalized affected-version range shape the
// correlator consumes. All four bounds are optional; an empty range
// means the provider declared no version constraint for the record.
type VersionRange struct {
	StartIncluding string `json:"start_including,omitempty"`
	EndIncluding   string `json:"end_including,omitempty"`
	StartExcluding string `json:"start_excluding,omitempty"`
	EndExcluding   string `json:"end_excluding,omitempty"`
}

// IsUnbounded reports whether the range declares no version constraint.
func (r VersionRange) IsUnbounded() bool {
	return r.StartIncluding == "" && r.EndIncluding == "" &&
		r.StartExcluding == "" && r.EndExcluding == ""
}

// VulnRecord is one CVE record as returned by the vulnerability database,
// reduced to the provider-independent shape the correlator depends on.
type VulnRecord struct {
	ID             string         `json:"id"`
	Description    string         `json:"description,omitempty"`
	CVSS           float64        `json:"cvss"`
	Published      string         `json:"published,omitempty"`
	AffectedRanges []VersionRange `json:"affected_ranges,omitempty"`
}

// MatchConfidence describes how a CVE record's affected-version range
// related to the reported version.
type MatchConfidence string

const (
	// MatchConfirmed means the reported version parsed as semver and fell
	// inside the record's declared affected range.
	MatchConfirmed MatchConfidence = "confirmed"

	// MatchUnverified means version comparison was ambiguous (non-semver
	// version or range bound). The record is surfaced, not dropped:
	// ambiguity must be visible downstream.
	MatchUnverified MatchConfidence = "unverified_version_match"
)

// FindingStatus describes the outcome of resolving one inventory item.
type FindingStatus string

const (
	// FindingResolved means the lookup completed; CVEs may be empty.
	FindingResolved FindingStatus = "resolved"

	// FindingLookupFailed means the external lookup failed after retries.
	// The item is kept in the finding set as a placeholder so a single
	// failure never aborts the rest of the inventory.
	FindingLookupFailed FindingStatus = "lookup_failed"
)

// CVEMatch is a single matched vulnerability within a finding.
type CVEMatch struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	CVSS        float64         `json:"cvss"`
	Published   string          `json:"published,omitempty"`
	Confidence  MatchConfidence `json:"confidence"`
}

// Finding is the correlation result for one software identity on one
// host. Findings are derived data: a re-run replaces the prior set for
// the host, rows are never edited in place.
type Finding struct {
	Host          string        `json:"host"`
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	Status        FindingStatus `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CVEs          []CVEMatch    `json:"cves"`
	MaxCVSS       float64       `json:"max_cvss"`
	FromCache     bool          `json:"from_cache"`
	ResolvedAt    time.Time     `json:"resolved_at"`
}

// SeverityFromCVSS maps a CVSS base score onto the conventional label.
func SeverityFromCVSS(score float64) string {
	switch {
	case score >= 9.0:
		return "CRITICAL"
	case score >= 7.0:
		return "HIGH"
	case score >= 4.0:
		return "MEDIUM"
	case score > 0:
		return "LOW"
	default:
		return "NONE"
	}
}
