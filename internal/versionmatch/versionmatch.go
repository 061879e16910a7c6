// Package versionmatch decides whether a reported software version falls
// inside a provider-declared affected range. Comparison against arbitrary
// provider version expressions is inherently heuristic, so the check is a
// pluggable strategy: a stricter comparer can be swapped in without
// touching the correlator.
package versionmatch

import (
	"github.com/Masterminds/semver/v3"
	"github.com/hostsentry/hostsentry/internal/types"
)

// Containment is the three-valued outcome of a range check.
type Containment int

const (
	// Inside means the version provably falls within the affected range
	Inside Containment = iota

	// Outside means the version provably falls outside the affected range
	Outside

	// Ambiguous means the version or a range bound did not parse as
	// semver, or the range declares no bounds; the caller must surface
	// the ambiguity rather than resolve it
	Ambiguous
)

func (c Containment) String() string {
	switch c {
	case Inside:
		return "inside"
	case Outside:
		return "outside"
	default:
		return "ambiguous"
	}
}

// Strategy compares a reported version against one affected range.
type Strategy interface {
	Compare(version string, r types.VersionRange) Containment
}

// SemverStrategy implements Strategy with semantic version comparison.
// Masterminds/semver coerces partial versions ("1.18" => "1.18.0"), which
// matches how the vulnerability database publishes range bounds.
type SemverStrategy struct{}

// NewSemverStrategy returns the default comparison strategy.
func NewSemverStrategy() *SemverStrategy {
	return &SemverStrategy{}
}

// Compare checks containment of version in r. Any parse failure on the
// version or on a declared bound yields Ambiguous, as does a range with
// no bounds at all.
func (s *SemverStrategy) Compare(version string, r types.VersionRange) Containment {
	if r.IsUnbounded() {
		return Ambiguous
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return Ambiguous
	}

	check := func(bound string, ok func(cmp int) bool) Containment {
		b, err := semver.NewVersion(bound)
		if err != nil {
			return Ambiguous
		}
		if !ok(v.Compare(b)) {
			return Outside
		}
		return Inside
	}

	if r.StartIncluding != "" {
		if c := check(r.StartIncluding, func(cmp int) bool { return cmp >= 0 }); c != Inside {
			return c
		}
	}
	if r.StartExcluding != "" {
		if c := check(r.StartExcluding, func(cmp int) bool { return cmp > 0 }); c != Inside {
			return c
		}
	}
	if r.EndIncluding != "" {
		if c := check(r.EndIncluding, func(cmp int) bool { return cmp <= 0 }); c != Inside {
			return c
		}
	}
	if r.EndExcluding != "" {
		if c := check(r.EndExcluding, func(cmp int) bool { return cmp < 0 }); c != Inside {
			return c
		}
	}

	return Inside
}

// CompareAny reduces a record's range list to a single containment
// verdict: Inside if any range contains the version, otherwise Ambiguous
// if any range was ambiguous, otherwise Outside.
func CompareAny(s Strategy, version string, ranges []types.VersionRange) Containment {
	if len(ranges) == 0 {
		return Ambiguous
	}

	sawAmbiguous := false
	for _, r := range ranges {
		switch s.Compare(version, r) {
		case Inside:
			return Inside
		case Ambiguous:
			sawAmbiguous = true
		}
	}
	if sawAmbiguous {
		return Ambiguous
	}
	return Outside
}
