package nvd

import (
	"regexp"
	"strings"
)

// The provider's keyword search works best with short, generic product
// names. Agent-reported names carry versions, architectures and vendor
// qualifiers ("Java 8 Update 401 64-bit", "7-zip_25_01_x64") that this
// normalizer strips before querying. All of this is provider-specific
// heuristics, so it lives in the client package, not in the cache-key
// normalization.

var (
	queryArchRe    = regexp.MustCompile(`\b(x86[-_]?64|x86|x64|i686|arm64|arm|amd64|ia64|32-?bit|64-?bit)\b`)
	versionTokenRe = regexp.MustCompile(`[\s_-]v?\d+[\d._]*\b`)
	parenVersionRe = regexp.MustCompile(`\s*\([^)]*\d[^)]*\)`)
	specialCharRe  = regexp.MustCompile(`[^a-z0-9\s\-_]`)
)

// Normalizer reduces raw package names to provider query keywords. The
// qualifier strip list is a configuration point (settings file).
type Normalizer struct {
	qualifierRe *regexp.Regexp
}

// NewNormalizer builds a normalizer with the given qualifier words.
func NewNormalizer(stripWords []string) *Normalizer {
	words := make([]string, 0, len(stripWords)+1)
	for _, w := range stripWords {
		words = append(words, regexp.QuoteMeta(strings.ToLower(w)))
	}
	// Service-pack qualifiers ("sp1", "sp2") are always stripped
	words = append(words, `sp\d+`)

	return &Normalizer{
		qualifierRe: regexp.MustCompile(`\b(` + strings.Join(words, "|") + `)\b`),
	}
}

// QueryName extracts the core product name for a keyword search.
func (n *Normalizer) QueryName(name string) string {
	if name == "" {
		return ""
	}

	name = strings.ToLower(strings.TrimSpace(name))
	name = queryArchRe.ReplaceAllString(name, "")
	name = n.qualifierRe.ReplaceAllString(name, "")
	name = versionTokenRe.ReplaceAllString(name, "")
	name = parenVersionRe.ReplaceAllString(name, "")
	name = specialCharRe.ReplaceAllString(name, " ")
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.Join(strings.Fields(name), " ")

	// Overly specific names match nothing; keep at most the first three
	// meaningful words ("microsoft office ltsc 2024 ru" => "microsoft office ltsc")
	words := strings.Fields(name)
	if len(words) > 3 {
		core := make([]string, 0, 3)
		for _, word := range words[:4] {
			if len(word) > 1 && !isAllDigits(word) {
				core = append(core, word)
			}
			if len(core) == 3 {
				break
			}
		}
		if len(core) > 0 {
			name = strings.Join(core, " ")
		} else {
			name = words[0]
		}
	}

	return strings.TrimSpace(name)
}

// Keywords generates the ordered keyword variations to try for a package
// name: the normalized name, its leading word, and at most one known
// product alias. Hard limit of three keywords to conserve API quota.
func (n *Normalizer) Keywords(name string) []string {
	normalized := n.QueryName(name)
	if normalized == "" {
		return nil
	}

	keywords := []string{normalized}

	if words := strings.Fields(normalized); len(words) > 1 {
		keywords = append(keywords, words[0])
	}

	if alias := productAlias(name, normalized); alias != "" {
		keywords = append(keywords, alias)
	}

	seen := make(map[string]bool, len(keywords))
	result := make([]string, 0, 3)
	for _, kw := range keywords {
		lower := strings.ToLower(kw)
		if kw == "" || seen[lower] {
			continue
		}
		seen[lower] = true
		result = append(result, kw)
		if len(result) == 3 {
			break
		}
	}

	return result
}

// productAlias returns one provider-side alias for products whose common
// name differs from their CPE product name.
func productAlias(raw, normalized string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "java") && !strings.Contains(lower, "python"):
		if !strings.Contains(normalized, "jre") {
			return "jre"
		}
	case strings.Contains(lower, "git") && !strings.Contains(normalized, "git"):
		return "git-scm"
	case strings.Contains(lower, "7") && strings.Contains(lower, "zip"):
		if !strings.Contains(normalized, "7zip") && !strings.Contains(normalized, "7-zip") {
			return "7-zip"
		}
	}
	return ""
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
