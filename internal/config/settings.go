package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds the tunables read from the optional hostsentry.yml
// settings file. TTL, cooldown, rescan cadence, the compliance policy
// expression and the keyword strip list are configuration points rather
// than hard-coded constants; the file is optional and every field has a
// working default.
type Settings struct {
	CacheTTL          time.Duration
	FailureCooldown   time.Duration
	RescanInterval    time.Duration
	PolicyExpression  string
	KeywordStripWords []string
}

// rawSettings is the YAML wire shape of the settings file
type rawSettings struct {
	Cache struct {
		TTL             string `yaml:"ttl"`
		FailureCooldown string `yaml:"failure_cooldown"`
	} `yaml:"cache"`
	RescanInterval string `yaml:"rescan_interval"`
	Policy         struct {
		Expression string `yaml:"expression"`
	} `yaml:"policy"`
	Normalization struct {
		KeywordStripWords []string `yaml:"keyword_strip_words"`
	} `yaml:"normalization"`
}

// DefaultSettings returns the built-in defaults used when no settings
// file is present
func DefaultSettings() Settings {
	return Settings{
		CacheTTL:         24 * time.Hour,
		FailureCooldown:  time.Hour,
		RescanInterval:   24 * time.Hour,
		PolicyExpression: "maxCvss < 7.0",
		KeywordStripWords: []string{
			"update", "patch", "redistributable", "runtime", "bin",
			"src", "source", "alpha", "beta", "rc", "hotfix",
		},
	}
}

// ParseSettings reads the settings file at path, layering it over the
// defaults. A missing file is not an error.
func ParseSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	var raw rawSettings
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return settings, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	if raw.Cache.TTL != "" {
		d, err := parseInterval(raw.Cache.TTL)
		if err != nil {
			return settings, fmt.Errorf("invalid cache.ttl: %w", err)
		}
		settings.CacheTTL = d
	}

	if raw.Cache.FailureCooldown != "" {
		d, err := parseInterval(raw.Cache.FailureCooldown)
		if err != nil {
			return settings, fmt.Errorf("invalid cache.failure_cooldown: %w", err)
		}
		settings.FailureCooldown = d
	}

	if raw.RescanInterval != "" {
		d, err := parseInterval(raw.RescanInterval)
		if err != nil {
			return settings, fmt.Errorf("invalid rescan_interval: %w", err)
		}
		settings.RescanInterval = d
	}

	if raw.Policy.Expression != "" {
		settings.PolicyExpression = raw.Policy.Expression
	}

	if len(raw.Normalization.KeywordStripWords) > 0 {
		settings.KeywordStripWords = raw.Normalization.KeywordStripWords
	}

	return settings, nil
}

// parseInterval parses interval notation (e.g., "30m", "3h", "7d") into
// time.Duration. Falls back to time.ParseDuration for composite values.
func parseInterval(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval format: %s", interval)
	}

	unit := interval[len(interval)-1]
	valueStr := interval[:len(interval)-1]

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return time.ParseDuration(interval)
	}

	if value <= 0 {
		return 0, fmt.Errorf("interval value must be positive: %s", interval)
	}

	switch unit {
	case 's':
		return time.Duration(value) * time.Second, nil
	case 'm':
		return time.Duration(value) * time.Minute, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return time.ParseDuration(interval)
	}
}
