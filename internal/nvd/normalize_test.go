package nvd

import (
	"reflect"
	"testing"
)

var testStripWords = []string{
	"update", "patch", "redistributable", "runtime", "bin",
	"src", "source", "alpha", "beta", "rc", "hotfix",
}

func TestQueryName(t *testing.T) {
	n := NewNormalizer(testStripWords)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple name passes through", "nginx", "nginx"},
		{"strips version tokens", "openssl 1.0.1", "openssl"},
		{"strips arch and update qualifiers", "Java 8 Update 401 64-bit", "java"},
		{"strips underscored versions and arch", "7-zip_25_01_x64", "7-zip"},
		{"strips parenthesized versions", "Mozilla Firefox (128.0.2)", "mozilla firefox"},
		{"strips service pack qualifiers", "office sp2 viewer", "office viewer"},
		{"caps at three meaningful words", "microsoft office ltsc professional plus", "microsoft office ltsc"},
		{"empty stays empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.QueryName(tt.input)
			if got != tt.expected {
				t.Errorf("QueryName(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestKeywords(t *testing.T) {
	n := NewNormalizer(testStripWords)

	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"single word yields one keyword", "nginx", []string{"nginx"}},
		{"multi word adds leading word", "mozilla firefox", []string{"mozilla firefox", "mozilla"}},
		{"java adds jre alias", "Java 8 Update 401", []string{"java", "jre"}},
		{"multi word keeps leading word", "Git version 2.44", []string{"git version", "git"}},
		{"7-zip stays itself", "7-Zip 24.08", []string{"7-zip"}},
		{"no usable keywords", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Keywords(tt.input)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Keywords(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestKeywordsNeverExceedsThree(t *testing.T) {
	n := NewNormalizer(testStripWords)

	inputs := []string{
		"Java Development Kit 21 Update 2 64-bit",
		"microsoft visual c++ 2015-2022 redistributable x64",
		"Oracle Java SE Runtime Environment 8",
	}

	for _, input := range inputs {
		if got := n.Keywords(input); len(got) > 3 {
			t.Errorf("Keywords(%q) produced %d keywords: %v", input, len(got), got)
		}
	}
}

func TestKeywordsDeduplicates(t *testing.T) {
	n := NewNormalizer(testStripWords)

	seen := map[string]bool{}
	for _, kw := range n.Keywords("nginx nginx") {
		if seen[kw] {
			t.Errorf("duplicate keyword %q", kw)
		}
		seen[kw] = true
	}
}
