package policy

import (
	"context"
	"testing"

	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/types"
)

func resolvedFinding(name string, maxCvss float64, cves ...types.CVEMatch) types.Finding {
	return types.Finding{
		Host:    "web01",
		Name:    name,
		Version: "1.0",
		Status:  types.FindingResolved,
		CVEs:    cves,
		MaxCVSS: maxCvss,
	}
}

func TestDefaultExpression(t *testing.T) {
	engine, err := NewEngine(nil, config.PolicyConfig{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	ctx := context.Background()

	t.Run("clean host passes", func(t *testing.T) {
		decision, err := engine.Evaluate(ctx, "web01", []types.Finding{
			resolvedFinding("nginx", 0),
		})
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if !decision.Compliant {
			t.Errorf("expected compliant, got %+v", decision)
		}
	})

	t.Run("medium severity passes", func(t *testing.T) {
		decision, err := engine.Evaluate(ctx, "web01", []types.Finding{
			resolvedFinding("zlib", 6.5, types.CVEMatch{ID: "CVE-2022-37434", CVSS: 6.5, Confidence: types.MatchConfirmed}),
		})
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if !decision.Compliant {
			t.Errorf("CVSS below 7.0 must pass the default policy, got %+v", decision)
		}
	})

	t.Run("high severity fails", func(t *testing.T) {
		decision, err := engine.Evaluate(ctx, "web01", []types.Finding{
			resolvedFinding("openssl", 7.5, types.CVEMatch{ID: "CVE-2014-0160", CVSS: 7.5, Confidence: types.MatchConfirmed}),
		})
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if decision.Compliant {
			t.Errorf("CVSS 7.5 must fail the default policy, got %+v", decision)
		}
		if decision.Reason != "high or critical vulnerabilities found" {
			t.Errorf("expected the configured failure message, got %q", decision.Reason)
		}
	})
}

func TestCustomExpressions(t *testing.T) {
	ctx := context.Background()

	findings := []types.Finding{
		resolvedFinding("nginx", 8.1,
			types.CVEMatch{ID: "CVE-2021-23017", CVSS: 8.1, Confidence: types.MatchConfirmed}),
		resolvedFinding("java", 7.4,
			types.CVEMatch{ID: "CVE-2024-20918", CVSS: 7.4, Confidence: types.MatchUnverified}),
		{
			Host: "web01", Name: "ghostware", Version: "0.1",
			Status: types.FindingLookupFailed, FailureReason: "transient_after_retries",
		},
	}

	tests := []struct {
		name       string
		expression string
		compliant  bool
	}{
		{"zero vulnerable required", `vulnerableCount == 0`, false},
		{"vulnerable ceiling", `vulnerableCount <= 2`, true},
		{"failed lookups forbidden", `failedLookups == 0`, false},
		{"unverified tolerated", `unverifiedCount <= 1`, true},
		{"per finding inspection", `findings.all(f, f.status != "lookup_failed" || f.name == "ghostware")`, true},
		{"host exemption", `host == "web01" || maxCvss < 7.0`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEngine(nil, config.PolicyConfig{Expression: tt.expression})
			if err != nil {
				t.Fatalf("failed to compile %q: %v", tt.expression, err)
			}
			decision, err := engine.Evaluate(ctx, "web01", findings)
			if err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}
			if decision.Compliant != tt.compliant {
				t.Errorf("expression %q: expected compliant=%v, got %+v", tt.expression, tt.compliant, decision)
			}
		})
	}
}

func TestDecisionCounters(t *testing.T) {
	engine, err := NewEngine(nil, config.PolicyConfig{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	decision, err := engine.Evaluate(context.Background(), "web01", []types.Finding{
		resolvedFinding("nginx", 8.1,
			types.CVEMatch{ID: "CVE-2021-23017", CVSS: 8.1, Confidence: types.MatchConfirmed}),
		resolvedFinding("java", 7.4,
			types.CVEMatch{ID: "CVE-2024-20918", CVSS: 7.4, Confidence: types.MatchUnverified},
			types.CVEMatch{ID: "CVE-2024-20919", CVSS: 2.5, Confidence: types.MatchUnverified}),
		resolvedFinding("bash", 0),
		{Host: "web01", Name: "ghostware", Version: "0.1", Status: types.FindingLookupFailed},
	})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if decision.VulnerableCount != 2 {
		t.Errorf("expected 2 vulnerable findings, got %d", decision.VulnerableCount)
	}
	if decision.MaxCVSS != 8.1 {
		t.Errorf("expected max CVSS 8.1, got %v", decision.MaxCVSS)
	}
	if decision.UnverifiedCount != 2 {
		t.Errorf("expected 2 unverified matches, got %d", decision.UnverifiedCount)
	}
	if decision.FailedLookups != 1 {
		t.Errorf("expected 1 failed lookup, got %d", decision.FailedLookups)
	}
}

func TestEmptyFindingSetIsCompliant(t *testing.T) {
	engine, err := NewEngine(nil, config.PolicyConfig{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	decision, err := engine.Evaluate(context.Background(), "web01", nil)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !decision.Compliant {
		t.Errorf("empty finding set must pass the default policy, got %+v", decision)
	}
}

func TestInvalidExpressionsRejectedAtStartup(t *testing.T) {
	tests := []struct {
		name       string
		expression string
	}{
		{"syntax error", `maxCvss <`},
		{"unknown variable", `severityBudget < 7.0`},
		{"non boolean result", `maxCvss + 1.0`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(nil, config.PolicyConfig{Expression: tt.expression}); err == nil {
				t.Errorf("expected %q to be rejected", tt.expression)
			}
		})
	}
}
