// Package policy evaluates host compliance from a resolved finding set
// using a configurable CEL expression.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/observability"
	"github.com/hostsentry/hostsentry/internal/types"
)

// Engine evaluates the compliance policy for one host at a time.
//
// Available CEL variables:
//   - host: the host name
//   - findings: list of maps with fields name, version, status, maxCvss,
//     cveCount, unverifiedCount
//   - vulnerableCount: findings with at least one matched CVE
//   - maxCvss: highest CVSS across the host's findings
//   - unverifiedCount: CVE matches flagged unverified_version_match
//   - failedLookups: findings whose external lookup failed
type Engine struct {
	logger     *slog.Logger
	cfg        config.PolicyConfig
	celProgram cel.Program
}

// Decision is the result of evaluating a host against the policy.
type Decision struct {
	Compliant       bool
	Reason          string
	VulnerableCount int
	MaxCVSS         float64
	UnverifiedCount int
	FailedLookups   int
}

// NewEngine compiles the configured expression. The expression must
// evaluate to a boolean; compilation failures are startup errors.
func NewEngine(logger *slog.Logger, cfg config.PolicyConfig) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Expression == "" {
		cfg.Expression = `maxCvss < 7.0`
		cfg.FailureMessage = "high or critical vulnerabilities found"
	}

	env, err := cel.NewEnv(
		cel.Variable("host", cel.StringType),
		cel.Variable("findings", cel.ListType(cel.MapType(cel.StringType, cel.AnyType))),
		cel.Variable("vulnerableCount", cel.IntType),
		cel.Variable("maxCvss", cel.DoubleType),
		cel.Variable("unverifiedCount", cel.IntType),
		cel.Variable("failedLookups", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy expression must return a boolean, got %v", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Engine{
		logger:     logger,
		cfg:        cfg,
		celProgram: program,
	}, nil
}

// Evaluate runs the compiled expression over a host's finding set.
func (e *Engine) Evaluate(ctx context.Context, host string, findings []types.Finding) (*Decision, error) {
	decision := &Decision{}

	celFindings := make([]map[string]interface{}, 0, len(findings))
	for _, f := range findings {
		unverified := 0
		for _, cve := range f.CVEs {
			if cve.Confidence == types.MatchUnverified {
				unverified++
			}
		}
		decision.UnverifiedCount += unverified

		if len(f.CVEs) > 0 {
			decision.VulnerableCount++
		}
		if f.MaxCVSS > decision.MaxCVSS {
			decision.MaxCVSS = f.MaxCVSS
		}
		if f.Status == types.FindingLookupFailed {
			decision.FailedLookups++
		}

		celFindings = append(celFindings, map[string]interface{}{
			"name":            f.Name,
			"version":         f.Version,
			"status":          string(f.Status),
			"maxCvss":         f.MaxCVSS,
			"cveCount":        len(f.CVEs),
			"unverifiedCount": unverified,
		})
	}

	out, _, err := e.celProgram.Eval(map[string]interface{}{
		"host":            host,
		"findings":        celFindings,
		"vulnerableCount": decision.VulnerableCount,
		"maxCvss":         decision.MaxCVSS,
		"unverifiedCount": decision.UnverifiedCount,
		"failedLookups":   decision.FailedLookups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	compliant, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("policy expression did not return a boolean: %v", out.Value())
	}

	decision.Compliant = compliant
	metrics := observability.GetMetrics()

	if compliant {
		decision.Reason = fmt.Sprintf("policy passed: vulnerable=%d, max_cvss=%.1f, unverified=%d, failed_lookups=%d",
			decision.VulnerableCount, decision.MaxCVSS, decision.UnverifiedCount, decision.FailedLookups)
		metrics.PolicyPassed.Inc()
		e.logger.Info("compliance policy passed",
			"host", host,
			"vulnerable", decision.VulnerableCount,
			"max_cvss", decision.MaxCVSS)
	} else {
		if e.cfg.FailureMessage != "" {
			decision.Reason = e.cfg.FailureMessage
		} else {
			decision.Reason = fmt.Sprintf("policy failed: vulnerable=%d, max_cvss=%.1f, unverified=%d, failed_lookups=%d",
				decision.VulnerableCount, decision.MaxCVSS, decision.UnverifiedCount, decision.FailedLookups)
		}
		metrics.PolicyFailed.Inc()
		e.logger.Warn("compliance policy failed",
			"host", host,
			"vulnerable", decision.VulnerableCount,
			"max_cvss", decision.MaxCVSS,
			"expression", e.cfg.Expression)
	}

	return decision, nil
}
