// Package policy implements the stateless (criticality × composite risk)
// decision matrix that the interceptor evaluates on every tool call.
package policy

import (
	"github.com/google/cel-go/cel"
	"github.com/mcpguard/interceptor/pkg/toolprofile"
)

// Decision is the policy outcome for one tool call attempt.
type Decision string

const (
	Allow  Decision = "ALLOW"
	Review Decision = "REVIEW"
	Block  Decision = "BLOCK"
)

// Config holds the configurable thresholds and audit identifiers for one
// policy engine instance.
type Config struct {
	PolicyID    string
	PolicyVersion string

	HighBlockThreshold    float64
	HighReviewThreshold   float64
	MediumReviewThreshold float64
}

// DefaultConfig returns the standard threshold matrix.
func DefaultConfig() Config {
	return Config{
		PolicyID:              "risk-bound-exec-v2",
		PolicyVersion:          "2.0.0",
		HighBlockThreshold:     0.35,
		HighReviewThreshold:    0.20,
		MediumReviewThreshold:  0.50,
	}
}

// Result is the outcome of one Evaluate call, emitted verbatim for audit.
type Result struct {
	Decision      Decision
	Reason        string
	PolicyID      string
	PolicyVersion string
	ThresholdUsed float64
	RequireToken  bool
}

// Engine evaluates the static threshold matrix, with an optional CEL
// override program for per-deployment rule extensions.
type Engine struct {
	config Config

	// override, when non-nil, is evaluated against a map of
	// {tool, risk, context} after the static matrix has decided. A program
	// that evaluates true turns an ALLOW result into REVIEW; this is the
	// sole extension point — it never changes a BLOCK or REVIEW result, it
	// only ever escalates ALLOW to REVIEW.
	override cel.Program
}

// NewEngine builds an engine over the static matrix only.
func NewEngine(config Config) *Engine {
	return &Engine{config: config}
}

// WithOverride attaches a compiled CEL program used as a per-deployment
// escalation rule (e.g. "tool.regulatory && risk.composite_score > 0.10").
// When the program is nil, Evaluate runs the static matrix unconditionally.
func (e *Engine) WithOverride(program cel.Program) *Engine {
	e.override = program
	return e
}

// Evaluate runs the (criticality × composite risk) decision matrix
// against profile and compositeScore. riskTier and
// extra are passed to the CEL override (as risk.tier and context); the
// static matrix does not consult them.
func (e *Engine) Evaluate(profile toolprofile.Profile, compositeScore float64, riskTier string, extra map[string]any) Result {
	cfg := e.config

	result := e.evaluateMatrix(profile, compositeScore, cfg)

	if e.override != nil {
		escalate, _, err := e.override.Eval(map[string]any{
			"tool": map[string]any{
				"name":        profile.Name,
				"regulatory":  profile.Regulatory,
				"criticality": string(profile.Criticality),
			},
			"risk": map[string]any{
				"composite_score": compositeScore,
				"tier":            riskTier,
			},
			"context": extra,
		})
		if err == nil {
			if b, ok := escalate.Value().(bool); ok && b && result.Decision == Allow {
				result.Decision = Review
				result.Reason = "policy_override_escalation"
			}
		}
	}

	return result
}

func (e *Engine) evaluateMatrix(profile toolprofile.Profile, score float64, cfg Config) Result {
	switch profile.Criticality {
	case toolprofile.High:
		if score >= cfg.HighBlockThreshold {
			return Result{Block, "high_criticality_block_threshold", cfg.PolicyID, cfg.PolicyVersion, cfg.HighBlockThreshold, true}
		}
		if score >= cfg.HighReviewThreshold {
			return Result{Review, "high_criticality_review_threshold", cfg.PolicyID, cfg.PolicyVersion, cfg.HighReviewThreshold, true}
		}
		return Result{Allow, "high_criticality_allow", cfg.PolicyID, cfg.PolicyVersion, cfg.HighReviewThreshold, true}

	case toolprofile.Medium:
		if score >= cfg.MediumReviewThreshold {
			return Result{Review, "medium_criticality_review_threshold", cfg.PolicyID, cfg.PolicyVersion, cfg.MediumReviewThreshold, false}
		}
		return Result{Allow, "medium_criticality_allow", cfg.PolicyID, cfg.PolicyVersion, cfg.MediumReviewThreshold, false}

	default:
		return Result{Allow, "low_criticality_allow", cfg.PolicyID, cfg.PolicyVersion, 1.0, false}
	}
}
