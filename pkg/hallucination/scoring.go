package hallucination

import "github.com/mcpguard/interceptor/pkg/risk"

// Weights controls how present hallucination components renormalize into
// one composite risk score.
type Weights struct {
	Grounding    float64
	Consistency  float64
	Verifier     float64
	Numeric      float64
	ToolMismatch float64
}

// DefaultWeights matches the weighting of the v2 risk vector's shared
// component set.
func DefaultWeights() Weights {
	return Weights{
		Grounding:    0.30,
		Consistency:  0.25,
		Verifier:     0.25,
		Numeric:      0.10,
		ToolMismatch: 0.10,
	}
}

// toRisk converts a goodness score into risk.
func toRisk(score float64) float64 {
	return risk.Clamp01(1.0 - score)
}

// Scores bundles the per-signal results feeding the composite. Nil fields
// contribute nothing — their weight is excluded from renormalization.
type Scores struct {
	GroundingScore       *float64
	SelfConsistencyScore *float64
	VerifierScore        *float64
	NumericVarianceScore *float64
	ToolClaimMismatch    *bool
}

// ComputeRiskScore folds whichever components are present into a weighted
// composite hallucination risk in [0, 1]. Grounding, self-consistency,
// and verifier arrive as goodness scores and are inverted; numeric
// variance is already risk-form; a tool-claim mismatch contributes 1.0.
// Returns nil when no component is present.
func ComputeRiskScore(s Scores, w Weights) *float64 {
	weightedSum := 0.0
	totalWeight := 0.0

	add := func(riskValue, weight float64) {
		weightedSum += riskValue * weight
		totalWeight += weight
	}

	if s.GroundingScore != nil {
		add(toRisk(*s.GroundingScore), w.Grounding)
	}
	if s.SelfConsistencyScore != nil {
		add(toRisk(*s.SelfConsistencyScore), w.Consistency)
	}
	if s.VerifierScore != nil {
		add(toRisk(*s.VerifierScore), w.Verifier)
	}
	if s.NumericVarianceScore != nil {
		add(risk.Clamp01(*s.NumericVarianceScore), w.Numeric)
	}
	if s.ToolClaimMismatch != nil {
		mismatch := 0.0
		if *s.ToolClaimMismatch {
			mismatch = 1.0
		}
		add(mismatch, w.ToolMismatch)
	}

	if totalWeight == 0.0 {
		return nil
	}
	v := risk.Clamp01(weightedSum / totalWeight)
	return &v
}

// RiskLevel maps a composite score into the low/medium/high bands shared
// with the v2 risk vector. Nil in, nil out.
func RiskLevel(score *float64) *string {
	if score == nil {
		return nil
	}
	var level string
	switch {
	case *score < 0.20:
		level = "low"
	case *score < 0.35:
		level = "medium"
	default:
		level = "high"
	}
	return &level
}
