// Package propose implements the two-phase propose/commit protocol:
// a proposal-only dry run that scores candidate-output instability before
// any side-effecting tool call executes, followed by a commit step that
// re-verifies the bound token and args before the real call proceeds.
package propose

import (
	"regexp"
	"strconv"

	"github.com/mcpguard/interceptor/pkg/risk"
)

// Weights controls how the three proposal-phase signals renormalize into
// one composite score.
type Weights struct {
	OutputInstability float64
	NumericVariance   float64
	PromptDrift       float64
}

// DefaultWeights is the standard proposal-signal weighting.
func DefaultWeights() Weights {
	return Weights{OutputInstability: 0.5, NumericVariance: 0.3, PromptDrift: 0.2}
}

var numRE = regexp.MustCompile(`[-+]?\d*\.?\d+`)

const epsilon = 1e-9

// OutputInstability is 1 - jaccard(tokens(a), tokens(b)).
func OutputInstability(a, b string) float64 {
	return risk.Clamp01(1.0 - risk.Jaccard(risk.Tokenize(a), risk.Tokenize(b)))
}

func extractNumbers(text string) []float64 {
	matches := numRE.FindAllString(text, -1)
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// NumericVariance compares numbers extracted from a against b (when b is
// non-empty) as a mean relative difference over paired positions, or, with
// only a, the normalized spread of a's own numbers. Returns nil when a has
// no numbers at all — there is nothing to vary.
func NumericVariance(a, b string) *float64 {
	numsA := extractNumbers(a)
	if len(numsA) == 0 {
		return nil
	}

	if b != "" {
		numsB := extractNumbers(b)
		n := len(numsA)
		if len(numsB) < n {
			n = len(numsB)
		}
		if n == 0 {
			v := 1.0
			return &v
		}
		sum := 0.0
		for i := 0; i < n; i++ {
			denom := epsilon
			if absf(numsA[i]) > denom {
				denom = absf(numsA[i])
			}
			sum += absf(numsA[i]-numsB[i]) / denom
		}
		v := risk.Clamp01(sum / float64(n))
		return &v
	}

	if len(numsA) < 2 {
		v := 0.0
		return &v
	}
	mx, mn := numsA[0], numsA[0]
	sum := 0.0
	for _, x := range numsA {
		if x > mx {
			mx = x
		}
		if x < mn {
			mn = x
		}
		sum += x
	}
	avg := sum / float64(len(numsA))
	denom := epsilon
	if absf(avg) > denom {
		denom = absf(avg)
	}
	v := risk.Clamp01((mx - mn) / denom)
	return &v
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// PromptDrift is 1.0 when the current prompt's hash differs from the
// registered baseline, 0.0 when it matches, nil when there is no baseline
// yet (first call for this tool).
func PromptDrift(currentPromptHash string, baselineHash *string) *float64 {
	if baselineHash == nil {
		return nil
	}
	var v float64
	if currentPromptHash != *baselineHash {
		v = 1.0
	}
	return &v
}

// CompositeScore renormalizes whichever of the three signals are present
// (non-nil) by weight, clamping each to [0, 1] before weighting.
func CompositeScore(outputInstability, numericVariance, promptDrift *float64, w Weights) float64 {
	totalWeight := 0.0
	weightedSum := 0.0

	add := func(v *float64, weight float64) {
		if v == nil {
			return
		}
		weightedSum += risk.Clamp01(*v) * weight
		totalWeight += weight
	}
	add(outputInstability, w.OutputInstability)
	add(numericVariance, w.NumericVariance)
	add(promptDrift, w.PromptDrift)

	if totalWeight == 0.0 {
		return 0.0
	}
	return risk.Clamp01(weightedSum / totalWeight)
}
