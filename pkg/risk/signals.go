// Package risk computes the per-call risk signals and folds them into the
// composite risk vector the policy engine evaluates against.
//
// Every function here is pure and synchronous: no I/O, no clocks, no
// randomness. Absence of an input (e.g. no retrieved context) is encoded
// as a nil *float64 result ("no contribution"), never as a zero value,
// so the composite score renormalizes correctly over present components.
package risk

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mcpguard/interceptor/pkg/canon"
)

var (
	wordRE = regexp.MustCompile(`\b\w+\b`)
	numRE  = regexp.MustCompile(`[-+]?\d*\.?\d+`)
)

const epsilon = 1e-9

var (
	failureMarkers = []string{"fail", "error", "declined", "denied", "timeout"}
	successMarkers = []string{"success", "completed", "done", "sent", "processed"}
	hedgingMarkers = []string{"maybe", "not sure", "possibly", "might"}
	absoluteMarkers = []string{"always", "definitely", "guaranteed", "never"}
)

// Tokenize extracts the alphanumeric word-boundary token set of s after
// normalization.
func Tokenize(s string) map[string]struct{} {
	out := map[string]struct{}{}
	if s == "" {
		return out
	}
	for _, w := range wordRE.FindAllString(canon.NormalizeText(s), -1) {
		out[w] = struct{}{}
	}
	return out
}

// Jaccard returns |a∩b|/|a∪b|. Both-empty and empty-union are defined as
// 1.0 (perfect agreement, guards against division by zero).
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	union := map[string]struct{}{}
	for k := range a {
		union[k] = struct{}{}
	}
	for k := range b {
		union[k] = struct{}{}
	}
	if len(union) == 0 {
		return 1.0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(union))
}

// Clamp01 clamps x into [0, 1].
func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func extractNumbers(text string) []float64 {
	if text == "" {
		return nil
	}
	matches := numRE.FindAllString(text, -1)
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// GroundingRisk = 1 - jaccard(tokens(answer), tokens(context)); absent if
// context is empty.
func GroundingRisk(answer, retrievedContext string) *float64 {
	if retrievedContext == "" {
		return nil
	}
	score := Jaccard(Tokenize(answer), Tokenize(retrievedContext))
	v := Clamp01(1.0 - score)
	return &v
}

// SelfConsistencyRisk = 1 - jaccard(tokens(primary), tokens(secondary));
// absent if secondary is empty.
func SelfConsistencyRisk(answer, secondaryAnswer string) *float64 {
	if secondaryAnswer == "" {
		return nil
	}
	score := Jaccard(Tokenize(answer), Tokenize(secondaryAnswer))
	v := Clamp01(1.0 - score)
	return &v
}

// NumericInstabilityRisk compares numbers extracted from the primary and
// (if present) secondary answer. With a secondary answer present, it is
// the mean relative difference over paired positions (1.0 if neither
// extracts a number at a shared position); without one, it is the
// normalized spread of the primary's own numbers (0 with fewer than two).
// Absent (nil) only when the primary has no numbers at all.
func NumericInstabilityRisk(answer, secondaryAnswer string) *float64 {
	primary := extractNumbers(answer)
	if len(primary) == 0 {
		return nil
	}

	if secondaryAnswer != "" {
		secondary := extractNumbers(secondaryAnswer)
		n := len(primary)
		if len(secondary) < n {
			n = len(secondary)
		}
		if n == 0 {
			v := 1.0
			return &v
		}
		diffs := make([]float64, n)
		for i := 0; i < n; i++ {
			denom := epsilon
			if abs(primary[i]) > denom {
				denom = abs(primary[i])
			}
			diffs[i] = abs(primary[i]-secondary[i]) / denom
		}
		v := Clamp01(mean(diffs))
		return &v
	}

	if len(primary) < 2 {
		v := 0.0
		return &v
	}
	mx, mn := primary[0], primary[0]
	for _, p := range primary {
		if p > mx {
			mx = p
		}
		if p < mn {
			mn = p
		}
	}
	avg := mean(primary)
	denom := epsilon
	if abs(avg) > denom {
		denom = abs(avg)
	}
	v := Clamp01((mx - mn) / denom)
	return &v
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// ToolMismatchRisk is 1.0 when tool_summary contains a failure marker and
// answer contains a success marker, else 0.0. Never absent; 0.0 when
// tool_summary is empty.
func ToolMismatchRisk(answer, toolResultSummary string) float64 {
	if toolResultSummary == "" {
		return 0.0
	}
	answerN := canon.NormalizeText(answer)
	toolN := canon.NormalizeText(toolResultSummary)
	if containsAny(toolN, failureMarkers) && containsAny(answerN, successMarkers) {
		return 1.0
	}
	return 0.0
}

// DriftRisk is 1.0 when both hashes are present and differ, else 0.0.
// Never absent.
func DriftRisk(previousPromptHash, currentPromptHash string) float64 {
	if previousPromptHash == "" || currentPromptHash == "" {
		return 0.0
	}
	if previousPromptHash != currentPromptHash {
		return 1.0
	}
	return 0.0
}

// VerifierRisk starts at a goodness score of 1.0, subtracts 0.2 for
// hedging language, 0.15 for absolute claims, and 0.25 if lowGrounding is
// set, then converts the clamped goodness score into risk (1 - goodness).
// Never absent.
func VerifierRisk(answer string, lowGrounding bool) float64 {
	text := canon.NormalizeText(answer)
	score := 1.0
	if containsAny(text, hedgingMarkers) {
		score -= 0.2
	}
	if containsAny(text, absoluteMarkers) {
		score -= 0.15
	}
	if lowGrounding {
		score -= 0.25
	}
	return Clamp01(1.0 - Clamp01(score))
}
