package hallucination

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/mcpguard/interceptor/pkg/canon"
	"github.com/mcpguard/interceptor/pkg/risk"
)

var numRE = regexp.MustCompile(`[-+]?\d*\.?\d+`)

// SelfConsistencyScore is the Jaccard similarity between the primary and
// secondary answer token sets, nil when no secondary answer exists.
// Unlike pkg/risk's SelfConsistencyRisk this is a goodness score (1.0 =
// perfectly consistent).
func SelfConsistencyScore(primary string, secondary *string) *float64 {
	if secondary == nil {
		return nil
	}
	v := risk.Clamp01(risk.Jaccard(risk.Tokenize(primary), risk.Tokenize(*secondary)))
	return &v
}

// NumericVarianceScore measures numeric disagreement between the primary
// answer and an optional secondary answer. With a secondary answer, it is
// the mean relative difference over paired number positions — 0.0 when
// there are no pairs (the v1 convention; the v2 risk vector scores the
// same case 1.0). Without one, it is the normalized spread of the
// primary's own numbers, 0.0 with fewer than two.
func NumericVarianceScore(primary string, secondary *string) float64 {
	numsPrimary := extractNumbers(primary)

	if secondary != nil {
		numsSecondary := extractNumbers(*secondary)
		n := len(numsPrimary)
		if len(numsSecondary) < n {
			n = len(numsSecondary)
		}
		if n == 0 {
			return 0.0
		}
		sum := 0.0
		for i := 0; i < n; i++ {
			denom := 1e-9
			if a := absf(numsPrimary[i]); a > denom {
				denom = a
			}
			sum += absf(numsPrimary[i]-numsSecondary[i]) / denom
		}
		return risk.Clamp01(sum / float64(n))
	}

	if len(numsPrimary) < 2 {
		return 0.0
	}
	mx, mn, sum := numsPrimary[0], numsPrimary[0], 0.0
	for _, x := range numsPrimary {
		if x > mx {
			mx = x
		}
		if x < mn {
			mn = x
		}
		sum += x
	}
	avg := sum / float64(len(numsPrimary))
	denom := 1e-9
	if a := absf(avg); a > denom {
		denom = a
	}
	return risk.Clamp01((mx - mn) / denom)
}

// ToolClaimMismatch reports whether the tool result summary describes a
// failure while the model answer claims success. Nil when there is no
// tool result to check against.
func ToolClaimMismatch(answer string, toolResultSummary *string) *bool {
	if toolResultSummary == nil {
		return nil
	}
	failedWords := []string{"failed", "error", "declined"}
	successWords := []string{"completed", "success", "done", "sent"}

	summary := canon.NormalizeText(*toolResultSummary)
	answerText := canon.NormalizeText(answer)
	v := containsAny(summary, failedWords) && containsAny(answerText, successWords)
	return &v
}

// GroundingScore is the Jaccard similarity between the answer and the
// retrieved context, nil when there is no context.
func GroundingScore(answer string, retrievedContext *string) *float64 {
	if retrievedContext == nil {
		return nil
	}
	v := risk.Clamp01(risk.Jaccard(risk.Tokenize(answer), risk.Tokenize(*retrievedContext)))
	return &v
}

// Verifier scores an answer's trustworthiness in [0, 1] with a short
// reason string. Implementations may call out to a model; the default is
// a local heuristic.
type Verifier interface {
	Score(ctx context.Context, prompt, answer string, retrievedContext *string) (float64, string, error)
}

// LocalHeuristicVerifier is a cheap, dependency-free Verifier: it docks
// the score for hedging language, absolute claims, and low grounding
// overlap.
type LocalHeuristicVerifier struct{}

func (LocalHeuristicVerifier) Score(_ context.Context, _, answer string, retrievedContext *string) (float64, string, error) {
	score := 1.0
	var reasons []string
	answerNorm := canon.NormalizeText(answer)

	if containsAny(answerNorm, []string{"not sure", "i think", "maybe"}) {
		score -= 0.25
		reasons = append(reasons, "hedging_language")
	}
	if containsAny(answerNorm, []string{"definitely", "guaranteed"}) {
		score -= 0.25
		reasons = append(reasons, "absolute_claims")
	}
	if g := GroundingScore(answer, retrievedContext); g != nil && *g < 0.10 {
		score -= 0.25
		reasons = append(reasons, "low_grounding")
	}

	reason := "ok"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, ",")
	}
	return risk.Clamp01(score), reason, nil
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

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
