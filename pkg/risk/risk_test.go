package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroundingRiskAbsentWhenNoContext(t *testing.T) {
	assert.Nil(t, GroundingRisk("the answer", ""))
}

func TestGroundingRiskPerfectOverlap(t *testing.T) {
	r := GroundingRisk("the cat sat", "the cat sat")
	require.NotNil(t, r)
	assert.InDelta(t, 0.0, *r, 1e-9)
}

func TestToolMismatchRiskDetectsClaim(t *testing.T) {
	assert.Equal(t, 1.0, ToolMismatchRisk("executed successfully", "wire transfer failed"))
	assert.Equal(t, 0.0, ToolMismatchRisk("executed successfully", ""))
	assert.Equal(t, 0.0, ToolMismatchRisk("it did not happen", "wire transfer failed"))
}

func TestDriftRiskOnlyWhenBothPresentAndDiffer(t *testing.T) {
	assert.Equal(t, 0.0, DriftRisk("", "abc"))
	assert.Equal(t, 0.0, DriftRisk("abc", "abc"))
	assert.Equal(t, 1.0, DriftRisk("abc", "def"))
}

func TestNumericInstabilitySingleCandidateSpread(t *testing.T) {
	r := NumericInstabilityRisk("values: 10 and 10", "")
	require.NotNil(t, r)
	assert.InDelta(t, 0.0, *r, 1e-9)

	r2 := NumericInstabilityRisk("100", "")
	require.NotNil(t, r2)
	assert.InDelta(t, 0.0, *r2, 1e-9)

	assert.Nil(t, NumericInstabilityRisk("no numbers here", ""))
}

func TestNumericInstabilityPairedCandidates(t *testing.T) {
	r := NumericInstabilityRisk("amount validated: 100", "amount validated: 101")
	require.NotNil(t, r)
	assert.InDelta(t, 0.01, *r, 1e-6)
}

func TestVerifierRiskHedgingAndAbsoluteAndLowGrounding(t *testing.T) {
	assert.InDelta(t, 0.0, VerifierRisk("this is a confident statement", false), 1e-9)
	assert.InDelta(t, 0.2, VerifierRisk("maybe this worked", false), 1e-9)
	assert.InDelta(t, 0.15, VerifierRisk("it definitely worked", false), 1e-9)
	assert.InDelta(t, 0.25, VerifierRisk("it worked", true), 1e-9)
}

func TestCompositeScoreRenormalizesOverPresentComponents(t *testing.T) {
	g := 1.0
	components := map[string]*float64{
		ComponentGrounding: &g,
	}
	score, level := CompositeScore(components, DefaultWeights)
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.Equal(t, "high", level)
}

func TestCompositeScoreAllAbsentIsLow(t *testing.T) {
	score, level := CompositeScore(map[string]*float64{}, DefaultWeights)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, "low", level)
}

// A failed tool result paired with a success-claiming answer that is not
// grounded in the retrieved context must push the composite into the high
// band.
func TestComputeHighRiskToolMismatchScenario(t *testing.T) {
	v := Compute(Inputs{
		Prompt:            "initiate wire transfer",
		Answer:            "Transfer executed successfully.",
		RetrievedContext:  "compliance review pending for beneficiary account",
		ToolResultSummary: "wire transfer failed",
	})
	assert.Equal(t, 1.0, v.ToolMismatchRisk)
	assert.GreaterOrEqual(t, v.CompositeScore, 0.35)
	assert.Equal(t, "high", v.CompositeLevel)
}

// A grounded answer with no tool summary stays in the low band.
func TestComputeLowRiskGroundedScenario(t *testing.T) {
	v := Compute(Inputs{
		Prompt:           "refund invoice",
		Answer:           "refund of 54.90 usd processed for invoice inv-445",
		RetrievedContext: "refund of 54.90 usd processed for invoice inv-445",
	})
	assert.Less(t, v.CompositeScore, 0.50)
}

func TestJaccardBothEmpty(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard(Tokenize(""), Tokenize("")))
}
