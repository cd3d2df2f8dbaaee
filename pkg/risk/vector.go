package risk

import "github.com/mcpguard/interceptor/pkg/canon"

// Vector is one call's full risk picture: the prompt hash plus the six
// risk components and their composite fold.
type Vector struct {
	PromptHash string

	GroundingRisk         *float64
	SelfConsistencyRisk   *float64
	NumericInstabilityRisk *float64
	ToolMismatchRisk      float64
	DriftRisk             float64
	VerifierRisk          float64

	CompositeScore float64
	CompositeLevel string
}

// Inputs bundles the raw text needed to compute a Vector for one tool
// call. Empty strings mean the input is unavailable.
type Inputs struct {
	Prompt            string
	Answer            string
	RetrievedContext  string
	SecondaryAnswer   string
	ToolResultSummary string
	PreviousPromptHash string
}

// Compute sequences the six signal functions (grounding,
// self-consistency, numeric, tool-mismatch, drift, verifier — verifier
// last since it consumes the grounding result), then folds the result
// into a composite score.
func Compute(in Inputs) Vector {
	pHash := canon.PromptHash(in.Prompt)

	grounding := GroundingRisk(in.Answer, in.RetrievedContext)
	selfConsistency := SelfConsistencyRisk(in.Answer, in.SecondaryAnswer)
	numeric := NumericInstabilityRisk(in.Answer, in.SecondaryAnswer)
	toolMismatch := ToolMismatchRisk(in.Answer, in.ToolResultSummary)
	drift := DriftRisk(in.PreviousPromptHash, pHash)

	lowGrounding := grounding != nil && *grounding > 0.75
	verifier := VerifierRisk(in.Answer, lowGrounding)

	components := map[string]*float64{
		ComponentGrounding:    grounding,
		ComponentSelfConsist:  selfConsistency,
		ComponentVerifier:     &verifier,
		ComponentNumeric:      numeric,
		ComponentToolMismatch: &toolMismatch,
		ComponentDrift:        &drift,
	}
	score, level := CompositeScore(components, DefaultWeights)

	return Vector{
		PromptHash:             pHash,
		GroundingRisk:          grounding,
		SelfConsistencyRisk:    selfConsistency,
		NumericInstabilityRisk: numeric,
		ToolMismatchRisk:       toolMismatch,
		DriftRisk:              drift,
		VerifierRisk:           verifier,
		CompositeScore:         score,
		CompositeLevel:         level,
	}
}
