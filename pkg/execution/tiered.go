// Package execution applies tier-based acceptance policy to intercepted
// model calls: each tier caps cost and floors confidence and
// hallucination risk, with a deterministic fallback path when a response
// breaches its tier.
package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcpguard/interceptor/pkg/interceptor"
	"github.com/mcpguard/interceptor/pkg/risk"
	"github.com/mcpguard/interceptor/pkg/trace"
)

// FallbackFn produces a deterministic substitute response when the model
// response breaches its tier policy.
type FallbackFn func(ctx context.Context, prompt, model string) (any, error)

// Tier holds the policy thresholds for one execution tier.
type Tier struct {
	Name                 string
	MaxCostUSD           float64
	MinConfidence        float64
	MaxHallucinationRisk float64
}

// Config is a three-tier policy ladder anchored by a base cost budget.
type Config struct {
	BaseCostUSD float64
	Tier1       Tier
	Tier2       Tier
	Tier3       Tier
}

// FromBaseCostParams tunes the ladder FromBaseCost builds. Zero-valued
// Tier2/Tier3 multiplier/threshold fields take the standard defaults; the
// Tier1 thresholds have no defaults and are used as given.
type FromBaseCostParams struct {
	Tier1Confidence        float64
	Tier1HallucinationRisk float64

	Tier2CostMultiplier    float64
	Tier2Confidence        float64
	Tier2HallucinationRisk float64

	Tier3CostMultiplier    float64
	Tier3Confidence        float64
	Tier3HallucinationRisk float64
}

// FromBaseCost builds a standard three-tier policy from one base cost
// budget: each higher tier affords more cost but demands more confidence
// and less hallucination risk.
func FromBaseCost(baseCostUSD float64, p FromBaseCostParams) Config {
	if p.Tier2CostMultiplier == 0 {
		p.Tier2CostMultiplier = 2.0
	}
	if p.Tier2Confidence == 0 {
		p.Tier2Confidence = 0.75
	}
	if p.Tier2HallucinationRisk == 0 {
		p.Tier2HallucinationRisk = 0.30
	}
	if p.Tier3CostMultiplier == 0 {
		p.Tier3CostMultiplier = 3.0
	}
	if p.Tier3Confidence == 0 {
		p.Tier3Confidence = 0.85
	}
	if p.Tier3HallucinationRisk == 0 {
		p.Tier3HallucinationRisk = 0.20
	}
	return Config{
		BaseCostUSD: baseCostUSD,
		Tier1: Tier{
			Name:                 "tier_1",
			MaxCostUSD:           baseCostUSD,
			MinConfidence:        p.Tier1Confidence,
			MaxHallucinationRisk: p.Tier1HallucinationRisk,
		},
		Tier2: Tier{
			Name:                 "tier_2",
			MaxCostUSD:           baseCostUSD * p.Tier2CostMultiplier,
			MinConfidence:        p.Tier2Confidence,
			MaxHallucinationRisk: p.Tier2HallucinationRisk,
		},
		Tier3: Tier{
			Name:                 "tier_3",
			MaxCostUSD:           baseCostUSD * p.Tier3CostMultiplier,
			MinConfidence:        p.Tier3Confidence,
			MaxHallucinationRisk: p.Tier3HallucinationRisk,
		},
	}
}

// ResolveTier resolves a tier by name.
func (c Config) ResolveTier(name string) (Tier, error) {
	switch name {
	case c.Tier1.Name:
		return c.Tier1, nil
	case c.Tier2.Name:
		return c.Tier2, nil
	case c.Tier3.Name:
		return c.Tier3, nil
	}
	return Tier{}, fmt.Errorf("execution: unknown tier %q (expected one of: %s, %s, %s)",
		name, c.Tier1.Name, c.Tier2.Name, c.Tier3.Name)
}

// Decision is the policy outcome for one executed call.
type Decision struct {
	Tier                  string
	Accepted              bool
	ResponseSource        string // "mcp", "deterministic_fallback", or "none"
	CostBreached          bool
	ConfidenceBreached    bool
	HallucinationBreached bool
	FallbackUsed          bool
	FallbackReason        string
}

// Result is the output envelope containing the accepted (or substituted)
// response plus policy metadata.
type Result struct {
	Response     any
	Decision     Decision
	Span         *trace.Context
	FallbackSpan *trace.Context
}

// ErrNoResponse is returned when Execute is given neither a call nor a
// pre-computed response.
var ErrNoResponse = errors.New("execution: either Call or Response must be provided")

// Engine executes model calls under tier policy with deterministic
// fallback.
type Engine struct {
	interceptor *interceptor.Interceptor
	config      Config
}

// NewEngine builds an Engine over an interceptor and tier ladder.
func NewEngine(ic *interceptor.Interceptor, config Config) *Engine {
	if ic == nil {
		panic("execution: interceptor must not be nil")
	}
	return &Engine{interceptor: ic, config: config}
}

// ExecuteInput carries one tiered model execution.
type ExecuteInput struct {
	TierName string
	Model    string
	Prompt   string

	Call     interceptor.ModelCallable
	Response any

	Fallback FallbackFn

	Confidence        *float64
	SecondaryResponse any
	RetrievedContext  *string
	ToolResultSummary *string
	ToolName          string

	// Cost fields are caller-supplied pass-throughs (cost heuristics are
	// out of scope); CostUSD participates in the tier's cost-breach check.
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Execute runs the model call through the interceptor, checks the
// resulting span against the tier's cost/confidence/hallucination
// thresholds, and falls back to the deterministic function when breached.
// A cost breach alone is recorded but does not reject the response.
func (e *Engine) Execute(ctx context.Context, in ExecuteInput) (Result, error) {
	tier, err := e.config.ResolveTier(in.TierName)
	if err != nil {
		return Result{}, err
	}
	if in.Call == nil && in.Response == nil {
		return Result{}, ErrNoResponse
	}

	response, span, err := e.interceptor.InterceptModelCall(ctx, interceptor.ModelCallInput{
		Model:             in.Model,
		Prompt:            in.Prompt,
		Response:          in.Response,
		Call:              in.Call,
		ToolName:          in.ToolName,
		Confidence:        in.Confidence,
		SecondaryResponse: in.SecondaryResponse,
		RetrievedContext:  in.RetrievedContext,
		ToolResultSummary: in.ToolResultSummary,
		PromptTokens:      in.PromptTokens,
		CompletionTokens:  in.CompletionTokens,
		CostUSD:           in.CostUSD,
	})
	if err != nil {
		return Result{}, err
	}

	effectiveConfidence := effectiveConfidence(in.Confidence, span)
	costBreached := span.CostUSD > tier.MaxCostUSD
	confidenceBreached := effectiveConfidence == nil || *effectiveConfidence < tier.MinConfidence
	hallucinationRisk := 1.0
	if span.HallucinationRiskScore != nil {
		hallucinationRisk = *span.HallucinationRiskScore
	}
	hallucinationBreached := hallucinationRisk > tier.MaxHallucinationRisk

	if !confidenceBreached && !hallucinationBreached {
		reason := ""
		if costBreached {
			reason = "cost_breached"
		}
		return Result{
			Response: response,
			Decision: Decision{
				Tier:           tier.Name,
				Accepted:       true,
				ResponseSource: "mcp",
				CostBreached:   costBreached,
				FallbackReason: reason,
			},
			Span: span,
		}, nil
	}

	reason := breachReason(confidenceBreached, hallucinationBreached)

	if in.Fallback == nil {
		return Result{
			Response: nil,
			Decision: Decision{
				Tier:                  tier.Name,
				Accepted:              false,
				ResponseSource:        "none",
				CostBreached:          costBreached,
				ConfidenceBreached:    confidenceBreached,
				HallucinationBreached: hallucinationBreached,
				FallbackReason:        reason,
			},
			Span: span,
		}, nil
	}

	fallbackResponse, err := in.Fallback(ctx, in.Prompt, in.Model)
	if err != nil {
		return Result{}, fmt.Errorf("execution: deterministic fallback: %w", err)
	}
	confidence := 1.0
	gateBlocked := true
	_, fallbackSpan, err := e.interceptor.InterceptModelCall(ctx, interceptor.ModelCallInput{
		Model:          in.Model + ":deterministic_fallback",
		Prompt:         in.Prompt,
		Response:       fallbackResponse,
		ToolName:       in.ToolName,
		Confidence:     &confidence,
		FallbackUsed:   true,
		GateBlocked:    &gateBlocked,
		FallbackType:   "deterministic",
		FallbackReason: reason,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Response: fallbackResponse,
		Decision: Decision{
			Tier:                  tier.Name,
			Accepted:              false,
			ResponseSource:        "deterministic_fallback",
			CostBreached:          costBreached,
			ConfidenceBreached:    confidenceBreached,
			HallucinationBreached: hallucinationBreached,
			FallbackUsed:          true,
			FallbackReason:        reason,
		},
		Span:         span,
		FallbackSpan: fallbackSpan,
	}, nil
}

func breachReason(confidenceBreached, hallucinationBreached bool) string {
	switch {
	case confidenceBreached && hallucinationBreached:
		return "low_confidence+high_hallucination"
	case confidenceBreached:
		return "low_confidence"
	case hallucinationBreached:
		return "high_hallucination"
	}
	return "policy_breach"
}

// effectiveConfidence resolves confidence observability-first: an
// explicit value wins, then the span's own confidence, then the inverse
// of the hallucination risk already computed from every available signal.
func effectiveConfidence(explicit *float64, span *trace.Context) *float64 {
	if explicit != nil {
		v := risk.Clamp01(*explicit)
		return &v
	}
	if span.Confidence != nil {
		v := risk.Clamp01(*span.Confidence)
		return &v
	}
	if span.HallucinationRiskScore != nil {
		v := risk.Clamp01(1.0 - *span.HallucinationRiskScore)
		return &v
	}
	return nil
}
