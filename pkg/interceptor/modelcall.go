package interceptor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mcpguard/interceptor/pkg/canon"
	"github.com/mcpguard/interceptor/pkg/hallucination"
	"github.com/mcpguard/interceptor/pkg/trace"
)

// ModelCallable produces a model response for a prompt. The interceptor
// treats the response as opaque apart from text extraction.
type ModelCallable func(ctx context.Context, prompt, model string) (any, error)

var (
	uuidRE      = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}\b`)
	timestampRE = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[T\s]\d{2}:\d{2}:\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?\b`)
	numberRE    = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	wsRE        = regexp.MustCompile(`\s+`)
)

// ErrNoResponse is returned when a model call has neither a call function
// nor a pre-computed response.
var ErrNoResponse = errors.New("interceptor: either Call or Response must be provided")

// ModelCallInput carries one model invocation's interception context
// (the v1 hallucination-gated path).
type ModelCallInput struct {
	Model    string
	Prompt   string
	Response any           // pre-computed response, used when Call is nil
	Call     ModelCallable // invoked when non-nil
	ToolName string

	Retries      int
	FallbackUsed bool
	Confidence   *float64
	RiskTier     string

	PromptTemplateID string
	IsShadow         bool
	ShadowParentTraceID string

	GateBlocked             *bool
	ConfidenceGateThreshold *float64
	FallbackType            string
	FallbackReason          string

	SecondaryResponse any
	RetrievedContext  *string
	ToolResultSummary *string

	// Cost accounting is out of scope for this module: the trace record
	// carries these fields because the export schema names them, but they
	// are caller-supplied pass-throughs, never computed here.
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// InterceptModelCall records telemetry around a model call and populates
// the hallucination-signal fields on the span. The span is exported even
// when the wrapped call fails; the call error then propagates unchanged.
func (i *Interceptor) InterceptModelCall(ctx context.Context, in ModelCallInput) (any, *trace.Context, error) {
	if in.Call == nil && in.Response == nil {
		return nil, nil, ErrNoResponse
	}

	span := trace.NewContext(in.Model, nil)
	model := in.Model
	span.Model = &model
	if in.ToolName != "" {
		span.ToolName = &in.ToolName
	}
	span.PromptTokens = in.PromptTokens
	span.CompletionTokens = in.CompletionTokens
	span.CostUSD = in.CostUSD
	span.Retries = in.Retries
	span.FallbackUsed = in.FallbackUsed
	span.Confidence = in.Confidence
	if in.RiskTier != "" {
		span.RiskTier = &in.RiskTier
	}
	if in.PromptTemplateID != "" {
		span.PromptTemplateID = &in.PromptTemplateID
	}
	span.PromptSizeChars = len(in.Prompt)
	promptHash := canon.SHA256Hex(in.Prompt)
	span.PromptHash = &promptHash
	normalizedHash := canon.SHA256Hex(normalizePrompt(in.Prompt))
	span.NormalizedPromptHash = &normalizedHash
	span.IsShadow = in.IsShadow
	if in.IsShadow && in.ShadowParentTraceID != "" {
		span.ShadowParentTraceID = &in.ShadowParentTraceID
	}
	span.GateBlocked = gateBlocked(in)
	if in.FallbackType != "" {
		span.FallbackType = &in.FallbackType
	}
	if in.FallbackReason != "" {
		span.FallbackReason = &in.FallbackReason
	}

	result := in.Response
	var callErr error
	if in.Call != nil {
		result, callErr = in.Call(ctx, in.Prompt, in.Model)
	}
	if callErr != nil {
		span.Finish()
		i.export(ctx, span)
		return nil, span, callErr
	}

	responseText := extractResponseText(result)
	var secondaryText *string
	if in.SecondaryResponse != nil {
		s := extractResponseText(in.SecondaryResponse)
		secondaryText = &s
	}

	i.populateHallucinationFields(ctx, span, in.Prompt, responseText, secondaryText, in.RetrievedContext, in.ToolResultSummary)

	span.Finish()
	i.export(ctx, span)
	return result, span, nil
}

func (i *Interceptor) export(ctx context.Context, span *trace.Context) {
	if i.exporter == nil {
		return
	}
	if err := i.exporter.Export(ctx, span); err != nil {
		i.logger.Warn("trace export failed", "trace_id", span.TraceID, "error", err)
	}
}

func (i *Interceptor) populateHallucinationFields(ctx context.Context, span *trace.Context, prompt, answer string, secondaryAnswer *string, retrievedContext, toolResultSummary *string) {
	cfg := i.hallucination

	if cfg.EnablePromptHash {
		pHash := canon.PromptHash(prompt)
		span.PromptHash = &pHash
		aHash := canon.PromptHash(answer)
		span.AnswerHash = &aHash
	}

	if cfg.EnableGroundingScore {
		span.GroundingScore = hallucination.GroundingScore(answer, retrievedContext)
	}

	if cfg.EnableSelfConsistency &&
		(cfg.SelfConsistencyMode == hallucination.ModeInline || cfg.SelfConsistencyMode == hallucination.ModeShadow) {
		span.SelfConsistencyScore = hallucination.SelfConsistencyScore(answer, secondaryAnswer)
	}

	if cfg.EnableNumericVariance {
		v := hallucination.NumericVarianceScore(answer, secondaryAnswer)
		span.NumericVarianceScore = &v
	}

	if cfg.EnableToolClaimMismatch {
		span.ToolClaimMismatch = hallucination.ToolClaimMismatch(answer, toolResultSummary)
	}

	if cfg.EnableVerifier {
		score, _, err := i.v1Verifier.Score(ctx, prompt, answer, retrievedContext)
		if err != nil {
			i.logger.Warn("verifier scoring failed", "error", err)
		} else {
			span.VerifierScore = &score
		}
	}

	span.HallucinationRiskScore = hallucination.ComputeRiskScore(hallucination.Scores{
		GroundingScore:       span.GroundingScore,
		SelfConsistencyScore: span.SelfConsistencyScore,
		VerifierScore:        span.VerifierScore,
		NumericVarianceScore: span.NumericVarianceScore,
		ToolClaimMismatch:    span.ToolClaimMismatch,
	}, hallucination.DefaultWeights())
	span.HallucinationRiskLevel = hallucination.RiskLevel(span.HallucinationRiskScore)
}

func gateBlocked(in ModelCallInput) bool {
	if in.GateBlocked != nil {
		return *in.GateBlocked
	}
	return in.Confidence != nil && in.ConfidenceGateThreshold != nil && *in.Confidence < *in.ConfidenceGateThreshold
}

// extractResponseText pulls a display string out of an opaque model
// response: strings pass through, maps are probed for the conventional
// text-bearing keys, everything else is formatted.
func extractResponseText(response any) string {
	switch v := response.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"text", "content", "output", "message"} {
			if s, ok := v[key].(string); ok {
				return s
			}
		}
	}
	return fmt.Sprintf("%v", response)
}

// normalizePrompt scrubs volatile substrings (UUIDs, timestamps, numbers)
// so prompts that differ only in identifiers normalize to the same hash.
func normalizePrompt(prompt string) string {
	normalized := uuidRE.ReplaceAllString(prompt, "<uuid>")
	normalized = timestampRE.ReplaceAllString(normalized, "<timestamp>")
	normalized = numberRE.ReplaceAllString(normalized, "<number>")
	normalized = wsRE.ReplaceAllString(normalized, " ")
	return strings.ToLower(strings.TrimSpace(normalized))
}
