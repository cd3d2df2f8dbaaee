// Package trace models one MCP call's telemetry span and exports it to
// durable storage. The field set intentionally matches the mcp_traces
// relational schema column-for-column: every exported component
// (risk vector, policy engine, execution token, shadow lane,
// hallucination v1 path) writes into its own slice of this struct
// rather than each owning a separate export record.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// Context is one span's full telemetry record, aligned to mcp_traces.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID *string
	Service      string
	Model        *string
	ToolName     *string

	StartTime time.Time
	EndTime   *time.Time

	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Retries          int
	FallbackUsed     bool
	Confidence       *float64

	// v1 hallucination-gate fields.
	RiskTier                *string
	PromptTemplateID        *string
	PromptHash              *string
	NormalizedPromptHash    *string
	AnswerHash               *string
	GroundingScore           *float64
	VerifierScore            *float64
	SelfConsistencyScore     *float64
	NumericVarianceScore     *float64
	ToolClaimMismatch        *bool
	HallucinationRiskScore   *float64
	HallucinationRiskLevel   *string
	PromptSizeChars          int
	IsShadow                 bool
	ShadowParentTraceID      *string
	GateBlocked              bool
	FallbackType             *string
	FallbackReason           *string

	// v2 interception-path fields.
	RequestID       *string
	SessionID       *string
	Method          *string
	ToolArgsHash    *string
	ToolCriticality *string

	PolicyDecision *string
	PolicyID       *string
	PolicyVersion  *string

	GroundingRisk          *float64
	SelfConsistencyRisk    *float64
	NumericInstabilityRisk *float64
	ToolMismatchRisk       *float64
	DriftRisk              *float64
	CompositeRiskScore     *float64
	CompositeRiskLevel     *string

	ShadowDisagreementScore *float64
	ShadowNumericVariance   *float64

	ExecTokenID       *string
	ExecTokenTTLMs    *int64
	ExecTokenHash     *string
	ExecTokenVerified *bool
}

// NewContext starts a new span for service, optionally chained off a
// parent span (same trace_id, parent's span_id as parent_span_id).
func NewContext(service string, parent *Context) *Context {
	c := &Context{
		Service:   service,
		TraceID:   uuid.NewString(),
		SpanID:    uuid.NewString(),
		StartTime: time.Now().UTC(),
	}
	if parent != nil {
		c.TraceID = parent.TraceID
		parentSpan := parent.SpanID
		c.ParentSpanID = &parentSpan
	}
	return c
}

// Finish stamps EndTime with the current time.
func (c *Context) Finish() {
	now := time.Now().UTC()
	c.EndTime = &now
}

// ToMap serializes the span into exporter-friendly key/value form, matching
// the mcp_traces column names exactly so an exporter can iterate columns
// without a bespoke mapping per backend.
func (c *Context) ToMap() map[string]any {
	return map[string]any{
		"trace_id":        c.TraceID,
		"span_id":         c.SpanID,
		"parent_span_id":  c.ParentSpanID,
		"service":         c.Service,
		"model":           c.Model,
		"tool_name":       c.ToolName,

		"start_time": c.StartTime,
		"end_time":   c.EndTime,

		"prompt_tokens":     c.PromptTokens,
		"completion_tokens": c.CompletionTokens,
		"cost_usd":          c.CostUSD,
		"retries":           c.Retries,
		"fallback_used":     c.FallbackUsed,
		"confidence":        c.Confidence,

		"risk_tier":                  c.RiskTier,
		"prompt_template_id":         c.PromptTemplateID,
		"prompt_hash":                c.PromptHash,
		"normalized_prompt_hash":     c.NormalizedPromptHash,
		"answer_hash":                c.AnswerHash,
		"grounding_score":            c.GroundingScore,
		"verifier_score":             c.VerifierScore,
		"self_consistency_score":     c.SelfConsistencyScore,
		"numeric_variance_score":     c.NumericVarianceScore,
		"tool_claim_mismatch":        c.ToolClaimMismatch,
		"hallucination_risk_score":   c.HallucinationRiskScore,
		"hallucination_risk_level":   c.HallucinationRiskLevel,
		"prompt_size_chars":          c.PromptSizeChars,
		"is_shadow":                  c.IsShadow,
		"shadow_parent_trace_id":     c.ShadowParentTraceID,
		"gate_blocked":               c.GateBlocked,
		"fallback_type":              c.FallbackType,
		"fallback_reason":            c.FallbackReason,

		"request_id":       c.RequestID,
		"session_id":       c.SessionID,
		"method":           c.Method,
		"tool_args_hash":   c.ToolArgsHash,
		"tool_criticality": c.ToolCriticality,

		"policy_decision": c.PolicyDecision,
		"policy_id":       c.PolicyID,
		"policy_version":  c.PolicyVersion,

		"grounding_risk":            c.GroundingRisk,
		"self_consistency_risk":     c.SelfConsistencyRisk,
		"numeric_instability_risk":  c.NumericInstabilityRisk,
		"tool_mismatch_risk":        c.ToolMismatchRisk,
		"drift_risk":                c.DriftRisk,
		"composite_risk_score":      c.CompositeRiskScore,
		"composite_risk_level":      c.CompositeRiskLevel,

		"shadow_disagreement_score": c.ShadowDisagreementScore,
		"shadow_numeric_variance":   c.ShadowNumericVariance,

		"exec_token_id":       c.ExecTokenID,
		"exec_token_ttl_ms":   c.ExecTokenTTLMs,
		"exec_token_hash":     c.ExecTokenHash,
		"exec_token_verified": c.ExecTokenVerified,
	}
}
