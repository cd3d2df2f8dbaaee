package trace

import (
	"context"
	"database/sql"
	"sync"
)

// Exporter persists one finished span. Export must be safe to call from
// the shadow lane's fire-and-forget goroutine as well as the primary
// request path.
type Exporter interface {
	Export(ctx context.Context, c *Context) error
	Close() error
}

// InMemoryExporter collects spans in a slice, for tests and local demo
// runs without a database.
type InMemoryExporter struct {
	mu    sync.Mutex
	spans []*Context
}

// NewInMemoryExporter returns an empty exporter.
func NewInMemoryExporter() *InMemoryExporter {
	return &InMemoryExporter{}
}

func (e *InMemoryExporter) Export(_ context.Context, c *Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, c)
	return nil
}

func (e *InMemoryExporter) Close() error { return nil }

// Spans returns a snapshot copy of every exported span, in export order.
func (e *InMemoryExporter) Spans() []*Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Context, len(e.spans))
	copy(out, e.spans)
	return out
}

const mcpTracesSchema = `
CREATE TABLE IF NOT EXISTS mcp_traces (
	trace_id UUID NOT NULL,
	span_id UUID NOT NULL,
	parent_span_id UUID,
	service TEXT NOT NULL,
	model TEXT,
	tool_name TEXT,

	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ,

	prompt_tokens INT NOT NULL DEFAULT 0,
	completion_tokens INT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	retries INT NOT NULL DEFAULT 0,
	fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
	confidence DOUBLE PRECISION,

	risk_tier TEXT,
	prompt_template_id TEXT,
	prompt_hash TEXT,
	normalized_prompt_hash TEXT,
	answer_hash TEXT,
	grounding_score DOUBLE PRECISION,
	verifier_score DOUBLE PRECISION,
	self_consistency_score DOUBLE PRECISION,
	numeric_variance_score DOUBLE PRECISION,
	tool_claim_mismatch BOOLEAN,
	hallucination_risk_score DOUBLE PRECISION,
	hallucination_risk_level TEXT,
	prompt_size_chars INT NOT NULL DEFAULT 0,
	is_shadow BOOLEAN NOT NULL DEFAULT FALSE,
	shadow_parent_trace_id UUID,
	gate_blocked BOOLEAN NOT NULL DEFAULT FALSE,
	fallback_type TEXT,
	fallback_reason TEXT,

	request_id TEXT,
	session_id TEXT,
	method TEXT,
	tool_args_hash TEXT,
	tool_criticality TEXT,

	policy_decision TEXT,
	policy_id TEXT,
	policy_version TEXT,

	grounding_risk DOUBLE PRECISION,
	self_consistency_risk DOUBLE PRECISION,
	numeric_instability_risk DOUBLE PRECISION,
	tool_mismatch_risk DOUBLE PRECISION,
	drift_risk DOUBLE PRECISION,
	composite_risk_score DOUBLE PRECISION,
	composite_risk_level TEXT,

	shadow_disagreement_score DOUBLE PRECISION,
	shadow_numeric_variance DOUBLE PRECISION,

	exec_token_id TEXT,
	exec_token_ttl_ms BIGINT,
	exec_token_hash TEXT,
	exec_token_verified BOOLEAN,

	PRIMARY KEY (trace_id, span_id)
);
`

const insertTraceSQL = `
INSERT INTO mcp_traces (
	trace_id, span_id, parent_span_id, service, model, tool_name,
	start_time, end_time, prompt_tokens, completion_tokens, cost_usd,
	retries, fallback_used, confidence,
	risk_tier, prompt_template_id, prompt_hash, normalized_prompt_hash, answer_hash,
	grounding_score, verifier_score, self_consistency_score, numeric_variance_score,
	tool_claim_mismatch, hallucination_risk_score, hallucination_risk_level,
	prompt_size_chars, is_shadow, shadow_parent_trace_id, gate_blocked,
	fallback_type, fallback_reason,
	request_id, session_id, method, tool_args_hash, tool_criticality,
	policy_decision, policy_id, policy_version,
	grounding_risk, self_consistency_risk, numeric_instability_risk,
	tool_mismatch_risk, drift_risk, composite_risk_score, composite_risk_level,
	shadow_disagreement_score, shadow_numeric_variance,
	exec_token_id, exec_token_ttl_ms, exec_token_hash, exec_token_verified
)
VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10, $11,
	$12, $13, $14,
	$15, $16, $17, $18, $19,
	$20, $21, $22, $23,
	$24, $25, $26,
	$27, $28, $29, $30,
	$31, $32,
	$33, $34, $35, $36, $37,
	$38, $39, $40,
	$41, $42, $43,
	$44, $45, $46, $47,
	$48, $49,
	$50, $51, $52, $53
)
`

// PostgresExporter persists spans into mcp_traces via database/sql and
// lib/pq, one column per Context field.
type PostgresExporter struct {
	db *sql.DB
}

// NewPostgresExporter migrates the mcp_traces table (if absent) and
// returns an exporter bound to db.
func NewPostgresExporter(ctx context.Context, db *sql.DB) (*PostgresExporter, error) {
	if _, err := db.ExecContext(ctx, mcpTracesSchema); err != nil {
		return nil, err
	}
	return &PostgresExporter{db: db}, nil
}

func (e *PostgresExporter) Export(ctx context.Context, c *Context) error {
	_, err := e.db.ExecContext(ctx, insertTraceSQL,
		c.TraceID, c.SpanID, c.ParentSpanID, c.Service, c.Model, c.ToolName,
		c.StartTime, c.EndTime, c.PromptTokens, c.CompletionTokens, c.CostUSD,
		c.Retries, c.FallbackUsed, c.Confidence,
		c.RiskTier, c.PromptTemplateID, c.PromptHash, c.NormalizedPromptHash, c.AnswerHash,
		c.GroundingScore, c.VerifierScore, c.SelfConsistencyScore, c.NumericVarianceScore,
		c.ToolClaimMismatch, c.HallucinationRiskScore, c.HallucinationRiskLevel,
		c.PromptSizeChars, c.IsShadow, c.ShadowParentTraceID, c.GateBlocked,
		c.FallbackType, c.FallbackReason,
		c.RequestID, c.SessionID, c.Method, c.ToolArgsHash, c.ToolCriticality,
		c.PolicyDecision, c.PolicyID, c.PolicyVersion,
		c.GroundingRisk, c.SelfConsistencyRisk, c.NumericInstabilityRisk,
		c.ToolMismatchRisk, c.DriftRisk, c.CompositeRiskScore, c.CompositeRiskLevel,
		c.ShadowDisagreementScore, c.ShadowNumericVariance,
		c.ExecTokenID, c.ExecTokenTTLMs, c.ExecTokenHash, c.ExecTokenVerified,
	)
	return err
}

func (e *PostgresExporter) Close() error { return e.db.Close() }
