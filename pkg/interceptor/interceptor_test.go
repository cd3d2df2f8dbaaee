package interceptor

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpguard/interceptor/pkg/exectoken"
	"github.com/mcpguard/interceptor/pkg/fallback"
	"github.com/mcpguard/interceptor/pkg/policy"
	"github.com/mcpguard/interceptor/pkg/toolprofile"
	"github.com/mcpguard/interceptor/pkg/trace"
)

func newTestInterceptor(t *testing.T) (*Interceptor, *trace.InMemoryExporter, *toolprofile.Registry) {
	t.Helper()
	exporter := trace.NewInMemoryExporter()
	registry := toolprofile.NewRegistry()
	i := New(Options{
		Exporter:      exporter,
		Registry:      registry,
		TokenIssuer:   exectoken.NewIssuer("test-secret", 30_000, nil),
		TokenVerifier: exectoken.NewVerifier("test-secret", true, nil, nil),
		Logger:        slog.Default(),
	})
	return i, exporter, registry
}

func countingTool(calls *int, response any) ToolFn {
	return func(ctx context.Context, args map[string]any) (any, error) {
		*calls++
		return response, nil
	}
}

func TestLowRiskMediumToolExecutes(t *testing.T) {
	i, exporter, registry := newTestInterceptor(t)
	registry.Register(toolprofile.Profile{
		Name:        "issue_invoice_refund",
		Criticality: toolprofile.Medium,
		BlastRadius: "moderate",
	})

	calls := 0
	answer := "Refund of 54.90 USD for invoice INV-445 has been processed."
	out, err := i.InterceptToolCall(context.Background(), ToolCallInput{
		ToolName:          "issue_invoice_refund",
		ToolArgs:          map[string]any{"invoice_id": "INV-445", "amount": 54.90, "currency": "USD"},
		ToolFn:            countingTool(&calls, map[string]any{"refund_id": "R-1"}),
		ModelAnswer:       answer,
		RetrievedContext:  answer,
		ToolResultSummary: "refund processed",
		Prompt:            "refund invoice INV-445",
	})
	require.NoError(t, err)

	assert.Equal(t, "executed", out.Status)
	assert.Equal(t, 1, calls)

	spans := exporter.Spans()
	require.Len(t, spans, 1)
	span := spans[0]
	require.NotNil(t, span.PolicyDecision)
	assert.Equal(t, "ALLOW", *span.PolicyDecision)
	assert.Nil(t, span.ExecTokenID, "MEDIUM allow must not require a token")
	require.NotNil(t, span.ToolCriticality)
	assert.Equal(t, "medium", *span.ToolCriticality)
	require.NotNil(t, span.EndTime)
}

func TestHighRiskBlockRoutesToFallbackDraft(t *testing.T) {
	i, exporter, registry := newTestInterceptor(t)
	registry.Register(toolprofile.Profile{
		Name:         "initiate_wire_transfer",
		Criticality:  toolprofile.High,
		BlastRadius:  "external_funds",
		Irreversible: true,
		Regulatory:   true,
	})
	i.fallback.Register("initiate_wire_transfer", func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"status": "draft_created", "draft": "wire transfer drafted for approval"}, nil
	})

	calls := 0
	out, err := i.InterceptToolCall(context.Background(), ToolCallInput{
		ToolName:          "initiate_wire_transfer",
		ToolArgs:          map[string]any{"amount": 250000.0, "destination_iban": "DE89370400440532013000"},
		ToolFn:            countingTool(&calls, nil),
		ModelAnswer:       "executed successfully",
		ToolResultSummary: "wire transfer failed",
		RetrievedContext:  "compliance review pending for beneficiary account",
		Prompt:            "wire 250000 to DE89370400440532013000",
	})
	require.NoError(t, err)

	assert.Equal(t, "draft_created", out.Status)
	assert.Equal(t, 0, calls, "blocked call must not execute the tool")

	spans := exporter.Spans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "BLOCK", *span.PolicyDecision)
	assert.True(t, span.FallbackUsed)
	require.NotNil(t, span.ToolMismatchRisk)
	assert.InDelta(t, 1.0, *span.ToolMismatchRisk, 1e-9)
	require.NotNil(t, span.CompositeRiskScore)
	assert.GreaterOrEqual(t, *span.CompositeRiskScore, 0.35)
}

func TestHighBlockWithoutHandlerReturnsTemplate(t *testing.T) {
	i, _, registry := newTestInterceptor(t)
	registry.Register(toolprofile.Profile{Name: "delete_account", Criticality: toolprofile.High})

	calls := 0
	out, err := i.InterceptToolCall(context.Background(), ToolCallInput{
		ToolName:          "delete_account",
		ToolArgs:          map[string]any{"account": "acct-9"},
		ToolFn:            countingTool(&calls, nil),
		ModelAnswer:       "account deletion completed",
		ToolResultSummary: "deletion request timeout",
		RetrievedContext:  "unrelated context about billing cycles",
	})
	require.NoError(t, err)

	assert.Equal(t, "blocked", out.Status)
	assert.Equal(t, 0, calls)
	resp, ok := out.Response.(fallback.Response)
	require.True(t, ok)
	assert.Equal(t, "blocked", resp.Status)
	assert.NotEmpty(t, resp.Reason)
}

func TestHighMidRiskRequiresReview(t *testing.T) {
	i, exporter, registry := newTestInterceptor(t)
	registry.Register(toolprofile.Profile{Name: "rotate_keys", Criticality: toolprofile.High})

	calls := 0
	// Grounded answer, but the tool reports failure while the answer
	// claims success, and the prompt drifted from its baseline: composite
	// lands between the HIGH review and block thresholds.
	answer := "keys rotated successfully"
	out, err := i.InterceptToolCall(context.Background(), ToolCallInput{
		ToolName:           "rotate_keys",
		ToolArgs:           map[string]any{"service": "billing"},
		ToolFn:             countingTool(&calls, nil),
		ModelAnswer:        answer,
		RetrievedContext:   answer,
		ToolResultSummary:  "rotation failed",
		Prompt:             "rotate billing keys",
		PreviousPromptHash: "a-different-baseline-hash",
	})
	require.NoError(t, err)

	assert.Equal(t, "review_required", out.Status)
	assert.Equal(t, 0, calls)
	resp, ok := out.Response.(fallback.Response)
	require.True(t, ok)
	assert.Equal(t, "review_required", resp.Status)

	spans := exporter.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "REVIEW", *spans[0].PolicyDecision)
	require.NotNil(t, spans[0].FallbackType)
	assert.Equal(t, "human_review", *spans[0].FallbackType)
}

func TestHighLowRiskAllowIssuesAndVerifiesToken(t *testing.T) {
	i, exporter, registry := newTestInterceptor(t)
	registry.Register(toolprofile.Profile{Name: "rotate_keys", Criticality: toolprofile.High})

	calls := 0
	answer := "keys rotated for billing"
	out, err := i.InterceptToolCall(context.Background(), ToolCallInput{
		ToolName:          "rotate_keys",
		ToolArgs:          map[string]any{"service": "billing"},
		ToolFn:            countingTool(&calls, "rotated"),
		ModelAnswer:       answer,
		RetrievedContext:  answer,
		ToolResultSummary: "rotation completed",
		Prompt:            "rotate billing keys",
	})
	require.NoError(t, err)

	assert.Equal(t, "executed", out.Status)
	assert.Equal(t, 1, calls)

	span := exporter.Spans()[0]
	require.NotNil(t, span.ExecTokenID)
	require.NotNil(t, span.ExecTokenHash)
	require.NotNil(t, span.ExecTokenVerified)
	assert.True(t, *span.ExecTokenVerified)
}

func TestTokenVerificationFailureRoutesToBlock(t *testing.T) {
	exporter := trace.NewInMemoryExporter()
	registry := toolprofile.NewRegistry()
	registry.Register(toolprofile.Profile{Name: "rotate_keys", Criticality: toolprofile.High})
	// Issuer and verifier disagree on the secret, so the
	// issue-then-verify step fails with invalid_signature.
	i := New(Options{
		Exporter:      exporter,
		Registry:      registry,
		TokenIssuer:   exectoken.NewIssuer("secret-a", 30_000, nil),
		TokenVerifier: exectoken.NewVerifier("secret-b", true, nil, nil),
	})

	calls := 0
	answer := "keys rotated for billing"
	out, err := i.InterceptToolCall(context.Background(), ToolCallInput{
		ToolName:          "rotate_keys",
		ToolArgs:          map[string]any{"service": "billing"},
		ToolFn:            countingTool(&calls, nil),
		ModelAnswer:       answer,
		RetrievedContext:  answer,
		ToolResultSummary: "rotation completed",
	})
	require.NoError(t, err)

	assert.Equal(t, "blocked", out.Status)
	assert.Equal(t, 0, calls)

	span := exporter.Spans()[0]
	require.NotNil(t, span.ExecTokenVerified)
	assert.False(t, *span.ExecTokenVerified)
	require.NotNil(t, span.FallbackReason)
	assert.Equal(t, "invalid_signature", *span.FallbackReason)
}

func TestToolErrorPropagatesAfterExport(t *testing.T) {
	i, exporter, registry := newTestInterceptor(t)
	registry.Register(toolprofile.Profile{Name: "lookup_rates", Criticality: toolprofile.Low})

	boom := errors.New("upstream rate service unavailable")
	_, err := i.InterceptToolCall(context.Background(), ToolCallInput{
		ToolName: "lookup_rates",
		ToolArgs: map[string]any{"pair": "EUR/USD"},
		ToolFn: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, boom
		},
		ModelAnswer: "looking up rates",
	})
	require.ErrorIs(t, err, boom)
	assert.Len(t, exporter.Spans(), 1, "span must be exported before the error propagates")
}

func TestHighRiskSchedulesShadowLane(t *testing.T) {
	i, exporter, registry := newTestInterceptor(t)
	registry.Register(toolprofile.Profile{Name: "initiate_wire_transfer", Criticality: toolprofile.High})

	_, err := i.InterceptToolCall(context.Background(), ToolCallInput{
		ToolName:          "initiate_wire_transfer",
		ToolArgs:          map[string]any{"amount": 100},
		ToolFn:            countingTool(new(int), nil),
		ModelAnswer:       "transfer executed successfully",
		ToolResultSummary: "transfer failed",
		RetrievedContext:  "totally unrelated retrieved material",
		ShadowAnswer:      "transfer could not be completed",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, s := range exporter.Spans() {
			if s.IsShadow {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "shadow span should be exported asynchronously")

	var shadowSpan *trace.Context
	for _, s := range exporter.Spans() {
		if s.IsShadow {
			shadowSpan = s
		}
	}
	require.NotNil(t, shadowSpan)
	require.NotNil(t, shadowSpan.ShadowParentTraceID)
	require.NotNil(t, shadowSpan.ShadowDisagreementScore)
	assert.Greater(t, *shadowSpan.ShadowDisagreementScore, 0.0)
}

func TestUnregisteredToolDefaultsToLowAndExecutes(t *testing.T) {
	i, exporter, _ := newTestInterceptor(t)

	calls := 0
	out, err := i.InterceptToolCall(context.Background(), ToolCallInput{
		ToolName:    "never_registered",
		ToolArgs:    map[string]any{"x": 1},
		ToolFn:      countingTool(&calls, "ok"),
		ModelAnswer: "done",
	})
	require.NoError(t, err)
	assert.Equal(t, "executed", out.Status)
	assert.Equal(t, 1, calls)

	span := exporter.Spans()[0]
	assert.Equal(t, "low", *span.ToolCriticality)
	assert.Equal(t, "ALLOW", *span.PolicyDecision)
}

func TestInjectedPolicyEngine(t *testing.T) {
	exporter := trace.NewInMemoryExporter()
	registry := toolprofile.NewRegistry()
	registry.Register(toolprofile.Profile{Name: "audited_tool", Criticality: toolprofile.Medium, Regulatory: true})
	i := New(Options{
		Exporter: exporter,
		Registry: registry,
		Policy:   policy.NewEngine(policy.DefaultConfig()),
	})

	answer := "the audit entry was recorded"
	out, err := i.InterceptToolCall(context.Background(), ToolCallInput{
		ToolName:         "audited_tool",
		ToolArgs:         map[string]any{"entry": "e-1"},
		ToolFn:           countingTool(new(int), "recorded"),
		ModelAnswer:      answer,
		RetrievedContext: answer,
	})
	require.NoError(t, err)
	assert.Equal(t, "executed", out.Status)
}

func TestInterceptModelCallRequiresResponseOrCall(t *testing.T) {
	i, _, _ := newTestInterceptor(t)
	_, _, err := i.InterceptModelCall(context.Background(), ModelCallInput{Model: "m", Prompt: "p"})
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestInterceptModelCallPopulatesHallucinationFields(t *testing.T) {
	i, exporter, _ := newTestInterceptor(t)

	contextText := "the invoice INV-445 was refunded for 54.90 USD"
	summary := "refund failed"
	result, span, err := i.InterceptModelCall(context.Background(), ModelCallInput{
		Model:             "demo-model",
		Prompt:            "did the refund complete?",
		Response:          "the refund completed successfully",
		RetrievedContext:  &contextText,
		ToolResultSummary: &summary,
	})
	require.NoError(t, err)
	assert.Equal(t, "the refund completed successfully", result)

	require.NotNil(t, span.GroundingScore)
	require.NotNil(t, span.ToolClaimMismatch)
	assert.True(t, *span.ToolClaimMismatch)
	require.NotNil(t, span.VerifierScore)
	require.NotNil(t, span.HallucinationRiskScore)
	require.NotNil(t, span.HallucinationRiskLevel)
	assert.Len(t, exporter.Spans(), 1)
}

func TestInterceptModelCallExportsSpanOnCallError(t *testing.T) {
	i, exporter, _ := newTestInterceptor(t)

	boom := errors.New("model backend down")
	_, span, err := i.InterceptModelCall(context.Background(), ModelCallInput{
		Model:  "demo-model",
		Prompt: "p",
		Call: func(ctx context.Context, prompt, model string) (any, error) {
			return nil, boom
		},
	})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, span)
	require.NotNil(t, span.EndTime)
	assert.Len(t, exporter.Spans(), 1)
}

func TestNormalizePromptScrubsVolatileTokens(t *testing.T) {
	a := normalizePrompt("Refund 54.90 for 550e8400-e29b-41d4-a716-446655440000 at 2026-08-01T10:00:00Z")
	b := normalizePrompt("Refund 12.34 for 6ba7b810-9dad-11d1-80b4-00c04fd430c8 at 2025-01-15T23:59:59Z")
	assert.Equal(t, a, b)
}
