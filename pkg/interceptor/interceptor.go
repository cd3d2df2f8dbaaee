// Package interceptor orchestrates the risk-bound execution control plane
// around every tool call: risk vector, policy decision, capability token,
// tool invocation or fallback, trace export, and shadow-lane scheduling.
package interceptor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mcpguard/interceptor/pkg/canon"
	"github.com/mcpguard/interceptor/pkg/exectoken"
	"github.com/mcpguard/interceptor/pkg/fallback"
	"github.com/mcpguard/interceptor/pkg/hallucination"
	"github.com/mcpguard/interceptor/pkg/observability"
	"github.com/mcpguard/interceptor/pkg/policy"
	"github.com/mcpguard/interceptor/pkg/risk"
	"github.com/mcpguard/interceptor/pkg/shadow"
	"github.com/mcpguard/interceptor/pkg/toolprofile"
	"github.com/mcpguard/interceptor/pkg/trace"
)

// ToolFn is the wrapped tool implementation the interceptor invokes when
// policy and token verification allow it.
type ToolFn func(ctx context.Context, toolArgs map[string]any) (any, error)

// V2Config configures the risk-bound execution control plane.
type V2Config struct {
	Enabled           bool
	ShadowForHighRisk bool
}

// DefaultV2Config enables the control plane with shadow evaluation for
// high-risk traces.
func DefaultV2Config() V2Config {
	return V2Config{Enabled: true, ShadowForHighRisk: true}
}

// Options bundles the interceptor's collaborators. Any nil field gets a
// working default so a bare Interceptor is usable in tests and demos.
type Options struct {
	Exporter      trace.Exporter
	Registry      *toolprofile.Registry
	Policy        *policy.Engine
	TokenIssuer   *exectoken.Issuer
	TokenVerifier *exectoken.Verifier
	Fallback      *fallback.Router
	Shadow        *shadow.Lane
	Hallucination hallucination.Config
	Verifier      hallucination.Verifier
	V2            V2Config
	Logger        *slog.Logger
	Observability *observability.Provider
}

// Interceptor intercepts model calls and tool executions.
type Interceptor struct {
	exporter      trace.Exporter
	registry      *toolprofile.Registry
	policy        *policy.Engine
	issuer        *exectoken.Issuer
	verifier      *exectoken.Verifier
	fallback      *fallback.Router
	shadow        *shadow.Lane
	hallucination hallucination.Config
	v1Verifier    hallucination.Verifier
	v2            V2Config
	logger        *slog.Logger
	obs           *observability.Provider
}

// New builds an Interceptor, filling in defaults for any collaborator the
// caller leaves nil.
func New(opts Options) *Interceptor {
	if opts.Registry == nil {
		opts.Registry = toolprofile.DefaultRegistry
	}
	if opts.Policy == nil {
		opts.Policy = policy.NewEngine(policy.DefaultConfig())
	}
	if opts.TokenIssuer == nil {
		opts.TokenIssuer = exectoken.NewIssuer("", 30_000, nil)
	}
	if opts.TokenVerifier == nil {
		opts.TokenVerifier = exectoken.NewVerifier("", true, nil, nil)
	}
	if opts.Fallback == nil {
		opts.Fallback = fallback.NewRouter()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Shadow == nil {
		opts.Shadow = shadow.NewLane(opts.Logger)
	}
	if opts.Verifier == nil {
		opts.Verifier = hallucination.LocalHeuristicVerifier{}
	}
	if opts.Hallucination == (hallucination.Config{}) {
		opts.Hallucination = hallucination.DefaultConfig()
	}
	if opts.V2 == (V2Config{}) {
		opts.V2 = DefaultV2Config()
	}
	return &Interceptor{
		exporter:      opts.Exporter,
		registry:      opts.Registry,
		policy:        opts.Policy,
		issuer:        opts.TokenIssuer,
		verifier:      opts.TokenVerifier,
		fallback:      opts.Fallback,
		shadow:        opts.Shadow,
		hallucination: opts.Hallucination,
		v1Verifier:    opts.Verifier,
		v2:            opts.V2,
		logger:        opts.Logger.With("component", "interceptor"),
		obs:           opts.Observability,
	}
}

// ToolCallInput carries one tool invocation's full interception context.
type ToolCallInput struct {
	ToolName string
	ToolArgs map[string]any
	ToolFn   ToolFn

	ModelAnswer        string
	ToolResultSummary  string
	RetrievedContext   string
	Prompt             string
	SecondaryAnswer    string
	PreviousPromptHash string

	PromptTemplateID string
	RequestID        string
	SessionID        string
	ShadowAnswer     string
}

// Result is the user-visible outcome of an intercepted call. Status is
// exactly one of "executed", "committed", "draft_created", "blocked", or
// "review_required"; Response carries the tool result or the routed
// fallback payload.
type Result struct {
	Status   string
	Response any
	Span     *trace.Context
}

// InterceptToolCall runs the end-to-end control plane for one tool
// invocation: risk vector, policy matrix, capability token (when
// required), then the tool itself or a fallback. Tool execution errors
// propagate to the caller unchanged, after the trace is finalized.
func (i *Interceptor) InterceptToolCall(ctx context.Context, in ToolCallInput) (Result, error) {
	var done func(error)
	if i.obs != nil {
		ctx, done = i.obs.TrackOperation(ctx, "intercept_tool_call",
			attribute.String("tool.name", in.ToolName))
	}

	span := trace.NewContext("tool-execution", nil)
	toolName := in.ToolName
	span.ToolName = &toolName
	requestID := in.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	span.RequestID = &requestID
	if in.SessionID != "" {
		span.SessionID = &in.SessionID
	}
	method := "tools/call"
	span.Method = &method
	if in.PromptTemplateID != "" {
		span.PromptTemplateID = &in.PromptTemplateID
	}

	argsDigest, err := canon.ArgsHash(in.ToolArgs)
	if err != nil {
		if done != nil {
			done(err)
		}
		return Result{}, err
	}
	span.ToolArgsHash = &argsDigest

	rv := risk.Compute(risk.Inputs{
		Prompt:             in.Prompt,
		Answer:             in.ModelAnswer,
		RetrievedContext:   in.RetrievedContext,
		SecondaryAnswer:    in.SecondaryAnswer,
		ToolResultSummary:  in.ToolResultSummary,
		PreviousPromptHash: in.PreviousPromptHash,
	})
	i.writeRiskFields(span, rv)

	profile := i.registry.Get(in.ToolName)
	criticality := strings.ToLower(string(profile.Criticality))
	span.ToolCriticality = &criticality

	riskTier := ""
	if profile.RiskTier != nil {
		riskTier = *profile.RiskTier
	}
	decision := i.policy.Evaluate(profile, rv.CompositeScore, riskTier, map[string]any{"tool_name": in.ToolName})
	policyDecision := string(decision.Decision)
	span.PolicyDecision = &policyDecision
	span.PolicyID = &decision.PolicyID
	span.PolicyVersion = &decision.PolicyVersion

	i.logger.Debug("policy evaluated",
		"tool", in.ToolName,
		"decision", decision.Decision,
		"reason", decision.Reason,
		"composite_score", rv.CompositeScore,
	)
	if i.obs != nil {
		i.obs.RecordDecision(ctx, policyDecision, attribute.String("tool.name", in.ToolName))
	}

	var result Result
	var toolErr error

	switch decision.Decision {
	case policy.Review:
		span.FallbackUsed = true
		fallbackType := "human_review"
		span.FallbackType = &fallbackType
		span.FallbackReason = &decision.Reason
		result = Result{Status: "review_required", Response: fallback.ReviewTemplate(in.ToolName, decision.Reason)}

	case policy.Block:
		result = i.routeBlocked(ctx, span, in, decision.Reason)

	default:
		result, toolErr = i.allowPath(ctx, span, in, decision, rv, argsDigest)
	}

	i.finalize(ctx, span, in, rv)
	if done != nil {
		done(toolErr)
	}
	if toolErr != nil {
		return Result{}, toolErr
	}
	result.Span = span
	return result, nil
}

// allowPath issues and immediately verifies an execution token when the
// policy requires one, seeding the replay store before the tool runs so a
// later replay of the same token is caught. A verification failure routes
// to the block path with the verifier's reason.
func (i *Interceptor) allowPath(ctx context.Context, span *trace.Context, in ToolCallInput, decision policy.Result, rv risk.Vector, argsDigest string) (Result, error) {
	if decision.RequireToken {
		issued, err := i.issuer.Issue(exectoken.IssueParams{
			TraceID:            span.TraceID,
			ToolName:           in.ToolName,
			ToolArgsHash:       argsDigest,
			Decision:           string(decision.Decision),
			CompositeRiskScore: rv.CompositeScore,
		})
		if err != nil {
			i.logger.Warn("token issuance failed", "tool", in.ToolName, "error", err)
			return i.routeBlocked(ctx, span, in, "token_issuance_failed"), nil
		}
		span.ExecTokenID = &issued.TokenID
		span.ExecTokenHash = &issued.TokenHash
		span.ExecTokenTTLMs = &issued.TTLMs
		if i.obs != nil {
			i.obs.RecordTokenIssued(ctx, attribute.String("tool.name", in.ToolName))
		}

		verification := i.verifier.Verify(issued.Token, exectoken.VerifyBinding{
			ToolName:     in.ToolName,
			ToolArgsHash: argsDigest,
		})
		valid := verification.Valid
		span.ExecTokenVerified = &valid
		if !verification.Valid {
			if verification.Reason == exectoken.ReasonTokenReplayDetected && i.obs != nil {
				i.obs.RecordTokenReplayed(ctx, attribute.String("tool.name", in.ToolName))
			}
			return i.routeBlocked(ctx, span, in, string(verification.Reason)), nil
		}
	}

	response, err := in.ToolFn(ctx, in.ToolArgs)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: "executed", Response: response}, nil
}

// routeBlocked asks the fallback router for a safe substitute and marks
// the span accordingly.
func (i *Interceptor) routeBlocked(ctx context.Context, span *trace.Context, in ToolCallInput, reason string) Result {
	span.FallbackUsed = true
	span.FallbackReason = &reason

	routed, source, err := i.fallback.Route(ctx, in.ToolName, in.ToolArgs, reason)
	if err != nil {
		i.logger.Warn("fallback handler failed, using block template",
			"tool", in.ToolName, "error", err)
		routed, source = fallback.BlockTemplate(in.ToolName, reason), fallback.SourceTemplate
	}
	fallbackType := string(source)
	span.FallbackType = &fallbackType

	return Result{Status: statusOf(routed, "blocked"), Response: routed}
}

// statusOf lets a registered safe handler speak for itself: a routed
// response that carries its own status (e.g. "draft_created") becomes the
// caller-visible status; anything else reports the fallback default.
func statusOf(routed any, fallbackStatus string) string {
	switch v := routed.(type) {
	case fallback.Response:
		if v.Status != "" {
			return v.Status
		}
	case map[string]any:
		if s, ok := v["status"].(string); ok && s != "" {
			return s
		}
	}
	return fallbackStatus
}

func (i *Interceptor) writeRiskFields(span *trace.Context, rv risk.Vector) {
	span.PromptHash = &rv.PromptHash
	span.GroundingRisk = rv.GroundingRisk
	span.SelfConsistencyRisk = rv.SelfConsistencyRisk
	span.NumericInstabilityRisk = rv.NumericInstabilityRisk
	toolMismatch := rv.ToolMismatchRisk
	span.ToolMismatchRisk = &toolMismatch
	drift := rv.DriftRisk
	span.DriftRisk = &drift
	verifierScore := 1.0 - rv.VerifierRisk
	span.VerifierScore = &verifierScore
	composite := rv.CompositeScore
	span.CompositeRiskScore = &composite
	level := rv.CompositeLevel
	span.CompositeRiskLevel = &level
	span.RiskTier = &level
}

// finalize ends the span, exports it best-effort, and schedules the
// shadow lane for high-risk traces. Export failures are logged, never
// surfaced.
func (i *Interceptor) finalize(ctx context.Context, span *trace.Context, in ToolCallInput, rv risk.Vector) {
	span.Finish()
	if i.exporter != nil {
		if err := i.exporter.Export(ctx, span); err != nil {
			i.logger.Warn("trace export failed", "trace_id", span.TraceID, "error", err)
		}
	}

	if i.v2.ShadowForHighRisk && rv.CompositeLevel == "high" {
		i.shadow.Schedule(shadow.RunParams{
			Parent:        span,
			PrimaryAnswer: in.ModelAnswer,
			ShadowAnswer:  in.ShadowAnswer,
			Exporter:      i.exporter,
		})
	}
}
