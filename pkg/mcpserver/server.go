package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mcpguard/interceptor/pkg/fallback"
	"github.com/mcpguard/interceptor/pkg/interceptor"
	"github.com/mcpguard/interceptor/pkg/propose"
	"github.com/mcpguard/interceptor/pkg/toolprofile"
)

// ToolHandler executes the actual tool logic once the control plane
// allows it.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Config configures the MCP server surface.
type Config struct {
	ServerName string
	Version    string
}

// Server exposes intercepted tool execution over HTTP.
type Server struct {
	config   Config
	ic       *interceptor.Interceptor
	proposer *propose.Proposer
	commits  *propose.Verifier
	registry *toolprofile.Registry
	manifest *CapabilityManifest
	limiter  *RateLimiter
	logger   *slog.Logger

	mu    sync.RWMutex
	tools map[string]ToolHandler
}

// Option configures optional Server settings.
type Option func(*Server)

// WithProposer enables the two-phase propose/commit endpoints.
func WithProposer(p *propose.Proposer, v *propose.Verifier) Option {
	return func(s *Server) {
		s.proposer = p
		s.commits = v
	}
}

// WithRateLimiter applies a per-tool rate limit to the propose endpoint.
func WithRateLimiter(l *RateLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates an MCP server over an interceptor and tool registry.
func NewServer(config Config, ic *interceptor.Interceptor, registry *toolprofile.Registry, opts ...Option) *Server {
	if ic == nil {
		panic("mcpserver: interceptor must not be nil")
	}
	if registry == nil {
		registry = toolprofile.DefaultRegistry
	}
	s := &Server{
		config:   config,
		ic:       ic,
		registry: registry,
		manifest: NewCapabilityManifest(),
		logger:   slog.Default().With("component", "mcpserver"),
		tools:    make(map[string]ToolHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool attaches a risk profile and optional argument schema to a
// tool handler and registers all three in one step — the registration
// form tool owners call once at startup.
func (s *Server) RegisterTool(profile toolprofile.Profile, argsSchemaJSON string, h ToolHandler) error {
	if h == nil {
		return fmt.Errorf("mcpserver: handler for %q must not be nil", profile.Name)
	}
	if err := s.manifest.Add(profile.Name, argsSchemaJSON); err != nil {
		return err
	}
	s.registry.Register(profile)
	s.mu.Lock()
	s.tools[profile.Name] = h
	s.mu.Unlock()
	return nil
}

// RegisterRoutes registers the MCP HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("POST /mcp/v1/tools/{tool}/call", s.handleCall)
	mux.HandleFunc("POST /mcp/v1/tools/{tool}/propose", s.handlePropose)
	mux.HandleFunc("POST /mcp/v1/tools/{tool}/commit", s.handleCommit)
}

// capabilityEntry describes one registered tool in the manifest dump.
type capabilityEntry struct {
	Name         string  `json:"name"`
	Criticality  string  `json:"criticality"`
	BlastRadius  string  `json:"blast_radius"`
	Irreversible bool    `json:"irreversible"`
	Regulatory   bool    `json:"regulatory"`
	RiskTier     *string `json:"risk_tier,omitempty"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	s.mu.RUnlock()

	entries := make([]capabilityEntry, 0, len(names))
	for _, name := range names {
		p := s.registry.Get(name)
		entries = append(entries, capabilityEntry{
			Name:         p.Name,
			Criticality:  string(p.Criticality),
			BlastRadius:  p.BlastRadius,
			Irreversible: p.Irreversible,
			Regulatory:   p.Regulatory,
			RiskTier:     p.RiskTier,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"server_name":  s.config.ServerName,
		"version":      s.config.Version,
		"capabilities": entries,
	})
}

// callRequest is the wire body for a single-step tool call.
type callRequest struct {
	Args              map[string]any `json:"args"`
	Prompt            string         `json:"prompt"`
	ModelAnswer       string         `json:"model_answer"`
	SecondaryAnswer   string         `json:"secondary_answer,omitempty"`
	RetrievedContext  string         `json:"retrieved_context,omitempty"`
	ToolResultSummary string         `json:"tool_result_summary,omitempty"`
	PromptTemplateID  string         `json:"prompt_template_id,omitempty"`
	RequestID         string         `json:"request_id,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	ShadowAnswer      string         `json:"shadow_answer,omitempty"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	toolName := r.PathValue("tool")

	s.mu.RLock()
	handler, ok := s.tools[toolName]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("unknown tool %q", toolName)})
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	if err := s.manifest.Validate(toolName, req.Args); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":       err.Error(),
			"reason_code": "schema_validation_failed",
		})
		return
	}

	out, err := s.ic.InterceptToolCall(r.Context(), interceptor.ToolCallInput{
		ToolName:          toolName,
		ToolArgs:          req.Args,
		ToolFn:            interceptor.ToolFn(handler),
		Prompt:            req.Prompt,
		ModelAnswer:       req.ModelAnswer,
		SecondaryAnswer:   req.SecondaryAnswer,
		RetrievedContext:  req.RetrievedContext,
		ToolResultSummary: req.ToolResultSummary,
		PromptTemplateID:  req.PromptTemplateID,
		RequestID:         req.RequestID,
		SessionID:         req.SessionID,
		ShadowAnswer:      req.ShadowAnswer,
	})
	if err != nil {
		s.logger.Error("tool execution failed", "tool", toolName, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, callResponse(out))
}

// callResponse flattens an interception Result into the wire envelope:
// blocked/review responses already carry their own status object, while
// an executed call wraps the raw tool result.
func callResponse(out interceptor.Result) any {
	switch out.Status {
	case "executed":
		return map[string]any{"status": "executed", "result": out.Response}
	default:
		if resp, ok := out.Response.(fallback.Response); ok {
			return resp
		}
		return out.Response
	}
}

// proposeRequest is the wire body for the proposal phase.
type proposeRequest struct {
	Args   map[string]any `json:"args"`
	Prompt string         `json:"prompt"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	toolName := r.PathValue("tool")
	if s.proposer == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "propose/commit not enabled"})
		return
	}

	profile := s.registry.Get(toolName)
	if !profile.Irreversible {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": fmt.Sprintf("tool %q is not irreversible; use the call endpoint", toolName),
		})
		return
	}

	if s.limiter != nil && !s.limiter.Allow(toolName) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "proposal rate limit exceeded"})
		return
	}

	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	if err := s.manifest.Validate(toolName, req.Args); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":       err.Error(),
			"reason_code": "schema_validation_failed",
		})
		return
	}

	out, err := s.proposer.Propose(r.Context(), toolName, req.Args, req.Prompt)
	if err != nil {
		s.logger.Error("proposal failed", "tool", toolName, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	if out.Status == "blocked" {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "blocked",
			"action":          "create_draft",
			"reason":          out.Reason,
			"proposal_id":     out.ProposalID,
			"composite_score": out.CompositeScore,
			"signals":         out.Signals,
			"draft": map[string]any{
				"tool": toolName,
				"args": req.Args,
				"note": "Proposal blocked before any side effects; draft recorded for human review.",
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "allowed",
		"proposal_id":     out.ProposalID,
		"tool_name":       out.ToolName,
		"composite_score": out.CompositeScore,
		"signals":         out.Signals,
		"commit_token":    out.CommitToken,
		"token_id":        out.TokenID,
	})
}

// commitRequest is the wire body for the commit phase.
type commitRequest struct {
	ProposalID  string         `json:"proposal_id"`
	CommitToken string         `json:"commit_token"`
	Args        map[string]any `json:"args"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	toolName := r.PathValue("tool")
	if s.commits == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "propose/commit not enabled"})
		return
	}

	s.mu.RLock()
	handler, ok := s.tools[toolName]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("unknown tool %q", toolName)})
		return
	}

	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	verification, err := s.commits.VerifyCommit(r.Context(), req.ProposalID, req.CommitToken, toolName, req.Args)
	if err != nil {
		s.logger.Error("commit verification failed", "tool", toolName, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	if !verification.OK {
		if _, recordErr := s.commits.RecordCommit(r.Context(), req.ProposalID, verification.TokenID, "blocked", verification.Reason); recordErr != nil {
			s.logger.Warn("failed to record blocked commit", "proposal_id", req.ProposalID, "error", recordErr)
		}
		writeJSON(w, http.StatusForbidden, map[string]any{
			"status": "blocked",
			"reason": verification.Reason,
		})
		return
	}

	toolResult, err := handler(r.Context(), req.Args)
	if err != nil {
		// The nonce is consumed even though the side effect failed; the
		// audit row records the failure and a fresh proposal is required.
		if _, recordErr := s.commits.RecordCommit(r.Context(), req.ProposalID, verification.TokenID, "blocked", "tool_execution_failed"); recordErr != nil {
			s.logger.Warn("failed to record failed commit", "proposal_id", req.ProposalID, "error", recordErr)
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}

	commitID, err := s.commits.RecordCommit(r.Context(), req.ProposalID, verification.TokenID, "committed", "ok")
	if err != nil {
		s.logger.Error("failed to record commit", "proposal_id", req.ProposalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "committed",
		"commit_id":   commitID,
		"tool_result": toolResult,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
