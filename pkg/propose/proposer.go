package propose

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcpguard/interceptor/pkg/canon"
	"github.com/mcpguard/interceptor/pkg/exectoken"
	"github.com/mcpguard/interceptor/pkg/proposalstore"
)

// CandidateGenerator produces a tool-call candidate output for a prompt at
// a given temperature. Production wiring points this at the model backend;
// tests and the demo server inject a deterministic stub.
type CandidateGenerator func(prompt string, temperature float64) string

// Config tunes the proposal-phase block threshold and signal weights.
// CommitTokenTTL is not read by Proposer: a commit token's lifetime is the
// TTL its exectoken.Issuer was built with.
type Config struct {
	BlockThreshold float64
	CommitTokenTTL time.Duration
	Weights        Weights
}

// DefaultConfig returns the standard proposal-phase settings.
func DefaultConfig() Config {
	return Config{
		BlockThreshold: 0.45,
		CommitTokenTTL: 60 * time.Second,
		Weights:        DefaultWeights(),
	}
}

// Decision is the proposal-phase outcome.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

// Outcome is the result of a Propose call.
type Outcome struct {
	Status         string
	ProposalID     string
	ToolName       string
	CompositeScore float64
	Signals        map[string]*float64

	// Populated when Status == "allowed".
	CommitToken string
	TokenID     string

	// Populated when Status == "blocked".
	Reason string
}

// Proposer runs the proposal-only dry run: it never performs the
// side-effecting tool call, only scores candidate stability and, if the
// score clears the block threshold, issues a commit token bound to the
// exact tool_name/args hash the caller must later present to Verifier.
type Proposer struct {
	store     proposalstore.Store
	issuer    *exectoken.Issuer
	generate  CandidateGenerator
	config    Config
}

// StubGenerator is the deterministic local candidate generator used when
// no model backend is wired in. Both candidates share a long plan prefix
// so their token overlap stays high; the sampled one perturbs a number
// and hedges. A well-formed proposal scored against these candidates
// lands below the default block threshold.
func StubGenerator(prompt string, temperature float64) string {
	base := fmt.Sprintf("Plan: transfer funds safely for prompt [%s]", prompt)
	if temperature <= 0 {
		return base + ". Amount validated: 100."
	}
	return base + ". Amount validated: 101 maybe pending review."
}

// NewProposer builds a Proposer. issuer should be constructed with the
// commit-token secret (MCP_OBSERVATORY_COMMIT_SECRET), distinct from the
// execution-token secret the interceptor uses for ALLOW decisions.
// A nil generate falls back to StubGenerator.
func NewProposer(store proposalstore.Store, issuer *exectoken.Issuer, generate CandidateGenerator, config Config) *Proposer {
	if generate == nil {
		generate = StubGenerator
	}
	return &Proposer{store: store, issuer: issuer, generate: generate, config: config}
}

// Propose scores toolName's candidate outputs for prompt against the tool's
// registered prompt baseline and either blocks (Status "blocked", no token)
// or issues a commit token the caller must present to Verifier.VerifyCommit.
func (p *Proposer) Propose(ctx context.Context, toolName string, toolArgs map[string]any, prompt string) (Outcome, error) {
	argsDigest, err := canon.ArgsHash(toolArgs)
	if err != nil {
		return Outcome{}, fmt.Errorf("propose: hash args: %w", err)
	}
	argsJSON, err := canon.JCS(toolArgs)
	if err != nil {
		return Outcome{}, fmt.Errorf("propose: canonicalize args: %w", err)
	}

	pHash := canon.PromptHash(prompt)
	baseline, hasBaseline, err := p.store.GetBaselinePromptHash(ctx, toolName)
	if err != nil {
		return Outcome{}, fmt.Errorf("propose: read baseline: %w", err)
	}
	if !hasBaseline {
		if err := p.store.SetBaselinePromptHash(ctx, toolName, pHash); err != nil {
			return Outcome{}, fmt.Errorf("propose: set baseline: %w", err)
		}
	}

	candidateA := p.generate(prompt, 0.0)
	candidateB := p.generate(prompt, 0.7)

	instability := OutputInstability(candidateA, candidateB)
	variance := NumericVariance(candidateA, candidateB)
	var baselinePtr *string
	if hasBaseline {
		baselinePtr = &baseline
	}
	drift := PromptDrift(pHash, baselinePtr)

	score := CompositeScore(&instability, variance, drift, p.config.Weights)
	signals := map[string]*float64{
		"output_instability": &instability,
		"numeric_variance":   variance,
		"prompt_drift":       drift,
	}

	proposalID := uuid.NewString()
	decision := DecisionAllow
	if score >= p.config.BlockThreshold {
		decision = DecisionBlock
	}

	err = p.store.SaveProposal(ctx, proposalstore.Proposal{
		ProposalID:     proposalID,
		ToolName:       toolName,
		ArgsJSON:       string(argsJSON),
		PromptHash:     pHash,
		CompositeScore: score,
		Decision:       string(decision),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("propose: save proposal: %w", err)
	}

	if decision == DecisionBlock {
		return Outcome{
			Status:         "blocked",
			ProposalID:     proposalID,
			ToolName:       toolName,
			CompositeScore: score,
			Signals:        signals,
			Reason:         "low_integrity",
		}, nil
	}

	issued, err := p.issuer.IssueCommitToken(proposalID, toolName, argsDigest)
	if err != nil {
		return Outcome{}, fmt.Errorf("propose: issue commit token: %w", err)
	}

	return Outcome{
		Status:         "allowed",
		ProposalID:     proposalID,
		ToolName:       toolName,
		CompositeScore: score,
		Signals:        signals,
		CommitToken:    issued.Token,
		TokenID:        issued.TokenID,
	}, nil
}
