// Command mcpguard runs the MCP interception server: every registered
// tool call is risk-scored, policy-checked, and token-gated before it
// executes, with irreversible tools behind the two-phase propose/commit
// protocol.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "modernc.org/sqlite"          // SQLite driver (local/dev default)

	"github.com/mcpguard/interceptor/pkg/config"
	"github.com/mcpguard/interceptor/pkg/exectoken"
	"github.com/mcpguard/interceptor/pkg/fallback"
	"github.com/mcpguard/interceptor/pkg/interceptor"
	"github.com/mcpguard/interceptor/pkg/mcpserver"
	"github.com/mcpguard/interceptor/pkg/proposalstore"
	"github.com/mcpguard/interceptor/pkg/propose"
	"github.com/mcpguard/interceptor/pkg/toolprofile"
	"github.com/mcpguard/interceptor/pkg/trace"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mcpguard exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, exporter, cleanup, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	registry := toolprofile.NewRegistry()
	router := fallback.NewRouter()

	ic := interceptor.New(interceptor.Options{
		Exporter:      exporter,
		Registry:      registry,
		Fallback:      router,
		TokenIssuer:   exectoken.NewIssuer(cfg.TokenSecret, cfg.ExecTokenTTL.Milliseconds(), nil),
		TokenVerifier: exectoken.NewVerifier(cfg.TokenSecret, true, nil, nil),
		V2:            interceptor.V2Config{Enabled: true, ShadowForHighRisk: cfg.ShadowForHighRisk},
	})

	commitIssuer := exectoken.NewIssuer(cfg.CommitSecret, cfg.CommitTokenTTL.Milliseconds(), nil)
	proposer := propose.NewProposer(store, commitIssuer, nil, propose.Config{
		BlockThreshold: cfg.ProposalBlockThreshold,
		CommitTokenTTL: cfg.CommitTokenTTL,
		Weights:        propose.DefaultWeights(),
	})
	commits := propose.NewVerifier(store, exectoken.NewVerifier(cfg.CommitSecret, false, nil, nil))

	srv := mcpserver.NewServer(
		mcpserver.Config{ServerName: "mcpguard", Version: "2.0.0"},
		ic, registry,
		mcpserver.WithProposer(proposer, commits),
		mcpserver.WithRateLimiter(mcpserver.NewRateLimiter(5, 10)),
	)

	if err := registerDemoTools(srv, router); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcpguard listening", "port", cfg.Port, "insecure_secrets", cfg.InsecureSecrets())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// buildStorage picks the proposal store and trace exporter: Postgres when
// DATABASE_URL is set, an in-memory SQLite database plus in-memory
// exporter otherwise.
func buildStorage(ctx context.Context, cfg *config.Config) (proposalstore.Store, trace.Exporter, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		store, err := proposalstore.NewPostgresStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("init proposal store: %w", err)
		}
		exporter, err := trace.NewPostgresExporter(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("init trace exporter: %w", err)
		}
		return store, exporter, func() { _ = db.Close() }, nil
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := proposalstore.NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("init proposal store: %w", err)
	}
	slog.Warn("no DATABASE_URL set, traces stay in memory and proposals in an in-memory sqlite database")
	return store, trace.NewInMemoryExporter(), func() { _ = db.Close() }, nil
}

// registerDemoTools installs a small catalog of realistic tools so the
// server is exercisable out of the box. Each handler is a stub; real
// deployments register their own handlers the same way.
func registerDemoTools(srv *mcpserver.Server, router *fallback.Router) error {
	type demoTool struct {
		profile toolprofile.Profile
		schema  string
		handler mcpserver.ToolHandler
	}

	riskTier := func(s string) *string { return &s }

	tools := []demoTool{
		{
			profile: toolprofile.Profile{
				Name: "initiate_wire_transfer", Criticality: toolprofile.High,
				BlastRadius: "external_funds", Irreversible: true, Regulatory: true,
				RiskTier: riskTier("3.0.0"),
			},
			schema: `{"type":"object","required":["amount","destination_iban"],"properties":{"amount":{"type":"number"},"destination_iban":{"type":"string"},"reason":{"type":"string"}}}`,
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{"operation": "initiate_wire_transfer", "args": args}, nil
			},
		},
		{
			profile: toolprofile.Profile{
				Name: "issue_invoice_refund", Criticality: toolprofile.Medium,
				BlastRadius: "customer_funds", Regulatory: true,
				RiskTier: riskTier("2.0.0"),
			},
			schema: `{"type":"object","required":["invoice_id","amount","currency"],"properties":{"invoice_id":{"type":"string"},"amount":{"type":"number"},"currency":{"type":"string"}}}`,
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{"operation": "issue_invoice_refund", "args": args}, nil
			},
		},
		{
			profile: toolprofile.Profile{
				Name: "freeze_payment_card", Criticality: toolprofile.High,
				BlastRadius: "customer_account", Regulatory: true,
				RiskTier: riskTier("3.0.0"),
			},
			schema: `{"type":"object","required":["customer_id","reason"],"properties":{"customer_id":{"type":"string"},"reason":{"type":"string"}}}`,
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{"operation": "freeze_payment_card", "args": args}, nil
			},
		},
		{
			profile: toolprofile.Profile{
				Name: "cancel_shipment", Criticality: toolprofile.Low,
				BlastRadius: "limited",
			},
			handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{"operation": "cancel_shipment", "args": args}, nil
			},
		},
	}

	for _, tool := range tools {
		if err := srv.RegisterTool(tool.profile, tool.schema, tool.handler); err != nil {
			return err
		}
	}

	// Blocked wire transfers become drafts for human review instead of a
	// bare denial.
	router.Register("initiate_wire_transfer", func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{
			"status": "draft_created",
			"tool":   "initiate_wire_transfer",
			"args":   args,
			"note":   "Execution blocked for safety; draft created for human review.",
		}, nil
	})

	return nil
}
