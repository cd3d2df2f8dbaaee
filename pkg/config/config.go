// Package config loads runtime configuration from environment variables,
// optionally overridden by a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Secrets fall back to well-known development defaults when the
// environment provides none. The env var names are kept from the system
// this module replaces so existing deployments keep working unchanged.
const (
	TokenSecretEnv  = "MCP_OBSERVATORY_TOKEN_SECRET"
	CommitSecretEnv = "MCP_OBSERVATORY_COMMIT_SECRET"

	devTokenSecret  = "dev-secret"
	devCommitSecret = "dev-commit-secret"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`

	TokenSecret  string `yaml:"token_secret"`
	CommitSecret string `yaml:"commit_secret"`

	ExecTokenTTL   time.Duration `yaml:"exec_token_ttl"`
	CommitTokenTTL time.Duration `yaml:"commit_token_ttl"`

	ShadowForHighRisk      bool    `yaml:"shadow_for_high_risk"`
	ProposalBlockThreshold float64 `yaml:"proposal_block_threshold"`
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")

	tokenSecret := os.Getenv(TokenSecretEnv)
	if tokenSecret == "" {
		slog.Warn("token secret not set, using insecure development default", "env", TokenSecretEnv)
		tokenSecret = devTokenSecret
	}
	commitSecret := os.Getenv(CommitSecretEnv)
	if commitSecret == "" {
		slog.Warn("commit secret not set, using insecure development default", "env", CommitSecretEnv)
		commitSecret = devCommitSecret
	}

	execTTL := durationEnv("EXEC_TOKEN_TTL_MS", 30_000)
	commitTTL := durationEnv("COMMIT_TOKEN_TTL_MS", 60_000)

	shadow := os.Getenv("SHADOW_FOR_HIGH_RISK") != "false"

	blockThreshold := 0.45
	if v := os.Getenv("PROPOSAL_BLOCK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			blockThreshold = f
		}
	}

	return &Config{
		Port:                   port,
		LogLevel:               logLevel,
		DatabaseURL:            dbURL,
		TokenSecret:            tokenSecret,
		CommitSecret:           commitSecret,
		ExecTokenTTL:           execTTL,
		CommitTokenTTL:         commitTTL,
		ShadowForHighRisk:      shadow,
		ProposalBlockThreshold: blockThreshold,
	}
}

// LoadFile loads environment configuration, then overlays any non-zero
// values from the YAML file at path. Secrets set via the file override the
// environment, so a mounted config can rotate them without a restart
// script touching the process environment.
func LoadFile(path string) (*Config, error) {
	cfg := Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if overlay.Port != "" {
		cfg.Port = overlay.Port
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}
	if overlay.DatabaseURL != "" {
		cfg.DatabaseURL = overlay.DatabaseURL
	}
	if overlay.TokenSecret != "" {
		cfg.TokenSecret = overlay.TokenSecret
	}
	if overlay.CommitSecret != "" {
		cfg.CommitSecret = overlay.CommitSecret
	}
	if overlay.ExecTokenTTL > 0 {
		cfg.ExecTokenTTL = overlay.ExecTokenTTL
	}
	if overlay.CommitTokenTTL > 0 {
		cfg.CommitTokenTTL = overlay.CommitTokenTTL
	}
	if overlay.ProposalBlockThreshold > 0 {
		cfg.ProposalBlockThreshold = overlay.ProposalBlockThreshold
	}
	if overlay.ShadowForHighRisk {
		cfg.ShadowForHighRisk = true
	}

	return cfg, nil
}

// InsecureSecrets reports whether either secret is still a development
// default.
func (c *Config) InsecureSecrets() bool {
	return c.TokenSecret == devTokenSecret || c.CommitSecret == devCommitSecret
}

func durationEnv(name string, defaultMs int64) time.Duration {
	if v := os.Getenv(name); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return time.Duration(defaultMs) * time.Millisecond
}
