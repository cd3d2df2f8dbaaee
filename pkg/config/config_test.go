package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(TokenSecretEnv, "")
	t.Setenv(CommitSecretEnv, "")
	t.Setenv("PORT", "")
	t.Setenv("EXEC_TOKEN_TTL_MS", "")
	t.Setenv("COMMIT_TOKEN_TTL_MS", "")
	t.Setenv("SHADOW_FOR_HIGH_RISK", "")
	t.Setenv("PROPOSAL_BLOCK_THRESHOLD", "")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ExecTokenTTL)
	assert.Equal(t, 60*time.Second, cfg.CommitTokenTTL)
	assert.True(t, cfg.ShadowForHighRisk)
	assert.InDelta(t, 0.45, cfg.ProposalBlockThreshold, 1e-9)
	assert.True(t, cfg.InsecureSecrets())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(TokenSecretEnv, "prod-token-secret")
	t.Setenv(CommitSecretEnv, "prod-commit-secret")
	t.Setenv("EXEC_TOKEN_TTL_MS", "5000")
	t.Setenv("SHADOW_FOR_HIGH_RISK", "false")
	t.Setenv("PROPOSAL_BLOCK_THRESHOLD", "0.6")

	cfg := Load()
	assert.Equal(t, "prod-token-secret", cfg.TokenSecret)
	assert.Equal(t, 5*time.Second, cfg.ExecTokenTTL)
	assert.False(t, cfg.ShadowForHighRisk)
	assert.InDelta(t, 0.6, cfg.ProposalBlockThreshold, 1e-9)
	assert.False(t, cfg.InsecureSecrets())
}

func TestLoadFileOverlaysEnv(t *testing.T) {
	t.Setenv(TokenSecretEnv, "env-secret")
	t.Setenv(CommitSecretEnv, "env-commit")
	t.Setenv("PORT", "8080")

	path := filepath.Join(t.TempDir(), "mcpguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9090\"\ntoken_secret: file-secret\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "file-secret", cfg.TokenSecret)
	assert.Equal(t, "env-commit", cfg.CommitSecret)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
