package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvMongoURI, "mongodb://localhost:27017/spottrader")
	t.Setenv(EnvAPIKey, "test-api-key")
	t.Setenv(EnvAPISecret, "test-api-secret")
	t.Setenv(EnvBaseURL, "https://api.binance.us")
	t.Setenv(EnvSignalTier, "TIER_2_MODERATE")
	t.Setenv(EnvPort, "8080")
	t.Setenv(EnvJWTSecret, "jwt-secret")
	t.Setenv(EnvJWTRefreshSecret, "jwt-refresh-secret")
}

func TestLoad_AllRequiredSet(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://api.binance.us", cfg.BaseURL)
	assert.Equal(t, "TIER_2_MODERATE", cfg.Tier.Name)
	assert.Equal(t, 3, cfg.Tier.MaxPositions)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "default", cfg.Tuning.UserID)
	assert.Equal(t, 0.01, cfg.Tuning.RPct)
}

func TestLoad_MissingVariableNamesIt(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvAPISecret, "")

	_, err := Load("")
	require.Error(t, err)

	var cerr *apperrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, EnvAPISecret, cerr.Variable)
}

func TestLoad_UnknownTier(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvSignalTier, "TIER_9_YOLO")

	_, err := Load("")
	require.Error(t, err)

	var cerr *apperrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, EnvSignalTier, cerr.Variable)
}

func TestLoad_InvalidPort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvPort, "not-a-port")

	_, err := Load("")
	require.Error(t, err)

	var cerr *apperrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, EnvPort, cerr.Variable)
}

func TestLoad_BaseURLMustBeHTTP(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvBaseURL, "ftp://api.binance.us")

	_, err := Load("")
	require.Error(t, err)

	var cerr *apperrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, EnvBaseURL, cerr.Variable)
}

func TestLoad_TuningFileWithEnvExpansion(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TEST_USER", "alice")

	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	content := `
user_id: ${TEST_USER}
scan_interval_seconds: 120
universe: [BTCUSDT, ETHUSDT, SOLUSDT]
playbooks:
  b:
    max_trades_per_session: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Tuning.UserID)
	assert.Equal(t, 120, cfg.Tuning.ScanIntervalSeconds)
	assert.Len(t, cfg.Tuning.Universe, 3)

	bc := cfg.BotConfig()
	assert.Equal(t, 5, bc.Playbooks[core.PlaybookB].MaxTradesPerSession)
	// Untouched playbooks keep their defaults.
	assert.Equal(t, "1.2", bc.Playbooks[core.PlaybookA].StopATRMult.String())
}

func TestLoad_MissingTuningFileFallsBackToDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("/nonexistent/tuning.yaml")
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Tuning.ScanIntervalSeconds)
}

func TestValidate_RejectsPercentStyleRPct(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("r_pct: 1.0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r_pct")
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: VERBOSE\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestBotConfig_TierSetsPositionCap(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvSignalTier, "TIER_1_CONSERVATIVE")

	cfg, err := Load("")
	require.NoError(t, err)

	bc := cfg.BotConfig()
	assert.Equal(t, 2, bc.MaxConcurrentPositions)
	assert.Equal(t, "0.01", bc.RPct.String())
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("super-secret-value")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))

	j, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(j))

	y, err := yaml.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, "'[REDACTED]'\n", string(y))

	assert.Equal(t, "", Secret("").String())
}
