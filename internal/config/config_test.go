package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "chatmirror.db", cfg.DBPath)
	assert.Equal(t, 50, cfg.MaxWorkers)
	assert.Equal(t, 50000, cfg.QueueCapacity)
	assert.Equal(t, 25, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 300*time.Millisecond, cfg.RetryBase())
	assert.Equal(t, 60*time.Second, cfg.RetryCap())
	assert.Equal(t, 15*time.Second, cfg.DrainTimeout())
	assert.Equal(t, 5, cfg.SimilarityThreshold)
	assert.Equal(t, 10*time.Second, cfg.MetricsInterval)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.SenderProbeInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MAX_WORKERS", "8")
	t.Setenv("ADMIN_USERS", "alice, bob")
	t.Setenv("GLOBAL_BLOCKED_WORDS", "spam,scam")
	t.Setenv("LOG_FORMAT", "pretty")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_BASE_SECONDS", "0.5")
	t.Setenv("RETRY_CAP_SECONDS", "30")
	t.Setenv("SIMILARITY_THRESHOLD", "8")
	t.Setenv("SWEEP_INTERVAL", "10m")
	t.Setenv("SENDER_PROBE_INTERVAL", "5s")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, []string{"alice", " bob"}, cfg.AdminUsers)
	assert.Equal(t, []string{"spam", "scam"}, cfg.GlobalBlockedWords)
	assert.Equal(t, "pretty", cfg.LogFormat)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBase())
	assert.Equal(t, 30*time.Second, cfg.RetryCap())
	assert.Equal(t, 8, cfg.SimilarityThreshold)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.SenderProbeInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("MAX_WORKERS", "0")
	_, err := Load(nil)
	assert.Error(t, err)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	_, err := Load(nil)
	assert.Error(t, err)
}

func TestValidateRejectsBadRetryWindow(t *testing.T) {
	t.Setenv("RETRY_BASE_SECONDS", "10")
	t.Setenv("RETRY_CAP_SECONDS", "1")
	_, err := Load(nil)
	assert.Error(t, err)
}

func TestValidateRejectsBadSimilarityThreshold(t *testing.T) {
	t.Setenv("SIMILARITY_THRESHOLD", "65")
	_, err := Load(nil)
	assert.Error(t, err)
}

func TestValidateRejectsZeroAttempts(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "0")
	_, err := Load(nil)
	assert.Error(t, err)
}
