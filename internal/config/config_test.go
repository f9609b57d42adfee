package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("CLAWSPOT_DATABASE_URL", "postgres://localhost/clawspot")
	t.Setenv("CLAWSPOT_API_KEY_PEPPER", "pepper")
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("CLAWSPOT_DATABASE_URL", "")
	t.Setenv("CLAWSPOT_API_KEY_PEPPER", "pepper")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RequiresPepper(t *testing.T) {
	t.Setenv("CLAWSPOT_DATABASE_URL", "postgres://localhost/clawspot")
	t.Setenv("CLAWSPOT_API_KEY_PEPPER", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.Equal(t, 900, cfg.BundleSTSDurationSeconds)
	assert.Empty(t, cfg.BundleProvider)
}

func TestLoad_TrimsPublicBaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("CLAWSPOT_PUBLIC_BASE_URL", " https://clawspot.example/ ")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://clawspot.example", cfg.PublicBaseURL)
}

func TestLoad_ClampsSTSDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("CLAWSPOT_BUNDLE_STS_DURATION_SECONDS", "10")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.BundleSTSDurationSeconds)

	t.Setenv("CLAWSPOT_BUNDLE_STS_DURATION_SECONDS", "100000")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 3600, cfg.BundleSTSDurationSeconds)
}

func TestLoad_RejectsUnknownLogFormat(t *testing.T) {
	setRequired(t)
	t.Setenv("CLAWSPOT_LOG_FORMAT", "xml")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	setRequired(t)
	t.Setenv("CLAWSPOT_RATE_LIMIT_PER_MINUTE", "not-a-number")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
}
