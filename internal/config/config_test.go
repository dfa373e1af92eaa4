package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBase(t *testing.T) {
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("TOKEN_SECRET", strings.Repeat("s", 32))
}

func TestLoad_Defaults(t *testing.T) {
	setBase(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Production())
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 8*time.Hour, cfg.Session.Lifetime)
	assert.Equal(t, 5*time.Second, cfg.Directory.Timeout)
	assert.Equal(t, "sAMAccountName", cfg.Directory.UserAttribute)
	assert.True(t, cfg.Workflow.ForbidSelfApproval)
	assert.Equal(t, "chb0001", cfg.Bootstrap.AdminUsername)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 5, cfg.Security.LockoutMaxAttempts)
	assert.Equal(t, "postgres://opentrusty:pw@localhost:5432/opentrusty_admin?sslmode=disable", cfg.Database.DSN())
}

func TestLoad_Overrides(t *testing.T) {
	setBase(t)
	t.Setenv("SESSION_LIFETIME", "30m")
	t.Setenv("DIRECTORY_TIMEOUT", "bogus")
	t.Setenv("WORKFLOW_FORBID_SELF_APPROVAL", "false")
	t.Setenv("CACHE_BACKEND", "Redis")
	t.Setenv("RATELIMIT_LOGIN_RPS", "0.5")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Session.Lifetime)
	assert.Equal(t, 5*time.Second, cfg.Directory.Timeout, "invalid duration falls back")
	assert.False(t, cfg.Workflow.ForbidSelfApproval)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 0.5, cfg.RateLimit.LoginRequestsPerSecond)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	setBase(t)
	t.Setenv("TOKEN_SECRET", "short")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_SECRET")

	setBase(t)
	t.Setenv("APP_ENV", "production")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRANSPORT_KEY")
	assert.Contains(t, err.Error(), "DIRECTORY_BIND_DN")

	t.Setenv("TRANSPORT_KEY", "a2V5")
	t.Setenv("DIRECTORY_BIND_DN", "CN=svc")
	t.Setenv("DIRECTORY_BIND_PASSWORD", "pw")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Production())
}
