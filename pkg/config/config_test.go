package config_test

import (
	"testing"

	"github.com/sentinelnet/governor/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("GOVERNOR_ENV", "")
	t.Setenv("REQUIRE_KMS", "")
	t.Setenv("UPGRADE_REQUIRED_APPROVALS", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, config.EnvDevelopment, cfg.Env)
	assert.Contains(t, cfg.DatabaseURL, "postgres://")
	assert.False(t, cfg.RequireKms)
	assert.Equal(t, 2, cfg.UpgradeRequiredApprovals)
	assert.NoError(t, cfg.Validate())
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://governor@db:5432/governor")
	t.Setenv("GOVERNOR_ENV", "production")
	t.Setenv("AUDIT_SIGNING_KMS_KEY_ID", "arn:aws:kms:us-east-1:111122223333:key/abc")
	t.Setenv("UPGRADE_APPROVER_IDS", "alice, bob ,carol")
	t.Setenv("UPGRADE_REQUIRED_APPROVALS", "3")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://governor@db:5432/governor", cfg.DatabaseURL)
	assert.Equal(t, config.EnvProduction, cfg.Env)
	assert.True(t, cfg.RequireKms) // production default
	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.UpgradeApproverIDs)
	assert.Equal(t, 3, cfg.UpgradeRequiredApprovals)
	assert.NoError(t, cfg.Validate())
}

// TestValidate_ProductionWithoutKmsKey fails closed: production with
// RequireKms and no KMS key id or signing proxy configured is invalid.
func TestValidate_ProductionWithoutKmsKey(t *testing.T) {
	t.Setenv("GOVERNOR_ENV", "production")
	t.Setenv("AUDIT_SIGNING_KMS_KEY_ID", "")
	t.Setenv("SIGNING_PROXY_URL", "")
	t.Setenv("REQUIRE_KMS", "true")

	cfg := config.Load()
	err := cfg.Validate()
	assert.Error(t, err)
}
