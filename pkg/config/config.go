// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment selects the deployment tier, which in turn drives safe
// defaults for KMS and mTLS enforcement.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds server configuration for the governor service.
type Config struct {
	Port     string
	LogLevel string
	Env      Environment

	DatabaseURL string

	// Signing (C2).
	AuditSigningKmsKeyID    string
	SigningProxyURL         string
	AuditSignerKid          string
	RequireKms              bool
	RequireMtls             bool
	LocalSignerMasterSecret string

	// Canary rollback watchdog (C4).
	RedisURL string

	// Human-caller auth. Service-to-service callers authenticate via mTLS
	// at the transport layer instead (RequireMtls above).
	JWTHMACSecret string

	// Upstream collaborators (C4, C8).
	SentinelURL       string
	FinanceURL        string
	ReasoningGraphURL string

	// Vector store (C7).
	VectorDBProvider  string
	VectorDBNamespace string

	// Promotion/canary (C8, C4).
	PromotionThreshold         float64
	PromotionHysteresisWindows int
	CanaryRollbackThreshold    float64
	CanaryRollbackWindow       int

	// Gated write coordinator (C5).
	IdempotencyTTLSeconds int

	// Multi-sig policy activation (C4).
	UpgradeApproverIDs       []string
	UpgradeRequiredApprovals int

	// Allocation workflow (C8).
	MaxAutoApply           float64
	MultisigTimeoutSeconds int

	// Observability.
	OTLPEndpoint string
	OTELInsecure bool

	// Archival (C3).
	ArchiveProvider string
	ArchiveBucket   string
}

// Load reads configuration from the environment, applying defaults that are
// safe for local development. Production deployments are expected to set
// every security-relevant variable explicitly; Load does not fail on a
// missing one, validation of required combinations happens in Validate.
func Load() *Config {
	env := Environment(getEnv("GOVERNOR_ENV", string(EnvDevelopment)))

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		Env:      env,

		DatabaseURL: getEnv("DATABASE_URL", "postgres://governor@localhost:5432/governor?sslmode=disable"),

		AuditSigningKmsKeyID:    os.Getenv("AUDIT_SIGNING_KMS_KEY_ID"),
		SigningProxyURL:         os.Getenv("SIGNING_PROXY_URL"),
		AuditSignerKid:          getEnv("AUDIT_SIGNER_KID", "local-dev"),
		RequireKms:              getEnvBool("REQUIRE_KMS", env == EnvProduction),
		RequireMtls:             getEnvBool("REQUIRE_MTLS", env == EnvProduction),
		LocalSignerMasterSecret: os.Getenv("LOCAL_SIGNER_MASTER_SECRET"),

		RedisURL: os.Getenv("REDIS_URL"),

		JWTHMACSecret: os.Getenv("JWT_HMAC_SECRET"),

		SentinelURL:       os.Getenv("SENTINEL_URL"),
		FinanceURL:        os.Getenv("FINANCE_URL"),
		ReasoningGraphURL: os.Getenv("REASONING_GRAPH_URL"),

		VectorDBProvider:  getEnv("VECTOR_DB_PROVIDER", "inmemory"),
		VectorDBNamespace: getEnv("VECTOR_DB_NAMESPACE", "default"),

		PromotionThreshold:         getEnvFloat("PROMOTION_THRESHOLD", 0.85),
		PromotionHysteresisWindows: getEnvInt("PROMOTION_HYSTERESIS_WINDOWS", 3),
		CanaryRollbackThreshold:    getEnvFloat("CANARY_ROLLBACK_THRESHOLD", 0.05),
		CanaryRollbackWindow:       getEnvInt("CANARY_ROLLBACK_WINDOW", 100),

		IdempotencyTTLSeconds: getEnvInt("IDEMPOTENCY_TTL_SECONDS", 86400),

		UpgradeApproverIDs:       splitCSV(os.Getenv("UPGRADE_APPROVER_IDS")),
		UpgradeRequiredApprovals: getEnvInt("UPGRADE_REQUIRED_APPROVALS", 2),

		MaxAutoApply:           getEnvFloat("MAX_AUTO_APPLY", 1000),
		MultisigTimeoutSeconds: getEnvInt("MULTISIG_TIMEOUT_SECONDS", 3600),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTELInsecure: getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", env != EnvProduction),

		ArchiveProvider: getEnv("ARCHIVE_PROVIDER", "none"),
		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
	}

	return cfg
}

// Validate returns an error describing the first configuration invariant
// violation found. Callers typically call this once at startup.
func (c *Config) Validate() error {
	if c.Env == EnvProduction && c.RequireKms && c.AuditSigningKmsKeyID == "" && c.SigningProxyURL == "" {
		return fmt.Errorf("config: production requires AUDIT_SIGNING_KMS_KEY_ID or SIGNING_PROXY_URL when REQUIRE_KMS=true")
	}
	if c.UpgradeRequiredApprovals < 1 {
		return fmt.Errorf("config: UPGRADE_REQUIRED_APPROVALS must be >= 1")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
