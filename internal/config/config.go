// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. Empty DatabaseURL selects the in-memory store
	// (development and tests only; nothing survives a restart).
	DatabaseURL string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Policy settings.
	PolicyDefaultAction string // "block" or "allow" when no policy rule knows the tool.
	DryRunForced        bool   // Downgrade every execute run to dry-run (DR drills).

	// Executor settings.
	MaxConcurrentRuns int
	MaxStepAttempts   int
	RetryBaseDelay    time.Duration
	AdapterTimeout    time.Duration // Default adapter wall-clock budget.
	LeaseTTL          time.Duration
	ApprovalExpiry    time.Duration // Default approval expiry when no rule sets one.

	// Agent settings.
	AgentMode       string // "stub" or "llm"
	OpenAIAPIKey    string
	AgentModel      string
	AgentMaxRetries int // Re-prompt bound for malformed LLM output.

	// Audit settings.
	RedactionSalt     string
	RedactionPatterns []string // Extra regexes applied to long string values.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel               string
	ApprovalSweepInterval  time.Duration
	IdempotencyCleanupTTL  time.Duration
	MaxRequestBodyBytes    int64
	ShutdownDrainTimeout   time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                  envInt("TEJUN_PORT", 8080),
		ReadTimeout:           envDuration("TEJUN_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          envDuration("TEJUN_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:           envStr("DATABASE_URL", ""),
		JWTPrivateKeyPath:     envStr("TEJUN_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:      envStr("TEJUN_JWT_PUBLIC_KEY", ""),
		JWTExpiration:         envDuration("TEJUN_JWT_EXPIRATION", 24*time.Hour),
		PolicyDefaultAction:   envStr("POLICY_DEFAULT_ACTION", "block"),
		DryRunForced:          envBool("DRY_RUN_FORCED", false),
		MaxConcurrentRuns:     envInt("TEJUN_MAX_CONCURRENT_RUNS", 16),
		MaxStepAttempts:       envInt("TEJUN_MAX_STEP_ATTEMPTS", 3),
		RetryBaseDelay:        envDuration("TEJUN_RETRY_BASE_DELAY", time.Second),
		AdapterTimeout:        envDuration("TEJUN_ADAPTER_TIMEOUT", 60*time.Second),
		LeaseTTL:              envDuration("TEJUN_LEASE_TTL", 30*time.Second),
		ApprovalExpiry:        envDuration("TEJUN_APPROVAL_EXPIRY", time.Hour),
		AgentMode:             envStr("TEJUN_AGENT_MODE", "stub"),
		OpenAIAPIKey:          envStr("OPENAI_API_KEY", ""),
		AgentModel:            envStr("TEJUN_AGENT_MODEL", "gpt-4o-mini"),
		AgentMaxRetries:       envInt("TEJUN_AGENT_MAX_RETRIES", 3),
		RedactionSalt:         envStr("TEJUN_REDACTION_SALT", ""),
		RedactionPatterns:     envStrList("TEJUN_REDACTION_PATTERNS"),
		OTELEndpoint:          envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:          envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "tejun"),
		LogLevel:              envStr("TEJUN_LOG_LEVEL", "info"),
		ApprovalSweepInterval: envDuration("TEJUN_APPROVAL_SWEEP_INTERVAL", 15*time.Second),
		IdempotencyCleanupTTL: envDuration("TEJUN_IDEMPOTENCY_TTL", 24*time.Hour),
		MaxRequestBodyBytes:   int64(envInt("TEJUN_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		ShutdownDrainTimeout:  envDuration("TEJUN_SHUTDOWN_DRAIN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are internally consistent.
func (c Config) Validate() error {
	if c.PolicyDefaultAction != "block" && c.PolicyDefaultAction != "allow" {
		return fmt.Errorf("config: POLICY_DEFAULT_ACTION must be block or allow, got %q", c.PolicyDefaultAction)
	}
	if c.AgentMode != "stub" && c.AgentMode != "llm" {
		return fmt.Errorf("config: TEJUN_AGENT_MODE must be stub or llm, got %q", c.AgentMode)
	}
	if c.AgentMode == "llm" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("config: OPENAI_API_KEY is required when TEJUN_AGENT_MODE=llm")
	}
	if c.MaxStepAttempts < 1 {
		return fmt.Errorf("config: TEJUN_MAX_STEP_ATTEMPTS must be at least 1")
	}
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("config: TEJUN_MAX_CONCURRENT_RUNS must be at least 1")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TEJUN_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envStrList splits a comma-separated variable into trimmed entries.
func envStrList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
