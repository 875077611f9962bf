package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/harborline/backoffice/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Authentication configuration
	Auth AuthConfig

	// Role-scope authorization configuration
	RoleScope RoleScopeConfig

	// Document edit lock configuration
	Locks LockConfig

	// Policy metadata store configuration
	Metadata MetadataConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// AuthConfig holds request authentication settings
type AuthConfig struct {
	// Mode selects the identity source: legacy_header, dual, or jwt_only.
	Mode string

	// OIDCIssuerURL is the OpenID Connect issuer used to verify bearer
	// tokens in dual and jwt_only modes.
	OIDCIssuerURL string

	// OIDCAudience the verified token must be issued for.
	OIDCAudience string

	// OIDCSkipAudienceCheck disables audience validation for gateways that
	// already enforce it.
	OIDCSkipAudienceCheck bool
}

// LockConfig holds document edit lock settings
type LockConfig struct {
	// Enabled switches pessimistic document locking on.
	Enabled bool

	// TTL is the lock lifetime between heartbeats, minimum 30s.
	TTL time.Duration
}

// RoleScopeConfig holds the role-scope authorization feature flags.
//
// The struct is passed explicitly into the authorizer and engine constructors
// so tests can run in parallel without mutating process-global settings.
type RoleScopeConfig struct {
	// PolicyEnabled switches the policy framework on. When false the service
	// preserves historical behavior driven solely by UnionScopeEnabled.
	PolicyEnabled bool

	// Mode selects the evaluation mode: auto, legacy, union, or union_metadata.
	Mode string

	// UnionScopeEnabled is the historical union-vs-precedence flag consulted
	// when PolicyEnabled is false or Mode is auto.
	UnionScopeEnabled bool

	// RolloutEndpoints is a comma-separated list of endpoint-key glob patterns.
	// Empty means every endpoint is in the rollout.
	RolloutEndpoints string

	// MetadataFallbackToUnion controls whether an allowed decision with an
	// empty scope falls back to the full union of dimensions.
	MetadataFallbackToUnion bool

	// AuditEnabled emits one structured log line per scope decision.
	AuditEnabled bool

	// AuditVerbose additionally logs the resolved identifier sets.
	AuditVerbose bool

	// AuditSampleRate samples audit lines in [0.0, 1.0].
	AuditSampleRate float64
}

// MetadataConfig holds policy metadata store configuration
type MetadataConfig struct {
	// FrameworkEnabled allows DB-backed metadata reads.
	FrameworkEnabled bool

	// ReadMode selects the primary metadata source: assets or db.
	ReadMode string

	// CacheTTL bounds how long a loaded document is served from cache.
	CacheTTL time.Duration

	// PolicyPath points at a JSON policy document on disk, optional.
	PolicyPath string

	// WatchPolicyFile resets the cache when the policy file changes on disk.
	WatchPolicyFile bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Auth:          loadAuthConfig(),
		RoleScope:     loadRoleScopeConfig(),
		Locks:         loadLockConfig(),
		Metadata:      loadMetadataConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("BACKOFFICE_HOST", "0.0.0.0"),
		Port:            getEnv("BACKOFFICE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("BACKOFFICE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("BACKOFFICE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("BACKOFFICE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("BACKOFFICE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("BACKOFFICE_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("BACKOFFICE_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("BACKOFFICE_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns:    getEnvInt("BACKOFFICE_POSTGRES_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("BACKOFFICE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

// loadAuthConfig loads authentication settings from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		Mode:                  strings.ToLower(getEnv("BACKOFFICE_AUTH_MODE", "legacy_header")),
		OIDCIssuerURL:         getEnv("BACKOFFICE_OIDC_ISSUER_URL", ""),
		OIDCAudience:          getEnv("BACKOFFICE_OIDC_AUDIENCE", ""),
		OIDCSkipAudienceCheck: getEnvBool("BACKOFFICE_OIDC_SKIP_AUDIENCE_CHECK", false),
	}
}

// loadLockConfig loads document edit lock settings from environment
func loadLockConfig() LockConfig {
	return LockConfig{
		Enabled: getEnvBool("BACKOFFICE_DOCUMENT_LOCK_ENABLED", true),
		TTL:     getEnvDuration("BACKOFFICE_DOCUMENT_LOCK_TTL", 3*time.Minute),
	}
}

// loadRoleScopeConfig loads role-scope authorization flags from environment
func loadRoleScopeConfig() RoleScopeConfig {
	return RoleScopeConfig{
		PolicyEnabled:           getEnvBool("BACKOFFICE_ROLE_SCOPE_POLICY_ENABLED", true),
		Mode:                    strings.ToLower(getEnv("BACKOFFICE_ROLE_SCOPE_POLICY_MODE", "auto")),
		UnionScopeEnabled:       getEnvBool("BACKOFFICE_UNION_SCOPE_ENABLED", true),
		RolloutEndpoints:        getEnv("BACKOFFICE_ROLE_SCOPE_ROLLOUT_ENDPOINTS", ""),
		MetadataFallbackToUnion: getEnvBool("BACKOFFICE_ROLE_SCOPE_METADATA_FALLBACK_TO_UNION", true),
		AuditEnabled:            getEnvBool("BACKOFFICE_ROLE_SCOPE_AUDIT_ENABLED", false),
		AuditVerbose:            getEnvBool("BACKOFFICE_ROLE_SCOPE_AUDIT_VERBOSE", false),
		AuditSampleRate:         getEnvFloat("BACKOFFICE_ROLE_SCOPE_AUDIT_SAMPLE_RATE", 1.0),
	}
}

// loadMetadataConfig loads policy metadata store configuration from environment
func loadMetadataConfig() MetadataConfig {
	return MetadataConfig{
		FrameworkEnabled: getEnvBool("BACKOFFICE_METADATA_FRAMEWORK_ENABLED", false),
		ReadMode:         strings.ToLower(getEnv("BACKOFFICE_METADATA_READ_MODE", "assets")),
		CacheTTL:         getEnvDuration("BACKOFFICE_METADATA_CACHE_TTL", 60*time.Second),
		PolicyPath:       getEnv("BACKOFFICE_ROLE_SCOPE_METADATA_PATH", ""),
		WatchPolicyFile:  getEnvBool("BACKOFFICE_ROLE_SCOPE_METADATA_WATCH", false),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("BACKOFFICE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("BACKOFFICE_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	switch c.Auth.Mode {
	case "legacy_header", "dual", "jwt_only":
	default:
		return fmt.Errorf("invalid auth mode: %s (must be legacy_header, dual, or jwt_only)", c.Auth.Mode)
	}
	if c.Auth.Mode != "legacy_header" && c.Auth.OIDCIssuerURL == "" {
		return fmt.Errorf("OIDC issuer URL is required for auth mode %s", c.Auth.Mode)
	}

	switch c.RoleScope.Mode {
	case "auto", "legacy", "union", "union_metadata":
	default:
		return fmt.Errorf("invalid role scope mode: %s (must be auto, legacy, union, or union_metadata)", c.RoleScope.Mode)
	}

	switch c.Metadata.ReadMode {
	case "assets", "db":
	default:
		return fmt.Errorf("invalid metadata read mode: %s (must be assets or db)", c.Metadata.ReadMode)
	}

	if c.RoleScope.AuditSampleRate < 0 || c.RoleScope.AuditSampleRate > 1 {
		return fmt.Errorf("audit sample rate must be within [0.0, 1.0]")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
