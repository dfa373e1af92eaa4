package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Environment   string
	Server        ServerConfig
	Database      DatabaseConfig
	Session       SessionConfig
	Token         TokenConfig
	Directory     DirectoryConfig
	Cache         CacheConfig
	Security      SecurityConfig
	Workflow      WorkflowConfig
	Bootstrap     BootstrapConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// LoginRequestsPerSecond applies per client address on the login route
	LoginRequestsPerSecond float64
	LoginBurst             int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// Addr is the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders a postgres connection URL
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// SessionConfig holds session management configuration
type SessionConfig struct {
	Lifetime time.Duration
	// CleanupRetention is how long inactive sessions are kept before purge
	CleanupRetention time.Duration
}

// TokenConfig holds JWT signing configuration
type TokenConfig struct {
	Secret string
	Issuer string
}

// DirectoryConfig holds LDAP configuration
type DirectoryConfig struct {
	URL                string
	BaseDN             string
	BindDN             string
	BindPassword       string
	UserAttribute      string
	Timeout            time.Duration
	StartTLS           bool
	InsecureSkipVerify bool
}

// CacheConfig selects the authorization context cache
type CacheConfig struct {
	// Backend is one of "memory", "redis" or "none". Invalidation of the
	// memory backend only reaches the instance that made the change, so it
	// is for single-instance deployments; run several replicas on redis.
	Backend   string
	RedisAddr string
	RedisDB   int
	Password  string
	Prefix    string
	Size      int
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	// TransportKey is the base64 secretbox key for login passwords
	TransportKey       string
	LockoutMaxAttempts int
}

// WorkflowConfig holds maker-checker policy
type WorkflowConfig struct {
	ForbidSelfApproval bool
	NotifyBuffer       int
	NotifyTimeout      time.Duration
}

// BootstrapConfig names the first administrator
type BootstrapConfig struct {
	AdminUsername string
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	OTELEndpoint   string
	OTELInsecure   bool
	ServiceName    string
	ServiceVersion string
}

// Production reports whether production policies apply
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout:    parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:     parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			ShutdownTimeout: parseDuration("SERVER_SHUTDOWN_TIMEOUT", "10s"),
			AllowedOrigins:  parseList("SERVER_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "opentrusty"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "opentrusty_admin"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Session: SessionConfig{
			Lifetime:         parseDuration("SESSION_LIFETIME", "8h"),
			CleanupRetention: parseDuration("SESSION_CLEANUP_RETENTION", "720h"),
		},
		Token: TokenConfig{
			Secret: getEnv("TOKEN_SECRET", ""),
			Issuer: getEnv("TOKEN_ISSUER", "opentrusty-admin"),
		},
		Directory: DirectoryConfig{
			URL:                getEnv("DIRECTORY_URL", "ldap://localhost:389"),
			BaseDN:             getEnv("DIRECTORY_BASE_DN", ""),
			BindDN:             getEnv("DIRECTORY_BIND_DN", ""),
			BindPassword:       getEnv("DIRECTORY_BIND_PASSWORD", ""),
			UserAttribute:      getEnv("DIRECTORY_USER_ATTRIBUTE", "sAMAccountName"),
			Timeout:            parseDuration("DIRECTORY_TIMEOUT", "5s"),
			StartTLS:           parseBool("DIRECTORY_STARTTLS", false),
			InsecureSkipVerify: parseBool("DIRECTORY_INSECURE_SKIP_VERIFY", false),
		},
		Cache: CacheConfig{
			Backend:   strings.ToLower(getEnv("CACHE_BACKEND", "memory")),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			RedisDB:   parseInt("REDIS_DB", 0),
			Password:  getEnv("REDIS_PASSWORD", ""),
			Prefix:    getEnv("CACHE_PREFIX", "admin:"),
			Size:      parseInt("CACHE_SIZE", 4096),
		},
		Security: SecurityConfig{
			TransportKey:       getEnv("TRANSPORT_KEY", ""),
			LockoutMaxAttempts: parseInt("SECURITY_LOCKOUT_MAX_ATTEMPTS", 5),
		},
		Workflow: WorkflowConfig{
			ForbidSelfApproval: parseBool("WORKFLOW_FORBID_SELF_APPROVAL", true),
			NotifyBuffer:       parseInt("WORKFLOW_NOTIFY_BUFFER", 256),
			NotifyTimeout:      parseDuration("WORKFLOW_NOTIFY_TIMEOUT", "5s"),
		},
		Bootstrap: BootstrapConfig{
			AdminUsername: getEnv("BOOTSTRAP_ADMIN_USERNAME", "chb0001"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			OTELEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTELInsecure:   parseBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "opentrusty-admin"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond:      parseFloat("RATELIMIT_RPS", 10),
			Burst:                  parseInt("RATELIMIT_BURST", 20),
			LoginRequestsPerSecond: parseFloat("RATELIMIT_LOGIN_RPS", 0.2),
			LoginBurst:             parseInt("RATELIMIT_LOGIN_BURST", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var problems []error
	if c.Database.Password == "" {
		problems = append(problems, errors.New("DB_PASSWORD is required"))
	}
	if len(c.Token.Secret) < 32 {
		problems = append(problems, errors.New("TOKEN_SECRET must be at least 32 characters"))
	}
	if c.Session.Lifetime <= 0 {
		problems = append(problems, errors.New("SESSION_LIFETIME must be positive"))
	}
	switch c.Cache.Backend {
	case "memory", "redis", "none":
	default:
		problems = append(problems, fmt.Errorf("CACHE_BACKEND %q is not one of memory, redis, none", c.Cache.Backend))
	}
	if c.Production() {
		if c.Security.TransportKey == "" {
			problems = append(problems, errors.New("TRANSPORT_KEY is required in production"))
		}
		if c.Directory.BindDN == "" || c.Directory.BindPassword == "" {
			problems = append(problems, errors.New("DIRECTORY_BIND_DN and DIRECTORY_BIND_PASSWORD are required in production"))
		}
		if c.Directory.InsecureSkipVerify {
			problems = append(problems, errors.New("DIRECTORY_INSECURE_SKIP_VERIFY is not allowed in production"))
		}
	}
	return errors.Join(problems...)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

func parseList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
