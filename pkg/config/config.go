package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config captures the static configuration of the Nexus control plane.
//
// Dynamic state (users, connections, tasks) is managed through the API and
// stored in the database.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (NEXUS_*)
//  2. Configuration file (YAML, optional)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains HTTP server settings
	Server ServerConfig `mapstructure:"server"`

	// Database configures the relational store (SQLite)
	Database DatabaseConfig `mapstructure:"database"`

	// Session configures the server-side session store
	Session SessionConfig `mapstructure:"session"`

	// MasterKey is the hex-encoded 32-byte vault key.
	// Absence is fatal at startup.
	MasterKey string `mapstructure:"master_key" validate:"required"`

	// Auth contains login and failure-telemetry settings
	Auth AuthConfig `mapstructure:"auth"`

	// WebAuthn configures the passkey relying party
	WebAuthn WebAuthnConfig `mapstructure:"webauthn"`

	// Batch bounds the fan-out executor
	Batch BatchConfig `mapstructure:"batch"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// JSON switches structured JSON output on (console format otherwise)
	JSON bool `mapstructure:"json"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Host is the listen address
	Host string `mapstructure:"host"`

	// Port is the listen port
	Port int `mapstructure:"port" validate:"gt=0,lte=65535"`

	// AllowedOrigins is the comma-separated browser-origin allow list
	AllowedOrigins string `mapstructure:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// Path is the SQLite database file
	Path string `mapstructure:"path" validate:"required"`
}

// SessionConfig configures the server-side session store.
type SessionConfig struct {
	// Secret signs session cookies. Required; absence is fatal at startup.
	Secret string `mapstructure:"secret" validate:"required"`

	// Path is the bolt database file holding session records
	Path string `mapstructure:"path" validate:"required"`

	// TTL is the default session lifetime
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`

	// RememberMeTTL is the extended lifetime for remember-me logins
	RememberMeTTL time.Duration `mapstructure:"remember_me_ttl" validate:"gt=0"`

	// CleanupInterval is how often expired sessions are swept
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
}

// AuthConfig contains login policy settings.
type AuthConfig struct {
	// CaptchaEnabled turns CAPTCHA verification on for password login
	CaptchaEnabled bool `mapstructure:"captcha_enabled"`

	// MaxFailedAttempts is the per-IP failure count that triggers RateLimited
	MaxFailedAttempts int `mapstructure:"max_failed_attempts" validate:"gt=0"`

	// BlockDuration is how long a blocked IP stays blocked
	BlockDuration time.Duration `mapstructure:"block_duration" validate:"gt=0"`
}

// WebAuthnConfig configures the passkey relying party.
type WebAuthnConfig struct {
	// RPID is the relying-party id (the effective domain)
	RPID string `mapstructure:"rp_id" validate:"required"`

	// RPOrigin is the browser origin assertions must come from
	RPOrigin string `mapstructure:"rp_origin" validate:"required"`

	// RPDisplayName is shown by authenticators during ceremonies
	RPDisplayName string `mapstructure:"rp_display_name"`
}

// BatchConfig bounds the fan-out executor.
type BatchConfig struct {
	// DefaultConcurrency applies when a submission names no limit
	DefaultConcurrency int `mapstructure:"default_concurrency" validate:"gte=1,lte=50"`

	// DefaultTimeout is the per-host execution deadline when unspecified
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`
}

// Load reads configuration from the environment and an optional YAML file.
// configPath may be empty, in which case only environment variables and
// defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The two secrets are also accepted under their unprefixed names.
	v.BindEnv("session.secret", "NEXUS_SESSION_SECRET", "SESSION_SECRET")
	v.BindEnv("master_key", "NEXUS_MASTER_KEY", "MASTER_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", "")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.path", "nexus.db")

	// Registered with empty defaults so AutomaticEnv picks them up during
	// Unmarshal; validation enforces presence.
	v.SetDefault("master_key", "")
	v.SetDefault("session.secret", "")

	v.SetDefault("session.path", "nexus-sessions.db")
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.remember_me_ttl", 30*24*time.Hour)
	v.SetDefault("session.cleanup_interval", 10*time.Minute)

	v.SetDefault("auth.captcha_enabled", false)
	v.SetDefault("auth.max_failed_attempts", 5)
	v.SetDefault("auth.block_duration", 15*time.Minute)

	v.SetDefault("webauthn.rp_id", "localhost")
	v.SetDefault("webauthn.rp_origin", "http://localhost:8080")
	v.SetDefault("webauthn.rp_display_name", "Nexus")

	v.SetDefault("batch.default_concurrency", 5)
	v.SetDefault("batch.default_timeout", 5*time.Minute)
}

// Validate checks the configuration. The session secret and a well-formed
// master key are hard requirements; the process must not come up without
// them.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("configuration validation failed: field %s is invalid (%s)", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := ValidateMasterKey(cfg.MasterKey); err != nil {
		return err
	}

	return nil
}

// ValidateMasterKey checks that the vault key decodes to exactly 32 bytes.
func ValidateMasterKey(key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("master key must be hex-encoded: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("master key must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}

// Origins splits the configured allow list into individual origins.
func (s ServerConfig) Origins() []string {
	if s.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(s.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ListenAddr renders the host:port pair for the HTTP server.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
