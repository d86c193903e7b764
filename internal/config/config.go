// Package config loads engine and authority configuration from the
// environment. A .env file in the working directory is read first when
// present; variables already set in the environment win.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every environment variable name.
const Prefix = "RBACACCEL_"

// ClientConfig configures an engine's connection to the authority.
type ClientConfig struct {
	// AuthorityURL is the base URL of the authority, e.g. https://authz:8443.
	AuthorityURL string `env:"AUTHORITY_URL" envDefault:"http://localhost:8443"`
	// Timeout bounds each round trip.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
	// ServicePrincipal names this engine in authority logs.
	ServicePrincipal string `env:"SERVICE_PRINCIPAL" envDefault:"rbacaccel-engine"`
	// ServiceSecret is presented as a bearer token on every request.
	ServiceSecret string `env:"SERVICE_SECRET"`
	// InsecureSkipVerify disables TLS verification. Development only.
	InsecureSkipVerify bool `env:"INSECURE_SKIP_VERIFY" envDefault:"false"`
}

// ServerConfig configures the authority server.
type ServerConfig struct {
	Addr    string `env:"ADDR" envDefault:":8443"`
	TLSCert string `env:"TLS_CERT"`
	TLSKey  string `env:"TLS_KEY"`

	// Backend selects policy storage: memory, bbolt or postgres.
	Backend     string `env:"BACKEND" envDefault:"bbolt"`
	DataDir     string `env:"DATA_DIR" envDefault:"./data"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	// SessionBackend selects session storage: memory, persistent or redis.
	SessionBackend     string        `env:"SESSION_BACKEND" envDefault:"memory"`
	RedisAddr          string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	SessionWrappingKey string        `env:"SESSION_WRAPPING_KEY"`
	SessionTTL         time.Duration `env:"SESSION_TTL" envDefault:"8h"`
	IdleTimeout        time.Duration `env:"IDLE_TIMEOUT" envDefault:"30m"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	PolicyFile        string `env:"POLICY_FILE"`
	DefaultActivation string `env:"DEFAULT_ACTIVATION" envDefault:"all"`

	ServiceSecret    string `env:"SERVICE_SECRET"`
	RequestRateLimit int    `env:"REQUEST_RATE_LIMIT" envDefault:"600"`
	AlertWebhookURL  string `env:"ALERT_WEBHOOK_URL"`
	AlertWebhookAuth string `env:"ALERT_WEBHOOK_AUTH"`

	// LogFormat is json or text.
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

var (
	validBackends        = []string{"memory", "bbolt", "postgres"}
	validSessionBackends = []string{"memory", "persistent", "redis"}
)

// LoadClient reads ClientConfig from the environment.
func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	if err := load(&cfg); err != nil {
		return cfg, err
	}
	cfg.AuthorityURL = strings.TrimRight(cfg.AuthorityURL, "/")
	if cfg.Timeout <= 0 {
		return cfg, fmt.Errorf("%sTIMEOUT must be positive", Prefix)
	}
	return cfg, nil
}

// LoadServer reads ServerConfig from the environment and validates it.
func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	if err := load(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate checks backend choices and their required settings.
func (c ServerConfig) Validate() error {
	if !contains(validBackends, c.Backend) {
		return fmt.Errorf("unknown backend %q (want one of %s)", c.Backend, strings.Join(validBackends, ", "))
	}
	if c.Backend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("%sPOSTGRES_DSN is required for the postgres backend", Prefix)
	}
	if !contains(validSessionBackends, c.SessionBackend) {
		return fmt.Errorf("unknown session backend %q (want one of %s)", c.SessionBackend, strings.Join(validSessionBackends, ", "))
	}
	if c.SessionBackend == "persistent" {
		if _, err := c.WrappingKey(); err != nil {
			return err
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%sTLS_CERT and %sTLS_KEY must be set together", Prefix, Prefix)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%sSWEEP_INTERVAL must be positive", Prefix)
	}
	return nil
}

// WrappingKey decodes SessionWrappingKey, which must be 32 bytes of
// standard base64.
func (c ServerConfig) WrappingKey() ([]byte, error) {
	if c.SessionWrappingKey == "" {
		return nil, fmt.Errorf("%sSESSION_WRAPPING_KEY is required for persistent sessions", Prefix)
	}
	key, err := base64.StdEncoding.DecodeString(c.SessionWrappingKey)
	if err != nil {
		return nil, fmt.Errorf("%sSESSION_WRAPPING_KEY: %w", Prefix, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%sSESSION_WRAPPING_KEY must decode to 32 bytes, got %d", Prefix, len(key))
	}
	return key, nil
}

func load(cfg any) error {
	// Load .env file if it exists (development).
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return fmt.Errorf("load .env file: %w", err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
