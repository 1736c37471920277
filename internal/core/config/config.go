package config

import (
	"time"

	"github.com/dnanh/opsmem/internal/coord"
	"github.com/dnanh/opsmem/internal/guard/breaker"
	"github.com/dnanh/opsmem/internal/guard/ratelimit"
	redisclient "github.com/dnanh/opsmem/internal/infra/redis"
	"github.com/dnanh/opsmem/internal/infra/storage/postgres"
	"github.com/dnanh/opsmem/internal/notify"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Database    postgres.Config    `yaml:"database"`
	Redis       redisclient.Config `yaml:"redis"`
	Logging     LoggingConfig      `yaml:"logging"`
	Coordinator coord.Config       `yaml:"coordinator"`
	Breaker     breaker.Config     `yaml:"breaker"`
	RateLimit   ratelimit.Config   `yaml:"rate_limit"`
	Fallback    FallbackConfig     `yaml:"fallback"`
	Notify      notify.Config      `yaml:"notify"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// FallbackConfig holds fallback store and recovery settings.
type FallbackConfig struct {
	Capacity      int           `yaml:"capacity"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}
