package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written in the usual
// "30s" / "5m" form.
type Duration time.Duration

// UnmarshalYAML parses a duration string. This implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the top-level engine configuration.
type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	Feed      FeedConfig       `yaml:"feed"`
	Server    ServerConfig     `yaml:"server"`
	Postgres  *PostgresConfig  `yaml:"postgres,omitempty"`
	Providers []ProviderConfig `yaml:"providers" validate:"required,min=1,dive"`
}

// EngineConfig tunes the work loops shared by all providers.
type EngineConfig struct {
	// PollInterval is how long an exhausted source rests before being
	// re-polled.
	PollInterval Duration `yaml:"poll_interval"`

	// QuotaRetryDefault applies when an upstream rate-limit signal carries no
	// retry hint.
	QuotaRetryDefault Duration `yaml:"quota_retry_default"`

	// BackoffInitial and BackoffMax bound the exponential delay for transient
	// work failures.
	BackoffInitial Duration `yaml:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max"`
}

// FeedConfig tunes the built-in simulated feed executor.
type FeedConfig struct {
	Pages             int      `yaml:"pages"`
	ItemsPerPage      int64    `yaml:"items_per_page,omitempty"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	FailEvery         int      `yaml:"fail_every,omitempty"`
	QuotaEvery        int      `yaml:"quota_every,omitempty"`
	QuotaRetryAfter   Duration `yaml:"quota_retry_after,omitempty"`
}

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	APIHost         string   `yaml:"api_host"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// PostgresConfig holds the checkpoint store connection settings. When absent
// the engine falls back to the in-memory store.
type PostgresConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Database string `yaml:"database" validate:"required"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ProviderConfig registers one dataset provider with the engine.
type ProviderConfig struct {
	ID         string `yaml:"id" validate:"required"`
	SourceType string `yaml:"source_type" validate:"required,oneof=cve cwe capec attack epss osv"`
}

var validate = validator.New()

// Validate checks the configuration for structural problems beyond what YAML
// parsing catches.
func (c *Config) Validate() error {
	return validate.Struct(c)
}
