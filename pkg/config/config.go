package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cloudconductor/conductor/pkg/engine"
	"github.com/cloudconductor/conductor/pkg/eventbus"
	"github.com/cloudconductor/conductor/pkg/telemetry"
)

var validate = validator.New()

// Default returns the built-in configuration.
func Default() *Config {
	orchestration := engine.DefaultOptions()
	bus := eventbus.DefaultConfig()
	return &Config{
		Providers: ProvidersConfig{
			Priority: []string{"cloud_formation", "heat", "terraform"},
		},
		Orchestration: OrchestrationConfig{
			PollInterval:       orchestration.PollInterval,
			StackTimeout:       orchestration.Timeout,
			DestroyTimeout:     orchestration.DestroyTimeout,
			FrontendAddressKey: orchestration.FrontendAddressKey,
			MaxRetries:         orchestration.Retry.MaxRetries,
			RetryBaseDelay:     orchestration.Retry.BaseDelay,
			RetryMaxDelay:      orchestration.Retry.MaxDelay,
		},
		EventBus: EventBusConfig{
			Port:         2379,
			Prefix:       bus.Prefix,
			DialTimeout:  5 * time.Second,
			WaitTimeout:  bus.WaitTimeout,
			PollInterval: bus.PollInterval,
			LogLines:     bus.LogLines,
		},
		Database: DatabaseConfig{
			Path: "conductor.db",
		},
		DNS: DNSConfig{
			TTL: 60,
		},
		Terraform: TerraformConfig{
			Binary:  "terraform",
			WorkDir: filepath.Join(os.TempDir(), "conductor", "terraform"),
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	return LoadEnvironment(path, "")
}

// LoadEnvironment reads the configuration at path over the telemetry preset
// of environment (see telemetry.ConfigFor).
func LoadEnvironment(path, environment string) (*Config, error) {
	base, err := defaultFor(environment)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return base, base.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := parseOver(base, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func defaultFor(environment string) (*Config, error) {
	tel, err := telemetry.ConfigFor(environment)
	if err != nil {
		return nil, engine.NewPermanentError("invalid environment", err).
			WithCode(engine.ErrCodeConfiguration)
	}
	cfg := Default()
	cfg.Telemetry = tel
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
// Unknown fields are rejected.
func Parse(r io.Reader) (*Config, error) {
	return parseOver(Default(), r)
}

func parseOver(cfg *Config, r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, engine.NewPermanentError("failed to parse config", err).
			WithCode(engine.ErrCodeConfiguration)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return engine.NewPermanentError("invalid config", err).
			WithCode(engine.ErrCodeConfiguration)
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return engine.NewPermanentError("invalid telemetry config", err).
				WithCode(engine.ErrCodeConfiguration)
		}
	}
	return nil
}

// EngineOptions returns the orchestrator options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		PollInterval:       c.Orchestration.PollInterval,
		Timeout:            c.Orchestration.StackTimeout,
		DestroyTimeout:     c.Orchestration.DestroyTimeout,
		FrontendAddressKey: c.Orchestration.FrontendAddressKey,
		EventTimeout:       c.EventBus.WaitTimeout,
		Retry: engine.RetryPolicy{
			MaxRetries: c.Orchestration.MaxRetries,
			BaseDelay:  c.Orchestration.RetryBaseDelay,
			MaxDelay:   c.Orchestration.RetryMaxDelay,
		},
	}
}

// EventBusConfig returns the event bus client configuration.
func (c *Config) EventBusConfig() eventbus.Config {
	return eventbus.Config{
		Prefix:       c.EventBus.Prefix,
		PollInterval: c.EventBus.PollInterval,
		WaitTimeout:  c.EventBus.WaitTimeout,
		LogLines:     c.EventBus.LogLines,
	}
}
