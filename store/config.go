package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/tailored-agentic-units/statekit/action"
)

const (
	defaultName        = "default"
	defaultObserver    = "slog"
	defaultWaitTimeout = 10 * time.Minute

	envWaitTimeout = "STATEKIT_WAIT_TIMEOUT"
)

// NoWaitTimeout disables the default wait timeout.
const NoWaitTimeout time.Duration = -1

// Config holds store initialization parameters. Collaborators such as
// observers and persistors are injected with Options instead.
//
// WaitTimeout is the default for the wait primitives; a negative value
// disables it. A zero WaitTimeout in a Config literal means unset, so Merge
// keeps the default. An explicit zero in a config file or in
// STATEKIT_WAIT_TIMEOUT is read as NoWaitTimeout. JSON files express
// durations in nanoseconds, TOML files and environment variables accept Go
// duration strings.
type Config struct {
	Name            string             `json:"name,omitempty" toml:"name" env:"STATEKIT_NAME"`
	Observer        string             `json:"observer,omitempty" toml:"observer" env:"STATEKIT_OBSERVER"`
	WaitTimeout     time.Duration      `json:"wait_timeout,omitempty" toml:"wait_timeout" env:"STATEKIT_WAIT_TIMEOUT"`
	LogStateChanges bool               `json:"log_state_changes,omitempty" toml:"log_state_changes" env:"STATEKIT_LOG_STATE_CHANGES"`
	Retry           action.RetryPolicy `json:"retry" toml:"retry" envPrefix:"STATEKIT_RETRY_"`
}

// DefaultConfig returns a Config with the slog observer, a 10 minute wait
// timeout and the default retry policy.
func DefaultConfig() Config {
	return Config{
		Name:        defaultName,
		Observer:    defaultObserver,
		WaitTimeout: defaultWaitTimeout,
		Retry:       action.DefaultRetryPolicy(),
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Name != "" {
		c.Name = source.Name
	}
	if source.Observer != "" {
		c.Observer = source.Observer
	}
	if source.WaitTimeout != 0 {
		c.WaitTimeout = source.WaitTimeout
	}
	if source.LogStateChanges {
		c.LogStateChanges = true
	}

	c.Retry.Merge(&source.Retry)
}

// ApplyEnv overrides fields from STATEKIT_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if v := os.Getenv(envWaitTimeout); v != "" && c.WaitTimeout == 0 {
		c.WaitTimeout = NoWaitTimeout
	}
	return nil
}

// LoadConfig reads a JSON or TOML config file (chosen by extension), merges
// it over the defaults and applies environment overrides.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".toml":
		meta, err := toml.Decode(string(data), &loaded)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if meta.IsDefined("wait_timeout") && loaded.WaitTimeout == 0 {
			loaded.WaitTimeout = NoWaitTimeout
		}
	default:
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		var present struct {
			WaitTimeout *time.Duration `json:"wait_timeout"`
		}
		if err := json.Unmarshal(data, &present); err == nil && present.WaitTimeout != nil && *present.WaitTimeout == 0 {
			loaded.WaitTimeout = NoWaitTimeout
		}
	}

	cfg.Merge(&loaded)

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
