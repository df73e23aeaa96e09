// Package config loads the environment configuration and parses the command
// line of the shmpipe commands.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/srediag/shmpipe/internal/logging"
	"github.com/srediag/shmpipe/pkg/shm"
)

// Prefix is prepended to every environment variable name.
const Prefix = "SHMPIPE"

// Env holds configuration read from SHMPIPE_* variables.
type Env struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"warn"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
	// ID replaces the uid in name derivation; unset means the uid.
	ID          *int          `envconfig:"ID"`
	PeerCheck   time.Duration `envconfig:"PEER_CHECK" default:"0s"`
	AdminAddr   string        `envconfig:"ADMIN_ADDR"`
	MetricsFile string        `envconfig:"METRICS_FILE"`
}

// Load loads configuration from environment variables.
func Load() (*Env, error) {
	var env Env
	if err := envconfig.Process(Prefix, &env); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks values envconfig cannot express.
func (e *Env) Validate() error {
	var errs []error
	if e.ID != nil && *e.ID < 0 {
		errs = append(errs, fmt.Errorf("%s_ID must not be negative, got %d", Prefix, *e.ID))
	}
	if e.PeerCheck < 0 {
		errs = append(errs, fmt.Errorf("%s_PEER_CHECK must not be negative, got %s", Prefix, e.PeerCheck))
	}
	return errors.Join(errs...)
}

// Names returns the channel names for the configured identity.
func (e *Env) Names() shm.Names {
	if e.ID != nil {
		return shm.NamesFor(*e.ID)
	}
	return shm.DefaultNames()
}

// Logging returns the logger configuration.
func (e *Env) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = e.LogLevel
	cfg.Development = e.LogDev
	return cfg
}
