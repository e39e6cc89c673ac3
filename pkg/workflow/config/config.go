// Package config loads and validates the engine's construction-time
// options, mirroring the YAML-plus-env-override pattern used
// elsewhere in the codebase for per-controller configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	sharederrors "github.com/kubernaut/workflow-engine/pkg/shared/errors"
)

// RecoveryPolicy controls how the coordinator treats instances found
// RUNNING at startup.
type RecoveryPolicy string

const (
	PauseOnStartup  RecoveryPolicy = "PAUSE_ON_STARTUP"
	ResumeOnStartup RecoveryPolicy = "RESUME_ON_STARTUP"
)

// Config holds every option recognized at engine construction.
type Config struct {
	WorkerPoolSize              int            `yaml:"worker_pool_size"`
	WorkerBacklog               int            `yaml:"worker_backlog"`
	PersistenceRetryMax         int            `yaml:"persistence_retry_max"`
	RecoveryPolicy              RecoveryPolicy `yaml:"recovery_policy"`
	DefaultStalenessMultiplier  float64        `yaml:"default_staleness_multiplier"`
}

func defaults() *Config {
	return &Config{
		WorkerPoolSize:             10,
		WorkerBacklog:              100,
		PersistenceRetryMax:        3,
		RecoveryPolicy:             PauseOnStartup,
		DefaultStalenessMultiplier: 2.0,
	}
}

// LoadConfig reads path as YAML, applying defaults for any field left
// unset in the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sharederrors.FailedTo("read config file", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, sharederrors.FailedTo("parse config file", err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides on top of
// whatever LoadConfig already populated.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_POOL_SIZE: %w", err)
		}
		c.WorkerPoolSize = n
	}
	if v := os.Getenv("WORKER_BACKLOG"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_BACKLOG: %w", err)
		}
		c.WorkerBacklog = n
	}
	if v := os.Getenv("PERSISTENCE_RETRY_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PERSISTENCE_RETRY_MAX: %w", err)
		}
		c.PersistenceRetryMax = n
	}
	if v := os.Getenv("RECOVERY_POLICY"); v != "" {
		c.RecoveryPolicy = RecoveryPolicy(v)
	}
	if v := os.Getenv("DEFAULT_STALENESS_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid DEFAULT_STALENESS_MULTIPLIER: %w", err)
		}
		c.DefaultStalenessMultiplier = f
	}
	return nil
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be >= 1")
	}
	if c.WorkerBacklog < 0 {
		return fmt.Errorf("worker_backlog must be >= 0")
	}
	if c.PersistenceRetryMax < 1 {
		return fmt.Errorf("persistence_retry_max must be >= 1")
	}
	if c.RecoveryPolicy != PauseOnStartup && c.RecoveryPolicy != ResumeOnStartup {
		return fmt.Errorf("recovery_policy must be PAUSE_ON_STARTUP or RESUME_ON_STARTUP")
	}
	if c.DefaultStalenessMultiplier <= 1 {
		return fmt.Errorf("default_staleness_multiplier must be > 1")
	}
	return nil
}
