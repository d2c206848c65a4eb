// Package config holds the tunables of the operator process.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// OperatorConfig is the operator-wide configuration shared by all reconcilers.
type OperatorConfig struct {
	MaxConcurrentReconciles int

	// Pod readiness wait.
	ReadinessTimeout      time.Duration
	ReadinessPollInterval time.Duration

	// Delay after a MIGRATE before the slot ownership is re-read.
	MigrationSettleDelay time.Duration
	// Timeout handed to the MIGRATE command.
	MigrationTimeout time.Duration

	ReplicateRetries    int
	ReplicateRetryDelay time.Duration

	RequeueMinDelay time.Duration
	RequeueMaxDelay time.Duration

	CommandTimeout time.Duration

	ResyncSchedule   string
	MinServerVersion string
}

// fileConfig mirrors OperatorConfig with durations as strings.
type fileConfig struct {
	MaxConcurrentReconciles *int    `yaml:"maxConcurrentReconciles"`
	ReadinessTimeout        *string `yaml:"readinessTimeout"`
	ReadinessPollInterval   *string `yaml:"readinessPollInterval"`
	MigrationSettleDelay    *string `yaml:"migrationSettleDelay"`
	MigrationTimeout        *string `yaml:"migrationTimeout"`
	ReplicateRetries        *int    `yaml:"replicateRetries"`
	ReplicateRetryDelay     *string `yaml:"replicateRetryDelay"`
	RequeueMinDelay         *string `yaml:"requeueMinDelay"`
	RequeueMaxDelay         *string `yaml:"requeueMaxDelay"`
	CommandTimeout          *string `yaml:"commandTimeout"`
	ResyncSchedule          *string `yaml:"resyncSchedule"`
	MinServerVersion        *string `yaml:"minServerVersion"`
}

func Default() OperatorConfig {
	return OperatorConfig{
		MaxConcurrentReconciles: 10,
		ReadinessTimeout:        60 * time.Second,
		ReadinessPollInterval:   2 * time.Second,
		MigrationSettleDelay:    5 * time.Second,
		MigrationTimeout:        60 * time.Second,
		ReplicateRetries:        10,
		ReplicateRetryDelay:     time.Second,
		RequeueMinDelay:         10 * time.Second,
		RequeueMaxDelay:         60 * time.Second,
		CommandTimeout:          10 * time.Second,
		ResyncSchedule:          "@every 5m",
		MinServerVersion:        "1.0.0",
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty path yields the defaults.
func Load(path string) (OperatorConfig, error) {
	if path == "" {
		c := Default()
		return c, c.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return OperatorConfig{}, fmt.Errorf("reading operator config: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse reads a YAML document and overlays it onto the defaults.
func Parse(r io.Reader) (OperatorConfig, error) {
	c := Default()

	fc := fileConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && err != io.EOF {
		return OperatorConfig{}, fmt.Errorf("parsing operator config: %w", err)
	}

	if fc.MaxConcurrentReconciles != nil {
		c.MaxConcurrentReconciles = *fc.MaxConcurrentReconciles
	}
	if fc.ReplicateRetries != nil {
		c.ReplicateRetries = *fc.ReplicateRetries
	}
	if fc.ResyncSchedule != nil {
		c.ResyncSchedule = *fc.ResyncSchedule
	}
	if fc.MinServerVersion != nil {
		c.MinServerVersion = *fc.MinServerVersion
	}

	durations := []struct {
		name  string
		value *string
		dst   *time.Duration
	}{
		{"readinessTimeout", fc.ReadinessTimeout, &c.ReadinessTimeout},
		{"readinessPollInterval", fc.ReadinessPollInterval, &c.ReadinessPollInterval},
		{"migrationSettleDelay", fc.MigrationSettleDelay, &c.MigrationSettleDelay},
		{"migrationTimeout", fc.MigrationTimeout, &c.MigrationTimeout},
		{"replicateRetryDelay", fc.ReplicateRetryDelay, &c.ReplicateRetryDelay},
		{"requeueMinDelay", fc.RequeueMinDelay, &c.RequeueMinDelay},
		{"requeueMaxDelay", fc.RequeueMaxDelay, &c.RequeueMaxDelay},
		{"commandTimeout", fc.CommandTimeout, &c.CommandTimeout},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return OperatorConfig{}, fmt.Errorf("invalid %s %q: %w", d.name, *d.value, err)
		}
		*d.dst = v
	}

	return c, c.Validate()
}

// Validate checks the value ranges of the configuration.
func (c OperatorConfig) Validate() error {
	if c.MaxConcurrentReconciles < 1 {
		return fmt.Errorf("maxConcurrentReconciles must be at least 1, got %d", c.MaxConcurrentReconciles)
	}
	if c.ReplicateRetries < 1 {
		return fmt.Errorf("replicateRetries must be at least 1, got %d", c.ReplicateRetries)
	}
	if c.ReadinessTimeout <= 0 || c.ReadinessPollInterval <= 0 {
		return fmt.Errorf("readiness timeout and poll interval must be positive")
	}
	if c.MigrationSettleDelay < 0 || c.ReplicateRetryDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.MigrationTimeout <= 0 || c.CommandTimeout <= 0 {
		return fmt.Errorf("migration and command timeouts must be positive")
	}
	if c.RequeueMinDelay <= 0 || c.RequeueMaxDelay < c.RequeueMinDelay {
		return fmt.Errorf("requeue delays must satisfy 0 < min <= max, got %s and %s", c.RequeueMinDelay, c.RequeueMaxDelay)
	}
	if c.ResyncSchedule != "" {
		if _, err := cron.ParseStandard(c.ResyncSchedule); err != nil {
			return fmt.Errorf("invalid resyncSchedule %q: %w", c.ResyncSchedule, err)
		}
	}
	return nil
}
