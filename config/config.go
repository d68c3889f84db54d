// Package config provides configuration loading and management for the
// orchestration backbone.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} references inside a config file, so
// deployments can inject secrets (NATS URLs with credentials, etc.) without
// committing them to YAML.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveEnvVars replaces every ${VAR_NAME} in data with the value of the
// named environment variable. A reference to an unset variable is left
// untouched, so a missing optional override doesn't corrupt the file.
func resolveEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// Config represents the complete backbone configuration.
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	HTTP      HTTPConfig      `yaml:"http"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// NATSConfig configures the JetStream connection C1 and C2 share.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use an embedded in-process server,
	// suitable for single-binary deployments and tests).
	URL string `yaml:"url"`
	// Embedded indicates whether to start an in-process NATS server instead
	// of dialing URL.
	Embedded bool `yaml:"embedded"`
	// ConnectTimeout bounds the initial dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// HTTPConfig configures the httpapi listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SchedulerConfig configures the PM Orchestrator's scheduling and
// backpressure parameters, per spec.md §4.5/§5.
type SchedulerConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	MaxInFlightProject int           `yaml:"max_in_flight_project"`
	MaxInFlightPhase   int           `yaml:"max_in_flight_phase"`
	PendingPauseAbove  int           `yaml:"pending_pause_above"`
	PendingResumeBelow int           `yaml:"pending_resume_below"`
}

// HeartbeatConfig holds the Worker Registry's liveness parameters. The
// value is loaded and validated but not passed to the registry, which
// derives liveness from its fixed registry.LivenessCutoff.
type HeartbeatConfig struct {
	LivenessCutoff time.Duration `yaml:"liveness_cutoff"`
}

// DefaultConfig returns the configuration spec.md names as defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "",
			Embedded:       true,
			ConnectTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Scheduler: SchedulerConfig{
			TickInterval:       5 * time.Second,
			MaxInFlightProject: 4,
			MaxInFlightPhase:   1,
			PendingPauseAbove:  1000,
			PendingResumeBelow: 500,
		},
		Heartbeat: HeartbeatConfig{
			LivenessCutoff: 60 * time.Second,
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.MaxInFlightProject <= 0 {
		return fmt.Errorf("scheduler.max_in_flight_project must be positive")
	}
	if c.Scheduler.MaxInFlightPhase <= 0 {
		return fmt.Errorf("scheduler.max_in_flight_phase must be positive")
	}
	if c.Scheduler.PendingResumeBelow >= c.Scheduler.PendingPauseAbove {
		return fmt.Errorf("scheduler.pending_resume_below must be less than pending_pause_above")
	}
	if c.Heartbeat.LivenessCutoff <= 0 {
		return fmt.Errorf("heartbeat.liveness_cutoff must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, layered over
// DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(resolveEnvVars(data), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one; other's non-zero fields take
// precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.ConnectTimeout != 0 {
		c.NATS.ConnectTimeout = other.NATS.ConnectTimeout
	}

	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}

	if other.Scheduler.TickInterval != 0 {
		c.Scheduler.TickInterval = other.Scheduler.TickInterval
	}
	if other.Scheduler.MaxInFlightProject != 0 {
		c.Scheduler.MaxInFlightProject = other.Scheduler.MaxInFlightProject
	}
	if other.Scheduler.MaxInFlightPhase != 0 {
		c.Scheduler.MaxInFlightPhase = other.Scheduler.MaxInFlightPhase
	}
	if other.Scheduler.PendingPauseAbove != 0 {
		c.Scheduler.PendingPauseAbove = other.Scheduler.PendingPauseAbove
	}
	if other.Scheduler.PendingResumeBelow != 0 {
		c.Scheduler.PendingResumeBelow = other.Scheduler.PendingResumeBelow
	}

	if other.Heartbeat.LivenessCutoff != 0 {
		c.Heartbeat.LivenessCutoff = other.Heartbeat.LivenessCutoff
	}
}
