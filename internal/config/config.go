package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Reputation ReputationConfig `json:"reputation"`
	Workflows  []WorkflowConfig `json:"workflows"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// DispatchConfig controls outbound agent calls.
type DispatchConfig struct {
	TimeoutMS int `json:"timeout_ms"`
}

// SchedulerConfig controls graph execution.
type SchedulerConfig struct {
	PoolSize       int `json:"pool_size"`
	MaxAttempts    int `json:"max_attempts"`
	RetryBackoffMS int `json:"retry_backoff_ms"`
	// DeadlineSeconds bounds a whole orchestration; 0 disables the deadline.
	DeadlineSeconds int `json:"deadline_seconds"`
}

// ReputationConfig controls agent scoring in the registry.
type ReputationConfig struct {
	Default float64 `json:"default"`
	Step    float64 `json:"step"`
	Floor   float64 `json:"floor"`
	Ceiling float64 `json:"ceiling"`
}

// WorkflowConfig declares a workflow template loaded into the catalog at startup.
type WorkflowConfig struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Keywords    []string        `json:"keywords,omitempty"`
	Subtasks    []SubtaskConfig `json:"subtasks"`
}

type SubtaskConfig struct {
	ID         string   `json:"id"`
	Capability string   `json:"capability"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// DispatchTimeout returns the configured per-dispatch timeout.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutMS) * time.Millisecond
}

// RetryBackoff returns the delay between subtask attempts.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Scheduler.RetryBackoffMS) * time.Millisecond
}

// Deadline returns the per-orchestration deadline, 0 meaning none.
func (c *Config) Deadline() time.Duration {
	return time.Duration(c.Scheduler.DeadlineSeconds) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Dispatch.TimeoutMS == 0 {
		c.Dispatch.TimeoutMS = 30000
	}
	if c.Scheduler.PoolSize == 0 {
		c.Scheduler.PoolSize = 10
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = 3
	}
	if c.Scheduler.RetryBackoffMS == 0 {
		c.Scheduler.RetryBackoffMS = 500
	}
	if c.Reputation.Default == 0 {
		c.Reputation.Default = 100
	}
	if c.Reputation.Step == 0 {
		c.Reputation.Step = 5
	}
	if c.Reputation.Ceiling == 0 {
		c.Reputation.Ceiling = 200
	}
}
