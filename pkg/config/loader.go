package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Read the YAML file (missing file is fine: defaults apply)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Decode strictly (unknown keys rejected)
//  4. Merge the decoded values over built-in defaults
//  5. Validate the result
func Initialize(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, NewLoadError(path, err)
			}
			slog.Warn("Config file not found, using defaults", "path", path)
		} else {
			if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
				return nil, NewLoadError(path, fmt.Errorf("merging over defaults: %w", err))
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"max_concurrent_tasks", cfg.Executor.MaxConcurrentTasks,
		"scheduler_tick_seconds", cfg.Scheduler.TickSeconds,
		"history_capacity", cfg.EventBus.HistoryCapacity)
	return cfg, nil
}

// loadFile reads and strictly decodes one YAML config file.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := expandEnv(data)

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// expandEnv expands environment variables in YAML content using Go
// template syntax ({{.VAR_NAME}}). The template form avoids collisions
// with literal $ characters in cron expressions and passwords. Missing
// variables expand to empty strings; validation catches required fields.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}

// Validate checks cross-field constraints and hard limits.
func (c *Config) Validate() error {
	if c.Executor.MaxConcurrentTasks < 1 {
		return NewValidationError("executor", "max_concurrent_tasks", ErrInvalidValue)
	}
	if c.Executor.DefaultMaxSteps < 1 {
		return NewValidationError("executor", "default_max_steps", ErrInvalidValue)
	}
	if c.Executor.DefaultCheckpointInterval < 1 {
		return NewValidationError("executor", "default_checkpoint_interval", ErrInvalidValue)
	}
	if c.Scheduler.TickSeconds < 1 {
		return NewValidationError("scheduler", "tick_seconds", ErrInvalidValue)
	}
	if c.Scheduler.MinIntervalSeconds < 60 {
		return NewValidationError("scheduler", "min_interval_seconds", ErrInvalidValue)
	}
	if c.Pipeline.NodeDefaultMaxAttempts < 1 {
		return NewValidationError("pipeline", "node_default_max_attempts", ErrInvalidValue)
	}
	if c.EventBus.HistoryCapacity < 1 {
		return NewValidationError("eventbus", "history_capacity", ErrInvalidValue)
	}
	if c.Cache.LRUSize < 1 {
		return NewValidationError("cache", "lru_size", ErrInvalidValue)
	}
	if c.Worker.EmbeddingDimensions < 1 {
		return NewValidationError("worker", "embedding_dimensions", ErrInvalidValue)
	}
	if c.Retention.SweepIntervalMinutes < 1 {
		return NewValidationError("retention", "sweep_interval_minutes", ErrInvalidValue)
	}
	return nil
}
