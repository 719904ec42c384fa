// Package config loads and validates the orchestrator configuration:
// YAML file merged over built-in defaults, with environment expansion.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize and
// threaded through the application at startup.
type Config struct {
	Server    *ServerConfig    `yaml:"server"`
	Executor  *ExecutorConfig  `yaml:"executor"`
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Pipeline  *PipelineConfig  `yaml:"pipeline"`
	EventBus  *EventBusConfig  `yaml:"eventbus"`
	Cache     *CacheConfig     `yaml:"cache"`
	WS        *WSConfig        `yaml:"ws"`
	Worker    *WorkerConfig    `yaml:"worker"`
	Retention *RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Port the HTTP server listens on.
	Port int `yaml:"port"`

	// ShutdownGraceSeconds bounds graceful HTTP shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`

	// AllowedWSOrigins is the WebSocket origin allowlist. Empty means
	// all origins are accepted (development mode).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// ExecutorConfig controls the background task executor.
type ExecutorConfig struct {
	// MaxConcurrentTasks bounds simultaneously running task loops.
	// Excess starts are refused with a typed error.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// DefaultMaxSteps is applied when a task does not set max_steps.
	DefaultMaxSteps int `yaml:"default_max_steps"`

	// DefaultTimeoutSeconds is the wall-clock task budget since the
	// task entered running.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`

	// DefaultCheckpointInterval is the step count between checkpoints.
	DefaultCheckpointInterval int `yaml:"default_checkpoint_interval"`

	// WorkerCallTimeoutSeconds bounds each individual worker call
	// inside a task loop.
	WorkerCallTimeoutSeconds int `yaml:"worker_call_timeout_seconds"`

	// HeartbeatSeconds is the claim heartbeat period for running tasks.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`

	// OrphanThresholdSeconds is how long a claimed task may go without
	// a heartbeat before another instance may time it out.
	OrphanThresholdSeconds int `yaml:"orphan_threshold_seconds"`

	// ShutdownGraceSeconds is how long Shutdown waits for running loops
	// to reach an iteration boundary.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// WorkerCallTimeout returns the per-call timeout as a duration.
func (c *ExecutorConfig) WorkerCallTimeout() time.Duration {
	return time.Duration(c.WorkerCallTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *ExecutorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// SchedulerConfig controls the scheduled action dispatcher.
type SchedulerConfig struct {
	// TickSeconds is the scheduler resolution.
	TickSeconds int `yaml:"tick_seconds"`

	// MinIntervalSeconds is the lowest accepted interval for
	// interval-type actions. Enforced at 60.
	MinIntervalSeconds int `yaml:"min_interval_seconds"`

	// RetryBackoffBaseSeconds is the base for failure-retry backoff.
	RetryBackoffBaseSeconds int `yaml:"retry_backoff_base_seconds"`

	// RetryBackoffCapSeconds caps failure-retry backoff.
	RetryBackoffCapSeconds int `yaml:"retry_backoff_cap_seconds"`
}

// Tick returns the tick period as a duration.
func (c *SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// PipelineConfig controls the pipeline engine.
type PipelineConfig struct {
	// RunDefaultTimeoutSeconds is the run wall-clock budget when a
	// pipeline does not set its own.
	RunDefaultTimeoutSeconds int `yaml:"run_default_timeout_seconds"`

	// NodeDefaultMaxAttempts is the per-node attempt budget when a node
	// does not set its own.
	NodeDefaultMaxAttempts int `yaml:"node_default_max_attempts"`

	// BreakerFailureThreshold is the consecutive-failure count that
	// opens a node type's circuit breaker.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`

	// BreakerResetSeconds is the breaker cool-down.
	BreakerResetSeconds int `yaml:"breaker_reset_seconds"`
}

// EventBusConfig controls the in-process event bus.
type EventBusConfig struct {
	// HistoryCapacity bounds the event history ring buffer.
	HistoryCapacity int `yaml:"history_capacity"`
}

// CacheConfig controls the two-tier cache.
type CacheConfig struct {
	// RedisAddr is the shared cache endpoint. Empty disables the shared
	// tier; all shared-tier operations degrade to misses.
	RedisAddr string `yaml:"redis_addr"`

	// RedisDB selects the Redis logical database.
	RedisDB int `yaml:"redis_db"`

	// LRUSize bounds the in-process embedding cache.
	LRUSize int `yaml:"lru_size"`

	// EmbeddingTTLSeconds is the shared-tier TTL for embeddings.
	EmbeddingTTLSeconds int `yaml:"embedding_ttl_seconds"`

	// RecallTTLSeconds is the TTL for cached recall results.
	RecallTTLSeconds int `yaml:"recall_ttl_seconds"`

	// CircleContextTTLSeconds is the TTL for composed circle contexts.
	CircleContextTTLSeconds int `yaml:"circle_context_ttl_seconds"`
}

// EmbeddingTTL returns the embedding TTL as a duration.
func (c *CacheConfig) EmbeddingTTL() time.Duration {
	return time.Duration(c.EmbeddingTTLSeconds) * time.Second
}

// RecallTTL returns the recall TTL as a duration.
func (c *CacheConfig) RecallTTL() time.Duration {
	return time.Duration(c.RecallTTLSeconds) * time.Second
}

// CircleContextTTL returns the circle context TTL as a duration.
func (c *CacheConfig) CircleContextTTL() time.Duration {
	return time.Duration(c.CircleContextTTLSeconds) * time.Second
}

// WSConfig controls the WebSocket hub.
type WSConfig struct {
	// HeartbeatIntervalSeconds is the server-side heartbeat cadence
	// reported to clients in the hello message.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// WriteTimeoutSeconds bounds each per-client send; a client that
	// cannot be written to within this window is dropped.
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
}

// WriteTimeout returns the per-send timeout as a duration.
func (c *WSConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// WorkerConfig holds settings for the HTTP worker client.
type WorkerConfig struct {
	// BaseURL of the OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model is the default chat/plan model alias.
	Model string `yaml:"model"`

	// EmbeddingModel is the embeddings model alias.
	EmbeddingModel string `yaml:"embedding_model"`

	// EmbeddingDimensions is the fixed vector size per deployment.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// MaxRetries bounds transient-error retries inside ExecuteAction.
	MaxRetries int `yaml:"max_retries"`
}

// RetentionConfig controls the periodic data retention sweep.
type RetentionConfig struct {
	// TaskRetentionDays is how long terminal tasks (and their step audit
	// rows) are kept. Zero disables task pruning.
	TaskRetentionDays int `yaml:"task_retention_days"`

	// RunRetentionDays is how long finished scheduled and pipeline runs
	// are kept. Zero disables run pruning.
	RunRetentionDays int `yaml:"run_retention_days"`

	// ForgottenMemoryDays is how long forgotten memories are kept before
	// the rows are deleted. Zero deletes them on the next sweep.
	ForgottenMemoryDays int `yaml:"forgotten_memory_days"`

	// SweepIntervalMinutes is the period between retention sweeps.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// SweepInterval returns the sweep period as a duration.
func (c *RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// Default returns the built-in configuration. YAML values are merged
// over it; absent sections keep these values.
func Default() *Config {
	return &Config{
		Server: &ServerConfig{
			Port:                 8080,
			ShutdownGraceSeconds: 5,
		},
		Executor: &ExecutorConfig{
			MaxConcurrentTasks:        16,
			DefaultMaxSteps:           50,
			DefaultTimeoutSeconds:     3600,
			DefaultCheckpointInterval: 5,
			WorkerCallTimeoutSeconds:  120,
			HeartbeatSeconds:          30,
			OrphanThresholdSeconds:    300,
			ShutdownGraceSeconds:      30,
		},
		Scheduler: &SchedulerConfig{
			TickSeconds:             1,
			MinIntervalSeconds:      60,
			RetryBackoffBaseSeconds: 60,
			RetryBackoffCapSeconds:  3600,
		},
		Pipeline: &PipelineConfig{
			RunDefaultTimeoutSeconds: 3600,
			NodeDefaultMaxAttempts:   3,
			BreakerFailureThreshold:  5,
			BreakerResetSeconds:      60,
		},
		EventBus: &EventBusConfig{
			HistoryCapacity: 1000,
		},
		Cache: &CacheConfig{
			LRUSize:                 1000,
			EmbeddingTTLSeconds:     86400,
			RecallTTLSeconds:        300,
			CircleContextTTLSeconds: 600,
		},
		WS: &WSConfig{
			HeartbeatIntervalSeconds: 30,
			WriteTimeoutSeconds:      10,
		},
		Worker: &WorkerConfig{
			BaseURL:             "http://localhost:11434/v1",
			APIKeyEnv:           "LLM_API_KEY",
			Model:               "gpt-4o-mini",
			EmbeddingModel:      "text-embedding-3-small",
			EmbeddingDimensions: 1536,
			MaxRetries:          3,
		},
		Retention: &RetentionConfig{
			TaskRetentionDays:    30,
			RunRetentionDays:     30,
			ForgottenMemoryDays:  7,
			SweepIntervalMinutes: 60,
		},
	}
}
