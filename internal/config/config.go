// Package config loads rlmrepl configuration from YAML files, the
// environment and command-line overrides.
package config

import (
	"time"

	"github.com/rand/rlmrepl/internal/budget"
	"github.com/rand/rlmrepl/internal/rlm/broker"
	"github.com/rand/rlmrepl/internal/rlm/client"
	"github.com/rand/rlmrepl/internal/rlm/env"
	"github.com/rand/rlmrepl/internal/rlm/kernel"
)

// Config is the effective configuration after merging all sources.
type Config struct {
	Provider ProviderConfig `yaml:"provider" json:"provider" jsonschema:"description=Completion provider settings"`

	// Model serves root sessions. SubModel, when set, serves direct
	// sub-calls.
	Model     string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"description=Root model name (defaults per provider)"`
	SubModel  string `yaml:"sub_model,omitempty" json:"sub_model,omitempty" jsonschema:"description=Model for direct llm_query calls"`
	MaxTokens int    `yaml:"max_tokens" json:"max_tokens" validate:"gte=0" jsonschema:"description=Output tokens per completion,default=4096"`

	MaxIterations       int `yaml:"max_iterations" json:"max_iterations" validate:"gte=1" jsonschema:"description=Iteration limit for root sessions,default=10"`
	NestedMaxIterations int `yaml:"nested_max_iterations,omitempty" json:"nested_max_iterations,omitempty" validate:"gte=0" jsonschema:"description=Iteration limit for nested sessions (defaults to max_iterations)"`
	MaxDepth            int `yaml:"max_depth" json:"max_depth" validate:"gte=0" jsonschema:"description=Nested session depth limit; 0 answers every sub-call directly,default=1"`
	MaxOutputChars      int `yaml:"max_output_chars" json:"max_output_chars" validate:"gte=0" jsonschema:"description=Execution output fed back to the model is truncated to this many characters,default=20000"`

	SessionTimeout    time.Duration `yaml:"session_timeout,omitempty" json:"session_timeout,omitempty" jsonschema:"type=string,description=Wall-clock limit per session such as 10m"`
	DisableBestEffort bool          `yaml:"disable_best_effort,omitempty" json:"disable_best_effort,omitempty" jsonschema:"description=Skip the final answer request when iterations run out"`

	Env EnvConfig `yaml:"env" json:"env" jsonschema:"description=Execution environment"`

	// Persistent keeps the root namespace in the state store under EnvID.
	Persistent bool   `yaml:"persistent" json:"persistent" jsonschema:"description=Persist the root environment namespace between runs"`
	EnvID      string `yaml:"env_id,omitempty" json:"env_id,omitempty" validate:"required_if=Persistent true" jsonschema:"description=Identifier of the persisted namespace,default=default"`

	Store   StoreConfig       `yaml:"store" json:"store" jsonschema:"description=State store for persisted namespaces"`
	Budget  budget.Limits     `yaml:"budget" json:"budget" jsonschema:"description=Token and call limits for a session tree"`
	Kernel  kernel.SyncConfig `yaml:"kernel" json:"kernel" jsonschema:"description=Host namespace synchronization for the kernel command"`
	Sandbox SandboxConfig     `yaml:"sandbox" json:"sandbox" jsonschema:"description=Broker and executor settings for sandbox commands"`
	Log     LogConfig         `yaml:"log" json:"log" jsonschema:"description=Logging"`
}

// ProviderConfig selects the completion provider.
type ProviderConfig struct {
	Name    string `yaml:"name" json:"name" validate:"omitempty,oneof=anthropic openrouter" jsonschema:"enum=anthropic,enum=openrouter,default=anthropic"`
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"description=API key; ${VAR} references are expanded"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" validate:"omitempty,url"`
}

// EnvConfig selects and configures the execution backend.
type EnvConfig struct {
	Kind             env.Kind `yaml:"kind" json:"kind" validate:"oneof=direct socket broker" jsonschema:"enum=direct,enum=socket,enum=broker,default=direct"`
	BatchConcurrency int      `yaml:"batch_concurrency,omitempty" json:"batch_concurrency,omitempty" validate:"gte=0" jsonschema:"description=Concurrent llm_query_batched requests"`

	Socket SocketConfig `yaml:"socket" json:"socket"`
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// SocketConfig configures the socket backend.
type SocketConfig struct {
	// Address of a running worker. When empty a worker is spawned.
	Address      string        `yaml:"address,omitempty" json:"address,omitempty" jsonschema:"description=unix:/path or tcp:host:port of a running worker"`
	DialTimeout  time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty" jsonschema:"type=string"`
	WorkerBinary string        `yaml:"worker_binary,omitempty" json:"worker_binary,omitempty" jsonschema:"description=Executable spawned as the worker (defaults to this binary)"`
	SocketDir    string        `yaml:"socket_dir,omitempty" json:"socket_dir,omitempty"`
	ReadyTimeout time.Duration `yaml:"ready_timeout,omitempty" json:"ready_timeout,omitempty" jsonschema:"type=string"`
}

// BrokerConfig configures the broker backend.
type BrokerConfig struct {
	URL         string        `yaml:"url,omitempty" json:"url,omitempty" validate:"omitempty,url" jsonschema:"description=Base URL of the sandbox broker"`
	PollInitial time.Duration `yaml:"poll_initial,omitempty" json:"poll_initial,omitempty" jsonschema:"type=string,default=100ms"`
	PollMax     time.Duration `yaml:"poll_max,omitempty" json:"poll_max,omitempty" jsonschema:"type=string,default=2s"`
	PollTimeout time.Duration `yaml:"poll_timeout,omitempty" json:"poll_timeout,omitempty" jsonschema:"type=string,default=5m"`
	PendingRate float64       `yaml:"pending_rate,omitempty" json:"pending_rate,omitempty" validate:"gte=0" jsonschema:"description=Pending call polls per second,default=10"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	Kind      env.StoreKind `yaml:"kind" json:"kind" validate:"oneof=memory file sqlite badger" jsonschema:"enum=memory,enum=file,enum=sqlite,enum=badger,default=file"`
	Path      string        `yaml:"path,omitempty" json:"path,omitempty" jsonschema:"description=Directory (file and badger) or database file (sqlite)"`
	LeaseTTL  time.Duration `yaml:"lease_ttl,omitempty" json:"lease_ttl,omitempty" jsonschema:"type=string"`
	LeaseWait time.Duration `yaml:"lease_wait,omitempty" json:"lease_wait,omitempty" jsonschema:"type=string"`
}

// SandboxConfig configures `sandbox serve` and `sandbox exec`.
type SandboxConfig struct {
	Listen    string        `yaml:"listen" json:"listen" jsonschema:"description=Broker listen address,default=127.0.0.1:8787"`
	CallLease time.Duration `yaml:"call_lease,omitempty" json:"call_lease,omitempty" jsonschema:"type=string,default=30s"`
	Retention time.Duration `yaml:"retention,omitempty" json:"retention,omitempty" jsonschema:"type=string,default=10m"`
	MaxJobs   int           `yaml:"max_jobs,omitempty" json:"max_jobs,omitempty" validate:"gte=0"`
	IdleTTL   time.Duration `yaml:"idle_ttl,omitempty" json:"idle_ttl,omitempty" jsonschema:"type=string"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json" jsonschema:"enum=text,enum=json,default=text"`

	// File, when set, receives logs through a rotating writer.
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty" validate:"gte=0" jsonschema:"default=20"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty" validate:"gte=0" jsonschema:"default=3"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty" validate:"gte=0" jsonschema:"default=28"`
}

// Default returns the built-in configuration.
func Default() *Config {
	q := broker.DefaultQueueConfig()
	p := broker.DefaultPollConfig()
	return &Config{
		Provider:       ProviderConfig{Name: client.ProviderAnthropic},
		MaxTokens:      4096,
		MaxIterations:  10,
		MaxDepth:       1,
		MaxOutputChars: 20000,
		Env: EnvConfig{
			Kind: env.KindDirect,
			Broker: BrokerConfig{
				PollInitial: p.Initial,
				PollMax:     p.Max,
				PollTimeout: p.Timeout,
				PendingRate: 10,
			},
		},
		EnvID:  "default",
		Store:  StoreConfig{Kind: env.StoreFile},
		Budget: budget.DefaultLimits(),
		Sandbox: SandboxConfig{
			Listen:    "127.0.0.1:8787",
			CallLease: q.CallLease,
			Retention: q.Retention,
		},
		Log: LogConfig{Level: "info", Format: "text", MaxSizeMB: 20, MaxBackups: 3, MaxAgeDays: 28},
	}
}
