package config

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rand/rlmrepl/internal/rlm/broker"
	"github.com/rand/rlmrepl/internal/rlm/client"
	"github.com/rand/rlmrepl/internal/rlm/env"
	"github.com/rand/rlmrepl/internal/rlm/state"
)

// ModelName returns the configured root model or the provider default.
func (c *Config) ModelName() string {
	if c.Model != "" {
		return c.Model
	}
	return client.DefaultModel(c.Provider.Name)
}

// ProviderSpec returns the settings for client.NewProvider.
func (c *Config) ProviderSpec() client.ProviderConfig {
	return client.ProviderConfig{Name: c.Provider.Name, APIKey: c.Provider.APIKey, BaseURL: c.Provider.BaseURL}
}

// Poll returns the broker polling schedule.
func (c *Config) Poll() broker.PollConfig {
	p := broker.DefaultPollConfig()
	if c.Env.Broker.PollInitial > 0 {
		p.Initial = c.Env.Broker.PollInitial
	}
	if c.Env.Broker.PollMax > 0 {
		p.Max = c.Env.Broker.PollMax
	}
	if c.Env.Broker.PollTimeout > 0 {
		p.Timeout = c.Env.Broker.PollTimeout
	}
	return p
}

// EnvSpec returns the root environment spec. store may be nil, in which
// case nothing is persisted.
func (c *Config) EnvSpec(store *state.Store, logger *slog.Logger) env.Spec {
	spec := env.Spec{
		Kind:             c.Env.Kind,
		BatchConcurrency: c.Env.BatchConcurrency,
		Socket: env.SocketConfig{
			Address:     c.Env.Socket.Address,
			DialTimeout: c.Env.Socket.DialTimeout,
			Process: env.ProcessConfig{
				Binary:       c.Env.Socket.WorkerBinary,
				SocketDir:    c.Env.Socket.SocketDir,
				ReadyTimeout: c.Env.Socket.ReadyTimeout,
			},
		},
		Broker: env.BrokerConfig{
			URL:         c.Env.Broker.URL,
			Poll:        c.Poll(),
			PendingRate: c.Env.Broker.PendingRate,
		},
		Logger: logger,
	}
	if c.Persistent && store != nil {
		spec.Store = store
		spec.EnvID = c.EnvID
	}
	return spec
}

// StoreSpec returns the state store spec.
func (c *Config) StoreSpec(logger *slog.Logger) env.StoreSpec {
	return env.StoreSpec{
		Kind:      c.Store.Kind,
		Path:      c.StorePath(),
		LeaseTTL:  c.Store.LeaseTTL,
		LeaseWait: c.Store.LeaseWait,
		Logger:    logger,
	}
}

// StorePath returns the configured store path, or a default under the
// user's cache directory.
func (c *Config) StorePath() string {
	if c.Store.Path != "" || c.Store.Kind == env.StoreMemory {
		return c.Store.Path
	}
	base := defaultStateDir()
	if c.Store.Kind == env.StoreSQLite {
		return filepath.Join(base, "rlmrepl.db")
	}
	return base
}

// QueueConfig returns the broker queue settings for `sandbox serve`.
func (c *Config) QueueConfig() broker.QueueConfig {
	q := broker.DefaultQueueConfig()
	if c.Sandbox.CallLease > 0 {
		q.CallLease = c.Sandbox.CallLease
	}
	if c.Sandbox.Retention > 0 {
		q.Retention = c.Sandbox.Retention
	}
	return q
}

// ExecutorConfig returns the in-sandbox executor settings.
func (c *Config) ExecutorConfig(logger *slog.Logger) broker.ExecutorConfig {
	return broker.ExecutorConfig{
		Call:             c.Poll(),
		IdleTTL:          c.Sandbox.IdleTTL,
		MaxJobs:          c.Sandbox.MaxJobs,
		BatchConcurrency: c.Env.BatchConcurrency,
		Logger:           logger,
	}
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "rlmrepl", "state")
	}
	return filepath.Join(".rlmrepl", "state")
}
