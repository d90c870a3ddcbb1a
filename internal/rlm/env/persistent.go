package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rand/rlmrepl/internal/rlm/state"
)

// Persistent wraps an environment so its namespace outlives the session.
// The snapshot is keyed by an environment id; a lease keeps two sessions
// from sharing one id at the same time.
type Persistent struct {
	inner  Environment
	store  *state.Store
	envID  string
	logger *slog.Logger

	mu       sync.Mutex
	acquired bool
	restored bool
	torn     bool
}

// NewPersistent wraps inner with snapshot persistence under envID.
func NewPersistent(inner Environment, store *state.Store, envID string, logger *slog.Logger) *Persistent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistent{
		inner:  inner,
		store:  store,
		envID:  envID,
		logger: logger.With("component", "env-persistent", "env_id", envID),
	}
}

// EnvID returns the environment id.
func (p *Persistent) EnvID() string { return p.envID }

// Inner returns the wrapped environment.
func (p *Persistent) Inner() Environment { return p.inner }

// Execute acquires the lease and restores the stored snapshot on first
// use, then saves the namespace after every execution. An explicit prior
// takes precedence over the stored snapshot.
func (p *Persistent) Execute(ctx context.Context, code string, prior *state.Snapshot) (*ExecutionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.torn {
		return nil, ErrTornDown
	}

	if !p.acquired {
		if err := p.store.Acquire(ctx, p.envID); err != nil {
			return nil, err
		}
		p.acquired = true
	}
	if !p.restored {
		if prior == nil {
			loaded, err := p.load(ctx)
			if err != nil {
				return nil, err
			}
			prior = loaded
		}
		p.restored = true
	}

	res, err := p.inner.Execute(ctx, code, prior)
	if res != nil && res.Locals != nil {
		p.save(ctx, res.Locals)
	}
	return res, err
}

func (p *Persistent) load(ctx context.Context) (*state.Snapshot, error) {
	rec, err := p.store.Load(ctx, p.envID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		p.logger.Debug("No stored state")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load state: %w", err)
	}
	p.logger.Info("Restoring stored state", "variables", rec.Snapshot.Len(), "updated_at", rec.UpdatedAt)
	return rec.Snapshot, nil
}

// save never fails the execution: a namespace that could not be stored is
// logged and the session continues.
func (p *Persistent) save(ctx context.Context, snap *state.Snapshot) {
	if err := p.store.Save(ctx, p.envID, snap); err != nil {
		p.logger.Error("Failed to save state", "error", err)
		return
	}
	if err := p.store.Renew(ctx, p.envID); err != nil {
		p.logger.Warn("Failed to renew state lease", "error", err)
	}
}

// Delete removes the stored record. The lease, if held, is kept until
// Teardown.
func (p *Persistent) Delete(ctx context.Context) error {
	return p.store.Delete(ctx, p.envID)
}

// Teardown releases the lease and tears down the wrapped environment.
func (p *Persistent) Teardown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.torn {
		return nil
	}
	p.torn = true

	var errs []error
	if p.acquired {
		if err := p.store.Release(context.WithoutCancel(ctx), p.envID); err != nil {
			errs = append(errs, fmt.Errorf("release lease: %w", err))
		}
	}
	if err := p.inner.Teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
