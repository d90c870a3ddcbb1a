package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backend is raw keyed storage for encoded records plus per-key leases.
type Backend interface {
	Get(ctx context.Context, envID string) ([]byte, error)
	Put(ctx context.Context, envID string, data []byte) error
	Delete(ctx context.Context, envID string) error
	List(ctx context.Context) ([]string, error)

	// TryAcquire takes or renews the lease on envID for owner. It returns
	// false when a different owner holds an unexpired lease.
	TryAcquire(ctx context.Context, envID, owner string, ttl time.Duration) (bool, error)

	// Release drops owner's lease. Releasing a lease held by someone else
	// is a no-op.
	Release(ctx context.Context, envID, owner string) error

	Close() error
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// LeaseTTL bounds how long a crashed holder blocks an environment id.
	LeaseTTL time.Duration

	// LeaseWait is how long Acquire waits for a busy id before failing
	// with ErrStateInUse. Zero fails immediately.
	LeaseWait time.Duration

	// Owner identifies this process. Defaults to OwnerID().
	Owner string
}

// Store persists snapshots keyed by environment id.
type Store struct {
	backend Backend
	codec   Codec
	cfg     StoreConfig
	logger  *slog.Logger
}

// NewStore wraps a backend with the JSON codec.
func NewStore(b Backend, cfg StoreConfig) *Store {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = OwnerID()
	}
	return &Store{
		backend: b,
		codec:   JSONCodec{},
		cfg:     cfg,
		logger:  slog.With("component", "state-store"),
	}
}

// WithCodec replaces the serialization codec.
func (s *Store) WithCodec(c Codec) *Store {
	s.codec = c
	return s
}

// Owner returns the lease owner id used by this store.
func (s *Store) Owner() string { return s.cfg.Owner }

// Load returns the stored snapshot for envID, or ErrNotFound.
func (s *Store) Load(ctx context.Context, envID string) (*Record, error) {
	data, err := s.backend.Get(ctx, envID)
	if err != nil {
		return nil, err
	}
	rec, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", envID, err)
	}
	return rec, nil
}

// Save writes snap for envID. Per-variable failures are logged by name and
// kept in the record; they never discard the rest of the snapshot.
func (s *Store) Save(ctx context.Context, envID string, snap *Snapshot) error {
	if snap == nil {
		snap = NewSnapshot()
	}
	for _, f := range snap.Failures() {
		s.logger.Warn("Variable not persisted", "env_id", envID, "variable", f.Name, "reason", f.Reason)
	}
	data, err := s.codec.Encode(&Record{
		EnvID:     envID,
		UpdatedAt: time.Now().UTC(),
		Snapshot:  snap,
	})
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, envID, data); err != nil {
		return fmt.Errorf("save %s: %w", envID, err)
	}
	return nil
}

// Delete removes the record for envID.
func (s *Store) Delete(ctx context.Context, envID string) error {
	return s.backend.Delete(ctx, envID)
}

// List returns all stored environment ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

// Acquire takes the lease for envID, waiting up to LeaseWait with
// exponential backoff while another owner holds it.
func (s *Store) Acquire(ctx context.Context, envID string) error {
	op := func() (struct{}, error) {
		ok, err := s.backend.TryAcquire(ctx, envID, s.cfg.Owner, s.cfg.LeaseTTL)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, ErrStateInUse
		}
		return struct{}{}, nil
	}

	if s.cfg.LeaseWait <= 0 {
		_, err := op()
		return unwrapPermanent(err, envID)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.cfg.LeaseWait),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Debug("Waiting for state lease", "env_id", envID, "retry_in", d)
		}),
	)
	return unwrapPermanent(err, envID)
}

// Renew extends a lease this store already holds.
func (s *Store) Renew(ctx context.Context, envID string) error {
	ok, err := s.backend.TryAcquire(ctx, envID, s.cfg.Owner, s.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("renew %s: %w", envID, ErrStateInUse)
	}
	return nil
}

// Release drops the lease for envID.
func (s *Store) Release(ctx context.Context, envID string) error {
	return s.backend.Release(ctx, envID, s.cfg.Owner)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func unwrapPermanent(err error, envID string) error {
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if errors.Is(err, ErrStateInUse) {
		return fmt.Errorf("acquire %s: %w", envID, ErrStateInUse)
	}
	return fmt.Errorf("acquire %s: %w", envID, err)
}
