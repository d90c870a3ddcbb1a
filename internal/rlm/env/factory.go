package env

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rand/rlmrepl/internal/rlm/state"
	"github.com/rand/rlmrepl/internal/rlm/state/badger"
	"github.com/rand/rlmrepl/internal/rlm/state/sqlite"
)

// Spec describes how to build an environment.
type Spec struct {
	Kind             Kind
	BatchConcurrency int

	Socket SocketConfig
	Broker BrokerConfig

	// Store and EnvID enable persistence for the root environment.
	Store *state.Store
	EnvID string

	Logger *slog.Logger
}

// Nested returns the spec for environments of nested sessions: the same
// backend with no persistence.
func (s Spec) Nested() Spec {
	s.Store = nil
	s.EnvID = ""
	s.Broker.SessionID = ""
	return s
}

// New builds an environment whose sub-calls go to h.
func New(spec Spec, h CallHandler) (Environment, error) {
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var e Environment
	switch spec.Kind {
	case KindDirect, "":
		e = NewDirect(DirectConfig{Handler: h, BatchConcurrency: spec.BatchConcurrency, Logger: logger})
	case KindSocket:
		cfg := spec.Socket
		cfg.Handler = h
		cfg.Logger = logger
		e = NewSocket(cfg)
	case KindBroker:
		cfg := spec.Broker
		if cfg.URL == "" {
			return nil, fmt.Errorf("broker environment requires a URL")
		}
		cfg.Handler = h
		cfg.Logger = logger
		e = NewBroker(cfg)
	default:
		return nil, fmt.Errorf("unknown environment kind %q", spec.Kind)
	}

	if spec.Store != nil && spec.EnvID != "" {
		e = NewPersistent(e, spec.Store, spec.EnvID, logger)
	}
	return e, nil
}

// StoreKind names a state backend.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreFile   StoreKind = "file"
	StoreSQLite StoreKind = "sqlite"
	StoreBadger StoreKind = "badger"
)

// StoreSpec describes a state store.
type StoreSpec struct {
	Kind StoreKind

	// Path is a directory for file and badger, a database file for sqlite.
	Path string

	LeaseTTL  time.Duration
	LeaseWait time.Duration
	Logger    *slog.Logger
}

// OpenStore opens the configured state backend.
func OpenStore(ctx context.Context, spec StoreSpec) (*state.Store, error) {
	var (
		b   state.Backend
		err error
	)
	switch spec.Kind {
	case StoreMemory, "":
		b = state.NewMemoryBackend()
	case StoreFile:
		b, err = state.NewFileBackend(spec.Path)
	case StoreSQLite:
		if dir := filepath.Dir(spec.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
		}
		b, err = sqlite.Open(ctx, sqlite.Config{Path: spec.Path})
	case StoreBadger:
		b, err = badger.Open(badger.Config{Path: spec.Path, Logger: spec.Logger})
	default:
		return nil, fmt.Errorf("unknown state backend %q", spec.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s state backend: %w", spec.Kind, err)
	}
	return state.NewStore(b, state.StoreConfig{LeaseTTL: spec.LeaseTTL, LeaseWait: spec.LeaseWait}), nil
}
