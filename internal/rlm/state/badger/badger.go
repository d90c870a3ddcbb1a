// Package badger stores REPL state snapshots in an embedded BadgerDB.
// Leases are TTL entries, so a crashed holder's lease expires on its own.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/rand/rlmrepl/internal/rlm/state"
)

const (
	snapPrefix  = "snap/"
	leasePrefix = "lease/"
)

// Config configures the Badger backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// Logger receives Badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// Backend implements state.Backend on BadgerDB.
type Backend struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the database.
func Open(cfg Config) (*Backend, error) {
	path := cfg.Path
	if cfg.InMemory {
		path = ""
	} else if path == "" {
		return nil, fmt.Errorf("badger state: path is required")
	}

	opts := badger.DefaultOptions(path).
		WithInMemory(cfg.InMemory).
		WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Get(_ context.Context, envID string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapPrefix + envID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return data, nil
}

func (b *Backend) Put(_ context.Context, envID string, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapPrefix+envID), data)
	})
}

func (b *Backend) Delete(_ context.Context, envID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		key := []byte(snapPrefix + envID)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete([]byte(leasePrefix + envID))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return state.ErrNotFound
	}
	return err
}

func (b *Backend) List(_ context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(snapPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), snapPrefix))
		}
		return nil
	})
	return ids, err
}

func (b *Backend) TryAcquire(_ context.Context, envID, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := b.db.Update(func(txn *badger.Txn) error {
		key := []byte(leasePrefix + envID)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			cur, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(cur) != owner {
				return nil
			}
		}
		acquired = true
		return txn.SetEntry(badger.NewEntry(key, []byte(owner)).WithTTL(ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		// Lost a race with another writer; the caller retries.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return acquired, nil
}

func (b *Backend) Release(_ context.Context, envID, owner string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		key := []byte(leasePrefix + envID)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(cur) != owner {
			return nil
		}
		return txn.Delete(key)
	})
}

func (b *Backend) Close() error {
	return b.db.Close()
}

var _ state.Backend = (*Backend)(nil)
