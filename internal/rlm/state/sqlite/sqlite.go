// Package sqlite stores REPL state snapshots in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"

	"github.com/rand/rlmrepl/internal/rlm/state"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Backend implements state.Backend on SQLite.
type Backend struct {
	db     *sql.DB
	ownsDB bool
}

// Config configures the SQLite backend.
type Config struct {
	// DB is an existing connection. If nil, Path is opened.
	DB *sql.DB

	// Path is the database file.
	Path string
}

// Open opens (or adopts) the database and applies migrations.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	db := cfg.DB
	ownsDB := false
	if db == nil {
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite state: path is required")
		}
		var err error
		db, err = sql.Open("sqlite3", "file:"+cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		ownsDB = true
	}

	b := &Backend{db: db, ownsDB: ownsDB}
	if err := b.migrate(ctx); err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, b.db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}

func (b *Backend) Get(ctx context.Context, envID string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT record FROM snapshots WHERE env_id = ?`, envID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return data, nil
}

func (b *Backend) Put(ctx context.Context, envID string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO snapshots (env_id, record, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(env_id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at
	`, envID, data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, envID string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM snapshots WHERE env_id = ?`, envID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	_, err = b.db.ExecContext(ctx, `DELETE FROM snapshot_leases WHERE env_id = ?`, envID)
	return err
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT env_id FROM snapshots ORDER BY env_id`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *Backend) TryAcquire(ctx context.Context, envID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO snapshot_leases (env_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(env_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE snapshot_leases.owner = excluded.owner OR snapshot_leases.expires_at <= ?
	`, envID, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *Backend) Release(ctx context.Context, envID, owner string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM snapshot_leases WHERE env_id = ? AND owner = ?`, envID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Close closes the database if this backend opened it.
func (b *Backend) Close() error {
	if b.ownsDB && b.db != nil {
		return b.db.Close()
	}
	return nil
}

var _ state.Backend = (*Backend)(nil)
