package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// FileBackend stores one JSON file per environment id in a directory, with
// a sibling .lease file for ownership.
type FileBackend struct {
	dir string

	// mu serializes lease read-modify-write within this process. Across
	// processes a lease is created by hard-linking a complete temp file,
	// which fails if the lease already exists.
	mu sync.Mutex
}

type leaseFile struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

// NewFileBackend creates the directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) path(envID string) string {
	return filepath.Join(f.dir, sanitize(envID)+".json")
}

func (f *FileBackend) leasePath(envID string) string {
	return filepath.Join(f.dir, sanitize(envID)+".lease")
}

func (f *FileBackend) Get(_ context.Context, envID string) ([]byte, error) {
	data, err := os.ReadFile(f.path(envID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return data, nil
}

// Put writes atomically via a temp file and rename.
func (f *FileBackend) Put(_ context.Context, envID string, data []byte) error {
	return writeAtomic(f.path(envID), data)
}

func (f *FileBackend) Delete(_ context.Context, envID string) error {
	err := os.Remove(f.path(envID))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove state: %w", err)
	}
	_ = os.Remove(f.leasePath(envID))
	return nil
}

func (f *FileBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	slices.Sort(ids)
	return ids, nil
}

func (f *FileBackend) TryAcquire(_ context.Context, envID, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.leasePath(envID)
	data, _ := json.Marshal(leaseFile{Owner: owner, Expires: time.Now().Add(ttl)})

	cur, err := readLease(p, ttl)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f.createLease(p, data)
	case err != nil:
		return false, err
	case cur.Owner == owner:
		return true, writeAtomic(p, data)
	case time.Now().Before(cur.Expires):
		return false, nil
	}
	return f.takeOver(p, data, owner, ttl)
}

// createLease links a fully written temp file into place, so the lease
// appears with its content and only one creator can succeed.
func (f *FileBackend) createLease(p string, data []byte) (bool, error) {
	tmp, err := writeTemp(f.dir, ".lease-*", data)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, p); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lease: %w", err)
	}
	return true, nil
}

// takeOver replaces an expired lease. The old file is moved aside first;
// if what was moved turns out to be a live lease another owner wrote in
// the meantime, it is put back.
func (f *FileBackend) takeOver(p string, data []byte, owner string, ttl time.Duration) (bool, error) {
	aside := fmt.Sprintf("%s.stale-%d", p, time.Now().UnixNano())
	if err := os.Rename(p, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("move expired lease: %w", err)
	}
	defer os.Remove(aside)

	moved, err := readLease(aside, ttl)
	if err == nil && moved.Owner != owner && time.Now().Before(moved.Expires) {
		_ = os.Link(aside, p)
		return false, nil
	}
	return f.createLease(p, data)
}

func (f *FileBackend) Release(_ context.Context, envID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.leasePath(envID)
	cur, err := readLease(p, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if cur.Owner != owner {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

func (f *FileBackend) Close() error { return nil }

// readLease parses a lease file. One that cannot be parsed belongs to
// nobody and is held until its modification time plus ttl.
func readLease(p string, ttl time.Duration) (*leaseFile, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var l leaseFile
	if err := json.Unmarshal(data, &l); err != nil {
		fi, serr := os.Stat(p)
		if serr != nil {
			return nil, serr
		}
		return &leaseFile{Expires: fi.ModTime().Add(ttl)}, nil
	}
	return &l, nil
}

// writeTemp writes data to a new temp file in dir and returns its path.
func writeTemp(dir, pattern string, data []byte) (string, error) {
	fh, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	_, werr := fh.Write(data)
	cerr := fh.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(fh.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return fh.Name(), nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := writeTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*", data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// sanitize keeps environment ids usable as file names.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
