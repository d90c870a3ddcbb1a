package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// Format tags persisted records written by this package.
	Format = "rlmrepl.snapshot"

	// Version is the current record layout version.
	Version = 1
)

var (
	// ErrNotFound is returned when no record exists for an environment id.
	ErrNotFound = errors.New("state not found")

	// ErrIncompatibleFormat is returned for records with an unknown format
	// tag or a newer version than this build understands.
	ErrIncompatibleFormat = errors.New("incompatible state format")

	// ErrStateInUse is returned when another session holds the lease.
	ErrStateInUse = errors.New("state in use by another session")
)

// Record is the persisted envelope for one environment's snapshot.
type Record struct {
	Format    string    `json:"format"`
	Version   int       `json:"version"`
	EnvID     string    `json:"env_id"`
	UpdatedAt time.Time `json:"updated_at"`
	Snapshot  *Snapshot `json:"snapshot"`
}

// Codec converts records to bytes and back. It is the single place that
// knows the on-disk serialization.
type Codec interface {
	Encode(rec *Record) ([]byte, error)
	Decode(data []byte) (*Record, error)
}

// JSONCodec stores records as JSON documents.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(rec *Record) ([]byte, error) {
	if rec.Format == "" {
		rec.Format = Format
	}
	if rec.Version == 0 {
		rec.Version = Version
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.EnvID, err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleFormat, err)
	}
	if rec.Format != Format {
		return nil, fmt.Errorf("%w: format %q", ErrIncompatibleFormat, rec.Format)
	}
	if rec.Version < 1 || rec.Version > Version {
		return nil, fmt.Errorf("%w: version %d (supported %d)", ErrIncompatibleFormat, rec.Version, Version)
	}
	if rec.Snapshot == nil {
		rec.Snapshot = NewSnapshot()
	}
	return &rec, nil
}
