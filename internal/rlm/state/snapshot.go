// Package state holds REPL namespace snapshots and the keyed stores that
// persist them across independent sessions.
package state

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/zeebo/xxh3"
)

// VariableKind says how a variable's value is encoded.
type VariableKind string

const (
	// KindJSON values are stored as JSON documents.
	KindJSON VariableKind = "json"
	// KindFunction values are stored as source text and re-evaluated.
	KindFunction VariableKind = "function"
	// KindDate values are stored as an RFC 3339 timestamp string.
	KindDate VariableKind = "date"
	// KindTagged values are stored as a tagged tree that keeps dates, maps,
	// sets and undefined members that plain JSON would lose.
	KindTagged VariableKind = "tagged"
	// KindUndefined marks a declared variable without a value.
	KindUndefined VariableKind = "undefined"
)

// Variable is one serialized namespace entry.
type Variable struct {
	Kind   VariableKind    `json:"kind"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Source string          `json:"source,omitempty"`
}

// Fingerprint hashes the encoded value, ignoring the descriptive type.
func (v Variable) Fingerprint() uint64 {
	h := xxh3.New()
	_, _ = h.WriteString(string(v.Kind))
	_, _ = h.Write(v.Data)
	_, _ = h.WriteString(v.Source)
	return h.Sum64()
}

// Snapshot is the serialized form of a REPL namespace. Errors names the
// variables that could not be serialized and why; they are absent from Vars.
type Snapshot struct {
	Vars   map[string]Variable `json:"vars"`
	Errors map[string]string   `json:"errors,omitempty"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Vars: make(map[string]Variable)}
}

// Set records a serialized variable, clearing any earlier failure.
func (s *Snapshot) Set(name string, v Variable) {
	if s.Vars == nil {
		s.Vars = make(map[string]Variable)
	}
	s.Vars[name] = v
	delete(s.Errors, name)
}

// Fail records that name could not be serialized.
func (s *Snapshot) Fail(name string, err error) {
	if s.Errors == nil {
		s.Errors = make(map[string]string)
	}
	s.Errors[name] = err.Error()
	delete(s.Vars, name)
}

// Names returns the serialized variable names in sorted order.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.Vars))
}

// Len returns the number of serialized variables.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Vars)
}

// Failures returns per-variable serialization failures sorted by name.
func (s *Snapshot) Failures() []SerializationError {
	if s == nil || len(s.Errors) == 0 {
		return nil
	}
	out := make([]SerializationError, 0, len(s.Errors))
	for _, name := range slices.Sorted(maps.Keys(s.Errors)) {
		out = append(out, SerializationError{Name: name, Reason: s.Errors[name]})
	}
	return out
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{Vars: make(map[string]Variable, len(s.Vars))}
	for k, v := range s.Vars {
		v.Data = slices.Clone(v.Data)
		c.Vars[k] = v
	}
	if len(s.Errors) > 0 {
		c.Errors = maps.Clone(s.Errors)
	}
	return c
}

// Fingerprints maps each variable name to its value hash.
func (s *Snapshot) Fingerprints() map[string]uint64 {
	out := make(map[string]uint64, s.Len())
	if s == nil {
		return out
	}
	for name, v := range s.Vars {
		out[name] = v.Fingerprint()
	}
	return out
}

// Changed lists names whose value differs from the given fingerprints,
// including names that are new. The result is sorted.
func (s *Snapshot) Changed(before map[string]uint64) []string {
	var out []string
	for _, name := range s.Names() {
		if fp, ok := before[name]; !ok || fp != s.Vars[name].Fingerprint() {
			out = append(out, name)
		}
	}
	return out
}

// SerializationError reports a single variable that could not be captured.
type SerializationError struct {
	Name   string
	Reason string
}

func (e SerializationError) Error() string {
	return fmt.Sprintf("variable %q not serializable: %s", e.Name, e.Reason)
}
