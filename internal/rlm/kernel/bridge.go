// Package kernel synchronizes variables between a host interactive
// namespace and a Direct environment's interpreter.
//
// Pull and push copy values through the same JSON encoding used for state
// snapshots, so the two sides never share memory. Share-by-reference binds
// host containers into the interpreter directly: maps alias fully, slices
// alias their elements.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/rand/rlmrepl/internal/rlm/env"
	"github.com/rand/rlmrepl/internal/rlm/repl"
	"github.com/rand/rlmrepl/internal/rlm/state"
)

// dateLayout matches Date.prototype.toISOString.
const dateLayout = "2006-01-02T15:04:05.000Z07:00"

var errNotPortable = errors.New("value has no host representation")

// Bridge is an Environment that keeps a host Namespace in sync with a
// Direct environment according to a SyncConfig.
type Bridge struct {
	direct *env.Direct
	host   *Namespace
	cfg    SyncConfig
	logger *slog.Logger

	mu sync.Mutex
	// attached maps names bound by reference to the host version bound.
	attached map[string]uint64
}

var _ env.Environment = (*Bridge)(nil)

// NewBridge wraps d with host synchronization.
func NewBridge(d *env.Direct, host *Namespace, cfg SyncConfig, logger *slog.Logger) (*Bridge, error) {
	if err := cfg.Validate(env.KindDirect); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if host == nil {
		host = NewNamespace(nil)
	}
	return &Bridge{
		direct:   d,
		host:     host,
		cfg:      cfg,
		logger:   logger.With("component", "kernel-bridge"),
		attached: make(map[string]uint64),
	}, nil
}

// Host returns the host namespace.
func (b *Bridge) Host() *Namespace { return b.host }

// Config returns the sync configuration.
func (b *Bridge) Config() SyncConfig { return b.cfg }

// Execute implements env.Environment.
func (b *Bridge) Execute(ctx context.Context, code string, prior *state.Snapshot) (*env.ExecutionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.ShareByReference {
		if err := b.attach(); err != nil {
			return nil, err
		}
		res, err := b.direct.Execute(ctx, code, prior)
		if res != nil {
			if aerr := b.adopt(); aerr != nil && err == nil {
				err = aerr
			}
		}
		return res, err
	}

	var before map[string]uint64
	if b.cfg.PushToHost {
		if err := b.direct.Do(func(i *repl.Interpreter) error {
			before = i.Capture().Fingerprints()
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if b.cfg.PullFromHost {
		pulled := b.pull()
		for name, fp := range pulled.Fingerprints() {
			if before != nil {
				before[name] = fp
			}
		}
		prior = merge(prior, pulled)
	}

	res, err := b.direct.Execute(ctx, code, prior)
	if res != nil && b.cfg.PushToHost {
		b.push(res.Locals, before)
	}
	return res, err
}

// Teardown implements env.Environment.
func (b *Bridge) Teardown(ctx context.Context) error {
	return b.direct.Teardown(ctx)
}

// pull encodes the allowed host variables as a snapshot.
func (b *Bridge) pull() *state.Snapshot {
	snap := state.NewSnapshot()
	for name, v := range b.host.Vars() {
		if !b.cfg.Allowed(name) {
			continue
		}
		variable, err := encode(v)
		if err != nil {
			snap.Fail(name, err)
			b.logger.Warn("Host variable not pulled", "name", name, "error", err)
			continue
		}
		snap.Set(name, variable)
	}
	return snap
}

// push copies names that are new or changed since before out to the host.
func (b *Bridge) push(locals *state.Snapshot, before map[string]uint64) {
	for _, name := range locals.Changed(before) {
		v, err := decode(locals.Vars[name])
		if err != nil {
			b.logger.Debug("Variable not pushed", "name", name, "error", err)
			continue
		}
		b.host.Set(name, v)
	}
	for _, f := range locals.Failures() {
		b.logger.Warn("Variable not pushed", "name", f.Name, "error", f.Reason)
	}
}

// attach binds host values the interpreter has not seen at their current
// version, and unbinds names the host deleted.
func (b *Bridge) attach() error {
	bindings := b.host.bindings()
	return b.direct.Do(func(i *repl.Interpreter) error {
		for name, bnd := range bindings {
			if v, ok := b.attached[name]; ok && v == bnd.version {
				continue
			}
			if err := i.Set(name, bnd.value); err != nil {
				return fmt.Errorf("attach %q: %w", name, err)
			}
			b.attached[name] = bnd.version
		}
		for name := range b.attached {
			if _, ok := bindings[name]; !ok {
				i.Delete(name)
				delete(b.attached, name)
			}
		}
		return nil
	})
}

// adopt brings globals created or rebound by code into the host. New
// containers are rebound in the interpreter to the host's copy so later
// mutations alias.
func (b *Bridge) adopt() error {
	return b.direct.Do(func(i *repl.Interpreter) error {
		live := make(map[string]struct{})
		for _, name := range i.Names() {
			live[name] = struct{}{}
			v, ok := i.Lookup(name)
			if !ok {
				continue
			}
			if _, isFn := goja.AssertFunction(v); isFn {
				continue
			}
			exp := v.Export()
			cur, had := b.host.Get(name)
			if had && (sameRef(cur, exp) || (!isContainer(exp) && reflect.DeepEqual(cur, exp))) {
				continue
			}
			b.attached[name] = b.host.setAt(name, exp)
			if isContainer(exp) {
				if err := i.Set(name, exp); err != nil {
					return fmt.Errorf("rebind %q: %w", name, err)
				}
			}
		}
		for name := range b.attached {
			if _, ok := live[name]; !ok {
				b.host.Delete(name)
				delete(b.attached, name)
			}
		}
		return nil
	})
}

func merge(prior, pulled *state.Snapshot) *state.Snapshot {
	if prior == nil {
		return pulled
	}
	out := prior.Clone()
	for name, v := range pulled.Vars {
		out.Set(name, v)
	}
	return out
}

func encode(v any) (state.Variable, error) {
	if t, ok := v.(time.Time); ok {
		data, _ := json.Marshal(t.UTC().Format(dateLayout))
		return state.Variable{Kind: state.KindDate, Type: "Date", Data: data}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return state.Variable{}, err
	}
	return state.Variable{Kind: state.KindJSON, Data: data}, nil
}

func decode(v state.Variable) (any, error) {
	switch v.Kind {
	case state.KindUndefined:
		return nil, nil
	case state.KindJSON:
		var out any
		if err := json.Unmarshal(v.Data, &out); err != nil {
			return nil, err
		}
		return out, nil
	case state.KindDate:
		var iso string
		if err := json.Unmarshal(v.Data, &iso); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, iso)
	}
	return nil, fmt.Errorf("%w: %s", errNotPortable, v.Kind)
}

func isContainer(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer:
		return true
	}
	return false
}

// sameRef reports whether a and b are the same map, pointer or slice.
func sameRef(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Kind() != vb.Kind() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Pointer:
		return va.UnsafePointer() == vb.UnsafePointer()
	case reflect.Slice:
		return va.Len() == vb.Len() && va.UnsafePointer() == vb.UnsafePointer()
	}
	return false
}
