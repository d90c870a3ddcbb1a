package repl

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/rand/rlmrepl/internal/rlm/state"
)

var (
	errNativeFunction = errors.New("native function has no source")
	errInvalidDate    = errors.New("invalid date")
	errCyclic         = errors.New("cyclic value")
	errNestedFunction = errors.New("function nested in a value")
)

// Capture serializes every user-defined global. Values that cannot be
// serialized are reported by name in the snapshot's Errors.
func (i *Interpreter) Capture() *state.Snapshot {
	snap := state.NewSnapshot()
	for _, name := range i.Names() {
		v, ok := i.Lookup(name)
		if !ok {
			continue
		}
		variable, err := i.encode(v)
		if err != nil {
			snap.Fail(name, err)
			continue
		}
		snap.Set(name, variable)
	}
	return snap
}

// CaptureNames serializes only the given globals, skipping names that are
// not defined.
func (i *Interpreter) CaptureNames(names []string) *state.Snapshot {
	snap := state.NewSnapshot()
	for _, name := range names {
		v, ok := i.Lookup(name)
		if !ok {
			continue
		}
		variable, err := i.encode(v)
		if err != nil {
			snap.Fail(name, err)
			continue
		}
		snap.Set(name, variable)
	}
	return snap
}

func (i *Interpreter) encode(v goja.Value) (variable state.Variable, err error) {
	if v == nil || goja.IsUndefined(v) {
		return state.Variable{Kind: state.KindUndefined, Type: "undefined"}, nil
	}
	typ := TypeName(v)

	if _, ok := goja.AssertFunction(v); ok {
		src := v.String()
		if strings.Contains(src, "[native code]") {
			return variable, errNativeFunction
		}
		return state.Variable{Kind: state.KindFunction, Type: typ, Source: src}, nil
	}

	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Date" {
		iso, err := i.isoString(obj)
		if err != nil {
			return variable, err
		}
		data, _ := json.Marshal(iso)
		return state.Variable{Kind: state.KindDate, Type: typ, Data: data}, nil
	}

	n, tagged, err := i.walk(v, make(map[*goja.Object]struct{}))
	if err != nil {
		return variable, err
	}
	if tagged {
		data, err := json.Marshal(n)
		if err != nil {
			return variable, err
		}
		return state.Variable{Kind: state.KindTagged, Type: typ, Data: data}, nil
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		return variable, err
	}
	return state.Variable{Kind: state.KindJSON, Type: typ, Data: data}, nil
}

func (i *Interpreter) isoString(obj *goja.Object) (string, error) {
	fn, ok := goja.AssertFunction(obj.Get("toISOString"))
	if !ok {
		return "", errInvalidDate
	}
	var out goja.Value
	if ex := i.vm.Try(func() { out, _ = fn(obj) }); ex != nil || out == nil {
		return "", errInvalidDate
	}
	return out.String(), nil
}

// Restore binds every variable in snap as a global. Variables that fail to
// decode are skipped and reported together; the rest are still restored.
func (i *Interpreter) Restore(snap *state.Snapshot) error {
	if snap == nil {
		return nil
	}
	var errs []error
	for _, name := range snap.Names() {
		v, err := i.decode(snap.Vars[name])
		if err != nil {
			errs = append(errs, state.SerializationError{Name: name, Reason: err.Error()})
			continue
		}
		if err := i.vm.Set(name, v); err != nil {
			errs = append(errs, state.SerializationError{Name: name, Reason: err.Error()})
		}
	}
	return errors.Join(errs...)
}

func (i *Interpreter) decode(v state.Variable) (goja.Value, error) {
	switch v.Kind {
	case state.KindUndefined:
		return goja.Undefined(), nil
	case state.KindJSON:
		var out goja.Value
		var callErr error
		if ex := i.vm.Try(func() {
			out, callErr = i.parse(goja.Undefined(), i.vm.ToValue(string(v.Data)))
		}); ex != nil {
			return nil, ex
		}
		return out, callErr
	case state.KindDate:
		var iso string
		if err := json.Unmarshal(v.Data, &iso); err != nil {
			return nil, err
		}
		var out *goja.Object
		var newErr error
		if ex := i.vm.Try(func() {
			out, newErr = i.vm.New(i.vm.Get("Date"), i.vm.ToValue(iso))
		}); ex != nil {
			return nil, ex
		}
		return out, newErr
	case state.KindTagged:
		var n node
		if err := json.Unmarshal(v.Data, &n); err != nil {
			return nil, err
		}
		var out goja.Value
		var buildErr error
		if ex := i.vm.Try(func() { out, buildErr = i.build(n) }); ex != nil {
			return nil, ex
		}
		return out, buildErr
	case state.KindFunction:
		out, err := i.vm.RunString("(" + v.Source + ")")
		if err != nil {
			return nil, fmt.Errorf("re-evaluate function source: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown variable kind %q", v.Kind)
}
