// Package repl runs model-written JavaScript in an embedded goja runtime.
//
// An Interpreter owns one namespace (the runtime's global object). Code can
// print, raise sub-model calls through a Caller, and declare a final answer.
// The namespace can be captured to a state.Snapshot and restored into a
// fresh Interpreter.
package repl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
)

// Caller serves sub-model calls raised by executing code.
type Caller interface {
	Call(ctx context.Context, req protocol.CallRequest) (string, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, req protocol.CallRequest) (string, error)

func (f CallerFunc) Call(ctx context.Context, req protocol.CallRequest) (string, error) {
	return f(ctx, req)
}

// FatalError is implemented by call errors that must end the session even
// though executing code observed them as exceptions.
type FatalError interface {
	error
	Fatal() bool
}

// IsFatal reports whether err (or anything it wraps) is session-fatal.
func IsFatal(err error) bool {
	var fe FatalError
	return errors.As(err, &fe) && fe.Fatal()
}

// Options configures an Interpreter.
type Options struct {
	// Caller serves llm_query, llm_query_batched and rlm_query. Nil makes
	// those builtins throw.
	Caller Caller

	// BatchConcurrency bounds llm_query_batched fan-out. Default 4.
	BatchConcurrency int

	Logger *slog.Logger
}

// Output is what one Execute produced.
type Output struct {
	Stdout   string
	Stderr   string
	Final    *protocol.Final
	Duration time.Duration
}

// Interpreter is a single JavaScript namespace. It is not safe for
// concurrent use; callers serialize Execute, Capture and Restore.
type Interpreter struct {
	vm     *goja.Runtime
	caller Caller
	logger *slog.Logger

	batchConcurrency int

	// Per-execution state.
	ctx    context.Context
	stdout strings.Builder
	stderr strings.Builder
	final  *protocol.Final
	fatal  error

	reserved  map[string]struct{}
	classes   map[string]struct{}
	stringify goja.Callable
	parse     goja.Callable
	arrayFrom goja.Callable

	objectProto *goja.Object
}

// New creates an interpreter with the builtins installed.
func New(opts Options) *Interpreter {
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	i := &Interpreter{
		vm:               goja.New(),
		caller:           opts.Caller,
		logger:           opts.Logger,
		batchConcurrency: opts.BatchConcurrency,
		ctx:              context.Background(),
	}

	jsonObj := i.vm.Get("JSON").ToObject(i.vm)
	i.stringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))
	i.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))
	i.arrayFrom, _ = goja.AssertFunction(i.vm.Get("Array").ToObject(i.vm).Get("from"))
	i.objectProto = i.vm.Get("Object").ToObject(i.vm).Get("prototype").ToObject(i.vm)

	i.installBuiltins()

	i.classes = make(map[string]struct{})
	i.reserved = make(map[string]struct{})
	for _, k := range i.vm.GlobalObject().Keys() {
		i.reserved[k] = struct{}{}
	}
	return i
}

// Execute runs code. Exceptions and syntax errors are written to Stderr
// and do not produce an error. A non-nil error means the context was
// cancelled or a sub-call failed fatally; Output still holds whatever was
// captured up to that point.
func (i *Interpreter) Execute(ctx context.Context, code string) (*Output, error) {
	start := time.Now()
	i.ctx = ctx
	i.stdout.Reset()
	i.stderr.Reset()
	i.final = nil
	i.fatal = nil

	stop := context.AfterFunc(ctx, func() {
		i.vm.Interrupt(context.Cause(ctx))
	})
	code, classes := hoist(code)
	_, runErr := i.vm.RunScript("cell", code)
	for _, name := range classes {
		if _, ok := i.Lookup(name); ok {
			i.classes[name] = struct{}{}
		}
	}
	stop()
	i.vm.ClearInterrupt()
	i.ctx = context.Background()

	var err error
	var interrupted *goja.InterruptedError
	switch {
	case runErr == nil:
	case errors.As(runErr, &interrupted):
		err = fmt.Errorf("execution interrupted: %w", context.Cause(ctx))
		i.writeErr("Interrupted: " + context.Cause(ctx).Error())
	default:
		i.writeErr(formatError(runErr))
	}
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("execution interrupted: %w", context.Cause(ctx))
	}
	if err == nil && i.fatal != nil {
		err = i.fatal
	}

	return &Output{
		Stdout:   i.stdout.String(),
		Stderr:   i.stderr.String(),
		Final:    i.final,
		Duration: time.Since(start),
	}, err
}

// Names returns the user-defined global names, sorted, including
// top-level classes. Builtins are excluded.
func (i *Interpreter) Names() []string {
	var names []string
	for _, k := range i.vm.GlobalObject().Keys() {
		if _, ok := i.reserved[k]; ok {
			continue
		}
		names = append(names, k)
	}
	for k := range i.classes {
		if !slices.Contains(names, k) {
			names = append(names, k)
		}
	}
	slices.Sort(names)
	return names
}

// hoist rewrites top-level let and const declarations to var, keeping
// byte offsets, so they become globals that persist and can be declared
// again in a later cell. It also returns the names of top-level classes,
// which stay lexical. Code that does not parse is returned unchanged.
func hoist(code string) (string, []string) {
	prog, err := parser.ParseFile(nil, "cell", code, 0, parser.WithDisableSourceMaps)
	if err != nil {
		return code, nil
	}
	var (
		buf     []byte
		classes []string
	)
	for _, st := range prog.Body {
		switch d := st.(type) {
		case *ast.LexicalDeclaration:
			var kw string
			switch d.Token {
			case token.LET:
				kw = "let"
			case token.CONST:
				kw = "const"
			default:
				continue
			}
			off := int(d.Idx) - 1
			if off < 0 || off+len(kw) > len(code) || code[off:off+len(kw)] != kw {
				continue
			}
			if buf == nil {
				buf = []byte(code)
			}
			copy(buf[off:], "var"+strings.Repeat(" ", len(kw)-len("var")))
		case *ast.ClassDeclaration:
			if d.Class != nil && d.Class.Name != nil {
				classes = append(classes, string(d.Class.Name.Name))
			}
		}
	}
	if buf == nil {
		return code, classes
	}
	return string(buf), classes
}

// Reserved returns the builtin names.
func (i *Interpreter) Reserved() []string {
	return slices.Sorted(maps.Keys(i.reserved))
}

// Lookup resolves a global binding, including top-level classes.
func (i *Interpreter) Lookup(name string) (goja.Value, bool) {
	var v goja.Value
	if err := i.vm.Try(func() { v = i.vm.Get(name) }); err != nil {
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

// Set binds a Go value as a global. Maps and slices are wrapped by
// reference, so later mutations from either side are visible to both.
func (i *Interpreter) Set(name string, value any) error {
	return i.vm.Set(name, value)
}

// Delete removes a global binding.
func (i *Interpreter) Delete(name string) {
	_ = i.vm.GlobalObject().Delete(name)
}

// Export returns the Go form of a global.
func (i *Interpreter) Export(name string) (any, bool) {
	v, ok := i.Lookup(name)
	if !ok {
		return nil, false
	}
	return v.Export(), true
}

// Runtime exposes the underlying goja runtime.
func (i *Interpreter) Runtime() *goja.Runtime {
	return i.vm
}

func (i *Interpreter) writeOut(s string) {
	i.stdout.WriteString(s)
	if !strings.HasSuffix(s, "\n") {
		i.stdout.WriteByte('\n')
	}
}

func (i *Interpreter) writeErr(s string) {
	i.stderr.WriteString(s)
	if !strings.HasSuffix(s, "\n") {
		i.stderr.WriteByte('\n')
	}
}

func formatError(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.String()
	}
	return err.Error()
}
