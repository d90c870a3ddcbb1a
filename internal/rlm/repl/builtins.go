package repl

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/sync/errgroup"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
)

// Builtin names visible to executing code.
const (
	FnPrint          = "print"
	FnLLMQuery       = "llm_query"
	FnLLMQueryBatch  = "llm_query_batched"
	FnRLMQuery       = "rlm_query"
	FnFinal          = "FINAL"
	FnFinalVar       = "FINAL_VAR"
	FnShowVars       = "SHOW_VARS"
	consoleNamespace = "console"
)

var errNoCaller = errors.New("sub-model calls are not available in this environment")

func (i *Interpreter) installBuiltins() {
	vm := i.vm

	_ = vm.Set(FnPrint, func(call goja.FunctionCall) goja.Value {
		i.writeOut(i.joinArgs(call.Arguments))
		return goja.Undefined()
	})

	console := vm.NewObject()
	toOut := func(call goja.FunctionCall) goja.Value {
		i.writeOut(i.joinArgs(call.Arguments))
		return goja.Undefined()
	}
	toErr := func(call goja.FunctionCall) goja.Value {
		i.writeErr(i.joinArgs(call.Arguments))
		return goja.Undefined()
	}
	_ = console.Set("log", toOut)
	_ = console.Set("info", toOut)
	_ = console.Set("warn", toErr)
	_ = console.Set("error", toErr)
	_ = vm.Set(consoleNamespace, console)

	_ = vm.Set(FnLLMQuery, func(call goja.FunctionCall) goja.Value {
		return i.query(call, protocol.ModeAuto)
	})
	_ = vm.Set(FnRLMQuery, func(call goja.FunctionCall) goja.Value {
		return i.query(call, protocol.ModeLoop)
	})
	_ = vm.Set(FnLLMQueryBatch, i.queryBatched)

	_ = vm.Set(FnFinal, func(call goja.FunctionCall) goja.Value {
		i.final = &protocol.Final{Answer: i.display(call.Argument(0))}
		return goja.Undefined()
	})
	_ = vm.Set(FnFinalVar, func(call goja.FunctionCall) goja.Value {
		name := strings.TrimSpace(call.Argument(0).String())
		v, ok := i.Lookup(name)
		if !ok || goja.IsUndefined(v) {
			panic(vm.NewGoError(fmt.Errorf("FINAL_VAR: variable %q is not defined", name)))
		}
		i.final = &protocol.Final{Answer: i.display(v), Variable: name}
		return goja.Undefined()
	})
	_ = vm.Set(FnShowVars, func(goja.FunctionCall) goja.Value {
		out := vm.NewObject()
		for _, name := range i.Names() {
			v, _ := i.Lookup(name)
			_ = out.Set(name, TypeName(v))
		}
		return out
	})
}

func (i *Interpreter) call(req protocol.CallRequest) (string, error) {
	if i.caller == nil {
		return "", errNoCaller
	}
	text, err := i.caller.Call(i.ctx, req)
	if err != nil && IsFatal(err) && i.fatal == nil {
		i.fatal = err
	}
	return text, err
}

func (i *Interpreter) query(call goja.FunctionCall, mode protocol.CallMode) goja.Value {
	req := protocol.CallRequest{
		Prompt: i.display(call.Argument(0)),
		Mode:   mode,
	}
	if m := call.Argument(1); !goja.IsUndefined(m) && !goja.IsNull(m) {
		req.Model = m.String()
	}
	text, err := i.call(req)
	if err != nil {
		panic(i.vm.NewGoError(err))
	}
	return i.vm.ToValue(text)
}

// queryBatched fans prompts out concurrently. The runtime is only touched
// on the calling goroutine.
func (i *Interpreter) queryBatched(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	obj, ok := arg.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		panic(i.vm.NewTypeError("llm_query_batched expects an array of prompts"))
	}
	var model string
	if m := call.Argument(1); !goja.IsUndefined(m) && !goja.IsNull(m) {
		model = m.String()
	}

	n := int(obj.Get("length").ToInteger())
	prompts := make([]string, n)
	for k := 0; k < n; k++ {
		prompts[k] = i.display(obj.Get(fmt.Sprint(k)))
	}

	if i.caller == nil {
		panic(i.vm.NewGoError(errNoCaller))
	}

	results := make([]string, n)
	errs := make([]error, n)
	g, ctx := errgroup.WithContext(i.ctx)
	g.SetLimit(i.batchConcurrency)
	for k, p := range prompts {
		g.Go(func() error {
			text, err := i.caller.Call(ctx, protocol.CallRequest{Prompt: p, Model: model, Mode: protocol.ModeAuto})
			results[k], errs[k] = text, err
			if err != nil && IsFatal(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if i.fatal == nil {
			i.fatal = err
		}
		panic(i.vm.NewGoError(err))
	}

	out := make([]any, n)
	for k := range results {
		if errs[k] != nil {
			out[k] = "Error: " + errs[k].Error()
			continue
		}
		out[k] = results[k]
	}
	return i.vm.NewArray(out...)
}

func (i *Interpreter) joinArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for k, a := range args {
		parts[k] = i.display(a)
	}
	return strings.Join(parts, " ")
}

// display renders a value the way print shows it: strings verbatim,
// plain objects and arrays as JSON, everything else via toString.
func (i *Interpreter) display(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(v); isFn {
		return v.String()
	}
	switch obj.ClassName() {
	case "Object", "Array":
		var out goja.Value
		if ex := i.vm.Try(func() {
			out, _ = i.stringify(goja.Undefined(), v)
		}); ex == nil && out != nil && !goja.IsUndefined(out) {
			return out.String()
		}
	}
	return v.String()
}

// TypeName describes a value for SHOW_VARS and state listings.
func TypeName(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if _, ok := goja.AssertFunction(v); ok {
		return "function"
	}
	if obj, ok := v.(*goja.Object); ok {
		return strings.ToLower(obj.ClassName())
	}
	switch v.ExportType().Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int64, reflect.Float64:
		return "number"
	}
	return v.ExportType().String()
}
