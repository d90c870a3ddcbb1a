package repl

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rand/rlmrepl/internal/rlm/state"
)

func run(t *testing.T, i *Interpreter, code string) *Output {
	t.Helper()
	out, err := i.Execute(context.Background(), code)
	require.NoError(t, err)
	require.Empty(t, out.Stderr)
	return out
}

func TestCapture_Kinds(t *testing.T) {
	i := New(Options{})
	run(t, i, `
var num = 3.5;
var obj = {a: [1, "two", null], b: {c: true}};
var when = new Date("2024-05-01T10:00:00Z");
var nothing;
var double = function(x) { return x * 2; };
`)
	snap := i.Capture()
	assert.Empty(t, snap.Errors)
	assert.Equal(t, []string{"double", "nothing", "num", "obj", "when"}, snap.Names())

	assert.Equal(t, state.KindJSON, snap.Vars["num"].Kind)
	assert.JSONEq(t, `3.5`, string(snap.Vars["num"].Data))
	assert.JSONEq(t, `{"a":[1,"two",null],"b":{"c":true}}`, string(snap.Vars["obj"].Data))
	assert.Equal(t, state.KindDate, snap.Vars["when"].Kind)
	assert.Equal(t, state.KindUndefined, snap.Vars["nothing"].Kind)
	assert.Equal(t, state.KindFunction, snap.Vars["double"].Kind)
	assert.Contains(t, snap.Vars["double"].Source, "x * 2")
}

func TestCapture_PerVariableFailure(t *testing.T) {
	i := New(Options{})
	run(t, i, `
var ok = "fine";
var cyclic = {}; cyclic.self = cyclic;
var nativeRef = Math.max;
`)
	snap := i.Capture()
	assert.Equal(t, []string{"ok"}, snap.Names())
	assert.Contains(t, snap.Errors, "cyclic")
	assert.Contains(t, snap.Errors, "nativeRef")
}

func TestRestore_IntoFreshInterpreter(t *testing.T) {
	src := New(Options{})
	run(t, src, `
var counter = 41;
var items = ["a", "b"];
var when = new Date("2024-05-01T10:00:00Z");
var nothing;
function bump(n) { return n + 1; }
`)
	snap := src.Capture()

	dst := New(Options{})
	require.NoError(t, dst.Restore(snap))

	out := run(t, dst, `
print(bump(counter));
print(items.length, items[1]);
print(when.getUTCFullYear(), when instanceof Date);
print(typeof nothing);
`)
	assert.Equal(t, "42\n2 b\n2024 true\nundefined\n", out.Stdout)
}

func TestRestore_ReportsBadVariables(t *testing.T) {
	snap := state.NewSnapshot()
	snap.Set("good", state.Variable{Kind: state.KindJSON, Data: []byte(`1`)})
	snap.Set("broken", state.Variable{Kind: state.KindFunction, Source: "function ( {"})

	i := New(Options{})
	err := i.Restore(snap)
	require.Error(t, err)

	var serr state.SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "broken", serr.Name)

	v, ok := i.Export("good")
	require.True(t, ok)
	assert.EqualValues(t, 1, v)
}

func TestCaptureNames_SkipsUndefinedNames(t *testing.T) {
	i := New(Options{})
	run(t, i, `var a = 1; var b = 2;`)
	snap := i.CaptureNames([]string{"a", "zzz"})
	assert.Equal(t, []string{"a"}, snap.Names())
}

func TestProperty_SnapshotRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.MapOfN(
			rapid.StringMatching(`v_[a-z]{1,6}`),
			rapid.OneOf(
				rapid.Map(rapid.IntRange(-1_000_000, 1_000_000), func(n int) string { return fmt.Sprint(n) }),
				rapid.Map(rapid.StringMatching(`[a-zA-Z0-9 ]{0,12}`), func(s string) string { return fmt.Sprintf("%q", s) }),
				rapid.Map(rapid.Bool(), func(b bool) string { return fmt.Sprint(b) }),
				rapid.Map(rapid.SliceOfN(rapid.IntRange(0, 99), 0, 5), jsArray),
			),
			1, 8,
		).Draw(t, "values")

		src := New(Options{})
		for name, lit := range values {
			if _, err := src.Execute(context.Background(), "var "+name+" = "+lit+";"); err != nil {
				t.Fatalf("define %s: %v", name, err)
			}
		}
		first := src.Capture()

		dst := New(Options{})
		if err := dst.Restore(first); err != nil {
			t.Fatalf("restore: %v", err)
		}
		second := dst.Capture()

		if len(first.Changed(second.Fingerprints())) != 0 || first.Len() != second.Len() {
			t.Fatalf("round trip changed namespace: %v vs %v", first.Vars, second.Vars)
		}
	})
}

func jsArray(xs []int) string {
	s := "["
	for k, x := range xs {
		if k > 0 {
			s += ","
		}
		s += fmt.Sprint(x)
	}
	return s + "]"
}

func TestExecute_TopLevelLetAndConstPersist(t *testing.T) {
	i := New(Options{})
	run(t, i, `
const total = 5;
let name = "box";
class Box { constructor(v) { this.v = v; } }
`)
	out := run(t, i, `print(total, name, new Box(2).v);`)
	assert.Equal(t, "5 box 2\n", out.Stdout)

	// Declaring the same names again in a later cell is allowed.
	out = run(t, i, `const total = 6; let name = "crate"; print(total, name);`)
	assert.Equal(t, "6 crate\n", out.Stdout)

	snap := i.Capture()
	assert.Empty(t, snap.Errors)
	assert.Equal(t, []string{"Box", "name", "total"}, snap.Names())
	assert.JSONEq(t, `6`, string(snap.Vars["total"].Data))
	assert.Equal(t, state.KindFunction, snap.Vars["Box"].Kind)

	dst := New(Options{})
	require.NoError(t, dst.Restore(snap))
	out = run(t, dst, `print(total, name, new Box(3).v);`)
	assert.Equal(t, "6 crate 3\n", out.Stdout)
}

func TestHoist(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		want    string
		classes []string
	}{
		{"let and const", "let a = 1;\nconst b = 2;", "var a = 1;\nvar   b = 2;", nil},
		{"destructuring", "const {x, y} = p;", "var   {x, y} = p;", nil},
		{"nested blocks untouched", "{ let a = 1; }\nfor (const k of ks) {}", "{ let a = 1; }\nfor (const k of ks) {}", nil},
		{"function scope untouched", "function f() { const z = 1; return z; }", "function f() { const z = 1; return z; }", nil},
		{"class", "class Box {}", "class Box {}", []string{"Box"}},
		{"syntax error unchanged", "const = ;", "const = ;", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, classes := hoist(tt.code)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.classes, classes)
		})
	}
}

func TestCapture_TaggedValues(t *testing.T) {
	src := New(Options{})
	run(t, src, `
var seen = new Set([1, "two"]);
var index = new Map([["a", 1], ["b", {deep: new Date(0)}]]);
var when = {at: new Date(0), label: "epoch"};
var sparse = [1, undefined, 3];
var plain = {n: 1};
`)
	snap := src.Capture()
	assert.Empty(t, snap.Errors)
	for _, name := range []string{"seen", "index", "when", "sparse"} {
		assert.Equal(t, state.KindTagged, snap.Vars[name].Kind, name)
	}
	assert.Equal(t, state.KindJSON, snap.Vars["plain"].Kind)

	dst := New(Options{})
	require.NoError(t, dst.Restore(snap))
	out := run(t, dst, `
print(seen instanceof Set, seen.size, seen.has("two"));
print(index instanceof Map, index.get("a"), index.get("b").deep instanceof Date);
print(when.at instanceof Date, when.at.getTime(), when.label, Object.keys(when).join(","));
print(sparse.length, sparse[1] === undefined, sparse[2]);
`)
	assert.Equal(t, "true 2 true\ntrue 1 true\ntrue 0 epoch at,label\n3 true 3\n", out.Stdout)

	again := dst.Capture()
	assert.Empty(t, again.Changed(snap.Fingerprints()))
}

func TestCapture_UnfaithfulValuesFail(t *testing.T) {
	i := New(Options{})
	run(t, i, `
class Point { constructor(x) { this.x = x; } }
var p = new Point(1);
var pattern = /ab+c/;
var holder = {fn: function() {}};
var notANumber = NaN;
var nested = {inner: {sym: Symbol("s")}};
var fine = [1, 2];
`)
	snap := i.Capture()
	assert.Equal(t, []string{"Point", "fine"}, snap.Names())
	for _, name := range []string{"p", "pattern", "holder", "notANumber", "nested"} {
		assert.Contains(t, snap.Errors, name)
	}
	assert.Contains(t, snap.Errors["p"], "Point")
	assert.Contains(t, snap.Errors["holder"], "fn")
}
