package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmrepl/internal/rlm/env"
)

func newBridge(t *testing.T, host *Namespace, cfg SyncConfig) *Bridge {
	t.Helper()
	b, err := NewBridge(env.NewDirect(env.DirectConfig{}), host, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Teardown(context.Background()) })
	return b
}

func run(t *testing.T, b *Bridge, code string) *env.ExecutionResult {
	t.Helper()
	res, err := b.Execute(context.Background(), code, nil)
	require.NoError(t, err)
	require.Empty(t, res.Stderr)
	return res
}

func TestSyncConfig_Validate(t *testing.T) {
	assert.NoError(t, SyncConfig{ShareByReference: true}.Validate(env.KindDirect))
	assert.ErrorIs(t, SyncConfig{ShareByReference: true}.Validate(env.KindSocket), ErrShareRequiresDirect)
	assert.ErrorIs(t, SyncConfig{ShareByReference: true}.Validate(env.KindBroker), ErrShareRequiresDirect)
	assert.NoError(t, SyncConfig{PushToHost: true}.Validate(env.KindBroker))
	assert.Error(t, SyncConfig{VariableAllowlist: []string{"[unclosed"}}.Validate(env.KindDirect))
}

func TestSyncConfig_Allowed(t *testing.T) {
	tests := []struct {
		allow []string
		name  string
		want  bool
	}{
		{nil, "anything", true},
		{[]string{"data_*"}, "data_x", true},
		{[]string{"data_*"}, "secret", false},
		{[]string{"df", "cfg?"}, "cfg1", true},
		{[]string{"{a,b}"}, "b", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SyncConfig{VariableAllowlist: tt.allow}.Allowed(tt.name), "%v %s", tt.allow, tt.name)
	}
}

func TestBridge_PullRespectsAllowlist(t *testing.T) {
	host := NewNamespace(map[string]any{"data_a": 1, "data_b": "x", "secret": "s"})
	b := newBridge(t, host, SyncConfig{PullFromHost: true, VariableAllowlist: []string{"data_*"}})

	res := run(t, b, `print(data_a + 1, data_b, typeof secret)`)
	assert.Equal(t, "2 x undefined\n", res.Stdout)
}

func TestBridge_PullCopies(t *testing.T) {
	m := map[string]any{"k": 1}
	host := NewNamespace(map[string]any{"m": m, "when": time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})
	b := newBridge(t, host, SyncConfig{PullFromHost: true})

	res := run(t, b, `m.k = 2; print(m.k, when.getUTCFullYear())`)
	assert.Equal(t, "2 2024\n", res.Stdout)
	assert.Equal(t, 1, m["k"], "pulled values are copies")

	// Host changes are picked up on the next pull.
	host.Set("m", map[string]any{"k": 7})
	res = run(t, b, `print(m.k)`)
	assert.Equal(t, "7\n", res.Stdout)
}

func TestBridge_PushChangedNames(t *testing.T) {
	host := NewNamespace(nil)
	b := newBridge(t, host, SyncConfig{PushToHost: true})

	run(t, b, `var a = 1; var b = {k: [1, 2]}; var when = new Date(0); function f() {}`)
	a, ok := host.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1.0, a)
	bv, _ := host.Get("b")
	assert.Equal(t, map[string]any{"k": []any{1.0, 2.0}}, bv)
	when, _ := host.Get("when")
	assert.True(t, time.Unix(0, 0).Equal(when.(time.Time)))
	_, ok = host.Get("f")
	assert.False(t, ok, "functions have no host representation")

	// Only changed names are pushed; the host's edit to b survives.
	host.Set("b", "host edit")
	run(t, b, `a = 2`)
	a, _ = host.Get("a")
	assert.Equal(t, 2.0, a)
	bv, _ = host.Get("b")
	assert.Equal(t, "host edit", bv)
}

func TestBridge_PullAndPushRoundTrip(t *testing.T) {
	host := NewNamespace(map[string]any{"n": 1, "untouched": "u"})
	b := newBridge(t, host, SyncConfig{PullFromHost: true, PushToHost: true})

	run(t, b, `n = n + 1; var created = "new"`)
	n, _ := host.Get("n")
	assert.Equal(t, 2.0, n)
	created, _ := host.Get("created")
	assert.Equal(t, "new", created)
	u, _ := host.Get("untouched")
	assert.Equal(t, "u", u, "pulled values that did not change are not pushed back")
}

// A mutation made by code to a shared container is visible on the host
// with no push step, and the reverse.
func TestBridge_ShareByReference(t *testing.T) {
	data := map[string]any{"count": 1}
	host := NewNamespace(map[string]any{"data": data})
	b := newBridge(t, host, SyncConfig{ShareByReference: true, VariableAllowlist: []string{"nothing"}})

	run(t, b, `data.count = 2; data.tag = "seen";`)
	assert.EqualValues(t, 2, data["count"])
	assert.Equal(t, "seen", data["tag"])

	data["count"] = 10
	res := run(t, b, `print(data.count)`)
	assert.Equal(t, "10\n", res.Stdout)
}

func TestBridge_ShareAdoptsNewGlobals(t *testing.T) {
	host := NewNamespace(map[string]any{"temp": 1})
	b := newBridge(t, host, SyncConfig{ShareByReference: true})

	run(t, b, `globalThis.fresh = {a: 1}; var label = "x";`)
	v, ok := host.Get("fresh")
	require.True(t, ok)
	fresh := v.(map[string]any)
	label, _ := host.Get("label")
	assert.Equal(t, "x", label)

	fresh["a"] = 5
	res := run(t, b, `print(fresh.a); fresh.b = true;`)
	assert.Equal(t, "5\n", res.Stdout)
	assert.Equal(t, true, fresh["b"])

	// Host deletions unbind, code deletions propagate.
	host.Delete("temp")
	res = run(t, b, `print(typeof temp); delete globalThis.fresh;`)
	assert.Equal(t, "undefined\n", res.Stdout)
	_, ok = host.Get("fresh")
	assert.False(t, ok)
}

func TestNamespace(t *testing.T) {
	n := NewNamespace(map[string]any{"b": 2, "a": 1})
	assert.Equal(t, []string{"a", "b"}, n.Names())
	n.Set("c", 3)
	v, ok := n.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	n.Delete("a")
	assert.Equal(t, map[string]any{"b": 2, "c": 3}, n.Vars())
}
