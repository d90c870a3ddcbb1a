package env

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
	"github.com/rand/rlmrepl/internal/rlm/repl"
	"github.com/rand/rlmrepl/internal/rlm/state"
)

func TestDirect_ExecuteWithSubCalls(t *testing.T) {
	h := &echoHandler{}
	d := NewDirect(DirectConfig{Handler: h})
	defer d.Teardown(context.Background())

	res, err := d.Execute(context.Background(), `
var a = llm_query("first");
var b = rlm_query("second", "big-model");
print(a + " " + b);
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "FIRST SECOND\n", res.Stdout)
	assert.Empty(t, res.Stderr)

	require.Len(t, res.SubCalls, 2)
	first, second := res.SubCalls[0], res.SubCalls[1]
	assert.Equal(t, "first", first.Prompt)
	assert.Equal(t, "FIRST", first.Response)
	assert.Equal(t, protocol.CallCompletion, first.Kind)
	assert.Equal(t, 1, first.Depth)
	assert.Equal(t, "t-1", first.Trace["trace_id"])
	assert.NotEmpty(t, first.CorrelationID)
	assert.Equal(t, protocol.CallLoop, second.Kind)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)

	assert.Equal(t, []string{"a", "b"}, res.Locals.Names())
}

func TestDirect_ExceptionIsNotAnError(t *testing.T) {
	d := NewDirect(DirectConfig{Handler: &echoHandler{}})
	res, err := d.Execute(context.Background(), `
var got = llm_query("x");
print("partial");
undefinedFunction();
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Contains(t, res.Stderr, "undefinedFunction")
	assert.True(t, res.Failed())
	assert.Len(t, res.SubCalls, 1, "sub-calls made before the exception are kept")
	assert.Contains(t, res.Locals.Names(), "got")
}

func TestDirect_DepthErrorIsFatal(t *testing.T) {
	d := NewDirect(DirectConfig{Handler: depthHandler})
	res, err := d.Execute(context.Background(), `
try { rlm_query("deeper"); } catch (e) { print("caught"); }
`, nil)
	var de *protocol.DepthError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2, de.Depth)
	require.NotNil(t, res)
	require.Len(t, res.SubCalls, 1)
	assert.Equal(t, protocol.CallLoop, res.SubCalls[0].Kind)
	assert.NotEmpty(t, res.SubCalls[0].Error)
}

func TestDirect_PriorReplacesNamespace(t *testing.T) {
	prior := state.NewSnapshot()
	prior.Set("seed", state.Variable{Kind: state.KindJSON, Data: []byte(`10`)})

	d := NewDirect(DirectConfig{})
	res, err := d.Execute(context.Background(), `print(seed * 2)`, prior)
	require.NoError(t, err)
	assert.Equal(t, "20\n", res.Stdout)
}

func TestDirect_FinalFromCode(t *testing.T) {
	d := NewDirect(DirectConfig{})
	res, err := d.Execute(context.Background(), `var x = "done"; FINAL_VAR("x")`, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Final)
	assert.Equal(t, "done", res.Final.Answer)
}

func TestDirect_Teardown(t *testing.T) {
	d := NewDirect(DirectConfig{})
	require.NoError(t, d.Teardown(context.Background()))

	_, err := d.Execute(context.Background(), `1`, nil)
	assert.ErrorIs(t, err, ErrTornDown)
	assert.ErrorIs(t, d.Do(func(*repl.Interpreter) error { return nil }), ErrTornDown)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in, network, addr string
	}{
		{"unix:/tmp/w.sock", "unix", "/tmp/w.sock"},
		{"tcp:127.0.0.1:9000", "tcp", "127.0.0.1:9000"},
		{"/var/run/w.sock", "unix", "/var/run/w.sock"},
		{"localhost:9000", "tcp", "localhost:9000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			network, addr := ParseAddress(tt.in)
			assert.Equal(t, tt.network, network)
			assert.Equal(t, tt.addr, addr)
		})
	}
}
