package repl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
)

// recordingCaller is a test double for Caller.
type recordingCaller struct {
	mu    sync.Mutex
	reqs  []protocol.CallRequest
	reply func(protocol.CallRequest) (string, error)
}

func (c *recordingCaller) Call(_ context.Context, req protocol.CallRequest) (string, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	if c.reply != nil {
		return c.reply(req)
	}
	return "echo: " + req.Prompt, nil
}

type fatalErr struct{ msg string }

func (e *fatalErr) Error() string { return e.msg }
func (e *fatalErr) Fatal() bool   { return true }

func TestExecute_PrintAndConsole(t *testing.T) {
	i := New(Options{})
	out, err := i.Execute(context.Background(), `
print("hello", 1, {a: [1, 2]});
console.log("log");
console.error("oops");
`)
	require.NoError(t, err)
	assert.Equal(t, "hello 1 {\"a\":[1,2]}\nlog\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
	assert.Nil(t, out.Final)
}

func TestExecute_ExceptionKeepsPartialOutput(t *testing.T) {
	i := New(Options{})
	out, err := i.Execute(context.Background(), `
print("before");
throw new Error("boom");
print("after");
`)
	require.NoError(t, err, "exceptions are execution errors, not call failures")
	assert.Equal(t, "before\n", out.Stdout)
	assert.Contains(t, out.Stderr, "boom")
}

func TestExecute_SyntaxError(t *testing.T) {
	i := New(Options{})
	out, err := i.Execute(context.Background(), `var x = ;`)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Stderr)
}

func TestExecute_NamespacePersistsAcrossCalls(t *testing.T) {
	i := New(Options{})
	_, err := i.Execute(context.Background(), `var total = 1; function inc(n) { return n + 1; }`)
	require.NoError(t, err)

	out, err := i.Execute(context.Background(), `total = inc(total); print(total);`)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out.Stdout)
	assert.Equal(t, []string{"inc", "total"}, i.Names())
}

func TestExecute_Final(t *testing.T) {
	i := New(Options{})
	out, err := i.Execute(context.Background(), `FINAL(6 * 7);`)
	require.NoError(t, err)
	require.NotNil(t, out.Final)
	assert.Equal(t, "42", out.Final.Answer)

	out, err = i.Execute(context.Background(), `var answer = {v: 1}; FINAL_VAR("answer");`)
	require.NoError(t, err)
	require.NotNil(t, out.Final)
	assert.Equal(t, `{"v":1}`, out.Final.Answer)
	assert.Equal(t, "answer", out.Final.Variable)

	out, err = i.Execute(context.Background(), `FINAL_VAR("missing");`)
	require.NoError(t, err)
	assert.Nil(t, out.Final)
	assert.Contains(t, out.Stderr, `"missing" is not defined`)
}

func TestExecute_FinalVarSeesLexicalBindings(t *testing.T) {
	i := New(Options{})
	out, err := i.Execute(context.Background(), `const result = "done"; FINAL_VAR("result");`)
	require.NoError(t, err)
	require.NotNil(t, out.Final)
	assert.Equal(t, "done", out.Final.Answer)
}

func TestExecute_LLMQuery(t *testing.T) {
	caller := &recordingCaller{}
	i := New(Options{Caller: caller})

	out, err := i.Execute(context.Background(), `
var a = llm_query("summarize", "small-model");
var b = rlm_query("solve");
print(a); print(b);
`)
	require.NoError(t, err)
	assert.Equal(t, "echo: summarize\necho: solve\n", out.Stdout)

	require.Len(t, caller.reqs, 2)
	assert.Equal(t, protocol.ModeAuto, caller.reqs[0].Mode)
	assert.Equal(t, "small-model", caller.reqs[0].Model)
	assert.Equal(t, protocol.ModeLoop, caller.reqs[1].Mode)
}

func TestExecute_LLMQueryErrorIsCatchable(t *testing.T) {
	caller := &recordingCaller{reply: func(protocol.CallRequest) (string, error) {
		return "", errors.New("provider unavailable")
	}}
	i := New(Options{Caller: caller})

	out, err := i.Execute(context.Background(), `
try { llm_query("x"); } catch (e) { print("caught: " + e.message); }
`)
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, "caught: provider unavailable")
}

func TestExecute_FatalCallErrorSurfaces(t *testing.T) {
	caller := &recordingCaller{reply: func(protocol.CallRequest) (string, error) {
		return "", &fatalErr{msg: "depth exceeded"}
	}}
	i := New(Options{Caller: caller})

	out, err := i.Execute(context.Background(), `
print("start");
try { rlm_query("x"); } catch (e) { print("swallowed"); }
`)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, "start\nswallowed\n", out.Stdout)
}

func TestExecute_BatchedQueriesRunConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	caller := &recordingCaller{reply: func(req protocol.CallRequest) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		if req.Prompt == "bad" {
			return "", errors.New("nope")
		}
		return strings.ToUpper(req.Prompt), nil
	}}
	i := New(Options{Caller: caller, BatchConcurrency: 3})

	out, err := i.Execute(context.Background(), `
var rs = llm_query_batched(["a", "b", "bad", "c"]);
print(rs.join("|"));
`)
	require.NoError(t, err)
	assert.Equal(t, "A|B|Error: nope|C\n", out.Stdout)
	assert.Greater(t, peak.Load(), int32(1))
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestExecute_NoCallerThrows(t *testing.T) {
	i := New(Options{})
	out, err := i.Execute(context.Background(), `llm_query("x")`)
	require.NoError(t, err)
	assert.Contains(t, out.Stderr, "not available")
}

func TestExecute_ContextCancelInterrupts(t *testing.T) {
	i := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := i.Execute(ctx, `print("spin"); while (true) {}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "spin\n", out.Stdout)

	// The runtime is reusable after an interrupt.
	out, err = i.Execute(context.Background(), `print("again")`)
	require.NoError(t, err)
	assert.Equal(t, "again\n", out.Stdout)
}

func TestShowVars(t *testing.T) {
	i := New(Options{})
	out, err := i.Execute(context.Background(), `
var n = 1; var s = "x"; var arr = [1]; var f = function() {};
print(JSON.stringify(SHOW_VARS()));
`)
	require.NoError(t, err)
	assert.Equal(t, `{"arr":"array","f":"function","n":"number","s":"string"}`+"\n", out.Stdout)
}

func TestSet_SharesGoMapsByReference(t *testing.T) {
	i := New(Options{})
	shared := map[string]any{"count": 1}
	require.NoError(t, i.Set("shared", shared))

	_, err := i.Execute(context.Background(), `shared.count = 5; shared.added = "yes";`)
	require.NoError(t, err)
	assert.EqualValues(t, 5, shared["count"])
	assert.Equal(t, "yes", shared["added"])
}
