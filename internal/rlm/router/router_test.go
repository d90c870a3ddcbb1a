package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rand/rlmrepl/internal/budget"
	"github.com/rand/rlmrepl/internal/rlm/client"
	"github.com/rand/rlmrepl/internal/rlm/client/clienttest"
	"github.com/rand/rlmrepl/internal/rlm/protocol"
)

// spawnerFunc adapts a function to Spawner.
type spawnerFunc func(ctx context.Context, req SpawnRequest) (*SpawnResult, error)

func (f spawnerFunc) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	return f(ctx, req)
}

func answering(answer string) Spawner {
	return spawnerFunc(func(context.Context, SpawnRequest) (*SpawnResult, error) {
		return &SpawnResult{Answer: answer, Model: "root-model"}, nil
	})
}

func TestRoute_AutoSpawnsWithinDepth(t *testing.T) {
	var got SpawnRequest
	r := New(Config{
		Client:   clienttest.Echo(),
		MaxDepth: 1,
		Spawner: spawnerFunc(func(_ context.Context, req SpawnRequest) (*SpawnResult, error) {
			got = req
			return &SpawnResult{Answer: "nested answer", Model: "root-model"}, nil
		}),
	})

	trace := map[string]string{"trace_id": "abc"}
	resp, err := r.Route(context.Background(), protocol.CallRequest{Prompt: "sub task"},
		CallContext{SessionID: "s0", Depth: 0, CorrelationID: "c1", Trace: trace})
	require.NoError(t, err)
	assert.Equal(t, protocol.CallLoop, resp.Kind)
	assert.Equal(t, "nested answer", resp.Text)
	assert.Equal(t, 1, resp.Depth)
	assert.Equal(t, trace, resp.Trace)

	assert.Equal(t, 1, got.Depth)
	assert.Equal(t, "s0", got.ParentSessionID)
	assert.Equal(t, "sub task", got.Prompt)
	assert.Equal(t, trace, got.Trace)
}

func TestRoute_AutoFallsBackToDirectAtLimit(t *testing.T) {
	spawned := false
	c := clienttest.Echo()
	r := New(Config{
		Client:   c,
		MaxDepth: 0,
		Model:    "sub-model",
		Spawner: spawnerFunc(func(context.Context, SpawnRequest) (*SpawnResult, error) {
			spawned = true
			return nil, errors.New("unreachable")
		}),
	})

	trace := map[string]string{"trace_id": "t"}
	resp, err := r.Route(context.Background(), protocol.CallRequest{Prompt: "hello"}, CallContext{Trace: trace})
	require.NoError(t, err)
	assert.False(t, spawned)
	assert.Equal(t, protocol.CallCompletion, resp.Kind)
	assert.Equal(t, "HELLO", resp.Text)
	assert.Equal(t, 1, resp.Depth)
	assert.Equal(t, "sub-model", resp.Model)

	reqs := c.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, trace, reqs[0].Metadata, "trace metadata reaches the client unchanged")
	assert.Equal(t, int64(1), r.Usage()["sub-model"].Calls)
}

func TestRoute_LoopPastLimitIsDepthError(t *testing.T) {
	r := New(Config{Client: clienttest.Echo(), MaxDepth: 0, Spawner: answering("x")})

	_, err := r.Route(context.Background(), protocol.CallRequest{Prompt: "p", Mode: protocol.ModeLoop}, CallContext{})
	var de *protocol.DepthError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Depth)
	assert.Equal(t, 0, de.MaxDepth)
	assert.Equal(t, int64(1), r.Stats().Errors)
}

func TestRoute_NestedFailureIsCatchable(t *testing.T) {
	r := New(Config{MaxDepth: 2, Spawner: spawnerFunc(func(context.Context, SpawnRequest) (*SpawnResult, error) {
		return nil, errors.New("transport gone")
	})})

	_, err := r.Route(context.Background(), protocol.CallRequest{Prompt: "p"}, CallContext{})
	var ce *protocol.CallError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "transport gone")
}

func TestRoute_NestedDepthErrorPropagates(t *testing.T) {
	r := New(Config{MaxDepth: 2, Spawner: spawnerFunc(func(context.Context, SpawnRequest) (*SpawnResult, error) {
		return nil, fmt.Errorf("nested: %w", &protocol.DepthError{Depth: 3, MaxDepth: 2})
	})})

	_, err := r.Route(context.Background(), protocol.CallRequest{Prompt: "p"}, CallContext{})
	var de *protocol.DepthError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.Depth)
}

func TestRoute_ClientFailureIsCallError(t *testing.T) {
	r := New(Config{Client: client.Func(func(context.Context, client.Request) (*client.Response, error) {
		return nil, errors.New("rate limited")
	})})
	_, err := r.Route(context.Background(), protocol.CallRequest{Prompt: "p"}, CallContext{})
	var ce *protocol.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CodeCallFailed, ce.Code)
}

func TestRoute_SubCallBudget(t *testing.T) {
	r := New(Config{Client: clienttest.Echo(), Tracker: budget.NewTracker(budget.Limits{MaxSubCalls: 1})})
	_, err := r.Route(context.Background(), protocol.CallRequest{Prompt: "1"}, CallContext{})
	require.NoError(t, err)

	_, err = r.Route(context.Background(), protocol.CallRequest{Prompt: "2"}, CallContext{})
	var ce *protocol.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, protocol.CodeBudget, ce.Code)
}

func TestRoute_UnknownMode(t *testing.T) {
	r := New(Config{Client: clienttest.Echo()})
	_, err := r.Route(context.Background(), protocol.CallRequest{Prompt: "p", Mode: "sideways"}, CallContext{})
	assert.Error(t, err)
}

func TestBinding_SetsCorrelationID(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	r := New(Config{MaxDepth: 3, Spawner: spawnerFunc(func(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
		mu.Lock()
		seen = append(seen, req.Trace["trace_id"])
		mu.Unlock()
		return &SpawnResult{Answer: "ok"}, nil
	})})
	h := r.Bind(CallContext{SessionID: "s", Depth: 2, Trace: map[string]string{"trace_id": "tr"}})

	resp, err := h.HandleCall(context.Background(), "corr-1", protocol.CallRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Depth)
	assert.Equal(t, []string{"tr"}, seen)
}

// The router is reentrant: a nested session calls back into the same
// router while the outer call is still in flight.
func TestRoute_Reentrant(t *testing.T) {
	var r *Router
	r = New(Config{
		Client:   clienttest.Echo(),
		MaxDepth: 3,
		Spawner: spawnerFunc(func(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
			inner, err := r.Route(ctx, protocol.CallRequest{Prompt: req.Prompt + "!"}, CallContext{Depth: req.Depth, Trace: req.Trace})
			if err != nil {
				return nil, err
			}
			return &SpawnResult{Answer: inner.Text}, nil
		}),
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.Route(context.Background(), protocol.CallRequest{Prompt: "go"}, CallContext{})
			assert.NoError(t, err)
			assert.Equal(t, "GO!!!", resp.Text)
		}()
	}
	wg.Wait()

	st := r.Stats()
	assert.Equal(t, int64(32), st.Calls)
	assert.Equal(t, int64(24), st.LoopCalls)
	assert.Equal(t, int64(8), st.DirectCalls)
	assert.Equal(t, 4, st.MaxDepthSeen)
	assert.Zero(t, st.InFlight)
}

// Every response is one level below its caller, and no nested loop is
// ever spawned past the depth limit.
func TestProperty_DepthInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxDepth := rapid.IntRange(0, 4).Draw(t, "maxDepth")
		modes := rapid.SliceOfN(rapid.SampledFrom([]protocol.CallMode{protocol.ModeAuto, protocol.ModeLoop}), 1, 8).Draw(t, "modes")

		var r *Router
		var mu sync.Mutex
		var spawnedDepths []int
		r = New(Config{
			Client:   clienttest.Echo(),
			MaxDepth: maxDepth,
			Spawner: spawnerFunc(func(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
				mu.Lock()
				spawnedDepths = append(spawnedDepths, req.Depth)
				mu.Unlock()
				if req.Depth >= len(modes) {
					return &SpawnResult{Answer: "leaf"}, nil
				}
				resp, err := r.Route(ctx, protocol.CallRequest{Prompt: "x", Mode: modes[req.Depth]}, CallContext{Depth: req.Depth})
				if err != nil {
					return nil, err
				}
				if resp.Depth != req.Depth+1 {
					t.Fatalf("response depth %d from session depth %d", resp.Depth, req.Depth)
				}
				return &SpawnResult{Answer: resp.Text}, nil
			}),
		})

		resp, err := r.Route(context.Background(), protocol.CallRequest{Prompt: "x", Mode: modes[0]}, CallContext{})
		var de *protocol.DepthError
		switch {
		case err == nil:
			if resp.Depth != 1 {
				t.Fatalf("root sub-call depth %d", resp.Depth)
			}
		case errors.As(err, &de):
			if de.Depth <= maxDepth {
				t.Fatalf("depth error at allowed depth %d (max %d)", de.Depth, maxDepth)
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
		for _, d := range spawnedDepths {
			if d > maxDepth {
				t.Fatalf("nested session spawned at depth %d > max %d", d, maxDepth)
			}
		}
	})
}
