package orchestrator

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
	"pgregory.net/rapid"

	"github.com/rand/rlmrepl/internal/budget"
	"github.com/rand/rlmrepl/internal/rlm/client"
	"github.com/rand/rlmrepl/internal/rlm/client/clienttest"
	"github.com/rand/rlmrepl/internal/rlm/env"
	"github.com/rand/rlmrepl/internal/rlm/protocol"
	"github.com/rand/rlmrepl/internal/rlm/state"
)

// scripted answers through fn, which sees each request in full.
func scripted(fn func(req client.Request) string) *clienttest.Scripted {
	return &clienttest.Scripted{Reply: func(req client.Request, _ int) (string, error) {
		return fn(req), nil
	}}
}

// task returns the task message of a session prompt.
func task(req client.Request) string {
	if len(req.Messages) < 2 {
		return ""
	}
	return req.Messages[1].Content
}

// turn returns the 0-based iteration a session prompt belongs to.
func turn(req client.Request) int {
	return (len(req.Messages) - 2) / 2
}

func repl(code string) string {
	return "```repl\n" + code + "\n```"
}

func newOrchestrator(t *testing.T, c client.Client, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Client = c
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoClient)
}

func TestRun_FinalSentinelOnly(t *testing.T) {
	c := clienttest.Sequence(`FINAL("42")`)
	o := newOrchestrator(t, c, nil)

	s, err := o.Run(context.Background(), Task{Prompt: "what is six times seven?"})
	require.NoError(t, err)
	assert.Equal(t, StatusFinal, s.Status)
	assert.Equal(t, "42", s.Answer)
	require.Len(t, s.Iterations, 1)
	assert.Empty(t, s.Iterations[0].CodeBlocks)
	assert.Equal(t, "42", s.Iterations[0].FinalAnswer)
	assert.Equal(t, 1, c.Calls())
}

func TestRun_ExecutionErrorIsFeedback(t *testing.T) {
	c := clienttest.Sequence(repl(`print("before"); null.x;`), "FINAL(recovered)")
	o := newOrchestrator(t, c, nil)

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, StatusFinal, s.Status)
	require.Len(t, s.Iterations, 2)

	res := s.Iterations[0].CodeBlocks[0].Result
	assert.Equal(t, "before\n", res.Stdout)
	assert.NotEmpty(t, res.Stderr)

	second := c.Requests()[1]
	feedback := clienttest.Last(second)
	assert.Contains(t, feedback, "before")
	assert.Contains(t, feedback, "Error:")
	assert.Equal(t, client.RoleAssistant, second.Messages[2].Role)
}

func TestRun_DirectSubCallAtDepthZero(t *testing.T) {
	c := scripted(func(req client.Request) string {
		if len(req.Messages) == 1 {
			return "sub answer for " + clienttest.Last(req)
		}
		if turn(req) == 0 {
			return repl(`var r = llm_query("q");`)
		}
		return "FINAL_VAR(r)"
	})
	o := newOrchestrator(t, c, func(cfg *Config) { cfg.MaxDepth = 0 })

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, StatusFinal, s.Status)
	assert.Equal(t, "sub answer for q", s.Answer)

	calls := s.SubCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].Depth)
	assert.Equal(t, protocol.CallCompletion, calls[0].Kind)
	assert.Equal(t, int64(1), o.Stats().Sessions, "no nested session was spawned")
}

func TestRun_LoopPastMaxDepthFails(t *testing.T) {
	c := clienttest.Sequence(repl(`try { rlm_query("deeper") } catch (e) { print("caught") }`))
	o := newOrchestrator(t, c, func(cfg *Config) { cfg.MaxDepth = 0 })

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	var de *protocol.DepthError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, 1, de.Depth)
	require.Len(t, s.Iterations, 1)
}

func TestRun_NestedSession(t *testing.T) {
	trace := map[string]string{"trace_id": "t-1"}
	c := scripted(func(req client.Request) string {
		if strings.HasPrefix(task(req), "summarize part") {
			return "FINAL(nested says hi)"
		}
		if turn(req) == 0 {
			return repl(`var r = llm_query("summarize part one");`)
		}
		return "FINAL_VAR(r)"
	})
	o := newOrchestrator(t, c, func(cfg *Config) { cfg.MaxDepth = 1 })

	s, err := o.Run(context.Background(), Task{Prompt: "root task", Trace: trace})
	require.NoError(t, err)
	assert.Equal(t, "nested says hi", s.Answer)

	calls := s.SubCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, protocol.CallLoop, calls[0].Kind)
	assert.Equal(t, 1, calls[0].Depth)
	assert.Equal(t, "nested says hi", calls[0].Response)
	assert.Equal(t, trace, calls[0].Trace)

	for _, req := range c.Requests() {
		assert.Equal(t, trace, req.Metadata)
	}
	st := o.Stats()
	assert.Equal(t, int64(2), st.Sessions)
	assert.Equal(t, int64(1), st.Router.LoopCalls)
	assert.Zero(t, st.Active)
}

func TestRun_NestedSessionsAreBoundedByDepth(t *testing.T) {
	// Every session, at any depth, delegates once and returns the result.
	c := scripted(func(req client.Request) string {
		if len(req.Messages) == 1 {
			return "leaf"
		}
		if turn(req) == 0 {
			return repl(`var r = llm_query("delegate");`)
		}
		return "FINAL_VAR(r)"
	})
	o := newOrchestrator(t, c, func(cfg *Config) { cfg.MaxDepth = 2 })

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "leaf", s.Answer)

	st := o.Stats()
	assert.Equal(t, int64(3), st.Sessions, "root plus one nested session per allowed level")
	assert.Equal(t, int64(2), st.Router.LoopCalls)
	assert.Equal(t, int64(1), st.Router.DirectCalls)
	assert.Equal(t, 3, st.Router.MaxDepthSeen)
}

func TestRun_NestedExhaustionReturnsBestEffort(t *testing.T) {
	c := scripted(func(req client.Request) string {
		if strings.HasPrefix(task(req), "hard question") {
			if clienttest.Last(req) == bestEffortAsk {
				return "partial answer"
			}
			return "still thinking"
		}
		if turn(req) == 0 {
			return repl(`var r = rlm_query("hard question");`)
		}
		return "FINAL_VAR(r)"
	})
	o := newOrchestrator(t, c, func(cfg *Config) {
		cfg.MaxDepth = 1
		cfg.NestedMaxIterations = 2
	})

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "partial answer", s.Answer)
}

func TestRun_NestedExhaustionWithoutAnswerIsCatchable(t *testing.T) {
	c := scripted(func(req client.Request) string {
		if strings.HasPrefix(task(req), "hard question") {
			return "still thinking"
		}
		if turn(req) == 0 {
			return repl(`try { rlm_query("hard question") } catch (e) { var msg = "caught" }`)
		}
		return "FINAL_VAR(msg)"
	})
	o := newOrchestrator(t, c, func(cfg *Config) {
		cfg.MaxDepth = 1
		cfg.NestedMaxIterations = 1
		cfg.DisableBestEffort = true
	})

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "caught", s.Answer)
}

func TestRun_ExhaustionBoundary(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "max_iterations")
		bestEffort := rapid.Bool().Draw(rt, "best_effort")
		c := clienttest.Sequence("hmm, thinking")
		o, err := New(Config{Client: c, MaxIterations: n, DisableBestEffort: !bestEffort})
		if err != nil {
			rt.Fatal(err)
		}

		s, err := o.Run(context.Background(), Task{Prompt: "p"})
		if err != nil {
			rt.Fatal(err)
		}
		if s.Status != StatusExhausted || len(s.Iterations) != n {
			rt.Fatalf("status %s after %d iterations, want EXHAUSTED after %d", s.Status, len(s.Iterations), n)
		}
		want := n
		if bestEffort {
			want++
		}
		if c.Calls() != want {
			rt.Fatalf("%d completions, want %d", c.Calls(), want)
		}
	})
}

func TestRun_BestEffortAnswer(t *testing.T) {
	c := scripted(func(req client.Request) string {
		if clienttest.Last(req) == bestEffortAsk {
			return "FINAL(my best guess)"
		}
		return "thinking"
	})
	o := newOrchestrator(t, c, func(cfg *Config) { cfg.MaxIterations = 2 })

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, s.Status)
	assert.Equal(t, "my best guess", s.Answer)
	assert.Contains(t, clienttest.Last(c.Requests()[1]), "No code was executed")
}

func TestRun_FinalFromCode(t *testing.T) {
	c := clienttest.Sequence(repl(`var n = context.items.length; FINAL(n * 2);`) + "\nFINAL(ignored)")
	o := newOrchestrator(t, c, nil)

	s, err := o.Run(context.Background(), Task{Prompt: "count", Context: map[string]any{"items": []int{1, 2, 3}}})
	require.NoError(t, err)
	assert.Equal(t, "6", s.Answer)
	assert.Contains(t, task(c.Requests()[0]), "`context`")
}

func TestRun_FinalVarUndefinedIsFeedback(t *testing.T) {
	c := clienttest.Sequence("FINAL_VAR(missing)", "FINAL(ok)")
	o := newOrchestrator(t, c, nil)

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", s.Answer)
	require.Len(t, s.Iterations, 2)
	assert.Contains(t, clienttest.Last(c.Requests()[1]), "FINAL_VAR(missing) failed")
}

func TestRun_TruncatesFeedback(t *testing.T) {
	c := clienttest.Sequence(repl(`print("x".repeat(500))`), "FINAL(done)")
	o := newOrchestrator(t, c, func(cfg *Config) { cfg.MaxOutputChars = 50 })

	_, err := o.Run(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	feedback := clienttest.Last(c.Requests()[1])
	assert.Contains(t, feedback, "[truncated")
	assert.Less(t, len(feedback), 120)
}

func TestRun_SessionTimeout(t *testing.T) {
	blocking := client.Func(func(ctx context.Context, _ client.Request) (*client.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newOrchestrator(t, blocking, func(cfg *Config) { cfg.SessionTimeout = 50 * time.Millisecond })

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, s.Status)
}

func TestRun_TimeoutInterruptsExecution(t *testing.T) {
	c := clienttest.Sequence(repl(`while (true) {}`))
	o := newOrchestrator(t, c, func(cfg *Config) { cfg.SessionTimeout = 100 * time.Millisecond })

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, s.Status)
	require.Len(t, s.Iterations, 1)
}

func TestRun_BudgetExceededFails(t *testing.T) {
	c := clienttest.Sequence("thinking about a long problem")
	o := newOrchestrator(t, c, func(cfg *Config) { cfg.Limits = budget.Limits{MaxInputTokens: 1} })

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Len(t, s.Iterations, 1)
}

func TestRun_PersistentStateAcrossRuns(t *testing.T) {
	store := state.NewStore(state.NewMemoryBackend(), state.StoreConfig{})
	spec := env.Spec{Kind: env.KindDirect, Store: store, EnvID: "notebook"}

	first := newOrchestrator(t, clienttest.Sequence(repl(`var saved = {n: 1, tags: ["a"]};`)+"\nFINAL(stored)"), func(cfg *Config) { cfg.Env = spec })
	_, err := first.Run(context.Background(), Task{Prompt: "store"})
	require.NoError(t, err)

	second := newOrchestrator(t, clienttest.Sequence(repl(`var text = JSON.stringify(saved);`)+"\nFINAL_VAR(text)"), func(cfg *Config) { cfg.Env = spec })
	s, err := second.Run(context.Background(), Task{Prompt: "load"})
	require.NoError(t, err)
	assert.Equal(t, `{"n":1,"tags":["a"]}`, s.Answer)
	assert.Equal(t, "notebook", s.EnvID)
}

func TestRun_EnvironmentFactoryError(t *testing.T) {
	o := newOrchestrator(t, clienttest.Sequence("FINAL(x)"), func(cfg *Config) {
		cfg.NewEnv = func(env.Spec, env.CallHandler) (env.Environment, error) {
			return nil, errors.New("no sandbox")
		}
	})
	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, s.Status)
}

func TestRun_NestedSessionUsesEnvironmentFactory(t *testing.T) {
	var (
		mu    sync.Mutex
		specs []env.Spec
	)
	c := scripted(func(req client.Request) string {
		if strings.HasPrefix(task(req), "summarize part") {
			return "FINAL(nested)"
		}
		if turn(req) == 0 {
			return repl(`var r = llm_query("summarize part one");`)
		}
		return "FINAL_VAR(r)"
	})
	o := newOrchestrator(t, c, func(cfg *Config) {
		cfg.MaxDepth = 1
		cfg.Env.EnvID = "root-env"
		cfg.NewEnv = func(spec env.Spec, h env.CallHandler) (env.Environment, error) {
			mu.Lock()
			specs = append(specs, spec)
			mu.Unlock()
			return env.New(spec, h)
		}
	})

	s, err := o.Run(context.Background(), Task{Prompt: "root task"})
	require.NoError(t, err)
	assert.Equal(t, "nested", s.Answer)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, specs, 2, "root and nested environments both come from the factory")
	assert.Equal(t, "root-env", specs[0].EnvID)
	assert.Empty(t, specs[1].EnvID, "nested environments are fresh")
	assert.Equal(t, specs[0].Kind, specs[1].Kind)
}

func TestRun_NestedEnvironmentFactoryError(t *testing.T) {
	c := scripted(func(req client.Request) string {
		if turn(req) == 0 {
			return repl(`var r; try { llm_query("sub task"); } catch (e) { r = "caught " + String(e); }`)
		}
		return "FINAL_VAR(r)"
	})
	var calls atomic.Int32
	o := newOrchestrator(t, c, func(cfg *Config) {
		cfg.MaxDepth = 1
		cfg.NewEnv = func(spec env.Spec, h env.CallHandler) (env.Environment, error) {
			if calls.Add(1) > 1 {
				return nil, errors.New("no sandbox")
			}
			return env.New(spec, h)
		}
	})

	s, err := o.Run(context.Background(), Task{Prompt: "root task"})
	require.NoError(t, err)
	assert.Contains(t, s.Answer, "no sandbox")
	assert.Equal(t, int32(2), calls.Load())
}

func TestSession_Stats(t *testing.T) {
	c := clienttest.Sequence(repl(`print(llm_query("a"))`)+"\n"+repl(`undefinedFn()`), "FINAL(done)")
	o := newOrchestrator(t, c, func(cfg *Config) { cfg.MaxDepth = 0 })

	s, err := o.Run(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	st := s.Stats()
	assert.Equal(t, 2, st.Iterations)
	assert.Equal(t, 2, st.CodeBlocks)
	assert.Equal(t, 1, st.SubCalls)
	assert.Equal(t, 1, st.Errors)
	assert.True(t, st.Duration > 0)
	assert.Equal(t, int64(2), s.Usage.Calls, "root completions only")
	assert.Equal(t, int64(3), o.Client().Ledger().Total().Calls)

	report := o.Report().Summary()
	assert.Contains(t, report, "Sub-calls: 1")
}
