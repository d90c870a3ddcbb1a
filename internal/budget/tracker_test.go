package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracker(t *testing.T) {
	tracker := NewTracker(DefaultLimits())

	state := tracker.State()
	assert.False(t, state.SessionStart.IsZero())
	assert.Equal(t, int64(0), state.InputTokens)
	assert.Equal(t, int64(0), state.OutputTokens)
	assert.NoError(t, tracker.Allow())
}

func TestTrackerAddTokens(t *testing.T) {
	tracker := NewTracker(DefaultLimits())
	tracker.AddTokens(1000, 500)
	tracker.AddTokens(10, 5)

	state := tracker.State()
	assert.Equal(t, int64(1010), state.InputTokens)
	assert.Equal(t, int64(505), state.OutputTokens)
	assert.Equal(t, int64(2), state.ModelCalls)
}

func TestTrackerTokenLimitBlocksFurtherCalls(t *testing.T) {
	tracker := NewTracker(Limits{MaxInputTokens: 1000, MaxOutputTokens: 500})

	tracker.AddTokens(500, 200)
	require.NoError(t, tracker.Allow())

	tracker.AddTokens(600, 0)
	err := tracker.Allow()
	require.ErrorIs(t, err, ErrBudgetExceeded)

	var violation Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "input_tokens", violation.Metric)
	assert.True(t, violation.Hard)
}

func TestTrackerWarningThreshold(t *testing.T) {
	tracker := NewTracker(Limits{MaxInputTokens: 1000, TokenWarningThreshold: 0.80})

	var warnings []Violation
	tracker.SetLimitCallback(func(v Violation) {
		warnings = append(warnings, v)
	})

	tracker.AddTokens(850, 0)
	require.NoError(t, tracker.Allow(), "warnings never block")

	require.Len(t, warnings, 1)
	assert.True(t, warnings[0].Warning)
	assert.Equal(t, "input_tokens", warnings[0].Metric)
}

func TestTrackerSubCalls(t *testing.T) {
	tracker := NewTracker(Limits{MaxSubCalls: 3})

	for i := 1; i <= 3; i++ {
		require.NoError(t, tracker.IncrementSubCall(i))
	}

	err := tracker.IncrementSubCall(1)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	var violation Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "sub_calls", violation.Metric)

	state := tracker.State()
	assert.Equal(t, 4, state.SubCallCount)
	assert.Equal(t, 3, state.RecursionDepth)
}

func TestTrackerSessionTime(t *testing.T) {
	tracker := NewTracker(Limits{MaxSessionTime: time.Nanosecond})
	time.Sleep(time.Millisecond)
	assert.ErrorIs(t, tracker.Allow(), ErrBudgetExceeded)
}

func TestTrackerCounters(t *testing.T) {
	tracker := NewTracker(Limits{})
	tracker.IncrementIteration()
	tracker.IncrementIteration()
	tracker.IncrementREPLExecution()

	state := tracker.State()
	assert.Equal(t, 2, state.Iterations)
	assert.Equal(t, 1, state.REPLExecutions)
}

func TestTrackerUsage(t *testing.T) {
	tracker := NewTracker(Limits{MaxInputTokens: 1000, MaxOutputTokens: 100, MaxSubCalls: 4})
	tracker.AddTokens(250, 50)
	require.NoError(t, tracker.IncrementSubCall(1))

	u := tracker.Usage()
	assert.InDelta(t, 25.0, u.InputTokensPercent, 0.01)
	assert.InDelta(t, 50.0, u.OutputTokensPercent, 0.01)
	assert.InDelta(t, 25.0, u.SubCallsPercent, 0.01)
	assert.Zero(t, u.SessionTimePercent)
}

func TestTrackerConcurrentUse(t *testing.T) {
	tracker := NewTracker(Limits{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.AddTokens(1, 1)
			_ = tracker.IncrementSubCall(1)
		}()
	}
	wg.Wait()

	state := tracker.State()
	assert.Equal(t, int64(50), state.InputTokens)
	assert.Equal(t, 50, state.SubCallCount)
}

func TestLedger(t *testing.T) {
	l := NewLedger()
	l.Record("small", 10, 2)
	l.Record("small", 30, 4)
	l.Record("big", 100, 50)

	assert.Equal(t, ModelUsage{Calls: 2, InputTokens: 40, OutputTokens: 6}, l.Model("small"))
	assert.Equal(t, ModelUsage{Calls: 1, InputTokens: 30, OutputTokens: 4}, l.Last("small"))
	assert.Equal(t, ModelUsage{Calls: 3, InputTokens: 140, OutputTokens: 56}, l.Total())
	assert.Equal(t, []string{"big", "small"}, l.Models())
	assert.Equal(t, ModelUsage{}, l.Model("unused"))

	snap := l.Snapshot()
	l.Record("big", 1, 1)
	assert.Equal(t, int64(1), snap["big"].Calls, "snapshots are copies")
}
