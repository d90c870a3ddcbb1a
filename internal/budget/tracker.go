// Package budget tracks token usage and sub-call counts for a session tree
// and enforces optional limits on them.
package budget

import (
	"errors"
	"sync"
	"time"
)

// ErrBudgetExceeded wraps the Violation that blocked a call.
var ErrBudgetExceeded = errors.New("budget exceeded")

// State tracks current resource usage.
type State struct {
	// Token counts
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	ModelCalls   int64 `json:"model_calls"`

	// Recursion
	RecursionDepth int `json:"recursion_depth"`
	SubCallCount   int `json:"sub_call_count"`
	REPLExecutions int `json:"repl_executions"`
	Iterations     int `json:"iterations"`

	SessionStart time.Time `json:"session_start"`
}

// SessionDuration returns the time since session start.
func (s *State) SessionDuration() time.Duration {
	if s.SessionStart.IsZero() {
		return 0
	}
	return time.Since(s.SessionStart)
}

// Tracker tracks budget usage across a session tree. Nested sessions share
// their root's tracker, so it is safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	state  State
	limits Limits

	// Callbacks for limit violations
	onLimitExceeded func(violation Violation)
}

// NewTracker creates a new budget tracker with the given limits.
func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		state: State{
			SessionStart: time.Now(),
		},
		limits: limits,
	}
}

// SetLimitCallback sets a callback for when limits are crossed.
func (t *Tracker) SetLimitCallback(cb func(Violation)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLimitExceeded = cb
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Limits returns a copy of the current limits.
func (t *Tracker) Limits() Limits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits
}

// Allow reports ErrBudgetExceeded if a hard limit is already exhausted.
// It is checked before each model call.
func (t *Tracker) Allow() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, v := range t.limits.Check(t.state) {
		if v.Hard {
			return errors.Join(ErrBudgetExceeded, v)
		}
	}
	return nil
}

// AddTokens records the usage of one model call.
func (t *Tracker) AddTokens(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.InputTokens += input
	t.state.OutputTokens += output
	t.state.ModelCalls++
	t.notifyLocked()
}

// IncrementSubCall counts a sub-call at depth. It fails once the sub-call
// limit is exceeded; the call is still counted.
func (t *Tracker) IncrementSubCall(depth int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.SubCallCount++
	if depth > t.state.RecursionDepth {
		t.state.RecursionDepth = depth
	}
	return t.notifyLocked()
}

// IncrementREPLExecution increments the REPL execution counter.
func (t *Tracker) IncrementREPLExecution() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.REPLExecutions++
}

// IncrementIteration counts one loop turn of any session in the tree.
func (t *Tracker) IncrementIteration() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Iterations++
}

// notifyLocked reports violations to the callback and returns the first
// hard one. Must be called with lock held.
func (t *Tracker) notifyLocked() error {
	violations := t.limits.Check(t.state)
	if len(violations) == 0 {
		return nil
	}

	if t.onLimitExceeded != nil {
		for _, v := range violations {
			t.onLimitExceeded(v)
		}
	}

	for _, v := range violations {
		if v.Hard {
			return errors.Join(ErrBudgetExceeded, v)
		}
	}
	return nil
}

// CheckLimits checks current state against limits.
func (t *Tracker) CheckLimits() []Violation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits.Check(t.state)
}

// Usage returns a summary of current usage as percentages of limits.
func (t *Tracker) Usage() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u := Usage{}
	if t.limits.MaxInputTokens > 0 {
		u.InputTokensPercent = float64(t.state.InputTokens) / float64(t.limits.MaxInputTokens) * 100
	}
	if t.limits.MaxOutputTokens > 0 {
		u.OutputTokensPercent = float64(t.state.OutputTokens) / float64(t.limits.MaxOutputTokens) * 100
	}
	if t.limits.MaxSubCalls > 0 {
		u.SubCallsPercent = float64(t.state.SubCallCount) / float64(t.limits.MaxSubCalls) * 100
	}
	if t.limits.MaxSessionTime > 0 {
		u.SessionTimePercent = float64(t.state.SessionDuration()) / float64(t.limits.MaxSessionTime) * 100
	}
	return u
}

// Usage represents resource usage as percentages of limits.
type Usage struct {
	InputTokensPercent  float64 `json:"input_tokens_percent"`
	OutputTokensPercent float64 `json:"output_tokens_percent"`
	SubCallsPercent     float64 `json:"sub_calls_percent"`
	SessionTimePercent  float64 `json:"session_time_percent"`
}
