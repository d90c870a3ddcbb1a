// Package orchestrator drives reasoning sessions: it asks the model for a
// response, executes the code the response contains in an environment,
// feeds the results back, and stops on a final answer or when the
// iteration limit is reached. Sub-calls raised by executing code may spawn
// nested sessions through the same orchestrator.
package orchestrator

import (
	"time"

	"github.com/rand/rlmrepl/internal/budget"
	"github.com/rand/rlmrepl/internal/rlm/client"
	"github.com/rand/rlmrepl/internal/rlm/env"
)

// Status is the state of a session.
type Status string

const (
	StatusInit      Status = "INIT"
	StatusIterating Status = "ITERATING"
	StatusFinal     Status = "FINAL"
	StatusExhausted Status = "EXHAUSTED"
	StatusFailed    Status = "FAILED"
)

// Done reports whether the status is terminal.
func (s Status) Done() bool {
	return s == StatusFinal || s == StatusExhausted || s == StatusFailed
}

// Task is what a session works on.
type Task struct {
	// Prompt is the question or instruction.
	Prompt string

	// Context, when set, is bound as the `context` variable before the
	// first iteration. It must be JSON-encodable.
	Context any

	// Hint is extra guidance from a parent session.
	Hint string

	// Trace is propagated unchanged to every completion and sub-call.
	Trace map[string]string
}

// Session is one reasoning run.
type Session struct {
	ID            string        `json:"id"`
	ParentID      string        `json:"parent_id,omitempty"`
	Depth         int           `json:"depth"`
	MaxDepth      int           `json:"max_depth"`
	MaxIterations int           `json:"max_iterations"`
	Model         string        `json:"model,omitempty"`
	EnvKind       env.Kind      `json:"env_kind"`
	EnvID         string        `json:"env_id,omitempty"`
	Iterations    []Iteration   `json:"iterations"`
	Status        Status        `json:"status"`
	Answer        string        `json:"answer,omitempty"`
	Err           error         `json:"-"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`

	// Usage counts this session's own completions, not those of its
	// sub-calls.
	Usage budget.ModelUsage `json:"usage"`
}

// Iteration is one model turn. It is not modified after it is appended.
type Iteration struct {
	Index       int              `json:"index"`
	Prompt      []client.Message `json:"prompt"`
	Response    string           `json:"response"`
	CodeBlocks  []CodeBlock      `json:"code_blocks,omitempty"`
	FinalAnswer string           `json:"final_answer,omitempty"`
	Duration    time.Duration    `json:"duration"`
}

// CodeBlock is one executed snippet.
type CodeBlock struct {
	Code   string               `json:"code"`
	Result *env.ExecutionResult `json:"result,omitempty"`
}

// SessionStats summarizes a finished session.
type SessionStats struct {
	Iterations int           `json:"iterations"`
	CodeBlocks int           `json:"code_blocks"`
	SubCalls   int           `json:"sub_calls"`
	Errors     int           `json:"execution_errors"`
	Duration   time.Duration `json:"duration"`
}

// Stats counts what the session did.
func (s *Session) Stats() SessionStats {
	st := SessionStats{Iterations: len(s.Iterations), Duration: s.Duration}
	for _, it := range s.Iterations {
		st.CodeBlocks += len(it.CodeBlocks)
		for _, cb := range it.CodeBlocks {
			if cb.Result == nil {
				continue
			}
			st.SubCalls += len(cb.Result.SubCalls)
			if cb.Result.Failed() {
				st.Errors++
			}
		}
	}
	return st
}

// SubCalls returns every sub-call record in execution order.
func (s *Session) SubCalls() []env.SubCallRecord {
	var out []env.SubCallRecord
	for _, it := range s.Iterations {
		for _, cb := range it.CodeBlocks {
			if cb.Result != nil {
				out = append(out, cb.Result.SubCalls...)
			}
		}
	}
	return out
}
