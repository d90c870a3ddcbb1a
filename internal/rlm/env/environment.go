// Package env provides the execution environments that run REPL code for a
// session: in-process (Direct), an out-of-process worker over a framed
// socket (Socket), and a sandbox reached through an HTTP broker (Broker).
//
// All environments route sub-model calls raised by executing code through a
// CallHandler and report them, in completion order, on the ExecutionResult.
package env

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
	"github.com/rand/rlmrepl/internal/rlm/repl"
	"github.com/rand/rlmrepl/internal/rlm/state"
)

// Kind names an environment backend.
type Kind string

const (
	KindDirect Kind = "direct"
	KindSocket Kind = "socket"
	KindBroker Kind = "broker"
)

// Environment executes code and tears itself down.
type Environment interface {
	// Execute runs code. A nil prior keeps the current namespace; a non-nil
	// prior is restored first. Exceptions in code land on Stderr and return
	// a nil error. A non-nil error means a transport, protocol, depth or
	// cancellation failure; the result, when non-nil, holds partial output.
	Execute(ctx context.Context, code string, prior *state.Snapshot) (*ExecutionResult, error)

	// Teardown releases the environment. Execute fails afterwards.
	Teardown(ctx context.Context) error
}

// ExecutionResult is the full outcome of one Execute.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	Locals   *state.Snapshot
	Duration time.Duration
	SubCalls []SubCallRecord
	Final    *protocol.Final
}

// Failed reports whether the code raised an error the model should see.
func (r *ExecutionResult) Failed() bool {
	return r != nil && r.Stderr != ""
}

// SubCallRecord describes one sub-model call made during an execution.
type SubCallRecord struct {
	Prompt        string
	Response      string
	Model         string
	Depth         int
	Kind          protocol.CallKind
	CorrelationID string
	Trace         map[string]string
	Usage         protocol.Usage
	Duration      time.Duration
	Error         string
}

// CallHandler serves sub-model calls on behalf of an environment.
type CallHandler interface {
	HandleCall(ctx context.Context, correlationID string, req protocol.CallRequest) (*protocol.CallResponse, error)
}

// CallHandlerFunc adapts a function to CallHandler.
type CallHandlerFunc func(ctx context.Context, correlationID string, req protocol.CallRequest) (*protocol.CallResponse, error)

func (f CallHandlerFunc) HandleCall(ctx context.Context, correlationID string, req protocol.CallRequest) (*protocol.CallResponse, error) {
	return f(ctx, correlationID, req)
}

var (
	// ErrTornDown is returned by Execute after Teardown.
	ErrTornDown = errors.New("environment torn down")

	// ErrNoHandler is the call error seen by code when no CallHandler is set.
	ErrNoHandler = errors.New("no call handler configured")
)

// TransportError wraps a failure to reach the far side of an environment.
type TransportError struct {
	Op  string
	Err error

	// Transient failures may succeed on retry.
	Transient bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Fatal marks transport failures as session-fatal once retries are spent.
func (e *TransportError) Fatal() bool { return true }

// recorder serves calls through a handler and keeps a SubCallRecord for
// each one. It is safe for concurrent use.
type recorder struct {
	handler CallHandler

	mu      sync.Mutex
	records []SubCallRecord
	fatal   error
}

func newRecorder(h CallHandler) *recorder {
	return &recorder{handler: h}
}

func (r *recorder) dispatch(ctx context.Context, id string, req protocol.CallRequest) (*protocol.CallResponse, error) {
	if id == "" {
		id = uuid.NewString()
	}
	start := time.Now()

	var (
		resp *protocol.CallResponse
		err  error
	)
	if r.handler == nil {
		err = ErrNoHandler
	} else {
		resp, err = r.handler.HandleCall(ctx, id, req)
	}

	rec := SubCallRecord{
		Prompt:        req.Prompt,
		Model:         req.Model,
		CorrelationID: id,
		Duration:      time.Since(start),
	}
	if resp != nil {
		rec.Response = resp.Text
		if resp.Model != "" {
			rec.Model = resp.Model
		}
		rec.Depth = resp.Depth
		rec.Kind = resp.Kind
		rec.Trace = resp.Trace
		rec.Usage = resp.Usage
	}
	if err != nil {
		rec.Error = err.Error()
		var de *protocol.DepthError
		if errors.As(err, &de) {
			rec.Depth = de.Depth
			rec.Kind = protocol.CallLoop
		}
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	if err != nil && repl.IsFatal(err) && r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
	return resp, err
}

// caller adapts the recorder for an in-process interpreter.
func (r *recorder) caller() repl.Caller {
	return repl.CallerFunc(func(ctx context.Context, req protocol.CallRequest) (string, error) {
		resp, err := r.dispatch(ctx, "", req)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	})
}

// take returns the records collected so far plus the first fatal error and
// resets the recorder.
func (r *recorder) take() ([]SubCallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, fatal := r.records, r.fatal
	r.records, r.fatal = nil, nil
	return records, fatal
}
