// Package router serves sub-model calls raised by executing code. It
// applies the depth rule, choosing between a direct completion and a
// nested session. It also propagates trace metadata and aggregates
// per-model usage.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rand/rlmrepl/internal/budget"
	"github.com/rand/rlmrepl/internal/rlm/client"
	"github.com/rand/rlmrepl/internal/rlm/env"
	"github.com/rand/rlmrepl/internal/rlm/protocol"
)

var tracer = otel.Tracer("rlmrepl.router")

// CallContext identifies the session a call was raised from. It is
// passed by value so nested and concurrent calls never share it.
type CallContext struct {
	SessionID     string
	Depth         int
	CorrelationID string
	Trace         map[string]string
}

// SpawnRequest asks for a nested session.
type SpawnRequest struct {
	Prompt          string
	Model           string
	Depth           int
	ParentSessionID string
	Trace           map[string]string
}

// SpawnResult is the outcome of a nested session.
type SpawnResult struct {
	Answer string
	Model  string
	Usage  protocol.Usage
}

// Spawner runs nested sessions. A nested session that ends without an
// answer reports an error; depth violations must be returned unwrapped
// or wrapped with %w so they stay fatal.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error)
}

// Config configures a Router.
type Config struct {
	// Client serves direct completions.
	Client client.Client

	// Spawner serves nested loops. Without one, auto calls are always
	// direct and loop calls fail.
	Spawner Spawner

	MaxDepth int

	// Model is used for sub-calls that name none.
	Model string

	MaxTokens int

	// Tracker, when set, enforces the sub-call limit.
	Tracker *budget.Tracker

	Logger *slog.Logger
}

// Router serves sub-calls for a whole session tree. It is reentrant: a
// call may arrive while another call on the same router is in flight
// further up the stack.
type Router struct {
	cfg    Config
	logger *slog.Logger
	ledger *budget.Ledger

	calls        atomic.Int64
	directCalls  atomic.Int64
	loopCalls    atomic.Int64
	errors       atomic.Int64
	inFlight     atomic.Int32
	maxDepthSeen atomic.Int32
}

// New creates a router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:    cfg,
		logger: logger.With("component", "router"),
		ledger: budget.NewLedger(),
	}
}

// MaxDepth returns the configured depth limit.
func (r *Router) MaxDepth() int { return r.cfg.MaxDepth }

// Route serves one call raised by a session at cc.Depth. The response
// depth is always cc.Depth+1.
func (r *Router) Route(ctx context.Context, req protocol.CallRequest, cc CallContext) (*protocol.CallResponse, error) {
	depth := cc.Depth + 1
	mode := req.Mode
	if mode == "" {
		mode = protocol.ModeAuto
	}

	ctx, span := tracer.Start(ctx, "Router.Route",
		trace.WithAttributes(
			attribute.String("rlm.session_id", cc.SessionID),
			attribute.String("rlm.correlation_id", cc.CorrelationID),
			attribute.String("rlm.mode", string(mode)),
			attribute.Int("rlm.depth", depth),
		),
	)
	defer span.End()

	r.calls.Add(1)
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	r.observeDepth(depth)

	start := time.Now()
	resp, err := r.route(ctx, req, cc, depth, mode)
	kind := protocol.CallCompletion
	if resp != nil {
		kind = resp.Kind
	} else if mode == protocol.ModeLoop {
		kind = protocol.CallLoop
	}
	observe(kind, err, time.Since(start))

	if err != nil {
		r.errors.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Debug("Sub-call failed", "session_id", cc.SessionID, "depth", depth, "mode", mode, "error", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("rlm.kind", string(resp.Kind)),
		attribute.String("rlm.model", resp.Model),
	)
	return resp, nil
}

func (r *Router) route(ctx context.Context, req protocol.CallRequest, cc CallContext, depth int, mode protocol.CallMode) (*protocol.CallResponse, error) {
	loop := false
	switch mode {
	case protocol.ModeLoop:
		if depth > r.cfg.MaxDepth {
			return nil, &protocol.DepthError{Depth: depth, MaxDepth: r.cfg.MaxDepth}
		}
		if r.cfg.Spawner == nil {
			return nil, &protocol.CallError{Code: protocol.CodeCallFailed, Message: "nested sessions are not available"}
		}
		loop = true
	case protocol.ModeAuto:
		loop = depth <= r.cfg.MaxDepth && r.cfg.Spawner != nil
	default:
		return nil, &protocol.CallError{Code: protocol.CodeCallFailed, Message: fmt.Sprintf("unknown call mode %q", mode)}
	}

	if r.cfg.Tracker != nil {
		if err := r.cfg.Tracker.IncrementSubCall(depth); err != nil {
			return nil, &protocol.CallError{Code: protocol.CodeBudget, Message: err.Error()}
		}
	}

	resp := &protocol.CallResponse{Depth: depth, Trace: copyTrace(cc.Trace)}
	if loop {
		r.loopCalls.Add(1)
		res, err := r.cfg.Spawner.Spawn(ctx, SpawnRequest{
			Prompt:          req.Prompt,
			Model:           req.Model,
			Depth:           depth,
			ParentSessionID: cc.SessionID,
			Trace:           copyTrace(cc.Trace),
		})
		if err != nil {
			return nil, spawnError(ctx, err)
		}
		resp.Kind = protocol.CallLoop
		resp.Text = res.Answer
		resp.Model = res.Model
		resp.Usage = res.Usage
		return resp, nil
	}

	r.directCalls.Add(1)
	model := req.Model
	if model == "" {
		model = r.cfg.Model
	}
	if r.cfg.Client == nil {
		return nil, &protocol.CallError{Code: protocol.CodeCallFailed, Message: "no completion client configured"}
	}
	out, err := r.cfg.Client.Complete(ctx, client.Request{
		Messages:  []client.Message{{Role: client.RoleUser, Content: req.Prompt}},
		Model:     model,
		MaxTokens: r.cfg.MaxTokens,
		Metadata:  copyTrace(cc.Trace),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &protocol.CallError{Code: protocol.CodeCallFailed, Message: fmt.Sprintf("completion failed: %v", err)}
	}
	r.ledger.Record(out.Model, out.InputTokens, out.OutputTokens)
	tokens.WithLabelValues(out.Model, "input").Add(float64(out.InputTokens))
	tokens.WithLabelValues(out.Model, "output").Add(float64(out.OutputTokens))

	resp.Kind = protocol.CallCompletion
	resp.Text = out.Text
	resp.Model = out.Model
	resp.Usage = protocol.Usage{InputTokens: out.InputTokens, OutputTokens: out.OutputTokens}
	return resp, nil
}

// spawnError keeps fatal nested failures fatal and turns the rest into a
// call error the parent's code can catch.
func spawnError(ctx context.Context, err error) error {
	var de *protocol.DepthError
	switch {
	case errors.As(err, &de):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return &protocol.CallError{Code: protocol.CodeCallFailed, Message: fmt.Sprintf("nested session failed: %v", err)}
}

func (r *Router) observeDepth(depth int) {
	for {
		seen := r.maxDepthSeen.Load()
		if int32(depth) <= seen || r.maxDepthSeen.CompareAndSwap(seen, int32(depth)) {
			return
		}
	}
}

func copyTrace(t map[string]string) map[string]string {
	if t == nil {
		return nil
	}
	return maps.Clone(t)
}

// Bind returns a CallHandler serving calls for the session described by
// cc. Each call gets its own copy of cc with the correlation id set.
func (r *Router) Bind(cc CallContext) env.CallHandler {
	return &Binding{router: r, cc: cc}
}

// Binding is a Router bound to one session.
type Binding struct {
	router *Router
	cc     CallContext
}

// HandleCall implements env.CallHandler.
func (b *Binding) HandleCall(ctx context.Context, correlationID string, req protocol.CallRequest) (*protocol.CallResponse, error) {
	cc := b.cc
	cc.CorrelationID = correlationID
	return b.router.Route(ctx, req, cc)
}

// Stats summarizes router activity.
type Stats struct {
	Calls        int64                        `json:"calls"`
	DirectCalls  int64                        `json:"direct_calls"`
	LoopCalls    int64                        `json:"loop_calls"`
	Errors       int64                        `json:"errors"`
	InFlight     int                          `json:"in_flight"`
	MaxDepthSeen int                          `json:"max_depth_seen"`
	Models       map[string]budget.ModelUsage `json:"models,omitempty"`
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Calls:        r.calls.Load(),
		DirectCalls:  r.directCalls.Load(),
		LoopCalls:    r.loopCalls.Load(),
		Errors:       r.errors.Load(),
		InFlight:     int(r.inFlight.Load()),
		MaxDepthSeen: int(r.maxDepthSeen.Load()),
		Models:       r.ledger.Snapshot(),
	}
}

// Usage returns per-model usage of direct sub-call completions.
func (r *Router) Usage() map[string]budget.ModelUsage {
	return r.ledger.Snapshot()
}
