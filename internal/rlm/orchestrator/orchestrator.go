package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rand/rlmrepl/internal/budget"
	"github.com/rand/rlmrepl/internal/rlm/client"
	"github.com/rand/rlmrepl/internal/rlm/env"
	"github.com/rand/rlmrepl/internal/rlm/protocol"
	"github.com/rand/rlmrepl/internal/rlm/router"
)

var (
	// ErrNoClient is returned by New without a completion client.
	ErrNoClient = errors.New("orchestrator requires a completion client")

	// ErrNoAnswer is returned for a nested session that ran out of
	// iterations without even a best-effort answer.
	ErrNoAnswer = errors.New("nested session ended without an answer")
)

// EnvFactory builds the environment for a session.
type EnvFactory func(spec env.Spec, h env.CallHandler) (env.Environment, error)

// Config configures an Orchestrator.
type Config struct {
	// Client serves root completions and direct sub-calls.
	Client client.Client

	// Model is the root model. SubModel, when set, serves direct
	// sub-calls.
	Model     string
	SubModel  string
	MaxTokens int

	// MaxDepth bounds nested sessions. 0 serves every sub-call directly.
	MaxDepth int

	// MaxIterations bounds root sessions; NestedMaxIterations bounds
	// nested ones and defaults to MaxIterations.
	MaxIterations       int
	NestedMaxIterations int

	// MaxOutputChars truncates execution output fed back to the model.
	MaxOutputChars int

	// SessionTimeout bounds each session. Zero means no limit.
	SessionTimeout time.Duration

	// DisableBestEffort skips the final completion requested when a
	// session runs out of iterations.
	DisableBestEffort bool

	SystemPrompt string

	// Env describes the root environment. Nested sessions use Env.Nested().
	Env env.Spec

	// NewEnv builds session environments, root and nested. Defaults to
	// env.New.
	NewEnv EnvFactory

	// Limits are enforced across the whole session tree.
	Limits budget.Limits

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:       1,
		MaxIterations:  10,
		MaxOutputChars: 20000,
		MaxTokens:      4096,
		Env:            env.Spec{Kind: env.KindDirect},
	}
}

// Orchestrator runs sessions. One Orchestrator serves a whole session
// tree: it is the router's Spawner, and its tracker and client are shared
// by every nested session.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	tracker *budget.Tracker
	client  *client.Tracked
	router  *router.Router

	sessions atomic.Int64
	active   atomic.Int32
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Client == nil {
		return nil, ErrNoClient
	}
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.NestedMaxIterations <= 0 {
		cfg.NestedMaxIterations = cfg.MaxIterations
	}
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = def.MaxOutputChars
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.NewEnv == nil {
		cfg.NewEnv = env.New
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Env.Logger == nil {
		cfg.Env.Logger = cfg.Logger
	}

	o := &Orchestrator{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "orchestrator"),
		tracker: budget.NewTracker(cfg.Limits),
	}
	o.client = client.NewTracked(cfg.Client, o.tracker)

	subModel := cfg.SubModel
	if subModel == "" {
		subModel = cfg.Model
	}
	o.router = router.New(router.Config{
		Client:    o.client,
		Spawner:   o,
		MaxDepth:  cfg.MaxDepth,
		Model:     subModel,
		MaxTokens: cfg.MaxTokens,
		Tracker:   o.tracker,
		Logger:    cfg.Logger,
	})
	return o, nil
}

// Router returns the router serving this orchestrator's sub-calls.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Tracker returns the budget tracker shared by the session tree.
func (o *Orchestrator) Tracker() *budget.Tracker { return o.tracker }

// Client returns the usage-tracking client.
func (o *Orchestrator) Client() *client.Tracked { return o.client }

// Run drives a root session to completion. The session is always
// returned; the error is its cause when it FAILED.
func (o *Orchestrator) Run(ctx context.Context, task Task) (*Session, error) {
	s := o.newSession(0, "", o.cfg.MaxIterations, o.cfg.Model)
	s.EnvKind = o.cfg.Env.Kind
	s.EnvID = o.cfg.Env.EnvID

	h := o.router.Bind(router.CallContext{SessionID: s.ID, Depth: 0, Trace: task.Trace})
	e, err := o.cfg.NewEnv(o.cfg.Env, h)
	if err != nil {
		s.Status, s.Err = StatusFailed, fmt.Errorf("create environment: %w", err)
		return s, s.Err
	}
	o.run(ctx, s, task, e)
	if s.Status == StatusFailed {
		return s, s.Err
	}
	return s, nil
}

// Spawn implements router.Spawner. The nested session gets a fresh
// environment of the root's kind. FINAL and EXHAUSTED with a best-effort
// answer both return the answer; anything else is an error.
func (o *Orchestrator) Spawn(ctx context.Context, req router.SpawnRequest) (*router.SpawnResult, error) {
	model := req.Model
	if model == "" {
		model = o.cfg.Model
	}
	s := o.newSession(req.Depth, req.ParentSessionID, o.cfg.NestedMaxIterations, model)
	spec := o.cfg.Env.Nested()
	s.EnvKind = spec.Kind

	h := o.router.Bind(router.CallContext{SessionID: s.ID, Depth: req.Depth, Trace: req.Trace})
	e, err := o.cfg.NewEnv(spec, h)
	if err != nil {
		return nil, fmt.Errorf("create nested environment: %w", err)
	}
	o.run(ctx, s, Task{
		Prompt: req.Prompt,
		Hint:   fmt.Sprintf(nestedHintShape, req.Depth, o.cfg.MaxDepth),
		Trace:  req.Trace,
	}, e)

	switch s.Status {
	case StatusFinal:
	case StatusExhausted:
		if s.Answer == "" {
			return nil, ErrNoAnswer
		}
	default:
		return nil, s.Err
	}
	return &router.SpawnResult{
		Answer: s.Answer,
		Model:  s.Model,
		Usage:  protocol.Usage{InputTokens: s.Usage.InputTokens, OutputTokens: s.Usage.OutputTokens},
	}, nil
}

func (o *Orchestrator) newSession(depth int, parent string, maxIterations int, model string) *Session {
	o.sessions.Add(1)
	return &Session{
		ID:            uuid.NewString(),
		ParentID:      parent,
		Depth:         depth,
		MaxDepth:      o.cfg.MaxDepth,
		MaxIterations: maxIterations,
		Model:         model,
		Status:        StatusInit,
		StartedAt:     time.Now(),
	}
}

func (o *Orchestrator) run(ctx context.Context, s *Session, task Task, e env.Environment) {
	logger := o.logger.With("session_id", s.ID, "depth", s.Depth)
	o.active.Add(1)
	defer o.active.Add(-1)
	defer func() {
		if err := e.Teardown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Environment teardown failed", "error", err)
		}
		s.Duration = time.Since(s.StartedAt)
		observeSession(s)
		logger.Info("Session finished",
			"status", s.Status,
			"iterations", len(s.Iterations),
			"duration", s.Duration,
			"error", s.Err,
		)
	}()

	if o.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SessionTimeout)
		defer cancel()
	}

	s.Status = StatusIterating
	if task.Context != nil {
		if err := o.loadContext(ctx, e, task.Context); err != nil {
			o.fail(ctx, s, err)
			return
		}
	}

	var history []client.Message
	for len(s.Iterations) < s.MaxIterations {
		done, err := o.iterate(ctx, s, task, e, &history, logger)
		if err != nil {
			o.fail(ctx, s, err)
			return
		}
		if done {
			s.Status = StatusFinal
			return
		}
	}

	s.Status = StatusExhausted
	logger.Info("Iteration limit reached", "max_iterations", s.MaxIterations)
	if !o.cfg.DisableBestEffort {
		s.Answer = o.bestEffort(ctx, s, task, history, logger)
	}
}

// iterate runs one turn and reports whether it produced a final answer.
func (o *Orchestrator) iterate(ctx context.Context, s *Session, task Task, e env.Environment, history *[]client.Message, logger *slog.Logger) (bool, error) {
	start := time.Now()
	it := Iteration{Index: len(s.Iterations)}
	commit := func() {
		it.Duration = time.Since(start)
		s.Iterations = append(s.Iterations, it)
	}

	it.Prompt = buildPrompt(o.cfg.SystemPrompt, task, *history)
	resp, err := o.complete(ctx, s, it.Prompt, task.Trace)
	if err != nil {
		return false, fmt.Errorf("iteration %d: %w", it.Index, err)
	}
	o.tracker.IncrementIteration()
	it.Response = resp.Text

	parsed := Parse(resp.Text)
	logger.Debug("Model responded",
		"iteration", it.Index,
		"code_blocks", len(parsed.Blocks),
		"sentinel", parsed.Sentinel != nil,
		"ignored_blocks", parsed.Ignored,
	)

	var final *protocol.Final
	for _, code := range parsed.Blocks {
		res, err := e.Execute(ctx, code, nil)
		o.tracker.IncrementREPLExecution()
		it.CodeBlocks = append(it.CodeBlocks, CodeBlock{Code: code, Result: res})
		if err != nil {
			commit()
			return false, err
		}
		if res.Final != nil {
			final = res.Final
			break
		}
	}

	var feedback string
	if final == nil && parsed.Sentinel != nil {
		final, feedback, err = o.resolve(ctx, e, parsed.Sentinel)
		if err != nil {
			commit()
			return false, err
		}
	}

	if final != nil {
		it.FinalAnswer = final.Answer
		s.Answer = final.Answer
		commit()
		return true, nil
	}
	commit()

	*history = append(*history, client.Message{Role: client.RoleAssistant, Content: resp.Text})
	var next string
	switch {
	case len(it.CodeBlocks) > 0:
		next = formatResults(it.CodeBlocks, o.cfg.MaxOutputChars)
		if feedback != "" {
			next += "\n\n" + feedback
		}
	case feedback != "":
		next = feedback
	default:
		next = continueNudge
	}
	*history = append(*history, client.Message{Role: client.RoleUser, Content: next})
	return false, nil
}

// resolve turns a sentinel into a final answer. A FINAL_VAR naming an
// undefined variable yields feedback for the model instead.
func (o *Orchestrator) resolve(ctx context.Context, e env.Environment, sn *Sentinel) (*protocol.Final, string, error) {
	if !sn.Var {
		return &protocol.Final{Answer: sn.Value}, "", nil
	}
	res, err := e.Execute(ctx, finalVarCode(sn.Value), nil)
	if err != nil {
		return nil, "", err
	}
	if res.Final == nil {
		msg := fmt.Sprintf("FINAL_VAR(%s) failed:\n%s", sn.Value, strings.TrimRight(res.Stderr, "\n"))
		return nil, truncate(msg, o.cfg.MaxOutputChars), nil
	}
	return res.Final, "", nil
}

func (o *Orchestrator) loadContext(ctx context.Context, e env.Environment, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	res, err := e.Execute(ctx, contextCode(data), nil)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}
	if res.Failed() {
		return fmt.Errorf("load context: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, s *Session, msgs []client.Message, trace map[string]string) (*client.Response, error) {
	resp, err := o.client.Complete(ctx, client.Request{
		Messages:  msgs,
		Model:     s.Model,
		MaxTokens: o.cfg.MaxTokens,
		Metadata:  trace,
	})
	if err != nil {
		return nil, err
	}
	if s.Model == "" {
		s.Model = resp.Model
	}
	s.Usage = s.Usage.Add(budget.ModelUsage{Calls: 1, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens})
	return resp, nil
}

// bestEffort asks once for an answer after the iteration limit. Failures
// leave the answer empty.
func (o *Orchestrator) bestEffort(ctx context.Context, s *Session, task Task, history []client.Message, logger *slog.Logger) string {
	if ctx.Err() != nil {
		return ""
	}
	msgs := buildPrompt(o.cfg.SystemPrompt, task, history)
	msgs = append(msgs, client.Message{Role: client.RoleUser, Content: bestEffortAsk})
	resp, err := o.complete(ctx, s, msgs, task.Trace)
	if err != nil {
		logger.Warn("Best-effort answer failed", "error", err)
		return ""
	}
	text := strings.TrimSpace(resp.Text)
	if p := Parse(text); p.Sentinel != nil && !p.Sentinel.Var {
		text = p.Sentinel.Value
	}
	return text
}

// fail records a terminal failure. When the session context is done its
// error is kept in the chain so callers can match it.
func (o *Orchestrator) fail(ctx context.Context, s *Session, err error) {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		err = fmt.Errorf("%w: %w", cerr, err)
	}
	s.Status = StatusFailed
	s.Err = err
}

// Stats summarizes everything this orchestrator has run.
type Stats struct {
	Sessions int64                        `json:"sessions"`
	Active   int                          `json:"active"`
	Budget   budget.State                 `json:"budget"`
	Router   router.Stats                 `json:"router"`
	Models   map[string]budget.ModelUsage `json:"models"`
}

// Stats returns current statistics.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Sessions: o.sessions.Load(),
		Active:   int(o.active.Load()),
		Budget:   o.tracker.State(),
		Router:   o.router.Stats(),
		Models:   o.client.Usage(),
	}
}

// Report renders budget usage across the session tree.
func (o *Orchestrator) Report() budget.Report {
	return budget.NewReport(o.tracker, o.client.Ledger())
}
