package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
	"github.com/rand/rlmrepl/internal/rlm/repl"
)

// PollConfig bounds an exponential polling schedule.
type PollConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Timeout caps the total time spent polling for one result.
	Timeout time.Duration
}

// DefaultPollConfig returns the default polling schedule.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Initial:    100 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 1.5,
		Timeout:    5 * time.Minute,
	}
}

func (p PollConfig) withDefaults() PollConfig {
	def := DefaultPollConfig()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// BackOff builds the exponential schedule.
func (p PollConfig) BackOff() *backoff.ExponentialBackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	return b
}

// Poll calls op until it succeeds, returns a non-retryable error, or the
// schedule's timeout elapses. Errors for which retry reports true are
// retried.
func Poll[T any](ctx context.Context, p PollConfig, retry func(error) bool, op func() (T, error)) (T, error) {
	p = p.withDefaults()
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !retry(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(p.BackOff()), backoff.WithMaxElapsedTime(p.Timeout))
}

// ExecutorConfig configures the in-sandbox executor.
type ExecutorConfig struct {
	// Claim paces polling for new jobs while the queue is empty.
	Claim PollConfig

	// Call paces polling for call answers.
	Call PollConfig

	// IdleTTL evicts session namespaces unused for this long.
	IdleTTL time.Duration

	// MaxJobs bounds concurrently running jobs.
	MaxJobs int

	BatchConcurrency int
	Logger           *slog.Logger
}

// Executor claims execute jobs from a broker and runs them. Jobs that
// share a session id share one namespace and run one at a time; jobs
// of different sessions run concurrently.
type Executor struct {
	client *Client
	cfg    ExecutorConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sandboxSession
}

type sandboxSession struct {
	mu       sync.Mutex
	interp   *repl.Interpreter
	handle   string
	lastUsed time.Time
}

// NewExecutor creates an executor polling client.
func NewExecutor(client *Client, cfg ExecutorConfig) *Executor {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 16
	}
	if cfg.Claim.Max <= 0 {
		cfg.Claim.Max = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		client:   client,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "sandbox-executor"),
		sessions: make(map[string]*sandboxSession),
	}
}

// Run claims and executes jobs until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	slots := make(chan struct{}, e.cfg.MaxJobs)
	var wg sync.WaitGroup
	defer wg.Wait()

	idle := e.cfg.Claim.BackOff()
	lastEvict := time.Now()
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		job, err := e.client.Claim(ctx)
		if err != nil || job == nil {
			<-slots
			if err != nil && ctx.Err() == nil {
				e.logger.Warn("Claim failed", "error", err)
			}
			select {
			case <-time.After(idle.NextBackOff()):
			case <-ctx.Done():
				return nil
			}
			if time.Since(lastEvict) > e.cfg.IdleTTL/4 {
				e.evictIdle()
				lastEvict = time.Now()
			}
			continue
		}
		idle.Reset()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			e.runJob(ctx, job)
		}()
	}
}

func (e *Executor) session(id string) *sandboxSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id != "" {
		if s, ok := e.sessions[id]; ok {
			return s
		}
	}
	s := &sandboxSession{}
	s.interp = repl.New(repl.Options{
		Caller:           repl.CallerFunc(func(ctx context.Context, req protocol.CallRequest) (string, error) { return e.call(ctx, s.handle, req) }),
		BatchConcurrency: e.cfg.BatchConcurrency,
		Logger:           e.logger,
	})
	if id != "" {
		e.sessions[id] = s
	}
	return s
}

func (e *Executor) evictIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.sessions {
		if s.mu.TryLock() {
			if time.Since(s.lastUsed) > e.cfg.IdleTTL {
				delete(e.sessions, id)
				e.logger.Debug("Evicted idle session", "session_id", id)
			}
			s.mu.Unlock()
		}
	}
}

func (e *Executor) runJob(ctx context.Context, job *ClaimedJob) {
	s := e.session(job.Request.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = job.Handle
	s.lastUsed = time.Now()

	var restoreErr error
	if job.Request.Prior != nil {
		restoreErr = s.interp.Restore(job.Request.Prior)
	}
	out, err := s.interp.Execute(ctx, job.Request.Code)
	if err != nil && ctx.Err() != nil {
		return
	}
	resp := &protocol.ExecuteResponse{
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		Locals:     s.interp.Capture(),
		DurationMS: out.Duration.Milliseconds(),
		Final:      out.Final,
	}
	if restoreErr != nil {
		resp.Stderr = restoreErr.Error() + "\n" + resp.Stderr
	}

	_, err = Poll(ctx, e.cfg.Call, IsTemporary, func() (Outcome, error) {
		return e.client.Complete(ctx, job.Handle, JobResult{Response: resp})
	})
	if err != nil {
		e.logger.Error("Failed to post job result", "handle", job.Handle, "error", err)
		return
	}
	e.logger.Debug("Job finished", "handle", job.Handle, "duration", out.Duration)
}

// call raises a call through the broker and polls for its answer.
func (e *Executor) call(ctx context.Context, handle string, req protocol.CallRequest) (string, error) {
	id := uuid.NewString()
	sub := CallSubmission{ID: id, Handle: handle, Request: req}
	if _, err := Poll(ctx, e.cfg.Call, IsTemporary, func() (struct{}, error) {
		return struct{}{}, e.client.PostCall(ctx, sub)
	}); err != nil {
		return "", fmt.Errorf("post call: %w", err)
	}

	retry := func(err error) bool { return errors.Is(err, ErrCallPending) || IsTemporary(err) }
	reply, err := Poll(ctx, e.cfg.Call, retry, func() (*protocol.Message, error) {
		return e.client.Reply(ctx, id)
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrCallPending) {
			abandonCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if aerr := e.client.Abandon(abandonCtx, id); aerr != nil {
				e.logger.Debug("Abandon failed", "id", id, "error", aerr)
			}
			cancel()
		}
		return "", fmt.Errorf("await call %s: %w", id, err)
	}

	if reply.Kind == protocol.KindError {
		var p protocol.ErrorPayload
		if err := reply.Decode(&p); err != nil {
			return "", err
		}
		return "", p.Err()
	}
	var resp protocol.CallResponse
	if err := reply.Decode(&resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}
