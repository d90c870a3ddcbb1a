package env

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rand/rlmrepl/internal/rlm/repl"
	"github.com/rand/rlmrepl/internal/rlm/state"
)

// DirectConfig configures a Direct environment.
type DirectConfig struct {
	Handler          CallHandler
	BatchConcurrency int
	Logger           *slog.Logger
}

// Direct runs code in an interpreter inside this process. Sub-calls are
// synchronous calls into the handler on the executing goroutine.
type Direct struct {
	mu     sync.Mutex
	interp *repl.Interpreter
	rec    *recorder
	logger *slog.Logger
	torn   bool
}

// NewDirect creates a Direct environment with an empty namespace.
func NewDirect(cfg DirectConfig) *Direct {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rec := newRecorder(cfg.Handler)
	return &Direct{
		interp: repl.New(repl.Options{
			Caller:           rec.caller(),
			BatchConcurrency: cfg.BatchConcurrency,
			Logger:           cfg.Logger,
		}),
		rec:    rec,
		logger: cfg.Logger.With("component", "env-direct"),
	}
}

// Execute implements Environment.
func (d *Direct) Execute(ctx context.Context, code string, prior *state.Snapshot) (*ExecutionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.torn {
		return nil, ErrTornDown
	}

	var restoreErr error
	if prior != nil {
		restoreErr = d.interp.Restore(prior)
		if restoreErr != nil {
			d.logger.Warn("Prior state partially restored", "error", restoreErr)
		}
	}

	start := time.Now()
	out, execErr := d.interp.Execute(ctx, code)
	subCalls, fatal := d.rec.take()

	res := &ExecutionResult{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Locals:   d.interp.Capture(),
		Duration: time.Since(start),
		SubCalls: subCalls,
		Final:    out.Final,
	}
	if restoreErr != nil {
		res.Stderr = restoreErr.Error() + "\n" + res.Stderr
	}
	if execErr != nil {
		return res, execErr
	}
	return res, fatal
}

// Do runs fn with exclusive access to the interpreter, between executions.
func (d *Direct) Do(fn func(*repl.Interpreter) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.torn {
		return ErrTornDown
	}
	return fn(d.interp)
}

// Teardown implements Environment.
func (d *Direct) Teardown(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.torn = true
	return nil
}
