package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rand/rlmrepl/internal/rlm/broker"
	"github.com/rand/rlmrepl/internal/rlm/protocol"
	"github.com/rand/rlmrepl/internal/rlm/state"
)

var errNotDone = errors.New("execution not finished")

// BrokerConfig configures a Broker environment.
type BrokerConfig struct {
	URL     string
	Handler CallHandler

	// SessionID keys the sandbox-side namespace. Defaults to a new uuid.
	SessionID string

	// Poll paces result polling.
	Poll broker.PollConfig

	// PendingRate caps GET /calls/pending requests per second.
	PendingRate float64

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Broker runs code in a sandbox reached through an HTTP broker. Results
// and pending calls are polled concurrently.
type Broker struct {
	cfg    BrokerConfig
	client *broker.Client
	logger *slog.Logger

	mu   sync.Mutex
	torn bool
}

// NewBroker creates a Broker environment.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.PendingRate <= 0 {
		cfg.PendingRate = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		cfg:    cfg,
		client: broker.NewClient(cfg.URL, cfg.HTTPClient),
		logger: cfg.Logger.With("component", "env-broker", "session_id", cfg.SessionID),
	}
}

// Execute implements Environment.
func (b *Broker) Execute(ctx context.Context, code string, prior *state.Snapshot) (*ExecutionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.torn {
		return nil, ErrTornDown
	}

	start := time.Now()
	handle, err := broker.Poll(ctx, b.cfg.Poll, broker.IsTemporary, func() (string, error) {
		return b.client.Submit(ctx, protocol.ExecuteRequest{Code: code, SessionID: b.cfg.SessionID, Prior: prior})
	})
	if err != nil {
		return nil, b.transportErr(ctx, "submit", err)
	}

	rec := newRecorder(b.cfg.Handler)
	g, gctx := errgroup.WithContext(ctx)
	pendingCtx, stopPending := context.WithCancel(gctx)
	defer stopPending()

	var status *broker.ExecuteStatus
	g.Go(func() error {
		defer stopPending()
		retry := func(err error) bool { return errors.Is(err, errNotDone) || broker.IsTemporary(err) }
		st, err := broker.Poll(gctx, b.cfg.Poll, retry, func() (*broker.ExecuteStatus, error) {
			st, err := b.client.Status(gctx, handle)
			if err != nil {
				return nil, err
			}
			if !st.Done() {
				return nil, errNotDone
			}
			return st, nil
		})
		if err != nil {
			return b.transportErr(gctx, "poll result", err)
		}
		status = st
		return nil
	})
	g.Go(func() error {
		return b.servePending(pendingCtx, g, handle, rec)
	})

	err = g.Wait()
	subCalls, fatal := rec.take()
	if err != nil {
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if cerr := b.client.Cancel(cancelCtx, handle); cerr != nil {
			b.logger.Debug("Cancel failed", "handle", handle, "error", cerr)
		}
		cancel()
		return &ExecutionResult{SubCalls: subCalls}, err
	}

	if status.Status == broker.StatusCancelled {
		return &ExecutionResult{SubCalls: subCalls}, &TransportError{Op: "execute", Err: errors.New("job cancelled by broker")}
	}
	if status.Error != nil {
		return &ExecutionResult{SubCalls: subCalls}, status.Error.Err()
	}
	resp := status.Response
	if resp == nil {
		return &ExecutionResult{SubCalls: subCalls}, &protocol.ProtocolError{Reason: "finished job without response", CorrelationID: handle}
	}
	res := &ExecutionResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Locals:   resp.Locals,
		Duration: time.Since(start),
		SubCalls: subCalls,
		Final:    resp.Final,
	}
	if res.Locals == nil {
		res.Locals = state.NewSnapshot()
	}
	return res, fatal
}

// servePending polls for calls raised by handle and answers each
// correlation id once, even if the broker redelivers it.
func (b *Broker) servePending(ctx context.Context, g *errgroup.Group, handle string, rec *recorder) error {
	limiter := rate.NewLimiter(rate.Limit(b.cfg.PendingRate), 1)
	seen := make(map[string]struct{})
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		calls, err := b.client.Pending(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if broker.IsTemporary(err) {
				b.logger.Debug("Pending poll failed", "error", err)
				continue
			}
			return &TransportError{Op: "poll pending", Err: err}
		}
		for _, pc := range calls {
			if _, dup := seen[pc.ID]; dup {
				continue
			}
			seen[pc.ID] = struct{}{}
			g.Go(func() error {
				return b.answer(ctx, rec, pc)
			})
		}
	}
}

func (b *Broker) answer(ctx context.Context, rec *recorder, pc broker.PendingCall) error {
	resp, err := rec.dispatch(ctx, pc.ID, pc.Request)
	var reply *protocol.Message
	if err != nil {
		reply, _ = protocol.NewMessage(protocol.KindError, pc.ID, protocol.ErrorFor(err))
	} else if reply, err = protocol.NewMessage(protocol.KindCallResponse, pc.ID, resp); err != nil {
		reply = protocol.NewError(pc.ID, protocol.CodeCallFailed, err.Error())
	}

	_, err = broker.Poll(ctx, b.cfg.Poll, broker.IsTemporary, func() (broker.Outcome, error) {
		return b.client.Respond(ctx, pc.ID, reply)
	})
	if err != nil && ctx.Err() == nil {
		return &TransportError{Op: "respond " + pc.ID, Err: err}
	}
	return nil
}

func (b *Broker) transportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, context.Cause(ctx))
	}
	return &TransportError{Op: op, Err: err, Transient: broker.IsTemporary(err)}
}

// Teardown implements Environment. Sandbox namespaces expire on their own.
func (b *Broker) Teardown(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.torn = true
	return nil
}
