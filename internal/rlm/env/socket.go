package env

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
	"github.com/rand/rlmrepl/internal/rlm/state"
)

// SocketConfig configures a Socket environment.
type SocketConfig struct {
	// Address of a running worker ("unix:/path" or "tcp:host:port"). When
	// empty, a worker process is spawned with Process.
	Address string
	Process ProcessConfig

	Handler     CallHandler
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Socket runs code in a worker reached over a framed stream connection.
// The connection is opened on first Execute and kept until Teardown.
type Socket struct {
	cfg    SocketConfig
	logger *slog.Logger

	mu   sync.Mutex // serializes Execute and Teardown
	proc *Process
	link *socketLink
	torn bool
}

// NewSocket creates a Socket environment. Nothing is dialed or spawned
// until the first Execute.
func NewSocket(cfg SocketConfig) *Socket {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Socket{cfg: cfg, logger: cfg.Logger.With("component", "env-socket")}
}

// Execute implements Environment.
func (s *Socket) Execute(ctx context.Context, code string, prior *state.Snapshot) (*ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return nil, ErrTornDown
	}

	link, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, callErr, err := link.execute(ctx, code, prior)
	if err != nil {
		// Any failure mid round-trip leaves the stream in an unknown state.
		link.close(err)
		s.link = nil
		return res, err
	}
	res.Duration = time.Since(start)
	return res, callErr
}

func (s *Socket) connect(ctx context.Context) (*socketLink, error) {
	if s.link != nil && !s.link.closed() {
		return s.link, nil
	}
	addr := s.cfg.Address
	if addr == "" {
		if s.proc == nil || !s.proc.Running() {
			p, err := StartProcess(ctx, s.cfg.Process)
			if err != nil {
				return nil, &TransportError{Op: "spawn worker", Err: err}
			}
			s.proc = p
		}
		addr = s.proc.Address()
	}

	network, address := ParseAddress(addr)
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	c, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, &TransportError{Op: "dial " + addr, Err: err, Transient: true}
	}
	s.link = newSocketLink(protocol.NewConn(c), s.cfg.Handler, s.logger)
	s.logger.Debug("Connected to worker", "address", addr)
	return s.link, nil
}

// Teardown closes the connection and stops a spawned worker.
func (s *Socket) Teardown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return nil
	}
	s.torn = true
	if s.link != nil {
		s.link.close(ErrTornDown)
		s.link = nil
	}
	if s.proc != nil {
		return s.proc.Stop()
	}
	return nil
}

// socketLink is one open connection plus its read loop.
type socketLink struct {
	conn    *protocol.Conn
	handler CallHandler
	logger  *slog.Logger

	done    chan struct{}
	errOnce sync.Once
	err     error

	mu      sync.Mutex
	waiters map[string]chan *protocol.Message
	active  *activeExec

	calls sync.WaitGroup
}

// activeExec is the execution that call-requests currently belong to.
type activeExec struct {
	ctx context.Context
	rec *recorder
}

func newSocketLink(conn *protocol.Conn, h CallHandler, logger *slog.Logger) *socketLink {
	l := &socketLink{
		conn:    conn,
		handler: h,
		logger:  logger,
		done:    make(chan struct{}),
		waiters: make(map[string]chan *protocol.Message),
	}
	go l.readLoop()
	return l
}

func (l *socketLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *socketLink) close(cause error) {
	l.errOnce.Do(func() {
		l.err = cause
		l.conn.Close()
		close(l.done)
	})
	l.calls.Wait()
}

// execute performs one round-trip. callErr is a fatal sub-call failure
// reported by an otherwise complete round-trip; err means the stream
// itself failed.
func (l *socketLink) execute(ctx context.Context, code string, prior *state.Snapshot) (res *ExecutionResult, callErr, err error) {
	id := uuid.NewString()
	ch := make(chan *protocol.Message, 1)
	rec := newRecorder(l.handler)
	callCtx, cancelCalls := context.WithCancel(ctx)
	defer cancelCalls()

	l.mu.Lock()
	l.waiters[id] = ch
	l.active = &activeExec{ctx: callCtx, rec: rec}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.waiters, id)
		l.active = nil
		l.mu.Unlock()
	}()

	m, err := protocol.NewMessage(protocol.KindExecuteRequest, id, protocol.ExecuteRequest{Code: code, Prior: prior})
	if err != nil {
		return nil, nil, err
	}
	if err := l.conn.Send(m); err != nil {
		return nil, nil, &TransportError{Op: "send execute-request", Err: err}
	}

	var reply *protocol.Message
	select {
	case reply = <-ch:
	case <-l.done:
		cancelCalls()
		l.calls.Wait()
		subCalls, _ := rec.take()
		return &ExecutionResult{SubCalls: subCalls}, nil, l.failure()
	case <-ctx.Done():
		l.close(ctx.Err())
		subCalls, _ := rec.take()
		return &ExecutionResult{SubCalls: subCalls}, nil, fmt.Errorf("execute: %w", context.Cause(ctx))
	}

	// Call dispatches belonging to this execution finish before its reply,
	// because the worker blocks on each one.
	subCalls, fatal := rec.take()

	if reply.Kind == protocol.KindError {
		var p protocol.ErrorPayload
		if err := reply.Decode(&p); err != nil {
			return nil, nil, err
		}
		return &ExecutionResult{SubCalls: subCalls}, nil, p.Err()
	}
	var resp protocol.ExecuteResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, nil, err
	}
	res = &ExecutionResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Locals:   resp.Locals,
		Duration: time.Duration(resp.DurationMS) * time.Millisecond,
		SubCalls: subCalls,
		Final:    resp.Final,
	}
	if res.Locals == nil {
		res.Locals = state.NewSnapshot()
	}
	return res, fatal, nil
}

func (l *socketLink) failure() error {
	err := l.err
	if err == nil || errors.Is(err, io.EOF) {
		return &TransportError{Op: "receive", Err: io.ErrUnexpectedEOF}
	}
	if protocol.IsProtocolError(err) {
		return err
	}
	return &TransportError{Op: "receive", Err: err}
}

func (l *socketLink) readLoop() {
	for {
		m, err := l.conn.Receive()
		if err != nil {
			l.fail(err)
			return
		}
		switch m.Kind {
		case protocol.KindCallRequest:
			if err := l.dispatch(m); err != nil {
				l.fail(err)
				return
			}
		case protocol.KindExecuteResponse, protocol.KindError:
			l.mu.Lock()
			ch, ok := l.waiters[m.CorrelationID]
			delete(l.waiters, m.CorrelationID)
			l.mu.Unlock()
			if !ok {
				l.fail(&protocol.ProtocolError{Reason: "response for unknown execution", CorrelationID: m.CorrelationID, Err: protocol.ErrUnknownCorrelation})
				return
			}
			ch <- m
		default:
			l.fail(&protocol.ProtocolError{Reason: fmt.Sprintf("unexpected %s from worker", m.Kind), CorrelationID: m.CorrelationID})
			return
		}
	}
}

// fail records the cause and closes the connection without waiting for
// in-flight dispatches, which may be blocked on the read loop's caller.
func (l *socketLink) fail(err error) {
	l.errOnce.Do(func() {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			l.logger.Warn("Worker connection failed", "error", err)
		}
		l.err = err
		l.conn.Close()
		close(l.done)
	})
}

// dispatch serves a call-request on its own goroutine so the read loop keeps
// routing responses for concurrent calls.
func (l *socketLink) dispatch(m *protocol.Message) error {
	var req protocol.CallRequest
	if err := m.Decode(&req); err != nil {
		return err
	}
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()
	if active == nil {
		return &protocol.ProtocolError{Reason: "call-request outside an execution", CorrelationID: m.CorrelationID}
	}

	l.calls.Add(1)
	go func() {
		defer l.calls.Done()
		resp, err := active.rec.dispatch(active.ctx, m.CorrelationID, req)

		var reply *protocol.Message
		if err != nil {
			p := protocol.ErrorFor(err)
			reply, _ = protocol.NewMessage(protocol.KindError, m.CorrelationID, p)
		} else {
			reply, err = protocol.NewMessage(protocol.KindCallResponse, m.CorrelationID, resp)
			if err != nil {
				reply = protocol.NewError(m.CorrelationID, protocol.CodeCallFailed, err.Error())
			}
		}
		if err := l.conn.Send(reply); err != nil && !l.closed() {
			l.fail(err)
		}
	}()
	return nil
}
