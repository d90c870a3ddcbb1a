package env

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
	"github.com/rand/rlmrepl/internal/rlm/repl"
)

// ReadyLine is the first line a worker prints on stdout once listening.
type ReadyLine struct {
	Status  string `json:"status"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ParseAddress splits "unix:/path", "tcp:host:port" or a bare address into
// a network and address. Bare addresses containing a slash are unix paths.
func ParseAddress(s string) (network, address string) {
	switch {
	case strings.HasPrefix(s, "unix:"):
		return "unix", strings.TrimPrefix(s, "unix:")
	case strings.HasPrefix(s, "tcp:"):
		return "tcp", strings.TrimPrefix(s, "tcp:")
	case strings.Contains(s, "/"):
		return "unix", s
	}
	return "tcp", s
}

// FormatAddress is the inverse of ParseAddress.
func FormatAddress(addr net.Addr) string {
	return addr.Network() + ":" + addr.String()
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	BatchConcurrency int
	Logger           *slog.Logger
}

// Worker serves execute requests over framed connections. Each connection
// owns one interpreter namespace for its lifetime.
type Worker struct {
	ln     net.Listener
	cfg    WorkerConfig
	logger *slog.Logger

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[*protocol.Conn]struct{}
}

// NewWorker wraps a listener.
func NewWorker(ln net.Listener, cfg WorkerConfig) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		ln:     ln,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "worker"),
		conns:  make(map[*protocol.Conn]struct{}),
	}
}

// Addr returns the listening address.
func (w *Worker) Addr() net.Addr { return w.ln.Addr() }

// AnnounceReady writes the ready line to out.
func (w *Worker) AnnounceReady(out io.Writer) error {
	line, err := json.Marshal(ReadyLine{Status: "ready", Address: FormatAddress(w.ln.Addr())})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", line)
	return err
}

// Serve accepts connections until ctx is cancelled, then closes every open
// connection and waits for their handlers.
func (w *Worker) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { w.ln.Close() })
	defer stop()

	for {
		c, err := w.ln.Accept()
		if err != nil {
			w.closeAll()
			w.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		conn := protocol.NewConn(c)
		w.mu.Lock()
		w.conns[conn] = struct{}{}
		w.mu.Unlock()

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() {
				w.mu.Lock()
				delete(w.conns, conn)
				w.mu.Unlock()
			}()
			w.serveConn(ctx, conn)
		}()
	}
}

func (w *Worker) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for c := range w.conns {
		c.Close()
	}
}

// workerSession is the state of one accepted connection.
type workerSession struct {
	conn   *protocol.Conn
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	pending   map[string]chan *protocol.Message
	abandoned map[string]struct{}
}

func (w *Worker) serveConn(parent context.Context, conn *protocol.Conn) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	s := &workerSession{
		conn:      conn,
		logger:    w.logger,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]chan *protocol.Message),
		abandoned: make(map[string]struct{}),
	}
	interp := repl.New(repl.Options{
		Caller:           repl.CallerFunc(s.call),
		BatchConcurrency: w.cfg.BatchConcurrency,
		Logger:           w.logger,
	})

	jobs := make(chan *protocol.Message, 1)
	var execWG sync.WaitGroup
	execWG.Add(1)
	go func() {
		defer execWG.Done()
		for m := range jobs {
			s.execute(interp, m)
		}
	}()

	defer func() {
		close(jobs)
		conn.Close()
		execWG.Wait()
	}()

	for {
		m, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warn("Connection closed", "error", err)
			}
			cancel(err)
			return
		}
		switch m.Kind {
		case protocol.KindExecuteRequest:
			select {
			case jobs <- m:
			default:
				// Executions on a connection are serialized by the orchestrator.
				perr := &protocol.ProtocolError{Reason: "execute request while another is running", CorrelationID: m.CorrelationID}
				_ = conn.Send(protocol.NewError(m.CorrelationID, protocol.CodeProtocol, perr.Error()))
				cancel(perr)
				return
			}
		case protocol.KindCallResponse, protocol.KindError:
			if !s.deliver(m) {
				perr := &protocol.ProtocolError{Reason: "response for unknown call", CorrelationID: m.CorrelationID, Err: protocol.ErrUnknownCorrelation}
				s.logger.Warn("Dropping connection", "error", perr)
				cancel(perr)
				return
			}
		default:
			perr := &protocol.ProtocolError{Reason: fmt.Sprintf("unexpected %s from orchestrator", m.Kind), CorrelationID: m.CorrelationID}
			s.logger.Warn("Dropping connection", "error", perr)
			cancel(perr)
			return
		}
	}
}

func (s *workerSession) execute(interp *repl.Interpreter, m *protocol.Message) {
	var req protocol.ExecuteRequest
	if err := m.Decode(&req); err != nil {
		_ = s.conn.Send(protocol.NewError(m.CorrelationID, protocol.CodeProtocol, err.Error()))
		return
	}

	var restoreErr error
	if req.Prior != nil {
		restoreErr = interp.Restore(req.Prior)
	}

	out, err := interp.Execute(s.ctx, req.Code)
	if err != nil && s.ctx.Err() != nil {
		// The connection is gone; nobody is waiting for the result.
		return
	}
	resp := protocol.ExecuteResponse{
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		Locals:     interp.Capture(),
		DurationMS: out.Duration.Milliseconds(),
		Final:      out.Final,
	}
	if restoreErr != nil {
		resp.Stderr = restoreErr.Error() + "\n" + resp.Stderr
	}
	reply, merr := protocol.NewMessage(protocol.KindExecuteResponse, m.CorrelationID, resp)
	if merr != nil {
		reply = protocol.NewError(m.CorrelationID, protocol.CodeExecution, merr.Error())
	}
	if err := s.conn.Send(reply); err != nil {
		s.logger.Warn("Failed to send execute response", "error", err)
	}
}

// call sends a call-request and blocks until its response arrives.
func (s *workerSession) call(ctx context.Context, req protocol.CallRequest) (string, error) {
	id := uuid.NewString()
	ch := make(chan *protocol.Message, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	m, err := protocol.NewMessage(protocol.KindCallRequest, id, req)
	if err != nil {
		return "", err
	}
	if err := s.conn.Send(m); err != nil {
		return "", &TransportError{Op: "send call-request", Err: err}
	}

	start := time.Now()
	select {
	case reply := <-ch:
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
		s.logger.Debug("Call answered", "correlation_id", id, "duration", time.Since(start))
		return resp.Text, nil
	case <-ctx.Done():
		s.mu.Lock()
		s.abandoned[id] = struct{}{}
		s.mu.Unlock()
		return "", context.Cause(ctx)
	}
}

func (s *workerSession) deliver(m *protocol.Message) bool {
	s.mu.Lock()
	ch, ok := s.pending[m.CorrelationID]
	if ok {
		delete(s.pending, m.CorrelationID)
	}
	_, late := s.abandoned[m.CorrelationID]
	delete(s.abandoned, m.CorrelationID)
	s.mu.Unlock()
	if late && !ok {
		return true
	}
	if ok {
		ch <- m
	}
	return ok
}
