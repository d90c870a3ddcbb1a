package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
)

// Health answers GET /health.
type Health struct {
	Status       string `json:"status"`
	Jobs         int    `json:"jobs"`
	PendingCalls int    `json:"pending_calls"`
}

type errorBody struct {
	Error string `json:"error"`
}

type outcomeBody struct {
	Outcome Outcome `json:"outcome"`
}

// Handlers serves the broker HTTP surface over a Queue.
type Handlers struct {
	q      *Queue
	logger *slog.Logger
}

// NewHandlers creates handlers for q.
func NewHandlers(q *Queue, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{q: q, logger: logger.With("component", "broker")}
}

// RegisterRoutes mounts every broker endpoint on r.
func RegisterRoutes(r gin.IRouter, h *Handlers) {
	// Orchestrator side.
	r.POST("/execute", h.HandleSubmit)
	r.GET("/execute/:handle", h.HandleStatus)
	r.DELETE("/execute/:handle", h.HandleCancel)
	r.GET("/calls/pending", h.HandlePending)
	r.POST("/calls/:id/response", h.HandleRespond)

	// Sandbox side.
	r.POST("/execute/claim", h.HandleClaim)
	r.POST("/execute/:handle/result", h.HandleResult)
	r.POST("/calls", h.HandlePostCall)
	r.GET("/calls/:id", h.HandleReply)
	r.DELETE("/calls/:id", h.HandleAbandon)

	r.GET("/health", h.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// NewEngine builds a gin engine with recovery, metrics and every route.
func NewEngine(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), instrument())
	RegisterRoutes(r, h)
	return r
}

// HandleSubmit enqueues code for the sandbox.
//
// POST /execute
func (h *Handlers) HandleSubmit(c *gin.Context) {
	var req protocol.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	handle := h.q.Submit(req)
	h.logger.Debug("Job submitted", "handle", handle, "session_id", req.SessionID)
	c.JSON(http.StatusAccepted, SubmitResponse{Handle: handle})
}

// HandleStatus reports a job's status and, once done, its result.
//
// GET /execute/{handle}
func (h *Handlers) HandleStatus(c *gin.Context) {
	st, err := h.q.Status(c.Param("handle"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleCancel abandons a job and its unanswered calls.
//
// DELETE /execute/{handle}
func (h *Handlers) HandleCancel(c *gin.Context) {
	if err := h.q.Cancel(c.Param("handle")); err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandlePending lists calls waiting for an answer, optionally filtered by
// the handle query parameter.
//
// GET /calls/pending
func (h *Handlers) HandlePending(c *gin.Context) {
	calls := h.q.Pending(c.Query("handle"))
	if calls == nil {
		calls = []PendingCall{}
	}
	c.JSON(http.StatusOK, calls)
}

// HandleRespond stores the answer to a call.
//
// POST /calls/{id}/response
func (h *Handlers) HandleRespond(c *gin.Context) {
	var m protocol.Message
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	out, err := h.q.Respond(c.Param("id"), &m)
	switch {
	case errors.Is(err, ErrUnknownCall):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if out != OutcomeAccepted {
		h.logger.Debug("Call response ignored", "id", c.Param("id"), "outcome", out)
	}
	c.JSON(http.StatusOK, outcomeBody{Outcome: out})
}

// HandleClaim hands the oldest queued job to the sandbox.
//
// POST /execute/claim
func (h *Handlers) HandleClaim(c *gin.Context) {
	j, ok := h.q.Claim()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, j)
}

// HandleResult stores a finished job's result.
//
// POST /execute/{handle}/result
func (h *Handlers) HandleResult(c *gin.Context) {
	var res JobResult
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	out, err := h.q.Complete(c.Param("handle"), res)
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, outcomeBody{Outcome: out})
}

// HandlePostCall registers a call raised by running code.
//
// POST /calls
func (h *Handlers) HandlePostCall(c *gin.Context) {
	var sub CallSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if sub.ID == "" || sub.Handle == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "id and handle are required"})
		return
	}
	if err := h.q.PostCall(sub); err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

// HandleReply returns a call's answer: 200 with the message once
// answered, 202 while pending, 410 once abandoned.
//
// GET /calls/{id}
func (h *Handlers) HandleReply(c *gin.Context) {
	st, reply, err := h.q.Reply(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	switch st {
	case CallAnswered:
		c.JSON(http.StatusOK, reply)
	case CallAbandoned:
		c.JSON(http.StatusGone, errorBody{Error: "call abandoned"})
	default:
		c.Status(http.StatusAccepted)
	}
}

// HandleAbandon marks a call as no longer awaited by the sandbox.
//
// DELETE /calls/{id}
func (h *Handlers) HandleAbandon(c *gin.Context) {
	if err := h.q.Abandon(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleHealth reports liveness and queue depth.
//
// GET /health
func (h *Handlers) HandleHealth(c *gin.Context) {
	jobs, calls := h.q.Stats()
	c.JSON(http.StatusOK, Health{Status: "ok", Jobs: jobs, PendingCalls: calls})
}

// Server runs the broker over HTTP.
type Server struct {
	q      *Queue
	engine *gin.Engine
	logger *slog.Logger
}

// NewServer creates a broker server over a fresh queue.
func NewServer(cfg QueueConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	q := NewQueue(cfg)
	return &Server{
		q:      q,
		engine: NewEngine(NewHandlers(q, logger)),
		logger: logger.With("component", "broker"),
	}
}

// Queue returns the server's queue.
func (s *Server) Queue() *Queue { return s.q }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve accepts on ln until ctx is cancelled, sweeping settled entries in
// the background, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		t := time.NewTicker(s.q.cfg.Retention / 4)
		defer t.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-t.C:
				if n := s.q.Sweep(); n > 0 {
					s.logger.Debug("Swept settled entries", "count", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("Broker listening", "address", ln.Addr().String())

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err = srv.Shutdown(shutdownCtx)
		cancel()
	}
	stopSweep()
	<-sweepDone
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
