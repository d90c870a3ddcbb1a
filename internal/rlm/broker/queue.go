// Package broker relays execute jobs and sub-model calls between an
// orchestrator and an isolated sandbox over plain HTTP polling.
//
// The orchestrator submits code and answers calls; the sandbox claims code,
// runs it, and raises calls. Neither side connects to the other directly.
package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
)

// JobStatus is the lifecycle of an execute job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusDone      JobStatus = "done"
	StatusCancelled JobStatus = "cancelled"
)

// CallState is the lifecycle of a relayed call.
type CallState string

const (
	CallPending   CallState = "pending"
	CallAnswered  CallState = "answered"
	CallAbandoned CallState = "abandoned"
)

// Outcome says what happened to a posted call response.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDiscarded Outcome = "discarded"
)

var (
	ErrUnknownJob  = errors.New("unknown execute handle")
	ErrUnknownCall = errors.New("unknown call id")
	ErrBadResponse = errors.New("call response must be a call-response or error message")
)

// SubmitResponse answers POST /execute.
type SubmitResponse struct {
	Handle string `json:"handle"`
}

// ExecuteStatus answers GET /execute/{handle}.
type ExecuteStatus struct {
	Handle   string                    `json:"handle"`
	Status   JobStatus                 `json:"status"`
	Response *protocol.ExecuteResponse `json:"response,omitempty"`
	Error    *protocol.ErrorPayload    `json:"error,omitempty"`
}

// Done reports whether the job reached a terminal status.
func (s *ExecuteStatus) Done() bool {
	return s.Status == StatusDone || s.Status == StatusCancelled
}

// ClaimedJob answers POST /execute/claim.
type ClaimedJob struct {
	Handle  string                  `json:"handle"`
	Request protocol.ExecuteRequest `json:"request"`
}

// JobResult is posted by the sandbox when a job finishes.
type JobResult struct {
	Response *protocol.ExecuteResponse `json:"response,omitempty"`
	Error    *protocol.ErrorPayload    `json:"error,omitempty"`
}

// CallSubmission is posted by the sandbox to raise a call. ID is chosen by
// the sandbox, so reposting the same submission is harmless.
type CallSubmission struct {
	ID      string               `json:"id"`
	Handle  string               `json:"handle"`
	Request protocol.CallRequest `json:"request"`
}

// PendingCall is one entry of GET /calls/pending.
type PendingCall struct {
	ID      string               `json:"id"`
	Handle  string               `json:"handle"`
	Request protocol.CallRequest `json:"request"`
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	// CallLease is how long a delivered call stays hidden from
	// GET /calls/pending before it is delivered again.
	CallLease time.Duration

	// Retention is how long finished jobs and calls are kept.
	Retention time.Duration
}

// DefaultQueueConfig returns the default queue settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		CallLease: 30 * time.Second,
		Retention: 10 * time.Minute,
	}
}

type job struct {
	handle  string
	req     protocol.ExecuteRequest
	status  JobStatus
	result  JobResult
	updated time.Time
}

type call struct {
	id         string
	handle     string
	req        protocol.CallRequest
	state      CallState
	deliveries int
	leaseUntil time.Time
	reply      *protocol.Message
	updated    time.Time
}

// Queue holds execute jobs and calls in memory. It is safe for concurrent
// use.
type Queue struct {
	cfg QueueConfig
	now func() time.Time

	mu     sync.Mutex
	jobs   map[string]*job
	queued []string
	calls  map[string]*call
}

// NewQueue creates an empty queue.
func NewQueue(cfg QueueConfig) *Queue {
	def := DefaultQueueConfig()
	if cfg.CallLease <= 0 {
		cfg.CallLease = def.CallLease
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Queue{
		cfg:   cfg,
		now:   time.Now,
		jobs:  make(map[string]*job),
		calls: make(map[string]*call),
	}
}

// Submit enqueues an execute job and returns its handle.
func (q *Queue) Submit(req protocol.ExecuteRequest) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := uuid.NewString()
	q.jobs[h] = &job{handle: h, req: req, status: StatusQueued, updated: q.now()}
	q.queued = append(q.queued, h)
	jobEvents.WithLabelValues("submitted").Inc()
	return h
}

// Status reports a job's state.
func (q *Queue) Status(handle string) (*ExecuteStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[handle]
	if !ok {
		return nil, ErrUnknownJob
	}
	return &ExecuteStatus{
		Handle:   handle,
		Status:   j.status,
		Response: j.result.Response,
		Error:    j.result.Error,
	}, nil
}

// Claim hands the oldest queued job to the sandbox. Claimed jobs are never
// redelivered: running code twice is not safe.
func (q *Queue) Claim() (*ClaimedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.queued) > 0 {
		h := q.queued[0]
		q.queued = q.queued[1:]
		j, ok := q.jobs[h]
		if !ok || j.status != StatusQueued {
			continue
		}
		j.status = StatusRunning
		j.updated = q.now()
		jobEvents.WithLabelValues("claimed").Inc()
		return &ClaimedJob{Handle: h, Request: j.req}, true
	}
	return nil, false
}

// Complete stores a job's result. Results for cancelled jobs are
// discarded.
func (q *Queue) Complete(handle string, res JobResult) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[handle]
	if !ok {
		return "", ErrUnknownJob
	}
	switch j.status {
	case StatusCancelled:
		return OutcomeDiscarded, nil
	case StatusDone:
		return OutcomeDuplicate, nil
	}
	j.status = StatusDone
	j.result = res
	j.updated = q.now()
	jobEvents.WithLabelValues("completed").Inc()
	return OutcomeAccepted, nil
}

// Cancel abandons a job and every unanswered call it raised.
func (q *Queue) Cancel(handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[handle]
	if !ok {
		return ErrUnknownJob
	}
	if j.status == StatusDone || j.status == StatusCancelled {
		return nil
	}
	j.status = StatusCancelled
	j.updated = q.now()
	for _, c := range q.calls {
		if c.handle == handle && c.state == CallPending {
			c.state = CallAbandoned
			c.updated = j.updated
		}
	}
	jobEvents.WithLabelValues("cancelled").Inc()
	return nil
}

// PostCall registers a call raised by a running job.
func (q *Queue) PostCall(sub CallSubmission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[sub.Handle]
	if !ok {
		return ErrUnknownJob
	}
	if _, exists := q.calls[sub.ID]; exists {
		return nil
	}
	st := CallPending
	if j.status == StatusCancelled {
		st = CallAbandoned
	}
	q.calls[sub.ID] = &call{id: sub.ID, handle: sub.Handle, req: sub.Request, state: st, updated: q.now()}
	callEvents.WithLabelValues("posted").Inc()
	return nil
}

// Pending returns unanswered calls whose delivery lease has lapsed, for
// one handle or (when handle is empty) all handles, and leases them.
func (q *Queue) Pending(handle string) []PendingCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var out []PendingCall
	for _, c := range q.calls {
		if c.state != CallPending || (handle != "" && c.handle != handle) {
			continue
		}
		if now.Before(c.leaseUntil) {
			continue
		}
		c.leaseUntil = now.Add(q.cfg.CallLease)
		c.deliveries++
		if c.deliveries > 1 {
			callEvents.WithLabelValues("redelivered").Inc()
		} else {
			callEvents.WithLabelValues("delivered").Inc()
		}
		out = append(out, PendingCall{ID: c.id, Handle: c.handle, Request: c.req})
	}
	return out
}

// Respond stores the answer to a call. A second answer is accepted and
// ignored; answers to abandoned calls are discarded.
func (q *Queue) Respond(id string, m *protocol.Message) (Outcome, error) {
	if m == nil || (m.Kind != protocol.KindCallResponse && m.Kind != protocol.KindError) {
		return "", ErrBadResponse
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.calls[id]
	if !ok {
		return "", ErrUnknownCall
	}
	switch c.state {
	case CallAnswered:
		callEvents.WithLabelValues("duplicate").Inc()
		return OutcomeDuplicate, nil
	case CallAbandoned:
		callEvents.WithLabelValues("discarded").Inc()
		return OutcomeDiscarded, nil
	}
	m.CorrelationID = id
	c.state = CallAnswered
	c.reply = m
	c.updated = q.now()
	callEvents.WithLabelValues("answered").Inc()
	return OutcomeAccepted, nil
}

// Reply returns a call's state and, once answered, its reply.
func (q *Queue) Reply(id string) (CallState, *protocol.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.calls[id]
	if !ok {
		return "", nil, ErrUnknownCall
	}
	return c.state, c.reply, nil
}

// Abandon marks a call as no longer awaited.
func (q *Queue) Abandon(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.calls[id]
	if !ok {
		return ErrUnknownCall
	}
	if c.state == CallPending {
		c.state = CallAbandoned
		c.updated = q.now()
	}
	return nil
}

// Sweep drops finished jobs and settled calls older than the retention
// window and returns how many entries were removed.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-q.cfg.Retention)
	n := 0
	for h, j := range q.jobs {
		if (j.status == StatusDone || j.status == StatusCancelled) && j.updated.Before(cutoff) {
			delete(q.jobs, h)
			n++
		}
	}
	for id, c := range q.calls {
		if c.state != CallPending && c.updated.Before(cutoff) {
			delete(q.calls, id)
			n++
		}
	}
	q.updateGauges()
	return n
}

// Stats counts live jobs and unanswered calls.
func (q *Queue) Stats() (jobs, pendingCalls int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countLocked()
}

func (q *Queue) countLocked() (jobs, pendingCalls int) {
	for _, j := range q.jobs {
		if j.status == StatusQueued || j.status == StatusRunning {
			jobs++
		}
	}
	for _, c := range q.calls {
		if c.state == CallPending {
			pendingCalls++
		}
	}
	return jobs, pendingCalls
}

func (q *Queue) updateGauges() {
	jobs, calls := q.countLocked()
	queueDepth.WithLabelValues("jobs").Set(float64(jobs))
	queueDepth.WithLabelValues("calls").Set(float64(calls))
}
