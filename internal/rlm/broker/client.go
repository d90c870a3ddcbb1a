package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
)

var (
	// ErrCallPending means the call has not been answered yet.
	ErrCallPending = errors.New("call not answered yet")

	// ErrCallAbandoned means the call will never be answered.
	ErrCallAbandoned = errors.New("call abandoned")
)

// StatusError is a non-success HTTP response from the broker.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker %s %s: %d %s", e.Method, e.Path, e.Code, strings.TrimSpace(e.Body))
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// IsTemporary reports whether err is a network failure or a retryable
// broker status.
func IsTemporary(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// Client talks to a broker. One client serves both the orchestrator side
// and the sandbox side.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the broker at baseURL. A nil hc uses a
// client with a 30s timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Submit enqueues code and returns its handle.
func (c *Client) Submit(ctx context.Context, req protocol.ExecuteRequest) (string, error) {
	var out SubmitResponse
	if _, err := c.do(ctx, http.MethodPost, "/execute", req, &out, http.StatusAccepted); err != nil {
		return "", err
	}
	return out.Handle, nil
}

// Status fetches a job's status.
func (c *Client) Status(ctx context.Context, handle string) (*ExecuteStatus, error) {
	var out ExecuteStatus
	if _, err := c.do(ctx, http.MethodGet, "/execute/"+url.PathEscape(handle), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel abandons a job.
func (c *Client) Cancel(ctx context.Context, handle string) error {
	_, err := c.do(ctx, http.MethodDelete, "/execute/"+url.PathEscape(handle), nil, nil, http.StatusNoContent)
	return err
}

// Pending lists unanswered calls raised by the job with the given handle.
func (c *Client) Pending(ctx context.Context, handle string) ([]PendingCall, error) {
	var out []PendingCall
	path := "/calls/pending"
	if handle != "" {
		path += "?handle=" + url.QueryEscape(handle)
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

// Respond posts the answer to a call.
func (c *Client) Respond(ctx context.Context, id string, m *protocol.Message) (Outcome, error) {
	var out outcomeBody
	if _, err := c.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(id)+"/response", m, &out, http.StatusOK); err != nil {
		return "", err
	}
	return out.Outcome, nil
}

// Claim takes the oldest queued job. It returns nil when none is queued.
func (c *Client) Claim(ctx context.Context) (*ClaimedJob, error) {
	var out ClaimedJob
	code, err := c.do(ctx, http.MethodPost, "/execute/claim", nil, &out, http.StatusOK, http.StatusNoContent)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// Complete posts a finished job's result.
func (c *Client) Complete(ctx context.Context, handle string, res JobResult) (Outcome, error) {
	var out outcomeBody
	if _, err := c.do(ctx, http.MethodPost, "/execute/"+url.PathEscape(handle)+"/result", res, &out, http.StatusOK); err != nil {
		return "", err
	}
	return out.Outcome, nil
}

// PostCall raises a call for a running job.
func (c *Client) PostCall(ctx context.Context, sub CallSubmission) error {
	_, err := c.do(ctx, http.MethodPost, "/calls", sub, nil, http.StatusAccepted)
	return err
}

// Reply fetches a call's answer, returning ErrCallPending until it is
// answered and ErrCallAbandoned if it never will be.
func (c *Client) Reply(ctx context.Context, id string) (*protocol.Message, error) {
	var out protocol.Message
	code, err := c.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(id), nil, &out, http.StatusOK, http.StatusAccepted, http.StatusGone)
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusAccepted:
		return nil, ErrCallPending
	case http.StatusGone:
		return nil, ErrCallAbandoned
	}
	return &out, nil
}

// Abandon tells the broker a call is no longer awaited.
func (c *Client) Abandon(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/calls/"+url.PathEscape(id), nil, nil, http.StatusNoContent)
	return err
}

// Health fetches the broker's health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a JSON request and decodes a JSON response into out when the
// status is 2xx. Any status outside ok is a StatusError.
func (c *Client) do(ctx context.Context, method, path string, in, out any, ok ...int) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxFrameSize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	accepted := false
	for _, code := range ok {
		if resp.StatusCode == code {
			accepted = true
			break
		}
	}
	if !accepted {
		return resp.StatusCode, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(data)}
	}
	if out != nil && resp.StatusCode < 300 && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
