// Package protocol defines the tagged messages exchanged across an
// execution-environment boundary and the length-prefixed frame codec used
// to carry them over byte streams.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/rand/rlmrepl/internal/rlm/state"
	"github.com/tidwall/gjson"
)

// Kind tags the payload carried by a Message.
type Kind string

const (
	KindExecuteRequest  Kind = "execute-request"
	KindExecuteResponse Kind = "execute-response"
	KindCallRequest     Kind = "call-request"
	KindCallResponse    Kind = "call-response"
	KindError           Kind = "error"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindExecuteRequest, KindExecuteResponse, KindCallRequest, KindCallResponse, KindError:
		return true
	}
	return false
}

// Message is the wire unit. Payload is decoded according to Kind.
type Message struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// NewMessage encodes payload into a message of the given kind.
func NewMessage(kind Kind, correlationID string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Message{Kind: kind, CorrelationID: correlationID, Payload: raw}, nil
}

// NewError builds an error message answering correlationID.
func NewError(correlationID string, code ErrorCode, msg string) *Message {
	m, _ := NewMessage(KindError, correlationID, ErrorPayload{Code: code, Message: msg})
	return m
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return &ProtocolError{Reason: fmt.Sprintf("%s message has no payload", m.Kind), CorrelationID: m.CorrelationID}
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("decode %s payload", m.Kind), CorrelationID: m.CorrelationID, Err: err}
	}
	return nil
}

// Parse decodes a message body. Unknown kinds and missing correlation ids
// are protocol errors.
func Parse(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, &ProtocolError{Reason: "malformed JSON body"}
	}
	kind := Kind(gjson.GetBytes(data, "kind").String())
	if !kind.Valid() {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ProtocolError{Reason: "decode message", Err: err}
	}
	if m.CorrelationID == "" {
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s message without correlation id", kind)}
	}
	return &m, nil
}

// CallMode selects how a sub-model call is served.
type CallMode string

const (
	// ModeAuto spawns a nested loop while depth allows and falls back to a
	// direct completion at the depth limit.
	ModeAuto CallMode = "auto"

	// ModeLoop always spawns a nested loop and fails past the depth limit.
	ModeLoop CallMode = "loop"
)

// CallKind records how a sub-call was actually served.
type CallKind string

const (
	CallCompletion CallKind = "completion"
	CallLoop       CallKind = "loop"
)

// ExecuteRequest asks the far side to run code.
type ExecuteRequest struct {
	Code      string          `json:"code"`
	SessionID string          `json:"session_id,omitempty"`
	Prior     *state.Snapshot `json:"prior,omitempty"`
}

// Final is an answer produced by FINAL or FINAL_VAR inside executed code.
type Final struct {
	Answer   string `json:"answer"`
	Variable string `json:"variable,omitempty"`
}

// ExecuteResponse carries captured output and the namespace afterwards.
type ExecuteResponse struct {
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	Locals     *state.Snapshot `json:"locals,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Final      *Final          `json:"final,omitempty"`
}

// CallRequest is raised by executing code that wants a completion.
type CallRequest struct {
	Prompt string   `json:"prompt"`
	Model  string   `json:"model,omitempty"`
	Mode   CallMode `json:"mode,omitempty"`
}

// Usage counts tokens for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// CallResponse answers a CallRequest.
type CallResponse struct {
	Text  string            `json:"text"`
	Model string            `json:"model,omitempty"`
	Kind  CallKind          `json:"kind,omitempty"`
	Depth int               `json:"depth"`
	Trace map[string]string `json:"trace,omitempty"`
	Usage Usage             `json:"usage"`
}

// ErrorPayload is the body of a KindError message.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	// Depth and MaxDepth are set for CodeDepthExceeded.
	Depth    int `json:"depth,omitempty"`
	MaxDepth int `json:"max_depth,omitempty"`
}

func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
