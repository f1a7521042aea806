// Package channel implements the host/guest message channel of a micro-VM.
//
// Every message is a JSON document framed by a 4 byte big-endian length
// prefix. A message is one of three kinds: a request that expects exactly one
// response with the same id, the response itself, or a fire and forget
// notification.
package channel

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the message union.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// Error codes follow the JSON-RPC 2.0 reserved range.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Message is a single protocol message. Which fields are set depends on Kind.
type Message struct {
	Kind   Kind            `json:"kind"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the error payload of a failed request.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("channel error %d: %s", e.Code, e.Message)
}

// NewError creates an Error that handlers can return to control the code of
// the error response.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRequest creates a request message.
func NewRequest(id string, method string, params any) (*Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params of %s: %w", method, err)
	}
	return &Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification creates a notification message.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params of %s: %w", method, err)
	}
	return &Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResponse creates a successful response. A nil result is encoded as an
// absent result.
func NewResponse(id string, result any) (*Message, error) {
	raw, err := marshalOptional(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result of %s: %w", id, err)
	}
	return &Message{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(id string, code int, message string) *Message {
	return &Message{Kind: KindResponse, ID: id, Error: &Error{Code: code, Message: message}}
}

// Validate checks that the fields required by the kind are present.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindRequest:
		if m.ID == "" || m.Method == "" {
			return fmt.Errorf("%w: request needs id and method", ErrMalformedMessage)
		}
	case KindResponse:
		if m.ID == "" {
			return fmt.Errorf("%w: response needs id", ErrMalformedMessage)
		}
		if m.Error != nil && len(m.Result) > 0 {
			return fmt.Errorf("%w: response carries result and error", ErrMalformedMessage)
		}
	case KindNotification:
		if m.Method == "" {
			return fmt.Errorf("%w: notification needs method", ErrMalformedMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, m.Kind)
	}
	return nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
