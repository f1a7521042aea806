package channel

import (
	"context"
	"encoding/json"
)

// Handler serves the messages a guest sends to the host.
type Handler interface {
	// HandleRequest returns the result of a request. The result is encoded
	// as JSON. Returning an *Error controls the error code of the response.
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)

	// HandleNotification processes a notification. Errors are logged only.
	HandleNotification(ctx context.Context, method string, params json.RawMessage) error
}

// HandlerFuncs adapts plain functions to a Handler. Nil functions reject
// every request with CodeMethodNotFound and ignore notifications.
type HandlerFuncs struct {
	Request      func(ctx context.Context, method string, params json.RawMessage) (any, error)
	Notification func(ctx context.Context, method string, params json.RawMessage) error
}

func (h HandlerFuncs) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if h.Request == nil {
		return nil, NewError(CodeMethodNotFound, "method %q not found", method)
	}
	return h.Request(ctx, method, params)
}

func (h HandlerFuncs) HandleNotification(ctx context.Context, method string, params json.RawMessage) error {
	if h.Notification == nil {
		return nil
	}
	return h.Notification(ctx, method, params)
}
