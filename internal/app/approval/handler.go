package approval

import (
	"context"
	"encoding/json"

	"github.com/dennishilgert/stockade/pkg/channel"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/go-playground/validator/v10"
)

// Methods a guest may call on the host.
const (
	MethodRequestApproval = "request_approval"
	MethodPing            = "ping"
	MethodEcho            = "echo"
	MethodReportProgress  = "report_progress"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Progress is reported by the guest while it works on a task.
type Progress struct {
	Message string `json:"message"`
	Percent *int   `json:"percent,omitempty"`
}

type PingResult struct {
	Pong bool `json:"pong"`
}

// ChannelHandler serves the guest channel of one VM.
type ChannelHandler struct {
	vmID    string
	decider Decider
	log     logger.Logger
}

var _ channel.Handler = (*ChannelHandler)(nil)

func NewChannelHandler(vmID string, decider Decider) *ChannelHandler {
	return &ChannelHandler{
		vmID:    vmID,
		decider: decider,
		log:     log.WithFields(map[string]any{"vm": vmID}),
	}
}

func (h *ChannelHandler) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodPing:
		return PingResult{Pong: true}, nil
	case MethodEcho:
		return params, nil
	case MethodRequestApproval:
		return h.requestApproval(ctx, params)
	}
	return nil, channel.NewError(channel.CodeMethodNotFound, "method %q not found", method)
}

func (h *ChannelHandler) requestApproval(ctx context.Context, params json.RawMessage) (any, error) {
	var req Request
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, channel.NewError(channel.CodeInvalidParams, "malformed approval request: %v", err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, channel.NewError(channel.CodeInvalidParams, "invalid approval request: %v", err)
	}
	// the guest cannot speak for another vm
	req.VmID = h.vmID

	decision, err := h.decider.Decide(ctx, req)
	if err != nil {
		h.log.Errorf("approval for %s failed: %v", req.ActionType, err)
		return nil, channel.NewError(channel.CodeInternal, "approval failed: %v", err)
	}
	h.log.WithLogType(logger.LogTypeAudit).WithFields(map[string]any{
		"action":   req.ActionType,
		"approved": decision.Approved,
	}).Info("approval decided")
	return decision, nil
}

func (h *ChannelHandler) HandleNotification(ctx context.Context, method string, params json.RawMessage) error {
	if method != MethodReportProgress {
		h.log.Debugf("ignoring unknown notification %q", method)
		return nil
	}
	var progress Progress
	if err := json.Unmarshal(params, &progress); err != nil {
		return channel.NewError(channel.CodeInvalidParams, "malformed progress report: %v", err)
	}
	fields := map[string]any{}
	if progress.Percent != nil {
		fields["percent"] = *progress.Percent
	}
	// the connection logger of the channel server carries vm and connection
	logger.FromContextOrDefault(ctx).WithFields(fields).Infof("guest progress: %s", progress.Message)
	return nil
}
