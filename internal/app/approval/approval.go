package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/dennishilgert/stockade/pkg/logger"
)

var log = logger.NewLogger("stockade.approval")

// Request asks a human or a policy whether the guest may perform an action.
type Request struct {
	ID          string   `json:"id,omitempty"`
	VmID        string   `json:"vmId,omitempty"`
	ActionType  string   `json:"actionType" validate:"required,max=128"`
	Description string   `json:"description" validate:"required"`
	Changes     []string `json:"changes,omitempty"`
}

type Decision struct {
	Approved bool    `json:"approved"`
	Reason   *string `json:"reason,omitempty"`
}

func approve() Decision {
	return Decision{Approved: true}
}

func deny(format string, args ...any) Decision {
	reason := fmt.Sprintf(format, args...)
	return Decision{Approved: false, Reason: &reason}
}

// Decider decides approval requests. Errors mean no decision could be made.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// StaticDecider approves allow-listed action types and denies everything
// else.
type StaticDecider struct {
	allowed map[string]struct{}
}

func NewStaticDecider(allowedActions []string) *StaticDecider {
	allowed := make(map[string]struct{}, len(allowedActions))
	for _, action := range allowedActions {
		if action = strings.TrimSpace(action); action != "" {
			allowed[action] = struct{}{}
		}
	}
	return &StaticDecider{allowed: allowed}
}

func (d *StaticDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	if _, ok := d.allowed[req.ActionType]; ok {
		return approve(), nil
	}
	return deny("action type %q is not allowed by policy", req.ActionType), nil
}
