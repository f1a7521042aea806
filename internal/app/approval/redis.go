package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dennishilgert/stockade/internal/pkg/naming"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultDecisionTimeout = 5 * time.Minute

// listQueue is the part of the redis client the decider needs.
type listQueue interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// RedisDecider hands requests to an external reviewer through redis lists.
// Requests are pushed onto a shared pending list, the decision is awaited on
// a list named after the request id. No decision in time is a denial.
type RedisDecider struct {
	queue   listQueue
	timeout time.Duration
}

func NewRedisDecider(client *redis.Client, timeout time.Duration) *RedisDecider {
	return newRedisDecider(client, timeout)
}

func newRedisDecider(queue listQueue, timeout time.Duration) *RedisDecider {
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}
	return &RedisDecider{queue: queue, timeout: timeout}
}

func (d *RedisDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to encode approval request: %w", err)
	}
	if err := d.queue.LPush(ctx, naming.ApprovalPendingListKey, data).Err(); err != nil {
		return Decision{}, fmt.Errorf("failed to submit approval request: %w", err)
	}
	log.WithFields(map[string]any{"request": req.ID, "vm": req.VmID}).Infof("approval requested for %s", req.ActionType)

	res, err := d.queue.BLPop(ctx, d.timeout, naming.ApprovalDecisionKey(req.ID)).Result()
	if errors.Is(err, redis.Nil) {
		return deny("no decision within %s", d.timeout), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to wait for approval decision: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected reply while waiting for decision: %v", res)
	}

	var decision Decision
	if err := json.Unmarshal([]byte(res[1]), &decision); err != nil {
		return Decision{}, fmt.Errorf("malformed approval decision: %w", err)
	}
	return decision, nil
}
