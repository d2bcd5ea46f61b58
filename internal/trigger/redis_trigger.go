package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fetchdeck/internal/lifecycle"
)

// RedisTrigger hands work orders to the external worker fleet through
// per-action Redis ready lists. Workers BLPOP their action's list; this
// service only pushes.
type RedisTrigger struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisTrigger(client *redis.Client, keyPrefix string) *RedisTrigger {
	if keyPrefix == "" {
		keyPrefix = "work:ready:"
	}
	return &RedisTrigger{client: client, keyPrefix: keyPrefix}
}

func (t *RedisTrigger) readyKey(action string) string {
	return t.keyPrefix + action
}

// Dispatch pushes the order onto the action's ready list.
func (t *RedisTrigger) Dispatch(ctx context.Context, order lifecycle.WorkOrder) error {
	body, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal work order: %w", err)
	}
	if err := t.client.RPush(ctx, t.readyKey(order.Action), body).Err(); err != nil {
		return fmt.Errorf("push work order %s: %w", order.JobID, err)
	}
	return nil
}

// ReadyDepth reports how many undelivered orders sit in one action's list.
func (t *RedisTrigger) ReadyDepth(ctx context.Context, action string) (int64, error) {
	return t.client.LLen(ctx, t.readyKey(action)).Result()
}
