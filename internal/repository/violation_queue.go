package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationQueue pushes accepted violations onto the Redis list drained by
// the violation worker.
type ViolationQueue struct {
	rdb *redis.Client
}

// NewViolationQueue creates a new ViolationQueue.
func NewViolationQueue(rdb *redis.Client) *ViolationQueue {
	return &ViolationQueue{rdb: rdb}
}

// Publish enqueues one violation event.
func (q *ViolationQueue) Publish(ctx context.Context, ev model.ViolationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode violation: %w", err)
	}
	if err := q.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload).Err(); err != nil {
		return fmt.Errorf("enqueue violation: %w", err)
	}
	return nil
}
