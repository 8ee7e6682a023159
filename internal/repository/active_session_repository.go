package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// ErrSessionHeld is returned when the candidate already streams from
// another connection.
var ErrSessionHeld = errors.New("candidate already has an active proctor session")

// releaseScript deletes the lock only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ActiveSessionRepository enforces one live proctor session per candidate.
type ActiveSessionRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewActiveSessionRepository creates a new ActiveSessionRepository. The lock
// expires after ttl unless refreshed.
func NewActiveSessionRepository(rdb *redis.Client, ttl time.Duration) *ActiveSessionRepository {
	return &ActiveSessionRepository{rdb: rdb, ttl: ttl}
}

// Acquire takes the candidate's lock for sessionID.
func (r *ActiveSessionRepository) Acquire(ctx context.Context, candidateID, sessionID string) error {
	ok, err := r.rdb.SetNX(ctx, config.CacheKey.ActiveSessionKey(candidateID), sessionID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		return ErrSessionHeld
	}
	return nil
}

// Refresh extends the lock while the connection is alive.
func (r *ActiveSessionRepository) Refresh(ctx context.Context, candidateID string) error {
	return r.rdb.Expire(ctx, config.CacheKey.ActiveSessionKey(candidateID), r.ttl).Err()
}

// Release frees the lock if sessionID still holds it.
func (r *ActiveSessionRepository) Release(ctx context.Context, candidateID, sessionID string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{config.CacheKey.ActiveSessionKey(candidateID)}, sessionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release session lock: %w", err)
	}
	return nil
}
