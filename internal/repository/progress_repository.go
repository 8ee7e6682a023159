package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ProgressRepository stores "resume where I left off" markers in Redis:
// the last cursor as a JSON string and frozen section snapshots as a hash.
type ProgressRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewProgressRepository creates a new ProgressRepository. Markers expire
// after ttl of inactivity.
func NewProgressRepository(rdb *redis.Client, ttl time.Duration) *ProgressRepository {
	return &ProgressRepository{rdb: rdb, ttl: ttl}
}

// LoadCursor returns the saved cursor, or nil if none exists.
func (r *ProgressRepository) LoadCursor(ctx context.Context, assessmentID, candidateID string) (*model.Cursor, error) {
	raw, err := r.rdb.Get(ctx, config.CacheKey.ResumeMarkerKey(assessmentID, candidateID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cursor: %w", err)
	}

	var c model.Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return &c, nil
}

// SaveCursor overwrites the saved cursor and refreshes its TTL.
func (r *ProgressRepository) SaveCursor(ctx context.Context, assessmentID, candidateID string, c model.Cursor) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	if err := r.rdb.Set(ctx, config.CacheKey.ResumeMarkerKey(assessmentID, candidateID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// LoadCompleted returns the frozen snapshots of completed sections.
func (r *ProgressRepository) LoadCompleted(ctx context.Context, assessmentID, candidateID string) ([]model.SectionProgress, error) {
	fields, err := r.rdb.HGetAll(ctx, config.CacheKey.CompletedSectionsKey(assessmentID, candidateID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get completed sections: %w", err)
	}

	out := make([]model.SectionProgress, 0, len(fields))
	for sectionID, raw := range fields {
		var p model.SectionProgress
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		p.SectionID = sectionID
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SectionID < out[j].SectionID })
	return out, nil
}

// SaveCompleted records a frozen snapshot. An existing snapshot for the same
// section is never overwritten.
func (r *ProgressRepository) SaveCompleted(ctx context.Context, assessmentID, candidateID string, p model.SectionProgress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode section progress: %w", err)
	}

	key := config.CacheKey.CompletedSectionsKey(assessmentID, candidateID)
	pipe := r.rdb.TxPipeline()
	pipe.HSetNX(ctx, key, p.SectionID, raw)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save completed section: %w", err)
	}
	return nil
}

// Clear removes every marker once the assessment is submitted.
func (r *ProgressRepository) Clear(ctx context.Context, assessmentID, candidateID string) error {
	err := r.rdb.Del(ctx,
		config.CacheKey.ResumeMarkerKey(assessmentID, candidateID),
		config.CacheKey.CompletedSectionsKey(assessmentID, candidateID),
	).Err()
	if err != nil {
		return fmt.Errorf("clear markers: %w", err)
	}
	return nil
}
