package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

var violationColumns = []string{
	"session_id", "candidate_id", "assessment_id", "stream",
	"count", "violation_limit", "terminated", "occurred_at",
}

// ViolationWorker drains the violation queue into the proctor_violations
// audit table in batches.
type ViolationWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewViolationWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "violation_worker").Logger(),
	}
}

// Start blocks until ctx is cancelled, then flushes what is buffered.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*model.ViolationEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlushTime = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// BLPop returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var ev model.ViolationEvent
		if err := json.Unmarshal([]byte(result[1]), &ev); err != nil {
			// Malformed payloads can never succeed.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed violation")
			continue
		}
		buffer = append(buffer, &ev)
	}
}

// flushSafe attempts a bulk copy, then row-by-row insert, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*model.ViolationEvent) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Violations persisted")
}

func (w *ViolationWorker) bulkInsert(ctx context.Context, batch []*model.ViolationEvent) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		sessionID, err := uuid.Parse(ev.SessionID)
		if err != nil {
			// Fallback handles the bad id individually.
			return err
		}
		rows = append(rows, violationRow(sessionID, ev))
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctor_violations"},
		violationColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*model.ViolationEvent) {
	requeueList := make([]*model.ViolationEvent, 0)

	for _, ev := range batch {
		sessionID, err := uuid.Parse(ev.SessionID)
		if err != nil {
			w.log.Error().Str("session_id", ev.SessionID).Msg("Dropping violation with invalid session id")
			continue
		}

		_, err = w.pool.Exec(ctx,
			`INSERT INTO proctor_violations
			 (session_id, candidate_id, assessment_id, stream, count, violation_limit, terminated, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (session_id, stream, count) DO NOTHING`,
			violationRow(sessionID, ev)...,
		)
		if err != nil {
			w.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, ev)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*model.ViolationEvent) {
	pipe := w.rdb.Pipeline()
	for _, ev := range items {
		data, _ := json.Marshal(ev)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violations to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed violations back to Redis")
	// Avoid thrashing while the DB is down.
	sleep(ctx, 2*time.Second)
}

func (w *ViolationWorker) shutdown(buffer []*model.ViolationEvent) {
	w.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

func violationRow(sessionID uuid.UUID, ev *model.ViolationEvent) []interface{} {
	return []interface{}{
		sessionID, ev.CandidateID, ev.AssessmentID, string(ev.Stream),
		ev.Count, ev.Limit, ev.Terminated, ev.OccurredAt,
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
