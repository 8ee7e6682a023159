package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ViolationRecord is one persisted violation.
type ViolationRecord struct {
	Stream     model.ViolationStream `json:"stream"`
	Count      int                   `json:"count"`
	Limit      int                   `json:"limit"`
	Terminated bool                  `json:"terminated"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// ProctorSessionRepository handles proctor session outcomes and the
// violation audit log.
type ProctorSessionRepository struct {
	pool *pgxpool.Pool
}

// NewProctorSessionRepository creates a new ProctorSessionRepository.
func NewProctorSessionRepository(pool *pgxpool.Pool) *ProctorSessionRepository {
	return &ProctorSessionRepository{pool: pool}
}

// Start inserts a new session row.
func (r *ProctorSessionRepository) Start(ctx context.Context, s *model.ProctorSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO proctor_sessions (id, candidate_id, assessment_id, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.CandidateID, s.AssessmentID, s.Status, s.StartedAt,
	)
	return err
}

// Finish records the terminal phase. Only the first terminal transition is
// kept.
func (r *ProctorSessionRepository) Finish(ctx context.Context, id uuid.UUID, status model.SessionPhase, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE proctor_sessions
		 SET status = $1, end_reason = $2, finished_at = $3
		 WHERE id = $4 AND finished_at IS NULL`,
		status, reason, time.Now(), id,
	)
	return err
}

// GetByID retrieves a session.
func (r *ProctorSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ProctorSession, error) {
	s := &model.ProctorSession{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, candidate_id, assessment_id, status, end_reason, started_at, finished_at
		 FROM proctor_sessions
		 WHERE id = $1`, id,
	).Scan(&s.ID, &s.CandidateID, &s.AssessmentID, &s.Status, &s.EndReason, &s.StartedAt, &s.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListByAssessment returns the sessions of an assessment, newest first.
func (r *ProctorSessionRepository) ListByAssessment(ctx context.Context, assessmentID string) ([]model.ProctorSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, candidate_id, assessment_id, status, end_reason, started_at, finished_at
		 FROM proctor_sessions
		 WHERE assessment_id = $1
		 ORDER BY started_at DESC`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ProctorSession
	for rows.Next() {
		var s model.ProctorSession
		if err := rows.Scan(&s.ID, &s.CandidateID, &s.AssessmentID, &s.Status, &s.EndReason, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListViolations returns the violation log of a session in order.
func (r *ProctorSessionRepository) ListViolations(ctx context.Context, sessionID uuid.UUID) ([]ViolationRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT stream, count, violation_limit, terminated, occurred_at
		 FROM proctor_violations
		 WHERE session_id = $1
		 ORDER BY occurred_at, count`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ViolationRecord
	for rows.Next() {
		var v ViolationRecord
		if err := rows.Scan(&v.Stream, &v.Count, &v.Limit, &v.Terminated, &v.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
