package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// SessionReader is the read side of the proctor session store.
type SessionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ProctorSession, error)
	ListByAssessment(ctx context.Context, assessmentID string) ([]model.ProctorSession, error)
	ListViolations(ctx context.Context, sessionID uuid.UUID) ([]repository.ViolationRecord, error)
}

// MonitorService serves recorded session outcomes to proctors.
type MonitorService struct {
	sessions SessionReader
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(sessions SessionReader) *MonitorService {
	return &MonitorService{sessions: sessions}
}

// SessionDetail is a session with its violation log.
type SessionDetail struct {
	Session    *model.ProctorSession        `json:"session"`
	Violations []repository.ViolationRecord `json:"violations"`
	// ViolationCounts is the highest recorded count per stream.
	ViolationCounts map[model.ViolationStream]int `json:"violation_counts"`
}

// GetSessionDetail fetches the session and its violations concurrently. The
// session is required; violations are best-effort.
func (s *MonitorService) GetSessionDetail(ctx context.Context, id uuid.UUID) (*SessionDetail, error) {
	var (
		session       *model.ProctorSession
		violations    []repository.ViolationRecord
		sessionErr    error
		violationsErr error
		wg            sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		session, sessionErr = s.sessions.GetByID(ctx, id)
	}()
	go func() {
		defer wg.Done()
		violations, violationsErr = s.sessions.ListViolations(ctx, id)
	}()
	wg.Wait()

	if sessionErr != nil {
		return nil, sessionErr
	}

	detail := &SessionDetail{
		Session:         session,
		Violations:      []repository.ViolationRecord{},
		ViolationCounts: make(map[model.ViolationStream]int),
	}
	if violationsErr == nil && violations != nil {
		detail.Violations = violations
		for _, v := range violations {
			if v.Count > detail.ViolationCounts[v.Stream] {
				detail.ViolationCounts[v.Stream] = v.Count
			}
		}
	}
	return detail, nil
}

// ListAssessmentSessions returns every recorded session of an assessment.
func (s *MonitorService) ListAssessmentSessions(ctx context.Context, assessmentID string) ([]model.ProctorSession, error) {
	sessions, err := s.sessions.ListByAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []model.ProctorSession{}
	}
	return sessions, nil
}
