package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/loop"
	"github.com/stemsi/exstem-proctor/internal/media"
)

const (
	// eventBuffer is how many shell events may queue before the loop waits
	// on the connection writer.
	eventBuffer = 256
	// shutdownGrace bounds how long answer writes may finish after a session
	// closes.
	shutdownGrace = 5 * time.Second
	lockRefresh   = time.Minute
)

// SessionLock enforces one live session per candidate.
type SessionLock interface {
	Acquire(ctx context.Context, candidateID, sessionID string) error
	Refresh(ctx context.Context, candidateID string) error
	Release(ctx context.Context, candidateID, sessionID string) error
}

// APIFactory builds an assessment API client bound to a bearer token.
type APIFactory func(token string) (AssessmentAPI, error)

// ProctorService opens live proctor sessions.
type ProctorService struct {
	cfg        *config.Config
	newAPI     APIFactory
	progress   ProgressStore
	violations ViolationSink
	outcomes   OutcomeRecorder
	locks      SessionLock
	log        zerolog.Logger
}

// NewProctorService creates a new ProctorService. progress, violations,
// outcomes and locks may be nil.
func NewProctorService(
	cfg *config.Config,
	newAPI APIFactory,
	progress ProgressStore,
	violations ViolationSink,
	outcomes OutcomeRecorder,
	locks SessionLock,
	log zerolog.Logger,
) *ProctorService {
	return &ProctorService{
		cfg:        cfg,
		newAPI:     newAPI,
		progress:   progress,
		violations: violations,
		outcomes:   outcomes,
		locks:      locks,
		log:        log.With().Str("component", "proctor_service").Logger(),
	}
}

// Open creates and starts the session loop for a verified candidate. The
// caller must drain Events and call Close.
func (s *ProctorService) Open(ctx context.Context, candidateID, assessmentID, token string) (*LiveSession, error) {
	id := uuid.New()
	if s.locks != nil {
		if err := s.locks.Acquire(ctx, candidateID, id.String()); err != nil {
			return nil, err
		}
	}

	log := logger.ForSession(s.log, id.String(), candidateID, assessmentID)
	ls := &LiveSession{
		ID:          id,
		candidateID: candidateID,
		events:      make(chan Event, eventBuffer),
		locks:       s.locks,
		log:         log,
	}
	ls.loop = loop.New(context.Background(), 64)

	var api AssessmentAPI
	if token != "" {
		var err error
		api, err = s.newAPI(token)
		if err != nil {
			ls.releaseLock()
			return nil, fmt.Errorf("create assessment client: %w", err)
		}
	}

	ls.capture = media.NewRemoteCapture(func() {
		ls.emit(Event{Name: EventCommand, Data: map[string]Command{"command": CommandStopCapture}})
	})
	ls.orch = NewSessionOrchestrator(Identity{
		SessionID:    id,
		CandidateID:  candidateID,
		AssessmentID: assessmentID,
		Token:        token,
	}, s.cfg.Proctor, OrchestratorDeps{
		API:        api,
		Progress:   s.progress,
		Violations: s.violations,
		Outcomes:   s.outcomes,
		Capture:    ls.capture,
		Exec:       ls.loop,
		Emit:       ls.emit,
		Log:        log,
	})

	go ls.loop.Run()
	if s.locks != nil {
		go ls.refreshLock()
	}
	log.Info().Msg("Proctor session opened")
	return ls, nil
}

// LiveSession is one candidate's running session: its loop, orchestrator
// and the event stream for the shell.
type LiveSession struct {
	ID uuid.UUID

	candidateID string
	loop        *loop.Loop
	orch        *SessionOrchestrator
	capture     *media.RemoteCapture
	events      chan Event
	locks       SessionLock
	log         zerolog.Logger
	closeOnce   sync.Once
}

// Events streams messages for the shell. It is closed by Close.
func (ls *LiveSession) Events() <-chan Event {
	return ls.events
}

// Do runs fn on the session loop and waits for it.
func (ls *LiveSession) Do(fn func(o *SessionOrchestrator)) error {
	return ls.loop.Do(func() { fn(ls.orch) })
}

// ReportPermissions stores the shell's camera/microphone grants. They are
// read by the next media check.
func (ls *LiveSession) ReportPermissions(p media.Permissions) {
	ls.capture.ReportPermissions(p)
}

// ReportFrame decodes a sampled frame off the loop and stores it for the
// next media check.
func (ls *LiveSession) ReportFrame(data []byte) error {
	img, err := media.DecodeFrame(data)
	if err != nil {
		return err
	}
	ls.capture.ReportFrame(img, time.Now())
	return nil
}

// Close tears the session down: pending answers are flushed, timers
// stopped and media released. In-flight writes get a grace period.
func (ls *LiveSession) Close() {
	ls.closeOnce.Do(func() {
		if err := ls.loop.Do(func() { ls.orch.Teardown() }); err != nil {
			ls.log.Debug().Err(err).Msg("Loop already closed at teardown")
		}
		ls.loop.Shutdown(shutdownGrace)
		ls.loop.Wait()
		close(ls.events)
		ls.releaseLock()
		ls.log.Info().Msg("Proctor session closed")
	})
}

// emit runs on the loop. It waits for the writer rather than dropping
// events; the writer's deadline bounds the wait.
func (ls *LiveSession) emit(ev Event) {
	select {
	case ls.events <- ev:
	case <-ls.loop.Context().Done():
	}
}

func (ls *LiveSession) refreshLock() {
	ticker := time.NewTicker(lockRefresh)
	defer ticker.Stop()
	ctx := ls.loop.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ls.locks.Refresh(ctx, ls.candidateID); err != nil {
				ls.log.Warn().Err(err).Msg("Session lock refresh failed")
			}
		}
	}
}

func (ls *LiveSession) releaseLock() {
	if ls.locks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ls.locks.Release(ctx, ls.candidateID, ls.ID.String()); err != nil {
		ls.log.Warn().Err(err).Msg("Session lock release failed")
	}
}
