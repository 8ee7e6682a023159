package service

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/client"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/loop"
	"github.com/stemsi/exstem-proctor/internal/media"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// lockedAPI serializes a fakeAPI for use from real loop goroutines.
type lockedAPI struct {
	mu  sync.Mutex
	api *fakeAPI
}

func (l *lockedAPI) GetSummary(ctx context.Context) (*model.AssessmentSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.api.GetSummary(ctx)
}

func (l *lockedAPI) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.api.GetQuestion(ctx, id)
}

func (l *lockedAPI) SubmitAnswer(ctx context.Context, sub model.AnswerSubmission) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.api.SubmitAnswer(ctx, sub)
}

func (l *lockedAPI) CompleteSection(ctx context.Context) (*client.CompletedSection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.api.CompleteSection(ctx)
}

func (l *lockedAPI) SubmitAssessment(ctx context.Context) (*client.SubmitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.api.SubmitAssessment(ctx)
}

func (l *lockedAPI) answers() []model.AnswerSubmission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.AnswerSubmission(nil), l.api.answers...)
}

var errHeld = errors.New("held")

type memoryLock struct {
	mu       sync.Mutex
	holders  map[string]string
	released []string
}

func (m *memoryLock) Acquire(_ context.Context, candidateID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.holders[candidateID]; ok {
		return errHeld
	}
	m.holders[candidateID] = sessionID
	return nil
}

func (m *memoryLock) Refresh(context.Context, string) error { return nil }

func (m *memoryLock) Release(_ context.Context, candidateID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holders[candidateID] == sessionID {
		delete(m.holders, candidateID)
		m.released = append(m.released, sessionID)
	}
	return nil
}

func pngFrame(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, healthyFrame()))
	return buf.Bytes()
}

func collect(ls *LiveSession) <-chan []Event {
	out := make(chan []Event, 1)
	go func() {
		var events []Event
		for ev := range ls.Events() {
			events = append(events, ev)
		}
		out <- events
	}()
	return out
}

func TestProctorService_SessionLifecycle(t *testing.T) {
	api := &lockedAPI{api: &fakeAPI{}}
	locks := &memoryLock{holders: make(map[string]string)}
	cfg := &config.Config{Proctor: config.DefaultProctorConfig()}
	svc := NewProctorService(cfg, func(token string) (AssessmentAPI, error) {
		assert.Equal(t, "candidate-token", token)
		return api, nil
	}, nil, nil, nil, locks, zerolog.Nop())

	ls, err := svc.Open(context.Background(), "cand-1", "asm-1", "candidate-token")
	require.NoError(t, err)
	events := collect(ls)

	_, err = svc.Open(context.Background(), "cand-1", "asm-1", "candidate-token")
	assert.ErrorIs(t, err, errHeld)

	ls.ReportPermissions(media.Permissions{Camera: true, Microphone: true})
	require.NoError(t, ls.ReportFrame(pngFrame(t)))
	assert.Error(t, ls.ReportFrame([]byte("garbage")))

	require.NoError(t, ls.Do(func(o *SessionOrchestrator) { o.Start() }))
	require.Eventually(t, func() bool {
		var phase model.SessionPhase
		_ = ls.Do(func(o *SessionOrchestrator) { phase = o.Phase() })
		return phase == model.PhaseActive
	}, 2*time.Second, 10*time.Millisecond)

	var setErr error
	require.NoError(t, ls.Do(func(o *SessionOrchestrator) {
		setErr = o.SetAnswer("q1", model.TextAnswer("opt-c"))
	}))
	require.NoError(t, setErr)

	ls.Close()
	ls.Close()

	got := <-events
	var commands []Command
	for _, ev := range got {
		if ev.Name == EventCommand {
			commands = append(commands, ev.Data.(map[string]Command)["command"])
		}
	}
	assert.Contains(t, commands, CommandStopCapture)
	assert.Len(t, api.answers(), 1)
	assert.Equal(t, []string{ls.ID.String()}, locks.released)
	assert.ErrorIs(t, ls.Do(func(*SessionOrchestrator) {}), loop.ErrClosed)
}
