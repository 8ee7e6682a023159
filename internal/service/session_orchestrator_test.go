package service

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/client"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/integrity"
	"github.com/stemsi/exstem-proctor/internal/loop"
	"github.com/stemsi/exstem-proctor/internal/media"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/navigation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── Fakes ─────────────────────────────────────────────────────────────

type fakeAPI struct {
	summaryErr   error
	questionErr  error
	completeErr  error
	submitErr    error
	noNext       bool
	answers      []model.AnswerSubmission
	questions    []string
	completions  int
	submissions  int
	summaryCalls int
}

func (a *fakeAPI) GetSummary(context.Context) (*model.AssessmentSummary, error) {
	a.summaryCalls++
	if a.summaryErr != nil {
		return nil, a.summaryErr
	}
	return &model.AssessmentSummary{Sections: []model.Section{
		{ID: "s2", Name: "Essay", Order: 2, QuestionTypes: []model.QuestionTypeGroup{
			{TypeCode: "essay", QuestionIDs: []string{"q3"}},
		}},
		{ID: "s1", Name: "Basics", Order: 1, QuestionTypes: []model.QuestionTypeGroup{
			{TypeCode: "mcq", QuestionIDs: []string{"q1", "q2"}},
		}},
	}}, nil
}

func (a *fakeAPI) GetQuestion(_ context.Context, id string) (*model.Question, error) {
	a.questions = append(a.questions, id)
	if a.questionErr != nil {
		return nil, a.questionErr
	}
	return &model.Question{ID: id, Text: "Question " + id}, nil
}

func (a *fakeAPI) SubmitAnswer(_ context.Context, sub model.AnswerSubmission) error {
	a.answers = append(a.answers, sub)
	return nil
}

func (a *fakeAPI) CompleteSection(context.Context) (*client.CompletedSection, error) {
	a.completions++
	if a.completeErr != nil {
		return nil, a.completeErr
	}
	return &client.CompletedSection{NoNextSection: a.noNext}, nil
}

func (a *fakeAPI) SubmitAssessment(context.Context) (*client.SubmitResult, error) {
	a.submissions++
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	return &client.SubmitResult{Status: "submitted"}, nil
}

type fakeProgress struct {
	cursor    *model.Cursor
	completed []model.SectionProgress
	saved     []model.Cursor
	cleared   bool
}

func (p *fakeProgress) LoadCursor(context.Context, string, string) (*model.Cursor, error) {
	return p.cursor, nil
}

func (p *fakeProgress) SaveCursor(_ context.Context, _, _ string, c model.Cursor) error {
	p.saved = append(p.saved, c)
	return nil
}

func (p *fakeProgress) LoadCompleted(context.Context, string, string) ([]model.SectionProgress, error) {
	return p.completed, nil
}

func (p *fakeProgress) SaveCompleted(_ context.Context, _, _ string, sp model.SectionProgress) error {
	p.completed = append(p.completed, sp)
	return nil
}

func (p *fakeProgress) Clear(context.Context, string, string) error {
	p.cleared = true
	return nil
}

type fakeSink struct{ events []model.ViolationEvent }

func (s *fakeSink) Publish(_ context.Context, ev model.ViolationEvent) error {
	s.events = append(s.events, ev)
	return nil
}

type outcome struct {
	status model.SessionPhase
	reason string
}

type fakeOutcomes struct {
	started  int
	finished []outcome
}

func (o *fakeOutcomes) Start(context.Context, *model.ProctorSession) error {
	o.started++
	return nil
}

func (o *fakeOutcomes) Finish(_ context.Context, _ uuid.UUID, status model.SessionPhase, reason string) error {
	o.finished = append(o.finished, outcome{status: status, reason: reason})
	return nil
}

// ─── Fixture ───────────────────────────────────────────────────────────

type fixture struct {
	o        *SessionOrchestrator
	exec     *loop.Manual
	api      *fakeAPI
	progress *fakeProgress
	sink     *fakeSink
	outcomes *fakeOutcomes
	capture  *media.RemoteCapture
	events   []Event
	now      time.Time
}

func healthyFrame() image.Image {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := uint8(60)
			if (x+y)%2 == 0 {
				v = 200
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	f := &fixture{
		exec:     loop.NewManual(),
		api:      &fakeAPI{},
		progress: &fakeProgress{},
		sink:     &fakeSink{},
		outcomes: &fakeOutcomes{},
		now:      time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	f.capture = media.NewRemoteCapture(nil)
	f.capture.ReportPermissions(media.Permissions{Camera: true, Microphone: true})
	f.capture.ReportFrame(healthyFrame(), f.now)

	f.o = NewSessionOrchestrator(Identity{
		SessionID:    uuid.New(),
		CandidateID:  "cand-1",
		AssessmentID: "asm-1",
		Token:        token,
	}, config.DefaultProctorConfig(), OrchestratorDeps{
		API:        f.api,
		Progress:   f.progress,
		Violations: f.sink,
		Outcomes:   f.outcomes,
		Capture:    f.capture,
		Exec:       f.exec,
		Emit:       func(ev Event) { f.events = append(f.events, ev) },
		Log:        zerolog.Nop(),
		Now:        func() time.Time { return f.now },
	})
	return f
}

func startedFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, "candidate-token")
	f.o.Start()
	f.exec.Drain()
	require.Equal(t, model.PhaseActive, f.o.Phase())
	return f
}

func (f *fixture) named(name EventName) []Event {
	var out []Event
	for _, ev := range f.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fixture) commands() []Command {
	var out []Command
	for _, ev := range f.named(EventCommand) {
		out = append(out, ev.Data.(map[string]Command)["command"])
	}
	return out
}

func (f *fixture) currentQuestion() string {
	return f.o.Navigation().CurrentQuestionID()
}

// ─── Start ─────────────────────────────────────────────────────────────

func TestOrchestrator_StartActivatesOnHealthyMedia(t *testing.T) {
	f := startedFixture(t)

	assert.Equal(t, "q1", f.currentQuestion())
	assert.Equal(t, []string{"q1"}, f.api.questions)
	require.Len(t, f.named(EventQuestion), 1)
	view := f.named(EventQuestion)[0].Data.(QuestionView)
	assert.Equal(t, "q1", view.Question.ID)
	assert.Equal(t, 1, f.outcomes.started)
	assert.True(t, f.o.MediaStatus().Permissions.Camera)
}

func TestOrchestrator_StartWithoutTokenIsFatal(t *testing.T) {
	f := newFixture(t, "")
	f.o.Start()
	f.exec.Drain()

	assert.Equal(t, model.PhaseError, f.o.Phase())
	require.Len(t, f.named(EventFatal), 1)
	assert.Equal(t, FatalNoCredential, f.named(EventFatal)[0].Data.(FatalView).Code)
	assert.Zero(t, f.api.summaryCalls)
}

func TestOrchestrator_StartSummaryFailureIsFatal(t *testing.T) {
	f := newFixture(t, "candidate-token")
	f.api.summaryErr = errors.New("502 bad gateway")
	f.o.Start()
	f.exec.Drain()

	assert.Equal(t, model.PhaseError, f.o.Phase())
	assert.Equal(t, FatalSummaryUnavailable, f.named(EventFatal)[0].Data.(FatalView).Code)
	assert.ErrorIs(t, f.o.Next(), ErrNotActive)
}

func TestOrchestrator_StartResumesSavedPosition(t *testing.T) {
	f := newFixture(t, "candidate-token")
	f.progress.cursor = &model.Cursor{SectionID: "s1", Tab: 0, Index: 1}
	f.o.Start()
	f.exec.Drain()

	assert.Equal(t, "q2", f.currentQuestion())
}

func TestOrchestrator_StartSkipsCompletedSections(t *testing.T) {
	f := newFixture(t, "candidate-token")
	f.progress.cursor = &model.Cursor{SectionID: "s1", Tab: 0, Index: 1}
	f.progress.completed = []model.SectionProgress{{SectionID: "s1", Answered: 2, Total: 2}}
	f.o.Start()
	f.exec.Drain()

	assert.Equal(t, "q3", f.currentQuestion())
	assert.ErrorIs(t, f.o.SwitchSection("s1"), navigation.ErrSectionLocked)
}

// ─── Media ─────────────────────────────────────────────────────────────

func TestOrchestrator_MediaGateBlocksUntilRetryPasses(t *testing.T) {
	f := newFixture(t, "candidate-token")
	f.capture.ReportPermissions(media.Permissions{Camera: false, Microphone: true})
	f.o.Start()
	f.exec.Drain()

	assert.Equal(t, model.PhaseBlocked, f.o.Phase())
	assert.Len(t, f.named(EventMediaBlocked), 1)
	assert.ErrorIs(t, f.o.Next(), ErrNotActive)
	assert.Empty(t, f.api.questions)

	st := f.o.RetryMedia()
	assert.True(t, st.Blocked)
	assert.Equal(t, model.PhaseBlocked, f.o.Phase())

	f.capture.ReportPermissions(media.Permissions{Camera: true, Microphone: true})
	st = f.o.RetryMedia()
	f.exec.Drain()

	assert.False(t, st.Blocked)
	assert.Equal(t, model.PhaseActive, f.o.Phase())
	assert.Len(t, f.named(EventMediaRestored), 1)
	assert.Equal(t, []string{"q1"}, f.api.questions)
}

func TestOrchestrator_MediaLossDuringSessionBlocks(t *testing.T) {
	f := startedFixture(t)

	f.capture.ReportFrame(image.NewGray(image.Rect(0, 0, 16, 16)), f.now)
	f.exec.Advance(3 * time.Second)

	assert.Equal(t, model.PhaseBlocked, f.o.Phase())
	assert.Equal(t, media.BlockFrameQuality, f.o.MediaStatus().ViolationType)

	f.capture.ReportFrame(healthyFrame(), f.now)
	f.o.RetryMedia()
	assert.Equal(t, model.PhaseActive, f.o.Phase())
	assert.Equal(t, []string{"q1"}, f.api.questions, "reactivation does not refetch")
}

// ─── Integrity ─────────────────────────────────────────────────────────

func TestOrchestrator_TabSwitchLimitTerminates(t *testing.T) {
	f := startedFixture(t)

	f.o.FocusChanged(false)
	f.o.FocusChanged(true)
	assert.Empty(t, f.named(EventViolationWarning), "tracking starts at first interaction")

	f.o.Interaction()
	for i := 0; i < integrity.DefaultLimit; i++ {
		f.o.FocusChanged(false)
		f.o.FocusChanged(true)
	}
	f.exec.Drain()

	assert.Len(t, f.named(EventViolationWarning), integrity.DefaultLimit-1)
	require.Len(t, f.named(EventTerminationPending), 1)
	assert.Len(t, f.sink.events, integrity.DefaultLimit)
	assert.True(t, f.sink.events[integrity.DefaultLimit-1].Terminated)
	assert.Equal(t, model.PhaseActive, f.o.Phase())

	f.o.FocusChanged(false)
	f.exec.Drain()
	assert.Len(t, f.sink.events, integrity.DefaultLimit, "sixth violation is ignored")

	f.exec.Advance(3 * time.Second)
	f.exec.Drain()

	assert.Equal(t, model.PhaseTerminated, f.o.Phase())
	assert.Len(t, f.named(EventTerminated), 1)
	assert.Contains(t, f.commands(), CommandExitFullscreen)
	assert.Contains(t, f.commands(), CommandShowEnded)
	assert.Equal(t, []outcome{{status: model.PhaseTerminated, reason: "violation_limit:tab_switch"}}, f.outcomes.finished)
	assert.True(t, f.capture.Stopped())
	assert.ErrorIs(t, f.o.Next(), ErrNotActive)
}

func TestOrchestrator_LimitReachedBlocksSubmit(t *testing.T) {
	f := startedFixture(t)
	f.o.Interaction()
	for i := 0; i < integrity.DefaultLimit; i++ {
		f.o.FocusChanged(false)
		f.o.FocusChanged(true)
	}
	f.exec.Drain()
	require.Len(t, f.named(EventTerminationPending), 1)

	assert.ErrorIs(t, f.o.ConfirmSubmit(), ErrNotActive)
	assert.ErrorIs(t, f.o.RequestSubmit(), ErrNotActive)
	assert.ErrorIs(t, f.o.Next(), ErrNotActive)
	assert.ErrorIs(t, f.o.SetAnswer("q1", model.TextAnswer("opt-a")), ErrNotActive)

	f.exec.Advance(3 * time.Second)
	f.exec.Drain()
	assert.Equal(t, model.PhaseTerminated, f.o.Phase())
	assert.Zero(t, f.api.submissions)
	assert.Equal(t, []outcome{{status: model.PhaseTerminated, reason: "violation_limit:tab_switch"}}, f.outcomes.finished)
}

func TestOrchestrator_TeardownDuringGracePeriodTerminates(t *testing.T) {
	f := startedFixture(t)
	f.o.Interaction()
	for i := 0; i < integrity.DefaultLimit; i++ {
		f.o.FocusChanged(false)
		f.o.FocusChanged(true)
	}
	f.exec.Drain()

	f.o.Teardown()
	f.exec.Drain()
	assert.Equal(t, model.PhaseTerminated, f.o.Phase())
	assert.Equal(t, []outcome{{status: model.PhaseTerminated, reason: "violation_limit:tab_switch"}}, f.outcomes.finished)
	assert.Zero(t, f.exec.PendingTimers())
}

func TestOrchestrator_FullscreenExitStartsCountdown(t *testing.T) {
	f := newFixture(t, "candidate-token")
	f.o.FullscreenChanged(integrity.FullscreenSignal{Standard: true})
	f.o.Start()
	f.exec.Drain()
	f.o.Interaction()

	f.o.FullscreenChanged(integrity.FullscreenSignal{})
	f.o.FullscreenChanged(integrity.FullscreenSignal{Webkit: false})
	f.exec.Drain()

	require.Len(t, f.named(EventViolationWarning), 1)
	warning := f.named(EventViolationWarning)[0].Data.(model.ViolationState)
	assert.Equal(t, model.StreamFullscreen, warning.Stream)
	assert.Equal(t, 4, warning.Remaining)

	f.exec.Advance(7 * time.Second)
	assert.Len(t, f.named(EventFullscreenCountdown), 7)
	assert.Contains(t, f.commands(), CommandRequestFullscreen)

	f.o.FullscreenChanged(integrity.FullscreenSignal{Moz: true})
	assert.Len(t, f.named(EventFullscreenRestored), 1)
}

func TestOrchestrator_BackAttemptIsNeutralized(t *testing.T) {
	f := startedFixture(t)
	f.o.BackAttempt()
	assert.Len(t, f.named(EventBackBlocked), 1)
	assert.Equal(t, "q1", f.currentQuestion())
}

// ─── Navigation and answers ────────────────────────────────────────────

func TestOrchestrator_AnswersWriteBeforeNavigation(t *testing.T) {
	f := startedFixture(t)

	require.NoError(t, f.o.SetAnswer("q1", model.TextAnswer("opt-b")))
	f.now = f.now.Add(40 * time.Second)
	require.NoError(t, f.o.Next())
	f.exec.Drain()

	assert.Equal(t, "q2", f.currentQuestion())
	require.Len(t, f.api.answers, 1)
	assert.Equal(t, "opt-b", f.api.answers[0].Answer)
	assert.Len(t, f.named(EventAnswerSaved), 1)
	assert.Equal(t, model.Cursor{SectionID: "s1", Index: 1}, f.progress.saved[len(f.progress.saved)-1])

	require.NoError(t, f.o.Previous())
	f.exec.Drain()
	assert.Equal(t, "q1", f.currentQuestion())
	assert.Equal(t, []string{"q1", "q2", "q1"}, f.api.questions)
}

func TestOrchestrator_RejectedAnswerEmitsEvent(t *testing.T) {
	f := startedFixture(t)

	err := f.o.SetAnswer("q1", model.TextAnswer("q1"))
	assert.Error(t, err)
	assert.Len(t, f.named(EventAnswerRejected), 1)
	f.exec.Drain()
	assert.Empty(t, f.api.answers)
}

func TestOrchestrator_NavigationErrors(t *testing.T) {
	f := startedFixture(t)

	assert.ErrorIs(t, f.o.GoToQuestion(9), navigation.ErrQuestionOutOfRange)
	assert.ErrorIs(t, f.o.SwitchTab(3), navigation.ErrTabOutOfRange)
	assert.ErrorIs(t, f.o.SwitchSection("s2"), navigation.ErrSectionIncomplete)
	assert.Len(t, f.named(EventNavigationRejected), 3)

	require.NoError(t, f.o.GoToQuestion(2))
	assert.Equal(t, "q2", f.currentQuestion())

	flagged, err := f.o.ToggleFlag("q2")
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestOrchestrator_QuestionFetchFailure(t *testing.T) {
	f := newFixture(t, "candidate-token")
	f.api.questionErr = errors.New("timeout")
	f.o.Start()
	f.exec.Drain()

	assert.Equal(t, model.PhaseActive, f.o.Phase())
	assert.Len(t, f.named(EventQuestionUnavailable), 1)
	assert.Empty(t, f.named(EventQuestion))
}

// ─── Section lifecycle and submission ──────────────────────────────────

func TestOrchestrator_FullAssessmentFlow(t *testing.T) {
	f := startedFixture(t)

	require.NoError(t, f.o.SetAnswer("q1", model.TextAnswer("opt-a")))
	require.NoError(t, f.o.Next())
	require.NoError(t, f.o.Next())
	f.exec.Drain()

	require.Len(t, f.named(EventSectionPrompt), 1)
	prompt := f.named(EventSectionPrompt)[0].Data.(SectionPromptView)
	assert.Equal(t, "s1", prompt.Section.ID)
	assert.Equal(t, 1, prompt.Progress.Answered)
	assert.Equal(t, 2, prompt.Progress.Total)

	f.o.ConfirmSectionComplete()
	f.o.ConfirmSectionComplete()
	f.exec.Drain()

	assert.Equal(t, 1, f.api.completions)
	require.Len(t, f.named(EventSectionInstructions), 1)
	assert.Equal(t, "s2", f.named(EventSectionInstructions)[0].Data.(model.Section).ID)
	assert.Equal(t, "q3", f.currentQuestion())
	assert.True(t, f.o.Navigation().IsCompleted("s1"))
	require.Len(t, f.progress.completed, 1)
	assert.True(t, f.progress.completed[0].Frozen)

	assert.ErrorIs(t, f.o.SwitchSection("s1"), navigation.ErrSectionLocked)

	require.NoError(t, f.o.SetAnswer("q3", model.TextAnswer("<p>Light <b>bends</b></p>")))
	f.api.noNext = true
	require.NoError(t, f.o.Next())
	f.exec.Drain()
	require.Len(t, f.named(EventSectionPrompt), 2)
	assert.True(t, f.named(EventSectionPrompt)[1].Data.(SectionPromptView).IsLastSection)

	f.o.ConfirmSectionComplete()
	f.exec.Drain()
	require.Len(t, f.named(EventSubmitReady), 1)
	summary := f.named(EventSubmitReady)[0].Data.(model.SubmissionSummary)
	assert.Equal(t, 2, summary.Answered)
	assert.Equal(t, 3, summary.Total)

	require.NoError(t, f.o.ConfirmSubmit())
	f.o.FullscreenChanged(integrity.FullscreenSignal{})
	f.exec.Drain()

	assert.Equal(t, model.PhaseSubmitted, f.o.Phase())
	assert.Equal(t, 1, f.api.submissions)
	assert.Len(t, f.named(EventSubmitted), 1)
	assert.True(t, f.progress.cleared)
	assert.Equal(t, []outcome{{status: model.PhaseSubmitted, reason: "submitted"}}, f.outcomes.finished)
	assert.Empty(t, f.sink.events)

	var essay *model.AnswerSubmission
	for i := range f.api.answers {
		if f.api.answers[i].QuestionID == "q3" {
			essay = &f.api.answers[i]
		}
	}
	require.NotNil(t, essay)
	assert.Equal(t, "Light bends", essay.Answer)
	assert.Equal(t, "s2", essay.SectionID)
}

func TestOrchestrator_SectionCompleteFailureKeepsSection(t *testing.T) {
	f := startedFixture(t)
	f.api.completeErr = errors.New("500")

	require.NoError(t, f.o.GoToQuestion(2))
	f.o.EndSection()
	f.o.ConfirmSectionComplete()
	f.exec.Drain()

	assert.Len(t, f.named(EventSectionFailed), 1)
	assert.False(t, f.o.Navigation().IsCompleted("s1"))

	f.api.completeErr = nil
	f.o.ConfirmSectionComplete()
	f.exec.Drain()
	assert.True(t, f.o.Navigation().IsCompleted("s1"))
}

func TestOrchestrator_SubmitFailureAllowsRetry(t *testing.T) {
	f := startedFixture(t)
	f.api.submitErr = errors.New("503")

	require.NoError(t, f.o.RequestSubmit())
	require.Len(t, f.named(EventSubmitSummary), 1)

	require.NoError(t, f.o.ConfirmSubmit())
	assert.ErrorIs(t, f.o.Next(), ErrNotActive, "navigation is frozen while submitting")
	f.exec.Drain()

	assert.Len(t, f.named(EventSubmitFailed), 1)
	assert.Equal(t, model.PhaseActive, f.o.Phase())
	assert.True(t, f.capture.Stopped())

	// Capture is gone, so the session stays frozen until the retry.
	assert.ErrorIs(t, f.o.Next(), ErrNotActive)
	assert.ErrorIs(t, f.o.SetAnswer("q2", model.TextAnswer("opt-b")), ErrNotActive)
	assert.ErrorIs(t, f.o.RequestSubmit(), ErrNotActive)
	f.o.Interaction()
	f.o.FocusChanged(false)
	f.exec.Drain()
	assert.Empty(t, f.named(EventViolationWarning))
	states := f.named(EventState)
	assert.True(t, states[len(states)-1].Data.(StateView).SubmitRetry)

	f.api.submitErr = nil
	require.NoError(t, f.o.ConfirmSubmit())
	f.exec.Drain()
	assert.Equal(t, model.PhaseSubmitted, f.o.Phase())
	assert.Equal(t, 2, f.api.submissions)
}

func TestOrchestrator_TeardownFlushesDrafts(t *testing.T) {
	f := startedFixture(t)

	require.NoError(t, f.o.GoToQuestion(2))
	f.o.Teardown()
	f.o.Teardown()
	f.exec.Drain()
	assert.True(t, f.capture.Stopped())
	assert.Zero(t, f.exec.PendingTimers())

	g := newFixture(t, "candidate-token")
	g.progress.completed = []model.SectionProgress{{SectionID: "s1", Total: 2}}
	g.o.Start()
	g.exec.Drain()
	require.Equal(t, "q3", g.currentQuestion())

	require.NoError(t, g.o.SetAnswer("q3", model.TextAnswer("unsent draft")))
	g.exec.Drain()
	assert.Empty(t, g.api.answers)

	g.o.Teardown()
	g.exec.Drain()
	require.Len(t, g.api.answers, 1)
	assert.Equal(t, "unsent draft", g.api.answers[0].Answer)
}
