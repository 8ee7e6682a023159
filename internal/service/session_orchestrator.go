package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/client"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/integrity"
	"github.com/stemsi/exstem-proctor/internal/loop"
	"github.com/stemsi/exstem-proctor/internal/media"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/navigation"
	"golang.org/x/sync/errgroup"
)

// Orchestrator errors.
var (
	ErrNotActive    = errors.New("session is not active")
	ErrTokenMissing = errors.New("no bearer credential for this session")
)

// Fatal error codes shown on the full-screen error state.
const (
	FatalNoCredential       = "NO_CREDENTIAL"
	FatalSummaryUnavailable = "SUMMARY_UNAVAILABLE"
	FatalNoSections         = "NO_SECTIONS"
)

// AssessmentAPI is the remote assessment backend.
type AssessmentAPI interface {
	GetSummary(ctx context.Context) (*model.AssessmentSummary, error)
	GetQuestion(ctx context.Context, questionID string) (*model.Question, error)
	SubmitAnswer(ctx context.Context, sub model.AnswerSubmission) error
	CompleteSection(ctx context.Context) (*client.CompletedSection, error)
	SubmitAssessment(ctx context.Context) (*client.SubmitResult, error)
}

// ProgressStore keeps "resume where I left off" markers.
type ProgressStore interface {
	LoadCursor(ctx context.Context, assessmentID, candidateID string) (*model.Cursor, error)
	SaveCursor(ctx context.Context, assessmentID, candidateID string, c model.Cursor) error
	LoadCompleted(ctx context.Context, assessmentID, candidateID string) ([]model.SectionProgress, error)
	SaveCompleted(ctx context.Context, assessmentID, candidateID string, p model.SectionProgress) error
	Clear(ctx context.Context, assessmentID, candidateID string) error
}

// ViolationSink receives every accepted violation for the audit log.
type ViolationSink interface {
	Publish(ctx context.Context, ev model.ViolationEvent) error
}

// OutcomeRecorder persists how a proctored attempt ended.
type OutcomeRecorder interface {
	Start(ctx context.Context, s *model.ProctorSession) error
	Finish(ctx context.Context, id uuid.UUID, status model.SessionPhase, reason string) error
}

// Executor schedules loop callbacks and runs remote work.
type Executor interface {
	loop.Scheduler
	loop.Runner
}

// Identity is who the session belongs to.
type Identity struct {
	SessionID    uuid.UUID
	CandidateID  string
	AssessmentID string
	Token        string
}

// OrchestratorDeps are the collaborators of a SessionOrchestrator. Progress,
// Violations and Outcomes are optional.
type OrchestratorDeps struct {
	API        AssessmentAPI
	Progress   ProgressStore
	Violations ViolationSink
	Outcomes   OutcomeRecorder
	Capture    media.Capture
	Exec       Executor
	Emit       func(Event)
	Log        zerolog.Logger
	Now        func() time.Time
}

// SessionOrchestrator coordinates media health, integrity guards,
// navigation and answers for one candidate. Every method must run on the
// session loop.
type SessionOrchestrator struct {
	id   Identity
	cfg  config.ProctorConfig
	deps OrchestratorDeps
	log  zerolog.Logger

	phase     model.SessionPhase
	activated bool

	monitor    *media.Monitor
	fsTracker  *integrity.Tracker
	tabTracker *integrity.Tracker
	fsGuard    *integrity.FullscreenGuard
	tabGuard   *integrity.TabSwitchGuard
	store      *answer.Store
	nav        *navigation.Machine

	enteredAt  time.Time
	completing bool
	submitting bool
	// submitConfirmed is set once the candidate confirms submission. From
	// then on only a submit retry is accepted.
	submitConfirmed bool
	endReason       string
	promptOpen      bool
	tornDown        bool
}

// NewSessionOrchestrator wires the session components.
func NewSessionOrchestrator(id Identity, cfg config.ProctorConfig, deps OrchestratorDeps) *SessionOrchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Emit == nil {
		deps.Emit = func(Event) {}
	}
	o := &SessionOrchestrator{
		id:    id,
		cfg:   cfg,
		deps:  deps,
		log:   deps.Log.With().Str("component", "session_orchestrator").Logger(),
		phase: model.PhaseSetup,
	}

	trackerHooks := integrity.Hooks{
		OnTerminate: o.onViolationLimit,
		OnRemediate: o.onRemediate,
	}
	o.fsTracker = integrity.NewTracker(integrity.TrackerConfig{
		Stream:           model.StreamFullscreen,
		Limit:            cfg.FullscreenLimit,
		TerminationDelay: cfg.TerminationDelay,
		RemediationDelay: cfg.RemediationDelay,
	}, deps.Exec, trackerHooks)
	o.tabTracker = integrity.NewTracker(integrity.TrackerConfig{
		Stream:           model.StreamTabSwitch,
		Limit:            cfg.TabSwitchLimit,
		TerminationDelay: cfg.TerminationDelay,
		RemediationDelay: cfg.RemediationDelay,
	}, deps.Exec, trackerHooks)

	o.fsGuard = integrity.NewFullscreenGuard(o.fsTracker, deps.Exec, cfg.FullscreenCountdown, integrity.FullscreenHooks{
		OnViolation: o.onViolation,
		OnCountdown: func(remaining time.Duration) {
			o.emit(EventFullscreenCountdown, map[string]int64{"remaining_ms": remaining.Milliseconds()})
		},
		OnCleared: func() {
			o.emit(EventFullscreenRestored, nil)
			o.emitState()
		},
		OnRestore: func() {
			o.command(CommandRequestFullscreen)
		},
	})
	o.tabGuard = integrity.NewTabSwitchGuard(o.tabTracker, o.onViolation)

	o.monitor = media.NewMonitor(deps.Capture, deps.Exec, media.MonitorConfig{
		Interval:    cfg.MediaCheckInterval,
		MaxFrameAge: 3 * cfg.MediaCheckInterval,
		Now:         deps.Now,
	}, deps.Log, o.onMediaChange)

	o.store = answer.NewStore(deps.API, deps.Exec, deps.Exec, deps.Log, answer.Options{
		EssayIdle: cfg.EssayAutosaveIdle,
		OnWrite: func(res answer.WriteResult) {
			if res.OK {
				o.emit(EventAnswerSaved, map[string]string{"question_id": res.QuestionID})
			}
		},
	})
	return o
}

// Phase returns the current phase.
func (o *SessionOrchestrator) Phase() model.SessionPhase {
	return o.phase
}

// Navigation exposes the state machine, nil until the summary is loaded.
func (o *SessionOrchestrator) Navigation() *navigation.Machine {
	return o.nav
}

// Answers exposes the answer store.
func (o *SessionOrchestrator) Answers() *answer.Store {
	return o.store
}

// Violations returns both violation counters.
func (o *SessionOrchestrator) Violations() []model.ViolationState {
	return []model.ViolationState{o.fsTracker.Snapshot(), o.tabTracker.Snapshot()}
}

// MediaStatus returns the last media check result.
func (o *SessionOrchestrator) MediaStatus() media.Status {
	return o.monitor.Status()
}

// ─── Session start ─────────────────────────────────────────────────────

type startData struct {
	summary   *model.AssessmentSummary
	cursor    *model.Cursor
	completed []model.SectionProgress
}

// Start loads the assessment and runs the media gate.
func (o *SessionOrchestrator) Start() {
	if o.phase != model.PhaseSetup {
		return
	}
	if o.id.Token == "" {
		o.fail(FatalNoCredential, ErrTokenMissing)
		return
	}

	var data startData
	o.deps.Exec.Go(func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			s, err := o.deps.API.GetSummary(gctx)
			data.summary = s
			return err
		})
		if o.deps.Progress != nil {
			// Resume markers are best effort.
			g.Go(func() error {
				c, err := o.deps.Progress.LoadCursor(gctx, o.id.AssessmentID, o.id.CandidateID)
				if err == nil {
					data.cursor = c
				}
				return nil
			})
			g.Go(func() error {
				p, err := o.deps.Progress.LoadCompleted(gctx, o.id.AssessmentID, o.id.CandidateID)
				if err == nil {
					data.completed = p
				}
				return nil
			})
		}
		return g.Wait()
	}, func(err error) {
		o.onStartLoaded(data, err)
	})
}

func (o *SessionOrchestrator) onStartLoaded(data startData, err error) {
	if o.phase != model.PhaseSetup {
		return
	}
	if err != nil {
		o.fail(FatalSummaryUnavailable, err)
		return
	}
	if data.summary == nil || len(data.summary.Sections) == 0 {
		o.fail(FatalNoSections, navigation.ErrNoSections)
		return
	}

	sections := data.summary.OrderedSections()
	o.store.SetIndex(model.BuildQuestionIndex(sections))
	nav, err := navigation.New(sections, o.store.HasAnswer)
	if err != nil {
		o.fail(FatalNoSections, err)
		return
	}
	o.nav = nav
	if len(data.completed) > 0 {
		nav.RestoreCompleted(data.completed)
	}
	if data.cursor != nil && nav.Restore(*data.cursor) {
		o.log.Info().Str("section_id", data.cursor.SectionID).Msg("Resumed from saved cursor")
	}

	o.recordStart()
	o.log.Info().Int("sections", len(sections)).Msg("Assessment loaded, running media gate")

	if st := o.monitor.Check(); !st.Blocked {
		o.activate()
	}
	o.emitState()
}

func (o *SessionOrchestrator) activate() {
	if o.phase.IsTerminal() {
		return
	}
	o.phase = model.PhaseActive
	if !o.activated {
		o.activated = true
		o.fsGuard.EndSetup(o.fsGuard.IsFullscreen())
		o.monitor.StartMonitoring(o.cfg.MediaCheckInterval)
		o.openQuestion()
	}
	o.emitState()
}

// ─── Media ─────────────────────────────────────────────────────────────

func (o *SessionOrchestrator) onMediaChange(st media.Status) {
	if o.phase.IsTerminal() || o.nav == nil {
		return
	}
	if st.Blocked {
		o.phase = model.PhaseBlocked
		o.emit(EventMediaBlocked, st)
		o.emitState()
		return
	}
	if o.phase == model.PhaseBlocked || o.phase == model.PhaseSetup {
		o.emit(EventMediaRestored, st)
		o.activate()
	}
}

// RetryMedia re-runs the permission and frame checks while blocked.
func (o *SessionOrchestrator) RetryMedia() media.Status {
	if o.phase != model.PhaseBlocked {
		return o.monitor.Status()
	}
	st := o.monitor.Retry()
	if st.Blocked {
		o.emit(EventMediaBlocked, st)
	}
	return st
}

// ─── Integrity ─────────────────────────────────────────────────────────

// Interaction arms violation tracking on the first candidate interaction.
func (o *SessionOrchestrator) Interaction() {
	if o.phase != model.PhaseActive {
		return
	}
	if o.fsTracker.Arm() {
		o.log.Debug().Msg("Fullscreen tracking armed")
	}
	if o.tabTracker.Arm() {
		o.log.Debug().Msg("Tab-switch tracking armed")
	}
}

// FullscreenChanged handles a raw fullscreen change signal.
func (o *SessionOrchestrator) FullscreenChanged(sig integrity.FullscreenSignal) {
	if o.phase.IsTerminal() || o.submitConfirmed {
		return
	}
	o.fsGuard.Observe(sig)
}

// FocusChanged handles visibility and window focus changes.
func (o *SessionOrchestrator) FocusChanged(focused bool) {
	if o.phase.IsTerminal() || o.submitConfirmed {
		return
	}
	if focused {
		o.tabGuard.FocusGained()
		return
	}
	o.tabGuard.FocusLost()
}

func (o *SessionOrchestrator) onViolation(res integrity.Result) {
	if !res.Accepted {
		return
	}
	o.log.Warn().
		Str("stream", string(res.Stream)).
		Int("count", res.Count).
		Int("limit", res.Limit).
		Bool("terminated", res.Terminated).
		Msg("Integrity violation")

	o.publishViolation(res.ViolationState)

	if res.Terminated {
		o.store.FlushAll()
		o.emit(EventTerminationPending, EndedView{
			Reason:  "violation_limit",
			Stream:  string(res.Stream),
			DelayMs: o.cfg.TerminationDelay.Milliseconds(),
			Phase:   o.phase,
		})
		return
	}
	o.emit(EventViolationWarning, res.ViolationState)
	o.emitState()
}

func (o *SessionOrchestrator) onRemediate(stream model.ViolationStream) {
	if o.phase.IsTerminal() {
		return
	}
	switch stream {
	case model.StreamFullscreen:
		if !o.fsGuard.IsFullscreen() {
			o.command(CommandRequestFullscreen)
		}
	case model.StreamTabSwitch:
		o.command(CommandFocusWindow)
	}
}

func (o *SessionOrchestrator) onViolationLimit(stream model.ViolationStream) {
	o.terminate("violation_limit:" + string(stream))
}

func (o *SessionOrchestrator) terminate(reason string) {
	if o.phase.IsTerminal() {
		return
	}
	o.log.Warn().Str("reason", reason).Msg("Terminating session")
	o.store.FlushAll()
	o.phase = model.PhaseTerminated
	o.endReason = reason
	o.stopMonitoring()
	o.command(CommandExitFullscreen)
	o.recordFinish(model.PhaseTerminated, reason)
	o.emit(EventTerminated, EndedView{Reason: reason, Phase: o.phase})
	o.command(CommandShowEnded)
	o.emitState()
}

// ─── Navigation ────────────────────────────────────────────────────────

// Next advances the cursor; at the end of the section it starts EndSection.
func (o *SessionOrchestrator) Next() error {
	if err := o.requireActive(); err != nil {
		return err
	}
	o.leaveQuestion()
	if o.nav.GoNext() == navigation.MoveEndOfSection {
		o.EndSection()
		return nil
	}
	o.afterMove()
	return nil
}

// Previous steps back; a no-op on the first question.
func (o *SessionOrchestrator) Previous() error {
	if err := o.requireActive(); err != nil {
		return err
	}
	o.leaveQuestion()
	if o.nav.GoPrevious() {
		o.afterMove()
	}
	return nil
}

// GoToQuestion jumps to the n-th question of the active section.
func (o *SessionOrchestrator) GoToQuestion(n int) error {
	if err := o.requireActive(); err != nil {
		return err
	}
	o.leaveQuestion()
	if err := o.nav.GoToQuestionNumber(n); err != nil {
		o.rejectNavigation(err)
		return err
	}
	o.afterMove()
	return nil
}

// SwitchTab moves to another question-type tab of the active section.
func (o *SessionOrchestrator) SwitchTab(tab int) error {
	if err := o.requireActive(); err != nil {
		return err
	}
	o.leaveQuestion()
	if err := o.nav.SwitchTab(tab); err != nil {
		o.rejectNavigation(err)
		return err
	}
	o.afterMove()
	return nil
}

// SwitchSection moves to another section. Completed sections are locked.
func (o *SessionOrchestrator) SwitchSection(sectionID string) error {
	if err := o.requireActive(); err != nil {
		return err
	}
	o.leaveQuestion()
	if err := o.nav.SwitchSection(sectionID); err != nil {
		o.rejectNavigation(err)
		return err
	}
	o.afterMove()
	return nil
}

// ToggleFlag marks a question for review.
func (o *SessionOrchestrator) ToggleFlag(questionID string) (bool, error) {
	if err := o.requireActive(); err != nil {
		return false, err
	}
	flagged := o.nav.ToggleFlag(questionID)
	o.emitState()
	return flagged, nil
}

// BackAttempt neutralizes a history-back attempt.
func (o *SessionOrchestrator) BackAttempt() {
	if o.phase.IsTerminal() {
		o.command(CommandShowEnded)
		return
	}
	o.emit(EventBackBlocked, map[string]string{
		"message": "Going back is disabled during the assessment",
	})
}

func (o *SessionOrchestrator) leaveQuestion() {
	qid := o.nav.CurrentQuestionID()
	if qid == "" {
		return
	}
	if !o.enteredAt.IsZero() {
		o.store.AddTimeSpent(qid, o.deps.Now().Sub(o.enteredAt))
		o.enteredAt = o.deps.Now()
	}
	// Started before the cursor moves so the last keystroke is not lost.
	o.store.FlushAnswer(qid)
}

func (o *SessionOrchestrator) afterMove() {
	o.saveCursor()
	o.openQuestion()
	o.emitState()
}

func (o *SessionOrchestrator) rejectNavigation(err error) {
	o.emit(EventNavigationRejected, map[string]string{"error": err.Error()})
}

func (o *SessionOrchestrator) openQuestion() {
	qid := o.nav.CurrentQuestionID()
	o.enteredAt = o.deps.Now()
	if qid == "" {
		return
	}
	var q *model.Question
	o.deps.Exec.Go(func(ctx context.Context) error {
		var err error
		q, err = o.deps.API.GetQuestion(ctx, qid)
		return err
	}, func(err error) {
		if err != nil {
			o.log.Warn().Err(err).Str("question_id", qid).Msg("Question fetch failed")
			o.emit(EventQuestionUnavailable, map[string]string{"question_id": qid})
			return
		}
		o.store.MergeCandidate(q)
		if o.phase.IsTerminal() || o.nav.CurrentQuestionID() != qid {
			return
		}
		view := QuestionView{Question: q, Flagged: o.nav.IsFlagged(qid)}
		if a, ok := o.store.GetAnswer(qid); ok {
			view.Answer = &a
		}
		o.emit(EventQuestion, view)
	})
}

// ─── Answers ───────────────────────────────────────────────────────────

// SetAnswer records a local edit.
func (o *SessionOrchestrator) SetAnswer(questionID string, value model.Answer) error {
	if err := o.requireActive(); err != nil {
		return err
	}
	if err := o.store.SetAnswer(questionID, value); err != nil {
		o.emit(EventAnswerRejected, map[string]string{"question_id": questionID, "error": err.Error()})
		return err
	}
	return nil
}

// SaveAll writes every pending answer.
func (o *SessionOrchestrator) SaveAll() int {
	return o.store.FlushAll()
}

// ─── Section lifecycle ─────────────────────────────────────────────────

// EndSection persists progress; on the last question of the section it
// flushes all answers and asks for completion confirmation.
func (o *SessionOrchestrator) EndSection() {
	if o.phase != model.PhaseActive {
		return
	}
	facts := o.nav.Facts()
	if !facts.IsLastQuestionOfSection {
		o.store.FlushAnswer(facts.QuestionID)
		o.saveCursor()
		return
	}

	o.store.FlushAll()
	o.promptOpen = true
	sec := o.nav.ActiveSection()
	o.store.AfterWrites(func() {
		if o.phase != model.PhaseActive || o.nav.ActiveSection().ID != sec.ID {
			return
		}
		o.emit(EventSectionPrompt, SectionPromptView{
			Section:       sec,
			Progress:      o.nav.Progress(sec.ID),
			IsLastSection: o.nav.Facts().IsLastSection,
		})
	})
}

// ConfirmSectionComplete completes the active section remotely, freezes
// its progress and moves to the next section's instructions.
func (o *SessionOrchestrator) ConfirmSectionComplete() {
	if o.phase != model.PhaseActive || o.completing {
		return
	}
	sec := o.nav.ActiveSection()
	if o.nav.IsCompleted(sec.ID) {
		return
	}
	o.completing = true
	o.store.FlushAll()

	o.store.AfterWrites(func() {
		var done *client.CompletedSection
		o.deps.Exec.Go(func(ctx context.Context) error {
			var err error
			done, err = o.deps.API.CompleteSection(ctx)
			return err
		}, func(err error) {
			o.completing = false
			if o.phase.IsTerminal() {
				return
			}
			if err != nil {
				o.log.Warn().Err(err).Str("section_id", sec.ID).Msg("Complete-section failed")
				o.emit(EventSectionFailed, map[string]string{"section_id": sec.ID})
				return
			}
			o.promptOpen = false
			o.onSectionCompleted(sec, done)
		})
	})
}

// CancelSectionPrompt dismisses the completion prompt.
func (o *SessionOrchestrator) CancelSectionPrompt() {
	o.promptOpen = false
	o.emitState()
}

func (o *SessionOrchestrator) onSectionCompleted(sec model.Section, done *client.CompletedSection) {
	snapshot := o.nav.MarkSectionComplete(sec.ID)
	o.log.Info().
		Str("section_id", sec.ID).
		Int("answered", snapshot.Answered).
		Int("total", snapshot.Total).
		Bool("no_next_section", done != nil && done.NoNextSection).
		Msg("Section completed")

	if o.deps.Progress != nil {
		o.deps.Exec.Go(func(ctx context.Context) error {
			return o.deps.Progress.SaveCompleted(ctx, o.id.AssessmentID, o.id.CandidateID, snapshot)
		}, o.logFailure("Saving completed section failed"))
	}
	o.refreshSummary()

	if next, ok := o.nav.NextSection(); ok {
		if err := o.nav.SwitchSection(next.ID); err != nil {
			o.log.Error().Err(err).Str("section_id", next.ID).Msg("Switch to next section failed")
			return
		}
		o.emit(EventSectionInstructions, next)
		o.afterMove()
		return
	}
	o.emit(EventSubmitReady, o.Summary())
	o.emitState()
}

func (o *SessionOrchestrator) refreshSummary() {
	var summary *model.AssessmentSummary
	o.deps.Exec.Go(func(ctx context.Context) error {
		var err error
		summary, err = o.deps.API.GetSummary(ctx)
		return err
	}, func(err error) {
		if err != nil {
			o.log.Warn().Err(err).Msg("Summary refresh failed")
			return
		}
		if o.phase.IsTerminal() || len(summary.Sections) == 0 {
			return
		}
		sections := summary.OrderedSections()
		before := o.nav.Cursor()
		o.store.SetIndex(model.BuildQuestionIndex(sections))
		if err := o.nav.ReplaceSections(sections); err != nil {
			return
		}
		if o.nav.Cursor() != before {
			o.afterMove()
		}
	})
}

// ─── Submission ────────────────────────────────────────────────────────

// Summary computes per-section answered/total and the overall percentage.
func (o *SessionOrchestrator) Summary() model.SubmissionSummary {
	var s model.SubmissionSummary
	if o.nav == nil {
		return s
	}
	s.Sections = o.nav.AllProgress()
	for _, p := range s.Sections {
		s.Answered += p.Answered
		s.Total += p.Total
	}
	if s.Total > 0 {
		s.PercentAnswer = float64(s.Answered) * 100 / float64(s.Total)
	}
	return s
}

// RequestSubmit flushes answers and shows the submission summary.
func (o *SessionOrchestrator) RequestSubmit() error {
	if err := o.requireActive(); err != nil {
		return err
	}
	o.store.FlushAll()
	o.emit(EventSubmitSummary, o.Summary())
	return nil
}

// ConfirmSubmit stops capture, leaves fullscreen and submits the assessment.
// After a failed submit it only resends; the session stays frozen.
func (o *SessionOrchestrator) ConfirmSubmit() error {
	if o.phase != model.PhaseActive || o.nav == nil || o.limitReached() {
		return ErrNotActive
	}
	if o.submitting {
		return nil
	}
	o.submitting = true
	if !o.submitConfirmed {
		o.submitConfirmed = true
		o.leaveQuestion()
		o.stopMonitoring()
		o.command(CommandExitFullscreen)
	}
	o.store.FlushAll()
	o.store.AfterWrites(o.submit)
	return nil
}

func (o *SessionOrchestrator) submit() {
	o.deps.Exec.Go(func(ctx context.Context) error {
		_, err := o.deps.API.SubmitAssessment(ctx)
		return err
	}, func(err error) {
		o.submitting = false
		if o.phase.IsTerminal() {
			return
		}
		if err != nil {
			o.log.Error().Err(err).Msg("Assessment submit failed")
			o.emit(EventSubmitFailed, map[string]string{"error": "submit failed, please retry"})
			o.emitState()
			return
		}
		o.phase = model.PhaseSubmitted
		o.endReason = "submitted"
		o.log.Info().Msg("Assessment submitted")
		o.recordFinish(model.PhaseSubmitted, "submitted")
		if o.deps.Progress != nil {
			o.deps.Exec.Go(func(ctx context.Context) error {
				return o.deps.Progress.Clear(ctx, o.id.AssessmentID, o.id.CandidateID)
			}, o.logFailure("Clearing resume markers failed"))
		}
		o.emit(EventSubmitted, EndedView{Reason: "submitted", Phase: o.phase})
		o.emitState()
	})
}

// ─── Teardown ──────────────────────────────────────────────────────────

// Teardown stops every timer and releases the media stream. It is safe to
// call in any phase and more than once.
func (o *SessionOrchestrator) Teardown() {
	if o.tornDown {
		return
	}
	o.tornDown = true
	if stream, ok := o.terminatedStream(); ok && !o.phase.IsTerminal() {
		// The grace period is cut short; the limit was already reached.
		o.terminate("violation_limit:" + string(stream))
	}
	if o.phase == model.PhaseActive || o.phase == model.PhaseBlocked {
		if o.nav != nil {
			o.leaveQuestion()
		}
		o.store.FlushAll()
	}
	o.stopMonitoring()
	o.store.Close()
	o.log.Info().Str("phase", string(o.phase)).Msg("Session torn down")
}

func (o *SessionOrchestrator) stopMonitoring() {
	o.fsGuard.Stop()
	o.fsTracker.Stop()
	o.tabTracker.Stop()
	o.monitor.Release()
}

// ─── Helpers ───────────────────────────────────────────────────────────

func (o *SessionOrchestrator) requireActive() error {
	if o.phase != model.PhaseActive || o.nav == nil || o.submitConfirmed || o.limitReached() {
		return ErrNotActive
	}
	return nil
}

// limitReached reports a violation limit whose termination is still in its
// grace period.
func (o *SessionOrchestrator) limitReached() bool {
	_, ok := o.terminatedStream()
	return ok
}

func (o *SessionOrchestrator) terminatedStream() (model.ViolationStream, bool) {
	for _, t := range []*integrity.Tracker{o.fsTracker, o.tabTracker} {
		if t.Terminated() {
			return t.Stream(), true
		}
	}
	return "", false
}

func (o *SessionOrchestrator) fail(code string, err error) {
	o.phase = model.PhaseError
	o.endReason = code
	o.log.Error().Err(err).Str("code", code).Msg("Session cannot continue")
	o.stopMonitoring()
	o.emit(EventFatal, FatalView{Code: code, Message: err.Error()})
	o.emitState()
}

func (o *SessionOrchestrator) emit(name EventName, data any) {
	o.deps.Emit(Event{Name: name, Data: data})
}

func (o *SessionOrchestrator) command(c Command) {
	o.emit(EventCommand, map[string]Command{"command": c})
}

func (o *SessionOrchestrator) emitState() {
	view := StateView{
		Phase:       o.phase,
		Violations:  o.Violations(),
		Media:       o.monitor.Status(),
		Pending:     o.store.Pending(),
		Blocking:    o.fsGuard.CountdownActive() || o.phase == model.PhaseBlocked || o.promptOpen,
		SubmitRetry: o.submitConfirmed && !o.submitting && !o.phase.IsTerminal(),
	}
	if o.nav != nil {
		c := o.nav.Cursor()
		f := o.nav.Facts()
		view.Cursor = &c
		view.Facts = &f
		view.Sections = o.nav.Sections()
		view.Progress = o.nav.AllProgress()
	}
	o.emit(EventState, view)
}

func (o *SessionOrchestrator) saveCursor() {
	if o.deps.Progress == nil || o.nav == nil {
		return
	}
	c := o.nav.Cursor()
	o.deps.Exec.Go(func(ctx context.Context) error {
		return o.deps.Progress.SaveCursor(ctx, o.id.AssessmentID, o.id.CandidateID, c)
	}, o.logFailure("Saving resume marker failed"))
}

func (o *SessionOrchestrator) publishViolation(st model.ViolationState) {
	if o.deps.Violations == nil {
		return
	}
	ev := model.ViolationEvent{
		SessionID:    o.id.SessionID.String(),
		CandidateID:  o.id.CandidateID,
		AssessmentID: o.id.AssessmentID,
		Stream:       st.Stream,
		Count:        st.Count,
		Limit:        st.Limit,
		Terminated:   st.Terminated,
		OccurredAt:   o.deps.Now(),
	}
	o.deps.Exec.Go(func(ctx context.Context) error {
		return o.deps.Violations.Publish(ctx, ev)
	}, o.logFailure("Publishing violation failed"))
}

func (o *SessionOrchestrator) recordStart() {
	if o.deps.Outcomes == nil {
		return
	}
	rec := &model.ProctorSession{
		ID:           o.id.SessionID,
		CandidateID:  o.id.CandidateID,
		AssessmentID: o.id.AssessmentID,
		Status:       model.PhaseActive,
		StartedAt:    o.deps.Now(),
	}
	o.deps.Exec.Go(func(ctx context.Context) error {
		return o.deps.Outcomes.Start(ctx, rec)
	}, o.logFailure("Recording session start failed"))
}

func (o *SessionOrchestrator) recordFinish(status model.SessionPhase, reason string) {
	if o.deps.Outcomes == nil {
		return
	}
	o.deps.Exec.Go(func(ctx context.Context) error {
		return o.deps.Outcomes.Finish(ctx, o.id.SessionID, status, reason)
	}, o.logFailure("Recording session outcome failed"))
}

func (o *SessionOrchestrator) logFailure(msg string) func(error) {
	return func(err error) {
		if err != nil {
			o.log.Warn().Err(err).Msg(msg)
		}
	}
}

// String is used in logs.
func (o *SessionOrchestrator) String() string {
	return fmt.Sprintf("session %s (%s)", o.id.SessionID, o.phase)
}
