package service

import (
	"github.com/stemsi/exstem-proctor/internal/media"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/navigation"
)

// EventName identifies a message pushed to the browser shell.
type EventName string

const (
	EventState               EventName = "state"
	EventQuestion            EventName = "question"
	EventQuestionUnavailable EventName = "question_unavailable"
	EventAnswerRejected      EventName = "answer_rejected"
	EventAnswerSaved         EventName = "answer_saved"
	EventMediaBlocked        EventName = "media_blocked"
	EventMediaRestored       EventName = "media_restored"
	EventViolationWarning    EventName = "violation_warning"
	EventTerminationPending  EventName = "termination_pending"
	EventFullscreenCountdown EventName = "fullscreen_countdown"
	EventFullscreenRestored  EventName = "fullscreen_restored"
	EventNavigationRejected  EventName = "navigation_rejected"
	EventSectionPrompt       EventName = "section_complete_prompt"
	EventSectionFailed       EventName = "section_complete_failed"
	EventSectionInstructions EventName = "section_instructions"
	EventSubmitReady         EventName = "submit_ready"
	EventSubmitSummary       EventName = "submit_summary"
	EventSubmitFailed        EventName = "submit_failed"
	EventSubmitted           EventName = "submitted"
	EventTerminated          EventName = "terminated"
	EventBackBlocked         EventName = "back_navigation_blocked"
	EventFatal               EventName = "fatal_error"
	EventCommand             EventName = "command"
)

// Command is an instruction the shell must execute.
type Command string

const (
	CommandRequestFullscreen Command = "request_fullscreen"
	CommandExitFullscreen    Command = "exit_fullscreen"
	CommandFocusWindow       Command = "focus_window"
	CommandStopCapture       Command = "stop_capture"
	CommandShowEnded         Command = "show_ended_view"
)

// Event is one message for the shell.
type Event struct {
	Name EventName `json:"event"`
	Data any       `json:"data,omitempty"`
}

// StateView is the full session state the shell renders from.
type StateView struct {
	Phase      model.SessionPhase      `json:"phase"`
	Cursor     *model.Cursor           `json:"cursor,omitempty"`
	Facts      *navigation.Facts       `json:"facts,omitempty"`
	Sections   []model.Section         `json:"sections,omitempty"`
	Progress   []model.SectionProgress `json:"progress,omitempty"`
	Violations []model.ViolationState  `json:"violations"`
	Media      media.Status            `json:"media"`
	Pending    int                     `json:"pending_answers"`
	Blocking   bool                    `json:"blocking_overlay"`
	// SubmitRetry means submission was confirmed but failed; only a
	// confirm_submit retry is accepted.
	SubmitRetry bool `json:"submit_retry"`
}

// QuestionView is a fetched question with the candidate's current answer.
type QuestionView struct {
	Question *model.Question `json:"question"`
	Answer   *model.Answer   `json:"answer,omitempty"`
	Flagged  bool            `json:"flagged"`
}

// FatalView describes a structural failure.
type FatalView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SectionPromptView asks the candidate to confirm section completion.
type SectionPromptView struct {
	Section       model.Section         `json:"section"`
	Progress      model.SectionProgress `json:"progress"`
	IsLastSection bool                  `json:"is_last_section"`
}

// EndedView describes why the session ended.
type EndedView struct {
	Reason  string             `json:"reason"`
	Stream  string             `json:"stream,omitempty"`
	DelayMs int64              `json:"delay_ms,omitempty"`
	Phase   model.SessionPhase `json:"phase"`
}
