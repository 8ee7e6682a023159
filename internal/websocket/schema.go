package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/integrity"
)

// ─── Actions (Shell → Server) ───────────────────────────────────────

type Action string

const (
	ActionPing Action = "ping"

	// Lifecycle and media.
	ActionStart            Action = "start"
	ActionMediaPermissions Action = "media_permissions"
	ActionMediaFrame       Action = "media_frame"
	ActionMediaRetry       Action = "media_retry"
	ActionInteraction      Action = "interaction"
	ActionFullscreenChange Action = "fullscreen_change"
	ActionVisibilityChange Action = "visibility_change"
	ActionBackAttempt      Action = "back_attempt"

	// Navigation.
	ActionNext          Action = "next"
	ActionPrevious      Action = "previous"
	ActionGoToQuestion  Action = "go_to_question"
	ActionSwitchTab     Action = "switch_tab"
	ActionSwitchSection Action = "switch_section"
	ActionToggleFlag    Action = "toggle_flag"

	// Answers, sections and submission.
	ActionSetAnswer              Action = "set_answer"
	ActionSaveAll                Action = "save_all"
	ActionEndSection             Action = "end_section"
	ActionConfirmSectionComplete Action = "confirm_section_complete"
	ActionCancelSectionPrompt    Action = "cancel_section_prompt"
	ActionRequestSubmit          Action = "request_submit"
	ActionConfirmSubmit          Action = "confirm_submit"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action          `json:"action" validate:"required"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// MediaPermissionsRequest reports the browser's camera/microphone grants.
type MediaPermissionsRequest struct {
	Camera     bool   `json:"camera"`
	Microphone bool   `json:"microphone"`
	Error      string `json:"error,omitempty" validate:"max=512"`
}

// MediaFrameRequest carries one sampled video frame (JPEG or PNG, base64
// in JSON).
type MediaFrameRequest struct {
	Frame []byte `json:"frame" validate:"required,max=2097152"`
}

// FullscreenChangeRequest is the raw fullscreen state, one flag per vendor
// variant.
type FullscreenChangeRequest struct {
	integrity.FullscreenSignal
}

// VisibilityChangeRequest reports document visibility or window focus.
type VisibilityChangeRequest struct {
	Visible bool `json:"visible"`
}

// GoToQuestionRequest jumps to a 1-based question number of the section.
type GoToQuestionRequest struct {
	Number int `json:"number" validate:"required,min=1"`
}

// SwitchTabRequest selects a question-type tab.
type SwitchTabRequest struct {
	Tab int `json:"tab" validate:"min=0"`
}

// SwitchSectionRequest selects another section.
type SwitchSectionRequest struct {
	SectionID string `json:"section_id" validate:"required"`
}

// QuestionRequest addresses one question.
type QuestionRequest struct {
	QuestionID string `json:"question_id" validate:"required"`
}

// SetAnswerRequest records a local answer edit. Text carries single
// select, true/false and essay values; Options carries multi select.
type SetAnswerRequest struct {
	QuestionID string   `json:"question_id" validate:"required"`
	Text       string   `json:"text,omitempty" validate:"max=65536"`
	Options    []string `json:"options,omitempty" validate:"max=64,dive,max=128"`
}

// ─── Events (Server → Shell) ────────────────────────────────────────

type Event string

const (
	EventError Event = "error"
	EventAck   Event = "ack"
	EventPong  Event = "pong"
)

type AckResponse struct {
	Event  Event  `json:"event"`
	Action Action `json:"action"`
	Data   any    `json:"data,omitempty"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Action Action            `json:"action,omitempty"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
