package model

import "time"

// ViolationStream identifies an independent integrity violation counter.
type ViolationStream string

const (
	StreamFullscreen ViolationStream = "fullscreen"
	StreamTabSwitch  ViolationStream = "tab_switch"
)

// ViolationState is the counter of one stream.
type ViolationState struct {
	Stream     ViolationStream `json:"stream"`
	Count      int             `json:"count"`
	Limit      int             `json:"limit"`
	Remaining  int             `json:"remaining"`
	Terminated bool            `json:"terminated"`
}

// ViolationEvent is a recorded violation queued for the audit log.
type ViolationEvent struct {
	SessionID    string          `json:"session_id"`
	CandidateID  string          `json:"candidate_id"`
	AssessmentID string          `json:"assessment_id"`
	Stream       ViolationStream `json:"stream"`
	Count        int             `json:"count"`
	Limit        int             `json:"limit"`
	Terminated   bool            `json:"terminated"`
	OccurredAt   time.Time       `json:"occurred_at"`
}
