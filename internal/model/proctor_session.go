package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionPhase enumerates proctor session states.
type SessionPhase string

const (
	// PhaseSetup covers credential checks, summary fetch and the initial
	// capture setup, while browser permission prompts may be open.
	PhaseSetup      SessionPhase = "SETUP"
	PhaseBlocked    SessionPhase = "BLOCKED"
	PhaseActive     SessionPhase = "ACTIVE"
	PhaseTerminated SessionPhase = "TERMINATED"
	PhaseSubmitted  SessionPhase = "SUBMITTED"
	PhaseError      SessionPhase = "ERROR"
)

// IsTerminal reports whether the phase permanently blocks interaction.
func (p SessionPhase) IsTerminal() bool {
	return p == PhaseTerminated || p == PhaseSubmitted || p == PhaseError
}

// Cursor is the single source of truth for what is on screen.
type Cursor struct {
	SectionID string `json:"active_section_id"`
	Tab       int    `json:"active_type_tab"`
	Index     int    `json:"active_question_index"`
}

// SectionProgress is the answered/total tally of a section. Completed
// sections keep the snapshot taken at completion time.
type SectionProgress struct {
	SectionID string `json:"section_id"`
	Answered  int    `json:"answered"`
	Total     int    `json:"total"`
	Flagged   int    `json:"flagged"`
	Skipped   int    `json:"skipped"`
	Frozen    bool   `json:"frozen"`
}

// SubmissionSummary is shown to the candidate before the final submit.
type SubmissionSummary struct {
	Sections      []SectionProgress `json:"sections"`
	Answered      int               `json:"answered"`
	Total         int               `json:"total"`
	PercentAnswer float64           `json:"percent_answered"`
}

// ProctorSession is the persisted outcome of a proctored attempt.
type ProctorSession struct {
	ID           uuid.UUID    `json:"id"`
	CandidateID  string       `json:"candidate_id"`
	AssessmentID string       `json:"assessment_id"`
	Status       SessionPhase `json:"status"`
	EndReason    *string      `json:"end_reason,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}
