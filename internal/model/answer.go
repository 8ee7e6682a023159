package model

import "slices"

// Boolean answer literals for true/false questions.
const (
	AnswerTrue  = "True"
	AnswerFalse = "False"
)

// Answer is a candidate's response to one question. Single-select and
// true/false answers use Text; multi-select uses Options; essay and coding
// answers hold rich text (HTML) in Text.
type Answer struct {
	Text    string   `json:"text,omitempty"`
	Options []string `json:"options,omitempty"`
}

// TextAnswer builds a text-valued answer.
func TextAnswer(s string) Answer {
	return Answer{Text: s}
}

// OptionsAnswer builds a multi-select answer.
func OptionsAnswer(ids ...string) Answer {
	return Answer{Options: ids}
}

// IsEmpty reports whether the answer carries no value.
func (a Answer) IsEmpty() bool {
	return a.Text == "" && len(a.Options) == 0
}

// Equal reports whether two answers hold the same value.
func (a Answer) Equal(b Answer) bool {
	return a.Text == b.Text && slices.Equal(a.Options, b.Options)
}

// AnswerSubmission is the body of the remote answer endpoint.
type AnswerSubmission struct {
	SectionID    string `json:"section_id"`
	QuestionType string `json:"question_type"`
	QuestionID   string `json:"question_id"`
	Answer       any    `json:"answer"`
	TimeSpent    int    `json:"time_spent"`
}
