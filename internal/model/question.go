package model

import (
	"encoding/json"
	"strings"
)

// QuestionType is the normalized kind of a question, independent of the
// backend's type code spelling.
type QuestionType string

const (
	QuestionTypeUnknown      QuestionType = "unknown"
	QuestionTypeSingleSelect QuestionType = "single_select"
	QuestionTypeMultiSelect  QuestionType = "multi_select"
	QuestionTypeTrueFalse    QuestionType = "true_false"
	QuestionTypeEssay        QuestionType = "essay"
	QuestionTypeCoding       QuestionType = "coding"
)

var questionTypeAliases = map[string]QuestionType{
	"single_select":   QuestionTypeSingleSelect,
	"single_choice":   QuestionTypeSingleSelect,
	"mcq":             QuestionTypeSingleSelect,
	"multiple_choice": QuestionTypeSingleSelect,
	"multi_select":    QuestionTypeMultiSelect,
	"multiple_select": QuestionTypeMultiSelect,
	"multi_choice":    QuestionTypeMultiSelect,
	"msq":             QuestionTypeMultiSelect,
	"true_false":      QuestionTypeTrueFalse,
	"truefalse":       QuestionTypeTrueFalse,
	"tf":              QuestionTypeTrueFalse,
	"boolean":         QuestionTypeTrueFalse,
	"essay":           QuestionTypeEssay,
	"subjective":      QuestionTypeEssay,
	"long_answer":     QuestionTypeEssay,
	"short_answer":    QuestionTypeEssay,
	"coding":          QuestionTypeCoding,
	"code":            QuestionTypeCoding,
	"programming":     QuestionTypeCoding,
}

// ParseQuestionType maps a backend type code to a QuestionType.
// Unrecognized codes yield QuestionTypeUnknown.
func ParseQuestionType(code string) QuestionType {
	key := strings.ToLower(strings.TrimSpace(code))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if t, ok := questionTypeAliases[key]; ok {
		return t
	}
	return QuestionTypeUnknown
}

// IsFreeText reports whether answers are rich text typed by the candidate.
func (t QuestionType) IsFreeText() bool {
	switch t {
	case QuestionTypeEssay, QuestionTypeCoding:
		return true
	case QuestionTypeSingleSelect, QuestionTypeMultiSelect, QuestionTypeTrueFalse, QuestionTypeUnknown:
		return false
	}
	return false
}

// QuestionRef locates a question inside the assessment.
type QuestionRef struct {
	QuestionID string       `json:"question_id"`
	TypeCode   string       `json:"type"`
	Kind       QuestionType `json:"kind"`
	SectionID  string       `json:"section_id"`
}

// Question is the per-question payload returned by the assessment API.
type Question struct {
	ID                  string          `json:"question_id"`
	Type                string          `json:"question_type"`
	Text                string          `json:"question_text"`
	Options             json.RawMessage `json:"options,omitempty"`
	TimeLimit           int             `json:"time_limit"`
	CandidateAnswer     json.RawMessage `json:"candidate_answer,omitempty"`
	CandidateAnswerHTML string          `json:"candidate_answer_html,omitempty"`
}
