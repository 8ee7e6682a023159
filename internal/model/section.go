package model

import (
	"encoding/json"
	"sort"
)

// QuestionTypeGroup is one question-type tab inside a section.
type QuestionTypeGroup struct {
	TypeCode    string   `json:"type"`
	Count       int      `json:"count"`
	QuestionIDs []string `json:"question_ids"`
}

// Kind returns the normalized question type of the group.
func (g QuestionTypeGroup) Kind() QuestionType {
	return ParseQuestionType(g.TypeCode)
}

// Section is a timed group of questions. Immutable once fetched.
type Section struct {
	ID            string              `json:"section_id"`
	Name          string              `json:"section_name"`
	Order         int                 `json:"order"`
	Duration      int                 `json:"duration"`
	QuestionTypes []QuestionTypeGroup `json:"question_types"`
}

// Tabs returns the question-type groups that actually hold questions.
func (s Section) Tabs() []QuestionTypeGroup {
	tabs := make([]QuestionTypeGroup, 0, len(s.QuestionTypes))
	for _, g := range s.QuestionTypes {
		if len(g.QuestionIDs) > 0 {
			tabs = append(tabs, g)
		}
	}
	return tabs
}

// QuestionCount returns the total number of questions in the section.
func (s Section) QuestionCount() int {
	n := 0
	for _, g := range s.QuestionTypes {
		n += len(g.QuestionIDs)
	}
	return n
}

// AssessmentSummary is the response of the assessment-summary endpoint.
type AssessmentSummary struct {
	Sections []Section       `json:"sections"`
	Metadata SummaryMetadata `json:"metadata"`
}

// SummaryMetadata carries opaque timing information for the shell.
type SummaryMetadata struct {
	Timing json.RawMessage `json:"timing,omitempty"`
}

// OrderedSections returns a copy of the sections sorted by Order.
func (s *AssessmentSummary) OrderedSections() []Section {
	out := make([]Section, len(s.Sections))
	copy(out, s.Sections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// BuildQuestionIndex maps every question id to its section and type.
// When an id appears more than once the first occurrence wins.
func BuildQuestionIndex(sections []Section) map[string]QuestionRef {
	index := make(map[string]QuestionRef)
	for _, sec := range sections {
		for _, g := range sec.QuestionTypes {
			for _, qid := range g.QuestionIDs {
				if _, exists := index[qid]; exists {
					continue
				}
				index[qid] = QuestionRef{
					QuestionID: qid,
					TypeCode:   g.TypeCode,
					Kind:       g.Kind(),
					SectionID:  sec.ID,
				}
			}
		}
	}
	return index
}
