// Package navigation owns the question cursor of a proctored session.
package navigation

import (
	"errors"
	"sort"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Navigation errors.
var (
	ErrNoSections         = errors.New("assessment has no sections")
	ErrUnknownSection     = errors.New("unknown section")
	ErrSectionLocked      = errors.New("section is completed and locked")
	ErrSectionActive      = errors.New("section is already active")
	ErrSectionIncomplete  = errors.New("active section must be completed before switching")
	ErrQuestionOutOfRange = errors.New("question number out of range")
	ErrTabOutOfRange      = errors.New("question type tab out of range")
)

// Move is the outcome of GoNext.
type Move string

const (
	MoveQuestion     Move = "question"
	MoveTab          Move = "tab"
	MoveEndOfSection Move = "end_of_section"
)

// Facts are derived from the cursor and recomputed on every change.
type Facts struct {
	QuestionID              string             `json:"question_id"`
	QuestionType            model.QuestionType `json:"question_type"`
	TypeCode                string             `json:"type_code"`
	GlobalQuestionNumber    int                `json:"global_question_number"`
	SectionQuestionCount    int                `json:"section_question_count"`
	IsLastQuestionOfSection bool               `json:"is_last_question_of_section"`
	IsLastSection           bool               `json:"is_last_section"`
	HasNextSection          bool               `json:"has_next_section"`
	HasPreviousQuestion     bool               `json:"has_previous_question"`
}

// AnswerChecker reports whether a question has an answer.
type AnswerChecker func(questionID string) bool

// Machine is the section/tab/question state machine. Not safe for
// concurrent use; the session loop owns it.
type Machine struct {
	sections  []model.Section
	cursor    model.Cursor
	facts     Facts
	completed map[string]model.SectionProgress
	flagged   map[string]bool
	visited   map[string]bool
	answered  AnswerChecker
}

// New creates a machine positioned at the first question of the first section.
func New(sections []model.Section, answered AnswerChecker) (*Machine, error) {
	if len(sections) == 0 {
		return nil, ErrNoSections
	}
	if answered == nil {
		answered = func(string) bool { return false }
	}
	m := &Machine{
		sections:  sortSections(sections),
		completed: make(map[string]model.SectionProgress),
		flagged:   make(map[string]bool),
		visited:   make(map[string]bool),
		answered:  answered,
	}
	m.cursor = model.Cursor{SectionID: m.sections[0].ID}
	m.refresh()
	return m, nil
}

// Cursor returns the current position.
func (m *Machine) Cursor() model.Cursor {
	return m.cursor
}

// Facts returns the derived facts of the current position.
func (m *Machine) Facts() Facts {
	return m.facts
}

// Sections returns the ordered sections.
func (m *Machine) Sections() []model.Section {
	return m.sections
}

// ActiveSection returns the section under the cursor.
func (m *Machine) ActiveSection() model.Section {
	sec, _ := m.section(m.cursor.SectionID)
	return sec
}

// CurrentQuestionID returns the question under the cursor, or "" for an
// empty section.
func (m *Machine) CurrentQuestionID() string {
	return m.facts.QuestionID
}

// GoNext advances within the tab, then to the next tab. At the last
// question it returns MoveEndOfSection and leaves the cursor in place.
func (m *Machine) GoNext() Move {
	tabs := m.ActiveSection().Tabs()
	if len(tabs) == 0 {
		return MoveEndOfSection
	}
	if m.cursor.Index+1 < len(tabs[m.cursor.Tab].QuestionIDs) {
		m.cursor.Index++
		m.refresh()
		return MoveQuestion
	}
	if m.cursor.Tab+1 < len(tabs) {
		m.cursor.Tab++
		m.cursor.Index = 0
		m.refresh()
		return MoveTab
	}
	return MoveEndOfSection
}

// GoPrevious steps back, crossing into the previous tab's last question.
// It reports false at the first question of the first tab.
func (m *Machine) GoPrevious() bool {
	if m.cursor.Index > 0 {
		m.cursor.Index--
		m.refresh()
		return true
	}
	if m.cursor.Tab > 0 {
		tabs := m.ActiveSection().Tabs()
		m.cursor.Tab--
		m.cursor.Index = len(tabs[m.cursor.Tab].QuestionIDs) - 1
		m.refresh()
		return true
	}
	return false
}

// GoToQuestionNumber positions the cursor at the n-th (1-based) question of
// the active section, switching tab if needed.
func (m *Machine) GoToQuestionNumber(n int) error {
	tabs := m.ActiveSection().Tabs()
	if n < 1 {
		return ErrQuestionOutOfRange
	}
	offset := 0
	for i, tab := range tabs {
		size := len(tab.QuestionIDs)
		if n <= offset+size {
			m.cursor.Tab = i
			m.cursor.Index = n - offset - 1
			m.refresh()
			return nil
		}
		offset += size
	}
	return ErrQuestionOutOfRange
}

// SwitchTab moves to the first question of a question-type tab.
func (m *Machine) SwitchTab(tab int) error {
	tabs := m.ActiveSection().Tabs()
	if tab < 0 || tab >= len(tabs) {
		return ErrTabOutOfRange
	}
	m.cursor.Tab = tab
	m.cursor.Index = 0
	m.refresh()
	return nil
}

// SwitchSection moves to a section that is not completed yet. Completed
// sections are locked for good, and the active section has to be completed
// before the cursor may leave it.
func (m *Machine) SwitchSection(id string) error {
	if !m.has(id) {
		return ErrUnknownSection
	}
	if m.IsCompleted(id) {
		return ErrSectionLocked
	}
	if id == m.cursor.SectionID {
		return ErrSectionActive
	}
	if !m.IsCompleted(m.cursor.SectionID) {
		return ErrSectionIncomplete
	}
	m.cursor = model.Cursor{SectionID: id}
	m.refresh()
	return nil
}

// MarkSectionComplete freezes the section's progress. Later calls return
// the original snapshot.
func (m *Machine) MarkSectionComplete(id string) model.SectionProgress {
	if p, ok := m.completed[id]; ok {
		return p
	}
	p := m.liveProgress(id)
	p.Frozen = true
	m.completed[id] = p
	m.refresh()
	return p
}

// IsCompleted reports whether the section was completed.
func (m *Machine) IsCompleted(id string) bool {
	_, ok := m.completed[id]
	return ok
}

// NextSection returns the first not-completed section after the active one.
func (m *Machine) NextSection() (model.Section, bool) {
	_, pos := m.section(m.cursor.SectionID)
	for i := pos + 1; i < len(m.sections); i++ {
		if !m.IsCompleted(m.sections[i].ID) {
			return m.sections[i], true
		}
	}
	return model.Section{}, false
}

// ReplaceSections installs a refreshed summary. If the active section
// disappeared, the cursor resets to the first available section.
func (m *Machine) ReplaceSections(sections []model.Section) error {
	if len(sections) == 0 {
		return ErrNoSections
	}
	m.sections = sortSections(sections)
	if !m.has(m.cursor.SectionID) {
		m.cursor = model.Cursor{SectionID: m.firstAvailable()}
	} else if !m.validPosition(m.cursor) {
		m.cursor.Tab, m.cursor.Index = 0, 0
	}
	m.refresh()
	return nil
}

// Restore moves the cursor to a saved position if it is still valid and
// its section is not locked.
func (m *Machine) Restore(c model.Cursor) bool {
	if m.IsCompleted(c.SectionID) || !m.validPosition(c) {
		return false
	}
	m.cursor = c
	m.refresh()
	return true
}

// RestoreCompleted re-applies frozen progress snapshots, e.g. after a reload.
func (m *Machine) RestoreCompleted(progress []model.SectionProgress) {
	for _, p := range progress {
		if !m.has(p.SectionID) {
			continue
		}
		p.Frozen = true
		m.completed[p.SectionID] = p
	}
	if m.IsCompleted(m.cursor.SectionID) {
		m.cursor = model.Cursor{SectionID: m.firstAvailable()}
	}
	m.refresh()
}

// ToggleFlag marks or unmarks a question for review and returns the new state.
func (m *Machine) ToggleFlag(questionID string) bool {
	if m.flagged[questionID] {
		delete(m.flagged, questionID)
		return false
	}
	m.flagged[questionID] = true
	return true
}

// IsFlagged reports whether a question is marked for review.
func (m *Machine) IsFlagged(questionID string) bool {
	return m.flagged[questionID]
}

// Progress returns the live tally of the active or a pending section, or
// the frozen snapshot of a completed one.
func (m *Machine) Progress(sectionID string) model.SectionProgress {
	if p, ok := m.completed[sectionID]; ok {
		return p
	}
	return m.liveProgress(sectionID)
}

// AllProgress returns the progress of every section in order.
func (m *Machine) AllProgress() []model.SectionProgress {
	out := make([]model.SectionProgress, 0, len(m.sections))
	for _, s := range m.sections {
		out = append(out, m.Progress(s.ID))
	}
	return out
}

func (m *Machine) liveProgress(sectionID string) model.SectionProgress {
	sec, _ := m.section(sectionID)
	p := model.SectionProgress{SectionID: sectionID}
	for _, tab := range sec.Tabs() {
		for _, qid := range tab.QuestionIDs {
			p.Total++
			switch {
			case m.answered(qid):
				p.Answered++
			case m.visited[qid]:
				p.Skipped++
			}
			if m.flagged[qid] {
				p.Flagged++
			}
		}
	}
	return p
}

func (m *Machine) refresh() {
	sec, pos := m.section(m.cursor.SectionID)
	tabs := sec.Tabs()

	f := Facts{SectionQuestionCount: sec.QuestionCount()}
	if len(tabs) > 0 {
		tab := tabs[m.cursor.Tab]
		f.QuestionID = tab.QuestionIDs[m.cursor.Index]
		f.TypeCode = tab.TypeCode
		f.QuestionType = tab.Kind()
		offset := 0
		for i := 0; i < m.cursor.Tab; i++ {
			offset += len(tabs[i].QuestionIDs)
		}
		f.GlobalQuestionNumber = offset + m.cursor.Index + 1
		f.IsLastQuestionOfSection = m.cursor.Tab == len(tabs)-1 && m.cursor.Index == len(tab.QuestionIDs)-1
		f.HasPreviousQuestion = m.cursor.Tab > 0 || m.cursor.Index > 0
		m.visited[f.QuestionID] = true
	} else {
		f.IsLastQuestionOfSection = true
	}

	f.HasNextSection = false
	for i := pos + 1; i < len(m.sections); i++ {
		if !m.IsCompleted(m.sections[i].ID) {
			f.HasNextSection = true
			break
		}
	}
	f.IsLastSection = !f.HasNextSection
	m.facts = f
}

func (m *Machine) validPosition(c model.Cursor) bool {
	sec, pos := m.section(c.SectionID)
	if pos < 0 {
		return false
	}
	tabs := sec.Tabs()
	if len(tabs) == 0 {
		return c.Tab == 0 && c.Index == 0
	}
	return c.Tab >= 0 && c.Tab < len(tabs) && c.Index >= 0 && c.Index < len(tabs[c.Tab].QuestionIDs)
}

func (m *Machine) firstAvailable() string {
	for _, s := range m.sections {
		if !m.IsCompleted(s.ID) {
			return s.ID
		}
	}
	return m.sections[0].ID
}

func (m *Machine) section(id string) (model.Section, int) {
	for i, s := range m.sections {
		if s.ID == id {
			return s, i
		}
	}
	return model.Section{}, -1
}

func (m *Machine) has(id string) bool {
	_, pos := m.section(id)
	return pos >= 0
}

func sortSections(sections []model.Section) []model.Section {
	out := make([]model.Section, len(sections))
	copy(out, sections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
