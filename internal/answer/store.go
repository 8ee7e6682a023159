package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/loop"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrUnknownQuestion is returned for question ids outside the assessment.
var ErrUnknownQuestion = errors.New("question is not part of this assessment")

// Writer persists one answer remotely.
type Writer interface {
	SubmitAnswer(ctx context.Context, sub model.AnswerSubmission) error
}

// WriteResult reports the outcome of one remote write.
type WriteResult struct {
	QuestionID string
	OK         bool
	Err        error
}

// Options tunes the store.
type Options struct {
	// EssayIdle flushes free-text answers after this much idle time.
	// Zero keeps them local until FlushAnswer or FlushAll.
	EssayIdle time.Duration
	// OnWrite is called on the loop after every remote write completes.
	OnWrite func(WriteResult)
}

type entry struct {
	ref   model.QuestionRef
	value model.Answer

	localEdited     bool
	candidateLoaded bool
	dirty           bool
	inFlight        int
	// resend marks an edit made while a write was in flight. Writes of one
	// question are serialized so an older value never lands last.
	resend    bool
	timeSpent time.Duration
	autosave  *loop.Deferred
}

// Store owns the candidate's answers. It accepts local edits immediately and
// decides per question type when to write them to the backend. All methods
// must be called from the session loop.
type Store struct {
	writer  Writer
	runner  loop.Runner
	sched   loop.Scheduler
	log     zerolog.Logger
	opts    Options
	index   map[string]model.QuestionRef
	entries map[string]*entry

	inFlight int
	waiters  []func()
}

// NewStore creates an empty answer store.
func NewStore(writer Writer, runner loop.Runner, sched loop.Scheduler, log zerolog.Logger, opts Options) *Store {
	return &Store{
		writer:  writer,
		runner:  runner,
		sched:   sched,
		log:     log.With().Str("component", "answer_store").Logger(),
		opts:    opts,
		index:   make(map[string]model.QuestionRef),
		entries: make(map[string]*entry),
	}
}

// SetIndex installs the question index built from the assessment summary.
func (s *Store) SetIndex(index map[string]model.QuestionRef) {
	s.index = index
	for qid, e := range s.entries {
		if ref, ok := index[qid]; ok {
			e.ref = ref
		}
	}
}

// SetAnswer records a local edit. Rejected values leave the store untouched
// and trigger no remote call.
func (s *Store) SetAnswer(questionID string, value model.Answer) error {
	ref, ok := s.index[questionID]
	if !ok {
		return ErrUnknownQuestion
	}

	normalized, err := ValidateAnswer(ref.Kind, questionID, value)
	if err != nil {
		s.log.Warn().Err(err).Str("question_id", questionID).Msg("Rejected answer value")
		return err
	}

	e := s.entry(ref)
	e.localEdited = true
	if e.value.Equal(normalized) {
		return nil
	}
	e.value = normalized
	e.dirty = true

	switch ref.Kind {
	case model.QuestionTypeTrueFalse, model.QuestionTypeSingleSelect, model.QuestionTypeMultiSelect:
		s.FlushAnswer(questionID)
	case model.QuestionTypeEssay, model.QuestionTypeCoding, model.QuestionTypeUnknown:
		if s.opts.EssayIdle > 0 {
			if e.autosave == nil {
				e.autosave = loop.NewDeferred(s.sched, s.opts.EssayIdle, func() { s.FlushAnswer(questionID) })
			}
			e.autosave.Schedule()
		}
	}
	return nil
}

// GetAnswer returns the current local value.
func (s *Store) GetAnswer(questionID string) (model.Answer, bool) {
	e, ok := s.entries[questionID]
	if !ok || e.value.IsEmpty() {
		return model.Answer{}, false
	}
	return e.value, true
}

// HasAnswer reports whether the question counts as answered.
func (s *Store) HasAnswer(questionID string) bool {
	e, ok := s.entries[questionID]
	if !ok || e.value.IsEmpty() {
		return false
	}
	if e.ref.Kind.IsFreeText() {
		return PlainText(e.value.Text) != ""
	}
	return true
}

// IsDirty reports whether the local value has not been written yet.
func (s *Store) IsDirty(questionID string) bool {
	e, ok := s.entries[questionID]
	return ok && e.dirty
}

// AddTimeSpent accumulates time the candidate spent on a question.
func (s *Store) AddTimeSpent(questionID string, d time.Duration) {
	ref, ok := s.index[questionID]
	if !ok || d <= 0 {
		return
	}
	s.entry(ref).timeSpent += d
}

// FlushAnswer starts a remote write of a pending answer. It reports whether
// a write was started or queued behind the question's in-flight write; a
// second call without an intervening edit is a no-op.
func (s *Store) FlushAnswer(questionID string) bool {
	e, ok := s.entries[questionID]
	if !ok {
		return false
	}
	if e.autosave != nil {
		e.autosave.Cancel()
	}
	if !e.dirty {
		return false
	}
	if e.inFlight > 0 {
		if e.resend {
			return false
		}
		e.resend = true
		return true
	}

	payload, ok := wireValue(e.ref.Kind, e.value)
	if !ok {
		// Nothing worth sending; the local value stays as typed.
		e.dirty = false
		return false
	}

	sub := model.AnswerSubmission{
		SectionID:    e.ref.SectionID,
		QuestionType: e.ref.TypeCode,
		QuestionID:   questionID,
		Answer:       payload,
		TimeSpent:    int(e.timeSpent / time.Second),
	}

	e.dirty = false
	e.inFlight++
	s.inFlight++
	s.runner.Go(func(ctx context.Context) error {
		return s.writer.SubmitAnswer(ctx, sub)
	}, func(err error) {
		e.inFlight--
		s.inFlight--
		if err != nil {
			// Keep the value pending so the next flush retries it.
			e.dirty = true
			s.log.Warn().Err(err).Str("question_id", questionID).Msg("Answer write failed, keeping local value")
		} else {
			s.log.Debug().Str("question_id", questionID).Msg("Answer saved")
		}
		if s.opts.OnWrite != nil {
			s.opts.OnWrite(WriteResult{QuestionID: questionID, OK: err == nil, Err: err})
		}
		if e.resend {
			e.resend = false
			s.FlushAnswer(questionID)
		}
		if s.inFlight == 0 {
			s.runWaiters()
		}
	})
	return true
}

// InFlight returns the number of remote writes not yet completed.
func (s *Store) InFlight() int {
	return s.inFlight
}

// AfterWrites runs fn once no remote write is in flight, immediately if
// none is.
func (s *Store) AfterWrites(fn func()) {
	if s.inFlight == 0 {
		fn()
		return
	}
	s.waiters = append(s.waiters, fn)
}

func (s *Store) runWaiters() {
	waiters := s.waiters
	s.waiters = nil
	for _, fn := range waiters {
		fn()
	}
}

// FlushAll starts writes for every pending answer and returns how many
// writes were started.
func (s *Store) FlushAll() int {
	ids := make([]string, 0, len(s.entries))
	for qid, e := range s.entries {
		if e.dirty {
			ids = append(ids, qid)
		}
	}
	sort.Strings(ids)

	started := 0
	for _, qid := range ids {
		if s.FlushAnswer(qid) {
			started++
		}
	}
	return started
}

// Pending returns the number of answers not yet confirmed by the backend.
func (s *Store) Pending() int {
	n := 0
	for _, e := range s.entries {
		if e.dirty || e.inFlight > 0 {
			n++
		}
	}
	return n
}

// MergeCandidate applies the candidate_answer of a fetched question. The
// remote value wins only when the question was never edited locally in this
// session and no remote value was merged before.
func (s *Store) MergeCandidate(q *model.Question) bool {
	ref, ok := s.index[q.ID]
	if !ok {
		return false
	}
	if e, exists := s.entries[q.ID]; exists && (e.localEdited || e.candidateLoaded) {
		return false
	}

	raw, ok := candidateValue(ref.Kind, q)
	if !ok {
		return false
	}
	value, err := ValidateCandidate(ref.Kind, q.ID, raw)
	if err != nil {
		s.log.Debug().Err(err).Str("question_id", q.ID).Msg("Ignoring remote candidate answer")
		return false
	}

	e := s.entry(ref)
	e.value = value
	e.candidateLoaded = true
	e.dirty = false
	return true
}

// Close cancels pending idle autosaves.
func (s *Store) Close() {
	for _, e := range s.entries {
		if e.autosave != nil {
			e.autosave.Cancel()
		}
	}
}

func (s *Store) entry(ref model.QuestionRef) *entry {
	e, ok := s.entries[ref.QuestionID]
	if !ok {
		e = &entry{ref: ref}
		s.entries[ref.QuestionID] = e
	}
	return e
}

// wireValue converts a stored answer to the remote payload. It reports
// false when there is nothing to send.
func wireValue(kind model.QuestionType, a model.Answer) (any, bool) {
	switch kind {
	case model.QuestionTypeMultiSelect:
		if len(a.Options) == 0 {
			return nil, false
		}
		return a.Options, true
	case model.QuestionTypeEssay, model.QuestionTypeCoding:
		text := PlainText(a.Text)
		return text, text != ""
	case model.QuestionTypeSingleSelect, model.QuestionTypeTrueFalse, model.QuestionTypeUnknown:
		return a.Text, a.Text != ""
	}
	return a.Text, a.Text != ""
}

// candidateValue extracts the remote answer of a fetched question.
func candidateValue(kind model.QuestionType, q *model.Question) (model.Answer, bool) {
	if kind.IsFreeText() && strings.TrimSpace(q.CandidateAnswerHTML) != "" {
		return model.TextAnswer(q.CandidateAnswerHTML), true
	}
	if len(q.CandidateAnswer) == 0 || string(q.CandidateAnswer) == "null" {
		return model.Answer{}, false
	}

	var v any
	if err := json.Unmarshal(q.CandidateAnswer, &v); err != nil {
		return model.Answer{}, false
	}

	switch val := v.(type) {
	case string:
		if kind == model.QuestionTypeMultiSelect {
			return model.OptionsAnswer(strings.Split(val, ",")...), true
		}
		return model.TextAnswer(val), true
	case bool:
		if val {
			return model.TextAnswer(model.AnswerTrue), true
		}
		return model.TextAnswer(model.AnswerFalse), true
	case float64:
		return model.TextAnswer(fmt.Sprint(val)), true
	case []any:
		opts := make([]string, 0, len(val))
		for _, x := range val {
			opts = append(opts, fmt.Sprint(x))
		}
		return model.OptionsAnswer(opts...), true
	}
	return model.Answer{}, false
}
