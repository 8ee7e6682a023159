package answer

import (
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Validation errors. A rejected value never changes state.
var (
	ErrAnswerIsQuestionID = errors.New("answer value equals the question id")
	ErrBooleanForFreeText = errors.New("true/false literal is not a free-text answer")
	ErrInvalidBoolean     = errors.New("true/false answer must be True or False")
	ErrIdentifierValue    = errors.New("answer value is an identifier, not candidate text")
	ErrEmptyText          = errors.New("answer has no text after removing markup")
)

// ValidateAnswer checks and normalizes a locally entered answer for a
// question of the given kind.
func ValidateAnswer(kind model.QuestionType, questionID string, value model.Answer) (model.Answer, error) {
	if sameIdentifier(value.Text, questionID) {
		return model.Answer{}, ErrAnswerIsQuestionID
	}
	for _, opt := range value.Options {
		if sameIdentifier(opt, questionID) {
			return model.Answer{}, ErrAnswerIsQuestionID
		}
	}

	switch kind {
	case model.QuestionTypeSingleSelect:
		text := strings.TrimSpace(value.Text)
		if text == "" && len(value.Options) == 1 {
			text = strings.TrimSpace(value.Options[0])
		}
		return model.TextAnswer(text), nil

	case model.QuestionTypeMultiSelect:
		opts := make([]string, 0, len(value.Options)+1)
		for _, o := range value.Options {
			if o = strings.TrimSpace(o); o != "" {
				opts = append(opts, o)
			}
		}
		if t := strings.TrimSpace(value.Text); t != "" {
			opts = append(opts, t)
		}
		slices.Sort(opts)
		opts = slices.Compact(opts)
		if len(opts) == 0 {
			return model.Answer{}, nil
		}
		return model.OptionsAnswer(opts...), nil

	case model.QuestionTypeTrueFalse:
		switch text := strings.TrimSpace(value.Text); {
		case text == "":
			return model.Answer{}, nil
		case strings.EqualFold(text, model.AnswerTrue):
			return model.TextAnswer(model.AnswerTrue), nil
		case strings.EqualFold(text, model.AnswerFalse):
			return model.TextAnswer(model.AnswerFalse), nil
		default:
			return model.Answer{}, ErrInvalidBoolean
		}

	case model.QuestionTypeEssay, model.QuestionTypeCoding:
		if isBooleanLiteral(value.Text) {
			return model.Answer{}, ErrBooleanForFreeText
		}
		return model.TextAnswer(value.Text), nil

	case model.QuestionTypeUnknown:
		return model.Answer{Text: value.Text, Options: value.Options}, nil
	}
	return model.Answer{Text: value.Text, Options: value.Options}, nil
}

// ValidateCandidate applies ValidateAnswer plus the stricter rules for
// values coming back from the backend: free-text and true/false values may
// not be identifiers, and free text must contain something after markup is
// stripped.
func ValidateCandidate(kind model.QuestionType, questionID string, value model.Answer) (model.Answer, error) {
	v, err := ValidateAnswer(kind, questionID, value)
	if err != nil {
		return model.Answer{}, err
	}

	switch kind {
	case model.QuestionTypeEssay, model.QuestionTypeCoding:
		if looksLikeUUID(v.Text) || looksLikeUUID(PlainText(v.Text)) {
			return model.Answer{}, ErrIdentifierValue
		}
		if PlainText(v.Text) == "" {
			return model.Answer{}, ErrEmptyText
		}
	case model.QuestionTypeTrueFalse:
		if v.IsEmpty() {
			return model.Answer{}, ErrEmptyText
		}
	case model.QuestionTypeSingleSelect, model.QuestionTypeMultiSelect, model.QuestionTypeUnknown:
		if v.IsEmpty() {
			return model.Answer{}, ErrEmptyText
		}
	}
	return v, nil
}

func isBooleanLiteral(s string) bool {
	s = strings.TrimSpace(s)
	return s == model.AnswerTrue || s == model.AnswerFalse
}

// sameIdentifier reports whether v is the question id itself, comparing
// UUID-shaped ids by value so case differences do not slip through.
func sameIdentifier(v, questionID string) bool {
	v = strings.TrimSpace(v)
	if v == "" || questionID == "" {
		return false
	}
	if v == questionID {
		return true
	}
	if !looksLikeUUID(v) {
		return false
	}
	a, err := uuid.Parse(v)
	if err != nil {
		return false
	}
	b, err := uuid.Parse(questionID)
	if err != nil {
		return false
	}
	return a == b
}

// looksLikeUUID matches the canonical 36-character hyphenated form only.
func looksLikeUUID(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
