// Package client talks to the remote assessment API on behalf of one
// candidate.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/sync/singleflight"
)

// ErrNoCredential is returned when no bearer token is available.
var ErrNoCredential = errors.New("bearer credential is required")

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 4 << 20

// APIError is a non-2xx response from the assessment API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("assessment api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("assessment api: %d: %s", e.Status, e.Message)
}

// IsNoNextSection reports whether err is the structured "no next section"
// reply of the complete-section endpoint.
func IsNoNextSection(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if strings.EqualFold(apiErr.Code, "NO_NEXT_SECTION") {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "no next section")
}

// CompletedSection is the reply of the complete-section endpoint.
type CompletedSection struct {
	SectionID     string `json:"section_id"`
	SectionName   string `json:"section_name"`
	NoNextSection bool   `json:"-"`
}

// SubmitResult is the reply of the submit endpoint.
type SubmitResult struct {
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at,omitempty"`
}

// Client is a bearer-authenticated assessment API client.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	log       zerolog.Logger
	questions singleflight.Group
}

// New creates a client. A missing token is a fatal precondition.
func New(baseURL, token string, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoCredential
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "assessment_client").Logger(),
	}, nil
}

// GetSummary fetches the assessment summary.
func (c *Client) GetSummary(ctx context.Context) (*model.AssessmentSummary, error) {
	var out model.AssessmentSummary
	if err := c.do(ctx, http.MethodGet, "/assessment-summary", nil, &out); err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	return &out, nil
}

// GetQuestion fetches one question. Concurrent fetches of the same id share
// a single request.
func (c *Client) GetQuestion(ctx context.Context, questionID string) (*model.Question, error) {
	v, err, _ := c.questions.Do(questionID, func() (any, error) {
		var q model.Question
		if err := c.do(ctx, http.MethodGet, "/question/"+url.PathEscape(questionID), nil, &q); err != nil {
			return nil, err
		}
		if q.ID == "" {
			q.ID = questionID
		}
		return &q, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get question %s: %w", questionID, err)
	}
	q := *v.(*model.Question)
	return &q, nil
}

// SubmitAnswer writes one answer.
func (c *Client) SubmitAnswer(ctx context.Context, sub model.AnswerSubmission) error {
	if err := c.do(ctx, http.MethodPost, "/answer", sub, nil); err != nil {
		return fmt.Errorf("submit answer %s: %w", sub.QuestionID, err)
	}
	return nil
}

// CompleteSection completes the active section. The "no next section"
// reply counts as success.
func (c *Client) CompleteSection(ctx context.Context) (*CompletedSection, error) {
	var out struct {
		CompletedSection CompletedSection `json:"completed_section"`
	}
	if err := c.do(ctx, http.MethodPost, "/assessment/complete-section", nil, &out); err != nil {
		if IsNoNextSection(err) {
			c.log.Debug().Msg("Complete-section reported no next section")
			return &CompletedSection{NoNextSection: true}, nil
		}
		return nil, fmt.Errorf("complete section: %w", err)
	}
	return &out.CompletedSection, nil
}

// SubmitAssessment submits the whole assessment.
func (c *Client) SubmitAssessment(ctx context.Context) (*SubmitResult, error) {
	var out SubmitResult
	if err := c.do(ctx, http.MethodPost, "/assessment/submit", nil, &out); err != nil {
		return nil, fmt.Errorf("submit assessment: %w", err)
	}
	return &out, nil
}

// envelope accepts both enveloped ({"data": …}) and bare responses.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Assessment API call")

	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		switch {
		case env.Error != nil:
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		case env.Message != "":
			apiErr.Message = env.Message
		case env.Detail != "":
			apiErr.Message = env.Detail
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	payload := raw
	if len(env.Data) > 0 && string(env.Data) != "null" {
		payload = env.Data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
