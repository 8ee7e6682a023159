package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// Common auth errors.
var (
	ErrInvalidToken      = errors.New("invalid token claims")
	ErrMissingAssessment = errors.New("candidate token has no assessment")
)

// TokenType distinguishes candidate vs proctor tokens.
type TokenType string

const (
	TokenTypeCandidate TokenType = "candidate"
	TokenTypeProctor   TokenType = "proctor"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType    TokenType `json:"token_type"`
	CandidateID  string    `json:"candidate_id,omitempty"`
	AssessmentID string    `json:"assessment_id,omitempty"` // Candidate only
}

// AuthService verifies bearer credentials issued by the authentication
// collaborator and mints tokens for local development.
type AuthService struct {
	cfg *config.Config
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{cfg: cfg}
}

// GenerateCandidateToken creates a JWT that lets a candidate stream one
// proctored assessment.
func (s *AuthService) GenerateCandidateToken(candidateID, assessmentID string, ttl time.Duration) (string, error) {
	if assessmentID == "" {
		return "", ErrMissingAssessment
	}
	return s.sign(Claims{
		TokenType:    TokenTypeCandidate,
		CandidateID:  candidateID,
		AssessmentID: assessmentID,
	}, candidateID, ttl)
}

// GenerateProctorToken creates a JWT for the read-only session endpoints.
func (s *AuthService) GenerateProctorToken(subject string, ttl time.Duration) (string, error) {
	return s.sign(Claims{TokenType: TokenTypeProctor}, subject, ttl)
}

func (s *AuthService) sign(claims Claims, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType == TokenTypeCandidate {
		if claims.CandidateID == "" {
			claims.CandidateID = claims.Subject
		}
		if claims.CandidateID == "" {
			return nil, ErrInvalidToken
		}
		if claims.AssessmentID == "" {
			return nil, ErrMissingAssessment
		}
	}

	return claims, nil
}
