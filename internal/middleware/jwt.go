package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
	// ContextKeyToken is the Gin context key for the raw bearer token.
	ContextKeyToken = "raw_token"
)

// RequireProctorJWT validates a proctor JWT from the Authorization header.
func RequireProctorJWT(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c)
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := authService.ValidateToken(tokenStr)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, tokenErrCode(err))
			return
		}

		if claims.TokenType != service.TokenTypeProctor {
			response.AbortFail(c, http.StatusForbidden, response.ErrProctorAccessOnly)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireCandidateWSAuth validates a candidate JWT from the query param
// ?token=... Browsers cannot set headers on a WebSocket upgrade.
func RequireCandidateWSAuth(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			tokenStr = bearerToken(c)
		}
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := authService.ValidateToken(tokenStr)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, tokenErrCode(err))
			return
		}

		if claims.TokenType != service.TokenTypeCandidate {
			response.AbortFail(c, http.StatusForbidden, response.ErrCandidateAccessOnly)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyToken, tokenStr)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetRawToken returns the verified bearer token, forwarded to the
// assessment API on the candidate's behalf.
func GetRawToken(c *gin.Context) string {
	return c.GetString(ContextKeyToken)
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func tokenErrCode(err error) response.ErrCode {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return response.ErrTokenExpired
	case errors.Is(err, service.ErrMissingAssessment):
		return response.ErrAssessmentRequired
	default:
		return response.ErrTokenInvalid
	}
}
