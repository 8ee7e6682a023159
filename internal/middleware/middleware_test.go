package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error.Code
}

func candidateRouter(auth *service.AuthService, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := append([]gin.HandlerFunc{RequireCandidateWSAuth(auth)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		claims := GetClaims(c)
		c.JSON(http.StatusOK, gin.H{"candidate": claims.CandidateID, "token": GetRawToken(c)})
	})
	r.GET("/stream", handlers...)
	return r
}

func TestRequireCandidateWSAuth(t *testing.T) {
	auth := service.NewAuthService(&config.Config{JWTSecret: "test-secret"})
	candidate, err := auth.GenerateCandidateToken("cand-1", "asm-1", time.Hour)
	require.NoError(t, err)
	proctor, err := auth.GenerateProctorToken("ops", time.Hour)
	require.NoError(t, err)
	expired, err := auth.GenerateCandidateToken("cand-1", "asm-1", -time.Minute)
	require.NoError(t, err)

	r := candidateRouter(auth)

	t.Run("query token", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream?token="+candidate, nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"candidate":"cand-1","token":"`+candidate+`"}`, w.Body.String())
	})

	t.Run("bearer header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/stream", nil)
		req.Header.Set("Authorization", "Bearer "+candidate)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, response.ErrTokenRequired, errorCode(t, w))
	})

	t.Run("expired", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream?token="+expired, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, response.ErrTokenExpired, errorCode(t, w))
	})

	t.Run("proctor token", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream?token="+proctor, nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, response.ErrCandidateAccessOnly, errorCode(t, w))
	})
}

func TestRequireProctorJWT(t *testing.T) {
	auth := service.NewAuthService(&config.Config{JWTSecret: "test-secret"})
	proctor, err := auth.GenerateProctorToken("ops", time.Hour)
	require.NoError(t, err)
	candidate, err := auth.GenerateCandidateToken("cand-1", "asm-1", time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/sessions", RequireProctorJWT(auth), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	serve := func(token string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, serve(proctor).Code)

	w := serve(candidate)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrProctorAccessOnly, errorCode(t, w))

	w = serve("")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve("garbage")
	assert.Equal(t, response.ErrTokenInvalid, errorCode(t, w))
}

func TestRateLimiter_AllowAndRefill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rl := NewRateLimiter(ctx, 2, 50*time.Millisecond)
	assert.True(t, rl.Allow("candidate:a"))
	assert.True(t, rl.Allow("candidate:a"))
	assert.False(t, rl.Allow("candidate:a"))
	assert.True(t, rl.Allow("candidate:b"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("candidate:a"))
}

func TestRateLimiter_MiddlewareKeysByCandidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	auth := service.NewAuthService(&config.Config{JWTSecret: "test-secret"})
	rl := NewRateLimiter(ctx, 1, time.Minute)
	r := candidateRouter(auth, rl.Middleware())

	first, err := auth.GenerateCandidateToken("cand-1", "asm-1", time.Hour)
	require.NoError(t, err)
	other, err := auth.GenerateCandidateToken("cand-2", "asm-1", time.Hour)
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for _, token := range []string{first, first, other} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream?token="+token, nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusOK}, codes)
}
