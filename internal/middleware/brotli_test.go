package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brotliRouter(body string) *gin.Engine {
	r := gin.New()
	r.Use(Brotli(64))
	r.GET("/data", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"body": body})
	})
	return r
}

func get(r http.Handler, acceptEncoding string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	if acceptEncoding != "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBrotli_CompressesLargeBodies(t *testing.T) {
	payload := strings.Repeat("violation ", 50)
	w := get(brotliRouter(payload), "gzip, br;q=0.9")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "br", w.Header().Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", w.Header().Get("Vary"))

	plain, err := io.ReadAll(brotli.NewReader(w.Body))
	require.NoError(t, err)
	assert.Contains(t, string(plain), payload)
}

func TestBrotli_SmallBodiesStayPlain(t *testing.T) {
	w := get(brotliRouter("ok"), "br")

	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.JSONEq(t, `{"body":"ok"}`, w.Body.String())
}

func TestBrotli_ClientWithoutSupport(t *testing.T) {
	payload := strings.Repeat("x", 500)
	w := get(brotliRouter(payload), "gzip")

	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Contains(t, w.Body.String(), payload)
}
