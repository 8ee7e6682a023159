package middleware

import (
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// compressWriter holds the body back until it reaches minLength. Short
// bodies go out uncompressed.
type compressWriter struct {
	gin.ResponseWriter
	br         *brotli.Writer
	quality    int
	minLength  int
	buf        []byte
	compressed bool
}

func (w *compressWriter) Write(data []byte) (int, error) {
	if w.compressed {
		return w.br.Write(data)
	}
	w.buf = append(w.buf, data...)
	if len(w.buf) < w.minLength {
		return len(data), nil
	}

	w.compressed = true
	w.ResponseWriter.Header().Set("Content-Encoding", "br")
	w.ResponseWriter.Header().Del("Content-Length")
	w.br = brotli.NewWriterLevel(w.ResponseWriter, w.quality)
	if _, err := w.br.Write(w.buf); err != nil {
		return 0, err
	}
	w.buf = nil
	return len(data), nil
}

func (w *compressWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *compressWriter) finish() error {
	if w.compressed {
		return w.br.Close()
	}
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.ResponseWriter.Write(w.buf)
	return err
}

// Brotli compresses JSON responses of at least minLength bytes for clients
// that accept "br". WebSocket upgrades pass through untouched.
func Brotli(minLength int) gin.HandlerFunc {
	if minLength <= 0 {
		minLength = 1024
	}

	return func(c *gin.Context) {
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")
		w := &compressWriter{
			ResponseWriter: c.Writer,
			quality:        brotli.DefaultCompression,
			minLength:      minLength,
		}
		c.Writer = w
		defer func() {
			if err := w.finish(); err != nil {
				_ = c.Error(err)
			}
		}()
		c.Next()
	}
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if name, _, _ := strings.Cut(strings.TrimSpace(enc), ";"); strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
