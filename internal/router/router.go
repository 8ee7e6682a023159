package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	limiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Candidate WebSocket (token in query) ───────────────────────
	wsGroup := router.Group("/ws/v1/proctor")
	wsGroup.Use(middleware.RequireCandidateWSAuth(authService))
	if limiter != nil {
		wsGroup.Use(limiter.Middleware())
	}
	{
		wsGroup.GET("/sessions/stream", handlers.WS.ProctorSessionStream)
	}

	// ─── 2. Proctor API (Bearer) ───────────────────────────────────────
	proctorGroup := router.Group("/api/v1/proctor")
	proctorGroup.Use(middleware.RequireProctorJWT(authService), middleware.Brotli(1024))
	{
		proctorGroup.GET("/sessions/:id", handlers.Monitor.GetSession)
		proctorGroup.GET("/assessments/:assessment_id/sessions", handlers.Monitor.ListAssessmentSessions)
	}

	return router
}
