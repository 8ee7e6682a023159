package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

type MonitorHandler struct {
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(monitorService *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// GetSession godoc
// GET /api/v1/proctor/sessions/:id
func (h *MonitorHandler) GetSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	detail, err := h.monitorService.GetSessionDetail(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		h.log.Error().Err(err).Str("session_id", id.String()).Msg("Get session failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, detail)
}

// ListAssessmentSessions godoc
// GET /api/v1/proctor/assessments/:assessment_id/sessions
func (h *MonitorHandler) ListAssessmentSessions(c *gin.Context) {
	assessmentID := strings.TrimSpace(c.Param("assessment_id"))
	if assessmentID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	sessions, err := h.monitorService.ListAssessmentSessions(c.Request.Context(), assessmentID)
	if err != nil {
		h.log.Error().Err(err).Str("assessment_id", assessmentID).Msg("List sessions failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, sessions)
}
