package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/media"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// outbound is what the writer goroutine sends: session events and direct
// replies share one writer.
type outbound struct {
	msg any
}

// WSHandler streams a proctored session to the browser shell.
type WSHandler struct {
	proctorService *service.ProctorService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(proctorService *service.ProctorService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		proctorService: proctorService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ProctorSessionStream godoc
// WS /ws/v1/proctor/sessions/stream?token=...
// Upgrades to WebSocket and runs one proctored session for the candidate.
func (h *WSHandler) ProctorSessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	session, err := h.proctorService.Open(c.Request.Context(), claims.CandidateID, claims.AssessmentID, middleware.GetRawToken(c))
	if err != nil {
		if errors.Is(err, repository.ErrSessionHeld) {
			response.Fail(c, http.StatusConflict, response.ErrSessionActive)
			return
		}
		h.log.Error().Err(err).Str("candidate_id", claims.CandidateID).Msg("Open session failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		session.Close()
		return
	}
	defer conn.Close()
	ws.Prepare(conn)

	wsLog := h.log.With().
		Str("session_id", session.ID.String()).
		Str("candidate_id", claims.CandidateID).
		Str("assessment_id", claims.AssessmentID).
		Logger()
	wsLog.Info().Msg("Candidate connected")

	replies := make(chan outbound, 16)
	writerDone := make(chan struct{})
	go h.writeLoop(conn, session, replies, writerDone, wsLog)

	h.readLoop(conn, session, replies, wsLog)

	// Closing the session flushes answers and closes the event stream,
	// which ends the writer.
	session.Close()
	<-writerDone
	wsLog.Info().Msg("Candidate disconnected")
}

// writeLoop is the only goroutine writing to conn. It keeps draining
// session events after a write error so the session loop never stalls.
func (h *WSHandler) writeLoop(conn *websocket.Conn, session *service.LiveSession, replies <-chan outbound, done chan<- struct{}, log zerolog.Logger) {
	defer close(done)
	ticker := time.NewTicker(ws.PingPeriod)
	defer ticker.Stop()

	broken := false
	write := func(v any) {
		if broken {
			return
		}
		if err := ws.WriteTyped(conn, v); err != nil {
			broken = true
			log.Debug().Err(err).Msg("Write failed, discarding further output")
			conn.Close()
		}
	}

	events := session.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			write(ev)
		case r := <-replies:
			write(r.msg)
		case <-ticker.C:
			if !broken && ws.WritePing(conn) != nil {
				broken = true
				conn.Close()
			}
		}
	}
}

func (h *WSHandler) readLoop(conn *websocket.Conn, session *service.LiveSession, replies chan<- outbound, log zerolog.Logger) {
	reply := func(v any) {
		select {
		case replies <- outbound{msg: v}:
		default:
			log.Warn().Msg("Reply buffer full, dropping reply")
		}
	}

	for {
		env, err := ws.ReadEnvelope(conn)
		if err != nil {
			if errors.Is(err, ws.ErrMalformed) {
				reply(ws.NewError("", response.ErrInvalidPayload, map[string]string{"detail": err.Error()}))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Unexpected close")
			} else {
				log.Debug().Msg("Connection closed")
			}
			return
		}

		if fields := validator.Struct(env); fields != nil {
			reply(ws.NewError(env.Action, response.ErrValidation, fields))
			continue
		}

		data, code, fields := h.dispatch(session, env)
		if code != "" {
			reply(ws.NewError(env.Action, code, fields))
			continue
		}
		if env.Action == ws.ActionPing {
			reply(ws.PongResponse{Event: ws.EventPong})
			continue
		}
		reply(ws.AckResponse{Event: ws.EventAck, Action: env.Action, Data: data})
	}
}

// dispatch decodes one action and applies it on the session loop. It
// returns the ack payload or an error code with optional field details.
func (h *WSHandler) dispatch(session *service.LiveSession, env *ws.RequestEnvelope) (any, response.ErrCode, map[string]string) {
	var (
		result any
		opErr  error
	)
	run := func(fn func(o *service.SessionOrchestrator)) response.ErrCode {
		if err := session.Do(fn); err != nil {
			return response.ErrSessionNotActive
		}
		return ""
	}

	switch env.Action {
	case ws.ActionPing:
		return nil, "", nil

	case ws.ActionStart:
		return nil, run(func(o *service.SessionOrchestrator) { o.Start() }), nil

	case ws.ActionMediaPermissions:
		var req ws.MediaPermissionsRequest
		if fields := decode(env, &req); fields != nil {
			return nil, response.ErrValidation, fields
		}
		session.ReportPermissions(media.Permissions{Camera: req.Camera, Microphone: req.Microphone, Error: req.Error})
		return nil, "", nil

	case ws.ActionMediaFrame:
		var req ws.MediaFrameRequest
		if fields := decode(env, &req); fields != nil {
			return nil, response.ErrValidation, fields
		}
		if err := session.ReportFrame(req.Frame); err != nil {
			return nil, response.ErrInvalidFrame, map[string]string{"frame": err.Error()}
		}
		return nil, "", nil

	case ws.ActionMediaRetry:
		code := run(func(o *service.SessionOrchestrator) { result = o.RetryMedia() })
		return result, code, nil

	case ws.ActionInteraction:
		return nil, run(func(o *service.SessionOrchestrator) { o.Interaction() }), nil

	case ws.ActionFullscreenChange:
		var req ws.FullscreenChangeRequest
		if fields := decode(env, &req); fields != nil {
			return nil, response.ErrValidation, fields
		}
		return nil, run(func(o *service.SessionOrchestrator) { o.FullscreenChanged(req.FullscreenSignal) }), nil

	case ws.ActionVisibilityChange:
		var req ws.VisibilityChangeRequest
		if fields := decode(env, &req); fields != nil {
			return nil, response.ErrValidation, fields
		}
		return nil, run(func(o *service.SessionOrchestrator) { o.FocusChanged(req.Visible) }), nil

	case ws.ActionBackAttempt:
		return nil, run(func(o *service.SessionOrchestrator) { o.BackAttempt() }), nil

	case ws.ActionNext:
		return h.navigate(run, &opErr, func(o *service.SessionOrchestrator) error { return o.Next() })

	case ws.ActionPrevious:
		return h.navigate(run, &opErr, func(o *service.SessionOrchestrator) error { return o.Previous() })

	case ws.ActionGoToQuestion:
		var req ws.GoToQuestionRequest
		if fields := decode(env, &req); fields != nil {
			return nil, response.ErrValidation, fields
		}
		return h.navigate(run, &opErr, func(o *service.SessionOrchestrator) error { return o.GoToQuestion(req.Number) })

	case ws.ActionSwitchTab:
		var req ws.SwitchTabRequest
		if fields := decode(env, &req); fields != nil {
			return nil, response.ErrValidation, fields
		}
		return h.navigate(run, &opErr, func(o *service.SessionOrchestrator) error { return o.SwitchTab(req.Tab) })

	case ws.ActionSwitchSection:
		var req ws.SwitchSectionRequest
		if fields := decode(env, &req); fields != nil {
			return nil, response.ErrValidation, fields
		}
		return h.navigate(run, &opErr, func(o *service.SessionOrchestrator) error { return o.SwitchSection(req.SectionID) })

	case ws.ActionToggleFlag:
		var req ws.QuestionRequest
		if fields := decode(env, &req); fields != nil {
			return nil, response.ErrValidation, fields
		}
		code := run(func(o *service.SessionOrchestrator) {
			var flagged bool
			flagged, opErr = o.ToggleFlag(req.QuestionID)
			result = map[string]bool{"flagged": flagged}
		})
		return result, firstCode(code, opErr, response.ErrSessionNotActive), nil

	case ws.ActionSetAnswer:
		var req ws.SetAnswerRequest
		if fields := decode(env, &req); fields != nil {
			return nil, response.ErrValidation, fields
		}
		value := model.Answer{Text: req.Text, Options: req.Options}
		code := run(func(o *service.SessionOrchestrator) { opErr = o.SetAnswer(req.QuestionID, value) })
		if code == "" && opErr != nil {
			if errors.Is(opErr, service.ErrNotActive) {
				return nil, response.ErrSessionNotActive, nil
			}
			return nil, response.ErrAnswerRejected, map[string]string{"answer": answerReason(opErr)}
		}
		return nil, code, nil

	case ws.ActionSaveAll:
		code := run(func(o *service.SessionOrchestrator) { result = map[string]int{"started": o.SaveAll()} })
		return result, code, nil

	case ws.ActionEndSection:
		return nil, run(func(o *service.SessionOrchestrator) { o.EndSection() }), nil

	case ws.ActionConfirmSectionComplete:
		return nil, run(func(o *service.SessionOrchestrator) { o.ConfirmSectionComplete() }), nil

	case ws.ActionCancelSectionPrompt:
		return nil, run(func(o *service.SessionOrchestrator) { o.CancelSectionPrompt() }), nil

	case ws.ActionRequestSubmit:
		code := run(func(o *service.SessionOrchestrator) { opErr = o.RequestSubmit() })
		return nil, firstCode(code, opErr, response.ErrSessionNotActive), nil

	case ws.ActionConfirmSubmit:
		code := run(func(o *service.SessionOrchestrator) { opErr = o.ConfirmSubmit() })
		return nil, firstCode(code, opErr, response.ErrSessionNotActive), nil
	}

	return nil, response.ErrUnknownAction, map[string]string{"action": string(env.Action)}
}

func (h *WSHandler) navigate(
	run func(func(o *service.SessionOrchestrator)) response.ErrCode,
	opErr *error,
	move func(o *service.SessionOrchestrator) error,
) (any, response.ErrCode, map[string]string) {
	code := run(func(o *service.SessionOrchestrator) { *opErr = move(o) })
	if code != "" {
		return nil, code, nil
	}
	if *opErr != nil {
		if errors.Is(*opErr, service.ErrNotActive) {
			return nil, response.ErrSessionNotActive, nil
		}
		return nil, response.ErrNavigation, map[string]string{"detail": (*opErr).Error()}
	}
	return nil, "", nil
}

func decode(env *ws.RequestEnvelope, v any) map[string]string {
	if err := ws.DecodeData(env, v); err != nil {
		return map[string]string{"detail": err.Error()}
	}
	return validator.Struct(v)
}

func firstCode(code response.ErrCode, err error, fallback response.ErrCode) response.ErrCode {
	if code != "" {
		return code
	}
	if err != nil {
		return fallback
	}
	return ""
}

func answerReason(err error) string {
	switch {
	case errors.Is(err, answer.ErrUnknownQuestion):
		return "unknown question"
	case errors.Is(err, answer.ErrAnswerIsQuestionID):
		return "answer must not be the question id"
	case errors.Is(err, answer.ErrBooleanForFreeText):
		return "true/false is not a valid essay answer"
	case errors.Is(err, answer.ErrInvalidBoolean):
		return "answer must be True or False"
	default:
		return err.Error()
	}
}
