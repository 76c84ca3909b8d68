package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/exam"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/middleware"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/response"
	"github.com/clinicus/clinicus-backend/internal/service"
	ws "github.com/clinicus/clinicus-backend/internal/websocket"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
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

// WSHandler streams the countdown and runs the exam flow over a WebSocket.
type WSHandler struct {
	examService *service.ExamService
	testID      int
	grace       time.Duration
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(cfg *config.Config, examService *service.ExamService, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		examService: examService,
		testID:      cfg.TestID,
		grace:       cfg.ExpiryGrace,
		log:         logger.Component(log, "ws_handler"),
		upgrader:    buildUpgrader(cfg.AllowedOrigins),
	}
}

// examStream is the state of one open connection.
type examStream struct {
	conn *ws.Conn
	key  model.SessionKey
	// stop ends the countdown goroutine once the attempt is submitted.
	stop   context.CancelFunc
	runner *exam.Runner
	log    zerolog.Logger
}

// ExamStream godoc
// WS /ws/v1/student/exam/stream?token=&page=
// Enters the page, then pushes a tick every second and applies client actions. When the
// countdown runs out the attempt is submitted after the expiry grace delay.
func (h *WSHandler) ExamStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close("bye")

	key := model.SessionKey{StudentID: claims.UserID, TestID: h.testID}
	st := &examStream{
		conn: conn,
		key:  key,
		log:  h.log.With().Int("student_id", key.StudentID).Int("test_id", key.TestID).Logger(),
	}
	st.log.Info().Int("page", page).Msg("Student connected")

	ctx := c.Request.Context()
	view, err := h.examService.Enter(ctx, key, page)
	if err != nil {
		h.sendError(st, err)
		return
	}
	if view.State == exam.StateSubmitted {
		h.sendOutcome(st, view.Transition)
		return
	}
	st.send(ws.EventState, view)
	if view.Route != "" {
		st.send(ws.EventNavigate, ws.NavigateResponse{Route: view.Route})
	}

	countdown, err := h.examService.Countdown(ctx, key)
	if err != nil {
		h.sendError(st, err)
		return
	}
	st.runner = exam.NewRunner(countdown, exam.TickInterval)

	timerCtx, stop := context.WithCancel(ctx)
	st.stop = stop
	defer stop()
	go st.runner.Run(timerCtx,
		func(cs exam.CountdownState) { st.send(ws.EventTick, tick(cs)) },
		func() { h.expire(timerCtx, st) },
	)
	st.send(ws.EventTick, tick(countdown.State()))

	for {
		var req ws.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				st.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				st.log.Debug().Msg("Connection closed")
			}
			return
		}
		if done := h.dispatch(ctx, st, &req); done {
			return
		}
	}
}

// dispatch applies one client action. It reports true once the attempt is submitted and
// the stream should close.
func (h *WSHandler) dispatch(ctx context.Context, st *examStream, req *ws.Request) bool {
	var (
		t   exam.Transition
		err error
	)

	switch req.Action {
	case ws.ActionPing:
		st.send(ws.EventPong, nil)
		return false
	case ws.ActionPause:
		remaining, err := h.examService.Pause(ctx, st.key)
		if err != nil {
			h.sendError(st, err)
			return false
		}
		st.follow(remaining, false)
		return false
	case ws.ActionResume:
		remaining, err := h.examService.Resume(ctx, st.key)
		if err != nil {
			h.sendError(st, err)
			return false
		}
		st.follow(remaining, true)
		return false
	case ws.ActionAnswer:
		if req.Answer == nil || req.QuestionID <= 0 {
			st.conn.SendError(string(response.ErrInvalidPayload), "question_id and answer are required")
			return false
		}
		t, err = h.examService.Act(ctx, st.key, func(c *exam.Controller) (exam.Transition, error) {
			return c.Answer(ctx, req.QuestionID, *req.Answer)
		})
	case ws.ActionEditSlot:
		if req.Slot == nil {
			st.conn.SendError(string(response.ErrInvalidPayload), "slot is required")
			return false
		}
		t, err = h.examService.Act(ctx, st.key, func(c *exam.Controller) (exam.Transition, error) {
			return c.EditSlot(ctx, req.QuestionID, *req.Slot, req.Value)
		})
	case ws.ActionEditCell:
		if req.Row == nil || req.Col == nil {
			st.conn.SendError(string(response.ErrInvalidPayload), "row and col are required")
			return false
		}
		t, err = h.examService.Act(ctx, st.key, func(c *exam.Controller) (exam.Transition, error) {
			return c.EditCell(ctx, req.QuestionID, *req.Row, *req.Col, req.Value)
		})
	case ws.ActionSelectQuestion:
		if req.Index == nil {
			st.conn.SendError(string(response.ErrInvalidPayload), "index is required")
			return false
		}
		t, err = h.examService.Act(ctx, st.key, func(c *exam.Controller) (exam.Transition, error) {
			return c.SelectQuestion(*req.Index)
		})
	case ws.ActionNextQuestion:
		t, err = h.examService.Act(ctx, st.key, func(c *exam.Controller) (exam.Transition, error) {
			return c.NextQuestion(ctx)
		})
	case ws.ActionPrevQuestion:
		t, err = h.examService.Act(ctx, st.key, func(c *exam.Controller) (exam.Transition, error) {
			return c.PrevQuestion()
		})
	case ws.ActionNextPage:
		t, err = h.examService.Act(ctx, st.key, func(c *exam.Controller) (exam.Transition, error) {
			return c.NextPage(ctx)
		})
	case ws.ActionSubmit:
		t, err = h.examService.Submit(ctx, st.key)
	default:
		st.log.Warn().Str("action", string(req.Action)).Msg("Unknown action")
		st.conn.SendError(string(response.ErrInvalidPayload), "unknown action: "+string(req.Action))
		return false
	}

	if err != nil {
		if t.Notice != nil {
			st.send(ws.EventNotice, t.Notice)
		}
		h.sendError(st, err)
		return false
	}
	return h.apply(ctx, st, t)
}

// apply pushes a transition to the client and follows it onto the next page or the results.
func (h *WSHandler) apply(ctx context.Context, st *examStream, t exam.Transition) bool {
	if t.State == exam.StateSubmitted {
		h.sendOutcome(st, t)
		return true
	}

	st.send(ws.EventState, t)
	if t.Notice != nil {
		st.send(ws.EventNotice, t.Notice)
	}
	if t.State != exam.StateLoading || t.Route == "" {
		return false
	}

	st.send(ws.EventNavigate, ws.NavigateResponse{Route: t.Route})
	view, err := h.examService.Enter(ctx, st.key, t.Page+1)
	if err != nil {
		h.sendError(st, err)
		return false
	}
	st.send(ws.EventState, view)
	return false
}

// expire runs on the countdown goroutine when time is up.
func (h *WSHandler) expire(ctx context.Context, st *examStream) {
	ctrl := h.examService.Controller(st.key)
	t := ctrl.Expire()
	if t.State == exam.StateSubmitted {
		return
	}
	st.send(ws.EventExpired, t)

	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		// The connection closed during the grace delay. The next request submits.
		return
	case <-timer.C:
	}

	t, err := ctrl.AutoSubmit(ctx)
	if err != nil {
		h.sendError(st, err)
		return
	}
	h.examService.Release(st.key)
	h.sendOutcome(st, t)
	// Unblock the reader so the handler returns.
	st.conn.Close("submitted")
}

// sendOutcome reports a finished attempt and stops the countdown.
func (h *WSHandler) sendOutcome(st *examStream, t exam.Transition) {
	if st.stop != nil {
		st.stop()
	}
	if t.Notice != nil {
		st.send(ws.EventNotice, t.Notice)
	}
	st.send(ws.EventGraded, ws.GradedResponse{Status: "completed", Route: exam.ResultsRoute, Result: t.Result})
	st.send(ws.EventNavigate, ws.NavigateResponse{Route: exam.ResultsRoute})
}

func (h *WSHandler) sendError(st *examStream, err error) {
	status, code := examErrorCode(err)
	if status >= http.StatusInternalServerError {
		st.log.Error().Err(err).Msg("Stream action failed")
	}
	st.conn.SendError(string(code), response.GetMessage(code))
}

// follow moves the stream's countdown to the stored time left and pushes a tick.
func (st *examStream) follow(remaining time.Duration, running bool) {
	cd := st.runner.Countdown()
	total := int(max(remaining, 0) / time.Second)
	cd.Reset(total/60, total%60)
	if running {
		cd.Resume()
	} else {
		cd.Pause()
	}
	st.send(ws.EventTick, tick(cd.State()))
}

func (st *examStream) send(event ws.Event, data interface{}) {
	if err := st.conn.Send(event, data); err != nil {
		st.log.Debug().Err(err).Str("event", string(event)).Msg("Write failed")
	}
}

func tick(cs exam.CountdownState) ws.TickResponse {
	return ws.TickResponse{Display: cs.Display, Minutes: cs.Minutes, Seconds: cs.Seconds, Running: cs.Running}
}
