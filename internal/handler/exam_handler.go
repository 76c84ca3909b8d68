package handler

import (
	"net/http"
	"strconv"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/middleware"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/response"
	"github.com/clinicus/clinicus-backend/internal/service"
	"github.com/clinicus/clinicus-backend/internal/validator"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ExamHandler serves the student exam flow over REST. Every route acts on the attempt of
// the authenticated student at the configured test.
type ExamHandler struct {
	examService   *service.ExamService
	resultService service.ResultGetter
	testID        int
	log           zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(cfg *config.Config, examService *service.ExamService, resultService service.ResultGetter, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		examService:   examService,
		resultService: resultService,
		testID:        cfg.TestID,
		log:           logger.Component(log, "exam_handler"),
	}
}

// attempt resolves the session key of the caller.
func (h *ExamHandler) attempt(c *gin.Context) (model.SessionKey, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return model.SessionKey{}, false
	}
	return model.SessionKey{StudentID: claims.UserID, TestID: h.testID}, true
}

func (h *ExamHandler) fail(c *gin.Context, key model.SessionKey, err error) {
	status, code := examErrorCode(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Int("student_id", key.StudentID).
			Str("path", c.FullPath()).
			Str("request_id", response.RequestID(c)).
			Msg("Exam request failed")
	}
	response.Fail(c, status, code)
}

func pageParam(c *gin.Context) (int, bool) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return page, true
}

// Home godoc
// GET /api/v1/student/home
// Returns the exam card with the attempt status and the route to resume from.
func (h *ExamHandler) Home(c *gin.Context) {
	key, ok := h.attempt(c)
	if !ok {
		return
	}

	card, err := h.examService.Home(c.Request.Context(), key)
	if err != nil {
		h.fail(c, key, err)
		return
	}
	response.Success(c, http.StatusOK, card)
}

// GetPage godoc
// GET /api/v1/student/exam/pages/:page
// Enters a page. A page that is not unlocked yields page 1 with a redirect route.
func (h *ExamHandler) GetPage(c *gin.Context) {
	key, ok := h.attempt(c)
	if !ok {
		return
	}
	page, ok := pageParam(c)
	if !ok {
		return
	}

	view, err := h.examService.Enter(c.Request.Context(), key, page)
	if err != nil {
		h.fail(c, key, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// SaveAnswers godoc
// PUT /api/v1/student/exam/answers
// Merges answers into the attempt, replacing whole answers per question.
func (h *ExamHandler) SaveAnswers(c *gin.Context) {
	key, ok := h.attempt(c)
	if !ok {
		return
	}

	var req model.SaveAnswersRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	t, err := h.examService.SaveAnswers(c.Request.Context(), key, req.Answers)
	if err != nil {
		h.fail(c, key, err)
		return
	}
	response.Success(c, http.StatusOK, t)
}

// NextPage godoc
// POST /api/v1/student/exam/pages/:page/next
// Advances past the page once it is fully answered. From the last page it submits.
func (h *ExamHandler) NextPage(c *gin.Context) {
	key, ok := h.attempt(c)
	if !ok {
		return
	}
	page, ok := pageParam(c)
	if !ok {
		return
	}

	t, err := h.examService.NextPage(c.Request.Context(), key, page)
	if err != nil {
		h.fail(c, key, err)
		return
	}
	response.Success(c, http.StatusOK, t)
}

// Submit godoc
// POST /api/v1/student/exam/submit
// Scores the whole attempt once the current page is complete.
func (h *ExamHandler) Submit(c *gin.Context) {
	key, ok := h.attempt(c)
	if !ok {
		return
	}

	t, err := h.examService.Submit(c.Request.Context(), key)
	if err != nil {
		h.fail(c, key, err)
		return
	}
	response.Success(c, http.StatusOK, t)
}

// GetState godoc
// GET /api/v1/student/exam/state
// Returns answers, unlocked pages, remaining time and the mirror sync status.
func (h *ExamHandler) GetState(c *gin.Context) {
	key, ok := h.attempt(c)
	if !ok {
		return
	}

	state, err := h.examService.State(c.Request.Context(), key)
	if err != nil {
		h.fail(c, key, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// Reset godoc
// POST /api/v1/student/exam/reset
// Discards the attempt ("try again").
func (h *ExamHandler) Reset(c *gin.Context) {
	key, ok := h.attempt(c)
	if !ok {
		return
	}

	t, err := h.examService.Reset(c.Request.Context(), key)
	if err != nil {
		h.fail(c, key, err)
		return
	}
	response.Success(c, http.StatusOK, t)
}

// GetResults godoc
// GET /api/v1/student/results
// Returns the stored result, or scores the held answers when nothing is stored yet.
func (h *ExamHandler) GetResults(c *gin.Context) {
	key, ok := h.attempt(c)
	if !ok {
		return
	}

	result, err := h.resultService.GetResult(c.Request.Context(), key)
	if err != nil {
		h.fail(c, key, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// SaveProgress godoc
// POST /api/v1/student/progress
// Explicit save. Unlike SaveAnswers an empty answer map is reported as NO_ANSWERS.
func (h *ExamHandler) SaveProgress(c *gin.Context) {
	key, ok := h.attempt(c)
	if !ok {
		return
	}

	var req struct {
		Answers model.Answers `json:"answers" binding:"question_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrInvalidPayload, validator.TranslateErrors(err))
		return
	}

	t, err := h.examService.SaveProgress(c.Request.Context(), key, req.Answers)
	if err != nil {
		h.fail(c, key, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"message":    "Progress saved",
		"transition": t,
	})
}
