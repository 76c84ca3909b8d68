package handler

import (
	"errors"
	"net/http"

	"github.com/clinicus/clinicus-backend/internal/exam"
	"github.com/clinicus/clinicus-backend/internal/response"
	"github.com/clinicus/clinicus-backend/internal/scoring"
	"github.com/clinicus/clinicus-backend/internal/service"
)

// examErrorCode maps an exam flow error to its HTTP status and envelope code.
func examErrorCode(err error) (int, response.ErrCode) {
	var scoreErr *scoring.Error
	switch {
	case errors.Is(err, exam.ErrNotReady), errors.Is(err, exam.ErrSuperseded):
		return http.StatusConflict, response.ErrExamNotReady
	case errors.Is(err, service.ErrPaused):
		return http.StatusConflict, response.ErrExamPaused
	case errors.Is(err, exam.ErrUnknownQuestion):
		return http.StatusBadRequest, response.ErrQuestionNotOnPage
	case errors.Is(err, exam.ErrWrongKind):
		return http.StatusBadRequest, response.ErrWrongAnswerKind
	case errors.Is(err, exam.ErrNoAnswers):
		return http.StatusBadRequest, response.ErrNoAnswers
	case errors.Is(err, service.ErrNoResults):
		return http.StatusNotFound, response.ErrNoResults
	case errors.As(err, &scoreErr):
		return http.StatusBadGateway, response.ErrScoringFailed
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
