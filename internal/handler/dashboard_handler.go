package handler

import (
	"net/http"
	"strconv"

	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/response"
	"github.com/clinicus/clinicus-backend/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// DashboardHandler handles faculty dashboard endpoints.
type DashboardHandler struct {
	dashboardService *service.DashboardService
	exportService    *service.ExportService
	log              zerolog.Logger
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(dashboardService *service.DashboardService, exportService *service.ExportService, log zerolog.Logger) *DashboardHandler {
	return &DashboardHandler{
		dashboardService: dashboardService,
		exportService:    exportService,
		log:              logger.Component(log, "dashboard_handler"),
	}
}

func testIDParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("test_id"))
	if err != nil || id < 1 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, false
	}
	return id, true
}

// GetDashboardData godoc
// GET /api/v1/faculty/dashboard
// Returns the summary counts, per-test score summaries and recent submissions.
func (h *DashboardHandler) GetDashboardData(c *gin.Context) {
	data, err := h.dashboardService.GetDashboardData(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Dashboard query failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, data)
}

// ListResults godoc
// GET /api/v1/faculty/tests/:test_id/results?page=&per_page=
func (h *DashboardHandler) ListResults(c *gin.Context) {
	testID, ok := testIDParam(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

	results, pagination, err := h.dashboardService.ListResults(c.Request.Context(), testID, page, perPage)
	if err != nil {
		h.log.Error().Err(err).Int("test_id", testID).Msg("List results failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, results, pagination)
}

// ScoreDistribution godoc
// GET /api/v1/faculty/tests/:test_id/distribution
func (h *DashboardHandler) ScoreDistribution(c *gin.Context) {
	testID, ok := testIDParam(c)
	if !ok {
		return
	}

	buckets, err := h.dashboardService.ScoreDistribution(c.Request.Context(), testID)
	if err != nil {
		h.log.Error().Err(err).Int("test_id", testID).Msg("Score distribution failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, buckets)
}

// ExportResults godoc
// GET /api/v1/faculty/tests/:test_id/results/export
// Downloads the test's results as an xlsx workbook.
func (h *DashboardHandler) ExportResults(c *gin.Context) {
	testID, ok := testIDParam(c)
	if !ok {
		return
	}

	data, err := h.exportService.ExportResults(c.Request.Context(), testID)
	if err != nil {
		h.log.Error().Err(err).Int("test_id", testID).Msg("Export failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+service.ExportFilename(testID)+`"`)
	c.Data(http.StatusOK, xlsxContentType, data)
}

// ListLogins godoc
// GET /api/v1/faculty/logins?page=&per_page=
// Returns student logins, newest first.
func (h *DashboardHandler) ListLogins(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

	records, pagination, err := h.dashboardService.ListLogins(c.Request.Context(), page, perPage)
	if err != nil {
		h.log.Error().Err(err).Msg("List logins failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, records, pagination)
}
