package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/repository"
	"github.com/clinicus/clinicus-backend/internal/response"
)

// DashboardData consolidates all metrics for the faculty dashboard.
type DashboardData struct {
	TotalStudents    int                                `json:"total_students"`
	TotalTests       int                                `json:"total_tests"`
	TotalQuestions   int                                `json:"total_questions"`
	TotalSubmissions int                                `json:"total_submissions"`
	ActiveStudents   int                                `json:"active_students_24h"`
	TestSummaries    []repository.ResultSummary         `json:"test_summaries"`
	RecentResults    []repository.DashboardRecentResult `json:"recent_results"`
}

// DashboardSource reads the dashboard aggregates.
type DashboardSource interface {
	GetSummaryCounts(ctx context.Context) (students, tests, questions, submissions int, err error)
	GetScoreDistribution(ctx context.Context, testID int) ([]repository.ScoreBucket, error)
	GetRecentResults(ctx context.Context, limit int) ([]repository.DashboardRecentResult, error)
}

// ResultLister pages through the stored results of a test.
type ResultLister interface {
	ListByTest(ctx context.Context, testID, limit, offset int) ([]model.StudentResult, int, error)
	SummaryByTest(ctx context.Context) ([]repository.ResultSummary, error)
}

// LoginLister reads the login history.
type LoginLister interface {
	ListRecent(ctx context.Context, limit, offset int) ([]model.LoginRecord, int, error)
	CountActiveSince(ctx context.Context, since time.Time) (int, error)
}

// DashboardService handles faculty dashboard business logic.
type DashboardService struct {
	dashboard DashboardSource
	results   ResultLister
	logins    LoginLister
}

// NewDashboardService creates a new DashboardService.
func NewDashboardService(dashboard DashboardSource, results ResultLister, logins LoginLister) *DashboardService {
	return &DashboardService{dashboard: dashboard, results: results, logins: logins}
}

// RecentResultsLimit is how many submissions the dashboard lists.
const RecentResultsLimit = 10

// GetDashboardData fetches the dashboard metrics concurrently. Counts and summaries are
// required; the activity figures are best-effort.
func (s *DashboardService) GetDashboardData(ctx context.Context) (*DashboardData, error) {
	data := &DashboardData{}

	var (
		countsErr, summaryErr, recentErr error
		wg                               sync.WaitGroup
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		data.TotalStudents, data.TotalTests, data.TotalQuestions, data.TotalSubmissions, countsErr = s.dashboard.GetSummaryCounts(ctx)
	}()
	go func() {
		defer wg.Done()
		data.TestSummaries, summaryErr = s.results.SummaryByTest(ctx)
	}()
	go func() {
		defer wg.Done()
		data.RecentResults, recentErr = s.dashboard.GetRecentResults(ctx, RecentResultsLimit)
	}()
	go func() {
		defer wg.Done()
		if n, err := s.logins.CountActiveSince(ctx, time.Now().Add(-24*time.Hour)); err == nil {
			data.ActiveStudents = n
		}
	}()
	wg.Wait()

	if countsErr != nil {
		return nil, fmt.Errorf("summary counts: %w", countsErr)
	}
	if summaryErr != nil {
		return nil, fmt.Errorf("result summaries: %w", summaryErr)
	}
	if recentErr != nil {
		data.RecentResults = nil
	}
	if data.TestSummaries == nil {
		data.TestSummaries = []repository.ResultSummary{}
	}
	if data.RecentResults == nil {
		data.RecentResults = []repository.DashboardRecentResult{}
	}
	return data, nil
}

// ScoreDistribution buckets a test's results by percentage.
func (s *DashboardService) ScoreDistribution(ctx context.Context, testID int) ([]repository.ScoreBucket, error) {
	return s.dashboard.GetScoreDistribution(ctx, testID)
}

// ListResults retrieves a test's results with pagination.
func (s *DashboardService) ListResults(ctx context.Context, testID, page, perPage int) ([]model.StudentResult, *response.Pagination, error) {
	page, perPage = clampPage(page, perPage)

	results, total, err := s.results.ListByTest(ctx, testID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}
	if results == nil {
		results = []model.StudentResult{}
	}
	return results, response.NewPagination(page, perPage, total), nil
}

// ListLogins retrieves the login history, newest first, with pagination.
func (s *DashboardService) ListLogins(ctx context.Context, page, perPage int) ([]model.LoginRecord, *response.Pagination, error) {
	page, perPage = clampPage(page, perPage)

	records, total, err := s.logins.ListRecent(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}
	if records == nil {
		records = []model.LoginRecord{}
	}
	return records, response.NewPagination(page, perPage, total), nil
}

func clampPage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	if perPage > 100 {
		perPage = 100
	}
	return page, perPage
}
