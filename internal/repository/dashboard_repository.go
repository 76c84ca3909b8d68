package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DashboardRepository handles faculty dashboard data access.
type DashboardRepository struct {
	pool *pgxpool.Pool
}

// NewDashboardRepository creates a new DashboardRepository.
func NewDashboardRepository(pool *pgxpool.Pool) *DashboardRepository {
	return &DashboardRepository{pool: pool}
}

// GetSummaryCounts retrieves the high-level metrics for the dashboard.
func (r *DashboardRepository) GetSummaryCounts(ctx context.Context) (totalStudents, totalTests, totalQuestions, totalSubmissions int, err error) {
	err = r.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM users WHERE role = 'student'),
			(SELECT COUNT(*) FROM tests),
			(SELECT COUNT(*) FROM exam_questions),
			(SELECT COUNT(*) FROM student_results)`,
	).Scan(&totalStudents, &totalTests, &totalQuestions, &totalSubmissions)
	return
}

// ScoreBucket is one band of the percentage distribution, e.g. 70-79.
type ScoreBucket struct {
	From  int `json:"from"`
	To    int `json:"to"`
	Count int `json:"count"`
}

// GetScoreDistribution buckets the results of a test into tens. The 100% bucket is merged into 90-100.
func (r *DashboardRepository) GetScoreDistribution(ctx context.Context, testID int) ([]ScoreBucket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT LEAST(percentage_score / 10, 9) AS bucket, COUNT(*)
		 FROM student_results
		 WHERE test_id = $1
		 GROUP BY bucket
		 ORDER BY bucket`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var bucket, count int
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, err
		}
		counts[bucket] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	buckets := make([]ScoreBucket, 0, 10)
	for b := 0; b < 10; b++ {
		to := b*10 + 9
		if b == 9 {
			to = 100
		}
		buckets = append(buckets, ScoreBucket{From: b * 10, To: to, Count: counts[b]})
	}
	return buckets, nil
}

// DashboardRecentResult is a minimal row for the latest submissions list.
type DashboardRecentResult struct {
	StudentID       int       `json:"student_id"`
	StudentName     string    `json:"student_name"`
	TestID          int       `json:"test_id"`
	TestName        string    `json:"test_name"`
	PercentageScore int       `json:"percentage_score"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// GetRecentResults retrieves the last N submissions across all tests.
func (r *DashboardRepository) GetRecentResults(ctx context.Context, limit int) ([]DashboardRecentResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT sr.student_id, u.name, sr.test_id, COALESCE(t.test_name, ''), sr.percentage_score, sr.updated_at
		 FROM student_results sr
		 JOIN users u ON u.id = sr.student_id
		 LEFT JOIN tests t ON t.test_id = sr.test_id
		 ORDER BY sr.updated_at DESC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DashboardRecentResult
	for rows.Next() {
		var res DashboardRecentResult
		if err := rows.Scan(&res.StudentID, &res.StudentName, &res.TestID, &res.TestName, &res.PercentageScore, &res.SubmittedAt); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if results == nil {
		results = []DashboardRecentResult{}
	}
	return results, rows.Err()
}
