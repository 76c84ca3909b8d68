package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ResultRepository handles student_results data access.
type ResultRepository struct {
	pool *pgxpool.Pool
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

// Upsert stores a result, replacing any earlier result for the same (student_id, test_id).
func (r *ResultRepository) Upsert(ctx context.Context, res *model.StudentResult) error {
	feedback, err := json.Marshal(nonNilFeedback(res.Feedback))
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO student_results (student_id, test_id, score, percentage_score, feedback)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (student_id, test_id) DO UPDATE
		 SET score = EXCLUDED.score,
		     percentage_score = EXCLUDED.percentage_score,
		     feedback = EXCLUDED.feedback,
		     updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		res.StudentID, res.TestID, res.Score, res.PercentageScore, feedback,
	).Scan(&res.ID, &res.CreatedAt, &res.UpdatedAt)
}

// UpsertBatch stores many results in one statement. The batch must not hold two results
// for the same (student_id, test_id).
func (r *ResultRepository) UpsertBatch(ctx context.Context, results []model.StudentResult) error {
	if len(results) == 0 {
		return nil
	}

	n := len(results)
	students := make([]int, 0, n)
	tests := make([]int, 0, n)
	scores := make([]int, 0, n)
	percentages := make([]int, 0, n)
	feedback := make([]string, 0, n)
	for _, res := range results {
		raw, err := json.Marshal(nonNilFeedback(res.Feedback))
		if err != nil {
			return fmt.Errorf("encode feedback: %w", err)
		}
		students = append(students, res.StudentID)
		tests = append(tests, res.TestID)
		scores = append(scores, res.Score)
		percentages = append(percentages, res.PercentageScore)
		feedback = append(feedback, string(raw))
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO student_results (student_id, test_id, score, percentage_score, feedback)
		 SELECT u.student_id, u.test_id, u.score, u.percentage_score, u.feedback::jsonb
		 FROM UNNEST($1::int[], $2::int[], $3::int[], $4::int[], $5::text[])
		      AS u (student_id, test_id, score, percentage_score, feedback)
		 ON CONFLICT (student_id, test_id) DO UPDATE
		 SET score = EXCLUDED.score,
		     percentage_score = EXCLUDED.percentage_score,
		     feedback = EXCLUDED.feedback,
		     updated_at = NOW()`,
		students, tests, scores, percentages, feedback,
	)
	return err
}

// GetByStudentAndTest retrieves one stored result.
func (r *ResultRepository) GetByStudentAndTest(ctx context.Context, studentID, testID int) (*model.StudentResult, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT sr.id, sr.student_id, u.name, u.email, sr.test_id, sr.score, sr.percentage_score, sr.feedback, sr.created_at, sr.updated_at
		 FROM student_results sr
		 JOIN users u ON u.id = sr.student_id
		 WHERE sr.student_id = $1 AND sr.test_id = $2`, studentID, testID,
	)
	return scanResult(row)
}

// ListByTest retrieves results for a test, best first, with pagination.
func (r *ResultRepository) ListByTest(ctx context.Context, testID, limit, offset int) ([]model.StudentResult, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM student_results WHERE test_id = $1`, testID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT sr.id, sr.student_id, u.name, u.email, sr.test_id, sr.score, sr.percentage_score, sr.feedback, sr.created_at, sr.updated_at
		 FROM student_results sr
		 JOIN users u ON u.id = sr.student_id
		 WHERE sr.test_id = $1
		 ORDER BY sr.percentage_score DESC, sr.updated_at ASC
		 LIMIT $2 OFFSET $3`, testID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []model.StudentResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, *res)
	}
	return results, total, rows.Err()
}

// ResultSummary aggregates the results of one test.
type ResultSummary struct {
	TestID         int     `json:"test_id"`
	Submissions    int     `json:"submissions"`
	AveragePercent float64 `json:"average_percentage"`
	HighestPercent int     `json:"highest_percentage"`
	LowestPercent  int     `json:"lowest_percentage"`
}

// SummaryByTest aggregates per test. Tests with no results are omitted.
func (r *ResultRepository) SummaryByTest(ctx context.Context) ([]ResultSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT test_id, COUNT(*), COALESCE(AVG(percentage_score), 0), COALESCE(MAX(percentage_score), 0), COALESCE(MIN(percentage_score), 0)
		 FROM student_results
		 GROUP BY test_id
		 ORDER BY test_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []ResultSummary
	for rows.Next() {
		var s ResultSummary
		if err := rows.Scan(&s.TestID, &s.Submissions, &s.AveragePercent, &s.HighestPercent, &s.LowestPercent); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func scanResult(row pgx.Row) (*model.StudentResult, error) {
	res := &model.StudentResult{}
	var feedback []byte
	if err := row.Scan(&res.ID, &res.StudentID, &res.StudentName, &res.StudentEmail, &res.TestID,
		&res.Score, &res.PercentageScore, &feedback, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	if len(feedback) > 0 {
		if err := json.Unmarshal(feedback, &res.Feedback); err != nil {
			return nil, fmt.Errorf("result %d feedback: %w", res.ID, err)
		}
	}
	return res, nil
}

func nonNilFeedback(f []model.QuestionFeedback) []model.QuestionFeedback {
	if f == nil {
		return []model.QuestionFeedback{}
	}
	return f
}
