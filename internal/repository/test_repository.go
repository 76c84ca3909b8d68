package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestRepository handles tests data access.
type TestRepository struct {
	pool *pgxpool.Pool
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(pool *pgxpool.Pool) *TestRepository {
	return &TestRepository{pool: pool}
}

// GetByID retrieves a test with its case chunks.
func (r *TestRepository) GetByID(ctx context.Context, id int) (*model.Test, error) {
	t := &model.Test{}
	var caseInfo []byte
	err := r.pool.QueryRow(ctx,
		`SELECT test_id, test_name, test_description, case_info
		 FROM tests WHERE test_id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Description, &caseInfo)
	if err != nil {
		return nil, err
	}
	if len(caseInfo) > 0 {
		if err := json.Unmarshal(caseInfo, &t.CaseInfo); err != nil {
			return nil, fmt.Errorf("test %d case_info: %w", id, err)
		}
	}
	return t, nil
}

// List retrieves every test without its case narrative.
func (r *TestRepository) List(ctx context.Context) ([]model.Test, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT test_id, test_name, test_description FROM tests ORDER BY test_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []model.Test
	for rows.Next() {
		var t model.Test
		if err := rows.Scan(&t.ID, &t.Name, &t.Description); err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// Upsert inserts or replaces a test by id. Chunk questions are stored in exam_questions,
// not in case_info.
func (r *TestRepository) Upsert(ctx context.Context, t *model.Test) error {
	chunks := make([]model.CaseChunk, len(t.CaseInfo))
	for i, c := range t.CaseInfo {
		chunks[i] = model.CaseChunk{ChunkID: c.ChunkID, Content: c.Content}
	}
	raw, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("encode case_info: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO tests (test_id, test_name, test_description, case_info)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (test_id) DO UPDATE
		 SET test_name = EXCLUDED.test_name,
		     test_description = EXCLUDED.test_description,
		     case_info = EXCLUDED.case_info`,
		t.ID, t.Name, t.Description, raw,
	)
	return err
}
