package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AnswerRepository handles the student_answers mirror.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert writes a set of answers for one attempt. Last write wins per question.
func (r *AnswerRepository) Upsert(ctx context.Context, key model.SessionKey, answers model.Answers) error {
	if len(answers) == 0 {
		return nil
	}

	qids := make([]int, 0, len(answers))
	values := make([]string, 0, len(answers))
	for id, a := range answers {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode answer %d: %w", id, err)
		}
		qids = append(qids, id)
		values = append(values, string(raw))
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO student_answers (student_id, test_id, question_id, answer)
		 SELECT $1, $2, u.question_id, u.answer::jsonb
		 FROM UNNEST($3::int[], $4::text[]) AS u(question_id, answer)
		 ON CONFLICT (student_id, test_id, question_id) DO UPDATE
		 SET answer = EXCLUDED.answer, updated_at = NOW()`,
		key.StudentID, key.TestID, qids, values,
	)
	return err
}

// GetAll retrieves the mirrored answers of one attempt.
func (r *AnswerRepository) GetAll(ctx context.Context, key model.SessionKey) (model.Answers, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer FROM student_answers
		 WHERE student_id = $1 AND test_id = $2`, key.StudentID, key.TestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := model.Answers{}
	for rows.Next() {
		var (
			id  int
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var a model.Answer
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		answers[id] = a
	}
	return answers, rows.Err()
}

// DeleteAll removes the mirrored answers of one attempt.
func (r *AnswerRepository) DeleteAll(ctx context.Context, key model.SessionKey) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM student_answers WHERE student_id = $1 AND test_id = $2`, key.StudentID, key.TestID)
	return err
}
