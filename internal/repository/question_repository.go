package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QuestionRepository handles exam_questions data access.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

const questionColumns = `question_id, test_id, chunk_id, question_text, clin_reasoning, answer_format, tot_points`

// ListByChunk retrieves the questions shown on one page, ordered by question_id.
func (r *QuestionRepository) ListByChunk(ctx context.Context, testID, chunkID int) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+questionColumns+`
		 FROM exam_questions WHERE test_id = $1 AND chunk_id = $2
		 ORDER BY question_id`, testID, chunkID,
	)
	if err != nil {
		return nil, err
	}
	return collectQuestions(rows)
}

// ListByTest retrieves every question of a test. The scorer uses it as its catalog.
func (r *QuestionRepository) ListByTest(ctx context.Context, testID int) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+questionColumns+`
		 FROM exam_questions WHERE test_id = $1
		 ORDER BY chunk_id, question_id`, testID,
	)
	if err != nil {
		return nil, err
	}
	return collectQuestions(rows)
}

// Upsert inserts or replaces a question, keyed by (test_id, question_id).
func (r *QuestionRepository) Upsert(ctx context.Context, q *model.Question) error {
	format := model.AnswerFormat{Type: q.Kind, TableHeaders: q.TableHeaders, Options: q.Options}
	raw, err := json.Marshal(format)
	if err != nil {
		return fmt.Errorf("encode answer format: %w", err)
	}

	var points *int
	if q.Points > 0 {
		points = &q.Points
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO exam_questions (question_id, test_id, chunk_id, question_text, clin_reasoning, answer_format, tot_points)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (test_id, question_id) DO UPDATE
		 SET chunk_id = EXCLUDED.chunk_id,
		     question_text = EXCLUDED.question_text,
		     clin_reasoning = EXCLUDED.clin_reasoning,
		     answer_format = EXCLUDED.answer_format,
		     tot_points = EXCLUDED.tot_points`,
		q.ID, q.TestID, q.ChunkID, q.Title, q.Description, raw, points,
	)
	return err
}

func collectQuestions(rows pgx.Rows) ([]model.Question, error) {
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var (
			q      model.Question
			format []byte
			points *int
		)
		if err := rows.Scan(&q.ID, &q.TestID, &q.ChunkID, &q.Title, &q.Description, &format, &points); err != nil {
			return nil, err
		}

		af, err := model.ParseAnswerFormat(format)
		if err != nil {
			return nil, fmt.Errorf("question %d answer_format: %w", q.ID, err)
		}
		q.Kind = af.Type
		q.TableHeaders = af.TableHeaders
		q.Options = af.Options
		if points != nil {
			q.Points = *points
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}
