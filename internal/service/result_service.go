package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/exam"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/scoring"
	"github.com/clinicus/clinicus-backend/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNoResults is returned when an attempt has neither a stored result nor answers to grade.
var ErrNoResults = errors.New("no results found")

// CatalogSource returns every question of a test keyed by id.
type CatalogSource interface {
	Catalog(ctx context.Context, testID int) (map[int]model.Question, error)
}

// ResultFinder reads persisted results.
type ResultFinder interface {
	GetByStudentAndTest(ctx context.Context, studentID, testID int) (*model.StudentResult, error)
}

// AnswerFinder reads the Postgres mirror of an attempt's answers.
type AnswerFinder interface {
	GetAll(ctx context.Context, key model.SessionKey) (model.Answers, error)
}

// ResultService grades attempts and serves their results. It implements exam.Scorer.
type ResultService struct {
	catalog CatalogSource
	grader  *scoring.Grader
	store   store.Store
	results ResultFinder
	mirror  AnswerFinder
	rdb     *redis.Client
	log     zerolog.Logger
}

var _ exam.Scorer = (*ResultService)(nil)

// NewResultService creates a new ResultService. results and mirror may be nil.
func NewResultService(catalog CatalogSource, grader *scoring.Grader, st store.Store, results ResultFinder, mirror AnswerFinder, rdb *redis.Client, log zerolog.Logger) *ResultService {
	return &ResultService{
		catalog: catalog,
		grader:  grader,
		store:   st,
		results: results,
		mirror:  mirror,
		rdb:     rdb,
		log:     logger.Component(log, "result_service"),
	}
}

// Score grades the answers, caches the result for the results page and queues it for
// the results worker. A result that cannot be queued is reported as a failure so the
// attempt stays open.
func (s *ResultService) Score(ctx context.Context, key model.SessionKey, answers model.Answers) (*model.Result, error) {
	catalog, err := s.catalog.Catalog(ctx, key.TestID)
	if err != nil {
		return nil, &scoring.Error{Op: "catalog", Err: err}
	}

	result, err := s.grader.Grade(catalog, answers)
	if err != nil {
		return nil, err
	}

	if err := s.store.CacheResult(ctx, key, result); err != nil {
		s.log.Warn().Err(err).Int("student_id", key.StudentID).Msg("Failed to cache result")
	}

	if err := s.enqueue(ctx, key, result); err != nil {
		return nil, &scoring.Error{Op: "enqueue", Err: err}
	}
	return result, nil
}

func (s *ResultService) enqueue(ctx context.Context, key model.SessionKey, result *model.Result) error {
	if s.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(model.ResultEvent{
		StudentID:       key.StudentID,
		TestID:          key.TestID,
		Score:           result.TotalScore,
		PercentageScore: result.PercentageScore,
		Feedback:        result.Feedback,
		ScoredAt:        time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw).Err()
}

// GetResult returns the latest result of an attempt. It prefers the cached result, then
// the stored row, and otherwise grades whatever answers are still held for the attempt.
func (s *ResultService) GetResult(ctx context.Context, key model.SessionKey) (*model.Result, error) {
	cached, err := s.store.CachedResult(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Int("student_id", key.StudentID).Msg("Cached result unreadable")
	}
	if cached != nil {
		return cached, nil
	}

	if s.results != nil {
		stored, err := s.results.GetByStudentAndTest(ctx, key.StudentID, key.TestID)
		switch {
		case err == nil:
			return s.fromStored(ctx, stored), nil
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("get stored result: %w", err)
		}
	}

	answers, err := s.heldAnswers(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(answers) == 0 {
		return nil, ErrNoResults
	}

	result, err := s.Score(ctx, key, answers)
	if err != nil {
		if errors.Is(err, exam.ErrNoAnswers) {
			return nil, ErrNoResults
		}
		return nil, err
	}
	return result, nil
}

func (s *ResultService) heldAnswers(ctx context.Context, key model.SessionKey) (model.Answers, error) {
	answers, err := s.store.GetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}
	if len(answers) > 0 || s.mirror == nil {
		return answers, nil
	}

	mirrored, err := s.mirror.GetAll(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Int("student_id", key.StudentID).Msg("Answer mirror unreadable")
		return answers, nil
	}
	return mirrored, nil
}

// fromStored rebuilds a Result from a student_results row. Per-question scores are not
// stored; the maximum is recomputed from the catalog.
func (s *ResultService) fromStored(ctx context.Context, stored *model.StudentResult) *model.Result {
	result := &model.Result{
		TotalScore:      stored.Score,
		PercentageScore: stored.PercentageScore,
		Feedback:        stored.Feedback,
		QuestionScores:  map[int]model.QuestionScore{},
		OverallFeedback: scoring.OverallFeedback(float64(stored.PercentageScore) / 100),
	}
	if result.Feedback == nil {
		result.Feedback = []model.QuestionFeedback{}
	}

	catalog, err := s.catalog.Catalog(ctx, stored.TestID)
	if err != nil {
		s.log.Warn().Err(err).Int("test_id", stored.TestID).Msg("Catalog unavailable for stored result")
		return result
	}
	for _, f := range result.Feedback {
		if q, ok := catalog[f.QuestionID]; ok {
			result.MaxPossibleScore += q.PointsPossible()
		}
	}
	return result
}
