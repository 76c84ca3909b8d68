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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TestGetter loads a test with its case chunks.
type TestGetter interface {
	GetByID(ctx context.Context, id int) (*model.Test, error)
}

// QuestionLister loads questions from the question bank.
type QuestionLister interface {
	ListByChunk(ctx context.Context, testID, chunkID int) ([]model.Question, error)
	ListByTest(ctx context.Context, testID int) ([]model.Question, error)
}

// PageService assembles exam pages from the tests and exam_questions tables, with a
// short Redis cache in front. It implements exam.PageSource.
type PageService struct {
	tests     TestGetter
	questions QuestionLister
	rdb       *redis.Client
	ttl       time.Duration
	log       zerolog.Logger
}

var _ exam.PageSource = (*PageService)(nil)

// NewPageService creates a new PageService. A nil rdb disables caching.
func NewPageService(tests TestGetter, questions QuestionLister, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *PageService {
	return &PageService{
		tests:     tests,
		questions: questions,
		rdb:       rdb,
		ttl:       ttl,
		log:       logger.Component(log, "page_service"),
	}
}

// LoadPage returns the case chunk and questions for one page. A page with no questions
// is returned as is; the caller decides on a fallback. Any lookup failure is returned.
func (s *PageService) LoadPage(ctx context.Context, testID, page int) (*model.Page, error) {
	if cached := s.cached(ctx, testID, page); cached != nil {
		return cached, nil
	}

	test, err := s.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("get test %d: %w", testID, err)
	}

	questions, err := s.questions.ListByChunk(ctx, testID, page)
	if err != nil {
		return nil, fmt.Errorf("list questions for page %d: %w", page, err)
	}

	p := &model.Page{
		TestID:     testID,
		Number:     page,
		TotalPages: len(test.CaseInfo),
		ExamTitle:  test.Name,
		Questions:  questions,
	}
	if chunk, ok := test.Chunk(page); ok {
		p.CaseInfo = chunk.Content
	}

	if len(questions) > 0 {
		s.store(ctx, p)
	}
	return p, nil
}

// Catalog returns every question of a test keyed by id, for scoring. A test with no
// questions in the bank is scored against the built-in set.
func (s *PageService) Catalog(ctx context.Context, testID int) (map[int]model.Question, error) {
	questions, err := s.questions.ListByTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("list questions for test %d: %w", testID, err)
	}
	if len(questions) == 0 {
		return exam.FallbackCatalog(), nil
	}

	catalog := make(map[int]model.Question, len(questions))
	for _, q := range questions {
		catalog[q.ID] = q
	}
	return catalog, nil
}

// Invalidate drops the cached pages of a test.
func (s *PageService) Invalidate(ctx context.Context, testID, pages int) error {
	if s.rdb == nil {
		return nil
	}
	keys := make([]string, 0, pages)
	for p := 1; p <= pages; p++ {
		keys = append(keys, config.CacheKey.TestPageKey(testID, p))
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *PageService) cached(ctx context.Context, testID, page int) *model.Page {
	if s.rdb == nil {
		return nil
	}
	raw, err := s.rdb.Get(ctx, config.CacheKey.TestPageKey(testID, page)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Int("page", page).Msg("Page cache read failed")
		}
		return nil
	}
	var p model.Page
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn().Err(err).Int("page", page).Msg("Discarding undecodable cached page")
		return nil
	}
	return &p
}

func (s *PageService) store(ctx context.Context, p *model.Page) {
	if s.rdb == nil || s.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, config.CacheKey.TestPageKey(p.TestID, p.Number), raw, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Int("page", p.Number).Msg("Page cache write failed")
	}
}
