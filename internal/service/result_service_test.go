package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/exam"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/scoring"
	"github.com/clinicus/clinicus-backend/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	err error
}

func (f fakeCatalog) Catalog(_ context.Context, _ int) (map[int]model.Question, error) {
	if f.err != nil {
		return nil, f.err
	}
	return exam.FallbackCatalog(), nil
}

type fakeResultFinder struct {
	result *model.StudentResult
	err    error
	calls  int
}

func (f *fakeResultFinder) GetByStudentAndTest(_ context.Context, _, _ int) (*model.StudentResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return nil, pgx.ErrNoRows
	}
	return f.result, nil
}

type fakeAnswerFinder struct {
	answers model.Answers
}

func (f fakeAnswerFinder) GetAll(_ context.Context, _ model.SessionKey) (model.Answers, error) {
	return f.answers, nil
}

var resultKey = model.SessionKey{StudentID: 12, TestID: 1}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newTestResultService(t *testing.T, catalog CatalogSource, finder ResultFinder, mirror AnswerFinder) (*ResultService, *miniredis.Miniredis, store.Store) {
	t.Helper()
	mr, rdb := newTestRedis(t)
	st := store.NewRedisStore(rdb, zerolog.Nop())
	grader := scoring.NewGrader(scoring.WithRand(func() float64 { return 0 }))
	return NewResultService(catalog, grader, st, finder, mirror, rdb, zerolog.Nop()), mr, st
}

func TestResultService_ScoreCachesAndQueues(t *testing.T) {
	ctx := context.Background()
	svc, mr, st := newTestResultService(t, fakeCatalog{}, &fakeResultFinder{}, nil)

	result, err := svc.Score(ctx, resultKey, model.Answers{1: model.TextAnswer("short answer")})
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalScore)
	assert.Equal(t, 10, result.MaxPossibleScore)
	assert.Equal(t, 50, result.PercentageScore)

	cached, err := st.CachedResult(ctx, resultKey)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 5, cached.TotalScore)

	queued, err := mr.List(config.WorkerKey.PersistResultsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	var event model.ResultEvent
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &event))
	assert.Equal(t, resultKey, event.Key())
	assert.Equal(t, 5, event.Score)
	assert.Equal(t, 50, event.PercentageScore)
	require.Len(t, event.Feedback, 1)
	assert.Equal(t, 1, event.Feedback[0].QuestionID)
}

func TestResultService_ScoreCatalogFailure(t *testing.T) {
	svc, _, _ := newTestResultService(t, fakeCatalog{err: errors.New("connection refused")}, &fakeResultFinder{}, nil)

	_, err := svc.Score(context.Background(), resultKey, model.Answers{1: model.TextAnswer("x")})
	require.Error(t, err)

	var scoreErr *scoring.Error
	require.ErrorAs(t, err, &scoreErr)
	assert.Equal(t, "catalog", scoreErr.Op)
}

func TestResultService_ScoreNoAnswers(t *testing.T) {
	svc, mr, _ := newTestResultService(t, fakeCatalog{}, &fakeResultFinder{}, nil)

	_, err := svc.Score(context.Background(), resultKey, model.Answers{})
	assert.ErrorIs(t, err, exam.ErrNoAnswers)
	assert.False(t, mr.Exists(config.WorkerKey.PersistResultsQueue))
}

func TestResultService_GetResultPrefersCache(t *testing.T) {
	ctx := context.Background()
	finder := &fakeResultFinder{result: &model.StudentResult{StudentID: 12, TestID: 1, Score: 1}}
	svc, _, st := newTestResultService(t, fakeCatalog{}, finder, nil)

	require.NoError(t, st.CacheResult(ctx, resultKey, &model.Result{TotalScore: 7, MaxPossibleScore: 10, PercentageScore: 70}))

	result, err := svc.GetResult(ctx, resultKey)
	require.NoError(t, err)
	assert.Equal(t, 7, result.TotalScore)
	assert.Zero(t, finder.calls)
}

func TestResultService_GetResultFromStoredRow(t *testing.T) {
	finder := &fakeResultFinder{result: &model.StudentResult{
		StudentID:       12,
		TestID:          1,
		Score:           18,
		PercentageScore: 90,
		Feedback: []model.QuestionFeedback{
			{QuestionID: 1, Feedback: "a"},
			{QuestionID: 2, Feedback: "b"},
		},
	}}
	svc, _, _ := newTestResultService(t, fakeCatalog{}, finder, nil)

	result, err := svc.GetResult(context.Background(), resultKey)
	require.NoError(t, err)
	assert.Equal(t, 18, result.TotalScore)
	assert.Equal(t, 20, result.MaxPossibleScore)
	assert.Equal(t, 90, result.PercentageScore)
	assert.Equal(t, scoring.OverallOutstanding, result.OverallFeedback)
	assert.Len(t, result.Feedback, 2)
}

func TestResultService_GetResultRecomputesFromAnswers(t *testing.T) {
	ctx := context.Background()
	svc, mr, st := newTestResultService(t, fakeCatalog{}, &fakeResultFinder{}, nil)

	_, err := st.Save(ctx, resultKey, model.Answers{2: model.ListAnswer("MI", "PE", "Dissection", "Pneumothorax")})
	require.NoError(t, err)

	result, err := svc.GetResult(ctx, resultKey)
	require.NoError(t, err)
	assert.Equal(t, 8, result.TotalScore)
	assert.Equal(t, 80, result.PercentageScore)

	queued, err := mr.List(config.WorkerKey.PersistResultsQueue)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestResultService_GetResultFallsBackToMirror(t *testing.T) {
	mirror := fakeAnswerFinder{answers: model.Answers{1: model.TextAnswer("mirrored answer")}}
	svc, _, _ := newTestResultService(t, fakeCatalog{}, &fakeResultFinder{}, mirror)

	result, err := svc.GetResult(context.Background(), resultKey)
	require.NoError(t, err)
	require.Len(t, result.Feedback, 1)
	assert.Equal(t, 1, result.Feedback[0].QuestionID)
}

func TestResultService_GetResultNothingToShow(t *testing.T) {
	svc, _, _ := newTestResultService(t, fakeCatalog{}, &fakeResultFinder{}, fakeAnswerFinder{})

	_, err := svc.GetResult(context.Background(), resultKey)
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestResultService_GetResultStoreFailure(t *testing.T) {
	finder := &fakeResultFinder{err: errors.New("too many connections")}
	svc, _, _ := newTestResultService(t, fakeCatalog{}, finder, nil)

	_, err := svc.GetResult(context.Background(), resultKey)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoResults)
	assert.Contains(t, err.Error(), "too many connections")
}

func TestLoginService_QueuesEvents(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	svc := NewLoginService(rdb, zerolog.Nop())

	svc.RecordLogin(ctx, 9, "10.0.0.4", "Mozilla/5.0")
	svc.RecordLogout(ctx, 9)

	queued, err := mr.List(config.WorkerKey.PersistLoginsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	var login, logout model.LoginEvent
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &login))
	require.NoError(t, json.Unmarshal([]byte(queued[1]), &logout))
	assert.Equal(t, model.LoginActionLogin, login.Action)
	assert.Equal(t, "10.0.0.4", login.IPAddress)
	assert.Equal(t, model.LoginActionLogout, logout.Action)
	assert.Equal(t, 9, logout.StudentID)
}

func TestLoginService_QueueFailureIsSwallowed(t *testing.T) {
	mr, rdb := newTestRedis(t)
	svc := NewLoginService(rdb, zerolog.Nop())
	mr.Close()

	assert.NotPanics(t, func() { svc.RecordLogin(context.Background(), 9, "", "") })
}
