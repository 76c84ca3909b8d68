package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = model.SessionKey{StudentID: 42, TestID: 1}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisStore_SaveMergesPerQuestion(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	s := NewRedisStore(rdb, zerolog.Nop())

	merged, err := s.Save(ctx, key, model.Answers{
		1: model.TextAnswer("chest pain"),
		2: model.ListAnswer("MI", "PE", "", ""),
	})
	require.NoError(t, err)
	assert.Len(t, merged, 2)

	merged, err = s.Save(ctx, key, model.Answers{
		2: model.ListAnswer("Aortic dissection"),
		3: model.GridAnswer(model.Grid{0: {1: "yes"}}),
	})
	require.NoError(t, err)
	require.Len(t, merged, 3)
	assert.Equal(t, "chest pain", merged[1].Text)
	assert.Equal(t, []string{"Aortic dissection"}, merged[2].List, "whole value replaced")
	assert.Equal(t, "yes", merged[3].Grid[0][1])

	all, err := s.GetAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, merged, all)
}

func TestRedisStore_GetAllSkipsBadFields(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	s := NewRedisStore(rdb, zerolog.Nop())

	answersKey := config.CacheKey.StudentAnswersKey(key.TestID, key.StudentID)
	mr.HSet(answersKey, "1", `"ok"`)
	mr.HSet(answersKey, "2", `{not json`)
	mr.HSet(answersKey, "abc", `"x"`)
	mr.HSet(answersKey, "4", `42`)

	all, err := s.GetAll(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ok", all[1].Text)
	assert.Equal(t, model.ShapeInvalid, all[4].Shape)
}

func TestRedisStore_UnlockedPages(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	s := NewRedisStore(rdb, zerolog.Nop())

	pages, err := s.UnlockedPages(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, pages, "fresh attempt")

	require.NoError(t, s.UnlockPage(ctx, key, 3))
	require.NoError(t, s.UnlockPage(ctx, key, 2))
	require.NoError(t, s.UnlockPage(ctx, key, 2))

	pages, err = s.UnlockedPages(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, pages)

	assert.Error(t, s.UnlockPage(ctx, key, 0))
}

func TestRedisStore_ClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	s := NewRedisStore(rdb, zerolog.Nop())

	_, err := s.Save(ctx, key, model.Answers{1: model.TextAnswer("x")})
	require.NoError(t, err)
	require.NoError(t, s.UnlockPage(ctx, key, 2))
	require.NoError(t, s.MarkCompleted(ctx, key, time.Now()))
	_, err = s.StartCountdown(ctx, key, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CacheResult(ctx, key, &model.Result{TotalScore: 3}))

	other := model.SessionKey{StudentID: 43, TestID: 1}
	_, err = s.Save(ctx, other, model.Answers{1: model.TextAnswer("keep")})
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, key))

	all, err := s.GetAll(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, all)
	pages, _ := s.UnlockedPages(ctx, key)
	assert.Equal(t, []int{1}, pages)
	done, _ := s.CompletedAt(ctx, key)
	assert.Nil(t, done)
	res, _ := s.CachedResult(ctx, key)
	assert.Nil(t, res)

	assert.True(t, mr.Exists(config.CacheKey.StudentAnswersKey(other.TestID, other.StudentID)))
}

func TestRedisStore_CompletedAt(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	s := NewRedisStore(rdb, zerolog.Nop())

	done, err := s.CompletedAt(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, done)

	at := time.Unix(1700000000, 0)
	require.NoError(t, s.MarkCompleted(ctx, key, at))
	done, err = s.CompletedAt(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.True(t, at.Equal(*done))
}

func TestRedisStore_StartCountdownKeepsFirst(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	s := NewRedisStore(rdb, zerolog.Nop())

	first := time.Unix(1700000000, 0)
	start, err := s.StartCountdown(ctx, key, first)
	require.NoError(t, err)
	assert.True(t, first.Equal(start))

	start, err = s.StartCountdown(ctx, key, first.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, first.Equal(start), "a reconnect resumes the original countdown")
}

func TestRedisStore_CachedResult(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	s := NewRedisStore(rdb, zerolog.Nop())

	res, err := s.CachedResult(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, res)

	want := &model.Result{
		TotalScore:       16,
		MaxPossibleScore: 20,
		PercentageScore:  80,
		Feedback:         []model.QuestionFeedback{{QuestionID: 1, Feedback: "Good"}},
		QuestionScores:   map[int]model.QuestionScore{1: {Score: 8, MaxScore: 10, Percentage: 80}},
		OverallFeedback:  "Good work!",
	}
	require.NoError(t, s.CacheResult(ctx, key, want))

	res, err = s.CachedResult(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, want, res)
}

func TestMemoryStore_MatchesRedisSemantics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	pages, _ := s.UnlockedPages(ctx, key)
	assert.Equal(t, []int{1}, pages)

	_, err := s.Save(ctx, key, model.Answers{1: model.TextAnswer("a")})
	require.NoError(t, err)
	merged, err := s.Save(ctx, key, model.Answers{2: model.TextAnswer("b")})
	require.NoError(t, err)
	assert.Len(t, merged, 2)

	has, _ := s.HasAnswers(ctx, key)
	assert.True(t, has)

	require.NoError(t, s.UnlockPage(ctx, key, 2))
	require.NoError(t, s.Clear(ctx, key))

	all, _ := s.GetAll(ctx, key)
	assert.Empty(t, all)
	pages, _ = s.UnlockedPages(ctx, key)
	assert.Equal(t, []int{1}, pages)
}

func TestMirror_QueuesEverySave(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	m := NewMirror(NewRedisStore(rdb, zerolog.Nop()), rdb, zerolog.Nop())

	status, err := m.Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.SyncIdle, status)

	_, err = m.Save(ctx, key, model.Answers{1: model.TextAnswer("chest pain")})
	require.NoError(t, err)
	_, err = m.Save(ctx, key, model.Answers{2: model.ListAnswer("MI")})
	require.NoError(t, err)

	queued, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	var last AnswerSync
	require.NoError(t, json.Unmarshal([]byte(queued[1]), &last))
	assert.Equal(t, key, last.Key())
	assert.Len(t, last.Answers, 1, "only the touched question is queued")
	assert.Equal(t, []string{"MI"}, last.Answers[2].List)

	status, err = m.Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, status)
}

func TestAckSync_IgnoresSupersededSave(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	m := NewMirror(NewMemoryStore(), rdb, zerolog.Nop())

	_, err := m.Save(ctx, key, model.Answers{1: model.TextAnswer("first")})
	require.NoError(t, err)
	_, err = m.Save(ctx, key, model.Answers{1: model.TextAnswer("second")})
	require.NoError(t, err)

	queued, _ := mr.List(config.WorkerKey.PersistAnswersQueue)
	var first, second AnswerSync
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(queued[1]), &second))

	applied, err := AckSync(ctx, rdb, key, first.SyncID, model.SyncSucceeded)
	require.NoError(t, err)
	assert.False(t, applied)
	status, _ := m.Status(ctx, key)
	assert.Equal(t, model.SyncPending, status)

	applied, err = AckSync(ctx, rdb, key, second.SyncID, model.SyncSucceeded)
	require.NoError(t, err)
	assert.True(t, applied)
	status, _ = m.Status(ctx, key)
	assert.Equal(t, model.SyncSucceeded, status)
}

func TestMirror_EnqueueFailureDoesNotFailSave(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	inner := NewMemoryStore()
	m := NewMirror(inner, rdb, zerolog.Nop())

	mr.Close()

	merged, err := m.Save(ctx, key, model.Answers{1: model.TextAnswer("kept locally")})
	require.NoError(t, err)
	assert.Equal(t, "kept locally", merged[1].Text)

	all, _ := inner.GetAll(ctx, key)
	assert.Len(t, all, 1)
}

func assertPauseSemantics(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	p, err := s.PauseState(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, p.Since)
	assert.Zero(t, p.Total)

	require.NoError(t, s.PauseCountdown(ctx, key, at))
	require.NoError(t, s.PauseCountdown(ctx, key, at.Add(time.Minute)), "a second pause keeps the first start")
	p, err = s.PauseState(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, p.Since)
	assert.True(t, at.Equal(*p.Since))
	assert.Equal(t, 5*time.Minute, p.Elapsed(at.Add(5*time.Minute)))

	require.NoError(t, s.ResumeCountdown(ctx, key, at.Add(2*time.Minute)))
	require.NoError(t, s.ResumeCountdown(ctx, key, at.Add(9*time.Minute)), "resuming a running countdown is a no-op")
	p, err = s.PauseState(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, p.Since)
	assert.Equal(t, 2*time.Minute, p.Total)
	assert.Equal(t, 2*time.Minute, p.Elapsed(at.Add(time.Hour)))

	require.NoError(t, s.Clear(ctx, key))
	p, err = s.PauseState(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, p.Total)
}

func TestRedisStore_PauseAccumulates(t *testing.T) {
	_, rdb := newRedis(t)
	assertPauseSemantics(t, NewRedisStore(rdb, zerolog.Nop()))
}

func TestMemoryStore_PauseAccumulates(t *testing.T) {
	assertPauseSemantics(t, NewMemoryStore())
}

func TestMirror_ClearAdvancesEpoch(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	m := NewMirror(NewRedisStore(rdb, zerolog.Nop()), rdb, zerolog.Nop())

	_, err := m.Save(ctx, key, model.Answers{1: model.TextAnswer("discarded")})
	require.NoError(t, err)
	require.NoError(t, m.Clear(ctx, key))
	_, err = m.Save(ctx, key, model.Answers{1: model.TextAnswer("fresh")})
	require.NoError(t, err)

	epoch, err := Epoch(ctx, rdb, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, epoch)

	queued, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	var before, after AnswerSync
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &before))
	require.NoError(t, json.Unmarshal([]byte(queued[1]), &after))
	assert.EqualValues(t, 0, before.Epoch)
	assert.EqualValues(t, 1, after.Epoch)
}
