package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

var (
	keyA = model.SessionKey{StudentID: 1, TestID: 1}
	keyB = model.SessionKey{StudentID: 2, TestID: 1}
)

type fakeAnswerWriter struct {
	mu    sync.Mutex
	err   error
	calls map[model.SessionKey][]model.Answers
}

func (f *fakeAnswerWriter) Upsert(_ context.Context, key model.SessionKey, answers model.Answers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[model.SessionKey][]model.Answers)
	}
	f.calls[key] = append(f.calls[key], answers)
	return f.err
}

func (f *fakeAnswerWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += len(c)
	}
	return n
}

func queuedSyncs(t *testing.T, mr *miniredis.Miniredis) []store.AnswerSync {
	t.Helper()
	raw, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	out := make([]store.AnswerSync, len(raw))
	for i, r := range raw {
		require.NoError(t, json.Unmarshal([]byte(r), &out[i]))
	}
	return out
}

func TestCoalesceSyncs(t *testing.T) {
	batch := []store.AnswerSync{
		{SyncID: "a1", StudentID: 1, TestID: 1, Answers: model.Answers{1: model.TextAnswer("first")}},
		{SyncID: "b1", StudentID: 2, TestID: 1, Answers: model.Answers{1: model.TextAnswer("other")}},
		{SyncID: "a2", StudentID: 1, TestID: 1, Answers: model.Answers{1: model.TextAnswer("second"), 2: model.ListAnswer("MI")}},
	}

	got := coalesceSyncs(batch)
	require.Len(t, got, 2)
	assert.Equal(t, keyA, got[0].key)
	assert.Equal(t, "a2", got[0].lastSync)
	assert.Equal(t, "second", got[0].answers[1].Text)
	assert.Len(t, got[0].answers, 2)
	assert.Len(t, got[0].payloads, 2)
	assert.Equal(t, keyB, got[1].key)
}

func TestAutosaveWorker_FlushAcksLatestSave(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	mirror := store.NewMirror(store.NewRedisStore(rdb, zerolog.Nop()), rdb, zerolog.Nop())

	_, err := mirror.Save(ctx, keyA, model.Answers{1: model.TextAnswer("draft")})
	require.NoError(t, err)
	_, err = mirror.Save(ctx, keyA, model.Answers{2: model.ListAnswer("Angina")})
	require.NoError(t, err)

	writer := &fakeAnswerWriter{}
	w := NewAutosaveWorker(writer, rdb, zerolog.Nop())
	batch := queuedSyncs(t, mr)
	mr.Del(config.WorkerKey.PersistAnswersQueue)

	w.flush(ctx, batch)

	require.Len(t, writer.calls[keyA], 1)
	assert.Len(t, writer.calls[keyA][0], 2)

	status, err := mirror.Status(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, model.SyncSucceeded, status)
}

func TestAutosaveWorker_FlushFailureRequeues(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	mirror := store.NewMirror(store.NewRedisStore(rdb, zerolog.Nop()), rdb, zerolog.Nop())

	_, err := mirror.Save(ctx, keyA, model.Answers{1: model.TextAnswer("draft")})
	require.NoError(t, err)

	writer := &fakeAnswerWriter{err: errors.New("connection reset")}
	w := NewAutosaveWorker(writer, rdb, zerolog.Nop())
	w.loop.backoff = 0
	batch := queuedSyncs(t, mr)
	mr.Del(config.WorkerKey.PersistAnswersQueue)

	w.flush(ctx, batch)

	status, err := mirror.Status(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, model.SyncFailed, status)
	assert.Len(t, queuedSyncs(t, mr), 1)
}

func TestAutosaveWorker_SkipsSavesOfResetAttempt(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	mirror := store.NewMirror(store.NewRedisStore(rdb, zerolog.Nop()), rdb, zerolog.Nop())

	_, err := mirror.Save(ctx, keyA, model.Answers{1: model.TextAnswer("discarded")})
	require.NoError(t, err)
	_, err = mirror.Save(ctx, keyB, model.Answers{1: model.TextAnswer("other student")})
	require.NoError(t, err)
	require.NoError(t, mirror.Clear(ctx, keyA))
	_, err = mirror.Save(ctx, keyA, model.Answers{2: model.ListAnswer("Pericarditis")})
	require.NoError(t, err)

	writer := &fakeAnswerWriter{}
	w := NewAutosaveWorker(writer, rdb, zerolog.Nop())
	batch := queuedSyncs(t, mr)
	require.Len(t, batch, 3)
	mr.Del(config.WorkerKey.PersistAnswersQueue)

	w.flush(ctx, batch)

	require.Len(t, writer.calls[keyA], 1)
	assert.NotContains(t, writer.calls[keyA][0], 1)
	assert.Equal(t, []string{"Pericarditis"}, writer.calls[keyA][0][2].List)
	require.Len(t, writer.calls[keyB], 1)

	status, err := mirror.Status(ctx, keyA)
	require.NoError(t, err)
	assert.Equal(t, model.SyncSucceeded, status)
}

func TestAutosaveWorker_DrainsOnShutdown(t *testing.T) {
	mr, rdb := newRedis(t)
	mirror := store.NewMirror(store.NewRedisStore(rdb, zerolog.Nop()), rdb, zerolog.Nop())
	_, err := mirror.Save(context.Background(), keyA, model.Answers{1: model.TextAnswer("last words")})
	require.NoError(t, err)

	writer := &fakeAnswerWriter{}
	w := NewAutosaveWorker(writer, rdb, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)

	assert.Equal(t, 1, writer.count())
	assert.False(t, mr.Exists(config.WorkerKey.PersistAnswersQueue))
}

func TestAutosaveWorker_ProcessesWhileRunning(t *testing.T) {
	mr, rdb := newRedis(t)
	mirror := store.NewMirror(store.NewRedisStore(rdb, zerolog.Nop()), rdb, zerolog.Nop())
	writer := &fakeAnswerWriter{}
	w := NewAutosaveWorker(writer, rdb, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	_, err := mirror.Save(context.Background(), keyB, model.Answers{3: model.GridAnswer(model.Grid{0: {0: "Onset?"}})})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return writer.count() == 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	<-done
	assert.False(t, mr.Exists(config.WorkerKey.PersistAnswersQueue))
}

type fakeResultWriter struct {
	batchErr error
	failFor  int
	batches  [][]model.StudentResult
	singles  []model.StudentResult
}

func (f *fakeResultWriter) UpsertBatch(_ context.Context, results []model.StudentResult) error {
	f.batches = append(f.batches, results)
	return f.batchErr
}

func (f *fakeResultWriter) Upsert(_ context.Context, res *model.StudentResult) error {
	if res.StudentID == f.failFor {
		return errors.New("deadlock detected")
	}
	f.singles = append(f.singles, *res)
	return nil
}

func seedSubmittedAttempt(t *testing.T, rdb *redis.Client, key model.SessionKey, completed bool) *store.RedisStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewRedisStore(rdb, zerolog.Nop())
	_, err := st.Save(ctx, key, model.Answers{1: model.TextAnswer("answer")})
	require.NoError(t, err)
	require.NoError(t, st.UnlockPage(ctx, key, 2))
	require.NoError(t, st.CacheResult(ctx, key, &model.Result{TotalScore: 6}))
	if completed {
		require.NoError(t, st.MarkCompleted(ctx, key, time.Now()))
	}
	return st
}

func TestLatestPerAttempt(t *testing.T) {
	batch := []model.ResultEvent{
		{StudentID: 1, TestID: 1, Score: 3, ScoredAt: 100},
		{StudentID: 2, TestID: 1, Score: 9, ScoredAt: 101},
		{StudentID: 1, TestID: 1, Score: 7, ScoredAt: 102},
	}

	got := latestPerAttempt(batch)
	require.Len(t, got, 2)
	assert.Equal(t, 7, got[0].Score)
	assert.Equal(t, 9, got[1].Score)
}

func TestResultsWorker_FlushPersistsAndClears(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	submitted := seedSubmittedAttempt(t, rdb, keyA, true)
	restarted := seedSubmittedAttempt(t, rdb, keyB, false)

	writer := &fakeResultWriter{}
	w := NewResultsWorker(writer, rdb, zerolog.Nop())
	w.flush(ctx, []model.ResultEvent{
		{StudentID: 1, TestID: 1, Score: 6, PercentageScore: 60},
		{StudentID: 2, TestID: 1, Score: 8, PercentageScore: 80},
	})

	require.Len(t, writer.batches, 1)
	assert.Len(t, writer.batches[0], 2)

	answers, err := submitted.GetAll(ctx, keyA)
	require.NoError(t, err)
	assert.Empty(t, answers)
	assert.False(t, mr.Exists(config.CacheKey.StudentResultKey(1, 1)))
	completed, err := submitted.CompletedAt(ctx, keyA)
	require.NoError(t, err)
	assert.NotNil(t, completed)

	kept, err := restarted.GetAll(ctx, keyB)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestResultsWorker_FallbackRequeuesFailures(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	seedSubmittedAttempt(t, rdb, keyA, true)
	seedSubmittedAttempt(t, rdb, keyB, true)

	writer := &fakeResultWriter{batchErr: errors.New("bulk failed"), failFor: 2}
	w := NewResultsWorker(writer, rdb, zerolog.Nop())
	w.loop.backoff = 0
	w.flush(ctx, []model.ResultEvent{
		{StudentID: 1, TestID: 1, Score: 6},
		{StudentID: 2, TestID: 1, Score: 8},
	})

	require.Len(t, writer.singles, 1)
	assert.Equal(t, 1, writer.singles[0].StudentID)

	queued, err := mr.List(config.WorkerKey.PersistResultsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	var event model.ResultEvent
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &event))
	assert.Equal(t, 2, event.StudentID)

	assert.False(t, mr.Exists(config.CacheKey.StudentAnswersKey(1, 1)))
	assert.True(t, mr.Exists(config.CacheKey.StudentAnswersKey(1, 2)))
}

type loginCall struct {
	op        string
	studentID int
}

type fakeLoginWriter struct {
	calls    []loginCall
	batchErr error
}

func (f *fakeLoginWriter) InsertBatch(_ context.Context, records []model.LoginRecord) error {
	if f.batchErr != nil {
		return f.batchErr
	}
	for _, r := range records {
		f.calls = append(f.calls, loginCall{"copy", r.StudentID})
	}
	return nil
}

func (f *fakeLoginWriter) Insert(_ context.Context, rec *model.LoginRecord) error {
	f.calls = append(f.calls, loginCall{"insert", rec.StudentID})
	return nil
}

func (f *fakeLoginWriter) CloseLatest(_ context.Context, studentID int, _ time.Time) (bool, error) {
	f.calls = append(f.calls, loginCall{"logout", studentID})
	return true, nil
}

func TestLoginWorker_AppliesEventsInOrder(t *testing.T) {
	_, rdb := newRedis(t)
	writer := &fakeLoginWriter{}
	w := NewLoginWorker(writer, rdb, zerolog.Nop())

	w.flush(context.Background(), []model.LoginEvent{
		{Action: model.LoginActionLogin, StudentID: 4, At: 100},
		{Action: model.LoginActionLogin, StudentID: 5, At: 101},
		{Action: model.LoginActionLogout, StudentID: 4, At: 150},
		{Action: model.LoginActionLogin, StudentID: 4, At: 160},
	})

	assert.Equal(t, []loginCall{
		{"copy", 4},
		{"copy", 5},
		{"logout", 4},
		{"copy", 4},
	}, writer.calls)
}

func TestLoginWorker_FallsBackToSingleInserts(t *testing.T) {
	_, rdb := newRedis(t)
	writer := &fakeLoginWriter{batchErr: errors.New("copy failed")}
	w := NewLoginWorker(writer, rdb, zerolog.Nop())

	w.flush(context.Background(), []model.LoginEvent{
		{Action: model.LoginActionLogin, StudentID: 4, At: 100},
		{Action: model.LoginActionLogin, StudentID: 5, At: 101},
	})

	assert.Equal(t, []loginCall{{"insert", 4}, {"insert", 5}}, writer.calls)
}
