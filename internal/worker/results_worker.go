package worker

import (
	"context"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ResultWriter persists scored results to student_results.
type ResultWriter interface {
	UpsertBatch(ctx context.Context, results []model.StudentResult) error
	Upsert(ctx context.Context, res *model.StudentResult) error
}

// clearScript drops the session buffers of a submitted attempt. An attempt that was
// reset and restarted since has no completion time and is left alone.
var clearScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("DEL", KEYS[2], KEYS[3], KEYS[4], KEYS[5])
	return 1
end
return 0
`)

// ResultsWorker consumes persist_results_queue, upserts results in bulk and then clears
// the attempt's answer buffers from Redis. The completion time stays so the attempt keeps
// routing to its results.
type ResultsWorker struct {
	results ResultWriter
	rdb     *redis.Client
	log     zerolog.Logger
	loop    *queueLoop[model.ResultEvent]
}

// NewResultsWorker creates a new ResultsWorker.
func NewResultsWorker(results ResultWriter, rdb *redis.Client, log zerolog.Logger) *ResultsWorker {
	w := &ResultsWorker{
		results: results,
		rdb:     rdb,
		log:     logger.Component(log, "results_worker"),
	}
	w.loop = newQueueLoop(rdb, config.WorkerKey.PersistResultsQueue, w.log, w.flush)
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *ResultsWorker) Start(ctx context.Context) {
	w.loop.run(ctx)
}

func (w *ResultsWorker) flush(ctx context.Context, batch []model.ResultEvent) {
	events := latestPerAttempt(batch)
	rows := make([]model.StudentResult, len(events))
	for i, e := range events {
		rows[i] = model.StudentResult{
			StudentID:       e.StudentID,
			TestID:          e.TestID,
			Score:           e.Score,
			PercentageScore: e.PercentageScore,
			Feedback:        e.Feedback,
		}
	}

	if err := w.results.UpsertBatch(ctx, rows); err != nil {
		w.log.Warn().Err(err).Int("count", len(rows)).Msg("Bulk result upsert failed, using fallback")

		var requeue []model.ResultEvent
		var persisted []model.ResultEvent
		for i := range rows {
			if err := w.results.Upsert(ctx, &rows[i]); err != nil {
				w.log.Error().Err(err).Int("student_id", rows[i].StudentID).Msg("Result upsert failed, requeueing")
				requeue = append(requeue, events[i])
				continue
			}
			persisted = append(persisted, events[i])
		}
		w.clearSessions(ctx, persisted)
		w.loop.requeue(ctx, requeue)
		return
	}

	w.clearSessions(ctx, events)
}

// clearSessions deletes the Redis buffers of attempts whose result is now durable.
func (w *ResultsWorker) clearSessions(ctx context.Context, events []model.ResultEvent) {
	if len(events) == 0 {
		return
	}
	pipe := w.rdb.Pipeline()
	for _, e := range events {
		keys := []string{
			config.CacheKey.StudentCompletionTimeKey(e.TestID, e.StudentID),
			config.CacheKey.StudentAnswersKey(e.TestID, e.StudentID),
			config.CacheKey.StudentUnlockedPagesKey(e.TestID, e.StudentID),
			config.CacheKey.StudentResultKey(e.TestID, e.StudentID),
			config.CacheKey.StudentSyncStatusKey(e.TestID, e.StudentID),
		}
		// EVALSHA cannot fall back to EVAL inside a pipeline.
		clearScript.Eval(ctx, pipe, keys)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Failed to clear session buffers")
	}
}

// latestPerAttempt keeps the newest event of each attempt, in first-seen order. Two
// rows for one attempt in a single upsert would be rejected by Postgres.
func latestPerAttempt(batch []model.ResultEvent) []model.ResultEvent {
	var out []model.ResultEvent
	index := make(map[model.SessionKey]int)
	for _, e := range batch {
		if i, ok := index[e.Key()]; ok {
			if e.ScoredAt >= out[i].ScoredAt {
				out[i] = e
			}
			continue
		}
		index[e.Key()] = len(out)
		out = append(out, e)
	}
	return out
}
