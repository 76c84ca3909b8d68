package worker

import (
	"context"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AnswerWriter upserts an attempt's answers into the student_answers mirror.
type AnswerWriter interface {
	Upsert(ctx context.Context, key model.SessionKey, answers model.Answers) error
}

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL,
// then acknowledges the sync status of each attempt.
type AutosaveWorker struct {
	answers AnswerWriter
	rdb     *redis.Client
	log     zerolog.Logger
	loop    *queueLoop[store.AnswerSync]
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(answers AnswerWriter, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	w := &AutosaveWorker{
		answers: answers,
		rdb:     rdb,
		log:     logger.Component(log, "autosave_worker"),
	}
	w.loop = newQueueLoop(rdb, config.WorkerKey.PersistAnswersQueue, w.log, w.flush)
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.loop.run(ctx)
}

// pendingSync is every queued save of one attempt within a batch, merged in queue order.
type pendingSync struct {
	key      model.SessionKey
	answers  model.Answers
	lastSync string
	payloads []store.AnswerSync
}

func (w *AutosaveWorker) flush(ctx context.Context, batch []store.AnswerSync) {
	var requeue []store.AnswerSync

	for _, p := range coalesceSyncs(w.dropDiscarded(ctx, batch)) {
		if err := w.answers.Upsert(ctx, p.key, p.answers); err != nil {
			w.log.Error().Err(err).
				Int("student_id", p.key.StudentID).
				Int("test_id", p.key.TestID).
				Msg("Persist error, requeueing")
			w.ack(ctx, p, model.SyncFailed)
			requeue = append(requeue, p.payloads...)
			continue
		}
		w.ack(ctx, p, model.SyncSucceeded)
	}

	w.loop.requeue(ctx, requeue)
}

// dropDiscarded removes saves queued before the attempt was last reset. When the epoch
// cannot be read the saves are kept.
func (w *AutosaveWorker) dropDiscarded(ctx context.Context, batch []store.AnswerSync) []store.AnswerSync {
	epochs := make(map[model.SessionKey]int64)
	kept := batch[:0:0]

	for _, s := range batch {
		key := s.Key()
		epoch, ok := epochs[key]
		if !ok {
			var err error
			epoch, err = store.Epoch(ctx, w.rdb, key)
			if err != nil {
				w.log.Warn().Err(err).Int("student_id", key.StudentID).Msg("Attempt epoch unreadable, keeping saves")
				epoch = s.Epoch
			}
			epochs[key] = epoch
		}
		if s.Epoch < epoch {
			w.log.Debug().
				Int("student_id", key.StudentID).
				Str("sync_id", s.SyncID).
				Msg("Dropping save of a discarded attempt")
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

func (w *AutosaveWorker) ack(ctx context.Context, p *pendingSync, status model.SyncStatus) {
	current, err := store.AckSync(ctx, w.rdb, p.key, p.lastSync, status)
	if err != nil {
		w.log.Warn().Err(err).Int("student_id", p.key.StudentID).Msg("Failed to record sync status")
		return
	}
	if !current {
		w.log.Debug().Int("student_id", p.key.StudentID).Msg("Newer save queued, leaving status pending")
	}
}

// coalesceSyncs groups a batch per attempt so each attempt costs one upsert. Later
// saves replace earlier ones per question, as they did in the session store.
func coalesceSyncs(batch []store.AnswerSync) []*pendingSync {
	var order []*pendingSync
	byKey := make(map[model.SessionKey]*pendingSync)

	for _, s := range batch {
		key := s.Key()
		p, ok := byKey[key]
		if !ok {
			p = &pendingSync{key: key, answers: model.Answers{}}
			byKey[key] = p
			order = append(order, p)
		}
		p.answers = p.answers.Merge(s.Answers)
		p.lastSync = s.SyncID
		p.payloads = append(p.payloads, s)
	}
	return order
}
