package worker

import (
	"context"
	"time"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LoginWriter records logins in student_logins.
type LoginWriter interface {
	InsertBatch(ctx context.Context, records []model.LoginRecord) error
	Insert(ctx context.Context, rec *model.LoginRecord) error
	CloseLatest(ctx context.Context, studentID int, at time.Time) (bool, error)
}

// LoginWorker consumes persist_logins_queue. Logins are inserted with COPY and logouts
// close the student's latest open login. Events are applied in queue order.
type LoginWorker struct {
	logins LoginWriter
	log    zerolog.Logger
	loop   *queueLoop[model.LoginEvent]
}

// NewLoginWorker creates a new LoginWorker.
func NewLoginWorker(logins LoginWriter, rdb *redis.Client, log zerolog.Logger) *LoginWorker {
	w := &LoginWorker{
		logins: logins,
		log:    logger.Component(log, "login_worker"),
	}
	w.loop = newQueueLoop(rdb, config.WorkerKey.PersistLoginsQueue, w.log, w.flush)
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *LoginWorker) Start(ctx context.Context) {
	w.loop.run(ctx)
}

func (w *LoginWorker) flush(ctx context.Context, batch []model.LoginEvent) {
	var (
		pending []model.LoginEvent
		requeue []model.LoginEvent
	)

	for _, e := range batch {
		switch e.Action {
		case model.LoginActionLogin:
			pending = append(pending, e)
		case model.LoginActionLogout:
			// A logout must see the logins queued before it.
			requeue = append(requeue, w.insertLogins(ctx, pending)...)
			pending = nil
			if _, err := w.logins.CloseLatest(ctx, e.StudentID, time.Unix(e.At, 0)); err != nil {
				w.log.Error().Err(err).Int("student_id", e.StudentID).Msg("Logout update failed, requeueing")
				requeue = append(requeue, e)
			}
		default:
			w.log.Error().Str("action", string(e.Action)).Msg("Dropping login event with unknown action")
		}
	}
	requeue = append(requeue, w.insertLogins(ctx, pending)...)

	w.loop.requeue(ctx, requeue)
}

// insertLogins tries one COPY, then row-by-row, and returns the events that failed.
func (w *LoginWorker) insertLogins(ctx context.Context, events []model.LoginEvent) []model.LoginEvent {
	if len(events) == 0 {
		return nil
	}

	records := make([]model.LoginRecord, len(events))
	for i, e := range events {
		records[i] = model.LoginRecord{
			StudentID: e.StudentID,
			IPAddress: e.IPAddress,
			UserAgent: e.UserAgent,
			LoginTime: time.Unix(e.At, 0),
		}
	}

	err := w.logins.InsertBatch(ctx, records)
	if err == nil {
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(records)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var failed []model.LoginEvent
	for i := range records {
		if err := w.logins.Insert(ctx, &records[i]); err != nil {
			w.log.Error().Err(err).Int("student_id", records[i].StudentID).Msg("Insert failed, requeueing")
			failed = append(failed, events[i])
		}
	}
	return failed
}
