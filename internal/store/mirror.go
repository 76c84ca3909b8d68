package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AnswerSync is one queued mirror write. Answers holds only the questions touched by
// the save that produced it.
type AnswerSync struct {
	SyncID    string        `json:"sync_id"`
	StudentID int           `json:"student_id"`
	TestID    int           `json:"test_id"`
	Answers   model.Answers `json:"answers"`
	QueuedAt  int64         `json:"queued_at"`
	// Epoch is the attempt's reset count when the save was queued.
	Epoch int64 `json:"epoch"`
}

// Key returns the attempt the payload belongs to.
func (p AnswerSync) Key() model.SessionKey {
	return model.SessionKey{StudentID: p.StudentID, TestID: p.TestID}
}

// ackScript sets the final status only if no newer save has been queued since.
var ackScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "sync_id") == ARGV[1] then
	redis.call("HSET", KEYS[1], "status", ARGV[2], "updated_at", ARGV[3])
	return 1
end
return 0
`)

// Mirror wraps a Store and queues every save for the autosave worker, which copies the
// answers to PostgreSQL. The wrapped store stays authoritative; a failed enqueue is
// reported through the sync status and never fails the save.
type Mirror struct {
	Store
	rdb *redis.Client
	log zerolog.Logger
}

// NewMirror creates a Mirror over inner.
func NewMirror(inner Store, rdb *redis.Client, log zerolog.Logger) *Mirror {
	return &Mirror{
		Store: inner,
		rdb:   rdb,
		log:   logger.Component(log, "answer_mirror"),
	}
}

// Save writes through to the wrapped store, then queues the partial map.
func (m *Mirror) Save(ctx context.Context, key model.SessionKey, partial model.Answers) (model.Answers, error) {
	merged, err := m.Store.Save(ctx, key, partial)
	if err != nil {
		return nil, err
	}
	if len(partial) == 0 {
		return merged, nil
	}

	payload := AnswerSync{
		SyncID:    uuid.NewString(),
		StudentID: key.StudentID,
		TestID:    key.TestID,
		Answers:   partial,
		QueuedAt:  time.Now().Unix(),
	}
	payload.Epoch, err = Epoch(ctx, m.rdb, key)
	if err == nil {
		err = m.enqueue(ctx, key, payload)
	}
	if err != nil {
		m.log.Warn().Err(err).
			Int("student_id", key.StudentID).
			Int("test_id", key.TestID).
			Msg("Failed to queue answers for remote mirror")
		_ = m.setStatus(ctx, key, payload.SyncID, model.SyncFailed)
	}
	return merged, nil
}

// Clear discards the attempt, then advances its epoch so saves still queued for the
// discarded attempt are dropped by the autosave worker.
func (m *Mirror) Clear(ctx context.Context, key model.SessionKey) error {
	if err := m.Store.Clear(ctx, key); err != nil {
		return err
	}
	if err := m.rdb.Incr(ctx, config.CacheKey.StudentEpochKey(key.TestID, key.StudentID)).Err(); err != nil {
		return fmt.Errorf("advance attempt epoch: %w", err)
	}
	return nil
}

// Epoch returns how many times the attempt has been reset.
func Epoch(ctx context.Context, rdb *redis.Client, key model.SessionKey) (int64, error) {
	n, err := rdb.Get(ctx, config.CacheKey.StudentEpochKey(key.TestID, key.StudentID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get attempt epoch: %w", err)
	}
	return n, nil
}

func (m *Mirror) enqueue(ctx context.Context, key model.SessionKey, payload AnswerSync) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode sync payload: %w", err)
	}

	statusKey := config.CacheKey.StudentSyncStatusKey(key.TestID, key.StudentID)
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statusKey, "sync_id", payload.SyncID, "status", string(model.SyncPending), "updated_at", payload.QueuedAt)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
		return nil
	})
	return err
}

func (m *Mirror) setStatus(ctx context.Context, key model.SessionKey, syncID string, status model.SyncStatus) error {
	statusKey := config.CacheKey.StudentSyncStatusKey(key.TestID, key.StudentID)
	return m.rdb.HSet(ctx, statusKey, "sync_id", syncID, "status", string(status), "updated_at", time.Now().Unix()).Err()
}

// Status reports the mirror state of the attempt's latest save.
func (m *Mirror) Status(ctx context.Context, key model.SessionKey) (model.SyncStatus, error) {
	return SyncStatus(ctx, m.rdb, key)
}

// SyncStatus reads the mirror state of an attempt. An attempt that was never mirrored is idle.
func SyncStatus(ctx context.Context, rdb *redis.Client, key model.SessionKey) (model.SyncStatus, error) {
	status, err := rdb.HGet(ctx, config.CacheKey.StudentSyncStatusKey(key.TestID, key.StudentID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return model.SyncIdle, nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync status: %w", err)
	}
	return model.SyncStatus(status), nil
}

// AckSync records the outcome of a mirror write. It reports false when a newer save has
// been queued, in which case the status is left pending for that save.
func AckSync(ctx context.Context, rdb *redis.Client, key model.SessionKey, syncID string, status model.SyncStatus) (bool, error) {
	statusKey := config.CacheKey.StudentSyncStatusKey(key.TestID, key.StudentID)
	n, err := ackScript.Run(ctx, rdb, []string{statusKey}, syncID, string(status), time.Now().Unix()).Int()
	if err != nil {
		return false, fmt.Errorf("ack sync: %w", err)
	}
	return n == 1, nil
}
