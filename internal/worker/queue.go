package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize       = 50
	BatchTimeout    = 2 * time.Second
	PollTimeout     = 1 * time.Second // Must be >= 1s to satisfy Redis
	ShutdownTimeout = 5 * time.Second
	RequeueBackoff  = 2 * time.Second
)

// queueLoop pops JSON items off a Redis list and hands them to flush in batches of up
// to BatchSize, or whatever arrived within BatchTimeout.
type queueLoop[T any] struct {
	rdb   *redis.Client
	queue string
	log   zerolog.Logger
	flush func(ctx context.Context, batch []T)
	// backoff is slept after a requeue so a database outage does not spin the loop.
	backoff time.Duration
}

func newQueueLoop[T any](rdb *redis.Client, queue string, log zerolog.Logger, flush func(context.Context, []T)) *queueLoop[T] {
	return &queueLoop[T]{rdb: rdb, queue: queue, log: log, flush: flush, backoff: RequeueBackoff}
}

// run blocks until ctx is done, then drains the queue before returning.
func (q *queueLoop[T]) run(ctx context.Context) {
	q.log.Info().Str("queue", q.queue).Msg("Worker started")

	buffer := make([]T, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			q.flush(ctx, buffer)
			buffer = make([]T, 0, BatchSize)
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			q.shutdown(buffer)
			return
		default:
		}

		result, err := q.rdb.BLPop(ctx, PollTimeout, q.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		if item, ok := q.decode(result[1]); ok {
			buffer = append(buffer, item)
		}
	}
}

// shutdown flushes the buffer and whatever is still queued, bounded by ShutdownTimeout.
func (q *queueLoop[T]) shutdown(buffer []T) {
	q.log.Info().Msg("Worker stopping, draining queue...")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	// Only what is queued now is drained, so items requeued by a failing flush stay
	// in Redis for the next start.
	pending, err := q.rdb.LLen(ctx, q.queue).Result()
	if err != nil {
		q.log.Error().Err(err).Msg("Failed to read queue length")
	}

	drained := 0
	for i := int64(0); i < pending && ctx.Err() == nil; i++ {
		raw, err := q.rdb.LPop(ctx, q.queue).Result()
		if err != nil {
			break
		}
		if item, ok := q.decode(raw); ok {
			buffer = append(buffer, item)
			drained++
		}
		if len(buffer) >= BatchSize {
			q.flush(ctx, buffer)
			buffer = make([]T, 0, BatchSize)
		}
	}
	if len(buffer) > 0 {
		q.flush(ctx, buffer)
	}

	if drained > 0 {
		q.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
	q.log.Info().Msg("Worker stopped")
}

func (q *queueLoop[T]) decode(raw string) (T, bool) {
	var item T
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		// Malformed JSON cannot succeed on retry.
		q.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed JSON")
		return item, false
	}
	return item, true
}

// requeue pushes failed items back onto the queue for a later batch.
func (q *queueLoop[T]) requeue(ctx context.Context, items []T) {
	if len(items) == 0 {
		return
	}
	pipe := q.rdb.Pipeline()
	for _, item := range items {
		data, _ := json.Marshal(item)
		pipe.RPush(ctx, q.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	q.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	sleep(ctx, q.backoff)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
