// Package store holds the per-attempt session store: answers, unlocked pages,
// completion time, countdown start and the cached result.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps exam sessions in Redis. Every write is applied before the call returns.
type RedisStore struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(rdb *redis.Client, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		log: logger.Component(log, "session_store"),
	}
}

// Save writes each answer into the attempt hash under its question id and returns the
// merged map. Existing values for other questions are kept.
func (s *RedisStore) Save(ctx context.Context, key model.SessionKey, partial model.Answers) (model.Answers, error) {
	answersKey := config.CacheKey.StudentAnswersKey(key.TestID, key.StudentID)

	if len(partial) > 0 {
		fields := make(map[string]interface{}, len(partial))
		for id, a := range partial {
			raw, err := json.Marshal(a)
			if err != nil {
				return nil, fmt.Errorf("encode answer %d: %w", id, err)
			}
			fields[strconv.Itoa(id)] = raw
		}
		if err := s.rdb.HSet(ctx, answersKey, fields).Err(); err != nil {
			return nil, fmt.Errorf("save answers: %w", err)
		}
	}

	return s.GetAll(ctx, key)
}

// GetAll returns every stored answer. Fields that cannot be decoded are skipped.
func (s *RedisStore) GetAll(ctx context.Context, key model.SessionKey) (model.Answers, error) {
	raw, err := s.rdb.HGetAll(ctx, config.CacheKey.StudentAnswersKey(key.TestID, key.StudentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get answers: %w", err)
	}
	return decodeAnswers(raw, s.log), nil
}

// Clear removes everything recorded for the attempt.
func (s *RedisStore) Clear(ctx context.Context, key model.SessionKey) error {
	err := s.rdb.Del(ctx,
		config.CacheKey.StudentAnswersKey(key.TestID, key.StudentID),
		config.CacheKey.StudentUnlockedPagesKey(key.TestID, key.StudentID),
		config.CacheKey.StudentCompletionTimeKey(key.TestID, key.StudentID),
		config.CacheKey.StudentSessionStartKey(key.TestID, key.StudentID),
		config.CacheKey.StudentPauseKey(key.TestID, key.StudentID),
		config.CacheKey.StudentResultKey(key.TestID, key.StudentID),
		config.CacheKey.StudentSyncStatusKey(key.TestID, key.StudentID),
	).Err()
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// UnlockedPages returns the sorted unlock set. Page 1 is always included.
func (s *RedisStore) UnlockedPages(ctx context.Context, key model.SessionKey) ([]int, error) {
	members, err := s.rdb.SMembers(ctx, config.CacheKey.StudentUnlockedPagesKey(key.TestID, key.StudentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get unlocked pages: %w", err)
	}

	pages := []int{1}
	for _, m := range members {
		p, err := strconv.Atoi(m)
		if err != nil || p <= 1 {
			continue
		}
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

// UnlockPage adds a page to the unlock set.
func (s *RedisStore) UnlockPage(ctx context.Context, key model.SessionKey, page int) error {
	if page < 1 {
		return fmt.Errorf("unlock page %d: page numbers start at 1", page)
	}
	if err := s.rdb.SAdd(ctx, config.CacheKey.StudentUnlockedPagesKey(key.TestID, key.StudentID), 1, page).Err(); err != nil {
		return fmt.Errorf("unlock page: %w", err)
	}
	return nil
}

// MarkCompleted records the submission time.
func (s *RedisStore) MarkCompleted(ctx context.Context, key model.SessionKey, at time.Time) error {
	return s.setUnix(ctx, config.CacheKey.StudentCompletionTimeKey(key.TestID, key.StudentID), at)
}

// CompletedAt returns the submission time, or nil if the attempt is still open.
func (s *RedisStore) CompletedAt(ctx context.Context, key model.SessionKey) (*time.Time, error) {
	return s.getUnix(ctx, config.CacheKey.StudentCompletionTimeKey(key.TestID, key.StudentID))
}

// StartCountdown stores at as the countdown start unless one is already recorded, and
// returns the effective start time.
func (s *RedisStore) StartCountdown(ctx context.Context, key model.SessionKey, at time.Time) (time.Time, error) {
	startKey := config.CacheKey.StudentSessionStartKey(key.TestID, key.StudentID)
	if err := s.rdb.SetNX(ctx, startKey, at.Unix(), 0).Err(); err != nil {
		return time.Time{}, fmt.Errorf("set session start: %w", err)
	}
	start, err := s.getUnix(ctx, startKey)
	if err != nil {
		return time.Time{}, err
	}
	if start == nil {
		return at, nil
	}
	return *start, nil
}

// StartTime returns the countdown start, or nil before the first stream connect.
func (s *RedisStore) StartTime(ctx context.Context, key model.SessionKey) (*time.Time, error) {
	return s.getUnix(ctx, config.CacheKey.StudentSessionStartKey(key.TestID, key.StudentID))
}

// resumeScript closes the open pause, if any, adding its length to the total.
var resumeScript = redis.NewScript(`
local since = redis.call("HGET", KEYS[1], "since")
if not since then
	return 0
end
local elapsed = tonumber(ARGV[1]) - tonumber(since)
if elapsed > 0 then
	redis.call("HINCRBY", KEYS[1], "total", elapsed)
end
redis.call("HDEL", KEYS[1], "since")
return 1
`)

// PauseCountdown opens a pause at at. Pausing an already paused countdown keeps the
// original pause start.
func (s *RedisStore) PauseCountdown(ctx context.Context, key model.SessionKey, at time.Time) error {
	if err := s.rdb.HSetNX(ctx, config.CacheKey.StudentPauseKey(key.TestID, key.StudentID), "since", at.Unix()).Err(); err != nil {
		return fmt.Errorf("pause countdown: %w", err)
	}
	return nil
}

// ResumeCountdown closes the open pause. It is a no-op when the countdown is running.
func (s *RedisStore) ResumeCountdown(ctx context.Context, key model.SessionKey, at time.Time) error {
	pauseKey := config.CacheKey.StudentPauseKey(key.TestID, key.StudentID)
	if err := resumeScript.Run(ctx, s.rdb, []string{pauseKey}, at.Unix()).Err(); err != nil {
		return fmt.Errorf("resume countdown: %w", err)
	}
	return nil
}

// PauseState returns the pause history of the attempt.
func (s *RedisStore) PauseState(ctx context.Context, key model.SessionKey) (Pause, error) {
	fields, err := s.rdb.HGetAll(ctx, config.CacheKey.StudentPauseKey(key.TestID, key.StudentID)).Result()
	if err != nil {
		return Pause{}, fmt.Errorf("get pause state: %w", err)
	}

	var p Pause
	if raw, ok := fields["since"]; ok {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Pause{}, fmt.Errorf("parse pause start: %w", err)
		}
		t := time.Unix(since, 0)
		p.Since = &t
	}
	if raw, ok := fields["total"]; ok {
		total, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Pause{}, fmt.Errorf("parse pause total: %w", err)
		}
		p.Total = time.Duration(total) * time.Second
	}
	return p, nil
}

// CacheResult keeps the scored result until the results worker has persisted it.
func (s *RedisStore) CacheResult(ctx context.Context, key model.SessionKey, result *model.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.StudentResultKey(key.TestID, key.StudentID), raw, 0).Err(); err != nil {
		return fmt.Errorf("cache result: %w", err)
	}
	return nil
}

// CachedResult returns the cached result, or nil if there is none.
func (s *RedisStore) CachedResult(ctx context.Context, key model.SessionKey) (*model.Result, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.StudentResultKey(key.TestID, key.StudentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached result: %w", err)
	}

	var result model.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &result, nil
}

// HasAnswers reports whether the attempt holds at least one stored answer.
func (s *RedisStore) HasAnswers(ctx context.Context, key model.SessionKey) (bool, error) {
	n, err := s.rdb.HLen(ctx, config.CacheKey.StudentAnswersKey(key.TestID, key.StudentID)).Result()
	if err != nil {
		return false, fmt.Errorf("count answers: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) setUnix(ctx context.Context, key string, at time.Time) error {
	if err := s.rdb.Set(ctx, key, at.Unix(), 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) getUnix(ctx context.Context, key string) (*time.Time, error) {
	val, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	t := time.Unix(val, 0)
	return &t, nil
}

func decodeAnswers(raw map[string]string, log zerolog.Logger) model.Answers {
	answers := make(model.Answers, len(raw))
	for field, val := range raw {
		id, err := strconv.Atoi(field)
		if err != nil {
			log.Warn().Str("field", field).Msg("Skipping non-numeric answer field")
			continue
		}
		var a model.Answer
		if err := json.Unmarshal([]byte(val), &a); err != nil {
			log.Warn().Err(err).Int("question_id", id).Msg("Skipping undecodable answer")
			continue
		}
		answers[id] = a
	}
	return answers
}
