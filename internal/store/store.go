package store

import (
	"context"
	"time"

	"github.com/clinicus/clinicus-backend/internal/exam"
	"github.com/clinicus/clinicus-backend/internal/model"
)

// Store is the full session store used by the services. The exam controller only needs
// the exam.SessionStore subset.
type Store interface {
	exam.SessionStore

	StartCountdown(ctx context.Context, key model.SessionKey, at time.Time) (time.Time, error)
	StartTime(ctx context.Context, key model.SessionKey) (*time.Time, error)
	PauseCountdown(ctx context.Context, key model.SessionKey, at time.Time) error
	ResumeCountdown(ctx context.Context, key model.SessionKey, at time.Time) error
	PauseState(ctx context.Context, key model.SessionKey) (Pause, error)
	CacheResult(ctx context.Context, key model.SessionKey, result *model.Result) error
	CachedResult(ctx context.Context, key model.SessionKey) (*model.Result, error)
	HasAnswers(ctx context.Context, key model.SessionKey) (bool, error)
}

// Pause is the recorded pause history of an attempt's countdown.
type Pause struct {
	// Since is set while the countdown is paused.
	Since *time.Time
	// Total is the time spent in pauses that have ended.
	Total time.Duration
}

// Elapsed returns the time spent paused up to now, including an open pause.
func (p Pause) Elapsed(now time.Time) time.Duration {
	d := p.Total
	if p.Since != nil && now.After(*p.Since) {
		d += now.Sub(*p.Since)
	}
	return d
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*Mirror)(nil)
)
