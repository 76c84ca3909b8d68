package exam

import (
	"context"
	"errors"
	"time"

	"github.com/clinicus/clinicus-backend/internal/model"
)

// ErrNoAnswers is returned by scorers when the attempt holds nothing to grade.
var ErrNoAnswers = errors.New("no answers provided")

// SessionStore is the per-attempt answer store and unlock set.
// Writes are synchronous; any remote mirroring happens behind the interface.
type SessionStore interface {
	// Save merges partial into the stored answers, replacing whole values per question id,
	// and returns the merged map.
	Save(ctx context.Context, key model.SessionKey, partial model.Answers) (model.Answers, error)
	GetAll(ctx context.Context, key model.SessionKey) (model.Answers, error)
	// Clear removes the answers, the unlock set, the completion time and the cached result.
	Clear(ctx context.Context, key model.SessionKey) error

	// UnlockedPages returns the sorted unlock set. A fresh attempt reads as [1].
	UnlockedPages(ctx context.Context, key model.SessionKey) ([]int, error)
	UnlockPage(ctx context.Context, key model.SessionKey, page int) error

	MarkCompleted(ctx context.Context, key model.SessionKey, at time.Time) error
	CompletedAt(ctx context.Context, key model.SessionKey) (*time.Time, error)
}

// PageSource loads a page of a test from the question bank. A page with no questions is
// a valid result; the controller substitutes the built-in set.
type PageSource interface {
	LoadPage(ctx context.Context, testID, page int) (*model.Page, error)
}

// Scorer grades a full attempt.
type Scorer interface {
	Score(ctx context.Context, key model.SessionKey, answers model.Answers) (*model.Result, error)
}
