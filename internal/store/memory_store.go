package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clinicus/clinicus-backend/internal/model"
)

type memorySession struct {
	answers   model.Answers
	unlocked  map[int]struct{}
	completed *time.Time
	start     *time.Time
	pause     Pause
	result    *model.Result
}

// MemoryStore is an in-process Store. It backs tests and single-node development runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[model.SessionKey]*memorySession
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[model.SessionKey]*memorySession)}
}

func (s *MemoryStore) session(key model.SessionKey) *memorySession {
	sess, ok := s.sessions[key]
	if !ok {
		sess = &memorySession{answers: model.Answers{}, unlocked: map[int]struct{}{1: {}}}
		s.sessions[key] = sess
	}
	return sess
}

func (s *MemoryStore) Save(_ context.Context, key model.SessionKey, partial model.Answers) (model.Answers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(key)
	sess.answers = sess.answers.Merge(partial)
	return sess.answers.Merge(nil), nil
}

func (s *MemoryStore) GetAll(_ context.Context, key model.SessionKey) (model.Answers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session(key).answers.Merge(nil), nil
}

func (s *MemoryStore) Clear(_ context.Context, key model.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *MemoryStore) UnlockedPages(_ context.Context, key model.SessionKey) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(key)
	pages := make([]int, 0, len(sess.unlocked))
	for p := range sess.unlocked {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

func (s *MemoryStore) UnlockPage(_ context.Context, key model.SessionKey, page int) error {
	if page < 1 {
		return fmt.Errorf("unlock page %d: page numbers start at 1", page)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(key).unlocked[page] = struct{}{}
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, key model.SessionKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(key).completed = &at
	return nil
}

func (s *MemoryStore) CompletedAt(_ context.Context, key model.SessionKey) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session(key).completed, nil
}

func (s *MemoryStore) StartCountdown(_ context.Context, key model.SessionKey, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(key)
	if sess.start == nil {
		sess.start = &at
	}
	return *sess.start, nil
}

func (s *MemoryStore) StartTime(_ context.Context, key model.SessionKey) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session(key).start, nil
}

func (s *MemoryStore) PauseCountdown(_ context.Context, key model.SessionKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(key)
	if sess.pause.Since == nil {
		sess.pause.Since = &at
	}
	return nil
}

func (s *MemoryStore) ResumeCountdown(_ context.Context, key model.SessionKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(key)
	if sess.pause.Since != nil {
		sess.pause.Total = sess.pause.Elapsed(at)
		sess.pause.Since = nil
	}
	return nil
}

func (s *MemoryStore) PauseState(_ context.Context, key model.SessionKey) (Pause, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session(key).pause, nil
}

func (s *MemoryStore) CacheResult(_ context.Context, key model.SessionKey, result *model.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(key).result = result
	return nil
}

func (s *MemoryStore) CachedResult(_ context.Context, key model.SessionKey) (*model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session(key).result, nil
}

func (s *MemoryStore) HasAnswers(_ context.Context, key model.SessionKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.session(key).answers) > 0, nil
}
