package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/exam"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/clinicus/clinicus-backend/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrPaused is returned for answer and navigation actions while the countdown is paused.
var ErrPaused = errors.New("exam countdown is paused")

// AttemptStatus is where a student stands on the exam.
type AttemptStatus string

const (
	AttemptNotStarted AttemptStatus = "NOT_STARTED"
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptSubmitted  AttemptStatus = "SUBMITTED"
)

// HomeCard is the exam summary shown on the student home screen.
type HomeCard struct {
	TestID          int           `json:"test_id"`
	TestName        string        `json:"test_name"`
	QuestionCount   int           `json:"question_count"`
	DurationMinutes int           `json:"duration_minutes"`
	Status          AttemptStatus `json:"status"`
	Route           string        `json:"route"`
	// ResumeRoute is set when the attempt already holds answers.
	ResumeRoute     string `json:"resume_route,omitempty"`
	PercentageScore *int   `json:"percentage_score,omitempty"`
}

// PageView is the outcome of entering a page together with what the page shows.
type PageView struct {
	exam.Transition
	Content *model.Page   `json:"content,omitempty"`
	Answers model.Answers `json:"answers"`
}

// ExamPages loads pages and the full question catalog of a test.
type ExamPages interface {
	exam.PageSource
	CatalogSource
}

// ResultGetter reads the result of a finished attempt.
type ResultGetter interface {
	GetResult(ctx context.Context, key model.SessionKey) (*model.Result, error)
}

// AnswerPurger drops the mirrored answers of an attempt.
type AnswerPurger interface {
	DeleteAll(ctx context.Context, key model.SessionKey) error
}

// ExamService owns one exam.Controller per attempt and exposes the exam flow to the
// REST and WebSocket handlers.
type ExamService struct {
	store    store.Store
	pages    ExamPages
	scorer   exam.Scorer
	results  ResultGetter
	tests    TestGetter
	mirror   AnswerPurger
	rdb      *redis.Client
	duration time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu          sync.Mutex
	controllers map[model.SessionKey]*exam.Controller
}

// NewExamService creates a new ExamService. A nil rdb reports every attempt's mirror as idle.
func NewExamService(
	cfg *config.Config,
	st store.Store,
	pages ExamPages,
	scorer exam.Scorer,
	results ResultGetter,
	tests TestGetter,
	rdb *redis.Client,
	log zerolog.Logger,
) *ExamService {
	duration := cfg.ExamDuration
	if duration <= 0 {
		duration = exam.DefaultDuration
	}
	return &ExamService{
		store:       st,
		pages:       pages,
		scorer:      scorer,
		results:     results,
		tests:       tests,
		rdb:         rdb,
		duration:    duration,
		now:         time.Now,
		log:         logger.Component(log, "exam_service"),
		controllers: make(map[model.SessionKey]*exam.Controller),
	}
}

// Controller returns the attempt's controller, creating it on first use.
func (s *ExamService) Controller(key model.SessionKey) *exam.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.controllers[key]
	if !ok {
		c = exam.NewController(key, s.store, s.pages, s.scorer, s.log)
		s.controllers[key] = c
	}
	return c
}

// Release drops the in-memory controller. The attempt itself lives on in the store.
func (s *ExamService) Release(key model.SessionKey) {
	s.mu.Lock()
	delete(s.controllers, key)
	s.mu.Unlock()
}

// lookup returns the attempt's controller without creating one.
func (s *ExamService) lookup(key model.SessionKey) *exam.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controllers[key]
}

// settle releases the controller once the attempt is submitted. A later request builds
// a fresh one that reads the completion from the store.
func (s *ExamService) settle(key model.SessionKey, t exam.Transition) {
	if t.State == exam.StateSubmitted {
		s.Release(key)
	}
}

// Duration is the countdown length of a fresh attempt.
func (s *ExamService) Duration() time.Duration {
	return s.duration
}

// Enter loads a page of the attempt and starts the countdown if it has not started yet.
func (s *ExamService) Enter(ctx context.Context, key model.SessionKey, page int) (*PageView, error) {
	c := s.Controller(key)
	if t, done, err := s.enforceDeadline(ctx, c); done || err != nil {
		s.settle(key, t)
		return &PageView{Transition: t, Answers: c.Answers()}, err
	}

	t, err := c.Enter(ctx, page)
	if err != nil {
		return nil, err
	}
	s.settle(key, t)
	if t.State == exam.StateReady {
		if _, err := s.store.StartCountdown(ctx, key, s.now()); err != nil {
			s.log.Warn().Err(err).Int("student_id", key.StudentID).Msg("Failed to anchor countdown")
		}
	}

	return &PageView{Transition: t, Content: c.Page(), Answers: c.Answers()}, nil
}

// SaveAnswers merges answers into the attempt.
func (s *ExamService) SaveAnswers(ctx context.Context, key model.SessionKey, answers model.Answers) (exam.Transition, error) {
	return s.Act(ctx, key, func(c *exam.Controller) (exam.Transition, error) {
		return c.Save(ctx, answers)
	})
}

// Act runs an answer or navigation action on the attempt's controller. An attempt past
// its deadline is submitted instead, and a paused attempt refuses the action.
func (s *ExamService) Act(ctx context.Context, key model.SessionKey, action func(*exam.Controller) (exam.Transition, error)) (exam.Transition, error) {
	c := s.Controller(key)
	if t, done, err := s.guard(ctx, c); done || err != nil {
		s.settle(key, t)
		return t, err
	}

	t, err := action(c)
	if err == nil {
		s.settle(key, t)
	}
	return t, err
}

// SaveProgress is the explicit "save progress" action. It refuses an empty answer set.
func (s *ExamService) SaveProgress(ctx context.Context, key model.SessionKey, answers model.Answers) (exam.Transition, error) {
	if len(answers) == 0 {
		return exam.Transition{}, exam.ErrNoAnswers
	}
	return s.SaveAnswers(ctx, key, answers)
}

// NextPage advances from page. The controller is moved onto page first when a request
// arrives for a page it has not loaded.
func (s *ExamService) NextPage(ctx context.Context, key model.SessionKey, page int) (exam.Transition, error) {
	return s.Act(ctx, key, func(c *exam.Controller) (exam.Transition, error) {
		if p := c.Page(); p == nil || p.Number != page || c.State() != exam.StateReady {
			t, err := c.Enter(ctx, page)
			if err != nil || t.Route != "" {
				return t, err
			}
		}
		return c.NextPage(ctx)
	})
}

// Submit finishes the attempt. Without a loaded page the highest unlocked page is
// loaded first, and its completeness gate applies. A paused attempt may be submitted.
func (s *ExamService) Submit(ctx context.Context, key model.SessionKey) (exam.Transition, error) {
	t, err := s.submit(ctx, s.Controller(key))
	if err == nil {
		s.settle(key, t)
	}
	return t, err
}

func (s *ExamService) submit(ctx context.Context, c *exam.Controller) (exam.Transition, error) {
	if t, done, err := s.enforceDeadline(ctx, c); done || err != nil {
		return t, err
	}

	if c.State() != exam.StateReady {
		unlocked, err := s.store.UnlockedPages(ctx, c.Key())
		if err != nil {
			return c.Snapshot(), fmt.Errorf("read unlocked pages: %w", err)
		}
		t, err := c.Enter(ctx, unlocked[len(unlocked)-1])
		if err != nil || t.State == exam.StateSubmitted {
			return t, err
		}
	}
	return c.Submit(ctx)
}

// PurgeMirrorOnReset makes Reset also delete the attempt's mirrored answers, so results
// are not rebuilt from a discarded attempt.
func (s *ExamService) PurgeMirrorOnReset(p AnswerPurger) {
	s.mirror = p
}

// Reset discards the attempt so the student can try again from page 1.
func (s *ExamService) Reset(ctx context.Context, key model.SessionKey) (exam.Transition, error) {
	t, err := s.Controller(key).Reset(ctx)
	if err != nil || s.mirror == nil {
		return t, err
	}
	if err := s.mirror.DeleteAll(ctx, key); err != nil {
		s.log.Warn().Err(err).Int("student_id", key.StudentID).Msg("Failed to purge mirrored answers")
	}
	return t, nil
}

// attemptClock is the stored countdown of an attempt.
type attemptClock struct {
	remaining time.Duration
	started   bool
	paused    bool
}

// clock reads the countdown from the store. Until the countdown is anchored the full
// duration is reported. Time spent paused extends the deadline, and the remaining time
// does not move while a pause is open.
func (s *ExamService) clock(ctx context.Context, key model.SessionKey) (attemptClock, error) {
	start, err := s.store.StartTime(ctx, key)
	if err != nil {
		return attemptClock{}, fmt.Errorf("read start time: %w", err)
	}
	if start == nil {
		return attemptClock{remaining: s.duration}, nil
	}
	pause, err := s.store.PauseState(ctx, key)
	if err != nil {
		return attemptClock{}, fmt.Errorf("read pause state: %w", err)
	}

	now := s.now()
	return attemptClock{
		remaining: start.Add(s.duration + pause.Elapsed(now)).Sub(now),
		started:   true,
		paused:    pause.Since != nil,
	}, nil
}

// Countdown anchors the attempt's start time if needed and returns a countdown for the
// time that is left. The countdown is stopped when the attempt is paused.
func (s *ExamService) Countdown(ctx context.Context, key model.SessionKey) (*exam.Countdown, error) {
	if _, err := s.store.StartCountdown(ctx, key, s.now()); err != nil {
		return nil, fmt.Errorf("start countdown: %w", err)
	}
	clk, err := s.clock(ctx, key)
	if err != nil {
		return nil, err
	}

	cd := exam.NewCountdownRemaining(clk.remaining)
	if clk.paused {
		cd.Pause()
	}
	return cd, nil
}

// Pause stops the attempt's countdown and returns the time left, which holds until
// Resume. Only a running attempt with time left can be paused.
func (s *ExamService) Pause(ctx context.Context, key model.SessionKey) (time.Duration, error) {
	if c := s.lookup(key); c != nil {
		switch c.State() {
		case exam.StateSubmitting, exam.StateExpired, exam.StateSubmitted:
			return 0, exam.ErrNotReady
		}
	}
	clk, err := s.clock(ctx, key)
	if err != nil {
		return 0, err
	}
	if !clk.started || clk.remaining <= 0 {
		return clk.remaining, exam.ErrNotReady
	}
	if err := s.store.PauseCountdown(ctx, key, s.now()); err != nil {
		return 0, err
	}
	s.log.Info().Int("student_id", key.StudentID).Dur("remaining", clk.remaining).Msg("Countdown paused")
	return clk.remaining, nil
}

// Resume restarts a paused countdown and returns the time left.
func (s *ExamService) Resume(ctx context.Context, key model.SessionKey) (time.Duration, error) {
	if err := s.store.ResumeCountdown(ctx, key, s.now()); err != nil {
		return 0, err
	}
	clk, err := s.clock(ctx, key)
	if err != nil {
		return 0, err
	}
	s.log.Info().Int("student_id", key.StudentID).Dur("remaining", clk.remaining).Msg("Countdown resumed")
	return clk.remaining, nil
}

// State returns the resumable snapshot of the attempt.
func (s *ExamService) State(ctx context.Context, key model.SessionKey) (*model.ExamSessionState, error) {
	answers, err := s.store.GetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}
	unlocked, err := s.store.UnlockedPages(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read unlocked pages: %w", err)
	}
	completed, err := s.store.CompletedAt(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read completion time: %w", err)
	}
	clk, err := s.clock(ctx, key)
	if err != nil {
		return nil, err
	}

	state := &model.ExamSessionState{
		TestID:        key.TestID,
		StudentID:     key.StudentID,
		State:         string(exam.StateLoading),
		Answers:       answers,
		UnlockedPages: unlocked,
		Display:       exam.NewCountdownRemaining(clk.remaining).Display(),
		Expired:       clk.started && clk.remaining <= 0,
		Paused:        clk.paused,
		CompletedAt:   completed,
		SyncStatus:    model.SyncIdle,
	}
	if c := s.lookup(key); c != nil {
		state.State = string(c.State())
	}
	if completed != nil {
		state.State = string(exam.StateSubmitted)
	}
	if clk.remaining > 0 {
		state.RemainingSeconds = int(clk.remaining / time.Second)
	}

	if s.rdb != nil {
		status, err := store.SyncStatus(ctx, s.rdb, key)
		if err != nil {
			s.log.Warn().Err(err).Int("student_id", key.StudentID).Msg("Sync status unreadable")
		} else {
			state.SyncStatus = status
		}
	}
	return state, nil
}

// Home builds the student's home card.
func (s *ExamService) Home(ctx context.Context, key model.SessionKey) (*HomeCard, error) {
	card := &HomeCard{
		TestID:          key.TestID,
		TestName:        model.DefaultExamTitle,
		DurationMinutes: int(s.duration / time.Minute),
		Status:          AttemptNotStarted,
		Route:           exam.PageRoute(1),
	}

	if test, err := s.tests.GetByID(ctx, key.TestID); err != nil {
		s.log.Warn().Err(err).Int("test_id", key.TestID).Msg("Test unavailable for home card")
	} else if test.Name != "" {
		card.TestName = test.Name
	}
	if catalog, err := s.pages.Catalog(ctx, key.TestID); err == nil {
		card.QuestionCount = len(catalog)
	}

	completed, err := s.store.CompletedAt(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read completion time: %w", err)
	}
	if completed != nil {
		card.Status = AttemptSubmitted
		card.Route = exam.ResultsRoute
		result, err := s.results.GetResult(ctx, key)
		switch {
		case err == nil:
			pct := result.PercentageScore
			card.PercentageScore = &pct
		case !errors.Is(err, ErrNoResults):
			s.log.Warn().Err(err).Int("student_id", key.StudentID).Msg("Result unavailable for home card")
		}
		return card, nil
	}

	hasAnswers, err := s.store.HasAnswers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check answers: %w", err)
	}
	started, err := s.store.StartTime(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read start time: %w", err)
	}
	if !hasAnswers && started == nil {
		return card, nil
	}

	unlocked, err := s.store.UnlockedPages(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read unlocked pages: %w", err)
	}
	card.Status = AttemptInProgress
	card.Route = exam.PageRoute(unlocked[len(unlocked)-1])
	if hasAnswers {
		card.ResumeRoute = card.Route
	}
	return card, nil
}

// enforceDeadline submits an attempt whose countdown ran out while no stream was open.
// done reports that the attempt was finished here and the caller should return t.
func (s *ExamService) enforceDeadline(ctx context.Context, c *exam.Controller) (t exam.Transition, done bool, err error) {
	switch c.State() {
	case exam.StateSubmitted, exam.StateSubmitting:
		return exam.Transition{}, false, nil
	}

	clk, err := s.clock(ctx, c.Key())
	if err != nil || !clk.started || clk.remaining > 0 {
		return exam.Transition{}, false, err
	}
	completed, err := s.store.CompletedAt(ctx, c.Key())
	if err != nil || completed != nil {
		return exam.Transition{}, false, err
	}

	s.log.Info().Int("student_id", c.Key().StudentID).Msg("Deadline passed without a stream, submitting")
	c.Expire()
	t, err = c.AutoSubmit(ctx)
	return t, true, err
}

// guard runs enforceDeadline and then refuses changes while the countdown is paused.
func (s *ExamService) guard(ctx context.Context, c *exam.Controller) (exam.Transition, bool, error) {
	if t, done, err := s.enforceDeadline(ctx, c); done || err != nil {
		return t, done, err
	}
	clk, err := s.clock(ctx, c.Key())
	if err != nil {
		return exam.Transition{}, false, err
	}
	if clk.paused {
		return c.Snapshot(), false, ErrPaused
	}
	return exam.Transition{}, false, nil
}
