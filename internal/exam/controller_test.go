package exam

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── fakes ────────────────────────────────────────────────────────────

type fakeStore struct {
	mu        sync.Mutex
	answers   model.Answers
	unlocked  map[int]bool
	completed *time.Time
	saves     int
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{answers: model.Answers{}, unlocked: map[int]bool{1: true}}
}

func (s *fakeStore) Save(_ context.Context, _ model.SessionKey, partial model.Answers) (model.Answers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	s.saves++
	s.answers = s.answers.Merge(partial)
	return s.answers.Merge(nil), nil
}

func (s *fakeStore) GetAll(context.Context, model.SessionKey) (model.Answers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers.Merge(nil), nil
}

func (s *fakeStore) Clear(context.Context, model.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = model.Answers{}
	s.unlocked = map[int]bool{1: true}
	s.completed = nil
	return nil
}

func (s *fakeStore) UnlockedPages(context.Context, model.SessionKey) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := make([]int, 0, len(s.unlocked))
	for p := range s.unlocked {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

func (s *fakeStore) UnlockPage(_ context.Context, _ model.SessionKey, page int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked[page] = true
	return nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, _ model.SessionKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = &at
	return nil
}

func (s *fakeStore) CompletedAt(context.Context, model.SessionKey) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, nil
}

type fakePages struct {
	pages map[int]*model.Page
	err   error
	calls []int
}

func (p *fakePages) LoadPage(_ context.Context, testID, page int) (*model.Page, error) {
	p.calls = append(p.calls, page)
	if p.err != nil {
		return nil, p.err
	}
	if pg, ok := p.pages[page]; ok {
		cp := *pg
		cp.Questions = append([]model.Question(nil), pg.Questions...)
		return &cp, nil
	}
	return &model.Page{TestID: testID, Number: page, TotalPages: len(p.pages)}, nil
}

type fakeScorer struct {
	err    error
	calls  int
	scored model.Answers
}

func (s *fakeScorer) Score(_ context.Context, _ model.SessionKey, answers model.Answers) (*model.Result, error) {
	s.calls++
	s.scored = answers
	if s.err != nil {
		return nil, s.err
	}
	if len(answers) == 0 {
		return nil, ErrNoAnswers
	}
	return &model.Result{TotalScore: 8, MaxPossibleScore: 10, PercentageScore: 80}, nil
}

var testKey = model.SessionKey{StudentID: 7, TestID: 1}

func twoPageSource() *fakePages {
	return &fakePages{pages: map[int]*model.Page{
		1: {TestID: 1, Number: 1, TotalPages: 2, ExamTitle: "Circulation Block", Questions: FallbackQuestions(1)},
		2: {TestID: 1, Number: 2, TotalPages: 2, ExamTitle: "Circulation Block", Questions: FallbackQuestions(2)},
	}}
}

func newTestController(store *fakeStore, pages PageSource, scorer Scorer) *Controller {
	return NewController(testKey, store, pages, scorer, zerolog.Nop())
}

func answerPage1(t *testing.T, ctx context.Context, c *Controller) {
	t.Helper()
	_, err := c.Answer(ctx, 1, model.TextAnswer("fatigue and palpitations"))
	require.NoError(t, err)
	_, err = c.EditSlot(ctx, 2, 0, "Atrial fibrillation")
	require.NoError(t, err)
	_, err = c.EditCell(ctx, 3, 0, 0, "Any chest pain?")
	require.NoError(t, err)
}

// ─── tests ────────────────────────────────────────────────────────────

func TestController_EnterLoadsPage(t *testing.T) {
	ctx := context.Background()
	c := newTestController(newFakeStore(), twoPageSource(), &fakeScorer{})

	tr, err := c.Enter(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, StateReady, tr.State)
	assert.Equal(t, 1, tr.Page)
	assert.Equal(t, 0, tr.ActiveIndex)
	assert.Equal(t, []int{0}, tr.Visible)
	assert.Empty(t, tr.Route)
	assert.Nil(t, tr.Notice)
	assert.Equal(t, "Circulation Block", c.Page().ExamTitle)
}

func TestController_EnterLockedPageRedirects(t *testing.T) {
	ctx := context.Background()
	pages := twoPageSource()
	c := newTestController(newFakeStore(), pages, &fakeScorer{})

	tr, err := c.Enter(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, "/exam/1", tr.Route)
	assert.Equal(t, 1, tr.Page)
	assert.Equal(t, []int{1}, pages.calls, "page 2 is never fetched")
}

func TestController_EmptyRemoteUsesFallback(t *testing.T) {
	ctx := context.Background()
	pages := &fakePages{pages: map[int]*model.Page{}}
	c := newTestController(newFakeStore(), pages, &fakeScorer{})

	tr, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, tr.Notice)

	page := c.Page()
	require.Len(t, page.Questions, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{page.Questions[0].ID, page.Questions[1].ID, page.Questions[2].ID})
	assert.True(t, page.Fallback)
	assert.False(t, page.LoadFailed)
	assert.Equal(t, model.DefaultExamTitle, page.ExamTitle)
}

func TestController_RemoteErrorUsesFallbackAndFlags(t *testing.T) {
	ctx := context.Background()
	pages := &fakePages{err: errors.New("connection refused")}
	c := newTestController(newFakeStore(), pages, &fakeScorer{})

	tr, err := c.Enter(ctx, 1)
	require.NoError(t, err)

	require.NotNil(t, tr.Notice)
	assert.Equal(t, NoticeError, tr.Notice.Level)
	assert.Equal(t, MsgLoadFailed, tr.Notice.Message)
	assert.Equal(t, StateReady, tr.State)
	assert.True(t, c.Page().LoadFailed)
	assert.Len(t, c.Page().Questions, 3)
}

func TestController_IncompletePageBlocksNext(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	c := newTestController(store, twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)

	_, err = c.Answer(ctx, 1, model.TextAnswer("fatigue"))
	require.NoError(t, err)
	_, err = c.Answer(ctx, 2, model.ListAnswer("MI", "", "", ""))
	require.NoError(t, err)

	tr, err := c.NextPage(ctx)
	require.NoError(t, err)

	assert.True(t, tr.Blocked)
	assert.Empty(t, tr.Route)
	require.NotNil(t, tr.Notice)
	assert.Equal(t, MsgIncomplete, tr.Notice.Message)
	assert.Equal(t, []int{3}, tr.Unanswered)
	assert.Equal(t, 1, tr.Page)
	assert.Equal(t, StateReady, tr.State)

	pages, _ := store.UnlockedPages(ctx, testKey)
	assert.Equal(t, []int{1}, pages)
}

func TestController_CompletePageAdvances(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	c := newTestController(store, twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	answerPage1(t, ctx, c)

	tr, err := c.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/exam/2", tr.Route)
	assert.Equal(t, StateLoading, tr.State)
	assert.Equal(t, []int{1, 2}, tr.Unlocked)
	require.NotNil(t, tr.Notice)
	assert.Equal(t, "Page 1 completed", tr.Notice.Message)

	tr, err = c.Enter(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Page)
	assert.Equal(t, 0, tr.ActiveIndex)
	assert.Empty(t, tr.Route)

	all, _ := store.GetAll(ctx, testKey)
	assert.Equal(t, "fatigue and palpitations", all[1].Text)
	assert.Equal(t, "Atrial fibrillation", all[2].List[0])
	assert.Equal(t, "Any chest pain?", all[3].Grid[0][0])
}

func TestController_BackwardNavigationAlwaysAllowed(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	c := newTestController(store, twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	answerPage1(t, ctx, c)
	_, err = c.NextPage(ctx)
	require.NoError(t, err)
	_, err = c.Enter(ctx, 2)
	require.NoError(t, err)

	// Clearing page 1 answers does not lock the student out of it.
	_, err = store.Save(ctx, testKey, model.Answers{1: model.TextAnswer("")})
	require.NoError(t, err)

	tr, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, tr.Route)
	assert.Equal(t, 1, tr.Page)
}

func TestController_LastPageSubmits(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	scorer := &fakeScorer{}
	c := newTestController(store, twoPageSource(), scorer)

	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	answerPage1(t, ctx, c)
	_, err = c.NextPage(ctx)
	require.NoError(t, err)
	_, err = c.Enter(ctx, 2)
	require.NoError(t, err)

	tr, err := c.NextPage(ctx)
	require.NoError(t, err)
	assert.True(t, tr.Blocked, "page 2 is still empty")
	assert.Equal(t, 0, scorer.calls)

	_, err = c.EditCell(ctx, 4, 0, 0, "Edema")
	require.NoError(t, err)
	_, err = c.EditCell(ctx, 5, 1, 2, "More likely")
	require.NoError(t, err)

	tr, err = c.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, tr.State)
	assert.Equal(t, ResultsRoute, tr.Route)
	require.NotNil(t, tr.Notice)
	assert.Equal(t, MsgSubmitted, tr.Notice.Message)
	require.NotNil(t, tr.Result)
	assert.Equal(t, 80, tr.Result.PercentageScore)

	assert.Equal(t, 1, scorer.calls)
	assert.Len(t, scorer.scored, 5, "the full attempt is scored, not just the last page")
	assert.NotNil(t, store.completed)
}

func TestController_ScorerFailureKeepsAnswers(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	scorer := &fakeScorer{err: errors.New("function timed out")}
	pages := &fakePages{pages: map[int]*model.Page{
		1: {TestID: 1, Number: 1, TotalPages: 1, Questions: FallbackQuestions(1)},
	}}
	c := newTestController(store, pages, scorer)

	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	answerPage1(t, ctx, c)

	tr, err := c.Submit(ctx)
	require.Error(t, err)
	assert.Equal(t, StateReady, tr.State)
	assert.Empty(t, tr.Route)
	require.NotNil(t, tr.Notice)
	assert.Equal(t, MsgSubmitFailed, tr.Notice.Message)
	assert.Len(t, c.Answers(), 3)
	assert.Nil(t, store.completed)

	scorer.err = nil
	tr, err = c.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, tr.State)
}

func TestController_SelectQuestion(t *testing.T) {
	ctx := context.Background()
	c := newTestController(newFakeStore(), twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)

	tr, err := c.SelectQuestion(1)
	require.NoError(t, err)
	assert.True(t, tr.Blocked, "question 0 is unanswered")
	assert.Equal(t, 0, tr.ActiveIndex)

	_, err = c.Answer(ctx, 1, model.TextAnswer("fatigue"))
	require.NoError(t, err)

	tr, err = c.SelectQuestion(2)
	require.NoError(t, err)
	assert.True(t, tr.Blocked, "cannot skip past the next hidden question")

	tr, err = c.SelectQuestion(1)
	require.NoError(t, err)
	assert.False(t, tr.Blocked)
	assert.Equal(t, 1, tr.ActiveIndex)
	assert.Equal(t, []int{0, 1}, tr.Visible)

	tr, err = c.SelectQuestion(0)
	require.NoError(t, err)
	assert.False(t, tr.Blocked)
	assert.Equal(t, 0, tr.ActiveIndex)

	tr, err = c.SelectQuestion(1)
	require.NoError(t, err)
	assert.False(t, tr.Blocked, "already visible")

	tr, err = c.SelectQuestion(9)
	require.NoError(t, err)
	assert.True(t, tr.Blocked)
}

func TestController_NextQuestionOnLastAdvancesPage(t *testing.T) {
	ctx := context.Background()
	c := newTestController(newFakeStore(), twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	answerPage1(t, ctx, c)

	for i := 1; i <= 2; i++ {
		tr, err := c.NextQuestion(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, tr.ActiveIndex)
	}

	tr, err := c.NextQuestion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/exam/2", tr.Route)
}

func TestController_ResumeRevealsAnsweredPrefix(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	_, _ = store.Save(ctx, testKey, model.Answers{
		1: model.TextAnswer("fatigue"),
		2: model.ListAnswer("MI"),
	})
	c := newTestController(store, twoPageSource(), &fakeScorer{})

	tr, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, tr.Visible)
	assert.Equal(t, 0, tr.ActiveIndex)
}

func TestController_EditCellMergesCells(t *testing.T) {
	ctx := context.Background()
	c := newTestController(newFakeStore(), twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)

	_, err = c.EditCell(ctx, 3, 0, 0, "Any fever?")
	require.NoError(t, err)
	_, err = c.EditCell(ctx, 3, 0, 1, "Endocarditis")
	require.NoError(t, err)
	_, err = c.EditCell(ctx, 3, 2, 0, "Weight loss?")
	require.NoError(t, err)

	grid := c.Answers()[3].Grid
	assert.Equal(t, "Any fever?", grid[0][0])
	assert.Equal(t, "Endocarditis", grid[0][1])
	assert.Equal(t, "Weight loss?", grid[2][0])
}

func TestController_SaveReplacesWholeValue(t *testing.T) {
	ctx := context.Background()
	c := newTestController(newFakeStore(), twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)

	_, err = c.EditCell(ctx, 3, 0, 0, "Any fever?")
	require.NoError(t, err)
	_, err = c.Answer(ctx, 3, model.GridAnswer(model.Grid{1: {1: "only"}}))
	require.NoError(t, err)

	grid := c.Answers()[3].Grid
	assert.Len(t, grid, 1)
	assert.Equal(t, "only", grid[1][1])
}

func TestController_EditRejectsWrongKind(t *testing.T) {
	ctx := context.Background()
	c := newTestController(newFakeStore(), twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)

	_, err = c.EditCell(ctx, 1, 0, 0, "x")
	assert.ErrorIs(t, err, ErrWrongKind)

	_, err = c.EditSlot(ctx, 3, 0, "x")
	assert.ErrorIs(t, err, ErrWrongKind)

	_, err = c.Answer(ctx, 4, model.TextAnswer("x"))
	assert.ErrorIs(t, err, ErrUnknownQuestion)
}

func TestController_EditSlotRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	c := newTestController(store, twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	saves := store.saves

	for _, slot := range []int{-1, model.DifferentialSlots, 50_000_000} {
		_, err = c.EditSlot(ctx, 2, slot, "MI")
		assert.ErrorIs(t, err, ErrWrongKind, "slot %d", slot)
	}
	assert.Equal(t, saves, store.saves)
	assert.NotContains(t, c.Answers(), 2)

	_, err = c.EditSlot(ctx, 2, model.DifferentialSlots-1, "MI")
	require.NoError(t, err)
	assert.Len(t, c.Answers()[2].List, model.DifferentialSlots)
}

func TestSlotCount(t *testing.T) {
	assert.Equal(t, model.DifferentialSlots, slotCount(model.Question{Kind: model.KindDifferential, Options: []string{"a"}}))
	assert.Equal(t, 2, slotCount(model.Question{Kind: model.KindMultiChoice, Options: []string{"a", "b"}}))
	assert.Equal(t, model.DifferentialSlots, slotCount(model.Question{Kind: model.KindMultiChoice}))
}

func TestController_ExpiryBypassesGate(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	scorer := &fakeScorer{}
	c := newTestController(store, twoPageSource(), scorer)
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	_, err = c.Answer(ctx, 1, model.TextAnswer("fatigue"))
	require.NoError(t, err)

	tr := c.Expire()
	assert.Equal(t, StateExpired, tr.State)
	require.NotNil(t, tr.Notice)
	assert.Equal(t, MsgTimeUp, tr.Notice.Message)

	_, err = c.Answer(ctx, 2, model.ListAnswer("MI"))
	assert.ErrorIs(t, err, ErrNotReady, "no edits after expiry")

	tr, err = c.AutoSubmit(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, tr.State)
	assert.Equal(t, ResultsRoute, tr.Route)
	assert.Equal(t, 1, scorer.calls)
}

func TestController_ExpiryWithNoAnswers(t *testing.T) {
	ctx := context.Background()
	c := newTestController(newFakeStore(), twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)

	c.Expire()
	tr, err := c.AutoSubmit(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, tr.State)
	assert.Nil(t, tr.Result)
	require.NotNil(t, tr.Notice)
	assert.Equal(t, MsgNothingRecorded, tr.Notice.Message)
}

func TestController_AutoSubmitRequiresExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestController(newFakeStore(), twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)

	_, err = c.AutoSubmit(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestController_SubmittedAttemptRoutesToResults(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	now := time.Now()
	store.completed = &now
	c := newTestController(store, twoPageSource(), &fakeScorer{})

	tr, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, tr.State)
	assert.Equal(t, ResultsRoute, tr.Route)
}

func TestController_Reset(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	c := newTestController(store, twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)
	answerPage1(t, ctx, c)
	_, err = c.NextPage(ctx)
	require.NoError(t, err)

	tr, err := c.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/exam/1", tr.Route)
	assert.Equal(t, []int{1}, tr.Unlocked)

	all, _ := store.GetAll(ctx, testKey)
	assert.Empty(t, all)
	pages, _ := store.UnlockedPages(ctx, testKey)
	assert.Equal(t, []int{1}, pages)
}

func TestController_SaveErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	c := newTestController(store, twoPageSource(), &fakeScorer{})
	_, err := c.Enter(ctx, 1)
	require.NoError(t, err)

	store.saveErr = errors.New("redis down")
	_, err = c.Answer(ctx, 1, model.TextAnswer("fatigue"))
	assert.Error(t, err)
	assert.Empty(t, c.Answers())
}

func TestController_SaveAcceptsAnyQuestion(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	c := newTestController(store, twoPageSource(), &fakeScorer{})

	_, err := c.Save(ctx, model.Answers{4: model.GridAnswer(model.Grid{0: {0: "Edema"}})})
	require.NoError(t, err, "accepted before the first page load")

	_, err = c.Enter(ctx, 1)
	require.NoError(t, err)
	_, err = c.Save(ctx, model.Answers{1: model.TextAnswer("fatigue")})
	require.NoError(t, err)

	all, _ := store.GetAll(ctx, testKey)
	assert.Len(t, all, 2)

	c.Expire()
	_, err = c.Save(ctx, model.Answers{2: model.ListAnswer("MI")})
	assert.ErrorIs(t, err, ErrNotReady)
}
