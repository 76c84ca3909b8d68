package exam

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/rs/zerolog"
)

// State is the controller's position in the exam flow.
type State string

const (
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateSubmitting State = "submitting"
	StateExpired    State = "expired"
	StateSubmitted  State = "submitted"
)

// User-facing notices.
const (
	MsgIncomplete      = "Please answer all questions before proceeding"
	MsgAnswerCurrent   = "Please answer the current question before moving on"
	MsgPageCompleted   = "Page %d completed"
	MsgSubmitted       = "Exam submitted successfully"
	MsgSubmitFailed    = "Failed to submit exam. Please try again."
	MsgLoadFailed      = "Failed to load exam data"
	MsgTimeUp          = "Time is up. Your answers will be submitted."
	MsgNothingRecorded = "Time is up. No answers were recorded."
)

// ResultsRoute is where a submitted attempt lands.
const ResultsRoute = "/student/results"

// PageRoute is the client route for an exam page.
func PageRoute(page int) string {
	return fmt.Sprintf("/exam/%d", page)
}

var (
	ErrNotReady        = errors.New("exam is not accepting this action now")
	ErrUnknownQuestion = errors.New("question is not on the current page")
	ErrWrongKind       = errors.New("edit does not match the question kind")
	ErrSuperseded      = errors.New("page load superseded by a newer navigation")
)

// NoticeLevel is the severity of a notice.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
	NoticeInfo    NoticeLevel = "info"
)

// Notice is a transient message for the student.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}

// Transition is the outcome of a controller operation.
type Transition struct {
	State       State         `json:"state"`
	Page        int           `json:"page"`
	ActiveIndex int           `json:"active_index"`
	Visible     []int         `json:"visible"`
	Unlocked    []int         `json:"unlocked_pages"`
	Blocked     bool          `json:"blocked,omitempty"`
	Unanswered  []int         `json:"unanswered,omitempty"`
	Route       string        `json:"route,omitempty"`
	Notice      *Notice       `json:"notice,omitempty"`
	Result      *model.Result `json:"result,omitempty"`
}

// Controller runs one student's attempt through the page flow.
//
// Transitions:
//
//	any        Enter(p), p not unlocked       -> load page 1, route /exam/1
//	Loading    page resolved (or fallback)    -> Ready, question 0 active
//	Ready      SelectQuestion(i)              -> Ready if i visible, or i is the next one and i-1 is answered
//	Ready      NextPage, page incomplete      -> Ready, blocked
//	Ready      NextPage, more pages           -> Loading, page+1 unlocked, route /exam/{page+1}
//	Ready      NextPage/Submit, last page     -> Submitting -> Submitted, route /student/results
//	Submitting scorer error                   -> Ready, answers kept
//	Ready      Expire                         -> Expired
//	Expired    AutoSubmit                     -> Submitting -> Submitted, completeness not checked
//
// Methods are safe for concurrent use; the countdown goroutine and the request
// goroutine serialize on the controller.
type Controller struct {
	mu     sync.Mutex
	key    model.SessionKey
	store  SessionStore
	pages  PageSource
	scorer Scorer
	log    zerolog.Logger

	state      State
	page       *model.Page
	answers    model.Answers
	unlocked   []int
	active     int
	revealed   int
	generation uint64
	result     *model.Result
	// expireDue records an expiry that arrived while a submit was in flight.
	expireDue bool
}

// NewController creates a controller in the Loading state. Call Enter to load a page.
func NewController(key model.SessionKey, store SessionStore, pages PageSource, scorer Scorer, log zerolog.Logger) *Controller {
	return &Controller{
		key:      key,
		store:    store,
		pages:    pages,
		scorer:   scorer,
		log:      log.With().Str("component", "exam_controller").Int("student_id", key.StudentID).Int("test_id", key.TestID).Logger(),
		state:    StateLoading,
		answers:  model.Answers{},
		unlocked: []int{1},
	}
}

// Key identifies the attempt.
func (c *Controller) Key() model.SessionKey {
	return c.key
}

// Enter loads a page. A page outside the unlock set loads page 1 instead and the
// transition carries the redirect route. Question data falls back to the built-in set
// when the source errors or has no questions for the page.
func (c *Controller) Enter(ctx context.Context, page int) (Transition, error) {
	c.mu.Lock()
	switch c.state {
	case StateSubmitting, StateExpired:
		t := c.transitionLocked()
		c.mu.Unlock()
		return t, ErrNotReady
	case StateSubmitted:
		t := c.transitionLocked()
		t.Route = ResultsRoute
		c.mu.Unlock()
		return t, nil
	}
	c.generation++
	gen := c.generation
	c.state = StateLoading
	c.mu.Unlock()

	completed, err := c.store.CompletedAt(ctx, c.key)
	if err != nil {
		return c.Snapshot(), fmt.Errorf("read completion time: %w", err)
	}
	if completed != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.state = StateSubmitted
		t := c.transitionLocked()
		t.Route = ResultsRoute
		return t, nil
	}

	unlocked, err := c.store.UnlockedPages(ctx, c.key)
	if err != nil {
		return c.Snapshot(), fmt.Errorf("read unlocked pages: %w", err)
	}
	answers, err := c.store.GetAll(ctx, c.key)
	if err != nil {
		return c.Snapshot(), fmt.Errorf("read answers: %w", err)
	}
	if answers == nil {
		answers = model.Answers{}
	}

	redirected := false
	if page < 1 || !containsPage(unlocked, page) {
		c.log.Warn().Int("page", page).Ints("unlocked", unlocked).Msg("Page not unlocked, redirecting to page 1")
		page = 1
		redirected = true
	}

	loaded, notice := c.loadPage(ctx, page)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return c.transitionLocked(), ErrSuperseded
	}

	c.page = loaded
	c.answers = answers
	c.unlocked = unlocked
	c.state = StateReady
	c.active = 0
	c.revealed = c.answeredPrefixLocked()

	t := c.transitionLocked()
	t.Notice = notice
	if redirected {
		t.Route = PageRoute(page)
	}
	return t, nil
}

func (c *Controller) loadPage(ctx context.Context, page int) (*model.Page, *Notice) {
	loaded, err := c.pages.LoadPage(ctx, c.key.TestID, page)
	switch {
	case err != nil:
		c.log.Warn().Err(err).Int("page", page).Msg("Page load failed, using built-in questions")
		fb := FallbackPage(c.key.TestID, page)
		fb.LoadFailed = true
		return fb, &Notice{Level: NoticeError, Message: MsgLoadFailed}
	case loaded == nil:
		return FallbackPage(c.key.TestID, page), nil
	case len(loaded.Questions) == 0:
		c.log.Info().Int("page", page).Msg("No questions for page, using built-in questions")
		loaded.Questions = FallbackQuestions(page)
		loaded.Fallback = true
		if loaded.TotalPages == 0 {
			loaded.TotalPages = FallbackPageCount()
		}
	}
	if loaded.ExamTitle == "" {
		loaded.ExamTitle = model.DefaultExamTitle
	}
	return loaded, nil
}

// Answer replaces the answer to one question on the current page.
func (c *Controller) Answer(ctx context.Context, questionID int, a model.Answer) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.questionLocked(questionID); err != nil {
		return c.transitionLocked(), err
	}
	return c.saveLocked(ctx, model.Answers{questionID: a})
}

// Save merges answers for any question of the attempt, not only the current page. It is
// accepted before the first Enter so a client can restore answers ahead of loading a page.
func (c *Controller) Save(ctx context.Context, partial model.Answers) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateSubmitting, StateExpired, StateSubmitted:
		return c.transitionLocked(), ErrNotReady
	}
	return c.saveLocked(ctx, partial)
}

// EditSlot sets one entry of a differential answer, keeping the other entries.
func (c *Controller) EditSlot(ctx context.Context, questionID, slot int, value string) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.questionLocked(questionID)
	if err != nil {
		return c.transitionLocked(), err
	}
	if (q.Kind != model.KindDifferential && q.Kind != model.KindMultiChoice) || slot < 0 || slot >= slotCount(q) {
		return c.transitionLocked(), ErrWrongKind
	}

	current := c.answers[questionID]
	return c.saveLocked(ctx, model.Answers{questionID: current.WithSlot(slot, value)})
}

// slotCount is the number of list entries a question accepts. A multi-choice question
// with options takes one entry per option.
func slotCount(q model.Question) int {
	if q.Kind == model.KindMultiChoice && len(q.Options) > 0 {
		return min(len(q.Options), model.MaxListEntries)
	}
	return model.DifferentialSlots
}

// EditCell sets one cell of a table answer. Other cells, including the rest of the
// row, are kept.
func (c *Controller) EditCell(ctx context.Context, questionID, row, col int, value string) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.questionLocked(questionID)
	if err != nil {
		return c.transitionLocked(), err
	}
	if q.Kind != model.KindTable || row < 0 || col < 0 {
		return c.transitionLocked(), ErrWrongKind
	}

	grid := model.Grid{}
	if current := c.answers[questionID]; current.Shape == model.ShapeGrid {
		grid = current.Grid
	}
	return c.saveLocked(ctx, model.Answers{questionID: model.GridAnswer(grid.WithCell(row, col, value))})
}

// SelectQuestion makes question i active. Visible questions are always reachable;
// the next hidden one opens only once the question before it is answered.
func (c *Controller) SelectQuestion(i int) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return c.transitionLocked(), ErrNotReady
	}
	return c.selectLocked(i), nil
}

// NextQuestion moves to the following question. On the last question it advances the page.
func (c *Controller) NextQuestion(ctx context.Context) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return c.transitionLocked(), ErrNotReady
	}
	if c.active < len(c.page.Questions)-1 {
		return c.selectLocked(c.active + 1), nil
	}
	return c.nextPageLocked(ctx)
}

// PrevQuestion moves back one question.
func (c *Controller) PrevQuestion() (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return c.transitionLocked(), ErrNotReady
	}
	if c.active > 0 {
		c.active--
	}
	return c.transitionLocked(), nil
}

// NextPage advances past the current page once every question on it is answered.
// On the last page it submits the attempt.
func (c *Controller) NextPage(ctx context.Context) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return c.transitionLocked(), ErrNotReady
	}
	return c.nextPageLocked(ctx)
}

// Submit finishes the attempt from any page. The current page must be complete.
func (c *Controller) Submit(ctx context.Context) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return c.transitionLocked(), ErrNotReady
	}
	if t, ok := c.gateLocked(); !ok {
		return t, nil
	}
	if err := c.persistPageLocked(ctx); err != nil {
		return c.transitionLocked(), err
	}
	return c.submitLocked(ctx)
}

// Expire records that the countdown ran out. Call AutoSubmit after the grace delay.
func (c *Controller) Expire() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateSubmitted, StateExpired:
		return c.transitionLocked()
	case StateSubmitting:
		c.expireDue = true
		return c.transitionLocked()
	}

	c.state = StateExpired
	c.log.Info().Msg("Countdown expired")
	t := c.transitionLocked()
	t.Notice = &Notice{Level: NoticeInfo, Message: MsgTimeUp}
	return t
}

// AutoSubmit submits an expired attempt regardless of completeness.
func (c *Controller) AutoSubmit(ctx context.Context) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateExpired {
		return c.transitionLocked(), ErrNotReady
	}
	return c.submitLocked(ctx)
}

// Reset discards the attempt ("try again") and routes back to page 1.
func (c *Controller) Reset(ctx context.Context) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSubmitting {
		return c.transitionLocked(), ErrNotReady
	}
	if err := c.store.Clear(ctx, c.key); err != nil {
		return c.transitionLocked(), fmt.Errorf("clear attempt: %w", err)
	}

	c.generation++
	c.state = StateLoading
	c.page = nil
	c.answers = model.Answers{}
	c.unlocked = []int{1}
	c.active = 0
	c.revealed = 0
	c.result = nil
	c.expireDue = false

	t := c.transitionLocked()
	t.Route = PageRoute(1)
	return t, nil
}

// Snapshot returns the current position without changing anything.
func (c *Controller) Snapshot() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Page returns the loaded page, or nil before the first Enter.
func (c *Controller) Page() *model.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// Answers returns a copy of the in-memory answer map.
func (c *Controller) Answers() model.Answers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.Answers{}.Merge(c.answers)
}

// Result returns the scored result once submitted.
func (c *Controller) Result() *model.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// ─── locked helpers ───────────────────────────────────────────────────

func (c *Controller) questionLocked(id int) (model.Question, error) {
	if c.state != StateReady {
		return model.Question{}, ErrNotReady
	}
	idx := c.page.QuestionIndex(id)
	if idx < 0 {
		return model.Question{}, ErrUnknownQuestion
	}
	return c.page.Questions[idx], nil
}

func (c *Controller) saveLocked(ctx context.Context, partial model.Answers) (Transition, error) {
	merged, err := c.store.Save(ctx, c.key, partial)
	if err != nil {
		return c.transitionLocked(), fmt.Errorf("save answers: %w", err)
	}
	c.answers = merged
	return c.transitionLocked(), nil
}

func (c *Controller) selectLocked(i int) Transition {
	n := len(c.page.Questions)
	switch {
	case i < 0 || i >= n:
		t := c.transitionLocked()
		t.Blocked = true
		return t
	case i <= c.revealed:
		c.active = i
		return c.transitionLocked()
	case i == c.revealed+1 && IsAnswered(c.page.Questions[i-1], c.answers):
		c.revealed = i
		c.active = i
		return c.transitionLocked()
	}

	t := c.transitionLocked()
	t.Blocked = true
	t.Notice = &Notice{Level: NoticeError, Message: MsgAnswerCurrent}
	return t
}

// gateLocked evaluates the completeness gate against the latest answers.
func (c *Controller) gateLocked() (Transition, bool) {
	if IsPageAnswered(c.page.Questions, c.answers) {
		return Transition{}, true
	}
	t := c.transitionLocked()
	t.Blocked = true
	t.Unanswered = Unanswered(c.page.Questions, c.answers)
	t.Notice = &Notice{Level: NoticeError, Message: MsgIncomplete}
	return t, false
}

func (c *Controller) nextPageLocked(ctx context.Context) (Transition, error) {
	if t, ok := c.gateLocked(); !ok {
		return t, nil
	}
	if err := c.persistPageLocked(ctx); err != nil {
		return c.transitionLocked(), err
	}
	if c.page.IsLast() {
		return c.submitLocked(ctx)
	}

	current := c.page.Number
	next := current + 1
	if err := c.store.UnlockPage(ctx, c.key, next); err != nil {
		return c.transitionLocked(), fmt.Errorf("unlock page %d: %w", next, err)
	}
	if !containsPage(c.unlocked, next) {
		c.unlocked = append(c.unlocked, next)
		sort.Ints(c.unlocked)
	}

	c.generation++
	c.state = StateLoading
	c.active = 0
	c.revealed = 0

	t := c.transitionLocked()
	t.Route = PageRoute(next)
	t.Notice = &Notice{Level: NoticeSuccess, Message: fmt.Sprintf(MsgPageCompleted, current)}
	return t, nil
}

// persistPageLocked re-saves the current page's answers so the remote mirror sees them
// before the page changes.
func (c *Controller) persistPageLocked(ctx context.Context) error {
	partial := model.Answers{}
	for _, q := range c.page.Questions {
		if a, ok := c.answers[q.ID]; ok {
			partial[q.ID] = a
		}
	}
	if len(partial) == 0 {
		return nil
	}
	merged, err := c.store.Save(ctx, c.key, partial)
	if err != nil {
		return fmt.Errorf("persist page answers: %w", err)
	}
	c.answers = merged
	return nil
}

// submitLocked releases the lock while the scorer runs. Other callers see Submitting
// and are rejected until it returns.
func (c *Controller) submitLocked(ctx context.Context) (Transition, error) {
	prev := c.state
	c.state = StateSubmitting
	c.mu.Unlock()

	answers, err := c.store.GetAll(ctx, c.key)
	var result *model.Result
	if err == nil {
		result, err = c.scorer.Score(ctx, c.key, answers)
	}

	c.mu.Lock()

	if err != nil {
		if prev == StateExpired && errors.Is(err, ErrNoAnswers) {
			c.finishLocked(ctx, nil)
			t := c.transitionLocked()
			t.Route = ResultsRoute
			t.Notice = &Notice{Level: NoticeInfo, Message: MsgNothingRecorded}
			return t, nil
		}

		c.state = prev
		if c.expireDue {
			c.state = StateExpired
			c.expireDue = false
		}
		c.log.Error().Err(err).Msg("Submit failed")
		t := c.transitionLocked()
		t.Notice = &Notice{Level: NoticeError, Message: MsgSubmitFailed}
		return t, fmt.Errorf("score attempt: %w", err)
	}

	c.finishLocked(ctx, result)
	c.log.Info().Int("score", result.TotalScore).Int("percentage", result.PercentageScore).Msg("Exam submitted")

	t := c.transitionLocked()
	t.Route = ResultsRoute
	t.Notice = &Notice{Level: NoticeSuccess, Message: MsgSubmitted}
	t.Result = result
	return t, nil
}

func (c *Controller) finishLocked(ctx context.Context, result *model.Result) {
	if err := c.store.MarkCompleted(ctx, c.key, time.Now()); err != nil {
		c.log.Warn().Err(err).Msg("Failed to record completion time")
	}
	c.state = StateSubmitted
	c.result = result
	c.expireDue = false
}

// answeredPrefixLocked reveals already answered leading questions when a page is resumed.
func (c *Controller) answeredPrefixLocked() int {
	if c.page == nil || len(c.page.Questions) == 0 {
		return 0
	}
	revealed := 0
	for i := 0; i < len(c.page.Questions)-1; i++ {
		if !IsAnswered(c.page.Questions[i], c.answers) {
			break
		}
		revealed = i + 1
	}
	return revealed
}

func (c *Controller) transitionLocked() Transition {
	t := Transition{
		State:       c.state,
		ActiveIndex: c.active,
		Unlocked:    append([]int(nil), c.unlocked...),
	}
	if c.page != nil {
		t.Page = c.page.Number
		t.Visible = make([]int, 0, c.revealed+1)
		for i := 0; i <= c.revealed && i < len(c.page.Questions); i++ {
			t.Visible = append(t.Visible, i)
		}
	}
	return t
}

func containsPage(pages []int, page int) bool {
	for _, p := range pages {
		if p == page {
			return true
		}
	}
	return false
}
