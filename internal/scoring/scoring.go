// Package scoring grades a submitted attempt. The grader is heuristic: it looks at how
// much of each answer was filled in and awards a randomised share of the question's
// points within a band for that level of effort.
package scoring

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/clinicus/clinicus-backend/internal/exam"
	"github.com/clinicus/clinicus-backend/internal/model"
)

// Error wraps a grading failure with the operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("scoring: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// band is one effort level of a strategy: the answer must measure at least min, and earns
// base plus up to spread of the question's points.
type band struct {
	min      int
	base     float64
	spread   float64
	feedback string
}

// strategy measures an answer and picks the first band it reaches.
type strategy struct {
	measure func(model.Answer) int
	bands   []band
}

func (s strategy) grade(a model.Answer, r float64) (float64, string) {
	n := s.measure(a)
	for _, b := range s.bands {
		if n >= b.min {
			return b.base + r*b.spread, b.feedback
		}
	}
	last := s.bands[len(s.bands)-1]
	return last.base + r*last.spread, last.feedback
}

var differentialStrategy = strategy{
	measure: filledEntries,
	bands: []band{
		{4, 0.8, 0.2, "Excellent differential diagnosis with good prioritization. You included critical diagnoses and ordered them appropriately."},
		{2, 0.6, 0.2, "Good differential with some key diagnoses, but consider including more life-threatening conditions as top priorities."},
		{0, 0.5, 0.1, "Your differential was limited. When creating a differential, ensure you consider must-not-miss diagnoses and rank by likelihood."},
	},
}

var tableStrategy = strategy{
	measure: filledCells,
	bands: []band{
		{8, 0.85, 0.15, "Comprehensive table completion with excellent clinical correlations. Your table responses show strong pattern recognition."},
		{5, 0.7, 0.15, "Good table responses with reasonable correlations. Consider making stronger connections between findings and diagnoses."},
		{0, 0.5, 0.2, "Your table responses could be more complete. Remember to fill in all relevant fields and make clear connections."},
	},
}

// Text bands are exclusive: a response must be longer than 150 or 50 characters.
var textStrategy = strategy{
	measure: textLength,
	bands: []band{
		{151, 0.75, 0.25, "Well-developed response with thorough reasoning. Your answer demonstrates strong clinical thinking."},
		{51, 0.6, 0.15, "Good response with adequate reasoning. Consider expanding with more clinical details."},
		{0, 0.5, 0.1, "Your response was brief. Aim to provide more comprehensive answers with clinical reasoning."},
	},
}

const (
	OverallOutstanding = "Outstanding performance! You demonstrated excellent clinical reasoning and diagnostic skills. Continue to refine your ability to prioritize diagnoses based on clinical presentation."
	OverallGood        = "Good work! You showed solid clinical reasoning skills. Focus on strengthening your connections between findings and diagnoses, and consider the relative importance of different diagnoses in your differential."
	OverallFoundation  = "You've demonstrated foundational clinical reasoning. Work on developing more comprehensive differentials and making stronger connections between clinical findings and potential diagnoses. Review the feedback for each question for specific areas to improve."
)

// Option configures a Grader.
type Option func(*Grader)

// WithRand replaces the random source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(g *Grader) { g.rand = f }
}

// Grader scores attempts against a question catalog.
type Grader struct {
	mu   sync.Mutex
	rand func() float64
}

// NewGrader creates a Grader seeded from the clock.
func NewGrader(opts ...Option) *Grader {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	g := &Grader{rand: src.Float64}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Grade scores every answer whose question id is in the catalog. Answers to unknown
// questions are ignored and do not count toward the maximum.
func (g *Grader) Grade(catalog map[int]model.Question, answers model.Answers) (*model.Result, error) {
	if len(answers) == 0 {
		return nil, &Error{Op: "grade", Err: exam.ErrNoAnswers}
	}

	ids := make([]int, 0, len(answers))
	for id := range answers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	result := &model.Result{
		Feedback:       []model.QuestionFeedback{},
		QuestionScores: map[int]model.QuestionScore{},
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range ids {
		q, ok := catalog[id]
		if !ok {
			continue
		}
		possible := q.PointsPossible()
		result.MaxPossibleScore += possible

		pct, feedback := strategyFor(q.Kind).grade(answers[id], g.rand())
		points := int(math.Round(float64(possible) * pct))
		result.TotalScore += points

		result.QuestionScores[id] = model.QuestionScore{
			Score:      points,
			MaxScore:   possible,
			Percentage: int(math.Round(pct * 100)),
		}
		result.Feedback = append(result.Feedback, model.QuestionFeedback{QuestionID: id, Feedback: feedback})
	}

	var ratio float64
	if result.MaxPossibleScore > 0 {
		ratio = float64(result.TotalScore) / float64(result.MaxPossibleScore)
		result.PercentageScore = int(math.Round(ratio * 100))
	}
	result.OverallFeedback = OverallFeedback(ratio)

	return result, nil
}

func strategyFor(kind model.ResponseKind) strategy {
	switch kind {
	case model.KindDifferential:
		return differentialStrategy
	case model.KindTable:
		return tableStrategy
	}
	return textStrategy
}

// OverallFeedback picks the summary comment for a score ratio in [0, 1].
func OverallFeedback(ratio float64) string {
	switch {
	case ratio >= 0.85:
		return OverallOutstanding
	case ratio >= 0.7:
		return OverallGood
	}
	return OverallFoundation
}

// filledEntries counts non-blank list entries. A plain string counts as a one-entry list.
func filledEntries(a model.Answer) int {
	switch a.Shape {
	case model.ShapeText:
		if strings.TrimSpace(a.Text) != "" {
			return 1
		}
	case model.ShapeList:
		n := 0
		for _, v := range a.List {
			if strings.TrimSpace(v) != "" {
				n++
			}
		}
		return n
	}
	return 0
}

func filledCells(a model.Answer) int {
	if a.Shape != model.ShapeGrid {
		return 0
	}
	n := 0
	for _, row := range a.Grid {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				n++
			}
		}
	}
	return n
}

// textLength is the untrimmed character count of a text answer; other shapes measure 0.
func textLength(a model.Answer) int {
	if a.Shape != model.ShapeText {
		return 0
	}
	return utf8.RuneCountInString(a.Text)
}
