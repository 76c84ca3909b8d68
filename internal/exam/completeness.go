// Package exam holds the exam progression rules: the completeness gate, the countdown,
// the built-in fallback question sets and the page controller state machine.
package exam

import (
	"strings"

	"github.com/clinicus/clinicus-backend/internal/model"
)

// IsAnswered reports whether the stored answer for q satisfies its kind's non-emptiness rule.
// A missing answer or one of the wrong shape is unanswered.
//
// A differential counts as answered once any slot is filled, not all of them.
func IsAnswered(q model.Question, answers model.Answers) bool {
	a, ok := answers[q.ID]
	if !ok {
		return false
	}

	switch q.Kind {
	case model.KindText:
		return a.Shape == model.ShapeText && filled(a.Text)
	case model.KindDifferential:
		return a.Shape == model.ShapeList && anyFilled(a.List)
	case model.KindTable:
		return a.Shape == model.ShapeGrid && gridFilled(a.Grid)
	case model.KindMultiChoice:
		switch a.Shape {
		case model.ShapeText:
			return filled(a.Text)
		case model.ShapeList:
			return anyFilled(a.List)
		}
	}
	return false
}

// IsPageAnswered is true when every question on the page is answered.
// An empty page is trivially complete.
func IsPageAnswered(questions []model.Question, answers model.Answers) bool {
	for _, q := range questions {
		if !IsAnswered(q, answers) {
			return false
		}
	}
	return true
}

// Unanswered returns the ids of questions that still block the gate, in page order.
func Unanswered(questions []model.Question, answers model.Answers) []int {
	var ids []int
	for _, q := range questions {
		if !IsAnswered(q, answers) {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

func filled(s string) bool {
	return strings.TrimSpace(s) != ""
}

func anyFilled(list []string) bool {
	for _, s := range list {
		if filled(s) {
			return true
		}
	}
	return false
}

// gridFilled treats whitespace-only cells as empty.
func gridFilled(g model.Grid) bool {
	for _, row := range g {
		for _, cell := range row {
			if filled(cell) {
				return true
			}
		}
	}
	return false
}
