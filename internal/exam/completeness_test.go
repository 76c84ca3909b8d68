package exam

import (
	"testing"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestIsAnswered(t *testing.T) {
	text := model.Question{ID: 1, Kind: model.KindText}
	diff := model.Question{ID: 2, Kind: model.KindDifferential}
	table := model.Question{ID: 3, Kind: model.KindTable}
	choice := model.Question{ID: 4, Kind: model.KindMultiChoice}

	tests := []struct {
		name     string
		question model.Question
		answer   *model.Answer
		expected bool
	}{
		{"text missing", text, nil, false},
		{"text empty", text, ptr(model.TextAnswer("")), false},
		{"text whitespace", text, ptr(model.TextAnswer("  ")), false},
		{"text filled", text, ptr(model.TextAnswer("chest pain")), true},
		{"text given a list", text, ptr(model.ListAnswer("chest pain")), false},

		{"differential all blank", diff, ptr(model.ListAnswer("", "", "", "")), false},
		{"differential whitespace", diff, ptr(model.ListAnswer(" ", "\t", "", "")), false},
		{"differential one filled", diff, ptr(model.ListAnswer("MI", "", "", "")), true},
		{"differential last filled", diff, ptr(model.ListAnswer("", "", "", "PE")), true},
		{"differential given text", diff, ptr(model.TextAnswer("MI")), false},
		{"differential empty list", diff, ptr(model.ListAnswer()), false},

		{"table empty grid", table, ptr(model.GridAnswer(model.Grid{})), false},
		{"table blank cell", table, ptr(model.GridAnswer(model.Grid{0: {0: ""}})), false},
		{"table whitespace cell", table, ptr(model.GridAnswer(model.Grid{0: {0: "   "}})), false},
		{"table empty row", table, ptr(model.GridAnswer(model.Grid{0: {}})), false},
		{"table filled cell", table, ptr(model.GridAnswer(model.Grid{0: {1: "yes"}})), true},
		{"table filled later row", table, ptr(model.GridAnswer(model.Grid{0: {0: ""}, 4: {2: "less"}})), true},
		{"table given text", table, ptr(model.TextAnswer("yes")), false},

		{"choice selected", choice, ptr(model.TextAnswer("B")), true},
		{"choice blank", choice, ptr(model.TextAnswer("")), false},
		{"choice list", choice, ptr(model.ListAnswer("A", "C")), true},
		{"choice empty list", choice, ptr(model.ListAnswer()), false},

		{"invalid shape", text, ptr(model.Answer{}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answers := model.Answers{}
			if tt.answer != nil {
				answers[tt.question.ID] = *tt.answer
			}
			assert.Equal(t, tt.expected, IsAnswered(tt.question, answers))
		})
	}
}

func TestIsAnswered_UnknownKind(t *testing.T) {
	q := model.Question{ID: 9, Kind: "essay"}
	answers := model.Answers{9: model.TextAnswer("something")}
	assert.False(t, IsAnswered(q, answers))
}

func TestIsPageAnswered(t *testing.T) {
	page := FallbackQuestions(1)

	answers := model.Answers{
		1: model.TextAnswer("fatigue"),
		2: model.ListAnswer("AFib", "", "", ""),
	}
	assert.False(t, IsPageAnswered(page, answers), "two of three answered")
	assert.Equal(t, []int{3}, Unanswered(page, answers))

	answers[3] = model.GridAnswer(model.Grid{0: {0: "Palpitations?"}})
	assert.True(t, IsPageAnswered(page, answers))
	assert.True(t, IsPageAnswered(page, answers), "checking twice gives the same result")
	assert.Empty(t, Unanswered(page, answers))
}

func TestIsPageAnswered_EmptyPage(t *testing.T) {
	assert.True(t, IsPageAnswered(nil, model.Answers{}))
}

func ptr(a model.Answer) *model.Answer {
	return &a
}
