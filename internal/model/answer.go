package model

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errInvalidAnswerJSON = errors.New("answer: malformed JSON")

// AnswerShape is the decoded form of an answer value.
type AnswerShape int

const (
	// ShapeInvalid holds any JSON value that is not a string, string list or string grid.
	ShapeInvalid AnswerShape = iota
	ShapeText
	ShapeList
	ShapeGrid
)

func (s AnswerShape) String() string {
	switch s {
	case ShapeText:
		return "text"
	case ShapeList:
		return "list"
	case ShapeGrid:
		return "grid"
	}
	return "invalid"
}

// DifferentialSlots is the number of entries a differential answer carries.
const DifferentialSlots = 4

// MaxListEntries caps the length of any list answer built slot by slot.
const MaxListEntries = 64

// Grid is a sparse row -> column -> cell mapping.
type Grid map[int]map[int]string

// Clone returns a deep copy of g.
func (g Grid) Clone() Grid {
	out := make(Grid, len(g))
	for r, row := range g {
		cp := make(map[int]string, len(row))
		for c, v := range row {
			cp[c] = v
		}
		out[r] = cp
	}
	return out
}

// WithCell returns a copy of g with one cell set. g is not modified.
func (g Grid) WithCell(row, col int, value string) Grid {
	out := g.Clone()
	if out[row] == nil {
		out[row] = make(map[int]string)
	}
	out[row][col] = value
	return out
}

// Answer is a tagged answer value. The JSON form is untagged:
// a string is free text, an array of strings is a list, and an object keyed by
// row then column index is a grid.
type Answer struct {
	Shape AnswerShape
	Text  string
	List  []string
	Grid  Grid

	raw json.RawMessage
}

// TextAnswer wraps free text.
func TextAnswer(s string) Answer {
	return Answer{Shape: ShapeText, Text: s}
}

// ListAnswer wraps a short list such as a differential.
func ListAnswer(items ...string) Answer {
	list := make([]string, len(items))
	copy(list, items)
	return Answer{Shape: ShapeList, List: list}
}

// GridAnswer wraps a table answer.
func GridAnswer(g Grid) Answer {
	if g == nil {
		g = Grid{}
	}
	return Answer{Shape: ShapeGrid, Grid: g}
}

// WithSlot returns a copy of a list answer with slot i set. The list is padded to
// DifferentialSlots entries. An index outside [0, MaxListEntries) leaves a unchanged.
func (a Answer) WithSlot(i int, value string) Answer {
	if i < 0 || i >= MaxListEntries {
		return a
	}
	n := len(a.List)
	if i >= n {
		n = i + 1
	}
	if n < DifferentialSlots {
		n = DifferentialSlots
	}
	list := make([]string, n)
	if a.Shape == ShapeList {
		copy(list, a.List)
	}
	list[i] = value
	return Answer{Shape: ShapeList, List: list}
}

func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.Shape {
	case ShapeText:
		return json.Marshal(a.Text)
	case ShapeList:
		if a.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(a.List)
	case ShapeGrid:
		if a.Grid == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(a.Grid)
	}
	if len(a.raw) > 0 {
		return a.raw, nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON never fails on well-formed JSON: a value of an unexpected shape is kept
// as ShapeInvalid so that it counts as unanswered instead of rejecting the whole map.
func (a *Answer) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*a = Answer{}

	if len(trimmed) == 0 {
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*a = TextAnswer(s)
		return nil
	case '[':
		var list []string
		if err := json.Unmarshal(trimmed, &list); err == nil {
			*a = Answer{Shape: ShapeList, List: list}
			return nil
		}
	case '{':
		var g Grid
		if err := json.Unmarshal(trimmed, &g); err == nil {
			*a = GridAnswer(g)
			return nil
		}
	}

	if !json.Valid(trimmed) {
		return errInvalidAnswerJSON
	}
	a.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// Answers maps question id to answer. It is the whole in-progress attempt.
type Answers map[int]Answer

// Merge applies partial on top of a, replacing whole values per question id.
func (a Answers) Merge(partial Answers) Answers {
	out := make(Answers, len(a)+len(partial))
	for id, v := range a {
		out[id] = v
	}
	for id, v := range partial {
		out[id] = v
	}
	return out
}
