package model

import (
	"encoding/json"
	"fmt"
)

// ResponseKind tags how a question is answered. Values match the answer_format.type column.
type ResponseKind string

const (
	KindText         ResponseKind = "text"
	KindDifferential ResponseKind = "differential"
	KindTable        ResponseKind = "table"
	KindMultiChoice  ResponseKind = "multiChoice"
)

// DefaultQuestionPoints is used when a question row carries no tot_points.
const DefaultQuestionPoints = 10

// Valid reports whether k is one of the known kinds.
func (k ResponseKind) Valid() bool {
	switch k {
	case KindText, KindDifferential, KindTable, KindMultiChoice:
		return true
	}
	return false
}

// Question is one prompt on a page. Immutable once the page is loaded.
type Question struct {
	ID           int          `json:"id" yaml:"id"`
	TestID       int          `json:"test_id,omitempty" yaml:"-"`
	ChunkID      int          `json:"chunk_id,omitempty" yaml:"-"`
	Title        string       `json:"title" yaml:"title"`
	Description  string       `json:"description,omitempty" yaml:"description"`
	Kind         ResponseKind `json:"kind" yaml:"kind"`
	TableHeaders []string     `json:"table_headers,omitempty" yaml:"table_headers"`
	Options      []string     `json:"options,omitempty" yaml:"options"`
	Points       int          `json:"points" yaml:"points"`
}

// PointsPossible returns the question's weight, defaulting to DefaultQuestionPoints.
func (q Question) PointsPossible() int {
	if q.Points <= 0 {
		return DefaultQuestionPoints
	}
	return q.Points
}

// AnswerFormat is the JSONB descriptor stored with each exam_questions row.
type AnswerFormat struct {
	Type         ResponseKind `json:"type"`
	TableHeaders HeaderRow    `json:"tableHeaders,omitempty"`
	Options      []string     `json:"options,omitempty"`
}

// HeaderRow is an ordered list of column headers.
// Older rows store headers nested one level deeper ([["a","b"]]); only the first row is kept.
type HeaderRow []string

func (h *HeaderRow) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*h = nil
		return nil
	}

	var flat []string
	if err := json.Unmarshal(data, &flat); err == nil {
		*h = flat
		return nil
	}

	var nested [][]string
	if err := json.Unmarshal(data, &nested); err != nil {
		return fmt.Errorf("table headers: %w", err)
	}
	if len(nested) == 0 {
		*h = HeaderRow{}
		return nil
	}
	*h = nested[0]
	return nil
}

// ParseAnswerFormat decodes the answer_format column. An empty column means free text.
func ParseAnswerFormat(raw []byte) (AnswerFormat, error) {
	f := AnswerFormat{Type: KindText}
	if len(raw) == 0 || string(raw) == "null" {
		return f, nil
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return AnswerFormat{Type: KindText}, err
	}
	if !f.Type.Valid() {
		f.Type = KindText
	}
	return f, nil
}
