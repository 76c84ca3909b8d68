package model

import "time"

// SyncStatus is the state of the remote mirror for an attempt's answers.
type SyncStatus string

const (
	SyncIdle      SyncStatus = "idle"
	SyncPending   SyncStatus = "pending"
	SyncSucceeded SyncStatus = "succeeded"
	SyncFailed    SyncStatus = "failed"
)

// SessionKey identifies one attempt.
type SessionKey struct {
	StudentID int
	TestID    int
}

// ExamSessionState is the resumable snapshot returned to the client.
type ExamSessionState struct {
	TestID           int        `json:"test_id"`
	StudentID        int        `json:"student_id"`
	State            string     `json:"state"`
	Answers          Answers    `json:"answers"`
	UnlockedPages    []int      `json:"unlocked_pages"`
	RemainingSeconds int        `json:"remaining_seconds"`
	Display          string     `json:"display"`
	Expired          bool       `json:"expired"`
	Paused           bool       `json:"paused"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	SyncStatus       SyncStatus `json:"sync_status"`
}

// SaveAnswersRequest is the payload for merging answers into the attempt.
type SaveAnswersRequest struct {
	Answers Answers `json:"answers" binding:"required,min=1,question_ids"`
}

// EditCellRequest sets one cell of a table answer.
type EditCellRequest struct {
	QuestionID int    `json:"question_id" binding:"required,min=1"`
	Row        *int   `json:"row" binding:"required,min=0"`
	Col        *int   `json:"col" binding:"required,min=0"`
	Value      string `json:"value" binding:"max=2000"`
}

// EditSlotRequest sets one entry of a differential answer.
type EditSlotRequest struct {
	QuestionID int    `json:"question_id" binding:"required,min=1"`
	Slot       *int   `json:"slot" binding:"required,min=0,max=15"`
	Value      string `json:"value" binding:"max=500"`
}

// SelectQuestionRequest moves the active question.
type SelectQuestionRequest struct {
	Index *int `json:"index" binding:"required,min=0"`
}
