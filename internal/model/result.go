package model

import "time"

// QuestionFeedback is the scorer's comment on one answer.
type QuestionFeedback struct {
	QuestionID int    `json:"questionId"`
	Feedback   string `json:"feedback"`
}

// QuestionScore is the points awarded for one answer.
type QuestionScore struct {
	Score      int `json:"score"`
	MaxScore   int `json:"maxScore"`
	Percentage int `json:"percentage"`
}

// Result is what the scorer returns for a whole attempt.
type Result struct {
	TotalScore       int                   `json:"totalScore"`
	MaxPossibleScore int                   `json:"maxPossibleScore"`
	PercentageScore  int                   `json:"percentageScore"`
	Feedback         []QuestionFeedback    `json:"feedback"`
	QuestionScores   map[int]QuestionScore `json:"questionScores"`
	OverallFeedback  string                `json:"overallFeedback"`
}

// StudentResult is a stored result row, unique per (student, test).
type StudentResult struct {
	ID              int                `json:"id"`
	StudentID       int                `json:"student_id"`
	StudentName     string             `json:"student_name,omitempty"`
	StudentEmail    string             `json:"student_email,omitempty"`
	TestID          int                `json:"test_id"`
	Score           int                `json:"score"`
	PercentageScore int                `json:"percentage_score"`
	Feedback        []QuestionFeedback `json:"feedback"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ResultEvent is queued after scoring and written to student_results by the results worker.
type ResultEvent struct {
	StudentID       int                `json:"student_id"`
	TestID          int                `json:"test_id"`
	Score           int                `json:"score"`
	PercentageScore int                `json:"percentage_score"`
	Feedback        []QuestionFeedback `json:"feedback"`
	ScoredAt        int64              `json:"scored_at"`
}

// Key returns the attempt the event belongs to.
func (e ResultEvent) Key() SessionKey {
	return SessionKey{StudentID: e.StudentID, TestID: e.TestID}
}
