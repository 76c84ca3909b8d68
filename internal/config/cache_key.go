package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// UserSessionKey holds the JTI of the user's current login.
func (r *CacheKeyStruct) UserSessionKey(userID int) string {
	return fmt.Sprintf("login:%d", userID)
}

// StudentAnswersKey is the hash of question id -> JSON answer for one attempt.
func (r *CacheKeyStruct) StudentAnswersKey(testID, studentID int) string {
	return fmt.Sprintf("student:%d:test:%d:answers", studentID, testID)
}

// StudentUnlockedPagesKey is the set of page numbers the student may open.
func (r *CacheKeyStruct) StudentUnlockedPagesKey(testID, studentID int) string {
	return fmt.Sprintf("student:%d:test:%d:unlocked_pages", studentID, testID)
}

// StudentCompletionTimeKey records when the attempt was submitted.
func (r *CacheKeyStruct) StudentCompletionTimeKey(testID, studentID int) string {
	return fmt.Sprintf("student:%d:test:%d:completed_at", studentID, testID)
}

// StudentSessionStartKey records the unix time the countdown started.
func (r *CacheKeyStruct) StudentSessionStartKey(testID, studentID int) string {
	return fmt.Sprintf("student:%d:test:%d:session_start", studentID, testID)
}

// StudentPauseKey is the hash of the open pause ("since") and the seconds already
// spent paused ("total").
func (r *CacheKeyStruct) StudentPauseKey(testID, studentID int) string {
	return fmt.Sprintf("student:%d:test:%d:pause", studentID, testID)
}

// StudentEpochKey counts resets of the attempt. It survives Clear.
func (r *CacheKeyStruct) StudentEpochKey(testID, studentID int) string {
	return fmt.Sprintf("student:%d:test:%d:epoch", studentID, testID)
}

// StudentResultKey caches the last scored result until the worker persists it.
func (r *CacheKeyStruct) StudentResultKey(testID, studentID int) string {
	return fmt.Sprintf("student:%d:test:%d:result", studentID, testID)
}

// StudentSyncStatusKey tracks the remote mirror state of the answers.
func (r *CacheKeyStruct) StudentSyncStatusKey(testID, studentID int) string {
	return fmt.Sprintf("student:%d:test:%d:sync", studentID, testID)
}

// TestPageKey caches one rendered page (case chunk + questions) of a test.
func (r *CacheKeyStruct) TestPageKey(testID, page int) string {
	return fmt.Sprintf("test:%d:page:%d", testID, page)
}

// RateLimitKey counts requests from one client IP within the current window.
func (r *CacheKeyStruct) RateLimitKey(scope, ip string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, ip, window)
}

var CacheKey = NewCacheKeyStruct()
