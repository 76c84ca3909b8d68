package model

import (
	"time"

	"github.com/google/uuid"
)

// LoginAction distinguishes the two login-tracking events.
type LoginAction string

const (
	LoginActionLogin  LoginAction = "login"
	LoginActionLogout LoginAction = "logout"
)

// LoginRecord is one row of student_logins.
type LoginRecord struct {
	ID         uuid.UUID  `json:"id"`
	StudentID  int        `json:"student_id"`
	Name       string     `json:"name,omitempty"`
	IPAddress  string     `json:"ip_address"`
	UserAgent  string     `json:"user_agent"`
	LoginTime  time.Time  `json:"login_time"`
	LogoutTime *time.Time `json:"logout_time,omitempty"`
}

// LoginEvent is queued by the auth handler and written by the login worker.
type LoginEvent struct {
	Action    LoginAction `json:"action"`
	StudentID int         `json:"student_id"`
	IPAddress string      `json:"ip_address,omitempty"`
	UserAgent string      `json:"user_agent,omitempty"`
	At        int64       `json:"at"`
}
