package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clinicus/clinicus-backend/internal/config"
	"github.com/clinicus/clinicus-backend/internal/logger"
	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LoginService queues login and logout events for the login worker. Recording never
// fails the request that triggered it.
type LoginService struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewLoginService creates a new LoginService.
func NewLoginService(rdb *redis.Client, log zerolog.Logger) *LoginService {
	return &LoginService{
		rdb: rdb,
		log: logger.Component(log, "login_service"),
	}
}

// RecordLogin queues a login row.
func (s *LoginService) RecordLogin(ctx context.Context, studentID int, ip, userAgent string) {
	s.push(ctx, model.LoginEvent{
		Action:    model.LoginActionLogin,
		StudentID: studentID,
		IPAddress: ip,
		UserAgent: userAgent,
		At:        time.Now().Unix(),
	})
}

// RecordLogout queues closing the student's latest open login.
func (s *LoginService) RecordLogout(ctx context.Context, studentID int) {
	s.push(ctx, model.LoginEvent{
		Action:    model.LoginActionLogout,
		StudentID: studentID,
		At:        time.Now().Unix(),
	})
}

func (s *LoginService) push(ctx context.Context, event model.LoginEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistLoginsQueue, raw).Err(); err != nil {
		s.log.Warn().Err(err).
			Int("student_id", event.StudentID).
			Str("action", string(event.Action)).
			Msg("Failed to queue login event")
	}
}
