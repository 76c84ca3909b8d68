package repository

import (
	"context"
	"time"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LoginRepository handles student_logins data access.
type LoginRepository struct {
	pool *pgxpool.Pool
}

// NewLoginRepository creates a new LoginRepository.
func NewLoginRepository(pool *pgxpool.Pool) *LoginRepository {
	return &LoginRepository{pool: pool}
}

// InsertBatch writes login records in one COPY.
func (r *LoginRepository) InsertBatch(ctx context.Context, records []model.LoginRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"student_logins"},
		[]string{"id", "student_id", "ip_address", "user_agent", "login_time"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			rec := records[i]
			if rec.ID == uuid.Nil {
				rec.ID = uuid.New()
			}
			return []any{rec.ID, rec.StudentID, rec.IPAddress, rec.UserAgent, rec.LoginTime}, nil
		}),
	)
	return err
}

// Insert writes a single login record.
func (r *LoginRepository) Insert(ctx context.Context, rec *model.LoginRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO student_logins (id, student_id, ip_address, user_agent, login_time)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.StudentID, rec.IPAddress, rec.UserAgent, rec.LoginTime)
	return err
}

// CloseLatest sets the logout time on the student's most recent open login.
// It reports false when the student has no open login.
func (r *LoginRepository) CloseLatest(ctx context.Context, studentID int, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE student_logins SET logout_time = $2
		 WHERE id = (
			SELECT id FROM student_logins
			WHERE student_id = $1 AND logout_time IS NULL
			ORDER BY login_time DESC
			LIMIT 1
		 )`, studentID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListRecent retrieves the most recent login records with the student's name.
func (r *LoginRepository) ListRecent(ctx context.Context, limit, offset int) ([]model.LoginRecord, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM student_logins`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT l.id, l.student_id, u.name, l.ip_address, l.user_agent, l.login_time, l.logout_time
		 FROM student_logins l
		 JOIN users u ON u.id = l.student_id
		 ORDER BY l.login_time DESC
		 LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []model.LoginRecord
	for rows.Next() {
		var rec model.LoginRecord
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.Name, &rec.IPAddress, &rec.UserAgent, &rec.LoginTime, &rec.LogoutTime); err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// CountActiveSince counts distinct students who logged in after since.
func (r *LoginRepository) CountActiveSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT student_id) FROM student_logins WHERE login_time >= $1`, since,
	).Scan(&n)
	return n, err
}
