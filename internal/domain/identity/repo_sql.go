package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/radpipe/internal/platform/auth"
	"github.com/ehr/radpipe/internal/platform/db"
)

// -- User Repository --

type userRepoSQL struct {
	db *db.DB
}

// NewUserRepo returns a UserRepository over PostgreSQL or SQLite.
func NewUserRepo(database *db.DB) UserRepository {
	return &userRepoSQL{db: database}
}

const userCols = `id, username, password_hash, role, created_at, updated_at`

func (r *userRepoSQL) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := db.Now()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := r.db.SQL.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO users (id, username, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		u.ID.String(), u.Username, u.PasswordHash, string(u.Role), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("user create: %w", err)
	}
	return nil
}

func (r *userRepoSQL) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.SQL.QueryRowContext(ctx,
		r.db.Rebind(`SELECT `+userCols+` FROM users WHERE username = ?`), username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user get by username: %w", err)
	}
	return u, nil
}

func (r *userRepoSQL) UpdatePasswordHash(ctx context.Context, username, hash string) error {
	res, err := r.db.SQL.ExecContext(ctx,
		r.db.Rebind(`UPDATE users SET password_hash = ?, updated_at = ? WHERE username = ?`),
		hash, db.Now(), username,
	)
	if err != nil {
		return fmt.Errorf("user update password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user update password: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	var (
		u                  User
		id, role           string
		createdAt, updated db.Timestamp
	)
	if err := row.Scan(&id, &u.Username, &u.PasswordHash, &role, &createdAt, &updated); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	u.ID = parsed
	u.Role = auth.Role(role)
	u.CreatedAt = createdAt.Time
	u.UpdatedAt = updated.Time
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
