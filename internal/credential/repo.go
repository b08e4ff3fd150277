package credential

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists student credentials in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ByUsername returns the credential for a username, or nil.
func (r *Repository) ByUsername(ctx context.Context, username string) (*Credential, error) {
	return r.find(ctx, `username = $1`, username)
}

// ByToken returns the credential holding a token, or nil.
func (r *Repository) ByToken(ctx context.Context, token string) (*Credential, error) {
	return r.find(ctx, `token = $1`, token)
}

// ByStudent returns the credential of a student, or nil.
func (r *Repository) ByStudent(ctx context.Context, studentID string) (*Credential, error) {
	return r.find(ctx, `student_id = $1`, studentID)
}

func (r *Repository) find(ctx context.Context, where string, arg any) (*Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT student_id, username, password, COALESCE(token, ''), updated_at
		FROM student_credentials WHERE `+where, arg)
	var c Credential
	if err := row.Scan(&c.StudentID, &c.Username, &c.Password, &c.Token, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// SetToken overwrites the student's token, invalidating the previous one.
func (r *Repository) SetToken(ctx context.Context, studentID, token string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE student_credentials SET token = $2, updated_at = NOW()
		WHERE student_id = $1
	`, studentID, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
