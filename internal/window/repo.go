package window

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists self-attendance windows in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Replace deactivates all active windows for the classroom and inserts the
// new one in a single transaction. The advisory lock serializes concurrent
// opens on the classroom id; row locks alone cannot, since an open with no
// pre-existing active row has no row to block on and two opens would both
// commit active windows.
func (r *Repository) Replace(ctx context.Context, w Window) (Window, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Window{}, 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		SELECT pg_advisory_xact_lock(hashtext($1))
	`, w.ClassroomID); err != nil {
		return Window{}, 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE self_windows SET is_active = FALSE
		WHERE classroom_id = $1 AND is_active
	`, w.ClassroomID)
	if err != nil {
		return Window{}, 0, err
	}
	displaced, _ := res.RowsAffected()

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO self_windows (id, classroom_id, teacher_id, opened_at, expires_at, is_active)
		VALUES ($1,$2,$3,$4,$5,TRUE)
	`, w.ID, w.ClassroomID, w.TeacherID, w.OpenedAt, w.ExpiresAt); err != nil {
		return Window{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return Window{}, 0, err
	}
	return w, int(displaced), nil
}

// Deactivate closes active windows immediately, pulling their expiry back to
// the close time.
func (r *Repository) Deactivate(ctx context.Context, classroomID string, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE self_windows SET is_active = FALSE, expires_at = $2
		WHERE classroom_id = $1 AND is_active
	`, classroomID, at)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Active returns the most recently opened window that is both flagged active
// and not yet past its expiry.
func (r *Repository) Active(ctx context.Context, classroomID string, now time.Time) (*Window, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, classroom_id, teacher_id, opened_at, expires_at, is_active
		FROM self_windows
		WHERE classroom_id = $1 AND is_active AND expires_at > $2
		ORDER BY opened_at DESC
		LIMIT 1
	`, classroomID, now)
	var w Window
	if err := row.Scan(&w.ID, &w.ClassroomID, &w.TeacherID, &w.OpenedAt, &w.ExpiresAt, &w.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}
