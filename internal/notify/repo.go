package notify

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Repository persists notifications in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const notificationColumns = `id, parent_id, student_id, kind, day::text, title, message, is_read, created_at, dispatched_at`

// Insert writes a notification unless the (parent, student, kind, day) key
// already has one; the unique index arbitrates concurrent inserts and the
// loser reads back the winner's row.
func (r *Repository) Insert(ctx context.Context, n Notification) (Notification, bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, parent_id, student_id, kind, day, title, message)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (parent_id, student_id, kind, day) DO NOTHING
		RETURNING created_at
	`, n.ID, n.ParentID, n.StudentID, n.Kind, n.Day, n.Title, n.Message)
	if err := row.Scan(&n.CreatedAt); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return Notification{}, false, err
		}
		existing, ferr := r.find(ctx, n.ParentID, n.StudentID, n.Kind, n.Day)
		if ferr != nil {
			return Notification{}, false, ferr
		}
		if existing == nil {
			return Notification{}, false, errors.New("notification insert lost its row")
		}
		return *existing, false, nil
	}
	return n, true, nil
}

func (r *Repository) find(ctx context.Context, parentID, studentID string, kind Kind, day string) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE parent_id = $1 AND student_id = $2 AND kind = $3 AND day = $4
	`, parentID, studentID, kind, day)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

// Get returns a notification by id, or nil.
func (r *Repository) Get(ctx context.Context, id string) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications WHERE id = $1
	`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

// ListForParent returns a parent's notifications, newest first.
func (r *Repository) ListForParent(ctx context.Context, parentID string) ([]Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE parent_id = $1
		ORDER BY created_at DESC
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Notification
	for rows.Next() {
		var n Notification
		var dispatched sql.NullTime
		if err := rows.Scan(&n.ID, &n.ParentID, &n.StudentID, &n.Kind, &n.Day, &n.Title, &n.Message, &n.IsRead, &n.CreatedAt, &dispatched); err != nil {
			return nil, err
		}
		if dispatched.Valid {
			n.DispatchedAt = &dispatched.Time
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkRead flags one notification read, returning it, or nil when unknown.
func (r *Repository) MarkRead(ctx context.Context, id string) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE notifications SET is_read = TRUE WHERE id = $1
		RETURNING `+notificationColumns, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

// MarkAllRead flags a parent's unread notifications.
func (r *Repository) MarkAllRead(ctx context.Context, parentID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE parent_id = $1 AND NOT is_read
	`, parentID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkDispatched stamps the dispatch time; used by the worker. Returns
// false when another worker already stamped the row.
func (r *Repository) MarkDispatched(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET dispatched_at = NOW()
		WHERE id = $1 AND dispatched_at IS NULL
	`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func scanNotification(row *sql.Row) (Notification, error) {
	var n Notification
	var dispatched sql.NullTime
	if err := row.Scan(&n.ID, &n.ParentID, &n.StudentID, &n.Kind, &n.Day, &n.Title, &n.Message, &n.IsRead, &n.CreatedAt, &dispatched); err != nil {
		return Notification{}, err
	}
	if dispatched.Valid {
		n.DispatchedAt = &dispatched.Time
	}
	return n, nil
}
