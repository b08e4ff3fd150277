package request

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"presence/internal/ledger"
)

// Repository persists attendance requests in Postgres. It carries the ledger
// repository so an approval and its attendance write commit in the same
// transaction.
type Repository struct {
	db     *sql.DB
	ledger *ledger.Repository
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB, lg *ledger.Repository) *Repository {
	return &Repository{db: db, ledger: lg}
}

const requestColumns = `id, student_id, classroom_id, status, method, student_lat, student_lng, metadata, day::text, created_at, expires_at, approved_by, approved_at`

// Insert writes a new request unless a pending one already exists for the
// (student, classroom, day) key; the partial unique index arbitrates
// concurrent submissions and the loser reads back the winner's row.
func (r *Repository) Insert(ctx context.Context, req Request) (Request, bool, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	var lat, lng *float64
	if req.Location != nil {
		lat, lng = &req.Location.Lat, &req.Location.Lng
	}
	var meta []byte
	if req.Metadata != nil {
		var err error
		if meta, err = json.Marshal(req.Metadata); err != nil {
			return Request{}, false, err
		}
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_requests (id, student_id, classroom_id, status, method, student_lat, student_lng, metadata, day, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (student_id, classroom_id, day) WHERE status = 'pending' DO NOTHING
		RETURNING created_at
	`, req.ID, req.StudentID, req.ClassroomID, req.Status, req.Method, lat, lng, meta, req.Day, req.CreatedAt, req.ExpiresAt)
	if err := row.Scan(&req.CreatedAt); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return Request{}, false, err
		}
		existing, ferr := r.PendingForDay(ctx, req.StudentID, req.ClassroomID, req.Day)
		if ferr != nil {
			return Request{}, false, ferr
		}
		if existing == nil {
			return Request{}, false, errors.New("request insert lost its row")
		}
		return *existing, false, nil
	}
	return req, true, nil
}

// Get returns a request by id, or nil.
func (r *Repository) Get(ctx context.Context, id string) (*Request, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM attendance_requests WHERE id = $1
	`, id)
	return scanRequest(row)
}

// PendingForDay returns the student's pending request for the classroom on
// the given day, or nil.
func (r *Repository) PendingForDay(ctx context.Context, studentID, classroomID, day string) (*Request, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM attendance_requests
		WHERE student_id = $1 AND classroom_id = $2 AND day = $3 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`, studentID, classroomID, day)
	return scanRequest(row)
}

// Expire flips a still-pending request to expired.
func (r *Repository) Expire(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_requests SET status = 'expired'
		WHERE id = $1 AND status = 'pending'
	`, id)
	return err
}

// Claim transitions a pending request to a terminal status and runs admit
// against a ledger bound to the same transaction. The WHERE guard makes the
// transition a compare-and-set, so of two concurrent claims exactly one
// sees an affected row; a failed admit rolls the whole claim back and the
// request stays pending.
func (r *Repository) Claim(ctx context.Context, id string, status Status, teacherID string, at time.Time, admit func(rec Recorder) error) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE attendance_requests
		SET status = $2, approved_by = $3, approved_at = $4
		WHERE id = $1 AND status = 'pending'
	`, id, status, teacherID, at)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}

	if admit != nil {
		if err := admit(ledger.NewService(r.ledger.WithTx(tx))); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// PendingForTeacher lists the day's pending requests whose classroom has
// attendance history for the teacher.
func (r *Repository) PendingForTeacher(ctx context.Context, teacherID, day string) ([]Request, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM attendance_requests
		WHERE status = 'pending'
		  AND day = $2
		  AND classroom_id IN (
			SELECT DISTINCT classroom_id FROM attendance_records WHERE teacher_id = $1
		  )
		ORDER BY created_at DESC
	`, teacherID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Request
	for rows.Next() {
		req, err := scanRequestRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row *sql.Row) (*Request, error) {
	req, err := scanRequestRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func scanRequestRow(row rowScanner) (Request, error) {
	var req Request
	var lat, lng sql.NullFloat64
	var meta []byte
	var approvedBy sql.NullString
	var approvedAt sql.NullTime
	if err := row.Scan(&req.ID, &req.StudentID, &req.ClassroomID, &req.Status, &req.Method, &lat, &lng, &meta, &req.Day, &req.CreatedAt, &req.ExpiresAt, &approvedBy, &approvedAt); err != nil {
		return Request{}, err
	}
	if lat.Valid && lng.Valid {
		req.Location = &ledger.Location{Lat: lat.Float64, Lng: lng.Float64}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &req.Metadata); err != nil {
			return Request{}, err
		}
	}
	if approvedBy.Valid {
		req.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		req.ApprovedAt = &approvedAt.Time
	}
	return req, nil
}
