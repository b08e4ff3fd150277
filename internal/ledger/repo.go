package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// querier is satisfied by *sql.DB and *sql.Tx so the repository can run
// inside a caller's transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository persists attendance records in Postgres.
type Repository struct {
	db querier
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

// Insert writes a new record unless one already exists for the day key.
// The partial insert is resolved by the unique index, so two concurrent
// callers can both attempt it and exactly one will create the row.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var lat, lng *float64
	if rec.Location != nil {
		lat, lng = &rec.Location.Lat, &rec.Location.Lng
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, classroom_id, teacher_id, day, is_present, student_lat, student_lng, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (student_id, classroom_id, teacher_id, day) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.ClassroomID, rec.TeacherID, rec.Day, rec.IsPresent, lat, lng, rec.RecordedAt)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

// Find returns the record for the day key, or nil.
func (r *Repository) Find(ctx context.Context, studentID, classroomID, teacherID, day string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, classroom_id, teacher_id, day::text, is_present, student_lat, student_lng, recorded_at, created_at
		FROM attendance_records
		WHERE student_id = $1 AND classroom_id = $2 AND teacher_id = $3 AND day = $4
	`, studentID, classroomID, teacherID, day)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Update flips the presence flag and, when bumpedAt is set, refreshes the
// recorded_at timestamp and stored location.
func (r *Repository) Update(ctx context.Context, id string, present bool, loc *Location, bumpedAt *time.Time) (Record, error) {
	var lat, lng *float64
	if loc != nil {
		lat, lng = &loc.Lat, &loc.Lng
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET is_present = $2,
		    student_lat = COALESCE($3, student_lat),
		    student_lng = COALESCE($4, student_lng),
		    recorded_at = COALESCE($5, recorded_at)
		WHERE id = $1
		RETURNING id, student_id, classroom_id, teacher_id, day::text, is_present, student_lat, student_lng, recorded_at, created_at
	`, id, present, lat, lng, bumpedAt)
	return scanRecord(row)
}

// ListForDay returns a classroom's records for one day, newest action first.
func (r *Repository) ListForDay(ctx context.Context, classroomID, day string) ([]Record, error) {
	db, ok := r.db.(*sql.DB)
	if !ok {
		return nil, errors.New("list requires a db handle")
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, student_id, classroom_id, teacher_id, day::text, is_present, student_lat, student_lng, recorded_at, created_at
		FROM attendance_records
		WHERE classroom_id = $1 AND day = $2
		ORDER BY recorded_at DESC
	`, classroomID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.ClassroomID, &rec.TeacherID, &rec.Day, &rec.IsPresent, &lat, &lng, &rec.RecordedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if lat.Valid && lng.Valid {
			rec.Location = &Location{Lat: lat.Float64, Lng: lng.Float64}
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanRecord(row *sql.Row) (Record, error) {
	var rec Record
	var lat, lng sql.NullFloat64
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.ClassroomID, &rec.TeacherID, &rec.Day, &rec.IsPresent, &lat, &lng, &rec.RecordedAt, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	if lat.Valid && lng.Valid {
		rec.Location = &Location{Lat: lat.Float64, Lng: lng.Float64}
	}
	return rec, nil
}
