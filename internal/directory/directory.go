// Package directory resolves QR codes and ids to the school entities owned
// by the surrounding CRUD layer. The core components consume it read-only.
package directory

import (
	"context"
	"database/sql"
	"errors"

	"presence/internal/geofence"
)

// Classroom is a class with an optional geofence.
type Classroom struct {
	ID   string        `json:"id"`
	Name string        `json:"name"`
	QR   string        `json:"qr_code"`
	Zone geofence.Zone `json:"-"`
}

// Student belongs to at most one classroom; the link is nullable during
// transfers.
type Student struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	QR          string  `json:"qr_code"`
	ClassroomID *string `json:"classroom_id,omitempty"`
}

// Teacher is a staff login.
type Teacher struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"-"`
	Name     string `json:"name"`
}

// Repository reads school entities from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ClassroomByQR resolves a classroom QR code, or nil.
func (r *Repository) ClassroomByQR(ctx context.Context, qr string) (*Classroom, error) {
	return r.classroom(ctx, `qr_code = $1`, qr)
}

// ClassroomByID resolves a classroom id, or nil.
func (r *Repository) ClassroomByID(ctx context.Context, id string) (*Classroom, error) {
	return r.classroom(ctx, `id = $1`, id)
}

func (r *Repository) classroom(ctx context.Context, where string, arg any) (*Classroom, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, qr_code, latitude, longitude, radius_meters
		FROM classrooms WHERE `+where, arg)
	var c Classroom
	var lat, lng sql.NullFloat64
	if err := row.Scan(&c.ID, &c.Name, &c.QR, &lat, &lng, &c.Zone.RadiusMeters); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lat.Valid {
		c.Zone.Lat = &lat.Float64
	}
	if lng.Valid {
		c.Zone.Lng = &lng.Float64
	}
	return &c, nil
}

// ZoneFor returns the geofence of a classroom. Unknown classrooms get an
// unset zone, which admits everything; resolution failures belong to the
// caller that looked the classroom up.
func (r *Repository) ZoneFor(ctx context.Context, classroomID string) (geofence.Zone, error) {
	c, err := r.ClassroomByID(ctx, classroomID)
	if err != nil {
		return geofence.Zone{}, err
	}
	if c == nil {
		return geofence.Zone{}, nil
	}
	return c.Zone, nil
}

// StudentByQR resolves a student QR code, or nil.
func (r *Repository) StudentByQR(ctx context.Context, qr string) (*Student, error) {
	return r.student(ctx, `qr_code = $1`, qr)
}

// StudentByID resolves a student id, or nil.
func (r *Repository) StudentByID(ctx context.Context, id string) (*Student, error) {
	return r.student(ctx, `id = $1`, id)
}

func (r *Repository) student(ctx context.Context, where string, arg any) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, qr_code, classroom_id
		FROM students WHERE `+where, arg)
	var s Student
	var classroomID sql.NullString
	if err := row.Scan(&s.ID, &s.Name, &s.QR, &classroomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if classroomID.Valid {
		s.ClassroomID = &classroomID.String
	}
	return &s, nil
}

// TeacherByUsername resolves a teacher login, or nil. The password column
// holds a bcrypt hash.
func (r *Repository) TeacherByUsername(ctx context.Context, username string) (*Teacher, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, username, password, name FROM teachers WHERE username = $1
	`, username)
	var t Teacher
	if err := row.Scan(&t.ID, &t.Username, &t.Password, &t.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ParentIDsOfStudent lists the parents linked to a student.
func (r *Repository) ParentIDsOfStudent(ctx context.Context, studentID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT parent_id FROM parent_children WHERE student_id = $1
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
