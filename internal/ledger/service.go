package ledger

import (
	"context"
	"errors"
	"time"
)

// Location is an optional recorded student position.
type Location struct {
	Lat float64
	Lng float64
}

// Record is one attendance row; at most one exists per
// (student, classroom, teacher, local calendar day).
type Record struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	ClassroomID string    `json:"classroom_id"`
	TeacherID   string    `json:"teacher_id"`
	Day         string    `json:"day"`
	IsPresent   bool      `json:"is_present"`
	Location    *Location `json:"location,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence needed by the ledger. Insert must be atomic with
// respect to the per-day unique key: when the key already exists it reports
// created=false instead of adding a row.
type Store interface {
	Insert(ctx context.Context, rec Record) (Record, bool, error)
	Find(ctx context.Context, studentID, classroomID, teacherID, day string) (*Record, error)
	Update(ctx context.Context, id string, present bool, loc *Location, bumpedAt *time.Time) (Record, error)
}

// Service enforces the one-record-per-day invariant with idempotent writes.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates the ledger service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// DayKey returns the local calendar date used to partition ledger rows.
func (s *Service) DayKey() string {
	return s.now().Local().Format("2006-01-02")
}

// Record admits a presence event. The first event of the day creates the row
// (created=true); later events update the presence flag when it changed, and
// bump the recorded_at timestamp when bump is set (self-mark path) so live
// feeds see the latest action. Identical repeats without bump are no-ops.
func (s *Service) Record(ctx context.Context, studentID, classroomID, teacherID string, present bool, loc *Location, bump bool) (Record, bool, error) {
	if studentID == "" || classroomID == "" || teacherID == "" {
		return Record{}, false, errors.New("student, classroom and teacher required")
	}
	now := s.now()
	rec := Record{
		StudentID:   studentID,
		ClassroomID: classroomID,
		TeacherID:   teacherID,
		Day:         s.DayKey(),
		IsPresent:   present,
		Location:    loc,
		RecordedAt:  now,
	}
	inserted, created, err := s.store.Insert(ctx, rec)
	if err != nil {
		return Record{}, false, err
	}
	if created {
		return inserted, true, nil
	}

	existing, err := s.store.Find(ctx, studentID, classroomID, teacherID, rec.Day)
	if err != nil {
		return Record{}, false, err
	}
	if existing == nil {
		// Lost a race against a delete; treat the retried insert as authoritative.
		inserted, _, err = s.store.Insert(ctx, rec)
		return inserted, true, err
	}
	if existing.IsPresent == present && !bump {
		return *existing, false, nil
	}
	var bumpedAt *time.Time
	if bump {
		bumpedAt = &now
	}
	updated, err := s.store.Update(ctx, existing.ID, present, loc, bumpedAt)
	if err != nil {
		return Record{}, false, err
	}
	return updated, false, nil
}

// MarkAbsent records an explicit absence. Unlike Record it never flips an
// existing row: if attendance was already taken today the stored row is
// returned untouched.
func (s *Service) MarkAbsent(ctx context.Context, studentID, classroomID, teacherID string) (Record, bool, error) {
	if studentID == "" || classroomID == "" || teacherID == "" {
		return Record{}, false, errors.New("student, classroom and teacher required")
	}
	rec := Record{
		StudentID:   studentID,
		ClassroomID: classroomID,
		TeacherID:   teacherID,
		Day:         s.DayKey(),
		IsPresent:   false,
		RecordedAt:  s.now(),
	}
	inserted, created, err := s.store.Insert(ctx, rec)
	if err != nil {
		return Record{}, false, err
	}
	if created {
		return inserted, true, nil
	}
	existing, err := s.store.Find(ctx, studentID, classroomID, teacherID, rec.Day)
	if err != nil {
		return Record{}, false, err
	}
	if existing == nil {
		inserted, _, err = s.store.Insert(ctx, rec)
		return inserted, true, err
	}
	return *existing, false, nil
}
