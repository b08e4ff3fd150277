package window

import (
	"context"
	"errors"
	"time"
)

const (
	minMinutes = 1
	maxMinutes = 30
)

// Window is a teacher-granted period during which students may record their
// own presence for a classroom.
type Window struct {
	ID          string    `json:"id"`
	ClassroomID string    `json:"classroom_id"`
	TeacherID   string    `json:"teacher_id"`
	OpenedAt    time.Time `json:"opened_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsActive    bool      `json:"is_active"`
}

// Store is the persistence needed by the manager. Replace must deactivate
// every active window for the classroom and insert the new one as a single
// atomic unit.
type Store interface {
	Replace(ctx context.Context, w Window) (Window, int, error)
	Deactivate(ctx context.Context, classroomID string, at time.Time) (int, error)
	Active(ctx context.Context, classroomID string, now time.Time) (*Window, error)
}

// Service maintains the at-most-one-active-window-per-classroom invariant.
// Opens are last-writer-wins: a new window silently displaces the old one.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates the window manager.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Open starts a window for the classroom. Minutes are clamped to [1, 30];
// too short is unusable, too long leaves self-marking open unattended.
// Returns the new window and how many prior windows it displaced.
func (s *Service) Open(ctx context.Context, classroomID, teacherID string, minutes int) (Window, int, error) {
	if classroomID == "" || teacherID == "" {
		return Window{}, 0, errors.New("classroom and teacher required")
	}
	if minutes < minMinutes {
		minutes = minMinutes
	}
	if minutes > maxMinutes {
		minutes = maxMinutes
	}
	now := s.now()
	w := Window{
		ClassroomID: classroomID,
		TeacherID:   teacherID,
		OpenedAt:    now,
		ExpiresAt:   now.Add(time.Duration(minutes) * time.Minute),
		IsActive:    true,
	}
	return s.store.Replace(ctx, w)
}

// Close deactivates any active windows for the classroom, stamping their
// expiry to now for observability. Returns the number closed.
func (s *Service) Close(ctx context.Context, classroomID string) (int, error) {
	if classroomID == "" {
		return 0, errors.New("classroom required")
	}
	return s.store.Deactivate(ctx, classroomID, s.now())
}

// Active returns the classroom's usable window, or nil. A window whose expiry
// has passed is inactive regardless of its stored flag: nothing guarantees
// the flag was flipped, so the time check is applied here on every read.
func (s *Service) Active(ctx context.Context, classroomID string) (*Window, error) {
	return s.store.Active(ctx, classroomID, s.now())
}
