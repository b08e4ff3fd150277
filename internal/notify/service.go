package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"presence/internal/metrics"
	"presence/internal/queue"
)

// Kind classifies a notification.
type Kind string

const (
	KindDailyAbsence  Kind = "daily_absence"
	KindTeacherReport Kind = "teacher_report"
	KindGeneral       Kind = "general"
)

// Notification is a message for a parent about one of their children.
type Notification struct {
	ID           string     `json:"id"`
	ParentID     string     `json:"parent_id"`
	StudentID    string     `json:"student_id"`
	Kind         Kind       `json:"kind"`
	Day          string     `json:"day"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	IsRead       bool       `json:"is_read"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

// Store is the persistence needed by the deduplicator. Insert must treat the
// (parent, student, kind, day) key as unique: when a row already exists it
// returns that row with created=false.
type Store interface {
	Insert(ctx context.Context, n Notification) (Notification, bool, error)
	ListForParent(ctx context.Context, parentID string) ([]Notification, error)
	MarkRead(ctx context.Context, id string) (*Notification, error)
	MarkAllRead(ctx context.Context, parentID string) (int, error)
}

// Publisher hands created notifications to the dispatch worker.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Service creates parent notifications with per-day deduplication.
type Service struct {
	store Store
	pub   Publisher
	now   func() time.Time
}

// NewService creates the notification service. pub may be nil when no
// dispatch backend is wired (tests, CLI tooling).
func NewService(store Store, pub Publisher) *Service {
	return &Service{store: store, pub: pub, now: time.Now}
}

// CreateDailyAbsence records a daily-absence alert for (student, parent,
// day). Calling it again for the same key returns the stored notification
// unchanged; only an actual insert is announced to the dispatch queue.
func (s *Service) CreateDailyAbsence(ctx context.Context, studentID, parentID, studentName, classroomName, day string) (Notification, bool, error) {
	if studentID == "" || parentID == "" {
		return Notification{}, false, errors.New("student and parent required")
	}
	if day == "" {
		day = s.now().Local().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		return Notification{}, false, fmt.Errorf("invalid day %q: want YYYY-MM-DD", day)
	}
	n := Notification{
		ParentID:  parentID,
		StudentID: studentID,
		Kind:      KindDailyAbsence,
		Day:       day,
		Title:     fmt.Sprintf("Daily Absence Alert - %s", studentName),
		Message:   fmt.Sprintf("Alert: %s was absent today (%s) in %s. Please ensure regular attendance.", studentName, day, classroomName),
	}
	stored, created, err := s.store.Insert(ctx, n)
	if err != nil {
		return Notification{}, false, err
	}
	if created {
		metrics.NotificationsCreated.Inc()
		if s.pub != nil {
			// Dispatch is best effort; the row is the source of truth.
			_ = s.pub.Publish(ctx, queue.Message{Type: "notification", Body: []byte(stored.ID)})
		}
	}
	return stored, created, nil
}

// ListForParent returns a parent's notifications, newest first.
func (s *Service) ListForParent(ctx context.Context, parentID string) ([]Notification, error) {
	return s.store.ListForParent(ctx, parentID)
}

// MarkRead flags one notification read; nil when the id is unknown.
func (s *Service) MarkRead(ctx context.Context, id string) (*Notification, error) {
	return s.store.MarkRead(ctx, id)
}

// MarkAllRead flags every unread notification of a parent, returning the
// count updated.
func (s *Service) MarkAllRead(ctx context.Context, parentID string) (int, error) {
	return s.store.MarkAllRead(ctx, parentID)
}
