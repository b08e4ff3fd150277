package request

import (
	"context"
	"errors"
	"time"

	"presence/internal/geofence"
	"presence/internal/ledger"
)

// Status is a request's lifecycle state. Requests start pending and end in
// exactly one terminal state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Method is how the student claims presence.
type Method string

const (
	MethodGPS  Method = "gps"
	MethodQR   Method = "qr"
	MethodWiFi Method = "wifi"
)

// requestTTL is how long a submitted request stays approvable. There is no
// configuration surface for it.
const requestTTL = 10 * time.Minute

var (
	ErrNotFound        = errors.New("request not found")
	ErrInvalidStatus   = errors.New("request is not pending")
	ErrExpired         = errors.New("request expired")
	ErrApprovalFailed  = errors.New("approval failed: location outside classroom zone")
	ErrOutsideGeofence = errors.New("location outside classroom zone")
	ErrInvalidMethod   = errors.New("unknown attendance method")
)

// Request is a student-submitted attendance claim awaiting teacher action.
type Request struct {
	ID          string           `json:"id"`
	StudentID   string           `json:"student_id"`
	ClassroomID string           `json:"classroom_id"`
	Status      Status           `json:"status"`
	Method      Method           `json:"method"`
	Location    *ledger.Location `json:"location,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Day         string           `json:"day"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	ApprovedBy  *string          `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time       `json:"approved_at,omitempty"`
}

// Store is the persistence needed by the workflow. Insert must arbitrate
// concurrent submissions on the (student, classroom, day, pending) key and
// hand the loser the winner's row. Claim must run the guarded pending-to-
// terminal transition and the admit callback as one atomic unit: if admit
// fails nothing is committed and the request stays pending.
type Store interface {
	Insert(ctx context.Context, req Request) (Request, bool, error)
	Get(ctx context.Context, id string) (*Request, error)
	PendingForDay(ctx context.Context, studentID, classroomID, day string) (*Request, error)
	Expire(ctx context.Context, id string) error
	Claim(ctx context.Context, id string, status Status, teacherID string, at time.Time, admit func(rec Recorder) error) (bool, error)
	PendingForTeacher(ctx context.Context, teacherID, day string) ([]Request, error)
}

// Recorder admits an approved student into the attendance ledger.
type Recorder interface {
	Record(ctx context.Context, studentID, classroomID, teacherID string, present bool, loc *ledger.Location, bump bool) (ledger.Record, bool, error)
}

// Zones resolves a classroom's geofence.
type Zones interface {
	ZoneFor(ctx context.Context, classroomID string) (geofence.Zone, error)
}

// Service runs the pending/approved/denied/expired state machine.
type Service struct {
	store Store
	zones Zones
	now   func() time.Time
}

// NewService creates the workflow service.
func NewService(store Store, zones Zones) *Service {
	return &Service{store: store, zones: zones, now: time.Now}
}

// Create submits a request. Submitting again while a pending request from
// today exists returns that request (created=false) instead of a duplicate.
// GPS submissions get an advisory geofence check up front so an obviously
// out-of-zone claim never creates a row; the authoritative check runs again
// at approval time because the student may move before a teacher acts.
func (s *Service) Create(ctx context.Context, studentID, classroomID string, method Method, loc *ledger.Location, metadata map[string]any) (Request, bool, error) {
	if studentID == "" || classroomID == "" {
		return Request{}, false, errors.New("student and classroom required")
	}
	switch method {
	case MethodGPS, MethodQR, MethodWiFi:
	default:
		return Request{}, false, ErrInvalidMethod
	}

	now := s.now()
	if method == MethodGPS {
		zone, err := s.zones.ZoneFor(ctx, classroomID)
		if err != nil {
			return Request{}, false, err
		}
		if !zoneContains(zone, loc) {
			return Request{}, false, ErrOutsideGeofence
		}
	}

	day := dayKey(now)
	if existing, err := s.store.PendingForDay(ctx, studentID, classroomID, day); err != nil {
		return Request{}, false, err
	} else if existing != nil {
		return *existing, false, nil
	}

	req := Request{
		StudentID:   studentID,
		ClassroomID: classroomID,
		Status:      StatusPending,
		Method:      method,
		Location:    loc,
		Metadata:    metadata,
		Day:         day,
		CreatedAt:   now,
		ExpiresAt:   now.Add(requestTTL),
	}
	return s.store.Insert(ctx, req)
}

// Approve moves a pending request to approved and admits the student into
// the ledger. Access past the deadline flips the request to expired here;
// there is no background sweep. A failed geofence recheck leaves the request
// pending so the teacher can retry or deny manually.
func (s *Service) Approve(ctx context.Context, requestID, teacherID string) (Request, error) {
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req == nil {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return *req, ErrInvalidStatus
	}

	now := s.now()
	if req.ExpiresAt.Before(now) {
		if err := s.store.Expire(ctx, requestID); err != nil {
			return Request{}, err
		}
		req.Status = StatusExpired
		return *req, ErrExpired
	}

	if req.Method == MethodGPS {
		zone, err := s.zones.ZoneFor(ctx, req.ClassroomID)
		if err != nil {
			return Request{}, err
		}
		if zone.Configured() && !zoneContains(zone, req.Location) {
			return *req, ErrApprovalFailed
		}
	}

	ok, err := s.store.Claim(ctx, requestID, StatusApproved, teacherID, now, func(rec Recorder) error {
		_, _, err := rec.Record(ctx, req.StudentID, req.ClassroomID, teacherID, true, req.Location, false)
		return err
	})
	if err != nil {
		// Nothing committed; the request is still pending and the teacher
		// can retry.
		return Request{}, err
	}
	if !ok {
		// Another caller got there first.
		return *req, ErrInvalidStatus
	}

	req.Status = StatusApproved
	req.ApprovedBy = &teacherID
	req.ApprovedAt = &now
	return *req, nil
}

// Deny moves a pending request to denied. No expiry check: a teacher may
// deny an expired-looking but still-pending request directly, and there is
// no ledger interaction.
func (s *Service) Deny(ctx context.Context, requestID, teacherID string) (Request, error) {
	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req == nil {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return *req, ErrInvalidStatus
	}
	now := s.now()
	ok, err := s.store.Claim(ctx, requestID, StatusDenied, teacherID, now, nil)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return *req, ErrInvalidStatus
	}
	req.Status = StatusDenied
	req.ApprovedBy = &teacherID
	req.ApprovedAt = &now
	return *req, nil
}

// PendingForTeacher lists today's pending requests in classrooms where the
// teacher has recorded attendance before.
func (s *Service) PendingForTeacher(ctx context.Context, teacherID string) ([]Request, error) {
	return s.store.PendingForTeacher(ctx, teacherID, dayKey(s.now()))
}

func zoneContains(zone geofence.Zone, loc *ledger.Location) bool {
	if loc == nil {
		return zone.Contains(nil, nil)
	}
	return zone.Contains(&loc.Lat, &loc.Lng)
}

// dayKey returns the local calendar day containing t.
func dayKey(t time.Time) string {
	return t.Local().Format("2006-01-02")
}
