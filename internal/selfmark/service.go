package selfmark

import (
	"context"
	"errors"
	"time"

	"presence/internal/credential"
	"presence/internal/directory"
	"presence/internal/ledger"
	"presence/internal/window"
)

var (
	ErrInvalidToken      = credential.ErrInvalidToken
	ErrStudentNoClass    = errors.New("student has no classroom assigned")
	ErrClassroomNotFound = errors.New("classroom not found")
	ErrWrongClass        = errors.New("student does not belong to this classroom")
	ErrNoActiveWindow    = errors.New("self attendance is not open for this classroom")
	ErrOutsideGeofence   = errors.New("location outside classroom zone")
)

// Credentials resolves student bearer tokens.
type Credentials interface {
	Resolve(ctx context.Context, token string) (*credential.Credential, error)
}

// Directory resolves school entities.
type Directory interface {
	StudentByID(ctx context.Context, id string) (*directory.Student, error)
	ClassroomByQR(ctx context.Context, qr string) (*directory.Classroom, error)
}

// Windows reports the active self-attendance window for a classroom.
type Windows interface {
	Active(ctx context.Context, classroomID string) (*window.Window, error)
}

// Recorder writes admitted presence into the ledger.
type Recorder interface {
	Record(ctx context.Context, studentID, classroomID, teacherID string, present bool, loc *ledger.Location, bump bool) (ledger.Record, bool, error)
}

// Status is the live-polling view of a classroom's self-mark availability.
type Status struct {
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Gateway validates a student token, the active window and the geofence,
// then writes through the ledger. It bypasses the request workflow entirely.
type Gateway struct {
	creds   Credentials
	dir     Directory
	windows Windows
	ledger  Recorder
}

// NewGateway creates the self-mark gateway.
func NewGateway(creds Credentials, dir Directory, windows Windows, ledger Recorder) *Gateway {
	return &Gateway{creds: creds, dir: dir, windows: windows, ledger: ledger}
}

// Mark records the student present in their own classroom. The write is
// attributed to the teacher who opened the window, never to the student;
// repeats on the same day update the row's timestamp instead of duplicating.
func (g *Gateway) Mark(ctx context.Context, token, classQR string, lat, lng *float64) (ledger.Record, error) {
	cred, err := g.creds.Resolve(ctx, token)
	if err != nil {
		return ledger.Record{}, err
	}

	student, err := g.dir.StudentByID(ctx, cred.StudentID)
	if err != nil {
		return ledger.Record{}, err
	}
	if student == nil || student.ClassroomID == nil {
		return ledger.Record{}, ErrStudentNoClass
	}

	classroom, err := g.dir.ClassroomByQR(ctx, classQR)
	if err != nil {
		return ledger.Record{}, err
	}
	if classroom == nil {
		return ledger.Record{}, ErrClassroomNotFound
	}
	if classroom.ID != *student.ClassroomID {
		return ledger.Record{}, ErrWrongClass
	}

	win, err := g.windows.Active(ctx, classroom.ID)
	if err != nil {
		return ledger.Record{}, err
	}
	if win == nil {
		return ledger.Record{}, ErrNoActiveWindow
	}

	if !classroom.Zone.Contains(lat, lng) {
		return ledger.Record{}, ErrOutsideGeofence
	}

	var loc *ledger.Location
	if lat != nil && lng != nil {
		loc = &ledger.Location{Lat: *lat, Lng: *lng}
	}
	rec, _, err := g.ledger.Record(ctx, student.ID, classroom.ID, win.TeacherID, true, loc, true)
	return rec, err
}

// StatusFor reports whether self-marking is open for the classroom resolved
// by QR. The token must still resolve, but any valid student may poll.
func (g *Gateway) StatusFor(ctx context.Context, token, classQR string) (Status, error) {
	if _, err := g.creds.Resolve(ctx, token); err != nil {
		return Status{}, err
	}
	classroom, err := g.dir.ClassroomByQR(ctx, classQR)
	if err != nil {
		return Status{}, err
	}
	if classroom == nil {
		return Status{}, ErrClassroomNotFound
	}
	win, err := g.windows.Active(ctx, classroom.ID)
	if err != nil {
		return Status{}, err
	}
	if win == nil {
		return Status{}, nil
	}
	return Status{Enabled: true, ExpiresAt: &win.ExpiresAt}, nil
}
