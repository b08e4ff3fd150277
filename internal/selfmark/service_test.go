package selfmark

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"presence/internal/credential"
	"presence/internal/directory"
	"presence/internal/geofence"
	"presence/internal/ledger"
	"presence/internal/window"
)

type fixture struct {
	creds   map[string]string // token -> student id
	student *directory.Student
	class   *directory.Classroom
	win     *window.Window
	ledger  *ledger.Service
}

// memLedger is a minimal in-memory ledger.Store with the per-day unique key.
type memLedger struct {
	mu   sync.Mutex
	rows map[string]*ledger.Record
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]*ledger.Record)}
}

func ledgerKey(rec ledger.Record) string {
	return rec.StudentID + "|" + rec.ClassroomID + "|" + rec.TeacherID + "|" + rec.Day
}

func (m *memLedger) Insert(_ context.Context, rec ledger.Record) (ledger.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey(rec)
	if _, ok := m.rows[k]; ok {
		return ledger.Record{}, false, nil
	}
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now()
	cp := rec
	m.rows[k] = &cp
	return rec, true, nil
}

func (m *memLedger) Find(_ context.Context, studentID, classroomID, teacherID, day string) (*ledger.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.rows[studentID+"|"+classroomID+"|"+teacherID+"|"+day]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *memLedger) Update(_ context.Context, id string, present bool, loc *ledger.Location, bumpedAt *time.Time) (ledger.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.rows {
		if rec.ID != id {
			continue
		}
		rec.IsPresent = present
		if loc != nil {
			rec.Location = loc
		}
		if bumpedAt != nil {
			rec.RecordedAt = *bumpedAt
		}
		return *rec, nil
	}
	return ledger.Record{}, errors.New("row not found")
}

func (f *fixture) Resolve(_ context.Context, token string) (*credential.Credential, error) {
	if sid, ok := f.creds[token]; ok {
		return &credential.Credential{StudentID: sid, Token: token}, nil
	}
	return nil, credential.ErrInvalidToken
}

func (f *fixture) StudentByID(_ context.Context, id string) (*directory.Student, error) {
	if f.student != nil && f.student.ID == id {
		return f.student, nil
	}
	return nil, nil
}

func (f *fixture) ClassroomByQR(_ context.Context, qr string) (*directory.Classroom, error) {
	if f.class != nil && f.class.QR == qr {
		return f.class, nil
	}
	return nil, nil
}

func (f *fixture) Active(_ context.Context, classroomID string) (*window.Window, error) {
	if f.win != nil && f.win.ClassroomID == classroomID {
		return f.win, nil
	}
	return nil, nil
}

func ptr(v float64) *float64 { return &v }

func newFixture() (*fixture, *Gateway) {
	classID := "c1"
	f := &fixture{
		creds:   map[string]string{"tok-amina": "s1"},
		student: &directory.Student{ID: "s1", Name: "Amina", QR: "sqr1", ClassroomID: &classID},
		class: &directory.Classroom{
			ID:   classID,
			Name: "5A",
			QR:   "cqr1",
			Zone: geofence.Zone{Lat: ptr(30.0), Lng: ptr(31.0), RadiusMeters: 50},
		},
		win: &window.Window{
			ID:          "w1",
			ClassroomID: classID,
			TeacherID:   "t1",
			OpenedAt:    time.Now(),
			ExpiresAt:   time.Now().Add(10 * time.Minute),
			IsActive:    true,
		},
	}
	store := newMemLedger()
	f.ledger = ledger.NewService(store)
	g := NewGateway(f, f, f, f.ledger)
	return f, g
}

func TestMarkHappyPathAttributesWindowTeacher(t *testing.T) {
	_, g := newFixture()
	rec, err := g.Mark(context.Background(), "tok-amina", "cqr1", ptr(30.0003), ptr(31.0))
	assert.NoError(t, err)
	assert.Equal(t, "t1", rec.TeacherID, "self-marks are attributed to the window's opener")
	assert.True(t, rec.IsPresent)
	assert.NotNil(t, rec.Location)
}

func TestMarkSecondCallBumpsTimestamp(t *testing.T) {
	_, g := newFixture()
	ctx := context.Background()

	first, err := g.Mark(ctx, "tok-amina", "cqr1", ptr(30.0003), ptr(31.0))
	assert.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	second, err := g.Mark(ctx, "tok-amina", "cqr1", ptr(30.0003), ptr(31.0))
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "repeat self-mark must reuse the row")
	assert.True(t, second.RecordedAt.After(first.RecordedAt), "repeat self-mark must bump recorded_at")
}

func TestMarkPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *fixture)
		token   string
		classQR string
		lat     *float64
		lng     *float64
		wantErr error
	}{
		{
			name:    "invalid token",
			token:   "tok-forged",
			classQR: "cqr1",
			lat:     ptr(30.0), lng: ptr(31.0),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "student without classroom",
			mutate:  func(f *fixture) { f.student.ClassroomID = nil },
			token:   "tok-amina",
			classQR: "cqr1",
			lat:     ptr(30.0), lng: ptr(31.0),
			wantErr: ErrStudentNoClass,
		},
		{
			name:    "unknown classroom qr",
			token:   "tok-amina",
			classQR: "cqr-nope",
			lat:     ptr(30.0), lng: ptr(31.0),
			wantErr: ErrClassroomNotFound,
		},
		{
			name: "wrong classroom",
			mutate: func(f *fixture) {
				other := "c2"
				f.student.ClassroomID = &other
			},
			token:   "tok-amina",
			classQR: "cqr1",
			lat:     ptr(30.0), lng: ptr(31.0),
			wantErr: ErrWrongClass,
		},
		{
			name:    "no active window",
			mutate:  func(f *fixture) { f.win = nil },
			token:   "tok-amina",
			classQR: "cqr1",
			lat:     ptr(30.0), lng: ptr(31.0),
			wantErr: ErrNoActiveWindow,
		},
		{
			name:    "outside geofence",
			token:   "tok-amina",
			classQR: "cqr1",
			lat:     ptr(30.005), lng: ptr(31.0),
			wantErr: ErrOutsideGeofence,
		},
		{
			name:    "missing point against configured zone",
			token:   "tok-amina",
			classQR: "cqr1",
			wantErr: ErrOutsideGeofence,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, g := newFixture()
			if tt.mutate != nil {
				tt.mutate(f)
			}
			_, err := g.Mark(context.Background(), tt.token, tt.classQR, tt.lat, tt.lng)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Mark() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMarkUnfencedClassroomSkipsLocation(t *testing.T) {
	f, g := newFixture()
	f.class.Zone = geofence.Zone{}
	rec, err := g.Mark(context.Background(), "tok-amina", "cqr1", nil, nil)
	assert.NoError(t, err, "unfenced classrooms admit marks without a location")
	assert.Nil(t, rec.Location)
}

func TestStatusFor(t *testing.T) {
	f, g := newFixture()
	ctx := context.Background()

	st, err := g.StatusFor(ctx, "tok-amina", "cqr1")
	assert.NoError(t, err)
	assert.True(t, st.Enabled)
	if assert.NotNil(t, st.ExpiresAt) {
		assert.Equal(t, f.win.ExpiresAt, *st.ExpiresAt)
	}

	f.win = nil
	st, err = g.StatusFor(ctx, "tok-amina", "cqr1")
	assert.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Nil(t, st.ExpiresAt)

	_, err = g.StatusFor(ctx, "tok-forged", "cqr1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = g.StatusFor(ctx, "tok-amina", "cqr-nope")
	assert.ErrorIs(t, err, ErrClassroomNotFound)
}
