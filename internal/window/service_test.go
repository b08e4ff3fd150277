package window

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type memStore struct {
	mu      sync.Mutex
	windows []*Window
}

// Replace runs whole under the mutex, matching the repository's per-classroom
// advisory lock: concurrent opens execute one at a time.
func (m *memStore) Replace(_ context.Context, w Window) (Window, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	displaced := 0
	for _, old := range m.windows {
		if old.ClassroomID == w.ClassroomID && old.IsActive {
			old.IsActive = false
			displaced++
		}
	}
	w.ID = uuid.NewString()
	cp := w
	m.windows = append(m.windows, &cp)
	return w, displaced, nil
}

func (m *memStore) Deactivate(_ context.Context, classroomID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.windows {
		if w.ClassroomID == classroomID && w.IsActive {
			w.IsActive = false
			w.ExpiresAt = at
			n++
		}
	}
	return n, nil
}

func (m *memStore) Active(_ context.Context, classroomID string, now time.Time) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Window
	for _, w := range m.windows {
		if w.ClassroomID != classroomID || !w.IsActive || !w.ExpiresAt.After(now) {
			continue
		}
		if best == nil || w.OpenedAt.After(best.OpenedAt) {
			best = w
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) activeCount(classroomID string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.windows {
		if w.ClassroomID == classroomID && w.IsActive && w.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}

func TestOpenClampsMinutes(t *testing.T) {
	store := &memStore{}
	svc := NewService(store)
	base := time.Date(2025, 9, 16, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	tests := []struct {
		name    string
		minutes int
		want    time.Duration
	}{
		{name: "below floor", minutes: 0, want: time.Minute},
		{name: "negative", minutes: -5, want: time.Minute},
		{name: "in range", minutes: 10, want: 10 * time.Minute},
		{name: "above ceiling", minutes: 90, want: 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, err := svc.Open(context.Background(), "c1", "t1", tt.minutes)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if got := w.ExpiresAt.Sub(w.OpenedAt); got != tt.want {
				t.Errorf("window length = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpenDisplacesPrior(t *testing.T) {
	store := &memStore{}
	svc := NewService(store)
	base := time.Date(2025, 9, 16, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	ctx := context.Background()

	first, displaced, err := svc.Open(ctx, "c1", "t1", 10)
	if err != nil || displaced != 0 {
		t.Fatalf("first Open() = (%v, %d), want no displacement", err, displaced)
	}

	svc.now = func() time.Time { return base.Add(time.Minute) }
	second, displaced, err := svc.Open(ctx, "c1", "t2", 10)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if displaced != 1 {
		t.Errorf("second Open() displaced %d, want 1", displaced)
	}

	active, err := svc.Active(ctx, "c1")
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if active == nil || active.ID != second.ID {
		t.Errorf("Active() = %+v, want the second window", active)
	}
	if active.ID == first.ID {
		t.Error("displaced window still reported active")
	}
	if n := store.activeCount("c1", base.Add(time.Minute)); n != 1 {
		t.Errorf("%d active windows, want exactly 1", n)
	}
}

func TestActiveAppliesTimeCheck(t *testing.T) {
	store := &memStore{}
	svc := NewService(store)
	base := time.Date(2025, 9, 16, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	ctx := context.Background()

	if _, _, err := svc.Open(ctx, "c1", "t1", 10); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// Past expiry the flag is still TRUE in the store, but reads must treat
	// the window as closed.
	svc.now = func() time.Time { return base.Add(11 * time.Minute) }
	active, err := svc.Active(ctx, "c1")
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if active != nil {
		t.Errorf("expired window reported active: %+v", active)
	}
}

func TestCloseStampsExpiry(t *testing.T) {
	store := &memStore{}
	svc := NewService(store)
	base := time.Date(2025, 9, 16, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	ctx := context.Background()

	w, _, _ := svc.Open(ctx, "c1", "t1", 30)
	closeAt := base.Add(2 * time.Minute)
	svc.now = func() time.Time { return closeAt }

	n, err := svc.Close(ctx, "c1")
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Close() closed %d, want 1", n)
	}
	store.mu.Lock()
	got := *store.windows[0]
	store.mu.Unlock()
	if got.ID == w.ID && !got.ExpiresAt.Equal(closeAt) {
		t.Errorf("closed window expiry = %v, want %v", got.ExpiresAt, closeAt)
	}

	if active, _ := svc.Active(ctx, "c1"); active != nil {
		t.Error("closed window still active")
	}
}

func TestConcurrentOpensLeaveOneActive(t *testing.T) {
	store := &memStore{}
	svc := NewService(store)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.Open(ctx, "c1", "t1", 10); err != nil {
				t.Errorf("Open() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := store.activeCount("c1", time.Now()); got != 1 {
		t.Errorf("%d active windows after concurrent opens, want 1", got)
	}
}
