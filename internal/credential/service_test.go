package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu    sync.Mutex
	creds map[string]*Credential // by student id
}

func newMemStore(creds ...Credential) *memStore {
	m := &memStore{creds: make(map[string]*Credential)}
	for _, c := range creds {
		cp := c
		m.creds[c.StudentID] = &cp
	}
	return m
}

func (m *memStore) ByUsername(_ context.Context, username string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.Username == username {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ByToken(_ context.Context, token string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.Token != "" && c.Token == token {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ByStudent(_ context.Context, studentID string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds[studentID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) SetToken(_ context.Context, studentID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[studentID]
	if !ok {
		return ErrNotFound
	}
	c.Token = token
	c.UpdatedAt = time.Now()
	return nil
}

func seeded(t *testing.T) *memStore {
	t.Helper()
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	return newMemStore(Credential{StudentID: "s1", Username: "amina", Password: hash})
}

func TestLoginIssuesOpaqueToken(t *testing.T) {
	svc := NewService(seeded(t))
	ctx := context.Background()

	token, cred, err := svc.Login(ctx, "amina", "hunter2")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}
	if cred.StudentID != "s1" {
		t.Errorf("credential student = %s, want s1", cred.StudentID)
	}

	resolved, err := svc.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.StudentID != "s1" {
		t.Errorf("Resolve() student = %s, want s1", resolved.StudentID)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := NewService(seeded(t))
	ctx := context.Background()

	tests := []struct {
		name, username, password string
	}{
		{name: "wrong password", username: "amina", password: "letmein"},
		{name: "unknown user", username: "nobody", password: "hunter2"},
		{name: "empty password", username: "amina", password: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := svc.Login(ctx, tt.username, tt.password); !errors.Is(err, ErrBadLogin) {
				t.Errorf("Login() error = %v, want ErrBadLogin", err)
			}
		})
	}
}

func TestLoginRotatesToken(t *testing.T) {
	svc := NewService(seeded(t))
	ctx := context.Background()

	first, _, err := svc.Login(ctx, "amina", "hunter2")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	second, _, err := svc.Login(ctx, "amina", "hunter2")
	if err != nil {
		t.Fatalf("second Login() error = %v", err)
	}
	if first == second {
		t.Error("login did not rotate the token")
	}

	// The old session is dead immediately.
	if _, err := svc.Resolve(ctx, first); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Resolve(old token) error = %v, want ErrInvalidToken", err)
	}
	if _, err := svc.Resolve(ctx, second); err != nil {
		t.Errorf("Resolve(new token) error = %v", err)
	}
}

func TestRotate(t *testing.T) {
	svc := NewService(seeded(t))
	ctx := context.Background()

	old, _, _ := svc.Login(ctx, "amina", "hunter2")
	fresh, err := svc.Rotate(ctx, "s1")
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if fresh == old {
		t.Error("Rotate() returned the same token")
	}
	if _, err := svc.Rotate(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rotate(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestResolveEmptyToken(t *testing.T) {
	svc := NewService(seeded(t))
	if _, err := svc.Resolve(context.Background(), ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Resolve(\"\") error = %v, want ErrInvalidToken", err)
	}
}
