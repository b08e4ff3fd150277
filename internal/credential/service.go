package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrBadLogin     = errors.New("invalid username or password")
	ErrInvalidToken = errors.New("invalid token")
	ErrNotFound     = errors.New("credential not found")
)

// Credential is a student's login record. Token is the single active opaque
// bearer token; it is replaced on every successful login.
type Credential struct {
	StudentID string
	Username  string
	Password  string // bcrypt hash
	Token     string
	UpdatedAt time.Time
}

// Store is the persistence needed by the credential service.
type Store interface {
	ByUsername(ctx context.Context, username string) (*Credential, error)
	ByToken(ctx context.Context, token string) (*Credential, error)
	ByStudent(ctx context.Context, studentID string) (*Credential, error)
	SetToken(ctx context.Context, studentID, token string) error
}

// Service issues and rotates opaque bearer tokens for student self-service.
// Tokens carry no expiry; a session lives until the next login replaces it.
type Service struct {
	store Store
}

// NewService creates the credential service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Login authenticates a student and rotates their token. The previous token
// stops resolving the moment the new one is stored, so there is exactly one
// live session per student.
func (s *Service) Login(ctx context.Context, username, password string) (string, *Credential, error) {
	if username == "" || password == "" {
		return "", nil, ErrBadLogin
	}
	cred, err := s.store.ByUsername(ctx, username)
	if err != nil {
		return "", nil, err
	}
	if cred == nil {
		return "", nil, ErrBadLogin
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.Password), []byte(password)) != nil {
		return "", nil, ErrBadLogin
	}
	token, err := s.rotate(ctx, cred.StudentID)
	if err != nil {
		return "", nil, err
	}
	cred.Token = token
	return token, cred, nil
}

// Rotate replaces the student's token out of band (e.g. forced logout).
func (s *Service) Rotate(ctx context.Context, studentID string) (string, error) {
	cred, err := s.store.ByStudent(ctx, studentID)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", ErrNotFound
	}
	return s.rotate(ctx, studentID)
}

func (s *Service) rotate(ctx context.Context, studentID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := s.store.SetToken(ctx, studentID, token); err != nil {
		return "", err
	}
	return token, nil
}

// Resolve maps a bearer token back to the credential that owns it.
func (s *Service) Resolve(ctx context.Context, token string) (*Credential, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	cred, err := s.store.ByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrInvalidToken
	}
	return cred, nil
}

// HashPassword prepares a password for storage; used by seeding tooling.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	return string(hash), err
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
