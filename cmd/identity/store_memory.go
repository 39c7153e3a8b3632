package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"wave/cmd/identity/ids"
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It keeps full Store semantics (email uniqueness, not-found mapping) so the
// auth surface behaves identically in dev mode and in tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]User
	byEmail map[string]string // normalized email -> user id
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
	}
}

// CreateUser creates a user, enforcing email uniqueness.
func (s *InMemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	email := NormalizeEmail(in.Email)
	displayName := strings.TrimSpace(in.DisplayName)
	if email == "" || displayName == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "email and display name are required"}
	}
	if strings.TrimSpace(in.Password) == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "password is required"}
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[email]; exists {
		return User{}, ConflictError{Op: op, Field: "email"}
	}

	u := User{
		ID:           id,
		Email:        email,
		DisplayName:  displayName,
		Bio:          copyPtr(in.Bio),
		PasswordHash: hash,
		CreatedAt:    now,
	}
	s.byID[id] = u
	s.byEmail[email] = id

	return u, nil
}

// FindByID resolves a user by id.
func (s *InMemoryStore) FindByID(ctx context.Context, id string) (User, error) {
	const op = "identity.FindByID"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return u, nil
}

// FindByEmail resolves a user by (normalized) email.
func (s *InMemoryStore) FindByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.FindByEmail"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return s.byID[id], nil
}

// UpdateProfile applies non-nil profile fields to an existing user.
func (s *InMemoryStore) UpdateProfile(ctx context.Context, in UpdateProfileInput) (User, error) {
	const op = "identity.UpdateProfile"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[strings.TrimSpace(in.UserID)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}

	if in.DisplayName != nil {
		name := strings.TrimSpace(*in.DisplayName)
		if name == "" {
			return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "display name must not be blank"}
		}
		u.DisplayName = name
	}
	if in.Bio != nil {
		u.Bio = copyPtr(in.Bio)
	}

	s.byID[u.ID] = u
	return u, nil
}

func copyPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
