package identity

import (
	"context"
	"time"
)

// User is Wave's canonical security principal.
//
// PasswordHash is server-side credential material. Code that hands a User to
// anything outside the auth boundary must go through Public() first.
type User struct {
	ID          string
	Email       string
	DisplayName string
	Bio         *string

	PasswordHash string

	CreatedAt time.Time
}

// Public returns a copy of the user with credential material stripped.
func (u User) Public() User {
	u.PasswordHash = ""
	return u
}

// CreateUserInput describes a user registration request.
type CreateUserInput struct {
	Email       string
	DisplayName string
	Password    string
	Bio         *string
	Now         time.Time
}

// UpdateProfileInput mutates the non-credential profile fields.
// Nil fields are left unchanged.
type UpdateProfileInput struct {
	UserID      string
	DisplayName *string
	Bio         *string
	Now         time.Time
}

// Lookup is the read-only resolution boundary consumed by the session guard.
// It is assumed eventually consistent with account deletion: a token may
// verify while the account is already gone, in which case FindByID reports
// ErrNotFound and the caller rejects the principal.
type Lookup interface {
	FindByID(ctx context.Context, id string) (User, error)
}

// Store is the identity persistence boundary.
type Store interface {
	Lookup

	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	UpdateProfile(ctx context.Context, in UpdateProfileInput) (User, error)
}
