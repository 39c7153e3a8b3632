package identity

import (
	"context"
	"strings"
	"testing"
	"time"
)

func mustCreate(t *testing.T, s Store, email, name string) User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), CreateUserInput{
		Email:       email,
		DisplayName: name,
		Password:    "a-strong-password",
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

func TestInMemoryStore_CreateAndFind(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	u := mustCreate(t, s, "Alice@Example.com", "Alice")

	if u.ID == "" {
		t.Fatalf("missing user id")
	}
	if u.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if u.PasswordHash == "" || strings.Contains(u.PasswordHash, "a-strong-password") {
		t.Fatalf("password not hashed")
	}

	got, err := s.FindByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Email != u.Email {
		t.Fatalf("FindByID email: got=%q want=%q", got.Email, u.Email)
	}

	got, err = s.FindByEmail(ctx, "  ALICE@example.COM ")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("FindByEmail id: got=%q want=%q", got.ID, u.ID)
	}
}

func TestInMemoryStore_EmailConflict(t *testing.T) {
	s := NewInMemoryStore()

	mustCreate(t, s, "bob@example.com", "Bob")

	_, err := s.CreateUser(context.Background(), CreateUserInput{
		Email:       "BOB@example.com",
		DisplayName: "Bobby",
		Password:    "another-password",
	})
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestInMemoryStore_NotFound(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.FindByID(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("FindByID: expected not-found, got %v", err)
	}
	if _, err := s.FindByEmail(ctx, "missing@example.com"); !IsNotFound(err) {
		t.Fatalf("FindByEmail: expected not-found, got %v", err)
	}
	if _, err := s.UpdateProfile(ctx, UpdateProfileInput{UserID: "missing"}); !IsNotFound(err) {
		t.Fatalf("UpdateProfile: expected not-found, got %v", err)
	}
}

func TestInMemoryStore_InvalidInput(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	cases := []CreateUserInput{
		{Email: "", DisplayName: "X", Password: "a-strong-password"},
		{Email: "x@example.com", DisplayName: " ", Password: "a-strong-password"},
		{Email: "x@example.com", DisplayName: "X", Password: ""},
		{Email: "x@example.com", DisplayName: "X", Password: "short"},
	}
	for i, in := range cases {
		if _, err := s.CreateUser(ctx, in); !IsInvalidInput(err) {
			t.Fatalf("case %d: expected invalid-input, got %v", i, err)
		}
	}
}

func TestInMemoryStore_UpdateProfile(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	u := mustCreate(t, s, "carol@example.com", "Carol")

	name := "Carol D."
	bio := "hello there"
	got, err := s.UpdateProfile(ctx, UpdateProfileInput{UserID: u.ID, DisplayName: &name, Bio: &bio})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if got.DisplayName != name {
		t.Fatalf("display name: got=%q want=%q", got.DisplayName, name)
	}
	if got.Bio == nil || *got.Bio != bio {
		t.Fatalf("bio: got=%v want=%q", got.Bio, bio)
	}

	// Nil fields are left unchanged.
	got, err = s.UpdateProfile(ctx, UpdateProfileInput{UserID: u.ID})
	if err != nil {
		t.Fatalf("UpdateProfile (no-op): %v", err)
	}
	if got.DisplayName != name {
		t.Fatalf("display name changed by no-op update: %q", got.DisplayName)
	}

	// Blank display name is rejected.
	blank := "   "
	if _, err := s.UpdateProfile(ctx, UpdateProfileInput{UserID: u.ID, DisplayName: &blank}); !IsInvalidInput(err) {
		t.Fatalf("expected invalid-input for blank display name, got %v", err)
	}
}

func TestPublicStripsHash(t *testing.T) {
	u := User{ID: "u", Email: "e@example.com", PasswordHash: "secret"}
	if got := u.Public(); got.PasswordHash != "" {
		t.Fatalf("Public leaked hash")
	}
	if u.PasswordHash != "secret" {
		t.Fatalf("Public mutated receiver")
	}
}
