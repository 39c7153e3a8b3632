package guard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wave/cmd/identity"
	"wave/cmd/internal/auth/credential"
)

type lookupStub struct {
	users map[string]identity.User
}

func (s *lookupStub) FindByID(_ context.Context, id string) (identity.User, error) {
	u, ok := s.users[id]
	if !ok {
		return identity.User{}, identity.NotFoundError{Op: "test.FindByID", Resource: "user"}
	}
	return u, nil
}

func newTestGuard(t *testing.T, ttl, skew time.Duration, users ...identity.User) (*Guard, credential.Manager) {
	t.Helper()

	m, err := credential.NewHS256Manager(credential.Config{
		Secret:    []byte(strings.Repeat("s", 32)),
		Issuer:    "wave",
		TTL:       ttl,
		ClockSkew: skew,
	})
	if err != nil {
		t.Fatalf("NewHS256Manager: %v", err)
	}

	byID := make(map[string]identity.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, m, &lookupStub{users: byID}), m
}

func TestGuard_Authenticate_NoCredential(t *testing.T) {
	g, _ := newTestGuard(t, 0, 0)

	for _, raw := range []string{"", "   "} {
		_, err := g.Authenticate(context.Background(), raw)
		if !errors.Is(err, credential.ErrNoCredential) {
			t.Fatalf("Authenticate(%q): expected ErrNoCredential, got %v", raw, err)
		}
	}
}

func TestGuard_Authenticate_InvalidToken(t *testing.T) {
	g, _ := newTestGuard(t, 0, 0)

	_, err := g.Authenticate(context.Background(), "garbage.token.here")
	if !errors.Is(err, credential.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestGuard_Authenticate_Expired(t *testing.T) {
	u := identity.User{ID: "user-exp", Email: "exp@example.com", DisplayName: "Exp"}
	g, m := newTestGuard(t, time.Minute, 0, u)

	tok, err := m.Issue(u.ID, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = g.Authenticate(context.Background(), tok)
	if !errors.Is(err, credential.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestGuard_Authenticate_PrincipalNotFound(t *testing.T) {
	// Valid token for an account that no longer exists.
	g, m := newTestGuard(t, 0, 0)

	tok, err := m.Issue("deleted-user", time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = g.Authenticate(context.Background(), tok)
	if !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
}

func TestGuard_Authenticate_StripsCredentialMaterial(t *testing.T) {
	u := identity.User{
		ID:           "user-ok",
		Email:        "ok@example.com",
		DisplayName:  "Ok",
		PasswordHash: "$argon2id$not-for-you",
	}
	g, m := newTestGuard(t, 0, 0, u)

	tok, err := m.Issue(u.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	principal, err := g.Authenticate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.ID != u.ID {
		t.Fatalf("principal id: got=%q want=%q", principal.ID, u.ID)
	}
	if principal.PasswordHash != "" {
		t.Fatalf("principal leaked credential material")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/auth/check", nil)
	if got := TokenFromRequest(r); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}

	r.Header.Set("token", "  raw-token  ")
	if got := TokenFromRequest(r); got != "raw-token" {
		t.Fatalf("token header: got=%q", got)
	}

	// Bare "token" header wins over Authorization.
	r.Header.Set("Authorization", "Bearer bearer-token")
	if got := TokenFromRequest(r); got != "raw-token" {
		t.Fatalf("precedence: got=%q", got)
	}

	r.Header.Del("token")
	if got := TokenFromRequest(r); got != "bearer-token" {
		t.Fatalf("bearer: got=%q", got)
	}

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := TokenFromRequest(r); got != "" {
		t.Fatalf("non-bearer scheme: got=%q", got)
	}
}

func TestGuard_Middleware(t *testing.T) {
	u := identity.User{ID: "user-mw", Email: "mw@example.com", DisplayName: "MW"}
	g, m := newTestGuard(t, 0, 0, u)

	var gotPrincipal identity.User
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Errorf("principal missing from context")
		}
		gotPrincipal = p
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(g.Middleware(next))
	defer srv.Close()

	// No credential -> 401 with machine-readable code.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got=%d want=%d", resp.StatusCode, http.StatusUnauthorized)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	_ = resp.Body.Close()
	if body.Error.Code != CodeNoCredential {
		t.Fatalf("code: got=%q want=%q", body.Error.Code, CodeNoCredential)
	}

	// Valid credential -> next runs with resolved principal.
	tok, err := m.Issue(u.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("token", tok)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status: got=%d want=%d", resp.StatusCode, http.StatusNoContent)
	}
	if gotPrincipal.ID != u.ID {
		t.Fatalf("principal: got=%q want=%q", gotPrincipal.ID, u.ID)
	}
}

func TestFailureCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{credential.ErrNoCredential, CodeNoCredential},
		{credential.ErrInvalidToken, CodeInvalidSignature},
		{credential.ErrTokenExpired, CodeExpired},
		{ErrPrincipalNotFound, CodePrincipalNotFound},
		{errors.New("boom"), codeServerError},
	}
	for _, c := range cases {
		if got := FailureCode(c.err); got != c.want {
			t.Fatalf("FailureCode(%v): got=%q want=%q", c.err, got, c.want)
		}
	}
}
