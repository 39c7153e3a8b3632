// Package guard is the request-interception boundary for privileged calls.
//
// It turns a raw bearer token into a resolved principal (or a typed refusal)
// and is applied uniformly to every privileged entry point: once as HTTP
// middleware, once by the realtime gateway at handshake. Token verification
// is never duplicated in handlers.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wave/cmd/identity"
	"wave/cmd/internal/auth/credential"
)

// ErrPrincipalNotFound is returned when a token verifies but its subject no
// longer resolves to an account (deleted after the token was issued).
var ErrPrincipalNotFound = errors.New("principal not found")

// Guard authenticates privileged requests.
type Guard struct {
	log    *slog.Logger
	tokens credential.Manager
	users  identity.Lookup
}

// New constructs a Guard.
func New(log *slog.Logger, tokens credential.Manager, users identity.Lookup) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{log: log, tokens: tokens, users: users}
}

// Authenticate verifies rawToken and resolves the embedded identity against
// the user store. The returned principal has credential material stripped.
//
// Failure modes: credential.ErrNoCredential, credential.ErrInvalidToken,
// credential.ErrTokenExpired, ErrPrincipalNotFound. All are terminal for the
// single attempt; nothing here retries.
func (g *Guard) Authenticate(ctx context.Context, rawToken string) (identity.User, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return identity.User{}, credential.ErrNoCredential
	}

	claims, err := g.tokens.Verify(rawToken, time.Now().UTC())
	if err != nil {
		return identity.User{}, err
	}

	u, err := g.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.User{}, ErrPrincipalNotFound
		}
		return identity.User{}, err
	}

	return u.Public(), nil
}

// Middleware wraps next so it only runs for authenticated principals.
// The resolved principal is attached to the request context.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := g.Authenticate(r.Context(), TokenFromRequest(r))
		if err != nil {
			code := FailureCode(err)
			status := http.StatusUnauthorized
			if code == codeServerError {
				g.log.Error("guard.authenticate.fail", "err", err, "path", r.URL.Path)
				status = http.StatusInternalServerError
			}
			writeAuthError(w, status, code)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// TokenFromRequest extracts the bearer token from a request.
// The legacy client contract carries it in a bare "token" header;
// "Authorization: Bearer" is accepted as well.
func TokenFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("token")); v != "" {
		return v
	}

	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Machine-readable refusal codes (wire-stable).
const (
	CodeNoCredential      = "no_credential"
	CodeInvalidSignature  = "invalid_signature"
	CodeExpired           = "expired"
	CodePrincipalNotFound = "principal_not_found"

	codeServerError = "server_error"
)

// FailureCode maps an authentication error to its wire code.
func FailureCode(err error) string {
	switch {
	case errors.Is(err, credential.ErrNoCredential):
		return CodeNoCredential
	case errors.Is(err, credential.ErrTokenExpired):
		return CodeExpired
	case errors.Is(err, credential.ErrInvalidToken):
		return CodeInvalidSignature
	case errors.Is(err, ErrPrincipalNotFound):
		return CodePrincipalNotFound
	default:
		return codeServerError
	}
}

func writeAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": "authentication required"},
	})
}
