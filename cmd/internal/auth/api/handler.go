package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"wave/cmd/identity"
	"wave/cmd/internal/auth/credential"
	"wave/cmd/internal/auth/guard"
)

// PresenceSource answers "who is online right now".
// Satisfied by *realtime.Registry.
type PresenceSource interface {
	OnlineUserIDs() []string
}

// Handler wires the HTTP auth and status endpoints to the identity store and
// credential manager. Privileged routes go through the guard middleware; the
// handlers themselves never touch raw tokens.
type Handler struct {
	log *slog.Logger
	cfg Config

	users    identity.Store
	tokens   credential.Manager
	guard    *guard.Guard
	presence PresenceSource

	throttle *ipThrottle

	dummyHash string
}

// NewHandler constructs the auth API handler.
func NewHandler(log *slog.Logger, cfg Config, users identity.Store, tokens credential.Manager, g *guard.Guard, presence PresenceSource) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if users == nil {
		return nil, errors.New("authapi: nil user store")
	}
	if tokens == nil {
		return nil, errors.New("authapi: nil credential manager")
	}
	if g == nil {
		return nil, errors.New("authapi: nil guard")
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		users:    users,
		tokens:   tokens,
		guard:    g,
		presence: presence,
		throttle: newIPThrottle(cfg.LoginIPMax, cfg.LoginIPWindow),
	}

	// Dummy hash for timing-resistant login checks.
	if hash, err := identity.HashPassword("dummy-password-for-timing-only"); err == nil {
		h.dummyHash = hash
	}

	return h, nil
}

// Register wires auth and status routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/auth/signup", h.handleSignup)
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.Handle("/api/auth/check", h.guard.Middleware(http.HandlerFunc(h.handleCheck)))
	mux.Handle("/api/auth/update-profile", h.guard.Middleware(http.HandlerFunc(h.handleUpdateProfile)))
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/api/status/online", h.handleOnline)
}

// ---- handlers ----

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	now := time.Now().UTC()
	if !h.throttle.allow(clientIP(r), now) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts, please retry later")
		return
	}

	var req signupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	email := identity.NormalizeEmail(req.Email)
	displayName := strings.TrimSpace(req.DisplayName)
	if email == "" || displayName == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email, displayName and password are required")
		return
	}
	if _, err := mail.ParseAddress(email); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid email address")
		return
	}
	if len(displayName) > h.cfg.MaxDisplayName {
		writeError(w, http.StatusBadRequest, "invalid_request", "displayName is too long")
		return
	}

	u, err := h.users.CreateUser(r.Context(), identity.CreateUserInput{
		Email:       email,
		DisplayName: displayName,
		Password:    req.Password,
		Now:         now,
	})
	if err != nil {
		switch {
		case identity.IsConflict(err):
			writeError(w, http.StatusConflict, "conflict", "email already registered")
		case errors.Is(err, identity.ErrPasswordPolicy), identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid input")
		default:
			h.log.Error("auth.signup.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	token, err := h.tokens.Issue(u.ID, now)
	if err != nil {
		h.log.Error("auth.signup.issue_token.fail", "err", err, "user_id", u.ID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.Info("auth.signup.ok", "user_id", u.ID)
	writeJSON(w, http.StatusCreated, authResponse{User: toUserResponse(u.Public()), Token: token})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	now := time.Now().UTC()
	if !h.throttle.allow(clientIP(r), now) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts, please retry later")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	email := identity.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	u, err := h.users.FindByEmail(r.Context(), email)
	if err != nil {
		// Timing resistance: perform a dummy verify when the user is missing.
		if h.dummyHash != "" {
			_, _ = identity.VerifyPassword(req.Password, h.dummyHash)
		}
		if !identity.IsNotFound(err) {
			h.log.Error("auth.login.lookup.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	okPw, err := identity.VerifyPassword(req.Password, u.PasswordHash)
	if err != nil || !okPw {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	token, err := h.tokens.Issue(u.ID, now)
	if err != nil {
		h.log.Error("auth.login.issue_token.fail", "err", err, "user_id", u.ID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.Info("auth.login.ok", "user_id", u.ID)
	writeJSON(w, http.StatusOK, authResponse{User: toUserResponse(u.Public()), Token: token})
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	principal, ok := guard.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no_credential", "authentication required")
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{User: toUserResponse(principal)})
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	principal, ok := guard.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no_credential", "authentication required")
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	displayName := trimPtr(req.DisplayName)
	bio := req.Bio
	if bio != nil {
		v := strings.TrimSpace(*bio)
		bio = &v
	}
	if displayName == nil && bio == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "nothing to update")
		return
	}
	if displayName != nil && len(*displayName) > h.cfg.MaxDisplayName {
		writeError(w, http.StatusBadRequest, "invalid_request", "displayName is too long")
		return
	}
	if bio != nil && len(*bio) > h.cfg.MaxBio {
		writeError(w, http.StatusBadRequest, "invalid_request", "bio is too long")
		return
	}

	u, err := h.users.UpdateProfile(r.Context(), identity.UpdateProfileInput{
		UserID:      principal.ID,
		DisplayName: displayName,
		Bio:         bio,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		switch {
		case identity.IsNotFound(err):
			writeError(w, http.StatusUnauthorized, "principal_not_found", "account no longer exists")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid input")
		default:
			h.log.Error("auth.update_profile.fail", "err", err, "user_id", principal.ID)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{User: toUserResponse(u.Public())})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Server is live"))
}

func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.presence == nil {
		writeJSON(w, http.StatusOK, onlineResponse{UserIDs: []string{}})
		return
	}

	ids := h.presence.OnlineUserIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, onlineResponse{UserIDs: ids})
}

// ---- helpers ----

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
