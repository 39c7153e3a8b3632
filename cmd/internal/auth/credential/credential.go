package credential

import (
	"errors"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Tokens beyond this length are rejected before any parsing.
const maxTokenLen = 4096

// Claims is the minimal identity envelope carried by a session token.
// ExpiresAt is the zero time when the token has no expiry.
type Claims struct {
	UserID    string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager issues and verifies signed session tokens.
type Manager interface {
	// Issue produces a token for the given identity at the given time.
	// Deterministic given identical secret, time, and identity.
	Issue(userID string, now time.Time) (string, error)

	// Verify checks the token signature and (when present) expiry.
	// Malformed input is a normal ErrInvalidToken, never a panic.
	Verify(raw string, now time.Time) (Claims, error)
}

type hs256Manager struct {
	cfg Config
}

// NewHS256Manager builds a Manager signing with HMAC-SHA256.
// Secret comparison during verification is constant-time (crypto/hmac).
func NewHS256Manager(cfg Config) (Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &hs256Manager{cfg: cfg}, nil
}

func (m *hs256Manager) Issue(userID string, now time.Time) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidToken
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	b := jwt.NewBuilder().
		Issuer(m.cfg.Issuer).
		Subject(userID).
		IssuedAt(now)
	if m.cfg.TTL > 0 {
		b = b.Expiration(now.Add(m.cfg.TTL))
	}

	tok, err := b.Build()
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, m.cfg.Secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (m *hs256Manager) Verify(raw string, now time.Time) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxTokenLen {
		return Claims{}, ErrInvalidToken
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Signature check first, temporal rules second, so an expired token with
	// a bad signature reports InvalidToken, not Expired.
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, m.cfg.Secret),
		jwt.WithValidate(false),
	)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	err = jwt.Validate(tok,
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithAcceptableSkew(m.cfg.ClockSkew),
		jwt.WithIssuer(m.cfg.Issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrInvalidToken
	}

	sub := strings.TrimSpace(tok.Subject())
	if sub == "" {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		UserID:    sub,
		Issuer:    tok.Issuer(),
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
	}, nil
}
