package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"wave/cmd/identity"
	"wave/cmd/internal/auth/credential"
	v1 "wave/shared/contracts/presence/v1"

	"github.com/coder/websocket"
)

// authStub resolves fixed tokens to principals without real crypto.
type authStub struct {
	byToken map[string]identity.User
}

func (a *authStub) Authenticate(_ context.Context, rawToken string) (identity.User, error) {
	if rawToken == "" {
		return identity.User{}, credential.ErrNoCredential
	}
	if rawToken == "token-expired" {
		return identity.User{}, credential.ErrTokenExpired
	}
	u, ok := a.byToken[rawToken]
	if !ok {
		return identity.User{}, credential.ErrInvalidToken
	}
	return u, nil
}

func newPresenceTestServer(t *testing.T, users map[string]identity.User) (*httptest.Server, *Registry) {
	t.Helper()
	t.Setenv("WAVE_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("WAVE_WS_HEARTBEAT_INTERVAL", "1h")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(log, nil)
	gw := NewWSGateway(log, registry, &authStub{byToken: users}, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, registry
}

func dialPresence(t *testing.T, baseHTTPURL, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
}

func readSnapshot(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()

	for i := 0; i < 8; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}

		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if err := env.Validate(); err != nil {
			t.Fatalf("invalid envelope: %v", err)
		}
		if env.Type != v1.TypeOnlineUsers {
			continue
		}

		var p v1.OnlineUsersPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal snapshot: %v", err)
		}
		return p.UserIDs
	}
	t.Fatalf("no %s envelope received", v1.TypeOnlineUsers)
	return nil
}

// waitSnapshot reads snapshots until pred passes or the read budget runs out.
func waitSnapshot(t *testing.T, conn *websocket.Conn, pred func([]string) bool) []string {
	t.Helper()

	var last []string
	for i := 0; i < 8; i++ {
		last = readSnapshot(t, conn)
		if pred(last) {
			return last
		}
	}
	t.Fatalf("no snapshot matched predicate; last=%v", last)
	return nil
}

func hasUser(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func TestWSGateway_NoToken_Rejected(t *testing.T) {
	ts, _ := newPresenceTestServer(t, nil)

	_, resp, err := dialPresence(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_ExpiredToken_RejectedAndNeverOnline(t *testing.T) {
	users := map[string]identity.User{
		"token-obs": {ID: "observer", Email: "o@example.com", DisplayName: "O"},
	}
	ts, registry := newPresenceTestServer(t, users)

	_, resp, err := dialPresence(t, ts.URL, "token-expired")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure with expired token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}

	// The rejected connection was never registered.
	if got := registry.ConnectionCount(); got != 0 {
		t.Fatalf("connections: got=%d want=0", got)
	}
	if got := registry.OnlineUserIDs(); len(got) != 0 {
		t.Fatalf("online: got=%v want=[]", got)
	}
}

func TestWSGateway_InvalidToken_Rejected(t *testing.T) {
	ts, _ := newPresenceTestServer(t, nil)

	_, resp, err := dialPresence(t, ts.URL, "token-forged")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure with invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_AuthorizedConnect_ReceivesSnapshot(t *testing.T) {
	users := map[string]identity.User{
		"token-u1": {ID: "u1", Email: "u1@example.com", DisplayName: "U1"},
	}
	ts, _ := newPresenceTestServer(t, users)

	conn, resp, err := dialPresence(t, ts.URL, "token-u1")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("authorized dial failed: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if got := conn.Subprotocol(); got != wsSubprotocolV1 {
		t.Fatalf("subprotocol: got=%q want=%q", got, wsSubprotocolV1)
	}

	ids := waitSnapshot(t, conn, func(ids []string) bool { return hasUser(ids, "u1") })
	if len(ids) != 1 {
		t.Fatalf("snapshot: got=%v want=[u1]", ids)
	}
}

func TestWSGateway_MultiDevice_ObserverSeesTransitions(t *testing.T) {
	users := map[string]identity.User{
		"token-obs": {ID: "observer", Email: "o@example.com", DisplayName: "O"},
		"token-u1":  {ID: "u1", Email: "u1@example.com", DisplayName: "U1"},
	}
	ts, _ := newPresenceTestServer(t, users)

	obs, resp, err := dialPresence(t, ts.URL, "token-obs")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("observer dial failed: %v", err)
	}
	defer func() { _ = obs.Close(websocket.StatusNormalClosure, "bye") }()

	waitSnapshot(t, obs, func(ids []string) bool { return hasUser(ids, "observer") })

	// First device: U1 appears.
	c1, resp, err := dialPresence(t, ts.URL, "token-u1")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("c1 dial failed: %v", err)
	}
	waitSnapshot(t, obs, func(ids []string) bool { return hasUser(ids, "u1") })

	// Second device: U1 remains present.
	c2, resp, err := dialPresence(t, ts.URL, "token-u1")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("c2 dial failed: %v", err)
	}
	waitSnapshot(t, obs, func(ids []string) bool { return hasUser(ids, "u1") })

	// Closing the first device must keep U1 online.
	_ = c1.Close(websocket.StatusNormalClosure, "bye")
	waitSnapshot(t, obs, func(ids []string) bool { return hasUser(ids, "u1") })

	// Closing the last device takes U1 offline.
	_ = c2.Close(websocket.StatusNormalClosure, "bye")
	waitSnapshot(t, obs, func(ids []string) bool { return !hasUser(ids, "u1") })
}
