// Package main provides a CI-friendly smoke test for Wave presence.
//
// It validates:
//   - signup via the HTTP auth API
//   - websocket handshake + subprotocol selection with a token
//   - getOnlineUsers snapshot on connect
//   - snapshot fanout when a second user connects
//   - snapshot fanout (user absent) when that user disconnects
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "wave/shared/contracts/presence/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "wave.presence.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()
	suffix := time.Now().UnixNano()

	userA, tokenA := mustSignup(root, *baseURL, fmt.Sprintf("smoke-a-%d@example.com", suffix), "Smoke A", *timeout)
	userB, tokenB := mustSignup(root, *baseURL, fmt.Sprintf("smoke-b-%d@example.com", suffix), "Smoke B", *timeout)

	a := mustConnect(root, "A", *wsURL, *origin, tokenA, userA, *timeout)
	defer closeWS(a.conn)

	// A's own connect snapshot must already contain A.
	mustSnapshotContaining(root, a, *timeout, userA)

	b := mustConnect(root, "B", *wsURL, *origin, tokenB, userB, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", userA, userB, *origin)
	}

	// Both peers observe a snapshot with both users online.
	mustSnapshotContaining(root, a, *timeout, userA, userB)
	mustSnapshotContaining(root, b, *timeout, userA, userB)

	closeWS(b.conn)

	// A observes B leaving.
	mustSnapshotWithout(root, a, *timeout, userB)

	fmt.Printf("OK: A=%s B=%s\n", userA, userB)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustSignup(parent context.Context, baseURL, email, name string, stepTimeout time.Duration) (userID, token string) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{
		"email":       email,
		"displayName": name,
		"password":    "smoke-password-1",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/auth/signup", bytes.NewReader(body))
	if err != nil {
		fatalf("signup request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("signup: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		fatalf("signup status: got=%d want=%d", resp.StatusCode, http.StatusCreated)
	}

	var out struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("signup decode: %v", err)
	}
	if out.User.ID == "" || out.Token == "" {
		fatalf("signup response missing user id or token")
	}
	return out.User.ID, out.Token
}

func mustConnect(parent context.Context, name, wsURL, origin, token, userID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	dialURL := wsURL
	if strings.Contains(dialURL, "?") {
		dialURL += "&token=" + url.QueryEscape(token)
	} else {
		dialURL += "?token=" + url.QueryEscape(token)
	}

	conn, resp, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustSnapshotContaining waits for a getOnlineUsers snapshot listing every
// given user. Earlier snapshots that miss some of them are skipped (fanout
// from other connects may still be in flight).
func mustSnapshotContaining(parent context.Context, c *smokeClient, stepTimeout time.Duration, want ...string) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		ids := c.mustNextSnapshot(ctx)
		if containsAll(ids, want) {
			return
		}
	}
}

// mustSnapshotWithout waits for a snapshot that no longer lists the given user.
func mustSnapshotWithout(parent context.Context, c *smokeClient, stepTimeout time.Duration, gone string) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		ids := c.mustNextSnapshot(ctx)
		if !contains(ids, gone) {
			return
		}
	}
}

func (c *smokeClient) mustNextSnapshot(ctx context.Context) []string {
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", v1.TypeOnlineUsers, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for snapshot (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for snapshot (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type != v1.TypeOnlineUsers {
				continue
			}

			var p v1.OnlineUsersPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				fatalf("unmarshal snapshot payload (%s): %v", c.name, err)
			}
			return p.UserIDs
		}
	}
}

func contains(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func containsAll(ids, want []string) bool {
	for _, w := range want {
		if !contains(ids, w) {
			return false
		}
	}
	return true
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
