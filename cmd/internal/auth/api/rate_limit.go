package authapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ipThrottle is an in-memory per-IP sliding-window limiter for the
// credential endpoints (signup/login). It exists to slow down online
// password guessing; it is not a substitute for infrastructure-level limits.
type ipThrottle struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration
}

func newIPThrottle(limit int, window time.Duration) *ipThrottle {
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ipThrottle{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

// allow reports whether an attempt from ip at time "now" should proceed.
func (t *ipThrottle) allow(ip string, now time.Time) bool {
	if t == nil || ip == "" {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cut := now.Add(-t.window)
	kept := t.events[ip][:0]
	for _, ts := range t.events[ip] {
		if ts.After(cut) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= t.limit {
		t.events[ip] = kept
		return false
	}
	t.events[ip] = append(kept, now)

	// Opportunistic prune so idle IPs do not accumulate forever.
	if len(t.events) > 4096 {
		for k, v := range t.events {
			if len(v) == 0 || !v[len(v)-1].After(cut) {
				delete(t.events, k)
			}
		}
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
