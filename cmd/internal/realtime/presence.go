package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "wave/shared/contracts/presence/v1"
)

// Registry is the shared mapping of online identities to their live
// connections. It is the single shared mutable resource in the realtime core;
// every mutation is atomic with respect to other mutations.
//
// Concurrency guarantees:
// - Register/Deregister are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure) and never holds the
//   lock during connection I/O; only channel sends happen under RLock.
// - An identity is present in the key set iff it has >= 1 live connection.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	entries map[string]map[string]*Client // user id -> conn id -> client
}

// NewRegistry constructs a Registry. metrics may be nil.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		metrics: metrics,
		entries: make(map[string]map[string]*Client),
	}
}

// Register adds the connection under its identity, creating the entry if
// absent. Registering the same handle twice is a caller error but must not
// corrupt state: the duplicate is a no-op.
func (r *Registry) Register(c *Client) {
	if r == nil || c == nil || c.UserID == "" || c.ConnID == "" {
		return
	}

	r.mu.Lock()
	conns := r.entries[c.UserID]
	if conns == nil {
		conns = make(map[string]*Client, 1)
		r.entries[c.UserID] = conns
	}
	if _, dup := conns[c.ConnID]; dup {
		r.mu.Unlock()
		r.log.Warn("presence.register.duplicate", "user_id", c.UserID, "conn_id", c.ConnID)
		return
	}
	conns[c.ConnID] = c
	users, conns2 := r.sizeLocked()
	r.mu.Unlock()

	r.observe(users, conns2, true)
	r.log.Info("presence.register", "user_id", c.UserID, "conn_id", c.ConnID)
}

// Deregister removes exactly that connection handle; when the identity's last
// connection goes away, the entry itself is removed so "currently online"
// queries never see empty-but-present entries. Unknown handles are a no-op,
// not an error (teardown can race on abrupt disconnects).
func (r *Registry) Deregister(c *Client) {
	if r == nil || c == nil || c.UserID == "" || c.ConnID == "" {
		return
	}

	r.mu.Lock()
	conns, ok := r.entries[c.UserID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := conns[c.ConnID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(conns, c.ConnID)
	if len(conns) == 0 {
		delete(r.entries, c.UserID)
	}
	users, conns2 := r.sizeLocked()
	r.mu.Unlock()

	r.observe(users, conns2, false)
	r.log.Info("presence.deregister", "user_id", c.UserID, "conn_id", c.ConnID)
}

// OnlineUserIDs returns a point-in-time snapshot of every identity with at
// least one live connection, sorted for stable output. Callers must tolerate
// staleness of a few milliseconds under concurrent mutation.
func (r *Registry) OnlineUserIDs() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// ConnectionCount returns the number of live connections across all identities.
func (r *Registry) ConnectionCount() int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conns := range r.entries {
		n += len(conns)
	}
	return n
}

// Broadcast fans an envelope out to every registered connection.
// Non-blocking: a peer that is shutting down or has a full queue is skipped;
// a slow peer must never stall registry mutations or other peers.
func (r *Registry) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conns := range r.entries {
		for _, c := range conns {
			if c == nil {
				continue
			}

			select {
			case <-c.Done():
				// Skip clients that are shutting down.
				continue
			default:
			}

			select {
			case c.Send <- env:
			default:
				// Drop rather than block the whole fanout.
				if r.metrics != nil {
					r.metrics.BroadcastsDropped.Inc()
				}
			}
		}
	}

	if r.metrics != nil {
		r.metrics.BroadcastsTotal.Inc()
	}
}

func (r *Registry) sizeLocked() (users, conns int) {
	users = len(r.entries)
	for _, c := range r.entries {
		conns += len(c)
	}
	return users, conns
}

func (r *Registry) observe(users, conns int, connect bool) {
	if r.metrics == nil {
		return
	}
	r.metrics.OnlineUsers.Set(float64(users))
	r.metrics.Connections.Set(float64(conns))
	if connect {
		r.metrics.ConnectsTotal.Inc()
	} else {
		r.metrics.DisconnectsTotal.Inc()
	}
}
