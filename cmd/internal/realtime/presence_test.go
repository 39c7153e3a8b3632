package realtime

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "wave/shared/contracts/presence/v1"
)

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestRegistry_RegisterDeregister(t *testing.T) {
	r := newTestRegistry()

	c := NewClient("u1", "c1", 8)
	r.Register(c)

	if got := r.OnlineUserIDs(); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("online: got=%v want=[u1]", got)
	}
	if got := r.ConnectionCount(); got != 1 {
		t.Fatalf("connections: got=%d want=1", got)
	}

	r.Deregister(c)

	if got := r.OnlineUserIDs(); len(got) != 0 {
		t.Fatalf("online after deregister: got=%v want=[]", got)
	}
}

func TestRegistry_MultiDevice(t *testing.T) {
	r := newTestRegistry()

	c1 := NewClient("u1", "c1", 8)
	c2 := NewClient("u1", "c2", 8)
	r.Register(c1)
	r.Register(c2)

	// Two connections, one identity.
	if got := r.OnlineUserIDs(); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("online: got=%v want=[u1]", got)
	}
	if got := r.ConnectionCount(); got != 2 {
		t.Fatalf("connections: got=%d want=2", got)
	}

	// Closing one device keeps the identity online.
	r.Deregister(c1)
	if got := r.OnlineUserIDs(); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("online after first close: got=%v want=[u1]", got)
	}

	// Closing the last device takes the identity offline.
	r.Deregister(c2)
	if got := r.OnlineUserIDs(); len(got) != 0 {
		t.Fatalf("online after last close: got=%v want=[]", got)
	}
}

func TestRegistry_DuplicateRegisterIsNoOp(t *testing.T) {
	r := newTestRegistry()

	c := NewClient("u1", "c1", 8)
	r.Register(c)
	r.Register(c)

	if got := r.ConnectionCount(); got != 1 {
		t.Fatalf("connections: got=%d want=1", got)
	}

	// A single deregister fully removes it.
	r.Deregister(c)
	if got := r.ConnectionCount(); got != 0 {
		t.Fatalf("connections after deregister: got=%d want=0", got)
	}
}

func TestRegistry_UnknownDeregisterIsNoOp(t *testing.T) {
	r := newTestRegistry()

	r.Deregister(NewClient("ghost", "c-ghost", 8))

	if got := r.ConnectionCount(); got != 0 {
		t.Fatalf("connections: got=%d want=0", got)
	}

	// And it must not disturb unrelated registered connections.
	c := NewClient("u1", "c1", 8)
	r.Register(c)
	r.Deregister(NewClient("u1", "c-other", 8))
	if got := r.ConnectionCount(); got != 1 {
		t.Fatalf("connections after unrelated deregister: got=%d want=1", got)
	}
}

func TestRegistry_SortedSnapshot(t *testing.T) {
	r := newTestRegistry()

	for _, id := range []string{"zed", "alice", "mallory"} {
		r.Register(NewClient(id, "conn-"+id, 8))
	}

	got := r.OnlineUserIDs()
	want := []string{"alice", "mallory", "zed"}
	if len(got) != len(want) {
		t.Fatalf("online: got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("online: got=%v want=%v", got, want)
		}
	}
}

func TestRegistry_ConcurrentSameIdentity(t *testing.T) {
	r := newTestRegistry()

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()

			c := NewClient("u-shared", fmt.Sprintf("conn-%d", i), 8)
			r.Register(c)
			_ = r.OnlineUserIDs()
			r.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeOnlineUsers, ID: "x", TS: time.Now().UTC()})
			r.Deregister(c)
		}(i)
	}

	wg.Wait()

	if got := r.OnlineUserIDs(); len(got) != 0 {
		t.Fatalf("online after churn: got=%v want=[]", got)
	}
	if got := r.ConnectionCount(); got != 0 {
		t.Fatalf("connections after churn: got=%d want=0", got)
	}
}

func TestRegistry_BroadcastDelivery(t *testing.T) {
	r := newTestRegistry()

	a := NewClient("u1", "c1", 8)
	b := NewClient("u2", "c2", 8)
	r.Register(a)
	r.Register(b)

	env := v1.Envelope{V: v1.Version, Type: v1.TypeOnlineUsers, ID: "e1", TS: time.Now().UTC()}
	r.Broadcast(env)

	for _, c := range []*Client{a, b} {
		select {
		case got := <-c.Send:
			if got.ID != "e1" {
				t.Fatalf("envelope id: got=%q want=%q", got.ID, "e1")
			}
		default:
			t.Fatalf("client %s did not receive broadcast", c.ConnID)
		}
	}
}

func TestRegistry_BroadcastSkipsClosedAndFullClients(t *testing.T) {
	r := newTestRegistry()

	closed := NewClient("u1", "c-closed", 1)
	closed.Close()
	r.Register(closed)

	full := NewClient("u2", "c-full", 1)
	r.Register(full)
	full.Send <- v1.Envelope{V: v1.Version, Type: v1.TypeOnlineUsers, ID: "stale", TS: time.Now().UTC()}

	// Must not block or panic.
	done := make(chan struct{})
	go func() {
		r.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeOnlineUsers, ID: "e2", TS: time.Now().UTC()})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Broadcast blocked on unhealthy clients")
	}
}
