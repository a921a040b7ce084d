package registry

import (
	"context"
	"log/slog"
	"sync"
	"testing"
)

// nopTransport is a do-nothing transport for registry tests.
type nopTransport struct{}

func (nopTransport) Send(ctx context.Context, data []byte) error { return nil }
func (nopTransport) Close() error                                { return nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(slog.Default())
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)

	c := NewConnection("user1", nopTransport{})
	if err := r.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !r.Has(c.ID) {
		t.Error("expected Has to report the connection")
	}
	if r.Len() != 1 {
		t.Errorf("expected Len 1, got %d", r.Len())
	}

	conns := r.ConnectionsForUser("user1")
	if len(conns) != 1 || conns[0].ID != c.ID {
		t.Fatalf("expected one connection for user1, got %v", conns)
	}
	if len(r.ConnectionsForUser("user2")) != 0 {
		t.Error("expected no connections for user2")
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	r := newTestRegistry(t)

	c := NewConnection("user1", nopTransport{})
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(c); err == nil {
		t.Error("expected duplicate register to fail")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	c := NewConnection("user1", nopTransport{})
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}

	if !r.Remove(c.ID) {
		t.Error("expected first Remove to return true")
	}
	if r.Remove(c.ID) {
		t.Error("expected second Remove to return false")
	}
	if r.Has(c.ID) {
		t.Error("connection still present after remove")
	}
}

func TestRemoveDropsEmptyUserKey(t *testing.T) {
	r := newTestRegistry(t)

	a := NewConnection("user1", nopTransport{})
	b := NewConnection("user1", nopTransport{})
	for _, c := range []*Connection{a, b} {
		if err := r.Register(c); err != nil {
			t.Fatal(err)
		}
	}

	r.Remove(a.ID)
	r.Remove(b.ID)

	r.mu.Lock()
	_, exists := r.byUser["user1"]
	r.mu.Unlock()
	if exists {
		t.Error("expected user key to be dropped once the last connection left")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := newTestRegistry(t)

	c := NewConnection("user1", nopTransport{})
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}

	snap := r.ConnectionsForUser("user1")
	r.Remove(c.ID)

	// The snapshot taken before removal must be unaffected.
	if len(snap) != 1 || snap[0].ID != c.ID {
		t.Error("snapshot was mutated by a later registry change")
	}
	if len(r.ConnectionsForUser("user1")) != 0 {
		t.Error("expected no live connections after removal")
	}
}

func TestConnectionsForThread(t *testing.T) {
	r := newTestRegistry(t)

	a := NewConnection("user1", nopTransport{})
	a.JoinThread("th-1")
	b := NewConnection("user2", nopTransport{})
	b.JoinThread("th-1")
	c := NewConnection("user3", nopTransport{})
	c.JoinThread("th-2")

	for _, conn := range []*Connection{a, b, c} {
		if err := r.Register(conn); err != nil {
			t.Fatal(err)
		}
	}

	got := r.ConnectionsForThread("th-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 connections on th-1, got %d", len(got))
	}
	for _, conn := range got {
		if conn.ID == c.ID {
			t.Error("th-2 connection returned for th-1")
		}
	}

	b.LeaveThread("th-1")
	if got := r.ConnectionsForThread("th-1"); len(got) != 1 {
		t.Errorf("expected 1 connection after unsubscribe, got %d", len(got))
	}
}

func TestConcurrentRegisterRemove(t *testing.T) {
	r := newTestRegistry(t)

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				c := NewConnection("shared-user", nopTransport{})
				if err := r.Register(c); err != nil {
					t.Errorf("Register failed: %v", err)
					return
				}
				if !r.Remove(c.ID) {
					t.Error("Remove of own registration returned false")
					return
				}
			}
		}()
	}
	wg.Wait()

	// Every register was paired with an acknowledged remove.
	if n := len(r.ConnectionsForUser("shared-user")); n != 0 {
		t.Errorf("expected 0 remaining connections, got %d", n)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	if r.Poisoned() {
		t.Error("registry poisoned under concurrent use")
	}
}
