package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentwire-ai/agentwire/internal/governor"
	"github.com/agentwire-ai/agentwire/internal/registry"
	"github.com/agentwire-ai/agentwire/internal/router"
	"github.com/agentwire-ai/agentwire/pkg/protocol"
)

type memTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	closeErr error
}

func (t *memTransport) Send(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	t.frames = append(t.frames, cp)
	return nil
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.closeErr
}

func (t *memTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func (t *memTransport) last() protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var env protocol.Envelope
	if err := json.Unmarshal(t.frames[len(t.frames)-1], &env); err != nil {
		panic(err)
	}
	return env
}

func newTestManager(t *testing.T, perUser, global int) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	rt := router.New(reg, logger, router.Options{})
	gov := governor.New(governor.Config{
		PerUserLimit: perUser,
		GlobalLimit:  global,
		ZombieTTL:    time.Minute,
		ScanInterval: time.Second,
	}, reg, nil, logger)
	return New(reg, rt, gov, nil, logger)
}

func TestAdmitAndSendLifecycle(t *testing.T) {
	m := newTestManager(t, 5, 100)
	ctx := context.Background()

	tr := &memTransport{}
	connID, err := m.AdmitAndRegister(ctx, "user1", "thread-a", tr)
	if err != nil {
		t.Fatalf("AdmitAndRegister: %v", err)
	}
	if connID == "" {
		t.Fatal("expected non-empty connection id")
	}

	res := m.SendToUser(ctx, "user1", protocol.Envelope{Type: protocol.EventAgentStarted})
	if res.Succeeded != 1 {
		t.Fatalf("expected 1 delivery, got %+v", res)
	}
	env := tr.last()
	if env.UserID != "user1" || env.Sequence != 1 {
		t.Fatalf("unexpected envelope %+v", env)
	}

	res = m.SendToThread(ctx, "thread-a", protocol.Envelope{Type: protocol.EventAgentThinking})
	if res.Succeeded != 1 {
		t.Fatalf("expected thread delivery, got %+v", res)
	}

	if !m.CloseConnection(ctx, connID) {
		t.Fatal("CloseConnection returned false for live connection")
	}
	if !tr.closed {
		t.Fatal("transport not closed")
	}
	if m.CloseConnection(ctx, connID) {
		t.Fatal("second close should return false")
	}
}

func TestAdmissionDenied(t *testing.T) {
	m := newTestManager(t, 2, 100)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.AdmitAndRegister(ctx, "user1", "", &memTransport{}); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	_, err := m.AdmitAndRegister(ctx, "user1", "", &memTransport{})
	var denied *AdmissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected AdmissionDeniedError, got %v", err)
	}
	if denied.Reason != governor.ReasonPerUserLimit {
		t.Fatalf("expected per-user reason, got %s", denied.Reason)
	}

	// Another user is unaffected.
	if _, err := m.AdmitAndRegister(ctx, "user2", "", &memTransport{}); err != nil {
		t.Fatalf("user2 admit: %v", err)
	}
}

func TestConcurrentAdmissionLimit(t *testing.T) {
	const limit = 3
	m := newTestManager(t, limit, 1000)
	ctx := context.Background()

	// Many simultaneous admissions for one user; exactly limit may win.
	const attempts = 64
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	start := make(chan struct{})
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.AdmitAndRegister(ctx, "userX", "", &memTransport{})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
				return
			}
			var denied *AdmissionDeniedError
			if !errors.As(err, &denied) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted != limit {
		t.Errorf("expected exactly %d admissions, got %d", limit, admitted)
	}
	if n := m.Stats().ConnectionsPerUser["userX"]; n != limit {
		t.Errorf("expected %d registered connections, got %d", limit, n)
	}
}

func TestThreadMembership(t *testing.T) {
	m := newTestManager(t, 5, 100)
	ctx := context.Background()

	tr := &memTransport{}
	connID, err := m.AdmitAndRegister(ctx, "user1", "", tr)
	if err != nil {
		t.Fatalf("AdmitAndRegister: %v", err)
	}

	if res := m.SendToThread(ctx, "th-9", protocol.Envelope{Type: protocol.EventToolExecuting}); res.Attempted != 0 {
		t.Fatalf("expected no recipients before join, got %+v", res)
	}

	if !m.JoinThread(connID, "th-9") {
		t.Fatal("JoinThread failed")
	}
	if res := m.SendToThread(ctx, "th-9", protocol.Envelope{Type: protocol.EventToolExecuting}); res.Succeeded != 1 {
		t.Fatalf("expected delivery after join, got %+v", res)
	}

	if !m.LeaveThread(connID, "th-9") {
		t.Fatal("LeaveThread failed")
	}
	if res := m.SendToThread(ctx, "th-9", protocol.Envelope{Type: protocol.EventToolExecuting}); res.Attempted != 0 {
		t.Fatalf("expected no recipients after leave, got %+v", res)
	}

	if m.JoinThread("missing", "th-9") {
		t.Fatal("JoinThread should fail for unknown connection")
	}
}

func TestCloseFailureQuarantines(t *testing.T) {
	m := newTestManager(t, 5, 100)
	ctx := context.Background()

	tr := &memTransport{closeErr: errors.New("stuck socket")}
	connID, err := m.AdmitAndRegister(ctx, "user1", "", tr)
	if err != nil {
		t.Fatalf("AdmitAndRegister: %v", err)
	}

	if !m.CloseConnection(ctx, connID) {
		t.Fatal("CloseConnection should report the connection was handled")
	}

	stats := m.Stats()
	if stats.QuarantinedConnections != 1 {
		t.Fatalf("expected 1 quarantined connection, got %+v", stats)
	}
	// Quarantined connections receive nothing.
	if res := m.SendToUser(ctx, "user1", protocol.Envelope{Type: protocol.EventAgentDone}); res.Attempted != 0 {
		t.Fatalf("quarantined connection should not be routed, got %+v", res)
	}
}

func TestBroadcastAndStats(t *testing.T) {
	m := newTestManager(t, 5, 100)
	ctx := context.Background()

	transports := make([]*memTransport, 3)
	for i, user := range []string{"a", "b", "c"} {
		transports[i] = &memTransport{}
		if _, err := m.AdmitAndRegister(ctx, user, "", transports[i]); err != nil {
			t.Fatalf("admit %s: %v", user, err)
		}
	}

	res := m.Broadcast(ctx, protocol.Envelope{Type: protocol.EventAgentStarted})
	if res.Succeeded != 3 {
		t.Fatalf("expected broadcast to 3, got %+v", res)
	}
	for i, tr := range transports {
		if tr.count() != 1 {
			t.Fatalf("transport %d got %d frames", i, tr.count())
		}
	}

	stats := m.Stats()
	if stats.TotalConnections != 3 || len(stats.ConnectionsPerUser) != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if n := m.CloseAll(ctx); n != 3 {
		t.Fatalf("CloseAll closed %d, want 3", n)
	}
	if got := m.Stats().TotalConnections; got != 0 {
		t.Fatalf("expected empty registry after CloseAll, got %d", got)
	}
}
