package activity

import (
	"errors"
	"testing"
	"time"
)

type fixedCounter struct {
	n   int
	err error
}

func (f fixedCounter) CountRunning() (int, error) { return f.n, f.err }

// testClock lets tests advance time deterministically.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time            { return c.t }
func (c *testClock) advance(d time.Duration)   { c.t = c.t.Add(d) }
func newTestClock() *testClock                 { return &testClock{t: time.Unix(1700000000, 0)} }
func newTestTracker(c *testClock, rc RunningCounter) *Tracker {
	tr := NewTracker(rc)
	tr.now = c.now
	return tr
}

func TestNeverSeenSessionCountsAsDisconnected(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, nil)

	// First observation establishes the idle baseline.
	info := tr.Snapshot("sess01")
	if info.ConnectedClients != 0 {
		t.Errorf("expected 0 clients, got %d", info.ConnectedClients)
	}
	if info.DisconnectedForMs == nil || *info.DisconnectedForMs != 0 {
		t.Errorf("expected DisconnectedForMs=0, got %v", info.DisconnectedForMs)
	}

	clock.advance(90 * time.Second)
	idle, ok := tr.DisconnectedFor("sess01")
	if !ok || idle != 90*time.Second {
		t.Errorf("expected 90s idle, got (%v, %v)", idle, ok)
	}
}

func TestDisconnectedForStampsUnseenSession(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, nil)

	// The first query itself starts the idle clock; a session no client
	// ever attached to must still accrue idle time.
	idle, ok := tr.DisconnectedFor("sess01")
	if !ok || idle != 0 {
		t.Fatalf("first observation starts the idle clock, got (%v, %v)", idle, ok)
	}

	clock.advance(2 * time.Minute)
	idle, ok = tr.DisconnectedFor("sess01")
	if !ok || idle != 2*time.Minute {
		t.Errorf("expected 2m idle, got (%v, %v)", idle, ok)
	}
}

func TestTimestampOnlyOnLastDisconnect(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, nil)

	tr.Connect("sess01")
	tr.Connect("sess01")

	if _, ok := tr.DisconnectedFor("sess01"); ok {
		t.Fatal("connected session must not report idle")
	}

	// One of two clients leaves: still connected, no timestamp.
	tr.Disconnect("sess01")
	clock.advance(time.Minute)
	if _, ok := tr.DisconnectedFor("sess01"); ok {
		t.Fatal("session with one remaining client must not report idle")
	}

	// Last client leaves: idle clock starts now.
	tr.Disconnect("sess01")
	clock.advance(30 * time.Second)
	idle, ok := tr.DisconnectedFor("sess01")
	if !ok || idle != 30*time.Second {
		t.Errorf("expected 30s idle, got (%v, %v)", idle, ok)
	}
}

func TestReconnectClearsIdle(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, nil)

	tr.Connect("sess01")
	tr.Disconnect("sess01")
	clock.advance(10 * time.Minute)

	tr.Connect("sess01")
	if _, ok := tr.DisconnectedFor("sess01"); ok {
		t.Error("reconnect must clear the idle timestamp")
	}

	info := tr.Snapshot("sess01")
	if info.ConnectedClients != 1 {
		t.Errorf("expected 1 client, got %d", info.ConnectedClients)
	}
	if info.DisconnectedForMs != nil {
		t.Errorf("expected nil DisconnectedForMs while connected, got %d", *info.DisconnectedForMs)
	}
}

func TestDisconnectBelowZeroClamps(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, nil)

	tr.Disconnect("sess01")
	tr.Disconnect("sess01")

	info := tr.Snapshot("sess01")
	if info.ConnectedClients != 0 {
		t.Errorf("expected count clamped at 0, got %d", info.ConnectedClients)
	}
}

func TestForget(t *testing.T) {
	clock := newTestClock()
	tr := newTestTracker(clock, nil)

	tr.Connect("sess01")
	tr.Forget("sess01")

	// State starts fresh after Forget.
	clock.advance(time.Hour)
	info := tr.Snapshot("sess01")
	if info.ConnectedClients != 0 {
		t.Errorf("expected 0 clients after forget, got %d", info.ConnectedClients)
	}
	if info.DisconnectedForMs == nil || *info.DisconnectedForMs != 0 {
		t.Errorf("expected fresh idle baseline, got %v", info.DisconnectedForMs)
	}
}

func TestSnapshotActiveSessions(t *testing.T) {
	clock := newTestClock()

	tr := newTestTracker(clock, fixedCounter{n: 3})
	if got := tr.Snapshot("x1").ActiveSessions; got != 3 {
		t.Errorf("expected 3 active sessions, got %d", got)
	}

	// Counter errors degrade to zero, not to a failed snapshot.
	tr = newTestTracker(clock, fixedCounter{err: errors.New("db down")})
	if got := tr.Snapshot("x1").ActiveSessions; got != 0 {
		t.Errorf("expected 0 on counter error, got %d", got)
	}

	tr = newTestTracker(clock, nil)
	if got := tr.Snapshot("x1").ActiveSessions; got != 0 {
		t.Errorf("expected 0 with nil counter, got %d", got)
	}
}
