// Package activity tracks connected terminal clients per session and
// derives how long an instance has been fully idle. It is a liveness
// heuristic for eviction, not a correctness-critical value.
package activity

import (
	"sync"
	"time"
)

// RunningCounter reports instances with a live backing process. The
// registry implements it; a nil counter yields zero values, never an error.
type RunningCounter interface {
	CountRunning() (int, error)
}

// Info is the snapshot returned to callers. DisconnectedForMs is nil while
// at least one client is connected.
type Info struct {
	ConnectedClients  int    `json:"connected_clients"`
	DisconnectedForMs *int64 `json:"disconnected_for_ms"`
	ActiveSessions    int    `json:"active_sessions"`
}

// Tracker maintains per-session connected-client counts. Safe for
// concurrent use by independent tab connections.
type Tracker struct {
	mu      sync.Mutex
	counter RunningCounter
	state   map[string]*sessionState
	now     func() time.Time
}

type sessionState struct {
	connected           int
	lastAllDisconnected time.Time // zero while any client is connected
}

func NewTracker(counter RunningCounter) *Tracker {
	return &Tracker{
		counter: counter,
		state:   make(map[string]*sessionState),
		now:     time.Now,
	}
}

// Connect records a new client connection for the session. Any connection
// clears the all-disconnected timestamp.
func (t *Tracker) Connect(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.ensure(sessionID)
	st.connected++
	st.lastAllDisconnected = time.Time{}
}

// Disconnect records a client going away. The timestamp is set only on the
// transition from >=1 to 0.
func (t *Tracker) Disconnect(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.ensure(sessionID)
	if st.connected > 0 {
		st.connected--
	}
	if st.connected == 0 && st.lastAllDisconnected.IsZero() {
		st.lastAllDisconnected = t.now()
	}
}

// Forget drops state for a destroyed session.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, sessionID)
}

// Snapshot reports the session's activity. Sessions never seen count as
// disconnected since first observation.
func (t *Tracker) Snapshot(sessionID string) Info {
	t.mu.Lock()
	st := t.ensure(sessionID)
	info := Info{ConnectedClients: st.connected}
	if st.connected == 0 && !st.lastAllDisconnected.IsZero() {
		ms := t.now().Sub(st.lastAllDisconnected).Milliseconds()
		info.DisconnectedForMs = &ms
	}
	t.mu.Unlock()

	if t.counter != nil {
		if n, err := t.counter.CountRunning(); err == nil {
			info.ActiveSessions = n
		}
	}
	return info
}

// DisconnectedFor reports how long the session has had zero clients, or
// (0, false) while any client is connected. A session never seen before is
// stamped now and counts as disconnected from this first observation, so
// an instance no client ever attached to still accrues idle time.
func (t *Tracker) DisconnectedFor(sessionID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.ensure(sessionID)
	if st.connected > 0 || st.lastAllDisconnected.IsZero() {
		return 0, false
	}
	return t.now().Sub(st.lastAllDisconnected), true
}

func (t *Tracker) ensure(sessionID string) *sessionState {
	st, ok := t.state[sessionID]
	if !ok {
		st = &sessionState{lastAllDisconnected: t.now()}
		t.state[sessionID] = st
	}
	return st
}
