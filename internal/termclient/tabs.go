// Package termclient is the client-side terminal layer: an ordered tab
// set, per-tab reconnecting websocket connections, and the tiling layout
// engine. Each tab is one independent byte stream to the instance; a
// dropped tab reconnects without disturbing its siblings.
package termclient

import (
	"fmt"
	"sync"
)

// MaxTabs bounds the number of terminal tabs per session.
const MaxTabs = 6

// PrimordialTabID is the tab every session starts with. It cannot be
// closed and always sorts first.
const PrimordialTabID = "1"

// Tab is one terminal tab's client-side state.
type Tab struct {
	ID      string
	Label   string
	Command string
}

// TabSet is the ordered collection of tabs plus the active selection.
type TabSet struct {
	mu     sync.Mutex
	tabs   []Tab
	active string
	nextID int
}

// NewTabSet starts with the primordial tab active.
func NewTabSet() *TabSet {
	return &TabSet{
		tabs:   []Tab{{ID: PrimordialTabID, Label: "shell"}},
		active: PrimordialTabID,
		nextID: 2,
	}
}

// Tabs returns a snapshot of the tabs in display order.
func (s *TabSet) Tabs() []Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tab, len(s.tabs))
	copy(out, s.tabs)
	return out
}

func (s *TabSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tabs)
}

func (s *TabSet) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Add appends a new tab and makes it active.
func (s *TabSet) Add(label, command string) (Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tabs) >= MaxTabs {
		return Tab{}, fmt.Errorf("tab limit reached (%d)", MaxTabs)
	}
	tab := Tab{ID: fmt.Sprintf("%d", s.nextID), Label: label, Command: command}
	s.nextID++
	s.tabs = append(s.tabs, tab)
	s.active = tab.ID
	return tab, nil
}

// Close removes a tab. The primordial tab is refused. If the closed tab
// was active, the first tab in display order becomes active.
func (s *TabSet) Close(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == PrimordialTabID {
		return fmt.Errorf("tab %s cannot be closed", PrimordialTabID)
	}
	idx := -1
	for i, t := range s.tabs {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("tab %s not found", id)
	}
	s.tabs = append(s.tabs[:idx], s.tabs[idx+1:]...)
	if s.active == id {
		s.active = s.tabs[0].ID
	}
	return nil
}

// SetActive selects a tab by ID.
func (s *TabSet) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tabs {
		if t.ID == id {
			s.active = id
			return nil
		}
	}
	return fmt.Errorf("tab %s not found", id)
}

// Reorder replaces the display order. The new order must be an exact
// permutation of the current IDs with the primordial tab first.
func (s *TabSet) Reorder(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) != len(s.tabs) {
		return fmt.Errorf("reorder must include all %d tabs", len(s.tabs))
	}
	if ids[0] != PrimordialTabID {
		return fmt.Errorf("tab %s must stay first", PrimordialTabID)
	}
	byID := make(map[string]Tab, len(s.tabs))
	for _, t := range s.tabs {
		byID[t.ID] = t
	}
	reordered := make([]Tab, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return fmt.Errorf("unknown tab %s", id)
		}
		if seen[id] {
			return fmt.Errorf("duplicate tab %s", id)
		}
		seen[id] = true
		reordered = append(reordered, t)
	}
	s.tabs = reordered
	return nil
}
