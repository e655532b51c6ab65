package termclient

import "testing"

func TestNewTabSetHasPrimordialTab(t *testing.T) {
	s := NewTabSet()
	tabs := s.Tabs()
	if len(tabs) != 1 || tabs[0].ID != PrimordialTabID {
		t.Fatalf("expected single primordial tab, got %+v", tabs)
	}
	if s.Active() != PrimordialTabID {
		t.Errorf("primordial tab starts active, got %q", s.Active())
	}
}

func TestAddRespectsLimit(t *testing.T) {
	s := NewTabSet()
	for i := 1; i < MaxTabs; i++ {
		if _, err := s.Add("", ""); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if s.Count() != MaxTabs {
		t.Fatalf("expected %d tabs, got %d", MaxTabs, s.Count())
	}
	if _, err := s.Add("", ""); err == nil {
		t.Error("add beyond the limit must fail")
	}
}

func TestAddActivatesNewTab(t *testing.T) {
	s := NewTabSet()
	tab, err := s.Add("monitor", "htop")
	if err != nil {
		t.Fatal(err)
	}
	if s.Active() != tab.ID {
		t.Errorf("new tab becomes active, got %q", s.Active())
	}
	if tab.Command != "htop" {
		t.Errorf("command not kept: %+v", tab)
	}
}

func TestClosePrimordialRefused(t *testing.T) {
	s := NewTabSet()
	if err := s.Close(PrimordialTabID); err == nil {
		t.Error("primordial tab cannot be closed")
	}
}

func TestCloseActiveSelectsFirstTab(t *testing.T) {
	s := NewTabSet()
	second, _ := s.Add("", "")
	third, _ := s.Add("", "")

	if s.Active() != third.ID {
		t.Fatal("setup: third tab should be active")
	}
	if err := s.Close(third.ID); err != nil {
		t.Fatal(err)
	}
	if s.Active() != PrimordialTabID {
		t.Errorf("closing the active tab selects the first tab in order, got %q", s.Active())
	}

	// Closing an inactive tab leaves the selection alone.
	fourth, _ := s.Add("", "")
	s.SetActive(second.ID)
	if err := s.Close(fourth.ID); err != nil {
		t.Fatal(err)
	}
	if s.Active() != second.ID {
		t.Errorf("selection must survive closing another tab, got %q", s.Active())
	}
}

func TestCloseUnknownTab(t *testing.T) {
	s := NewTabSet()
	if err := s.Close("99"); err == nil {
		t.Error("closing an unknown tab must fail")
	}
}

func TestTabIDsNotReused(t *testing.T) {
	s := NewTabSet()
	second, _ := s.Add("", "")
	s.Close(second.ID)
	third, _ := s.Add("", "")
	if third.ID == second.ID {
		t.Errorf("tab ids must not be reused: %q", third.ID)
	}
}

func TestReorder(t *testing.T) {
	s := NewTabSet()
	b, _ := s.Add("", "")
	c, _ := s.Add("", "")

	if err := s.Reorder([]string{PrimordialTabID, c.ID, b.ID}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	tabs := s.Tabs()
	if tabs[1].ID != c.ID || tabs[2].ID != b.ID {
		t.Errorf("order not applied: %+v", tabs)
	}
}

func TestReorderRejectsInvalidPermutations(t *testing.T) {
	s := NewTabSet()
	b, _ := s.Add("", "")

	cases := []struct {
		name string
		ids  []string
	}{
		{"primordial not first", []string{b.ID, PrimordialTabID}},
		{"missing tab", []string{PrimordialTabID}},
		{"unknown tab", []string{PrimordialTabID, "99"}},
		{"duplicate", []string{PrimordialTabID, PrimordialTabID}},
	}
	for _, tc := range cases {
		if err := s.Reorder(tc.ids); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
