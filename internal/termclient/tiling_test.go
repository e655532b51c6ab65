package termclient

import (
	"sync"
	"testing"
	"time"
)

// refitRecorder collects refit callbacks.
type refitRecorder struct {
	mu      sync.Mutex
	layouts []Layout
}

func (r *refitRecorder) fn(l Layout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layouts = append(r.layouts, l)
}

func (r *refitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.layouts)
}

func TestSetLayoutEnforcesMinimum(t *testing.T) {
	e := NewTilingEngine()

	cases := []struct {
		layout Layout
		min    int
	}{
		{LayoutSplit2, 2},
		{LayoutSplit3, 3},
		{LayoutGrid4, 4},
	}
	for _, tc := range cases {
		if err := e.SetLayout(tc.layout, tc.min-1); err == nil {
			t.Errorf("%s with %d tabs should be refused", tc.layout, tc.min-1)
		}
		if err := e.SetLayout(tc.layout, tc.min); err != nil {
			t.Errorf("%s with %d tabs should be allowed: %v", tc.layout, tc.min, err)
		}
	}
}

func TestSetLayoutEnforcesCapacity(t *testing.T) {
	e := NewTilingEngine()
	if err := e.SetLayout(LayoutSplit2, 3); err == nil {
		t.Error("split2 cannot display 3 tabs")
	}
	if err := e.SetLayout(LayoutTabbed, MaxTabs); err != nil {
		t.Errorf("tabbed holds any tab count: %v", err)
	}
}

func TestSetLayoutTabbedDisablesTiling(t *testing.T) {
	e := NewTilingEngine()
	if err := e.SetLayout(LayoutSplit2, 2); err != nil {
		t.Fatal(err)
	}
	if !e.Enabled() {
		t.Fatal("tiling should be on")
	}
	if err := e.SetLayout(LayoutTabbed, 2); err != nil {
		t.Fatal(err)
	}
	if e.Enabled() {
		t.Error("selecting tabbed turns tiling off")
	}
}

func TestShrinkDowngradesLayout(t *testing.T) {
	e := NewTilingEngine()
	if err := e.SetLayout(LayoutGrid4, 4); err != nil {
		t.Fatal(err)
	}

	e.TabCountChanged(3)
	if got := e.Layout(); got != LayoutSplit3 {
		t.Errorf("4->3 tabs downgrades grid4 to split3, got %s", got)
	}

	e.TabCountChanged(2)
	if got := e.Layout(); got != LayoutSplit2 {
		t.Errorf("3->2 tabs downgrades split3 to split2, got %s", got)
	}

	e.TabCountChanged(1)
	if got := e.Layout(); got != LayoutTabbed {
		t.Errorf("2->1 tabs falls back to tabbed, got %s", got)
	}
	if e.Enabled() {
		t.Error("a single tab cannot tile")
	}
}

func TestGrowthDisablesInsteadOfUpgrading(t *testing.T) {
	e := NewTilingEngine()
	if err := e.SetLayout(LayoutSplit2, 2); err != nil {
		t.Fatal(err)
	}

	// The user picked split2; guessing grid4 for them would be wrong.
	e.TabCountChanged(3)
	if e.Enabled() {
		t.Error("overflowing the layout disables tiling")
	}
	if got := e.Layout(); got != LayoutTabbed {
		t.Errorf("expected tabbed after overflow, got %s", got)
	}
}

func TestTabCountChangeWithinBoundsKeepsLayout(t *testing.T) {
	e := NewTilingEngine()
	if err := e.SetLayout(LayoutSplit3, 3); err != nil {
		t.Fatal(err)
	}
	e.TabCountChanged(3)
	if got := e.Layout(); got != LayoutSplit3 {
		t.Errorf("layout must survive a fitting tab count, got %s", got)
	}
}

func TestTwoPhaseRefit(t *testing.T) {
	rec := &refitRecorder{}
	e := NewTilingEngine()
	e.RefitFn = rec.fn
	defer e.Stop()

	if err := e.SetLayout(LayoutSplit2, 2); err != nil {
		t.Fatal(err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected one immediate refit, got %d", rec.count())
	}

	deadline := time.After(2 * time.Second)
	for rec.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("delayed refit never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestVisibleTabs(t *testing.T) {
	set := NewTabSet()
	b, _ := set.Add("", "")
	c, _ := set.Add("", "")

	e := NewTilingEngine()

	// Tabbed shows only the active tab.
	set.SetActive(b.ID)
	visible := e.VisibleTabs(set)
	if len(visible) != 1 || visible[0] != b.ID {
		t.Errorf("tabbed shows the active tab, got %v", visible)
	}

	if err := e.SetLayout(LayoutSplit3, 3); err != nil {
		t.Fatal(err)
	}
	e.Stop()
	visible = e.VisibleTabs(set)
	if len(visible) != 3 {
		t.Fatalf("split3 shows three panes, got %v", visible)
	}
	if visible[0] != PrimordialTabID || visible[1] != b.ID || visible[2] != c.ID {
		t.Errorf("panes follow display order, got %v", visible)
	}
}
