package termclient

import (
	"fmt"
	"sync"
	"time"
)

// Layout identifies a tiling arrangement.
type Layout string

const (
	LayoutTabbed Layout = "tabbed" // one visible terminal, the rest behind tabs
	LayoutSplit2 Layout = "split2" // two panes side by side
	LayoutSplit3 Layout = "split3" // one large pane plus two stacked
	LayoutGrid4  Layout = "grid4"  // 2x2 grid
)

// layoutMin is the fewest tabs a layout can display without empty panes.
var layoutMin = map[Layout]int{
	LayoutTabbed: 1,
	LayoutSplit2: 2,
	LayoutSplit3: 3,
	LayoutGrid4:  4,
}

// layoutCap is the most tabs a layout can display at once.
var layoutCap = map[Layout]int{
	LayoutTabbed: MaxTabs,
	LayoutSplit2: 2,
	LayoutSplit3: 3,
	LayoutGrid4:  4,
}

// downgradeOrder lists layouts from largest to smallest; shrinking below
// a layout's minimum picks the next one that still fits.
var downgradeOrder = []Layout{LayoutGrid4, LayoutSplit3, LayoutSplit2, LayoutTabbed}

// refitDelay covers pane animation settling: geometry measured mid-slide
// gives wrong PTY sizes, so a second refit runs after the slide is done.
const refitDelay = 350 * time.Millisecond

// TilingEngine holds the layout selection and drives refits. RefitFn is
// called with the current layout whenever pane geometry may have
// changed; it runs once immediately and once after refitDelay.
type TilingEngine struct {
	RefitFn func(Layout)

	mu      sync.Mutex
	layout  Layout
	enabled bool
	timer   *time.Timer
}

func NewTilingEngine() *TilingEngine {
	return &TilingEngine{layout: LayoutTabbed}
}

// Layout returns the effective layout: tabbed whenever tiling is off.
func (e *TilingEngine) Layout() Layout {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return LayoutTabbed
	}
	return e.layout
}

func (e *TilingEngine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// SetLayout selects a tiling layout explicitly. The layout must fit the
// current tab count; selecting tabbed turns tiling off.
func (e *TilingEngine) SetLayout(l Layout, tabCount int) error {
	min, ok := layoutMin[l]
	if !ok {
		return fmt.Errorf("unknown layout %q", l)
	}
	if tabCount < min {
		return fmt.Errorf("layout %s needs at least %d tabs, have %d", l, min, tabCount)
	}
	if tabCount > layoutCap[l] {
		return fmt.Errorf("layout %s fits at most %d tabs, have %d", l, layoutCap[l], tabCount)
	}

	e.mu.Lock()
	e.layout = l
	e.enabled = l != LayoutTabbed
	e.mu.Unlock()

	e.refit()
	return nil
}

// TabCountChanged reconciles the layout after tabs were added or closed.
// Shrinking below the layout's minimum downgrades to the largest layout
// that still fits. Growing past the layout's capacity disables tiling
// rather than guessing a bigger arrangement the user never picked.
func (e *TilingEngine) TabCountChanged(tabCount int) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}

	changed := false
	if tabCount > layoutCap[e.layout] {
		e.enabled = false
		e.layout = LayoutTabbed
		changed = true
	} else if tabCount < layoutMin[e.layout] {
		for _, l := range downgradeOrder {
			if tabCount >= layoutMin[l] {
				e.layout = l
				break
			}
		}
		if e.layout == LayoutTabbed {
			e.enabled = false
		}
		changed = true
	}
	e.mu.Unlock()

	if changed {
		e.refit()
	}
}

// ViewportChanged triggers a refit after the hosting surface resized.
func (e *TilingEngine) ViewportChanged() {
	e.refit()
}

// refit runs the two-phase geometry push: once now, once after the
// settle delay. A new refit supersedes a pending delayed one.
func (e *TilingEngine) refit() {
	e.mu.Lock()
	fn := e.RefitFn
	layout := e.layout
	if !e.enabled {
		layout = LayoutTabbed
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	if fn != nil {
		e.timer = time.AfterFunc(refitDelay, func() { fn(layout) })
	}
	e.mu.Unlock()

	if fn != nil {
		fn(layout)
	}
}

// Stop cancels any pending delayed refit.
func (e *TilingEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// VisibleTabs returns the IDs shown by the current layout: in tiling the
// first N tabs in display order, in tabbed mode just the active tab.
func (e *TilingEngine) VisibleTabs(set *TabSet) []string {
	layout := e.Layout()
	tabs := set.Tabs()

	if layout == LayoutTabbed {
		return []string{set.Active()}
	}
	n := layoutCap[layout]
	if n > len(tabs) {
		n = len(tabs)
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = tabs[i].ID
	}
	return ids
}
