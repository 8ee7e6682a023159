package integrity

// TabSwitchGuard coalesces visibility and window-focus events into single
// tab-switch violations.
type TabSwitchGuard struct {
	tracker     *Tracker
	focused     bool
	onViolation func(Result)
}

// NewTabSwitchGuard creates a guard that assumes the page starts focused.
func NewTabSwitchGuard(tracker *Tracker, onViolation func(Result)) *TabSwitchGuard {
	return &TabSwitchGuard{tracker: tracker, focused: true, onViolation: onViolation}
}

// FocusLost handles a hidden document or a blurred window.
func (g *TabSwitchGuard) FocusLost() {
	if !g.focused {
		return
	}
	g.focused = false
	if !g.tracker.Armed() {
		return
	}
	res := g.tracker.RecordViolation()
	if g.onViolation != nil {
		g.onViolation(res)
	}
}

// FocusGained handles a visible document or a focused window.
func (g *TabSwitchGuard) FocusGained() {
	g.focused = true
}

// Focused returns the last known focus state.
func (g *TabSwitchGuard) Focused() bool {
	return g.focused
}
