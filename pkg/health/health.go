// Package health tracks per-component health and derives an overall
// engine state for graceful degradation.
package health

import (
	"sync"
	"time"
)

// State is a component's or the engine's health level.
type State int

const (
	// StateHealthy means fully operational.
	StateHealthy State = iota

	// StateDegraded means operational with reduced capability, such
	// as the remote tier being unreachable.
	StateDegraded

	// StateUnavailable means not operational.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Component is one tracked subsystem's current health.
type Component struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Detail      string    `json:"detail,omitempty"`
	LastChange  time.Time `json:"last_change"`
	LastChecked time.Time `json:"last_checked"`
}

// Report is a point-in-time view of engine health. Overall is the
// worst component state, except that a degraded remote tier never
// makes the engine worse than degraded: local serving keeps working.
type Report struct {
	Overall    State       `json:"overall"`
	Components []Component `json:"components"`
	TakenAt    time.Time   `json:"taken_at"`
}

// StateChangeFunc observes component transitions.
type StateChangeFunc func(component string, from, to State)

// Tracker aggregates component health reports.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*Component
	onChange   []StateChangeFunc
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		components: make(map[string]*Component),
	}
}

// OnStateChange registers a transition observer. Observers run
// synchronously inside Report updates and must be fast.
func (t *Tracker) OnStateChange(fn StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// Set records a component's current state.
func (t *Tracker) Set(name string, state State, detail string) {
	now := time.Now()

	t.mu.Lock()
	c, ok := t.components[name]
	if !ok {
		c = &Component{Name: name, State: state, LastChange: now}
		t.components[name] = c
	}
	from := c.State
	c.LastChecked = now
	c.Detail = detail
	if from != state {
		c.State = state
		c.LastChange = now
	}
	observers := t.onChange
	t.mu.Unlock()

	if from != state {
		for _, fn := range observers {
			fn(name, from, state)
		}
	}
}

// StateOf returns a component's current state. Unknown components
// report healthy: absence of evidence is not failure.
func (t *Tracker) StateOf(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.components[name]; ok {
		return c.State
	}
	return StateHealthy
}

// Report assembles the current health view.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := Report{
		Overall: StateHealthy,
		TakenAt: time.Now(),
	}
	for _, c := range t.components {
		report.Components = append(report.Components, *c)
		state := c.State
		// The remote tier is an accelerator; losing it degrades, it
		// never takes the engine down.
		if c.Name == "remote" && state > StateDegraded {
			state = StateDegraded
		}
		if state > report.Overall {
			report.Overall = state
		}
	}
	return report
}
