// Package membership keeps area-scoped entity groups in sync with the host
// registry. A Tracker maintains the members of one existing group; a Creator
// instantiates groups for areas that newly satisfy a prerequisite.
package membership

import (
	"sync"
	"time"

	"areaautomation/internal/clock"
	"areaautomation/internal/entity"
)

// Phase is the startup phase of a tracker or creator
type Phase int

const (
	// PhasePreStartup suppresses registry events until the host has started
	PhasePreStartup Phase = iota
	// PhaseAwaitingDelayedScan waits out the startup delay before one full rescan
	PhaseAwaitingDelayedScan
	// PhaseSteady handles registry events incrementally
	PhaseSteady
	// PhaseRemoved is terminal; the group was removed or the component stopped
	PhaseRemoved
)

func (p Phase) String() string {
	switch p {
	case PhasePreStartup:
		return "pre_startup"
	case PhaseAwaitingDelayedScan:
		return "awaiting_delayed_scan"
	case PhaseSteady:
		return "steady"
	case PhaseRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// gate moves PreStartup -> AwaitingDelayedScan -> Steady. A component
// started after the host has finished starting goes straight to Steady
// without a delayed scan.
type gate struct {
	key   string
	sched *clock.Scheduler
	delay time.Duration

	mu    sync.Mutex
	phase Phase
	unsub entity.Unsubscribe
}

func newGate(key string, sched *clock.Scheduler, delay time.Duration) *gate {
	return &gate{key: key, sched: sched, delay: delay, phase: PhasePreStartup}
}

// start arms the gate. onScan runs once, when the delayed scan is due.
func (g *gate) start(bus *entity.Bus, onScan func()) {
	if bus.HostStarted() {
		g.setPhase(PhaseSteady)
		return
	}

	unsub := bus.OnHostStarted(func() {
		g.mu.Lock()
		if g.phase != PhasePreStartup {
			g.mu.Unlock()
			return
		}
		g.phase = PhaseAwaitingDelayedScan
		g.mu.Unlock()

		g.sched.Schedule(g.key, g.delay, func() {
			g.mu.Lock()
			if g.phase != PhaseAwaitingDelayedScan {
				g.mu.Unlock()
				return
			}
			g.phase = PhaseSteady
			g.mu.Unlock()

			onScan()
		})
	})

	g.mu.Lock()
	g.unsub = unsub
	g.mu.Unlock()
}

func (g *gate) setPhase(p Phase) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phase != PhaseRemoved {
		g.phase = p
	}
}

func (g *gate) current() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

func (g *gate) steady() bool {
	return g.current() == PhaseSteady
}

// stop moves the gate to the terminal phase and releases its timer and
// host-started subscription. Returns false if it was already stopped.
func (g *gate) stop() bool {
	g.mu.Lock()
	if g.phase == PhaseRemoved {
		g.mu.Unlock()
		return false
	}
	g.phase = PhaseRemoved
	unsub := g.unsub
	g.unsub = nil
	g.mu.Unlock()

	g.sched.Cancel(g.key)
	if unsub != nil {
		unsub()
	}
	return true
}
