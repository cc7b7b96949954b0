package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/carchat/internal/bus"
)

// State represents the real-time connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Failed, Disconnected},
	Connected:    {Disconnected},
	Failed:       {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions. Every accepted
// transition is pushed to registered observers and published on the bus.
type Machine struct {
	mu        sync.RWMutex
	current   State
	bus       *bus.Bus
	observers map[int]func(Change)
	nextObs   int
	issued    uint64

	// delivery order follows transition order
	deliverMu sync.Mutex
	turn      *sync.Cond
	delivered uint64
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	m := &Machine{
		current:   Disconnected,
		bus:       b,
		observers: make(map[int]func(Change)),
	}
	m.turn = sync.NewCond(&m.deliverMu)
	return m
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Observers run synchronously after the state is updated, outside the lock.
// Concurrent transitions reach observers in the order they were applied;
// an observer must therefore not call Transition itself.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := Change{From: m.current, To: to}
	m.current = to
	m.issued++
	ticket := m.issued
	obs := make([]func(Change), 0, len(m.observers))
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		obs = append(obs, m.observers[id])
	}
	m.mu.Unlock()

	m.deliverMu.Lock()
	for m.delivered != ticket-1 {
		m.turn.Wait()
	}
	m.deliverMu.Unlock()

	for _, fn := range obs {
		fn(change)
	}
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.ConnStateChanged, change))
	}

	m.deliverMu.Lock()
	m.delivered = ticket
	m.turn.Broadcast()
	m.deliverMu.Unlock()
	return nil
}

// Observe registers fn to be called on every transition, in registration order.
// The returned function removes the observer; calling it more than once is safe.
func (m *Machine) Observe(fn func(Change)) func() {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Change is the payload for state change events.
type Change struct {
	From State
	To   State
}
