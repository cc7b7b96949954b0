package status

import (
	"runtime"
	"sync"
	"testing"

	"github.com/matheus3301/carchat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Failed},
		{Connecting, Disconnected},
		{Connected, Disconnected},
		{Failed, Connecting},
		{Failed, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connected},
		{Disconnected, Failed},
		{Connected, Failed},
		{Connected, Connecting},
		{Failed, Connected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (should not have changed)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.ConnStateChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.ConnStateChanged)
	}
	change, ok := evt.Payload.(Change)
	if !ok {
		t.Fatalf("payload type = %T, want Change", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

func TestObserveIsSynchronousAndOrdered(t *testing.T) {
	m := NewMachine(nil)
	var got []string
	unobs1 := m.Observe(func(c Change) { got = append(got, "a:"+string(c.To)) })
	unobs2 := m.Observe(func(c Change) {
		got = append(got, "b:"+string(c.To))
		if m.Current() != c.To {
			t.Errorf("observer saw Current() = %s, want %s", m.Current(), c.To)
		}
	})
	defer unobs2()

	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}
	unobs1()
	unobs1()
	if err := m.Transition(Connected); err != nil {
		t.Fatal(err)
	}

	want := []string{"a:CONNECTING", "b:CONNECTING", "b:CONNECTED"}
	if len(got) != len(want) {
		t.Fatalf("observed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("observed[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// Transitions racing from several goroutines must still reach observers as
// one unbroken chain: every change starts where the previous one ended.
func TestConcurrentTransitionsObservedInOrder(t *testing.T) {
	m := NewMachine(nil)
	var mu sync.Mutex
	var got []Change
	m.Observe(func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
		runtime.Gosched()
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for _, s := range []State{Connecting, Connected, Disconnected} {
					_ = m.Transition(s)
				}
			}
		}()
	}
	wg.Wait()

	if len(got) == 0 {
		t.Fatal("no transitions observed")
	}
	prev := Disconnected
	for i, c := range got {
		if c.From != prev {
			t.Fatalf("change %d = %s -> %s, previous change ended in %s", i, c.From, c.To, prev)
		}
		prev = c.To
	}
	if prev != m.Current() {
		t.Errorf("last observed state %s, Current() = %s", prev, m.Current())
	}
}

// TestRetryCycle walks a transient outage: a drop, a failed retry, then recovery.
func TestRetryCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	steps := []State{Disconnected, Connecting, Failed, Connecting, Connected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Connected {
		t.Errorf("final state = %s, want CONNECTED", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Failed:       {Connecting, Failed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
