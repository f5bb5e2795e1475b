package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// Machine is one run over a Table.
type Machine struct {
	table   *Table
	initial State
	hooks   []Action

	mu      sync.RWMutex
	current State
	history []State
}

// Current returns the state the machine is in.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// History returns the states left so far, oldest first.
func (m *Machine) History() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]State(nil), m.history...)
}

// Done reports whether the machine reached a terminal state.
func (m *Machine) Done() bool {
	return m.table.Terminal(m.Current())
}

// Fire takes the first transition for event whose guards pass for data.
// The machine stays where it is when no transition matches or an action fails.
func (m *Machine) Fire(ctx context.Context, event Event, data any) error {
	if event == nil {
		return ErrInvalidEvent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tr, err := m.match(ctx, event, data)
	if err != nil {
		return err
	}

	for _, action := range tr.Actions {
		if action == nil {
			continue
		}
		if err := action(ctx, m.current, tr.To, event, data); err != nil {
			return fmt.Errorf("%s -> %s: %w", m.current.Name(), tr.To.Name(), err)
		}
	}
	for _, hook := range m.hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, m.current, tr.To, event, data); err != nil {
			return fmt.Errorf("%s -> %s: %w", m.current.Name(), tr.To.Name(), err)
		}
	}

	m.history = append(m.history, m.current)
	m.current = tr.To
	return nil
}

// CanFire reports whether Fire would find a transition. Actions are not run.
func (m *Machine) CanFire(ctx context.Context, event Event, data any) bool {
	if event == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	_, err := m.match(ctx, event, data)
	return err == nil
}

// Reset moves the machine back to its initial state and clears its history.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.initial
	m.history = nil
}

func (m *Machine) match(ctx context.Context, event Event, data any) (Transition, error) {
	candidates := m.table.transitions[m.current.Name()][event.Name()]
	if len(candidates) == 0 {
		return Transition{}, &TransitionError{State: m.current.Name(), Event: event.Name(), Err: ErrNoTransition}
	}

	for _, tr := range candidates {
		if guardsPass(ctx, tr, m.current, event, data) {
			return tr, nil
		}
	}
	return Transition{}, &TransitionError{State: m.current.Name(), Event: event.Name(), Err: ErrTransitionRejected}
}

func guardsPass(ctx context.Context, tr Transition, from State, event Event, data any) bool {
	for _, guard := range tr.Guards {
		if guard != nil && !guard(ctx, from, event, data) {
			return false
		}
	}
	return true
}
