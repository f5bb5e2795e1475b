package statemachine

import "fmt"

// Table is an immutable set of transitions. It is safe for concurrent use and
// is usually built once and shared by every Machine started from it.
type Table struct {
	transitions map[string]map[string][]Transition
}

// NewTable indexes transitions by source state and event. Transitions sharing
// a source and an event are tried in the given order; the first one whose
// guards pass is taken.
func NewTable(transitions ...Transition) (*Table, error) {
	t := &Table{transitions: make(map[string]map[string][]Transition)}
	for i, tr := range transitions {
		if tr.From == nil || tr.To == nil || tr.Event == nil {
			return nil, fmt.Errorf("transition %d: %w", i, ErrInvalidTransition)
		}
		byEvent, ok := t.transitions[tr.From.Name()]
		if !ok {
			byEvent = make(map[string][]Transition)
			t.transitions[tr.From.Name()] = byEvent
		}
		byEvent[tr.Event.Name()] = append(byEvent[tr.Event.Name()], tr)
	}
	return t, nil
}

// MustNewTable is like NewTable but panics on an invalid transition.
func MustNewTable(transitions ...Transition) *Table {
	t, err := NewTable(transitions...)
	if err != nil {
		panic(err)
	}
	return t
}

// Terminal reports whether no transition leaves s.
func (t *Table) Terminal(s State) bool {
	return s != nil && len(t.transitions[s.Name()]) == 0
}

// Start returns a Machine in state initial. hooks run on every transition
// taken, after the transition's own actions.
func (t *Table) Start(initial State, hooks ...Action) (*Machine, error) {
	if initial == nil {
		return nil, ErrInvalidState
	}
	return &Machine{table: t, initial: initial, current: initial, hooks: hooks}, nil
}
