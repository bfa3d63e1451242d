// Package fsm is a small guarded state machine.
//
// Each state owns an ordered list of outgoing transitions. On Update the
// guards are evaluated in insertion order against the supplied input and the
// first one that holds selects the next state. When no guard holds the machine
// stays where it is.
//
// States and transitions are wired once at construction; afterwards only the
// current state moves.
package fsm

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyTransitions is returned when a state's transition budget is spent.
	ErrTooManyTransitions = errors.New("fsm: too many transitions")
	// ErrUnknownState is returned when a transition targets an unregistered state.
	ErrUnknownState = errors.New("fsm: unknown state")
)

// Guard decides whether a transition fires for the given input.
type Guard[I any] func(in I) bool

// Transition is one outgoing edge of a State.
type Transition[S comparable, I any] struct {
	To    S
	Guard Guard[I]
}

// State is a node of the machine with its ordered outgoing edges.
type State[S comparable, I any] struct {
	id          S
	max         int
	transitions []Transition[S, I]
}

// NewState creates a state accepting at most max transitions.
func NewState[S comparable, I any](id S, max int) *State[S, I] {
	return &State[S, I]{id: id, max: max, transitions: make([]Transition[S, I], 0, max)}
}

// ID returns the state identifier.
func (s *State[S, I]) ID() S { return s.id }

// AddTransition appends an edge. Edges added earlier take precedence.
func (s *State[S, I]) AddTransition(to S, guard Guard[I]) error {
	if len(s.transitions) >= s.max {
		return fmt.Errorf("%w: state %v allows %d", ErrTooManyTransitions, s.id, s.max)
	}
	s.transitions = append(s.transitions, Transition[S, I]{To: to, Guard: guard})
	return nil
}

// Next returns the target of the first transition whose guard holds.
func (s *State[S, I]) Next(in I) (S, bool) {
	for _, t := range s.transitions {
		if t.Guard(in) {
			return t.To, true
		}
	}
	var zero S
	return zero, false
}

// Machine tracks the current state among a fixed set of states.
// It is not safe for concurrent use; a single goroutine drives it.
type Machine[S comparable, I any] struct {
	states       map[S]*State[S, I]
	current      S
	onTransition func(from, to S)
}

// New builds a machine starting in initial. Every transition target and the
// initial state must be among states.
func New[S comparable, I any](initial S, states ...*State[S, I]) (*Machine[S, I], error) {
	m := &Machine[S, I]{states: make(map[S]*State[S, I], len(states)), current: initial}
	for _, s := range states {
		m.states[s.id] = s
	}
	if _, ok := m.states[initial]; !ok {
		return nil, fmt.Errorf("%w: initial %v", ErrUnknownState, initial)
	}
	for _, s := range states {
		for _, t := range s.transitions {
			if _, ok := m.states[t.To]; !ok {
				return nil, fmt.Errorf("%w: %v -> %v", ErrUnknownState, s.id, t.To)
			}
		}
	}
	return m, nil
}

// OnTransition registers fn to be called after every state change.
func (m *Machine[S, I]) OnTransition(fn func(from, to S)) { m.onTransition = fn }

// Current returns the current state.
func (m *Machine[S, I]) Current() S { return m.current }

// Update evaluates in against the current state's transitions and moves to
// the selected state. It reports whether the state changed.
func (m *Machine[S, I]) Update(in I) (S, bool) {
	next, ok := m.states[m.current].Next(in)
	if !ok || next == m.current {
		return m.current, false
	}
	from := m.current
	m.current = next
	if m.onTransition != nil {
		m.onTransition(from, next)
	}
	return next, true
}

// IsReachable reports whether Update(in) would leave the machine in target.
func (m *Machine[S, I]) IsReachable(target S, in I) bool {
	next, ok := m.states[m.current].Next(in)
	if !ok {
		return m.current == target
	}
	return next == target
}

// CheckCurrentState reports whether in keeps the machine where it is.
func (m *Machine[S, I]) CheckCurrentState(in I) bool {
	return m.IsReachable(m.current, in)
}
