package qube

// states.go: lifecycle states and the guarded transition table.
//
//	INIT        ──► SHUTDOWN | DISCOVERING | OPERATIVE
//	DISCOVERING ──► SHUTDOWN | OPERATIVE
//	OPERATIVE   ──► SHUTDOWN | MAINTENANCE | DISCOVERING
//	MAINTENANCE ──► SHUTDOWN | OPERATIVE
//
// Guards are evaluated in the order listed; the first that holds wins.

import (
	"fmt"

	"github.com/sneh-joshi/disqube/internal/fsm"
)

// State is one step of the qube lifecycle.
type State uint8

const (
	StateInit State = iota
	StateDiscovering
	StateOperative
	StateMaintenance
	StateShutdown
)

// maxTransitions bounds the outgoing edges of any state.
const maxTransitions = 4

// States lists every lifecycle state in declaration order.
func States() []State {
	return []State{StateInit, StateDiscovering, StateOperative, StateMaintenance, StateShutdown}
}

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateDiscovering:
		return "DISCOVERING"
	case StateOperative:
		return "OPERATIVE"
	case StateMaintenance:
		return "MAINTENANCE"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Input is the set of facts the guards look at. Only the run loop mutates it.
type Input struct {
	ItfReady     bool
	DiscoverFlag bool
	IsMaster     bool
	AnyWorker    bool
	Maintenance  bool
	Shutdown     bool
}

// Machine is the lifecycle state machine.
type Machine = fsm.Machine[State, Input]

func onShutdown(in Input) bool { return in.Shutdown }

// NewMachine builds the lifecycle machine, starting in INIT.
func NewMachine() (*Machine, error) {
	type edge struct {
		from, to State
		guard    fsm.Guard[Input]
	}
	table := []edge{
		{StateInit, StateShutdown, onShutdown},
		{StateInit, StateDiscovering, func(in Input) bool {
			return in.ItfReady && in.DiscoverFlag && in.IsMaster
		}},
		{StateInit, StateOperative, func(in Input) bool {
			return in.ItfReady && !(in.DiscoverFlag && in.IsMaster)
		}},

		{StateDiscovering, StateShutdown, onShutdown},
		{StateDiscovering, StateOperative, func(in Input) bool { return in.AnyWorker }},

		{StateOperative, StateShutdown, onShutdown},
		{StateOperative, StateMaintenance, func(in Input) bool { return in.Maintenance }},
		{StateOperative, StateDiscovering, func(in Input) bool { return !in.AnyWorker && in.IsMaster }},

		{StateMaintenance, StateShutdown, onShutdown},
		{StateMaintenance, StateOperative, func(in Input) bool { return !in.Maintenance }},
	}

	nodes := make(map[State]*fsm.State[State, Input])
	all := make([]*fsm.State[State, Input], 0, len(States()))
	for _, s := range States() {
		n := fsm.NewState[State, Input](s, maxTransitions)
		nodes[s] = n
		all = append(all, n)
	}
	for _, e := range table {
		if err := nodes[e.from].AddTransition(e.to, e.guard); err != nil {
			return nil, err
		}
	}
	return fsm.New(StateInit, all...)
}
