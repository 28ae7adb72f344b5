package ledger

import (
	"fmt"
	"strings"
)

// State is the lifecycle position of one trade
type State int8

const (
	StateInitiated State = iota
	StateSubmitted
	StateFilled
	StateReconciled
	StateReconciliationFailed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateSubmitted:
		return "submitted"
	case StateFilled:
		return "filled"
	case StateReconciled:
		return "reconciled"
	case StateReconciliationFailed:
		return "reconciliation_failed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal states accept no further transition
func (s State) Terminal() bool {
	return s == StateReconciled || s == StateReconciliationFailed || s == StateFailed
}

var transitions = map[State][]State{
	StateInitiated: {StateSubmitted},
	StateSubmitted: {StateFilled, StateFailed},
	StateFilled:    {StateReconciled, StateReconciliationFailed},
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// lifecycle tracks one trade through the state machine
type lifecycle struct {
	state State
	path  []State
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: StateInitiated, path: []State{StateInitiated}}
}

func (l *lifecycle) advance(to State) {
	if !l.state.CanTransition(to) {
		panic(fmt.Sprintf("ledger: illegal trade transition %s -> %s", l.state, to))
	}
	l.state = to
	l.path = append(l.path, to)
}

func (l *lifecycle) String() string {
	parts := make([]string, len(l.path))
	for i, s := range l.path {
		parts[i] = s.String()
	}
	return strings.Join(parts, ">")
}
