// Package ui models the states the analysis page moves through.
package ui

import (
	"errors"
	"fmt"
)

type State int

const (
	Idle State = iota
	AwaitingSubmission
	Processing
	DisplayingResult
	DisplayingError
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingSubmission:
		return "awaiting_submission"
	case Processing:
		return "processing"
	case DisplayingResult:
		return "displaying_result"
	case DisplayingError:
		return "displaying_error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event is a user action or a pipeline outcome.
type Event int

const (
	Upload Event = iota
	Submit
	Succeed
	Fail
	Reset
)

func (e Event) String() string {
	switch e {
	case Upload:
		return "upload"
	case Submit:
		return "submit"
	case Succeed:
		return "succeed"
	case Fail:
		return "fail"
	case Reset:
		return "reset"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

var ErrInvalidTransition = errors.New("invalid transition")

var transitions = map[State]map[Event]State{
	Idle: {
		Upload: AwaitingSubmission,
	},
	AwaitingSubmission: {
		Upload: AwaitingSubmission, // replacing the chosen image
		Submit: Processing,
		Reset:  Idle,
	},
	Processing: {
		Succeed: DisplayingResult,
		Fail:    DisplayingError,
	},
	DisplayingResult: {
		Reset: Idle,
	},
	DisplayingError: {
		Reset: Idle,
	},
}

// Machine tracks the page state for one interaction. It is not safe for
// concurrent use; each request owns its own Machine.
type Machine struct {
	state   State
	history []State
}

func NewMachine() *Machine {
	return &Machine{history: []State{Idle}}
}

func (m *Machine) State() State { return m.state }

// History returns every state visited, starting with Idle.
func (m *Machine) History() []State {
	h := make([]State, len(m.history))
	copy(h, m.history)
	return h
}

// Displaying reports whether the machine is showing a result or an error.
func (m *Machine) Displaying() bool {
	return m.state == DisplayingResult || m.state == DisplayingError
}

// Fire applies e. Events that are not valid in the current state leave the
// machine unchanged and return ErrInvalidTransition.
func (m *Machine) Fire(e Event) error {
	next, ok := transitions[m.state][e]
	if !ok {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, e, m.state)
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}
