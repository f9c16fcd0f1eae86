package cursor

import (
	"errors"
	"time"
)

// State is the in-memory mode of the cursor. It is never persisted: a
// restart always resumes scanning from the stored position.
type State string

const (
	StateInit      State = "init"
	StateScanning  State = "scanning"
	StateRewinding State = "rewinding"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateInit:      {StateScanning},
	StateScanning:  {StateRewinding},
	StateRewinding: {StateScanning},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateInit:
		return "Initializing - no cursor loaded yet"
	case StateScanning:
		return "Scanning - normal forward reconciliation"
	case StateRewinding:
		return "Rewinding - reprocessing a bounded window after a reorg"
	default:
		return "Unknown state"
	}
}
