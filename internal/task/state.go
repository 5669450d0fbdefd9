package task

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the lifecycle state of a task.
//
// The numeric order is the order a single cycle moves through:
// Enqueued < Running < Succeeded/Failed/Cancelled.
type State int

const (
	StateEnqueued State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StateEnqueued:  "enqueued",
	StateRunning:   "running",
	StateSucceeded: "succeeded",
	StateFailed:    "failed",
	StateCancelled: "cancelled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Finished reports whether s ends a cycle (Succeeded, Failed or Cancelled).
func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ParseState parses the lowercase state name.
func ParseState(raw string) (State, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range stateNames {
		if n == v {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", raw)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := ParseState(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Kind distinguishes one-time from periodic tasks.
type Kind string

const (
	KindOneTime  Kind = "one-time"
	KindPeriodic Kind = "periodic"
)

func (k Kind) Valid() bool { return k == KindOneTime || k == KindPeriodic }
