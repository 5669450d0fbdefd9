package task

import (
	"fmt"
	"sort"
	"strings"
)

// Constraint names a precondition gating a task's eligibility to run.
// The evaluator answers it from a cached environment signal of the same name.
type Constraint string

const (
	NetworkConnected Constraint = "network.connected"
	NetworkUnmetered Constraint = "network.unmetered"
	PowerConnected   Constraint = "power.connected"
	BatteryOK        Constraint = "battery.ok"
	StorageOK        Constraint = "storage.ok"
	DeviceIdle       Constraint = "device.idle"
)

// BuiltinConstraints lists the constraint names every evaluator recognizes.
func BuiltinConstraints() []Constraint {
	return []Constraint{NetworkConnected, NetworkUnmetered, PowerConnected, BatteryOK, StorageOK, DeviceIdle}
}

// NormalizeConstraint canonicalizes a constraint or signal name:
// lower case, with runs of whitespace, '_' and '-' turned into '.'.
// "network connected", "NETWORK_CONNECTED" and "network.connected" are equal.
func NormalizeConstraint(raw string) Constraint {
	s := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	b.Grow(len(s))
	sep := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '_', '-', '.':
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('.')
		}
		sep = false
		b.WriteRune(r)
	}
	return Constraint(b.String())
}

// ConstraintSet is a conjunction of constraints. The empty set is always satisfied.
// Sets built with NewConstraintSet are normalized, sorted and de-duplicated.
type ConstraintSet []Constraint

// NewConstraintSet normalizes names. Empty names are rejected with ErrInvalidConstraint.
func NewConstraintSet(names ...string) (ConstraintSet, error) {
	if len(names) == 0 {
		return nil, nil
	}
	seen := make(map[Constraint]struct{}, len(names))
	out := make(ConstraintSet, 0, len(names))
	for _, n := range names {
		c := NormalizeConstraint(n)
		if c == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidConstraint)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Constraints is NewConstraintSet for typed names; it never fails for
// the package constants.
func Constraints(cs ...Constraint) ConstraintSet {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = string(c)
	}
	out, _ := NewConstraintSet(names...)
	return out
}

func (cs ConstraintSet) Strings() []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func (cs ConstraintSet) Clone() ConstraintSet {
	if len(cs) == 0 {
		return nil
	}
	out := make(ConstraintSet, len(cs))
	copy(out, cs)
	return out
}
