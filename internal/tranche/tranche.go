// Package tranche defines the lifecycle of a funding tranche.
//
// A tranche is one slice of an investor's commitment that is called and
// funded on its own schedule. Every status change goes through Validate
// before it is persisted.
package tranche

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for status changes outside the table.
var ErrInvalidTransition = errors.New("tranche: invalid status transition")

// Status is the state of a tranche.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusScheduled       Status = "SCHEDULED"
	StatusCalled          Status = "CALLED"
	StatusPartiallyFunded Status = "PARTIALLY_FUNDED"
	StatusFunded          Status = "FUNDED"
	StatusOverdue         Status = "OVERDUE"
	StatusDefaulted       Status = "DEFAULTED"
	StatusCancelled       Status = "CANCELLED"
)

// Statuses lists every status in declaration order.
var Statuses = []Status{
	StatusPending,
	StatusScheduled,
	StatusCalled,
	StatusPartiallyFunded,
	StatusFunded,
	StatusOverdue,
	StatusDefaulted,
	StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending:         {StatusScheduled, StatusCalled, StatusCancelled},
	StatusScheduled:       {StatusCalled, StatusOverdue, StatusCancelled},
	StatusCalled:          {StatusPartiallyFunded, StatusFunded, StatusOverdue, StatusCancelled},
	StatusPartiallyFunded: {StatusFunded, StatusOverdue, StatusCancelled},
	StatusOverdue:         {StatusDefaulted, StatusCancelled, StatusCalled, StatusPartiallyFunded, StatusFunded},
	StatusDefaulted:       {StatusCancelled},
	StatusFunded:          nil,
	StatusCancelled:       nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Next returns the statuses reachable from s in one step.
func Next(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransition reports whether from → to is in the table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("tranche: %s is terminal, cannot move to %s", e.From, e.To)
	}
	return fmt.Sprintf("tranche: cannot move from %s to %s", e.From, e.To)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Validate returns a *TransitionError when from → to is not allowed.
func Validate(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
