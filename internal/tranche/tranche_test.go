package tranche

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:         {StatusScheduled, StatusCalled, StatusCancelled},
		StatusScheduled:       {StatusCalled, StatusOverdue, StatusCancelled},
		StatusCalled:          {StatusPartiallyFunded, StatusFunded, StatusOverdue, StatusCancelled},
		StatusPartiallyFunded: {StatusFunded, StatusOverdue, StatusCancelled},
		StatusOverdue:         {StatusDefaulted, StatusCancelled, StatusCalled, StatusPartiallyFunded, StatusFunded},
		StatusDefaulted:       {StatusCancelled},
	}

	for _, from := range Statuses {
		for _, to := range Statuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	for _, from := range []Status{StatusFunded, StatusCancelled} {
		assert.True(t, from.IsTerminal())
		for _, to := range Statuses {
			err := Validate(from, to)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
		}
	}
}

func TestValidate_ErrorDetails(t *testing.T) {
	err := Validate(StatusPending, StatusFunded)

	var te *TransitionError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, StatusPending, te.From)
	assert.Equal(t, StatusFunded, te.To)
	assert.Contains(t, err.Error(), "cannot move from PENDING to FUNDED")

	assert.NoError(t, Validate(StatusOverdue, StatusFunded))
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusDefaulted.Valid())
	assert.False(t, Status("SETTLED").Valid())
	assert.False(t, StatusCalled.IsTerminal())
	assert.Empty(t, Next(StatusFunded))
	assert.Len(t, Next(StatusOverdue), 5)
}
