package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateConflictFamily(t *testing.T) {
	for _, err := range []error{ErrDuplicatePart, ErrPartOutOfRange, ErrSessionExpired} {
		assert.ErrorIs(t, err, ErrStateConflict)
		assert.True(t, IsStateConflict(err))
	}

	// Wrapping a sentinel keeps both matches alive.
	wrapped := fmt.Errorf("%w: part 3", ErrDuplicatePart)
	assert.ErrorIs(t, wrapped, ErrDuplicatePart)
	assert.ErrorIs(t, wrapped, ErrStateConflict)
}

func TestStateConflictDoesNotSwallowOtherSentinels(t *testing.T) {
	assert.False(t, IsStateConflict(ErrVersionConflict))
	assert.False(t, IsStateConflict(ErrValidation))
	assert.False(t, IsStateConflict(ErrNotFound))
	assert.False(t, IsStateConflict(errors.New("db is down")))
}
