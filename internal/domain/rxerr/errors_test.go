package rxerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafetyViolationError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("create: %w", &SafetyViolationError{Conflicts: []Conflict{
		{Kind: ConflictAllergy, MedicineIDs: []string{"MED1"}, Detail: "penicillin"},
	}})

	assert.ErrorIs(t, err, ErrSafetyViolation)

	var sv *SafetyViolationError
	require.True(t, errors.As(err, &sv))
	assert.Len(t, sv.Conflicts, 1)
	assert.Contains(t, err.Error(), "allergy(MED1): penicillin")
}

func TestInsufficientStockError_NamesMedicines(t *testing.T) {
	err := &InsufficientStockError{MedicineIDs: []string{"MED1", "MED2"}}
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, "insufficient stock: MED1, MED2", err.Error())
}

func TestInternal(t *testing.T) {
	err := Internal("batch %s on hand %d", "B1", -1)
	assert.True(t, IsInternal(err))
	assert.False(t, IsInternal(ErrNotFound))

	expired := fmt.Errorf("%w: %w", ErrInternalConsistency, ErrBatchExpired)
	assert.True(t, IsInternal(expired))
	assert.ErrorIs(t, expired, ErrBatchExpired)
}
