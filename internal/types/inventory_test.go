package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveReleaseConservation(t *testing.T) {
	av := InventoryAvailability{
		NetQuantity:       1000,
		AvailableQuantity: 1000,
	}

	require.NoError(t, av.IncrementReserved(300))
	assert.Equal(t, 700.0, av.AvailableQuantity)
	assert.Equal(t, 300.0, av.ReservedQuantity)

	require.NoError(t, av.DecrementReserved(300))
	assert.Equal(t, 1000.0, av.AvailableQuantity)
	assert.Zero(t, av.ReservedQuantity)
}

func TestIncrementReservedRejectsOverdraw(t *testing.T) {
	av := InventoryAvailability{AvailableQuantity: 100}
	assert.Equal(t, 100.0, av.RemainingAvailability())

	err := av.IncrementReserved(101)
	require.ErrorIs(t, err, ErrInsufficientAvailability)
	// A rejected reservation leaves the record untouched
	assert.Equal(t, 100.0, av.AvailableQuantity)
	assert.Zero(t, av.ReservedQuantity)

	require.NoError(t, av.IncrementReserved(100))
}

func TestApplyDecrementConsumesAvailability(t *testing.T) {
	av := InventoryAvailability{NetQuantity: 140, AvailableQuantity: 140}

	require.NoError(t, av.ApplyDecrement(40))
	assert.Equal(t, 100.0, av.AvailableQuantity)
	assert.Equal(t, 40.0, av.DecrementQuantity)
	assert.Equal(t, 100.0, av.RemainingAvailability())

	// A rejected decrement leaves the record untouched
	err := av.ApplyDecrement(200)
	require.ErrorIs(t, err, ErrInsufficientAvailability)
	assert.Equal(t, 100.0, av.AvailableQuantity)
	assert.Equal(t, 40.0, av.DecrementQuantity)

	assert.Error(t, av.ApplyDecrement(0))
	assert.Error(t, av.ApplyDecrement(-5))
}

func TestDecrementReservedRejectsUnderflow(t *testing.T) {
	av := InventoryAvailability{ReservedQuantity: 50}
	err := av.DecrementReserved(51)
	require.ErrorIs(t, err, ErrInsufficientReserved)
	assert.Equal(t, 50.0, av.ReservedQuantity)
}

func TestReserveRejectsNonPositive(t *testing.T) {
	av := InventoryAvailability{AvailableQuantity: 100}
	assert.Error(t, av.IncrementReserved(0))
	assert.Error(t, av.IncrementReserved(-5))
	assert.Error(t, av.DecrementReserved(0))
}

func TestCalculationErrorRetryability(t *testing.T) {
	retryable := NewRetryableCalculationError(CalcTypeForLoan, "AAPL", "2025-03-14", assert.AnError)
	fatal := NewFatalCalculationError(CalcTypeForLoan, "AAPL", "2025-03-14", assert.AnError)

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(fatal))
	assert.False(t, IsRetryable(assert.AnError))

	unwrapped, ok := AsCalculationError(fatal)
	require.True(t, ok)
	assert.Equal(t, CalcTypeForLoan, unwrapped.CalculationType)
	assert.ErrorIs(t, fatal, assert.AnError)
}
