package types

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleWrite is returned when a position upsert carries a record
	// version at or below the stored one. The caller must re-read and retry.
	ErrStaleWrite = errors.New("stale write: record version conflict")

	// ErrInsufficientAvailability is returned when a reservation exceeds the
	// remaining availability.
	ErrInsufficientAvailability = errors.New("insufficient availability")

	// ErrInsufficientReserved is returned when a release exceeds the
	// reserved quantity.
	ErrInsufficientReserved = errors.New("insufficient reserved quantity")
)

// CalculationError carries the context the orchestrator needs to apply
// retry policy without re-deriving it: what was being calculated, for which
// security and date, and whether the failure is transient.
type CalculationError struct {
	CalculationType string
	SecurityID      string
	BusinessDate    string
	Retryable       bool
	Err             error
}

func (e *CalculationError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s calculation error [%s %s %s]: %v",
		kind, e.CalculationType, e.SecurityID, e.BusinessDate, e.Err)
}

func (e *CalculationError) Unwrap() error {
	return e.Err
}

// NewRetryableCalculationError wraps a transient infrastructure failure.
func NewRetryableCalculationError(calcType, securityID, businessDate string, err error) *CalculationError {
	return &CalculationError{
		CalculationType: calcType,
		SecurityID:      securityID,
		BusinessDate:    businessDate,
		Retryable:       true,
		Err:             err,
	}
}

// NewFatalCalculationError wraps a rule-definition or data-definition
// failure that must not be retried automatically.
func NewFatalCalculationError(calcType, securityID, businessDate string, err error) *CalculationError {
	return &CalculationError{
		CalculationType: calcType,
		SecurityID:      securityID,
		BusinessDate:    businessDate,
		Retryable:       false,
		Err:             err,
	}
}

// AsCalculationError unwraps err to a CalculationError if one is present.
func AsCalculationError(err error) (*CalculationError, bool) {
	var calcErr *CalculationError
	if errors.As(err, &calcErr) {
		return calcErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable calculation error.
// Non-calculation errors are treated as non-retryable.
func IsRetryable(err error) bool {
	if calcErr, ok := AsCalculationError(err); ok {
		return calcErr.Retryable
	}
	return false
}
