package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrOrderTransactionNotFound   = errors.New("order transaction not found")
	ErrConflictingStateTransition = errors.New("conflicting state transition")
	ErrLockTimeout                = errors.New("timed out waiting for order transaction lock")
	ErrMissingCorrelationID       = errors.New("order transaction has no provider correlation id")
	ErrPaymentIntentWithoutCharge = errors.New("payment intent has no charge")
	ErrPaymentPending             = errors.New("payment is still pending at the provider")
)

// ConflictingStateTransitionError is returned when a transaction already sits in a
// state that the requested target may not overwrite.
type ConflictingStateTransitionError struct {
	OrderTransactionID uuid.UUID
	Current            TransactionState
	Requested          TransactionState
}

func (e *ConflictingStateTransitionError) Error() string {
	return fmt.Sprintf("order transaction %s is %q, refusing transition to %q", e.OrderTransactionID, e.Current, e.Requested)
}

func (e *ConflictingStateTransitionError) Is(target error) bool {
	return target == ErrConflictingStateTransition
}

// NotFoundError carries the lookup that failed; it matches ErrOrderTransactionNotFound.
type NotFoundError struct {
	Field CorrelationField
	Value string
}

func (e *NotFoundError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("order transaction %s not found", e.Value)
	}
	return fmt.Sprintf("no order transaction with %s %q", e.Field, e.Value)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrOrderTransactionNotFound
}
