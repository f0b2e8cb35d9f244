package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds is returned when a debit would take a wallet balance
	// below zero. The owning transaction is left untouched.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotPending is returned when a terminal transition is attempted on a
	// transaction that has already left the PENDING state.
	ErrNotPending = errors.New("transaction is not in pending status")
)

// GenerateUUIDWithSuffix generates a UUID prefixed with a short module tag,
// e.g. "txn_9f0c...". Used for all public identifiers.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}
