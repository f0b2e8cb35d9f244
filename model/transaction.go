package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction indicates whether a transaction adds to or removes from a wallet.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Transaction statuses. A transaction transitions at most once out of PENDING.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// TransactionSource names the operation that produced a ledger transaction.
type TransactionSource string

const (
	SourceRequestPayReceived TransactionSource = "REQUEST_PAY_RECEIVED"
	SourceDisbursementSent   TransactionSource = "DISBURSEMENT_SENT"
	SourceManualCredit       TransactionSource = "MANUAL_CREDIT"
	SourceManualDebit        TransactionSource = "MANUAL_DEBIT"
	SourceRefund             TransactionSource = "REFUND"
)

// Transaction is the internal record of a single balance-affecting operation.
//
// While status is PENDING, BalanceAfter equals BalanceBefore: no wallet
// mutation has occurred. On completion both are overwritten with the wallet
// balance captured inside the completing store transaction, so BalanceAfter
// reflects exactly one application of the amount.
type Transaction struct {
	ID                    int64                  `json:"-"`
	TransactionID         string                 `json:"transaction_id"`
	OwnerID               string                 `json:"owner_id"`
	WalletID              string                 `json:"wallet_id"`
	Direction             Direction              `json:"direction"`
	Amount                decimal.Decimal        `json:"amount"`
	BalanceBefore         decimal.Decimal        `json:"balance_before"`
	BalanceAfter          decimal.Decimal        `json:"balance_after"`
	Status                string                 `json:"status"`
	Source                TransactionSource      `json:"source"`
	ExternalTransactionID string                 `json:"external_transaction_id,omitempty"`
	ReferenceID           string                 `json:"reference_id,omitempty"`
	ParentTransaction     string                 `json:"parent_transaction,omitempty"`
	FundsReservedUpfront  bool                   `json:"funds_reserved_upfront"`
	FailureReason         string                 `json:"failure_reason,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	CompletedAt           *time.Time             `json:"completed_at,omitempty"`
	FailedAt              *time.Time             `json:"failed_at,omitempty"`
	MetaData              map[string]interface{} `json:"meta_data,omitempty"`
}

// Validate checks the structural invariants of a transaction before it is
// handed to the store.
func (transaction *Transaction) Validate() error {
	if transaction.WalletID == "" {
		return fmt.Errorf("transaction is missing a wallet id")
	}
	if transaction.OwnerID == "" {
		return fmt.Errorf("transaction is missing an owner id")
	}
	if transaction.Direction != DirectionCredit && transaction.Direction != DirectionDebit {
		return fmt.Errorf("unknown transaction direction %q", transaction.Direction)
	}
	if !transaction.Amount.IsPositive() {
		return fmt.Errorf("transaction amount must be positive, got %s", transaction.Amount)
	}
	return nil
}

// RefundFor builds the compensating credit for a failed transaction whose
// funds were reserved upfront. The refund is created directly COMPLETED and
// must be persisted in the same store transaction as the failure update.
func RefundFor(original *Transaction, at time.Time) *Transaction {
	refund := &Transaction{
		TransactionID:     GenerateUUIDWithSuffix("txn"),
		OwnerID:           original.OwnerID,
		WalletID:          original.WalletID,
		Direction:         DirectionCredit,
		Amount:            original.Amount,
		Status:            StatusCompleted,
		Source:            SourceRefund,
		ReferenceID:       GenerateUUIDWithSuffix("ref"),
		ParentTransaction: original.TransactionID,
		CreatedAt:         at,
		UpdatedAt:         at,
		CompletedAt:       &at,
		MetaData: map[string]interface{}{
			"refund_of": original.TransactionID,
		},
	}
	return refund
}

// ToJSON serializes the transaction for queue payloads.
func (transaction *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(transaction)
}
