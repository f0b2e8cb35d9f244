/*
Copyright 2024 Sendbridge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sendbridge/sendbridge/internal/apierror"
	"github.com/sendbridge/sendbridge/model"
)

const transactionColumns = `transaction_id, owner_id, wallet_id, direction, amount,
	balance_before, balance_after, status, source, external_transaction_id,
	reference_id, parent_transaction, funds_reserved_upfront, failure_reason,
	created_at, updated_at, completed_at, failed_at, meta_data`

// CreatePendingTransaction records an obligation. By default the wallet is
// untouched: its balance at creation time is snapshotted into both
// balance_before and balance_after and the real mutation happens on
// completion. A debit flagged funds_reserved_upfront is the exception — the
// wallet is debited here, in the same store transaction as the insert, so the
// reserved amount cannot be spent while the transfer is in flight. Completion
// then leaves the balance alone and a failure credits the reservation back.
// A reservation the wallet cannot cover returns model.ErrInsufficientFunds
// and nothing is written.
func (d Datasource) CreatePendingTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	if err := txn.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), err)
	}

	tx, err := beginTx(ctx, d.Conn)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer rollback(tx)

	wallet, err := lockWallet(ctx, tx, txn.WalletID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("wallet with ID '%s' not found", txn.WalletID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve wallet", err)
	}

	now := time.Now()
	txn.TransactionID = model.GenerateUUIDWithSuffix("txn")
	txn.Status = model.StatusPending
	txn.BalanceBefore = wallet.Balance
	txn.BalanceAfter = wallet.Balance
	txn.CreatedAt = now
	txn.UpdatedAt = now

	reserved := txn.FundsReservedUpfront && txn.Direction == model.DirectionDebit
	if reserved {
		newBalance, err := wallet.ApplyAmount(txn.Direction, txn.Amount)
		if err != nil {
			return nil, err
		}
		txn.BalanceAfter = newBalance
	}

	if err := insertTransaction(ctx, tx, txn); err != nil {
		if IsUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("transaction with external ID '%s' already exists", txn.ExternalTransactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to create transaction", err)
	}

	if reserved {
		wallet.Balance = txn.BalanceAfter
		if err := updateWalletBalance(ctx, tx, wallet); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to update wallet balance", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	return txn, nil
}

// CompleteTransaction moves a PENDING transaction to COMPLETED and applies its
// amount to the wallet, all inside one store transaction. balance_before is
// overwritten with the wallet balance captured here, so balance_after always
// reflects exactly one application of the amount regardless of what happened
// to the wallet since creation. A debit whose funds were reserved upfront
// already moved the balance at creation time; completing it only flips the
// status and keeps the creation-time snapshot, so the amount is never applied
// twice.
//
// A transaction that is not PENDING returns model.ErrNotPending; a debit the
// wallet cannot cover returns model.ErrInsufficientFunds and leaves the
// transaction PENDING.
func (d Datasource) CompleteTransaction(ctx context.Context, transactionID string, completedAt time.Time, meta map[string]interface{}) (*model.Transaction, error) {
	tx, err := beginTx(ctx, d.Conn)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer rollback(tx)

	txn, err := lockTransaction(ctx, tx, transactionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("transaction with ID '%s' not found", transactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve transaction", err)
	}
	if txn.Status != model.StatusPending {
		return txn, model.ErrNotPending
	}

	var wallet *model.Wallet
	if !txn.FundsReservedUpfront || txn.Direction != model.DirectionDebit {
		wallet, err = lockWallet(ctx, tx, txn.WalletID)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve wallet", err)
		}

		newBalance, err := wallet.ApplyAmount(txn.Direction, txn.Amount)
		if err != nil {
			return nil, err
		}

		txn.BalanceBefore = wallet.Balance
		txn.BalanceAfter = newBalance
		wallet.Balance = newBalance
	}

	txn.Status = model.StatusCompleted
	txn.CompletedAt = &completedAt
	txn.UpdatedAt = time.Now()
	mergeMetaData(txn, meta)

	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to marshal metadata", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sendbridge.transactions
		SET status = $2, balance_before = $3, balance_after = $4, completed_at = $5, updated_at = $6, meta_data = $7
		WHERE transaction_id = $1
	`, txn.TransactionID, txn.Status, txn.BalanceBefore, txn.BalanceAfter, txn.CompletedAt, txn.UpdatedAt, metaDataJSON)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to update transaction", err)
	}

	if wallet != nil {
		if err := updateWalletBalance(ctx, tx, wallet); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to update wallet balance", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	return txn, nil
}

// FailTransaction moves a PENDING transaction to FAILED. When the failed
// transaction is a debit whose funds were reserved upfront, a compensating
// COMPLETED credit is written and the wallet is credited back in the same
// store transaction; the refund is returned alongside the failed transaction.
func (d Datasource) FailTransaction(ctx context.Context, transactionID string, failedAt time.Time, reason string, meta map[string]interface{}) (*model.Transaction, *model.Transaction, error) {
	tx, err := beginTx(ctx, d.Conn)
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer rollback(tx)

	txn, err := lockTransaction(ctx, tx, transactionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("transaction with ID '%s' not found", transactionID), err)
		}
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve transaction", err)
	}
	if txn.Status != model.StatusPending {
		return txn, nil, model.ErrNotPending
	}

	txn.Status = model.StatusFailed
	txn.FailureReason = reason
	txn.FailedAt = &failedAt
	txn.UpdatedAt = time.Now()
	mergeMetaData(txn, meta)

	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to marshal metadata", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sendbridge.transactions
		SET status = $2, failure_reason = $3, failed_at = $4, updated_at = $5, meta_data = $6
		WHERE transaction_id = $1
	`, txn.TransactionID, txn.Status, nullString(txn.FailureReason), txn.FailedAt, txn.UpdatedAt, metaDataJSON)
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to update transaction", err)
	}

	var refund *model.Transaction
	if txn.FundsReservedUpfront && txn.Direction == model.DirectionDebit {
		wallet, err := lockWallet(ctx, tx, txn.WalletID)
		if err != nil {
			return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve wallet", err)
		}

		refund = model.RefundFor(txn, failedAt)
		refund.BalanceBefore = wallet.Balance
		refund.BalanceAfter = wallet.Balance.Add(refund.Amount)

		if err := insertTransaction(ctx, tx, refund); err != nil {
			return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to create refund transaction", err)
		}

		wallet.Balance = refund.BalanceAfter
		if err := updateWalletBalance(ctx, tx, wallet); err != nil {
			return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to update wallet balance", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	return txn, refund, nil
}

// CreateAndCompleteTransaction records a transaction that is settled in one
// shot: the insert and the wallet mutation share one store transaction and
// there is no PENDING phase.
func (d Datasource) CreateAndCompleteTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	if err := txn.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), err)
	}

	tx, err := beginTx(ctx, d.Conn)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer rollback(tx)

	wallet, err := lockWallet(ctx, tx, txn.WalletID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("wallet with ID '%s' not found", txn.WalletID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve wallet", err)
	}

	newBalance, err := wallet.ApplyAmount(txn.Direction, txn.Amount)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	txn.TransactionID = model.GenerateUUIDWithSuffix("txn")
	txn.Status = model.StatusCompleted
	txn.BalanceBefore = wallet.Balance
	txn.BalanceAfter = newBalance
	txn.CreatedAt = now
	txn.UpdatedAt = now
	txn.CompletedAt = &now

	if err := insertTransaction(ctx, tx, txn); err != nil {
		if IsUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("transaction with external ID '%s' already exists", txn.ExternalTransactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to create transaction", err)
	}

	wallet.Balance = newBalance
	if err := updateWalletBalance(ctx, tx, wallet); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to update wallet balance", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	return txn, nil
}

// GetTransaction retrieves a transaction by its id.
func (d Datasource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM sendbridge.transactions
		WHERE transaction_id = $1
	`, id)

	txn, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("transaction with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve transaction", err)
	}
	return txn, nil
}

// GetTransactionByExternalID retrieves a transaction by the provider-assigned
// id carried on webhook events.
func (d Datasource) GetTransactionByExternalID(ctx context.Context, externalID string) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM sendbridge.transactions
		WHERE external_transaction_id = $1
	`, externalID)

	txn, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("transaction with external ID '%s' not found", externalID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve transaction", err)
	}
	return txn, nil
}

// GetTransactionsByOwner retrieves an owner's transactions, newest first.
// Pages are cached briefly since the statement endpoint hammers this query.
func (d Datasource) GetTransactionsByOwner(ctx context.Context, ownerID string, limit int, offset int64) ([]*model.Transaction, error) {
	cacheKey := fmt.Sprintf("transactions:owner:%s:%d:%d", ownerID, limit, offset)

	var transactions []*model.Transaction
	if d.Cache != nil {
		if err := d.Cache.Get(ctx, cacheKey, &transactions); err == nil && len(transactions) > 0 {
			return transactions, nil
		}
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM sendbridge.transactions
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve transactions", err)
	}
	defer rows.Close()

	transactions, err = collectTransactions(rows)
	if err != nil {
		return nil, err
	}

	if d.Cache != nil && len(transactions) > 0 {
		if err := d.Cache.Set(ctx, cacheKey, transactions, 1*time.Minute); err != nil {
			log.Printf("failed to cache transactions for %s: %v", ownerID, err)
		}
	}

	return transactions, nil
}

// GetStalePendingTransactions retrieves PENDING transactions created before
// olderThan, oldest first. The sweep task uses this to flag obligations that
// never received a terminal webhook.
func (d Datasource) GetStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM sendbridge.transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, model.StatusPending, olderThan, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve pending transactions", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *model.Transaction) error {
	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sendbridge.transactions (transaction_id, owner_id, wallet_id, direction, amount,
			balance_before, balance_after, status, source, external_transaction_id,
			reference_id, parent_transaction, funds_reserved_upfront, failure_reason,
			created_at, updated_at, completed_at, failed_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, txn.TransactionID, txn.OwnerID, txn.WalletID, txn.Direction, txn.Amount,
		txn.BalanceBefore, txn.BalanceAfter, txn.Status, txn.Source, nullString(txn.ExternalTransactionID),
		nullString(txn.ReferenceID), nullString(txn.ParentTransaction), txn.FundsReservedUpfront, nullString(txn.FailureReason),
		txn.CreatedAt, txn.UpdatedAt, txn.CompletedAt, txn.FailedAt, metaDataJSON)
	return err
}

// lockTransaction loads a transaction row under FOR UPDATE inside tx, so the
// status check and the status write are one atomic step.
func lockTransaction(ctx context.Context, tx *sql.Tx, transactionID string) (*model.Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM sendbridge.transactions
		WHERE transaction_id = $1
		FOR UPDATE
	`, transactionID)
	return scanTransaction(row)
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	txn := model.Transaction{}
	var (
		externalID, referenceID, parentTxn, failureReason sql.NullString
		completedAt, failedAt                             sql.NullTime
		metaDataJSON                                      []byte
	)
	err := row.Scan(&txn.TransactionID, &txn.OwnerID, &txn.WalletID, &txn.Direction, &txn.Amount,
		&txn.BalanceBefore, &txn.BalanceAfter, &txn.Status, &txn.Source, &externalID,
		&referenceID, &parentTxn, &txn.FundsReservedUpfront, &failureReason,
		&txn.CreatedAt, &txn.UpdatedAt, &completedAt, &failedAt, &metaDataJSON)
	if err != nil {
		return nil, err
	}
	txn.ExternalTransactionID = externalID.String
	txn.ReferenceID = referenceID.String
	txn.ParentTransaction = parentTxn.String
	txn.FailureReason = failureReason.String
	if completedAt.Valid {
		txn.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		txn.FailedAt = &failedAt.Time
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, err
		}
	}
	return &txn, nil
}

func collectTransactions(rows *sql.Rows) ([]*model.Transaction, error) {
	transactions := []*model.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan transaction", err)
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to iterate transactions", err)
	}
	return transactions, nil
}

func mergeMetaData(txn *model.Transaction, meta map[string]interface{}) {
	if len(meta) == 0 {
		return
	}
	if txn.MetaData == nil {
		txn.MetaData = map[string]interface{}{}
	}
	for k, v := range meta {
		txn.MetaData[k] = v
	}
}
