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

package sendbridge

import (
	"context"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/sendbridge/sendbridge/database"
	redlock "github.com/sendbridge/sendbridge/internal/lock"
	"github.com/sendbridge/sendbridge/internal/notification"
	"github.com/sendbridge/sendbridge/model"
)

var tracer = otel.Tracer("sendbridge.ledger")

const (
	lockTimeout     = 30 * time.Second
	lockWaitTimeout = 10 * time.Second
)

// acquireWalletLock serializes ledger mutations per wallet. The store still
// locks rows, this just keeps concurrent deliveries from burning retries on
// store conflicts.
func (s *Sendbridge) acquireWalletLock(ctx context.Context, walletID string) (*redlock.Locker, error) {
	locker := redlock.NewLocker(s.redis, walletID, model.GenerateUUIDWithSuffix("loc"))
	if err := locker.WaitLock(ctx, lockTimeout, lockWaitTimeout); err != nil {
		return nil, err
	}
	return locker, nil
}

func releaseLock(ctx context.Context, locker *redlock.Locker) {
	if err := locker.Unlock(ctx); err != nil {
		logrus.Error("lock error", err)
	}
}

// executeWithRetry runs op, retrying only transient store conflicts with
// exponential backoff. Everything else is surfaced on the first attempt.
func executeWithRetry(op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !database.IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2))
}

// RecordPendingTransaction records an obligation against a wallet. The stored
// row snapshots the wallet balance at creation time; a debit flagged
// funds_reserved_upfront additionally debits the wallet so the reserved
// amount cannot be spent while the transfer is in flight.
func (s *Sendbridge) RecordPendingTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Recording pending transaction")
	defer span.End()

	locker, err := s.acquireWalletLock(ctx, txn.WalletID)
	if err != nil {
		return nil, err
	}
	defer releaseLock(ctx, locker)

	var recorded *model.Transaction
	err = executeWithRetry(func() error {
		var opErr error
		recorded, opErr = s.datasource.CreatePendingTransaction(ctx, txn)
		return opErr
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return recorded, nil
}

// CompleteTransaction settles a PENDING transaction: the status flip and the
// wallet mutation land in one store transaction. model.ErrNotPending and
// model.ErrInsufficientFunds pass through unwrapped so callers can branch on
// them.
func (s *Sendbridge) CompleteTransaction(ctx context.Context, transactionID string, completedAt time.Time, meta map[string]interface{}) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Completing transaction")
	defer span.End()

	txn, err := s.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	locker, err := s.acquireWalletLock(ctx, txn.WalletID)
	if err != nil {
		return nil, err
	}
	defer releaseLock(ctx, locker)

	var completed *model.Transaction
	err = executeWithRetry(func() error {
		var opErr error
		completed, opErr = s.datasource.CompleteTransaction(ctx, transactionID, completedAt, meta)
		return opErr
	})
	if err != nil {
		span.RecordError(err)
		return completed, err
	}

	s.postTransactionActions(ctx, completed)
	return completed, nil
}

// FailTransaction marks a PENDING transaction FAILED. When its funds were
// reserved upfront the wallet is made whole again with a compensating credit
// in the same store transaction; the refund is returned alongside.
func (s *Sendbridge) FailTransaction(ctx context.Context, transactionID string, failedAt time.Time, reason string, meta map[string]interface{}) (*model.Transaction, *model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Failing transaction")
	defer span.End()

	txn, err := s.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, nil, err
	}

	locker, err := s.acquireWalletLock(ctx, txn.WalletID)
	if err != nil {
		return nil, nil, err
	}
	defer releaseLock(ctx, locker)

	var failed, refund *model.Transaction
	err = executeWithRetry(func() error {
		var opErr error
		failed, refund, opErr = s.datasource.FailTransaction(ctx, transactionID, failedAt, reason, meta)
		return opErr
	})
	if err != nil {
		span.RecordError(err)
		return failed, nil, err
	}

	s.postTransactionActions(ctx, failed)
	if refund != nil {
		s.postTransactionActions(ctx, refund)
	}
	return failed, refund, nil
}

// RecordSettledTransaction records a transaction that settles in one shot,
// with no PENDING phase.
func (s *Sendbridge) RecordSettledTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Recording settled transaction")
	defer span.End()

	locker, err := s.acquireWalletLock(ctx, txn.WalletID)
	if err != nil {
		return nil, err
	}
	defer releaseLock(ctx, locker)

	var recorded *model.Transaction
	err = executeWithRetry(func() error {
		var opErr error
		recorded, opErr = s.datasource.CreateAndCompleteTransaction(ctx, txn)
		return opErr
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.postTransactionActions(ctx, recorded)
	return recorded, nil
}

// ManualAdjustment applies an operator credit or debit to an owner's wallet.
// The adjustment settles immediately.
func (s *Sendbridge) ManualAdjustment(ctx context.Context, ownerID string, currency model.Currency, direction model.Direction, amount decimal.Decimal, reason string, meta map[string]interface{}) (*model.Transaction, error) {
	wallet, err := s.datasource.GetWallet(ctx, ownerID, currency)
	if err != nil {
		return nil, err
	}

	source := model.SourceManualCredit
	if direction == model.DirectionDebit {
		source = model.SourceManualDebit
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["adjustment_reason"] = reason

	return s.RecordSettledTransaction(ctx, &model.Transaction{
		OwnerID:     ownerID,
		WalletID:    wallet.WalletID,
		Direction:   direction,
		Amount:      amount,
		Source:      source,
		ReferenceID: model.GenerateUUIDWithSuffix("ref"),
		MetaData:    meta,
	})
}

// SweepStalePendingTransactions flags PENDING transactions that have sat
// unresolved past the configured age. It re-notifies the owner and leaves the
// row untouched so a late provider callback can still settle or fail it.
func (s *Sendbridge) SweepStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "Sweep Stale Pending Transactions")
	defer span.End()

	stale, err := s.datasource.GetStalePendingTransactions(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}

	for _, txn := range stale {
		age := time.Since(txn.CreatedAt).Round(time.Minute)
		logrus.Warnf("transaction %s pending for %s", txn.TransactionID, age)

		msg := notification.PushMessage{
			OwnerID: txn.OwnerID,
			Title:   "Transfer still processing",
			Body:    fmt.Sprintf("%s %s has been processing for %s", txn.Amount.String(), walletCurrencyHint(txn), age),
			Data: map[string]interface{}{
				"transaction_id": txn.TransactionID,
				"status":         txn.Status,
			},
		}
		if err := s.queue.queueNotification(msg); err != nil {
			notification.NotifyError(err)
		}
	}
	return len(stale), nil
}

