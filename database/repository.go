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
	"time"

	"github.com/sendbridge/sendbridge/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	wallet       // Interface for wallet-related operations
	transaction  // Interface for ledger transaction operations
	webhookEvent // Interface for webhook event store operations
}

// wallet defines methods for handling wallets.
type wallet interface {
	CreateWallet(ctx context.Context, wallet *model.Wallet) (*model.Wallet, error)              // Creates a new wallet; one per owner per currency
	GetWallet(ctx context.Context, ownerID string, currency model.Currency) (*model.Wallet, error) // Retrieves a wallet by owner and currency
	GetWalletByID(ctx context.Context, walletID string) (*model.Wallet, error)                  // Retrieves a wallet by its id
}

// transaction defines the atomic ledger operations. Every method that touches
// a wallet balance runs the ledger write and the wallet write in one store
// transaction.
type transaction interface {
	CreatePendingTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)                                                 // Inserts a PENDING transaction with a balance snapshot, no wallet write
	CompleteTransaction(ctx context.Context, transactionID string, completedAt time.Time, meta map[string]interface{}) (*model.Transaction, error)    // PENDING -> COMPLETED with the balance mutation
	FailTransaction(ctx context.Context, transactionID string, failedAt time.Time, reason string, meta map[string]interface{}) (*model.Transaction, *model.Transaction, error) // PENDING -> FAILED, plus the refund credit when funds were reserved upfront
	CreateAndCompleteTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)                                             // Synchronous insert + mutation with no PENDING phase
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)                                                                        // Retrieves a transaction by id
	GetTransactionByExternalID(ctx context.Context, externalID string) (*model.Transaction, error)                                                    // Retrieves a transaction by its provider id
	GetTransactionsByOwner(ctx context.Context, ownerID string, limit int, offset int64) ([]*model.Transaction, error)                                // Retrieves an owner's transactions, newest first
	GetStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error)                                    // Retrieves PENDING transactions created before olderThan
}

// webhookEvent defines methods for the webhook event store. The unique
// constraint on external_id is the concurrency-safe deduplication mechanism.
type webhookEvent interface {
	InsertWebhookEvent(ctx context.Context, event *model.WebhookEvent) (bool, error)       // Inserts a row; returns false when the external id already exists
	GetWebhookEvent(ctx context.Context, externalID string) (*model.WebhookEvent, error)   // Retrieves an event by external id
	UpdateWebhookEvent(ctx context.Context, event *model.WebhookEvent) error               // Overwrites the row in place; never duplicates
	GetRetryableWebhookEvents(ctx context.Context, maxRetries int, limit int) ([]*model.WebhookEvent, error) // Retrieves failed events still under the retry budget
}
