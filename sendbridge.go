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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sendbridge/sendbridge/config"
	"github.com/sendbridge/sendbridge/database"
	redis_db "github.com/sendbridge/sendbridge/internal/redis-db"
	"github.com/sendbridge/sendbridge/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Sendbridge wires the ingestion pipeline: the webhook event store, the
// ledger engine and the wallet store behind one datasource, plus the queue
// for post-commit side effects.
type Sendbridge struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
}

// NewSendbridge initializes the service from the loaded configuration.
func NewSendbridge(db database.IDataSource) (*Sendbridge, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)

	return &Sendbridge{datasource: db, queue: newQueue, redis: redisClient.Client()}, nil
}

// CreateWallet provisions a wallet for an owner in a currency. Owners hold at
// most one wallet per currency; a second call for the same pair fails.
func (s *Sendbridge) CreateWallet(ctx context.Context, ownerID string, currency model.Currency, meta map[string]interface{}) (*model.Wallet, error) {
	wallet := &model.Wallet{
		OwnerID:  ownerID,
		Currency: currency,
		MetaData: meta,
	}
	return s.datasource.CreateWallet(ctx, wallet)
}

// GetWallet retrieves a wallet by owner and currency.
func (s *Sendbridge) GetWallet(ctx context.Context, ownerID string, currency model.Currency) (*model.Wallet, error) {
	return s.datasource.GetWallet(ctx, ownerID, currency)
}

// GetWalletByID retrieves a wallet by its id.
func (s *Sendbridge) GetWalletByID(ctx context.Context, walletID string) (*model.Wallet, error) {
	return s.datasource.GetWalletByID(ctx, walletID)
}

// GetTransaction retrieves a transaction by its id.
func (s *Sendbridge) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.datasource.GetTransaction(ctx, id)
}

// GetTransactionsByOwner retrieves an owner's transaction history, newest
// first.
func (s *Sendbridge) GetTransactionsByOwner(ctx context.Context, ownerID string, limit int, offset int64) ([]*model.Transaction, error) {
	return s.datasource.GetTransactionsByOwner(ctx, ownerID, limit, offset)
}

// GetWebhookEvent retrieves the stored event chain for an external id.
func (s *Sendbridge) GetWebhookEvent(ctx context.Context, externalID string) (*model.WebhookEvent, error) {
	return s.datasource.GetWebhookEvent(ctx, externalID)
}
