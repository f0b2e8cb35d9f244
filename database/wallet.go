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
	"time"

	"github.com/sendbridge/sendbridge/internal/apierror"
	"github.com/sendbridge/sendbridge/model"
)

// CreateWallet inserts a new wallet. Each owner holds at most one wallet per
// currency; a second insert for the same pair returns a conflict error.
func (d Datasource) CreateWallet(ctx context.Context, wallet *model.Wallet) (*model.Wallet, error) {
	wallet.WalletID = model.GenerateUUIDWithSuffix("wlt")
	wallet.CreatedAt = time.Now()
	wallet.UpdatedAt = wallet.CreatedAt

	metaDataJSON, err := json.Marshal(wallet.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO sendbridge.wallets (wallet_id, owner_id, currency, balance, version, created_at, updated_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, wallet.WalletID, wallet.OwnerID, wallet.Currency, wallet.Balance, wallet.Version, wallet.CreatedAt, wallet.UpdatedAt, metaDataJSON)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("wallet already exists for owner %s in %s", wallet.OwnerID, wallet.Currency), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to create wallet", err)
	}

	return wallet, nil
}

// GetWallet retrieves a wallet by owner id and currency.
func (d Datasource) GetWallet(ctx context.Context, ownerID string, currency model.Currency) (*model.Wallet, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT wallet_id, owner_id, currency, balance, version, created_at, updated_at, meta_data
		FROM sendbridge.wallets
		WHERE owner_id = $1 AND currency = $2
	`, ownerID, currency)

	wallet, err := scanWallet(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("wallet not found for owner %s in %s", ownerID, currency), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve wallet", err)
	}
	return wallet, nil
}

// GetWalletByID retrieves a wallet by its id.
func (d Datasource) GetWalletByID(ctx context.Context, walletID string) (*model.Wallet, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT wallet_id, owner_id, currency, balance, version, created_at, updated_at, meta_data
		FROM sendbridge.wallets
		WHERE wallet_id = $1
	`, walletID)

	wallet, err := scanWallet(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("wallet with ID '%s' not found", walletID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve wallet", err)
	}
	return wallet, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(row rowScanner) (*model.Wallet, error) {
	wallet := model.Wallet{}
	var metaDataJSON []byte
	err := row.Scan(&wallet.WalletID, &wallet.OwnerID, &wallet.Currency, &wallet.Balance,
		&wallet.Version, &wallet.CreatedAt, &wallet.UpdatedAt, &metaDataJSON)
	if err != nil {
		return nil, err
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &wallet.MetaData); err != nil {
			return nil, err
		}
	}
	return &wallet, nil
}

// lockWallet loads a wallet row under FOR UPDATE inside tx. Callers hold the
// lock until the surrounding transaction commits or rolls back.
func lockWallet(ctx context.Context, tx *sql.Tx, walletID string) (*model.Wallet, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT wallet_id, owner_id, currency, balance, version, created_at, updated_at, meta_data
		FROM sendbridge.wallets
		WHERE wallet_id = $1
		FOR UPDATE
	`, walletID)
	return scanWallet(row)
}

// updateWalletBalance writes the new balance and bumps the version inside tx.
func updateWalletBalance(ctx context.Context, tx *sql.Tx, wallet *model.Wallet) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sendbridge.wallets
		SET balance = $2, version = version + 1, updated_at = NOW()
		WHERE wallet_id = $1
	`, wallet.WalletID, wallet.Balance)
	return err
}
