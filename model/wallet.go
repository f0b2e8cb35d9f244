package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Currency identifies the denomination of a wallet. An owner holds at most one
// wallet per currency.
type Currency string

const (
	CurrencyNGN Currency = "NGN"
	CurrencyCAD Currency = "CAD"
	CurrencyUSD Currency = "USD"
)

// ParseCurrency validates a currency code against the supported set.
func ParseCurrency(code string) (Currency, error) {
	switch Currency(code) {
	case CurrencyNGN, CurrencyCAD, CurrencyUSD:
		return Currency(code), nil
	default:
		return "", fmt.Errorf("unsupported currency %q", code)
	}
}

// Wallet holds the current balance for one (owner, currency) pair. Balances are
// only mutated by the ledger engine inside a store transaction.
type Wallet struct {
	ID        int64                  `json:"-"`
	WalletID  string                 `json:"wallet_id"`
	OwnerID   string                 `json:"owner_id"`
	Currency  Currency               `json:"currency"`
	Balance   decimal.Decimal        `json:"balance"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	MetaData  map[string]interface{} `json:"meta_data,omitempty"`
}

// CanDebit reports whether the wallet can cover a debit of the given amount.
func (w *Wallet) CanDebit(amount decimal.Decimal) bool {
	return w.Balance.GreaterThanOrEqual(amount)
}

// ApplyAmount computes the balance after applying amount in the given
// direction. It does not mutate the wallet; the caller persists the result
// together with the owning ledger write. A DEBIT that exceeds the current
// balance returns ErrInsufficientFunds.
func (w *Wallet) ApplyAmount(direction Direction, amount decimal.Decimal) (decimal.Decimal, error) {
	switch direction {
	case DirectionCredit:
		return w.Balance.Add(amount), nil
	case DirectionDebit:
		if !w.CanDebit(amount) {
			return w.Balance, ErrInsufficientFunds
		}
		return w.Balance.Sub(amount), nil
	default:
		return w.Balance, fmt.Errorf("unknown transaction direction %q", direction)
	}
}
