package main

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Balances and amounts travel as JSON numbers, matching the dashboard.
	decimal.MarshalJSONWithoutQuotes = true
}

type TransactionType string

const (
	TransactionDeposit  TransactionType = "deposit"
	TransactionWithdraw TransactionType = "withdraw"
	TransactionTransfer TransactionType = "transfer"
)

// Account holds a non-negative balance keyed by a caller-supplied id.
// Accounts come into existence on first deposit or as transfer
// destinations; only reset removes them.
type Account struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

// Transaction is the immutable record of one balance-affecting event.
// The store assigns ID (monotonically increasing) and CreatedAt on append.
// Origin is set for withdraw and transfer, destination for deposit and
// transfer; the unused side stays null.
type Transaction struct {
	ID                   int64           `json:"id"`
	Type                 TransactionType `json:"type"`
	Amount               decimal.Decimal `json:"amount"`
	OriginAccountID      *string         `json:"originAccountId"`
	DestinationAccountID *string         `json:"destinationAccountId"`
	CreatedAt            time.Time       `json:"createdAt"`
}
