package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	errAccountNotFound   = errors.New("account not found")
	errInsufficientFunds = errors.New("insufficient funds")
	errInvalidAmount     = errors.New("invalid amount")
	errInvalidEventType  = errors.New("invalid event type")
)

// maxAmount mirrors the NUMERIC(10, 2) column: more than eight integer
// digits cannot be stored.
var maxAmount = decimal.New(1, 8)

// Ledger implements the account operations on top of a Store. All
// balance-mutating paths run inside WithAccountLock, so concurrent
// operations on the same account never interleave their read-modify-write
// and a transfer's debit and credit land as one atomic unit.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// checkAmount normalizes an amount to the stored two-decimal precision and
// rejects non-positive or unstorable values.
func checkAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() || amount.GreaterThanOrEqual(maxAmount) {
		return decimal.Decimal{}, errInvalidAmount
	}
	return amount, nil
}

// Deposit credits destinationID with amount, creating the account when it
// does not exist yet. It never fails for a missing account.
func (l *Ledger) Deposit(ctx context.Context, destinationID string, amount decimal.Decimal) (*Account, error) {
	amount, err := checkAmount(amount)
	if err != nil {
		return nil, err
	}

	var updated *Account
	err = l.store.WithAccountLock(ctx, []string{destinationID}, func(s Store) error {
		account, err := s.GetAccount(ctx, destinationID)
		if errors.Is(err, errAccountNotFound) {
			account = &Account{ID: destinationID, Balance: decimal.Zero}
		} else if err != nil {
			return err
		}

		account.Balance = account.Balance.Add(amount)
		if err := s.UpsertAccount(ctx, account); err != nil {
			return err
		}
		if err := s.AppendTransaction(ctx, &Transaction{
			Type:                 TransactionDeposit,
			Amount:               amount,
			DestinationAccountID: &destinationID,
		}); err != nil {
			return err
		}

		updated = account
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	return updated, nil
}

// Withdraw debits originID by amount. The balance comparison runs on the
// stored decimal value, never a float approximation.
func (l *Ledger) Withdraw(ctx context.Context, originID string, amount decimal.Decimal) (*Account, error) {
	amount, err := checkAmount(amount)
	if err != nil {
		return nil, err
	}

	var updated *Account
	err = l.store.WithAccountLock(ctx, []string{originID}, func(s Store) error {
		account, err := s.GetAccount(ctx, originID)
		if err != nil {
			return err
		}
		if account.Balance.LessThan(amount) {
			return errInsufficientFunds
		}

		account.Balance = account.Balance.Sub(amount)
		if err := s.UpsertAccount(ctx, account); err != nil {
			return err
		}
		if err := s.AppendTransaction(ctx, &Transaction{
			Type:            TransactionWithdraw,
			Amount:          amount,
			OriginAccountID: &originID,
		}); err != nil {
			return err
		}

		updated = account
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	return updated, nil
}

// Transfer moves amount from originID to destinationID, creating the
// destination when absent. Both row locks are taken in a fixed order by the
// store, and debit, credit and the log record commit as one unit.
//
// originID may equal destinationID; such a transfer succeeds when funds
// suffice, nets to zero and is still recorded.
func (l *Ledger) Transfer(ctx context.Context, originID, destinationID string, amount decimal.Decimal) (*Account, *Account, error) {
	amount, err := checkAmount(amount)
	if err != nil {
		return nil, nil, err
	}

	var origin, destination *Account
	err = l.store.WithAccountLock(ctx, []string{originID, destinationID}, func(s Store) error {
		from, err := s.GetAccount(ctx, originID)
		if err != nil {
			return err
		}
		if from.Balance.LessThan(amount) {
			return errInsufficientFunds
		}

		to := from
		if destinationID != originID {
			to, err = s.GetAccount(ctx, destinationID)
			if errors.Is(err, errAccountNotFound) {
				to = &Account{ID: destinationID, Balance: decimal.Zero}
			} else if err != nil {
				return err
			}
			to.Balance = to.Balance.Add(amount)
			from.Balance = from.Balance.Sub(amount)
			if err := s.UpsertAccount(ctx, to); err != nil {
				return err
			}
		}

		if err := s.UpsertAccount(ctx, from); err != nil {
			return err
		}
		if err := s.AppendTransaction(ctx, &Transaction{
			Type:                 TransactionTransfer,
			Amount:               amount,
			OriginAccountID:      &originID,
			DestinationAccountID: &destinationID,
		}); err != nil {
			return err
		}

		origin, destination = from, to
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: %w", err)
	}
	return origin, destination, nil
}

// Reset wipes the whole ledger, transactions before accounts.
func (l *Ledger) Reset(ctx context.Context) error {
	if err := l.store.ResetAll(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// GetBalance returns the current balance of accountID.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("getBalance: %w", err)
	}
	return account.Balance, nil
}

// GetTransactions returns up to 50 of the most recent transactions where
// accountID is origin or destination, newest first.
func (l *Ledger) GetTransactions(ctx context.Context, accountID string) ([]Transaction, error) {
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("getTransactions: %w", err)
	}
	transactions, err := l.store.ListTransactions(ctx, accountID, defaultTransactionLimit)
	if err != nil {
		return nil, fmt.Errorf("getTransactions: %w", err)
	}
	return transactions, nil
}
