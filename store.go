package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// defaultLockWait bounds how long an operation may wait on a busy account
// row before failing instead of hanging the request.
const defaultLockWait = 5 * time.Second

// defaultTransactionLimit caps transaction listings.
const defaultTransactionLimit = 50

var errLockTimeout = errors.New("account lock timeout")

// Store is the ledger's persistence port: keyed account storage plus an
// append-only transaction log.
//
// WithAccountLock grants fn exclusive access to the named account rows and
// hands it a Store scoped to the same unit of work, so everything fn writes
// becomes visible atomically. ResetAll excludes all concurrent account
// operations for its duration and deletes transactions before accounts.
type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	UpsertAccount(ctx context.Context, account *Account) error
	AppendTransaction(ctx context.Context, tran *Transaction) error
	ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)
	ResetAll(ctx context.Context) error
	WithAccountLock(ctx context.Context, ids []string, fn func(Store) error) error
}

// lockOrder returns ids deduplicated and sorted: the fixed acquisition
// order that keeps opposite-direction transfers over the same pair of
// accounts from deadlocking.
func lockOrder(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > defaultTransactionLimit {
		return defaultTransactionLimit
	}
	return limit
}

// memStore keeps the whole ledger in process memory. It backs the test
// suite and runs the service without Postgres when DB_SOURCE is empty.
//
// Locking layers:
//   - resetMu: row operations hold it shared, ResetAll exclusively, so a
//     reset never interleaves with an in-flight account operation.
//   - mu: guards the maps and the log for plain reads/writes.
//   - rows: one single-slot channel per account id, the row lock taken by
//     WithAccountLock with a bounded wait.
type memStore struct {
	resetMu sync.RWMutex
	mu      sync.RWMutex

	rows         map[string]chan struct{}
	accounts     map[string]Account
	transactions []Transaction
	nextID       int64

	lockWait time.Duration
}

func NewMemStore() *memStore {
	return &memStore{
		rows:     make(map[string]chan struct{}),
		accounts: make(map[string]Account),
		lockWait: defaultLockWait,
	}
}

func (s *memStore) row(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rows[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rows[id] = ch
	}
	return ch
}

func (s *memStore) lockRow(ctx context.Context, id string) error {
	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()

	select {
	case s.row(id) <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("lock account %q: %w", id, errLockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memStore) unlockRow(id string) {
	<-s.row(id)
}

func (s *memStore) WithAccountLock(ctx context.Context, ids []string, fn func(Store) error) error {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()

	locked := make([]string, 0, 2)
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			s.unlockRow(locked[i])
		}
	}()

	for _, id := range lockOrder(ids) {
		if err := s.lockRow(ctx, id); err != nil {
			return err
		}
		locked = append(locked, id)
	}

	tx := &memTx{store: s, accounts: make(map[string]Account)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx is the unit of work WithAccountLock hands to fn. Writes buffer
// here and land in the shared maps under one data lock when fn succeeds,
// so a concurrent reader sees a transfer's debit and credit together or
// not at all; a failed fn leaves no trace.
type memTx struct {
	store    *memStore
	accounts map[string]Account
	appends  []*Transaction
}

func (tx *memTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, account := range tx.accounts {
		s.accounts[id] = account
	}
	now := time.Now()
	for _, tran := range tx.appends {
		s.nextID++
		tran.ID = s.nextID
		tran.CreatedAt = now
		s.transactions = append(s.transactions, *tran)
	}
}

func (tx *memTx) GetAccount(ctx context.Context, id string) (*Account, error) {
	if account, ok := tx.accounts[id]; ok {
		cp := account
		return &cp, nil
	}
	return tx.store.GetAccount(ctx, id)
}

func (tx *memTx) UpsertAccount(ctx context.Context, account *Account) error {
	tx.accounts[account.ID] = *account
	return nil
}

func (tx *memTx) AppendTransaction(ctx context.Context, tran *Transaction) error {
	tx.appends = append(tx.appends, tran)
	return nil
}

func (tx *memTx) ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	limit = clampLimit(limit)
	out := make([]Transaction, 0, limit)
	for i := len(tx.appends) - 1; i >= 0 && len(out) < limit; i-- {
		if touchesAccount(tx.appends[i], accountID) {
			out = append(out, *tx.appends[i])
		}
	}
	if len(out) == limit {
		return out, nil
	}
	rest, err := tx.store.ListTransactions(ctx, accountID, limit-len(out))
	if err != nil {
		return nil, err
	}
	return append(out, rest...), nil
}

func (tx *memTx) ResetAll(ctx context.Context) error {
	return fmt.Errorf("resetAll: unavailable inside an account lock")
}

func (tx *memTx) WithAccountLock(ctx context.Context, ids []string, fn func(Store) error) error {
	return tx.store.WithAccountLock(ctx, ids, fn)
}

var _ Store = (*memTx)(nil)

func (s *memStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, errAccountNotFound
	}
	cp := account
	return &cp, nil
}

func (s *memStore) UpsertAccount(ctx context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[account.ID] = *account
	return nil
}

func (s *memStore) AppendTransaction(ctx context.Context, tran *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	tran.ID = s.nextID
	tran.CreatedAt = time.Now()
	s.transactions = append(s.transactions, *tran)
	return nil
}

func (s *memStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = clampLimit(limit)
	out := make([]Transaction, 0, limit)
	for i := len(s.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		tran := s.transactions[i]
		if touchesAccount(&tran, accountID) {
			out = append(out, tran)
		}
	}
	return out, nil
}

func touchesAccount(tran *Transaction, accountID string) bool {
	return (tran.OriginAccountID != nil && *tran.OriginAccountID == accountID) ||
		(tran.DestinationAccountID != nil && *tran.DestinationAccountID == accountID)
}

func (s *memStore) ResetAll(ctx context.Context) error {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	// Log first, then accounts, matching the referential order the SQL
	// store has to respect.
	s.transactions = nil
	s.accounts = make(map[string]Account)
	return nil
}

var _ Store = (*memStore)(nil)
