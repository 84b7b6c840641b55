package main

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockOrder(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, lockOrder([]string{"b", "a"}))
	assert.Equal(t, []string{"a", "b"}, lockOrder([]string{"b", "a", "b"}))
	assert.Equal(t, []string{"x"}, lockOrder([]string{"x", "x"}))
	assert.Empty(t, lockOrder(nil))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, clampLimit(0))
	assert.Equal(t, 50, clampLimit(-1))
	assert.Equal(t, 50, clampLimit(51))
	assert.Equal(t, 10, clampLimit(10))
}

func TestWithAccountLockIsExclusivePerAccount(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	var inCritical int32
	var overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithAccountLock(ctx, []string{"acc-1"}, func(Store) error {
				if atomic.AddInt32(&inCritical, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inCritical, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlaps), "two holders inside the same row lock")
}

func TestWithAccountLockDisjointAccountsRunInParallel(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	aHeld := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- store.WithAccountLock(ctx, []string{"acc-a"}, func(Store) error {
			close(aHeld)
			<-release
			return nil
		})
	}()

	<-aHeld
	// acc-b must not queue behind acc-a's holder.
	err := store.WithAccountLock(ctx, []string{"acc-b"}, func(Store) error { return nil })
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestWithAccountLockTimesOut(t *testing.T) {
	store := NewMemStore()
	store.lockWait = 50 * time.Millisecond
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- store.WithAccountLock(ctx, []string{"acc-1"}, func(Store) error {
			close(held)
			<-release
			return nil
		})
	}()

	<-held
	err := store.WithAccountLock(ctx, []string{"acc-1"}, func(Store) error { return nil })
	require.ErrorIs(t, err, errLockTimeout)

	close(release)
	require.NoError(t, <-done)
}

func TestWithAccountLockHonorsContextCancel(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- store.WithAccountLock(ctx, []string{"acc-1"}, func(Store) error {
			close(held)
			<-release
			return nil
		})
	}()

	<-held
	cancelCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := store.WithAccountLock(cancelCtx, []string{"acc-1"}, func(Store) error { return nil })
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-done)
}

func TestWithAccountLockReleasesOnError(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	wantErr := assert.AnError
	err := store.WithAccountLock(ctx, []string{"acc-1"}, func(Store) error { return wantErr })
	require.ErrorIs(t, err, wantErr)

	// The row lock must be free again.
	err = store.WithAccountLock(ctx, []string{"acc-1"}, func(Store) error { return nil })
	require.NoError(t, err)
}

func TestResetAllExcludesRowOperations(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- store.WithAccountLock(ctx, []string{"acc-1"}, func(s Store) error {
			close(held)
			<-release
			return s.UpsertAccount(ctx, &Account{ID: "acc-1", Balance: decimal.NewFromInt(7)})
		})
	}()

	<-held
	resetDone := make(chan error, 1)
	go func() {
		resetDone <- store.ResetAll(ctx)
	}()

	// Reset must wait for the in-flight operation.
	select {
	case <-resetDone:
		t.Fatal("reset finished while a row lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-resetDone)

	_, err := store.GetAccount(ctx, "acc-1")
	assert.ErrorIs(t, err, errAccountNotFound)
}

func TestWithAccountLockBuffersWritesUntilSuccess(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	err := store.WithAccountLock(ctx, []string{"acc-1"}, func(s Store) error {
		require.NoError(t, s.UpsertAccount(ctx, &Account{ID: "acc-1", Balance: decimal.NewFromInt(5)}))

		// The unit of work sees its own write...
		inside, err := s.GetAccount(ctx, "acc-1")
		require.NoError(t, err)
		assert.True(t, inside.Balance.Equal(decimal.NewFromInt(5)))

		// ...but a direct reader does not, yet.
		_, err = store.GetAccount(ctx, "acc-1")
		assert.ErrorIs(t, err, errAccountNotFound)
		return nil
	})
	require.NoError(t, err)

	account, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(5)))
}

func TestWithAccountLockDiscardsWritesOnError(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	destination := "acc-1"
	err := store.WithAccountLock(ctx, []string{destination}, func(s Store) error {
		require.NoError(t, s.UpsertAccount(ctx, &Account{ID: destination, Balance: decimal.NewFromInt(5)}))
		require.NoError(t, s.AppendTransaction(ctx, &Transaction{
			Type: TransactionDeposit, Amount: decimal.NewFromInt(5), DestinationAccountID: &destination,
		}))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = store.GetAccount(ctx, destination)
	assert.ErrorIs(t, err, errAccountNotFound)

	transactions, err := store.ListTransactions(ctx, destination, 10)
	require.NoError(t, err)
	assert.Empty(t, transactions)
}

func TestAppendTransactionAssignsSequence(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	first := &Transaction{Type: TransactionDeposit, Amount: decimal.NewFromInt(1)}
	second := &Transaction{Type: TransactionDeposit, Amount: decimal.NewFromInt(2)}

	require.NoError(t, store.AppendTransaction(ctx, first))
	require.NoError(t, store.AppendTransaction(ctx, second))

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.False(t, first.CreatedAt.IsZero())
}

func TestGetAccountReturnsCopy(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertAccount(ctx, &Account{ID: "acc-1", Balance: decimal.NewFromInt(10)}))

	account, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	account.Balance = decimal.NewFromInt(999)

	again, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, again.Balance.Equal(decimal.NewFromInt(10)), "mutating a returned account leaked into the store")
}
