package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	shopspring "github.com/jackc/pgtype/ext/shopspring-numeric"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance NUMERIC(10, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS transactions (
	id BIGSERIAL PRIMARY KEY,
	type TEXT NOT NULL,
	amount NUMERIC(10, 2) NOT NULL,
	origin_account_id TEXT,
	destination_account_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS transactions_origin_idx ON transactions (origin_account_id);
CREATE INDEX IF NOT EXISTS transactions_destination_idx ON transactions (destination_account_id);
`

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so Repo
// methods run unchanged inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repo is the Postgres-backed Store.
type Repo struct {
	pool *pgxpool.Pool
	q    querier
}

func NewRepo(ctx context.Context, DSN string) (*Repo, error) {
	config, err := pgxpool.ParseConfig(DSN)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 25
	config.MaxConnLifetime = 5 * time.Minute
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// NUMERIC columns scan straight into decimal.Decimal.
		conn.ConnInfo().RegisterDataType(pgtype.DataType{
			Value: &shopspring.Numeric{},
			Name:  "numeric",
			OID:   pgtype.NumericOID,
		})
		return nil
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Repo{pool: pool, q: pool}, nil
}

func (r *Repo) GetAccount(ctx context.Context, id string) (*Account, error) {
	account := &Account{}
	query := "SELECT id, balance FROM accounts WHERE id = $1"

	err := r.q.QueryRow(ctx, query, id).Scan(&account.ID, &account.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errAccountNotFound
		}
		return nil, fmt.Errorf("getAccount: %w", err)
	}

	return account, nil
}

func (r *Repo) UpsertAccount(ctx context.Context, account *Account) error {
	query := `INSERT INTO accounts (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`

	if _, err := r.q.Exec(ctx, query, account.ID, account.Balance); err != nil {
		return fmt.Errorf("upsertAccount: %w", err)
	}
	return nil
}

func (r *Repo) AppendTransaction(ctx context.Context, tran *Transaction) error {
	query := `INSERT INTO transactions (type, amount, origin_account_id, destination_account_id)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`

	err := r.q.QueryRow(ctx, query,
		string(tran.Type), tran.Amount, tran.OriginAccountID, tran.DestinationAccountID,
	).Scan(&tran.ID, &tran.CreatedAt)
	if err != nil {
		return fmt.Errorf("appendTransaction: %w", err)
	}
	return nil
}

func (r *Repo) ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	query := `SELECT id, type, amount, origin_account_id, destination_account_id, created_at
		FROM transactions
		WHERE origin_account_id = $1 OR destination_account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	limit = clampLimit(limit)
	rows, err := r.q.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listTransactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]Transaction, 0, limit)
	for rows.Next() {
		var tran Transaction
		err := rows.Scan(&tran.ID, &tran.Type, &tran.Amount,
			&tran.OriginAccountID, &tran.DestinationAccountID, &tran.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("listTransactions: %w", err)
		}
		transactions = append(transactions, tran)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listTransactions: %w", err)
	}

	return transactions, nil
}

func (r *Repo) ResetAll(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("resetAll: %w", err)
	}
	defer tx.Rollback(ctx)

	// Transactions reference accounts, so the log goes first.
	if _, err := tx.Exec(ctx, "DELETE FROM transactions"); err != nil {
		return fmt.Errorf("resetAll: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM accounts"); err != nil {
		return fmt.Errorf("resetAll: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("resetAll: %w", err)
	}
	return nil
}

// WithAccountLock runs fn inside one transaction holding advisory locks on
// the named account ids. Advisory locks also cover rows that do not exist
// yet (deposit and transfer may create accounts), and taking them in sorted
// order prevents deadlock between opposite-direction transfers.
// lock_timeout bounds the wait so a stuck holder fails the request instead
// of hanging it.
func (r *Repo) WithAccountLock(ctx context.Context, ids []string, fn func(Store) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("withAccountLock: %w", err)
	}
	defer tx.Rollback(ctx)

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", defaultLockWait.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return fmt.Errorf("withAccountLock: %w", err)
	}

	for _, id := range lockOrder(ids) {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", id); err != nil {
			return fmt.Errorf("withAccountLock: %w", err)
		}
	}

	if err := fn(&Repo{pool: r.pool, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("withAccountLock: %w", err)
	}
	return nil
}

var _ Store = (*Repo)(nil)
