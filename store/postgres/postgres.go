/*
Package postgres provides a PostgreSQL implementation of ledger.TxStore on pgx.

Same contract as the SQLite store. Differences:
  - amounts are NUMERIC(20,2), read back as text so they never touch float64
  - instants are TIMESTAMPTZ
  - several server processes may share one database, so the balance
    compare-and-swap is what serializes writers: a loser's UPDATE matches no
    row once the winner commits, and serialization/deadlock SQLSTATEs
    (40001, 40P01, 55P03) are reported as ledger.ErrConcurrentModification
  - a plpgsql trigger rejects UPDATE/DELETE on transfers
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/stored-value/ledger"
)

type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ ledger.TxStore = (*Store)(nil)

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{queries: queries{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	seq BIGSERIAL,
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ NOT NULL,
	load_amount NUMERIC(20,2) NOT NULL,
	balance NUMERIC(20,2) NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	CHECK (start_date < end_date)
);

CREATE TABLE IF NOT EXISTS transfers (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	source_code TEXT REFERENCES accounts(code),
	destination_code TEXT REFERENCES accounts(code),
	amount NUMERIC(20,2) NOT NULL CHECK (amount > 0),
	order_number TEXT NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('redemption', 'refund', 'reversal')),
	reversal_of TEXT REFERENCES transfers(id),
	datetime TIMESTAMPTZ NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	CONSTRAINT transfers_reversal_of_key UNIQUE (reversal_of),
	CHECK (source_code IS NOT NULL OR destination_code IS NOT NULL),
	CHECK ((kind = 'reversal') = (reversal_of IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_transfers_source ON transfers(source_code, datetime);
CREATE INDEX IF NOT EXISTS idx_transfers_destination ON transfers(destination_code, datetime);
CREATE INDEX IF NOT EXISTS idx_transfers_order_number ON transfers(order_number);

CREATE OR REPLACE FUNCTION transfers_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'transfers are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS transfers_no_modify ON transfers;
CREATE TRIGGER transfers_no_modify
	BEFORE UPDATE OR DELETE ON transfers
	FOR EACH ROW EXECUTE FUNCTION transfers_append_only();
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// WithTx runs fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(fmt.Errorf("tx begin failed: %w", err))
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

// =============================================================================
// QUERIES - shared by the pool and pgx.Tx
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

func (qs *queries) CreateAccount(ctx context.Context, a ledger.Account) error {
	_, err := qs.q.Exec(ctx, `
		INSERT INTO accounts (code, name, start_date, end_date, load_amount, balance, version, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8)`,
		string(a.Code), a.Name, a.StartDate.UTC(), a.EndDate.UTC(),
		a.LoadAmount.String(), a.Balance.String(), a.Version, a.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err, "accounts_pkey") {
			return ledger.ErrDuplicateAccountCode
		}
		return mapError(fmt.Errorf("account insert failed: %w", err))
	}
	return nil
}

func (qs *queries) GetAccount(ctx context.Context, code ledger.AccountCode) (ledger.Account, error) {
	var (
		a             ledger.Account
		c             string
		load, balance string
	)
	err := qs.q.QueryRow(ctx, `
		SELECT code, name, start_date, end_date, load_amount::text, balance::text, version, created_at
		FROM accounts WHERE code = $1`, string(code),
	).Scan(&c, &a.Name, &a.StartDate, &a.EndDate, &load, &balance, &a.Version, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapError(fmt.Errorf("account query failed: %w", err))
	}

	a.Code = ledger.AccountCode(c)
	a.StartDate = a.StartDate.UTC()
	a.EndDate = a.EndDate.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	if a.LoadAmount, err = ledger.ParseMoney(load); err != nil {
		return ledger.Account{}, err
	}
	if a.Balance, err = ledger.ParseMoney(balance); err != nil {
		return ledger.Account{}, err
	}
	return a, nil
}

func (qs *queries) ListAccountCodes(ctx context.Context) ([]ledger.AccountCode, error) {
	rows, err := qs.q.Query(ctx, "SELECT code FROM accounts ORDER BY seq")
	if err != nil {
		return nil, mapError(err)
	}
	codes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.AccountCode, error) {
		var c string
		err := row.Scan(&c)
		return ledger.AccountCode(c), err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return codes, nil
}

func (qs *queries) UpdateBalance(ctx context.Context, code ledger.AccountCode, version int64, balance ledger.Money) error {
	tag, err := qs.q.Exec(ctx,
		"UPDATE accounts SET balance = $1::numeric, version = version + 1 WHERE code = $2 AND version = $3",
		balance.String(), string(code), version,
	)
	if err != nil {
		return mapError(fmt.Errorf("balance update failed: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := qs.q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE code = $1)", string(code)).Scan(&exists); err != nil {
		return mapError(err)
	}
	if !exists {
		return ledger.ErrAccountNotFound
	}
	return ledger.ErrConcurrentModification
}

func (qs *queries) AppendTransfer(ctx context.Context, t ledger.Transfer) error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrUnknownTransferKind, t.Kind)
	}
	var reversalOf *string
	if t.ReversalOf != nil {
		s := string(*t.ReversalOf)
		reversalOf = &s
	}
	_, err := qs.q.Exec(ctx, `
		INSERT INTO transfers (id, source_code, destination_code, amount, order_number, kind, reversal_of, datetime, description)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`,
		string(t.ID), partyCode(t.Source), partyCode(t.Destination), t.Amount.String(),
		t.OrderNumber, string(t.Kind), reversalOf, t.Datetime.UTC(), t.Description,
	)
	if err != nil {
		if isUniqueViolation(err, "transfers_reversal_of_key") {
			return &ledger.AlreadyReversedError{Transfer: *t.ReversalOf}
		}
		return mapError(fmt.Errorf("transfer insert failed: %w", err))
	}
	return nil
}

const selectTransfers = `
	SELECT t.id, t.source_code, COALESCE(sa.name, ''), t.destination_code, COALESCE(da.name, ''),
	       t.amount::text, t.order_number, t.kind, t.reversal_of, t.datetime, t.description
	FROM transfers t
	LEFT JOIN accounts sa ON sa.code = t.source_code
	LEFT JOIN accounts da ON da.code = t.destination_code
`

func (qs *queries) GetTransfer(ctx context.Context, id ledger.TransferID) (ledger.Transfer, error) {
	txs, err := qs.queryTransfers(ctx, selectTransfers+" WHERE t.id = $1", string(id))
	if err != nil {
		return ledger.Transfer{}, err
	}
	if len(txs) == 0 {
		return ledger.Transfer{}, ledger.ErrTransferNotFound
	}
	return txs[0], nil
}

func (qs *queries) FindReversal(ctx context.Context, id ledger.TransferID) (*ledger.Transfer, error) {
	txs, err := qs.queryTransfers(ctx, selectTransfers+" WHERE t.reversal_of = $1", string(id))
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (qs *queries) ListTransfers(ctx context.Context, code ledger.AccountCode) ([]ledger.Transfer, error) {
	return qs.queryTransfers(ctx,
		selectTransfers+" WHERE t.source_code = $1 OR t.destination_code = $1 ORDER BY t.datetime, t.seq",
		string(code))
}

func (qs *queries) queryTransfers(ctx context.Context, query string, args ...any) ([]ledger.Transfer, error) {
	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("transfer query failed: %w", err))
	}
	txs, err := pgx.CollectRows(rows, scanTransfer)
	if err != nil {
		return nil, mapError(err)
	}
	return txs, nil
}

func scanTransfer(row pgx.CollectableRow) (ledger.Transfer, error) {
	var (
		t                       ledger.Transfer
		id, kind, amount        string
		srcCode, dstCode, revOf *string
		srcName, dstName        string
	)
	err := row.Scan(&id, &srcCode, &srcName, &dstCode, &dstName,
		&amount, &t.OrderNumber, &kind, &revOf, &t.Datetime, &t.Description)
	if err != nil {
		return t, err
	}

	t.ID = ledger.TransferID(id)
	t.Kind = ledger.TransferKind(kind)
	if !t.Kind.Valid() {
		return t, fmt.Errorf("transfer %s: %w: %q", id, ledger.ErrUnknownTransferKind, kind)
	}
	t.Source = party(srcCode, srcName)
	t.Destination = party(dstCode, dstName)
	t.Datetime = t.Datetime.UTC()
	if t.Amount, err = ledger.ParseMoney(amount); err != nil {
		return t, err
	}
	if revOf != nil {
		r := ledger.TransferID(*revOf)
		t.ReversalOf = &r
	}
	return t, nil
}

func partyCode(p ledger.Party) *string {
	ref, ok := p.Account()
	if !ok {
		return nil
	}
	c := string(ref.Code)
	return &c
}

func party(code *string, name string) ledger.Party {
	if code == nil {
		return ledger.External()
	}
	return ledger.AccountParty(ledger.AccountRef{Code: ledger.AccountCode(*code), Name: name})
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

// mapError reports contention SQLSTATEs as ledger.ErrConcurrentModification.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
		case "22003":
			return fmt.Errorf("%w: numeric field overflow", ledger.ErrInvalidAmount)
		}
	}
	return err
}
