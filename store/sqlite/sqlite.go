/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Default production store. The same schema and queries carry over to
  PostgreSQL with only dialect changes (see store/postgres).

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the transfers table
  - Triggers abort any UPDATE/DELETE that reaches transfers anyway
  - Corrections via reversal transfers only
  - UNIQUE(reversal_of) allows at most one reversal per transfer

KEY TABLES:
  accounts:  code, validity window, load amount, balance, version
  transfers: immutable ledger of every money movement

CONCURRENCY:
  The pool is limited to one connection, so transactions are serialized
  inside this process. Transactions begin IMMEDIATE (_txlock=immediate) and
  wait up to _busy_timeout for other processes. SQLITE_BUSY/LOCKED surface
  as ledger.ErrConcurrentModification so the engine retries them. The
  balance write is still a version compare-and-swap, which is what protects
  against writers in other processes.

AMOUNTS:
  Stored as decimal TEXT ("400.00"), never REAL.

USAGE:
  store, err := sqlite.New("./data/stored-value.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, policy)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/stored-value/ledger"
)

// timeLayout is fixed-width so TEXT ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		load_amount TEXT NOT NULL,
		balance TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		CHECK (start_date < end_date)
	);

	-- Transfers (append-only ledger)
	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		source_code TEXT REFERENCES accounts(code),
		destination_code TEXT REFERENCES accounts(code),
		amount TEXT NOT NULL,
		order_number TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('redemption', 'refund', 'reversal')),
		reversal_of TEXT UNIQUE REFERENCES transfers(id),
		datetime TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		CHECK (source_code IS NOT NULL OR destination_code IS NOT NULL),
		CHECK ((kind = 'reversal') = (reversal_of IS NOT NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_source
		ON transfers(source_code, datetime) WHERE source_code IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transfers_destination
		ON transfers(destination_code, datetime) WHERE destination_code IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transfers_order_number
		ON transfers(order_number);

	CREATE TRIGGER IF NOT EXISTS transfers_no_update
		BEFORE UPDATE ON transfers
		BEGIN SELECT RAISE(ABORT, 'transfers are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS transfers_no_delete
		BEFORE DELETE ON transfers
		BEGIN SELECT RAISE(ABORT, 'transfers are append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// QUERIES - shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

func (qs *queries) CreateAccount(ctx context.Context, a ledger.Account) error {
	query := `
		INSERT INTO accounts
		(code, name, start_date, end_date, load_amount, balance, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := qs.q.ExecContext(ctx, query,
		a.Code,
		a.Name,
		formatTime(a.StartDate),
		formatTime(a.EndDate),
		a.LoadAmount.String(),
		a.Balance.String(),
		a.Version,
		formatTime(a.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateAccountCode
		}
		return mapError(fmt.Errorf("failed to create account: %w", err))
	}
	return nil
}

func (qs *queries) GetAccount(ctx context.Context, code ledger.AccountCode) (ledger.Account, error) {
	var (
		a                  ledger.Account
		start, end, create string
		load, balance      string
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT code, name, start_date, end_date, load_amount, balance, version, created_at
		FROM accounts WHERE code = ?`, code,
	).Scan(&a.Code, &a.Name, &start, &end, &load, &balance, &a.Version, &create)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapError(fmt.Errorf("failed to get account: %w", err))
	}

	if a.StartDate, err = parseTime(start); err != nil {
		return ledger.Account{}, err
	}
	if a.EndDate, err = parseTime(end); err != nil {
		return ledger.Account{}, err
	}
	if a.CreatedAt, err = parseTime(create); err != nil {
		return ledger.Account{}, err
	}
	if a.LoadAmount, err = ledger.ParseMoney(load); err != nil {
		return ledger.Account{}, fmt.Errorf("corrupt load_amount for %s: %w", code, err)
	}
	if a.Balance, err = ledger.ParseMoney(balance); err != nil {
		return ledger.Account{}, fmt.Errorf("corrupt balance for %s: %w", code, err)
	}
	return a, nil
}

func (qs *queries) ListAccountCodes(ctx context.Context) ([]ledger.AccountCode, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT code FROM accounts ORDER BY created_at, rowid")
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to list accounts: %w", err))
	}
	defer rows.Close()

	var codes []ledger.AccountCode
	for rows.Next() {
		var c ledger.AccountCode
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// UpdateBalance is the only UPDATE in this store: a version compare-and-swap.
func (qs *queries) UpdateBalance(ctx context.Context, code ledger.AccountCode, version int64, balance ledger.Money) error {
	res, err := qs.q.ExecContext(ctx,
		"UPDATE accounts SET balance = ?, version = version + 1 WHERE code = ? AND version = ?",
		balance.String(), code, version,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update balance: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = qs.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts WHERE code = ?", code).Scan(&exists)
	if err != nil {
		return mapError(err)
	}
	if exists == 0 {
		return ledger.ErrAccountNotFound
	}
	return ledger.ErrConcurrentModification
}

// AppendTransfer adds a transfer to the ledger.
func (qs *queries) AppendTransfer(ctx context.Context, t ledger.Transfer) error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrUnknownTransferKind, t.Kind)
	}
	query := `
		INSERT INTO transfers
		(id, source_code, destination_code, amount, order_number, kind, reversal_of, datetime, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var reversalOf sql.NullString
	if t.ReversalOf != nil {
		reversalOf = sql.NullString{String: string(*t.ReversalOf), Valid: true}
	}
	_, err := qs.q.ExecContext(ctx, query,
		t.ID,
		partyCode(t.Source),
		partyCode(t.Destination),
		t.Amount.String(),
		t.OrderNumber,
		t.Kind,
		reversalOf,
		formatTime(t.Datetime),
		t.Description,
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "reversal_of") {
			return &ledger.AlreadyReversedError{Transfer: *t.ReversalOf}
		}
		return mapError(fmt.Errorf("failed to append transfer: %w", err))
	}
	return nil
}

const selectTransfers = `
	SELECT t.id, t.source_code, COALESCE(sa.name, ''), t.destination_code, COALESCE(da.name, ''),
	       t.amount, t.order_number, t.kind, t.reversal_of, t.datetime, t.description
	FROM transfers t
	LEFT JOIN accounts sa ON sa.code = t.source_code
	LEFT JOIN accounts da ON da.code = t.destination_code
`

func (qs *queries) GetTransfer(ctx context.Context, id ledger.TransferID) (ledger.Transfer, error) {
	txs, err := qs.queryTransfers(ctx, selectTransfers+" WHERE t.id = ?", id)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if len(txs) == 0 {
		return ledger.Transfer{}, ledger.ErrTransferNotFound
	}
	return txs[0], nil
}

func (qs *queries) FindReversal(ctx context.Context, id ledger.TransferID) (*ledger.Transfer, error) {
	txs, err := qs.queryTransfers(ctx, selectTransfers+" WHERE t.reversal_of = ?", id)
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
		selectTransfers+" WHERE t.source_code = ? OR t.destination_code = ? ORDER BY t.datetime ASC, t.rowid ASC",
		code, code)
}

func (qs *queries) queryTransfers(ctx context.Context, query string, args ...any) ([]ledger.Transfer, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transfers: %w", err))
	}
	defer rows.Close()

	var transfers []ledger.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func scanTransfer(rows *sql.Rows) (ledger.Transfer, error) {
	var (
		t                ledger.Transfer
		srcCode, dstCode sql.NullString
		srcName, dstName string
		amount, datetime string
		reversalOf       sql.NullString
	)

	err := rows.Scan(
		&t.ID, &srcCode, &srcName, &dstCode, &dstName,
		&amount, &t.OrderNumber, &t.Kind, &reversalOf, &datetime, &t.Description,
	)
	if err != nil {
		return t, fmt.Errorf("failed to scan transfer: %w", err)
	}
	if !t.Kind.Valid() {
		return t, fmt.Errorf("transfer %s: %w: %q", t.ID, ledger.ErrUnknownTransferKind, t.Kind)
	}

	t.Source = party(srcCode, srcName)
	t.Destination = party(dstCode, dstName)
	if t.Amount, err = ledger.ParseMoney(amount); err != nil {
		return t, fmt.Errorf("corrupt amount on transfer %s: %w", t.ID, err)
	}
	if t.Datetime, err = parseTime(datetime); err != nil {
		return t, err
	}
	if reversalOf.Valid {
		id := ledger.TransferID(reversalOf.String)
		t.ReversalOf = &id
	}
	return t, nil
}

// Helper functions

func partyCode(p ledger.Party) sql.NullString {
	ref, ok := p.Account()
	if !ok {
		return sql.NullString{}
	}
	return sql.NullString{String: string(ref.Code), Valid: true}
}

func party(code sql.NullString, name string) ledger.Party {
	if !code.Valid {
		return ledger.External()
	}
	return ledger.AccountParty(ledger.AccountRef{Code: ledger.AccountCode(code.String), Name: name})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// mapError turns lock contention into ledger.ErrConcurrentModification.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
	}
	return err
}
