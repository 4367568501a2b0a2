/*
store.go - Persistence interface for accounts and transfers

PURPOSE:
  Defines the boundary between the engine and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

APPEND-ONLY CONTRACT:
  Transfers have exactly one write: AppendTransfer. There is no Update and
  no Delete for transfers. The only mutable column in the whole model is
  an account's balance (plus its version), and it is written with a
  compare-and-swap so lost updates are impossible.

AT MOST ONE REVERSAL:
  Stores must reject a second transfer whose ReversalOf points at an
  already-reversed transfer (unique index), returning ErrAlreadyReversed.
  The engine checks first, the store guarantees it.

ATOMICITY:
  TxStore.WithTx runs fn inside one database transaction. A balance write
  and the transfer that explains it are committed or rolled back together.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)
*/
package ledger

import "context"

// =============================================================================
// STORE
// =============================================================================

// Store handles persistence of accounts and transfers.
type Store interface {
	// CreateAccount inserts a new account. Returns ErrDuplicateAccountCode
	// if the code is taken.
	CreateAccount(ctx context.Context, a Account) error

	// GetAccount returns ErrAccountNotFound for unknown codes.
	GetAccount(ctx context.Context, code AccountCode) (Account, error)

	// ListAccountCodes returns every account code, oldest first.
	ListAccountCodes(ctx context.Context) ([]AccountCode, error)

	// UpdateBalance sets the balance if the stored version still equals
	// expectedVersion, and increments the version. Returns
	// ErrConcurrentModification when the version moved.
	UpdateBalance(ctx context.Context, code AccountCode, expectedVersion int64, balance Money) error

	// AppendTransfer persists a transfer. This is the ONLY transfer write.
	AppendTransfer(ctx context.Context, t Transfer) error

	// GetTransfer returns ErrTransferNotFound for unknown ids.
	GetTransfer(ctx context.Context, id TransferID) (Transfer, error)

	// FindReversal returns the reversal of id, or nil if it has none.
	FindReversal(ctx context.Context, id TransferID) (*Transfer, error)

	// ListTransfers returns transfers touching code, ordered by Datetime.
	ListTransfers(ctx context.Context, code AccountCode) ([]Transfer, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
