// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/stored-value/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	accounts     map[ledger.AccountCode]ledger.Account
	accountOrder []ledger.AccountCode
	transfers    map[ledger.TransferID]ledger.Transfer
	order        []ledger.TransferID
	reversals    map[ledger.TransferID]ledger.TransferID // reversed → reversal
}

func NewMemory() *Memory {
	return &Memory{state: memoryState{
		accounts:  make(map[ledger.AccountCode]ledger.Account),
		transfers: make(map[ledger.TransferID]ledger.Transfer),
		reversals: make(map[ledger.TransferID]ledger.TransferID),
	}}
}

var _ ledger.TxStore = (*Memory)(nil)

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createAccount(a)
}

func (m *Memory) GetAccount(_ context.Context, code ledger.AccountCode) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getAccount(code)
}

func (m *Memory) ListAccountCodes(_ context.Context) ([]ledger.AccountCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.AccountCode(nil), m.state.accountOrder...), nil
}

func (m *Memory) UpdateBalance(_ context.Context, code ledger.AccountCode, version int64, balance ledger.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateBalance(code, version, balance)
}

// AppendTransfer adds a transfer. Append-only.
func (m *Memory) AppendTransfer(_ context.Context, t ledger.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendTransfer(t)
}

func (m *Memory) GetTransfer(_ context.Context, id ledger.TransferID) (ledger.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getTransfer(id)
}

func (m *Memory) FindReversal(_ context.Context, id ledger.TransferID) (*ledger.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.findReversal(id), nil
}

func (m *Memory) ListTransfers(_ context.Context, code ledger.AccountCode) ([]ledger.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listTransfers(code), nil
}

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions are serial.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txMemoryView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// =============================================================================
// STATE - shared by the locked store and the transactional view
// =============================================================================

func (s *memoryState) createAccount(a ledger.Account) error {
	if _, ok := s.accounts[a.Code]; ok {
		return ledger.ErrDuplicateAccountCode
	}
	s.accounts[a.Code] = a
	s.accountOrder = append(s.accountOrder, a.Code)
	return nil
}

func (s *memoryState) getAccount(code ledger.AccountCode) (ledger.Account, error) {
	a, ok := s.accounts[code]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, nil
}

func (s *memoryState) updateBalance(code ledger.AccountCode, version int64, balance ledger.Money) error {
	a, ok := s.accounts[code]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if a.Version != version {
		return ledger.ErrConcurrentModification
	}
	a.Balance = balance
	a.Version++
	s.accounts[code] = a
	return nil
}

func (s *memoryState) appendTransfer(t ledger.Transfer) error {
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrUnknownTransferKind, t.Kind)
	}
	if t.ReversalOf != nil {
		if by, ok := s.reversals[*t.ReversalOf]; ok {
			return &ledger.AlreadyReversedError{Transfer: *t.ReversalOf, ReversedBy: by}
		}
		s.reversals[*t.ReversalOf] = t.ID
	}
	s.transfers[t.ID] = t
	s.order = append(s.order, t.ID)
	return nil
}

func (s *memoryState) getTransfer(id ledger.TransferID) (ledger.Transfer, error) {
	t, ok := s.transfers[id]
	if !ok {
		return ledger.Transfer{}, ledger.ErrTransferNotFound
	}
	return t, nil
}

func (s *memoryState) findReversal(id ledger.TransferID) *ledger.Transfer {
	revID, ok := s.reversals[id]
	if !ok {
		return nil
	}
	t := s.transfers[revID]
	return &t
}

func (s *memoryState) listTransfers(code ledger.AccountCode) []ledger.Transfer {
	var result []ledger.Transfer
	for _, id := range s.order {
		if t := s.transfers[id]; t.Touches(code) {
			result = append(result, t)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Datetime.Before(result[j].Datetime)
	})
	return result
}

func (s *memoryState) clone() memoryState {
	c := memoryState{
		accounts:     make(map[ledger.AccountCode]ledger.Account, len(s.accounts)),
		accountOrder: append([]ledger.AccountCode(nil), s.accountOrder...),
		transfers:    make(map[ledger.TransferID]ledger.Transfer, len(s.transfers)),
		order:        append([]ledger.TransferID(nil), s.order...),
		reversals:    make(map[ledger.TransferID]ledger.TransferID, len(s.reversals)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	for k, v := range s.reversals {
		c.reversals[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txMemoryView operates on state while the parent's write lock is held.
type txMemoryView struct {
	state *memoryState
}

func (tv *txMemoryView) CreateAccount(_ context.Context, a ledger.Account) error {
	return tv.state.createAccount(a)
}

func (tv *txMemoryView) GetAccount(_ context.Context, code ledger.AccountCode) (ledger.Account, error) {
	return tv.state.getAccount(code)
}

func (tv *txMemoryView) ListAccountCodes(_ context.Context) ([]ledger.AccountCode, error) {
	return append([]ledger.AccountCode(nil), tv.state.accountOrder...), nil
}

func (tv *txMemoryView) UpdateBalance(_ context.Context, code ledger.AccountCode, version int64, balance ledger.Money) error {
	return tv.state.updateBalance(code, version, balance)
}

func (tv *txMemoryView) AppendTransfer(_ context.Context, t ledger.Transfer) error {
	return tv.state.appendTransfer(t)
}

func (tv *txMemoryView) GetTransfer(_ context.Context, id ledger.TransferID) (ledger.Transfer, error) {
	return tv.state.getTransfer(id)
}

func (tv *txMemoryView) FindReversal(_ context.Context, id ledger.TransferID) (*ledger.Transfer, error) {
	return tv.state.findReversal(id), nil
}

func (tv *txMemoryView) ListTransfers(_ context.Context, code ledger.AccountCode) ([]ledger.Transfer, error) {
	return tv.state.listTransfers(code), nil
}
