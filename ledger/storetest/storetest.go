// Package storetest is a conformance suite for ledger.TxStore
// implementations. Each store's tests call Run with a constructor.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stored-value/ledger"
)

// Run exercises s against the ledger.TxStore contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.TxStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.TxStore)
	}{
		{"AccountRoundTrip", testAccountRoundTrip},
		{"DuplicateAccountCode", testDuplicateAccountCode},
		{"ListAccountCodes", testListAccountCodes},
		{"UpdateBalanceCompareAndSwap", testUpdateBalance},
		{"TransferRoundTrip", testTransferRoundTrip},
		{"OneReversalPerTransfer", testOneReversalPerTransfer},
		{"UnknownKindRejected", testUnknownKindRejected},
		{"ListTransfersOrder", testListTransfers},
		{"WithTxCommits", testWithTxCommits},
		{"WithTxRollsBack", testWithTxRollsBack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, newStore(t)) })
	}
}

var base = time.Date(2013, 1, 1, 6, 0, 0, 0, time.UTC)

func newAccount(code ledger.AccountCode, balance string) ledger.Account {
	m := ledger.MustParseMoney(balance)
	return ledger.Account{
		Code:       code,
		Name:       "Card " + string(code),
		StartDate:  base,
		EndDate:    base.AddDate(0, 5, 0),
		LoadAmount: m,
		Balance:    m,
		Version:    1,
		CreatedAt:  base,
	}
}

func redemption(id ledger.TransferID, a ledger.Account, amount string, at time.Time) ledger.Transfer {
	return ledger.Transfer{
		ID:          id,
		Source:      ledger.AccountParty(a.Ref()),
		Destination: ledger.External(),
		Amount:      ledger.MustParseMoney(amount),
		OrderNumber: "order-" + string(id),
		Kind:        ledger.KindRedemption,
		Datetime:    at,
		Description: "redemption " + string(id),
	}
}

func reversal(id ledger.TransferID, of ledger.Transfer, at time.Time) ledger.Transfer {
	target := of.ID
	return ledger.Transfer{
		ID:          id,
		Source:      of.Destination,
		Destination: of.Source,
		Amount:      of.Amount,
		OrderNumber: of.OrderNumber,
		Kind:        ledger.KindReversal,
		ReversalOf:  &target,
		Datetime:    at,
	}
}

func testAccountRoundTrip(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	want := newAccount("AAAAAAAAAAAA", "400.00")
	require.NoError(t, s.CreateAccount(ctx, want))

	got, err := s.GetAccount(ctx, want.Code)
	require.NoError(t, err)

	assert.Equal(t, want.Code, got.Code)
	assert.Equal(t, want.Name, got.Name)
	assert.True(t, want.StartDate.Equal(got.StartDate))
	assert.True(t, want.EndDate.Equal(got.EndDate))
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, "400.00", got.LoadAmount.String())
	assert.Equal(t, "400.00", got.Balance.String())
	assert.EqualValues(t, 1, got.Version)

	_, err = s.GetAccount(ctx, "NOPE")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func testDuplicateAccountCode(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("AAAAAAAAAAAA", "1")))

	err := s.CreateAccount(ctx, newAccount("AAAAAAAAAAAA", "2"))

	assert.ErrorIs(t, err, ledger.ErrDuplicateAccountCode)
}

func testListAccountCodes(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	for _, c := range []ledger.AccountCode{"CCCCCCCCCCCC", "AAAAAAAAAAAA", "BBBBBBBBBBBB"} {
		require.NoError(t, s.CreateAccount(ctx, newAccount(c, "1")))
	}

	codes, err := s.ListAccountCodes(ctx)

	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountCode{"CCCCCCCCCCCC", "AAAAAAAAAAAA", "BBBBBBBBBBBB"}, codes)
}

func testUpdateBalance(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a := newAccount("AAAAAAAAAAAA", "400.00")
	require.NoError(t, s.CreateAccount(ctx, a))

	// WHEN: the expected version matches
	require.NoError(t, s.UpdateBalance(ctx, a.Code, 1, ledger.MustParseMoney("350.00")))

	// THEN: balance and version move together
	got, err := s.GetAccount(ctx, a.Code)
	require.NoError(t, err)
	assert.Equal(t, "350.00", got.Balance.String())
	assert.EqualValues(t, 2, got.Version)

	// AND: a writer holding the old version loses
	err = s.UpdateBalance(ctx, a.Code, 1, ledger.MustParseMoney("0.00"))
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	got, err = s.GetAccount(ctx, a.Code)
	require.NoError(t, err)
	assert.Equal(t, "350.00", got.Balance.String())

	err = s.UpdateBalance(ctx, "NOPE", 1, ledger.MustParseMoney("1"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func testTransferRoundTrip(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a := newAccount("AAAAAAAAAAAA", "400.00")
	require.NoError(t, s.CreateAccount(ctx, a))
	want := redemption("t1", a, "50.00", base.Add(time.Hour))
	require.NoError(t, s.AppendTransfer(ctx, want))

	got, err := s.GetTransfer(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, ledger.KindRedemption, got.Kind)
	src, ok := got.Source.Account()
	require.True(t, ok)
	assert.Equal(t, a.Code, src.Code)
	assert.Equal(t, a.Name, src.Name)
	assert.True(t, got.Destination.IsExternal())
	assert.Equal(t, "50.00", got.Amount.String())
	assert.Equal(t, want.OrderNumber, got.OrderNumber)
	assert.Equal(t, want.Description, got.Description)
	assert.True(t, want.Datetime.Equal(got.Datetime))
	assert.Nil(t, got.ReversalOf)

	_, err = s.GetTransfer(ctx, "11111111")
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
}

func testOneReversalPerTransfer(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a := newAccount("AAAAAAAAAAAA", "400.00")
	require.NoError(t, s.CreateAccount(ctx, a))
	orig := redemption("t1", a, "50.00", base.Add(time.Hour))
	require.NoError(t, s.AppendTransfer(ctx, orig))

	none, err := s.FindReversal(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.AppendTransfer(ctx, reversal("r1", orig, base.Add(2*time.Hour))))

	found, err := s.FindReversal(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ledger.TransferID("r1"), found.ID)
	require.NotNil(t, found.ReversalOf)
	assert.Equal(t, ledger.TransferID("t1"), *found.ReversalOf)
	assert.True(t, found.Destination.Is(a.Code))

	// WHEN: a second reversal of the same transfer is appended
	err = s.AppendTransfer(ctx, reversal("r2", orig, base.Add(3*time.Hour)))

	// THEN
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
	var already *ledger.AlreadyReversedError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, ledger.TransferID("t1"), already.Transfer)
	_, err = s.GetTransfer(ctx, "r2")
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
}

func testListTransfers(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a := newAccount("AAAAAAAAAAAA", "400.00")
	b := newAccount("BBBBBBBBBBBB", "400.00")
	require.NoError(t, s.CreateAccount(ctx, a))
	require.NoError(t, s.CreateAccount(ctx, b))

	late := redemption("t-late", a, "1", base.Add(3*time.Hour))
	other := redemption("t-other", b, "1", base.Add(2*time.Hour))
	early := redemption("t-early", a, "1", base.Add(time.Hour))
	for _, tr := range []ledger.Transfer{late, other, early} {
		require.NoError(t, s.AppendTransfer(ctx, tr))
	}

	txs, err := s.ListTransfers(ctx, a.Code)

	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TransferID("t-early"), txs[0].ID)
	assert.Equal(t, ledger.TransferID("t-late"), txs[1].ID)

	empty, err := s.ListTransfers(ctx, "NOPE")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testWithTxCommits(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a := newAccount("AAAAAAAAAAAA", "400.00")
	require.NoError(t, s.CreateAccount(ctx, a))

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.UpdateBalance(ctx, a.Code, 1, ledger.MustParseMoney("350.00")); err != nil {
			return err
		}
		return tx.AppendTransfer(ctx, redemption("t1", a, "50.00", base.Add(time.Hour)))
	})
	require.NoError(t, err)

	got, err := s.GetAccount(ctx, a.Code)
	require.NoError(t, err)
	assert.Equal(t, "350.00", got.Balance.String())
	_, err = s.GetTransfer(ctx, "t1")
	assert.NoError(t, err)
}

func testWithTxRollsBack(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a := newAccount("AAAAAAAAAAAA", "400.00")
	require.NoError(t, s.CreateAccount(ctx, a))
	boom := errors.New("boom")

	// WHEN: fn fails after writing
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.UpdateBalance(ctx, a.Code, 1, ledger.MustParseMoney("350.00")); err != nil {
			return err
		}
		if err := tx.AppendTransfer(ctx, redemption("t1", a, "50.00", base.Add(time.Hour))); err != nil {
			return err
		}
		return tx.CreateAccount(ctx, newAccount("BBBBBBBBBBBB", "1"))
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.UpdateBalance(ctx, a.Code, 2, ledger.MustParseMoney("300.00")); err != nil {
			return err
		}
		if err := tx.AppendTransfer(ctx, redemption("t2", a, "50.00", base.Add(2*time.Hour))); err != nil {
			return err
		}
		return boom
	})

	// THEN: nothing from the failed transaction survives
	assert.ErrorIs(t, err, boom)
	got, err := s.GetAccount(ctx, a.Code)
	require.NoError(t, err)
	assert.Equal(t, "350.00", got.Balance.String())
	assert.EqualValues(t, 2, got.Version)
	_, err = s.GetTransfer(ctx, "t2")
	assert.ErrorIs(t, err, ledger.ErrTransferNotFound)
	_, err = s.GetAccount(ctx, "BBBBBBBBBBBB")
	assert.NoError(t, err)
}

func testUnknownKindRejected(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a := newAccount("AAAA00000001", "400.00")
	require.NoError(t, s.CreateAccount(ctx, a))

	bogus := redemption("t-1", a, "50.00", base.Add(time.Hour))
	bogus.Kind = "chargeback"
	err := s.AppendTransfer(ctx, bogus)

	assert.ErrorIs(t, err, ledger.ErrUnknownTransferKind)
	txs, err := s.ListTransfers(ctx, a.Code)
	require.NoError(t, err)
	assert.Empty(t, txs)
}
