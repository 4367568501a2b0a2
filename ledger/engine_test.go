package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stored-value/ledger"
	"github.com/warp/stored-value/ledger/store"
	"github.com/warp/stored-value/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// testStores returns a fresh instance of every TxStore the engine runs on.
func testStores(t *testing.T) map[string]ledger.TxStore {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]ledger.TxStore{
		"memory": store.NewMemory(),
		"sqlite": db,
	}
}

// eachStore runs fn once per store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s ledger.TxStore)) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

// clock hands out strictly increasing instants.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2013, 2, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newEngine(s ledger.TxStore, opts ...ledger.Option) *ledger.Engine {
	opts = append([]ledger.Option{ledger.WithClock(newClock().Now)}, opts...)
	return ledger.NewEngine(s, ledger.Policy{}, opts...)
}

func account(t *testing.T, e *ledger.Engine, amount string) ledger.Account {
	t.Helper()
	acct, err := e.CreateAccount(context.Background(), ledger.AccountInput{
		Name:      "Gift card",
		StartDate: "2013-01-01T09:00:00+03:00",
		EndDate:   "2013-06-01T09:00:00+03:00",
		Amount:    amount,
	})
	require.NoError(t, err)
	return acct
}

func in(amount, order string) ledger.TransferInput {
	return ledger.TransferInput{Amount: amount, OrderNumber: order}
}

func balance(t *testing.T, e *ledger.Engine, code ledger.AccountCode) string {
	t.Helper()
	acct, err := e.GetAccount(context.Background(), code)
	require.NoError(t, err)
	return acct.Balance.String()
}

// =============================================================================
// ACCOUNT TESTS
// =============================================================================

func TestCreateAccount(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		e := newEngine(s)

		acct := account(t, e, "400.00")

		assert.Len(t, string(acct.Code), 12)
		assert.Equal(t, "400.00", acct.Balance.String())
		assert.Equal(t, "400.00", acct.LoadAmount.String())
		assert.Equal(t, time.Date(2013, 1, 1, 6, 0, 0, 0, time.UTC), acct.StartDate)

		stored, err := e.GetAccount(context.Background(), acct.Code)
		require.NoError(t, err)
		assert.Equal(t, acct.Code, stored.Code)
		assert.Equal(t, "Gift card", stored.Name)
		assert.True(t, acct.StartDate.Equal(stored.StartDate))
		assert.True(t, acct.EndDate.Equal(stored.EndDate))
		assert.Equal(t, "400.00", stored.Balance.String())
	})
}

func TestCreateAccount_PolicyRejections(t *testing.T) {
	e := newEngine(store.NewMemory())
	ctx := context.Background()
	base := ledger.AccountInput{
		StartDate: "2013-01-01T09:00:00+03:00",
		EndDate:   "2013-06-01T09:00:00+03:00",
	}

	low := base
	low.Amount = "1.00"
	_, err := e.WithPolicy(ledger.Policy{MinimumLoadValue: ledger.MoneyPtr(ledger.MustParseMoney("25"))}).CreateAccount(ctx, low)
	assert.ErrorIs(t, err, ledger.ErrAmountBelowMinimum)
	assert.Equal(t, ledger.CodeAmountTooLow, ledger.ErrorCode(err))

	high := base
	high.Amount = "5000.00"
	_, err = e.WithPolicy(ledger.Policy{MaximumAccountValue: ledger.MoneyPtr(ledger.MustParseMoney("500"))}).CreateAccount(ctx, high)
	assert.ErrorIs(t, err, ledger.ErrAmountAboveMaximum)
	assert.Equal(t, ledger.CodeAmountTooHigh, ledger.ErrorCode(err))

	// the original engine is untouched by WithPolicy
	_, err = e.CreateAccount(ctx, high)
	assert.NoError(t, err)
	assert.Nil(t, e.Policy().MaximumAccountValue)

	strict := ledger.Policy{EnforceValidityWindow: true}
	assert.Equal(t, strict, e.WithPolicy(strict).Policy())
}

func TestCreateAccount_RegeneratesCollidingCode(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		codes := []ledger.AccountCode{"AAAAAAAAAAAA", "AAAAAAAAAAAA", "BBBBBBBBBBBB"}
		var next int
		e := newEngine(s, ledger.WithCodeGenerator(func() ledger.AccountCode {
			c := codes[next]
			next++
			return c
		}))

		first := account(t, e, "10")
		second := account(t, e, "10")

		assert.Equal(t, ledger.AccountCode("AAAAAAAAAAAA"), first.Code)
		assert.Equal(t, ledger.AccountCode("BBBBBBBBBBBB"), second.Code)
	})
}

func TestRedeem_UsesGeneratedTransferID(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		// GIVEN: an engine handing out predictable transfer ids
		var n int
		e := newEngine(s, ledger.WithIDGenerator(func() ledger.TransferID {
			n++
			return ledger.TransferID(fmt.Sprintf("tx-%03d", n))
		}))
		acct := account(t, e, "400.00")

		// WHEN
		tr, err := e.Redeem(context.Background(), acct.Code, in("50", "1234"))
		require.NoError(t, err)

		// THEN: the id is stored and can be fetched back
		assert.Equal(t, ledger.TransferID("tx-001"), tr.ID)
		detail, err := e.GetTransfer(context.Background(), "tx-001")
		require.NoError(t, err)
		assert.False(t, detail.IsReversed())
		assert.True(t, detail.Amount.Equal(ledger.MustParseMoney("50")))
	})
}

func TestGetAccount_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		_, err := newEngine(s).GetAccount(context.Background(), "NOPE")
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})
}

// =============================================================================
// REDEEM / REFUND TESTS
// =============================================================================

func TestRedeem(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		e := newEngine(s)
		acct := account(t, e, "400.00")

		tr, err := e.Redeem(ctx, acct.Code, in("50.00", "1234"))

		require.NoError(t, err)
		assert.Equal(t, ledger.KindRedemption, tr.Kind)
		assert.True(t, tr.Source.Is(acct.Code))
		assert.True(t, tr.Destination.IsExternal())
		assert.Equal(t, "50.00", tr.Amount.String())
		assert.Equal(t, "Redemption of 50.00 from "+string(acct.Code)+" for order 1234", tr.Description)
		assert.Equal(t, "350.00", balance(t, e, acct.Code))

		stored, err := e.GetTransfer(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, tr.ID, stored.ID)
		src, ok := stored.Source.Account()
		require.True(t, ok)
		assert.Equal(t, "Gift card", src.Name)
		assert.Nil(t, stored.ReversedBy)
	})
}

func TestRedeem_EntireBalance(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		e := newEngine(s)
		acct := account(t, e, "400.00")

		_, err := e.Redeem(context.Background(), acct.Code, in("400.00", "1"))

		require.NoError(t, err)
		assert.Equal(t, "0.00", balance(t, e, acct.Code))
	})
}

func TestRedeem_InsufficientFunds(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		e := newEngine(s)
		acct := account(t, e, "400.00")

		_, err := e.Redeem(ctx, acct.Code, in("400.01", "1"))

		var ins *ledger.InsufficientFundsError
		require.True(t, errors.As(err, &ins))
		assert.Equal(t, "400.00", ins.Available.String())
		assert.Equal(t, "400.01", ins.Requested.String())
		assert.Equal(t, "400.00", balance(t, e, acct.Code))

		txs, err := e.ListTransfers(ctx, acct.Code)
		require.NoError(t, err)
		assert.Empty(t, txs)
	})
}

func TestRedeem_ValidationAndNotFound(t *testing.T) {
	ctx := context.Background()
	e := newEngine(store.NewMemory())
	acct := account(t, e, "400.00")

	_, err := e.Redeem(ctx, acct.Code, in("-5", "1"))
	assert.ErrorIs(t, err, ledger.ErrNonPositiveAmount)

	_, err = e.Redeem(ctx, acct.Code, in("5.001", "1"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = e.Redeem(ctx, acct.Code, in("5", ""))
	assert.ErrorIs(t, err, ledger.ErrMissingField)

	_, err = e.Redeem(ctx, "NOPE", in("5", "1"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestRefund(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		e := newEngine(s)
		acct := account(t, e, "400.00")
		_, err := e.Redeem(ctx, acct.Code, in("50.00", "1234"))
		require.NoError(t, err)

		tr, err := e.Refund(ctx, acct.Code, in("25.00", "1234"))

		require.NoError(t, err)
		assert.Equal(t, ledger.KindRefund, tr.Kind)
		assert.True(t, tr.Source.IsExternal())
		assert.True(t, tr.Destination.Is(acct.Code))
		assert.Equal(t, "375.00", balance(t, e, acct.Code))
	})
}

func TestRefund_NotCappedByMaximum(t *testing.T) {
	e := newEngine(store.NewMemory()).WithPolicy(ledger.Policy{
		MaximumAccountValue: ledger.MoneyPtr(ledger.MustParseMoney("500")),
	})
	acct := account(t, e, "500.00")

	_, err := e.Refund(context.Background(), acct.Code, in("100", "1"))

	require.NoError(t, err)
	assert.Equal(t, "600.00", balance(t, e, acct.Code))
}

func TestRefund_RejectsBalanceOutOfRange(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		// GIVEN: an account already at the largest representable balance
		e := newEngine(s)
		acct := account(t, e, "999999999999999999.00")

		// WHEN: a refund would push it past 18 integer digits
		_, err := e.Refund(context.Background(), acct.Code, in("1", "1"))

		// THEN: rejected as an invalid amount and nothing changed
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
		assert.Equal(t, ledger.ClassValidation, ledger.Classify(err))
		assert.Equal(t, "999999999999999999.00", balance(t, e, acct.Code))
	})
}

func TestCreateAccount_RejectsExponentAmount(t *testing.T) {
	e := newEngine(store.NewMemory())

	_, err := e.CreateAccount(context.Background(), ledger.AccountInput{
		StartDate: "2013-01-01T09:00:00+03:00",
		EndDate:   "2013-06-01T09:00:00+03:00",
		Amount:    "1e2000000",
	})

	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	var fe *ledger.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "amount", fe.Field)
}

// =============================================================================
// VALIDITY WINDOW TESTS
// =============================================================================

func TestValidityWindow(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		clk := newClock()
		e := ledger.NewEngine(s, ledger.Policy{EnforceValidityWindow: true}, ledger.WithClock(clk.Now))
		acct := account(t, e, "400.00")

		// GIVEN: a redemption made inside the window
		tr, err := e.Redeem(ctx, acct.Code, in("50", "1"))
		require.NoError(t, err)

		// WHEN: the window has closed
		clk.Set(acct.EndDate)

		// THEN: new money movement is refused
		_, err = e.Redeem(ctx, acct.Code, in("10", "2"))
		assert.ErrorIs(t, err, ledger.ErrAccountInactive)
		assert.Equal(t, ledger.CodeAccountInactive, ledger.ErrorCode(err))
		_, err = e.Refund(ctx, acct.Code, in("10", "2"))
		assert.ErrorIs(t, err, ledger.ErrAccountInactive)

		// AND: reversal still compensates
		_, err = e.Reverse(ctx, tr.ID, "1")
		require.NoError(t, err)
		assert.Equal(t, "400.00", balance(t, e, acct.Code))
	})
}

// =============================================================================
// REVERSAL TESTS
// =============================================================================

func TestReverse_Redemption(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		e := newEngine(s)
		acct := account(t, e, "400.00")
		tr, err := e.Redeem(ctx, acct.Code, in("50.00", "1234"))
		require.NoError(t, err)

		// WHEN
		rev, err := e.Reverse(ctx, tr.ID, "1234")

		// THEN
		require.NoError(t, err)
		assert.Equal(t, ledger.KindReversal, rev.Kind)
		require.NotNil(t, rev.ReversalOf)
		assert.Equal(t, tr.ID, *rev.ReversalOf)
		assert.True(t, rev.Source.IsExternal())
		assert.True(t, rev.Destination.Is(acct.Code))
		assert.True(t, tr.Amount.Equal(rev.Amount))
		assert.Equal(t, "1234", rev.OrderNumber)
		assert.Equal(t, "400.00", balance(t, e, acct.Code))

		detail, err := e.GetTransfer(ctx, tr.ID)
		require.NoError(t, err)
		require.NotNil(t, detail.ReversedBy)
		assert.Equal(t, rev.ID, *detail.ReversedBy)

		// AND: the original is untouched
		assert.True(t, tr.Amount.Equal(detail.Amount))
		assert.True(t, detail.Source.Is(acct.Code))
	})
}

func TestReverse_SecondAttemptFails(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		e := newEngine(s)
		acct := account(t, e, "400.00")
		tr, err := e.Redeem(ctx, acct.Code, in("50.00", "1234"))
		require.NoError(t, err)
		first, err := e.Reverse(ctx, tr.ID, "1234")
		require.NoError(t, err)

		_, err = e.Reverse(ctx, tr.ID, "1234")

		var already *ledger.AlreadyReversedError
		require.True(t, errors.As(err, &already))
		assert.Equal(t, first.ID, already.ReversedBy)
		assert.Equal(t, ledger.CodeAlreadyReversed, ledger.ErrorCode(err))
		assert.Equal(t, "400.00", balance(t, e, acct.Code))
	})
}

func TestReverse_Rejections(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		e := newEngine(s)
		acct := account(t, e, "400.00")
		tr, err := e.Redeem(ctx, acct.Code, in("50.00", "1234"))
		require.NoError(t, err)

		_, err = e.Reverse(ctx, "11111111", "1234")
		assert.ErrorIs(t, err, ledger.ErrTransferNotFound)

		_, err = e.Reverse(ctx, tr.ID, "9999")
		assert.ErrorIs(t, err, ledger.ErrOrderNumberMismatch)

		_, err = e.Reverse(ctx, tr.ID, "")
		assert.ErrorIs(t, err, ledger.ErrMissingField)

		rev, err := e.Reverse(ctx, tr.ID, "1234")
		require.NoError(t, err)

		// reversal targets are rejected before the order number is compared
		_, err = e.Reverse(ctx, rev.ID, "9999")
		assert.ErrorIs(t, err, ledger.ErrNotReversible)
		assert.Equal(t, "400.00", balance(t, e, acct.Code))
	})
}

func TestReverse_RefundNeedsFunds(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		e := newEngine(s)
		acct := account(t, e, "100.00")
		refund, err := e.Refund(ctx, acct.Code, in("50", "r1"))
		require.NoError(t, err)
		_, err = e.Redeem(ctx, acct.Code, in("150", "o1"))
		require.NoError(t, err)

		// WHEN: reversing the refund would take the balance negative
		_, err = e.Reverse(ctx, refund.ID, "r1")

		// THEN
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		assert.Equal(t, "0.00", balance(t, e, acct.Code))

		// AND: after a top-up it succeeds
		_, err = e.Refund(ctx, acct.Code, in("50", "r2"))
		require.NoError(t, err)
		_, err = e.Reverse(ctx, refund.ID, "r1")
		require.NoError(t, err)
		assert.Equal(t, "0.00", balance(t, e, acct.Code))
	})
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestConcurrentRedemptions_NeverOverdraw(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		e := newEngine(s, ledger.WithRetry(50, time.Millisecond))
		acct := account(t, e, "400.00")

		const workers = 20
		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
			refused   atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Redeem(ctx, acct.Code, in("30.00", "bulk"))
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, ledger.ErrInsufficientFunds):
					refused.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		// 13 × 30.00 = 390.00 fits, the 14th would not
		assert.EqualValues(t, 13, succeeded.Load())
		assert.EqualValues(t, workers-13, refused.Load())
		assert.Equal(t, "10.00", balance(t, e, acct.Code))

		audit, err := e.AuditBalance(ctx, acct.Code)
		require.NoError(t, err)
		assert.True(t, audit.Consistent())
		assert.Equal(t, 13, audit.Transfers)
	})
}

func TestConcurrentReversals_ExactlyOneWins(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		e := newEngine(s, ledger.WithRetry(50, time.Millisecond))
		acct := account(t, e, "400.00")
		tr, err := e.Redeem(ctx, acct.Code, in("50", "1234"))
		require.NoError(t, err)

		const workers = 10
		var (
			wg  sync.WaitGroup
			won atomic.Int32
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Reverse(ctx, tr.ID, "1234")
				if err == nil {
					won.Add(1)
					return
				}
				if !errors.Is(err, ledger.ErrAlreadyReversed) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 1, won.Load())
		assert.Equal(t, "400.00", balance(t, e, acct.Code))
	})
}

// flakyStore loses the next n optimistic races.
type flakyStore struct {
	*store.Memory
	failures atomic.Int32
	txs      atomic.Int32
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	f.txs.Add(1)
	return f.Memory.WithTx(ctx, func(s ledger.Store) error {
		return fn(flakyView{Store: s, parent: f})
	})
}

type flakyView struct {
	ledger.Store
	parent *flakyStore
}

func (v flakyView) UpdateBalance(ctx context.Context, code ledger.AccountCode, version int64, b ledger.Money) error {
	if v.parent.failures.Add(-1) >= 0 {
		return ledger.ErrConcurrentModification
	}
	return v.Store.UpdateBalance(ctx, code, version, b)
}

func TestRetry_RecoversFromLostRaces(t *testing.T) {
	s := &flakyStore{Memory: store.NewMemory()}
	e := newEngine(s, ledger.WithRetry(3, 0))
	acct := account(t, e, "400.00")
	s.failures.Store(3)

	_, err := e.Redeem(context.Background(), acct.Code, in("50", "1"))

	require.NoError(t, err)
	assert.Equal(t, "350.00", balance(t, e, acct.Code))
}

func TestRetry_GivesUpWithBusy(t *testing.T) {
	s := &flakyStore{Memory: store.NewMemory()}
	e := newEngine(s, ledger.WithRetry(2, 0))
	acct := account(t, e, "400.00")
	s.failures.Store(100)

	_, err := e.Redeem(context.Background(), acct.Code, in("50", "1"))

	assert.ErrorIs(t, err, ledger.ErrBusy)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, ledger.ClassTransient, ledger.Classify(err))
	assert.EqualValues(t, 97, s.failures.Load(), "one initial attempt plus two retries")

	// the rolled-back attempts left nothing behind
	s.failures.Store(0)
	assert.Equal(t, "400.00", balance(t, e, acct.Code))
	txs, err := e.ListTransfers(context.Background(), acct.Code)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestRetry_OtherErrorsAreNotRetried(t *testing.T) {
	// GIVEN: a store that would lose races, and a redemption that cannot fit
	s := &flakyStore{Memory: store.NewMemory()}
	e := newEngine(s, ledger.WithRetry(5, time.Millisecond))
	acct := account(t, e, "10.00")
	s.txs.Store(0)

	// WHEN
	_, err := e.Redeem(context.Background(), acct.Code, in("50", "1"))

	// THEN: the conflict surfaces after a single transaction
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.EqualValues(t, 1, s.txs.Load())
}

func TestRetry_BacksOffBetweenAttempts(t *testing.T) {
	s := &flakyStore{Memory: store.NewMemory()}
	e := newEngine(s, ledger.WithRetry(4, 2*time.Millisecond))
	acct := account(t, e, "400.00")
	s.failures.Store(2)
	s.txs.Store(0)

	_, err := e.Redeem(context.Background(), acct.Code, in("50", "1"))

	require.NoError(t, err)
	assert.EqualValues(t, 3, s.txs.Load())
	assert.Equal(t, "350.00", balance(t, e, acct.Code))
}

func TestRetry_StopsWhenContextCancelled(t *testing.T) {
	s := &flakyStore{Memory: store.NewMemory()}
	e := newEngine(s, ledger.WithRetry(10, time.Hour))
	acct := account(t, e, "400.00")
	s.failures.Store(100)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Redeem(ctx, acct.Code, in("50", "1"))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// EVENTS / HISTORY
// =============================================================================

type recordingSink struct {
	mu     sync.Mutex
	events []ledger.Event
	err    error
}

func (r *recordingSink) Publish(_ context.Context, e ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestEvents_PublishedAfterCommit(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newEngine(store.NewMemory(), ledger.WithEventSink(sink))
	acct := account(t, e, "400.00")
	tr, err := e.Redeem(ctx, acct.Code, in("50", "1234"))
	require.NoError(t, err)
	_, err = e.Redeem(ctx, acct.Code, in("5000", "x"))
	require.Error(t, err)
	_, err = e.Reverse(ctx, tr.ID, "1234")
	require.NoError(t, err)

	require.Len(t, sink.events, 3)
	assert.Equal(t, ledger.EventAccountCreated, sink.events[0].Type)
	assert.Equal(t, "400.00", sink.events[0].Balance.String())
	assert.Equal(t, ledger.EventTransferCreated, sink.events[1].Type)
	assert.Equal(t, ledger.KindRedemption, sink.events[1].Kind)
	assert.Equal(t, "350.00", sink.events[1].Balance.String())
	assert.Equal(t, acct.Code, sink.events[2].AccountCode)
	assert.Equal(t, ledger.KindReversal, sink.events[2].Kind)
	require.NotNil(t, sink.events[2].ReversalOf)
	assert.Equal(t, tr.ID, *sink.events[2].ReversalOf)
}

func TestEvents_SinkFailureDoesNotFailOperation(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	e := newEngine(store.NewMemory(), ledger.WithEventSink(sink))
	acct := account(t, e, "400.00")

	_, err := e.Redeem(context.Background(), acct.Code, in("50", "1"))

	require.NoError(t, err)
	assert.Equal(t, "350.00", balance(t, e, acct.Code))
}

func TestListTransfers(t *testing.T) {
	eachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		e := newEngine(s)
		a := account(t, e, "400.00")
		b := account(t, e, "100.00")
		r1, err := e.Redeem(ctx, a.Code, in("10", "1"))
		require.NoError(t, err)
		_, err = e.Redeem(ctx, b.Code, in("10", "2"))
		require.NoError(t, err)
		r3, err := e.Refund(ctx, a.Code, in("5", "3"))
		require.NoError(t, err)

		txs, err := e.ListTransfers(ctx, a.Code)

		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, r1.ID, txs[0].ID)
		assert.Equal(t, r3.ID, txs[1].ID)

		_, err = e.ListTransfers(ctx, "NOPE")
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})
}
