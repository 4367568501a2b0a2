/*
engine.go - Account creation and the three money-moving operations

PURPOSE:
  The Engine is the only writer of balances. Every operation validates,
  then runs as one atomic unit against the TxStore:

    CreateAccount  validate (structural → policy) → insert account
    Redeem         account → external, fails if amount > balance
    Refund         external → account, no max-value re-check
    Reverse        new transfer with swapped parties and the same amount

CONCURRENCY:
  Inside WithTx the engine reads the account, decides, then writes the
  balance with UpdateBalance(code, version, newBalance). If another writer
  committed first the version no longer matches, the store returns
  ErrConcurrentModification, the transaction rolls back (taking the
  transfer insert with it) and the whole unit is retried. After MaxRetries
  retries the caller gets ErrBusy. No mutex is held across processes; the
  database decides who wins.

EVENTS:
  Committed changes are published to the EventSink. A publish failure is
  logged and does not undo the ledger write.

SEE ALSO:
  - validation.go: Input checks
  - store.go: TxStore contract
  - audit.go: Balance invariant checks
*/
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries = 5
	DefaultBackoff    = 5 * time.Millisecond

	maxCodeAttempts = 5
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store      TxStore
	policy     Policy
	sink       EventSink
	logger     *zap.Logger
	now        func() time.Time
	newCode    func() AccountCode
	newID      func() TransferID
	maxRetries int
	backoff    time.Duration
}

type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithEventSink sets where committed events go. Default NopSink.
func WithEventSink(s EventSink) Option { return func(e *Engine) { e.sink = s } }

// WithLogger sets the engine logger. Default zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithRetry bounds optimistic-concurrency retries.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(e *Engine) {
		e.maxRetries = maxRetries
		e.backoff = backoff
	}
}

// WithCodeGenerator overrides account code generation.
func WithCodeGenerator(f func() AccountCode) Option { return func(e *Engine) { e.newCode = f } }

// WithIDGenerator overrides transfer id generation.
func WithIDGenerator(f func() TransferID) Option { return func(e *Engine) { e.newID = f } }

// NewEngine creates an engine over store using policy.
func NewEngine(store TxStore, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		policy:     policy,
		sink:       NopSink{},
		logger:     zap.NewNop(),
		now:        time.Now,
		newCode:    NewAccountCode,
		newID:      NewTransferID,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.sink == nil {
		e.sink = NopSink{}
	}
	if e.maxRetries < 0 {
		e.maxRetries = 0
	}
	return e
}

// WithPolicy returns an engine sharing the store but applying p.
func (e *Engine) WithPolicy(p Policy) *Engine {
	c := *e
	c.policy = p
	return &c
}

// Policy returns the thresholds this engine applies.
func (e *Engine) Policy() Policy { return e.policy }

// NewAccountCode returns 12 random uppercase hex characters.
func NewAccountCode() AccountCode {
	u := uuid.New()
	return AccountCode(strings.ToUpper(hex.EncodeToString(u[:6])))
}

// NewTransferID returns a random UUID.
func NewTransferID() TransferID {
	return TransferID(uuid.NewString())
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccount validates in and persists a new account loaded with its amount.
func (e *Engine) CreateAccount(ctx context.Context, in AccountInput) (Account, error) {
	spec, err := ValidateAccountInput(in, e.policy)
	if err != nil {
		return Account{}, err
	}

	now := e.now().UTC()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		acct := Account{
			Code:       e.newCode(),
			Name:       spec.Name,
			StartDate:  spec.StartDate,
			EndDate:    spec.EndDate,
			LoadAmount: spec.Amount,
			Balance:    spec.Amount,
			Version:    1,
			CreatedAt:  now,
		}
		err := e.store.CreateAccount(ctx, acct)
		if errors.Is(err, ErrDuplicateAccountCode) {
			e.logger.Debug("account code collision, regenerating", zap.String("code", string(acct.Code)))
			continue
		}
		if err != nil {
			return Account{}, fmt.Errorf("create account: %w", err)
		}

		e.logger.Info("account created",
			zap.String("code", string(acct.Code)),
			zap.String("amount", acct.Balance.String()),
			zap.Time("start_date", acct.StartDate),
			zap.Time("end_date", acct.EndDate),
		)
		balance := acct.Balance
		e.publish(ctx, Event{
			Type:        EventAccountCreated,
			AccountCode: acct.Code,
			Amount:      acct.LoadAmount,
			Balance:     &balance,
			OccurredAt:  now,
		})
		return acct, nil
	}
	return Account{}, fmt.Errorf("create account: %w after %d attempts", ErrDuplicateAccountCode, maxCodeAttempts)
}

// GetAccount returns the current state of an account.
func (e *Engine) GetAccount(ctx context.Context, code AccountCode) (Account, error) {
	return e.store.GetAccount(ctx, code)
}

// =============================================================================
// REDEEM / REFUND
// =============================================================================

// Redeem moves amount from the account to an external party.
func (e *Engine) Redeem(ctx context.Context, code AccountCode, in TransferInput) (Transfer, error) {
	return e.move(ctx, KindRedemption, code, in)
}

// Refund moves amount from an external party into the account. The
// maximum account value is not re-checked: a refund restores spent value.
func (e *Engine) Refund(ctx context.Context, code AccountCode, in TransferInput) (Transfer, error) {
	return e.move(ctx, KindRefund, code, in)
}

func (e *Engine) move(ctx context.Context, kind TransferKind, code AccountCode, in TransferInput) (Transfer, error) {
	amount, order, err := ValidateTransferInput(in)
	if err != nil {
		return Transfer{}, err
	}

	now := e.now().UTC()
	var (
		created Transfer
		balance Money
	)
	err = e.atomically(ctx, string(kind), func(s Store) error {
		acct, err := s.GetAccount(ctx, code)
		if err != nil {
			return err
		}
		if err := e.policy.CheckActive(acct, now); err != nil {
			return err
		}

		var t Transfer
		switch kind {
		case KindRedemption:
			if amount.GreaterThan(acct.Balance) {
				return &InsufficientFundsError{Account: acct.Code, Available: acct.Balance, Requested: amount}
			}
			t = e.newTransfer(kind, AccountParty(acct.Ref()), External(), amount, order, nil, now)
		case KindRefund:
			t = e.newTransfer(kind, External(), AccountParty(acct.Ref()), amount, order, nil, now)
		default:
			return fmt.Errorf("unsupported transfer kind %q", kind)
		}

		newBalance := acct.Balance.Add(t.DeltaFor(acct.Code))
		if err := checkBalanceRange(newBalance); err != nil {
			return err
		}
		if err := s.UpdateBalance(ctx, acct.Code, acct.Version, newBalance); err != nil {
			return err
		}
		if err := s.AppendTransfer(ctx, t); err != nil {
			return err
		}
		created, balance = t, newBalance
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}

	e.logger.Info("transfer recorded",
		zap.String("kind", string(kind)),
		zap.String("transfer_id", string(created.ID)),
		zap.String("account", string(code)),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()),
		zap.String("order_number", order),
	)
	ev := transferEvent(created)
	ev.Balance = &balance
	e.publish(ctx, ev)
	return created, nil
}

// =============================================================================
// REVERSE
// =============================================================================

// Reverse voids transfer id by appending a compensating transfer with the
// parties swapped and the same amount. orderNumber must equal the target's
// own order number; it confirms intent, it is not used to find the target.
func (e *Engine) Reverse(ctx context.Context, id TransferID, orderNumber string) (Transfer, error) {
	order, err := ValidateOrderNumber(orderNumber)
	if err != nil {
		return Transfer{}, err
	}

	now := e.now().UTC()
	var created Transfer
	err = e.atomically(ctx, string(KindReversal), func(s Store) error {
		target, err := s.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		if target.Kind == KindReversal {
			return fmt.Errorf("transfer %s: %w", id, ErrNotReversible)
		}
		if target.OrderNumber != order {
			return fmt.Errorf("transfer %s: %w", id, ErrOrderNumberMismatch)
		}
		existing, err := s.FindReversal(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return &AlreadyReversedError{Transfer: id, ReversedBy: existing.ID}
		}

		reversalOf := target.ID
		t := e.newTransfer(KindReversal, target.Destination, target.Source, target.Amount, target.OrderNumber, &reversalOf, now)

		if ref, ok := t.Source.Account(); ok {
			if err := e.applyDelta(ctx, s, ref.Code, t, true); err != nil {
				return err
			}
		}
		if ref, ok := t.Destination.Account(); ok {
			if err := e.applyDelta(ctx, s, ref.Code, t, false); err != nil {
				return err
			}
		}
		if err := s.AppendTransfer(ctx, t); err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}

	e.logger.Info("transfer reversed",
		zap.String("transfer_id", string(id)),
		zap.String("reversal_id", string(created.ID)),
		zap.String("amount", created.Amount.String()),
		zap.String("order_number", order),
	)
	e.publish(ctx, transferEvent(created))
	return created, nil
}

// applyDelta applies t's effect to one account. Debits must be covered by
// the current balance; credits are never capped.
func (e *Engine) applyDelta(ctx context.Context, s Store, code AccountCode, t Transfer, debit bool) error {
	acct, err := s.GetAccount(ctx, code)
	if err != nil {
		return err
	}
	if debit && t.Amount.GreaterThan(acct.Balance) {
		return &InsufficientFundsError{Account: code, Available: acct.Balance, Requested: t.Amount}
	}
	newBalance := acct.Balance.Add(t.DeltaFor(code))
	if err := checkBalanceRange(newBalance); err != nil {
		return err
	}
	return s.UpdateBalance(ctx, code, acct.Version, newBalance)
}

// checkBalanceRange rejects credits that would push a balance past
// MaxIntegerDigits.
func checkBalanceRange(balance Money) error {
	if balance.InRange() {
		return nil
	}
	return &FieldError{Field: "amount",
		Err: fmt.Errorf("%w: resulting balance exceeds %d integer digits", ErrInvalidAmount, MaxIntegerDigits)}
}

// =============================================================================
// QUERIES
// =============================================================================

// GetTransfer returns a transfer and, if it was reversed, the reversal id.
func (e *Engine) GetTransfer(ctx context.Context, id TransferID) (TransferDetail, error) {
	t, err := e.store.GetTransfer(ctx, id)
	if err != nil {
		return TransferDetail{}, err
	}
	detail := TransferDetail{Transfer: t}
	rev, err := e.store.FindReversal(ctx, id)
	if err != nil {
		return TransferDetail{}, err
	}
	if rev != nil {
		detail.ReversedBy = &rev.ID
	}
	return detail, nil
}

// ListTransfers returns every transfer touching the account, oldest first.
func (e *Engine) ListTransfers(ctx context.Context, code AccountCode) ([]Transfer, error) {
	if _, err := e.store.GetAccount(ctx, code); err != nil {
		return nil, err
	}
	return e.store.ListTransfers(ctx, code)
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) newTransfer(kind TransferKind, src, dst Party, amount Money, order string, reversalOf *TransferID, now time.Time) Transfer {
	t := Transfer{
		ID:          e.newID(),
		Source:      src,
		Destination: dst,
		Amount:      amount,
		OrderNumber: order,
		Kind:        kind,
		ReversalOf:  reversalOf,
		Datetime:    now,
	}
	t.Description = describe(t)
	return t
}

// atomically runs fn in a store transaction, retrying lost optimistic
// races up to maxRetries times with jittered exponential backoff. Any
// other error stops the loop at once.
func (e *Engine) atomically(ctx context.Context, op string, fn func(Store) error) error {
	attempts := 0
	try := func() error {
		attempts++
		err := e.store.WithTx(ctx, fn)
		if err == nil || errors.Is(err, ErrConcurrentModification) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		e.logger.Debug("ledger update contended, retrying",
			zap.String("op", op), zap.Int("attempt", attempts),
			zap.Duration("backoff", next), zap.Error(err))
	}

	err := backoff.RetryNotify(try, e.retryPolicy(ctx), notify)
	if err == nil || !errors.Is(err, ErrConcurrentModification) {
		return err
	}
	e.logger.Warn("ledger update gave up after retries",
		zap.String("op", op), zap.Int("attempts", attempts))
	return fmt.Errorf("%s: %w after %d attempts: %v", op, ErrBusy, attempts, err)
}

func (e *Engine) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.backoff
	b.MaxInterval = e.backoff * time.Duration(e.maxRetries+1)
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.maxRetries)), ctx)
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish ledger event",
			zap.String("type", string(ev.Type)),
			zap.String("account", string(ev.AccountCode)),
			zap.String("transfer_id", string(ev.TransferID)),
			zap.Error(err),
		)
	}
}
