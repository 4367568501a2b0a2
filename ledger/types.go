/*
Package ledger provides the stored-value accounting engine.

PURPOSE:
  Accounts are loaded once with an amount and a validity window. After that
  their balance moves only through Transfers: redemptions (value paid out to
  an external party), refunds (value paid back in) and reversals (a
  compensating transfer that voids an earlier one).

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: balance + validity window + stable code
  - Transfer: immutable record of one money movement
  - Party: one end of a transfer, either an account or the outside world
  - TransferKind: redemption | refund | reversal

DESIGN PRINCIPLES:
  1. Immutability: Transfers are never modified, only reversed
  2. Precision: Money wraps decimal.Decimal, never float64
  3. Explicit absence: an external party is a Party value, not a nil code
  4. UTC out: every instant leaves the package normalized to UTC

INVARIANT:
  balance == load_amount + Σ(transfers into account) − Σ(transfers out of account)

SEE ALSO:
  - engine.go: CreateAccount, Redeem, Refund, Reverse
  - validation.go: Structural and policy checks
  - store.go: Persistence interfaces
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountCode is the externally visible, immutable account identifier.
type AccountCode string

// TransferID is the system-assigned transfer identifier.
type TransferID string

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a stored-value account.
//
// Balance is owned by the account but only the Engine mutates it, always
// together with the Transfer that explains the change. Version is bumped on
// every balance write and is what concurrent writers compare-and-swap on.
type Account struct {
	Code       AccountCode
	Name       string
	StartDate  time.Time
	EndDate    time.Time
	LoadAmount Money
	Balance    Money
	Version    int64
	CreatedAt  time.Time
}

// IsActiveAt reports whether t falls inside [StartDate, EndDate).
func (a Account) IsActiveAt(t time.Time) bool {
	return !t.Before(a.StartDate) && t.Before(a.EndDate)
}

// Ref returns the reference a Transfer keeps to this account.
func (a Account) Ref() AccountRef {
	return AccountRef{Code: a.Code, Name: a.Name}
}

// AccountRef is a back-reference from a transfer to an account. Transfers
// reference accounts; they do not own them.
type AccountRef struct {
	Code AccountCode
	Name string
}

// =============================================================================
// PARTY - One end of a transfer
// =============================================================================

// Party is either an account or the external world (a merchant being paid,
// a refund source). The zero value is External.
type Party struct {
	account *AccountRef
}

// External is the party outside the ledger.
func External() Party { return Party{} }

// AccountParty returns a party backed by an account.
func AccountParty(ref AccountRef) Party {
	return Party{account: &ref}
}

// IsExternal reports whether the party has no account.
func (p Party) IsExternal() bool { return p.account == nil }

// Account returns the account reference and true, or false for External.
func (p Party) Account() (AccountRef, bool) {
	if p.account == nil {
		return AccountRef{}, false
	}
	return *p.account, true
}

// Is reports whether the party is the given account.
func (p Party) Is(code AccountCode) bool {
	return p.account != nil && p.account.Code == code
}

func (p Party) String() string {
	if p.account == nil {
		return "external"
	}
	return string(p.account.Code)
}

// =============================================================================
// TRANSFER - Immutable money movement
// =============================================================================

type TransferKind string

const (
	KindRedemption TransferKind = "redemption" // account → external
	KindRefund     TransferKind = "refund"     // external → account
	KindReversal   TransferKind = "reversal"   // inverse of an earlier transfer
)

// Valid reports whether k is a known kind.
func (k TransferKind) Valid() bool {
	switch k {
	case KindRedemption, KindRefund, KindReversal:
		return true
	}
	return false
}

// Transfer records one movement of Amount from Source to Destination.
// Once appended it is never updated or deleted.
type Transfer struct {
	ID          TransferID
	Source      Party
	Destination Party
	Amount      Money
	OrderNumber string
	Kind        TransferKind
	ReversalOf  *TransferID // set only when Kind == KindReversal
	Datetime    time.Time
	Description string
}

// Touches reports whether the transfer moves value in or out of code.
func (t Transfer) Touches(code AccountCode) bool {
	return t.Source.Is(code) || t.Destination.Is(code)
}

// DeltaFor is the signed effect of the transfer on the account's balance.
func (t Transfer) DeltaFor(code AccountCode) Money {
	delta := Money{}
	if t.Destination.Is(code) {
		delta = delta.Add(t.Amount)
	}
	if t.Source.Is(code) {
		delta = delta.Sub(t.Amount)
	}
	return delta
}

// TransferDetail is a transfer plus the reversal that voided it, if any.
type TransferDetail struct {
	Transfer
	ReversedBy *TransferID
}

// IsReversed reports whether a reversal references this transfer.
func (d TransferDetail) IsReversed() bool { return d.ReversedBy != nil }

// describe builds the display-only description of a transfer.
func describe(t Transfer) string {
	switch t.Kind {
	case KindRedemption:
		return fmt.Sprintf("Redemption of %s from %s for order %s", t.Amount, t.Source, t.OrderNumber)
	case KindRefund:
		return fmt.Sprintf("Refund of %s to %s for order %s", t.Amount, t.Destination, t.OrderNumber)
	case KindReversal:
		target := ""
		if t.ReversalOf != nil {
			target = string(*t.ReversalOf)
		}
		return fmt.Sprintf("Reversal of transfer %s (%s from %s to %s) for order %s",
			target, t.Amount, t.Source, t.Destination, t.OrderNumber)
	}
	return string(t.Kind)
}
