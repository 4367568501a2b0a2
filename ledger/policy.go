package ledger

import "time"

// Policy holds the business thresholds applied to money movement.
// Nil bounds mean "no limit". Policy is a value: the engine never reads
// thresholds from globals.
type Policy struct {
	MinimumLoadValue    *Money
	MaximumAccountValue *Money

	// EnforceValidityWindow rejects redemptions and refunds outside
	// [StartDate, EndDate) with ErrAccountInactive.
	EnforceValidityWindow bool
}

// CheckLoad applies the min/max thresholds to an initial load amount.
func (p Policy) CheckLoad(amount Money) error {
	if p.MinimumLoadValue != nil && amount.LessThan(*p.MinimumLoadValue) {
		return &PolicyError{Code: CodeAmountTooLow, Amount: amount, Limit: *p.MinimumLoadValue, err: ErrAmountBelowMinimum}
	}
	if p.MaximumAccountValue != nil && amount.GreaterThan(*p.MaximumAccountValue) {
		return &PolicyError{Code: CodeAmountTooHigh, Amount: amount, Limit: *p.MaximumAccountValue, err: ErrAmountAboveMaximum}
	}
	return nil
}

// CheckActive applies the validity window rule, if enabled.
func (p Policy) CheckActive(a Account, now time.Time) error {
	if !p.EnforceValidityWindow || a.IsActiveAt(now) {
		return nil
	}
	return ErrAccountInactive
}

// MoneyPtr is a helper for building a Policy literal.
func MoneyPtr(m Money) *Money { return &m }
