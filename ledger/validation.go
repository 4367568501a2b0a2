/*
validation.go - Structural and policy checks run before any state change

PURPOSE:
  Pure functions that turn raw request values into typed, validated inputs.
  Nothing here touches the store; the result depends only on the input and
  the Policy handed in.

ORDER:
  Structural checks always run first. A request with a bad date AND an
  amount over the maximum reports the date error. Policy is only evaluated
  on structurally valid input, so error precedence is deterministic.

STRUCTURAL:
  - start_date, end_date present, RFC 3339 with an explicit offset
  - start_date strictly before end_date
  - amount parses as Money and is > 0
  - order_number present, at most MaxOrderNumberLength characters

POLICY (see policy.go):
  - load amount >= MinimumLoadValue  (C101)
  - load amount <= MaximumAccountValue (C102)
*/
package ledger

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxOrderNumberLength = 128
	MaxNameLength        = 128
)

// TimeLayout is how instants are rendered on the way out: UTC with an
// explicit "+00:00" offset.
const TimeLayout = "2006-01-02T15:04:05-07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// naiveLayouts recognise dates that are well-formed but carry no offset.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseInstant parses an RFC 3339 timestamp that must carry an offset and
// returns it normalized to UTC.
func ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrMissingField
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrMissingTimezone, s)
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not an RFC 3339 timestamp", ErrInvalidDate, s)
}

// =============================================================================
// ACCOUNT CREATION
// =============================================================================

// AccountInput is the raw creation request.
type AccountInput struct {
	Name      string
	StartDate string
	EndDate   string
	Amount    string
}

// AccountSpec is a validated creation request.
type AccountSpec struct {
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Amount    Money
}

// ValidateAccountInput runs structural then policy validation.
func ValidateAccountInput(in AccountInput, policy Policy) (AccountSpec, error) {
	spec, err := ValidateAccountStructure(in)
	if err != nil {
		return AccountSpec{}, err
	}
	if err := policy.CheckLoad(spec.Amount); err != nil {
		return AccountSpec{}, err
	}
	return spec, nil
}

// ValidateAccountStructure checks the shape of a creation request only.
func ValidateAccountStructure(in AccountInput) (AccountSpec, error) {
	name := strings.TrimSpace(in.Name)
	if utf8.RuneCountInString(name) > MaxNameLength {
		return AccountSpec{}, &FieldError{Field: "name",
			Err: fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLength)}
	}

	start, err := ParseInstant(in.StartDate)
	if err != nil {
		return AccountSpec{}, &FieldError{Field: "start_date", Err: err}
	}
	end, err := ParseInstant(in.EndDate)
	if err != nil {
		return AccountSpec{}, &FieldError{Field: "end_date", Err: err}
	}
	if !start.Before(end) {
		return AccountSpec{}, &FieldError{Field: "end_date",
			Err: fmt.Errorf("%w: %s is not before %s", ErrInvalidDateRange, FormatTime(start), FormatTime(end))}
	}

	amount, err := parsePositiveAmount(in.Amount)
	if err != nil {
		return AccountSpec{}, err
	}

	return AccountSpec{Name: name, StartDate: start, EndDate: end, Amount: amount}, nil
}

// =============================================================================
// TRANSFERS
// =============================================================================

// TransferInput is the raw body of a redemption or refund.
type TransferInput struct {
	Amount      string
	OrderNumber string
}

// ValidateTransferInput checks a redemption/refund request.
func ValidateTransferInput(in TransferInput) (Money, string, error) {
	amount, err := parsePositiveAmount(in.Amount)
	if err != nil {
		return Money{}, "", err
	}
	order, err := ValidateOrderNumber(in.OrderNumber)
	if err != nil {
		return Money{}, "", err
	}
	return amount, order, nil
}

// ValidateOrderNumber trims and checks an order number.
func ValidateOrderNumber(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &FieldError{Field: "order_number", Err: ErrMissingField}
	}
	if utf8.RuneCountInString(s) > MaxOrderNumberLength {
		return "", &FieldError{Field: "order_number",
			Err: fmt.Errorf("%w: longer than %d characters", ErrInvalidOrderNumber, MaxOrderNumberLength)}
	}
	return s, nil
}

func parsePositiveAmount(raw string) (Money, error) {
	if strings.TrimSpace(raw) == "" {
		return Money{}, &FieldError{Field: "amount", Err: ErrMissingField}
	}
	amount, err := ParseMoney(raw)
	if err != nil {
		return Money{}, &FieldError{Field: "amount", Err: err}
	}
	if !amount.IsPositive() {
		return Money{}, &FieldError{Field: "amount", Err: fmt.Errorf("%w: got %s", ErrNonPositiveAmount, amount)}
	}
	return amount, nil
}
