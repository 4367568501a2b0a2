/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Account:   AccountDTO, CreateAccountRequest
  Transfer:  TransferDTO, TransferRequest, ReverseRequest
  Audit:     AuditDTO
  Errors:    ErrorResponse

WIRE FORMAT:
  - Amounts are strings with two decimals ("400.00"). Requests accept a
    JSON string or a JSON number.
  - Instants are UTC with an explicit offset: 2013-01-01T06:00:00+00:00
  - An external transfer party renders as null code and name.

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/validation.go: Input rules
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/warp/stored-value/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// FlexString decodes a JSON string or number into its literal text, so
// 400, "400" and "400.00" all reach the ledger unchanged and never pass
// through float64.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected a string or a number, got %s", data)
	}
	*f = FlexString(n.String())
	return nil
}

// CreateAccountRequest is the body for POST /api/accounts.
type CreateAccountRequest struct {
	Name      string     `json:"name,omitempty"`
	StartDate string     `json:"start_date"`
	EndDate   string     `json:"end_date"`
	Amount    FlexString `json:"amount"`
}

func (r CreateAccountRequest) toInput() ledger.AccountInput {
	return ledger.AccountInput{
		Name:      r.Name,
		StartDate: r.StartDate,
		EndDate:   r.EndDate,
		Amount:    string(r.Amount),
	}
}

// TransferRequest is the body for redemptions and refunds.
type TransferRequest struct {
	Amount      FlexString `json:"amount"`
	OrderNumber FlexString `json:"order_number"`
}

func (r TransferRequest) toInput() ledger.TransferInput {
	return ledger.TransferInput{Amount: string(r.Amount), OrderNumber: string(r.OrderNumber)}
}

// ReverseRequest is the body for POST /api/transfers/{id}/reverse.
type ReverseRequest struct {
	OrderNumber FlexString `json:"order_number"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	Code           string       `json:"code"`
	Name           string       `json:"name"`
	StartDate      string       `json:"start_date"`
	EndDate        string       `json:"end_date"`
	LoadAmount     ledger.Money `json:"load_amount"`
	Balance        ledger.Money `json:"balance"`
	CreatedAt      string       `json:"created_at"`
	URL            string       `json:"url"`
	RedemptionsURL string       `json:"redemptions_url"`
	RefundsURL     string       `json:"refunds_url"`
	TransfersURL   string       `json:"transfers_url"`
	AuditURL       string       `json:"audit_url"`
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		Code:           string(a.Code),
		Name:           a.Name,
		StartDate:      ledger.FormatTime(a.StartDate),
		EndDate:        ledger.FormatTime(a.EndDate),
		LoadAmount:     a.LoadAmount,
		Balance:        a.Balance,
		CreatedAt:      ledger.FormatTime(a.CreatedAt),
		URL:            accountURL(a.Code),
		RedemptionsURL: accountURL(a.Code) + "/redemptions",
		RefundsURL:     accountURL(a.Code) + "/refunds",
		TransfersURL:   accountURL(a.Code) + "/transfers",
		AuditURL:       accountURL(a.Code) + "/audit",
	}
}

// TransferDTO represents a transfer in API responses. Source and
// destination fields are null for the external party.
type TransferDTO struct {
	ID              string       `json:"id"`
	URL             string       `json:"url"`
	Kind            string       `json:"kind"`
	SourceCode      *string      `json:"source_code"`
	SourceName      *string      `json:"source_name"`
	DestinationCode *string      `json:"destination_code"`
	DestinationName *string      `json:"destination_name"`
	Amount          ledger.Money `json:"amount"`
	Datetime        string       `json:"datetime"`
	OrderNumber     string       `json:"order_number"`
	Description     string       `json:"description"`
	ReverseURL      string       `json:"reverse_url,omitempty"`
	ReversalOf      *string      `json:"reversal_of,omitempty"`
	ReversedBy      *string      `json:"reversed_by,omitempty"`
}

func toTransferDTO(t ledger.Transfer) TransferDTO {
	dto := TransferDTO{
		ID:          string(t.ID),
		URL:         transferURL(t.ID),
		Kind:        string(t.Kind),
		Amount:      t.Amount,
		Datetime:    ledger.FormatTime(t.Datetime),
		OrderNumber: t.OrderNumber,
		Description: t.Description,
	}
	dto.SourceCode, dto.SourceName = partyFields(t.Source)
	dto.DestinationCode, dto.DestinationName = partyFields(t.Destination)
	if t.ReversalOf != nil {
		dto.ReversalOf = strPtr(string(*t.ReversalOf))
	} else {
		dto.ReverseURL = transferURL(t.ID) + "/reverse"
	}
	return dto
}

func toTransferDetailDTO(d ledger.TransferDetail) TransferDTO {
	dto := toTransferDTO(d.Transfer)
	if d.IsReversed() {
		dto.ReversedBy = strPtr(string(*d.ReversedBy))
		dto.ReverseURL = ""
	}
	return dto
}

func toTransferDTOs(txs []ledger.Transfer) []TransferDTO {
	out := make([]TransferDTO, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransferDTO(t))
	}
	return out
}

func partyFields(p ledger.Party) (code, name *string) {
	ref, ok := p.Account()
	if !ok {
		return nil, nil
	}
	return strPtr(string(ref.Code)), strPtr(ref.Name)
}

// AuditDTO reports a balance audit.
type AuditDTO struct {
	Code        string       `json:"code"`
	LoadAmount  ledger.Money `json:"load_amount"`
	Recorded    ledger.Money `json:"recorded_balance"`
	Computed    ledger.Money `json:"computed_balance"`
	Discrepancy ledger.Money `json:"discrepancy"`
	Transfers   int          `json:"transfers"`
	Consistent  bool         `json:"consistent"`
}

func toAuditDTO(a ledger.BalanceAudit) AuditDTO {
	return AuditDTO{
		Code:        string(a.Code),
		LoadAmount:  a.LoadAmount,
		Recorded:    a.Recorded,
		Computed:    a.Computed,
		Discrepancy: a.Discrepancy(),
		Transfers:   a.Transfers,
		Consistent:  a.Consistent(),
	}
}

// ErrorResponse is the standard error response. Code is set for policy
// and conflict failures (C1xx, T1xx).
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
}

// =============================================================================
// URLS
// =============================================================================

func accountURL(code ledger.AccountCode) string { return "/api/accounts/" + string(code) }
func transferURL(id ledger.TransferID) string   { return "/api/transfers/" + string(id) }

func strPtr(s string) *string {
	return &s
}
