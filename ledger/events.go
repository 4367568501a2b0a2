package ledger

import (
	"context"
	"time"
)

type EventType string

const (
	EventAccountCreated  EventType = "account.created"
	EventTransferCreated EventType = "transfer.created"
)

// Event describes a committed ledger change. It is emitted after commit,
// so a consumer never sees a change that was rolled back.
type Event struct {
	Type        EventType    `json:"type"`
	AccountCode AccountCode  `json:"account_code,omitempty"`
	TransferID  TransferID   `json:"transfer_id,omitempty"`
	Kind        TransferKind `json:"kind,omitempty"`
	Source      string       `json:"source,omitempty"`
	Destination string       `json:"destination,omitempty"`
	Amount      Money        `json:"amount"`
	Balance     *Money       `json:"balance,omitempty"`
	OrderNumber string       `json:"order_number,omitempty"`
	ReversalOf  *TransferID  `json:"reversal_of,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// EventSink receives committed ledger events.
type EventSink interface {
	Publish(ctx context.Context, e Event) error
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }

func transferEvent(t Transfer) Event {
	e := Event{
		Type:        EventTransferCreated,
		TransferID:  t.ID,
		Kind:        t.Kind,
		Amount:      t.Amount,
		OrderNumber: t.OrderNumber,
		ReversalOf:  t.ReversalOf,
		OccurredAt:  t.Datetime,
	}
	if ref, ok := t.Source.Account(); ok {
		e.Source = string(ref.Code)
		e.AccountCode = ref.Code
	}
	if ref, ok := t.Destination.Account(); ok {
		e.Destination = string(ref.Code)
		if e.AccountCode == "" {
			e.AccountCode = ref.Code
		}
	}
	return e
}
