package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stored-value/ledger"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher_Publish(t *testing.T) {
	// GIVEN
	w := &fakeWriter{}
	p := newPublisher(w)
	balance := ledger.MustParseMoney("350.00")
	occurred := time.Date(2013, 1, 1, 6, 0, 0, 0, time.UTC)

	// WHEN
	err := p.Publish(context.Background(), ledger.Event{
		Type:        ledger.EventTransferCreated,
		AccountCode: "ABCDEF123456",
		TransferID:  "t-1",
		Kind:        ledger.KindRedemption,
		Source:      "ABCDEF123456",
		Amount:      ledger.MustParseMoney("50"),
		Balance:     &balance,
		OrderNumber: "1234",
		OccurredAt:  occurred,
	})

	// THEN
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "ABCDEF123456", string(msg.Key))
	assert.Equal(t, occurred, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "transfer.created", string(msg.Headers[0].Value))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "transfer.created", body["type"])
	assert.Equal(t, "50.00", body["amount"])
	assert.Equal(t, "350.00", body["balance"])
	assert.Equal(t, "redemption", body["kind"])
	assert.NotContains(t, body, "destination")
}

func TestKafkaPublisher_WriteFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newPublisher(w)

	err := p.Publish(context.Background(), ledger.Event{Type: ledger.EventAccountCreated, AccountCode: "X"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "account.created")
	assert.Contains(t, err.Error(), "broker down")
}

func TestKafkaPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, newPublisher(w).Close())
	assert.True(t, w.closed)
}
