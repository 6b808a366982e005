package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_StampsEvent(t *testing.T) {
	ev := New(CardTransaction, "owner_1", "hc_1", map[string]int{"amount": 10})
	assert.True(t, strings.HasPrefix(ev.ID, "evt_"))
	assert.False(t, ev.OccurredAt.IsZero())
	assert.Equal(t, "owner_1", ev.OwnerID)
}

func TestMultiAndCapture(t *testing.T) {
	a, b := &Capture{}, &Capture{}
	Multi{a, b, Nop{}}.Publish(context.Background(), New(LoanUpdated, "o", "loan_1", nil))
	Multi{a}.Publish(context.Background(), New(KYCUpdated, "o", "o", nil))

	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.Events(), 1)
	assert.Len(t, a.OfType(KYCUpdated), 1)
}

func TestKafkaPublisher_KeysByOwner(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisherWithWriter(w, discard())

	ev := New(CardTransaction, "owner_9", "hc_9", map[string]any{"amount": 500})
	p.Publish(context.Background(), ev)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "owner_9", string(msg.Key))
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, string(CardTransaction), string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, "hc_9", decoded.Subject)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteErrorIsSwallowed(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisherWithWriter(w, discard())

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), New(LoanUpdated, "o", "loan_1", nil))
	})
	assert.Empty(t, w.msgs)
}
