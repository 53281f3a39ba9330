package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pay/internal/events"
)

type stubStore struct {
	topic       string
	aggregateID string
	payload     []byte
	err         error
}

func (s *stubStore) InsertDomainEvent(_ context.Context, topic, aggregateID string, payload []byte) (events.Event, error) {
	if s.err != nil {
		return events.Event{}, s.err
	}
	s.topic = topic
	s.aggregateID = aggregateID
	s.payload = payload
	return events.Event{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  time.Now(),
	}, nil
}

type captureNotifier struct {
	events []events.Event
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &stubStore{}
	notifier := &captureNotifier{}
	bus := events.Bus{
		Store:     store,
		Notifiers: []events.Notifier{notifier},
	}

	payload := map[string]any{"orderId": "order-123"}
	event, err := bus.Emit(context.Background(), events.TopicPaymentSucceeded, "order-123", payload)
	require.NoError(t, err)
	require.Equal(t, events.TopicPaymentSucceeded, store.topic)
	require.Equal(t, "order-123", store.aggregateID)
	require.JSONEq(t, `{"orderId":"order-123"}`, string(store.payload))
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "order-123", decoded["orderId"])
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}
	_, err := bus.Emit(context.Background(), " ", "order-1", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), "order.created", "order-1", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicPaymentFailed, "", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicPaymentFailed, "order-1", "{not json")
	require.Error(t, err)

	var nilBus *events.Bus
	_, err = nilBus.Emit(context.Background(), events.TopicPaymentFailed, "order-1", nil)
	require.Error(t, err)
}

func TestEmitJoinsNotifierErrors(t *testing.T) {
	store := &stubStore{}
	failing := events.NotifierFunc(func(context.Context, events.Event) error {
		return errors.New("queue down")
	})
	after := &captureNotifier{}
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{failing, nil, after}}

	ev, err := bus.Emit(context.Background(), events.TopicPaymentFailed, "order-9", nil)
	require.ErrorContains(t, err, "queue down")
	require.Equal(t, events.TopicPaymentFailed, ev.Topic)
	require.JSONEq(t, `{}`, string(store.payload))
	require.Len(t, after.events, 1)
}

func TestEmitStoreFailure(t *testing.T) {
	notifier := &captureNotifier{}
	bus := events.Bus{Store: &stubStore{err: errors.New("db down")}, Notifiers: []events.Notifier{notifier}}
	_, err := bus.Emit(context.Background(), events.TopicPaymentSucceeded, "order-1", nil)
	require.ErrorContains(t, err, "db down")
	require.Empty(t, notifier.events)
}

func TestLogNotifierWritesEventLine(t *testing.T) {
	var buf bytes.Buffer
	bus := events.Bus{Store: &stubStore{}, Notifiers: []events.Notifier{events.LogNotifier(zerolog.New(&buf))}}

	ev, err := bus.Emit(context.Background(), events.TopicPaymentFailed, "order-9", nil)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, events.TopicPaymentFailed, line["topic"])
	require.Equal(t, "order-9", line["aggregate_id"])
	require.Equal(t, ev.ID.String(), line["event_id"])
}
