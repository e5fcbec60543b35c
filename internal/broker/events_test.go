package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"marketplace-core/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	msgs []interface{}
}

func (p *recordingPublisher) PublishEvent(_ context.Context, key string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.msgs = append(p.msgs, event)
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestEventPublisher_KeysByEntity(t *testing.T) {
	events := &recordingPublisher{}
	notes := &recordingPublisher{}
	ep := NewEventPublisher(events, notes)
	ctx := context.Background()

	require.NoError(t, ep.PublishBidEvent(ctx, &models.BidEvent{BaseEvent: NewBase(models.EventTypeBidPlaced), ListingID: "l-1", BidID: "b-1"}))
	require.NoError(t, ep.PublishOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{BaseEvent: NewBase(models.EventTypeOrderStatusChanged), OrderID: "o-1"}))
	require.NoError(t, ep.PublishAuthenticationCompleted(ctx, &models.AuthenticationCompletedEvent{BaseEvent: NewBase(models.EventTypeAuthenticationCompleted), RequestID: "a-1"}))
	require.NoError(t, ep.PublishNotification(ctx, models.Notification{UserID: "u-1", Type: models.NotificationBidPlaced}))

	assert.Equal(t, []string{"listing-l-1", "order-o-1", "auth-a-1"}, events.keys)
	require.Equal(t, []string{"user-u-1"}, notes.keys)
	n, ok := notes.msgs[0].(*models.NotificationEvent)
	require.True(t, ok)
	assert.Equal(t, models.EventTypeNotification, n.EventType)
	assert.NotEmpty(t, n.EventID)
}

func TestEventPublisher_NotificationsDefaultToEventsTopic(t *testing.T) {
	events := &recordingPublisher{}
	ep := NewEventPublisher(events, nil)

	require.NoError(t, ep.PublishNotification(context.Background(), models.Notification{UserID: "u-1"}))
	assert.Equal(t, []string{"user-u-1"}, events.keys)
}

func TestEventHandler_RoutesAuthenticationCompleted(t *testing.T) {
	h := NewEventHandler()
	var got *models.AuthenticationCompletedEvent
	h.OnAuthenticationCompleted(func(_ context.Context, e *models.AuthenticationCompletedEvent) error {
		got = e
		return nil
	})

	event := models.AuthenticationCompletedEvent{
		BaseEvent: NewBase(models.EventTypeAuthenticationCompleted),
		RequestID: "a-1",
		Status:    models.AuthStatusSuccess,
	}
	value, err := json.Marshal(event)
	require.NoError(t, err)

	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: value}))
	require.NotNil(t, got)
	assert.Equal(t, "a-1", got.RequestID)
	assert.Equal(t, event.EventID, got.EventID)
}

func TestEventHandler_IgnoresOtherTypesAndRejectsGarbage(t *testing.T) {
	h := NewEventHandler()
	called := false
	h.OnAuthenticationCompleted(func(context.Context, *models.AuthenticationCompletedEvent) error {
		called = true
		return nil
	})

	value, _ := json.Marshal(models.BidEvent{BaseEvent: NewBase(models.EventTypeBidPlaced)})
	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: value}))
	assert.False(t, called)

	assert.Error(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")}))
}

func TestLocalBus_DeliversSynchronously(t *testing.T) {
	h := NewEventHandler()
	boom := errors.New("boom")
	h.OnAuthenticationCompleted(func(context.Context, *models.AuthenticationCompletedEvent) error { return boom })

	ep := NewEventPublisher(NewLocalBus(h), nil)
	err := ep.PublishAuthenticationCompleted(context.Background(), &models.AuthenticationCompletedEvent{
		BaseEvent: NewBase(models.EventTypeAuthenticationCompleted),
		RequestID: "a-1",
	})
	assert.ErrorIs(t, err, boom)
}

func TestProducer_WritesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, logger: zap.NewNop()}

	require.NoError(t, p.PublishEvent(context.Background(), "order-o-1", map[string]string{"event_type": "X"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "order-o-1", string(w.msgs[0].Key))
	assert.JSONEq(t, `{"event_type":"X"}`, string(w.msgs[0].Value))

	w.err = errors.New("broker down")
	assert.Error(t, p.PublishEvent(context.Background(), "k", struct{}{}))
}

func TestProducer_PropagatesTraceToConsumer(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "AcceptBid")
	defer span.End()

	w := &fakeWriter{}
	p := &Producer{writer: w, logger: zap.NewNop()}
	require.NoError(t, p.PublishEvent(ctx, "auth-r-1", map[string]string{"event_type": "X"}))
	require.Len(t, w.msgs, 1)
	assert.NotEmpty(t, headerCarrier{headers: &w.msgs[0].Headers}.Get("traceparent"))

	var got trace.SpanContext
	err := consumeOne(context.Background(), "market-events", w.msgs[0], func(ctx context.Context, _ kafka.Message) error {
		got = trace.SpanContextFromContext(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())

	boom := errors.New("handler failed")
	err = consumeOne(context.Background(), "market-events", kafka.Message{}, func(context.Context, kafka.Message) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	var headers []kafka.Header
	c := headerCarrier{headers: &headers}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("tracestate", "s")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent", "tracestate"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}
