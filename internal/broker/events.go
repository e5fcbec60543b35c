package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketplace-core/internal/models"
	"marketplace-core/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NewBase stamps a fresh event envelope.
func NewBase(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// EventPublisher handles publishing domain events. Market events and user
// notifications go to separate topics.
type EventPublisher struct {
	events        Publisher
	notifications Publisher
}

// NewEventPublisher creates a new event publisher. A nil notifications publisher
// sends notifications to the events topic.
func NewEventPublisher(events, notifications Publisher) *EventPublisher {
	if notifications == nil {
		notifications = events
	}
	return &EventPublisher{events: events, notifications: notifications}
}

// PublishListingEvent publishes LISTING_CREATED and LISTING_EXPIRED events
func (ep *EventPublisher) PublishListingEvent(ctx context.Context, event *models.ListingEvent) error {
	return ep.events.PublishEvent(ctx, "listing-"+event.ListingID, event)
}

// PublishBidEvent publishes bid lifecycle events
func (ep *EventPublisher) PublishBidEvent(ctx context.Context, event *models.BidEvent) error {
	return ep.events.PublishEvent(ctx, "listing-"+event.ListingID, event)
}

// PublishCounterofferEvent publishes counteroffer events
func (ep *EventPublisher) PublishCounterofferEvent(ctx context.Context, event *models.CounterofferEvent) error {
	return ep.events.PublishEvent(ctx, "listing-"+event.ListingID, event)
}

// PublishOrderStatusChanged publishes ORDER_STATUS_CHANGED events
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.events.PublishEvent(ctx, "order-"+event.OrderID, event)
}

// PublishAuthenticationStarted publishes AUTHENTICATION_STARTED events
func (ep *EventPublisher) PublishAuthenticationStarted(ctx context.Context, event *models.AuthenticationStartedEvent) error {
	return ep.events.PublishEvent(ctx, "auth-"+event.RequestID, event)
}

// PublishAuthenticationCompleted publishes AUTHENTICATION_COMPLETED events
func (ep *EventPublisher) PublishAuthenticationCompleted(ctx context.Context, event *models.AuthenticationCompletedEvent) error {
	return ep.events.PublishEvent(ctx, "auth-"+event.RequestID, event)
}

// PublishEscrowOperation publishes ESCROW_OPERATION events
func (ep *EventPublisher) PublishEscrowOperation(ctx context.Context, event *models.EscrowOperationEvent) error {
	return ep.events.PublishEvent(ctx, "order-"+event.OrderID, event)
}

// PublishSellerLiability publishes SELLER_LIABILITY events
func (ep *EventPublisher) PublishSellerLiability(ctx context.Context, event *models.SellerLiabilityEvent) error {
	return ep.events.PublishEvent(ctx, "order-"+event.OrderID, event)
}

// PublishNotification hands a user notification to the delivery pipeline.
func (ep *EventPublisher) PublishNotification(ctx context.Context, n models.Notification) error {
	event := &models.NotificationEvent{
		BaseEvent:    NewBase(models.EventTypeNotification),
		Notification: n,
	}
	return ep.notifications.PublishEvent(ctx, "user-"+n.UserID, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onAuthenticationCompleted func(context.Context, *models.AuthenticationCompletedEvent) error
	logger                    *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger().Named("events")}
}

// OnAuthenticationCompleted registers a handler for AUTHENTICATION_COMPLETED events
func (eh *EventHandler) OnAuthenticationCompleted(handler func(context.Context, *models.AuthenticationCompletedEvent) error) {
	eh.onAuthenticationCompleted = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeAuthenticationCompleted:
		if eh.onAuthenticationCompleted != nil {
			var event models.AuthenticationCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal AuthenticationCompleted event: %w", err)
			}
			return eh.onAuthenticationCompleted(ctx, &event)
		}
	}

	return nil
}

// LocalBus delivers published events straight to a handler in-process. It stands in
// for Kafka when no brokers are configured.
type LocalBus struct {
	handler *EventHandler
	logger  *zap.Logger
}

// NewLocalBus creates a bus dispatching to handler.
func NewLocalBus(handler *EventHandler) *LocalBus {
	return &LocalBus{handler: handler, logger: util.GetLogger().Named("events")}
}

// PublishEvent encodes event as a Kafka message and handles it synchronously.
func (b *LocalBus) PublishEvent(ctx context.Context, key string, event interface{}) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{Key: []byte(key), Value: value, Time: time.Now()}
	if err := b.handler.HandleMessage(ctx, msg); err != nil {
		b.logger.Error("Local event handler failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}
