// Package notify delivers one-way user notifications. Delivery is fire-and-forget:
// sinks log their own failures and never block or fail the calling operation.
package notify

import (
	"context"
	"sync"
	"time"

	"marketplace-core/internal/models"

	"go.uber.org/zap"
)

// Sink receives notifications.
type Sink interface {
	Emit(ctx context.Context, n models.Notification)
}

// Publisher is the slice of the event publisher a broker-backed sink needs.
type Publisher interface {
	PublishNotification(ctx context.Context, n models.Notification) error
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Emit(context.Context, models.Notification) {}

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

func (s *LogSink) Emit(_ context.Context, n models.Notification) {
	s.logger.Info("Notification",
		zap.String("user_id", n.UserID),
		zap.String("type", n.Type),
		zap.String("title", n.Title),
		zap.Any("related_ids", n.RelatedIDs))
}

// BrokerSink hands notifications to the delivery pipeline over the message broker.
type BrokerSink struct {
	publisher Publisher
	logger    *zap.Logger
	timeout   time.Duration
}

// NewBrokerSink creates a broker-backed sink.
func NewBrokerSink(publisher Publisher, logger *zap.Logger) *BrokerSink {
	return &BrokerSink{
		publisher: publisher,
		logger:    logger.Named("notify"),
		timeout:   5 * time.Second,
	}
}

func (s *BrokerSink) Emit(ctx context.Context, n models.Notification) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := s.publisher.PublishNotification(ctx, n); err != nil {
		s.logger.Warn("Failed to publish notification",
			zap.String("user_id", n.UserID),
			zap.String("type", n.Type),
			zap.Error(err))
	}
}

// Fanout emits to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, n models.Notification) {
	for _, s := range f {
		s.Emit(ctx, n)
	}
}

// Recorder keeps notifications in memory. It is used by tests and local tooling.
type Recorder struct {
	mu    sync.Mutex
	items []models.Notification
}

func (r *Recorder) Emit(_ context.Context, n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notification(nil), r.items...)
}

// ForUser returns the notifications addressed to userID.
func (r *Recorder) ForUser(userID string) []models.Notification {
	var out []models.Notification
	for _, n := range r.All() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
