// Package worker runs the marketplace's background loops: the Kafka consumers that
// apply authentication results and deliver notifications, and the periodic sweeper.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketplace-core/internal/broker"
	"marketplace-core/internal/models"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Source is a stream of broker messages.
type Source interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// AuthenticationResultHandler applies a recorded verdict to its order.
type AuthenticationResultHandler func(ctx context.Context, event *models.AuthenticationCompletedEvent) error

// AuthenticationWorker consumes AUTHENTICATION_COMPLETED events
type AuthenticationWorker struct {
	consumer     Source
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewAuthenticationWorker creates a new authentication worker
func NewAuthenticationWorker(consumer Source, onResult AuthenticationResultHandler) *AuthenticationWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnAuthenticationCompleted(onResult)

	return &AuthenticationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start blocks until ctx is cancelled or the consumer fails.
func (w *AuthenticationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting authentication worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *AuthenticationWorker) Stop() error {
	w.logger.Info("Stopping authentication worker...")
	return w.consumer.Close()
}

// NotificationWorker delivers NOTIFICATION events to a sink
type NotificationWorker struct {
	consumer Source
	sink     notify.Sink
	logger   *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer Source, sink notify.Sink) *NotificationWorker {
	return &NotificationWorker{
		consumer: consumer,
		sink:     sink,
		logger:   util.GetLogger(),
	}
}

// Start starts the notification worker
func (nw *NotificationWorker) Start(ctx context.Context) error {
	nw.logger.Info("Starting notification worker...")
	return nw.consumer.StartConsuming(ctx, nw.handle)
}

func (nw *NotificationWorker) handle(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		nw.logger.Error("Failed to unmarshal event", zap.Error(err))
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if baseEvent.EventType != models.EventTypeNotification {
		return nil
	}

	var event models.NotificationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		nw.logger.Error("Failed to unmarshal Notification event", zap.Error(err))
		return fmt.Errorf("failed to unmarshal Notification event: %w", err)
	}
	nw.sink.Emit(ctx, event.Notification)
	return nil
}

// Stop stops the notification worker
func (nw *NotificationWorker) Stop() error {
	nw.logger.Info("Stopping notification worker...")
	return nw.consumer.Close()
}

// SweepFunc performs one maintenance pass and reports how many records it changed.
type SweepFunc func(ctx context.Context, now time.Time) (int, error)

// Sweeper runs named sweeps on a fixed interval.
type Sweeper struct {
	interval time.Duration
	sweeps   map[string]SweepFunc
	order    []string
	now      func() time.Time
	logger   *zap.Logger
}

// NewSweeper creates a sweeper ticking every interval.
func NewSweeper(interval time.Duration) *Sweeper {
	return &Sweeper{
		interval: interval,
		sweeps:   make(map[string]SweepFunc),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   util.GetLogger().Named("sweeper"),
	}
}

// Register adds a sweep. Sweeps run in registration order.
func (s *Sweeper) Register(name string, fn SweepFunc) {
	if _, exists := s.sweeps[name]; !exists {
		s.order = append(s.order, name)
	}
	s.sweeps[name] = fn
}

// Start blocks, sweeping on every tick, until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping sweeper...")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs every sweep once. A failing sweep does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) map[string]int {
	now := s.now()
	changed := make(map[string]int, len(s.order))
	for _, name := range s.order {
		n, err := s.sweeps[name](ctx, now)
		if err != nil {
			s.logger.Error("Sweep failed", zap.String("sweep", name), zap.Error(err))
			continue
		}
		changed[name] = n
		if n > 0 {
			s.logger.Info("Sweep applied changes", zap.String("sweep", name), zap.Int("changed", n))
		}
	}
	return changed
}
