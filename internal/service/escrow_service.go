package service

import (
	"context"
	"fmt"
	"time"

	"marketplace-core/internal/broker"
	"marketplace-core/internal/models"
	"marketplace-core/internal/payment"
	"marketplace-core/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EscrowService wraps the payment gateway with metrics, logging and an audit event
// per operation.
type EscrowService struct {
	gateway        payment.Gateway
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
}

// NewEscrowService creates a new escrow service
func NewEscrowService(gateway payment.Gateway, eventPublisher *broker.EventPublisher) *EscrowService {
	return &EscrowService{
		gateway:        gateway,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// Authorize places a hold for orderID and returns the intent id.
func (es *EscrowService) Authorize(ctx context.Context, orderID, purpose string, amount decimal.Decimal, metadata map[string]string) (string, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.Authorize")
	defer span.End()

	var intentID string
	err := es.observe(ctx, payment.OpAuthorize, orderID, purpose, amount, func() error {
		var err error
		intentID, err = es.gateway.Authorize(ctx, purpose, amount, metadata)
		return err
	}, func() string { return intentID })
	if err != nil {
		return "", err
	}
	return intentID, nil
}

// Capture collects authorized funds.
func (es *EscrowService) Capture(ctx context.Context, orderID, intentID string, amount decimal.Decimal) error {
	ctx, span := util.StartSpan(ctx, "EscrowService.Capture")
	defer span.End()

	return es.observe(ctx, payment.OpCapture, orderID, models.EscrowPurposeWinningBidPayment, amount, func() error {
		return es.gateway.Capture(ctx, intentID)
	}, func() string { return intentID })
}

// Refund returns the buyer's funds, releasing the hold if it was never captured.
func (es *EscrowService) Refund(ctx context.Context, orderID, intentID string, amount decimal.Decimal) error {
	ctx, span := util.StartSpan(ctx, "EscrowService.Refund")
	defer span.End()

	return es.observe(ctx, payment.OpRefund, orderID, models.EscrowPurposeRefund, amount, func() error {
		return es.gateway.Refund(ctx, intentID, nil)
	}, func() string { return intentID })
}

// Payout transfers the seller's proceeds.
func (es *EscrowService) Payout(ctx context.Context, orderID, sellerID string, amount decimal.Decimal) error {
	ctx, span := util.StartSpan(ctx, "EscrowService.Payout")
	defer span.End()

	return es.observe(ctx, payment.OpPayout, orderID, models.EscrowPurposePayout, amount, func() error {
		return es.gateway.Payout(ctx, orderID, sellerID, amount)
	}, func() string { return "" })
}

func (es *EscrowService) observe(ctx context.Context, op, orderID, purpose string, amount decimal.Decimal, call func() error, intent func() string) error {
	util.PaymentAttemptsTotal.WithLabelValues(op).Inc()
	start := time.Now()
	err := call()
	util.PaymentProcessingLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		util.RecordError(trace.SpanFromContext(ctx), err)
		util.PaymentFailedTotal.WithLabelValues(op).Inc()
		es.logger.Error("Escrow operation failed",
			zap.String("operation", op),
			zap.String("order_id", orderID),
			zap.String("amount", amount.StringFixed(2)),
			zap.Error(err))
	} else {
		es.logger.Info("Escrow operation succeeded",
			zap.String("operation", op),
			zap.String("order_id", orderID),
			zap.String("intent_id", intent()),
			zap.String("amount", amount.StringFixed(2)))
	}

	event := &models.EscrowOperationEvent{
		BaseEvent: broker.NewBase(models.EventTypeEscrowOperation),
		OrderID:   orderID,
		Operation: op,
		Purpose:   purpose,
		IntentID:  intent(),
		Amount:    amount,
		Success:   err == nil,
	}
	if pubErr := es.eventPublisher.PublishEscrowOperation(ctx, event); pubErr != nil {
		es.logger.Error("Failed to publish EscrowOperation event", zap.Error(pubErr))
	}

	if err != nil {
		return fmt.Errorf("failed to %s escrow for order %s: %w", op, orderID, err)
	}
	return nil
}
