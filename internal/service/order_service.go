package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-core/internal/authentication"
	"marketplace-core/internal/broker"
	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/orders"
	"marketplace-core/internal/partner"
	"marketplace-core/internal/poller"
	"marketplace-core/internal/shipping"
	"marketplace-core/internal/store"
	"marketplace-core/internal/util"

	"go.uber.org/zap"
)

// OrderService handles the order lifecycle after acceptance
type OrderService struct {
	store          store.Store
	orders         *orders.Manager
	auth           *authentication.Coordinator
	escrow         *EscrowService
	shipping       shipping.Provider
	poller         *poller.Poller
	locks          Locker
	notifier       notify.Sink
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
	lockTTL        time.Duration
	now            func() time.Time

	// pollCtx outlives requests; pollers started on behalf of a request keep
	// running after it returns.
	pollCtx   context.Context
	stopPolls context.CancelFunc
}

// NewOrderService creates a new order service. It owns a poller that checks
// in-progress authentication requests every pollInterval.
func NewOrderService(
	store store.Store,
	orders *orders.Manager,
	auth *authentication.Coordinator,
	escrow *EscrowService,
	shippingProvider shipping.Provider,
	locks Locker,
	notifier notify.Sink,
	eventPublisher *broker.EventPublisher,
	pollInterval time.Duration,
) *OrderService {
	pollCtx, stopPolls := context.WithCancel(context.Background())
	s := &OrderService{
		store:          store,
		orders:         orders,
		auth:           auth,
		escrow:         escrow,
		shipping:       shippingProvider,
		locks:          locks,
		notifier:       notifier,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
		lockTTL:        DefaultLockTTL,
		now:            func() time.Time { return time.Now().UTC() },
		pollCtx:        pollCtx,
		stopPolls:      stopPolls,
	}
	s.poller = poller.New(pollInterval, s.HandlePollResult)
	return s
}

// Close stops every authentication poller.
func (s *OrderService) Close() {
	s.stopPolls()
	s.poller.Close()
}

// ActivePolls returns the authentication requests currently being polled.
func (s *OrderService) ActivePolls() []string {
	return s.poller.Active()
}

// withOrder loads the order under its lock, checks access, applies fn and persists
// the result when fn changed the status or any field.
func (s *OrderService) withOrder(ctx context.Context, orderID string, fn func(o *models.Order) error) (*models.Order, error) {
	unlock, err := s.locks.Acquire(ctx, orderLock(orderID), s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *OrderService) transition(ctx context.Context, o *models.Order, status, notes string) error {
	from := o.Status
	if err := s.orders.Advance(o, status, notes); err != nil {
		return err
	}
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	util.OrderTransitionsTotal.WithLabelValues(status).Inc()
	publishOrderTransition(ctx, s.eventPublisher, s.logger, o, from, notes)
	s.logger.Info("Order transitioned",
		zap.String("order_id", o.ID),
		zap.String("from", from),
		zap.String("to", status))
	return nil
}

// GetOrder retrieves an order visible to the actor.
func (s *OrderService) GetOrder(ctx context.Context, actor models.Actor, id string) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireParty(actor, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders returns the actor's orders, narrowed by f.
func (s *OrderService) ListOrders(ctx context.Context, actor models.Actor, f store.OrderFilter) ([]models.Order, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if f.BuyerID == "" && f.SellerID == "" {
		f.BuyerID = actor.UserID
	}
	if (f.BuyerID != "" && f.BuyerID != actor.UserID) || (f.SellerID != "" && f.SellerID != actor.UserID) {
		return nil, fmt.Errorf("service: %w - orders of another user", marketerr.ErrForbidden)
	}
	return s.store.QueryOrders(ctx, f)
}

// GetAuthenticationRequest retrieves a request visible to the actor.
func (s *OrderService) GetAuthenticationRequest(ctx context.Context, actor models.Actor, id string) (*models.AuthenticationRequest, error) {
	req, err := s.auth.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if actor.UserID != req.BuyerID && actor.UserID != req.SellerID {
		return nil, fmt.Errorf("service: %w - not a party to request %s", marketerr.ErrForbidden, id)
	}
	return req, nil
}

// ConfirmPayment captures the buyer's escrow and starts authentication. A partner
// outage leaves the order in payment_confirmed; StartAuthentication retries it.
func (s *OrderService) ConfirmPayment(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmPayment")
	defer span.End()

	return s.withOrder(ctx, orderID, func(o *models.Order) error {
		if err := requireBuyer(actor, o); err != nil {
			return err
		}
		if o.Status != models.OrderStatusPendingPayment {
			return fmt.Errorf("service: %w - payment confirmation requires %s, order is %s",
				marketerr.ErrWrongState, models.OrderStatusPendingPayment, o.Status)
		}
		if err := s.escrow.Capture(ctx, o.ID, o.EscrowIntentID, o.TotalAmount); err != nil {
			return err
		}
		if err := s.orders.ConfirmPayment(o); err != nil {
			return err
		}
		if err := s.store.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		util.OrderTransitionsTotal.WithLabelValues(o.Status).Inc()
		publishOrderTransition(ctx, s.eventPublisher, s.logger, o, models.OrderStatusPendingPayment, "payment captured")

		if err := s.startAuthentication(ctx, o); err != nil {
			s.logger.Warn("Authentication not started, retry later",
				zap.String("order_id", o.ID),
				zap.Error(err))
		}
		return nil
	})
}

// StartAuthentication submits a paid order's item to its partner. It is a no-op for
// an order already being authenticated.
func (s *OrderService) StartAuthentication(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.StartAuthentication")
	defer span.End()

	return s.withOrder(ctx, orderID, func(o *models.Order) error {
		if err := requireParty(actor, o); err != nil {
			return err
		}
		if o.Status == models.OrderStatusAuthenticationInProgress {
			s.resume(o.AuthenticationRequestID)
			return nil
		}
		if o.Status != models.OrderStatusPaymentConfirmed {
			return fmt.Errorf("service: %w - authentication requires %s, order is %s",
				marketerr.ErrWrongState, models.OrderStatusPaymentConfirmed, o.Status)
		}
		return s.startAuthentication(ctx, o)
	})
}

func (s *OrderService) startAuthentication(ctx context.Context, o *models.Order) error {
	listing, err := s.store.GetListing(ctx, o.ListingID)
	if err != nil {
		return err
	}
	req, err := s.auth.Submit(ctx, o.AuthenticationRequestID, listing, o.FinalPrice)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, o, models.OrderStatusAuthenticationInProgress, "submitted to "+req.PartnerID); err != nil {
		return err
	}

	event := &models.AuthenticationStartedEvent{
		BaseEvent: broker.NewBase(models.EventTypeAuthenticationStarted),
		RequestID: req.ID,
		OrderID:   o.ID,
		PartnerID: req.PartnerID,
	}
	if err := s.eventPublisher.PublishAuthenticationStarted(ctx, event); err != nil {
		s.logger.Error("Failed to publish AuthenticationStarted event", zap.Error(err))
	}

	s.startPolling(req)
	notifyOrderParties(ctx, s.notifier, o, "Authentication started",
		"The item has been sent for authentication.", models.NotificationAuthentication, s.now())
	return nil
}

func (s *OrderService) startPolling(req *models.AuthenticationRequest) bool {
	api, err := s.auth.API(req.PartnerID)
	if err != nil {
		s.logger.Error("Cannot poll authentication request",
			zap.String("request_id", req.ID),
			zap.Error(err))
		return false
	}
	return s.poller.Start(s.pollCtx, req.ID, req.PartnerReference, api)
}

func (s *OrderService) resume(requestID string) {
	req, err := s.auth.Get(s.pollCtx, requestID)
	if err != nil || req.Status != models.AuthStatusInProgress {
		return
	}
	s.startPolling(req)
}

// ResumePolling restarts a poller for every in-progress authentication request. It
// runs once at startup and returns the number of pollers started.
func (s *OrderService) ResumePolling(ctx context.Context) (int, error) {
	reqs, err := s.store.QueryAuthenticationRequests(ctx, store.AuthenticationFilter{Status: models.AuthStatusInProgress})
	if err != nil {
		return 0, fmt.Errorf("failed to query in-progress requests: %w", err)
	}
	started := 0
	for i := range reqs {
		if s.startPolling(&reqs[i]) {
			started++
		}
	}
	s.logger.Info("Authentication polling resumed", zap.Int("requests", started))
	return started, nil
}

// HandlePollResult is the poller callback. It records the partner's verdict and
// announces it; the order side of the result is applied by the event consumer.
func (s *OrderService) HandlePollResult(ctx context.Context, requestID, status string, result *partner.ResultResponse) error {
	ctx, span := util.StartSpan(ctx, "OrderService.HandlePollResult")
	defer span.End()

	outcome := authentication.Outcome{Success: false}
	switch {
	case status == partner.StatusCancelled:
		outcome.Report = "cancelled by partner"
	case result != nil:
		outcome.Success = status == partner.StatusCompleted && result.IsAuthentic
		outcome.Confidence = result.Confidence
		outcome.Report = result.Report
		outcome.Details = "partner status " + status
	default:
		outcome.Report = "no result reported"
	}

	req, err := s.auth.RecordResult(ctx, requestID, outcome)
	alreadyRecorded := errors.Is(err, marketerr.ErrAlreadyTerminal)
	if err != nil && !alreadyRecorded {
		return err
	}
	if alreadyRecorded {
		// A previous tick recorded the verdict but could not announce it.
		if req, err = s.auth.Get(ctx, requestID); err != nil {
			return err
		}
	}

	event := &models.AuthenticationCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "auth-result-" + req.ID,
			EventType: models.EventTypeAuthenticationCompleted,
			Timestamp: s.now(),
		},
		RequestID: req.ID,
		Status:    req.Status,
	}
	if err := s.eventPublisher.PublishAuthenticationCompleted(ctx, event); err != nil {
		return fmt.Errorf("failed to publish AuthenticationCompleted event: %w", err)
	}
	if alreadyRecorded {
		return fmt.Errorf("service: %w - request %s", marketerr.ErrAlreadyTerminal, requestID)
	}
	return nil
}

// ShipInput describes a shipment. Without a tracking number a label is bought from
// the shipping provider.
type ShipInput struct {
	TrackingNumber    string     `json:"tracking_number"`
	Carrier           string     `json:"carrier"`
	EstimatedDelivery *time.Time `json:"estimated_delivery"`
}

// ShipOrder records the seller's shipment of an authenticated item. Repeating the
// same tracking number returns the order unchanged.
func (s *OrderService) ShipOrder(ctx context.Context, actor models.Actor, orderID string, in ShipInput) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ShipOrder")
	defer span.End()

	return s.withOrder(ctx, orderID, func(o *models.Order) error {
		if err := requireOrderSeller(actor, o); err != nil {
			return err
		}
		if in.TrackingNumber == "" {
			if o.TrackingNumber != "" {
				return fmt.Errorf("service: %w - order %s has tracking %s", marketerr.ErrAlreadyShipped, o.ID, o.TrackingNumber)
			}
			if o.Status != models.OrderStatusAuthenticated {
				return fmt.Errorf("service: %w - cannot ship order in %s", marketerr.ErrWrongState, o.Status)
			}
			label, err := s.shipping.CreateLabel(ctx, shipping.Parcel{
				OrderID:       o.ID,
				FromUserID:    o.SellerID,
				ToUserID:      o.BuyerID,
				DeclaredValue: o.FinalPrice,
			})
			if err != nil {
				return fmt.Errorf("service: %w - shipping label: %v", marketerr.ErrUnavailable, err)
			}
			eta := label.EstimatedDelivery
			in = ShipInput{TrackingNumber: label.TrackingNumber, Carrier: label.Carrier, EstimatedDelivery: &eta}
		}

		replay := o.TrackingNumber == in.TrackingNumber
		if err := s.orders.AttachShipping(o, in.TrackingNumber, in.Carrier, in.EstimatedDelivery); err != nil {
			return err
		}
		if replay {
			return nil
		}
		if err := s.transition(ctx, o, models.OrderStatusShipped, "tracking "+in.TrackingNumber); err != nil {
			return err
		}
		notifyOrderParties(ctx, s.notifier, o, "Order shipped",
			fmt.Sprintf("Shipped with %s, tracking %s.", o.Carrier, o.TrackingNumber), models.NotificationOrderUpdate, s.now())
		return nil
	})
}

// MarkDelivered records the buyer's report that a shipped order arrived, opening the
// return window. Carrier-confirmed deliveries are picked up by SweepOrders.
func (s *OrderService) MarkDelivered(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkDelivered")
	defer span.End()

	return s.withOrder(ctx, orderID, func(o *models.Order) error {
		if err := requireBuyer(actor, o); err != nil {
			return err
		}
		return s.deliver(ctx, o)
	})
}

func (s *OrderService) deliver(ctx context.Context, o *models.Order) error {
	if err := s.transition(ctx, o, models.OrderStatusDelivered, ""); err != nil {
		return err
	}
	notifyOrderParties(ctx, s.notifier, o, "Order delivered",
		fmt.Sprintf("The item was delivered. Funds are released after buyer confirmation or in %s.", s.orders.ReturnWindow()),
		models.NotificationOrderUpdate, s.now())
	return nil
}

// ConfirmReceipt records the buyer's acceptance and releases the seller's payout.
func (s *OrderService) ConfirmReceipt(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmReceipt")
	defer span.End()

	_, err := s.withOrder(ctx, orderID, func(o *models.Order) error {
		if err := requireBuyer(actor, o); err != nil {
			return err
		}
		if err := s.orders.ConfirmReceipt(o); err != nil {
			return err
		}
		if err := s.store.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o, err := s.ReleasePayout(ctx, orderID)
	if errors.Is(err, marketerr.ErrAlreadyPaidOut) {
		return s.store.GetOrder(ctx, orderID)
	}
	return o, err
}

// ReleasePayout pays the seller once the release gate opens and completes the order.
func (s *OrderService) ReleasePayout(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ReleasePayout")
	defer span.End()

	return s.releasePayout(ctx, orderID, s.now())
}

func (s *OrderService) releasePayout(ctx context.Context, orderID string, now time.Time) (*models.Order, error) {
	return s.withOrder(ctx, orderID, func(o *models.Order) error {
		if err := s.orders.CheckPayout(o, now); err != nil {
			return err
		}

		amount := orders.PayoutAmount(o)
		if err := s.escrow.Payout(ctx, o.ID, o.SellerID, amount); err != nil {
			return err
		}

		from := o.Status
		if err := s.orders.MarkPaidOut(o, now); err != nil {
			return err
		}
		if err := s.store.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if from != o.Status {
			util.OrderTransitionsTotal.WithLabelValues(o.Status).Inc()
			publishOrderTransition(ctx, s.eventPublisher, s.logger, o, from, "payout released")
		}

		util.PayoutsReleasedTotal.Inc()
		s.logger.Info("Payout released",
			zap.String("order_id", o.ID),
			zap.String("seller_id", o.SellerID),
			zap.String("amount", amount.StringFixed(2)))
		s.notifier.Emit(ctx, models.Notification{
			UserID:     o.SellerID,
			Title:      "Payout released",
			Message:    fmt.Sprintf("$%s has been released for your sale.", amount.StringFixed(2)),
			Type:       models.NotificationPayoutReleased,
			RelatedIDs: map[string]string{"order_id": o.ID},
			CreatedAt:  now,
		})
		return nil
	})
}

// CancelOrder closes an accepted order that has not shipped yet. Escrowed funds are
// returned to the buyer and an open authentication case is withdrawn. Once the item
// is with the carrier the order can only finish through delivery and payout.
func (s *OrderService) CancelOrder(ctx context.Context, actor models.Actor, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	return s.withOrder(ctx, orderID, func(o *models.Order) error {
		if err := requireParty(actor, o); err != nil {
			return err
		}
		if o.Status == models.OrderStatusPendingBid {
			return fmt.Errorf("service: %w - the bid has not been accepted", marketerr.ErrWrongState)
		}
		if o.PayoutReleasedAt != nil {
			return fmt.Errorf("service: %w - order %s", marketerr.ErrAlreadyPaidOut, o.ID)
		}
		if !cancellable(o.Status) {
			return fmt.Errorf("service: %w - order %s is %s", marketerr.ErrWrongState, o.ID, o.Status)
		}
		if reason == "" {
			reason = "cancelled by " + actor.UserID
		}

		if o.EscrowIntentID != "" {
			if err := s.escrow.Refund(ctx, o.ID, o.EscrowIntentID, o.TotalAmount); err != nil {
				return err
			}
		}
		if o.AuthenticationRequestID != "" {
			s.poller.Stop(o.AuthenticationRequestID)
			if _, err := s.auth.Cancel(ctx, o.AuthenticationRequestID, reason); err != nil {
				return err
			}
		}

		if err := s.transition(ctx, o, models.OrderStatusCancelled, reason); err != nil {
			return err
		}
		util.OrdersCancelledTotal.Inc()
		notifyOrderParties(ctx, s.notifier, o, "Order cancelled", reason, models.NotificationOrderUpdate, s.now())
		return nil
	})
}

// cancellable reports whether an order in status can still be called off. The item
// has not left the seller yet, so the full escrowed amount goes back to the buyer.
func cancellable(status string) bool {
	switch status {
	case models.OrderStatusPendingPayment,
		models.OrderStatusPaymentConfirmed,
		models.OrderStatusAuthenticationInProgress,
		models.OrderStatusAuthenticated:
		return true
	}
	return false
}

// SweepOrders marks shipments the carrier reports delivered and releases payouts
// whose return window has elapsed. It returns the number of orders changed.
func (s *OrderService) SweepOrders(ctx context.Context, now time.Time) (int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SweepOrders")
	defer span.End()

	changed := 0

	shipped, err := s.store.QueryOrders(ctx, store.OrderFilter{Status: models.OrderStatusShipped})
	if err != nil {
		return 0, fmt.Errorf("failed to query shipped orders: %w", err)
	}
	for _, snapshot := range shipped {
		tracking, err := s.shipping.Track(ctx, snapshot.TrackingNumber)
		if err != nil || !tracking.Delivered {
			continue
		}
		_, err = s.withOrder(ctx, snapshot.ID, func(o *models.Order) error {
			if o.Status != models.OrderStatusShipped {
				return errUnchanged
			}
			return s.deliver(ctx, o)
		})
		if err == nil {
			changed++
		}
	}

	delivered, err := s.store.QueryOrders(ctx, store.OrderFilter{Status: models.OrderStatusDelivered})
	if err != nil {
		return changed, fmt.Errorf("failed to query delivered orders: %w", err)
	}
	for i := range delivered {
		o := &delivered[i]
		if s.orders.CheckPayout(o, now) != nil {
			continue
		}
		if _, err := s.releasePayout(ctx, o.ID, now); err != nil {
			s.logger.Warn("Automatic payout failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		changed++
	}
	return changed, nil
}
