package service

import (
	"context"
	"fmt"
	"time"

	"marketplace-core/internal/authentication"
	"marketplace-core/internal/broker"
	"marketplace-core/internal/ledger"
	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/orders"
	"marketplace-core/internal/pricing"
	"marketplace-core/internal/retry"
	"marketplace-core/internal/store"
	"marketplace-core/internal/util"

	"go.uber.org/zap"
)

// SagaOrchestrator runs bid acceptance as a saga and reacts to authentication
// results. Steps before the ledger accepts the bid are compensated on failure;
// steps after it only move forward.
type SagaOrchestrator struct {
	store          store.Store
	ledger         *ledger.Ledger
	orders         *orders.Manager
	pricing        *pricing.Engine
	auth           *authentication.Coordinator
	escrow         *EscrowService
	locks          Locker
	notifier       notify.Sink
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
	lockTTL        time.Duration
	persist        retry.Policy
	now            func() time.Time
}

// NewSagaOrchestrator creates a new saga orchestrator
func NewSagaOrchestrator(
	store store.Store,
	ledger *ledger.Ledger,
	orders *orders.Manager,
	pricing *pricing.Engine,
	auth *authentication.Coordinator,
	escrow *EscrowService,
	locks Locker,
	notifier notify.Sink,
	eventPublisher *broker.EventPublisher,
) *SagaOrchestrator {
	return &SagaOrchestrator{
		store:          store,
		ledger:         ledger,
		orders:         orders,
		pricing:        pricing,
		auth:           auth,
		escrow:         escrow,
		locks:          locks,
		notifier:       notifier,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
		lockTTL:        DefaultLockTTL,
		persist:        retry.Policy{Attempts: 3, AttemptTimeout: 5 * time.Second, BaseDelay: 50 * time.Millisecond},
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// AcceptResult is the outcome of a successful acceptance. Reconciling is set when
// the sale stands but the order could not be promoted yet; ReconcileAcceptedOrders
// finishes it.
type AcceptResult struct {
	Listing               *models.Listing               `json:"listing"`
	Bid                   *models.Bid                   `json:"bid"`
	Order                 *models.Order                 `json:"order"`
	AuthenticationRequest *models.AuthenticationRequest `json:"authentication_request"`
	Reconciling           bool                          `json:"reconciling,omitempty"`
}

type compensation struct {
	step string
	undo func(ctx context.Context) error
}

// AcceptBid sells the listing to bidID:
//
//  1. validate the bid without mutating anything
//  2. open the authentication request      (undo: discard it)
//  3. authorize the buyer's escrow payment (undo: release the hold)
//  4. accept the bid in the ledger and persist the listing
//  5. promote the winning order, cancel the losing provisional orders, notify
//
// A failure in steps 2-4 undoes the completed steps in reverse order and leaves the
// listing untouched. A failure in step 5 is not undone: the result is flagged
// Reconciling and the order is promoted later by ReconcileAcceptedOrders. The listing lock is held throughout, so a concurrent acceptance
// waits and then fails with ErrNotActive.
func (so *SagaOrchestrator) AcceptBid(ctx context.Context, actor models.Actor, listingID, bidID string) (*AcceptResult, error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.AcceptBid")
	defer span.End()

	unlock, err := so.locks.Acquire(ctx, listingLock(listingID), so.lockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	listing, err := so.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if err := requireSeller(actor, listing); err != nil {
		return nil, err
	}

	now := so.now()
	bid, err := so.ledger.CanAccept(listing, bidID, now)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(marketerr.CodeOf(err)).Inc()
		return nil, err
	}
	candidate := *bid

	var comps []compensation
	fail := func(step string, err error) (*AcceptResult, error) {
		util.OrdersFailedTotal.WithLabelValues(step).Inc()
		so.logger.Warn("Acceptance saga failed - starting compensation",
			zap.String("listing_id", listingID),
			zap.String("bid_id", bidID),
			zap.String("step", step),
			zap.Error(err))
		so.compensate(ctx, comps)
		return nil, err
	}

	// Step 2: authentication request.
	p, err := so.auth.SelectPartner(listing)
	if err != nil {
		return fail("select_partner", err)
	}
	req, err := so.auth.OpenRequest(ctx, &candidate, listing, p.ID)
	if err != nil {
		return fail("open_authentication", err)
	}
	comps = append(comps, compensation{step: "open_authentication", undo: func(ctx context.Context) error {
		return so.auth.Discard(ctx, req.ID)
	}})

	order, created, err := so.provisionalOrder(ctx, &candidate, listing)
	if err != nil {
		return fail("load_order", err)
	}
	if created {
		comps = append(comps, compensation{step: "create_order", undo: func(ctx context.Context) error {
			return so.store.DeleteOrder(ctx, order.ID)
		}})
	}

	// Step 3: escrow hold for the buyer's full payment.
	breakdown := so.pricing.ComputeBreakdown(candidate.Amount, req.AuthenticationFee)
	intentID, err := so.escrow.Authorize(ctx, order.ID, models.EscrowPurposeWinningBidPayment, breakdown.TotalAmount, map[string]string{
		"order_id":        order.ID,
		"listing_id":      listing.ID,
		"bid_id":          candidate.ID,
		"buyer_id":        candidate.BidderID,
		"idempotency_key": "accept-" + candidate.ID + "-" + req.ID,
	})
	if err != nil {
		return fail("authorize_escrow", err)
	}
	comps = append(comps, compensation{step: "authorize_escrow", undo: func(ctx context.Context) error {
		return so.escrow.Refund(ctx, order.ID, intentID, breakdown.TotalAmount)
	}})

	// Step 4: pivot. Once the listing is persisted as sold the sale stands.
	accepted, err := so.ledger.AcceptBid(listing, bidID, now)
	if err != nil {
		return fail("accept_bid", err)
	}
	if b := listing.FindBid(bidID); b != nil {
		b.AuthenticationRequestID = req.ID
		b.EscrowIntentID = intentID
	}
	accepted.AuthenticationRequestID = req.ID
	accepted.EscrowIntentID = intentID
	if err := so.store.UpdateListing(ctx, listing); err != nil {
		return fail("persist_listing", fmt.Errorf("failed to update listing: %w", err))
	}

	// Step 5: forward-only.
	terms := orders.Terms{
		FinalPrice:     accepted.Amount,
		TotalAmount:    breakdown.TotalAmount,
		CommissionFee:  breakdown.CommissionFee,
		EscrowIntentID: intentID,
	}
	promoted, err := so.promote(ctx, order, req.ID, terms)
	reconciling := err != nil
	if reconciling {
		util.OrdersFailedTotal.WithLabelValues("promote_order").Inc()
		so.logger.Error("Failed to promote order - left for reconciliation",
			zap.String("order_id", order.ID),
			zap.String("bid_id", bidID),
			zap.Error(err))
	} else {
		order = promoted
	}

	var losers []string
	for _, b := range listing.Bids {
		if b.ID != bidID && b.RejectedAt != nil && b.RejectedAt.Equal(now) {
			losers = append(losers, b.ID)
		}
	}
	cancelProvisionalOrders(ctx, so.store, so.orders, so.logger, losers, "listing sold to another bidder")

	util.BidsAcceptedTotal.Inc()
	so.logger.Info("Bid accepted",
		zap.String("listing_id", listingID),
		zap.String("bid_id", bidID),
		zap.String("order_id", order.ID),
		zap.String("authentication_request_id", req.ID),
		zap.String("intent_id", intentID))

	publishBidEvent(ctx, so.eventPublisher, so.logger, models.EventTypeBidAccepted, listingID, accepted)
	so.notifyAccepted(ctx, listing, accepted, order, losers)

	return &AcceptResult{
		Listing:               listing,
		Bid:                   accepted,
		Order:                 order,
		AuthenticationRequest: req,
		Reconciling:           reconciling,
	}, nil
}

// promote moves a pending_bid order to pending_payment and persists it. The caller's
// order is left unchanged when persisting fails.
func (so *SagaOrchestrator) promote(ctx context.Context, order *models.Order, authRequestID string, terms orders.Terms) (*models.Order, error) {
	next := *order
	if err := so.orders.Promote(&next, authRequestID, terms); err != nil {
		return nil, err
	}
	if err := retry.Do(ctx, so.persist, func(ctx context.Context) error {
		return so.store.UpdateOrder(ctx, &next)
	}); err != nil {
		return nil, fmt.Errorf("failed to persist promoted order: %w", err)
	}
	util.OrderTransitionsTotal.WithLabelValues(next.Status).Inc()
	so.publishTransition(ctx, &next, models.OrderStatusPendingBid, "bid accepted")
	return &next, nil
}

// ReconcileAcceptedOrders promotes pending_bid orders whose bid the listing already
// accepted, using the authentication request and escrow hold recorded on the bid.
// It returns the number of orders promoted.
func (so *SagaOrchestrator) ReconcileAcceptedOrders(ctx context.Context, _ time.Time) (int, error) {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.ReconcileAcceptedOrders")
	defer span.End()

	pending, err := so.store.QueryOrders(ctx, store.OrderFilter{Status: models.OrderStatusPendingBid})
	if err != nil {
		return 0, fmt.Errorf("failed to query provisional orders: %w", err)
	}
	promoted := 0
	for _, snapshot := range pending {
		ok, err := so.reconcileOrder(ctx, snapshot.ListingID, snapshot.ID)
		if err != nil {
			so.logger.Warn("Order reconciliation failed", zap.String("order_id", snapshot.ID), zap.Error(err))
			continue
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}

func (so *SagaOrchestrator) reconcileOrder(ctx context.Context, listingID, orderID string) (bool, error) {
	unlock, err := so.locks.Acquire(ctx, listingLock(listingID), so.lockTTL)
	if err != nil {
		return false, err
	}
	defer unlock()

	order, err := so.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status != models.OrderStatusPendingBid {
		return false, nil
	}
	listing, err := so.store.GetListing(ctx, listingID)
	if err != nil {
		return false, err
	}
	bid := listing.FindBid(order.BidID)
	if bid == nil || bid.Status != models.BidStatusAccepted || bid.AuthenticationRequestID == "" || bid.EscrowIntentID == "" {
		return false, nil
	}
	req, err := so.auth.Get(ctx, bid.AuthenticationRequestID)
	if err != nil {
		return false, err
	}

	breakdown := so.pricing.ComputeBreakdown(bid.Amount, req.AuthenticationFee)
	if _, err := so.promote(ctx, order, req.ID, orders.Terms{
		FinalPrice:     bid.Amount,
		TotalAmount:    breakdown.TotalAmount,
		CommissionFee:  breakdown.CommissionFee,
		EscrowIntentID: bid.EscrowIntentID,
	}); err != nil {
		return false, err
	}
	so.logger.Info("Accepted order reconciled",
		zap.String("order_id", order.ID),
		zap.String("bid_id", bid.ID))
	return true, nil
}

// provisionalOrder returns the pending_bid order of bid, creating one when the
// placement-time order is missing.
func (so *SagaOrchestrator) provisionalOrder(ctx context.Context, bid *models.Bid, listing *models.Listing) (*models.Order, bool, error) {
	found, err := so.store.QueryOrders(ctx, store.OrderFilter{BidID: bid.ID, Status: models.OrderStatusPendingBid})
	if err != nil {
		return nil, false, err
	}
	if len(found) > 0 {
		return &found[0], false, nil
	}

	o := so.orders.CreateProvisional(bid, listing)
	if err := so.store.SaveOrder(ctx, o); err != nil {
		return nil, false, fmt.Errorf("failed to create order: %w", err)
	}
	util.OrdersCreatedTotal.Inc()
	return o, true, nil
}

// compensate undoes completed steps in reverse order. It runs detached from ctx's
// cancellation so a client disconnect cannot leave a half-applied saga.
func (so *SagaOrchestrator) compensate(ctx context.Context, comps []compensation) {
	ctx = context.WithoutCancel(ctx)
	for i := len(comps) - 1; i >= 0; i-- {
		c := comps[i]
		err := retry.Do(ctx, so.persist, c.undo)
		result := "ok"
		if err != nil {
			result = "failed"
			so.logger.Error("Compensation failed",
				zap.String("step", c.step),
				zap.Error(err))
		}
		util.SagaCompensationsTotal.WithLabelValues(c.step, result).Inc()
	}
}

func (so *SagaOrchestrator) notifyAccepted(ctx context.Context, listing *models.Listing, bid *models.Bid, order *models.Order, losers []string) {
	so.notifier.Emit(ctx, models.Notification{
		UserID:     bid.BidderID,
		Title:      "Bid accepted",
		Message:    fmt.Sprintf("Your $%s bid on %q was accepted. Confirm payment to continue.", bid.Amount.StringFixed(2), listing.Title),
		Type:       models.NotificationBidAccepted,
		RelatedIDs: map[string]string{"listing_id": listing.ID, "bid_id": bid.ID, "order_id": order.ID},
		CreatedAt:  so.now(),
	})
	for _, id := range losers {
		b := listing.FindBid(id)
		if b == nil {
			continue
		}
		so.notifier.Emit(ctx, models.Notification{
			UserID:     b.BidderID,
			Title:      "Listing sold",
			Message:    fmt.Sprintf("%q was sold to another bidder.", listing.Title),
			Type:       models.NotificationBidRejected,
			RelatedIDs: map[string]string{"listing_id": listing.ID, "bid_id": b.ID},
			CreatedAt:  so.now(),
		})
	}
}

// HandleAuthenticationResult applies a recorded verdict to its order: success moves
// it to authenticated; failure refunds the buyer, cancels the order with the frozen
// seller liability as reason and bills the seller out-of-band. Redelivered events
// are ignored.
func (so *SagaOrchestrator) HandleAuthenticationResult(ctx context.Context, event *models.AuthenticationCompletedEvent) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandleAuthenticationResult")
	defer span.End()

	processed, err := so.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		so.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	req, err := so.auth.Get(ctx, event.RequestID)
	if err != nil {
		return fmt.Errorf("failed to get authentication request: %w", err)
	}
	if !req.IsTerminal() {
		return fmt.Errorf("service: %w - request %s is %s", marketerr.ErrWrongState, req.ID, req.Status)
	}

	order, err := so.orderForRequest(ctx, req)
	if err != nil {
		return err
	}

	unlock, err := so.locks.Acquire(ctx, orderLock(order.ID), so.lockTTL)
	if err != nil {
		return err
	}
	defer unlock()

	order, err = so.store.GetOrder(ctx, order.ID)
	if err != nil {
		return err
	}

	if order.Status != models.OrderStatusAuthenticationInProgress {
		so.logger.Info("Order no longer awaiting authentication",
			zap.String("order_id", order.ID),
			zap.String("status", order.Status))
		return so.markProcessed(ctx, event)
	}

	so.logger.Info("Handling authentication result",
		zap.String("order_id", order.ID),
		zap.String("request_id", req.ID),
		zap.String("status", req.Status))

	if req.Status == models.AuthStatusSuccess {
		if err := so.transition(ctx, order, models.OrderStatusAuthenticated, "authentication passed"); err != nil {
			return err
		}
		so.notifyParties(ctx, order, "Item authenticated",
			"The item passed authentication and is ready to ship.", models.NotificationAuthentication)
		return so.markProcessed(ctx, event)
	}

	// Failure: the buyer is made whole before the order closes.
	if order.EscrowIntentID != "" {
		if err := so.escrow.Refund(ctx, order.ID, order.EscrowIntentID, order.TotalAmount); err != nil {
			return err
		}
	}

	liability := authentication.SellerLiability(req)
	if req.TotalSellerCosts != nil {
		liability = *req.TotalSellerCosts
	}
	reason := fmt.Sprintf("authentication failed: seller liability $%s", liability.StringFixed(2))
	if err := so.transition(ctx, order, models.OrderStatusCancelled, reason); err != nil {
		return err
	}
	util.OrdersCancelledTotal.Inc()

	liabilityEvent := &models.SellerLiabilityEvent{
		BaseEvent:        broker.NewBase(models.EventTypeSellerLiability),
		OrderID:          order.ID,
		RequestID:        req.ID,
		SellerID:         order.SellerID,
		TotalSellerCosts: liability,
	}
	if err := so.eventPublisher.PublishSellerLiability(ctx, liabilityEvent); err != nil {
		so.logger.Error("Failed to publish SellerLiability event", zap.Error(err))
	}

	so.notifier.Emit(ctx, models.Notification{
		UserID:     order.BuyerID,
		Title:      "Authentication failed",
		Message:    "The item failed authentication. Your payment has been refunded.",
		Type:       models.NotificationAuthentication,
		RelatedIDs: map[string]string{"order_id": order.ID, "authentication_request_id": req.ID},
		CreatedAt:  so.now(),
	})
	so.notifier.Emit(ctx, models.Notification{
		UserID:     order.SellerID,
		Title:      "Authentication failed",
		Message:    fmt.Sprintf("The item failed authentication. You will be billed $%s for authentication, shipping and cancellation.", liability.StringFixed(2)),
		Type:       models.NotificationSellerLiability,
		RelatedIDs: map[string]string{"order_id": order.ID, "authentication_request_id": req.ID},
		CreatedAt:  so.now(),
	})

	return so.markProcessed(ctx, event)
}

func (so *SagaOrchestrator) orderForRequest(ctx context.Context, req *models.AuthenticationRequest) (*models.Order, error) {
	found, err := so.store.QueryOrders(ctx, store.OrderFilter{BidID: req.BidID})
	if err != nil {
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	for i := range found {
		if found[i].AuthenticationRequestID == req.ID {
			return &found[i], nil
		}
	}
	return nil, fmt.Errorf("service: order for authentication request %s: %w", req.ID, marketerr.ErrNotFound)
}

func (so *SagaOrchestrator) transition(ctx context.Context, order *models.Order, status, notes string) error {
	from := order.Status
	if err := so.orders.Advance(order, status, notes); err != nil {
		return err
	}
	if err := so.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	util.OrderTransitionsTotal.WithLabelValues(status).Inc()
	so.publishTransition(ctx, order, from, notes)
	return nil
}

func (so *SagaOrchestrator) publishTransition(ctx context.Context, order *models.Order, from, reason string) {
	publishOrderTransition(ctx, so.eventPublisher, so.logger, order, from, reason)
}

func (so *SagaOrchestrator) notifyParties(ctx context.Context, order *models.Order, title, message, kind string) {
	notifyOrderParties(ctx, so.notifier, order, title, message, kind, so.now())
}

func (so *SagaOrchestrator) markProcessed(ctx context.Context, event *models.AuthenticationCompletedEvent) error {
	if err := so.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		so.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

func publishOrderTransition(ctx context.Context, ep *broker.EventPublisher, logger *zap.Logger, order *models.Order, from, reason string) {
	event := &models.OrderStatusChangedEvent{
		BaseEvent:  broker.NewBase(models.EventTypeOrderStatusChanged),
		OrderID:    order.ID,
		FromStatus: from,
		ToStatus:   order.Status,
		Reason:     reason,
	}
	if err := ep.PublishOrderStatusChanged(ctx, event); err != nil {
		logger.Error("Failed to publish OrderStatusChanged event",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

func notifyOrderParties(ctx context.Context, sink notify.Sink, order *models.Order, title, message, kind string, now time.Time) {
	for _, userID := range []string{order.BuyerID, order.SellerID} {
		sink.Emit(ctx, models.Notification{
			UserID:     userID,
			Title:      title,
			Message:    message,
			Type:       kind,
			RelatedIDs: map[string]string{"order_id": order.ID, "listing_id": order.ListingID},
			CreatedAt:  now,
		})
	}
}
