package service

import (
	"context"
	"errors"
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
	"marketplace-core/internal/store"
	"marketplace-core/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// bidIdempotencyTTL is how long a client's Idempotency-Key maps to its bid.
const bidIdempotencyTTL = 24 * time.Hour

// ListingService handles listing, bid and counteroffer operations
type ListingService struct {
	store          store.Store
	ledger         *ledger.Ledger
	orders         *orders.Manager
	pricing        *pricing.Engine
	auth           *authentication.Coordinator
	locks          Locker
	idempotency    IdempotencyCache
	notifier       notify.Sink
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
	lockTTL        time.Duration
	now            func() time.Time
}

// NewListingService creates a new listing service
func NewListingService(
	store store.Store,
	ledger *ledger.Ledger,
	orders *orders.Manager,
	pricing *pricing.Engine,
	auth *authentication.Coordinator,
	locks Locker,
	idempotency IdempotencyCache,
	notifier notify.Sink,
	eventPublisher *broker.EventPublisher,
) *ListingService {
	return &ListingService{
		store:          store,
		ledger:         ledger,
		orders:         orders,
		pricing:        pricing,
		auth:           auth,
		locks:          locks,
		idempotency:    idempotency,
		notifier:       notifier,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
		lockTTL:        DefaultLockTTL,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// withListing loads the listing under its lock, applies fn and persists the result.
// The listing is always re-fetched after the lock is taken.
func (s *ListingService) withListing(ctx context.Context, listingID string, fn func(l *models.Listing) error) (*models.Listing, error) {
	unlock, err := s.locks.Acquire(ctx, listingLock(listingID), s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if err := fn(l); err != nil {
		return nil, err
	}
	if err := s.store.UpdateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to update listing: %w", err)
	}
	return l, nil
}

// CreateListing publishes a new listing for the actor.
func (s *ListingService) CreateListing(ctx context.Context, actor models.Actor, in ledger.ListingInput) (*models.Listing, error) {
	ctx, span := util.StartSpan(ctx, "ListingService.CreateListing")
	defer span.End()

	if err := requireUser(actor); err != nil {
		return nil, err
	}

	l, err := s.ledger.CreateListing(actor.UserID, in, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveListing(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to save listing: %w", err)
	}

	util.ListingsCreatedTotal.Inc()
	s.logger.Info("Listing created",
		zap.String("listing_id", l.ID),
		zap.String("seller_id", l.SellerID),
		zap.String("status", l.Status))

	s.publishListing(ctx, models.EventTypeListingCreated, l)
	return l, nil
}

// GetListing retrieves a listing with its bids and counteroffers
func (s *ListingService) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	return s.store.GetListing(ctx, id)
}

// ListListings returns listings matching f.
func (s *ListingService) ListListings(ctx context.Context, f store.ListingFilter) ([]models.Listing, error) {
	return s.store.QueryListings(ctx, f)
}

// PlaceBidResult is a placed bid and the provisional order tracking it.
type PlaceBidResult struct {
	Bid   *models.Bid   `json:"bid"`
	Order *models.Order `json:"order,omitempty"`
}

// PlaceBid records a verified user's bid and opens a provisional order for it. When
// idempotencyKey repeats a previous request, the original bid is returned.
func (s *ListingService) PlaceBid(ctx context.Context, actor models.Actor, listingID string, amount decimal.Decimal, idempotencyKey string) (*PlaceBidResult, error) {
	ctx, span := util.StartSpan(ctx, "ListingService.PlaceBid")
	defer span.End()

	if err := requireVerified(actor); err != nil {
		util.BidsRejectedTotal.WithLabelValues(marketerr.CodeOf(err)).Inc()
		return nil, err
	}

	var (
		result  *PlaceBidResult
		replay  bool
		idemKey = ""
	)
	if idempotencyKey != "" {
		idemKey = "bid:" + actor.UserID + ":" + idempotencyKey
	}

	listing, err := s.withListing(ctx, listingID, func(l *models.Listing) error {
		if idemKey != "" {
			bidID, found, err := s.idempotency.Lookup(ctx, idemKey)
			if err != nil {
				s.logger.Warn("Idempotency lookup failed", zap.Error(err))
			} else if found {
				if bid := l.FindBid(bidID); bid != nil {
					cp := *bid
					result = &PlaceBidResult{Bid: &cp}
					replay = true
					return errReplay
				}
			}
		}

		bid, err := s.ledger.PlaceBid(l, actor.UserID, amount, s.now())
		if err != nil {
			return err
		}
		// Remembered under the lock so a concurrent retry sees the key. A key left
		// pointing at an unsaved bid falls through to a fresh placement.
		if idemKey != "" {
			if _, err := s.idempotency.Remember(ctx, idemKey, bid.ID, bidIdempotencyTTL); err != nil {
				s.logger.Warn("Failed to remember idempotency key", zap.Error(err))
			}
		}
		result = &PlaceBidResult{Bid: bid}
		return nil
	})
	if replay {
		result.Order = s.orderForBid(ctx, result.Bid.ID)
		s.logger.Info("Duplicate bid request detected",
			zap.String("idempotency_key", idempotencyKey),
			zap.String("bid_id", result.Bid.ID))
		return result, nil
	}
	if err != nil {
		util.BidsRejectedTotal.WithLabelValues(marketerr.CodeOf(err)).Inc()
		return nil, err
	}

	bid := result.Bid

	order := s.orders.CreateProvisional(bid, listing)
	if err := s.store.SaveOrder(ctx, order); err != nil {
		// The saga creates the order at acceptance if this one is missing.
		s.logger.Error("Failed to save provisional order",
			zap.String("bid_id", bid.ID),
			zap.Error(err))
	} else {
		result.Order = order
		util.OrdersCreatedTotal.Inc()
		util.OrderTransitionsTotal.WithLabelValues(order.Status).Inc()
	}

	util.BidsPlacedTotal.Inc()
	s.notifier.Emit(ctx, ledger.BidPlacedNotice(listing, bid, s.now()))
	s.logger.Info("Bid placed",
		zap.String("listing_id", listingID),
		zap.String("bid_id", bid.ID),
		zap.String("bidder_id", bid.BidderID),
		zap.String("amount", bid.Amount.StringFixed(2)))

	s.publishBid(ctx, models.EventTypeBidPlaced, listingID, bid)
	return result, nil
}

var errReplay = errors.New("idempotent replay")

func (s *ListingService) orderForBid(ctx context.Context, bidID string) *models.Order {
	found, err := s.store.QueryOrders(ctx, store.OrderFilter{BidID: bidID, Limit: 1})
	if err != nil || len(found) == 0 {
		return nil
	}
	return &found[0]
}

// RejectBid declines a bid on the actor's listing and cancels its provisional order.
func (s *ListingService) RejectBid(ctx context.Context, actor models.Actor, listingID, bidID string) (*models.Bid, error) {
	ctx, span := util.StartSpan(ctx, "ListingService.RejectBid")
	defer span.End()

	var rejected *models.Bid
	listing, err := s.withListing(ctx, listingID, func(l *models.Listing) error {
		if err := requireSeller(actor, l); err != nil {
			return err
		}
		var err error
		rejected, err = s.ledger.RejectBid(l, bidID, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Emit(ctx, ledger.BidRejectedNotice(listing, rejected, s.now()))

	s.cancelProvisional(ctx, []string{bidID}, "bid rejected")
	s.publishBid(ctx, models.EventTypeBidRejected, listingID, rejected)
	s.logger.Info("Bid rejected", zap.String("listing_id", listingID), zap.String("bid_id", bidID))
	return rejected, nil
}

// MakeCounteroffer answers a pending bid with a revised price.
func (s *ListingService) MakeCounteroffer(ctx context.Context, actor models.Actor, listingID, bidID string, amount decimal.Decimal, message string) (*models.Counteroffer, error) {
	ctx, span := util.StartSpan(ctx, "ListingService.MakeCounteroffer")
	defer span.End()

	var co *models.Counteroffer
	listing, err := s.withListing(ctx, listingID, func(l *models.Listing) error {
		if err := requireSeller(actor, l); err != nil {
			return err
		}
		var err error
		co, err = s.ledger.MakeCounteroffer(l, bidID, amount, message, s.now())
		return err
	})
	if err != nil {
		util.CounteroffersTotal.WithLabelValues(marketerr.CodeOf(err)).Inc()
		return nil, err
	}
	s.notifier.Emit(ctx, ledger.CounterofferNotice(listing, co, s.now()))

	util.CounteroffersTotal.WithLabelValues("made").Inc()
	s.publishCounteroffer(ctx, models.EventTypeCounterofferMade, co)
	s.logger.Info("Counteroffer made",
		zap.String("listing_id", listingID),
		zap.String("bid_id", bidID),
		zap.String("counteroffer_id", co.ID))
	return co, nil
}

// RespondToCounteroffer lets the buyer accept or decline a counteroffer.
func (s *ListingService) RespondToCounteroffer(ctx context.Context, actor models.Actor, listingID, counterofferID string, accept bool) (*models.Counteroffer, error) {
	ctx, span := util.StartSpan(ctx, "ListingService.RespondToCounteroffer")
	defer span.End()

	if err := requireUser(actor); err != nil {
		return nil, err
	}

	var co *models.Counteroffer
	listing, err := s.withListing(ctx, listingID, func(l *models.Listing) error {
		var err error
		co, err = s.ledger.RespondToCounteroffer(l, counterofferID, actor.UserID, accept, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Emit(ctx, ledger.CounterResponseNotice(listing, co, s.now()))

	util.CounteroffersTotal.WithLabelValues(co.Status).Inc()
	if co.Status == models.CounterofferStatusAccepted {
		s.repriceProvisional(ctx, co.BidID, co.CounterAmount)
	} else {
		s.cancelProvisional(ctx, []string{co.BidID}, "counteroffer declined")
	}
	s.publishCounteroffer(ctx, models.EventTypeCounterofferAnswered, co)
	return co, nil
}

// Quote is the price breakdown a buyer would pay for a listing.
type Quote struct {
	ListingID string            `json:"listing_id"`
	PartnerID string            `json:"partner_id"`
	Breakdown pricing.Breakdown `json:"breakdown"`
}

// Quote prices a listing at amount, or at its current price when amount is zero,
// using the selected partner's fee as the verification cost.
func (s *ListingService) Quote(ctx context.Context, listingID string, amount decimal.Decimal) (*Quote, error) {
	ctx, span := util.StartSpan(ctx, "ListingService.Quote")
	defer span.End()

	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		amount = l.CurrentPrice
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("service: %w - amount must be positive", marketerr.ErrInvalidInput)
	}

	p, err := s.auth.SelectPartner(l)
	if err != nil {
		return nil, err
	}
	return &Quote{
		ListingID: l.ID,
		PartnerID: p.ID,
		Breakdown: s.pricing.ComputeBreakdown(amount, p.BaseFee),
	}, nil
}

// SweepListings activates scheduled listings that have started, expires stale bids
// and closes listings past their end time. It returns the number of listings changed.
func (s *ListingService) SweepListings(ctx context.Context, now time.Time) (int, error) {
	ctx, span := util.StartSpan(ctx, "ListingService.SweepListings")
	defer span.End()

	changed := 0
	for _, status := range []string{models.ListingStatusScheduled, models.ListingStatusActive} {
		listings, err := s.store.QueryListings(ctx, store.ListingFilter{Status: status})
		if err != nil {
			return changed, fmt.Errorf("failed to query %s listings: %w", status, err)
		}
		for _, snapshot := range listings {
			ok, err := s.sweepListing(ctx, snapshot.ID, now)
			if err != nil {
				s.logger.Warn("Listing sweep failed", zap.String("listing_id", snapshot.ID), zap.Error(err))
				continue
			}
			if ok {
				changed++
			}
		}
	}
	return changed, nil
}

func (s *ListingService) sweepListing(ctx context.Context, listingID string, now time.Time) (bool, error) {
	var (
		expiredBids []string
		closed      bool
		touched     bool
	)
	l, err := s.withListing(ctx, listingID, func(l *models.Listing) error {
		if s.ledger.Activate(l, now) {
			touched = true
		}
		if ids, ok := s.ledger.ExpireListing(l, now); ok {
			expiredBids, closed, touched = ids, true, true
			return nil
		}
		if ids := s.ledger.ExpireBids(l, now); len(ids) > 0 {
			expiredBids, touched = ids, true
		}
		if !touched {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.cancelProvisional(ctx, expiredBids, "bid expired")
	if closed {
		util.ListingsExpiredTotal.Inc()
		s.publishListing(ctx, models.EventTypeListingExpired, l)
		s.notifier.Emit(ctx, models.Notification{
			UserID:     l.SellerID,
			Title:      "Listing expired",
			Message:    fmt.Sprintf("%q ended without a sale.", l.Title),
			Type:       models.NotificationListingExpired,
			RelatedIDs: map[string]string{"listing_id": l.ID},
			CreatedAt:  now,
		})
		s.logger.Info("Listing expired", zap.String("listing_id", l.ID), zap.Int("expired_bids", len(expiredBids)))
	}
	return true, nil
}

var errUnchanged = errors.New("unchanged")

// cancelProvisional closes the pending_bid orders of bids that can no longer win.
func (s *ListingService) cancelProvisional(ctx context.Context, bidIDs []string, reason string) {
	cancelProvisionalOrders(ctx, s.store, s.orders, s.logger, bidIDs, reason)
}

func (s *ListingService) repriceProvisional(ctx context.Context, bidID string, amount decimal.Decimal) {
	o := s.orderForBid(ctx, bidID)
	if o == nil || o.Status != models.OrderStatusPendingBid {
		return
	}
	o.FinalPrice = amount
	o.UpdatedAt = s.now()
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		s.logger.Warn("Failed to reprice provisional order", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func cancelProvisionalOrders(ctx context.Context, st store.Store, mgr *orders.Manager, logger *zap.Logger, bidIDs []string, reason string) {
	for _, bidID := range bidIDs {
		found, err := st.QueryOrders(ctx, store.OrderFilter{BidID: bidID, Status: models.OrderStatusPendingBid})
		if err != nil {
			logger.Warn("Failed to load provisional order", zap.String("bid_id", bidID), zap.Error(err))
			continue
		}
		for i := range found {
			o := &found[i]
			if err := mgr.Cancel(o, reason); err != nil {
				continue
			}
			if err := st.UpdateOrder(ctx, o); err != nil {
				logger.Warn("Failed to cancel provisional order", zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			util.OrderTransitionsTotal.WithLabelValues(o.Status).Inc()
		}
	}
}

func (s *ListingService) publishListing(ctx context.Context, eventType string, l *models.Listing) {
	event := &models.ListingEvent{
		BaseEvent: broker.NewBase(eventType),
		ListingID: l.ID,
		SellerID:  l.SellerID,
		Status:    l.Status,
	}
	if err := s.eventPublisher.PublishListingEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish listing event", zap.String("type", eventType), zap.Error(err))
	}
}

func (s *ListingService) publishBid(ctx context.Context, eventType, listingID string, bid *models.Bid) {
	publishBidEvent(ctx, s.eventPublisher, s.logger, eventType, listingID, bid)
}

func publishBidEvent(ctx context.Context, ep *broker.EventPublisher, logger *zap.Logger, eventType, listingID string, bid *models.Bid) {
	event := &models.BidEvent{
		BaseEvent: broker.NewBase(eventType),
		ListingID: listingID,
		BidID:     bid.ID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		Status:    bid.Status,
	}
	if err := ep.PublishBidEvent(ctx, event); err != nil {
		logger.Error("Failed to publish bid event", zap.String("type", eventType), zap.Error(err))
	}
}

func (s *ListingService) publishCounteroffer(ctx context.Context, eventType string, co *models.Counteroffer) {
	event := &models.CounterofferEvent{
		BaseEvent:      broker.NewBase(eventType),
		ListingID:      co.ListingID,
		BidID:          co.BidID,
		CounterofferID: co.ID,
		CounterAmount:  co.CounterAmount,
		Status:         co.Status,
	}
	if err := s.eventPublisher.PublishCounterofferEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish counteroffer event", zap.String("type", eventType), zap.Error(err))
	}
}
