package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"
	"marketplace-core/internal/payment"
	"marketplace-core/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptBid_PromotesOrderAndHoldsFunds(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	l := s.createListing(t)
	winner := s.placeBid(t, buyer, l.ID, 9000)
	loser := s.placeBid(t, buyer2, l.ID, 9500)

	res, err := s.saga.AcceptBid(ctx, seller, l.ID, winner.Bid.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ListingStatusSold, res.Listing.Status)
	assert.True(t, res.Listing.CurrentPrice.Equal(dec("9000")))
	assert.Equal(t, models.BidStatusAccepted, res.Bid.Status)
	assert.Equal(t, res.AuthenticationRequest.ID, res.Bid.AuthenticationRequestID)

	// 9000 + 25 shipping + 150 verification + 900 commission
	assert.Equal(t, winner.Order.ID, res.Order.ID)
	assert.Equal(t, models.OrderStatusPendingPayment, res.Order.Status)
	assert.True(t, res.Order.TotalAmount.Equal(dec("10075")), res.Order.TotalAmount.String())
	assert.True(t, res.Order.CommissionFee.Equal(dec("900")))
	assert.NotEmpty(t, res.Order.EscrowIntentID)

	rec, ok := s.gateway.Record(res.Order.EscrowIntentID)
	require.True(t, ok)
	assert.Equal(t, models.EscrowStatusAuthorized, rec.Status)
	assert.True(t, rec.Amount.Equal(dec("10075")))

	stored, err := s.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidStatusRejected, stored.FindBid(loser.Bid.ID).Status)

	loserOrder, err := s.store.GetOrder(ctx, loser.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, loserOrder.Status)

	assert.NotEmpty(t, s.notes.ForUser(buyer2.UserID))
}

func TestAcceptBid_OnlySellerMayAccept(t *testing.T) {
	s := newTestStack(t)
	l := s.createListing(t)
	placed := s.placeBid(t, buyer, l.ID, 2000)

	_, err := s.saga.AcceptBid(context.Background(), visitor, l.ID, placed.Bid.ID)
	assert.ErrorIs(t, err, marketerr.ErrForbidden)
}

func TestAcceptBid_CompensatesWhenEscrowFails(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	l := s.createListing(t)
	placed := s.placeBid(t, buyer, l.ID, 9000)

	declined := errors.New("card declined")
	s.gateway.FailNext(payment.OpAuthorize, declined)

	_, err := s.saga.AcceptBid(ctx, seller, l.ID, placed.Bid.ID)
	require.ErrorIs(t, err, declined)

	stored, err := s.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusActive, stored.Status)
	assert.Equal(t, models.BidStatusPending, stored.FindBid(placed.Bid.ID).Status)
	assert.True(t, stored.CurrentPrice.Equal(dec("1000")))

	reqs, err := s.store.QueryAuthenticationRequests(ctx, store.AuthenticationFilter{ListingID: l.ID})
	require.NoError(t, err)
	assert.Empty(t, reqs)

	o, err := s.store.GetOrder(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingBid, o.Status)

	// The bid remains acceptable once the processor recovers.
	res, err := s.saga.AcceptBid(ctx, seller, l.ID, placed.Bid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingPayment, res.Order.Status)
}

func TestAcceptBid_CreatesOrderWhenProvisionalMissing(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	l := s.createListing(t)
	placed := s.placeBid(t, buyer, l.ID, 3000)
	require.NoError(t, s.store.DeleteOrder(ctx, placed.Order.ID))

	res, err := s.saga.AcceptBid(ctx, seller, l.ID, placed.Bid.ID)
	require.NoError(t, err)
	assert.NotEqual(t, placed.Order.ID, res.Order.ID)
	assert.Equal(t, placed.Bid.ID, res.Order.BidID)
	assert.Equal(t, models.OrderStatusPendingPayment, res.Order.Status)
}

func TestAcceptBid_ConcurrentAcceptsHaveOneWinner(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	l := s.createListing(t)
	first := s.placeBid(t, buyer, l.ID, 9000)
	second := s.placeBid(t, buyer2, l.ID, 9500)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, bidID := range []string{first.Bid.ID, second.Bid.ID} {
		wg.Add(1)
		go func(i int, bidID string) {
			defer wg.Done()
			_, errs[i] = s.saga.AcceptBid(ctx, seller, l.ID, bidID)
		}(i, bidID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, marketerr.ErrNotActive)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, s.gateway.RecordsFor(models.EscrowPurposeWinningBidPayment), 1)

	stored, err := s.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	accepted := 0
	for _, b := range stored.Bids {
		if b.Status == models.BidStatusAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestHandleAuthenticationResult_DuplicateEventIsIgnored(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	o := s.authenticatingOrder(t)
	s.partner.finish(true)
	s.waitForStatus(t, o.ID, models.OrderStatusAuthenticated)

	event := &models.AuthenticationCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "auth-result-" + o.AuthenticationRequestID,
			EventType: models.EventTypeAuthenticationCompleted,
		},
		RequestID: o.AuthenticationRequestID,
		Status:    models.AuthStatusSuccess,
	}
	require.NoError(t, s.saga.HandleAuthenticationResult(ctx, event))

	event.EventID = "redelivered-under-new-id"
	require.NoError(t, s.saga.HandleAuthenticationResult(ctx, event))

	stored, err := s.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAuthenticated, stored.Status)
}

func TestHandleAuthenticationResult_RejectsOpenRequest(t *testing.T) {
	s := newTestStack(t)
	o := s.authenticatingOrder(t)

	err := s.saga.HandleAuthenticationResult(context.Background(), &models.AuthenticationCompletedEvent{
		BaseEvent: models.BaseEvent{EventID: "early", EventType: models.EventTypeAuthenticationCompleted},
		RequestID: o.AuthenticationRequestID,
	})
	assert.ErrorIs(t, err, marketerr.ErrWrongState)
}

// orderWriteFailingStore rejects order updates while failing is set.
type orderWriteFailingStore struct {
	store.Store
	failing atomic.Bool
}

func (s *orderWriteFailingStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	if s.failing.Load() {
		return errors.New("connection reset")
	}
	return s.Store.UpdateOrder(ctx, o)
}

func TestAcceptBid_UnpersistedPromotionIsReconciled(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	flaky := &orderWriteFailingStore{Store: s.store}
	s.saga.store = flaky

	l := s.createListing(t)
	placed := s.placeBid(t, buyer, l.ID, 9000)

	flaky.failing.Store(true)
	res, err := s.saga.AcceptBid(ctx, seller, l.ID, placed.Bid.ID)
	require.NoError(t, err)
	assert.True(t, res.Reconciling)
	assert.Equal(t, models.OrderStatusPendingBid, res.Order.Status)
	assert.Empty(t, res.Order.EscrowIntentID)

	stored, err := s.store.GetOrder(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingBid, stored.Status)

	listing, err := s.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusSold, listing.Status)
	bid := listing.FindBid(placed.Bid.ID)
	require.NotEmpty(t, bid.EscrowIntentID)

	// Still failing: nothing is promoted.
	n, err := s.saga.ReconcileAcceptedOrders(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	flaky.failing.Store(false)
	n, err = s.saga.ReconcileAcceptedOrders(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err = s.store.GetOrder(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingPayment, stored.Status)
	assert.Equal(t, res.AuthenticationRequest.ID, stored.AuthenticationRequestID)
	assert.Equal(t, bid.EscrowIntentID, stored.EscrowIntentID)
	assert.True(t, stored.TotalAmount.Equal(dec("10075")), stored.TotalAmount.String())
	require.NotNil(t, stored.PromotedAt)

	n, err = s.saga.ReconcileAcceptedOrders(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	// The reconciled order carries on as usual.
	paid, err := s.orders.ConfirmPayment(ctx, buyer, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAuthenticationInProgress, paid.Status)
}
