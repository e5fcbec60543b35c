package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketplace-core/internal/authentication"
	"marketplace-core/internal/broker"
	"marketplace-core/internal/ledger"
	"marketplace-core/internal/models"
	"marketplace-core/internal/notify"
	"marketplace-core/internal/orders"
	"marketplace-core/internal/partner"
	"marketplace-core/internal/payment"
	"marketplace-core/internal/pricing"
	"marketplace-core/internal/shipping"
	"marketplace-core/internal/store"
	"marketplace-core/internal/syncutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	seller  = models.Actor{UserID: "seller-1", Verified: true}
	buyer   = models.Actor{UserID: "buyer-1", Verified: true}
	buyer2  = models.Actor{UserID: "buyer-2", Verified: true}
	visitor = models.Actor{UserID: "visitor-1", Verified: true}
)

// scriptedPartner reports whatever status the test sets.
type scriptedPartner struct {
	mu        sync.Mutex
	status    string
	result    *partner.ResultResponse
	cancelFee *decimal.Decimal
	submitErr error
	submitted int
	cancelled int
}

func newScriptedPartner() *scriptedPartner {
	return &scriptedPartner{status: partner.StatusInProgress}
}

func (p *scriptedPartner) Submit(_ context.Context, req partner.SubmitRequest) (*partner.SubmitResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return nil, p.submitErr
	}
	p.submitted++
	return &partner.SubmitResponse{
		RequestID: "ref-" + req.ReferenceID,
		Status:    partner.StatusSubmitted,
		CostBreakdown: partner.CostBreakdown{
			AuthenticationFee: decimal.NewFromInt(150),
			ShippingCost:      decimal.NewFromInt(25),
		},
		EstimatedDays: 5,
	}, nil
}

func (p *scriptedPartner) GetStatus(context.Context, string) (*partner.StatusResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &partner.StatusResponse{Status: p.status, Progress: 50}, nil
}

func (p *scriptedPartner) GetResult(context.Context, string) (*partner.ResultResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		return &partner.ResultResponse{}, nil
	}
	res := *p.result
	return &res, nil
}

func (p *scriptedPartner) Cancel(context.Context, string, string) (*partner.CancelResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled++
	p.status = partner.StatusCancelled
	return &partner.CancelResponse{Success: true, CancellationFee: p.cancelFee}, nil
}

func (p *scriptedPartner) finish(authentic bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if authentic {
		p.status = partner.StatusCompleted
		p.result = &partner.ResultResponse{IsAuthentic: true, Confidence: 0.98, Report: "genuine"}
		return
	}
	p.status = partner.StatusFailed
	p.result = &partner.ResultResponse{IsAuthentic: false, Confidence: 0.91, Report: "counterfeit movement"}
}

func (p *scriptedPartner) counts() (submitted, cancelled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted, p.cancelled
}

// trackedShipping buys labels from the flat-rate provider but lets the test decide
// when parcels arrive.
type trackedShipping struct {
	*shipping.FlatRateProvider
	delivered atomic.Bool
}

func (p *trackedShipping) Track(ctx context.Context, trackingNumber string) (*shipping.Tracking, error) {
	tr, err := p.FlatRateProvider.Track(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	tr.Delivered = p.delivered.Load()
	return tr, nil
}

type testStack struct {
	store    *store.MemoryStore
	gateway  *payment.MemoryGateway
	partner  *scriptedPartner
	shipping *trackedShipping
	notes    *notify.Recorder
	auth     *authentication.Coordinator
	listings *ListingService
	saga     *SagaOrchestrator
	orders   *OrderService
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	st := store.NewMemoryStore(0)
	fake := newScriptedPartner()
	registry := authentication.NewRegistry(authentication.DefaultPartners()...)
	for _, p := range registry.All() {
		require.NoError(t, registry.Attach(p.ID, fake))
	}
	coordinator := authentication.NewCoordinator(registry, st, authentication.DefaultCancellationFee)

	handler := broker.NewEventHandler()
	publisher := broker.NewEventPublisher(broker.NewLocalBus(handler), nil)
	notes := &notify.Recorder{}
	locks := syncutil.NewKeyedMutex()
	ldg := ledger.New(48*time.Hour)
	mgr := orders.NewManager(orders.DefaultReturnWindow)
	engine := pricing.NewEngine(pricing.DefaultShippingCost, nil)
	gateway := payment.NewMemoryGateway()
	escrow := NewEscrowService(gateway, publisher)
	ship := &trackedShipping{FlatRateProvider: shipping.NewFlatRateProvider("ups", decimal.NewFromInt(25), 2)}

	s := &testStack{
		store:    st,
		gateway:  gateway,
		partner:  fake,
		shipping: ship,
		notes:    notes,
		auth:     coordinator,
	}
	s.listings = NewListingService(st, ldg, mgr, engine, coordinator, locks, syncutil.NewIdempotencyMap(), notes, publisher)
	s.saga = NewSagaOrchestrator(st, ldg, mgr, engine, coordinator, escrow, locks, notes, publisher)
	s.orders = NewOrderService(st, mgr, coordinator, escrow, ship, locks, notes, publisher, 10*time.Millisecond)
	handler.OnAuthenticationCompleted(s.saga.HandleAuthenticationResult)

	t.Cleanup(s.orders.Close)
	return s
}

func (s *testStack) createListing(t *testing.T) *models.Listing {
	t.Helper()
	l, err := s.listings.CreateListing(context.Background(), seller, ledger.ListingInput{
		Title:         "Vintage chronograph",
		Category:      "watches",
		StartingPrice: decimal.NewFromInt(1000),
		EndTime:       time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return l
}

func (s *testStack) placeBid(t *testing.T, actor models.Actor, listingID string, amount int64) *PlaceBidResult {
	t.Helper()
	res, err := s.listings.PlaceBid(context.Background(), actor, listingID, decimal.NewFromInt(amount), "")
	require.NoError(t, err)
	return res
}

// acceptedOrder drives a 9000 bid through acceptance and returns the promoted order.
func (s *testStack) acceptedOrder(t *testing.T) *models.Order {
	t.Helper()
	l := s.createListing(t)
	placed := s.placeBid(t, buyer, l.ID, 9000)
	res, err := s.saga.AcceptBid(context.Background(), seller, l.ID, placed.Bid.ID)
	require.NoError(t, err)
	return res.Order
}

// authenticatingOrder pays for an accepted order, which submits it for authentication.
func (s *testStack) authenticatingOrder(t *testing.T) *models.Order {
	t.Helper()
	o := s.acceptedOrder(t)
	o, err := s.orders.ConfirmPayment(context.Background(), buyer, o.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAuthenticationInProgress, o.Status)
	return o
}

func (s *testStack) waitForStatus(t *testing.T, orderID, status string) *models.Order {
	t.Helper()
	var last *models.Order
	require.Eventually(t, func() bool {
		o, err := s.store.GetOrder(context.Background(), orderID)
		if err != nil {
			return false
		}
		last = o
		return o.Status == status
	}, 3*time.Second, 10*time.Millisecond)
	return last
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}
