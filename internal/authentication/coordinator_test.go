package authentication

import (
	"context"
	"errors"
	"sync"
	"testing"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"
	"marketplace-core/internal/partner"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeRequestStore struct {
	mu   sync.Mutex
	reqs map[string]models.AuthenticationRequest
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{reqs: make(map[string]models.AuthenticationRequest)}
}

func (s *fakeRequestStore) SaveAuthenticationRequest(_ context.Context, req *models.AuthenticationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs[req.ID] = *req
	return nil
}

func (s *fakeRequestStore) GetAuthenticationRequest(_ context.Context, id string) (*models.AuthenticationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, marketerr.ErrNotFound
	}
	return &req, nil
}

func (s *fakeRequestStore) UpdateAuthenticationRequest(ctx context.Context, req *models.AuthenticationRequest) error {
	return s.SaveAuthenticationRequest(ctx, req)
}

func (s *fakeRequestStore) DeleteAuthenticationRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reqs, id)
	return nil
}

type mockPartnerAPI struct {
	mock.Mock
}

func (m *mockPartnerAPI) Submit(ctx context.Context, req partner.SubmitRequest) (*partner.SubmitResponse, error) {
	args := m.Called(ctx, req)
	if resp, ok := args.Get(0).(*partner.SubmitResponse); ok {
		return resp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPartnerAPI) GetStatus(ctx context.Context, id string) (*partner.StatusResponse, error) {
	args := m.Called(ctx, id)
	if resp, ok := args.Get(0).(*partner.StatusResponse); ok {
		return resp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPartnerAPI) GetResult(ctx context.Context, id string) (*partner.ResultResponse, error) {
	args := m.Called(ctx, id)
	if resp, ok := args.Get(0).(*partner.ResultResponse); ok {
		return resp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPartnerAPI) Cancel(ctx context.Context, id, reason string) (*partner.CancelResponse, error) {
	args := m.Called(ctx, id, reason)
	if resp, ok := args.Get(0).(*partner.CancelResponse); ok {
		return resp, args.Error(1)
	}
	return nil, args.Error(1)
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestCoordinator(api partner.API) (*Coordinator, *fakeRequestStore) {
	registry := NewRegistry(DefaultPartners()...)
	if api != nil {
		for _, p := range registry.All() {
			_ = registry.Attach(p.ID, api)
		}
	}
	st := newFakeRequestStore()
	return NewCoordinator(registry, st, DefaultCancellationFee), st
}

func testBid() (*models.Bid, *models.Listing) {
	listing := &models.Listing{ID: "item-1", SellerID: "seller-1", Title: "Gold chain", Status: models.ListingStatusActive}
	bid := &models.Bid{ID: "bid-1", ItemID: "item-1", BidderID: "buyer-1", Amount: d(9000), Status: models.BidStatusPending}
	return bid, listing
}

func TestCoordinator_OpenRequest(t *testing.T) {
	c, _ := newTestCoordinator(nil)
	bid, listing := testBid()

	req, err := c.OpenRequest(context.Background(), bid, listing, PartnerGeneral)
	require.NoError(t, err)

	assert.Equal(t, models.AuthStatusPending, req.Status)
	assert.Equal(t, "buyer-1", req.BuyerID)
	assert.Equal(t, "seller-1", req.SellerID)
	assert.True(t, req.AuthenticationFee.Equal(d(150)))
	assert.True(t, req.ShippingCosts.IsZero())
	assert.Nil(t, req.TotalSellerCosts)
	assert.True(t, req.EstimatedCompletion.After(req.CreatedAt))
}

func TestCoordinator_OpenRequest_UnknownPartner(t *testing.T) {
	c, _ := newTestCoordinator(nil)
	bid, listing := testBid()

	_, err := c.OpenRequest(context.Background(), bid, listing, "nobody")
	assert.ErrorIs(t, err, marketerr.ErrInvalidPartner)
}

// A failed case charges fee + shipping + cancellation: 150 + 25 + 45.
func TestCoordinator_RecordResult_FailureFreezesSellerCosts(t *testing.T) {
	ctx := context.Background()
	c, st := newTestCoordinator(nil)
	bid, listing := testBid()

	req, err := c.OpenRequest(ctx, bid, listing, PartnerGeneral)
	require.NoError(t, err)
	req.ShippingCosts = d(25)
	require.NoError(t, st.UpdateAuthenticationRequest(ctx, req))

	got, err := c.RecordResult(ctx, req.ID, Outcome{Success: false, Confidence: 0.97, Report: "counterfeit clasp"})
	require.NoError(t, err)

	assert.Equal(t, models.AuthStatusFailed, got.Status)
	require.NotNil(t, got.TotalSellerCosts)
	assert.True(t, got.TotalSellerCosts.Equal(d(220)), "got %s", got.TotalSellerCosts)
	require.NotNil(t, got.Result)
	assert.False(t, got.Result.IsAuthentic)

	_, err = c.RecordResult(ctx, req.ID, Outcome{Success: true})
	assert.ErrorIs(t, err, marketerr.ErrAlreadyTerminal)

	stored, err := st.GetAuthenticationRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuthStatusFailed, stored.Status)
	assert.True(t, stored.TotalSellerCosts.Equal(d(220)))
}

func TestCoordinator_RecordResult_Success(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(nil)
	bid, listing := testBid()

	req, err := c.OpenRequest(ctx, bid, listing, PartnerGeneral)
	require.NoError(t, err)

	got, err := c.RecordResult(ctx, req.ID, Outcome{Success: true, Confidence: 0.99, Report: "genuine"})
	require.NoError(t, err)
	assert.Equal(t, models.AuthStatusSuccess, got.Status)
	assert.Nil(t, got.TotalSellerCosts)
}

func TestCoordinator_RecordResult_NotFound(t *testing.T) {
	c, _ := newTestCoordinator(nil)
	_, err := c.RecordResult(context.Background(), "missing", Outcome{Success: true})
	assert.ErrorIs(t, err, marketerr.ErrNotFound)
}

func TestCoordinator_RecordResult_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(nil)
	bid, listing := testBid()
	req, err := c.OpenRequest(ctx, bid, listing, PartnerGeneral)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(success bool) {
			defer wg.Done()
			if _, err := c.RecordResult(ctx, req.ID, Outcome{Success: success}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i%2 == 0)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCoordinator_Submit(t *testing.T) {
	ctx := context.Background()
	api := new(mockPartnerAPI)
	c, _ := newTestCoordinator(api)
	bid, listing := testBid()

	req, err := c.OpenRequest(ctx, bid, listing, PartnerGeneral)
	require.NoError(t, err)

	api.On("Submit", mock.Anything, mock.MatchedBy(func(r partner.SubmitRequest) bool {
		return r.ReferenceID == req.ID && r.DeclaredValue.Equal(d(9000))
	})).Return(&partner.SubmitResponse{
		RequestID:     "ext-42",
		Status:        partner.StatusSubmitted,
		CostBreakdown: partner.CostBreakdown{AuthenticationFee: d(150), ShippingCost: d(25)},
		EstimatedDays: 5,
	}, nil).Once()

	got, err := c.Submit(ctx, req.ID, listing, d(9000))
	require.NoError(t, err)
	assert.Equal(t, models.AuthStatusInProgress, got.Status)
	assert.Equal(t, "ext-42", got.PartnerReference)
	assert.True(t, got.ShippingCosts.Equal(d(25)))

	// A second submission is a no-op.
	again, err := c.Submit(ctx, req.ID, listing, d(9000))
	require.NoError(t, err)
	assert.Equal(t, "ext-42", again.PartnerReference)
	api.AssertExpectations(t)
}

func TestCoordinator_Submit_PartnerDown(t *testing.T) {
	ctx := context.Background()
	api := new(mockPartnerAPI)
	c, st := newTestCoordinator(api)
	bid, listing := testBid()

	req, err := c.OpenRequest(ctx, bid, listing, PartnerGeneral)
	require.NoError(t, err)

	api.On("Submit", mock.Anything, mock.Anything).Return(nil, marketerr.ErrUnavailable)

	_, err = c.Submit(ctx, req.ID, listing, d(9000))
	assert.ErrorIs(t, err, marketerr.ErrUnavailable)

	stored, err := st.GetAuthenticationRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuthStatusPending, stored.Status)
}

// The partner's withdrawal fee is recorded on its own; the seller still owes the
// fixed cancellation fee: 150 + 25 + 45.
func TestCoordinator_Cancel_RecordsPartnerFeeSeparately(t *testing.T) {
	ctx := context.Background()
	api := new(mockPartnerAPI)
	c, st := newTestCoordinator(api)
	bid, listing := testBid()

	req, err := c.OpenRequest(ctx, bid, listing, PartnerGeneral)
	require.NoError(t, err)
	req.Status = models.AuthStatusInProgress
	req.PartnerReference = "ext-7"
	req.ShippingCosts = d(25)
	require.NoError(t, st.UpdateAuthenticationRequest(ctx, req))

	fee := d(60)
	api.On("Cancel", mock.Anything, "ext-7", "buyer cancelled").
		Return(&partner.CancelResponse{Success: true, CancellationFee: &fee}, nil).Once()

	got, err := c.Cancel(ctx, req.ID, "buyer cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.AuthStatusFailed, got.Status)
	assert.True(t, got.CancellationFee.Equal(DefaultCancellationFee), got.CancellationFee.String())
	assert.True(t, got.PartnerCancellationFee.Equal(d(60)), got.PartnerCancellationFee.String())
	assert.True(t, got.TotalSellerCosts.Equal(d(220)), got.TotalSellerCosts.String())
	api.AssertExpectations(t)
}

func TestCoordinator_Cancel_PendingCaseOwesNothing(t *testing.T) {
	ctx := context.Background()
	api := new(mockPartnerAPI)
	c, _ := newTestCoordinator(api)
	bid, listing := testBid()

	req, err := c.OpenRequest(ctx, bid, listing, PartnerGeneral)
	require.NoError(t, err)

	got, err := c.Cancel(ctx, req.ID, "buyer cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.AuthStatusFailed, got.Status)
	require.NotNil(t, got.TotalSellerCosts)
	assert.True(t, got.TotalSellerCosts.IsZero(), got.TotalSellerCosts.String())
	assert.True(t, got.PartnerCancellationFee.IsZero())
	api.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_Discard(t *testing.T) {
	ctx := context.Background()
	c, st := newTestCoordinator(nil)
	bid, listing := testBid()

	req, err := c.OpenRequest(ctx, bid, listing, PartnerGeneral)
	require.NoError(t, err)

	require.NoError(t, c.Discard(ctx, req.ID))
	_, err = st.GetAuthenticationRequest(ctx, req.ID)
	assert.True(t, errors.Is(err, marketerr.ErrNotFound))

	// Discarding twice is harmless.
	assert.NoError(t, c.Discard(ctx, req.ID))
}

func TestRegistry_Select(t *testing.T) {
	r := NewRegistry(DefaultPartners()...)

	tests := []struct {
		name    string
		listing models.Listing
		want    string
	}{
		{"diamonds win over brand", models.Listing{Brand: "Rolex", HasDiamonds: true}, PartnerDiamondLab},
		{"brand match is case insensitive", models.Listing{Brand: "CARTIER"}, "brand-cartier"},
		{"unknown brand falls back", models.Listing{Brand: "Acme"}, PartnerGeneral},
		{"no brand falls back", models.Listing{}, PartnerGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Select(&tt.listing)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.ID)
		})
	}
}

func TestRegistry_SelectWithoutGeneral(t *testing.T) {
	r := NewRegistry(Partner{ID: "brand-only", Brands: []string{"rolex"}, BaseFee: d(250), TurnaroundDays: 3})
	_, err := r.Select(&models.Listing{Brand: "Omega"})
	assert.ErrorIs(t, err, marketerr.ErrInvalidPartner)
}
