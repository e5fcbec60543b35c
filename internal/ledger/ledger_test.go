package ledger

import (
	"testing"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newActiveListing(current int64) *models.Listing {
	return &models.Listing{
		ID:            "listing-1",
		SellerID:      "seller",
		Title:         "Vintage chronograph",
		StartingPrice: usd(current),
		CurrentPrice:  usd(current),
		Status:        models.ListingStatusActive,
		CreatedAt:     t0.Add(-time.Hour),
		StartTime:     t0.Add(-time.Hour),
		EndTime:       t0.Add(7 * 24 * time.Hour),
	}
}

func newLedger() *Ledger {
	return New(0)
}

func TestPlaceBid_LeavesCurrentPriceUntouched(t *testing.T) {
	l := newLedger()
	listing := newActiveListing(8500)

	bid, err := l.PlaceBid(listing, "buyer", usd(9000), t0)
	require.NoError(t, err)

	assert.Equal(t, models.BidStatusPending, bid.Status)
	assert.True(t, listing.CurrentPrice.Equal(usd(8500)))
	assert.Equal(t, bid.ID, listing.HighestBidID)
	require.NotNil(t, bid.ExpiresAt)
	assert.Equal(t, t0.Add(DefaultBidTTL), *bid.ExpiresAt)
}

func TestPlaceBid_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Listing)
		bidder string
		amount int64
		at     time.Time
	}{
		{name: "amount_equal_to_current", bidder: "buyer", amount: 8500, at: t0},
		{name: "amount_below_current", bidder: "buyer", amount: 100, at: t0},
		{name: "self_bid", bidder: "seller", amount: 9000, at: t0},
		{name: "empty_bidder", bidder: "", amount: 9000, at: t0},
		{name: "listing_ended", bidder: "buyer", amount: 9000, at: t0.Add(8 * 24 * time.Hour)},
		{name: "listing_scheduled", bidder: "buyer", amount: 9000, at: t0,
			mutate: func(l *models.Listing) { l.Status = models.ListingStatusScheduled }},
		{name: "listing_expired", bidder: "buyer", amount: 9000, at: t0,
			mutate: func(l *models.Listing) { l.Status = models.ListingStatusExpired }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLedger()
			listing := newActiveListing(8500)
			if tt.mutate != nil {
				tt.mutate(listing)
			}

			_, err := l.PlaceBid(listing, tt.bidder, usd(tt.amount), tt.at)

			assert.ErrorIs(t, err, marketerr.ErrInvalidBid)
			assert.Empty(t, listing.Bids)
		})
	}
}

func TestAcceptBid_ClosesListing(t *testing.T) {
	l := newLedger()
	listing := newActiveListing(8500)

	winner, err := l.PlaceBid(listing, "buyer", usd(9000), t0)
	require.NoError(t, err)
	other, err := l.PlaceBid(listing, "buyer-2", usd(8800), t0.Add(time.Minute))
	require.NoError(t, err)

	accepted, err := l.AcceptBid(listing, winner.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, models.ListingStatusSold, listing.Status)
	assert.True(t, listing.CurrentPrice.Equal(usd(9000)))
	assert.Equal(t, models.BidStatusAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)
	assert.Equal(t, models.BidStatusRejected, listing.FindBid(other.ID).Status)
}

func TestSoldListing_RejectsFurtherBidsAndAcceptance(t *testing.T) {
	l := newLedger()
	listing := newActiveListing(8500)

	first, err := l.PlaceBid(listing, "buyer", usd(9000), t0)
	require.NoError(t, err)
	second, err := l.PlaceBid(listing, "buyer-2", usd(9100), t0)
	require.NoError(t, err)
	_, err = l.AcceptBid(listing, first.ID, t0)
	require.NoError(t, err)

	_, err = l.PlaceBid(listing, "buyer-3", usd(20000), t0)
	assert.ErrorIs(t, err, marketerr.ErrInvalidBid)

	_, err = l.AcceptBid(listing, second.ID, t0)
	assert.ErrorIs(t, err, marketerr.ErrNotActive)

	_, err = l.AcceptBid(listing, first.ID, t0)
	assert.ErrorIs(t, err, marketerr.ErrNotActive)
	assert.True(t, listing.CurrentPrice.Equal(usd(9000)))
}

func TestAcceptBid_Failures(t *testing.T) {
	l := newLedger()

	t.Run("not_found", func(t *testing.T) {
		listing := newActiveListing(100)
		_, err := l.AcceptBid(listing, "missing", t0)
		assert.ErrorIs(t, err, marketerr.ErrNotFound)
	})

	t.Run("not_pending", func(t *testing.T) {
		listing := newActiveListing(100)
		bid, err := l.PlaceBid(listing, "buyer", usd(150), t0)
		require.NoError(t, err)
		_, err = l.RejectBid(listing, bid.ID, t0)
		require.NoError(t, err)

		_, err = l.AcceptBid(listing, bid.ID, t0)
		assert.ErrorIs(t, err, marketerr.ErrNotPending)
	})

	t.Run("expired", func(t *testing.T) {
		listing := newActiveListing(100)
		bid, err := l.PlaceBid(listing, "buyer", usd(150), t0)
		require.NoError(t, err)

		_, err = l.AcceptBid(listing, bid.ID, t0.Add(DefaultBidTTL+time.Second))
		assert.ErrorIs(t, err, marketerr.ErrExpired)
		assert.Equal(t, models.ListingStatusActive, listing.Status)
	})
}

func TestHighestBid_TieBreaksOnEarliestTimestamp(t *testing.T) {
	l := newLedger()
	listing := newActiveListing(100)

	late, err := l.PlaceBid(listing, "late", usd(500), t0.Add(2*time.Minute))
	require.NoError(t, err)
	early, err := l.PlaceBid(listing, "early", usd(500), t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = l.PlaceBid(listing, "low", usd(300), t0)
	require.NoError(t, err)

	assert.Equal(t, early.ID, HighestBid(listing).ID)
	assert.Equal(t, early.ID, listing.HighestBidID)

	_, err = l.RejectBid(listing, early.ID, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, late.ID, listing.HighestBidID)
}

func TestHighestBid_SameTimestampFirstSeenWins(t *testing.T) {
	l := newLedger()
	listing := newActiveListing(100)

	first, err := l.PlaceBid(listing, "a", usd(500), t0)
	require.NoError(t, err)
	_, err = l.PlaceBid(listing, "b", usd(500), t0)
	require.NoError(t, err)

	assert.Equal(t, first.ID, HighestBid(listing).ID)
}

func TestMakeCounteroffer_CapsAtThree(t *testing.T) {
	l := newLedger()
	listing := newActiveListing(100)

	for i := 0; i < models.MaxCounteroffers; i++ {
		bid, err := l.PlaceBid(listing, "buyer", usd(int64(200+i)), t0)
		require.NoError(t, err)
		co, err := l.MakeCounteroffer(listing, bid.ID, usd(400), "meet me higher", t0)
		require.NoError(t, err)
		assert.Equal(t, models.CounterofferStatusPending, co.Status)
		assert.Equal(t, models.BidStatusCountered, listing.FindBid(bid.ID).Status)
	}

	fourth, err := l.PlaceBid(listing, "buyer", usd(250), t0)
	require.NoError(t, err)
	_, err = l.MakeCounteroffer(listing, fourth.ID, usd(400), "", t0)

	assert.ErrorIs(t, err, marketerr.ErrLimitExceeded)
	assert.Equal(t, models.MaxCounteroffers, listing.CounterofferCount)
	assert.Len(t, listing.Counteroffers, models.MaxCounteroffers)
	assert.Equal(t, models.BidStatusPending, listing.FindBid(fourth.ID).Status)
}

func TestMakeCounteroffer_RequiresPendingBid(t *testing.T) {
	l := newLedger()
	listing := newActiveListing(100)

	bid, err := l.PlaceBid(listing, "buyer", usd(200), t0)
	require.NoError(t, err)
	_, err = l.MakeCounteroffer(listing, bid.ID, usd(300), "", t0)
	require.NoError(t, err)

	_, err = l.MakeCounteroffer(listing, bid.ID, usd(280), "", t0)
	assert.ErrorIs(t, err, marketerr.ErrNotPending)

	_, err = l.MakeCounteroffer(listing, "missing", usd(280), "", t0)
	assert.ErrorIs(t, err, marketerr.ErrNotFound)
	assert.Equal(t, 1, listing.CounterofferCount)
}

func TestRespondToCounteroffer(t *testing.T) {

	t.Run("accept_rearms_bid", func(t *testing.T) {
		l := newLedger()
		listing := newActiveListing(100)
		bid, err := l.PlaceBid(listing, "buyer", usd(200), t0)
		require.NoError(t, err)
		co, err := l.MakeCounteroffer(listing, bid.ID, usd(260), "", t0)
		require.NoError(t, err)

		answered, err := l.RespondToCounteroffer(listing, co.ID, "buyer", true, t0.Add(time.Hour))
		require.NoError(t, err)

		assert.Equal(t, models.CounterofferStatusAccepted, answered.Status)
		rearmed := listing.FindBid(bid.ID)
		assert.Equal(t, models.BidStatusPending, rearmed.Status)
		assert.True(t, rearmed.Amount.Equal(usd(260)))
		assert.Equal(t, bid.ID, listing.HighestBidID)

		_, err = l.AcceptBid(listing, bid.ID, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.True(t, listing.CurrentPrice.Equal(usd(260)))
	})

	t.Run("reject_closes_bid", func(t *testing.T) {
		l := newLedger()
		listing := newActiveListing(100)
		bid, err := l.PlaceBid(listing, "buyer", usd(200), t0)
		require.NoError(t, err)
		co, err := l.MakeCounteroffer(listing, bid.ID, usd(260), "", t0)
		require.NoError(t, err)

		_, err = l.RespondToCounteroffer(listing, co.ID, "buyer", false, t0)
		require.NoError(t, err)
		assert.Equal(t, models.BidStatusRejected, listing.FindBid(bid.ID).Status)

		_, err = l.RespondToCounteroffer(listing, co.ID, "buyer", true, t0)
		assert.ErrorIs(t, err, marketerr.ErrNotPending)
	})

	t.Run("only_buyer", func(t *testing.T) {
		l := newLedger()
		listing := newActiveListing(100)
		bid, err := l.PlaceBid(listing, "buyer", usd(200), t0)
		require.NoError(t, err)
		co, err := l.MakeCounteroffer(listing, bid.ID, usd(260), "", t0)
		require.NoError(t, err)

		_, err = l.RespondToCounteroffer(listing, co.ID, "intruder", true, t0)
		assert.ErrorIs(t, err, marketerr.ErrForbidden)
	})
}

func TestCreateListing(t *testing.T) {
	l := newLedger()

	scheduled, err := l.CreateListing("seller", ListingInput{
		Title:         "Diamond tennis bracelet",
		StartingPrice: usd(3000),
		StartTime:     t0.Add(time.Hour),
		EndTime:       t0.Add(48 * time.Hour),
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusScheduled, scheduled.Status)
	assert.True(t, scheduled.CurrentPrice.Equal(usd(3000)))

	assert.False(t, l.Activate(scheduled, t0))
	assert.True(t, l.Activate(scheduled, t0.Add(time.Hour)))
	assert.Equal(t, models.ListingStatusActive, scheduled.Status)

	_, err = l.CreateListing("seller", ListingInput{Title: "x", StartingPrice: usd(0), EndTime: t0.Add(time.Hour)}, t0)
	assert.ErrorIs(t, err, marketerr.ErrInvalidListing)

	_, err = l.CreateListing("seller", ListingInput{Title: "x", StartingPrice: usd(10), EndTime: t0}, t0)
	assert.ErrorIs(t, err, marketerr.ErrInvalidListing)
}

func TestExpiry(t *testing.T) {
	l := newLedger()
	listing := newActiveListing(100)

	old, err := l.PlaceBid(listing, "a", usd(200), t0)
	require.NoError(t, err)
	fresh, err := l.PlaceBid(listing, "b", usd(150), t0.Add(DefaultBidTTL))
	require.NoError(t, err)

	expired := l.ExpireBids(listing, t0.Add(DefaultBidTTL+time.Minute))
	assert.Equal(t, []string{old.ID}, expired)
	assert.Equal(t, fresh.ID, listing.HighestBidID)

	ids, ok := l.ExpireListing(listing, listing.EndTime)
	require.True(t, ok)
	assert.Equal(t, []string{fresh.ID}, ids)
	assert.Equal(t, models.ListingStatusExpired, listing.Status)

	_, ok = l.ExpireListing(listing, listing.EndTime.Add(time.Hour))
	assert.False(t, ok)
}
