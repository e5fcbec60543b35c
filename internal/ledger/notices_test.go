package ledger

import (
	"testing"

	"marketplace-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotices_AddressTheOtherParty(t *testing.T) {
	l := newLedger()
	listing := newActiveListing(100)

	bid, err := l.PlaceBid(listing, "buyer", usd(200), t0)
	require.NoError(t, err)
	placed := BidPlacedNotice(listing, bid, t0)
	assert.Equal(t, "seller", placed.UserID)
	assert.Equal(t, models.NotificationBidPlaced, placed.Type)
	assert.Equal(t, bid.ID, placed.RelatedIDs["bid_id"])
	assert.Contains(t, placed.Message, "$200.00")

	co, err := l.MakeCounteroffer(listing, bid.ID, usd(260), "", t0)
	require.NoError(t, err)
	countered := CounterofferNotice(listing, co, t0)
	assert.Equal(t, "buyer", countered.UserID)
	assert.Equal(t, models.NotificationCounteroffer, countered.Type)
	assert.Contains(t, countered.Message, "$200.00 bid")
	assert.Contains(t, countered.Message, "$260.00")

	answered, err := l.RespondToCounteroffer(listing, co.ID, "buyer", true, t0)
	require.NoError(t, err)
	response := CounterResponseNotice(listing, answered, t0)
	assert.Equal(t, "seller", response.UserID)
	assert.Equal(t, "Counteroffer accepted", response.Title)
	assert.Equal(t, co.ID, response.RelatedIDs["counteroffer_id"])

	rejected, err := l.RejectBid(listing, bid.ID, t0)
	require.NoError(t, err)
	declined := BidRejectedNotice(listing, rejected, t0)
	assert.Equal(t, "buyer", declined.UserID)
	assert.Equal(t, models.NotificationBidRejected, declined.Type)
	assert.Contains(t, declined.Message, "$260.00")
}
