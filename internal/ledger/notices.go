package ledger

import (
	"fmt"
	"time"

	"marketplace-core/internal/models"
)

// BidPlacedNotice tells the seller about a new bid.
func BidPlacedNotice(listing *models.Listing, bid *models.Bid, now time.Time) models.Notification {
	return models.Notification{
		UserID:     listing.SellerID,
		Title:      "New bid received",
		Message:    fmt.Sprintf("A bid of $%s was placed on %q.", bid.Amount.StringFixed(2), listing.Title),
		Type:       models.NotificationBidPlaced,
		RelatedIDs: map[string]string{"listing_id": listing.ID, "bid_id": bid.ID},
		CreatedAt:  now,
	}
}

// BidRejectedNotice tells the bidder their bid was declined.
func BidRejectedNotice(listing *models.Listing, bid *models.Bid, now time.Time) models.Notification {
	return models.Notification{
		UserID:     bid.BidderID,
		Title:      "Bid declined",
		Message:    fmt.Sprintf("Your bid of $%s on %q was declined.", bid.Amount.StringFixed(2), listing.Title),
		Type:       models.NotificationBidRejected,
		RelatedIDs: map[string]string{"listing_id": listing.ID, "bid_id": bid.ID},
		CreatedAt:  now,
	}
}

// CounterofferNotice tells the bidder the seller countered.
func CounterofferNotice(listing *models.Listing, co *models.Counteroffer, now time.Time) models.Notification {
	return models.Notification{
		UserID: co.BuyerID,
		Title:  "Counteroffer received",
		Message: fmt.Sprintf("The seller countered your $%s bid on %q with $%s.",
			co.OriginalAmount.StringFixed(2), listing.Title, co.CounterAmount.StringFixed(2)),
		Type:       models.NotificationCounteroffer,
		RelatedIDs: map[string]string{"listing_id": listing.ID, "bid_id": co.BidID, "counteroffer_id": co.ID},
		CreatedAt:  now,
	}
}

// CounterResponseNotice tells the seller how the buyer answered.
func CounterResponseNotice(listing *models.Listing, co *models.Counteroffer, now time.Time) models.Notification {
	title := "Counteroffer declined"
	if co.Status == models.CounterofferStatusAccepted {
		title = "Counteroffer accepted"
	}
	return models.Notification{
		UserID:     listing.SellerID,
		Title:      title,
		Message:    fmt.Sprintf("The buyer responded to your $%s counteroffer on %q.", co.CounterAmount.StringFixed(2), listing.Title),
		Type:       models.NotificationCounterResponse,
		RelatedIDs: map[string]string{"listing_id": listing.ID, "bid_id": co.BidID, "counteroffer_id": co.ID},
		CreatedAt:  now,
	}
}
