// Package ledger owns a listing and its embedded bids and counteroffers and enforces
// sale exclusivity and negotiation bounds. It mutates the listing passed in; callers
// re-fetch the listing immediately before each call and persist it afterwards. The
// ledger never notifies anyone: callers send the matching notice once the listing
// is saved.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultBidTTL is how long a bid stays acceptable after placement.
const DefaultBidTTL = 48 * time.Hour

// Ledger applies bid and counteroffer rules to listings.
type Ledger struct {
	bidTTL time.Duration
}

// New creates a ledger. A non-positive bidTTL falls back to DefaultBidTTL.
func New(bidTTL time.Duration) *Ledger {
	if bidTTL <= 0 {
		bidTTL = DefaultBidTTL
	}
	return &Ledger{bidTTL: bidTTL}
}

// ListingInput describes a new listing.
type ListingInput struct {
	Title         string          `json:"title" binding:"required"`
	Description   string          `json:"description"`
	Brand         string          `json:"brand"`
	Category      string          `json:"category"`
	HasDiamonds   bool            `json:"has_diamonds"`
	StartingPrice decimal.Decimal `json:"starting_price" binding:"required"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time" binding:"required"`
}

// CreateListing validates input and builds a listing. It is scheduled when the start
// time lies in the future and active otherwise.
func (l *Ledger) CreateListing(sellerID string, in ListingInput, now time.Time) (*models.Listing, error) {
	if sellerID == "" {
		return nil, fmt.Errorf("ledger: %w - missing seller", marketerr.ErrInvalidListing)
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("ledger: %w - title is required", marketerr.ErrInvalidListing)
	}
	if !in.StartingPrice.IsPositive() {
		return nil, fmt.Errorf("ledger: %w - starting price must be positive", marketerr.ErrInvalidListing)
	}

	start := in.StartTime
	if start.IsZero() {
		start = now
	}
	if !in.EndTime.After(start) || !in.EndTime.After(now) {
		return nil, fmt.Errorf("ledger: %w - end time must be after start time and now", marketerr.ErrInvalidListing)
	}

	status := models.ListingStatusActive
	if start.After(now) {
		status = models.ListingStatusScheduled
	}

	return &models.Listing{
		ID:            uuid.New().String(),
		SellerID:      sellerID,
		Title:         in.Title,
		Description:   in.Description,
		Brand:         in.Brand,
		Category:      in.Category,
		HasDiamonds:   in.HasDiamonds,
		StartingPrice: in.StartingPrice,
		CurrentPrice:  in.StartingPrice,
		Status:        status,
		Bids:          []models.Bid{},
		Counteroffers: []models.Counteroffer{},
		CreatedAt:     now,
		StartTime:     start,
		EndTime:       in.EndTime,
		UpdatedAt:     now,
	}, nil
}

// PlaceBid appends a pending bid. The listing's current price is left untouched until
// a bid is accepted.
func (l *Ledger) PlaceBid(listing *models.Listing, bidderID string, amount decimal.Decimal, now time.Time) (*models.Bid, error) {
	if listing.Status != models.ListingStatusActive {
		return nil, fmt.Errorf("ledger: %w - listing %s is %s", marketerr.ErrInvalidBid, listing.ID, listing.Status)
	}
	if !now.Before(listing.EndTime) {
		return nil, fmt.Errorf("ledger: %w - listing %s has ended", marketerr.ErrInvalidBid, listing.ID)
	}
	if bidderID == "" {
		return nil, fmt.Errorf("ledger: %w - missing bidder", marketerr.ErrInvalidBid)
	}
	if bidderID == listing.SellerID {
		return nil, fmt.Errorf("ledger: %w - sellers cannot bid on their own listing", marketerr.ErrInvalidBid)
	}
	if !amount.GreaterThan(listing.CurrentPrice) {
		return nil, fmt.Errorf("ledger: %w - amount must exceed current price %s", marketerr.ErrInvalidBid, listing.CurrentPrice.StringFixed(2))
	}

	expires := now.Add(l.bidTTL)
	bid := models.Bid{
		ID:        uuid.New().String(),
		ItemID:    listing.ID,
		BidderID:  bidderID,
		Amount:    amount,
		Timestamp: now,
		Status:    models.BidStatusPending,
		ExpiresAt: &expires,
	}
	listing.Bids = append(listing.Bids, bid)
	listing.UpdatedAt = now
	refreshHighest(listing)

	return &bid, nil
}

// CanAccept checks every acceptance precondition without mutating the listing.
func (l *Ledger) CanAccept(listing *models.Listing, bidID string, now time.Time) (*models.Bid, error) {
	if listing.Status != models.ListingStatusActive {
		return nil, fmt.Errorf("ledger: %w - listing %s is %s", marketerr.ErrNotActive, listing.ID, listing.Status)
	}
	bid := listing.FindBid(bidID)
	if bid == nil {
		return nil, fmt.Errorf("ledger: bid %s: %w", bidID, marketerr.ErrNotFound)
	}
	if bid.Status != models.BidStatusPending {
		return nil, fmt.Errorf("ledger: %w - bid %s is %s", marketerr.ErrNotPending, bidID, bid.Status)
	}
	if bid.ExpiresAt != nil && now.After(*bid.ExpiresAt) {
		return nil, fmt.Errorf("ledger: %w - bid %s expired at %s", marketerr.ErrExpired, bidID, bid.ExpiresAt.Format(time.RFC3339))
	}
	return bid, nil
}

// AcceptBid is the single irreversible point-of-sale transition. Every other open bid
// on the listing is rejected.
func (l *Ledger) AcceptBid(listing *models.Listing, bidID string, now time.Time) (*models.Bid, error) {
	bid, err := l.CanAccept(listing, bidID, now)
	if err != nil {
		return nil, err
	}

	listing.Status = models.ListingStatusSold
	listing.CurrentPrice = bid.Amount
	listing.HighestBidID = bid.ID
	listing.UpdatedAt = now

	bid.Status = models.BidStatusAccepted
	bid.AcceptedAt = &now

	for i := range listing.Bids {
		other := &listing.Bids[i]
		if other.ID == bid.ID {
			continue
		}
		if other.Status == models.BidStatusPending || other.Status == models.BidStatusCountered {
			other.Status = models.BidStatusRejected
			other.RejectedAt = &now
		}
	}
	for i := range listing.Counteroffers {
		if listing.Counteroffers[i].Status == models.CounterofferStatusPending {
			listing.Counteroffers[i].Status = models.CounterofferStatusRejected
			listing.Counteroffers[i].RespondedAt = &now
		}
	}

	accepted := *bid
	return &accepted, nil
}

// RejectBid rejects a pending or countered bid.
func (l *Ledger) RejectBid(listing *models.Listing, bidID string, now time.Time) (*models.Bid, error) {
	if listing.Status == models.ListingStatusSold {
		return nil, fmt.Errorf("ledger: %w - listing %s is sold", marketerr.ErrNotActive, listing.ID)
	}
	bid := listing.FindBid(bidID)
	if bid == nil {
		return nil, fmt.Errorf("ledger: bid %s: %w", bidID, marketerr.ErrNotFound)
	}
	if bid.Status != models.BidStatusPending && bid.Status != models.BidStatusCountered {
		return nil, fmt.Errorf("ledger: %w - bid %s is %s", marketerr.ErrNotPending, bidID, bid.Status)
	}

	bid.Status = models.BidStatusRejected
	bid.RejectedAt = &now
	for i := range listing.Counteroffers {
		co := &listing.Counteroffers[i]
		if co.BidID == bidID && co.Status == models.CounterofferStatusPending {
			co.Status = models.CounterofferStatusRejected
			co.RespondedAt = &now
		}
	}
	listing.UpdatedAt = now
	refreshHighest(listing)

	rejected := *bid
	return &rejected, nil
}

// MakeCounteroffer records a seller's revised price against a pending bid.
func (l *Ledger) MakeCounteroffer(listing *models.Listing, bidID string, amount decimal.Decimal, message string, now time.Time) (*models.Counteroffer, error) {
	if listing.Status != models.ListingStatusActive {
		return nil, fmt.Errorf("ledger: %w - listing %s is %s", marketerr.ErrNotActive, listing.ID, listing.Status)
	}
	if listing.CounterofferCount >= models.MaxCounteroffers {
		return nil, fmt.Errorf("ledger: %w - listing %s already has %d counteroffers", marketerr.ErrLimitExceeded, listing.ID, listing.CounterofferCount)
	}
	bid := listing.FindBid(bidID)
	if bid == nil {
		return nil, fmt.Errorf("ledger: bid %s: %w", bidID, marketerr.ErrNotFound)
	}
	if bid.Status != models.BidStatusPending {
		return nil, fmt.Errorf("ledger: %w - bid %s is %s", marketerr.ErrNotPending, bidID, bid.Status)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("ledger: %w - counter amount must be positive", marketerr.ErrInvalidCounteroffer)
	}

	co := models.Counteroffer{
		ID:             uuid.New().String(),
		ListingID:      listing.ID,
		BidID:          bid.ID,
		SellerID:       listing.SellerID,
		BuyerID:        bid.BidderID,
		OriginalAmount: bid.Amount,
		CounterAmount:  amount,
		Message:        message,
		Timestamp:      now,
		Status:         models.CounterofferStatusPending,
	}
	listing.Counteroffers = append(listing.Counteroffers, co)
	listing.CounterofferCount++
	listing.UpdatedAt = now
	bid.Status = models.BidStatusCountered
	refreshHighest(listing)

	return &co, nil
}

// RespondToCounteroffer lets the buyer accept or reject a pending counteroffer.
// Accepting re-arms the bid at the counter amount so the seller can accept it.
func (l *Ledger) RespondToCounteroffer(listing *models.Listing, counterofferID, buyerID string, accept bool, now time.Time) (*models.Counteroffer, error) {
	if listing.Status != models.ListingStatusActive {
		return nil, fmt.Errorf("ledger: %w - listing %s is %s", marketerr.ErrNotActive, listing.ID, listing.Status)
	}
	co := listing.FindCounteroffer(counterofferID)
	if co == nil {
		return nil, fmt.Errorf("ledger: counteroffer %s: %w", counterofferID, marketerr.ErrNotFound)
	}
	if co.BuyerID != buyerID {
		return nil, fmt.Errorf("ledger: %w - only the bidder may respond", marketerr.ErrForbidden)
	}
	if co.Status != models.CounterofferStatusPending {
		return nil, fmt.Errorf("ledger: %w - counteroffer %s is %s", marketerr.ErrNotPending, counterofferID, co.Status)
	}
	bid := listing.FindBid(co.BidID)
	if bid == nil {
		return nil, fmt.Errorf("ledger: bid %s: %w", co.BidID, marketerr.ErrNotFound)
	}

	co.RespondedAt = &now
	if accept {
		co.Status = models.CounterofferStatusAccepted
		expires := now.Add(l.bidTTL)
		bid.Amount = co.CounterAmount
		bid.Status = models.BidStatusPending
		bid.ExpiresAt = &expires
	} else {
		co.Status = models.CounterofferStatusRejected
		bid.Status = models.BidStatusRejected
		bid.RejectedAt = &now
	}
	listing.UpdatedAt = now
	refreshHighest(listing)

	answered := *co
	return &answered, nil
}

// Activate moves a scheduled listing to active once its start time is reached.
func (l *Ledger) Activate(listing *models.Listing, now time.Time) bool {
	if listing.Status != models.ListingStatusScheduled || now.Before(listing.StartTime) {
		return false
	}
	listing.Status = models.ListingStatusActive
	listing.UpdatedAt = now
	return true
}

// ExpireBids marks pending bids past their expiry as expired and returns their ids.
func (l *Ledger) ExpireBids(listing *models.Listing, now time.Time) []string {
	var expired []string
	for i := range listing.Bids {
		bid := &listing.Bids[i]
		if bid.Status == models.BidStatusPending && bid.ExpiresAt != nil && now.After(*bid.ExpiresAt) {
			bid.Status = models.BidStatusExpired
			expired = append(expired, bid.ID)
		}
	}
	if len(expired) > 0 {
		listing.UpdatedAt = now
		refreshHighest(listing)
	}
	return expired
}

// ExpireListing closes an unsold listing whose end time has passed. Open bids expire
// with it; their ids are returned.
func (l *Ledger) ExpireListing(listing *models.Listing, now time.Time) ([]string, bool) {
	if listing.Status != models.ListingStatusActive && listing.Status != models.ListingStatusScheduled {
		return nil, false
	}
	if now.Before(listing.EndTime) {
		return nil, false
	}

	var expired []string
	for i := range listing.Bids {
		bid := &listing.Bids[i]
		if bid.Status == models.BidStatusPending || bid.Status == models.BidStatusCountered {
			bid.Status = models.BidStatusExpired
			expired = append(expired, bid.ID)
		}
	}
	for i := range listing.Counteroffers {
		if listing.Counteroffers[i].Status == models.CounterofferStatusPending {
			listing.Counteroffers[i].Status = models.CounterofferStatusRejected
			listing.Counteroffers[i].RespondedAt = &now
		}
	}
	listing.Status = models.ListingStatusExpired
	listing.HighestBidID = ""
	listing.UpdatedAt = now
	return expired, true
}

// HighestBid returns the highest pending bid; ties go to the earliest timestamp and
// then to the earlier position in the listing.
func HighestBid(listing *models.Listing) *models.Bid {
	var best *models.Bid
	for i := range listing.Bids {
		bid := &listing.Bids[i]
		if bid.Status != models.BidStatusPending {
			continue
		}
		if best == nil ||
			bid.Amount.GreaterThan(best.Amount) ||
			(bid.Amount.Equal(best.Amount) && bid.Timestamp.Before(best.Timestamp)) {
			best = bid
		}
	}
	return best
}

func refreshHighest(listing *models.Listing) {
	if best := HighestBid(listing); best != nil {
		listing.HighestBidID = best.ID
		return
	}
	listing.HighestBidID = ""
}
