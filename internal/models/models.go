package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Actor is the explicit per-call session context of the user performing an operation.
type Actor struct {
	UserID   string
	Verified bool
}

// Listing statuses
const (
	ListingStatusScheduled = "scheduled"
	ListingStatusActive    = "active"
	ListingStatusSold      = "sold"
	ListingStatusExpired   = "expired"
)

// MaxCounteroffers is the negotiation cap per listing.
const MaxCounteroffers = 3

// Listing is a sellable item open for bidding within a time window. It exclusively
// owns its bids and counteroffers.
type Listing struct {
	ID                string          `json:"id"`
	SellerID          string          `json:"seller_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Brand             string          `json:"brand,omitempty"`
	Category          string          `json:"category,omitempty"`
	HasDiamonds       bool            `json:"has_diamonds"`
	StartingPrice     decimal.Decimal `json:"starting_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	Status            string          `json:"status"`
	HighestBidID      string          `json:"highest_bid_id,omitempty"`
	Bids              []Bid           `json:"bids"`
	Counteroffers     []Counteroffer  `json:"counteroffers"`
	CounterofferCount int             `json:"counteroffer_count"`
	CreatedAt         time.Time       `json:"created_at"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           time.Time       `json:"end_time"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// FindBid returns a pointer into the listing's bid collection.
func (l *Listing) FindBid(bidID string) *Bid {
	for i := range l.Bids {
		if l.Bids[i].ID == bidID {
			return &l.Bids[i]
		}
	}
	return nil
}

// FindCounteroffer returns a pointer into the listing's counteroffer collection.
func (l *Listing) FindCounteroffer(id string) *Counteroffer {
	for i := range l.Counteroffers {
		if l.Counteroffers[i].ID == id {
			return &l.Counteroffers[i]
		}
	}
	return nil
}

// Clone returns a deep copy so stored snapshots never alias caller-held values.
func (l *Listing) Clone() *Listing {
	cp := *l
	cp.Bids = append([]Bid(nil), l.Bids...)
	cp.Counteroffers = append([]Counteroffer(nil), l.Counteroffers...)
	return &cp
}

// Bid statuses
const (
	BidStatusPending   = "pending"
	BidStatusAccepted  = "accepted"
	BidStatusRejected  = "rejected"
	BidStatusCountered = "countered"
	BidStatusExpired   = "expired"
)

// Bid is a buyer's monetary offer against a listing.
type Bid struct {
	ID                      string          `json:"id"`
	ItemID                  string          `json:"item_id"`
	BidderID                string          `json:"bidder_id"`
	Amount                  decimal.Decimal `json:"amount"`
	Timestamp               time.Time       `json:"timestamp"`
	Status                  string          `json:"status"`
	ExpiresAt               *time.Time      `json:"expires_at,omitempty"`
	AcceptedAt              *time.Time      `json:"accepted_at,omitempty"`
	RejectedAt              *time.Time      `json:"rejected_at,omitempty"`
	AuthenticationRequestID string          `json:"authentication_request_id,omitempty"`
	EscrowIntentID          string          `json:"escrow_intent_id,omitempty"`
}

// Counteroffer statuses
const (
	CounterofferStatusPending  = "pending"
	CounterofferStatusAccepted = "accepted"
	CounterofferStatusRejected = "rejected"
)

// Counteroffer is a seller's revised price in response to a bid.
type Counteroffer struct {
	ID             string          `json:"id"`
	ListingID      string          `json:"listing_id"`
	BidID          string          `json:"bid_id"`
	SellerID       string          `json:"seller_id"`
	BuyerID        string          `json:"buyer_id"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	CounterAmount  decimal.Decimal `json:"counter_amount"`
	Message        string          `json:"message"`
	Timestamp      time.Time       `json:"timestamp"`
	Status         string          `json:"status"`
	RespondedAt    *time.Time      `json:"responded_at,omitempty"`
}

// Authentication request statuses
const (
	AuthStatusPending    = "pending"
	AuthStatusInProgress = "in-progress"
	AuthStatusSuccess    = "success"
	AuthStatusFailed     = "failed"
)

// AuthenticationRequest is a third-party authenticity case tied to one accepted bid.
type AuthenticationRequest struct {
	ID                     string                `db:"id" json:"id"`
	BidID                  string                `db:"bid_id" json:"bid_id"`
	BuyerID                string                `db:"buyer_id" json:"buyer_id"`
	SellerID               string                `db:"seller_id" json:"seller_id"`
	ListingID              string                `db:"listing_id" json:"listing_id"`
	PartnerID              string                `db:"partner_id" json:"partner_id"`
	PartnerReference       string                `db:"partner_reference" json:"partner_reference,omitempty"`
	Status                 string                `db:"status" json:"status"`
	AuthenticationFee      decimal.Decimal       `db:"authentication_fee" json:"authentication_fee"`
	ShippingCosts          decimal.Decimal       `db:"shipping_costs" json:"shipping_costs"`
	CancellationFee        decimal.Decimal       `db:"cancellation_fee" json:"cancellation_fee"`
	// PartnerCancellationFee is billed by the partner when an open case is withdrawn.
	PartnerCancellationFee decimal.Decimal       `db:"partner_cancellation_fee" json:"partner_cancellation_fee"`
	TotalSellerCosts       *decimal.Decimal      `db:"total_seller_costs" json:"total_seller_costs,omitempty"`
	CreatedAt              time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time             `db:"updated_at" json:"updated_at"`
	EstimatedCompletion    time.Time             `db:"estimated_completion" json:"estimated_completion"`
	Result                 *AuthenticationResult `db:"result" json:"result,omitempty"`
}

// IsTerminal reports whether the request has a final result.
func (r *AuthenticationRequest) IsTerminal() bool {
	return r.Status == AuthStatusSuccess || r.Status == AuthStatusFailed
}

// AuthenticationResult is the partner's verdict.
type AuthenticationResult struct {
	IsAuthentic bool      `json:"is_authentic"`
	Confidence  float64   `json:"confidence"`
	Report      string    `json:"report"`
	Details     string    `json:"details,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Order statuses
const (
	OrderStatusPendingBid               = "pending_bid"
	OrderStatusPendingPayment           = "pending_payment"
	OrderStatusPaymentConfirmed         = "payment_confirmed"
	OrderStatusAuthenticationInProgress = "authentication_in_progress"
	OrderStatusAuthenticated            = "authenticated"
	OrderStatusShipped                  = "shipped"
	OrderStatusDelivered                = "delivered"
	OrderStatusCompleted                = "completed"
	OrderStatusCancelled                = "cancelled"
)

// Order is the buyer/seller-visible record tracking a sale from bid through delivery.
// A single row carries both the provisional (pending_bid) and the definitive phases.
type Order struct {
	ID                      string          `db:"id" json:"id"`
	ListingID               string          `db:"listing_id" json:"listing_id"`
	BidID                   string          `db:"bid_id" json:"bid_id"`
	BuyerID                 string          `db:"buyer_id" json:"buyer_id"`
	SellerID                string          `db:"seller_id" json:"seller_id"`
	FinalPrice              decimal.Decimal `db:"final_price" json:"final_price"`
	TotalAmount             decimal.Decimal `db:"total_amount" json:"total_amount"`
	CommissionFee           decimal.Decimal `db:"commission_fee" json:"commission_fee"`
	AuthenticationRequestID string          `db:"authentication_request_id" json:"authentication_request_id,omitempty"`
	EscrowIntentID          string          `db:"escrow_intent_id" json:"escrow_intent_id,omitempty"`
	Status                  string          `db:"status" json:"status"`
	TrackingNumber          string          `db:"tracking_number" json:"tracking_number,omitempty"`
	Carrier                 string          `db:"carrier" json:"carrier,omitempty"`
	EstimatedDelivery       *time.Time      `db:"estimated_delivery" json:"estimated_delivery,omitempty"`
	CancellationReason      string          `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	Notes                   string          `db:"notes" json:"notes,omitempty"`
	CreatedAt               time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at" json:"updated_at"`
	PromotedAt              *time.Time      `db:"promoted_at" json:"promoted_at,omitempty"`
	PaymentConfirmedAt      *time.Time      `db:"payment_confirmed_at" json:"payment_confirmed_at,omitempty"`
	AuthenticationStartedAt *time.Time      `db:"authentication_started_at" json:"authentication_started_at,omitempty"`
	AuthenticatedAt         *time.Time      `db:"authenticated_at" json:"authenticated_at,omitempty"`
	ShippedAt               *time.Time      `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt             *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	CompletedAt             *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt             *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	BuyerConfirmedAt        *time.Time      `db:"buyer_confirmed_at" json:"buyer_confirmed_at,omitempty"`
	PayoutReleasedAt        *time.Time      `db:"payout_released_at" json:"payout_released_at,omitempty"`
}

// IsTerminal reports whether the order can no longer transition.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusCancelled
}

// Escrow purposes
const (
	EscrowPurposeBidAuthorization  = "bid_authorization"
	EscrowPurposeWinningBidPayment = "winning_bid_payment"
	EscrowPurposeListingFee        = "listing_fee"
	EscrowPurposePayout            = "payout"
	EscrowPurposeRefund            = "refund"
)

// Escrow record statuses
const (
	EscrowStatusAuthorized = "authorized"
	EscrowStatusCaptured   = "captured"
	EscrowStatusRefunded   = "refunded"
	EscrowStatusPaidOut    = "paid_out"
	EscrowStatusFailed     = "failed"
)

// EscrowRecord mirrors an entry in the payment processor's ledger.
type EscrowRecord struct {
	ID             string            `json:"id"`
	Purpose        string            `json:"purpose"`
	Amount         decimal.Decimal   `json:"amount"`
	RelatedOrderID string            `json:"related_order_id"`
	Status         string            `json:"status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Notification types
const (
	NotificationBidPlaced       = "bid_placed"
	NotificationBidAccepted     = "bid_accepted"
	NotificationBidRejected     = "bid_rejected"
	NotificationCounteroffer    = "counteroffer"
	NotificationCounterResponse = "counteroffer_response"
	NotificationOrderUpdate     = "order_update"
	NotificationAuthentication  = "authentication"
	NotificationPayoutReleased  = "payout_released"
	NotificationSellerLiability = "seller_liability"
	NotificationListingExpired  = "listing_expired"
)

// Notification is a one-way message to a user.
type Notification struct {
	UserID     string            `json:"user_id"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Type       string            `json:"type"`
	RelatedIDs map[string]string `json:"related_ids,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
