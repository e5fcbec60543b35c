package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeListingCreated          = "LISTING_CREATED"
	EventTypeListingExpired          = "LISTING_EXPIRED"
	EventTypeBidPlaced               = "BID_PLACED"
	EventTypeBidAccepted             = "BID_ACCEPTED"
	EventTypeBidRejected             = "BID_REJECTED"
	EventTypeCounterofferMade        = "COUNTEROFFER_MADE"
	EventTypeCounterofferAnswered    = "COUNTEROFFER_ANSWERED"
	EventTypeOrderStatusChanged      = "ORDER_STATUS_CHANGED"
	EventTypeAuthenticationStarted   = "AUTHENTICATION_STARTED"
	EventTypeAuthenticationCompleted = "AUTHENTICATION_COMPLETED"
	EventTypeEscrowOperation         = "ESCROW_OPERATION"
	EventTypeSellerLiability         = "SELLER_LIABILITY"
	EventTypeNotification            = "NOTIFICATION"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ListingEvent is published when a listing is created or expires
type ListingEvent struct {
	BaseEvent
	ListingID string `json:"listing_id"`
	SellerID  string `json:"seller_id"`
	Status    string `json:"status"`
}

// BidEvent is published on bid placement, acceptance and rejection
type BidEvent struct {
	BaseEvent
	ListingID string          `json:"listing_id"`
	BidID     string          `json:"bid_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
}

// CounterofferEvent is published when a counteroffer is made or answered
type CounterofferEvent struct {
	BaseEvent
	ListingID      string          `json:"listing_id"`
	BidID          string          `json:"bid_id"`
	CounterofferID string          `json:"counteroffer_id"`
	CounterAmount  decimal.Decimal `json:"counter_amount"`
	Status         string          `json:"status"`
}

// OrderStatusChangedEvent is published on every order transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID    string `json:"order_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Reason     string `json:"reason,omitempty"`
}

// AuthenticationStartedEvent is published when a case is submitted to a partner
type AuthenticationStartedEvent struct {
	BaseEvent
	RequestID string `json:"request_id"`
	OrderID   string `json:"order_id"`
	PartnerID string `json:"partner_id"`
}

// AuthenticationCompletedEvent is published by the poller once a result is recorded
type AuthenticationCompletedEvent struct {
	BaseEvent
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// EscrowOperationEvent mirrors a payment processor call for audit consumers
type EscrowOperationEvent struct {
	BaseEvent
	OrderID   string          `json:"order_id"`
	Operation string          `json:"operation"`
	Purpose   string          `json:"purpose,omitempty"`
	IntentID  string          `json:"intent_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Success   bool            `json:"success"`
}

// SellerLiabilityEvent carries the frozen seller costs for out-of-band billing
type SellerLiabilityEvent struct {
	BaseEvent
	OrderID          string          `json:"order_id"`
	RequestID        string          `json:"request_id"`
	SellerID         string          `json:"seller_id"`
	TotalSellerCosts decimal.Decimal `json:"total_seller_costs"`
}

// NotificationEvent wraps a user notification for the delivery pipeline
type NotificationEvent struct {
	BaseEvent
	Notification Notification `json:"notification"`
}
