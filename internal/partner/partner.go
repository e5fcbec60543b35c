// Package partner is the contract and HTTP client for third-party authentication
// services. Every partner exposes the same submit/status/result/cancel surface.
package partner

import (
	"context"

	"github.com/shopspring/decimal"
)

// Partner-side case statuses
const (
	StatusSubmitted  = "submitted"
	StatusReceived   = "received"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a partner status ends the case.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SubmitRequest is the case payload sent to a partner.
type SubmitRequest struct {
	ReferenceID   string          `json:"reference_id"`
	ListingID     string          `json:"listing_id"`
	Title         string          `json:"title"`
	Brand         string          `json:"brand,omitempty"`
	Category      string          `json:"category,omitempty"`
	HasDiamonds   bool            `json:"has_diamonds"`
	DeclaredValue decimal.Decimal `json:"declared_value"`
	SellerID      string          `json:"seller_id"`
	BuyerID       string          `json:"buyer_id"`
}

// CostBreakdown is what the partner will charge for the case.
type CostBreakdown struct {
	AuthenticationFee decimal.Decimal `json:"authentication_fee"`
	ShippingCost      decimal.Decimal `json:"shipping_cost"`
}

// SubmitResponse acknowledges a submitted case.
type SubmitResponse struct {
	RequestID     string        `json:"request_id"`
	Status        string        `json:"status"`
	CostBreakdown CostBreakdown `json:"cost_breakdown"`
	Instructions  string        `json:"instructions"`
	EstimatedDays int           `json:"estimated_days"`
}

// StatusResponse is a case progress snapshot.
type StatusResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
}

// ResultResponse is the final verdict of a case.
type ResultResponse struct {
	IsAuthentic bool    `json:"is_authentic"`
	Confidence  float64 `json:"confidence"`
	Report      string  `json:"report"`
}

// CancelResponse acknowledges a cancellation.
type CancelResponse struct {
	Success         bool             `json:"success"`
	CancellationFee *decimal.Decimal `json:"cancellation_fee,omitempty"`
}

// API is implemented by every authentication partner.
type API interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
	GetStatus(ctx context.Context, requestID string) (*StatusResponse, error)
	GetResult(ctx context.Context, requestID string) (*ResultResponse, error)
	Cancel(ctx context.Context, requestID, reason string) (*CancelResponse, error)
}
