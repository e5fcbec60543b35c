// Package orders drives the buyer/seller-visible order state machine:
//
//	pending_bid → pending_payment → payment_confirmed → authentication_in_progress
//	→ authenticated → shipped → delivered → completed
//
// with a branch to cancelled from every non-terminal state. The manager only
// mutates the order it is handed; persistence belongs to the caller.
package orders

import (
	"fmt"
	"strings"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultReturnWindow is how long after delivery a buyer may contest the item
// before funds are released automatically.
const DefaultReturnWindow = 72 * time.Hour

var next = map[string]string{
	models.OrderStatusPendingPayment:           models.OrderStatusPaymentConfirmed,
	models.OrderStatusPaymentConfirmed:         models.OrderStatusAuthenticationInProgress,
	models.OrderStatusAuthenticationInProgress: models.OrderStatusAuthenticated,
	models.OrderStatusAuthenticated:            models.OrderStatusShipped,
	models.OrderStatusShipped:                  models.OrderStatusDelivered,
	models.OrderStatusDelivered:                models.OrderStatusCompleted,
}

// Terms are the commercial figures fixed when a bid is accepted.
type Terms struct {
	FinalPrice     decimal.Decimal
	TotalAmount    decimal.Decimal
	CommissionFee  decimal.Decimal
	EscrowIntentID string
}

// Manager applies order transitions.
type Manager struct {
	returnWindow time.Duration
	now          func() time.Time
}

// NewManager creates a manager. A non-positive window falls back to DefaultReturnWindow.
func NewManager(returnWindow time.Duration) *Manager {
	if returnWindow <= 0 {
		returnWindow = DefaultReturnWindow
	}
	return &Manager{
		returnWindow: returnWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ReturnWindow returns the configured post-delivery contest period.
func (m *Manager) ReturnWindow() time.Duration {
	return m.returnWindow
}

// CreateProvisional opens the buyer-tracking order for a freshly placed bid.
func (m *Manager) CreateProvisional(bid *models.Bid, listing *models.Listing) *models.Order {
	now := m.now()
	return &models.Order{
		ID:         uuid.New().String(),
		ListingID:  listing.ID,
		BidID:      bid.ID,
		BuyerID:    bid.BidderID,
		SellerID:   listing.SellerID,
		FinalPrice: bid.Amount,
		Status:     models.OrderStatusPendingBid,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Promote turns the provisional order of an accepted bid into the definitive one.
func (m *Manager) Promote(o *models.Order, authRequestID string, terms Terms) error {
	if o.Status != models.OrderStatusPendingBid {
		return fmt.Errorf("orders: %w - cannot promote order in %s", marketerr.ErrWrongState, o.Status)
	}

	now := m.now()
	o.Status = models.OrderStatusPendingPayment
	o.AuthenticationRequestID = authRequestID
	o.FinalPrice = terms.FinalPrice
	o.TotalAmount = terms.TotalAmount
	o.CommissionFee = terms.CommissionFee
	o.EscrowIntentID = terms.EscrowIntentID
	o.PromotedAt = &now
	o.UpdatedAt = now
	return nil
}

// ConfirmPayment records that the buyer's funds were captured.
func (m *Manager) ConfirmPayment(o *models.Order) error {
	if o.Status != models.OrderStatusPendingPayment {
		return fmt.Errorf("orders: %w - payment confirmation requires %s, order is %s",
			marketerr.ErrWrongState, models.OrderStatusPendingPayment, o.Status)
	}
	return m.Advance(o, models.OrderStatusPaymentConfirmed, "")
}

// Advance moves the order one step along the chain, or to cancelled from any
// non-terminal state. For cancellation notes is recorded as the reason.
func (m *Manager) Advance(o *models.Order, status, notes string) error {
	if o.IsTerminal() {
		return fmt.Errorf("orders: %w - order %s is %s", marketerr.ErrWrongState, o.ID, o.Status)
	}

	if status != models.OrderStatusCancelled {
		if next[o.Status] != status {
			return fmt.Errorf("orders: %w - cannot move from %s to %s", marketerr.ErrWrongState, o.Status, status)
		}
		if status == models.OrderStatusShipped && o.TrackingNumber == "" {
			return fmt.Errorf("orders: %w - shipping details missing", marketerr.ErrWrongState)
		}
	}

	now := m.now()
	o.Status = status
	o.UpdatedAt = now
	stamp(o, status, now)

	if status == models.OrderStatusCancelled {
		o.CancellationReason = notes
	} else if notes != "" {
		o.Notes = appendNote(o.Notes, notes)
	}
	return nil
}

// Cancel moves a non-terminal order to cancelled.
func (m *Manager) Cancel(o *models.Order, reason string) error {
	return m.Advance(o, models.OrderStatusCancelled, reason)
}

// AttachShipping records shipment details once. Replaying the same tracking
// number is a no-op.
func (m *Manager) AttachShipping(o *models.Order, trackingNumber, carrier string, eta *time.Time) error {
	if trackingNumber == "" {
		return fmt.Errorf("orders: %w - tracking number is required", marketerr.ErrInvalidInput)
	}
	if o.TrackingNumber != "" {
		if o.TrackingNumber == trackingNumber {
			return nil
		}
		return fmt.Errorf("orders: %w - order %s has tracking %s", marketerr.ErrAlreadyShipped, o.ID, o.TrackingNumber)
	}
	if o.Status != models.OrderStatusAuthenticated {
		return fmt.Errorf("orders: %w - cannot ship order in %s", marketerr.ErrWrongState, o.Status)
	}

	o.TrackingNumber = trackingNumber
	o.Carrier = carrier
	o.EstimatedDelivery = eta
	o.UpdatedAt = m.now()
	return nil
}

// ConfirmReceipt records the buyer's acceptance of a delivered item.
func (m *Manager) ConfirmReceipt(o *models.Order) error {
	if o.Status != models.OrderStatusDelivered && o.Status != models.OrderStatusCompleted {
		return fmt.Errorf("orders: %w - receipt requires a delivered order, order is %s", marketerr.ErrWrongState, o.Status)
	}
	if o.BuyerConfirmedAt != nil {
		return nil
	}
	now := m.now()
	o.BuyerConfirmedAt = &now
	o.UpdatedAt = now
	return nil
}

// ReturnWindowElapsed reports whether the contest period after delivery is over.
func (m *Manager) ReturnWindowElapsed(o *models.Order, now time.Time) bool {
	return o.DeliveredAt != nil && !now.Before(o.DeliveredAt.Add(m.returnWindow))
}

// CheckPayout enforces the release gate: the order is delivered or completed, and
// the buyer confirmed receipt or the return window has elapsed.
func (m *Manager) CheckPayout(o *models.Order, now time.Time) error {
	if o.PayoutReleasedAt != nil {
		return fmt.Errorf("orders: %w - order %s", marketerr.ErrAlreadyPaidOut, o.ID)
	}
	if o.Status != models.OrderStatusDelivered && o.Status != models.OrderStatusCompleted {
		return fmt.Errorf("orders: %w - order is %s", marketerr.ErrPayoutNotAllowed, o.Status)
	}
	if o.BuyerConfirmedAt != nil || m.ReturnWindowElapsed(o, now) {
		return nil
	}
	if o.DeliveredAt == nil {
		return fmt.Errorf("orders: %w - delivery not recorded", marketerr.ErrPayoutNotAllowed)
	}
	return fmt.Errorf("orders: %w - return window open until %s",
		marketerr.ErrPayoutNotAllowed, o.DeliveredAt.Add(m.returnWindow).Format(time.RFC3339))
}

// MarkPaidOut stamps the payout and completes a delivered order.
func (m *Manager) MarkPaidOut(o *models.Order, now time.Time) error {
	if err := m.CheckPayout(o, now); err != nil {
		return err
	}
	o.PayoutReleasedAt = &now
	o.UpdatedAt = now
	if o.Status == models.OrderStatusDelivered {
		return m.Advance(o, models.OrderStatusCompleted, "")
	}
	return nil
}

// PayoutAmount is what the seller receives: the sale price less commission.
func PayoutAmount(o *models.Order) decimal.Decimal {
	return o.FinalPrice.Sub(o.CommissionFee)
}

func stamp(o *models.Order, status string, now time.Time) {
	var slot **time.Time
	switch status {
	case models.OrderStatusPaymentConfirmed:
		slot = &o.PaymentConfirmedAt
	case models.OrderStatusAuthenticationInProgress:
		slot = &o.AuthenticationStartedAt
	case models.OrderStatusAuthenticated:
		slot = &o.AuthenticatedAt
	case models.OrderStatusShipped:
		slot = &o.ShippedAt
	case models.OrderStatusDelivered:
		slot = &o.DeliveredAt
	case models.OrderStatusCompleted:
		slot = &o.CompletedAt
	case models.OrderStatusCancelled:
		slot = &o.CancelledAt
	default:
		return
	}
	if *slot == nil {
		t := now
		*slot = &t
	}
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return strings.Join([]string{existing, note}, "\n")
}
