// Package payment is the escrow contract with the external payment processor and
// its implementations. Funds are authorized at acceptance, captured on payment
// confirmation, then either paid out to the seller or refunded to the buyer.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the escrow primitive set. Callers enforce when each call is allowed;
// the gateway only moves money.
type Gateway interface {
	// Authorize places a hold and returns the processor's intent id.
	Authorize(ctx context.Context, purpose string, amount decimal.Decimal, metadata map[string]string) (string, error)
	// Capture collects previously authorized funds.
	Capture(ctx context.Context, intentID string) error
	// Payout transfers amount to the seller for orderID. Repeating a payout for the
	// same order does not move money twice.
	Payout(ctx context.Context, orderID, sellerID string, amount decimal.Decimal) error
	// Refund returns funds to the buyer. A nil amount refunds everything; an
	// uncaptured hold is released instead.
	Refund(ctx context.Context, intentID string, amount *decimal.Decimal) error
}

// toMinorUnits converts a currency amount to cents.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
