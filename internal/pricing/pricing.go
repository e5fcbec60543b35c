// Package pricing computes the buyer-facing fee breakdown for a sale.
package pricing

import "github.com/shopspring/decimal"

var (
	tierMid  = decimal.NewFromInt(5000)
	tierHigh = decimal.NewFromInt(15000)

	rateLow  = decimal.RequireFromString("0.15")
	rateMid  = decimal.RequireFromString("0.10")
	rateHigh = decimal.RequireFromString("0.05")
)

// DefaultShippingCost is the flat insured-shipping charge applied by the core.
var DefaultShippingCost = decimal.NewFromInt(25)

// InsuranceFunc returns the insurance premium for an item price.
type InsuranceFunc func(itemPrice decimal.Decimal) decimal.Decimal

// FlatRateInsurance charges rate × itemPrice, rounded to cents.
func FlatRateInsurance(rate decimal.Decimal) InsuranceFunc {
	return func(itemPrice decimal.Decimal) decimal.Decimal {
		return itemPrice.Mul(rate).Round(2)
	}
}

// Breakdown is the full cost of a sale.
type Breakdown struct {
	ItemPrice        decimal.Decimal `json:"item_price"`
	ShippingCost     decimal.Decimal `json:"shipping_cost"`
	VerificationCost decimal.Decimal `json:"verification_cost"`
	CommissionFee    decimal.Decimal `json:"commission_fee"`
	InsuranceCost    decimal.Decimal `json:"insurance_cost"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
}

// Engine is a pure fee calculator.
type Engine struct {
	shippingCost decimal.Decimal
	insurance    InsuranceFunc
}

// NewEngine creates a pricing engine. A nil insurance function charges no insurance.
func NewEngine(shippingCost decimal.Decimal, insurance InsuranceFunc) *Engine {
	if insurance == nil {
		insurance = func(decimal.Decimal) decimal.Decimal { return decimal.Zero }
	}
	return &Engine{
		shippingCost: shippingCost,
		insurance:    insurance,
	}
}

// CommissionRate returns the marketplace commission tier for itemPrice.
// Tiers are lower-inclusive and upper-exclusive.
func CommissionRate(itemPrice decimal.Decimal) decimal.Decimal {
	switch {
	case itemPrice.LessThan(tierMid):
		return rateLow
	case itemPrice.LessThan(tierHigh):
		return rateMid
	default:
		return rateHigh
	}
}

// CommissionFee returns the commission owed on itemPrice.
func CommissionFee(itemPrice decimal.Decimal) decimal.Decimal {
	return itemPrice.Mul(CommissionRate(itemPrice))
}

// ComputeBreakdown returns the fee breakdown. Callers must ensure itemPrice > 0.
func (e *Engine) ComputeBreakdown(itemPrice, verificationCost decimal.Decimal) Breakdown {
	b := Breakdown{
		ItemPrice:        itemPrice,
		ShippingCost:     e.shippingCost,
		VerificationCost: verificationCost,
		CommissionFee:    CommissionFee(itemPrice),
		InsuranceCost:    e.insurance(itemPrice),
	}
	b.TotalAmount = b.ItemPrice.
		Add(b.ShippingCost).
		Add(b.VerificationCost).
		Add(b.CommissionFee).
		Add(b.InsuranceCost)
	return b
}

// SellerProceeds is what the seller receives at payout: itemPrice minus commission.
func SellerProceeds(itemPrice decimal.Decimal) decimal.Decimal {
	return itemPrice.Sub(CommissionFee(itemPrice))
}
