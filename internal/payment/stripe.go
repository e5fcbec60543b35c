package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeGateway implements escrow with manual-capture PaymentIntents. Buyer ids are
// Stripe customer ids: holds are confirmed off-session against the customer's
// default payment method. Payouts are Connect transfers whose destination is the
// seller's connected account id.
type StripeGateway struct {
	sc       *client.API
	currency string
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway creates a gateway. backends may be nil to use Stripe's defaults.
func NewStripeGateway(secretKey, currency string, backends *stripe.Backends) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, backends)
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{sc: sc, currency: strings.ToLower(currency)}
}

// Authorize confirms a manual-capture PaymentIntent for metadata["buyer_id"]. The
// hold only exists once the intent reaches requires_capture; anything else is a
// decline and the intent is cancelled.
func (g *StripeGateway) Authorize(ctx context.Context, purpose string, amount decimal.Decimal, metadata map[string]string) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("payment: %w - amount must be positive", marketerr.ErrInvalidInput)
	}
	customerID := metadata["buyer_id"]
	if customerID == "" {
		return "", fmt.Errorf("payment: %w - buyer_id is required to authorize", marketerr.ErrInvalidInput)
	}
	paymentMethod, err := g.defaultPaymentMethod(ctx, customerID)
	if err != nil {
		return "", err
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(toMinorUnits(amount)),
		Currency:           stripe.String(g.currency),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Customer:           stripe.String(customerID),
		PaymentMethod:      stripe.String(paymentMethod),
		Confirm:            stripe.Bool(true),
		OffSession:         stripe.Bool(true),
	}
	params.Context = ctx
	params.AddMetadata("purpose", purpose)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if key, ok := metadata["idempotency_key"]; ok {
		params.SetIdempotencyKey(key)
	}

	pi, err := g.sc.PaymentIntents.New(params)
	if err != nil {
		return "", classify("authorize", err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		cancelParams := &stripe.PaymentIntentCancelParams{}
		cancelParams.Context = ctx
		_, _ = g.sc.PaymentIntents.Cancel(pi.ID, cancelParams)
		return "", fmt.Errorf("payment: authorize: %w - intent %s is %s", marketerr.ErrPaymentDeclined, pi.ID, pi.Status)
	}
	return pi.ID, nil
}

func (g *StripeGateway) defaultPaymentMethod(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := g.sc.Customers.Get(customerID, params)
	if err != nil {
		return "", classify("authorize", err)
	}
	if cust.InvoiceSettings == nil || cust.InvoiceSettings.DefaultPaymentMethod == nil || cust.InvoiceSettings.DefaultPaymentMethod.ID == "" {
		return "", fmt.Errorf("payment: authorize: %w - customer %s has no saved payment method", marketerr.ErrPaymentDeclined, customerID)
	}
	return cust.InvoiceSettings.DefaultPaymentMethod.ID, nil
}

func (g *StripeGateway) Capture(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + intentID)

	if _, err := g.sc.PaymentIntents.Capture(intentID, params); err != nil {
		return classify("capture", err)
	}
	return nil
}

func (g *StripeGateway) Payout(ctx context.Context, orderID, sellerID string, amount decimal.Decimal) error {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(toMinorUnits(amount)),
		Currency:      stripe.String(g.currency),
		Destination:   stripe.String(sellerID),
		TransferGroup: stripe.String(orderID),
	}
	params.Context = ctx
	params.AddMetadata("order_id", orderID)
	params.AddMetadata("purpose", models.EscrowPurposePayout)
	params.SetIdempotencyKey("payout-" + orderID)

	if _, err := g.sc.Transfers.New(params); err != nil {
		return classify("payout", err)
	}
	return nil
}

func (g *StripeGateway) Refund(ctx context.Context, intentID string, amount *decimal.Decimal) error {
	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	pi, err := g.sc.PaymentIntents.Get(intentID, getParams)
	if err != nil {
		return classify("refund", err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled:
		return nil
	case stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction:
		// Nothing was collected yet; release the hold.
		cancelParams := &stripe.PaymentIntentCancelParams{
			CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
		}
		cancelParams.Context = ctx
		if _, err := g.sc.PaymentIntents.Cancel(intentID, cancelParams); err != nil {
			return classify("refund", err)
		}
		return nil
	}

	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	if amount != nil {
		params.Amount = stripe.Int64(toMinorUnits(*amount))
	}
	params.Context = ctx
	params.AddMetadata("purpose", models.EscrowPurposeRefund)
	params.SetIdempotencyKey("refund-" + intentID)

	if _, err := g.sc.Refunds.New(params); err != nil {
		return classify("refund", err)
	}
	return nil
}

// classify maps processor failures onto the error taxonomy: card and request
// errors are declines, everything else is an outage worth retrying.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("payment: %s: %w - %s", op, marketerr.ErrNotFound, se.Msg)
		case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
			return fmt.Errorf("payment: %s: %w - %s", op, marketerr.ErrUnavailable, se.Msg)
		case se.Type == stripe.ErrorTypeCard || se.Type == stripe.ErrorTypeInvalidRequest:
			return fmt.Errorf("payment: %s: %w - %s", op, marketerr.ErrPaymentDeclined, se.Msg)
		}
	}
	return fmt.Errorf("payment: %s: %w - %v", op, marketerr.ErrUnavailable, err)
}
