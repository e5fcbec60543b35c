// Package shipping is the contract with the shipping-rate provider and a flat-rate
// implementation used when no carrier integration is configured.
package shipping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketplace-core/internal/marketerr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Parcel describes what is being shipped.
type Parcel struct {
	OrderID       string
	FromUserID    string
	ToUserID      string
	DeclaredValue decimal.Decimal
}

// Quote is a shipping offer.
type Quote struct {
	Carrier       string
	Service       string
	Cost          decimal.Decimal
	EstimatedDays int
}

// Label is a purchased shipment.
type Label struct {
	TrackingNumber    string
	Carrier           string
	Cost              decimal.Decimal
	EstimatedDelivery time.Time
}

// Tracking is the carrier's view of a shipment.
type Tracking struct {
	TrackingNumber string
	Status         string
	Delivered      bool
	UpdatedAt      time.Time
}

// Provider quotes, buys and tracks shipments.
type Provider interface {
	Quote(ctx context.Context, p Parcel) (*Quote, error)
	CreateLabel(ctx context.Context, p Parcel) (*Label, error)
	Track(ctx context.Context, trackingNumber string) (*Tracking, error)
}

// FlatRateProvider charges one insured rate and issues local tracking numbers.
type FlatRateProvider struct {
	carrier string
	cost    decimal.Decimal
	days    int

	mu     sync.Mutex
	labels map[string]Label
	now    func() time.Time
}

var _ Provider = (*FlatRateProvider)(nil)

// NewFlatRateProvider creates a provider charging cost per parcel.
func NewFlatRateProvider(carrier string, cost decimal.Decimal, days int) *FlatRateProvider {
	if days <= 0 {
		days = 3
	}
	return &FlatRateProvider{
		carrier: carrier,
		cost:    cost,
		days:    days,
		labels:  make(map[string]Label),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (f *FlatRateProvider) Quote(_ context.Context, _ Parcel) (*Quote, error) {
	return &Quote{Carrier: f.carrier, Service: "insured", Cost: f.cost, EstimatedDays: f.days}, nil
}

func (f *FlatRateProvider) CreateLabel(_ context.Context, p Parcel) (*Label, error) {
	if p.OrderID == "" {
		return nil, fmt.Errorf("shipping: %w - order id is required", marketerr.ErrInvalidInput)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	label := Label{
		TrackingNumber:    strings.ToUpper(f.carrier) + "-" + strings.ToUpper(uuid.New().String()[:12]),
		Carrier:           f.carrier,
		Cost:              f.cost,
		EstimatedDelivery: f.now().AddDate(0, 0, f.days),
	}
	f.labels[label.TrackingNumber] = label
	return &label, nil
}

func (f *FlatRateProvider) Track(_ context.Context, trackingNumber string) (*Tracking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	label, ok := f.labels[trackingNumber]
	if !ok {
		return nil, fmt.Errorf("shipping: %w - tracking %s", marketerr.ErrNotFound, trackingNumber)
	}
	now := f.now()
	delivered := !now.Before(label.EstimatedDelivery)
	status := "in_transit"
	if delivered {
		status = "delivered"
	}
	return &Tracking{TrackingNumber: trackingNumber, Status: status, Delivered: delivered, UpdatedAt: now}, nil
}
