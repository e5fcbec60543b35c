package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway operations, used for failure injection and metrics labels.
const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
	OpPayout    = "payout"
	OpRefund    = "refund"
)

// MemoryGateway keeps an escrow ledger in memory. It backs local development and
// tests, and can be told to fail specific operations.
type MemoryGateway struct {
	mu       sync.Mutex
	records  map[string]*models.EscrowRecord
	order    []string
	payouts  map[string]string
	failures map[string][]error
}

var _ Gateway = (*MemoryGateway)(nil)

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		records:  make(map[string]*models.EscrowRecord),
		payouts:  make(map[string]string),
		failures: make(map[string][]error),
	}
}

// FailNext makes the next call of op return err.
func (g *MemoryGateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], err)
}

func (g *MemoryGateway) injected(op string) error {
	queue := g.failures[op]
	if len(queue) == 0 {
		return nil
	}
	g.failures[op] = queue[1:]
	return queue[0]
}

func (g *MemoryGateway) Authorize(_ context.Context, purpose string, amount decimal.Decimal, metadata map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injected(OpAuthorize); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("payment: %w - amount must be positive", marketerr.ErrInvalidInput)
	}

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	rec := &models.EscrowRecord{
		ID:             "pi_" + uuid.New().String(),
		Purpose:        purpose,
		Amount:         amount,
		RelatedOrderID: meta["order_id"],
		Status:         models.EscrowStatusAuthorized,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}
	g.records[rec.ID] = rec
	g.order = append(g.order, rec.ID)
	return rec.ID, nil
}

func (g *MemoryGateway) Capture(_ context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injected(OpCapture); err != nil {
		return err
	}
	rec, ok := g.records[intentID]
	if !ok {
		return fmt.Errorf("payment: %w - intent %s", marketerr.ErrNotFound, intentID)
	}
	switch rec.Status {
	case models.EscrowStatusCaptured:
		return nil
	case models.EscrowStatusAuthorized:
		rec.Status = models.EscrowStatusCaptured
		return nil
	}
	return fmt.Errorf("payment: %w - intent %s is %s", marketerr.ErrPaymentDeclined, intentID, rec.Status)
}

func (g *MemoryGateway) Payout(_ context.Context, orderID, sellerID string, amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injected(OpPayout); err != nil {
		return err
	}
	if _, done := g.payouts[orderID]; done {
		return nil
	}
	rec := &models.EscrowRecord{
		ID:             "tr_" + uuid.New().String(),
		Purpose:        models.EscrowPurposePayout,
		Amount:         amount,
		RelatedOrderID: orderID,
		Status:         models.EscrowStatusPaidOut,
		Metadata:       map[string]string{"seller_id": sellerID},
		CreatedAt:      time.Now().UTC(),
	}
	g.records[rec.ID] = rec
	g.order = append(g.order, rec.ID)
	g.payouts[orderID] = rec.ID
	return nil
}

func (g *MemoryGateway) Refund(_ context.Context, intentID string, amount *decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.injected(OpRefund); err != nil {
		return err
	}
	rec, ok := g.records[intentID]
	if !ok {
		return fmt.Errorf("payment: %w - intent %s", marketerr.ErrNotFound, intentID)
	}
	if rec.Status == models.EscrowStatusRefunded {
		return nil
	}
	if rec.Status != models.EscrowStatusAuthorized && rec.Status != models.EscrowStatusCaptured {
		return fmt.Errorf("payment: %w - intent %s is %s", marketerr.ErrPaymentDeclined, intentID, rec.Status)
	}

	refunded := rec.Amount
	if amount != nil {
		if amount.GreaterThan(rec.Amount) {
			return fmt.Errorf("payment: %w - refund exceeds held amount", marketerr.ErrInvalidInput)
		}
		refunded = *amount
	}
	rec.Status = models.EscrowStatusRefunded

	refund := &models.EscrowRecord{
		ID:             "re_" + uuid.New().String(),
		Purpose:        models.EscrowPurposeRefund,
		Amount:         refunded,
		RelatedOrderID: rec.RelatedOrderID,
		Status:         models.EscrowStatusRefunded,
		Metadata:       map[string]string{"intent_id": intentID},
		CreatedAt:      time.Now().UTC(),
	}
	g.records[refund.ID] = refund
	g.order = append(g.order, refund.ID)
	return nil
}

// Record returns a copy of the escrow record with id.
func (g *MemoryGateway) Record(id string) (models.EscrowRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[id]
	if !ok {
		return models.EscrowRecord{}, false
	}
	return *rec, true
}

// Records returns every escrow record in creation order.
func (g *MemoryGateway) Records() []models.EscrowRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.EscrowRecord, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.records[id])
	}
	return out
}

// RecordsFor returns the records of one purpose.
func (g *MemoryGateway) RecordsFor(purpose string) []models.EscrowRecord {
	var out []models.EscrowRecord
	for _, rec := range g.Records() {
		if rec.Purpose == purpose {
			out = append(out, rec)
		}
	}
	return out
}
