// Package authentication creates and tracks third-party authentication cases and
// computes the seller's liability when a case fails.
package authentication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"
	"marketplace-core/internal/partner"
	"marketplace-core/internal/syncutil"
	"marketplace-core/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultCancellationFee is charged to the seller whenever a case fails.
var DefaultCancellationFee = decimal.NewFromInt(45)

// RequestStore persists authentication requests.
type RequestStore interface {
	SaveAuthenticationRequest(ctx context.Context, req *models.AuthenticationRequest) error
	GetAuthenticationRequest(ctx context.Context, id string) (*models.AuthenticationRequest, error)
	UpdateAuthenticationRequest(ctx context.Context, req *models.AuthenticationRequest) error
	DeleteAuthenticationRequest(ctx context.Context, id string) error
}

// Outcome is the verdict fed back into a request.
type Outcome struct {
	Success    bool
	Confidence float64
	Report     string
	Details    string
	// PartnerFee is what the partner billed for withdrawing an open case. It is
	// kept apart from the seller's fixed cancellation fee.
	PartnerFee decimal.Decimal
	// Withdrawn marks a case closed before any partner saw it. Nothing is owed.
	Withdrawn bool
}

// Coordinator owns the authentication request lifecycle:
// pending → in-progress → success | failed. Status never moves backwards.
type Coordinator struct {
	registry        *Registry
	store           RequestStore
	cancellationFee decimal.Decimal
	locks           *syncutil.KeyedMutex
	logger          *zap.Logger
	now             func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(registry *Registry, store RequestStore, cancellationFee decimal.Decimal) *Coordinator {
	return &Coordinator{
		registry:        registry,
		store:           store,
		cancellationFee: cancellationFee,
		locks:           syncutil.NewKeyedMutex(),
		logger:          util.GetLogger().Named("authentication"),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Registry exposes the partner roster.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// SelectPartner returns the partner that should inspect the listing.
func (c *Coordinator) SelectPartner(listing *models.Listing) (Partner, error) {
	return c.registry.Select(listing)
}

// OpenRequest creates a pending case for an accepted (or about to be accepted) bid.
func (c *Coordinator) OpenRequest(ctx context.Context, bid *models.Bid, listing *models.Listing, partnerID string) (*models.AuthenticationRequest, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.OpenRequest")
	defer span.End()

	p, ok := c.registry.Get(partnerID)
	if !ok {
		return nil, fmt.Errorf("authentication: %w - %q", marketerr.ErrInvalidPartner, partnerID)
	}

	now := c.now()
	req := &models.AuthenticationRequest{
		ID:                  uuid.New().String(),
		BidID:               bid.ID,
		BuyerID:             bid.BidderID,
		SellerID:            listing.SellerID,
		ListingID:           listing.ID,
		PartnerID:           p.ID,
		Status:              models.AuthStatusPending,
		AuthenticationFee:   p.BaseFee,
		ShippingCosts:       decimal.Zero,
		CancellationFee:     c.cancellationFee,
		CreatedAt:           now,
		UpdatedAt:           now,
		EstimatedCompletion: now.AddDate(0, 0, p.TurnaroundDays),
	}

	if err := c.store.SaveAuthenticationRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save authentication request: %w", err)
	}

	c.logger.Info("Authentication request opened",
		zap.String("request_id", req.ID),
		zap.String("bid_id", bid.ID),
		zap.String("partner_id", p.ID))
	return req, nil
}

// Discard deletes a request that never left pending. It is the compensation for
// OpenRequest when a later saga step fails.
func (c *Coordinator) Discard(ctx context.Context, requestID string) error {
	unlock, err := c.locks.LockContext(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	req, err := c.store.GetAuthenticationRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, marketerr.ErrNotFound) {
			return nil
		}
		return err
	}
	if req.Status != models.AuthStatusPending {
		return fmt.Errorf("authentication: %w - request %s is %s", marketerr.ErrWrongState, requestID, req.Status)
	}
	return c.store.DeleteAuthenticationRequest(ctx, requestID)
}

// Get loads a request.
func (c *Coordinator) Get(ctx context.Context, requestID string) (*models.AuthenticationRequest, error) {
	return c.store.GetAuthenticationRequest(ctx, requestID)
}

// Submit hands a pending case to its partner and moves it to in-progress. Partner
// costs reported at submission replace the base fee and shipping estimate.
func (c *Coordinator) Submit(ctx context.Context, requestID string, listing *models.Listing, declaredValue decimal.Decimal) (*models.AuthenticationRequest, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.Submit")
	defer span.End()

	unlock, err := c.locks.LockContext(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := c.store.GetAuthenticationRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == models.AuthStatusInProgress {
		return req, nil
	}
	if req.Status != models.AuthStatusPending {
		return nil, fmt.Errorf("authentication: %w - request %s is %s", marketerr.ErrAlreadyTerminal, requestID, req.Status)
	}

	api, err := c.api(req.PartnerID)
	if err != nil {
		return nil, err
	}

	resp, err := api.Submit(ctx, partner.SubmitRequest{
		ReferenceID:   req.ID,
		ListingID:     listing.ID,
		Title:         listing.Title,
		Brand:         listing.Brand,
		Category:      listing.Category,
		HasDiamonds:   listing.HasDiamonds,
		DeclaredValue: declaredValue,
		SellerID:      req.SellerID,
		BuyerID:       req.BuyerID,
	})
	if err != nil {
		c.logger.Error("Partner submission failed",
			zap.String("request_id", req.ID),
			zap.String("partner_id", req.PartnerID),
			zap.Error(err))
		return nil, err
	}

	now := c.now()
	req.Status = models.AuthStatusInProgress
	req.PartnerReference = resp.RequestID
	if resp.CostBreakdown.AuthenticationFee.IsPositive() {
		req.AuthenticationFee = resp.CostBreakdown.AuthenticationFee
	}
	req.ShippingCosts = resp.CostBreakdown.ShippingCost
	if resp.EstimatedDays > 0 {
		req.EstimatedCompletion = now.AddDate(0, 0, resp.EstimatedDays)
	}
	req.UpdatedAt = now

	if err := c.store.UpdateAuthenticationRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to update authentication request: %w", err)
	}

	c.logger.Info("Authentication request submitted",
		zap.String("request_id", req.ID),
		zap.String("partner_reference", req.PartnerReference))
	return req, nil
}

// RecordResult stores a terminal verdict. On failure the seller's liability
// (fee + shipping + cancellation fee) is computed and frozen; a withdrawn case
// freezes a zero liability.
func (c *Coordinator) RecordResult(ctx context.Context, requestID string, outcome Outcome) (*models.AuthenticationRequest, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.RecordResult")
	defer span.End()

	unlock, err := c.locks.LockContext(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := c.store.GetAuthenticationRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsTerminal() {
		return nil, fmt.Errorf("authentication: %w - request %s is %s", marketerr.ErrAlreadyTerminal, requestID, req.Status)
	}

	now := c.now()
	req.Result = &models.AuthenticationResult{
		IsAuthentic: outcome.Success,
		Confidence:  outcome.Confidence,
		Report:      outcome.Report,
		Details:     outcome.Details,
		RecordedAt:  now,
	}
	if outcome.Success {
		req.Status = models.AuthStatusSuccess
	} else {
		req.Status = models.AuthStatusFailed
		if outcome.PartnerFee.IsPositive() {
			req.PartnerCancellationFee = outcome.PartnerFee
		}
		total := decimal.Zero
		if !outcome.Withdrawn {
			total = SellerLiability(req)
		}
		req.TotalSellerCosts = &total
	}
	req.UpdatedAt = now

	if err := c.store.UpdateAuthenticationRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to update authentication request: %w", err)
	}

	util.AuthenticationResultsTotal.WithLabelValues(req.Status).Inc()
	c.logger.Info("Authentication result recorded",
		zap.String("request_id", req.ID),
		zap.String("status", req.Status))
	return req, nil
}

// Cancel withdraws a case and records it as failed. An in-progress case is
// cancelled with its partner, which may report a fee of its own. A case still
// pending never reached a partner and carries no seller liability.
func (c *Coordinator) Cancel(ctx context.Context, requestID, reason string) (*models.AuthenticationRequest, error) {
	req, err := c.store.GetAuthenticationRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsTerminal() {
		return req, nil
	}

	outcome := Outcome{
		Success:   false,
		Report:    "cancelled",
		Details:   reason,
		Withdrawn: req.Status == models.AuthStatusPending,
	}
	if req.Status == models.AuthStatusInProgress && req.PartnerReference != "" {
		api, err := c.api(req.PartnerID)
		if err != nil {
			return nil, err
		}
		resp, err := api.Cancel(ctx, req.PartnerReference, reason)
		if err != nil {
			return nil, err
		}
		if resp.CancellationFee != nil {
			outcome.PartnerFee = *resp.CancellationFee
		}
	}
	return c.RecordResult(ctx, requestID, outcome)
}

// API returns the client for a partner.
func (c *Coordinator) API(partnerID string) (partner.API, error) {
	return c.api(partnerID)
}

func (c *Coordinator) api(partnerID string) (partner.API, error) {
	p, ok := c.registry.Get(partnerID)
	if !ok {
		return nil, fmt.Errorf("authentication: %w - %q", marketerr.ErrInvalidPartner, partnerID)
	}
	if p.API == nil {
		return nil, fmt.Errorf("authentication: partner %s has no client: %w", partnerID, marketerr.ErrUnavailable)
	}
	return p.API, nil
}

// SellerLiability is what a seller owes when authentication fails.
func SellerLiability(req *models.AuthenticationRequest) decimal.Decimal {
	return req.AuthenticationFee.Add(req.ShippingCosts).Add(req.CancellationFee)
}
