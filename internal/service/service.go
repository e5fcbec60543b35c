// Package service composes the marketplace rules into the operations exposed over
// HTTP: listing and bid management, the bid acceptance saga, and the order
// lifecycle from payment through payout.
package service

import (
	"context"
	"fmt"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"
)

// DefaultLockTTL bounds how long a distributed lock outlives a crashed holder.
const DefaultLockTTL = 30 * time.Second

// Locker serializes mutations of a single listing or order across callers.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// IdempotencyCache remembers the outcome of a keyed request.
type IdempotencyCache interface {
	Remember(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Lookup(ctx context.Context, key string) (string, bool, error)
	Forget(ctx context.Context, key string) error
}

func listingLock(id string) string { return "listing:" + id }

func orderLock(id string) string { return "order:" + id }

func requireUser(actor models.Actor) error {
	if actor.UserID == "" {
		return fmt.Errorf("service: %w - missing user", marketerr.ErrForbidden)
	}
	return nil
}

func requireVerified(actor models.Actor) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	if !actor.Verified {
		return fmt.Errorf("service: %w - user %s", marketerr.ErrUnverified, actor.UserID)
	}
	return nil
}

func requireSeller(actor models.Actor, l *models.Listing) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	if actor.UserID != l.SellerID {
		return fmt.Errorf("service: %w - only the seller may do this", marketerr.ErrForbidden)
	}
	return nil
}

func requireParty(actor models.Actor, o *models.Order) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	if actor.UserID != o.BuyerID && actor.UserID != o.SellerID {
		return fmt.Errorf("service: %w - not a party to order %s", marketerr.ErrForbidden, o.ID)
	}
	return nil
}

func requireBuyer(actor models.Actor, o *models.Order) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	if actor.UserID != o.BuyerID {
		return fmt.Errorf("service: %w - only the buyer may do this", marketerr.ErrForbidden)
	}
	return nil
}

func requireOrderSeller(actor models.Actor, o *models.Order) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	if actor.UserID != o.SellerID {
		return fmt.Errorf("service: %w - only the seller may do this", marketerr.ErrForbidden)
	}
	return nil
}
