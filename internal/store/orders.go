package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"marketplace-core/internal/models"
)

const orderColumns = `id, listing_id, bid_id, buyer_id, seller_id, final_price, total_amount,
	commission_fee, authentication_request_id, escrow_intent_id, status, tracking_number,
	carrier, estimated_delivery, cancellation_reason, notes, created_at, updated_at,
	promoted_at, payment_confirmed_at, authentication_started_at, authenticated_at,
	shipped_at, delivered_at, completed_at, cancelled_at, buyer_confirmed_at, payout_released_at`

// SaveOrder creates a new order
func (s *PostgresStore) SaveOrder(ctx context.Context, o *models.Order) error {
	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES (:id, :listing_id, :bid_id, :buyer_id, :seller_id, :final_price, :total_amount,
			:commission_fee, :authentication_request_id, :escrow_intent_id, :status, :tracking_number,
			:carrier, :estimated_delivery, :cancellation_reason, :notes, :created_at, :updated_at,
			:promoted_at, :payment_confirmed_at, :authentication_started_at, :authenticated_at,
			:shipped_at, :delivered_at, :completed_at, :cancelled_at, :buyer_confirmed_at, :payout_released_at)`
	if _, err := s.db.NamedExecContext(ctx, query, o); err != nil {
		return mapWriteError(err, "order", o.ID)
	}
	return nil
}

// GetOrder retrieves an order by ID
func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("order", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrder overwrites the stored order.
func (s *PostgresStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	query := `UPDATE orders SET
			final_price = :final_price, total_amount = :total_amount, commission_fee = :commission_fee,
			authentication_request_id = :authentication_request_id, escrow_intent_id = :escrow_intent_id,
			status = :status, tracking_number = :tracking_number, carrier = :carrier,
			estimated_delivery = :estimated_delivery, cancellation_reason = :cancellation_reason,
			notes = :notes, updated_at = :updated_at, promoted_at = :promoted_at,
			payment_confirmed_at = :payment_confirmed_at, authentication_started_at = :authentication_started_at,
			authenticated_at = :authenticated_at, shipped_at = :shipped_at, delivered_at = :delivered_at,
			completed_at = :completed_at, cancelled_at = :cancelled_at,
			buyer_confirmed_at = :buyer_confirmed_at, payout_released_at = :payout_released_at
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, query, o)
	if err != nil {
		return err
	}
	return checkAffected(res, "order", o.ID)
}

// DeleteOrder removes an order.
func (s *PostgresStore) DeleteOrder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM orders WHERE id = $1", id)
	if err != nil {
		return err
	}
	return checkAffected(res, "order", id)
}

// QueryOrders retrieves orders matching f, newest first.
func (s *PostgresStore) QueryOrders(ctx context.Context, f OrderFilter) ([]models.Order, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("listing_id", f.ListingID)
	add("bid_id", f.BidID)
	add("buyer_id", f.BuyerID)
	add("seller_id", f.SellerID)
	add("status", f.Status)

	query := "SELECT " + orderColumns + " FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, query, args...)
	return orders, err
}

// IsEventProcessed checks if an event has been processed
func (s *PostgresStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *PostgresStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
