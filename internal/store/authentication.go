package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"marketplace-core/internal/models"
)

const authColumns = `id, bid_id, buyer_id, seller_id, listing_id, partner_id, partner_reference,
	status, authentication_fee, shipping_costs, cancellation_fee, partner_cancellation_fee,
	total_seller_costs, created_at, updated_at, estimated_completion, result`

// SaveAuthenticationRequest inserts a new request.
func (s *PostgresStore) SaveAuthenticationRequest(ctx context.Context, r *models.AuthenticationRequest) error {
	query := `INSERT INTO authentication_requests (` + authColumns + `)
		VALUES (:id, :bid_id, :buyer_id, :seller_id, :listing_id, :partner_id, :partner_reference,
			:status, :authentication_fee, :shipping_costs, :cancellation_fee, :partner_cancellation_fee,
			:total_seller_costs, :created_at, :updated_at, :estimated_completion, :result)`
	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return mapWriteError(err, "authentication request", r.ID)
	}
	return nil
}

// GetAuthenticationRequest retrieves a request by ID.
func (s *PostgresStore) GetAuthenticationRequest(ctx context.Context, id string) (*models.AuthenticationRequest, error) {
	var r models.AuthenticationRequest
	err := s.db.GetContext(ctx, &r, "SELECT "+authColumns+" FROM authentication_requests WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("authentication request", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateAuthenticationRequest overwrites a request. Once total_seller_costs is set
// it is never replaced.
func (s *PostgresStore) UpdateAuthenticationRequest(ctx context.Context, r *models.AuthenticationRequest) error {
	query := `UPDATE authentication_requests SET
			partner_reference = :partner_reference, status = :status,
			authentication_fee = :authentication_fee, shipping_costs = :shipping_costs,
			cancellation_fee = :cancellation_fee, partner_cancellation_fee = :partner_cancellation_fee,
			total_seller_costs = COALESCE(total_seller_costs, :total_seller_costs),
			updated_at = :updated_at, estimated_completion = :estimated_completion, result = :result
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, query, r)
	if err != nil {
		return err
	}
	return checkAffected(res, "authentication request", r.ID)
}

// DeleteAuthenticationRequest removes a request.
func (s *PostgresStore) DeleteAuthenticationRequest(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM authentication_requests WHERE id = $1", id)
	if err != nil {
		return err
	}
	return checkAffected(res, "authentication request", id)
}

// QueryAuthenticationRequests returns requests matching f, oldest first.
func (s *PostgresStore) QueryAuthenticationRequests(ctx context.Context, f AuthenticationFilter) ([]models.AuthenticationRequest, error) {
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
	add("status", f.Status)

	query := "SELECT " + authColumns + " FROM authentication_requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	var out []models.AuthenticationRequest
	err := s.db.SelectContext(ctx, &out, query, args...)
	return out, err
}
