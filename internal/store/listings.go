package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-core/internal/models"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// listingRow is the relational shape of a listing; bids and counteroffers live in
// JSONB columns so the listing stays one atomic record.
type listingRow struct {
	ID                string          `db:"id"`
	SellerID          string          `db:"seller_id"`
	Title             string          `db:"title"`
	Description       string          `db:"description"`
	Brand             string          `db:"brand"`
	Category          string          `db:"category"`
	HasDiamonds       bool            `db:"has_diamonds"`
	StartingPrice     decimal.Decimal `db:"starting_price"`
	CurrentPrice      decimal.Decimal `db:"current_price"`
	Status            string          `db:"status"`
	HighestBidID      string          `db:"highest_bid_id"`
	Bids              types.JSONText  `db:"bids"`
	Counteroffers     types.JSONText  `db:"counteroffers"`
	CounterofferCount int             `db:"counteroffer_count"`
	CreatedAt         time.Time       `db:"created_at"`
	StartTime         time.Time       `db:"start_time"`
	EndTime           time.Time       `db:"end_time"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func toListingRow(l *models.Listing) (*listingRow, error) {
	bids := l.Bids
	if bids == nil {
		bids = []models.Bid{}
	}
	cos := l.Counteroffers
	if cos == nil {
		cos = []models.Counteroffer{}
	}
	bidsJSON, err := json.Marshal(bids)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bids: %w", err)
	}
	cosJSON, err := json.Marshal(cos)
	if err != nil {
		return nil, fmt.Errorf("failed to encode counteroffers: %w", err)
	}
	return &listingRow{
		ID:                l.ID,
		SellerID:          l.SellerID,
		Title:             l.Title,
		Description:       l.Description,
		Brand:             l.Brand,
		Category:          l.Category,
		HasDiamonds:       l.HasDiamonds,
		StartingPrice:     l.StartingPrice,
		CurrentPrice:      l.CurrentPrice,
		Status:            l.Status,
		HighestBidID:      l.HighestBidID,
		Bids:              types.JSONText(bidsJSON),
		Counteroffers:     types.JSONText(cosJSON),
		CounterofferCount: l.CounterofferCount,
		CreatedAt:         l.CreatedAt,
		StartTime:         l.StartTime,
		EndTime:           l.EndTime,
		UpdatedAt:         l.UpdatedAt,
	}, nil
}

func (r *listingRow) toModel() (*models.Listing, error) {
	l := &models.Listing{
		ID:                r.ID,
		SellerID:          r.SellerID,
		Title:             r.Title,
		Description:       r.Description,
		Brand:             r.Brand,
		Category:          r.Category,
		HasDiamonds:       r.HasDiamonds,
		StartingPrice:     r.StartingPrice,
		CurrentPrice:      r.CurrentPrice,
		Status:            r.Status,
		HighestBidID:      r.HighestBidID,
		CounterofferCount: r.CounterofferCount,
		CreatedAt:         r.CreatedAt,
		StartTime:         r.StartTime,
		EndTime:           r.EndTime,
		UpdatedAt:         r.UpdatedAt,
	}
	if err := r.Bids.Unmarshal(&l.Bids); err != nil {
		return nil, fmt.Errorf("failed to decode bids of listing %s: %w", r.ID, err)
	}
	if err := r.Counteroffers.Unmarshal(&l.Counteroffers); err != nil {
		return nil, fmt.Errorf("failed to decode counteroffers of listing %s: %w", r.ID, err)
	}
	return l, nil
}

const listingColumns = `id, seller_id, title, description, brand, category, has_diamonds,
	starting_price, current_price, status, highest_bid_id, bids, counteroffers,
	counteroffer_count, created_at, start_time, end_time, updated_at`

// SaveListing inserts a new listing.
func (s *PostgresStore) SaveListing(ctx context.Context, l *models.Listing) error {
	row, err := toListingRow(l)
	if err != nil {
		return err
	}
	query := `INSERT INTO listings (` + listingColumns + `)
		VALUES (:id, :seller_id, :title, :description, :brand, :category, :has_diamonds,
			:starting_price, :current_price, :status, :highest_bid_id, :bids, :counteroffers,
			:counteroffer_count, :created_at, :start_time, :end_time, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return mapWriteError(err, "listing", l.ID)
	}
	return nil
}

// GetListing retrieves a listing by ID
func (s *PostgresStore) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	var row listingRow
	err := s.db.GetContext(ctx, &row, "SELECT "+listingColumns+" FROM listings WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("listing", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// UpdateListing overwrites the stored snapshot of a listing.
func (s *PostgresStore) UpdateListing(ctx context.Context, l *models.Listing) error {
	row, err := toListingRow(l)
	if err != nil {
		return err
	}
	query := `UPDATE listings SET
			title = :title, description = :description, brand = :brand, category = :category,
			has_diamonds = :has_diamonds, starting_price = :starting_price, current_price = :current_price,
			status = :status, highest_bid_id = :highest_bid_id, bids = :bids, counteroffers = :counteroffers,
			counteroffer_count = :counteroffer_count, start_time = :start_time, end_time = :end_time,
			updated_at = :updated_at
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return err
	}
	return checkAffected(res, "listing", l.ID)
}

// DeleteListing removes a listing.
func (s *PostgresStore) DeleteListing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM listings WHERE id = $1", id)
	if err != nil {
		return err
	}
	return checkAffected(res, "listing", id)
}

// QueryListings returns listings matching f, oldest first.
func (s *PostgresStore) QueryListings(ctx context.Context, f ListingFilter) ([]models.Listing, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.SellerID != "" {
		args = append(args, f.SellerID)
		where = append(where, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	return s.selectListings(ctx, where, args, f.Limit)
}

func (s *PostgresStore) selectListings(ctx context.Context, where []string, args []interface{}, limit int) ([]models.Listing, error) {
	query := "SELECT " + listingColumns + " FROM listings"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []listingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]models.Listing, 0, len(rows))
	for i := range rows {
		l, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, nil
}

// containing builds a JSONB containment argument matching an array element with
// the given field value.
func containing(field, value string) (string, error) {
	b, err := json.Marshal([]map[string]string{{field: value}})
	return string(b), err
}

// GetBid finds a bid through the listing that owns it.
func (s *PostgresStore) GetBid(ctx context.Context, bidID string) (*models.Bid, error) {
	arg, err := containing("id", bidID)
	if err != nil {
		return nil, err
	}
	listings, err := s.selectListings(ctx, []string{"bids @> $1::jsonb"}, []interface{}{arg}, 1)
	if err != nil {
		return nil, err
	}
	for i := range listings {
		if b := listings[i].FindBid(bidID); b != nil {
			return b, nil
		}
	}
	return nil, notFound("bid", bidID)
}

// QueryBids returns bids matching f across listings.
func (s *PostgresStore) QueryBids(ctx context.Context, f BidFilter) ([]models.Bid, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.ListingID != "" {
		args = append(args, f.ListingID)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if f.BidderID != "" {
		arg, err := containing("bidder_id", f.BidderID)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		where = append(where, fmt.Sprintf("bids @> $%d::jsonb", len(args)))
	}

	listings, err := s.selectListings(ctx, where, args, 0)
	if err != nil {
		return nil, err
	}
	return filterBids(listings, f), nil
}

// QueryCounteroffers returns counteroffers matching f across listings.
func (s *PostgresStore) QueryCounteroffers(ctx context.Context, f CounterofferFilter) ([]models.Counteroffer, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.ListingID != "" {
		args = append(args, f.ListingID)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if f.SellerID != "" {
		args = append(args, f.SellerID)
		where = append(where, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if f.BuyerID != "" {
		arg, err := containing("buyer_id", f.BuyerID)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		where = append(where, fmt.Sprintf("counteroffers @> $%d::jsonb", len(args)))
	}

	listings, err := s.selectListings(ctx, where, args, 0)
	if err != nil {
		return nil, err
	}
	return filterCounteroffers(listings, f), nil
}

func filterBids(listings []models.Listing, f BidFilter) []models.Bid {
	var out []models.Bid
	for i := range listings {
		if f.ListingID != "" && listings[i].ID != f.ListingID {
			continue
		}
		for _, b := range listings[i].Bids {
			if f.BidderID != "" && b.BidderID != f.BidderID {
				continue
			}
			if f.Status != "" && b.Status != f.Status {
				continue
			}
			out = append(out, b)
		}
	}
	return out
}

func filterCounteroffers(listings []models.Listing, f CounterofferFilter) []models.Counteroffer {
	var out []models.Counteroffer
	for i := range listings {
		if f.ListingID != "" && listings[i].ID != f.ListingID {
			continue
		}
		for _, c := range listings[i].Counteroffers {
			if f.BuyerID != "" && c.BuyerID != f.BuyerID {
				continue
			}
			if f.SellerID != "" && c.SellerID != f.SellerID {
				continue
			}
			if f.Status != "" && c.Status != f.Status {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

// mapWriteError turns a unique violation into ErrDuplicate.
func mapWriteError(err error, entity, id string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("store: %s %s: %w", entity, id, ErrDuplicate)
	}
	return err
}
