// Package store persists marketplace entities. Each entity is saved and updated
// atomically on its own; there are no cross-entity transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ListingFilter narrows a listing query. Zero fields match everything.
type ListingFilter struct {
	SellerID string
	Status   string
	Limit    int
}

// BidFilter narrows a bid query.
type BidFilter struct {
	ListingID string
	BidderID  string
	Status    string
}

// CounterofferFilter narrows a counteroffer query.
type CounterofferFilter struct {
	ListingID string
	BuyerID   string
	SellerID  string
	Status    string
}

// OrderFilter narrows an order query.
type OrderFilter struct {
	ListingID string
	BidID     string
	BuyerID   string
	SellerID  string
	Status    string
	Limit     int
}

// AuthenticationFilter narrows an authentication request query.
type AuthenticationFilter struct {
	ListingID string
	BidID     string
	Status    string
}

// ListingStore persists listings with their embedded bids and counteroffers. Bids and
// counteroffers are only written through their listing.
type ListingStore interface {
	SaveListing(ctx context.Context, l *models.Listing) error
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	UpdateListing(ctx context.Context, l *models.Listing) error
	DeleteListing(ctx context.Context, id string) error
	QueryListings(ctx context.Context, f ListingFilter) ([]models.Listing, error)

	GetBid(ctx context.Context, bidID string) (*models.Bid, error)
	QueryBids(ctx context.Context, f BidFilter) ([]models.Bid, error)
	QueryCounteroffers(ctx context.Context, f CounterofferFilter) ([]models.Counteroffer, error)
}

// OrderStore persists orders.
type OrderStore interface {
	SaveOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error
	DeleteOrder(ctx context.Context, id string) error
	QueryOrders(ctx context.Context, f OrderFilter) ([]models.Order, error)
}

// AuthenticationStore persists authentication requests.
type AuthenticationStore interface {
	SaveAuthenticationRequest(ctx context.Context, r *models.AuthenticationRequest) error
	GetAuthenticationRequest(ctx context.Context, id string) (*models.AuthenticationRequest, error)
	UpdateAuthenticationRequest(ctx context.Context, r *models.AuthenticationRequest) error
	DeleteAuthenticationRequest(ctx context.Context, id string) error
	QueryAuthenticationRequests(ctx context.Context, f AuthenticationFilter) ([]models.AuthenticationRequest, error)
}

// EventLog remembers consumed broker events so handlers run once per event.
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Store is the full persistence surface.
type Store interface {
	ListingStore
	OrderStore
	AuthenticationStore
	EventLog
	Ping(ctx context.Context) error
	Close() error
}

// ErrDuplicate is returned when saving a record whose id already exists.
var ErrDuplicate = errors.New("record already exists")

// PostgresStore is the relational Store implementation.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to databaseURL.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database connection
func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

func notFound(entity, id string) error {
	return fmt.Errorf("store: %w - %s %s", marketerr.ErrNotFound, entity, id)
}

func checkAffected(res interface{ RowsAffected() (int64, error) }, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}
