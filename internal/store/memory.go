package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"
)

// table is a bounded record set. When full, inserting evicts the oldest record
// that is terminal; if none is, the insert fails with ErrCapacityExceeded.
type table[T any] struct {
	entity   string
	capacity int
	records  map[string]T
	order    []string
	terminal func(T) bool
	clone    func(T) T
}

func newTable[T any](entity string, capacity int, terminal func(T) bool, clone func(T) T) *table[T] {
	return &table[T]{
		entity:   entity,
		capacity: capacity,
		records:  make(map[string]T),
		terminal: terminal,
		clone:    clone,
	}
}

func (t *table[T]) insert(id string, v T) error {
	if _, exists := t.records[id]; exists {
		return fmt.Errorf("store: %s %s: %w", t.entity, id, ErrDuplicate)
	}
	if t.capacity > 0 && len(t.records) >= t.capacity {
		if !t.evict() {
			return fmt.Errorf("store: %w - %d %s records, none terminal", marketerr.ErrCapacityExceeded, len(t.records), t.entity)
		}
	}
	t.records[id] = t.clone(v)
	t.order = append(t.order, id)
	return nil
}

func (t *table[T]) evict() bool {
	for i, id := range t.order {
		if t.terminal(t.records[id]) {
			delete(t.records, id)
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			return true
		}
	}
	return false
}

func (t *table[T]) get(id string) (T, error) {
	v, ok := t.records[id]
	if !ok {
		var zero T
		return zero, notFound(t.entity, id)
	}
	return t.clone(v), nil
}

func (t *table[T]) update(id string, v T) error {
	if _, ok := t.records[id]; !ok {
		return notFound(t.entity, id)
	}
	t.records[id] = t.clone(v)
	return nil
}

func (t *table[T]) delete(id string) error {
	if _, ok := t.records[id]; !ok {
		return notFound(t.entity, id)
	}
	delete(t.records, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// all returns clones in insertion order.
func (t *table[T]) all(match func(T) bool) []T {
	var out []T
	for _, id := range t.order {
		v := t.records[id]
		if match(v) {
			out = append(out, t.clone(v))
		}
	}
	return out
}

// MemoryStore is a bounded in-process Store. Reads return copies so callers never
// alias stored state.
type MemoryStore struct {
	mu        sync.RWMutex
	listings  *table[*models.Listing]
	orders    *table[*models.Order]
	auth      *table[*models.AuthenticationRequest]
	processed map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most capacity records per entity type.
// A non-positive capacity means unbounded. Sold listings and finished authentication
// requests are only evicted once no open order refers to them.
func NewMemoryStore(capacity int) *MemoryStore {
	s := &MemoryStore{processed: make(map[string]string)}
	s.orders = newTable("order", capacity,
		func(o *models.Order) bool { return o.IsTerminal() },
		cloneOrder)
	s.listings = newTable("listing", capacity,
		func(l *models.Listing) bool {
			if l.Status != models.ListingStatusSold && l.Status != models.ListingStatusExpired {
				return false
			}
			return !s.hasOpenOrder(func(o *models.Order) bool { return o.ListingID == l.ID })
		},
		func(l *models.Listing) *models.Listing { return l.Clone() })
	s.auth = newTable("authentication request", capacity,
		func(r *models.AuthenticationRequest) bool {
			if !r.IsTerminal() {
				return false
			}
			return !s.hasOpenOrder(func(o *models.Order) bool {
				return o.AuthenticationRequestID == r.ID || (r.BidID != "" && o.BidID == r.BidID)
			})
		},
		cloneAuthRequest)
	return s
}

// hasOpenOrder reports whether a non-terminal order matches. Callers hold s.mu.
func (s *MemoryStore) hasOpenOrder(match func(*models.Order) bool) bool {
	for _, o := range s.orders.records {
		if !o.IsTerminal() && match(o) {
			return true
		}
	}
	return false
}

func cloneOrder(o *models.Order) *models.Order {
	cp := *o
	return &cp
}

func cloneAuthRequest(r *models.AuthenticationRequest) *models.AuthenticationRequest {
	cp := *r
	if r.TotalSellerCosts != nil {
		v := *r.TotalSellerCosts
		cp.TotalSellerCosts = &v
	}
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	return &cp
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveListing(_ context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings.insert(l.ID, l)
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listings.get(id)
}

func (s *MemoryStore) UpdateListing(_ context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings.update(l.ID, l)
}

func (s *MemoryStore) DeleteListing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings.delete(id)
}

func (s *MemoryStore) QueryListings(_ context.Context, f ListingFilter) ([]models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := s.listings.all(func(l *models.Listing) bool {
		return (f.SellerID == "" || l.SellerID == f.SellerID) && (f.Status == "" || l.Status == f.Status)
	})
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	if f.Limit > 0 && len(matches) > f.Limit {
		matches = matches[:f.Limit]
	}
	out := make([]models.Listing, 0, len(matches))
	for _, l := range matches {
		out = append(out, *l)
	}
	return out, nil
}

func (s *MemoryStore) snapshotListings() []models.Listing {
	all := s.listings.all(func(*models.Listing) bool { return true })
	out := make([]models.Listing, 0, len(all))
	for _, l := range all {
		out = append(out, *l)
	}
	return out
}

func (s *MemoryStore) GetBid(_ context.Context, bidID string) (*models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.snapshotListings() {
		if b := l.FindBid(bidID); b != nil {
			bid := *b
			return &bid, nil
		}
	}
	return nil, notFound("bid", bidID)
}

func (s *MemoryStore) QueryBids(_ context.Context, f BidFilter) ([]models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterBids(s.snapshotListings(), f), nil
}

func (s *MemoryStore) QueryCounteroffers(_ context.Context, f CounterofferFilter) ([]models.Counteroffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterCounteroffers(s.snapshotListings(), f), nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders.insert(o.ID, o)
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders.get(id)
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders.update(o.ID, o)
}

func (s *MemoryStore) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders.delete(id)
}

func (s *MemoryStore) QueryOrders(_ context.Context, f OrderFilter) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := s.orders.all(func(o *models.Order) bool {
		return (f.ListingID == "" || o.ListingID == f.ListingID) &&
			(f.BidID == "" || o.BidID == f.BidID) &&
			(f.BuyerID == "" || o.BuyerID == f.BuyerID) &&
			(f.SellerID == "" || o.SellerID == f.SellerID) &&
			(f.Status == "" || o.Status == f.Status)
	})
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	if f.Limit > 0 && len(matches) > f.Limit {
		matches = matches[:f.Limit]
	}
	out := make([]models.Order, 0, len(matches))
	for _, o := range matches {
		out = append(out, *o)
	}
	return out, nil
}

func (s *MemoryStore) SaveAuthenticationRequest(_ context.Context, r *models.AuthenticationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth.insert(r.ID, r)
}

func (s *MemoryStore) GetAuthenticationRequest(_ context.Context, id string) (*models.AuthenticationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth.get(id)
}

// UpdateAuthenticationRequest overwrites a request, keeping a frozen seller liability.
func (s *MemoryStore) UpdateAuthenticationRequest(_ context.Context, r *models.AuthenticationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.auth.records[r.ID]; ok && cur.TotalSellerCosts != nil {
		cp := cloneAuthRequest(r)
		frozen := *cur.TotalSellerCosts
		cp.TotalSellerCosts = &frozen
		r = cp
	}
	return s.auth.update(r.ID, r)
}

func (s *MemoryStore) DeleteAuthenticationRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth.delete(id)
}

func (s *MemoryStore) QueryAuthenticationRequests(_ context.Context, f AuthenticationFilter) ([]models.AuthenticationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := s.auth.all(func(r *models.AuthenticationRequest) bool {
		return (f.ListingID == "" || r.ListingID == f.ListingID) &&
			(f.BidID == "" || r.BidID == f.BidID) &&
			(f.Status == "" || r.Status == f.Status)
	})
	out := make([]models.AuthenticationRequest, 0, len(matches))
	for _, r := range matches {
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemoryStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *MemoryStore) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = eventType
	return nil
}
