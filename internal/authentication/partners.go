package authentication

import (
	"fmt"
	"strings"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"
	"marketplace-core/internal/partner"

	"github.com/shopspring/decimal"
)

// Partner describes an authentication service and what it is qualified to inspect.
type Partner struct {
	ID              string
	Name            string
	BaseFee         decimal.Decimal
	TurnaroundDays  int
	Brands          []string
	HandlesDiamonds bool
	General         bool
	API             partner.API
}

// Default partner ids
const (
	PartnerDiamondLab = "diamond-lab"
	PartnerGeneral    = "general-authentication"
)

// DefaultPartners is the built-in roster: a gemological lab, official per-brand
// services and a general authenticator.
func DefaultPartners() []Partner {
	return []Partner{
		{ID: PartnerDiamondLab, Name: "Diamond Grading Lab", BaseFee: decimal.NewFromInt(200), TurnaroundDays: 10, HandlesDiamonds: true},
		{ID: "brand-rolex", Name: "Rolex Official Service", BaseFee: decimal.NewFromInt(250), TurnaroundDays: 14, Brands: []string{"rolex"}},
		{ID: "brand-cartier", Name: "Cartier Official Service", BaseFee: decimal.NewFromInt(180), TurnaroundDays: 12, Brands: []string{"cartier"}},
		{ID: "brand-hermes", Name: "Hermes Official Service", BaseFee: decimal.NewFromInt(175), TurnaroundDays: 7, Brands: []string{"hermes", "hermès"}},
		{ID: PartnerGeneral, Name: "General Authentication Service", BaseFee: decimal.NewFromInt(150), TurnaroundDays: 5, General: true},
	}
}

// Registry holds the known partners in declaration order.
type Registry struct {
	partners map[string]Partner
	order    []string
}

// NewRegistry builds a registry. Later duplicates replace earlier entries.
func NewRegistry(partners ...Partner) *Registry {
	r := &Registry{partners: make(map[string]Partner, len(partners))}
	for _, p := range partners {
		if _, exists := r.partners[p.ID]; !exists {
			r.order = append(r.order, p.ID)
		}
		r.partners[p.ID] = p
	}
	return r
}

// Get returns the partner with id.
func (r *Registry) Get(id string) (Partner, bool) {
	p, ok := r.partners[id]
	return p, ok
}

// Attach binds an API client to a registered partner.
func (r *Registry) Attach(id string, api partner.API) error {
	p, ok := r.partners[id]
	if !ok {
		return fmt.Errorf("authentication: %w - %s", marketerr.ErrInvalidPartner, id)
	}
	p.API = api
	r.partners[id] = p
	return nil
}

// All returns partners in declaration order.
func (r *Registry) All() []Partner {
	out := make([]Partner, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.partners[id])
	}
	return out
}

// Select picks the partner for a listing: a diamond specialist when the item has
// diamonds, otherwise the official partner for its brand, otherwise the general one.
func (r *Registry) Select(listing *models.Listing) (Partner, error) {
	all := r.All()

	if listing.HasDiamonds {
		for _, p := range all {
			if p.HandlesDiamonds {
				return p, nil
			}
		}
	}

	brand := strings.ToLower(strings.TrimSpace(listing.Brand))
	if brand != "" {
		for _, p := range all {
			for _, b := range p.Brands {
				if strings.ToLower(b) == brand {
					return p, nil
				}
			}
		}
	}

	for _, p := range all {
		if p.General {
			return p, nil
		}
	}
	return Partner{}, fmt.Errorf("authentication: %w - no general partner configured", marketerr.ErrInvalidPartner)
}
