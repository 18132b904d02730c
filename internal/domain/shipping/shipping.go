package shipping

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// WildcardCountry matches any destination country.
const WildcardCountry = "*"

// Rate ids.
const (
	RateFlat   = "flat_rate"
	RateWeight = "weight_based"
	RateFree   = "free_shipping"
)

// Rate is one candidate shipping option.
type Rate struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
	MinDays     int
	MaxDays     int
}

// Address is the destination used for zone matching.
type Address struct {
	Country    string
	Region     string
	City       string
	PostalCode string
}

// Item is a cart line. Weight is per unit, in kilograms.
type Item struct {
	Weight   decimal.Decimal
	Quantity int
}

// Request holds the inputs of a rate calculation.
type Request struct {
	Items    []Item
	Address  Address
	Subtotal decimal.Decimal
}

// TotalWeight returns Σ weight × quantity.
func (r Request) TotalWeight() decimal.Decimal {
	total := decimal.Zero
	for _, it := range r.Items {
		if it.Quantity <= 0 || !it.Weight.IsPositive() {
			continue
		}
		total = total.Add(it.Weight.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// Zone is a geography-keyed flat-rate rule.
type Zone struct {
	ID                    string
	Name                  string
	Country               string
	Regions               []string
	FlatRate              decimal.Decimal
	FreeShippingThreshold *decimal.Decimal
	Active                bool
}

// covers reports whether z applies to addr by country and region.
func (z Zone) covers(addr Address) bool {
	if !strings.EqualFold(z.Country, addr.Country) {
		return false
	}
	if len(z.Regions) == 0 {
		return true
	}
	for _, r := range z.Regions {
		if strings.EqualFold(r, addr.Region) {
			return true
		}
	}
	return false
}

// ZoneRepository lists shipping zones.
type ZoneRepository interface {
	// ActiveZones returns every active zone.
	ActiveZones(ctx context.Context) ([]Zone, error)
}

// matchZone picks the zone for addr: an exact country match first, then the
// wildcard zone. It returns false when neither exists.
func matchZone(zones []Zone, addr Address) (Zone, bool) {
	var wildcard *Zone
	for i := range zones {
		z := zones[i]
		if !z.Active {
			continue
		}
		if z.Country == WildcardCountry {
			if wildcard == nil {
				wildcard = &zones[i]
			}
			continue
		}
		if z.covers(addr) {
			return z, true
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return Zone{}, false
}
