package domain

import "time"

// Product is a catalog item a campaign can be started for. It is owned by the
// catalog and read-only from the ledger's point of view.
type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	PriceCents  int64     `json:"price_cents"` // non-negative, smallest currency unit
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Price returns the display price in whole currency units.
func (p Product) Price() float64 {
	return float64(p.PriceCents) / 100
}
