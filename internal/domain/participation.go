package domain

import "time"

// Participation records one user's committed quantity within a campaign. It
// is created exactly once per successful join and never mutated.
type Participation struct {
	ID             string    `json:"id"`
	CampaignID     string    `json:"campaign_id"`
	UserID         string    `json:"user_id"`
	Quantity       int       `json:"quantity_joined"`
	IdempotencyKey string    `json:"idempotency_key"`
	JoinedAt       time.Time `json:"joined_at"`
}

// SameRequest reports whether p was produced by a join with the given user
// and quantity. Used to tell an idempotent replay from a key reuse.
func (p Participation) SameRequest(userID string, quantity int) bool {
	return p.UserID == userID && p.Quantity == quantity
}
