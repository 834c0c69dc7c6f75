package domain

import "time"

// CampaignStatus is the persisted lifecycle status of a group buy. The ledger
// only ever writes CampaignStatusActive; other transitions belong to an
// external policy.
type CampaignStatus string

const (
	CampaignStatusActive     CampaignStatus = "active"
	CampaignStatusSuccessful CampaignStatus = "successful"
	CampaignStatusFailed     CampaignStatus = "failed"
	CampaignStatusExpired    CampaignStatus = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusActive, CampaignStatusSuccessful, CampaignStatusFailed, CampaignStatusExpired:
		return true
	default:
		return false
	}
}

// CampaignState is the logical join state derived from quantities and the
// deadline at a given instant. It is never persisted.
type CampaignState string

const (
	CampaignStateOpen    CampaignState = "open"
	CampaignStateFull    CampaignState = "full"
	CampaignStateExpired CampaignState = "expired"
)

// Campaign is a group buy: a commitment to buy TargetQuantity units of a
// product before EndsAt.
//
// Version is the optimistic-concurrency token. Every successful quantity
// change increments it by exactly one.
type Campaign struct {
	ID              string         `json:"id"`
	ProductID       string         `json:"product_id"`
	TargetQuantity  int            `json:"target_quantity"`
	CurrentQuantity int            `json:"current_quantity"`
	CreatorID       string         `json:"creator_id"`
	Status          CampaignStatus `json:"status"`
	EndsAt          time.Time      `json:"ends_at"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
}

// StateAt derives the join state at now. Expiry wins over fullness.
func (c Campaign) StateAt(now time.Time) CampaignState {
	if now.After(c.EndsAt) {
		return CampaignStateExpired
	}
	if c.CurrentQuantity >= c.TargetQuantity {
		return CampaignStateFull
	}
	return CampaignStateOpen
}

// Remaining returns the number of units still available.
func (c Campaign) Remaining() int {
	if r := c.TargetQuantity - c.CurrentQuantity; r > 0 {
		return r
	}
	return 0
}

// AcceptsJoins reports whether a join may be attempted at now. It does not
// check capacity.
func (c Campaign) AcceptsJoins(now time.Time) bool {
	return c.Status == CampaignStatusActive && !now.After(c.EndsAt)
}

// CampaignView is a campaign joined with its product and derived state, as
// served to the rendering layer.
type CampaignView struct {
	Campaign       Campaign        `json:"campaign"`
	Product        Product         `json:"product"`
	State          CampaignState   `json:"state"`
	Remaining      int             `json:"remaining"`
	Participations []Participation `json:"participations,omitempty"`
}
