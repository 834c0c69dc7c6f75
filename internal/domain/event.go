package domain

import "time"

// Channel and stream names for ledger events.
const (
	EventChannel = "ch:campaign"
	EventStream  = "stream:campaign"
)

// EventType names a ledger event.
type EventType string

const (
	EventCampaignCreated     EventType = "campaign.created"
	EventCampaignJoined      EventType = "campaign.joined"
	EventCampaignFull        EventType = "campaign.full"
	EventCampaignCompensated EventType = "campaign.compensated"
)

// LedgerEvent is the JSON envelope published after a committed ledger change.
type LedgerEvent struct {
	Type            EventType `json:"type"`
	CampaignID      string    `json:"campaign_id"`
	UserID          string    `json:"user_id,omitempty"`
	Quantity        int       `json:"quantity,omitempty"`
	CurrentQuantity int       `json:"current_quantity"`
	TargetQuantity  int       `json:"target_quantity"`
	OccurredAt      time.Time `json:"occurred_at"`
}
