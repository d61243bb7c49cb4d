package model

import (
	"encoding/json"
	"time"
)

// CampaignState is the persisted snapshot of a running campaign. It lets
// a restarted process resume without re-acting on crossovers it already
// traded.
type CampaignState struct {
	ID          string               `json:"id"`
	Status      string               `json:"status"`
	Instruments []string             `json:"instruments"`
	LastActed   map[string]time.Time `json:"last_acted"`
	Trailed     map[string]bool      `json:"trailed"` // position key → trailing placed
	StartedAt   time.Time            `json:"started_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Config      json.RawMessage      `json:"config,omitempty"`
}

// CampaignEvent is an operator-visible campaign event, published for
// external consumers (chat bot, dashboards).
type CampaignEvent struct {
	CampaignID string    `json:"campaign_id"`
	Kind       string    `json:"kind"` // start, stop, reconnect, execution, trailing, error
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	TS         time.Time `json:"ts"`
}
