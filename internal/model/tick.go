package model

import "time"

// Tick is a single mark-price update for an instrument.
type Tick struct {
	InstID string    `json:"inst_id"`
	MarkPx float64   `json:"mark_px"`
	TS     time.Time `json:"ts"` // UTC exchange timestamp
}
