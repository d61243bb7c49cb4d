package model

import "time"

// Side is the position side of a hedge-mode perpetual position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderSide returns the order side ("buy"/"sell") that opens this position side.
func (s Side) OrderSide() string {
	if s == Short {
		return "sell"
	}
	return "buy"
}

// MarginMode is the margin mode of a position.
type MarginMode string

const (
	Isolated MarginMode = "isolated"
	Cross    MarginMode = "cross"
)

// Position is the engine's cached copy of an exchange position.
// The exchange owns the truth; the positions stream refreshes this copy.
type Position struct {
	InstID      string     `json:"inst_id"`
	Side        Side       `json:"side"`
	AvgPx       float64    `json:"avg_px"`
	Size        float64    `json:"size"` // contracts, always >= 0
	Leverage    int        `json:"leverage"`
	MarginMode  MarginMode `json:"margin_mode"`
	UPL         float64    `json:"upl"`
	RealizedPnL float64    `json:"realized_pnl"`
	AlgoIDs     []string   `json:"algo_ids"` // pending algo orders attached to this position
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Open reports whether the position currently holds contracts.
func (p *Position) Open() bool {
	return p.Size > 0
}

// Key returns "instId:side".
func (p *Position) Key() string {
	return PositionKey(p.InstID, p.Side)
}

// PositionKey builds the cache key for an instrument and side.
func PositionKey(instID string, side Side) string {
	return instID + ":" + string(side)
}

// Favorable returns the signed price move in the position's favour.
func (p *Position) Favorable(markPx float64) float64 {
	if p.Side == Short {
		return p.AvgPx - markPx
	}
	return markPx - p.AvgPx
}
