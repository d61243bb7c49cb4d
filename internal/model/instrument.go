package model

// Instrument holds the contract specification of a perpetual swap.
type Instrument struct {
	InstID string  `json:"inst_id"`
	CtVal  float64 `json:"ct_val"` // contract value in base currency
	LotSz  float64 `json:"lot_sz"` // order size increment (contracts)
	MinSz  float64 `json:"min_sz"`
	TickSz float64 `json:"tick_sz"`
	State  string  `json:"state"` // live, suspend, ...
}
