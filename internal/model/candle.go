package model

import "time"

// Candle represents one OHLCV bar of a perpetual-futures instrument.
// The last candle of a series may be unconfirmed (Confirmed=false); it is
// updated in place by live ticks until its period ends.
type Candle struct {
	TS          time.Time `json:"ts"` // bar start time (UTC)
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`       // contracts
	QuoteVolume float64   `json:"quote_volume"` // quote currency
	Confirmed   bool      `json:"confirmed"`
}

// ATRCandle is a candle annotated with its Average True Range.
// FluctuationRatio is |ATR / Close|.
type ATRCandle struct {
	Candle
	ATR              float64 `json:"atr"`
	FluctuationRatio float64 `json:"fluctuation_ratio"`
}

// Direction of an EMA crossover.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// CrossoverEvent marks the candle where the short EMA changed sides
// relative to the long EMA.
type CrossoverEvent struct {
	TS        time.Time `json:"ts"`
	Close     float64   `json:"close"`
	ShortEMA  float64   `json:"short_ema"`
	LongEMA   float64   `json:"long_ema"`
	Direction Direction `json:"direction"`
}
