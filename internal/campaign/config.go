package campaign

import (
	"errors"
	"fmt"
	"time"

	"campaign-engine/internal/indicator"
	"campaign-engine/internal/marketdata/candles"
	"campaign-engine/internal/model"
)

// Direction restricts which sides a campaign opens.
type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionBoth    Direction = "both"
	DirectionFunding Direction = "funding" // only the side that receives funding
)

// TrailingMode selects how the ATR trailing trigger distance is chosen.
type TrailingMode string

const (
	TrailingOff      TrailingMode = ""
	TrailingOnOpen   TrailingMode = "on_open"  // trailing stop sent with the entry
	TrailingMultiple TrailingMode = "multiple" // ATR × Multiple
	TrailingAuto     TrailingMode = "auto"     // multiple supplied by a VarianceResolver
)

// Trailing configures trailing-stop protection.
type Trailing struct {
	Mode          TrailingMode     `json:"mode"`
	Multiple      float64          `json:"multiple,omitempty"`
	CallbackRatio float64          `json:"callback_ratio"` // e.g. 0.01 = 1%
	ATRPeriod     int              `json:"atr_period,omitempty"`
	ATRMethod     indicator.Method `json:"atr_method,omitempty"`
}

// ATRDriven reports whether trailing is triggered by mark-price ticks.
func (t Trailing) ATRDriven() bool {
	return t.Mode == TrailingMultiple || t.Mode == TrailingAuto
}

// Config is a campaign's strategy configuration.
type Config struct {
	Bar          string           `json:"bar"` // 1m, 5m, 1H ...
	ShortPeriods int              `json:"short_periods"`
	LongPeriods  int              `json:"long_periods"`
	Leverage     int              `json:"leverage"`
	MarginMode   model.MarginMode `json:"margin_mode"`

	// Exactly one of Size (contracts) and EquityPercent is set.
	Size          float64 `json:"size,omitempty"`
	EquityPercent float64 `json:"equity_percent,omitempty"`
	Currency      string  `json:"currency,omitempty"` // balance currency, default USDT

	// Optional bounds on |short EMA slope| in percent per bar.
	MinSlopePct *float64 `json:"min_slope_pct,omitempty"`
	MaxSlopePct *float64 `json:"max_slope_pct,omitempty"`

	Trailing        Trailing  `json:"trailing"`
	Direction       Direction `json:"direction"`
	CloseOnOpposite bool      `json:"close_on_opposite"`

	// Static instrument allow-list. Empty means the funding scanner's
	// tradeable set.
	Instruments []string `json:"instruments,omitempty"`

	HistoryLimit int           `json:"history_limit,omitempty"` // backfill depth, default 300
	RescanDelay  time.Duration `json:"rescan_delay,omitempty"`  // after funding time, default 1m
}

// withDefaults fills optional fields.
func (c Config) withDefaults() Config {
	if c.Bar == "" {
		c.Bar = "1m"
	}
	if c.ShortPeriods == 0 {
		c.ShortPeriods = 9
	}
	if c.LongPeriods == 0 {
		c.LongPeriods = 21
	}
	if c.MarginMode == "" {
		c.MarginMode = model.Cross
	}
	if c.Currency == "" {
		c.Currency = "USDT"
	}
	if c.Direction == "" {
		c.Direction = DirectionBoth
	}
	if c.Trailing.ATRPeriod == 0 {
		c.Trailing.ATRPeriod = 14
	}
	if c.Trailing.ATRMethod == "" {
		c.Trailing.ATRMethod = indicator.RMA
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 300
	}
	if c.RescanDelay == 0 {
		c.RescanDelay = time.Minute
	}
	return c
}

// Validate rejects configurations the engine cannot run.
func (c Config) Validate() error {
	var errs []error
	if _, err := candles.ParseBar(c.Bar); err != nil {
		errs = append(errs, err)
	}
	if c.ShortPeriods <= 0 || c.LongPeriods <= 0 {
		errs = append(errs, errors.New("ema periods must be positive"))
	}
	if c.Leverage <= 0 {
		errs = append(errs, errors.New("leverage must be positive"))
	}
	if c.MarginMode != model.Isolated && c.MarginMode != model.Cross {
		errs = append(errs, fmt.Errorf("unknown margin mode %q", c.MarginMode))
	}
	if (c.Size > 0) == (c.EquityPercent > 0) {
		errs = append(errs, errors.New("exactly one of size and equity_percent must be set"))
	}
	if c.EquityPercent > 100 {
		errs = append(errs, errors.New("equity_percent above 100"))
	}
	if c.MinSlopePct != nil && c.MaxSlopePct != nil && *c.MinSlopePct > *c.MaxSlopePct {
		errs = append(errs, errors.New("min_slope_pct above max_slope_pct"))
	}
	switch c.Direction {
	case DirectionLong, DirectionShort, DirectionBoth:
	case DirectionFunding:
		if len(c.Instruments) > 0 {
			errs = append(errs, errors.New("funding direction requires funding-sourced instruments"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown direction %q", c.Direction))
	}
	switch c.Trailing.Mode {
	case TrailingOff:
	case TrailingOnOpen, TrailingAuto:
		if c.Trailing.CallbackRatio <= 0 {
			errs = append(errs, errors.New("trailing callback_ratio must be positive"))
		}
	case TrailingMultiple:
		if c.Trailing.CallbackRatio <= 0 {
			errs = append(errs, errors.New("trailing callback_ratio must be positive"))
		}
		if c.Trailing.Multiple <= 0 {
			errs = append(errs, errors.New("trailing multiple must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown trailing mode %q", c.Trailing.Mode))
	}
	return errors.Join(errs...)
}
