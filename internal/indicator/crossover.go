package indicator

import (
	"time"

	"campaign-engine/internal/model"
)

// EMAPoint is one EMA value aligned to a candle timestamp.
type EMAPoint struct {
	TS    time.Time
	Value float64
}

// ComputeEMA returns the EMA of candle closes. The seed is the simple average
// of the first periods closes and is assigned to candles[periods-1]; earlier
// candles have no EMA and are omitted.
func ComputeEMA(candles []model.Candle, periods int) []EMAPoint {
	if periods <= 0 || len(candles) < periods {
		return nil
	}
	ema := NewExponential(periods)
	out := make([]EMAPoint, 0, len(candles)-periods+1)
	for i, c := range candles {
		ema.Update(c.Close)
		if i < periods-1 {
			continue
		}
		out = append(out, EMAPoint{TS: c.TS, Value: ema.Value()})
	}
	return out
}

// FindCrossovers computes the short and long EMAs and reports every candle
// where their relative order flips.
//
// Bullish: short(t-1) <= long(t-1) && short(t) > long(t)
// Bearish: short(t-1) >= long(t-1) && short(t) < long(t)
//
// shortPeriods >= longPeriods is not an error; it just yields fewer events.
func FindCrossovers(candles []model.Candle, shortPeriods, longPeriods int) []model.CrossoverEvent {
	short := ComputeEMA(candles, shortPeriods)
	long := ComputeEMA(candles, longPeriods)
	if len(short) == 0 || len(long) == 0 {
		return nil
	}

	// Both series are suffixes of candles; trim to the later start.
	start := long[0].TS
	if short[0].TS.After(start) {
		start = short[0].TS
	}
	short = trimBefore(short, start)
	long = trimBefore(long, start)

	n := len(short)
	if len(long) < n {
		n = len(long)
	}
	offset := len(candles) - n

	var events []model.CrossoverEvent
	for i := 1; i < n; i++ {
		prevS, prevL := short[i-1].Value, long[i-1].Value
		curS, curL := short[i].Value, long[i].Value

		var dir model.Direction
		switch {
		case prevS <= prevL && curS > curL:
			dir = model.Bullish
		case prevS >= prevL && curS < curL:
			dir = model.Bearish
		default:
			continue
		}

		c := candles[offset+i]
		events = append(events, model.CrossoverEvent{
			TS:        c.TS,
			Close:     c.Close,
			ShortEMA:  curS,
			LongEMA:   curL,
			Direction: dir,
		})
	}
	return events
}

// SlopePct returns the percentage change between the last two EMA points.
// Returns 0 with fewer than two points.
func SlopePct(points []EMAPoint) float64 {
	if len(points) < 2 {
		return 0
	}
	prev := points[len(points)-2].Value
	if prev == 0 {
		return 0
	}
	return (points[len(points)-1].Value - prev) / prev * 100
}

func trimBefore(points []EMAPoint, start time.Time) []EMAPoint {
	for i, p := range points {
		if !p.TS.Before(start) {
			return points[i:]
		}
	}
	return nil
}
