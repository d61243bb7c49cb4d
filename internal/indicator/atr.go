package indicator

import (
	"math"
	"sort"

	"campaign-engine/internal/model"
)

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(c model.Candle, prevClose float64) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
}

// ComputeATR computes the Average True Range over candles, smoothing the True
// Range series with method. The result is aligned to candles[period:], so it
// has len(candles)-period entries; the first period candles carry no ATR.
// A series with len(candles) <= period yields an empty result.
func ComputeATR(candles []model.Candle, period int, method Method) []model.ATRCandle {
	if period <= 0 || len(candles) <= period {
		return []model.ATRCandle{}
	}

	avg := NewAverage(method, period)
	out := make([]model.ATRCandle, 0, len(candles)-period)

	for i := 1; i < len(candles); i++ {
		avg.Update(TrueRange(candles[i], candles[i-1].Close))
		if i < period {
			continue
		}
		atr := avg.Value()
		ratio := 0.0
		if candles[i].Close != 0 {
			ratio = math.Abs(atr / candles[i].Close)
		}
		out = append(out, model.ATRCandle{
			Candle:           candles[i],
			ATR:              atr,
			FluctuationRatio: ratio,
		})
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].TS.Before(out[b].TS)
	})
	return out
}

// LatestATR returns the most recent ATR candle, or false if the series is too short.
func LatestATR(candles []model.Candle, period int, method Method) (model.ATRCandle, bool) {
	series := ComputeATR(candles, period, method)
	if len(series) == 0 {
		return model.ATRCandle{}, false
	}
	return series[len(series)-1], true
}
