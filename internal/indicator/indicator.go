// Package indicator provides technical indicator calculations over candle data.
//
// The moving averages (SMA, EMA, SMMA, WMA) are incremental: they are fed one
// value at a time. ComputeATR, ComputeEMA and FindCrossovers are batch
// functions over a candle series; they copy what they need and never keep
// references to the caller's slice.
package indicator

// Average is the interface for incremental moving averages.
type Average interface {
	// Update feeds the next value and recalculates.
	Update(v float64)

	// Value returns the current average. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool
}

// Method selects the moving average used to smooth the True Range series.
type Method string

const (
	RMA Method = "RMA" // Wilder smoothing (default)
	SMA Method = "SMA"
	EMA Method = "EMA"
	WMA Method = "WMA"
)

// NewAverage creates an Average for the given method and period.
// Unknown methods fall back to RMA.
func NewAverage(m Method, period int) Average {
	switch m {
	case SMA:
		return NewSimple(period)
	case EMA:
		return NewExponential(period)
	case WMA:
		return NewWeighted(period)
	default:
		return NewSMMA(period)
	}
}
