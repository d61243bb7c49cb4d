package indicator

// Weighted calculates a linearly weighted moving average. The newest value
// has weight period, the oldest weight 1; divisor period*(period+1)/2.
type Weighted struct {
	period  int
	buf     []float64
	idx     int
	count   int
	divisor float64
	current float64
}

// NewWeighted creates a new WMA with the given period.
func NewWeighted(period int) *Weighted {
	return &Weighted{
		period:  period,
		buf:     make([]float64, period),
		divisor: float64(period*(period+1)) / 2,
	}
}

func (w *Weighted) Update(v float64) {
	w.buf[w.idx] = v
	w.idx = (w.idx + 1) % w.period
	w.count++
	if w.count >= w.period {
		w.current = w.weightedSum() / w.divisor
	}
}

func (w *Weighted) Value() float64 { return w.current }
func (w *Weighted) Ready() bool    { return w.count >= w.period }

// weightedSum walks the window oldest to newest.
func (w *Weighted) weightedSum() float64 {
	sum := 0.0
	for i := 0; i < w.period; i++ {
		sum += w.buf[(w.idx+i)%w.period] * float64(i+1)
	}
	return sum
}
