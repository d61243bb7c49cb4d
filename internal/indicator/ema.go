package indicator

// Exponential is an EMA with alpha 2/(period+1), seeded with the mean of the
// first period values.
type Exponential struct {
	period int
	alpha  float64
	seed   float64
	n      int
	value  float64
}

func NewExponential(period int) *Exponential {
	return &Exponential{period: period, alpha: 2 / float64(period+1)}
}

func (e *Exponential) Update(v float64) {
	e.n++
	switch {
	case e.n < e.period:
		e.seed += v
	case e.n == e.period:
		e.value = (e.seed + v) / float64(e.period)
	default:
		e.value += e.alpha * (v - e.value)
	}
}

func (e *Exponential) Value() float64 { return e.value }
func (e *Exponential) Ready() bool    { return e.n >= e.period }
