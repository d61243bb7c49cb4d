package indicator

// SMMA is Wilder's smoothed average (RMA): seeded with the plain mean, then
// value = (value*(period-1) + v) / period.
type SMMA struct {
	period int
	seed   float64
	n      int
	value  float64
}

func NewSMMA(period int) *SMMA {
	return &SMMA{period: period}
}

func (s *SMMA) Update(v float64) {
	s.n++
	p := float64(s.period)
	switch {
	case s.n < s.period:
		s.seed += v
	case s.n == s.period:
		s.value = (s.seed + v) / p
	default:
		s.value = (s.value*(p-1) + v) / p
	}
}

func (s *SMMA) Value() float64 { return s.value }
func (s *SMMA) Ready() bool    { return s.n >= s.period }
