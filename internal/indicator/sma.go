package indicator

// Simple is the arithmetic mean of the last period values, kept as a running
// sum over a ring.
type Simple struct {
	period int
	ring   []float64
	next   int
	n      int
	sum    float64
}

func NewSimple(period int) *Simple {
	return &Simple{period: period, ring: make([]float64, period)}
}

func (s *Simple) Update(v float64) {
	s.sum += v - s.ring[s.next]
	s.ring[s.next] = v
	s.next = (s.next + 1) % s.period
	s.n++
}

func (s *Simple) Value() float64 {
	if !s.Ready() {
		return 0
	}
	return s.sum / float64(s.period)
}

func (s *Simple) Ready() bool { return s.n >= s.period }
