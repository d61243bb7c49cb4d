// Package candles keeps an in-memory, per-instrument ordered candle series.
//
// The tail of a series may be "forming" (Confirmed=false). It is updated in
// place by Upsert or ApplyTick until a candle of a later period arrives, at
// which point the forming candle is finalized and becomes immutable.
package candles

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"campaign-engine/internal/model"
)

const defaultMaxCandles = 500

// Store holds candle series keyed by instrument id. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	series map[string][]model.Candle
	max    int
}

// New creates a Store that retains at most maxCandles per instrument.
// maxCandles <= 0 selects the default (500).
func New(maxCandles int) *Store {
	if maxCandles <= 0 {
		maxCandles = defaultMaxCandles
	}
	return &Store{
		series: make(map[string][]model.Candle, 16),
		max:    maxCandles,
	}
}

// Load replaces the series for instID with candles (e.g. a REST backfill).
// Input is sorted ascending and de-duplicated by timestamp; the later
// duplicate wins.
func (s *Store) Load(instID string, candles []model.Candle) {
	cp := make([]model.Candle, len(candles))
	copy(cp, candles)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].TS.Before(cp[j].TS) })

	out := cp[:0]
	for _, c := range cp {
		if n := len(out); n > 0 && out[n-1].TS.Equal(c.TS) {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	// Everything but the tail is history and therefore final.
	for i := 0; i < len(out)-1; i++ {
		out[i].Confirmed = true
	}

	s.mu.Lock()
	s.series[instID] = s.trim(out)
	s.mu.Unlock()
}

// Upsert applies a streamed candle. A candle with the tail's timestamp
// replaces it; a later one finalizes the tail and is appended. Candles older
// than the tail are ignored (finalized candles are immutable).
//
// Returns the candles that became confirmed by this call, oldest first: a
// promoted forming tail and then c itself when it arrives confirmed.
func (s *Store) Upsert(instID string, c model.Candle) []model.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.series[instID]
	n := len(series)
	var confirmed []model.Candle
	switch {
	case n == 0:
		s.series[instID] = append(series, c)

	case c.TS.Equal(series[n-1].TS):
		if series[n-1].Confirmed {
			return nil
		}
		series[n-1] = c

	case c.TS.After(series[n-1].TS):
		if !series[n-1].Confirmed {
			series[n-1].Confirmed = true
			confirmed = append(confirmed, series[n-1])
		}
		s.series[instID] = s.trim(append(series, c))

	default:
		return nil
	}
	if c.Confirmed {
		confirmed = append(confirmed, c)
	}
	return confirmed
}

// ApplyTick extends the forming candle of the period containing ts with a
// trade/mark price. A tick in a new period finalizes the tail and starts a
// new forming candle. Returns the candle finalized by this tick, if any.
func (s *Store) ApplyTick(instID string, ts time.Time, px float64, interval time.Duration) (model.Candle, bool) {
	bucket := ts.UTC().Truncate(interval)

	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.series[instID]
	n := len(series)
	fresh := model.Candle{TS: bucket, Open: px, High: px, Low: px, Close: px}

	if n == 0 {
		s.series[instID] = append(series, fresh)
		return model.Candle{}, false
	}

	last := &series[n-1]
	switch {
	case bucket.Equal(last.TS):
		if last.Confirmed {
			return model.Candle{}, false
		}
		if px > last.High {
			last.High = px
		}
		if px < last.Low {
			last.Low = px
		}
		last.Close = px
		return model.Candle{}, false

	case bucket.After(last.TS):
		var promoted model.Candle
		promotedOK := false
		if !last.Confirmed {
			last.Confirmed = true
			promoted, promotedOK = *last, true
		}
		s.series[instID] = s.trim(append(series, fresh))
		return promoted, promotedOK

	default:
		return model.Candle{}, false
	}
}

// Series returns a copy of the full series for instID, forming tail included.
func (s *Store) Series(instID string) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.series[instID]
	out := make([]model.Candle, len(src))
	copy(out, src)
	return out
}

// Confirmed returns a copy of the finalized candles for instID.
func (s *Store) Confirmed(instID string) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.series[instID]
	n := len(src)
	if n > 0 && !src[n-1].Confirmed {
		n--
	}
	out := make([]model.Candle, n)
	copy(out, src[:n])
	return out
}

// Len returns the number of candles held for instID.
func (s *Store) Len(instID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[instID])
}

// Drop forgets the series for instID.
func (s *Store) Drop(instID string) {
	s.mu.Lock()
	delete(s.series, instID)
	s.mu.Unlock()
}

func (s *Store) trim(series []model.Candle) []model.Candle {
	if over := len(series) - s.max; over > 0 {
		return append(series[:0:0], series[over:]...)
	}
	return series
}

// ParseBar converts an exchange bar string ("1m", "15m", "1H", "4H", "1D",
// "1W") into a duration.
func ParseBar(bar string) (time.Duration, error) {
	bar = strings.TrimSpace(bar)
	if len(bar) < 2 {
		return 0, fmt.Errorf("candles: invalid bar %q", bar)
	}
	unit := bar[len(bar)-1]
	n, err := strconv.Atoi(bar[:len(bar)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("candles: invalid bar %q", bar)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'H', 'h':
		return time.Duration(n) * time.Hour, nil
	case 'D', 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'W', 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("candles: invalid bar unit in %q", bar)
	}
}
