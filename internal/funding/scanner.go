// Package funding polls perpetual funding rates and maintains the set of
// instruments whose funding and liquidity make them tradeable.
package funding

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"campaign-engine/internal/model"
)

// Info is one instrument's funding snapshot.
type Info struct {
	InstID          string    `json:"inst_id"`
	FundingRate     float64   `json:"funding_rate"`
	FundingTime     time.Time `json:"funding_time"`
	NextFundingTime time.Time `json:"next_funding_time,omitempty"`
	Volume24h       float64   `json:"volume_24h"` // quote currency
}

// FavoredSide is the side that receives funding: shorts when the rate is
// positive, longs when negative.
func (i Info) FavoredSide() model.Side {
	if i.FundingRate > 0 {
		return model.Short
	}
	return model.Long
}

// Source returns, per poll, the funding snapshot of every instrument.
type Source interface {
	Funding(ctx context.Context) (map[string]Info, error)
}

// Cache persists the latest snapshot (Redis in production).
type Cache interface {
	SaveFunding(ctx context.Context, snapshot map[string]Info) error
}

// Config holds the scanner thresholds.
type Config struct {
	Interval       time.Duration // poll period, default 1m
	MinAbsRate     float64       // |fundingRate| >= MinAbsRate
	MinVolume      float64       // volume24h >= MinVolume
	MaxInstruments int           // 0 = unlimited
}

// Select applies the thresholds to a snapshot and returns the tradeable
// instruments ranked by |fundingRate| descending (instId breaks ties).
func Select(snapshot map[string]Info, cfg Config) []string {
	picked := make([]Info, 0, len(snapshot))
	for id, info := range snapshot {
		if info.InstID == "" {
			info.InstID = id
		}
		if math.Abs(info.FundingRate) < cfg.MinAbsRate || info.Volume24h < cfg.MinVolume {
			continue
		}
		picked = append(picked, info)
	}
	sort.Slice(picked, func(i, j int) bool {
		ai, aj := math.Abs(picked[i].FundingRate), math.Abs(picked[j].FundingRate)
		if ai != aj {
			return ai > aj
		}
		return picked[i].InstID < picked[j].InstID
	})
	if cfg.MaxInstruments > 0 && len(picked) > cfg.MaxInstruments {
		picked = picked[:cfg.MaxInstruments]
	}
	out := make([]string, len(picked))
	for i, p := range picked {
		out[i] = p.InstID
	}
	return out
}

// Scanner polls a Source and tracks the tradeable set.
type Scanner struct {
	src   Source
	cfg   Config
	cache Cache

	mu        sync.RWMutex
	snapshot  map[string]Info
	tradeable []string
	lastScan  time.Time
	subs      map[int]func(added, removed []string)
	nextSub   int

	// OnScan observes every completed poll (metrics hook).
	OnScan func(tradeable int, err error)
}

// NewScanner creates a scanner. cache may be nil.
func NewScanner(src Source, cfg Config, cache Cache) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scanner{
		src:      src,
		cfg:      cfg,
		cache:    cache,
		snapshot: make(map[string]Info),
		subs:     make(map[int]func(added, removed []string)),
	}
}

// Run polls until ctx is cancelled. The first scan happens immediately.
func (s *Scanner) Run(ctx context.Context) {
	if _, err := s.ScanNow(ctx); err != nil {
		log.Printf("[funding] initial scan failed: %v", err)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScanNow(ctx); err != nil {
				log.Printf("[funding] scan failed: %v", err)
			}
		}
	}
}

// ScanNow polls once and returns the new tradeable set. On error the
// previous set is kept.
func (s *Scanner) ScanNow(ctx context.Context) ([]string, error) {
	snap, err := s.src.Funding(ctx)
	if err != nil {
		if s.OnScan != nil {
			s.OnScan(len(s.Tradeable()), err)
		}
		return s.Tradeable(), err
	}
	next := Select(snap, s.cfg)

	s.mu.Lock()
	added, removed := diff(s.tradeable, next)
	s.snapshot = snap
	s.tradeable = next
	s.lastScan = time.Now().UTC()
	subs := make([]func(added, removed []string), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SaveFunding(ctx, snap); err != nil {
			log.Printf("[funding] cache snapshot: %v", err)
		}
	}
	if s.OnScan != nil {
		s.OnScan(len(next), nil)
	}
	if len(added) > 0 || len(removed) > 0 {
		log.Printf("[funding] tradeable set changed: +%v -%v (%d total)", added, removed, len(next))
		for _, fn := range subs {
			fn(added, removed)
		}
	}
	return next, nil
}

// Seed installs a cached snapshot before the first successful poll so the
// tradeable set is available at startup. It is ignored once a scan has
// completed and never notifies subscribers. LastScan stays zero, so
// callers that need fresh data still scan.
func (s *Scanner) Seed(snap map[string]Info) {
	next := Select(snap, s.cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastScan.IsZero() {
		return
	}
	s.snapshot = snap
	s.tradeable = next
	log.Printf("[funding] seeded %d cached instruments, %d tradeable", len(snap), len(next))
}

// Tradeable returns a copy of the current tradeable set.
func (s *Scanner) Tradeable() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.tradeable...)
}

// Info returns the latest snapshot entry of an instrument.
func (s *Scanner) Info(instID string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.snapshot[instID]
	return i, ok
}

// LastScan returns the time of the last successful poll.
func (s *Scanner) LastScan() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastScan
}

// NextFundingTime returns the earliest upcoming funding time among the
// tradeable instruments, or zero when unknown.
func (s *Scanner) NextFundingTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next time.Time
	for _, id := range s.tradeable {
		ft := s.snapshot[id].FundingTime
		if ft.IsZero() {
			continue
		}
		if next.IsZero() || ft.Before(next) {
			next = ft
		}
	}
	return next
}

// Subscribe registers fn for tradeable-set changes. The returned func
// unregisters it.
func (s *Scanner) Subscribe(fn func(added, removed []string)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Subscribers returns the number of registered change callbacks.
func (s *Scanner) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func diff(prev, next []string) (added, removed []string) {
	old := make(map[string]bool, len(prev))
	for _, id := range prev {
		old[id] = true
	}
	cur := make(map[string]bool, len(next))
	for _, id := range next {
		cur[id] = true
		if !old[id] {
			added = append(added, id)
		}
	}
	for _, id := range prev {
		if !cur[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}
