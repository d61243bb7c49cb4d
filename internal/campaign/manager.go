// Package campaign runs live trading campaigns: each campaign streams
// candles for its instruments, trades EMA crossovers once per signal and
// protects open positions with ATR-triggered trailing stops.
//
// The Manager owns the campaign registry; there is no package-level state.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"campaign-engine/internal/execution"
	"campaign-engine/internal/funding"
	"campaign-engine/internal/metrics"
	"campaign-engine/internal/model"
	"campaign-engine/internal/notification"
	"campaign-engine/internal/stream"
)

var (
	// ErrAlreadyActive is returned by Start for a registered id.
	ErrAlreadyActive = errors.New("campaign: already active")
	// ErrUnknownCampaign is returned for lookups of unregistered ids.
	ErrUnknownCampaign = errors.New("campaign: unknown campaign")
)

// CandleSource backfills candle history (oldest first).
type CandleSource interface {
	Candles(ctx context.Context, instID, bar string, limit int) ([]model.Candle, error)
}

// StateStore persists campaign snapshots.
type StateStore interface {
	SaveCampaign(ctx context.Context, st model.CampaignState) error
	LoadCampaign(ctx context.Context, id string) (model.CampaignState, bool, error)
	DeleteCampaign(ctx context.Context, id string) error
}

// EventPublisher publishes operator-visible events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev model.CampaignEvent) error
}

// VarianceResolver supplies the ATR multiple of "auto" trailing campaigns.
type VarianceResolver interface {
	Multiple(ctx context.Context, campaignID, instID string) (float64, error)
}

// SnapshotLister lists the ids of stored campaign snapshots.
type SnapshotLister interface {
	CampaignIDs(ctx context.Context) ([]string, error)
}

// URLs are the websocket endpoints of the three session kinds.
type URLs struct {
	Candles   string // business endpoint (candle channels)
	Positions string // private endpoint; empty disables the positions session
	Tickers   string // public endpoint (mark-price channel)
}

// Deps are the collaborators shared by all campaigns of a Manager.
type Deps struct {
	Executor *execution.Executor
	Candles  CandleSource
	Dialer   stream.Dialer
	URLs     URLs

	Funding  *funding.Scanner         // required for funding-sourced campaigns
	Notifier notification.Notifier    // defaults to a LogNotifier
	Metrics  *metrics.Metrics         // optional
	Health   *metrics.HealthStatus    // optional
	State    StateStore               // optional
	Events   EventPublisher           // optional
	Resolver VarianceResolver         // required for auto trailing
	Session  func(cfg *stream.Config) // optional session tuning (ping, backoff)
	Now      func() time.Time         // defaults to time.Now
}

// Manager is the registry of running campaigns.
type Manager struct {
	deps Deps
	ctx  context.Context

	mu        sync.Mutex
	campaigns map[string]*Campaign
}

// NewManager creates a Manager. Campaign goroutines live until ctx is
// cancelled or the campaign stops.
func NewManager(ctx context.Context, deps Deps) *Manager {
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{
		deps:      deps,
		ctx:       ctx,
		campaigns: make(map[string]*Campaign),
	}
}

// Start registers and starts a campaign under id.
func (m *Manager) Start(ctx context.Context, id string, cfg Config) (*Campaign, error) {
	if id == "" {
		return nil, errors.New("campaign: empty id")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("campaign %s: invalid config: %w", id, err)
	}
	if len(cfg.Instruments) == 0 && m.deps.Funding == nil {
		return nil, fmt.Errorf("campaign %s: no instruments and no funding scanner", id)
	}
	if cfg.Trailing.Mode == TrailingAuto && m.deps.Resolver == nil {
		return nil, fmt.Errorf("campaign %s: auto trailing requires a variance resolver", id)
	}

	c := newCampaign(m, id, cfg)

	// Reserve the id before any network work so a concurrent Start fails.
	m.mu.Lock()
	if _, ok := m.campaigns[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("campaign %s: %w", id, ErrAlreadyActive)
	}
	m.campaigns[id] = c
	n := len(m.campaigns)
	m.mu.Unlock()

	if err := c.start(ctx); err != nil {
		c.cancel()
		m.remove(id, c)
		return nil, fmt.Errorf("campaign %s: %w", id, err)
	}

	m.observeCount(n)
	if m.deps.Metrics != nil {
		m.deps.Metrics.CampaignEvents.WithLabelValues("start").Inc()
	}
	return c, nil
}

// Stop stops and removes a campaign. Unknown ids are a no-op; the result
// reports whether a campaign was stopped.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	c, ok := m.campaigns[id]
	if ok {
		delete(m.campaigns, id)
	}
	n := len(m.campaigns)
	m.mu.Unlock()
	if !ok {
		return false
	}

	c.shutdown("stopped by operator", true)
	m.observeCount(n)
	if m.deps.Metrics != nil {
		m.deps.Metrics.CampaignEvents.WithLabelValues("stop").Inc()
	}
	return true
}

// StopAll stops every campaign (process shutdown). Snapshots are kept so
// the campaigns can resume on the next start.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := m.campaigns
	m.campaigns = make(map[string]*Campaign)
	m.mu.Unlock()
	for _, c := range all {
		c.shutdown("process shutdown", false)
	}
	m.observeCount(0)
}

// Resume restarts every campaign with a stored snapshot, using the stored
// configuration. Campaigns that fail to start are reported and skipped.
func (m *Manager) Resume(ctx context.Context, ids SnapshotLister) ([]string, error) {
	if m.deps.State == nil {
		return nil, errors.New("campaign: resume requires a state store")
	}
	stored, err := ids.CampaignIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("campaign: list snapshots: %w", err)
	}
	sort.Strings(stored)

	var resumed []string
	var errs []error
	for _, id := range stored {
		st, ok, err := m.deps.State.LoadCampaign(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok || len(st.Config) == 0 {
			continue
		}
		var cfg Config
		if err := json.Unmarshal(st.Config, &cfg); err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: decode stored config: %w", id, err))
			continue
		}
		if _, err := m.Start(ctx, id, cfg); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Printf("[campaign] %s resumed from snapshot (updated %s)", id, st.UpdatedAt.Format(time.RFC3339))
		resumed = append(resumed, id)
	}
	return resumed, errors.Join(errs...)
}

// Get returns a registered campaign.
func (m *Manager) Get(id string) (*Campaign, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	return c, ok
}

// List returns the status of every registered campaign, sorted by id.
func (m *Manager) List() []Status {
	m.mu.Lock()
	all := make([]*Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		all = append(all, c)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, c := range all {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// remove drops c from the registry if it is still the entry for id.
func (m *Manager) remove(id string, c *Campaign) {
	m.mu.Lock()
	removed := false
	if cur, ok := m.campaigns[id]; ok && cur == c {
		delete(m.campaigns, id)
		removed = true
	}
	n := len(m.campaigns)
	m.mu.Unlock()
	if removed {
		log.Printf("[campaign] %s removed from registry", id)
		m.observeCount(n)
	}
}

func (m *Manager) observeCount(n int) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.CampaignsActive.Set(float64(n))
	}
	if m.deps.Health != nil {
		m.deps.Health.SetCampaigns(n)
	}
}
