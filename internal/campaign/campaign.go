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

	"campaign-engine/internal/exchange/okx"
	"campaign-engine/internal/marketdata/candles"
	"campaign-engine/internal/metrics"
	"campaign-engine/internal/model"
	"campaign-engine/internal/notification"
	"campaign-engine/internal/stream"
)

// Campaign status values.
const (
	StatusStarting = "starting"
	StatusActive   = "active"
	StatusIdle     = "idle" // candle stream idled out; no new signals
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
)

// Session kinds owned by a campaign.
const (
	sessionCandles   = "candles"
	sessionPositions = "positions"
	sessionTickers   = "tickers"
)

const (
	channelPositions = "positions"
	channelMarkPrice = "mark-price"

	sideEffectTimeout = 5 * time.Second
)

// Status is a point-in-time view of a campaign.
type Status struct {
	ID          string               `json:"id"`
	Status      string               `json:"status"`
	Instruments []string             `json:"instruments"`
	Sessions    map[string]string    `json:"sessions"`
	Positions   []model.Position     `json:"positions"`
	LastActed   map[string]time.Time `json:"last_acted"`
	Trailed     []string             `json:"trailed"`
	StartedAt   time.Time            `json:"started_at"`
	Config      Config               `json:"config"`
}

// Campaign is one running strategy instance. Every stream handler step runs
// under mu, so per-campaign state is mutated by one task at a time.
type Campaign struct {
	id       string
	cfg      Config
	m        *Manager
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    string
	stopping  bool
	startedAt time.Time
	lastActed map[string]time.Time      // instrument → last crossover acted on
	trailed   map[string]bool           // position key → trailing stop requested
	positions map[string]model.Position // open positions by key
	candles   *candles.Store            // exchange candles driving signals
	synth     *candles.Store            // mark-price candles driving ATR trailing

	// Read by session Args on every (re)connect; never take mu here.
	argsMu      sync.RWMutex
	instruments []string
	tickerInsts []string

	sessMu       sync.Mutex
	sessions     map[string]*stream.Session
	closed       bool
	fundingTimer *time.Timer
	unsubFunding func()

	stopOnce sync.Once
	done     chan struct{}
}

func newCampaign(m *Manager, id string, cfg Config) *Campaign {
	interval, _ := candles.ParseBar(cfg.Bar)
	ctx, cancel := context.WithCancel(m.ctx)
	return &Campaign{
		id:        id,
		cfg:       cfg,
		m:         m,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusStarting,
		startedAt: m.deps.Now().UTC(),
		lastActed: make(map[string]time.Time),
		trailed:   make(map[string]bool),
		positions: make(map[string]model.Position),
		candles:   candles.New(cfg.HistoryLimit + 50),
		synth:     candles.New(cfg.HistoryLimit + 50),
		sessions:  make(map[string]*stream.Session),
		done:      make(chan struct{}),
	}
}

// ID returns the campaign id.
func (c *Campaign) ID() string { return c.id }

// Config returns the effective configuration (defaults applied).
func (c *Campaign) Config() Config { return c.cfg }

// Done is closed once the campaign has fully stopped.
func (c *Campaign) Done() <-chan struct{} { return c.done }

// fundingSourced reports whether instruments follow the funding scanner.
func (c *Campaign) fundingSourced() bool { return len(c.cfg.Instruments) == 0 }

// start resolves instruments, warms state and opens the candle session.
func (c *Campaign) start(ctx context.Context) error {
	insts, err := c.resolveInstruments(ctx)
	if err != nil {
		return err
	}
	c.setInstruments(insts)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.restore(ctx)
	for _, inst := range insts {
		c.backfill(ctx, inst)
	}
	if err := c.loadPositions(ctx); err != nil {
		// Not fatal: the positions stream or the next execution refreshes it.
		log.Printf("[campaign] %s initial positions: %v", c.id, err)
	}

	c.startSession(sessionCandles)
	if len(c.positions) > 0 {
		c.ensurePositionsSession()
	}
	c.syncTickerSession()

	if c.fundingSourced() {
		// A Stop that raced this start has already run its teardown.
		c.sessMu.Lock()
		if !c.closed {
			c.unsubFunding = c.m.deps.Funding.Subscribe(c.onTradeableChange)
		}
		c.sessMu.Unlock()
		c.scheduleFundingTimer()
	}

	c.status = StatusActive
	c.persist()
	log.Printf("[campaign] %s started: %d instruments, bar=%s ema=%d/%d direction=%s",
		c.id, len(insts), c.cfg.Bar, c.cfg.ShortPeriods, c.cfg.LongPeriods, c.cfg.Direction)
	c.alert(notification.AlertInfo, "start", "Campaign started",
		fmt.Sprintf("%d instruments %v, bar %s, EMA %d/%d", len(insts), insts, c.cfg.Bar, c.cfg.ShortPeriods, c.cfg.LongPeriods))
	return nil
}

func (c *Campaign) resolveInstruments(ctx context.Context) ([]string, error) {
	if !c.fundingSourced() {
		return dedupe(c.cfg.Instruments), nil
	}
	sc := c.m.deps.Funding
	insts := sc.Tradeable()
	if len(insts) == 0 && sc.LastScan().IsZero() {
		var err error
		if insts, err = sc.ScanNow(ctx); err != nil {
			return nil, fmt.Errorf("funding scan: %w", err)
		}
	}
	if len(insts) == 0 {
		return nil, errors.New("no tradeable instruments")
	}
	return insts, nil
}

// restore loads the last snapshot so a restarted campaign does not re-act
// on crossovers it already traded.
func (c *Campaign) restore(ctx context.Context) {
	if c.m.deps.State == nil {
		return
	}
	st, ok, err := c.m.deps.State.LoadCampaign(ctx, c.id)
	if err != nil {
		log.Printf("[campaign] %s restore: %v", c.id, err)
		return
	}
	if !ok {
		return
	}
	for inst, ts := range st.LastActed {
		c.lastActed[inst] = ts
	}
	for key, v := range st.Trailed {
		if v {
			c.trailed[key] = true
		}
	}
	log.Printf("[campaign] %s restored state from %s (%d last-acted)", c.id, st.UpdatedAt.Format(time.RFC3339), len(st.LastActed))
}

// backfill loads recent history so the EMAs are warm before the first
// streamed candle. Failures are reported; the series then warms from the stream.
func (c *Campaign) backfill(ctx context.Context, instID string) {
	if c.m.deps.Candles == nil {
		return
	}
	hist, err := c.m.deps.Candles.Candles(ctx, instID, c.cfg.Bar, c.cfg.HistoryLimit)
	if err != nil {
		log.Printf("[campaign] %s backfill %s: %v", c.id, instID, err)
		c.alert(notification.AlertWarning, "error", "Backfill failed", fmt.Sprintf("%s: %v", instID, err))
		return
	}
	c.candles.Load(instID, hist)
	log.Printf("[campaign] %s backfilled %d candles for %s", c.id, len(hist), instID)
}

// loadPositions replaces the position cache from the exchange.
func (c *Campaign) loadPositions(ctx context.Context) error {
	list, err := c.m.deps.Executor.Exchange().Positions(ctx, "")
	if err != nil {
		return err
	}
	tracked := c.instrumentSet()
	c.positions = make(map[string]model.Position)
	for _, p := range list {
		if !p.Open() || !tracked[p.InstID] {
			continue
		}
		c.positions[p.Key()] = p
		if len(p.AlgoIDs) > 0 {
			c.trailed[p.Key()] = true
		}
	}
	for key := range c.trailed {
		if _, ok := c.positions[key]; !ok {
			delete(c.trailed, key)
		}
	}
	return nil
}

// --- sessions ---

func (c *Campaign) sessionConfig(kind string) stream.Config {
	cfg := stream.Config{Name: c.id + "/" + kind}
	switch kind {
	case sessionCandles:
		cfg.URL = c.m.deps.URLs.Candles
		cfg.Args = c.candleArgs
		cfg.OnMessage = c.onCandles
	case sessionPositions:
		cfg.URL = c.m.deps.URLs.Positions
		cfg.Args = positionArgs
		cfg.OnMessage = c.onPositions
	case sessionTickers:
		cfg.URL = c.m.deps.URLs.Tickers
		cfg.Args = c.tickerArgs
		cfg.OnMessage = c.onTicks
	}
	if c.m.deps.Session != nil {
		c.m.deps.Session(&cfg)
	}
	return cfg
}

// startSession creates and starts a session of kind unless one is running.
func (c *Campaign) startSession(kind string) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.closed || c.sessions[kind] != nil {
		return
	}

	cfg := c.sessionConfig(kind)
	var s *stream.Session
	handler := cfg.OnMessage
	cfg.OnMessage = func(env stream.Envelope) error {
		c.observe(func(m *metrics.Metrics) { m.MessagesTotal.WithLabelValues(kind).Inc() })
		if h := c.m.deps.Health; h != nil {
			h.SetLastMessageTime(time.Now())
		}
		return handler(env)
	}
	cfg.OnReconnect = func(code int, reason string) { c.onReconnect(kind, code, reason) }
	cfg.OnTerminal = func(code int) { c.onTerminal(kind, s, code) }
	cfg.OnIdle = func() { c.onIdle(kind, s) }
	cfg.OnHandlerError = func(err error) { c.onHandlerError(kind, err) }
	cfg.OnStateChange = func(from, to stream.State) { c.onSessionState(kind, from, to) }

	s = stream.New(cfg, c.m.deps.Dialer)
	c.sessions[kind] = s
	s.Start(c.ctx)
	log.Printf("[campaign] %s %s session started (%s)", c.id, kind, cfg.URL)
}

// retireSession detaches and closes a session without ending the campaign.
func (c *Campaign) retireSession(kind string) {
	c.sessMu.Lock()
	s := c.sessions[kind]
	delete(c.sessions, kind)
	c.sessMu.Unlock()
	if s != nil {
		s.Close()
		log.Printf("[campaign] %s %s session retired", c.id, kind)
	}
}

func (c *Campaign) session(kind string) *stream.Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sessions[kind]
}

// current reports whether s is still the live session of kind.
func (c *Campaign) current(kind string, s *stream.Session) bool {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return !c.closed && s != nil && c.sessions[kind] == s
}

func (c *Campaign) refreshSession(kind string) {
	s := c.session(kind)
	if s == nil {
		return
	}
	if err := s.Refresh(); err != nil {
		log.Printf("[campaign] %s refresh %s: %v", c.id, kind, err)
	}
}

func (c *Campaign) candleArgs() []stream.Arg {
	c.argsMu.RLock()
	defer c.argsMu.RUnlock()
	ch := okx.CandleChannel(c.cfg.Bar)
	args := make([]stream.Arg, 0, len(c.instruments))
	for _, inst := range c.instruments {
		args = append(args, stream.Arg{Channel: ch, InstID: inst})
	}
	return args
}

func positionArgs() []stream.Arg {
	return []stream.Arg{{Channel: channelPositions, InstType: "SWAP"}}
}

func (c *Campaign) tickerArgs() []stream.Arg {
	c.argsMu.RLock()
	defer c.argsMu.RUnlock()
	args := make([]stream.Arg, 0, len(c.tickerInsts))
	for _, inst := range c.tickerInsts {
		args = append(args, stream.Arg{Channel: channelMarkPrice, InstID: inst})
	}
	return args
}

func (c *Campaign) setInstruments(insts []string) {
	c.argsMu.Lock()
	c.instruments = append([]string(nil), insts...)
	c.argsMu.Unlock()
}

// Instruments returns the current instrument set.
func (c *Campaign) Instruments() []string {
	c.argsMu.RLock()
	defer c.argsMu.RUnlock()
	return append([]string(nil), c.instruments...)
}

func (c *Campaign) instrumentSet() map[string]bool {
	c.argsMu.RLock()
	defer c.argsMu.RUnlock()
	set := make(map[string]bool, len(c.instruments))
	for _, inst := range c.instruments {
		set[inst] = true
	}
	return set
}

// --- session callbacks ---

func (c *Campaign) onReconnect(kind string, code int, reason string) {
	c.observe(func(m *metrics.Metrics) {
		m.WSReconnects.WithLabelValues(kind, stream.Classify(code).String()).Inc()
	})
	c.alert(notification.AlertWarning, "reconnect", "Stream reconnecting",
		fmt.Sprintf("%s session closed (code %d %s), resubscribing", kind, code, reason))
}

// onTerminal ends the campaign when a live session closes with 1005.
// Sessions retired or closed by shutdown are ignored.
func (c *Campaign) onTerminal(kind string, s *stream.Session, code int) {
	if !c.current(kind, s) {
		return
	}
	c.m.remove(c.id, c)
	if c.ctx.Err() != nil {
		// Process context cancelled: keep the snapshot for the next start.
		c.shutdown("process shutdown", false)
		return
	}
	log.Printf("[campaign] %s %s session closed terminally (code=%d)", c.id, kind, code)
	c.observe(func(m *metrics.Metrics) { m.CampaignEvents.WithLabelValues("terminal").Inc() })
	c.shutdown(fmt.Sprintf("%s session closed (code %d)", kind, code), true)
}

// onIdle drops an idled-out session. Trailing flags are cleared since the
// position context is stale; they are re-derived from the next snapshot.
func (c *Campaign) onIdle(kind string, s *stream.Session) {
	if !c.current(kind, s) {
		return
	}
	c.sessMu.Lock()
	delete(c.sessions, kind)
	c.sessMu.Unlock()
	c.observe(func(m *metrics.Metrics) { m.WSReconnects.WithLabelValues(kind, "idle").Inc() })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return
	}
	switch kind {
	case sessionCandles:
		// Positions and their trailing state are untouched.
		c.status = StatusIdle
	case sessionPositions:
		c.positions = make(map[string]model.Position)
		c.trailed = make(map[string]bool)
		c.retireSession(sessionTickers)
		c.setTickerInstruments(nil)
	case sessionTickers:
		c.trailed = make(map[string]bool)
		c.setTickerInstruments(nil)
	}
	c.persist()
	c.alert(notification.AlertWarning, "idle", "Stream idle",
		fmt.Sprintf("%s session closed for inactivity (code %d); not reconnecting", kind, stream.CodeIdle))
}

func (c *Campaign) onHandlerError(kind string, err error) {
	c.observe(func(m *metrics.Metrics) { m.HandlerErrors.WithLabelValues(kind).Inc() })
	c.alert(notification.AlertWarning, "error", "Handler error", err.Error())
}

func (c *Campaign) onSessionState(kind string, from, to stream.State) {
	delta := 0
	switch {
	case to == stream.StateOpen:
		delta = 1
	case from == stream.StateOpen:
		delta = -1
	}
	if delta == 0 {
		return
	}
	c.observe(func(m *metrics.Metrics) { m.SessionsOpen.WithLabelValues(kind).Add(float64(delta)) })
	if h := c.m.deps.Health; h != nil {
		h.AddSessionsOpen(delta)
	}
}

// --- shutdown ---

// shutdown closes every session, cancels timers and records the final state.
// purge deletes the persisted snapshot; otherwise it is kept for a resume.
func (c *Campaign) shutdown(reason string, purge bool) {
	c.stopOnce.Do(func() {
		c.sessMu.Lock()
		c.closed = true
		sessions := c.sessions
		c.sessions = make(map[string]*stream.Session)
		if c.fundingTimer != nil {
			c.fundingTimer.Stop()
		}
		unsub := c.unsubFunding
		c.sessMu.Unlock()

		if unsub != nil {
			unsub()
		}
		for _, s := range sessions {
			s.Close()
		}

		// Waits for an in-flight handler step to finish.
		c.mu.Lock()
		c.stopping = true
		c.status = StatusStopping
		st := c.snapshot()
		c.status = StatusStopped
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if c.m.deps.State != nil {
			var err error
			if purge {
				err = c.m.deps.State.DeleteCampaign(ctx, c.id)
			} else {
				st.Status = StatusStopped
				err = c.m.deps.State.SaveCampaign(ctx, st)
			}
			if err != nil {
				log.Printf("[campaign] %s final state: %v", c.id, err)
			}
		}
		c.cancel()

		log.Printf("[campaign] %s stopped: %s", c.id, reason)
		c.alertCtx(ctx, notification.AlertInfo, "stop", "Campaign stopped", reason)
		close(c.done)
	})
}

// --- status, persistence, alerts ---

// Status returns a snapshot of the campaign.
func (c *Campaign) Status() Status {
	c.mu.Lock()
	st := Status{
		ID:        c.id,
		Status:    c.status,
		LastActed: make(map[string]time.Time, len(c.lastActed)),
		StartedAt: c.startedAt,
		Config:    c.cfg,
	}
	for inst, ts := range c.lastActed {
		st.LastActed[inst] = ts
	}
	for key, v := range c.trailed {
		if v {
			st.Trailed = append(st.Trailed, key)
		}
	}
	for _, p := range c.positions {
		st.Positions = append(st.Positions, p)
	}
	c.mu.Unlock()

	sort.Strings(st.Trailed)
	sort.Slice(st.Positions, func(i, j int) bool { return st.Positions[i].Key() < st.Positions[j].Key() })
	st.Instruments = c.Instruments()

	c.sessMu.Lock()
	st.Sessions = make(map[string]string, len(c.sessions))
	for kind, s := range c.sessions {
		st.Sessions[kind] = s.State().String()
	}
	c.sessMu.Unlock()
	return st
}

// snapshot builds the persisted state. Caller holds mu.
func (c *Campaign) snapshot() model.CampaignState {
	st := model.CampaignState{
		ID:          c.id,
		Status:      c.status,
		Instruments: c.Instruments(),
		LastActed:   make(map[string]time.Time, len(c.lastActed)),
		Trailed:     make(map[string]bool, len(c.trailed)),
		StartedAt:   c.startedAt,
		UpdatedAt:   c.m.deps.Now().UTC(),
	}
	for inst, ts := range c.lastActed {
		st.LastActed[inst] = ts
	}
	for key, v := range c.trailed {
		st.Trailed[key] = v
	}
	if raw, err := json.Marshal(c.cfg); err == nil {
		st.Config = raw
	}
	return st
}

// persist saves the snapshot. Caller holds mu.
func (c *Campaign) persist() {
	if c.m.deps.State == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, sideEffectTimeout)
	defer cancel()
	if err := c.m.deps.State.SaveCampaign(ctx, c.snapshot()); err != nil {
		log.Printf("[campaign] %s persist: %v", c.id, err)
	}
}

func (c *Campaign) alert(level notification.AlertLevel, kind, title, msg string) {
	ctx, cancel := context.WithTimeout(c.ctx, sideEffectTimeout)
	defer cancel()
	c.alertCtx(ctx, level, kind, title, msg)
}

// alertCtx notifies the operator and publishes the event stream entry.
func (c *Campaign) alertCtx(ctx context.Context, level notification.AlertLevel, kind, title, msg string) {
	a := notification.Alert{Level: level, CampaignID: c.id, Title: title, Message: msg}
	if err := c.m.deps.Notifier.Send(ctx, a); err != nil {
		log.Printf("[campaign] %s notify: %v", c.id, err)
	}
	if c.m.deps.Events != nil {
		ev := model.CampaignEvent{
			CampaignID: c.id,
			Kind:       kind,
			Level:      string(level),
			Message:    title + ": " + msg,
			TS:         c.m.deps.Now().UTC(),
		}
		if err := c.m.deps.Events.PublishEvent(ctx, ev); err != nil {
			log.Printf("[campaign] %s publish event: %v", c.id, err)
		}
	}
}

func (c *Campaign) observe(fn func(m *metrics.Metrics)) {
	if c.m.deps.Metrics != nil {
		fn(c.m.deps.Metrics)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
