package campaign

import (
	"fmt"
	"log"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"campaign-engine/internal/exchange/okx"
	"campaign-engine/internal/execution"
	"campaign-engine/internal/indicator"
	"campaign-engine/internal/logger"
	"campaign-engine/internal/metrics"
	"campaign-engine/internal/model"
	"campaign-engine/internal/notification"
	"campaign-engine/internal/stream"
)

// onPositions applies pushed position snapshots to the cache.
func (c *Campaign) onPositions(env stream.Envelope) error {
	list, err := okx.DecodePositions(env.Data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return nil
	}
	tracked := c.instrumentSet()
	for _, p := range list {
		key := p.Key()
		if _, cached := c.positions[key]; !cached && !tracked[p.InstID] {
			continue
		}
		if !p.Open() {
			delete(c.positions, key)
			c.forget(p.InstID, key)
			continue
		}
		c.applyPosition(p)
	}
	c.syncTickerSession()
	c.persist()
	return nil
}

// applyPosition caches an open position. A position with linked algo
// orders is already protected. Caller holds mu.
func (c *Campaign) applyPosition(p model.Position) {
	if !p.Open() {
		return
	}
	c.positions[p.Key()] = p
	if len(p.AlgoIDs) > 0 {
		c.trailed[p.Key()] = true
	}
}

// forget clears per-position state once a position is gone. Caller holds mu.
func (c *Campaign) forget(instID, key string) {
	delete(c.trailed, key)
	for _, side := range []model.Side{model.Long, model.Short} {
		if _, ok := c.positions[model.PositionKey(instID, side)]; ok {
			return
		}
	}
	c.synth.Drop(instID)
}

// ensurePositionsSession starts the positions stream when configured.
func (c *Campaign) ensurePositionsSession() {
	if c.m.deps.URLs.Positions == "" {
		return
	}
	c.startSession(sessionPositions)
}

// untrailed returns instruments holding an open position without a
// trailing stop. Caller holds mu.
func (c *Campaign) untrailed() []string {
	set := make(map[string]bool)
	for key, p := range c.positions {
		if p.Open() && !c.trailed[key] {
			set[p.InstID] = true
		}
	}
	out := make([]string, 0, len(set))
	for inst := range set {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// syncTickerSession keeps the mark-price stream subscribed to exactly the
// instruments with open untrailed positions. Caller holds mu.
func (c *Campaign) syncTickerSession() {
	if !c.cfg.Trailing.ATRDriven() || c.stopping {
		return
	}
	insts := c.untrailed()
	c.setTickerInstruments(insts)
	switch {
	case len(insts) == 0:
		c.retireSession(sessionTickers)
	case c.session(sessionTickers) == nil:
		c.startSession(sessionTickers)
	default:
		c.refreshSession(sessionTickers)
	}
}

func (c *Campaign) setTickerInstruments(insts []string) {
	c.argsMu.Lock()
	c.tickerInsts = append([]string(nil), insts...)
	c.argsMu.Unlock()
}

// onTicks extends the synthetic candle of each ticked instrument and checks
// the ATR trigger of its untrailed positions.
func (c *Campaign) onTicks(env stream.Envelope) error {
	ticks, err := okx.DecodeMarkPrices(env.Data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return nil
	}
	triggered := false
	for _, t := range ticks {
		if t.InstID == "" {
			t.InstID = env.Arg.InstID
		}
		fired, err := c.applyTick(t)
		if err != nil {
			return err
		}
		triggered = triggered || fired
	}
	if triggered {
		c.syncTickerSession()
		c.persist()
	}
	return nil
}

// applyTick reports whether a trailing stop was requested. Caller holds mu.
func (c *Campaign) applyTick(t model.Tick) (bool, error) {
	var open []model.Position
	for _, side := range []model.Side{model.Long, model.Short} {
		key := model.PositionKey(t.InstID, side)
		if p, ok := c.positions[key]; ok && p.Open() && !c.trailed[key] {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		return false, nil
	}

	if c.synth.Len(t.InstID) == 0 {
		c.synth.Load(t.InstID, c.candles.Series(t.InstID))
	}
	c.synth.ApplyTick(t.InstID, t.TS, t.MarkPx, c.interval)
	atr, ok := indicator.LatestATR(c.synth.Series(t.InstID), c.cfg.Trailing.ATRPeriod, c.cfg.Trailing.ATRMethod)
	if !ok || atr.ATR <= 0 {
		return false, nil
	}
	multiple, err := c.trailingMultiple(t.InstID)
	if err != nil {
		return false, err
	}

	fired := false
	distance := atr.ATR * multiple
	for _, p := range open {
		if p.Favorable(t.MarkPx) < distance {
			continue
		}
		c.trigger(p, t, distance)
		fired = true
	}
	return fired, nil
}

func (c *Campaign) trailingMultiple(instID string) (float64, error) {
	if c.cfg.Trailing.Mode != TrailingAuto {
		return c.cfg.Trailing.Multiple, nil
	}
	m, err := c.m.deps.Resolver.Multiple(c.ctx, c.id, instID)
	if err != nil {
		return 0, fmt.Errorf("resolve trailing multiple for %s: %w", instID, err)
	}
	if m <= 0 {
		return 0, fmt.Errorf("resolve trailing multiple for %s: non-positive %g", instID, m)
	}
	return m, nil
}

// trigger requests the trailing stop for p. The flag is set first so the
// request is made at most once per position, even when it fails.
func (c *Campaign) trigger(p model.Position, t model.Tick, distance float64) {
	key := p.Key()
	c.trailed[key] = true
	c.observe(func(m *metrics.Metrics) { m.TrailingTriggers.Inc() })

	estimated := p.AvgPx + distance
	if p.Side == model.Short {
		estimated = p.AvgPx - distance
	}
	slip := execution.SlippagePct(p.Side.Opposite(), estimated, t.MarkPx)
	c.observe(func(m *metrics.Metrics) { m.SlippagePct.Observe(slip.InexactFloat64()) })
	log.Printf("[campaign] %s trailing trigger %s avg=%.6f mark=%.6f distance=%.6f",
		c.id, key, p.AvgPx, t.MarkPx, distance)

	mgn := p.MarginMode
	if mgn == "" {
		mgn = c.cfg.MarginMode
	}
	ctx := logger.WithTraceID(c.ctx, logger.GenerateTraceID(c.id+"/"+key, t.TS))
	res := c.m.deps.Executor.PlaceTrailingStop(ctx, execution.TrailingRequest{
		CampaignID:    c.id,
		InstID:        p.InstID,
		Side:          p.Side,
		MarginMode:    mgn,
		Size:          decimal.NewFromFloat(p.Size),
		CallbackRatio: decimal.NewFromFloat(c.cfg.Trailing.CallbackRatio),
		Decision:      strconv.FormatFloat(p.AvgPx, 'f', -1, 64),
	})
	c.observe(func(m *metrics.Metrics) {
		m.ExecutionResults.WithLabelValues("trailing", metrics.Outcome(res.Success)).Inc()
	})
	if !res.Success {
		c.alert(notification.AlertCritical, "trailing", "Trailing stop failed",
			fmt.Sprintf("%s %s after %d attempts: %s %s; position unprotected",
				p.Side, p.InstID, res.Attempts, res.Code, res.Message))
		return
	}
	c.alert(notification.AlertInfo, "trailing", "Trailing stop placed",
		fmt.Sprintf("%s %s algo %s: estimated %s realized %s slippage %s%%",
			p.Side, p.InstID, res.OrderID,
			decimal.NewFromFloat(estimated).Round(6), decimal.NewFromFloat(t.MarkPx).Round(6), slip))
}
