package campaign

import (
	"fmt"
	"log"
	"time"

	"campaign-engine/internal/model"
	"campaign-engine/internal/notification"
)

// onTradeableChange follows the funding scanner's tradeable set. Added
// instruments are backfilled; removed ones stop streaming candles but keep
// any open position under management.
func (c *Campaign) onTradeableChange(added, removed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return
	}

	c.setInstruments(c.m.deps.Funding.Tradeable())
	for _, inst := range added {
		c.backfill(c.ctx, inst)
	}
	for _, inst := range removed {
		if !c.holds(inst) {
			c.candles.Drop(inst)
			c.synth.Drop(inst)
		}
	}
	c.refreshSession(sessionCandles)
	c.persist()

	log.Printf("[campaign] %s instruments changed: +%v -%v", c.id, added, removed)
	c.alert(notification.AlertInfo, "funding", "Tradeable set changed",
		fmt.Sprintf("added %v removed %v, now %d instruments", added, removed, len(c.Instruments())))
}

// holds reports whether an open position exists on instID. Caller holds mu.
func (c *Campaign) holds(instID string) bool {
	for _, side := range []model.Side{model.Long, model.Short} {
		if p, ok := c.positions[model.PositionKey(instID, side)]; ok && p.Open() {
			return true
		}
	}
	return false
}

// scheduleFundingTimer arms a rescan RescanDelay after the earliest next
// funding time. The timer belongs to the campaign and is stopped with it.
func (c *Campaign) scheduleFundingTimer() {
	next := c.m.deps.Funding.NextFundingTime()
	if next.IsZero() {
		return
	}
	delay := next.Add(c.cfg.RescanDelay).Sub(c.m.deps.Now())
	if delay < c.cfg.RescanDelay {
		delay = c.cfg.RescanDelay
	}

	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.closed {
		return
	}
	if c.fundingTimer != nil {
		c.fundingTimer.Stop()
	}
	c.fundingTimer = time.AfterFunc(delay, c.fundingCycle)
	log.Printf("[campaign] %s funding rescan in %s (funding at %s)", c.id, delay.Round(time.Second), next.Format(time.RFC3339))
}

// fundingCycle rescans after a funding settlement and re-arms the timer.
// Set changes reach the campaign through the scanner subscription.
func (c *Campaign) fundingCycle() {
	if c.ctx.Err() != nil {
		return
	}
	if _, err := c.m.deps.Funding.ScanNow(c.ctx); err != nil {
		log.Printf("[campaign] %s funding rescan: %v", c.id, err)
	}
	c.scheduleFundingTimer()
}
