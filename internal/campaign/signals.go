package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

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

// onCandles applies streamed candles and evaluates a crossover for every
// candle that became confirmed.
func (c *Campaign) onCandles(env stream.Envelope) error {
	rows, err := okx.DecodeCandles(env.Data)
	if err != nil {
		return err
	}
	instID := env.Arg.InstID

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping || !c.instrumentSet()[instID] {
		return nil
	}

	var errs []error
	for _, k := range rows {
		for _, confirmed := range c.candles.Upsert(instID, k) {
			lag := time.Since(confirmed.TS.Add(c.interval)).Seconds()
			c.observe(func(m *metrics.Metrics) { m.CandleLag.Set(lag) })
			if err := c.evaluate(instID, confirmed); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// evaluate recomputes crossovers over the retained window and acts on the
// newest one only when it sits on the candle just confirmed and is later
// than the last crossover acted on. Caller holds mu.
func (c *Campaign) evaluate(instID string, confirmed model.Candle) error {
	series := c.candles.Confirmed(instID)
	events := indicator.FindCrossovers(series, c.cfg.ShortPeriods, c.cfg.LongPeriods)
	if len(events) == 0 {
		return nil
	}
	ev := events[len(events)-1]
	if !ev.TS.Equal(confirmed.TS) {
		return nil
	}
	if last, ok := c.lastActed[instID]; ok && !ev.TS.After(last) {
		return nil
	}

	// Recorded before acting: a crossover is decided exactly once, even if
	// the execution below fails.
	c.lastActed[instID] = ev.TS
	c.persist()
	c.observe(func(m *metrics.Metrics) { m.CrossoversTotal.WithLabelValues(string(ev.Direction)).Inc() })

	slope := indicator.SlopePct(indicator.ComputeEMA(series, c.cfg.ShortPeriods))
	if !c.slopeOK(slope) {
		log.Printf("[campaign] %s %s %s crossover at %s skipped: slope %.4f%% outside bounds",
			c.id, instID, ev.Direction, ev.TS.Format(time.RFC3339), slope)
		return nil
	}
	log.Printf("[campaign] %s %s %s crossover at %s close=%.6f short=%.6f long=%.6f slope=%.4f%%",
		c.id, instID, ev.Direction, ev.TS.Format(time.RFC3339), ev.Close, ev.ShortEMA, ev.LongEMA, slope)
	return c.act(instID, ev)
}

// slopeOK applies the optional bounds to |slope|.
func (c *Campaign) slopeOK(slope float64) bool {
	abs := math.Abs(slope)
	if c.cfg.MinSlopePct != nil && abs < *c.cfg.MinSlopePct {
		return false
	}
	if c.cfg.MaxSlopePct != nil && abs > *c.cfg.MaxSlopePct {
		return false
	}
	return true
}

// act turns a crossover into at most one close and one open. Caller holds mu.
func (c *Campaign) act(instID string, ev model.CrossoverEvent) error {
	side := model.Long
	if ev.Direction == model.Bearish {
		side = model.Short
	}
	decision := strconv.FormatInt(ev.TS.UnixMilli(), 10)
	ctx := logger.WithTraceID(c.ctx, logger.GenerateTraceID(c.id+"/"+instID, ev.TS))

	var errs []error
	executed := false
	defer func() {
		if executed {
			c.afterExecution(instID)
		}
	}()

	if c.cfg.CloseOnOpposite {
		if pos, ok := c.positions[model.PositionKey(instID, side.Opposite())]; ok && pos.Open() {
			res := c.m.deps.Executor.ClosePosition(ctx, execution.CloseRequest{
				CampaignID:      c.id,
				InstID:          instID,
				Side:            pos.Side,
				MarginMode:      c.cfg.MarginMode,
				CloseAlgoOrders: true,
				Decision:        decision,
			})
			executed = true
			c.report("close", instID, pos.Side, res)
			if !res.Success {
				errs = append(errs, fmt.Errorf("close %s %s: %s", instID, pos.Side, res.Message))
			}
		}
	}

	if !c.allowed(instID, side) {
		return errors.Join(errs...)
	}
	if pos, ok := c.positions[model.PositionKey(instID, side)]; ok && pos.Open() {
		log.Printf("[campaign] %s %s already %s (%.4f), not adding", c.id, instID, side, pos.Size)
		return errors.Join(errs...)
	}

	size, err := c.orderSize(ctx, instID, ev.Close)
	if err != nil {
		c.alert(notification.AlertCritical, "execution", "Execution failed",
			fmt.Sprintf("open %s %s: sizing: %v", side, instID, err))
		return errors.Join(append(errs, err)...)
	}

	req := execution.OpenRequest{
		CampaignID: c.id,
		InstID:     instID,
		Side:       side,
		Leverage:   c.cfg.Leverage,
		MarginMode: c.cfg.MarginMode,
		Size:       size,
		Decision:   decision,
	}
	if c.cfg.Trailing.Mode == TrailingOnOpen {
		req.TrailingCallbackRatio = decimal.NewFromFloat(c.cfg.Trailing.CallbackRatio)
	}
	res := c.m.deps.Executor.OpenPosition(ctx, req)
	executed = true
	c.report("open", instID, side, res)
	if !res.Success {
		errs = append(errs, fmt.Errorf("open %s %s: %s", instID, side, res.Message))
	} else {
		c.ensurePositionsSession()
	}
	return errors.Join(errs...)
}

// allowed applies the configured trade direction.
func (c *Campaign) allowed(instID string, side model.Side) bool {
	switch c.cfg.Direction {
	case DirectionLong:
		return side == model.Long
	case DirectionShort:
		return side == model.Short
	case DirectionFunding:
		info, ok := c.m.deps.Funding.Info(instID)
		return ok && info.FavoredSide() == side
	default:
		return true
	}
}

// orderSize returns the configured size, or the equity-percent size at
// price.
func (c *Campaign) orderSize(ctx context.Context, instID string, price float64) (decimal.Decimal, error) {
	if c.cfg.Size > 0 {
		return decimal.NewFromFloat(c.cfg.Size), nil
	}
	ex := c.m.deps.Executor.Exchange()
	equity, err := ex.Balance(ctx, c.cfg.Currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance: %w", err)
	}
	inst, err := ex.Instrument(ctx, instID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("instrument: %w", err)
	}
	size := execution.SizeFromEquity(equity, c.cfg.EquityPercent, c.cfg.Leverage, price, inst)
	if !size.IsPositive() {
		return decimal.Zero, fmt.Errorf("%.2f%% of %s %s is below the minimum size %g",
			c.cfg.EquityPercent, equity.StringFixed(2), c.cfg.Currency, inst.MinSz)
	}
	return size, nil
}

// afterExecution refreshes the position cache from the exchange so the
// ticker subscription follows the new position set. Caller holds mu.
func (c *Campaign) afterExecution(instID string) {
	ctx, cancel := context.WithTimeout(c.ctx, sideEffectTimeout)
	defer cancel()
	list, err := c.m.deps.Executor.Exchange().Positions(ctx, instID)
	if err != nil {
		log.Printf("[campaign] %s refresh positions %s: %v", c.id, instID, err)
		return
	}
	for _, side := range []model.Side{model.Long, model.Short} {
		key := model.PositionKey(instID, side)
		delete(c.positions, key)
	}
	for _, p := range list {
		if p.InstID == instID {
			c.applyPosition(p)
		}
	}
	for _, side := range []model.Side{model.Long, model.Short} {
		key := model.PositionKey(instID, side)
		if _, ok := c.positions[key]; !ok {
			c.forget(instID, key)
		}
	}
	c.syncTickerSession()
	c.persist()
}

// report records metrics and notifies the operator of one execution.
func (c *Campaign) report(action, instID string, side model.Side, res model.Result) {
	outcome := "ok"
	switch {
	case !res.Success:
		outcome = "failed"
	case res.Partial:
		outcome = "partial"
	}
	c.observe(func(m *metrics.Metrics) { m.ExecutionResults.WithLabelValues(action, outcome).Inc() })

	switch outcome {
	case "failed":
		c.alert(notification.AlertCritical, "execution", "Execution failed",
			fmt.Sprintf("%s %s %s after %d attempts: %s %s", action, side, instID, res.Attempts, res.Code, res.Message))
	case "partial":
		msg := fmt.Sprintf("%s %s %s succeeded (order %s)", action, side, instID, res.OrderID)
		if f := res.Followup; f != nil {
			msg += fmt.Sprintf(", follow-up failed: %s %s", f.Code, f.Message)
		}
		c.alert(notification.AlertWarning, "execution", "Partial execution", msg)
	default:
		c.alert(notification.AlertInfo, "execution", "Executed",
			fmt.Sprintf("%s %s %s order %s", action, side, instID, res.OrderID))
	}
}
