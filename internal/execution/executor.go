// Package execution places and closes perpetual positions and their
// trailing-stop algo orders against an Exchange.
//
// Every call runs inside a bounded retry loop and is converted into a
// model.Result; exchange errors never escape this package. Orders carry a
// deterministic client order id so a retried request after an ambiguous
// failure is deduplicated by the exchange.
package execution

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"campaign-engine/internal/logger"
	"campaign-engine/internal/model"
)

// Config tunes the executor.
type Config struct {
	MaxAttempts     int    // per retried unit, default 3
	PositionMode    string // default long_short_mode
	Tag             string // broker tag attached to every order
	AlgoCancelBatch int    // max algo ids per cancel request, default 10
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		PositionMode:    PositionModeLongShort,
		AlgoCancelBatch: 10,
	}
}

// OpenRequest is one logical decision to open a position.
type OpenRequest struct {
	CampaignID string
	InstID     string
	Side       model.Side
	Leverage   int
	MarginMode model.MarginMode
	Size       decimal.Decimal

	// Optional trailing stop placed once the position is open.
	TrailingCallbackRatio decimal.Decimal
	TrailingActivePx      decimal.Decimal

	// Decision distinguishes repeated decisions with identical parameters
	// (typically the signal timestamp). Empty keeps the id a pure function
	// of the order parameters.
	Decision string
}

// CloseRequest closes a whole position.
type CloseRequest struct {
	CampaignID      string
	InstID          string
	Side            model.Side
	MarginMode      model.MarginMode
	CloseAlgoOrders bool
	Decision        string
}

// TrailingRequest places a trailing stop on an already open position.
type TrailingRequest struct {
	CampaignID    string
	InstID        string
	Side          model.Side
	MarginMode    model.MarginMode
	Size          decimal.Decimal
	CallbackRatio decimal.Decimal
	ActivePx      decimal.Decimal
	Decision      string
}

// Recorder receives every finished execution. Implemented by Journal.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Entry is one journaled execution.
type Entry struct {
	CampaignID string
	Action     string // open, close, trailing
	InstID     string
	Side       model.Side
	Size       decimal.Decimal
	Result     model.Result
	At         time.Time
}

// Executor runs execution requests against an Exchange.
type Executor struct {
	ex  Exchange
	cfg Config
	rec Recorder

	// OnAttempt observes each attempt outcome (metrics hook).
	OnAttempt func(action string, ok bool)
}

// New creates an Executor. rec may be nil.
func New(ex Exchange, cfg Config, rec Recorder) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PositionMode == "" {
		cfg.PositionMode = def.PositionMode
	}
	if cfg.AlgoCancelBatch <= 0 {
		cfg.AlgoCancelBatch = def.AlgoCancelBatch
	}
	return &Executor{ex: ex, cfg: cfg, rec: rec}
}

// Exchange returns the underlying venue.
func (e *Executor) Exchange() Exchange { return e.ex }

// OpenPosition sets the position mode, sets leverage and places a market
// order, retrying the three steps as one unit. When a trailing callback
// ratio is given and the order succeeded, a trailing stop is placed with
// its own retry loop; its failure marks the result Partial without undoing
// the open position.
func (e *Executor) OpenPosition(ctx context.Context, req OpenRequest) model.Result {
	clOrdID := ClientOrderID(req.CampaignID, req.InstID, req.Side, req.Leverage, req.Size, req.Decision)

	res := e.retry(ctx, "open", func() (string, error) {
		if err := e.ex.SetPositionMode(ctx, e.cfg.PositionMode); err != nil {
			return "", err
		}
		if err := e.ex.SetLeverage(ctx, LeverageParams{
			InstID:     req.InstID,
			Lever:      req.Leverage,
			MarginMode: req.MarginMode,
			PosSide:    req.Side,
		}); err != nil {
			return "", err
		}
		return e.ex.PlaceOrder(ctx, OrderParams{
			InstID:     req.InstID,
			MarginMode: req.MarginMode,
			Side:       req.Side.OrderSide(),
			PosSide:    req.Side,
			OrdType:    "market",
			Size:       req.Size,
			ClOrdID:    clOrdID,
			Tag:        e.cfg.Tag,
		})
	})
	res.ClientOrderID = clOrdID
	e.record(ctx, req.CampaignID, "open", req.InstID, req.Side, req.Size, res)

	if !res.Success || !req.TrailingCallbackRatio.IsPositive() {
		return res
	}

	trail := e.placeTrailing(ctx, TrailingRequest{
		CampaignID:    req.CampaignID,
		InstID:        req.InstID,
		Side:          req.Side,
		MarginMode:    req.MarginMode,
		Size:          req.Size,
		CallbackRatio: req.TrailingCallbackRatio,
		ActivePx:      req.TrailingActivePx,
	}, TrailingOrderID(clOrdID))
	res.Followup = &trail
	if !trail.Success {
		res.Partial = true
		log.Printf("[exec] %s %s %s opened without trailing stop: %s %s",
			req.CampaignID, req.InstID, req.Side, trail.Code, trail.Message)
	}
	return res
}

// PlaceTrailingStop places a trailing stop on an open position.
func (e *Executor) PlaceTrailingStop(ctx context.Context, req TrailingRequest) model.Result {
	id := derive("trail", req.CampaignID, req.InstID, string(req.Side), req.Size.String(), req.Decision)
	return e.placeTrailing(ctx, req, id)
}

func (e *Executor) placeTrailing(ctx context.Context, req TrailingRequest, algoClOrdID string) model.Result {
	res := e.retry(ctx, "trailing", func() (string, error) {
		return e.ex.PlaceTrailingStop(ctx, TrailingParams{
			InstID:        req.InstID,
			MarginMode:    req.MarginMode,
			Side:          req.Side.Opposite().OrderSide(),
			PosSide:       req.Side,
			Size:          req.Size,
			CallbackRatio: req.CallbackRatio,
			ActivePx:      req.ActivePx,
			AlgoClOrdID:   algoClOrdID,
			Tag:           e.cfg.Tag,
		})
	})
	res.ClientOrderID = algoClOrdID
	e.record(ctx, req.CampaignID, "trailing", req.InstID, req.Side, req.Size, res)
	return res
}

// ClosePosition sets the position mode and closes the position at market,
// retried as one unit. With CloseAlgoOrders, the position's linked algo
// ids are read before closing and cancelled afterwards, AlgoCancelBatch ids
// per request; any failed batch marks the result Partial.
func (e *Executor) ClosePosition(ctx context.Context, req CloseRequest) model.Result {
	var algoIDs []string
	if req.CloseAlgoOrders {
		algoIDs = e.linkedAlgoIDs(ctx, req.InstID, req.Side)
	}

	clOrdID := CloseOrderID(req.CampaignID, req.InstID, req.Side, req.Decision)
	res := e.retry(ctx, "close", func() (string, error) {
		if err := e.ex.SetPositionMode(ctx, e.cfg.PositionMode); err != nil {
			return "", err
		}
		err := e.ex.ClosePosition(ctx, CloseParams{
			InstID:     req.InstID,
			MarginMode: req.MarginMode,
			PosSide:    req.Side,
			ClOrdID:    clOrdID,
			Tag:        e.cfg.Tag,
		})
		return "", err
	})
	res.ClientOrderID = clOrdID
	e.record(ctx, req.CampaignID, "close", req.InstID, req.Side, decimal.Zero, res)

	if !res.Success || len(algoIDs) == 0 {
		return res
	}

	for start := 0; start < len(algoIDs); start += e.cfg.AlgoCancelBatch {
		batch := algoIDs[start:min(start+e.cfg.AlgoCancelBatch, len(algoIDs))]
		cancel := e.retry(ctx, "cancel_algos", func() (string, error) {
			return strings.Join(batch, ","), e.ex.CancelAlgoOrders(ctx, req.InstID, batch)
		})
		// Followup keeps the first failed batch, else the last one.
		if res.Followup == nil || res.Followup.Success {
			res.Followup = &cancel
		}
		if !cancel.Success {
			res.Partial = true
		}
	}
	return res
}

func (e *Executor) linkedAlgoIDs(ctx context.Context, instID string, side model.Side) []string {
	positions, err := e.ex.Positions(ctx, instID)
	if err != nil {
		log.Printf("[exec] %s: fetch positions for algo cancel: %v", instID, err)
		return nil
	}
	var ids []string
	for _, p := range positions {
		if p.InstID == instID && p.Side == side {
			ids = append(ids, p.AlgoIDs...)
		}
	}
	return ids
}

// retry runs fn up to MaxAttempts times, stopping at the first success.
// A cancelled context ends the loop early with the last failure.
func (e *Executor) retry(ctx context.Context, action string, fn func() (string, error)) model.Result {
	var res model.Result
	attempt := 0
	op := func() error {
		attempt++
		id, err := fn()
		if e.OnAttempt != nil {
			e.OnAttempt(action, err == nil)
		}
		if err == nil {
			res = model.Succeeded(id)
			res.Attempts = attempt
			return nil
		}

		res = resultFromErr(err)
		res.Attempts = attempt
		slog.Warn("execution attempt failed",
			append([]any{
				slog.String("action", action),
				slog.Int("attempt", attempt),
				slog.String("code", res.Code),
				slog.String("msg", res.Message),
			}, logger.LogWithTrace(ctx)...)...)

		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}

	// Attempts run back to back; the bound is the only limit.
	b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(e.cfg.MaxAttempts-1))
	_ = backoff.Retry(op, backoff.WithContext(b, ctx))
	return res
}

func (e *Executor) record(ctx context.Context, campaignID, action, instID string, side model.Side, size decimal.Decimal, res model.Result) {
	if res.Success {
		log.Printf("[exec] %s %s %s %s ok order=%s attempts=%d", campaignID, action, instID, side, res.OrderID, res.Attempts)
	} else {
		log.Printf("[exec] %s %s %s %s FAILED after %d attempts: %s %s", campaignID, action, instID, side, res.Attempts, res.Code, res.Message)
	}
	if e.rec == nil {
		return
	}
	if err := e.rec.Record(ctx, Entry{
		CampaignID: campaignID,
		Action:     action,
		InstID:     instID,
		Side:       side,
		Size:       size,
		Result:     res,
		At:         time.Now().UTC(),
	}); err != nil {
		log.Printf("[journal] record %s %s: %v", action, instID, err)
	}
}
