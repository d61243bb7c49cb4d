package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"campaign-engine/internal/model"
)

// Exchange is the trading venue as the execution engine sees it.
// Implementations return *APIError for exchange-level rejections.
type Exchange interface {
	SetPositionMode(ctx context.Context, mode string) error
	SetLeverage(ctx context.Context, p LeverageParams) error
	PlaceOrder(ctx context.Context, p OrderParams) (orderID string, err error)
	ClosePosition(ctx context.Context, p CloseParams) error
	PlaceTrailingStop(ctx context.Context, p TrailingParams) (algoID string, err error)
	CancelAlgoOrders(ctx context.Context, instID string, algoIDs []string) error
	Positions(ctx context.Context, instID string) ([]model.Position, error)
	Balance(ctx context.Context, ccy string) (decimal.Decimal, error)
	Instrument(ctx context.Context, instID string) (model.Instrument, error)
}

// PositionModeLongShort is the hedge position mode required by the engine.
const PositionModeLongShort = "long_short_mode"

// LeverageParams sets leverage for one instrument/side.
type LeverageParams struct {
	InstID     string
	Lever      int
	MarginMode model.MarginMode
	PosSide    model.Side
}

// OrderParams is a market order opening (or adding to) a position.
type OrderParams struct {
	InstID     string
	MarginMode model.MarginMode // trade mode
	Side       string           // buy / sell
	PosSide    model.Side
	OrdType    string // market
	Size       decimal.Decimal
	ClOrdID    string
	Tag        string
}

// CloseParams closes an entire position at market.
type CloseParams struct {
	InstID     string
	MarginMode model.MarginMode
	PosSide    model.Side
	ClOrdID    string
	Tag        string
}

// TrailingParams places a trailing-stop algo order on an open position.
type TrailingParams struct {
	InstID        string
	MarginMode    model.MarginMode
	Side          string // closing side: sell for long, buy for short
	PosSide       model.Side
	Size          decimal.Decimal
	CallbackRatio decimal.Decimal
	ActivePx      decimal.Decimal // zero = activate immediately
	AlgoClOrdID   string
	Tag           string
}

// APIError is an exchange rejection: {"code": "...", "msg": "..."}.
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %s: %s", e.Code, e.Msg)
}

// resultFromErr converts any error into a failed Result.
func resultFromErr(err error) model.Result {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return model.Failed(apiErr.Code, apiErr.Msg)
	}
	return model.Failed("", err.Error())
}
