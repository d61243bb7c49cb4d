// Package exectest provides a scripted in-memory Exchange for tests.
package exectest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"campaign-engine/internal/execution"
	"campaign-engine/internal/model"
)

// Call is one recorded Exchange invocation.
type Call struct {
	Method string
	InstID string
	Args   any
}

// Exchange records every call and fails the next N calls of a method on
// demand. Successful orders open positions so Positions reflects them.
type Exchange struct {
	mu        sync.Mutex
	calls     []Call
	failNext  map[string]int
	failErr   map[string]error
	positions map[string]model.Position
	seq       int

	Equity decimal.Decimal
	Meta   model.Instrument
}

// New returns an Exchange with 1000 USDT equity.
func New() *Exchange {
	return &Exchange{
		failNext:  make(map[string]int),
		failErr:   make(map[string]error),
		positions: make(map[string]model.Position),
		Equity:    decimal.NewFromInt(1000),
	}
}

// Fail makes the next n calls of method return err (an APIError when nil).
func (x *Exchange) Fail(method string, n int, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err == nil {
		err = &execution.APIError{Code: "50001", Msg: method + " unavailable"}
	}
	x.failNext[method] = n
	x.failErr[method] = err
}

// SetPosition seeds an exchange-side position.
func (x *Exchange) SetPosition(p model.Position) {
	x.mu.Lock()
	x.positions[p.Key()] = p
	x.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (x *Exchange) Calls() []Call {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Call, len(x.calls))
	copy(out, x.calls)
	return out
}

// Count returns how many times method was called.
func (x *Exchange) Count(method string) int {
	n := 0
	for _, c := range x.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Methods returns the method names in call order.
func (x *Exchange) Methods() []string {
	var out []string
	for _, c := range x.Calls() {
		out = append(out, c.Method)
	}
	return out
}

func (x *Exchange) enter(method, instID string, args any) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls = append(x.calls, Call{Method: method, InstID: instID, Args: args})
	if x.failNext[method] > 0 {
		x.failNext[method]--
		return x.failErr[method]
	}
	return nil
}

func (x *Exchange) SetPositionMode(_ context.Context, mode string) error {
	return x.enter("SetPositionMode", "", mode)
}

func (x *Exchange) SetLeverage(_ context.Context, p execution.LeverageParams) error {
	return x.enter("SetLeverage", p.InstID, p)
}

func (x *Exchange) PlaceOrder(_ context.Context, p execution.OrderParams) (string, error) {
	if err := x.enter("PlaceOrder", p.InstID, p); err != nil {
		return "", err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.seq++
	key := model.PositionKey(p.InstID, p.PosSide)
	pos := x.positions[key]
	pos.InstID, pos.Side, pos.MarginMode = p.InstID, p.PosSide, p.MarginMode
	pos.Size += p.Size.InexactFloat64()
	x.positions[key] = pos
	return fmt.Sprintf("ord-%d", x.seq), nil
}

func (x *Exchange) ClosePosition(_ context.Context, p execution.CloseParams) error {
	if err := x.enter("ClosePosition", p.InstID, p); err != nil {
		return err
	}
	x.mu.Lock()
	delete(x.positions, model.PositionKey(p.InstID, p.PosSide))
	x.mu.Unlock()
	return nil
}

func (x *Exchange) PlaceTrailingStop(_ context.Context, p execution.TrailingParams) (string, error) {
	if err := x.enter("PlaceTrailingStop", p.InstID, p); err != nil {
		return "", err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.seq++
	id := fmt.Sprintf("algo-%d", x.seq)
	key := model.PositionKey(p.InstID, p.PosSide)
	if pos, ok := x.positions[key]; ok {
		pos.AlgoIDs = append(pos.AlgoIDs, id)
		x.positions[key] = pos
	}
	return id, nil
}

func (x *Exchange) CancelAlgoOrders(_ context.Context, instID string, ids []string) error {
	cp := append([]string(nil), ids...)
	return x.enter("CancelAlgoOrders", instID, cp)
}

func (x *Exchange) Positions(_ context.Context, instID string) ([]model.Position, error) {
	if err := x.enter("Positions", instID, nil); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []model.Position
	for _, p := range x.positions {
		if instID == "" || p.InstID == instID {
			p.AlgoIDs = append([]string(nil), p.AlgoIDs...)
			out = append(out, p)
		}
	}
	return out, nil
}

func (x *Exchange) Balance(_ context.Context, _ string) (decimal.Decimal, error) {
	if err := x.enter("Balance", "", nil); err != nil {
		return decimal.Zero, err
	}
	return x.Equity, nil
}

func (x *Exchange) Instrument(_ context.Context, instID string) (model.Instrument, error) {
	if err := x.enter("Instrument", instID, nil); err != nil {
		return model.Instrument{}, err
	}
	if x.Meta.InstID != "" {
		return x.Meta, nil
	}
	return model.Instrument{InstID: instID, CtVal: 1, LotSz: 1, MinSz: 1, State: "live"}, nil
}

var _ execution.Exchange = (*Exchange)(nil)
