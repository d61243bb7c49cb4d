package execution

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"campaign-engine/internal/model"
)

// Fill represents a simulated order fill.
type Fill struct {
	OrderID   string     `json:"order_id"`
	ClOrdID   string     `json:"cl_ord_id"`
	InstID    string     `json:"inst_id"`
	PosSide   model.Side `json:"pos_side"`
	Side      string     `json:"side"`
	FillPrice float64    `json:"fill_price"`
	FillQty   float64    `json:"fill_qty"`
	Slippage  float64    `json:"slippage"`
	FilledAt  time.Time  `json:"filled_at"`
}

// PaperExchange simulates an exchange in memory for dry runs. Orders fill
// immediately at the last mark price moved against the taker by
// slippageBps. Client order ids are deduplicated like a real venue.
type PaperExchange struct {
	mu          sync.RWMutex
	fills       []Fill
	positions   map[string]*model.Position
	algos       map[string]model.AlgoOrder
	marks       map[string]float64
	instruments map[string]model.Instrument
	seen        map[string]string // clOrdId → orderId
	equity      decimal.Decimal
	mode        string
	orderSeq    int64

	slippageBps float64 // e.g. 5 = 0.05%
	market      MarketSource
}

// MarketSource supplies live marks and contract metadata to a paper venue.
type MarketSource interface {
	MarkPrice(ctx context.Context, instID string) (float64, error)
	Instrument(ctx context.Context, instID string) (model.Instrument, error)
}

// NewPaperExchange creates a paper venue with the given USDT equity.
func NewPaperExchange(equity decimal.Decimal, slippageBps float64) *PaperExchange {
	return &PaperExchange{
		fills:       make([]Fill, 0, 256),
		positions:   make(map[string]*model.Position),
		algos:       make(map[string]model.AlgoOrder),
		marks:       make(map[string]float64),
		instruments: make(map[string]model.Instrument),
		seen:        make(map[string]string),
		equity:      equity,
		slippageBps: slippageBps,
	}
}

// WithMarket makes the venue price fills from src and look up contract
// metadata it has not been given.
func (p *PaperExchange) WithMarket(src MarketSource) *PaperExchange {
	p.mu.Lock()
	p.market = src
	p.mu.Unlock()
	return p
}

// refreshMark pulls the current mark from the market source, if any.
func (p *PaperExchange) refreshMark(ctx context.Context, instID string) {
	p.mu.RLock()
	src := p.market
	p.mu.RUnlock()
	if src == nil {
		return
	}
	px, err := src.MarkPrice(ctx, instID)
	if err != nil {
		log.Printf("[paper] mark price %s: %v", instID, err)
		return
	}
	p.SetMark(instID, px)
}

// SetMark records the latest mark price used for fills.
func (p *PaperExchange) SetMark(instID string, px float64) {
	p.mu.Lock()
	p.marks[instID] = px
	p.mu.Unlock()
}

// AddInstrument registers contract metadata.
func (p *PaperExchange) AddInstrument(inst model.Instrument) {
	p.mu.Lock()
	p.instruments[inst.InstID] = inst
	p.mu.Unlock()
}

// GetFills returns a snapshot of all fills.
func (p *PaperExchange) GetFills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

func (p *PaperExchange) SetPositionMode(_ context.Context, mode string) error {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
	return nil
}

func (p *PaperExchange) SetLeverage(_ context.Context, lp LeverageParams) error {
	if lp.Lever <= 0 {
		return &APIError{Code: "51000", Msg: "Parameter lever error"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[model.PositionKey(lp.InstID, lp.PosSide)]; ok {
		pos.Leverage = lp.Lever
	}
	return nil
}

func (p *PaperExchange) PlaceOrder(ctx context.Context, op OrderParams) (string, error) {
	p.refreshMark(ctx, op.InstID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode != PositionModeLongShort {
		return "", &APIError{Code: "51000", Msg: "position mode not set"}
	}
	if id, dup := p.seen[op.ClOrdID]; dup && op.ClOrdID != "" {
		return id, nil
	}
	mark, ok := p.marks[op.InstID]
	if !ok || mark <= 0 {
		return "", &APIError{Code: "51001", Msg: "Instrument ID does not exist"}
	}

	qty := op.Size.InexactFloat64()
	fillPrice, slip := p.slip(mark, op.Side)
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)
	p.seen[op.ClOrdID] = orderID

	key := model.PositionKey(op.InstID, op.PosSide)
	pos, ok := p.positions[key]
	if !ok {
		pos = &model.Position{InstID: op.InstID, Side: op.PosSide, MarginMode: op.MarginMode}
		p.positions[key] = pos
	}
	pos.AvgPx = (pos.AvgPx*pos.Size + fillPrice*qty) / (pos.Size + qty)
	pos.Size += qty
	pos.UpdatedAt = time.Now().UTC()

	p.fills = append(p.fills, Fill{
		OrderID: orderID, ClOrdID: op.ClOrdID, InstID: op.InstID, PosSide: op.PosSide,
		Side: op.Side, FillPrice: fillPrice, FillQty: qty, Slippage: slip, FilledAt: pos.UpdatedAt,
	})
	log.Printf("[paper] %s %s %s qty=%s price=%.6f (slip=%.6f) order=%s",
		op.Side, op.InstID, op.PosSide, op.Size, fillPrice, slip, orderID)
	return orderID, nil
}

func (p *PaperExchange) ClosePosition(ctx context.Context, cp CloseParams) error {
	p.refreshMark(ctx, cp.InstID)
	p.mu.Lock()
	defer p.mu.Unlock()

	key := model.PositionKey(cp.InstID, cp.PosSide)
	pos, ok := p.positions[key]
	if !ok || !pos.Open() {
		if _, dup := p.seen[cp.ClOrdID]; dup {
			return nil
		}
		return &APIError{Code: "51023", Msg: "Position does not exist"}
	}
	mark := p.marks[cp.InstID]
	side := cp.PosSide.Opposite().OrderSide()
	fillPrice, slip := p.slip(mark, side)
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)
	p.seen[cp.ClOrdID] = orderID

	pos.RealizedPnL += pos.Favorable(fillPrice) * pos.Size
	p.fills = append(p.fills, Fill{
		OrderID: orderID, ClOrdID: cp.ClOrdID, InstID: cp.InstID, PosSide: cp.PosSide,
		Side: side, FillPrice: fillPrice, FillQty: pos.Size, Slippage: slip, FilledAt: time.Now().UTC(),
	})
	delete(p.positions, key)
	log.Printf("[paper] close %s %s price=%.6f order=%s", cp.InstID, cp.PosSide, fillPrice, orderID)
	return nil
}

func (p *PaperExchange) PlaceTrailingStop(_ context.Context, tp TrailingParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[model.PositionKey(tp.InstID, tp.PosSide)]
	if !ok || !pos.Open() {
		return "", &APIError{Code: "51023", Msg: "Position does not exist"}
	}
	for id, a := range p.algos {
		if a.InstID == tp.InstID && a.Side == tp.PosSide && a.State == "live" {
			return id, nil
		}
	}
	p.orderSeq++
	algoID := fmt.Sprintf("PAPER-ALGO-%d", p.orderSeq)
	p.algos[algoID] = model.AlgoOrder{
		AlgoID:        algoID,
		InstID:        tp.InstID,
		Side:          tp.PosSide,
		Kind:          model.AlgoTrailingStop,
		CallbackRatio: tp.CallbackRatio.InexactFloat64(),
		ActivePx:      tp.ActivePx.InexactFloat64(),
		State:         "live",
		CreatedAt:     time.Now().UTC(),
	}
	pos.AlgoIDs = append(pos.AlgoIDs, algoID)
	return algoID, nil
}

func (p *PaperExchange) CancelAlgoOrders(_ context.Context, instID string, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if a, ok := p.algos[id]; ok && a.InstID == instID {
			a.State = "canceled"
			p.algos[id] = a
		}
	}
	return nil
}

func (p *PaperExchange) Positions(_ context.Context, instID string) ([]model.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []model.Position
	for _, pos := range p.positions {
		if instID != "" && pos.InstID != instID {
			continue
		}
		cp := *pos
		cp.AlgoIDs = nil
		for _, id := range pos.AlgoIDs {
			if p.algos[id].State == "live" {
				cp.AlgoIDs = append(cp.AlgoIDs, id)
			}
		}
		if mark, ok := p.marks[pos.InstID]; ok {
			cp.UPL = pos.Favorable(mark) * pos.Size
		}
		out = append(out, cp)
	}
	return out, nil
}

func (p *PaperExchange) Balance(_ context.Context, _ string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equity, nil
}

func (p *PaperExchange) Instrument(ctx context.Context, instID string) (model.Instrument, error) {
	p.mu.RLock()
	inst, ok := p.instruments[instID]
	src := p.market
	p.mu.RUnlock()
	if ok {
		return inst, nil
	}
	if src != nil {
		inst, err := src.Instrument(ctx, instID)
		if err != nil {
			return model.Instrument{}, err
		}
		p.AddInstrument(inst)
		return inst, nil
	}
	return model.Instrument{InstID: instID, CtVal: 1, LotSz: 1, MinSz: 1, State: "live"}, nil
}

// slip moves mark against a taker on side (buy higher, sell lower).
func (p *PaperExchange) slip(mark float64, side string) (float64, float64) {
	if mark <= 0 || p.slippageBps <= 0 {
		return mark, 0
	}
	s := mark * p.slippageBps / 10000
	if side == "buy" {
		return mark + s, s
	}
	return mark - s, s
}
