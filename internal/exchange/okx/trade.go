package okx

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"campaign-engine/internal/execution"
	"campaign-engine/internal/model"
)

type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	AlgoID  string `json:"algoId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func firstAck(acks []orderAck) (orderAck, error) {
	if len(acks) == 0 {
		return orderAck{}, &APIError{Code: "-1", Msg: "empty response"}
	}
	a := acks[0]
	if a.SCode != "" && a.SCode != "0" {
		return a, &APIError{Code: a.SCode, Msg: a.SMsg}
	}
	return a, nil
}

// Rejections for a client id the venue already holds. A retry after a lost
// response lands here; the original order stands.
const (
	codeDuplicateClOrdID     = "51016"
	codeDuplicateAlgoClOrdID = "51065"
)

func isDuplicate(err error, codes ...string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.Code == c {
			return true
		}
	}
	return false
}

// SetPositionMode sets the account position mode (long_short_mode / net_mode).
func (c *Client) SetPositionMode(ctx context.Context, mode string) error {
	return c.post(ctx, "/api/v5/account/set-position-mode", map[string]string{"posMode": mode}, nil)
}

// SetLeverage sets leverage for one instrument and position side.
func (c *Client) SetLeverage(ctx context.Context, p execution.LeverageParams) error {
	body := map[string]string{
		"instId":  p.InstID,
		"lever":   strconv.Itoa(p.Lever),
		"mgnMode": string(p.MarginMode),
	}
	if p.MarginMode == model.Isolated {
		body["posSide"] = string(p.PosSide)
	}
	return c.post(ctx, "/api/v5/account/set-leverage", body, nil)
}

// PlaceOrder places a market order and returns the exchange order id.
func (c *Client) PlaceOrder(ctx context.Context, p execution.OrderParams) (string, error) {
	body := map[string]string{
		"instId":  p.InstID,
		"tdMode":  string(p.MarginMode),
		"side":    p.Side,
		"posSide": string(p.PosSide),
		"ordType": p.OrdType,
		"sz":      p.Size.String(),
		"clOrdId": p.ClOrdID,
	}
	if p.Tag != "" {
		body["tag"] = p.Tag
	}
	var acks []orderAck
	err := c.post(ctx, "/api/v5/trade/order", body, &acks)
	if err == nil {
		var a orderAck
		if a, err = firstAck(acks); err == nil {
			return a.OrdID, nil
		}
	}
	if p.ClOrdID != "" && isDuplicate(err, codeDuplicateClOrdID) {
		logf("order %s already placed on %s, looking it up", p.ClOrdID, p.InstID)
		return c.orderByClOrdID(ctx, p.InstID, p.ClOrdID)
	}
	return "", err
}

// orderByClOrdID returns the exchange id of the order placed under clOrdID.
func (c *Client) orderByClOrdID(ctx context.Context, instID, clOrdID string) (string, error) {
	var data []orderAck
	q := url.Values{"instId": {instID}, "clOrdId": {clOrdID}}
	if err := c.get(ctx, "/api/v5/trade/order", q, true, &data); err != nil {
		return "", fmt.Errorf("okx: look up order %s: %w", clOrdID, err)
	}
	if len(data) == 0 || data[0].OrdID == "" {
		return "", &APIError{Code: codeDuplicateClOrdID, Msg: "duplicate clOrdId " + clOrdID + " but no such order"}
	}
	return data[0].OrdID, nil
}

// ClosePosition market-closes an entire position.
func (c *Client) ClosePosition(ctx context.Context, p execution.CloseParams) error {
	body := map[string]any{
		"instId":  p.InstID,
		"mgnMode": string(p.MarginMode),
		"posSide": string(p.PosSide),
		"autoCxl": false,
	}
	if p.ClOrdID != "" {
		body["clOrdId"] = p.ClOrdID
	}
	if p.Tag != "" {
		body["tag"] = p.Tag
	}
	return c.post(ctx, "/api/v5/trade/close-position", body, nil)
}

// PlaceTrailingStop places a move_order_stop algo order.
func (c *Client) PlaceTrailingStop(ctx context.Context, p execution.TrailingParams) (string, error) {
	body := map[string]string{
		"instId":        p.InstID,
		"tdMode":        string(p.MarginMode),
		"side":          p.Side,
		"posSide":       string(p.PosSide),
		"ordType":       string(model.AlgoTrailingStop),
		"sz":            p.Size.String(),
		"callbackRatio": p.CallbackRatio.String(),
		"reduceOnly":    "true",
	}
	if p.ActivePx.IsPositive() {
		body["activePx"] = p.ActivePx.String()
	}
	if p.AlgoClOrdID != "" {
		body["algoClOrdId"] = p.AlgoClOrdID
	}
	if p.Tag != "" {
		body["tag"] = p.Tag
	}
	var acks []orderAck
	err := c.post(ctx, "/api/v5/trade/order-algo", body, &acks)
	if err == nil {
		var a orderAck
		if a, err = firstAck(acks); err == nil {
			return a.AlgoID, nil
		}
	}
	if p.AlgoClOrdID != "" && isDuplicate(err, codeDuplicateAlgoClOrdID, codeDuplicateClOrdID) {
		logf("algo order %s already placed on %s, looking it up", p.AlgoClOrdID, p.InstID)
		return c.algoByClOrdID(ctx, p.AlgoClOrdID)
	}
	return "", err
}

// algoByClOrdID returns the algo id of the algo order placed under algoClOrdID.
func (c *Client) algoByClOrdID(ctx context.Context, algoClOrdID string) (string, error) {
	var data []orderAck
	q := url.Values{"algoClOrdId": {algoClOrdID}}
	if err := c.get(ctx, "/api/v5/trade/order-algo", q, true, &data); err != nil {
		return "", fmt.Errorf("okx: look up algo order %s: %w", algoClOrdID, err)
	}
	if len(data) == 0 || data[0].AlgoID == "" {
		return "", &APIError{Code: codeDuplicateAlgoClOrdID, Msg: "duplicate algoClOrdId " + algoClOrdID + " but no such order"}
	}
	return data[0].AlgoID, nil
}

// CancelAlgoOrders cancels algo orders in one request.
func (c *Client) CancelAlgoOrders(ctx context.Context, instID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		body = append(body, map[string]string{"algoId": id, "instId": instID})
	}
	var acks []orderAck
	if err := c.post(ctx, "/api/v5/trade/cancel-algos", body, &acks); err != nil {
		return err
	}
	for _, a := range acks {
		if a.SCode != "" && a.SCode != "0" {
			return &APIError{Code: a.SCode, Msg: fmt.Sprintf("algo %s: %s", a.AlgoID, a.SMsg)}
		}
	}
	return nil
}

// Positions returns open positions, optionally for one instrument.
func (c *Client) Positions(ctx context.Context, instID string) ([]model.Position, error) {
	q := url.Values{"instType": {"SWAP"}}
	if instID != "" {
		q.Set("instId", instID)
	}
	var raw []PositionData
	if err := c.get(ctx, "/api/v5/account/positions", q, true, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(raw))
	for _, r := range raw {
		p := r.Position()
		if p.Open() {
			out = append(out, p)
		}
	}
	return out, nil
}

type balanceData struct {
	TotalEq string `json:"totalEq"`
	Details []struct {
		Ccy string `json:"ccy"`
		Eq  string `json:"eq"`
	} `json:"details"`
}

// Balance returns the equity of ccy (total equity when ccy is empty).
func (c *Client) Balance(ctx context.Context, ccy string) (decimal.Decimal, error) {
	q := url.Values{}
	if ccy != "" {
		q.Set("ccy", ccy)
	}
	var data []balanceData
	if err := c.get(ctx, "/api/v5/account/balance", q, true, &data); err != nil {
		return decimal.Zero, err
	}
	if len(data) == 0 {
		return decimal.Zero, &APIError{Code: "-1", Msg: "empty balance"}
	}
	if ccy == "" {
		return decimal.NewFromString(data[0].TotalEq)
	}
	for _, d := range data[0].Details {
		if d.Ccy == ccy {
			return decimal.NewFromString(d.Eq)
		}
	}
	return decimal.Zero, nil
}

type instrumentData struct {
	InstID string `json:"instId"`
	CtVal  string `json:"ctVal"`
	LotSz  string `json:"lotSz"`
	MinSz  string `json:"minSz"`
	TickSz string `json:"tickSz"`
	State  string `json:"state"`
}

// Instrument returns contract metadata for a SWAP instrument.
func (c *Client) Instrument(ctx context.Context, instID string) (model.Instrument, error) {
	q := url.Values{"instType": {"SWAP"}, "instId": {instID}}
	var data []instrumentData
	if err := c.get(ctx, "/api/v5/public/instruments", q, false, &data); err != nil {
		return model.Instrument{}, err
	}
	if len(data) == 0 {
		return model.Instrument{}, &APIError{Code: "51001", Msg: "Instrument ID does not exist"}
	}
	d := data[0]
	return model.Instrument{
		InstID: d.InstID,
		CtVal:  parseFloat(d.CtVal),
		LotSz:  parseFloat(d.LotSz),
		MinSz:  parseFloat(d.MinSz),
		TickSz: parseFloat(d.TickSz),
		State:  d.State,
	}, nil
}

var _ execution.Exchange = (*Client)(nil)
