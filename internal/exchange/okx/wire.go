package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"campaign-engine/internal/model"
)

// PositionData is an OKX position record, shared by the REST
// /account/positions response and the private "positions" channel.
type PositionData struct {
	InstID         string `json:"instId"`
	PosSide        string `json:"posSide"`
	Pos            string `json:"pos"`
	AvgPx          string `json:"avgPx"`
	Lever          string `json:"lever"`
	MgnMode        string `json:"mgnMode"`
	Upl            string `json:"upl"`
	RealizedPnl    string `json:"realizedPnl"`
	UTime          string `json:"uTime"`
	CloseOrderAlgo []struct {
		AlgoID string `json:"algoId"`
	} `json:"closeOrderAlgo"`
}

// Position converts the wire record. In net mode the sign of pos gives the side.
func (d PositionData) Position() model.Position {
	size := parseFloat(d.Pos)
	side := model.Side(d.PosSide)
	if side != model.Long && side != model.Short {
		side = model.Long
		if size < 0 {
			side = model.Short
		}
	}
	if size < 0 {
		size = -size
	}
	lever, _ := strconv.Atoi(d.Lever)
	p := model.Position{
		InstID:      d.InstID,
		Side:        side,
		AvgPx:       parseFloat(d.AvgPx),
		Size:        size,
		Leverage:    lever,
		MarginMode:  model.MarginMode(d.MgnMode),
		UPL:         parseFloat(d.Upl),
		RealizedPnL: parseFloat(d.RealizedPnl),
		UpdatedAt:   parseMillis(d.UTime),
	}
	for _, a := range d.CloseOrderAlgo {
		if a.AlgoID != "" {
			p.AlgoIDs = append(p.AlgoIDs, a.AlgoID)
		}
	}
	return p
}

// DecodePositions decodes "positions" channel data items.
func DecodePositions(items []json.RawMessage) ([]model.Position, error) {
	out := make([]model.Position, 0, len(items))
	for _, raw := range items {
		var d PositionData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("okx: decode position: %w", err)
		}
		out = append(out, d.Position())
	}
	return out, nil
}

// DecodeCandle decodes one candle row, either the full form
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm] or the compact
// [ts, o, h, l, c, confirm].
func DecodeCandle(row []string) (model.Candle, error) {
	if len(row) < 5 {
		return model.Candle{}, fmt.Errorf("okx: candle row has %d fields", len(row))
	}
	c := model.Candle{
		TS:    parseMillis(row[0]),
		Open:  parseFloat(row[1]),
		High:  parseFloat(row[2]),
		Low:   parseFloat(row[3]),
		Close: parseFloat(row[4]),
	}
	if c.TS.IsZero() {
		return model.Candle{}, fmt.Errorf("okx: bad candle ts %q", row[0])
	}
	if len(row) == 6 {
		// compact form [ts, o, h, l, c, confirm]
		c.Confirmed = row[5] == "1"
		return c, nil
	}
	if len(row) > 5 {
		c.Volume = parseFloat(row[5])
	}
	if len(row) > 7 {
		c.QuoteVolume = parseFloat(row[7])
	}
	if len(row) > 8 {
		c.Confirmed = row[8] == "1"
	}
	return c, nil
}

// DecodeCandles decodes candle channel data items.
func DecodeCandles(items []json.RawMessage) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(items))
	for _, raw := range items {
		var row []string
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("okx: decode candle: %w", err)
		}
		c, err := DecodeCandle(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type markPriceData struct {
	InstID string `json:"instId"`
	MarkPx string `json:"markPx"`
	TS     string `json:"ts"`
}

// DecodeMarkPrices decodes "mark-price" channel data items.
func DecodeMarkPrices(items []json.RawMessage) ([]model.Tick, error) {
	out := make([]model.Tick, 0, len(items))
	for _, raw := range items {
		var d markPriceData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("okx: decode mark price: %w", err)
		}
		out = append(out, model.Tick{InstID: d.InstID, MarkPx: parseFloat(d.MarkPx), TS: parseMillis(d.TS)})
	}
	return out, nil
}

// CandleChannel returns the business-channel name of a bar, e.g. "candle1m".
func CandleChannel(bar string) string {
	return "candle" + bar
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
