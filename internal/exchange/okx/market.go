package okx

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"campaign-engine/internal/execution"
	"campaign-engine/internal/funding"
	"campaign-engine/internal/model"
)

const maxCandleLimit = 300

// Candles returns up to limit most recent candles of instID, oldest first.
// The still-forming last bar comes back unconfirmed.
func (c *Client) Candles(ctx context.Context, instID, bar string, limit int) ([]model.Candle, error) {
	if limit <= 0 || limit > maxCandleLimit {
		limit = maxCandleLimit
	}
	q := url.Values{"instId": {instID}, "bar": {bar}, "limit": {strconv.Itoa(limit)}}
	var rows [][]string
	if err := c.get(ctx, "/api/v5/market/candles", q, false, &rows); err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(rows))
	for _, r := range rows {
		cd, err := DecodeCandle(r)
		if err != nil {
			logf("skip candle %s: %v", instID, err)
			continue
		}
		out = append(out, cd)
	}
	// newest first on the wire
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

type fundingData struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

type tickerData struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	VolCcy24h string `json:"volCcy24h"`
}

// Funding returns the current funding snapshot of every USDT-margined
// SWAP, with 24h quote volume taken from the tickers endpoint.
func (c *Client) Funding(ctx context.Context) (map[string]funding.Info, error) {
	var tickers []tickerData
	if err := c.get(ctx, "/api/v5/market/tickers", url.Values{"instType": {"SWAP"}}, false, &tickers); err != nil {
		return nil, err
	}
	var rates []fundingData
	if err := c.get(ctx, "/api/v5/public/funding-rate", url.Values{"instId": {"ANY"}}, false, &rates); err != nil {
		return nil, err
	}

	volume := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		// volCcy24h is in base currency for swaps
		volume[t.InstID] = parseFloat(t.VolCcy24h) * parseFloat(t.Last)
	}

	out := make(map[string]funding.Info, len(rates))
	for _, r := range rates {
		if !strings.HasSuffix(r.InstID, "-USDT-SWAP") {
			continue
		}
		out[r.InstID] = funding.Info{
			InstID:          r.InstID,
			FundingRate:     parseFloat(r.FundingRate),
			FundingTime:     parseMillis(r.FundingTime),
			NextFundingTime: parseMillis(r.NextFundingTime),
			Volume24h:       volume[r.InstID],
		}
	}
	return out, nil
}

// MarkPrice returns the current mark price of a SWAP instrument.
func (c *Client) MarkPrice(ctx context.Context, instID string) (float64, error) {
	q := url.Values{"instType": {"SWAP"}, "instId": {instID}}
	var data []markPriceData
	if err := c.get(ctx, "/api/v5/public/mark-price", q, false, &data); err != nil {
		return 0, err
	}
	if len(data) == 0 || parseFloat(data[0].MarkPx) <= 0 {
		return 0, &APIError{Code: "51001", Msg: "no mark price for " + instID}
	}
	return parseFloat(data[0].MarkPx), nil
}

var (
	_ funding.Source         = (*Client)(nil)
	_ execution.MarketSource = (*Client)(nil)
)
