// Package okx adapts the OKX v5 REST API to the engine's Exchange,
// funding Source and candle backfill interfaces, and decodes the OKX
// websocket payloads consumed by campaigns.
package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"campaign-engine/internal/breaker"
	"campaign-engine/internal/execution"
)

// APIError is an OKX rejection ({"code","msg"} or per-item sCode/sMsg).
type APIError = execution.APIError

// Signer produces the authentication headers of a private request.
// Signature construction lives outside this package.
type Signer interface {
	Sign(timestamp, method, requestPath, body string) (http.Header, error)
}

// Config configures the REST client.
type Config struct {
	BaseURL   string // e.g. https://www.okx.com
	Signer    Signer // nil: private endpoints fail
	Simulated bool   // x-simulated-trading: 1
	Timeout   time.Duration
}

// Client is an OKX REST client.
type Client struct {
	base      string
	signer    Signer
	simulated bool
	http      *http.Client
	cb        *breaker.Breaker
}

// New creates a client guarded by cb (may be nil).
func New(cfg Config, cb *breaker.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cb != nil {
		// exchange business rejections mean the API is reachable
		cb.Ignore = func(err error) bool {
			var apiErr *APIError
			return errors.As(err, &apiErr)
		}
	}
	return &Client{
		base:      cfg.BaseURL,
		signer:    cfg.Signer,
		simulated: cfg.Simulated,
		http:      &http.Client{Timeout: cfg.Timeout},
		cb:        cb,
	}
}

// ErrNoSigner is returned for private calls on a client without a Signer.
var ErrNoSigner = errors.New("okx: private endpoint requires a signer")

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, q url.Values, private bool, out any) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, private, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, true, out)
}

func (c *Client) do(ctx context.Context, method, path string, body any, private bool, out any) error {
	call := func() error { return c.roundTrip(ctx, method, path, body, private, out) }
	if c.cb == nil {
		return call()
	}
	return c.cb.Execute(call)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, private bool, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("okx: marshal %s: %w", path, err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("okx: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}
	if private {
		if c.signer == nil {
			return ErrNoSigner
		}
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		h, err := c.signer.Sign(ts, method, path, string(payload))
		if err != nil {
			return fmt.Errorf("okx: sign: %w", err)
		}
		for k, vs := range h {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("okx: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("okx: read %s: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("okx: %s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		return fmt.Errorf("okx: decode %s: %w", path, err)
	}
	if env.Code != "0" {
		if env.Code == "" {
			return fmt.Errorf("okx: %s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		msg := env.Msg
		// batch endpoints carry the real reason per item
		if item := firstItemError(env.Data); item != nil {
			return item
		}
		return &APIError{Code: env.Code, Msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("okx: decode %s data: %w", path, err)
	}
	return nil
}

type itemResult struct {
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

func firstItemError(data json.RawMessage) *APIError {
	var items []itemResult
	if json.Unmarshal(data, &items) != nil {
		return nil
	}
	for _, it := range items {
		if it.SCode != "" && it.SCode != "0" {
			return &APIError{Code: it.SCode, Msg: it.SMsg}
		}
	}
	return nil
}

func logf(format string, args ...any) {
	log.Printf("[okx] "+format, args...)
}
