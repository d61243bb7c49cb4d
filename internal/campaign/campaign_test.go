package campaign_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-engine/internal/campaign"
	"campaign-engine/internal/execution"
	"campaign-engine/internal/execution/exectest"
	"campaign-engine/internal/funding"
	"campaign-engine/internal/model"
	"campaign-engine/internal/notification"
	"campaign-engine/internal/stream"
	"campaign-engine/internal/stream/streamtest"
)

const (
	candleURL   = "wss://test/business"
	positionURL = "wss://test/private"
	tickerURL   = "wss://test/public"

	btc = "BTC-USDT-SWAP"
	eth = "ETH-USDT-SWAP"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// fakeCandles backfills a descending series: the short EMA stays below the
// long EMA, so a single high close flips it into a bullish crossover.
type fakeCandles struct {
	mu    sync.Mutex
	calls map[string]int
	flat  bool
	gate  chan struct{} // when set, backfills wait for it to close
}

func (f *fakeCandles) Candles(ctx context.Context, instID, _ string, limit int) ([]model.Candle, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[instID]++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n := 30
	if limit < n {
		n = limit
	}
	out := make([]model.Candle, n)
	for i := range out {
		px := 100 - float64(i)
		if f.flat {
			px = 100
		}
		out[i] = model.Candle{
			TS: t0.Add(time.Duration(i) * time.Minute), Open: px, High: px + 0.5, Low: px - 0.5, Close: px, Confirmed: true,
		}
	}
	return out, nil
}

func (f *fakeCandles) count(instID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[instID]
}

type memState struct {
	mu     sync.Mutex
	states map[string]model.CampaignState
}

func newMemState() *memState { return &memState{states: make(map[string]model.CampaignState)} }

func (m *memState) SaveCampaign(_ context.Context, st model.CampaignState) error {
	m.mu.Lock()
	m.states[st.ID] = st
	m.mu.Unlock()
	return nil
}

func (m *memState) LoadCampaign(_ context.Context, id string) (model.CampaignState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	return st, ok, nil
}

func (m *memState) DeleteCampaign(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
	return nil
}

func (m *memState) CampaignIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memState) get(id string) (model.CampaignState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	return st, ok
}

type harness struct {
	ex      *exectest.Exchange
	dialer  *streamtest.Dialer
	alerts  *notification.Recorder
	candles *fakeCandles
	state   *memState
	mgr     *campaign.Manager
}

func newHarness(t *testing.T, mutate ...func(*campaign.Deps)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		ex:      exectest.New(),
		dialer:  streamtest.NewDialer(),
		alerts:  notification.NewRecorder(200),
		candles: &fakeCandles{},
		state:   newMemState(),
	}
	deps := campaign.Deps{
		Executor: execution.New(h.ex, execution.DefaultConfig(), nil),
		Candles:  h.candles,
		Dialer:   h.dialer,
		URLs:     campaign.URLs{Candles: candleURL, Positions: positionURL, Tickers: tickerURL},
		Notifier: h.alerts,
		State:    h.state,
		Session: func(cfg *stream.Config) {
			cfg.DialRetryDelay = 10 * time.Millisecond
		},
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	h.mgr = campaign.NewManager(ctx, deps)
	t.Cleanup(func() {
		h.mgr.StopAll()
		cancel()
	})
	return h
}

func baseConfig(insts ...string) campaign.Config {
	return campaign.Config{
		Bar:         "1m",
		Leverage:    5,
		MarginMode:  model.Isolated,
		Size:        1,
		Instruments: insts,
	}
}

func (h *harness) conn(t *testing.T, url string, n int) *streamtest.Conn {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.dialer.ConnsTo(url)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for connection %d to %s", n, url)
	return h.dialer.ConnsTo(url)[n-1]
}

func waitSubscribed(t *testing.T, c *streamtest.Conn) stream.Request {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Requests()) > 0 }, 2*time.Second, 5*time.Millisecond)
	return c.Requests()[0]
}

func candleFrame(instID string, ts time.Time, closePx float64, confirmed bool) map[string]any {
	confirm := "0"
	if confirmed {
		confirm = "1"
	}
	px := strconv.FormatFloat(closePx, 'f', -1, 64)
	row := []string{strconv.FormatInt(ts.UnixMilli(), 10), px, px, px, px, confirm}
	return map[string]any{
		"arg":  map[string]string{"channel": "candle1m", "instId": instID},
		"data": [][]string{row},
	}
}

func markFrame(instID string, ts time.Time, px float64) map[string]any {
	return map[string]any{
		"arg": map[string]string{"channel": "mark-price", "instId": instID},
		"data": []map[string]string{{
			"instId": instID,
			"markPx": strconv.FormatFloat(px, 'f', -1, 64),
			"ts":     strconv.FormatInt(ts.UnixMilli(), 10),
		}},
	}
}

func hasAlert(r *notification.Recorder, id, title string) bool {
	for _, a := range r.For(id) {
		if a.Title == title {
			return true
		}
	}
	return false
}

func TestStart_TwoInstrumentsSubscribeCandlesOnly(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc, eth))
	require.NoError(t, err)

	req := waitSubscribed(t, h.conn(t, candleURL, 1))
	assert.Equal(t, stream.OpSubscribe, req.Op)
	assert.Equal(t, []stream.Arg{
		{Channel: "candle1m", InstID: btc},
		{Channel: "candle1m", InstID: eth},
	}, req.Args)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.dialer.ConnsTo(candleURL), 1)
	assert.Empty(t, h.dialer.ConnsTo(positionURL))
	assert.Empty(t, h.dialer.ConnsTo(tickerURL))
	assert.Equal(t, 1, h.candles.count(btc))
	assert.Equal(t, 1, h.candles.count(eth))
	assert.True(t, hasAlert(h.alerts, "alpha", "Campaign started"))
}

func TestStart_AlreadyActive(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc))
	require.NoError(t, err)

	_, err = h.mgr.Start(context.Background(), "alpha", baseConfig(eth))
	assert.ErrorIs(t, err, campaign.ErrAlreadyActive)
	assert.Len(t, h.mgr.List(), 1)
}

func TestStart_InvalidConfig(t *testing.T) {
	h := newHarness(t)
	cfg := baseConfig(btc)
	cfg.Leverage = 0
	_, err := h.mgr.Start(context.Background(), "alpha", cfg)
	require.Error(t, err)
	_, ok := h.mgr.Get("alpha")
	assert.False(t, ok)
}

func TestStop_UnknownIsNoop(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.mgr.Stop("nope"))
}

func TestStop_ClosesSessionsAndRemoves(t *testing.T) {
	h := newHarness(t)
	c, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc))
	require.NoError(t, err)
	conn := h.conn(t, candleURL, 1)
	waitSubscribed(t, conn)

	assert.True(t, h.mgr.Stop("alpha"))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("campaign did not stop")
	}
	_, ok := h.mgr.Get("alpha")
	assert.False(t, ok)
	require.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond)

	// No reconnect after an operator stop.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.dialer.ConnsTo(candleURL), 1)
	_, kept := h.state.get("alpha")
	assert.False(t, kept)
}

func TestCrossover_ExecutesOncePerSignal(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc))
	require.NoError(t, err)
	conn := h.conn(t, candleURL, 1)
	waitSubscribed(t, conn)

	cross := t0.Add(30 * time.Minute)
	conn.Push(candleFrame(btc, cross, 200, false))
	conn.Push(candleFrame(btc, cross, 200, true))
	require.Eventually(t, func() bool { return h.ex.Count("PlaceOrder") == 1 }, 2*time.Second, 5*time.Millisecond)

	// Later candles re-run the detector over the same window.
	conn.Push(candleFrame(btc, cross, 200, true))
	conn.Push(candleFrame(btc, cross.Add(time.Minute), 201, true))
	conn.Push(candleFrame(btc, cross.Add(2*time.Minute), 202, false))
	conn.Push(candleFrame(btc, cross.Add(3*time.Minute), 203, true))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.ex.Count("PlaceOrder"))

	var order execution.OrderParams
	for _, call := range h.ex.Calls() {
		if call.Method == "PlaceOrder" {
			order = call.Args.(execution.OrderParams)
		}
	}
	assert.Equal(t, model.Long, order.PosSide)
	assert.Equal(t, "buy", order.Side)
	assert.Equal(t, "1", order.Size.String())
	assert.Len(t, order.ClOrdID, 32)

	// The open position brings up the positions stream.
	pconn := h.conn(t, positionURL, 1)
	req := waitSubscribed(t, pconn)
	assert.Equal(t, []stream.Arg{{Channel: "positions", InstType: "SWAP"}}, req.Args)

	st, ok := h.state.get("alpha")
	require.True(t, ok)
	assert.True(t, st.LastActed[btc].Equal(cross))
	assert.True(t, hasAlert(h.alerts, "alpha", "Executed"))
}

func TestCrossover_OnTailPromotedByConfirmedSuccessor(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc))
	require.NoError(t, err)
	conn := h.conn(t, candleURL, 1)
	waitSubscribed(t, conn)

	// The confirm frame for the crossing candle never arrives; the next
	// period shows up already confirmed.
	cross := t0.Add(30 * time.Minute)
	conn.Push(candleFrame(btc, cross, 200, false))
	conn.Push(candleFrame(btc, cross.Add(time.Minute), 201, true))
	require.Eventually(t, func() bool { return h.ex.Count("PlaceOrder") == 1 }, 2*time.Second, 5*time.Millisecond)

	st, ok := h.state.get("alpha")
	require.True(t, ok)
	assert.True(t, st.LastActed[btc].Equal(cross))
}

func TestCrossover_RestoredStateDoesNotReact(t *testing.T) {
	h := newHarness(t)
	cross := t0.Add(30 * time.Minute)
	require.NoError(t, h.state.SaveCampaign(context.Background(), model.CampaignState{
		ID:        "alpha",
		LastActed: map[string]time.Time{btc: cross},
	}))

	_, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc))
	require.NoError(t, err)
	conn := h.conn(t, candleURL, 1)
	waitSubscribed(t, conn)

	conn.Push(candleFrame(btc, cross, 200, true))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.ex.Count("PlaceOrder"))
}

func TestCrossover_DirectionFilterAndSlope(t *testing.T) {
	h := newHarness(t)
	cfg := baseConfig(btc)
	cfg.Direction = campaign.DirectionShort
	_, err := h.mgr.Start(context.Background(), "shorts", cfg)
	require.NoError(t, err)

	maxSlope := 0.001
	cfg2 := baseConfig(eth)
	cfg2.MaxSlopePct = &maxSlope
	_, err = h.mgr.Start(context.Background(), "flat", cfg2)
	require.NoError(t, err)

	cross := t0.Add(30 * time.Minute)
	require.Eventually(t, func() bool { return len(h.dialer.ConnsTo(candleURL)) == 2 }, time.Second, 5*time.Millisecond)
	for _, conn := range h.dialer.ConnsTo(candleURL) {
		waitSubscribed(t, conn)
		conn.Push(candleFrame(btc, cross, 200, true))
		conn.Push(candleFrame(eth, cross, 200, true))
	}

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, h.ex.Count("PlaceOrder"))
	for _, id := range []string{"shorts", "flat"} {
		c, ok := h.mgr.Get(id)
		require.True(t, ok)
		assert.Len(t, c.Status().LastActed, 1, id)
	}
}

func TestCrossover_CloseOnOpposite(t *testing.T) {
	h := newHarness(t)
	h.ex.SetPosition(model.Position{InstID: btc, Side: model.Short, Size: 3, AvgPx: 90, MarginMode: model.Isolated})
	cfg := baseConfig(btc)
	cfg.CloseOnOpposite = true
	_, err := h.mgr.Start(context.Background(), "alpha", cfg)
	require.NoError(t, err)
	conn := h.conn(t, candleURL, 1)
	waitSubscribed(t, conn)

	conn.Push(candleFrame(btc, t0.Add(30*time.Minute), 200, true))
	require.Eventually(t, func() bool { return h.ex.Count("PlaceOrder") == 1 }, 2*time.Second, 5*time.Millisecond)

	methods := h.ex.Methods()
	closeAt, openAt := -1, -1
	for i, m := range methods {
		if m == "ClosePosition" && closeAt < 0 {
			closeAt = i
		}
		if m == "PlaceOrder" {
			openAt = i
		}
	}
	require.GreaterOrEqual(t, closeAt, 0)
	assert.Less(t, closeAt, openAt)
}

func TestCrossover_EquitySizing(t *testing.T) {
	h := newHarness(t)
	h.ex.Meta = model.Instrument{InstID: btc, CtVal: 0.01, LotSz: 1, MinSz: 1}
	cfg := baseConfig(btc)
	cfg.Size = 0
	cfg.EquityPercent = 10 // 1000 × 10% × 5 / (200 × 0.01) = 250
	_, err := h.mgr.Start(context.Background(), "alpha", cfg)
	require.NoError(t, err)
	conn := h.conn(t, candleURL, 1)
	waitSubscribed(t, conn)

	conn.Push(candleFrame(btc, t0.Add(30*time.Minute), 200, true))
	require.Eventually(t, func() bool { return h.ex.Count("PlaceOrder") == 1 }, 2*time.Second, 5*time.Millisecond)
	for _, call := range h.ex.Calls() {
		if call.Method == "PlaceOrder" {
			assert.Equal(t, "250", call.Args.(execution.OrderParams).Size.String())
		}
	}
}

func TestFailedExecutionIsReported(t *testing.T) {
	h := newHarness(t)
	h.ex.Fail("PlaceOrder", 3, nil)
	_, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc))
	require.NoError(t, err)
	conn := h.conn(t, candleURL, 1)
	waitSubscribed(t, conn)

	conn.Push(candleFrame(btc, t0.Add(30*time.Minute), 200, true))
	require.Eventually(t, func() bool { return hasAlert(h.alerts, "alpha", "Execution failed") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.ex.Count("PlaceOrder"))

	// The session survives the failure.
	c, ok := h.mgr.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "open", c.Status().Sessions["candles"])
}

func TestTerminalCloseRemovesCampaign(t *testing.T) {
	h := newHarness(t)
	c, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc))
	require.NoError(t, err)
	conn := h.conn(t, candleURL, 1)
	waitSubscribed(t, conn)

	conn.CloseWith(stream.CodeTerminal, "")
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("campaign not destroyed on 1005")
	}
	_, ok := h.mgr.Get("alpha")
	assert.False(t, ok)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.dialer.ConnsTo(candleURL), 1)
	assert.True(t, hasAlert(h.alerts, "alpha", "Campaign stopped"))
}

func TestIdleCloseStopsSessionOnly(t *testing.T) {
	h := newHarness(t)
	c, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc))
	require.NoError(t, err)
	conn := h.conn(t, candleURL, 1)
	waitSubscribed(t, conn)

	conn.CloseWith(stream.CodeIdle, "idle")
	require.Eventually(t, func() bool { return c.Status().Status == campaign.StatusIdle }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.dialer.ConnsTo(candleURL), 1)
	_, ok := h.mgr.Get("alpha")
	assert.True(t, ok)
	assert.Empty(t, c.Status().Sessions)
	assert.True(t, hasAlert(h.alerts, "alpha", "Stream idle"))
}

func TestCandleIdleKeepsTrailedPositions(t *testing.T) {
	h := newHarness(t)
	h.candles.flat = true
	h.ex.SetPosition(model.Position{InstID: btc, Side: model.Long, Size: 2, AvgPx: 100, MarginMode: model.Isolated})

	cfg := baseConfig(btc)
	cfg.Trailing = campaign.Trailing{Mode: campaign.TrailingMultiple, Multiple: 2, CallbackRatio: 0.01}
	c, err := h.mgr.Start(context.Background(), "alpha", cfg)
	require.NoError(t, err)
	cconn := h.conn(t, candleURL, 1)
	waitSubscribed(t, cconn)
	tconn := h.conn(t, tickerURL, 1)
	waitSubscribed(t, tconn)
	waitSubscribed(t, h.conn(t, positionURL, 1))

	tconn.Push(markFrame(btc, t0.Add(31*time.Minute), 103))
	require.Eventually(t, func() bool { return h.ex.Count("PlaceTrailingStop") == 1 }, 2*time.Second, 5*time.Millisecond)
	key := model.PositionKey(btc, model.Long)
	require.Eventually(t, func() bool { return len(c.Status().Trailed) == 1 }, time.Second, 5*time.Millisecond)

	cconn.CloseWith(stream.CodeIdle, "idle")
	require.Eventually(t, func() bool { return c.Status().Status == campaign.StatusIdle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{key}, c.Status().Trailed)

	// The position stays trailed: no second ticker session, no second stop.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.dialer.ConnsTo(tickerURL), 1)
	assert.Equal(t, 1, h.ex.Count("PlaceTrailingStop"))
}

func TestTransientCloseResubscribes(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc, eth))
	require.NoError(t, err)
	first := h.conn(t, candleURL, 1)
	want := waitSubscribed(t, first)

	first.CloseWith(1011, "server restart")
	second := h.conn(t, candleURL, 2)
	got := waitSubscribed(t, second)
	assert.Equal(t, want.Args, got.Args)
	assert.NotSame(t, first, second)
	require.Eventually(t, func() bool { return hasAlert(h.alerts, "alpha", "Stream reconnecting") }, time.Second, 5*time.Millisecond)
}

func TestBadMessageKeepsSessionAlive(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc))
	require.NoError(t, err)
	conn := h.conn(t, candleURL, 1)
	waitSubscribed(t, conn)

	conn.Push(map[string]any{
		"arg":  map[string]string{"channel": "candle1m", "instId": btc},
		"data": []any{map[string]string{"not": "a row"}},
	})
	require.Eventually(t, func() bool { return hasAlert(h.alerts, "alpha", "Handler error") }, 2*time.Second, 5*time.Millisecond)

	conn.Push(candleFrame(btc, t0.Add(30*time.Minute), 200, true))
	require.Eventually(t, func() bool { return h.ex.Count("PlaceOrder") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.dialer.ConnsTo(candleURL), 1)
}

func TestATRTrailing_OneShot(t *testing.T) {
	h := newHarness(t)
	h.candles.flat = true // ATR ≈ 1
	h.ex.SetPosition(model.Position{InstID: btc, Side: model.Long, Size: 2, AvgPx: 100, MarginMode: model.Isolated})

	cfg := baseConfig(btc)
	cfg.Trailing = campaign.Trailing{Mode: campaign.TrailingMultiple, Multiple: 2, CallbackRatio: 0.01}
	c, err := h.mgr.Start(context.Background(), "alpha", cfg)
	require.NoError(t, err)

	tconn := h.conn(t, tickerURL, 1)
	req := waitSubscribed(t, tconn)
	assert.Equal(t, []stream.Arg{{Channel: "mark-price", InstID: btc}}, req.Args)
	waitSubscribed(t, h.conn(t, positionURL, 1))

	now := t0.Add(31 * time.Minute)
	tconn.Push(markFrame(btc, now, 101))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.ex.Count("PlaceTrailingStop"))

	tconn.Push(markFrame(btc, now.Add(time.Second), 103))
	require.Eventually(t, func() bool { return h.ex.Count("PlaceTrailingStop") == 1 }, 2*time.Second, 5*time.Millisecond)

	tconn.Push(markFrame(btc, now.Add(2*time.Second), 105))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.ex.Count("PlaceTrailingStop"))

	// No untrailed position remains, so the ticker stream is torn down.
	require.Eventually(t, tconn.Closed, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{model.PositionKey(btc, model.Long)}, c.Status().Trailed)
	require.Eventually(t, func() bool { return hasAlert(h.alerts, "alpha", "Trailing stop placed") }, time.Second, 5*time.Millisecond)

	var tp execution.TrailingParams
	for _, call := range h.ex.Calls() {
		if call.Method == "PlaceTrailingStop" {
			tp = call.Args.(execution.TrailingParams)
		}
	}
	assert.Equal(t, "0.01", tp.CallbackRatio.String())
	assert.Equal(t, "sell", tp.Side)
}

type fixedResolver float64

func (r fixedResolver) Multiple(context.Context, string, string) (float64, error) {
	return float64(r), nil
}

func TestAutoTrailingRequiresResolver(t *testing.T) {
	cfg := baseConfig(btc)
	cfg.Trailing = campaign.Trailing{Mode: campaign.TrailingAuto, CallbackRatio: 0.02}

	h := newHarness(t)
	_, err := h.mgr.Start(context.Background(), "alpha", cfg)
	require.Error(t, err)

	h2 := newHarness(t, func(d *campaign.Deps) { d.Resolver = fixedResolver(1.5) })
	_, err = h2.mgr.Start(context.Background(), "alpha", cfg)
	require.NoError(t, err)
}

type fakeFunding struct {
	mu   sync.Mutex
	snap map[string]funding.Info
}

func (f *fakeFunding) set(snap map[string]funding.Info) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

func (f *fakeFunding) Funding(context.Context) (map[string]funding.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}

func TestFundingSourcedInstrumentsFollowScanner(t *testing.T) {
	src := &fakeFunding{}
	next := time.Now().Add(time.Hour)
	src.set(map[string]funding.Info{
		btc: {InstID: btc, FundingRate: 0.001, Volume24h: 1e9, FundingTime: next},
	})
	sc := funding.NewScanner(src, funding.Config{MinAbsRate: 0.0005, MinVolume: 1e6}, nil)

	h := newHarness(t, func(d *campaign.Deps) { d.Funding = sc })
	cfg := baseConfig()
	cfg.Direction = campaign.DirectionFunding
	c, err := h.mgr.Start(context.Background(), "fund", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{btc}, c.Instruments())

	conn := h.conn(t, candleURL, 1)
	req := waitSubscribed(t, conn)
	assert.Equal(t, []stream.Arg{{Channel: "candle1m", InstID: btc}}, req.Args)

	src.set(map[string]funding.Info{
		eth: {InstID: eth, FundingRate: -0.002, Volume24h: 1e9, FundingTime: next},
	})
	_, err = sc.ScanNow(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(conn.Requests()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	reqs := conn.Requests()
	assert.Equal(t, stream.Request{Op: stream.OpUnsubscribe, Args: []stream.Arg{{Channel: "candle1m", InstID: btc}}}, reqs[1])
	assert.Equal(t, stream.Request{Op: stream.OpSubscribe, Args: []stream.Arg{{Channel: "candle1m", InstID: eth}}}, reqs[2])
	assert.Equal(t, []string{eth}, c.Instruments())
	assert.Equal(t, 1, h.candles.count(eth))

	// Negative funding favours longs: the bullish crossover trades.
	conn.Push(candleFrame(eth, t0.Add(30*time.Minute), 200, true))
	require.Eventually(t, func() bool { return h.ex.Count("PlaceOrder") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopDuringStartReleasesFundingSubscription(t *testing.T) {
	src := &fakeFunding{}
	src.set(map[string]funding.Info{
		btc: {InstID: btc, FundingRate: 0.001, Volume24h: 1e9, FundingTime: time.Now().Add(time.Hour)},
	})
	sc := funding.NewScanner(src, funding.Config{MinAbsRate: 0.0005, MinVolume: 1e6}, nil)

	h := newHarness(t, func(d *campaign.Deps) { d.Funding = sc })
	h.candles.gate = make(chan struct{})
	cfg := baseConfig()
	cfg.Direction = campaign.DirectionFunding

	started := make(chan error, 1)
	go func() {
		_, err := h.mgr.Start(context.Background(), "fund", cfg)
		started <- err
	}()
	require.Eventually(t, func() bool { return h.candles.count(btc) == 1 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan bool, 1)
	go func() { stopped <- h.mgr.Stop("fund") }()
	time.Sleep(50 * time.Millisecond)
	close(h.candles.gate)

	require.NoError(t, <-started)
	assert.True(t, <-stopped)
	assert.Zero(t, sc.Subscribers())
	_, ok := h.mgr.Get("fund")
	assert.False(t, ok)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.dialer.ConnsTo(candleURL))
}

func TestStatusIsJSONEncodable(t *testing.T) {
	h := newHarness(t)
	c, err := h.mgr.Start(context.Background(), "alpha", baseConfig(btc))
	require.NoError(t, err)
	waitSubscribed(t, h.conn(t, candleURL, 1))

	b, err := json.Marshal(c.Status())
	require.NoError(t, err)
	assert.Contains(t, string(b), fmt.Sprintf("%q", btc))
}

func TestResumeFromSnapshots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	raw, err := json.Marshal(baseConfig(btc))
	require.NoError(t, err)
	cross := t0.Add(30 * time.Minute)
	require.NoError(t, h.state.SaveCampaign(ctx, model.CampaignState{
		ID: "alpha", Config: raw, LastActed: map[string]time.Time{btc: cross},
	}))
	require.NoError(t, h.state.SaveCampaign(ctx, model.CampaignState{ID: "broken", Config: json.RawMessage(`{"leverage":0}`)}))
	require.NoError(t, h.state.SaveCampaign(ctx, model.CampaignState{ID: "legacy"}))

	resumed, err := h.mgr.Resume(ctx, h.state)
	assert.Error(t, err, "invalid stored config is reported")
	assert.Equal(t, []string{"alpha"}, resumed)

	conn := h.conn(t, candleURL, 1)
	req := waitSubscribed(t, conn)
	assert.Equal(t, []stream.Arg{{Channel: "candle1m", InstID: btc}}, req.Args)

	// the restored last-acted time still suppresses the traded crossover
	conn.Push(candleFrame(btc, cross, 200, true))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.ex.Count("PlaceOrder"))
}
