package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-engine/internal/stream"
	"campaign-engine/internal/stream/streamtest"
)

func waitConn(t *testing.T, d *streamtest.Dialer) *streamtest.Conn {
	t.Helper()
	select {
	case c := <-d.Dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func waitWrites(t *testing.T, c *streamtest.Conn, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Writes()) >= n }, 2*time.Second, 5*time.Millisecond)
}

func candleArgs(ids ...string) []stream.Arg {
	out := make([]stream.Arg, len(ids))
	for i, id := range ids {
		out[i] = stream.Arg{Channel: "candle1m", InstID: id}
	}
	return out
}

func TestClassify(t *testing.T) {
	assert.Equal(t, stream.CloseTerminal, stream.Classify(1005))
	assert.Equal(t, stream.CloseIdle, stream.Classify(4004))
	for _, code := range []int{1000, 1001, 1006, 1011, 4000, 4001} {
		assert.Equal(t, stream.CloseTransient, stream.Classify(code), "code %d", code)
	}
}

func TestSession_SubscribeIsFirstWrite(t *testing.T) {
	d := streamtest.NewDialer()
	s := stream.New(stream.Config{
		Name: "t/candles",
		URL:  "wss://example/business",
		Args: func() []stream.Arg { return candleArgs("BTC-USDT-SWAP", "ETH-USDT-SWAP") },
	}, d)
	s.Start(context.Background())
	defer s.Close()

	c := waitConn(t, d)
	waitWrites(t, c, 1)

	var req stream.Request
	require.NoError(t, json.Unmarshal(c.Writes()[0], &req))
	assert.Equal(t, "subscribe", req.Op)
	assert.Equal(t, candleArgs("BTC-USDT-SWAP", "ETH-USDT-SWAP"), req.Args)
	assert.Equal(t, stream.StateOpen, s.State())
}

func TestSession_TerminalCodeDoesNotReconnect(t *testing.T) {
	d := streamtest.NewDialer()
	var terminal int32
	var reconnects int32
	s := stream.New(stream.Config{
		Name:        "t/candles",
		URL:         "wss://x",
		Args:        func() []stream.Arg { return candleArgs("A") },
		OnTerminal:  func(code int) { atomic.StoreInt32(&terminal, int32(code)) },
		OnReconnect: func(int, string) { atomic.AddInt32(&reconnects, 1) },
	}, d)
	s.Start(context.Background())

	c := waitConn(t, d)
	waitWrites(t, c, 1)
	c.CloseWith(1005, "")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	assert.Equal(t, stream.CloseTerminal, s.Kind())
	assert.Equal(t, int32(1005), atomic.LoadInt32(&terminal))
	assert.Zero(t, atomic.LoadInt32(&reconnects))
	assert.Len(t, d.Conns(), 1, "no reconnection after 1005")
	assert.True(t, c.Closed())
}

func TestSession_IdleTimeoutStops(t *testing.T) {
	d := streamtest.NewDialer()
	idle := make(chan struct{})
	s := stream.New(stream.Config{
		Name:   "t/positions",
		URL:    "wss://x",
		OnIdle: func() { close(idle) },
	}, d)
	s.Start(context.Background())

	c := waitConn(t, d)
	c.CloseWith(4004, "No data received in 30s.")

	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("OnIdle not called")
	}
	<-s.Done()
	assert.Equal(t, stream.CloseIdle, s.Kind())
	assert.Len(t, d.Conns(), 1)
}

func TestSession_TransientReconnectsWithCurrentArgs(t *testing.T) {
	d := streamtest.NewDialer()
	var mu sync.Mutex
	ids := []string{"A"}
	reconnected := make(chan int, 4)

	s := stream.New(stream.Config{
		Name: "t/candles",
		URL:  "wss://x",
		Args: func() []stream.Arg {
			mu.Lock()
			defer mu.Unlock()
			return candleArgs(ids...)
		},
		OnReconnect: func(code int, _ string) { reconnected <- code },
	}, d)
	s.Start(context.Background())
	defer s.Close()

	first := waitConn(t, d)
	waitWrites(t, first, 1)

	mu.Lock()
	ids = []string{"A", "B"}
	mu.Unlock()
	first.CloseWith(1011, "server restart")

	second := waitConn(t, d)
	assert.NotSame(t, first, second, "every reconnect must use a new connection")
	assert.Equal(t, 1011, <-reconnected)

	waitWrites(t, second, 1)
	reqs := second.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "subscribe", reqs[0].Op)
	assert.Equal(t, candleArgs("A", "B"), reqs[0].Args)
	assert.Equal(t, 2, s.Connects())
}

func TestSession_NetworkDropReconnects(t *testing.T) {
	d := streamtest.NewDialer()
	s := stream.New(stream.Config{Name: "t", URL: "wss://x"}, d)
	s.Start(context.Background())
	defer s.Close()

	first := waitConn(t, d)
	first.Drop()
	second := waitConn(t, d)
	waitWrites(t, second, 1)
	assert.True(t, first.Closed())
}

func TestSession_DialFailureRetries(t *testing.T) {
	d := streamtest.NewDialer()
	d.FailWith(errors.New("refused"))
	s := stream.New(stream.Config{
		Name:           "t",
		URL:            "wss://x",
		DialRetryDelay: 10 * time.Millisecond,
	}, d)
	s.Start(context.Background())
	defer s.Close()

	time.Sleep(30 * time.Millisecond)
	d.FailWith(nil)
	c := waitConn(t, d)
	waitWrites(t, c, 1)
}

func TestSession_SendBeforeOpenFailsFast(t *testing.T) {
	s := stream.New(stream.Config{Name: "t"}, streamtest.NewDialer())
	err := s.Send(stream.Request{Op: "subscribe"})
	assert.ErrorIs(t, err, stream.ErrNotOpen)
}

func TestSession_HandlerPanicKeepsSessionAlive(t *testing.T) {
	d := streamtest.NewDialer()
	var handled int32
	errs := make(chan error, 4)
	s := stream.New(stream.Config{
		Name: "t",
		URL:  "wss://x",
		OnMessage: func(env stream.Envelope) error {
			if env.Arg.InstID == "BAD" {
				panic("boom")
			}
			if env.Arg.InstID == "ERR" {
				return errors.New("bad payload")
			}
			atomic.AddInt32(&handled, 1)
			return nil
		},
		OnHandlerError: func(err error) { errs <- err },
	}, d)
	s.Start(context.Background())
	defer s.Close()

	c := waitConn(t, d)
	c.Push(`{"arg":{"channel":"candle1m","instId":"BAD"},"data":[["1"]]}`)
	c.Push(`{"arg":{"channel":"candle1m","instId":"ERR"},"data":[["1"]]}`)
	c.Push(`not json`)
	c.Push(`{"arg":{"channel":"candle1m","instId":"OK"},"data":[["1"]]}`)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, errs, 3)
	assert.Equal(t, stream.StateOpen, s.State())
	assert.Len(t, d.Conns(), 1)
}

func TestSession_EventFramesAreNotDispatched(t *testing.T) {
	d := streamtest.NewDialer()
	var handled int32
	errs := make(chan error, 1)
	s := stream.New(stream.Config{
		Name:           "t",
		URL:            "wss://x",
		OnMessage:      func(stream.Envelope) error { atomic.AddInt32(&handled, 1); return nil },
		OnHandlerError: func(err error) { errs <- err },
	}, d)
	s.Start(context.Background())
	defer s.Close()

	c := waitConn(t, d)
	c.Push(`{"event":"subscribe","arg":{"channel":"candle1m","instId":"A"}}`)
	c.Push(`pong`)
	c.Push(`{"event":"error","code":"60012","msg":"Invalid request"}`)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "60012")
	case <-time.After(2 * time.Second):
		t.Fatal("expected exchange error report")
	}
	assert.Zero(t, atomic.LoadInt32(&handled))
}

func TestSession_CloseIsTerminal(t *testing.T) {
	d := streamtest.NewDialer()
	terminal := make(chan int, 1)
	s := stream.New(stream.Config{
		Name:       "t",
		URL:        "wss://x",
		OnTerminal: func(code int) { terminal <- code },
	}, d)
	s.Start(context.Background())

	c := waitConn(t, d)
	waitWrites(t, c, 1)
	s.Close()

	select {
	case code := <-terminal:
		assert.Equal(t, stream.CodeTerminal, code)
	case <-time.After(2 * time.Second):
		t.Fatal("OnTerminal not called")
	}
	<-s.Done()
	assert.True(t, c.Closed())
	assert.Len(t, d.Conns(), 1)
	assert.Equal(t, stream.StateClosed, s.State())
}

func TestSession_CloseBeforeRun(t *testing.T) {
	d := streamtest.NewDialer()
	s := stream.New(stream.Config{Name: "t", URL: "wss://x"}, d)
	s.Close()
	assert.Equal(t, stream.CloseTerminal, s.Run(context.Background()))
	assert.Empty(t, d.Conns())
}

func TestSession_RefreshDiffsSubscription(t *testing.T) {
	d := streamtest.NewDialer()
	var mu sync.Mutex
	ids := []string{"A", "B"}
	s := stream.New(stream.Config{
		Name: "t",
		URL:  "wss://x",
		Args: func() []stream.Arg {
			mu.Lock()
			defer mu.Unlock()
			return candleArgs(ids...)
		},
	}, d)
	s.Start(context.Background())
	defer s.Close()

	c := waitConn(t, d)
	waitWrites(t, c, 1)

	mu.Lock()
	ids = []string{"B", "C"}
	mu.Unlock()
	require.NoError(t, s.Refresh())

	reqs := c.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, stream.Request{Op: "unsubscribe", Args: candleArgs("A")}, reqs[1])
	assert.Equal(t, stream.Request{Op: "subscribe", Args: candleArgs("C")}, reqs[2])
}

func TestSession_GorillaServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotSub := make(chan stream.Request, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req stream.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		gotSub <- req
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"arg":{"channel":"mark-price","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","markPx":"65000.1","ts":"1700000000000"}]}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4004, "idle"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	got := make(chan stream.Envelope, 1)
	idle := make(chan struct{})
	s := stream.New(stream.Config{
		Name:      "t/ticker",
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Args:      func() []stream.Arg { return []stream.Arg{{Channel: "mark-price", InstID: "BTC-USDT-SWAP"}} },
		OnMessage: func(env stream.Envelope) error { got <- env; return nil },
		OnIdle:    func() { close(idle) },
	}, stream.WSDialer{})

	go s.Run(context.Background())

	req := <-gotSub
	assert.Equal(t, "subscribe", req.Op)

	select {
	case env := <-got:
		assert.Equal(t, "mark-price", env.Arg.Channel)
		require.Len(t, env.Data, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("expected idle close")
	}
}

func TestSession_StateChangesBalanceOpenCount(t *testing.T) {
	d := streamtest.NewDialer()
	var mu sync.Mutex
	var open int
	var transitions []string
	s := stream.New(stream.Config{
		Name:           "t",
		URL:            "wss://x",
		DialRetryDelay: 5 * time.Millisecond,
		OnStateChange: func(from, to stream.State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+">"+to.String())
			if to == stream.StateOpen {
				open++
			}
			if from == stream.StateOpen {
				open--
			}
		},
	}, d)
	s.Start(context.Background())
	openCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return open
	}

	c := waitConn(t, d)
	waitWrites(t, c, 1)
	assert.Equal(t, 1, openCount())

	c.CloseWith(1011, "restart")
	c2 := waitConn(t, d)
	waitWrites(t, c2, 1)
	assert.Equal(t, 1, openCount())

	s.Close()
	<-s.Done()
	assert.Equal(t, 0, openCount())
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, "open>closing")
	assert.Contains(t, transitions, "closing>closed")
	assert.Contains(t, transitions, "closed>connecting")
}
