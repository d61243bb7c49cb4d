package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-engine/internal/campaign"
	"campaign-engine/internal/execution"
	"campaign-engine/internal/execution/exectest"
	"campaign-engine/internal/funding"
	"campaign-engine/internal/model"
	"campaign-engine/internal/notification"
	"campaign-engine/internal/stream/streamtest"
)

type staticFunding struct{}

func (staticFunding) Tradeable() []string { return []string{"BTC-USDT-SWAP"} }
func (staticFunding) Info(id string) (funding.Info, bool) {
	return funding.Info{InstID: id, FundingRate: 0.0007, Volume24h: 1e9}, true
}
func (staticFunding) LastScan() time.Time { return time.Unix(1700000000, 0).UTC() }

func newTestServer(t *testing.T) (*httptest.Server, *execution.Journal, *notification.Recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	alerts := notification.NewRecorder(50)
	journal, err := execution.NewJournal(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)

	mgr := campaign.NewManager(ctx, campaign.Deps{
		Executor: execution.New(exectest.New(), execution.DefaultConfig(), journal),
		Dialer:   streamtest.NewDialer(),
		URLs:     campaign.URLs{Candles: "wss://test/business"},
		Notifier: alerts,
	})
	srv := httptest.NewServer(NewRouter(Deps{
		Campaigns:  mgr,
		Executions: journal,
		Alerts:     alerts,
		Funding:    staticFunding{},
	}))
	t.Cleanup(func() {
		srv.Close()
		mgr.StopAll()
		cancel()
		journal.Close()
	})
	return srv, journal, alerts
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

const startBody = `{"bar":"1m","leverage":3,"margin_mode":"cross","size":1,"instruments":["BTC-USDT-SWAP"]}`

func TestCampaignLifecycle(t *testing.T) {
	srv, _, alerts := newTestServer(t)

	resp, body := do(t, "POST", srv.URL+"/api/v1/campaigns/alpha", startBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var st campaign.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "alpha", st.ID)
	assert.Equal(t, []string{"BTC-USDT-SWAP"}, st.Instruments)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = do(t, "POST", srv.URL+"/api/v1/campaigns/alpha", startBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, "GET", srv.URL+"/api/v1/campaigns", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []campaign.Status
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, _ = do(t, "GET", srv.URL+"/api/v1/campaigns/alpha", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, "GET", srv.URL+"/api/v1/campaigns/alpha/alerts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Campaign started")
	assert.NotEmpty(t, alerts.For("alpha"))

	resp, body = do(t, "DELETE", srv.URL+"/api/v1/campaigns/alpha", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"alpha","stopped":true}`, string(body))

	resp, body = do(t, "DELETE", srv.URL+"/api/v1/campaigns/alpha", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"alpha","stopped":false}`, string(body))

	resp, _ = do(t, "GET", srv.URL+"/api/v1/campaigns/alpha", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := do(t, "POST", srv.URL+"/api/v1/campaigns/alpha", `{"leverage":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, "POST", srv.URL+"/api/v1/campaigns/alpha", `{"leverage":3,"size":1,"instruments":["X"],"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, "POST", srv.URL+"/api/v1/campaigns/alpha", `{"leverage":0,"size":1,"instruments":["X"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "leverage")
}

func TestExecutionsFromJournal(t *testing.T) {
	srv, journal, _ := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"alpha", "beta", "alpha"} {
		require.NoError(t, journal.Record(ctx, execution.Entry{
			CampaignID: id,
			Action:     "open",
			InstID:     "BTC-USDT-SWAP",
			Side:       model.Long,
			Size:       decimal.NewFromInt(1),
			Result:     model.Succeeded("ord-1"),
			At:         time.Now(),
		}))
	}

	resp, body := do(t, "GET", srv.URL+"/api/v1/campaigns/alpha/executions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []execution.ExecutionRecord
	require.NoError(t, json.Unmarshal(body, &recs))
	assert.Len(t, recs, 2)

	resp, body = do(t, "GET", srv.URL+"/api/v1/executions?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &recs))
	assert.Len(t, recs, 1)

	resp, _ = do(t, "GET", srv.URL+"/api/v1/executions?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFundingAndHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := do(t, "GET", srv.URL+"/api/v1/funding", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "BTC-USDT-SWAP")

	resp, body = do(t, "GET", srv.URL+"/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","campaigns":0}`, string(body))
}

type memVariance struct{ set map[string]float64 }

func (m *memVariance) SetMultiple(_ context.Context, id, inst string, v float64) error {
	m.set[id+"/"+inst] = v
	return nil
}

func TestSetVariance(t *testing.T) {
	mv := &memVariance{set: map[string]float64{}}
	srv := httptest.NewServer(NewRouter(Deps{Campaigns: campaign.NewManager(context.Background(), campaign.Deps{}), Variance: mv}))
	defer srv.Close()

	resp, _ := do(t, "PUT", srv.URL+"/api/v1/campaigns/alpha/variance", `{"instrument":"BTC-USDT-SWAP","multiple":2.5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.5, mv.set["alpha/BTC-USDT-SWAP"])

	resp, _ = do(t, "PUT", srv.URL+"/api/v1/campaigns/alpha/variance", `{"multiple":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	disabled := httptest.NewServer(NewRouter(Deps{Campaigns: campaign.NewManager(context.Background(), campaign.Deps{})}))
	defer disabled.Close()
	resp, _ = do(t, "PUT", disabled.URL+"/api/v1/campaigns/alpha/variance", `{"multiple":2}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func readEnvelopes(t *testing.T, conn *websocket.Conn, n int) []alertEnvelope {
	t.Helper()
	var out []alertEnvelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(out) < n {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		for _, line := range strings.Split(string(msg), "\n") {
			var env alertEnvelope
			require.NoError(t, json.Unmarshal([]byte(line), &env))
			out = append(out, env)
		}
	}
	return out
}

func TestAlertStream(t *testing.T) {
	ctx := context.Background()
	alerts := notification.NewRecorder(10)
	require.NoError(t, alerts.Send(ctx, notification.Alert{CampaignID: "alpha", Title: "Campaign started"}))
	hub := NewHub()
	srv := httptest.NewServer(NewRouter(Deps{
		Campaigns: campaign.NewManager(ctx, campaign.Deps{}),
		Alerts:    alerts,
		Hub:       hub,
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream?campaign=alpha"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	backlog := readEnvelopes(t, conn, 1)
	assert.Equal(t, "backlog", backlog[0].Type)
	assert.Equal(t, "Campaign started", backlog[0].Alert.Title)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Send(ctx, notification.Alert{CampaignID: "beta", Title: "Executed"}))
	require.NoError(t, hub.Send(ctx, notification.Alert{CampaignID: "alpha", Title: "Executed"}))

	live := readEnvelopes(t, conn, 1)
	require.Len(t, live, 1)
	assert.Equal(t, "alert", live[0].Type)
	assert.Equal(t, "alpha", live[0].Alert.CampaignID)
	assert.Equal(t, int64(2), live[0].Seq, "seq counts every alert, filtered or not")

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
