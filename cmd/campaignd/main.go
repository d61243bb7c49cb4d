package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"campaign-engine/config"
	"campaign-engine/internal/api"
	"campaign-engine/internal/breaker"
	"campaign-engine/internal/campaign"
	"campaign-engine/internal/exchange/okx"
	"campaign-engine/internal/execution"
	"campaign-engine/internal/funding"
	"campaign-engine/internal/logger"
	"campaign-engine/internal/metrics"
	"campaign-engine/internal/notification"
	redisstore "campaign-engine/internal/store/redis"
	"campaign-engine/internal/stream"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[campaignd] starting...")

	// ---- Load config from env ----
	cfg := config.Load()
	logger.Init("campaignd", cfg.SlogLevel())
	if !cfg.Paper() {
		// Request signing is supplied by embedding binaries; this daemon
		// only ships the paper venue.
		log.Fatalf("[campaignd] TRADING_MODE=%s requires an okx.Signer; campaignd runs paper only", cfg.TradingMode)
	}

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus(cfg.RedisAddr != "")
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- OKX REST (public market data) ----
	okxCB := breaker.New("okx", 5, 30*time.Second)
	okxCB.OnStateChange = func(name string, _, to breaker.State) {
		prom.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		health.SetExchangeOK(to != breaker.StateOpen)
	}
	client := okx.New(okx.Config{
		BaseURL:   cfg.OKXRestURL,
		Simulated: cfg.OKXSimulated,
	}, okxCB)

	// ---- Execution: paper venue priced from OKX marks ----
	paper := execution.NewPaperExchange(decimal.NewFromFloat(cfg.PaperEquity), cfg.PaperSlippageBps).WithMarket(client)

	journal, err := execution.NewJournal(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[campaignd] sqlite journal init failed: %v", err)
	}
	defer journal.Close()
	log.Printf("[campaignd] execution journal at %s", cfg.SQLitePath)

	execCfg := execution.DefaultConfig()
	execCfg.MaxAttempts = cfg.ExecMaxAttempts
	execCfg.Tag = cfg.OrderTag
	executor := execution.New(paper, execCfg, journal)
	executor.OnAttempt = func(action string, ok bool) {
		prom.OrderAttempts.WithLabelValues(action, metrics.Outcome(ok)).Inc()
	}

	// ---- Redis: snapshots, funding cache, events (optional) ----
	var store *redisstore.Store
	var state *redisstore.BufferedStore
	if cfg.RedisAddr != "" {
		store, err = redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Printf("[campaignd] WARNING: redis init failed: %v (continuing without snapshots)", err)
			store = nil
		}
	}
	if store != nil {
		defer store.Close()
		health.SetRedisConnected(true)
		store.OnWrite = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }

		redisCB := breaker.New("redis", 3, 10*time.Second)
		redisCB.OnStateChange = func(name string, _, to breaker.State) {
			prom.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			health.SetRedisConnected(to != breaker.StateOpen)
		}
		state = redisstore.NewBufferedStore(ctx, store, redisCB)
		state.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
		state.OnFlush = func(n int) { log.Printf("[campaignd] flushed %d buffered snapshots", n) }
	}

	// ---- Periodic liveness checks ----
	probes := []metrics.Probe{metrics.SQLProbe(metrics.DepJournal, journal.DB())}
	if store != nil {
		probes = append(probes, metrics.RedisProbe(store.Client()))
	}
	health.StartLivenessChecker(ctx, 10*time.Second, probes...)

	// ---- Funding scanner ----
	var fundingCache funding.Cache
	if store != nil {
		fundingCache = store
	}
	scanner := funding.NewScanner(client, funding.Config{
		Interval:       cfg.FundingPollInterval,
		MinAbsRate:     cfg.FundingMinRate,
		MinVolume:      cfg.FundingMinVolume,
		MaxInstruments: cfg.FundingMaxInstruments,
	}, fundingCache)
	scanner.OnScan = func(tradeable int, err error) {
		prom.FundingScans.WithLabelValues(metrics.Outcome(err == nil)).Inc()
		if err == nil {
			prom.FundingTradeable.Set(float64(tradeable))
			health.SetLastFundingScan(time.Now())
		}
	}
	if store != nil {
		if snap, err := store.LoadFunding(ctx); err != nil {
			log.Printf("[campaignd] funding cache: %v", err)
		} else if len(snap) > 0 {
			scanner.Seed(snap)
		}
	}
	go scanner.Run(ctx)

	// ---- Alerts ----
	alerts := notification.NewRecorder(500)
	hub := api.NewHub()
	notifiers := notification.Multi{notification.NewLogNotifier(), alerts, hub}
	minLevel := notification.AlertLevel(cfg.AlertMinLevel)
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		tg := notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
		notifiers = append(notifiers, notification.MinLevel{Level: minLevel, Next: tg})
		log.Printf("[campaignd] telegram alerts enabled (>= %s)", minLevel)
	}
	if cfg.AlertWebhookURL != "" {
		wh := notification.NewWebhookNotifier(cfg.AlertWebhookURL)
		notifiers = append(notifiers, notification.MinLevel{Level: minLevel, Next: wh})
		log.Printf("[campaignd] webhook alerts enabled (>= %s)", minLevel)
	}

	// ---- Campaign manager ----
	deps := campaign.Deps{
		Executor: executor,
		Candles:  client,
		Dialer:   stream.WSDialer{},
		URLs: campaign.URLs{
			Candles: cfg.OKXWSBusinessURL,
			// paper positions are read back over REST after each execution
			Tickers: cfg.OKXWSPublicURL,
		},
		Funding:  scanner,
		Notifier: notifiers,
		Metrics:  prom,
		Health:   health,
		Session: func(sc *stream.Config) {
			sc.PingInterval = cfg.WSPingInterval
		},
	}
	if state != nil {
		deps.State = state
		deps.Events = store
		deps.Resolver = store
	}
	mgr := campaign.NewManager(ctx, deps)

	if store != nil {
		resumed, err := mgr.Resume(ctx, store)
		if err != nil {
			log.Printf("[campaignd] resume: %v", err)
		}
		log.Printf("[campaignd] resumed %d campaigns %v", len(resumed), resumed)
	}

	// ---- Operator API ----
	apiDeps := api.Deps{
		Campaigns:  mgr,
		Executions: journal,
		Alerts:     alerts,
		Funding:    scanner,
		Hub:        hub,
	}
	if store != nil {
		apiDeps.Variance = store
	}
	apiSrv := api.NewServer(cfg.APIAddr, apiDeps)
	apiSrv.Start()

	log.Printf("[campaignd] ready: mode=%s api=%s metrics=%s redis=%t", cfg.TradingMode, cfg.APIAddr, cfg.MetricsAddr, store != nil)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[campaignd] shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Stop(shutdownCtx)
	mgr.StopAll()
	cancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Printf("[campaignd] metrics shutdown: %v", err)
	}

	log.Println("[campaignd] shutdown complete.")
}
