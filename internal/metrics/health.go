package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependency names reported by /healthz.
const (
	DepExchange = "okx"
	DepJournal  = "sqlite"
	DepRedis    = "redis"
)

// Dependency is the last observed state of one external dependency.
// Only required dependencies affect the overall status.
type Dependency struct {
	OK        bool      `json:"ok"`
	Required  bool      `json:"required"`
	LatencyMs float64   `json:"latency_ms,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Probe actively checks a dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// RedisProbe pings rdb.
func RedisProbe(rdb *goredis.Client) Probe {
	return Probe{Name: DepRedis, Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }}
}

// SQLProbe pings db.
func SQLProbe(name string, db *sql.DB) Probe {
	return Probe{Name: name, Check: db.PingContext}
}

// HealthStatus aggregates engine activity and dependency state for the
// health endpoint. Safe for concurrent use.
type HealthStatus struct {
	mu              sync.RWMutex
	started         time.Time
	campaigns       int
	sessionsOpen    int
	lastMessage     time.Time
	lastFundingScan time.Time
	deps            map[string]*Dependency
}

// NewHealthStatus starts with the exchange and journal assumed up and Redis
// down. With redisRequired false a missing Redis does not degrade health.
func NewHealthStatus(redisRequired bool) *HealthStatus {
	return &HealthStatus{
		started: time.Now(),
		deps: map[string]*Dependency{
			DepExchange: {OK: true, Required: true},
			DepJournal:  {OK: true, Required: true},
			DepRedis:    {Required: redisRequired},
		},
	}
}

func (h *HealthStatus) SetCampaigns(n int) {
	h.mu.Lock()
	h.campaigns = n
	h.mu.Unlock()
}

func (h *HealthStatus) AddSessionsOpen(delta int) {
	h.mu.Lock()
	h.sessionsOpen += delta
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastMessageTime(t time.Time) {
	h.mu.Lock()
	h.lastMessage = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastFundingScan(t time.Time) {
	h.mu.Lock()
	h.lastFundingScan = t
	h.mu.Unlock()
}

// SetExchangeOK is driven by the exchange circuit breaker.
func (h *HealthStatus) SetExchangeOK(ok bool) { h.set(DepExchange, ok, nil) }

// SetRedisConnected is driven by the Redis circuit breaker.
func (h *HealthStatus) SetRedisConnected(ok bool) { h.set(DepRedis, ok, nil) }

func (h *HealthStatus) set(name string, ok bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.dep(name)
	d.OK = ok
	d.Error = ""
	if err != nil {
		d.Error = err.Error()
	}
}

// dep returns the entry for name, creating an optional one. Caller holds mu.
func (h *HealthStatus) dep(name string) *Dependency {
	d, ok := h.deps[name]
	if !ok {
		d = &Dependency{}
		h.deps[name] = d
	}
	return d
}

// Probe runs every probe once and records the outcome and latency.
func (h *HealthStatus) Probe(ctx context.Context, probes ...Probe) {
	for _, p := range probes {
		start := time.Now()
		err := p.Check(ctx)
		took := time.Since(start)

		h.mu.Lock()
		d := h.dep(p.Name)
		d.OK = err == nil
		d.LatencyMs = float64(took.Microseconds()) / 1000
		d.CheckedAt = time.Now()
		d.Error = ""
		if err != nil {
			d.Error = err.Error()
		}
		h.mu.Unlock()
	}
}

// StartLivenessChecker probes the dependencies every interval until ctx
// is cancelled. Each round gets three seconds.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration, probes ...Probe) {
	if len(probes) == 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				roundCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.Probe(roundCtx, probes...)
				cancel()
			}
		}
	}()
}

type healthReport struct {
	Status          string                `json:"status"`
	Uptime          string                `json:"uptime"`
	Campaigns       int                   `json:"campaigns"`
	SessionsOpen    int                   `json:"sessions_open"`
	LastMessageAge  string                `json:"last_message_age,omitempty"`
	LastFundingScan *time.Time            `json:"last_funding_scan,omitempty"`
	Down            []string              `json:"down,omitempty"`
	Dependencies    map[string]Dependency `json:"dependencies"`
}

// report is healthy when every required dependency is up, unhealthy when
// all of them are down, and degraded otherwise.
func (h *HealthStatus) report() healthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := healthReport{
		Status:       "healthy",
		Uptime:       time.Since(h.started).Round(time.Second).String(),
		Campaigns:    h.campaigns,
		SessionsOpen: h.sessionsOpen,
		Dependencies: make(map[string]Dependency, len(h.deps)),
	}
	if !h.lastMessage.IsZero() {
		r.LastMessageAge = time.Since(h.lastMessage).Round(time.Millisecond).String()
	}
	if !h.lastFundingScan.IsZero() {
		ts := h.lastFundingScan.UTC()
		r.LastFundingScan = &ts
	}

	required := 0
	for name, d := range h.deps {
		r.Dependencies[name] = *d
		if !d.Required {
			continue
		}
		required++
		if !d.OK {
			r.Down = append(r.Down, name)
		}
	}
	sort.Strings(r.Down)
	switch {
	case len(r.Down) == 0:
	case len(r.Down) == required:
		r.Status = "unhealthy"
	default:
		r.Status = "degraded"
	}
	return r
}

// ServeHTTP serves /healthz: 200 when healthy, 503 otherwise.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	r := h.report()
	w.Header().Set("Content-Type", "application/json")
	if r.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(r)
}

// Server exposes /metrics and /healthz on their own listener.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] serving /metrics and /healthz on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[metrics] server stopped: %v", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
