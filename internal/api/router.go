// Package api exposes the operator HTTP control surface: start, stop and
// inspect campaigns, and read the execution journal and alert history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"campaign-engine/internal/campaign"
	"campaign-engine/internal/execution"
	"campaign-engine/internal/funding"
	"campaign-engine/internal/notification"
)

// Campaigns is the campaign registry the API drives.
type Campaigns interface {
	Start(ctx context.Context, id string, cfg campaign.Config) (*campaign.Campaign, error)
	Stop(id string) bool
	Get(id string) (*campaign.Campaign, bool)
	List() []campaign.Status
}

// ExecutionLog reads journaled executions.
type ExecutionLog interface {
	Executions(ctx context.Context, campaignID string, limit int) ([]execution.ExecutionRecord, error)
}

// AlertLog reads recent operator alerts.
type AlertLog interface {
	For(campaignID string) []notification.Alert
}

// FundingView reads the funding scanner state.
type FundingView interface {
	Tradeable() []string
	Info(instID string) (funding.Info, bool)
	LastScan() time.Time
}

// VarianceStore stores ATR multiples for auto-trailing campaigns.
type VarianceStore interface {
	SetMultiple(ctx context.Context, campaignID, instID string, multiple float64) error
}

// Deps are the API collaborators. Only Campaigns is required.
type Deps struct {
	Campaigns  Campaigns
	Executions ExecutionLog
	Alerts     AlertLog
	Funding    FundingView
	Variance   VarianceStore
	Hub        *Hub // live alert feed; nil disables /stream
}

const defaultLimit = 100

// NewRouter builds the API routes.
func NewRouter(d Deps) *mux.Router {
	h := &handlers{d: d}
	r := mux.NewRouter().StrictSlash(true)
	r.Use(corsMiddleware)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", h.health).Methods("GET")
	v1.HandleFunc("/campaigns", h.listCampaigns).Methods("GET")
	v1.HandleFunc("/campaigns/{id}", h.getCampaign).Methods("GET")
	v1.HandleFunc("/campaigns/{id}", h.startCampaign).Methods("POST")
	v1.HandleFunc("/campaigns/{id}", h.stopCampaign).Methods("DELETE")
	v1.HandleFunc("/campaigns/{id}/executions", h.executions).Methods("GET")
	v1.HandleFunc("/campaigns/{id}/alerts", h.alerts).Methods("GET")
	v1.HandleFunc("/campaigns/{id}/variance", h.setVariance).Methods("PUT")
	v1.HandleFunc("/executions", h.executions).Methods("GET")
	v1.HandleFunc("/funding", h.funding).Methods("GET")
	v1.HandleFunc("/stream", h.stream).Methods("GET")
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

type handlers struct {
	d Deps
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"campaigns": len(h.d.Campaigns.List()),
	})
}

func (h *handlers) listCampaigns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Campaigns.List())
}

func (h *handlers) getCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, ok := h.d.Campaigns.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, campaign.ErrUnknownCampaign)
		return
	}
	writeJSON(w, http.StatusOK, c.Status())
}

func (h *handlers) startCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var cfg campaign.Config
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := h.d.Campaigns.Start(r.Context(), id, cfg)
	switch {
	case errors.Is(err, campaign.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log.Printf("[api] campaign %s started from %s", id, r.RemoteAddr)
	writeJSON(w, http.StatusCreated, c.Status())
}

func (h *handlers) stopCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stopped := h.d.Campaigns.Stop(id)
	if stopped {
		log.Printf("[api] campaign %s stopped from %s", id, r.RemoteAddr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "stopped": stopped})
}

func (h *handlers) executions(w http.ResponseWriter, r *http.Request) {
	if h.d.Executions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("execution journal disabled"))
		return
	}
	limit := defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := h.d.Executions.Executions(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) alerts(w http.ResponseWriter, r *http.Request) {
	if h.d.Alerts == nil {
		writeJSON(w, http.StatusOK, []notification.Alert{})
		return
	}
	alerts := h.d.Alerts.For(mux.Vars(r)["id"])
	if alerts == nil {
		alerts = []notification.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

type varianceRequest struct {
	Instrument string  `json:"instrument"` // empty: campaign-wide default
	Multiple   float64 `json:"multiple"`
}

func (h *handlers) setVariance(w http.ResponseWriter, r *http.Request) {
	if h.d.Variance == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("variance store disabled"))
		return
	}
	id := mux.Vars(r)["id"]
	var req varianceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Multiple <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("multiple must be positive"))
		return
	}
	if err := h.d.Variance.SetMultiple(r.Context(), id, req.Instrument, req.Multiple); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("[api] campaign %s multiple %q=%v", id, req.Instrument, req.Multiple)
	writeJSON(w, http.StatusOK, req)
}

// stream upgrades to the live alert feed. ?campaign=id filters the feed
// and replays that campaign's recent alerts first.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	if h.d.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("alert stream disabled"))
		return
	}
	id := r.URL.Query().Get("campaign")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] ws upgrade: %v", err)
		return
	}
	var backlog []notification.Alert
	if id != "" && h.d.Alerts != nil {
		backlog = h.d.Alerts.For(id)
	}
	h.d.Hub.serve(conn, id, backlog)
}

func (h *handlers) funding(w http.ResponseWriter, _ *http.Request) {
	if h.d.Funding == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("funding scanner disabled"))
		return
	}
	tradeable := h.d.Funding.Tradeable()
	infos := make([]funding.Info, 0, len(tradeable))
	for _, id := range tradeable {
		if info, ok := h.d.Funding.Info(id); ok {
			infos = append(infos, info)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last_scan": h.d.Funding.LastScan(),
		"tradeable": infos,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Server serves the API router.
type Server struct {
	srv *http.Server
}

// NewServer creates an API server on addr.
func NewServer(addr string, d Deps) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewRouter(d),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}
