// Package notification delivers operator alerts (Telegram, webhook, log)
// for campaign events.
package notification

import (
	"context"
	"errors"
	"log"
	"sync"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one operator notification, always scoped to a campaign.
type Alert struct {
	Level      AlertLevel `json:"level"`
	CampaignID string     `json:"campaign_id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s %s: %s", alert.Level, alert.CampaignID, alert.Title, alert.Message)
	return nil
}

// Multi fans an alert out to several backends; every backend is tried.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var levelRank = map[AlertLevel]int{AlertInfo: 0, AlertWarning: 1, AlertCritical: 2}

// MinLevel forwards only alerts at or above level to next.
type MinLevel struct {
	Level AlertLevel
	Next  Notifier
}

func (m MinLevel) Send(ctx context.Context, alert Alert) error {
	if levelRank[alert.Level] < levelRank[m.Level] {
		return nil
	}
	return m.Next.Send(ctx, alert)
}

// Recorder keeps alerts in memory. Used in tests and by the API's
// recent-alerts view.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	max    int
}

// NewRecorder keeps at most max alerts (oldest dropped); 0 = unbounded.
func NewRecorder(max int) *Recorder {
	return &Recorder{max: max}
}

func (r *Recorder) Send(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	if r.max > 0 && len(r.alerts) > r.max {
		r.alerts = r.alerts[len(r.alerts)-r.max:]
	}
	return nil
}

// Alerts returns a copy of the recorded alerts, oldest first.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// For returns the recorded alerts of one campaign.
func (r *Recorder) For(campaignID string) []Alert {
	var out []Alert
	for _, a := range r.Alerts() {
		if a.CampaignID == campaignID {
			out = append(out, a)
		}
	}
	return out
}
