package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// poster POSTs JSON payloads to an HTTP alert backend.
type poster struct {
	name   string
	client *http.Client
}

func newPoster(name string) poster {
	return poster{name: name, client: &http.Client{Timeout: 10 * time.Second}}
}

func (p poster) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", p.name, resp.StatusCode)
	}
	return nil
}

// TelegramNotifier sends alerts to a chat through the Telegram Bot API.
type TelegramNotifier struct {
	poster
	botToken string
	chatID   string
	apiBase  string
}

// NewTelegramNotifier creates a notifier for chatID using a @BotFather token.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		poster:   newPoster("telegram"),
		botToken: botToken,
		chatID:   chatID,
		apiBase:  "https://api.telegram.org",
	}
}

var levelIcon = map[AlertLevel]string{
	AlertInfo:     "ℹ️",
	AlertWarning:  "⚠️",
	AlertCritical: "🚨",
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	icon, ok := levelIcon[alert.Level]
	if !ok {
		icon = levelIcon[AlertInfo]
	}
	text := fmt.Sprintf("%s *%s* \\[%s\\]\n\n%s", icon, escapeMarkdown(alert.Title),
		escapeMarkdown(alert.CampaignID), escapeMarkdown(alert.Message))

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	err := t.post(ctx, url, map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		return err
	}
	log.Printf("[telegram] sent %s alert: %s %s", alert.Level, alert.CampaignID, alert.Title)
	return nil
}

var markdownEscaper = strings.NewReplacer(
	"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// escapeMarkdown escapes the MarkdownV2 special characters.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	poster
	url string
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{poster: newPoster("webhook"), url: url}
}

type webhookPayload struct {
	Alert
	TS time.Time `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if err := w.post(ctx, w.url, webhookPayload{Alert: alert, TS: time.Now().UTC()}); err != nil {
		return err
	}
	log.Printf("[webhook] sent %s alert: %s %s", alert.Level, alert.CampaignID, alert.Title)
	return nil
}
