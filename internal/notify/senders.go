package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"regexp"
	"strings"
	"time"

	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/models"
)

var htmlTagRe = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

// stripHTML removes the Telegram-oriented markup for transports that render
// plain text or their own markdown.
func stripHTML(s string) string {
	return htmlTagRe.ReplaceAllString(s, "")
}

func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// TelegramSender delivers via the Bot API in HTML parse mode.
type TelegramSender struct {
	token  string
	client *http.Client
}

func NewTelegramSender(token string, client *http.Client) *TelegramSender {
	return &TelegramSender{token: token, client: client}
}

func (s *TelegramSender) Type() models.ChannelType { return models.ChannelTelegram }

func (s *TelegramSender) Send(ctx context.Context, n Notification, ch *models.NotificationChannel) error {
	if s.token == "" {
		return errors.New(errors.KindDispatch, "telegram bot token not configured")
	}
	cfg, err := models.DecodeChannelConfig(models.ChannelTelegram, ch.Config)
	if err != nil {
		return err
	}
	tg := cfg.(models.TelegramConfig)

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.token)
	return postJSON(ctx, s.client, http.MethodPost, url, nil, map[string]any{
		"chat_id":                  tg.ChatID,
		"text":                     n.Message,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
}

// DiscordSender posts plain-text content to a Discord webhook.
type DiscordSender struct {
	client *http.Client
}

func NewDiscordSender(client *http.Client) *DiscordSender { return &DiscordSender{client: client} }

func (s *DiscordSender) Type() models.ChannelType { return models.ChannelDiscord }

func (s *DiscordSender) Send(ctx context.Context, n Notification, ch *models.NotificationChannel) error {
	cfg, err := models.DecodeChannelConfig(models.ChannelDiscord, ch.Config)
	if err != nil {
		return err
	}
	dc := cfg.(models.DiscordConfig)

	return postJSON(ctx, s.client, http.MethodPost, dc.WebhookURL, nil, map[string]any{
		"content": stripHTML(n.Message),
	})
}

// SlackSender posts an attachment colored by severity to a Slack webhook.
type SlackSender struct {
	client *http.Client
}

func NewSlackSender(client *http.Client) *SlackSender { return &SlackSender{client: client} }

func (s *SlackSender) Type() models.ChannelType { return models.ChannelSlack }

func slackColor(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical:
		return "danger"
	case models.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func (s *SlackSender) Send(ctx context.Context, n Notification, ch *models.NotificationChannel) error {
	cfg, err := models.DecodeChannelConfig(models.ChannelSlack, ch.Config)
	if err != nil {
		return err
	}
	sl := cfg.(models.SlackConfig)

	return postJSON(ctx, s.client, http.MethodPost, sl.WebhookURL, nil, map[string]any{
		"attachments": []map[string]any{{
			"color": slackColor(n.Severity),
			"text":  stripHTML(n.Message),
			"ts":    n.Timestamp.Unix(),
		}},
	})
}

// PagerDutySender triggers an Events API v2 event. The alert id doubles as
// dedup key so retried deliveries collapse into one incident.
type PagerDutySender struct {
	client *http.Client
	url    string
}

func NewPagerDutySender(client *http.Client) *PagerDutySender {
	return &PagerDutySender{client: client, url: "https://events.pagerduty.com/v2/enqueue"}
}

func (s *PagerDutySender) Type() models.ChannelType { return models.ChannelPagerDuty }

func pagerdutySeverity(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical:
		return "critical"
	case models.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

func (s *PagerDutySender) Send(ctx context.Context, n Notification, ch *models.NotificationChannel) error {
	cfg, err := models.DecodeChannelConfig(models.ChannelPagerDuty, ch.Config)
	if err != nil {
		return err
	}
	pd := cfg.(models.PagerDutyConfig)

	details := map[string]any{"subaccount": n.Subaccount, "alert_type": n.AlertType}
	if n.Market != nil {
		details["market"] = *n.Market
	}
	if n.Description != "" {
		details["description"] = n.Description
	}

	return postJSON(ctx, s.client, http.MethodPost, s.url, nil, map[string]any{
		"routing_key":  pd.IntegrationKey,
		"event_action": "trigger",
		"dedup_key":    n.AlertID.String(),
		"payload": map[string]any{
			"summary":        stripHTML(n.Message),
			"source":         "perpwatch",
			"severity":       pagerdutySeverity(n.Severity),
			"timestamp":      n.Timestamp.UTC().Format(time.RFC3339),
			"custom_details": details,
		},
	})
}

// SMTPConfig carries the shared outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender delivers over SMTP. The standard library client is used; the
// message is a simple plain-text MIME part.
type EmailSender struct {
	cfg SMTPConfig
}

func NewEmailSender(cfg SMTPConfig) *EmailSender { return &EmailSender{cfg: cfg} }

func (s *EmailSender) Type() models.ChannelType { return models.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, n Notification, ch *models.NotificationChannel) error {
	if s.cfg.Host == "" {
		return errors.New(errors.KindDispatch, "smtp not configured")
	}
	cfg, err := models.DecodeChannelConfig(models.ChannelEmail, ch.Config)
	if err != nil {
		return err
	}
	em := cfg.(models.EmailConfig)

	subject := fmt.Sprintf("[%s] %s alert for %s", strings.ToUpper(string(n.Severity)), n.AlertType, n.Subaccount)
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", em.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(stripHTML(n.Message))

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	// smtp.SendMail has no context support; run it in a goroutine and
	// honor the dispatch deadline.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, s.cfg.From, []string{em.To}, msg.Bytes())
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// webhookPayload is a fixed wire contract. Field set and names must not
// change: downstream consumers parse this shape.
type webhookPayload struct {
	Severity   string          `json:"severity"`
	Message    string          `json:"message"`
	Subaccount string          `json:"subaccount"`
	Timestamp  string          `json:"timestamp"`
	Metadata   webhookMetadata `json:"metadata"`
}

type webhookMetadata struct {
	Market    string `json:"market,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// WebhookSender posts the fixed payload to a user-supplied URL with a
// configurable method, default POST.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender(client *http.Client) *WebhookSender { return &WebhookSender{client: client} }

func (s *WebhookSender) Type() models.ChannelType { return models.ChannelWebhook }

func (s *WebhookSender) Send(ctx context.Context, n Notification, ch *models.NotificationChannel) error {
	cfg, err := models.DecodeChannelConfig(models.ChannelWebhook, ch.Config)
	if err != nil {
		return err
	}
	wh := cfg.(models.WebhookConfig)

	payload := webhookPayload{
		Severity:   string(n.Severity),
		Message:    n.Message,
		Subaccount: n.Subaccount,
		Timestamp:  n.Timestamp.UTC().Format(time.RFC3339),
	}
	if n.Market != nil {
		payload.Metadata.Market = *n.Market
	}
	if n.Condition != nil {
		payload.Metadata.Condition = *n.Condition
	}

	return postJSON(ctx, s.client, wh.Method, wh.URL, wh.Headers, payload)
}
