package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// --- Email ---

// EmailChannel sends notifications via SMTP. STARTTLS is negotiated when
// the server advertises it.
type EmailChannel struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// NewEmailChannel creates an email notification channel.
func NewEmailChannel(host string, port int, from, username, password string) *EmailChannel {
	return &EmailChannel{
		Host:     host,
		Port:     port,
		From:     from,
		Username: username,
		Password: password,
	}
}

func (e *EmailChannel) Type() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, msg Message) error {
	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, e.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.Username != "" {
		auth := smtp.PlainAuth("", e.Username, e.Password, e.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(e.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := c.Rcpt(msg.Destination); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		e.From, msg.Destination, msg.Subject, msg.Body)
	if _, err := w.Write([]byte(body)); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return c.Quit()
}

// --- Webhook ---

// WebhookChannel POSTs the structured payload as JSON to one endpoint.
// When a secret is configured the body is signed with HMAC-SHA256.
type WebhookChannel struct {
	URL    string
	Secret string
	client *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(url, secret string) *WebhookChannel {
	return &WebhookChannel{
		URL:    url,
		Secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := msg.Payload
	if payload == nil {
		payload = &Payload{Message: msg.Body}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var headers map[string]string
	if w.Secret != "" {
		headers = map[string]string{"X-Rewire-Signature": signature(w.Secret, body)}
	}
	return postJSON(ctx, w.client, "webhook", w.URL, body, headers)
}

// --- Slack ---

// SlackChannel sends notifications to a Slack incoming webhook, rendered
// as a Block Kit attachment.
type SlackChannel struct {
	WebhookURL string
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	payload := msg.Payload
	if payload == nil {
		payload = &Payload{Message: msg.Body}
	}
	code := payload.Code
	if code == "" {
		code = "Info"
	}

	body, err := json.Marshal(map[string]any{
		"attachments": []map[string]any{{
			"color": eventColor(payload.Event),
			"blocks": []map[string]any{
				{
					"type": "header",
					"text": map[string]any{
						"type": "plain_text",
						"text": fmt.Sprintf("%s Rewire: %s", eventEmoji(payload.Event), payload.Event),
					},
				},
				{
					"type": "section",
					"fields": []map[string]any{
						{"type": "mrkdwn", "text": "*Expectation:*\n" + payload.Name},
						{"type": "mrkdwn", "text": "*Type:*\n" + payload.Type},
					},
				},
				{
					"type": "section",
					"text": map[string]any{
						"type": "mrkdwn",
						"text": fmt.Sprintf("*%s:* %s", code, payload.Message),
					},
				},
				{
					"type": "context",
					"elements": []map[string]any{
						{"type": "mrkdwn", "text": fmt.Sprintf("ID: `%s`", payload.ExpectationID)},
					},
				},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	return postJSON(ctx, s.client, "slack", s.WebhookURL, body, nil)
}

// --- Discord ---

// DiscordChannel sends notifications to a Discord webhook, rendered as an
// embed.
type DiscordChannel struct {
	WebhookURL string
	client     *http.Client
}

// NewDiscordChannel creates a Discord notification channel.
func NewDiscordChannel(webhookURL string) *DiscordChannel {
	return &DiscordChannel{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordChannel) Type() string { return "discord" }

func (d *DiscordChannel) Send(ctx context.Context, msg Message) error {
	payload := msg.Payload
	if payload == nil {
		payload = &Payload{Message: msg.Body}
	}
	code := payload.Code
	if code == "" {
		code = "Info"
	}

	body, err := json.Marshal(map[string]any{
		"embeds": []map[string]any{{
			"title": "Rewire: " + payload.Event,
			"color": eventColorInt(payload.Event),
			"fields": []map[string]any{
				{"name": "Expectation", "value": payload.Name, "inline": true},
				{"name": "Type", "value": payload.Type, "inline": true},
				{"name": code, "value": payload.Message},
			},
			"footer": map[string]any{"text": "ID: " + payload.ExpectationID},
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	return postJSON(ctx, d.client, "discord", d.WebhookURL, body, nil)
}

func eventEmoji(event string) string {
	switch event {
	case EventViolationOpened:
		return ":rotating_light:"
	case EventTestSent:
		return ":mailbox:"
	default:
		return ":bell:"
	}
}

func eventColor(event string) string {
	switch event {
	case EventViolationOpened:
		return "#dc2626"
	case EventTestSent:
		return "#2563eb"
	default:
		return "#6b7280"
	}
}

func eventColorInt(event string) int {
	switch event {
	case EventViolationOpened:
		return 0xdc2626
	case EventTestSent:
		return 0x2563eb
	default:
		return 0x6b7280
	}
}

// --- Dev ---

// DevChannel logs notifications instead of delivering them. Selected when
// no SMTP host is configured.
type DevChannel struct {
	log logr.Logger
}

// NewDevChannel creates a log-only notification channel.
func NewDevChannel(log logr.Logger) *DevChannel {
	return &DevChannel{log: log}
}

func (d *DevChannel) Type() string { return "dev" }

func (d *DevChannel) Send(_ context.Context, msg Message) error {
	d.log.Info("notification",
		"destination", msg.Destination,
		"subject", msg.Subject,
		"body", strings.ReplaceAll(msg.Body, "\n", " | "),
	)
	return nil
}

// postJSON delivers one JSON body to a webhook endpoint and treats any
// non-2xx status as a delivery failure.
func postJSON(ctx context.Context, client *http.Client, kind, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s send: %w", kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", kind, resp.StatusCode)
	}
	return nil
}

func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
