package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Headers set on webhook deliveries
const (
	HeaderSignature   = "X-Salonguard-Signature"
	HeaderFingerprint = "X-Salonguard-Alert"
	HeaderDelivery    = "X-Salonguard-Delivery"
)

var defaultClient = &http.Client{Timeout: 10 * time.Second}

// WebhookChannel POSTs the alert as JSON, signed with HMAC-SHA256
type WebhookChannel struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel. A nil client uses a 10s timeout client.
func NewWebhookChannel(url, secret string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = defaultClient
	}
	return &WebhookChannel{url: url, secret: secret, client: client}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Accepts(Severity) bool { return true }

func (w *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	headers := http.Header{}
	headers.Set(HeaderFingerprint, alert.Fingerprint)
	headers.Set(HeaderDelivery, time.Now().UTC().Format(time.RFC3339))
	if w.secret != "" {
		headers.Set(HeaderSignature, Sign(payload, w.secret))
	}
	return post(ctx, w.client, w.url, payload, headers)
}

// Sign returns "sha256=<hex hmac>" of payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// SlackMessage is a chat webhook payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is one colored block of a SlackMessage
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	TS     int64        `json:"ts,omitempty"`
}

// SlackField is a title/value pair
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackChannel posts to an incoming chat webhook
type SlackChannel struct {
	url    string
	client *http.Client
}

// NewSlackChannel creates a chat webhook channel
func NewSlackChannel(url string, client *http.Client) *SlackChannel {
	if client == nil {
		client = defaultClient
	}
	return &SlackChannel{url: url, client: client}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Accepts(Severity) bool { return true }

func (s *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(FormatSlackMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}
	return post(ctx, s.client, s.url, payload, nil)
}

// FormatSlackMessage renders an alert as a single attachment
func FormatSlackMessage(alert *Alert) SlackMessage {
	fields := []SlackField{
		{Title: "Severity", Value: string(alert.Severity), Short: true},
		{Title: "Component", Value: alert.Context.Component, Short: true},
	}
	if alert.Context.Action != "" {
		fields = append(fields, SlackField{Title: "Action", Value: alert.Context.Action, Short: true})
	}
	if alert.Context.CorrelationID != "" {
		fields = append(fields, SlackField{Title: "Correlation ID", Value: alert.Context.CorrelationID, Short: true})
	}
	if alert.SuppressedCount > 0 {
		fields = append(fields, SlackField{Title: "Suppressed", Value: fmt.Sprintf("%d since last notice", alert.SuppressedCount), Short: true})
	}

	return SlackMessage{
		Text: fmt.Sprintf("%s alert: %s", strings.ToUpper(string(alert.Severity)), alert.Title),
		Attachments: []SlackAttachment{{
			Color:  severityColor(alert.Severity),
			Title:  alert.Title,
			Text:   alert.Message,
			Fields: fields,
			Footer: "salonguard " + alert.Fingerprint,
			TS:     alert.Timestamp.Unix(),
		}},
	}
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical, SeverityHigh:
		return "danger"
	case SeverityMedium:
		return "warning"
	default:
		return "#439FE0"
	}
}

// Mailer sends plain-text email
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// EmailChannel hands alerts to a Mailer
type EmailChannel struct {
	mailer     Mailer
	recipients []string
}

// NewEmailChannel creates an email channel
func NewEmailChannel(mailer Mailer, recipients []string) *EmailChannel {
	return &EmailChannel{mailer: mailer, recipients: recipients}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Accepts(Severity) bool { return len(e.recipients) > 0 }

func (e *EmailChannel) Send(ctx context.Context, alert *Alert) error {
	subject := fmt.Sprintf("[salonguard %s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)
	return e.mailer.Send(ctx, e.recipients, subject, summary(alert))
}

// SMSGateway sends a text message to one number
type SMSGateway interface {
	Send(ctx context.Context, to, text string) error
}

// smsMaxLen is one concatenated-SMS worth of text
const smsMaxLen = 306

// SMSChannel texts high and critical alerts only
type SMSChannel struct {
	gateway    SMSGateway
	recipients []string
}

// NewSMSChannel creates an SMS channel
func NewSMSChannel(gateway SMSGateway, recipients []string) *SMSChannel {
	return &SMSChannel{gateway: gateway, recipients: recipients}
}

func (s *SMSChannel) Name() string { return "sms" }

func (s *SMSChannel) Accepts(severity Severity) bool {
	return len(s.recipients) > 0 && severity.AtLeast(SeverityHigh)
}

func (s *SMSChannel) Send(ctx context.Context, alert *Alert) error {
	text := summary(alert)
	if len(text) > smsMaxLen {
		text = text[:smsMaxLen-3] + "..."
	}
	var errs []error
	for _, to := range s.recipients {
		if err := s.gateway.Send(ctx, to, text); err != nil {
			errs = append(errs, fmt.Errorf("sms to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// post sends a JSON payload and treats any non-2xx status as an error
func post(ctx context.Context, client *http.Client, url string, payload []byte, headers http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
