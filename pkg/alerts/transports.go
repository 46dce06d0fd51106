package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/platinummonkey/salonguard/pkg/observability"
)

// SMTPMailer delivers email through an SMTP relay
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer for addr ("host:port"). Credentials are
// optional; PLAIN auth is used when a username is given.
func NewSMTPMailer(addr, from, username, password string) *SMTPMailer {
	m := &SMTPMailer{addr: addr, from: from, send: smtp.SendMail}
	if username != "" {
		host, _, _ := strings.Cut(addr, ":")
		m.auth = smtp.PlainAuth("", username, password, host)
	}
	return m
}

// Send implements Mailer. net/smtp has no context support, so ctx is only
// checked before dialing.
func (m *SMTPMailer) Send(ctx context.Context, to []string, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	if err := m.send(m.addr, m.auth, m.from, to, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// HTTPSMSGateway posts {"to","text"} to an SMS provider endpoint with a
// bearer token
type HTTPSMSGateway struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSMSGateway creates a gateway. A nil client uses a 10s timeout client.
func NewHTTPSMSGateway(url, token string, client *http.Client) *HTTPSMSGateway {
	if client == nil {
		client = defaultClient
	}
	return &HTTPSMSGateway{url: url, token: token, client: client}
}

// Send implements SMSGateway
func (g *HTTPSMSGateway) Send(ctx context.Context, to, text string) error {
	payload, err := json.Marshal(map[string]string{"to": to, "text": text})
	if err != nil {
		return fmt.Errorf("failed to marshal sms: %w", err)
	}
	headers := http.Header{}
	if g.token != "" {
		headers.Set("Authorization", "Bearer "+g.token)
	}
	return post(ctx, g.client, g.url, payload, headers)
}

// LogTransport writes email and SMS to the service log instead of sending
// them. Used in development when no relay is configured.
type LogTransport struct {
	logger *observability.Logger
}

// NewLogTransport creates a log-only Mailer and SMSGateway
func NewLogTransport(logger *observability.Logger) *LogTransport {
	return &LogTransport{logger: logger.Component("alerts.transport")}
}

// Send implements Mailer
func (t *LogTransport) Send(_ context.Context, to []string, subject, body string) error {
	t.logger.WithFields(map[string]interface{}{
		"to":      strings.Join(to, ","),
		"subject": subject,
		"body":    body,
	}).Info("Alert email (log transport)")
	return nil
}

// SMS wraps the transport as an SMSGateway
func (t *LogTransport) SMS() SMSGateway {
	return smsLog{t}
}

type smsLog struct{ t *LogTransport }

func (s smsLog) Send(_ context.Context, to, text string) error {
	s.t.logger.WithFields(map[string]interface{}{
		"to":   to,
		"text": text,
	}).Info("Alert SMS (log transport)")
	return nil
}
