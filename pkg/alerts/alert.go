package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Severity ranks how urgently an alert needs a human
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity validates a severity name. Empty maps to medium.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev == "" {
		return SeverityMedium, nil
	}
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown alert severity %q", s)
	}
	return sev, nil
}

// AtLeast reports whether s is as severe as min
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Context describes where an alert came from
type Context struct {
	Severity      Severity               `json:"severity"`
	Component     string                 `json:"component"`
	Action        string                 `json:"action,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Alert is one dispatched notification
type Alert struct {
	Fingerprint string    `json:"fingerprint"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	Context     Context   `json:"context"`
	Timestamp   time.Time `json:"timestamp"`
	// SuppressedCount is how many identical alerts were swallowed by the
	// throttle since the previous dispatch of this fingerprint
	SuppressedCount int `json:"suppressedCount"`
}

// Fingerprint identifies "the same alert": the first 16 bytes of
// SHA-256(title|component|action|severity), hex encoded
func Fingerprint(title, component, action string, severity Severity) string {
	sum := sha256.Sum256([]byte(title + "|" + component + "|" + action + "|" + string(severity)))
	return hex.EncodeToString(sum[:16])
}

// Channel delivers alerts to one destination
type Channel interface {
	Name() string
	// Accepts filters by severity before the channel is called
	Accepts(severity Severity) bool
	Send(ctx context.Context, alert *Alert) error
}

// summary is the plain-text rendering used by email and SMS
func summary(a *Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n%s\n", strings.ToUpper(string(a.Severity)), a.Title, a.Message)
	if a.Context.Component != "" {
		fmt.Fprintf(&b, "component: %s\n", a.Context.Component)
	}
	if a.Context.Action != "" {
		fmt.Fprintf(&b, "action: %s\n", a.Context.Action)
	}
	if a.Context.CorrelationID != "" {
		fmt.Fprintf(&b, "correlation id: %s\n", a.Context.CorrelationID)
	}
	if a.SuppressedCount > 0 {
		fmt.Fprintf(&b, "suppressed since last notice: %d\n", a.SuppressedCount)
	}
	return strings.TrimRight(b.String(), "\n")
}
