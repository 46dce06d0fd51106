package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/salonguard/pkg/auth"
)

// Outcome of the audited operation
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Actor is the caller an entry is attributed to
type Actor struct {
	UserID string    `json:"user_id"`
	Role   auth.Role `json:"role"`
}

// Entry is one immutable audit record
type Entry struct {
	ID            string                 `json:"id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Actor         Actor                  `json:"actor"`
	Action        string                 `json:"action"`
	ResourceType  string                 `json:"resource_type"`
	ResourceID    string                 `json:"resource_id,omitempty"`
	OldValues     map[string]interface{} `json:"old_values,omitempty"`
	NewValues     map[string]interface{} `json:"new_values,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	UserAgent     string                 `json:"user_agent,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Outcome       Outcome                `json:"outcome"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
}

// Details are the optional parts of an entry supplied by the caller
type Details struct {
	ResourceID string
	OldValues  map[string]interface{}
	NewValues  map[string]interface{}
	Metadata   map[string]interface{}
	IP         string
	UserAgent  string
	// Outcome defaults to success, or failure when Err is set
	Outcome Outcome
	Err     error
}

// Logger is an append-only audit sink
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
	Close() error
}
