package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/salonguard/pkg/contextkeys"
	"github.com/platinummonkey/salonguard/pkg/observability"
)

// Service builds, redacts and writes audit entries
type Service struct {
	sink     Logger
	redactor *Redactor
	logger   *observability.Logger
	metrics  *observability.SecurityMetrics
	now      func() time.Time
}

// NewService creates a service writing to sink. A nil redactor uses the
// default field list; a nil sink discards entries.
func NewService(sink Logger, redactor *Redactor, logger *observability.Logger, metrics *observability.SecurityMetrics) *Service {
	if redactor == nil {
		redactor = NewRedactor()
	}
	if sink == nil {
		sink = nopLogger{}
	}
	return &Service{
		sink:     sink,
		redactor: redactor,
		logger:   logger.Component("audit"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Build returns the redacted entry LogAudit would write
func (s *Service) Build(ctx context.Context, actor Actor, action, resourceType string, d Details) *Entry {
	outcome := d.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
		if d.Err != nil {
			outcome = OutcomeFailure
		}
	}

	entry := &Entry{
		ID:            uuid.NewString(),
		CorrelationID: contextkeys.GetCorrelationID(ctx),
		Actor:         actor,
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    d.ResourceID,
		OldValues:     s.redactor.RedactMap(d.OldValues),
		NewValues:     s.redactor.RedactMap(d.NewValues),
		Metadata:      s.redactor.RedactMap(d.Metadata),
		IPAddress:     d.IP,
		UserAgent:     d.UserAgent,
		Timestamp:     s.now().UTC(),
		Outcome:       outcome,
	}
	if d.Err != nil {
		entry.ErrorMessage = s.redactor.RedactString(d.Err.Error())
	}
	return entry
}

// Write sends an already built entry to the sink. It is the retryable unit
// used by the detached task queue.
func (s *Service) Write(ctx context.Context, entry *Entry) (err error) {
	defer func() {
		if perr := observability.RecoverError(recover()); perr != nil {
			err = fmt.Errorf("audit sink: %w", perr)
		}
		s.metrics.AuditWrite(string(entry.Outcome), err)
	}()
	return s.sink.Log(ctx, entry)
}

// LogAudit builds and writes an entry. Failures are logged, never returned.
func (s *Service) LogAudit(ctx context.Context, actor Actor, action, resourceType string, d Details) {
	entry := s.Build(ctx, actor, action, resourceType, d)
	if err := s.Write(ctx, entry); err != nil {
		s.logger.WithCorrelationID(entry.CorrelationID).WithError(err).WithFields(map[string]interface{}{
			"audit_id": entry.ID,
			"action":   entry.Action,
		}).Error("Failed to write audit entry")
	}
}

// Close closes the sink
func (s *Service) Close() error {
	return s.sink.Close()
}

type nopLogger struct{}

func (nopLogger) Log(context.Context, *Entry) error { return nil }
func (nopLogger) Close() error                      { return nil }
