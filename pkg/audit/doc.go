// Package audit records who did what to which salon resource.
//
// Entries are append-only: sinks expose Log and Close, never update or
// delete. Values are redacted before they reach any sink. Sensitive field
// names (password, token, card, ...) are masked wholesale and free text is
// scanned for emails, phone numbers, JWTs and card numbers.
//
//	svc := audit.NewService(audit.NewMultiLogger(dbLogger, fileLogger), audit.NewRedactor(), logger, metrics)
//	svc.LogAudit(ctx, audit.Actor{UserID: "u_42", Role: auth.RoleCustomer},
//		"booking.create", "booking", audit.Details{
//			ResourceID: "bk_981",
//			NewValues:  map[string]interface{}{"service": "balayage"},
//			Outcome:    audit.OutcomeSuccess,
//		})
//
// LogAudit never returns an error. A failed write is logged and counted;
// the caller's response is not affected.
package audit
