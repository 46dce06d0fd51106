package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/salonguard/pkg/async"
	"github.com/platinummonkey/salonguard/pkg/auth"
)

// DBLogger writes audit entries to the audit_entries table in PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_entries table: %w", err)
	}
	return logger, nil
}

func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id UUID PRIMARY KEY,
		correlation_id VARCHAR(100),
		actor_user_id VARCHAR(255) NOT NULL,
		actor_role VARCHAR(20) NOT NULL,
		action VARCHAR(100) NOT NULL,
		resource_type VARCHAR(50) NOT NULL,
		resource_id VARCHAR(255),
		old_values JSONB,
		new_values JSONB,
		metadata JSONB,
		ip_address VARCHAR(45),
		user_agent TEXT,
		outcome VARCHAR(20) NOT NULL,
		error_message TEXT,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_actor ON audit_entries(actor_user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_resource ON audit_entries(resource_type, resource_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_correlation ON audit_entries(correlation_id);
	`

	_, err := l.db.Exec(query)
	return err
}

func marshalJSONB(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Log inserts an entry. Re-inserting the same ID is a no-op, so retried
// writes do not fail. Rows are never updated or deleted by this package.
func (l *DBLogger) Log(ctx context.Context, entry *Entry) error {
	oldJSON, err := marshalJSONB(entry.OldValues)
	if err != nil {
		return async.Permanent(fmt.Errorf("failed to marshal old values: %w", err))
	}
	newJSON, err := marshalJSONB(entry.NewValues)
	if err != nil {
		return async.Permanent(fmt.Errorf("failed to marshal new values: %w", err))
	}
	metadataJSON, err := marshalJSONB(entry.Metadata)
	if err != nil {
		return async.Permanent(fmt.Errorf("failed to marshal metadata: %w", err))
	}

	query := `
		INSERT INTO audit_entries (
			id, correlation_id, actor_user_id, actor_role,
			action, resource_type, resource_id,
			old_values, new_values, metadata,
			ip_address, user_agent, outcome, error_message, timestamp
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14, $15
		)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = l.db.ExecContext(ctx, query,
		entry.ID, nullString(entry.CorrelationID), entry.Actor.UserID, string(entry.Actor.Role),
		entry.Action, entry.ResourceType, nullString(entry.ResourceID),
		oldJSON, newJSON, metadataJSON,
		nullString(entry.IPAddress), nullString(entry.UserAgent),
		string(entry.Outcome), nullString(entry.ErrorMessage), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries for a resource, newest first
func (l *DBLogger) Recent(ctx context.Context, resourceType, resourceID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, correlation_id, actor_user_id, actor_role, action, resource_type,
			resource_id, old_values, new_values, metadata, ip_address, user_agent,
			outcome, error_message, timestamp
		FROM audit_entries
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY timestamp DESC
		LIMIT $3
	`

	rows, err := l.db.QueryContext(ctx, query, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e                              Entry
			role, outcome                  string
			corrID, resID, ip, ua, errMsg  sql.NullString
			oldJSON, newJSON, metadataJSON []byte
			ts                             time.Time
		)
		if err := rows.Scan(&e.ID, &corrID, &e.Actor.UserID, &role, &e.Action, &e.ResourceType,
			&resID, &oldJSON, &newJSON, &metadataJSON, &ip, &ua, &outcome, &errMsg, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CorrelationID = corrID.String
		e.ResourceID = resID.String
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		e.ErrorMessage = errMsg.String
		e.Actor.Role = auth.Role(role)
		e.Outcome = Outcome(outcome)
		e.Timestamp = ts

		for _, col := range []struct {
			data []byte
			dest *map[string]interface{}
		}{{oldJSON, &e.OldValues}, {newJSON, &e.NewValues}, {metadataJSON, &e.Metadata}} {
			if len(col.data) == 0 {
				continue
			}
			if err := json.Unmarshal(col.data, col.dest); err != nil {
				return nil, fmt.Errorf("failed to decode audit entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Close is a no-op; the database handle is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
