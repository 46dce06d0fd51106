package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps records in the idempotency_records table. The
// primary key (user_id, endpoint, idem_key) makes reservation an
// INSERT ... ON CONFLICT DO NOTHING.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and ensures its table exists
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &PostgresStore{db: db}
	if err := s.ensureTable(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure idempotency_records table: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS idempotency_records (
		user_id VARCHAR(255) NOT NULL,
		endpoint VARCHAR(255) NOT NULL,
		idem_key VARCHAR(128) NOT NULL,
		method VARCHAR(10) NOT NULL,
		fingerprint CHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		response_status INTEGER,
		response_body BYTEA,
		response_headers JSONB,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (user_id, endpoint, idem_key)
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at ON idempotency_records(expires_at);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Reserve implements Store
func (s *PostgresStore) Reserve(ctx context.Context, rec *Record) (*Record, error) {
	query := `
		INSERT INTO idempotency_records (
			user_id, endpoint, idem_key, method, fingerprint, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, endpoint, idem_key) DO NOTHING
	`

	// The second pass covers a sweep deleting the row between INSERT and SELECT.
	for pass := 0; pass < 2; pass++ {
		res, err := s.db.ExecContext(ctx, query,
			rec.UserID, rec.Endpoint, rec.Key, rec.Method, rec.Fingerprint,
			string(StatusPending), rec.CreatedAt, rec.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 1 {
			return nil, nil
		}

		existing, err := s.Get(ctx, rec.Scope())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return existing, err
	}
	return nil, fmt.Errorf("failed to reserve idempotency key %s: row vanished twice", rec.Key)
}

// ReplaceExpired implements Store
func (s *PostgresStore) ReplaceExpired(ctx context.Context, rec *Record, now time.Time) (bool, error) {
	query := `
		UPDATE idempotency_records
		SET method = $4, status = $5, response_status = NULL, response_body = NULL,
			response_headers = NULL, created_at = $6, expires_at = $7
		WHERE user_id = $1 AND endpoint = $2 AND idem_key = $3
			AND fingerprint = $8 AND expires_at <= $9
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.UserID, rec.Endpoint, rec.Key,
		rec.Method, string(StatusPending), rec.CreatedAt, rec.ExpiresAt,
		rec.Fingerprint, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to replace expired idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, scope Scope) (*Record, error) {
	query := `
		SELECT method, fingerprint, status, response_status, response_body,
			response_headers, created_at, expires_at
		FROM idempotency_records
		WHERE user_id = $1 AND endpoint = $2 AND idem_key = $3
	`
	rec := &Record{UserID: scope.UserID, Endpoint: scope.Endpoint, Key: scope.Key}
	var (
		status      string
		respStatus  sql.NullInt64
		respHeaders []byte
	)
	err := s.db.QueryRowContext(ctx, query, scope.UserID, scope.Endpoint, scope.Key).Scan(
		&rec.Method, &rec.Fingerprint, &status, &respStatus, &rec.ResponseBody,
		&respHeaders, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}

	rec.Status = Status(status)
	if respStatus.Valid {
		rec.ResponseStatus = int(respStatus.Int64)
	}
	if len(respHeaders) > 0 {
		if err := json.Unmarshal(respHeaders, &rec.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("failed to decode response headers: %w", err)
		}
	}
	return rec, nil
}

// Complete implements Store
func (s *PostgresStore) Complete(ctx context.Context, rec *Record) error {
	var headers []byte
	if rec.ResponseHeaders != nil {
		var err error
		if headers, err = json.Marshal(rec.ResponseHeaders); err != nil {
			return fmt.Errorf("failed to encode response headers: %w", err)
		}
	}

	query := `
		UPDATE idempotency_records
		SET status = $4, response_status = $5, response_body = $6, response_headers = $7,
			expires_at = $10
		WHERE user_id = $1 AND endpoint = $2 AND idem_key = $3
			AND fingerprint = $8 AND status = $9
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.UserID, rec.Endpoint, rec.Key,
		string(StatusCompleted), rec.ResponseStatus, rec.ResponseBody, headers,
		rec.Fingerprint, string(StatusPending), rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, scope Scope, fingerprint string) error {
	query := `
		DELETE FROM idempotency_records
		WHERE user_id = $1 AND endpoint = $2 AND idem_key = $3
			AND fingerprint = $4 AND status = $5
	`
	if _, err := s.db.ExecContext(ctx, query,
		scope.UserID, scope.Endpoint, scope.Key, fingerprint, string(StatusPending),
	); err != nil {
		return fmt.Errorf("failed to release idempotency record: %w", err)
	}
	return nil
}

// Sweep implements Store
func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}
