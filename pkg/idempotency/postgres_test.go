package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	return store, mock
}

var recordColumns = []string{
	"method", "fingerprint", "status", "response_status", "response_body",
	"response_headers", "created_at", "expires_at",
}

func TestNewPostgresStore(t *testing.T) {
	t.Run("nil database", func(t *testing.T) {
		_, err := NewPostgresStore(nil)
		assert.ErrorContains(t, err, "database connection is required")
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS idempotency_records").WillReturnError(errors.New("permission denied"))
		_, err = NewPostgresStore(db)
		assert.ErrorContains(t, err, "failed to ensure idempotency_records table")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_ReserveNew(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now()
	rec := &Record{Key: "booking-key-00001", UserID: "u1", Endpoint: "/booking", Method: "POST", Fingerprint: "fp",
		Status: StatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs("u1", "/booking", "booking-key-00001", "POST", "fp", "pending", now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	existing, err := store.Reserve(context.Background(), rec)
	require.NoError(t, err)
	assert.Nil(t, existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveExisting(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now()
	rec := &Record{Key: "booking-key-00001", UserID: "u1", Endpoint: "/booking", Method: "POST", Fingerprint: "fp",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM idempotency_records").
		WithArgs("u1", "/booking", "booking-key-00001").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("POST", "fp", "completed", 201, []byte(`{"id":"x"}`), []byte(`{"Location":"/b/x"}`), now, now.Add(time.Hour)))

	existing, err := store.Reserve(context.Background(), rec)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, StatusCompleted, existing.Status)
	assert.Equal(t, 201, existing.ResponseStatus)
	assert.Equal(t, []byte(`{"id":"x"}`), existing.ResponseBody)
	assert.Equal(t, "/b/x", existing.ResponseHeaders["Location"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM idempotency_records").WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), Scope{UserID: "u1", Endpoint: "/booking", Key: "booking-key-00001"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_Complete(t *testing.T) {
	store, mock := setupMockStore(t)
	expires := time.Now().Add(DefaultTTL)
	rec := &Record{Key: "booking-key-00001", UserID: "u1", Endpoint: "/booking", Fingerprint: "fp",
		ResponseStatus: 201, ResponseBody: []byte("ok"), ExpiresAt: expires}

	t.Run("pending reservation", func(t *testing.T) {
		mock.ExpectExec("UPDATE idempotency_records").
			WithArgs("u1", "/booking", "booking-key-00001", "completed", 201, []byte("ok"), sqlmock.AnyArg(), "fp", "pending", expires).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, store.Complete(context.Background(), rec))
	})

	t.Run("not reserved", func(t *testing.T) {
		mock.ExpectExec("UPDATE idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
		assert.ErrorIs(t, store.Complete(context.Background(), rec), ErrNotReserved)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceExpired(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now()
	rec := &Record{Key: "booking-key-00001", UserID: "u1", Endpoint: "/booking", Method: "POST", Fingerprint: "fp",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectExec("UPDATE idempotency_records").
		WithArgs("u1", "/booking", "booking-key-00001", "POST", "pending", now, now.Add(time.Hour), "fp", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := store.ReplaceExpired(context.Background(), rec, now)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("UPDATE idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = store.ReplaceExpired(context.Background(), rec, now)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteAndSweep(t *testing.T) {
	store, mock := setupMockStore(t)
	now := time.Now()

	mock.ExpectExec("DELETE FROM idempotency_records").
		WithArgs("u1", "/booking", "booking-key-00001", "fp", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Delete(context.Background(), Scope{UserID: "u1", Endpoint: "/booking", Key: "booking-key-00001"}, "fp"))

	mock.ExpectExec("DELETE FROM idempotency_records WHERE expires_at").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveErrorFailsClosed(t *testing.T) {
	store, mock := setupMockStore(t)
	svc := newTestService(store)

	mock.ExpectExec("INSERT INTO idempotency_records").WillReturnError(errors.New("too many connections"))

	_, err := svc.Check(context.Background(), "u1", "booking-key-00001", nil, "/booking", "POST")
	assert.ErrorContains(t, err, "too many connections")
	assert.NoError(t, mock.ExpectationsWereMet())
}
