package idempotency

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/salonguard/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func newTestService(store Store) *Service {
	return NewService(store, time.Hour, testLogger(), nil)
}

func TestService_CheckStoreReplay(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()
	body := []byte(`{"a":1}`)

	res, err := svc.Check(ctx, "u1", "booking-key-00001", body, "/booking", "POST")
	require.NoError(t, err)
	assert.False(t, res.Exists)
	assert.True(t, res.Reserved())

	require.NoError(t, svc.StoreResponse(ctx, "u1", "booking-key-00001", body, "/booking", "POST", 201, []byte(`{"id":"x"}`), nil))

	res, err = svc.Check(ctx, "u1", "booking-key-00001", body, "/booking", "POST")
	require.NoError(t, err)
	assert.True(t, res.Exists)
	require.NotNil(t, res.Cached)
	assert.Equal(t, 201, res.Cached.Status)
	assert.Equal(t, []byte(`{"id":"x"}`), res.Cached.Body)
}

func TestService_Conflict(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Check(ctx, "u1", "booking-key-00001", []byte(`{"a":1}`), "/booking", "POST")
	require.NoError(t, err)
	require.NoError(t, svc.StoreResponse(ctx, "u1", "booking-key-00001", []byte(`{"a":1}`), "/booking", "POST", 201, []byte(`{}`), nil))

	res, err := svc.Check(ctx, "u1", "booking-key-00001", []byte(`{"a":2}`), "/booking", "POST")
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.False(t, res.Exists)
}

func TestService_ConflictEvenWhenExpired(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()
	now := time.Now()
	svc.now = func() time.Time { return now }

	_, err := svc.Check(ctx, "u1", "booking-key-00001", []byte("a"), "/booking", "POST")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	res, err := svc.Check(ctx, "u1", "booking-key-00001", []byte("b"), "/booking", "POST")
	require.NoError(t, err)
	assert.True(t, res.Conflict)
}

func TestService_ExpiredRecordIsReplaced(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()
	now := time.Now()
	svc.now = func() time.Time { return now }
	body := []byte("a")

	_, err := svc.Check(ctx, "u1", "booking-key-00001", body, "/booking", "POST")
	require.NoError(t, err)
	require.NoError(t, svc.StoreResponse(ctx, "u1", "booking-key-00001", body, "/booking", "POST", 201, []byte("old"), nil))

	now = now.Add(2 * time.Hour)
	res, err := svc.Check(ctx, "u1", "booking-key-00001", body, "/booking", "POST")
	require.NoError(t, err)
	assert.True(t, res.Reserved())
}

func TestService_OrphanedReservationLapses(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()
	now := time.Now()
	svc.now = func() time.Time { return now }
	body := []byte(`{"service":"cut"}`)

	res, err := svc.Check(ctx, "u1", "booking-crash-0001", body, "/booking", "POST")
	require.NoError(t, err)
	require.True(t, res.Reserved())

	// neither stored nor released, as when the instance dies mid-request
	now = now.Add(DefaultLease - time.Second)
	res, err = svc.Check(ctx, "u1", "booking-crash-0001", body, "/booking", "POST")
	require.NoError(t, err)
	assert.True(t, res.InFlight, "lease still held")

	now = now.Add(2 * time.Second)
	res, err = svc.Check(ctx, "u1", "booking-crash-0001", body, "/booking", "POST")
	require.NoError(t, err)
	assert.True(t, res.Reserved(), "retry takes over the lapsed lease")

	require.NoError(t, svc.StoreResponse(ctx, "u1", "booking-crash-0001", body, "/booking", "POST", 201, []byte("ok"), nil))

	// the stored response outlives the lease
	now = now.Add(30 * time.Minute)
	res, err = svc.Check(ctx, "u1", "booking-crash-0001", body, "/booking", "POST")
	require.NoError(t, err)
	assert.True(t, res.Exists)
}

func TestService_ReservationLeaseOption(t *testing.T) {
	svc := NewService(NewMemoryStore(), time.Hour, testLogger(), nil, WithReservationLease(10*time.Minute))
	assert.Equal(t, 10*time.Minute, svc.lease)

	svc = NewService(NewMemoryStore(), time.Hour, testLogger(), nil, WithReservationLease(0))
	assert.Equal(t, DefaultLease, svc.lease)

	svc = NewService(NewMemoryStore(), time.Minute, testLogger(), nil, WithReservationLease(time.Hour))
	assert.Equal(t, time.Minute, svc.lease, "lease never outlives the TTL")
}

func TestService_TargetPathIsFingerprinted(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()
	first := Target{UserID: "u1", Key: "cancel-key-000001", Endpoint: "/bookings/{id}/cancel",
		Path: "/bookings/b-111/cancel", Method: "POST"}

	res, err := svc.CheckTarget(ctx, first)
	require.NoError(t, err)
	require.True(t, res.Reserved())
	require.NoError(t, svc.StoreTargetResponse(ctx, first, 201, []byte(`{"cancelled":"b-111"}`), nil))

	res, err = svc.CheckTarget(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.Exists)

	second := first
	second.Path = "/bookings/b-222/cancel"
	res, err = svc.CheckTarget(ctx, second)
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.Nil(t, res.Cached)
}

func TestService_ReleaseTarget(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()
	target := Target{UserID: "u1", Key: "cancel-key-000002", Endpoint: "/bookings/{id}/cancel",
		Path: "/bookings/b-333/cancel", Method: "POST"}

	_, err := svc.CheckTarget(ctx, target)
	require.NoError(t, err)

	other := target
	other.Path = "/bookings/b-444/cancel"
	require.NoError(t, svc.ReleaseTarget(ctx, other))
	res, err := svc.CheckTarget(ctx, target)
	require.NoError(t, err)
	assert.True(t, res.InFlight, "release for another path leaves the reservation")

	require.NoError(t, svc.ReleaseTarget(ctx, target))
	res, err = svc.CheckTarget(ctx, target)
	require.NoError(t, err)
	assert.True(t, res.Reserved())
}

func TestService_InFlight(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Check(ctx, "u1", "booking-key-00001", []byte("a"), "/booking", "POST")
	require.NoError(t, err)

	res, err := svc.Check(ctx, "u1", "booking-key-00001", []byte("a"), "/booking", "POST")
	require.NoError(t, err)
	assert.True(t, res.InFlight)
}

func TestService_ReleaseMakesKeyRetryable(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Check(ctx, "u1", "booking-key-00001", []byte("a"), "/booking", "POST")
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, "u1", "booking-key-00001", []byte("a"), "/booking", "POST"))

	res, err := svc.Check(ctx, "u1", "booking-key-00001", []byte("a"), "/booking", "POST")
	require.NoError(t, err)
	assert.True(t, res.Reserved())
}

func TestService_ScopedPerUserAndEndpoint(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Check(ctx, "u1", "booking-key-00001", []byte("a"), "/booking", "POST")
	require.NoError(t, err)

	res, err := svc.Check(ctx, "u2", "booking-key-00001", []byte("a"), "/booking", "POST")
	require.NoError(t, err)
	assert.True(t, res.Reserved())

	res, err = svc.Check(ctx, "u1", "booking-key-00001", []byte("a"), "/booking/cancel", "POST")
	require.NoError(t, err)
	assert.True(t, res.Reserved())
}

func TestService_InvalidKeyNeverTouchesStore(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	svc := newTestService(store)

	for _, key := range []string{"", "too-short", "has space 123456789", "semi;colon-123456789", string(make([]byte, MaxKeyLength+1))} {
		_, err := svc.Check(context.Background(), "u1", key, nil, "/booking", "POST")
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
	assert.Equal(t, int32(0), store.calls.Load())
}

func TestService_StoreFailureIsReturned(t *testing.T) {
	svc := newTestService(brokenStore{})
	_, err := svc.Check(context.Background(), "u1", "booking-key-00001", nil, "/booking", "POST")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidKey)
}

func TestService_StoreWithoutReservation(t *testing.T) {
	svc := newTestService(NewMemoryStore())
	err := svc.StoreResponse(context.Background(), "u1", "booking-key-00001", nil, "/booking", "POST", 200, nil, nil)
	assert.ErrorIs(t, err, ErrNotReserved)
}

func TestService_ConcurrentDuplicatesReserveOnce(t *testing.T) {
	svc := newTestService(NewMemoryStore())

	var reserved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Check(context.Background(), "u1", "booking-key-00001", []byte("a"), "/booking", "POST")
			if err == nil && res.Reserved() {
				reserved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), reserved.Load())
}

func TestService_Sweep(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store)
	now := time.Now()
	svc.now = func() time.Time { return now }

	_, err := svc.Check(context.Background(), "u1", "booking-key-00001", nil, "/booking", "POST")
	require.NoError(t, err)

	n, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	now = now.Add(2 * time.Hour)
	n, err = svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("POST", "/booking", []byte(`{"a":1}`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint("POST", "/booking", []byte(`{"a":1}`)))
	assert.NotEqual(t, a, Fingerprint("PUT", "/booking", []byte(`{"a":1}`)))
	assert.NotEqual(t, a, Fingerprint("POST", "/booking/x", []byte(`{"a":1}`)))
	assert.NotEqual(t, a, Fingerprint("POST", "/booking", []byte(`{"a":2}`)))
}

type countingStore struct {
	Store
	calls atomic.Int32
}

func (c *countingStore) Reserve(ctx context.Context, rec *Record) (*Record, error) {
	c.calls.Add(1)
	return c.Store.Reserve(ctx, rec)
}

type brokenStore struct{ Store }

func (brokenStore) Reserve(context.Context, *Record) (*Record, error) {
	return nil, errors.New("connection reset")
}
