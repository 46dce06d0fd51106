package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/salonguard/pkg/observability"
)

func TestErrorCode_Status(t *testing.T) {
	tests := map[ErrorCode]int{
		CodeAuthRequired:            401,
		CodeInsufficientPermissions: 403,
		CodeRateLimitExceeded:       429,
		CodeInvalidIdempotencyKey:   400,
		CodeIdempotencyConflict:     400,
		CodeIdempotencyInProgress:   409,
		CodeValidation:              400,
		CodeNotFound:                404,
		CodeInternal:                500,
		CodeGatewayTimeout:          504,
		ErrorCode("SOMETHING_ELSE"): 500,
	}
	for code, want := range tests {
		assert.Equal(t, want, code.Status(), string(code))
	}
}

func TestAPIError_Chain(t *testing.T) {
	cause := errors.New("column missing")
	err := fmt.Errorf("create booking: %w", ValidationError("bad payload").Wrap(cause))

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, apiErr.Code)
	assert.Equal(t, 400, apiErr.Status())
	assert.ErrorIs(t, err, cause)

	_, ok = AsAPIError(errors.New("plain"))
	assert.False(t, ok)
}

func TestEnvelope_Marshal(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var ok map[string]interface{}
	require.NoError(t, json.Unmarshal(SuccessEnvelope(map[string]string{"id": "x"}, "c1", now).Marshal(), &ok))
	assert.Equal(t, true, ok["success"])
	assert.Equal(t, "c1", ok["correlationId"])
	assert.Equal(t, "2026-03-01T10:00:00Z", ok["timestamp"])
	assert.NotContains(t, ok, "error")

	var failed map[string]interface{}
	require.NoError(t, json.Unmarshal(ErrorEnvelope(CodeRateLimitExceeded, "slow down", "c2", now).Marshal(), &failed))
	assert.Equal(t, false, failed["success"])
	errBody := failed["error"].(map[string]interface{})
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody["code"])
	assert.Equal(t, "slow down", errBody["message"])
	assert.NotContains(t, errBody, "stack")
}

func TestEnvelope_MarshalFallback(t *testing.T) {
	body := SuccessEnvelope(make(chan int), "c3", time.Now()).Marshal()
	assert.Contains(t, string(body), "INTERNAL_ERROR")
	assert.Contains(t, string(body), "c3")
}

func TestWriteAPIError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteAPIError(rr, NotFoundError("no such booking"), "corr")

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), `"NOT_FOUND"`)
}

func TestReadBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"a":1}`))
	body, err := ReadBody(r, 100)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	r = httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 11)))
	_, err = ReadBody(r, 10)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, apiErr.Code)
}

func TestMaxBytesMiddleware(t *testing.T) {
	var readErr error
	h := MaxBytesMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = ReadBody(r, 100)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 20))))
	apiErr, ok := AsAPIError(readErr)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, apiErr.Code)
	assert.Contains(t, apiErr.Message, "8 bytes")
}

func TestDecodeJSON(t *testing.T) {
	var dest struct{ A int }
	require.NoError(t, DecodeJSON([]byte(`{"A":2}`), &dest))
	assert.Equal(t, 2, dest.A)

	err := DecodeJSON([]byte(`{`), &dest)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, apiErr.Code)

	assert.Error(t, DecodeJSON(nil, &dest))
}

func TestClientIP(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, "10.0.0.1", ClientIP(h, "10.0.0.1:5555"))
	assert.Equal(t, "unknown", ClientIP(h, ""))

	h.Set("X-Real-IP", "192.168.1.9")
	assert.Equal(t, "192.168.1.9", ClientIP(h, "10.0.0.1:5555"))

	h.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")
	assert.Equal(t, "203.0.113.7", ClientIP(h, "10.0.0.1:5555"))
}

func TestCORSHeaders(t *testing.T) {
	h := CORSHeaders("https://book.example.com", []string{"https://book.example.com"})
	require.NotNil(t, h)
	assert.Equal(t, "https://book.example.com", h.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, h.Get("Access-Control-Allow-Headers"), "Idempotency-Key")
	assert.Equal(t, "Origin", h.Get("Vary"))

	assert.Nil(t, CORSHeaders("https://evil.example.com", []string{"https://book.example.com"}))

	wild := CORSHeaders("", []string{"*"})
	require.NotNil(t, wild)
	assert.Equal(t, "*", wild.Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	called := false
	handler := CORSMiddleware([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://book.example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, called)
	assert.Equal(t, "https://book.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryAndLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	handler := Chain(RecoveryMiddleware(logger), LoggingMiddleware(logger))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "INTERNAL_ERROR")
	assert.Contains(t, buf.String(), "PANIC in HTTP handler")
}
