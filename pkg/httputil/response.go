package httputil

import (
	"encoding/json"
	"net/http"
	"time"
)

// Header names emitted by the request pipeline
const (
	HeaderCorrelationID    = "X-Correlation-Id"
	HeaderResponseTime     = "X-Response-Time"
	HeaderRateLimitLimit   = "X-RateLimit-Limit"
	HeaderRateLimitRemain  = "X-RateLimit-Remaining"
	HeaderRateLimitReset   = "X-RateLimit-Reset"
	HeaderRetryAfter       = "Retry-After"
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderIdempotencyEcho  = "X-Idempotency-Key"
	HeaderIdempotencyCache = "X-Idempotency-Cache"
	HeaderContentType      = "Content-Type"
	HeaderAuthorization    = "Authorization"
)

// Envelope is the JSON body of every pipeline response
type Envelope struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Error         *ErrorBody  `json:"error,omitempty"`
	CorrelationID string      `json:"correlationId"`
	Timestamp     string      `json:"timestamp"`
}

// ErrorBody is the error member of an Envelope
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Stack is only populated when diagnostics are enabled
	Stack string `json:"stack,omitempty"`
}

// SuccessEnvelope builds a success body
func SuccessEnvelope(data interface{}, correlationID string, now time.Time) Envelope {
	return Envelope{
		Success:       true,
		Data:          data,
		CorrelationID: correlationID,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
	}
}

// ErrorEnvelope builds an error body
func ErrorEnvelope(code ErrorCode, message, correlationID string, now time.Time) Envelope {
	return Envelope{
		Success:       false,
		Error:         &ErrorBody{Code: code, Message: message},
		CorrelationID: correlationID,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
	}
}

// Marshal encodes the envelope. Encoding failures fall back to a minimal
// INTERNAL_ERROR body so a response is always produced.
func (e Envelope) Marshal() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		fallback, _ := json.Marshal(ErrorEnvelope(CodeInternal, "failed to encode response", e.CorrelationID, time.Now()))
		return fallback
	}
	return data
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set(HeaderContentType, "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteAPIError writes an error envelope using the error's status
func WriteAPIError(w http.ResponseWriter, err *APIError, correlationID string) {
	_ = WriteJSON(w, err.Status(), ErrorEnvelope(err.Code, err.Message, correlationID, time.Now()))
}

// WriteErrorMessage writes an error envelope for a bare status and message
func WriteErrorMessage(w http.ResponseWriter, status int, code ErrorCode, message string) {
	_ = WriteJSON(w, status, ErrorEnvelope(code, message, w.Header().Get(HeaderCorrelationID), time.Now()))
}
