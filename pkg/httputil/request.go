package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// DefaultMaxBodyBytes caps request bodies read by ReadBody
const DefaultMaxBodyBytes = 1 << 20

// ReadBody reads at most maxBytes of the request body. A larger body is a
// validation error rather than a silent truncation.
func ReadBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, Errorf(CodeValidation, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, Errorf(CodeValidation, "request body exceeds %d bytes", maxBytes)
	}
	return body, nil
}

// DecodeJSON decodes a raw body into dest, returning a VALIDATION_ERROR on failure
func DecodeJSON(body []byte, dest interface{}) error {
	if len(body) == 0 {
		return ValidationError("request body is required")
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return ValidationError("invalid JSON").Wrap(err)
	}
	return nil
}

// ClientIP returns the caller address, preferring the first X-Forwarded-For
// hop and falling back to the connection's remote address.
func ClientIP(headers http.Header, remoteAddr string) string {
	if fwd := headers.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(headers.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	if remoteAddr == "" {
		return "unknown"
	}
	return remoteAddr
}
