package security

import (
	"context"
	"net/http"

	"github.com/platinummonkey/salonguard/pkg/auth"
)

// Request is the transport-neutral input of the pipeline
type Request struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       []byte
	RemoteAddr string
}

// Response is what the pipeline produced
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Write copies the response onto w
func (r *Response) Write(w http.ResponseWriter) {
	for k, v := range r.Headers {
		w.Header()[k] = v
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) > 0 {
		_, _ = w.Write(r.Body)
	}
}

// Call is what a protected operation receives
type Call struct {
	Identity      *auth.Identity
	Request       *Request
	CorrelationID string
	// PathParams holds values bound by {param} segments of the matched rule
	PathParams map[string]string
}

// Result is what a protected operation returns on success
type Result struct {
	// Status defaults to 201 for POST and 200 otherwise
	Status     int
	Data       interface{}
	ResourceID string
	OldValues  map[string]interface{}
	NewValues  map[string]interface{}
	Metadata   map[string]interface{}
}

// Operation is the protected business logic. Returning an
// *httputil.APIError maps to that error's status; any other error is a 500.
type Operation func(ctx context.Context, call *Call) (*Result, error)
