package security

import (
	"net/http"
	"time"

	"github.com/platinummonkey/salonguard/pkg/httputil"
)

// HTTPHandler adapts an operation to net/http. route labels the request in
// metrics, e.g. the router's path template.
func (o *Orchestrator) HTTPHandler(route string, op Operation) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := o.now()
		body, err := httputil.ReadBody(r, o.cfg.MaxBodyBytes)
		if err != nil {
			apiErr, ok := httputil.AsAPIError(err)
			if !ok {
				apiErr = httputil.ValidationError("could not read request body").Wrap(err)
			}
			correlationID := correlationIDFrom(r.Header)
			w.Header().Set(httputil.HeaderCorrelationID, correlationID)
			w.Header().Set(httputil.HeaderResponseTime, responseTime(o.now().Sub(start)))
			_ = httputil.WriteJSON(w, apiErr.Status(),
				httputil.ErrorEnvelope(apiErr.Code, apiErr.Message, correlationID, time.Now()))
			return
		}

		resp := o.Handle(r.Context(), &Request{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			Body:       body,
			RemoteAddr: r.RemoteAddr,
		}, route, op)
		resp.Write(w)
	})
}
