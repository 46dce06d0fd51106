package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/salonguard/pkg/config"
	"github.com/platinummonkey/salonguard/pkg/httputil"
	"github.com/platinummonkey/salonguard/pkg/observability"
	"github.com/platinummonkey/salonguard/pkg/security"
)

// route is one protected endpoint. Path is a mux template; the security
// policy is matched on the concrete request path.
type route struct {
	path    string
	methods []string
	op      security.Operation
}

func (app *application) routes() []route {
	return []route{
		{"/api/services", []string{http.MethodGet}, app.book.ListServices},
		{"/api/bookings", []string{http.MethodGet}, app.book.List},
		{"/api/bookings", []string{http.MethodPost}, app.book.Create},
		{"/api/bookings/{id}", []string{http.MethodGet}, app.book.Get},
		{"/api/bookings/{id}", []string{http.MethodPut, http.MethodPatch}, app.book.Update},
		{"/api/bookings/{id}/cancel", []string{http.MethodPost}, app.book.Cancel},
		{"/api/admin/alerts/stats", []string{http.MethodGet}, app.alertStats},
	}
}

// alertStats reports the alert tracker counters to admins
func (app *application) alertStats(context.Context, *security.Call) (*security.Result, error) {
	return &security.Result{Data: app.alerts.Stats()}, nil
}

func newRouter(app *application, cfg *config.Config, logger *observability.Logger, metrics *observability.SecurityMetrics, registry *prometheus.Registry) http.Handler {
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))

	for _, rt := range app.routes() {
		// OPTIONS goes through the orchestrator too, which answers preflights
		methods := append(append([]string(nil), rt.methods...), http.MethodOptions)
		router.Handle(rt.path, app.orchestrator.HTTPHandler(rt.path, rt.op)).Methods(methods...)
	}

	ops := router.NewRoute().Subrouter()
	ops.Use(httputil.CORSMiddleware(cfg.Server.AllowedOrigins))
	ops.HandleFunc("/health", app.health.Liveness).Methods(http.MethodGet, http.MethodOptions)
	ops.HandleFunc("/ready", app.health.Readiness).Methods(http.MethodGet, http.MethodOptions)
	if cfg.Observability.MetricsEnabled {
		ops.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, httputil.CodeNotFound, "no route for "+r.Method+" "+r.URL.Path)
	})

	return httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(httputil.DefaultMaxBodyBytes),
	)(router)
}
