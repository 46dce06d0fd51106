package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/salonguard/pkg/alerts"
	"github.com/platinummonkey/salonguard/pkg/async"
	"github.com/platinummonkey/salonguard/pkg/audit"
	"github.com/platinummonkey/salonguard/pkg/auth"
	"github.com/platinummonkey/salonguard/pkg/contextkeys"
	"github.com/platinummonkey/salonguard/pkg/httputil"
	"github.com/platinummonkey/salonguard/pkg/idempotency"
	"github.com/platinummonkey/salonguard/pkg/observability"
	"github.com/platinummonkey/salonguard/pkg/policy"
	"github.com/platinummonkey/salonguard/pkg/ratelimit"
)

// Config tunes the pipeline
type Config struct {
	// HandlerTimeout bounds the protected operation
	HandlerTimeout time.Duration
	AllowedOrigins []string
	// Diagnostics adds stack traces to 500 bodies
	Diagnostics bool

	// RejectionAlertThreshold 401/403/429 rejections of one caller within
	// RejectionWindow raise a low severity alert. Zero disables it.
	RejectionAlertThreshold int
	RejectionWindow         time.Duration

	MaxBodyBytes int64
}

// DefaultConfig returns a 10s handler timeout and permissive CORS
func DefaultConfig() Config {
	return Config{
		HandlerTimeout:          10 * time.Second,
		AllowedOrigins:          []string{"*"},
		RejectionAlertThreshold: 10,
		RejectionWindow:         15 * time.Minute,
		MaxBodyBytes:            httputil.DefaultMaxBodyBytes,
	}
}

// Deps are the collaborators of the orchestrator. Audit, Alerts and Queue
// are optional; a private queue is started when Queue is nil.
type Deps struct {
	Verifier    auth.Verifier
	Policy      *policy.Resolver
	Limiter     *ratelimit.Limiter
	Idempotency *idempotency.Service
	Audit       *audit.Service
	Alerts      *alerts.Manager
	Queue       *async.Queue
	Logger      *observability.Logger
	Metrics     *observability.SecurityMetrics
}

// ErrMissingDependency is returned by New when a required collaborator is nil
var ErrMissingDependency = errors.New("missing orchestrator dependency")

// Orchestrator runs every protected request through authentication,
// authorization, rate limiting and idempotency before invoking the
// operation, then records the outcome.
type Orchestrator struct {
	cfg        Config
	verifier   auth.Verifier
	policy     *policy.Resolver
	limiter    *ratelimit.Limiter
	idem       *idempotency.Service
	audit      *audit.Service
	alerts     *alerts.Manager
	queue      *async.Queue
	redactor   *audit.Redactor
	rejections *rejectionCounter
	logger     *observability.Logger
	metrics    *observability.SecurityMetrics
	now        func() time.Time
}

// New validates deps and builds an orchestrator
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Verifier == nil:
		return nil, fmt.Errorf("%w: verifier", ErrMissingDependency)
	case deps.Policy == nil:
		return nil, fmt.Errorf("%w: policy resolver", ErrMissingDependency)
	case deps.Limiter == nil:
		return nil, fmt.Errorf("%w: rate limiter", ErrMissingDependency)
	case deps.Idempotency == nil:
		return nil, fmt.Errorf("%w: idempotency service", ErrMissingDependency)
	case deps.Logger == nil:
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}

	def := DefaultConfig()
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.RejectionWindow <= 0 {
		cfg.RejectionWindow = def.RejectionWindow
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	queue := deps.Queue
	if queue == nil {
		queue = async.NewQueue(async.DefaultQueueConfig(), deps.Logger, deps.Metrics)
	}

	return &Orchestrator{
		cfg:        cfg,
		verifier:   deps.Verifier,
		policy:     deps.Policy,
		limiter:    deps.Limiter,
		idem:       deps.Idempotency,
		audit:      deps.Audit,
		alerts:     deps.Alerts,
		queue:      queue,
		redactor:   audit.NewRedactor(),
		rejections: newRejectionCounter(cfg.RejectionAlertThreshold, cfg.RejectionWindow),
		logger:     deps.Logger.Component("security"),
		metrics:    deps.Metrics,
		now:        time.Now,
	}, nil
}

// exchange is the per-request state carried between stages
type exchange struct {
	req           *Request
	route         string
	endpoint      string
	correlationID string
	start         time.Time
	headers       http.Header
	clientIP      string
	identity      *auth.Identity
	decision      policy.Decision
	idemKey       string
	reserved      bool
}

// idemTarget scopes the key by the matched rule and fingerprints the
// concrete path, so a key reused against another booking is a conflict.
func (x *exchange) idemTarget() idempotency.Target {
	return idempotency.Target{
		UserID:   x.identity.UserID,
		Key:      x.idemKey,
		Endpoint: x.endpoint,
		Path:     x.req.Path,
		Method:   x.req.Method,
		Body:     x.req.Body,
	}
}

var correlationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,128}$`)

func correlationIDFrom(h http.Header) string {
	if id := strings.TrimSpace(h.Get(httputil.HeaderCorrelationID)); correlationIDPattern.MatchString(id) {
		return id
	}
	return uuid.NewString()
}

// Handle runs req through the pipeline. route labels the request in
// metrics and rate limits are scoped by the matched policy rule. The
// concrete request path is part of the idempotency fingerprint, so a key
// reused against another resource is a conflict rather than a replay.
func (o *Orchestrator) Handle(ctx context.Context, req *Request, route string, op Operation) *Response {
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	x := &exchange{
		req:           req,
		route:         route,
		endpoint:      route,
		correlationID: correlationIDFrom(req.Headers),
		start:         o.now(),
		headers:       make(http.Header),
		clientIP:      httputil.ClientIP(req.Headers, req.RemoteAddr),
	}

	ctx = contextkeys.WithCorrelationID(ctx, x.correlationID)
	ctx = contextkeys.WithRoute(ctx, route)
	ctx, span := observability.StartStage(ctx, "request",
		attribute.String("http.method", req.Method),
		attribute.String("salonguard.route", route),
	)

	resp := o.run(ctx, x, op)
	o.finish(ctx, x, resp)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	observability.EndStage(span, nil)
	return resp
}

func (o *Orchestrator) run(ctx context.Context, x *exchange, op Operation) *Response {
	for k, v := range httputil.CORSHeaders(x.req.Headers.Get("Origin"), o.cfg.AllowedOrigins) {
		x.headers[k] = v
	}
	if strings.EqualFold(x.req.Method, http.MethodOptions) {
		return &Response{StatusCode: http.StatusOK, Headers: x.headers}
	}

	if resp := o.authenticate(ctx, x); resp != nil {
		return resp
	}
	ctx = contextkeys.WithCaller(ctx, x.identity.UserID, string(x.identity.Role))

	if resp := o.authorize(ctx, x); resp != nil {
		return resp
	}
	if resp := o.rateLimit(ctx, x); resp != nil {
		return resp
	}
	if resp := o.checkIdempotency(ctx, x); resp != nil {
		return resp
	}
	return o.invoke(ctx, x, op)
}

func responseTime(elapsed time.Duration) string {
	return strconv.FormatInt(elapsed.Milliseconds(), 10) + "ms"
}

// finish stamps the headers every response carries
func (o *Orchestrator) finish(ctx context.Context, x *exchange, resp *Response) {
	if resp.Headers == nil {
		resp.Headers = make(http.Header)
	}
	elapsed := o.now().Sub(x.start)
	resp.Headers.Set(httputil.HeaderCorrelationID, x.correlationID)
	resp.Headers.Set(httputil.HeaderResponseTime, responseTime(elapsed))
	if x.idemKey != "" {
		resp.Headers.Set(httputil.HeaderIdempotencyEcho, x.idemKey)
	}

	o.metrics.ObserveRequest(x.endpoint, resp.StatusCode)
	o.logFor(ctx).WithFields(map[string]interface{}{
		"method":      x.req.Method,
		"path":        x.req.Path,
		"endpoint":    x.endpoint,
		"status":      resp.StatusCode,
		"duration_ms": elapsed.Milliseconds(),
	}).Debug("Request handled")
}

// stage opens a span and returns the func that closes it
func (o *Orchestrator) stage(ctx context.Context, name string) (context.Context, func(error)) {
	started := time.Now()
	ctx, span := observability.StartStage(ctx, name)
	return ctx, func(err error) {
		o.metrics.ObserveStage(name, started)
		observability.EndStage(span, err)
	}
}

func (o *Orchestrator) authenticate(ctx context.Context, x *exchange) *Response {
	ctx, end := o.stage(ctx, "authenticate")

	token, err := auth.ExtractBearer(x.req.Headers.Get(httputil.HeaderAuthorization))
	if errors.Is(err, auth.ErrMissingToken) {
		x.identity = auth.Anonymous(x.clientIP)
		end(nil)
		return nil
	}

	var identity *auth.Identity
	if err == nil {
		identity, err = o.verifier.Verify(ctx, token)
	}
	end(err)
	if err != nil {
		o.logFor(ctx).WithError(err).Debug("Authentication failed")
		o.noteRejection(ctx, x, "authentication", x.clientIP)
		return o.fail(x, httputil.NewAPIError(httputil.CodeAuthRequired, "invalid or expired token"), "")
	}
	x.identity = identity
	return nil
}

func (o *Orchestrator) authorize(ctx context.Context, x *exchange) *Response {
	_, end := o.stage(ctx, "authorize")
	defer end(nil)

	x.decision = o.policy.Resolve(x.req.Method, x.req.Path, x.identity.Role)
	if x.decision.Endpoint != policy.DefaultEndpoint {
		x.endpoint = x.decision.Endpoint
	}
	if x.decision.Allowed {
		return nil
	}

	if x.identity.IsAnonymous() {
		o.noteRejection(ctx, x, "authentication", x.clientIP)
		return o.fail(x, httputil.NewAPIError(httputil.CodeAuthRequired, "authentication required"), "")
	}
	o.noteRejection(ctx, x, "authorization", x.identity.UserID)
	return o.fail(x, httputil.Errorf(httputil.CodeInsufficientPermissions,
		"role %s may not %s %s", x.identity.Role, x.req.Method, x.endpoint), "")
}

func (o *Orchestrator) rateLimit(ctx context.Context, x *exchange) *Response {
	ctx, end := o.stage(ctx, "rate_limit")
	defer end(nil)

	quota := x.decision.Quota
	key := ratelimit.Key(x.endpoint, string(x.identity.Role), x.identity.UserID)
	res := o.limiter.Check(ctx, key, ratelimit.Config{MaxRequests: quota.MaxRequests, Window: quota.Window})
	res.SetHeaders(x.headers)
	if res.Allowed {
		return nil
	}

	o.noteRejection(ctx, x, "rate_limit", x.identity.UserID)
	return o.fail(x, httputil.Errorf(httputil.CodeRateLimitExceeded,
		"rate limit exceeded, retry in %d seconds", res.RetryAfterSeconds), "")
}

func isSafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func (o *Orchestrator) checkIdempotency(ctx context.Context, x *exchange) *Response {
	x.idemKey = strings.TrimSpace(x.req.Headers.Get(httputil.HeaderIdempotencyKey))
	if x.idemKey == "" {
		if x.decision.Preset.RequireIdempotency {
			return o.fail(x, httputil.NewAPIError(httputil.CodeInvalidIdempotencyKey, "Idempotency-Key header is required"), "")
		}
		return nil
	}
	if isSafeMethod(x.req.Method) {
		return nil
	}

	ctx, end := o.stage(ctx, "idempotency")
	res, err := o.idem.CheckTarget(ctx, x.idemTarget())
	end(err)

	switch {
	case errors.Is(err, idempotency.ErrInvalidKey):
		return o.fail(x, httputil.Errorf(httputil.CodeInvalidIdempotencyKey,
			"Idempotency-Key must be %d-%d characters of letters, digits, '-' or '_'",
			idempotency.MinKeyLength, idempotency.MaxKeyLength), "")
	case err != nil:
		o.logFor(ctx).WithError(err).Error("Idempotency check failed, rejecting request")
		o.raise(ctx, "Idempotency store unavailable", o.redactor.RedactString(err.Error()), alerts.Context{
			Severity:  alerts.SeverityHigh,
			Component: "idempotency",
			Action:    x.decision.AuditActionFor(x.req.Method),
		})
		return o.fail(x, httputil.NewAPIError(httputil.CodeInternal, "request could not be processed safely, retry later"), err.Error())
	case res.Conflict:
		return o.fail(x, httputil.NewAPIError(httputil.CodeIdempotencyConflict,
			"Idempotency-Key was already used with a different request"), "")
	case res.InFlight:
		return o.fail(x, httputil.NewAPIError(httputil.CodeIdempotencyInProgress,
			"a request with this Idempotency-Key is still being processed"), "")
	case res.Exists:
		for k, v := range res.Cached.Headers {
			x.headers.Set(k, v)
		}
		x.headers.Set(httputil.HeaderIdempotencyCache, "HIT")
		return &Response{StatusCode: res.Cached.Status, Headers: x.headers, Body: res.Cached.Body}
	}

	x.reserved = true
	return nil
}

type outcome struct {
	result *Result
	err    error
}

func (o *Orchestrator) invoke(ctx context.Context, x *exchange, op Operation) *Response {
	ctx, end := o.stage(ctx, "invoke")

	call := &Call{
		Identity:      x.identity,
		Request:       x.req,
		CorrelationID: x.correlationID,
		PathParams:    x.decision.Params,
	}

	opCtx, cancel := context.WithTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if perr := observability.RecoverError(recover()); perr != nil {
				out = outcome{err: perr}
			}
			done <- out
		}()
		out.result, out.err = op(opCtx, call)
	}()

	select {
	case out := <-done:
		end(out.err)
		if out.err != nil {
			return o.failed(ctx, x, out.err)
		}
		return o.succeeded(ctx, x, out.result)
	case <-opCtx.Done():
		// the operation keeps running until it notices cancellation; its
		// result is discarded
		end(opCtx.Err())
		return o.timedOut(ctx, x)
	}
}

func (o *Orchestrator) succeeded(ctx context.Context, x *exchange, result *Result) *Response {
	if result == nil {
		result = &Result{}
	}
	status := result.Status
	if status == 0 {
		status = http.StatusOK
		if strings.EqualFold(x.req.Method, http.MethodPost) {
			status = http.StatusCreated
		}
	}

	body := httputil.SuccessEnvelope(result.Data, x.correlationID, o.now()).Marshal()
	x.headers.Set(httputil.HeaderContentType, "application/json")

	if x.reserved {
		storeCtx := context.WithoutCancel(ctx)
		err := o.idem.StoreTargetResponse(storeCtx, x.idemTarget(),
			status, body, map[string]string{httputil.HeaderContentType: "application/json"})
		if err != nil {
			// the key stays pending until its lease lapses; retries see 409 until then
			o.logFor(ctx).WithError(err).Error("Failed to store idempotent response")
			o.raise(ctx, "Idempotent response not stored", o.redactor.RedactString(err.Error()), alerts.Context{
				Severity:  alerts.SeverityMedium,
				Component: "idempotency",
				Action:    x.decision.AuditActionFor(x.req.Method),
			})
		}
	}

	if x.decision.Preset.Auditable {
		o.record(ctx, x, status, audit.Details{
			ResourceID: result.ResourceID,
			OldValues:  result.OldValues,
			NewValues:  result.NewValues,
			Metadata:   result.Metadata,
			Outcome:    audit.OutcomeSuccess,
		})
	}

	return &Response{StatusCode: status, Headers: x.headers, Body: body}
}

func (o *Orchestrator) failed(ctx context.Context, x *exchange, err error) *Response {
	o.release(ctx, x)
	action := x.decision.AuditActionFor(x.req.Method)

	if apiErr, ok := httputil.AsAPIError(err); ok {
		if x.decision.Preset.Auditable {
			o.record(ctx, x, apiErr.Status(), audit.Details{Outcome: audit.OutcomeFailure, Err: err})
		}
		return o.fail(x, apiErr, "")
	}

	o.logFor(ctx).WithError(err).WithField("action", action).Error("Protected operation failed")
	o.record(ctx, x, http.StatusInternalServerError, audit.Details{Outcome: audit.OutcomeFailure, Err: err})
	o.raise(ctx, "Unhandled error in "+action, o.redactor.RedactString(err.Error()), alerts.Context{
		Severity:  alerts.SeverityHigh,
		Component: "security",
		Action:    action,
		Metadata: map[string]interface{}{
			"endpoint": x.endpoint,
			"method":   x.req.Method,
		},
	})

	stack := err.Error()
	var perr *observability.PanicError
	if errors.As(err, &perr) {
		stack = string(perr.Stack)
	}
	return o.fail(x, httputil.NewAPIError(httputil.CodeInternal, "an unexpected error occurred"), stack)
}

func (o *Orchestrator) timedOut(ctx context.Context, x *exchange) *Response {
	o.release(ctx, x)
	action := x.decision.AuditActionFor(x.req.Method)
	err := fmt.Errorf("operation did not finish within %s", o.cfg.HandlerTimeout)

	o.logFor(ctx).WithField("action", action).Warn("Protected operation timed out")
	if x.decision.Preset.Auditable {
		o.record(ctx, x, http.StatusGatewayTimeout, audit.Details{Outcome: audit.OutcomeFailure, Err: err})
	}
	o.raise(ctx, "Operation timed out in "+action, err.Error(), alerts.Context{
		Severity:  alerts.SeverityMedium,
		Component: "security",
		Action:    action,
	})
	return o.fail(x, httputil.NewAPIError(httputil.CodeGatewayTimeout,
		"the operation did not complete in time, it is safe to retry with the same Idempotency-Key"), "")
}

// release frees a reservation so the key can be retried
func (o *Orchestrator) release(ctx context.Context, x *exchange) {
	if !x.reserved {
		return
	}
	err := o.idem.ReleaseTarget(context.WithoutCancel(ctx), x.idemTarget())
	if err != nil {
		o.logFor(ctx).WithError(err).Warn("Failed to release idempotency key")
	}
}

// record builds the audit entry now and writes it in the background
func (o *Orchestrator) record(ctx context.Context, x *exchange, status int, d audit.Details) {
	if o.audit == nil {
		return
	}
	if d.ResourceID == "" {
		d.ResourceID = x.decision.Params["id"]
	}
	meta := make(map[string]interface{}, len(d.Metadata)+3)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	meta["endpoint"] = x.endpoint
	meta["status"] = status
	meta["duration_ms"] = o.now().Sub(x.start).Milliseconds()
	d.Metadata = meta
	d.IP = x.clientIP
	d.UserAgent = x.req.Headers.Get("User-Agent")

	resourceType := x.decision.Preset.ResourceType
	if resourceType == "" {
		resourceType = "resource"
	}
	entry := o.audit.Build(ctx,
		audit.Actor{UserID: x.identity.UserID, Role: x.identity.Role},
		x.decision.AuditActionFor(x.req.Method), resourceType, d)

	_ = o.queue.Enqueue(ctx, "audit "+entry.Action, func(ctx context.Context) error {
		return o.audit.Write(ctx, entry)
	})
}

// raise sends an alert in the background
func (o *Orchestrator) raise(ctx context.Context, title, message string, c alerts.Context) {
	if o.alerts == nil {
		return
	}
	_ = o.queue.Enqueue(ctx, "alert", func(ctx context.Context) error {
		o.alerts.SendAlert(ctx, title, message, c)
		return nil
	})
}

func (o *Orchestrator) noteRejection(ctx context.Context, x *exchange, reason, caller string) {
	if !o.rejections.record(caller, reason, o.now()) {
		return
	}
	o.raise(ctx, fmt.Sprintf("Repeated %s rejections for %s", reason, caller),
		fmt.Sprintf("%s has been rejected at least %d times within %s (last: %s %s)",
			caller, o.cfg.RejectionAlertThreshold, o.cfg.RejectionWindow, x.req.Method, x.req.Path),
		alerts.Context{
			Severity:  alerts.SeverityLow,
			Component: "security",
			Action:    reason,
			Metadata:  map[string]interface{}{"endpoint": x.endpoint, "ip": x.clientIP},
		})
}

func (o *Orchestrator) fail(x *exchange, apiErr *httputil.APIError, stack string) *Response {
	env := httputil.ErrorEnvelope(apiErr.Code, apiErr.Message, x.correlationID, o.now())
	if o.cfg.Diagnostics && stack != "" {
		env.Error.Stack = stack
	}
	x.headers.Set(httputil.HeaderContentType, "application/json")
	return &Response{StatusCode: apiErr.Status(), Headers: x.headers, Body: env.Marshal()}
}

func (o *Orchestrator) logFor(ctx context.Context) *observability.Logger {
	return o.logger.ForRequest(ctx)
}

// Shutdown waits for queued audit writes and alerts
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.queue.Drain(ctx)
}
