package policy

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/salonguard/pkg/auth"
)

// DefaultEndpoint is the rate-limit endpoint key used when no rule matches
const DefaultEndpoint = "*"

// Quota is a fixed-window rate limit
type Quota struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

func (q Quota) validate() error {
	if q.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive")
	}
	if q.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	return nil
}

// Preset is the set of security requirements attached to an endpoint
type Preset struct {
	RequireAuth        bool        `yaml:"require_auth"`
	RequireIdempotency bool        `yaml:"require_idempotency"`
	Auditable          bool        `yaml:"auditable"`
	AllowedRoles       []auth.Role `yaml:"allowed_roles"`
	AuditAction        string      `yaml:"audit_action"`
	ResourceType       string      `yaml:"resource_type"`
}

// permits reports whether role may call the endpoint
func (p Preset) permits(role auth.Role) bool {
	if p.RequireAuth && role == auth.RoleAnonymous {
		return false
	}
	if len(p.AllowedRoles) == 0 {
		return true
	}
	for _, r := range p.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Rule binds an endpoint pattern to a preset
type Rule struct {
	// Methods matched; empty matches any method
	Methods []string `yaml:"methods"`
	// Path pattern: literal segments, {param} for one segment, trailing * for the rest
	Path string `yaml:"path"`
	// Preset names an entry of Table.Presets
	Preset string `yaml:"preset"`
	// AuditAction overrides the preset's action for this rule
	AuditAction string `yaml:"audit_action"`
	// Quota applies to every role unless overridden in Quotas
	Quota *Quota `yaml:"quota"`
	// Quotas overrides the quota per role
	Quotas map[auth.Role]Quota `yaml:"quotas"`

	segments []string
}

// Table is a complete, validated policy
type Table struct {
	Tiers   map[auth.Role]Quota `yaml:"tiers"`
	Presets map[string]Preset   `yaml:"presets"`
	Rules   []Rule              `yaml:"rules"`
}

// Decision is the resolved policy for one request
type Decision struct {
	Allowed bool
	Quota   Quota
	Preset  Preset
	// Endpoint is the matched pattern. It is the rate-limit scope, so
	// /bookings/1 and /bookings/2 share a counter, and the namespace for
	// idempotency keys, whose fingerprint still covers the concrete path.
	Endpoint string
	// Params holds the values of {param} segments
	Params map[string]string
}

// AuditActionFor returns the audit action for method, deriving
// "<resource>.<verb>" when the preset does not name one
func (d Decision) AuditActionFor(method string) string {
	if d.Preset.AuditAction != "" {
		return d.Preset.AuditAction
	}
	resource := d.Preset.ResourceType
	if resource == "" {
		resource = "resource"
	}
	return resource + "." + verbFor(method)
}

func verbFor(method string) string {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// Validate checks the table and compiles rule patterns
func (t *Table) Validate() error {
	for _, role := range auth.Roles {
		q, ok := t.Tiers[role]
		if !ok {
			return fmt.Errorf("missing tier quota for role %s", role)
		}
		if err := q.validate(); err != nil {
			return fmt.Errorf("tier %s: %w", role, err)
		}
	}

	for name, p := range t.Presets {
		for _, r := range p.AllowedRoles {
			if parsed, err := auth.ParseRole(string(r)); err != nil || parsed != r {
				return fmt.Errorf("preset %s: invalid role %q", name, r)
			}
		}
	}

	for i := range t.Rules {
		r := &t.Rules[i]
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("rule %d: path %q must start with /", i, r.Path)
		}
		if _, ok := t.Presets[r.Preset]; !ok {
			return fmt.Errorf("rule %d (%s): unknown preset %q", i, r.Path, r.Preset)
		}
		if r.Quota != nil {
			if err := r.Quota.validate(); err != nil {
				return fmt.Errorf("rule %d (%s): %w", i, r.Path, err)
			}
		}
		for role, q := range r.Quotas {
			if parsed, err := auth.ParseRole(string(role)); err != nil || parsed != role {
				return fmt.Errorf("rule %d (%s): invalid quota role %q", i, r.Path, role)
			}
			if err := q.validate(); err != nil {
				return fmt.Errorf("rule %d (%s) role %s: %w", i, r.Path, role, err)
			}
		}
		for j, m := range r.Methods {
			r.Methods[j] = strings.ToUpper(strings.TrimSpace(m))
		}
		r.segments = splitPath(r.Path)
		for j, seg := range r.segments {
			if seg == "*" && j != len(r.segments)-1 {
				return fmt.Errorf("rule %d (%s): * is only allowed as the last segment", i, r.Path)
			}
		}
	}

	return nil
}

// Resolve evaluates the table. Rules are tried in order; the first match wins.
func (t *Table) Resolve(method, path string, role auth.Role) Decision {
	method = strings.ToUpper(method)
	segments := splitPath(path)

	for i := range t.Rules {
		r := &t.Rules[i]
		if !r.matchesMethod(method) || !matchSegments(r.segments, segments) {
			continue
		}

		preset := t.Presets[r.Preset]
		if r.AuditAction != "" {
			preset.AuditAction = r.AuditAction
		}

		quota := t.Tiers[role]
		if r.Quota != nil {
			quota = *r.Quota
		}
		if q, ok := r.Quotas[role]; ok {
			quota = q
		}

		return Decision{
			Allowed:  preset.permits(role),
			Quota:    quota,
			Preset:   preset,
			Endpoint: r.Path,
			Params:   bindParams(r.segments, segments),
		}
	}

	return Decision{
		Allowed:  true,
		Quota:    t.Tiers[role],
		Endpoint: DefaultEndpoint,
	}
}

func (r *Rule) matchesMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == "*" || m == method {
			return true
		}
	}
	return false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) bool {
	for i, seg := range pattern {
		if seg == "*" {
			return true
		}
		if i >= len(path) {
			return false
		}
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			continue
		}
		if seg != path[i] {
			return false
		}
	}
	return len(pattern) == len(path)
}

func bindParams(pattern, path []string) map[string]string {
	var params map[string]string
	for i, seg := range pattern {
		if i >= len(path) || !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[strings.Trim(seg, "{}")] = path[i]
	}
	return params
}
