// Package policy resolves, once per request, what the security pipeline
// must enforce for a (method, endpoint, role) triple.
//
// Rules are declarative: a Table lists endpoint patterns with a security
// Preset and optional per-role quota overrides. Anything not matched falls
// back to the role's default tier quota with no authentication requirement.
//
//	resolver := policy.NewResolver(policy.DefaultTable(policy.DefaultTiers(), policy.DefaultAuthQuota()), logger)
//	d := resolver.Resolve("POST", "/api/bookings", auth.RoleCustomer)
//	if !d.Allowed { ... 403 ... }
//
// Tables can be loaded from YAML and hot-reloaded; a table that fails to
// parse or validate never replaces the one in use.
package policy
