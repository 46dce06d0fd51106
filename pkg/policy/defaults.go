package policy

import (
	"net/http"
	"time"

	"github.com/platinummonkey/salonguard/pkg/auth"
)

// Preset names used by DefaultTable
const (
	PresetPublic       = "public"
	PresetAuthAttempt  = "auth_attempt"
	PresetCustomerRead = "customer_read"
	PresetBookingWrite = "booking_write"
	PresetStaffRead    = "staff_read"
	PresetStaffWrite   = "staff_write"
	PresetAdminRead    = "admin_read"
	PresetAdminWrite   = "admin_write"
)

// DefaultTiers returns the per-role fallback quotas
func DefaultTiers() map[auth.Role]Quota {
	return map[auth.Role]Quota{
		auth.RoleAnonymous: {MaxRequests: 30, Window: time.Minute},
		auth.RoleCustomer:  {MaxRequests: 100, Window: time.Minute},
		auth.RoleStaff:     {MaxRequests: 300, Window: time.Minute},
		auth.RoleAdmin:     {MaxRequests: 1000, Window: time.Minute},
	}
}

// DefaultAuthQuota is the quota for login and other credential endpoints
func DefaultAuthQuota() Quota {
	return Quota{MaxRequests: 5, Window: 15 * time.Minute}
}

// DefaultTable returns the built-in salon booking policy
func DefaultTable(tiers map[auth.Role]Quota, authQuota Quota) *Table {
	staffAndAdmin := []auth.Role{auth.RoleStaff, auth.RoleAdmin}
	signedIn := []auth.Role{auth.RoleCustomer, auth.RoleStaff, auth.RoleAdmin}
	writes := []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

	t := &Table{
		Tiers: tiers,
		Presets: map[string]Preset{
			PresetPublic: {},
			PresetAuthAttempt: {
				Auditable:    true,
				ResourceType: "session",
			},
			PresetCustomerRead: {
				RequireAuth:  true,
				AllowedRoles: signedIn,
			},
			PresetBookingWrite: {
				RequireAuth:        true,
				RequireIdempotency: true,
				Auditable:          true,
				AllowedRoles:       signedIn,
				ResourceType:       "booking",
			},
			PresetStaffRead: {
				RequireAuth:  true,
				AllowedRoles: staffAndAdmin,
			},
			PresetStaffWrite: {
				RequireAuth:        true,
				RequireIdempotency: true,
				Auditable:          true,
				AllowedRoles:       staffAndAdmin,
				ResourceType:       "appointment",
			},
			PresetAdminRead: {
				RequireAuth:  true,
				AllowedRoles: []auth.Role{auth.RoleAdmin},
			},
			PresetAdminWrite: {
				RequireAuth:        true,
				RequireIdempotency: true,
				Auditable:          true,
				AllowedRoles:       []auth.Role{auth.RoleAdmin},
				ResourceType:       "admin",
			},
		},
		Rules: []Rule{
			{Methods: []string{http.MethodPost}, Path: "/api/auth/login", Preset: PresetAuthAttempt, AuditAction: "session.login", Quota: &authQuota},
			{Methods: []string{http.MethodPost}, Path: "/api/auth/register", Preset: PresetAuthAttempt, AuditAction: "user.register", Quota: &authQuota},
			{Methods: []string{http.MethodPost}, Path: "/api/auth/reset-password", Preset: PresetAuthAttempt, AuditAction: "user.reset_password", Quota: &authQuota},

			{Methods: []string{http.MethodGet}, Path: "/api/services", Preset: PresetPublic},
			{Methods: []string{http.MethodGet}, Path: "/api/availability", Preset: PresetPublic},

			{Methods: []string{http.MethodPost}, Path: "/api/bookings", Preset: PresetBookingWrite, AuditAction: "booking.create"},
			{Methods: []string{http.MethodPost}, Path: "/api/bookings/{id}/cancel", Preset: PresetBookingWrite, AuditAction: "booking.cancel"},
			{Methods: []string{http.MethodPut, http.MethodPatch}, Path: "/api/bookings/{id}", Preset: PresetBookingWrite, AuditAction: "booking.update"},
			{Methods: []string{http.MethodGet}, Path: "/api/bookings", Preset: PresetCustomerRead},
			{Methods: []string{http.MethodGet}, Path: "/api/bookings/{id}", Preset: PresetCustomerRead},

			{Methods: []string{http.MethodGet}, Path: "/api/admin/appointments", Preset: PresetStaffRead},
			{Methods: writes, Path: "/api/admin/appointments/*", Preset: PresetStaffWrite},
			{Methods: []string{http.MethodGet}, Path: "/api/admin/alerts/stats", Preset: PresetAdminRead},
			{Methods: []string{http.MethodGet}, Path: "/api/admin/*", Preset: PresetAdminRead},
			{Methods: writes, Path: "/api/admin/*", Preset: PresetAdminWrite},
		},
	}

	if err := t.Validate(); err != nil {
		// The built-in table is static; failing here is a programming error.
		panic("policy: invalid default table: " + err.Error())
	}
	return t
}
