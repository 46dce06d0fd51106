// Package bookings is a small in-memory booking ledger whose methods are
// security.Operations. The demo server mounts them behind the security
// pipeline; it is not a persistence layer.
package bookings
