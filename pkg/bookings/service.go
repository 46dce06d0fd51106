package bookings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/salonguard/pkg/auth"
	"github.com/platinummonkey/salonguard/pkg/httputil"
	"github.com/platinummonkey/salonguard/pkg/security"
)

// Status of a booking
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// SalonService is one bookable treatment
type SalonService struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	PriceCts int64         `json:"priceCents"`
}

// Booking is a customer's appointment
type Booking struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customerId"`
	ServiceID    string    `json:"serviceId"`
	StylistID    string    `json:"stylistId,omitempty"`
	StartsAt     time.Time `json:"startsAt"`
	Status       Status    `json:"status"`
	Notes        string    `json:"notes,omitempty"`
	CancelReason string    `json:"cancelReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (b *Booking) values() map[string]interface{} {
	return map[string]interface{}{
		"customerId": b.CustomerID,
		"serviceId":  b.ServiceID,
		"stylistId":  b.StylistID,
		"startsAt":   b.StartsAt.Format(time.RFC3339),
		"status":     string(b.Status),
		"notes":      b.Notes,
	}
}

// CreateRequest is the body of POST /api/bookings
type CreateRequest struct {
	ServiceID string    `json:"serviceId"`
	StylistID string    `json:"stylistId"`
	StartsAt  time.Time `json:"startsAt"`
	Notes     string    `json:"notes"`
	// Contact details are accepted for the confirmation message but never stored
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// UpdateRequest is the body of PUT/PATCH /api/bookings/{id}
type UpdateRequest struct {
	StylistID *string    `json:"stylistId"`
	StartsAt  *time.Time `json:"startsAt"`
	Notes     *string    `json:"notes"`
}

// CancelRequest is the body of POST /api/bookings/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

var errNotFound = errors.New("booking not found")

// Book is an in-memory booking ledger used by the demo server. Every
// mutating method is exposed as a security.Operation.
type Book struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
	services map[string]SalonService
	now      func() time.Time
}

// DefaultServices is the demo catalog
func DefaultServices() []SalonService {
	return []SalonService{
		{ID: "cut", Name: "Haircut", Duration: 45 * time.Minute, PriceCts: 4500},
		{ID: "colour", Name: "Full colour", Duration: 2 * time.Hour, PriceCts: 12000},
		{ID: "blowdry", Name: "Blow dry", Duration: 30 * time.Minute, PriceCts: 3000},
	}
}

// NewBook creates an empty ledger offering services
func NewBook(services []SalonService) *Book {
	b := &Book{
		bookings: make(map[string]*Booking),
		services: make(map[string]SalonService, len(services)),
		now:      time.Now,
	}
	for _, s := range services {
		b.services[s.ID] = s
	}
	return b
}

func canSeeAll(id *auth.Identity) bool {
	return id != nil && (id.Role == auth.RoleStaff || id.Role == auth.RoleAdmin)
}

// lookup returns the booking if the caller may see it. Other customers'
// bookings are reported as missing.
func (b *Book) lookup(call *security.Call) (*Booking, error) {
	id := call.PathParams["id"]
	bk, ok := b.bookings[id]
	if !ok || (!canSeeAll(call.Identity) && bk.CustomerID != call.Identity.UserID) {
		return nil, httputil.NotFoundError("booking not found").Wrap(fmt.Errorf("%w: %s", errNotFound, id))
	}
	return bk, nil
}

// ListServices returns the catalog sorted by ID
func (b *Book) ListServices(_ context.Context, _ *security.Call) (*security.Result, error) {
	out := make([]SalonService, 0, len(b.services))
	for _, s := range b.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &security.Result{Data: out}, nil
}

// Create books an appointment for the caller
func (b *Book) Create(ctx context.Context, call *security.Call) (*security.Result, error) {
	var req CreateRequest
	if err := httputil.DecodeJSON(call.Request.Body, &req); err != nil {
		return nil, err
	}
	if _, ok := b.services[req.ServiceID]; !ok {
		return nil, httputil.Errorf(httputil.CodeValidation, "unknown service %q", req.ServiceID)
	}
	now := b.now()
	if !req.StartsAt.After(now) {
		return nil, httputil.ValidationError("startsAt must be in the future")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bk := &Booking{
		ID:         uuid.NewString(),
		CustomerID: call.Identity.UserID,
		ServiceID:  req.ServiceID,
		StylistID:  req.StylistID,
		StartsAt:   req.StartsAt.UTC(),
		Status:     StatusConfirmed,
		Notes:      strings.TrimSpace(req.Notes),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	cp := *bk
	b.mu.Lock()
	b.bookings[bk.ID] = bk
	b.mu.Unlock()

	newValues := bk.values()
	if req.Email != "" {
		newValues["email"] = req.Email
	}
	if req.Phone != "" {
		newValues["phone"] = req.Phone
	}
	return &security.Result{
		Data:       &cp,
		ResourceID: bk.ID,
		NewValues:  newValues,
	}, nil
}

// Get returns one booking
func (b *Book) Get(_ context.Context, call *security.Call) (*security.Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bk, err := b.lookup(call)
	if err != nil {
		return nil, err
	}
	cp := *bk
	return &security.Result{Data: &cp, ResourceID: bk.ID}, nil
}

// List returns the caller's bookings, or every booking for staff
func (b *Book) List(_ context.Context, call *security.Call) (*security.Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Booking, 0)
	for _, bk := range b.bookings {
		if canSeeAll(call.Identity) || bk.CustomerID == call.Identity.UserID {
			out = append(out, *bk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return &security.Result{Data: out}, nil
}

// Update reschedules or edits a confirmed booking
func (b *Book) Update(_ context.Context, call *security.Call) (*security.Result, error) {
	var req UpdateRequest
	if err := httputil.DecodeJSON(call.Request.Body, &req); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bk, err := b.lookup(call)
	if err != nil {
		return nil, err
	}
	if bk.Status != StatusConfirmed {
		return nil, httputil.ValidationError("only confirmed bookings can be changed")
	}
	now := b.now()
	if req.StartsAt != nil && !req.StartsAt.After(now) {
		return nil, httputil.ValidationError("startsAt must be in the future")
	}

	old := bk.values()
	if req.StartsAt != nil {
		bk.StartsAt = req.StartsAt.UTC()
	}
	if req.StylistID != nil {
		bk.StylistID = *req.StylistID
	}
	if req.Notes != nil {
		bk.Notes = strings.TrimSpace(*req.Notes)
	}
	bk.UpdatedAt = now

	cp := *bk
	return &security.Result{
		Data:       &cp,
		ResourceID: bk.ID,
		OldValues:  old,
		NewValues:  bk.values(),
	}, nil
}

// Cancel cancels a confirmed booking
func (b *Book) Cancel(_ context.Context, call *security.Call) (*security.Result, error) {
	var req CancelRequest
	if len(call.Request.Body) > 0 {
		if err := httputil.DecodeJSON(call.Request.Body, &req); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bk, err := b.lookup(call)
	if err != nil {
		return nil, err
	}
	if bk.Status == StatusCancelled {
		return nil, httputil.ValidationError("booking is already cancelled")
	}

	old := bk.values()
	bk.Status = StatusCancelled
	bk.CancelReason = strings.TrimSpace(req.Reason)
	bk.UpdatedAt = b.now()

	cp := *bk
	return &security.Result{
		Status:     http.StatusOK,
		Data:       &cp,
		ResourceID: bk.ID,
		OldValues:  old,
		NewValues:  bk.values(),
		Metadata:   map[string]interface{}{"reason": bk.CancelReason},
	}, nil
}
