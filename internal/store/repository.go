// Package store persists units, bookings, calendar sources and the
// booking-to-source mapping.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"calsync/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the storage used by the sync core. Every method is scoped
// to the transaction the repository was handed in, if any.
type Repository interface {
	// Transaction runs fn against a transactional repository. Returning an
	// error from fn rolls every write back.
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	Unit(ctx context.Context, id uuid.UUID) (*model.Unit, error)

	Source(ctx context.Context, id uuid.UUID) (*model.CalendarSource, error)
	FindSource(ctx context.Context, unitID uuid.UUID, platform, identifier string) (*model.CalendarSource, error)
	FindSourceByURL(ctx context.Context, unitID uuid.UUID, url string) (*model.CalendarSource, error)
	ListSources(ctx context.Context, unitID uuid.UUID) ([]model.CalendarSource, error)
	// ListRefreshable returns active sources with a URL, across all units.
	ListRefreshable(ctx context.Context) ([]model.CalendarSource, error)
	CountSources(ctx context.Context, unitID uuid.UUID, platform string, activeOnly bool) (int64, error)
	// SaveSource inserts s when its ID is nil, otherwise updates it.
	SaveSource(ctx context.Context, s *model.CalendarSource) error
	// DeleteSource removes the source and its mapping rows. Bookings stay.
	DeleteSource(ctx context.Context, id uuid.UUID) error

	Booking(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	// BookingsForSource returns every booking mapped to the source,
	// cancelled ones included.
	BookingsForSource(ctx context.Context, sourceID uuid.UUID) ([]model.Booking, error)
	// UnlinkedBookings returns bookings of the unit for platform that carry a
	// confirmation code, have no mapping row at all and were created at or
	// after since.
	UnlinkedBookings(ctx context.Context, unitID uuid.UUID, platform string, since time.Time) ([]model.Booking, error)
	FindBookingByCode(ctx context.Context, unitID uuid.UUID, code string) (*model.Booking, error)
	FindCompanyBookingByCode(ctx context.Context, companyID uuid.UUID, code string) (*model.Booking, error)
	// BookingsOverlapping returns non-cancelled bookings of the unit with
	// CheckIn < to and CheckOut > from.
	BookingsOverlapping(ctx context.Context, unitID uuid.UUID, from, to time.Time) ([]model.Booking, error)
	// SaveBooking validates b, then inserts it when its ID is nil or updates
	// it otherwise.
	SaveBooking(ctx context.Context, b *model.Booking) error

	// LinkBooking records that booking came from source. It reports whether
	// a new row was created; an existing link is left alone.
	LinkBooking(ctx context.Context, bookingID, sourceID uuid.UUID) (bool, error)
}

var (
	_ Repository = (*Gorm)(nil)
	_ Repository = (*Memory)(nil)
	_ Repository = (*memTx)(nil)
)
