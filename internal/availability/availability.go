// Package availability answers whether a unit is free for a date range.
package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"calsync/internal/fields"
	"calsync/internal/model"
)

// ErrInvalidRange is returned when check-out is not after check-in.
var ErrInvalidRange = errors.New("check-out must be after check-in")

// Store is the slice of the repository the checker reads.
type Store interface {
	BookingsOverlapping(ctx context.Context, unitID uuid.UUID, from, to time.Time) ([]model.Booking, error)
}

// Overlaps reports whether two stays [aIn, aOut) and [bIn, bOut) share a
// night. A check-out on the day of another check-in is not an overlap.
func Overlaps(aIn, aOut, bIn, bOut time.Time) bool {
	return aIn.Before(bOut) && aOut.After(bIn)
}

type Checker struct {
	store Store
}

func New(s Store) *Checker {
	return &Checker{store: s}
}

// Conflicts returns the non-cancelled bookings of the unit that overlap
// [checkIn, checkOut). The booking with ID exclude, if given, is ignored so
// a booking never conflicts with itself.
func (c *Checker) Conflicts(ctx context.Context, unitID uuid.UUID, checkIn, checkOut time.Time, exclude *uuid.UUID) ([]model.Booking, error) {
	checkIn, checkOut = fields.Day(checkIn), fields.Day(checkOut)
	if !checkOut.After(checkIn) {
		return nil, ErrInvalidRange
	}

	candidates, err := c.store.BookingsOverlapping(ctx, unitID, checkIn, checkOut)
	if err != nil {
		return nil, err
	}

	var out []model.Booking
	for _, b := range candidates {
		if b.IsCancelled {
			continue
		}
		if exclude != nil && b.ID == *exclude {
			continue
		}
		if Overlaps(b.CheckIn, b.CheckOut, checkIn, checkOut) {
			out = append(out, b)
		}
	}
	return out, nil
}

// IsAvailable reports whether nothing conflicts with the range.
func (c *Checker) IsAvailable(ctx context.Context, unitID uuid.UUID, checkIn, checkOut time.Time, exclude *uuid.UUID) (bool, error) {
	conflicts, err := c.Conflicts(ctx, unitID, checkIn, checkOut, exclude)
	if err != nil {
		return false, err
	}
	return len(conflicts) == 0, nil
}
