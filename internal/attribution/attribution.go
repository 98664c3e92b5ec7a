// Package attribution decides which local bookings a calendar source may
// update or cancel during a sync.
//
// Bookings linked to the source through the mapping table are always its
// own. Older data has no mapping rows; for those a recency heuristic is used
// and cancellation is withheld whenever it cannot tell two feeds of the same
// platform apart.
package attribution

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// DefaultWindow is how recent an unmapped booking must be to be claimed.
const DefaultWindow = 24 * time.Hour

// Store is the slice of the repository the resolver reads.
type Store interface {
	BookingsForSource(ctx context.Context, sourceID uuid.UUID) ([]model.Booking, error)
	UnlinkedBookings(ctx context.Context, unitID uuid.UUID, platform string, since time.Time) ([]model.Booking, error)
	CountSources(ctx context.Context, unitID uuid.UUID, platform string, activeOnly bool) (int64, error)
}

// Claim is one local booking attributed to the source being synced.
type Claim struct {
	Booking model.Booking

	// Mapped is true when a mapping row links the booking to the source.
	// Unmapped claims come from the heuristic and get linked once touched.
	Mapped bool

	// CanCancel is false for heuristic claims that cannot be attributed to
	// this source unambiguously.
	CanCancel bool
}

// Set is the attributed bookings keyed by confirmation code.
type Set struct {
	Claims map[string]*Claim

	// Ambiguous is true when heuristic claims exist but may belong to
	// another feed of the same platform.
	Ambiguous bool
}

// Codes returns the claimed confirmation codes in sorted order.
func (s Set) Codes() []string {
	codes := make([]string, 0, len(s.Claims))
	for c := range s.Claims {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

type Resolver struct {
	store  Store
	window time.Duration

	// Now is the clock used for the recency window.
	Now func() time.Time
}

func New(s Store, window time.Duration) *Resolver {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Resolver{store: s, window: window, Now: time.Now}
}

// Resolve collects the bookings src may manage. identifierGiven reports
// whether the caller named the feed explicitly.
func (r *Resolver) Resolve(ctx context.Context, src *model.CalendarSource, identifierGiven bool) (Set, error) {
	set := Set{Claims: make(map[string]*Claim)}

	mapped, err := r.store.BookingsForSource(ctx, src.ID)
	if err != nil {
		return Set{}, err
	}
	for _, b := range mapped {
		if b.ConfirmationCode == "" {
			continue
		}
		if _, dup := set.Claims[b.ConfirmationCode]; dup {
			appLog.Warn("duplicate confirmation code on source", "source_id", src.ID, "code", b.ConfirmationCode, "booking_id", b.ID)
			continue
		}
		set.Claims[b.ConfirmationCode] = &Claim{Booking: b, Mapped: true, CanCancel: true}
	}

	since := r.Now().Add(-r.window)
	legacy, err := r.store.UnlinkedBookings(ctx, src.UnitID, src.Platform, since)
	if err != nil {
		return Set{}, err
	}
	if len(legacy) == 0 {
		return set, nil
	}

	canCancel := identifierGiven
	if !canCancel {
		active, err := r.store.CountSources(ctx, src.UnitID, src.Platform, true)
		if err != nil {
			return Set{}, err
		}
		canCancel = active <= 1
	}

	added := 0
	for _, b := range legacy {
		if _, taken := set.Claims[b.ConfirmationCode]; taken {
			continue
		}
		set.Claims[b.ConfirmationCode] = &Claim{Booking: b, CanCancel: canCancel}
		added++
	}
	if added > 0 && !canCancel {
		set.Ambiguous = true
		appLog.Warn("attribution ambiguous; cancellations withheld",
			"source_id", src.ID, "unit", src.UnitID, "platform", src.Platform, "unmapped", added)
	}
	return set, nil
}
