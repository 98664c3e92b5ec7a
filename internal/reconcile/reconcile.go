// Package reconcile applies an external calendar feed to a unit's bookings.
//
// A sync adds reservations the feed has and the unit lacks, moves dates
// that changed, and cancels attributed bookings the feed no longer lists.
// Notes and staff-corrected guest names are never overwritten, past stays
// are never cancelled, and a pass either commits completely or not at all.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"calsync/internal/attribution"
	"calsync/internal/availability"
	"calsync/internal/fields"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/registry"
	"calsync/internal/store"
)

// Request describes one sync pass.
type Request struct {
	Feed       []byte
	UnitID     uuid.UUID
	Platform   string
	Identifier string // "" when the caller did not name the feed
	SourceURL  string // remembered on the source for scheduled refresh

	// Actor is recorded as the creator of new bookings; nil for
	// scheduled syncs.
	Actor *uuid.UUID
	// CompanyID, when set, must own the unit.
	CompanyID *uuid.UUID
}

// Conflict reports a synced booking that overlaps other bookings on the
// unit. The platform is authoritative, so the sync goes ahead regardless.
type Conflict struct {
	BookingID        uuid.UUID   `json:"booking_id"`
	ConfirmationCode string      `json:"confirmation_code"`
	With             []uuid.UUID `json:"conflicts_with"`
}

// Result summarizes a committed sync pass.
type Result struct {
	SourceID uuid.UUID

	Added     int
	Updated   int
	Cancelled int
	// Linked counts existing bookings that were attached to the source
	// instead of being duplicated.
	Linked int

	// AffectedIDs lists added, updated and cancelled bookings.
	AffectedIDs []uuid.UUID

	Skipped   int // events dropped by the extractor
	Blocked   int // owner blocks in the feed
	Ambiguous bool
	Conflicts []Conflict
}

// Changed reports whether any booking was written.
func (r Result) Changed() bool {
	return r.Added+r.Updated+r.Cancelled > 0
}

// Options tunes an Engine. Zero values pick sensible defaults.
type Options struct {
	// AttributionWindow bounds the recency heuristic for unmapped bookings.
	AttributionWindow time.Duration
	// Location decides which calendar day "today" is.
	Location *time.Location
	Now      func() time.Time
}

type Engine struct {
	repo   store.Repository
	window time.Duration
	loc    *time.Location
	now    func() time.Time
}

func New(repo store.Repository, opts Options) *Engine {
	e := &Engine{
		repo:   repo,
		window: opts.AttributionWindow,
		loc:    opts.Location,
		now:    opts.Now,
	}
	if e.window <= 0 {
		e.window = attribution.DefaultWindow
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Reconcile runs one sync pass. A feed that cannot be parsed returns a
// zero Result and an *ics.FeedParseError without touching the store.
func (e *Engine) Reconcile(ctx context.Context, req Request) (Result, error) {
	req.Platform = strings.TrimSpace(req.Platform)
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Platform == "" {
		return Result{}, fmt.Errorf("%w: platform is required", ErrInvalidRequest)
	}
	if req.UnitID == uuid.Nil {
		return Result{}, fmt.Errorf("%w: unit is required", ErrInvalidRequest)
	}

	feed, err := ics.Extract(req.Feed, req.Platform)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = e.repo.Transaction(ctx, func(tx store.Repository) error {
		var txErr error
		res, txErr = e.apply(ctx, tx, req, feed)
		return txErr
	})
	if err != nil {
		if errors.Is(err, ErrUnitNotFound) || errors.Is(err, ErrForbidden) {
			return Result{}, err
		}
		appLog.Error("calendar sync rolled back", err, "unit", req.UnitID, "platform", req.Platform, "identifier", req.Identifier)
		return Result{}, &PersistenceError{Err: err}
	}

	appLog.Info("calendar sync completed",
		"unit", req.UnitID, "source_id", res.SourceID, "platform", req.Platform, "identifier", req.Identifier,
		"added", res.Added, "updated", res.Updated, "cancelled", res.Cancelled, "linked", res.Linked,
		"skipped", res.Skipped, "blocked", res.Blocked, "conflicts", len(res.Conflicts))
	return res, nil
}

// pass carries the state of one transaction.
type pass struct {
	tx      store.Repository
	unit    *model.Unit
	src     *model.CalendarSource
	checker *availability.Checker
	label   string // "Airbnb (Main)" for audit lines
	stamp   string // audit date
	today   time.Time
	now     time.Time
	actor   *uuid.UUID
	res     *Result
}

func (e *Engine) apply(ctx context.Context, tx store.Repository, req Request, feed ics.Feed) (Result, error) {
	unit, err := tx.Unit(ctx, req.UnitID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrUnitNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("load unit: %w", err)
	}
	if req.CompanyID != nil && unit.CompanyID != *req.CompanyID {
		return Result{}, ErrForbidden
	}

	reg := registry.New(tx)
	src, err := reg.Resolve(ctx, unit.ID, req.Platform, req.Identifier, req.SourceURL)
	if err != nil {
		return Result{}, fmt.Errorf("resolve source: %w", err)
	}

	resolver := attribution.New(tx, e.window)
	resolver.Now = e.now
	set, err := resolver.Resolve(ctx, src, req.Identifier != "")
	if err != nil {
		return Result{}, fmt.Errorf("attribute bookings: %w", err)
	}

	now := e.now()
	local := now.In(e.loc)
	res := Result{
		SourceID:  src.ID,
		Skipped:   len(feed.Skipped),
		Blocked:   feed.Blocked,
		Ambiguous: set.Ambiguous,
	}
	p := &pass{
		tx:      tx,
		unit:    unit,
		src:     src,
		checker: availability.New(tx),
		label:   sourceLabel(src),
		stamp:   local.Format("2006-01-02"),
		today:   fields.Day(local),
		now:     now.UTC(),
		actor:   req.Actor,
		res:     &res,
	}

	plan := Diff(feed.Codes(), set.Codes())
	if plan.Empty() {
		appLog.Debug("calendar sync: nothing to diff", "source_id", src.ID)
	}

	// Cancellations go first so freed dates do not show up as conflicts.
	for _, code := range plan.Cancel {
		if err := p.cancel(ctx, set.Claims[code]); err != nil {
			return Result{}, err
		}
	}
	for _, code := range plan.Update {
		if err := p.update(ctx, set.Claims[code], feed.Events[code]); err != nil {
			return Result{}, err
		}
	}
	for _, code := range plan.Insert {
		if err := p.insert(ctx, feed.Events[code]); err != nil {
			return Result{}, err
		}
	}

	// A pass that changed nothing leaves the source row alone too.
	if res.Changed() || res.Linked > 0 || src.LastSynced == nil {
		if err := reg.MarkSynced(ctx, src, now); err != nil {
			return Result{}, fmt.Errorf("mark synced: %w", err)
		}
	}
	return res, nil
}

func sourceLabel(src *model.CalendarSource) string {
	if src.Identifier == "" {
		return src.Platform
	}
	return fmt.Sprintf("%s (%s)", src.Platform, src.Identifier)
}

func (p *pass) cancel(ctx context.Context, c *attribution.Claim) error {
	b := c.Booking
	switch {
	case b.IsCancelled:
		return nil
	case b.CheckOut.Before(p.today):
		// Feeds drop finished stays; that is not a cancellation.
		return nil
	case !c.CanCancel:
		appLog.Info("calendar sync: cancellation withheld, attribution ambiguous",
			"booking_id", b.ID, "code", b.ConfirmationCode, "source_id", p.src.ID)
		return nil
	}

	b.IsCancelled = true
	b.AppendNote(fmt.Sprintf("Cancelled: No longer in %s as of %s", p.label, p.stamp))
	if err := p.tx.SaveBooking(ctx, &b); err != nil {
		return fmt.Errorf("cancel booking %s: %w", b.ID, err)
	}
	p.res.Cancelled++
	p.res.AffectedIDs = append(p.res.AffectedIDs, b.ID)
	return nil
}

func (p *pass) update(ctx context.Context, c *attribution.Claim, ev ics.Event) error {
	b := c.Booking

	changed := false
	if !b.CheckIn.Equal(ev.CheckIn) || !b.CheckOut.Equal(ev.CheckOut) || b.Nights != ev.Nights() {
		b.CheckIn, b.CheckOut, b.Nights = ev.CheckIn, ev.CheckOut, ev.Nights()
		changed = true
	}
	if ev.GuestName != "" && model.IsPlaceholderName(b.GuestName) && b.GuestName != ev.GuestName {
		b.GuestName = ev.GuestName
		changed = true
	}
	restored := false
	if b.IsCancelled && !b.CheckOut.Before(p.today) {
		b.IsCancelled = false
		restored = true
		changed = true
	}

	if changed {
		if restored {
			b.AppendNote(fmt.Sprintf("Restored from %s on %s", p.label, p.stamp))
		} else {
			b.AppendNote(fmt.Sprintf("Updated from %s on %s", p.label, p.stamp))
		}
		if err := p.tx.SaveBooking(ctx, &b); err != nil {
			return fmt.Errorf("update booking %s: %w", b.ID, err)
		}
		p.res.Updated++
		p.res.AffectedIDs = append(p.res.AffectedIDs, b.ID)
		if err := p.checkConflicts(ctx, &b); err != nil {
			return err
		}
	}

	if !c.Mapped {
		if _, err := p.tx.LinkBooking(ctx, b.ID, p.src.ID); err != nil {
			return fmt.Errorf("link booking %s: %w", b.ID, err)
		}
	}
	return nil
}

func (p *pass) insert(ctx context.Context, ev ics.Event) error {
	existing, err := p.tx.FindBookingByCode(ctx, p.unit.ID, ev.ConfirmationCode)
	switch {
	case err == nil:
		// Bring the existing booking in line with the feed now, so the next
		// pass, which sees it as mapped, has nothing left to change.
		if err := p.update(ctx, &attribution.Claim{Booking: *existing, Mapped: true}, ev); err != nil {
			return err
		}
		created, err := p.tx.LinkBooking(ctx, existing.ID, p.src.ID)
		if err != nil {
			return fmt.Errorf("link booking %s: %w", existing.ID, err)
		}
		if created {
			p.res.Linked++
		}
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("find booking %s: %w", ev.ConfirmationCode, err)
	}

	name := ev.GuestName
	if name == "" {
		name = model.PlaceholderGuestName(p.src.Platform)
	}
	importSource := p.src.Identifier
	if importSource == "" {
		importSource = p.src.Platform
	}
	importedAt := p.now

	b := &model.Booking{
		UnitID:           p.unit.ID,
		CompanyID:        p.unit.CompanyID,
		CreatedBy:        p.actor,
		GuestName:        name,
		PropertyName:     p.unit.PropertyName(),
		CheckIn:          ev.CheckIn,
		CheckOut:         ev.CheckOut,
		Nights:           ev.Nights(),
		Adults:           model.DefaultImportGuests,
		Guests:           model.DefaultImportGuests,
		Price:            decimal.Zero,
		BookingSource:    p.src.Platform,
		PaymentStatus:    model.PaymentPaid,
		ConfirmationCode: ev.ConfirmationCode,
		NeedsCompletion:  true,
		ImportSource:     importSource,
		ImportedAt:       &importedAt,
	}

	conflicts, err := p.checker.Conflicts(ctx, p.unit.ID, b.CheckIn, b.CheckOut, nil)
	if err != nil {
		return fmt.Errorf("check availability: %w", err)
	}

	if err := p.tx.SaveBooking(ctx, b); err != nil {
		return fmt.Errorf("create booking %s: %w", ev.ConfirmationCode, err)
	}
	if _, err := p.tx.LinkBooking(ctx, b.ID, p.src.ID); err != nil {
		return fmt.Errorf("link booking %s: %w", b.ID, err)
	}
	p.res.Added++
	p.res.AffectedIDs = append(p.res.AffectedIDs, b.ID)
	p.recordConflict(b, conflicts)
	return nil
}

func (p *pass) checkConflicts(ctx context.Context, b *model.Booking) error {
	if b.IsCancelled {
		return nil
	}
	conflicts, err := p.checker.Conflicts(ctx, p.unit.ID, b.CheckIn, b.CheckOut, &b.ID)
	if err != nil {
		return fmt.Errorf("check availability: %w", err)
	}
	p.recordConflict(b, conflicts)
	return nil
}

func (p *pass) recordConflict(b *model.Booking, conflicts []model.Booking) {
	if len(conflicts) == 0 {
		return
	}
	c := Conflict{BookingID: b.ID, ConfirmationCode: b.ConfirmationCode}
	for _, o := range conflicts {
		c.With = append(c.With, o.ID)
	}
	p.res.Conflicts = append(p.res.Conflicts, c)
	appLog.Warn("calendar sync: booking overlaps existing bookings",
		"booking_id", b.ID, "code", b.ConfirmationCode, "unit", p.unit.ID, "overlaps", len(c.With))
}
