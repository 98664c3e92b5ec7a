// Package calsync is the entry point for calendar imports: uploads, URL
// imports, manual refreshes and the scheduled refresh of every feed.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"calsync/internal/availability"
	"calsync/internal/csvimport"
	"calsync/internal/ics"
	"calsync/internal/lock"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/notify"
	"calsync/internal/reconcile"
	"calsync/internal/registry"
	"calsync/internal/store"
)

// ErrNoSourceURL is returned when refreshing a source that was only ever
// uploaded as a file.
var ErrNoSourceURL = errors.New("calendar source has no URL")

// Fetcher downloads a feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (ics.FetchResult, error)
}

const (
	TriggerUpload   = "upload"
	TriggerURL      = "url"
	TriggerRefresh  = "refresh"
	TriggerSchedule = "schedule"
)

// ImportRequest identifies the feed being imported and who is asking.
type ImportRequest struct {
	UnitID     uuid.UUID
	Platform   string
	Identifier string
	URL        string

	Actor     *uuid.UUID
	CompanyID *uuid.UUID // nil skips the tenant check (scheduler)
}

type Service struct {
	repo      store.Repository
	engine    *reconcile.Engine
	fetcher   Fetcher
	locker    lock.Locker
	publisher notify.Publisher
	now       func() time.Time
}

// New wires a Service. A nil locker or publisher falls back to the
// in-process lock and a no-op publisher.
func New(repo store.Repository, engine *reconcile.Engine, fetcher Fetcher, locker lock.Locker, publisher notify.Publisher) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Service{
		repo:      repo,
		engine:    engine,
		fetcher:   fetcher,
		locker:    locker,
		publisher: publisher,
		now:       time.Now,
	}
}

func lockKey(unitID uuid.UUID, platform, identifier string) string {
	return unitID.String() + "|" + strings.TrimSpace(platform) + "|" + strings.TrimSpace(identifier)
}

// ImportFeed reconciles an uploaded ICS file.
func (s *Service) ImportFeed(ctx context.Context, req ImportRequest, raw []byte) (reconcile.Result, error) {
	return s.run(ctx, req, raw, TriggerUpload)
}

// ImportURL downloads the feed, reconciles it and remembers the URL on the
// source for scheduled refresh. A failed download changes nothing.
func (s *Service) ImportURL(ctx context.Context, req ImportRequest) (reconcile.Result, error) {
	if req.URL == "" {
		return reconcile.Result{}, fmt.Errorf("%w: feed URL is required", reconcile.ErrInvalidRequest)
	}
	fetched, err := s.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		return reconcile.Result{}, err
	}
	return s.run(ctx, req, fetched.Body, TriggerURL)
}

// Refresh pulls a known source again.
func (s *Service) Refresh(ctx context.Context, sourceID uuid.UUID, companyID, actor *uuid.UUID) (reconcile.Result, error) {
	return s.refresh(ctx, sourceID, companyID, actor, TriggerRefresh)
}

func (s *Service) refresh(ctx context.Context, sourceID uuid.UUID, companyID, actor *uuid.UUID, trigger string) (reconcile.Result, error) {
	src, err := s.repo.Source(ctx, sourceID)
	if err != nil {
		return reconcile.Result{}, err
	}
	if src.URL == "" {
		return reconcile.Result{}, ErrNoSourceURL
	}
	if companyID != nil {
		if _, err := s.authorizeUnit(ctx, src.UnitID, *companyID); err != nil {
			return reconcile.Result{}, err
		}
	}

	fetched, err := s.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return reconcile.Result{}, err
	}
	return s.run(ctx, ImportRequest{
		UnitID:     src.UnitID,
		Platform:   src.Platform,
		Identifier: src.Identifier,
		URL:        src.URL,
		Actor:      actor,
		CompanyID:  companyID,
	}, fetched.Body, trigger)
}

func (s *Service) run(ctx context.Context, req ImportRequest, raw []byte, trigger string) (reconcile.Result, error) {
	req.Platform = strings.TrimSpace(req.Platform)
	req.Identifier = strings.TrimSpace(req.Identifier)
	unlock, err := s.locker.Lock(ctx, lockKey(req.UnitID, req.Platform, req.Identifier))
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("lock calendar source: %w", err)
	}
	defer unlock()

	res, err := s.engine.Reconcile(ctx, reconcile.Request{
		Feed:       raw,
		UnitID:     req.UnitID,
		Platform:   req.Platform,
		Identifier: req.Identifier,
		SourceURL:  req.URL,
		Actor:      req.Actor,
		CompanyID:  req.CompanyID,
	})
	if err != nil {
		return res, err
	}
	if !res.Changed() && res.Linked == 0 {
		return res, nil
	}

	ev := notify.SyncEvent{
		SourceID:   res.SourceID,
		UnitID:     req.UnitID,
		Platform:   req.Platform,
		Identifier: req.Identifier,
		Trigger:    trigger,
		Added:      res.Added,
		Updated:    res.Updated,
		Cancelled:  res.Cancelled,
		Linked:     res.Linked,
		BookingIDs: res.AffectedIDs,
		SyncedAt:   s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		// The sync is committed; a lost event is not worth failing it.
		appLog.Error("publish sync event failed", err, "source_id", res.SourceID)
	}
	return res, nil
}

// Summary reports a SyncAll run.
type Summary struct {
	Sources   int
	Succeeded int
	Failed    int
}

// SyncAll refreshes every active source with a URL, one at a time. A
// failing source is logged and skipped.
func (s *Service) SyncAll(ctx context.Context) Summary {
	sources, err := registry.New(s.repo).DueForRefresh(ctx)
	if err != nil {
		appLog.Error("scheduled sync: list sources failed", err)
		return Summary{}
	}

	sum := Summary{Sources: len(sources)}
	appLog.Info("scheduled sync start", "sources", len(sources))
	for _, src := range sources {
		if ctx.Err() != nil {
			appLog.Warn("scheduled sync interrupted", "remaining", sum.Sources-sum.Succeeded-sum.Failed)
			break
		}
		if err := s.syncOne(ctx, src); err != nil {
			sum.Failed++
			appLog.Error("scheduled sync failed", err,
				"source_id", src.ID, "unit", src.UnitID, "platform", src.Platform, "identifier", src.Identifier)
			continue
		}
		sum.Succeeded++
	}
	appLog.Info("scheduled sync done", "sources", sum.Sources, "succeeded", sum.Succeeded, "failed", sum.Failed)
	return sum
}

func (s *Service) syncOne(ctx context.Context, src model.CalendarSource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during sync: %v", r)
		}
	}()
	_, err = s.refresh(ctx, src.ID, nil, nil, TriggerSchedule)
	return err
}

func (s *Service) authorizeUnit(ctx context.Context, unitID, companyID uuid.UUID) (*model.Unit, error) {
	u, err := s.repo.Unit(ctx, unitID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reconcile.ErrUnitNotFound
	}
	if err != nil {
		return nil, err
	}
	if u.CompanyID != companyID {
		return nil, reconcile.ErrForbidden
	}
	return u, nil
}

func (s *Service) authorizeSource(ctx context.Context, sourceID, companyID uuid.UUID) (*model.CalendarSource, error) {
	src, err := s.repo.Source(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeUnit(ctx, src.UnitID, companyID); err != nil {
		return nil, err
	}
	return src, nil
}

// Source returns one feed without a tenant check.
func (s *Service) Source(ctx context.Context, id uuid.UUID) (*model.CalendarSource, error) {
	return registry.New(s.repo).Get(ctx, id)
}

// Sources lists the unit's feeds along with the identifier suggested for
// the next feed of platform, if one was given.
func (s *Service) Sources(ctx context.Context, unitID, companyID uuid.UUID, platform string) ([]model.CalendarSource, string, error) {
	if _, err := s.authorizeUnit(ctx, unitID, companyID); err != nil {
		return nil, "", err
	}
	reg := registry.New(s.repo)
	list, err := reg.List(ctx, unitID)
	if err != nil {
		return nil, "", err
	}
	suggested := ""
	if platform != "" {
		if suggested, err = reg.DefaultIdentifier(ctx, unitID, platform); err != nil {
			return nil, "", err
		}
	}
	return list, suggested, nil
}

// SetSourceActive enables or disables a feed.
func (s *Service) SetSourceActive(ctx context.Context, sourceID, companyID uuid.UUID, active bool) (*model.CalendarSource, error) {
	if _, err := s.authorizeSource(ctx, sourceID, companyID); err != nil {
		return nil, err
	}
	return registry.New(s.repo).SetActive(ctx, sourceID, active)
}

// DeleteSource removes a feed. Its bookings stay.
func (s *Service) DeleteSource(ctx context.Context, sourceID, companyID uuid.UUID) error {
	src, err := s.authorizeSource(ctx, sourceID, companyID)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, lockKey(src.UnitID, src.Platform, src.Identifier))
	if err != nil {
		return fmt.Errorf("lock calendar source: %w", err)
	}
	defer unlock()
	return s.repo.Transaction(ctx, func(tx store.Repository) error {
		return registry.New(tx).Delete(ctx, sourceID)
	})
}

// Availability returns the bookings that conflict with the range.
func (s *Service) Availability(ctx context.Context, unitID, companyID uuid.UUID, checkIn, checkOut time.Time, exclude *uuid.UUID) ([]model.Booking, error) {
	if _, err := s.authorizeUnit(ctx, unitID, companyID); err != nil {
		return nil, err
	}
	return availability.New(s.repo).Conflicts(ctx, unitID, checkIn, checkOut, exclude)
}

// ImportCSV applies an export to the company's existing bookings.
func (s *Service) ImportCSV(ctx context.Context, companyID uuid.UUID, records []csvimport.Record) (csvimport.Result, error) {
	return csvimport.New(s.repo).Apply(ctx, companyID, records)
}
