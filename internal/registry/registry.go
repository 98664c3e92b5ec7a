// Package registry keeps one CalendarSource per (unit, platform, identifier)
// feed and its sync bookkeeping.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
)

type Registry struct {
	repo store.Repository
}

// New returns a registry over repo. Inside a sync, pass the transaction's
// repository so source changes commit with the bookings.
func New(repo store.Repository) *Registry {
	return &Registry{repo: repo}
}

// Resolve returns the source a feed belongs to, creating it on first import.
// A known URL wins over the identifier, so a renamed feed keeps its history.
// The returned source is always active.
func (r *Registry) Resolve(ctx context.Context, unitID uuid.UUID, platform, identifier, url string) (*model.CalendarSource, error) {
	platform = strings.TrimSpace(platform)
	identifier = strings.TrimSpace(identifier)
	url = strings.TrimSpace(url)
	if platform == "" {
		return nil, errors.New("platform is required")
	}

	var src *model.CalendarSource
	if url != "" {
		s, err := r.repo.FindSourceByURL(ctx, unitID, url)
		switch {
		case err == nil && strings.EqualFold(s.Platform, platform):
			src = s
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	if src == nil {
		s, err := r.repo.FindSource(ctx, unitID, platform, identifier)
		switch {
		case err == nil:
			src = s
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	if src == nil {
		src = &model.CalendarSource{
			UnitID:     unitID,
			Platform:   platform,
			Identifier: identifier,
			URL:        url,
			IsActive:   true,
		}
		if err := r.repo.SaveSource(ctx, src); err != nil {
			return nil, fmt.Errorf("create calendar source: %w", err)
		}
		appLog.Info("calendar source created", "source_id", src.ID, "unit", unitID, "platform", platform, "identifier", identifier)
		return src, nil
	}

	changed := false
	if !src.IsActive {
		src.IsActive = true
		changed = true
	}
	if url != "" && src.URL != url {
		src.URL = url
		changed = true
	}
	if changed {
		if err := r.repo.SaveSource(ctx, src); err != nil {
			return nil, fmt.Errorf("update calendar source: %w", err)
		}
	}
	return src, nil
}

// MarkSynced records a successful sync.
func (r *Registry) MarkSynced(ctx context.Context, src *model.CalendarSource, at time.Time) error {
	at = at.UTC()
	src.LastSynced = &at
	return r.repo.SaveSource(ctx, src)
}

// DefaultIdentifier suggests a name for the next feed of platform on the
// unit, e.g. "Airbnb #2".
func (r *Registry) DefaultIdentifier(ctx context.Context, unitID uuid.UUID, platform string) (string, error) {
	n, err := r.repo.CountSources(ctx, unitID, platform, false)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s #%d", platform, n+1), nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*model.CalendarSource, error) {
	return r.repo.Source(ctx, id)
}

func (r *Registry) List(ctx context.Context, unitID uuid.UUID) ([]model.CalendarSource, error) {
	return r.repo.ListSources(ctx, unitID)
}

// SetActive enables or disables a source. Inactive sources are skipped by
// the scheduler and do not count towards attribution ambiguity.
func (r *Registry) SetActive(ctx context.Context, id uuid.UUID, active bool) (*model.CalendarSource, error) {
	src, err := r.repo.Source(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.IsActive == active {
		return src, nil
	}
	src.IsActive = active
	if err := r.repo.SaveSource(ctx, src); err != nil {
		return nil, err
	}
	appLog.Info("calendar source toggled", "source_id", id, "active", active)
	return src, nil
}

// Delete removes the source and its booking links. The bookings themselves
// stay and become unattributed.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.repo.DeleteSource(ctx, id); err != nil {
		return err
	}
	appLog.Info("calendar source deleted", "source_id", id)
	return nil
}

// DueForRefresh returns the sources the scheduler should pull.
func (r *Registry) DueForRefresh(ctx context.Context) ([]model.CalendarSource, error) {
	return r.repo.ListRefreshable(ctx)
}
