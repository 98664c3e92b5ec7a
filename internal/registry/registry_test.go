package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"calsync/internal/store"
)

func TestResolveCreatesThenReuses(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())
	unit := uuid.New()

	first, err := r.Resolve(ctx, unit, "Airbnb", "Main", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !first.IsActive || first.ID == uuid.Nil {
		t.Fatalf("new source = %+v", first)
	}

	again, err := r.Resolve(ctx, unit, "Airbnb", " Main ", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("same triple created a second source")
	}

	other, _ := r.Resolve(ctx, unit, "Airbnb", "Loft", "")
	if other.ID == first.ID {
		t.Errorf("different identifier reused the source")
	}
}

func TestResolvePrefersURL(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())
	unit := uuid.New()

	src, _ := r.Resolve(ctx, unit, "Airbnb", "Airbnb #1", "https://airbnb.example/a.ics")
	renamed, err := r.Resolve(ctx, unit, "Airbnb", "Penthouse", "https://airbnb.example/a.ics")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if renamed.ID != src.ID {
		t.Errorf("known URL should resolve to the existing source")
	}
}

func TestResolveReactivates(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())
	unit := uuid.New()

	src, _ := r.Resolve(ctx, unit, "Airbnb", "Main", "")
	if _, err := r.SetActive(ctx, src.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if n, _ := r.repo.CountSources(ctx, unit, "Airbnb", true); n != 0 {
		t.Errorf("active count = %d", n)
	}

	src, _ = r.Resolve(ctx, unit, "Airbnb", "Main", "")
	if !src.IsActive {
		t.Errorf("importing into a disabled source should re-enable it")
	}
}

func TestDefaultIdentifier(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())
	unit := uuid.New()

	id, _ := r.DefaultIdentifier(ctx, unit, "Airbnb")
	if id != "Airbnb #1" {
		t.Errorf("first = %q", id)
	}
	_, _ = r.Resolve(ctx, unit, "Airbnb", id, "")
	id, _ = r.DefaultIdentifier(ctx, unit, "Airbnb")
	if id != "Airbnb #2" {
		t.Errorf("second = %q", id)
	}
}

func TestMarkSyncedAndDueForRefresh(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())
	unit := uuid.New()

	withURL, _ := r.Resolve(ctx, unit, "Airbnb", "Main", "https://airbnb.example/a.ics")
	_, _ = r.Resolve(ctx, unit, "Booking.com", "Upload", "")

	at := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	if err := r.MarkSynced(ctx, withURL, at); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	got, _ := r.Get(ctx, withURL.ID)
	if got.LastSynced == nil || !got.LastSynced.Equal(at) {
		t.Errorf("last synced = %v", got.LastSynced)
	}

	due, _ := r.DueForRefresh(ctx)
	if len(due) != 1 || due[0].ID != withURL.ID {
		t.Errorf("due = %+v", due)
	}
}

func TestResolveRequiresPlatform(t *testing.T) {
	if _, err := New(store.NewMemory()).Resolve(context.Background(), uuid.New(), " ", "x", ""); err == nil {
		t.Errorf("empty platform accepted")
	}
}
