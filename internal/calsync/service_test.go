package calsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"calsync/internal/ics"
	"calsync/internal/model"
	"calsync/internal/notify"
	"calsync/internal/reconcile"
	"calsync/internal/store"
)

var syncNow = time.Date(2025, time.March, 1, 2, 0, 0, 0, time.UTC)

func feedWith(codes ...string) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n")
	for i, code := range codes {
		fmt.Fprintf(&b, "BEGIN:VEVENT\r\nDTSTART;VALUE=DATE:202504%02d\r\nDTEND;VALUE=DATE:202504%02d\r\nUID:%s\r\nSUMMARY:Reserved\r\n"+
			"DESCRIPTION:https://www.airbnb.com/hosting/reservations/details/%s\r\nEND:VEVENT\r\n", 2*i+1, 2*i+2, code, code)
	}
	b.WriteString("END:VCALENDAR\r\n")
	return []byte(b.String())
}

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	fail   map[string]error
	panics map[string]bool
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (ics.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[url] {
		panic("fetcher exploded")
	}
	if err := f.fail[url]; err != nil {
		return ics.FetchResult{}, err
	}
	return ics.FetchResult{URL: url, Body: f.bodies[url]}, nil
}

type recordingPublisher struct {
	events []notify.SyncEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.SyncEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	mem     *store.Memory
	fetcher *fakeFetcher
	pub     *recordingPublisher
	svc     *Service
	unit    model.Unit
}

func newFixture() *fixture {
	mem := store.NewMemory()
	unit := model.Unit{ID: uuid.New(), CompanyID: uuid.New(), UnitNumber: "B-201"}
	mem.AddUnit(unit)

	ff := &fakeFetcher{bodies: map[string][]byte{}, fail: map[string]error{}, panics: map[string]bool{}}
	pub := &recordingPublisher{}
	engine := reconcile.New(mem, reconcile.Options{Now: func() time.Time { return syncNow }})
	svc := New(mem, engine, ff, nil, pub)
	svc.now = func() time.Time { return syncNow }
	return &fixture{mem: mem, fetcher: ff, pub: pub, svc: svc, unit: unit}
}

func (f *fixture) company() *uuid.UUID {
	id := f.unit.CompanyID
	return &id
}

func TestImportURLRemembersSourceAndPublishes(t *testing.T) {
	f := newFixture()
	url := "https://www.airbnb.com/calendar/ical/1.ics?s=secret"
	f.fetcher.bodies[url] = feedWith("HMAAA111", "HMBBB222")

	res, err := f.svc.ImportURL(context.Background(), ImportRequest{
		UnitID: f.unit.ID, Platform: "Airbnb", Identifier: "Main", URL: url, CompanyID: f.company(),
	})
	if err != nil {
		t.Fatalf("ImportURL: %v", err)
	}
	if res.Added != 2 {
		t.Fatalf("result = %+v", res)
	}

	src, _ := f.mem.Source(context.Background(), res.SourceID)
	if src.URL != url || !src.Refreshable() {
		t.Errorf("source = %+v", src)
	}
	if len(f.pub.events) != 1 || f.pub.events[0].Trigger != TriggerURL || f.pub.events[0].Added != 2 {
		t.Errorf("events = %+v", f.pub.events)
	}
}

func TestFetchFailureChangesNothing(t *testing.T) {
	f := newFixture()
	url := "https://www.airbnb.com/calendar/ical/1.ics"
	f.fetcher.bodies[url] = feedWith("HMAAA111")
	first, err := f.svc.ImportURL(context.Background(), ImportRequest{UnitID: f.unit.ID, Platform: "Airbnb", URL: url})
	if err != nil {
		t.Fatal(err)
	}
	before, _ := f.mem.Source(context.Background(), first.SourceID)

	f.fetcher.fail[url] = &ics.FeedFetchError{URL: url, Status: 503}
	_, err = f.svc.Refresh(context.Background(), first.SourceID, f.company(), nil)
	var fe *ics.FeedFetchError
	if !errors.As(err, &fe) {
		t.Fatalf("want *ics.FeedFetchError, got %v", err)
	}
	after, _ := f.mem.Source(context.Background(), first.SourceID)
	if !after.LastSynced.Equal(*before.LastSynced) {
		t.Errorf("last synced moved on a failed fetch")
	}
	if len(f.pub.events) != 1 {
		t.Errorf("failed refresh published an event")
	}
}

func TestRefreshRequiresURL(t *testing.T) {
	f := newFixture()
	res, err := f.svc.ImportFeed(context.Background(), ImportRequest{UnitID: f.unit.ID, Platform: "Airbnb", Identifier: "Upload"}, feedWith("HMAAA111"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Refresh(context.Background(), res.SourceID, f.company(), nil); !errors.Is(err, ErrNoSourceURL) {
		t.Errorf("err = %v", err)
	}
}

func TestSyncAllContinuesPastFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	good := "https://airbnb.example/good.ics"
	bad := "https://airbnb.example/bad.ics"
	boom := "https://airbnb.example/boom.ics"
	f.fetcher.bodies[good] = feedWith("HMGOOD01")
	f.fetcher.bodies[bad] = feedWith("HMBAD001")
	f.fetcher.bodies[boom] = feedWith("HMBOOM01")
	for i, url := range []string{bad, boom, good} {
		if _, err := f.svc.ImportURL(ctx, ImportRequest{UnitID: f.unit.ID, Platform: "Airbnb", Identifier: fmt.Sprintf("Airbnb #%d", i+1), URL: url}); err != nil {
			t.Fatal(err)
		}
	}

	f.fetcher.bodies[good] = feedWith("HMGOOD01", "HMGOOD02")
	f.fetcher.fail[bad] = &ics.FeedFetchError{URL: bad, Status: 500}
	f.fetcher.panics[boom] = true

	sum := f.svc.SyncAll(ctx)
	if sum.Sources != 3 || sum.Succeeded != 1 || sum.Failed != 2 {
		t.Errorf("summary = %+v", sum)
	}

	found := false
	for _, b := range f.mem.Bookings(f.unit.ID) {
		if b.ConfirmationCode == "HMGOOD02" {
			found = true
			if b.CreatedBy != nil {
				t.Errorf("scheduled sync recorded an actor")
			}
		}
	}
	if !found {
		t.Errorf("healthy source was not synced")
	}
}

func TestTenantChecks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	other := uuid.New()

	if _, _, err := f.svc.Sources(ctx, f.unit.ID, other, ""); !errors.Is(err, reconcile.ErrForbidden) {
		t.Errorf("Sources: %v", err)
	}
	if _, _, err := f.svc.Sources(ctx, uuid.New(), other, ""); !errors.Is(err, reconcile.ErrUnitNotFound) {
		t.Errorf("Sources unknown unit: %v", err)
	}

	res, _ := f.svc.ImportFeed(ctx, ImportRequest{UnitID: f.unit.ID, Platform: "Airbnb"}, feedWith("HMAAA111"))
	if _, err := f.svc.SetSourceActive(ctx, res.SourceID, other, false); !errors.Is(err, reconcile.ErrForbidden) {
		t.Errorf("SetSourceActive: %v", err)
	}
	if err := f.svc.DeleteSource(ctx, res.SourceID, other); !errors.Is(err, reconcile.ErrForbidden) {
		t.Errorf("DeleteSource: %v", err)
	}
}

func TestSourcesSuggestsIdentifier(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _ = f.svc.ImportFeed(ctx, ImportRequest{UnitID: f.unit.ID, Platform: "Airbnb", Identifier: "Airbnb #1"}, feedWith())

	list, suggested, err := f.svc.Sources(ctx, f.unit.ID, f.unit.CompanyID, "Airbnb")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || suggested != "Airbnb #2" {
		t.Errorf("list=%d suggested=%q", len(list), suggested)
	}
}

func TestDeleteSourceKeepsBookings(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	res, _ := f.svc.ImportFeed(ctx, ImportRequest{UnitID: f.unit.ID, Platform: "Airbnb", Identifier: "Main"}, feedWith("HMAAA111"))

	if err := f.svc.DeleteSource(ctx, res.SourceID, f.unit.CompanyID); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if n := len(f.mem.Bookings(f.unit.ID)); n != 1 {
		t.Errorf("bookings = %d", n)
	}
	if _, err := f.mem.Source(ctx, res.SourceID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("source still present: %v", err)
	}
}

func TestAvailability(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _ = f.svc.ImportFeed(ctx, ImportRequest{UnitID: f.unit.ID, Platform: "Airbnb"}, feedWith("HMAAA111"))

	// HMAAA111 occupies Apr 1 to Apr 2.
	in := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	conflicts, err := f.svc.Availability(ctx, f.unit.ID, f.unit.CompanyID, in, in.AddDate(0, 0, 2), nil)
	if err != nil || len(conflicts) != 0 {
		t.Errorf("same-day turnover: conflicts=%v err=%v", conflicts, err)
	}
	conflicts, _ = f.svc.Availability(ctx, f.unit.ID, f.unit.CompanyID, in.AddDate(0, 0, -1), in, nil)
	if len(conflicts) != 1 {
		t.Errorf("conflicts = %v", conflicts)
	}
}

func TestNoOpSyncPublishesNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := ImportRequest{UnitID: f.unit.ID, Platform: "Airbnb", Identifier: "Main"}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.ImportFeed(ctx, req, feedWith("HMAAA111")); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.pub.events) != 1 || f.pub.events[0].Trigger != TriggerUpload {
		t.Errorf("events = %+v", f.pub.events)
	}
}

func TestLockKeyIgnoresSurroundingSpace(t *testing.T) {
	unit := uuid.New()
	if lockKey(unit, " Airbnb ", "Main ") != lockKey(unit, "Airbnb", "Main") {
		t.Errorf("padded platform or identifier produced a different lock key")
	}
	if lockKey(unit, "Airbnb", "Main") == lockKey(unit, "Airbnb", "Other") {
		t.Errorf("different identifiers share a lock key")
	}
}

func TestPaddedRequestsShareOneLock(t *testing.T) {
	f := newFixture()
	held, err := f.svc.locker.Lock(context.Background(), lockKey(f.unit.ID, "Airbnb", "Main"))
	if err != nil {
		t.Fatal(err)
	}
	defer held()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.svc.ImportFeed(ctx, ImportRequest{UnitID: f.unit.ID, Platform: " Airbnb", Identifier: "Main "}, feedWith("HMAAA111"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("padded request did not wait for the held lock: %v", err)
	}
	if n := len(f.mem.Bookings(f.unit.ID)); n != 0 {
		t.Errorf("bookings = %d", n)
	}
}
