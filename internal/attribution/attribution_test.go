package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"calsync/internal/model"
)

type fakeStore struct {
	mapped   []model.Booking
	unlinked []model.Booking
	active   int64

	since time.Time
}

func (f *fakeStore) BookingsForSource(context.Context, uuid.UUID) ([]model.Booking, error) {
	return f.mapped, nil
}

func (f *fakeStore) UnlinkedBookings(_ context.Context, _ uuid.UUID, _ string, since time.Time) ([]model.Booking, error) {
	f.since = since
	return f.unlinked, nil
}

func (f *fakeStore) CountSources(context.Context, uuid.UUID, string, bool) (int64, error) {
	return f.active, nil
}

func newResolver(s Store) *Resolver {
	r := New(s, 0)
	r.Now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestMappedClaimsAreAlwaysCancellable(t *testing.T) {
	fs := &fakeStore{
		mapped: []model.Booking{{ID: uuid.New(), ConfirmationCode: "HM1"}},
		active: 3,
	}
	set, err := newResolver(fs).Resolve(context.Background(), &model.CalendarSource{ID: uuid.New()}, false)
	if err != nil {
		t.Fatal(err)
	}
	c := set.Claims["HM1"]
	if c == nil || !c.Mapped || !c.CanCancel {
		t.Fatalf("claim = %+v", c)
	}
	if set.Ambiguous {
		t.Errorf("mapped-only set flagged ambiguous")
	}
}

func TestHeuristicWindow(t *testing.T) {
	fs := &fakeStore{}
	_, _ = newResolver(fs).Resolve(context.Background(), &model.CalendarSource{ID: uuid.New()}, true)
	want := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	if !fs.since.Equal(want) {
		t.Errorf("since = %v, want %v", fs.since, want)
	}
}

func TestHeuristicCancellation(t *testing.T) {
	cases := []struct {
		name            string
		identifierGiven bool
		active          int64
		wantCancel      bool
	}{
		{"identifier given", true, 2, true},
		{"only source", false, 1, true},
		{"two sources no identifier", false, 2, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStore{
				unlinked: []model.Booking{{ID: uuid.New(), ConfirmationCode: "HM9"}},
				active:   tc.active,
			}
			set, err := newResolver(fs).Resolve(context.Background(), &model.CalendarSource{ID: uuid.New()}, tc.identifierGiven)
			if err != nil {
				t.Fatal(err)
			}
			c := set.Claims["HM9"]
			if c == nil || c.Mapped {
				t.Fatalf("claim = %+v", c)
			}
			if c.CanCancel != tc.wantCancel {
				t.Errorf("CanCancel = %v, want %v", c.CanCancel, tc.wantCancel)
			}
			if set.Ambiguous == tc.wantCancel {
				t.Errorf("Ambiguous = %v", set.Ambiguous)
			}
		})
	}
}

func TestMappedClaimWinsOverHeuristic(t *testing.T) {
	mappedID := uuid.New()
	fs := &fakeStore{
		mapped:   []model.Booking{{ID: mappedID, ConfirmationCode: "HM1"}},
		unlinked: []model.Booking{{ID: uuid.New(), ConfirmationCode: "HM1"}},
		active:   1,
	}
	set, _ := newResolver(fs).Resolve(context.Background(), &model.CalendarSource{ID: uuid.New()}, false)
	if got := set.Claims["HM1"].Booking.ID; got != mappedID {
		t.Errorf("claim booking = %v, want mapped %v", got, mappedID)
	}
	if len(set.Codes()) != 1 {
		t.Errorf("codes = %v", set.Codes())
	}
}
