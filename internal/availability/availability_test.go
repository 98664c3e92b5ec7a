package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"calsync/internal/model"
)

// fakeStore returns its bookings unfiltered so the checker's own filtering
// is what gets tested.
type fakeStore struct {
	bookings []model.Booking
	err      error
}

func (f *fakeStore) BookingsOverlapping(_ context.Context, _ uuid.UUID, _, _ time.Time) ([]model.Booking, error) {
	return f.bookings, f.err
}

func d(day int) time.Time {
	return time.Date(2025, time.May, day, 0, 0, 0, 0, time.UTC)
}

func TestOverlaps(t *testing.T) {
	cases := []struct {
		name                 string
		aIn, aOut, bIn, bOut int
		want                 bool
	}{
		{"same-day turnover", 1, 4, 4, 6, false},
		{"turnover other way", 4, 6, 1, 4, false},
		{"one night shared", 1, 5, 4, 6, true},
		{"contained", 1, 10, 3, 4, true},
		{"disjoint", 1, 2, 5, 6, false},
		{"identical", 3, 5, 3, 5, true},
	}
	for _, tc := range cases {
		if got := Overlaps(d(tc.aIn), d(tc.aOut), d(tc.bIn), d(tc.bOut)); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConflicts(t *testing.T) {
	self := uuid.New()
	existing := []model.Booking{
		{ID: uuid.New(), GuestName: "turnover", CheckIn: d(1), CheckOut: d(4)},
		{ID: uuid.New(), GuestName: "cancelled", CheckIn: d(4), CheckOut: d(6), IsCancelled: true},
		{ID: self, GuestName: "self", CheckIn: d(4), CheckOut: d(7)},
		{ID: uuid.New(), GuestName: "clash", CheckIn: d(6), CheckOut: d(9)},
	}
	c := New(&fakeStore{bookings: existing})

	got, err := c.Conflicts(context.Background(), uuid.New(), d(4), d(7), &self)
	if err != nil {
		t.Fatalf("Conflicts: %v", err)
	}
	if len(got) != 1 || got[0].GuestName != "clash" {
		t.Errorf("conflicts = %+v", got)
	}

	ok, err := c.IsAvailable(context.Background(), uuid.New(), d(9), d(12), nil)
	if err != nil || !ok {
		t.Errorf("range after every stay should be free: ok=%v err=%v", ok, err)
	}
}

func TestConflictsRejectsEmptyRange(t *testing.T) {
	c := New(&fakeStore{})
	if _, err := c.Conflicts(context.Background(), uuid.New(), d(5), d(5), nil); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("err = %v", err)
	}
}

func TestConflictsPropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	c := New(&fakeStore{err: boom})
	if _, err := c.IsAvailable(context.Background(), uuid.New(), d(1), d(2), nil); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}
