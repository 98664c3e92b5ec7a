package model

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validBooking() Booking {
	return Booking{
		ID:        uuid.New(),
		UnitID:    uuid.New(),
		CompanyID: uuid.New(),
		GuestName: "Jane Doe",
		CheckIn:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		CheckOut:  time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC),
		Nights:    3,
		Guests:    2,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Booking)
		wantErr bool
	}{
		{"valid", func(*Booking) {}, false},
		{"checkout equals checkin", func(b *Booking) { b.CheckOut = b.CheckIn; b.Nights = 0 }, true},
		{"checkout before checkin", func(b *Booking) { b.CheckOut = b.CheckIn.AddDate(0, 0, -1); b.Nights = 1 }, true},
		{"nights mismatch", func(b *Booking) { b.Nights = 2 }, true},
		{"missing guest name", func(b *Booking) { b.GuestName = "" }, true},
		{"negative adults", func(b *Booking) { b.Adults = -1 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := validBooking()
			tc.mutate(&b)
			err := b.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidBooking) {
					t.Fatalf("want ErrInvalidBooking, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPlaceholderNames(t *testing.T) {
	if got := PlaceholderGuestName("Airbnb"); got != "Guest from Airbnb" {
		t.Errorf("placeholder = %q", got)
	}
	for _, name := range []string{"", "  ", "Guest from Airbnb", "Guest from Booking.com"} {
		if !IsPlaceholderName(name) {
			t.Errorf("%q should be a placeholder", name)
		}
	}
	if IsPlaceholderName("Guest Relations Team") {
		t.Errorf("real name treated as placeholder")
	}
}

func TestAppendNote(t *testing.T) {
	b := validBooking()
	b.AppendNote("first")
	b.AppendNote("second")
	if b.Notes != "first; second" {
		t.Errorf("notes = %q", b.Notes)
	}
}

func TestUnitPropertyName(t *testing.T) {
	if got := (&Unit{}).PropertyName(); got != DefaultPropertyName {
		t.Errorf("got %q", got)
	}
	if got := (&Unit{Building: "Vortex Suites"}).PropertyName(); got != "Vortex Suites" {
		t.Errorf("got %q", got)
	}
}
