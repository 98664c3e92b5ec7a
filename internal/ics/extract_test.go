package ics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// calendar joins VEVENT blocks into a CRLF-terminated VCALENDAR.
func calendar(events ...string) []byte {
	lines := []string{
		"BEGIN:VCALENDAR",
		"PRODID:-//Airbnb Inc//Hosting Calendar 0.8.8//EN",
		"VERSION:2.0",
		"CALSCALE:GREGORIAN",
	}
	for _, e := range events {
		lines = append(lines, strings.Split(strings.TrimSpace(e), "\n")...)
	}
	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func airbnbEvent(uid, code, start, end, summary string) string {
	return strings.Join([]string{
		"BEGIN:VEVENT",
		"DTSTART;VALUE=DATE:" + start,
		"DTEND;VALUE=DATE:" + end,
		"UID:" + uid,
		"SUMMARY:" + summary,
		"DESCRIPTION:Reservation URL: https://www.airbnb.com/hosting/reservations/details/" + code,
		"END:VEVENT",
	}, "\n")
}

func TestExtractAirbnb(t *testing.T) {
	raw := calendar(
		airbnbEvent("a1@airbnb.com", "HMABC123", "20250301", "20250304", "Reserved"),
		airbnbEvent("a2@airbnb.com", "HMXYZ789", "20250310", "20250312", "Booking for Jane Doe"),
	)

	feed, err := Extract(raw, "Airbnb")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := feed.Codes(); len(got) != 2 || got[0] != "HMABC123" || got[1] != "HMXYZ789" {
		t.Fatalf("codes = %v", got)
	}

	ev := feed.Events["HMABC123"]
	if !ev.CheckIn.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("check-in = %v", ev.CheckIn)
	}
	if !ev.CheckOut.Equal(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("check-out = %v", ev.CheckOut)
	}
	if ev.Nights() != 3 {
		t.Errorf("nights = %d", ev.Nights())
	}
	if ev.GuestName != "" {
		t.Errorf("\"Reserved\" must not become a guest name, got %q", ev.GuestName)
	}
	if feed.Events["HMXYZ789"].GuestName != "Jane Doe" {
		t.Errorf("guest = %q", feed.Events["HMXYZ789"].GuestName)
	}
}

func TestExtractSkipsBlockedEvents(t *testing.T) {
	raw := calendar(
		airbnbEvent("b1@airbnb.com", "HMBLOCK1", "20250301", "20250303", "Airbnb (Not available)"),
		airbnbEvent("b2@airbnb.com", "HMBLOCK2", "20250305", "20250306", "BLOCKED by owner"),
		airbnbEvent("b3@airbnb.com", "HMREAL01", "20250310", "20250311", "Reserved"),
	)

	feed, err := Extract(raw, "Airbnb")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if feed.Blocked != 2 {
		t.Errorf("blocked = %d, want 2", feed.Blocked)
	}
	if len(feed.Events) != 1 {
		t.Errorf("events = %v", feed.Codes())
	}
	if _, ok := feed.Events["HMBLOCK1"]; ok {
		t.Errorf("blocked event became a reservation")
	}
}

func TestExtractBookingCom(t *testing.T) {
	raw := calendar(strings.Join([]string{
		"BEGIN:VEVENT",
		"DTSTART;VALUE=DATE:20250401",
		"DTEND;VALUE=DATE:20250405",
		"UID:bk1@booking.com",
		"SUMMARY:CLOSED - Guest: Ahmad Faiz",
		"DESCRIPTION:Booking ID: 4455667788",
		"END:VEVENT",
	}, "\n"))

	feed, err := Extract(raw, "Booking.com")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	ev, ok := feed.Events["4455667788"]
	if !ok {
		t.Fatalf("codes = %v", feed.Codes())
	}
	if ev.GuestName != "Ahmad Faiz" {
		t.Errorf("guest = %q", ev.GuestName)
	}
}

func TestExtractCollectsFieldErrors(t *testing.T) {
	raw := calendar(
		// no confirmation code
		strings.Join([]string{
			"BEGIN:VEVENT",
			"DTSTART;VALUE=DATE:20250301",
			"DTEND;VALUE=DATE:20250302",
			"UID:nocode@airbnb.com",
			"SUMMARY:Reserved",
			"END:VEVENT",
		}, "\n"),
		// end before start
		airbnbEvent("back@airbnb.com", "HMBACK01", "20250305", "20250303", "Reserved"),
		// missing DTEND
		strings.Join([]string{
			"BEGIN:VEVENT",
			"DTSTART;VALUE=DATE:20250301",
			"UID:noend@airbnb.com",
			"DESCRIPTION:reservations/details/HMNOEND1",
			"END:VEVENT",
		}, "\n"),
		airbnbEvent("ok@airbnb.com", "HMGOOD01", "20250320", "20250322", "Reserved"),
	)

	feed, err := Extract(raw, "Airbnb")
	if err != nil {
		t.Fatalf("a bad event must not fail the feed: %v", err)
	}
	if len(feed.Events) != 1 {
		t.Errorf("events = %v", feed.Codes())
	}
	if len(feed.Skipped) != 3 {
		t.Fatalf("skipped = %d, want 3", len(feed.Skipped))
	}
	fieldsSeen := map[string]bool{}
	for _, s := range feed.Skipped {
		fieldsSeen[s.Field] = true
	}
	if !fieldsSeen["confirmation_code"] || !fieldsSeen["DTEND"] {
		t.Errorf("skipped fields = %v", fieldsSeen)
	}
}

func TestExtractUnknownPlatformHasNoCodes(t *testing.T) {
	raw := calendar(airbnbEvent("x@vrbo.com", "HMABC123", "20250301", "20250304", "Reserved"))
	feed, err := Extract(raw, "VRBO")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(feed.Events) != 0 || len(feed.Skipped) != 1 {
		t.Errorf("events=%d skipped=%d", len(feed.Events), len(feed.Skipped))
	}
}

func TestExtractEmptyCalendarIsNotAnError(t *testing.T) {
	feed, err := Extract(calendar(), "Airbnb")
	if err != nil {
		t.Fatalf("empty calendar: %v", err)
	}
	if len(feed.Events) != 0 {
		t.Errorf("events = %v", feed.Codes())
	}
}

func TestExtractParseFailure(t *testing.T) {
	for name, raw := range map[string][]byte{
		"html":      []byte("<html><body>Service Unavailable</body></html>"),
		"empty":     nil,
		"truncated": []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:x\r\n"),
	} {
		t.Run(name, func(t *testing.T) {
			feed, err := Extract(raw, "Airbnb")
			var pe *FeedParseError
			if !errors.As(err, &pe) {
				t.Fatalf("want *FeedParseError, got %v", err)
			}
			if len(feed.Events) != 0 {
				t.Errorf("parse failure must yield no events")
			}
		})
	}
}

func TestConfirmationCode(t *testing.T) {
	if got := ConfirmationCode("airbnb", "", "see reservations/details/HM12AB"); got != "HM12AB" {
		t.Errorf("got %q", got)
	}
	if got := ConfirmationCode("Booking.com", "Booking ID:998877"); got != "998877" {
		t.Errorf("got %q", got)
	}
	for _, platform := range []string{"Agoda", "Direct booking", "Airbnb Plus"} {
		if got := ConfirmationCode(platform, "Booking ID: 1", "reservations/details/HM12AB"); got != "" {
			t.Errorf("%s: unknown platform produced %q", platform, got)
		}
	}
	if got := ConfirmationCode(" BOOKING.COM ", "Booking ID: 42"); got != "42" {
		t.Errorf("case-insensitive match failed: %q", got)
	}
}
