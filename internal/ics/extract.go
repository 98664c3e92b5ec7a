package ics

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"calsync/internal/fields"
	appLog "calsync/internal/log"
)

// Event is a reservation read from a feed, keyed by its confirmation code.
// Dates are calendar dates at UTC midnight; CheckOut is exclusive.
type Event struct {
	UID              string
	ConfirmationCode string
	GuestName        string // "" when the feed carries no usable name
	CheckIn          time.Time
	CheckOut         time.Time
	Summary          string
	Description      string
}

// Nights is the length of the stay.
func (e Event) Nights() int {
	return fields.NightsBetween(e.CheckIn, e.CheckOut)
}

// EventResult is the outcome of reading one VEVENT. Exactly one of Event,
// Blocked or Err is set.
type EventResult struct {
	Event   *Event
	Blocked bool
	Err     *EventFieldError
}

// Feed is the usable content of one feed.
type Feed struct {
	Platform string
	Events   map[string]Event

	// Skipped lists events that could not be turned into a reservation,
	// most often because they carry no confirmation code.
	Skipped []*EventFieldError

	// Blocked counts owner blocks and "not available" placeholders.
	Blocked int
}

// Codes returns the feed's confirmation codes in sorted order.
func (f Feed) Codes() []string {
	codes := make([]string, 0, len(f.Events))
	for code := range f.Events {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (f *Feed) add(r EventResult) {
	switch {
	case r.Err != nil:
		f.Skipped = append(f.Skipped, r.Err)
	case r.Blocked:
		f.Blocked++
	case r.Event != nil:
		f.Events[r.Event.ConfirmationCode] = *r.Event
	}
}

// FeedParseError means the payload is not a calendar at all. It is never
// reported as an empty calendar, so a broken feed cannot cancel bookings.
type FeedParseError struct {
	Platform string
	Err      error
}

func (e *FeedParseError) Error() string {
	return fmt.Sprintf("parse %s calendar: %v", e.Platform, e.Err)
}

func (e *FeedParseError) Unwrap() error { return e.Err }

// EventFieldError describes a single VEVENT that was dropped.
type EventFieldError struct {
	UID    string
	Field  string
	Reason string
}

func (e *EventFieldError) Error() string {
	return fmt.Sprintf("event %q: %s: %s", e.UID, e.Field, e.Reason)
}

var (
	airbnbCode  = regexp.MustCompile(`reservations/details/([A-Z0-9]+)`)
	bookingCode = regexp.MustCompile(`Booking ID:\s*(\d+)`)
)

var blockedMarkers = []string{"blocked", "unavailable", "not available"}

// Extract reads an ICS payload into a Feed.
//
// Events that fail to parse are collected in Feed.Skipped and do not stop
// the rest of the feed. A payload that is not a complete VCALENDAR yields a
// *FeedParseError and no events.
func Extract(raw []byte, platform string) (Feed, error) {
	feed := Feed{Platform: platform, Events: make(map[string]Event)}

	if !bytes.Contains(raw, []byte("BEGIN:VCALENDAR")) || !bytes.Contains(raw, []byte("END:VCALENDAR")) {
		return Feed{Platform: platform}, &FeedParseError{Platform: platform, Err: errors.New("missing VCALENDAR container")}
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(raw))
	if err != nil {
		appLog.Error("ics parse failed", err, "platform", platform)
		return Feed{Platform: platform}, &FeedParseError{Platform: platform, Err: err}
	}

	for _, ve := range cal.Events() {
		feed.add(ExtractEvent(ve, platform))
	}

	appLog.Info("ics parse completed", "platform", platform,
		"events", len(feed.Events), "blocked", feed.Blocked, "skipped", len(feed.Skipped))
	for _, s := range feed.Skipped {
		appLog.Debug("ics vevent skipped", "platform", platform, "uid", s.UID, "field", s.Field, "reason", s.Reason)
	}
	return feed, nil
}

// ExtractEvent reads a single VEVENT.
func ExtractEvent(ve *ical.VEvent, platform string) EventResult {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	summary := propValue(ve, ical.ComponentPropertySummary)
	description := propValue(ve, ical.ComponentPropertyDescription)

	lower := strings.ToLower(summary)
	for _, m := range blockedMarkers {
		if strings.Contains(lower, m) {
			return EventResult{Blocked: true}
		}
	}

	code := ConfirmationCode(platform, summary, description, propValue(ve, ical.ComponentPropertyUrl))
	if code == "" {
		return EventResult{Err: &EventFieldError{UID: uid, Field: "confirmation_code", Reason: "no confirmation code"}}
	}

	checkIn, err := eventDate(ve, ical.ComponentPropertyDtStart)
	if err != nil {
		return EventResult{Err: &EventFieldError{UID: uid, Field: "DTSTART", Reason: err.Error()}}
	}
	checkOut, err := eventDate(ve, ical.ComponentPropertyDtEnd)
	if err != nil {
		return EventResult{Err: &EventFieldError{UID: uid, Field: "DTEND", Reason: err.Error()}}
	}
	if !checkOut.After(checkIn) {
		return EventResult{Err: &EventFieldError{UID: uid, Field: "DTEND", Reason: "end is not after start"}}
	}

	return EventResult{Event: &Event{
		UID:              uid,
		ConfirmationCode: code,
		GuestName:        fields.ExtractGuestName(summary, description),
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		Summary:          summary,
		Description:      description,
	}}
}

// ConfirmationCode finds the platform's reservation code in the given texts.
// Platforms without a known code format yield "".
func ConfirmationCode(platform string, texts ...string) string {
	var re *regexp.Regexp
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "airbnb":
		re = airbnbCode
	case "booking.com":
		re = bookingCode
	default:
		return ""
	}
	for _, t := range texts {
		if m := re.FindStringSubmatch(t); m != nil {
			return m[1]
		}
	}
	return ""
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	p := ve.GetProperty(prop)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

// eventDate reads DTSTART or DTEND as a calendar date. Date-only values are
// read as all-day; date-times keep the date in their own zone.
func eventDate(ve *ical.VEvent, prop ical.ComponentProperty) (time.Time, error) {
	p := ve.GetProperty(prop)
	if p == nil || strings.TrimSpace(p.Value) == "" {
		return time.Time{}, errors.New("missing")
	}

	var (
		t   time.Time
		err error
	)
	allDay := !strings.Contains(p.Value, "T")
	switch {
	case prop == ical.ComponentPropertyDtStart && allDay:
		t, err = ve.GetAllDayStartAt()
	case prop == ical.ComponentPropertyDtStart:
		t, err = ve.GetStartAt()
	case allDay:
		t, err = ve.GetAllDayEndAt()
	default:
		t, err = ve.GetEndAt()
	}
	if err != nil {
		return time.Time{}, err
	}
	return fields.Day(t), nil
}
