// Package fields holds tolerant parsers for the loosely formatted values that
// arrive from booking platforms: dates typed by hand into CSV exports, guest
// names buried in event summaries and prices with currency prefixes.
//
// Nothing in here returns an error. A failed parse reports ok=false (or an
// empty string) and the caller keeps whatever value it already had.
package fields

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// dateLayouts are tried in order. Day-first wins over month-first for
// ambiguous numeric dates.
var dateLayouts = []string{
	"Jan 02, 2006",
	"January 02, 2006",
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
}

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

var monthDayYear = regexp.MustCompile(`^([A-Za-z]+)\s+(\d{1,2}),\s+(\d{4})`)

// ParseDate parses a date in one of the formats platforms export. The result
// is a calendar date at UTC midnight.
func ParseDate(text string) (time.Time, bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), true
		}
	}

	// "Jan 3, 2025" and friends: no leading zero on the day.
	m := monthDayYear.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	month, ok := monthNames[strings.ToLower(m[1])]
	if !ok {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes Feb 30 into March; reject instead.
	if t.Day() != day || t.Month() != month {
		return time.Time{}, false
	}
	return t, true
}

const namePart = `([A-Za-z]+(?: [A-Za-z]+)*)`

var guestNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`Booking for\s+` + namePart),
	regexp.MustCompile(`Guest:\s+` + namePart),
	regexp.MustCompile(`Reserved by\s+` + namePart),
	regexp.MustCompile(`Reservation for\s+` + namePart),
	regexp.MustCompile(namePart + `'s reservation`),
}

// Summaries containing one of these are platform boilerplate, not names.
var nonNameKeywords = []string{"booking", "reservation", "reserved", "blocked", "unavailable", "not available"}

const maxSummaryNameLen = 50

// ExtractGuestName finds a guest name in an event summary or description.
// It returns "" when nothing usable is found.
func ExtractGuestName(summary, description string) string {
	for _, re := range guestNamePatterns {
		if m := re.FindStringSubmatch(summary); m != nil {
			return strings.TrimSpace(m[1])
		}
		if m := re.FindStringSubmatch(description); m != nil {
			return strings.TrimSpace(m[1])
		}
	}

	s := strings.TrimSpace(summary)
	if s == "" || utf8.RuneCountInString(s) >= maxSummaryNameLen {
		return ""
	}
	lower := strings.ToLower(s)
	for _, kw := range nonNameKeywords {
		if strings.Contains(lower, kw) {
			return ""
		}
	}
	return s
}

// ParsePrice reads an amount such as "RM 1,234.50" or "$80". Currency
// symbols, codes and thousands separators are dropped.
func ParsePrice(text string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Day truncates t to its calendar date, expressed at UTC midnight. The
// wall-clock date in t's own location is kept.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NightsBetween counts nights from check-in to check-out.
func NightsBetween(checkIn, checkOut time.Time) int {
	return int(Day(checkOut).Sub(Day(checkIn)).Hours() / 24)
}
