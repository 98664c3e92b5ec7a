// Package csvimport applies a platform's reservation export to bookings
// that already exist. It fills in what feeds do not carry: prices, guest
// counts, contact numbers and booking dates. Unknown confirmation codes are
// skipped; this import never creates bookings.
package csvimport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"calsync/internal/fields"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/store"
)

// Text accepts a JSON string or number. Exports are converted client side
// and prices arrive either way.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = Text(n.String())
	return nil
}

// Record is one row of the export.
type Record struct {
	ConfirmationCode string `json:"confirmation_code" validate:"required"`
	CheckIn          string `json:"check_in_date"`
	CheckOut         string `json:"check_out_date"`
	GuestName        string `json:"guest_name"`
	ContactNumber    string `json:"contact_number"`
	Price            Text   `json:"price"`
	PaymentStatus    string `json:"payment_status"`
	Adults           int    `json:"adults" validate:"min=0"`
	Children         int    `json:"children" validate:"min=0"`
	Infants          int    `json:"infants" validate:"min=0"`
	BookingDate      string `json:"booking_date"`
}

// Result counts what happened to each record.
type Result struct {
	Updated     int
	Unchanged   int
	NotFound    int
	Errors      int
	AffectedIDs []uuid.UUID
}

// ErrNoRecords is returned for an empty import.
var ErrNoRecords = errors.New("no booking data provided")

type Importer struct {
	repo store.Repository
}

func New(repo store.Repository) *Importer {
	return &Importer{repo: repo}
}

// Apply updates the company's bookings from records in one transaction.
// Invalid records are counted and skipped; a store failure rolls back the
// whole import.
func (im *Importer) Apply(ctx context.Context, companyID uuid.UUID, records []Record) (Result, error) {
	if len(records) == 0 {
		return Result{}, ErrNoRecords
	}

	var res Result
	err := im.repo.Transaction(ctx, func(tx store.Repository) error {
		res = Result{}
		for i := range records {
			rec := &records[i]
			rec.ConfirmationCode = strings.TrimSpace(rec.ConfirmationCode)
			if err := model.Validator().Struct(rec); err != nil {
				appLog.Warn("csv import: invalid record", "row", i, "err", err)
				res.Errors++
				continue
			}

			b, err := tx.FindCompanyBookingByCode(ctx, companyID, rec.ConfirmationCode)
			if errors.Is(err, store.ErrNotFound) {
				res.NotFound++
				continue
			}
			if err != nil {
				return fmt.Errorf("find booking %s: %w", rec.ConfirmationCode, err)
			}

			if !applyRecord(b, rec) {
				res.Unchanged++
				continue
			}
			if err := tx.SaveBooking(ctx, b); err != nil {
				if errors.Is(err, model.ErrInvalidBooking) {
					appLog.Warn("csv import: record breaks booking rules", "code", rec.ConfirmationCode, "err", err)
					res.Errors++
					continue
				}
				return fmt.Errorf("save booking %s: %w", rec.ConfirmationCode, err)
			}
			res.Updated++
			res.AffectedIDs = append(res.AffectedIDs, b.ID)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	appLog.Info("csv import completed", "company", companyID, "records", len(records),
		"updated", res.Updated, "unchanged", res.Unchanged, "not_found", res.NotFound, "errors", res.Errors)
	return res, nil
}

// csvDate reads the two layouts exports use. Unlike fields.ParseDate,
// slashed dates are month first here.
func csvDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "01/02/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// applyRecord copies the record's non-empty values onto b and reports
// whether anything changed. Notes are never touched.
func applyRecord(b *model.Booking, rec *Record) bool {
	changed := false

	if rec.BookingDate != "" {
		if d, ok := fields.ParseDate(rec.BookingDate); ok && (b.BookingDate == nil || !b.BookingDate.Equal(d)) {
			b.BookingDate = &d
			changed = true
		}
	}

	if name := strings.TrimSpace(rec.GuestName); name != "" && name != b.GuestName {
		b.GuestName = name
		changed = true
	}
	if phone := strings.TrimSpace(rec.ContactNumber); phone != "" && phone != b.ContactNumber {
		b.ContactNumber = phone
		changed = true
	}

	in, okIn := csvDate(rec.CheckIn)
	out, okOut := csvDate(rec.CheckOut)
	if okIn && okOut && in.Before(out) && (!in.Equal(b.CheckIn) || !out.Equal(b.CheckOut)) {
		b.CheckIn, b.CheckOut = in, out
		b.Nights = fields.NightsBetween(in, out)
		changed = true
	}

	if rec.Price != "" {
		if p, ok := fields.ParsePrice(string(rec.Price)); ok && p.IsPositive() && !p.Round(2).Equal(b.Price.Round(2)) {
			b.Price = p.Round(2)
			changed = true
		}
	}

	if status := strings.TrimSpace(rec.PaymentStatus); status != "" && status != b.PaymentStatus {
		b.PaymentStatus = status
		changed = true
	}

	if rec.Adults > 0 && rec.Adults != b.Adults {
		b.Adults = rec.Adults
		changed = true
	}
	if rec.Children > 0 && rec.Children != b.Children {
		b.Children = rec.Children
		changed = true
	}
	if rec.Infants > 0 && rec.Infants != b.Infants {
		b.Infants = rec.Infants
		changed = true
	}
	if total := b.Adults + b.Children + b.Infants; total != b.Guests {
		b.Guests = total
		changed = true
	}

	if b.NeedsCompletion && b.Price.GreaterThan(decimal.Zero) && b.Guests > 0 {
		b.NeedsCompletion = false
		changed = true
	}
	return changed
}
