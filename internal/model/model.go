package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentPaid is the payment status given to bookings created from a feed.
// Platforms collect payment themselves.
const PaymentPaid = "Paid"

// DefaultImportGuests is the guest count used when a feed carries none.
const DefaultImportGuests = 2

// DefaultPropertyName is used when the unit has no building name.
const DefaultPropertyName = "Property"

const placeholderPrefix = "Guest from "

// PlaceholderGuestName is the name given to imported bookings whose feed
// entry carried no recognizable guest name.
func PlaceholderGuestName(platform string) string {
	return placeholderPrefix + platform
}

// IsPlaceholderName reports whether name is empty or an import placeholder,
// i.e. whether a sync may overwrite it.
func IsPlaceholderName(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || strings.HasPrefix(name, placeholderPrefix)
}

// Unit is a rentable property. Units are owned by a company and managed
// elsewhere; the sync core only reads them.
type Unit struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CompanyID  uuid.UUID `gorm:"type:uuid;index" json:"company_id"`
	UnitNumber string    `json:"unit_number"`
	Building   string    `json:"building"`
}

// PropertyName is what imported bookings show as their property.
func (u *Unit) PropertyName() string {
	if b := strings.TrimSpace(u.Building); b != "" {
		return b
	}
	return DefaultPropertyName
}

// Booking is a reservation of a unit for a half-open date range
// [CheckIn, CheckOut). Dates are calendar dates stored at UTC midnight.
type Booking struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UnitID    uuid.UUID  `gorm:"type:uuid;index;not null" json:"unit_id"`
	CompanyID uuid.UUID  `gorm:"type:uuid;index;not null" json:"company_id"`
	CreatedBy *uuid.UUID `gorm:"type:uuid" json:"created_by,omitempty"`

	GuestName     string `validate:"required" json:"guest_name"`
	ContactNumber string `json:"contact_number"`
	PropertyName  string `json:"property_name"`

	CheckIn  time.Time `gorm:"type:date;index;not null" validate:"required" json:"check_in_date"`
	CheckOut time.Time `gorm:"type:date;index;not null" validate:"required,gtfield=CheckIn" json:"check_out_date"`
	Nights   int       `validate:"min=1" json:"nights"`

	Adults   int `validate:"min=0" json:"adults"`
	Children int `validate:"min=0" json:"children"`
	Infants  int `validate:"min=0" json:"infants"`
	Guests   int `validate:"min=0" json:"number_of_guests"`

	Price         decimal.Decimal `gorm:"type:numeric(10,2)" json:"price"`
	BookingSource string          `json:"booking_source"`
	PaymentStatus string          `json:"payment_status"`
	Notes         string          `json:"notes"`

	// ConfirmationCode is the platform's reservation code; "" means none.
	ConfirmationCode string     `gorm:"index" json:"confirmation_code"`
	BookingDate      *time.Time `gorm:"type:date" json:"booking_date,omitempty"`

	IsCancelled bool `json:"is_cancelled"`
	// NeedsCompletion marks bookings created with import defaults (guest
	// count, price) that staff should fill in.
	NeedsCompletion bool `json:"needs_completion"`

	ImportSource string     `json:"import_source"`
	ImportedAt   *time.Time `json:"imported_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrInvalidBooking is wrapped by every Validate failure.
var ErrInvalidBooking = errors.New("invalid booking")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the booking's field rules and the date-range invariant:
// CheckOut after CheckIn and Nights equal to the number of days between them.
func (b *Booking) Validate() error {
	if err := Validator().Struct(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBooking, err)
	}
	if n := b.NightsSpan(); b.Nights != n {
		return fmt.Errorf("%w: nights=%d but stay spans %d", ErrInvalidBooking, b.Nights, n)
	}
	return nil
}

// NightsSpan is the number of nights between CheckIn and CheckOut.
func (b *Booking) NightsSpan() int {
	in := time.Date(b.CheckIn.Year(), b.CheckIn.Month(), b.CheckIn.Day(), 0, 0, 0, 0, time.UTC)
	out := time.Date(b.CheckOut.Year(), b.CheckOut.Month(), b.CheckOut.Day(), 0, 0, 0, 0, time.UTC)
	return int(out.Sub(in).Hours() / 24)
}

// AppendNote adds line to the booking's notes, keeping what is already there.
func (b *Booking) AppendNote(line string) {
	if strings.TrimSpace(b.Notes) == "" {
		b.Notes = line
		return
	}
	b.Notes = b.Notes + "; " + line
}

// BeforeSave rejects rows that break the booking invariant.
func (b *Booking) BeforeSave(*gorm.DB) error {
	return b.Validate()
}

// CalendarSource is one external feed attached to a unit, e.g. the unit's
// Airbnb calendar. Identifier distinguishes several feeds of the same
// platform on one unit.
type CalendarSource struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UnitID     uuid.UUID  `gorm:"type:uuid;index;not null" json:"unit_id"`
	Platform   string     `gorm:"not null" json:"platform"`
	Identifier string     `json:"identifier"`
	URL        string     `json:"ics_url,omitempty"`
	LastSynced *time.Time `json:"last_synced,omitempty"`
	IsActive   bool       `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Refreshable reports whether the scheduler should pull this source.
func (s *CalendarSource) Refreshable() bool {
	return s.IsActive && strings.TrimSpace(s.URL) != ""
}

// BookingCalendarSource records that a booking came from (or was claimed by)
// a calendar source. Rows are created, never updated.
type BookingCalendarSource struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	BookingID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_booking_source" json:"booking_id"`
	CalendarSourceID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_booking_source;index" json:"calendar_source_id"`
	CreatedAt        time.Time `json:"created_at"`
}
