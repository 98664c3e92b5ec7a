package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"calsync/internal/model"
)

// Gorm is the relational Repository.
type Gorm struct {
	db *gorm.DB
}

// NewGorm wraps an open gorm handle.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// OpenPostgres connects to PostgreSQL and migrates the schema.
func OpenPostgres(dsn string) (*Gorm, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	g := NewGorm(db)
	if err := g.Migrate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Migrate creates or updates the tables.
func (g *Gorm) Migrate() error {
	if err := g.db.AutoMigrate(
		&model.Unit{},
		&model.Booking{},
		&model.CalendarSource{},
		&model.BookingCalendarSource{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (g *Gorm) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Gorm{db: tx})
	})
}

func (g *Gorm) Unit(ctx context.Context, id uuid.UUID) (*model.Unit, error) {
	var u model.Unit
	if err := g.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (g *Gorm) Source(ctx context.Context, id uuid.UUID) (*model.CalendarSource, error) {
	var s model.CalendarSource
	if err := g.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// FindSource locks the matching row for the rest of the transaction, so two
// syncs of the same source serialize on it.
func (g *Gorm) FindSource(ctx context.Context, unitID uuid.UUID, platform, identifier string) (*model.CalendarSource, error) {
	var s model.CalendarSource
	err := g.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("unit_id = ? AND platform = ? AND identifier = ?", unitID, platform, identifier).
		Order("created_at").
		First(&s).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (g *Gorm) FindSourceByURL(ctx context.Context, unitID uuid.UUID, url string) (*model.CalendarSource, error) {
	var s model.CalendarSource
	err := g.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("unit_id = ? AND url = ?", unitID, url).
		Order("created_at").
		First(&s).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (g *Gorm) ListSources(ctx context.Context, unitID uuid.UUID) ([]model.CalendarSource, error) {
	var out []model.CalendarSource
	err := g.db.WithContext(ctx).
		Where("unit_id = ?", unitID).
		Order("created_at").
		Find(&out).Error
	return out, err
}

func (g *Gorm) ListRefreshable(ctx context.Context) ([]model.CalendarSource, error) {
	var out []model.CalendarSource
	err := g.db.WithContext(ctx).
		Where("is_active = ? AND url <> ''", true).
		Order("created_at").
		Find(&out).Error
	return out, err
}

func (g *Gorm) CountSources(ctx context.Context, unitID uuid.UUID, platform string, activeOnly bool) (int64, error) {
	var n int64
	q := g.db.WithContext(ctx).Model(&model.CalendarSource{}).
		Where("unit_id = ? AND platform = ?", unitID, platform)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	err := q.Count(&n).Error
	return n, err
}

func (g *Gorm) SaveSource(ctx context.Context, s *model.CalendarSource) error {
	db := g.db.WithContext(ctx)
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
		return db.Create(s).Error
	}
	return db.Save(s).Error
}

func (g *Gorm) DeleteSource(ctx context.Context, id uuid.UUID) error {
	db := g.db.WithContext(ctx)
	if err := db.Where("calendar_source_id = ?", id).Delete(&model.BookingCalendarSource{}).Error; err != nil {
		return err
	}
	res := db.Delete(&model.CalendarSource{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) Booking(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	var b model.Booking
	if err := g.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (g *Gorm) BookingsForSource(ctx context.Context, sourceID uuid.UUID) ([]model.Booking, error) {
	var out []model.Booking
	err := g.db.WithContext(ctx).
		Joins("JOIN booking_calendar_sources m ON m.booking_id = bookings.id").
		Where("m.calendar_source_id = ?", sourceID).
		Order("bookings.check_in, bookings.created_at").
		Find(&out).Error
	return out, err
}

func (g *Gorm) UnlinkedBookings(ctx context.Context, unitID uuid.UUID, platform string, since time.Time) ([]model.Booking, error) {
	var out []model.Booking
	err := g.db.WithContext(ctx).
		Where("unit_id = ? AND LOWER(booking_source) = LOWER(?)", unitID, platform).
		Where("confirmation_code <> '' AND created_at >= ?", since).
		Where("NOT EXISTS (SELECT 1 FROM booking_calendar_sources m WHERE m.booking_id = bookings.id)").
		Order("check_in, created_at").
		Find(&out).Error
	return out, err
}

func (g *Gorm) FindBookingByCode(ctx context.Context, unitID uuid.UUID, code string) (*model.Booking, error) {
	var b model.Booking
	err := g.db.WithContext(ctx).
		Where("unit_id = ? AND confirmation_code = ?", unitID, code).
		Order("is_cancelled, created_at").
		First(&b).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (g *Gorm) FindCompanyBookingByCode(ctx context.Context, companyID uuid.UUID, code string) (*model.Booking, error) {
	var b model.Booking
	err := g.db.WithContext(ctx).
		Where("company_id = ? AND confirmation_code = ?", companyID, code).
		Order("is_cancelled, created_at").
		First(&b).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (g *Gorm) BookingsOverlapping(ctx context.Context, unitID uuid.UUID, from, to time.Time) ([]model.Booking, error) {
	var out []model.Booking
	err := g.db.WithContext(ctx).
		Where("unit_id = ? AND is_cancelled = ?", unitID, false).
		Where("check_in < ? AND check_out > ?", to, from).
		Order("check_in").
		Find(&out).Error
	return out, err
}

// SaveBooking relies on the model's BeforeSave hook for validation.
func (g *Gorm) SaveBooking(ctx context.Context, b *model.Booking) error {
	db := g.db.WithContext(ctx)
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
		if err := db.Create(b).Error; err != nil {
			b.ID = uuid.Nil
			return err
		}
		return nil
	}
	return db.Save(b).Error
}

func (g *Gorm) LinkBooking(ctx context.Context, bookingID, sourceID uuid.UUID) (bool, error) {
	link := model.BookingCalendarSource{
		ID:               uuid.New(),
		BookingID:        bookingID,
		CalendarSourceID: sourceID,
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&link)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
