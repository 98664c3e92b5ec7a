package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/model"
)

// Memory is an in-process Repository. Transactions work on a copy of the
// data that replaces the live copy only when fn succeeds.
type Memory struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	units    map[uuid.UUID]model.Unit
	bookings map[uuid.UUID]model.Booking
	sources  map[uuid.UUID]model.CalendarSource
	links    map[uuid.UUID]model.BookingCalendarSource

	// bookingWrites counts committed SaveBooking calls.
	bookingWrites int
}

func newMemData() *memData {
	return &memData{
		units:    make(map[uuid.UUID]model.Unit),
		bookings: make(map[uuid.UUID]model.Booking),
		sources:  make(map[uuid.UUID]model.CalendarSource),
		links:    make(map[uuid.UUID]model.BookingCalendarSource),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.units {
		c.units[k] = v
	}
	for k, v := range d.bookings {
		c.bookings[k] = v
	}
	for k, v := range d.sources {
		c.sources[k] = v
	}
	for k, v := range d.links {
		c.links[k] = v
	}
	c.bookingWrites = d.bookingWrites
	return c
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

// AddUnit registers a unit. Units are owned elsewhere, so this is the only
// way to create one.
func (m *Memory) AddUnit(u model.Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	m.data.units[u.ID] = u
}

// Bookings returns every booking of the unit, cancelled ones included.
func (m *Memory) Bookings(unitID uuid.UUID) []model.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Booking
	for _, b := range m.data.bookings {
		if b.UnitID == unitID {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out
}

// Links returns every mapping row.
func (m *Memory) Links() []model.BookingCalendarSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.BookingCalendarSource, 0, len(m.data.links))
	for _, l := range m.data.links {
		out = append(out, l)
	}
	return out
}

// BookingWrites is the number of committed booking inserts and updates.
func (m *Memory) BookingWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.bookingWrites
}

func (m *Memory) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.data.clone()
	if err := fn(&memTx{d: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

// view runs fn against the live data under the store lock.
func (m *Memory) view(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{d: m.data})
}

func (m *Memory) Unit(ctx context.Context, id uuid.UUID) (u *model.Unit, err error) {
	err = m.view(func(tx *memTx) error { u, err = tx.Unit(ctx, id); return err })
	return u, err
}

func (m *Memory) Source(ctx context.Context, id uuid.UUID) (s *model.CalendarSource, err error) {
	err = m.view(func(tx *memTx) error { s, err = tx.Source(ctx, id); return err })
	return s, err
}

func (m *Memory) FindSource(ctx context.Context, unitID uuid.UUID, platform, identifier string) (s *model.CalendarSource, err error) {
	err = m.view(func(tx *memTx) error { s, err = tx.FindSource(ctx, unitID, platform, identifier); return err })
	return s, err
}

func (m *Memory) FindSourceByURL(ctx context.Context, unitID uuid.UUID, url string) (s *model.CalendarSource, err error) {
	err = m.view(func(tx *memTx) error { s, err = tx.FindSourceByURL(ctx, unitID, url); return err })
	return s, err
}

func (m *Memory) ListSources(ctx context.Context, unitID uuid.UUID) (out []model.CalendarSource, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.ListSources(ctx, unitID); return err })
	return out, err
}

func (m *Memory) ListRefreshable(ctx context.Context) (out []model.CalendarSource, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.ListRefreshable(ctx); return err })
	return out, err
}

func (m *Memory) CountSources(ctx context.Context, unitID uuid.UUID, platform string, activeOnly bool) (n int64, err error) {
	err = m.view(func(tx *memTx) error { n, err = tx.CountSources(ctx, unitID, platform, activeOnly); return err })
	return n, err
}

func (m *Memory) SaveSource(ctx context.Context, s *model.CalendarSource) error {
	return m.view(func(tx *memTx) error { return tx.SaveSource(ctx, s) })
}

func (m *Memory) DeleteSource(ctx context.Context, id uuid.UUID) error {
	return m.view(func(tx *memTx) error { return tx.DeleteSource(ctx, id) })
}

func (m *Memory) Booking(ctx context.Context, id uuid.UUID) (b *model.Booking, err error) {
	err = m.view(func(tx *memTx) error { b, err = tx.Booking(ctx, id); return err })
	return b, err
}

func (m *Memory) BookingsForSource(ctx context.Context, sourceID uuid.UUID) (out []model.Booking, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.BookingsForSource(ctx, sourceID); return err })
	return out, err
}

func (m *Memory) UnlinkedBookings(ctx context.Context, unitID uuid.UUID, platform string, since time.Time) (out []model.Booking, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.UnlinkedBookings(ctx, unitID, platform, since); return err })
	return out, err
}

func (m *Memory) FindBookingByCode(ctx context.Context, unitID uuid.UUID, code string) (b *model.Booking, err error) {
	err = m.view(func(tx *memTx) error { b, err = tx.FindBookingByCode(ctx, unitID, code); return err })
	return b, err
}

func (m *Memory) FindCompanyBookingByCode(ctx context.Context, companyID uuid.UUID, code string) (b *model.Booking, err error) {
	err = m.view(func(tx *memTx) error { b, err = tx.FindCompanyBookingByCode(ctx, companyID, code); return err })
	return b, err
}

func (m *Memory) BookingsOverlapping(ctx context.Context, unitID uuid.UUID, from, to time.Time) (out []model.Booking, err error) {
	err = m.view(func(tx *memTx) error { out, err = tx.BookingsOverlapping(ctx, unitID, from, to); return err })
	return out, err
}

func (m *Memory) SaveBooking(ctx context.Context, b *model.Booking) error {
	return m.view(func(tx *memTx) error { return tx.SaveBooking(ctx, b) })
}

func (m *Memory) LinkBooking(ctx context.Context, bookingID, sourceID uuid.UUID) (created bool, err error) {
	err = m.view(func(tx *memTx) error { created, err = tx.LinkBooking(ctx, bookingID, sourceID); return err })
	return created, err
}

// memTx operates on one memData without locking; the owning Memory holds
// the lock for as long as a memTx is in use.
type memTx struct {
	d *memData
}

func (t *memTx) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return fn(t)
}

func (t *memTx) Unit(_ context.Context, id uuid.UUID) (*model.Unit, error) {
	u, ok := t.d.units[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (t *memTx) Source(_ context.Context, id uuid.UUID) (*model.CalendarSource, error) {
	s, ok := t.d.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (t *memTx) firstSource(match func(model.CalendarSource) bool) (*model.CalendarSource, error) {
	var found []model.CalendarSource
	for _, s := range t.d.sources {
		if match(s) {
			found = append(found, s)
		}
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	sortSources(found)
	return &found[0], nil
}

func (t *memTx) FindSource(_ context.Context, unitID uuid.UUID, platform, identifier string) (*model.CalendarSource, error) {
	return t.firstSource(func(s model.CalendarSource) bool {
		return s.UnitID == unitID && s.Platform == platform && s.Identifier == identifier
	})
}

func (t *memTx) FindSourceByURL(_ context.Context, unitID uuid.UUID, url string) (*model.CalendarSource, error) {
	return t.firstSource(func(s model.CalendarSource) bool {
		return s.UnitID == unitID && s.URL == url
	})
}

func (t *memTx) ListSources(_ context.Context, unitID uuid.UUID) ([]model.CalendarSource, error) {
	var out []model.CalendarSource
	for _, s := range t.d.sources {
		if s.UnitID == unitID {
			out = append(out, s)
		}
	}
	sortSources(out)
	return out, nil
}

func (t *memTx) ListRefreshable(_ context.Context) ([]model.CalendarSource, error) {
	var out []model.CalendarSource
	for _, s := range t.d.sources {
		if s.IsActive && s.URL != "" {
			out = append(out, s)
		}
	}
	sortSources(out)
	return out, nil
}

func (t *memTx) CountSources(_ context.Context, unitID uuid.UUID, platform string, activeOnly bool) (int64, error) {
	var n int64
	for _, s := range t.d.sources {
		if s.UnitID == unitID && s.Platform == platform && (!activeOnly || s.IsActive) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) SaveSource(_ context.Context, s *model.CalendarSource) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	t.d.sources[s.ID] = *s
	return nil
}

func (t *memTx) DeleteSource(_ context.Context, id uuid.UUID) error {
	if _, ok := t.d.sources[id]; !ok {
		return ErrNotFound
	}
	for lid, l := range t.d.links {
		if l.CalendarSourceID == id {
			delete(t.d.links, lid)
		}
	}
	delete(t.d.sources, id)
	return nil
}

func (t *memTx) Booking(_ context.Context, id uuid.UUID) (*model.Booking, error) {
	b, ok := t.d.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (t *memTx) linked(bookingID uuid.UUID) bool {
	for _, l := range t.d.links {
		if l.BookingID == bookingID {
			return true
		}
	}
	return false
}

func (t *memTx) BookingsForSource(_ context.Context, sourceID uuid.UUID) ([]model.Booking, error) {
	var out []model.Booking
	for _, l := range t.d.links {
		if l.CalendarSourceID != sourceID {
			continue
		}
		if b, ok := t.d.bookings[l.BookingID]; ok {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (t *memTx) UnlinkedBookings(_ context.Context, unitID uuid.UUID, platform string, since time.Time) ([]model.Booking, error) {
	var out []model.Booking
	for _, b := range t.d.bookings {
		if b.UnitID != unitID || !strings.EqualFold(b.BookingSource, platform) {
			continue
		}
		if b.ConfirmationCode == "" || b.CreatedAt.Before(since) || t.linked(b.ID) {
			continue
		}
		out = append(out, b)
	}
	sortBookings(out)
	return out, nil
}

func (t *memTx) firstBooking(match func(model.Booking) bool) (*model.Booking, error) {
	var found []model.Booking
	for _, b := range t.d.bookings {
		if match(b) {
			found = append(found, b)
		}
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].IsCancelled != found[j].IsCancelled {
			return !found[i].IsCancelled
		}
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	return &found[0], nil
}

func (t *memTx) FindBookingByCode(_ context.Context, unitID uuid.UUID, code string) (*model.Booking, error) {
	return t.firstBooking(func(b model.Booking) bool {
		return b.UnitID == unitID && b.ConfirmationCode == code
	})
}

func (t *memTx) FindCompanyBookingByCode(_ context.Context, companyID uuid.UUID, code string) (*model.Booking, error) {
	return t.firstBooking(func(b model.Booking) bool {
		return b.CompanyID == companyID && b.ConfirmationCode == code
	})
}

func (t *memTx) BookingsOverlapping(_ context.Context, unitID uuid.UUID, from, to time.Time) ([]model.Booking, error) {
	var out []model.Booking
	for _, b := range t.d.bookings {
		if b.UnitID == unitID && !b.IsCancelled && b.CheckIn.Before(to) && b.CheckOut.After(from) {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (t *memTx) SaveBooking(_ context.Context, b *model.Booking) error {
	if err := b.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	} else if _, ok := t.d.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	t.d.bookings[b.ID] = *b
	t.d.bookingWrites++
	return nil
}

func (t *memTx) LinkBooking(_ context.Context, bookingID, sourceID uuid.UUID) (bool, error) {
	for _, l := range t.d.links {
		if l.BookingID == bookingID && l.CalendarSourceID == sourceID {
			return false, nil
		}
	}
	id := uuid.New()
	t.d.links[id] = model.BookingCalendarSource{
		ID:               id,
		BookingID:        bookingID,
		CalendarSourceID: sourceID,
		CreatedAt:        time.Now().UTC(),
	}
	return true, nil
}

func sortBookings(bs []model.Booking) {
	sort.SliceStable(bs, func(i, j int) bool {
		if !bs[i].CheckIn.Equal(bs[j].CheckIn) {
			return bs[i].CheckIn.Before(bs[j].CheckIn)
		}
		if !bs[i].CreatedAt.Equal(bs[j].CreatedAt) {
			return bs[i].CreatedAt.Before(bs[j].CreatedAt)
		}
		return bs[i].ID.String() < bs[j].ID.String()
	})
}

func sortSources(ss []model.CalendarSource) {
	sort.SliceStable(ss, func(i, j int) bool {
		if !ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].CreatedAt.Before(ss[j].CreatedAt)
		}
		return ss[i].ID.String() < ss[j].ID.String()
	})
}
