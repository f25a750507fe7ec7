package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/dispatch/domain"
)

// MemoryStore provides an in-memory implementation suitable for tests and
// local demos. Compare-and-set writes serialize on the store mutex, which
// gives the same one-winner guarantee the backed stores get from their
// transaction primitives.
type MemoryStore struct {
	mu       sync.RWMutex
	drivers  map[uuid.UUID]domain.Driver
	bookings map[uuid.UUID]domain.Booking
	clock    domain.Clock
}

// NewMemoryStore constructs an empty memory store.
func NewMemoryStore(clock domain.Clock) *MemoryStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryStore{
		drivers:  make(map[uuid.UUID]domain.Driver),
		bookings: make(map[uuid.UUID]domain.Booking),
		clock:    clock,
	}
}

// CreateDriver stores the driver and stamps both timestamps.
func (m *MemoryStore) CreateDriver(_ context.Context, driver domain.Driver) (domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	driver.CreatedAt = now
	driver.UpdatedAt = now
	m.drivers[driver.ID] = cloneDriver(driver)
	return driver, nil
}

// GetDriver retrieves a driver by id.
func (m *MemoryStore) GetDriver(_ context.Context, id uuid.UUID) (domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	driver, ok := m.drivers[id]
	if !ok {
		return domain.Driver{}, domain.ErrDriverNotFound
	}
	return cloneDriver(driver), nil
}

// ListDriverIDs returns the ids of every known driver.
func (m *MemoryStore) ListDriverIDs(_ context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.drivers))
	for id := range m.drivers {
		ids = append(ids, id)
	}
	return ids, nil
}

// ListDriversByStatus returns a snapshot of drivers currently in status.
func (m *MemoryStore) ListDriversByStatus(_ context.Context, status domain.DriverStatus) ([]domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var drivers []domain.Driver
	for _, driver := range m.drivers {
		if driver.Status == status {
			drivers = append(drivers, cloneDriver(driver))
		}
	}
	return drivers, nil
}

// UpdateDriverLocation replaces the opaque location payload and refreshes
// UpdatedAt.
func (m *MemoryStore) UpdateDriverLocation(_ context.Context, id uuid.UUID, location map[string]any) (domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	driver, ok := m.drivers[id]
	if !ok {
		return domain.Driver{}, domain.ErrDriverNotFound
	}
	driver.Location = cloneLocation(location)
	driver.UpdatedAt = m.clock.Now()
	m.drivers[id] = driver
	return cloneDriver(driver), nil
}

// SwapDriver replaces the stored driver only if its status still equals
// expect at write time.
func (m *MemoryStore) SwapDriver(_ context.Context, driver domain.Driver, expect domain.DriverStatus) (domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.drivers[driver.ID]
	if !ok {
		return domain.Driver{}, domain.ErrDriverNotFound
	}
	if existing.Status != expect {
		return domain.Driver{}, domain.ErrPreconditionFailed
	}
	driver.CreatedAt = existing.CreatedAt
	driver.UpdatedAt = m.clock.Now()
	m.drivers[driver.ID] = cloneDriver(driver)
	return driver, nil
}

// CreateBooking stores the booking and stamps both timestamps.
func (m *MemoryStore) CreateBooking(_ context.Context, booking domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	booking.CreatedAt = now
	booking.UpdatedAt = now
	m.bookings[booking.ID] = cloneBooking(booking)
	return booking, nil
}

// GetBooking retrieves a booking by id.
func (m *MemoryStore) GetBooking(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	return cloneBooking(booking), nil
}

// ListBookingsForDriver returns bookings whose broadcast list still contains
// the driver.
func (m *MemoryStore) ListBookingsForDriver(_ context.Context, driverID uuid.UUID) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bookings []domain.Booking
	for _, booking := range m.bookings {
		for _, candidate := range booking.BroadcastList {
			if candidate == driverID {
				bookings = append(bookings, cloneBooking(booking))
				break
			}
		}
	}
	return bookings, nil
}

// SwapBooking replaces the stored booking only if its status still equals
// expect at write time.
func (m *MemoryStore) SwapBooking(_ context.Context, booking domain.Booking, expect domain.BookingStatus) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.bookings[booking.ID]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	if existing.Status != expect {
		return domain.Booking{}, domain.ErrPreconditionFailed
	}
	booking.CreatedAt = existing.CreatedAt
	booking.UpdatedAt = m.clock.Now()
	m.bookings[booking.ID] = cloneBooking(booking)
	return booking, nil
}

func cloneDriver(driver domain.Driver) domain.Driver {
	driver.Location = cloneLocation(driver.Location)
	if driver.CurrentRide != nil {
		ride := *driver.CurrentRide
		driver.CurrentRide = &ride
	}
	return driver
}

func cloneBooking(booking domain.Booking) domain.Booking {
	booking.Location = cloneLocation(booking.Location)
	booking.BroadcastList = append([]uuid.UUID(nil), booking.BroadcastList...)
	if booking.AssignedDriver != nil {
		driver := *booking.AssignedDriver
		booking.AssignedDriver = &driver
	}
	return booking
}

func cloneLocation(location map[string]any) map[string]any {
	if location == nil {
		return nil
	}
	cloned := make(map[string]any, len(location))
	for k, v := range location {
		cloned[k] = v
	}
	return cloned
}
