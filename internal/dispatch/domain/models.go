package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type DriverStatus string

const (
	DriverWaiting DriverStatus = "waiting"
	DriverOnRide  DriverStatus = "onRide"
)

type BookingStatus string

const (
	BookingWaiting   BookingStatus = "waiting"
	BookingOnRide    BookingStatus = "onRide"
	BookingFinished  BookingStatus = "finished"
	BookingCancelled BookingStatus = "cancelled"
)

// Driver is a member of the dispatch pool. CurrentRide is set iff the driver
// is onRide, and UpdatedAt doubles as the ride-start proxy for the sweeper.
type Driver struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Phone       string         `json:"phone"`
	Status      DriverStatus   `json:"status"`
	CurrentRide *uuid.UUID     `json:"current_ride,omitempty"`
	Location    map[string]any `json:"location,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Booking is a ride request. BroadcastList holds the driver ids still
// eligible to accept and is non-empty only while the booking is waiting.
type Booking struct {
	ID             uuid.UUID      `json:"id"`
	UserID         uuid.UUID      `json:"user_id"`
	AssignedDriver *uuid.UUID     `json:"assigned_driver,omitempty"`
	BroadcastList  []uuid.UUID    `json:"broadcast_list"`
	Status         BookingStatus  `json:"status"`
	Location       map[string]any `json:"location,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Store is the transactional persistence boundary for drivers and bookings.
// SwapDriver and SwapBooking are compare-and-set writes: the record is
// replaced only if its stored status still equals expect at write time,
// otherwise ErrPreconditionFailed is returned and nothing is mutated. All
// acceptance and sweep transitions go through these two calls; a plain
// read-check-write would reopen the lost-update race between concurrent
// accepts.
type Store interface {
	CreateDriver(ctx context.Context, driver Driver) (Driver, error)
	GetDriver(ctx context.Context, id uuid.UUID) (Driver, error)
	ListDriverIDs(ctx context.Context) ([]uuid.UUID, error)
	ListDriversByStatus(ctx context.Context, status DriverStatus) ([]Driver, error)
	UpdateDriverLocation(ctx context.Context, id uuid.UUID, location map[string]any) (Driver, error)
	SwapDriver(ctx context.Context, driver Driver, expect DriverStatus) (Driver, error)

	CreateBooking(ctx context.Context, booking Booking) (Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (Booking, error)
	ListBookingsForDriver(ctx context.Context, driverID uuid.UUID) ([]Booking, error)
	SwapBooking(ctx context.Context, booking Booking, expect BookingStatus) (Booking, error)
}

type EventType string

const (
	EventBookingCreated  EventType = "BookingCreated"
	EventBookingAccepted EventType = "BookingAccepted"
	EventRideFinished    EventType = "RideFinished"
)

// Event describes a booking lifecycle transition. Delivery to driver devices
// is handled by external consumers of the event stream.
type Event struct {
	Type      EventType      `json:"type"`
	BookingID uuid.UUID      `json:"booking_id"`
	DriverID  *uuid.UUID     `json:"driver_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
