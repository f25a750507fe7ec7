package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/dispatch/domain"
)

// BroadcastPolicy narrows the candidate set stamped onto a new booking.
// The default keeps every known driver; eligibility filtering (availability,
// locality) plugs in here when it gets defined.
type BroadcastPolicy func(ctx context.Context, driverIDs []uuid.UUID) ([]uuid.UUID, error)

// Service coordinates booking dispatch between handlers and the store.
type Service struct {
	store  domain.Store
	events domain.EventPublisher
	clock  domain.Clock
	logger *zap.Logger
	policy BroadcastPolicy
}

// Option customizes Service construction.
type Option func(*Service)

// WithBroadcastPolicy overrides the default broadcast-to-everyone policy.
func WithBroadcastPolicy(policy BroadcastPolicy) Option {
	return func(s *Service) { s.policy = policy }
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New constructs a Service with the required collaborators.
func New(store domain.Store, events domain.EventPublisher, clock domain.Clock, opts ...Option) *Service {
	s := &Service{store: store, events: events, clock: clock, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterDriverRequest contains the payload for adding a driver to the pool.
type RegisterDriverRequest struct {
	Name     string
	Email    string
	Phone    string
	Location map[string]any
}

// RegisterDriver adds a new driver in the waiting state.
func (s *Service) RegisterDriver(ctx context.Context, req RegisterDriverRequest) (domain.Driver, error) {
	driver := domain.Driver{
		ID:       uuid.New(),
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Status:   domain.DriverWaiting,
		Location: req.Location,
	}
	created, err := s.store.CreateDriver(ctx, driver)
	if err != nil {
		return domain.Driver{}, fmt.Errorf("register driver: %w", err)
	}
	return created, nil
}

// GetDriver retrieves a driver by identifier.
func (s *Service) GetDriver(ctx context.Context, id uuid.UUID) (domain.Driver, error) {
	return s.store.GetDriver(ctx, id)
}

// UpdateDriverLocation stores a fresh opaque location payload for the driver.
func (s *Service) UpdateDriverLocation(ctx context.Context, id uuid.UUID, location map[string]any) (domain.Driver, error) {
	return s.store.UpdateDriverLocation(ctx, id, location)
}

// CreateBookingRequest contains the payload for a new ride request.
type CreateBookingRequest struct {
	UserID   uuid.UUID
	Location map[string]any
}

// CreateBooking stamps the booking with a snapshot of the current driver
// pool and persists it in the waiting state. The booking either lands with
// its broadcast list populated or not at all.
func (s *Service) CreateBooking(ctx context.Context, req CreateBookingRequest) (domain.Booking, error) {
	driverIDs, err := s.store.ListDriverIDs(ctx)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("snapshot driver pool: %w", err)
	}
	if s.policy != nil {
		driverIDs, err = s.policy(ctx, driverIDs)
		if err != nil {
			return domain.Booking{}, fmt.Errorf("broadcast policy: %w", err)
		}
	}

	booking := domain.Booking{
		ID:            uuid.New(),
		UserID:        req.UserID,
		BroadcastList: driverIDs,
		Status:        domain.BookingWaiting,
		Location:      req.Location,
	}
	created, err := s.store.CreateBooking(ctx, booking)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("create booking: %w", err)
	}

	s.publish(ctx, domain.Event{
		Type:      domain.EventBookingCreated,
		BookingID: created.ID,
		Payload:   map[string]any{"user_id": created.UserID.String(), "broadcast_size": len(created.BroadcastList)},
	})
	return created, nil
}

// GetBooking retrieves a booking by identifier.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return s.store.GetBooking(ctx, id)
}

// BookingsForDriver lists the bookings still broadcast to the driver.
func (s *Service) BookingsForDriver(ctx context.Context, driverID uuid.UUID) ([]domain.Booking, error) {
	if _, err := s.store.GetDriver(ctx, driverID); err != nil {
		return nil, err
	}
	return s.store.ListBookingsForDriver(ctx, driverID)
}

// AcceptBooking binds exactly one driver to one waiting booking. The claim
// is two conditional writes: the driver moves waiting->onRide first, then
// the booking waiting->onRide. Losing the booking race rolls the driver
// claim back, so no partial state survives a rejection. Acceptance is
// single-shot: re-invoking for a booking already bound to the same driver
// fails with ErrDriverBusy, never a silent success.
func (s *Service) AcceptBooking(ctx context.Context, driverID, bookingID uuid.UUID) (domain.Booking, error) {
	booking, err := s.acceptBooking(ctx, driverID, bookingID)
	acceptAttempts.WithLabelValues(acceptResult(err)).Inc()
	return booking, err
}

func (s *Service) acceptBooking(ctx context.Context, driverID, bookingID uuid.UUID) (domain.Booking, error) {
	driver, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return domain.Booking{}, err
	}
	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	// A busy driver is rejected before the booking is examined, so an onRide
	// driver always sees driver-busy, even against a taken booking.
	if driver.Status == domain.DriverOnRide {
		return domain.Booking{}, domain.ErrDriverBusy
	}
	if booking.Status != domain.BookingWaiting {
		return domain.Booking{}, domain.ErrBookingTaken
	}

	claimed := driver
	claimed.Status = domain.DriverOnRide
	claimed.CurrentRide = &bookingID
	claimed, err = s.store.SwapDriver(ctx, claimed, domain.DriverWaiting)
	if errors.Is(err, domain.ErrPreconditionFailed) {
		return domain.Booking{}, domain.ErrDriverBusy
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("claim driver: %w", err)
	}

	taken := booking
	taken.Status = domain.BookingOnRide
	taken.AssignedDriver = &driverID
	taken.BroadcastList = nil
	taken, err = s.store.SwapBooking(ctx, taken, domain.BookingWaiting)
	if err != nil {
		if releaseErr := s.releaseDriver(ctx, claimed); releaseErr != nil {
			return domain.Booking{}, errors.Join(err, releaseErr)
		}
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return domain.Booking{}, domain.ErrBookingTaken
		}
		return domain.Booking{}, fmt.Errorf("claim booking: %w", err)
	}

	s.publish(ctx, domain.Event{
		Type:      domain.EventBookingAccepted,
		BookingID: taken.ID,
		DriverID:  &driverID,
	})
	return taken, nil
}

// releaseDriver reverts a driver claim after the booking side of the accept
// transaction was lost. The reverse swap is guarded on onRide, so it cannot
// stomp a state someone else produced in between.
func (s *Service) releaseDriver(ctx context.Context, driver domain.Driver) error {
	released := driver
	released.Status = domain.DriverWaiting
	released.CurrentRide = nil
	if _, err := s.store.SwapDriver(ctx, released, domain.DriverOnRide); err != nil {
		return fmt.Errorf("release driver %s: %w", driver.ID, err)
	}
	return nil
}

// publish is best-effort: a lost event only delays a driver's poll, so a
// failure is logged instead of failing the operation that produced it.
func (s *Service) publish(ctx context.Context, event domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("event_type", string(event.Type)),
			zap.String("booking_id", event.BookingID.String()),
			zap.Error(err))
	}
}

func acceptResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrDriverBusy):
		return "driver_busy"
	case errors.Is(err, domain.ErrBookingTaken):
		return "booking_taken"
	case domain.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}
