package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/ridedispatch/internal/dispatch/domain"
	"github.com/example/ridedispatch/internal/dispatch/service"
	"github.com/example/ridedispatch/internal/dispatch/store"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *stubPublisher) Publish(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubPublisher) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, domain.Event) error {
	return errors.New("nats: connection closed")
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

func newService(t *testing.T) (*service.Service, *store.MemoryStore, *stubPublisher) {
	t.Helper()
	clock := stubClock{t: time.Unix(1000, 0).UTC()}
	st := store.NewMemoryStore(clock)
	publisher := &stubPublisher{}
	return service.New(st, publisher, clock), st, publisher
}

func registerDrivers(t *testing.T, svc *service.Service, n int) []domain.Driver {
	t.Helper()
	drivers := make([]domain.Driver, 0, n)
	for i := 0; i < n; i++ {
		driver, err := svc.RegisterDriver(context.Background(), service.RegisterDriverRequest{Name: "driver"})
		require.NoError(t, err)
		drivers = append(drivers, driver)
	}
	return drivers
}

func TestCreateBookingBroadcastsToAllDrivers(t *testing.T) {
	svc, _, publisher := newService(t)
	drivers := registerDrivers(t, svc, 3)

	booking, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{
		UserID:   uuid.New(),
		Location: map[string]any{"lat": 35.7, "lng": 51.4},
	})
	require.NoError(t, err)
	require.Equal(t, domain.BookingWaiting, booking.Status)
	require.Len(t, booking.BroadcastList, len(drivers))
	for _, driver := range drivers {
		require.Contains(t, booking.BroadcastList, driver.ID)
	}

	events := publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, domain.EventBookingCreated, events[0].Type)
	require.Equal(t, booking.ID, events[0].BookingID)
}

func TestBookingsForDriverListsBroadcasts(t *testing.T) {
	svc, _, _ := newService(t)
	drivers := registerDrivers(t, svc, 2)

	first, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)
	second, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)

	bookings, err := svc.BookingsForDriver(context.Background(), drivers[0].ID)
	require.NoError(t, err)
	require.Len(t, bookings, 2)

	ids := []uuid.UUID{bookings[0].ID, bookings[1].ID}
	require.Contains(t, ids, first.ID)
	require.Contains(t, ids, second.ID)

	_, err = svc.BookingsForDriver(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrDriverNotFound)
}

func TestAcceptBookingBindsDriverExclusively(t *testing.T) {
	svc, st, publisher := newService(t)
	drivers := registerDrivers(t, svc, 2)
	booking, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)

	accepted, err := svc.AcceptBooking(context.Background(), drivers[0].ID, booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BookingOnRide, accepted.Status)
	require.NotNil(t, accepted.AssignedDriver)
	require.Equal(t, drivers[0].ID, *accepted.AssignedDriver)
	require.Empty(t, accepted.BroadcastList)

	driver, err := st.GetDriver(context.Background(), drivers[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.DriverOnRide, driver.Status)
	require.NotNil(t, driver.CurrentRide)
	require.Equal(t, booking.ID, *driver.CurrentRide)

	// Broadcast clears for every candidate, not just the winner.
	remaining, err := svc.BookingsForDriver(context.Background(), drivers[1].ID)
	require.NoError(t, err)
	require.Empty(t, remaining)

	events := publisher.Events()
	require.Equal(t, domain.EventBookingAccepted, events[len(events)-1].Type)
}

func TestConcurrentAcceptsYieldSingleWinner(t *testing.T) {
	svc, st, _ := newService(t)
	const contenders = 8
	drivers := registerDrivers(t, svc, contenders)
	booking, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.AcceptBooking(context.Background(), drivers[i].ID, booking.ID)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, domain.ErrBookingTaken)
		}
	}
	require.Equal(t, 1, winners)

	stored, err := st.GetBooking(context.Background(), booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BookingOnRide, stored.Status)
	require.NotNil(t, stored.AssignedDriver)
	require.Empty(t, stored.BroadcastList)

	// Every loser's claim was rolled back.
	onRide, err := st.ListDriversByStatus(context.Background(), domain.DriverOnRide)
	require.NoError(t, err)
	require.Len(t, onRide, 1)
	require.Equal(t, *stored.AssignedDriver, onRide[0].ID)
	require.NotNil(t, onRide[0].CurrentRide)
	require.Equal(t, booking.ID, *onRide[0].CurrentRide)
}

func TestBusyDriverCannotAcceptAnotherBooking(t *testing.T) {
	svc, st, _ := newService(t)
	drivers := registerDrivers(t, svc, 1)
	first, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)
	second, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = svc.AcceptBooking(context.Background(), drivers[0].ID, first.ID)
	require.NoError(t, err)

	_, err = svc.AcceptBooking(context.Background(), drivers[0].ID, second.ID)
	require.ErrorIs(t, err, domain.ErrDriverBusy)

	// The second booking is untouched by the rejected attempt.
	stored, err := st.GetBooking(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BookingWaiting, stored.Status)
	require.Nil(t, stored.AssignedDriver)
	require.NotEmpty(t, stored.BroadcastList)
}

func TestAcceptanceIsSingleShot(t *testing.T) {
	svc, _, _ := newService(t)
	drivers := registerDrivers(t, svc, 2)
	booking, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = svc.AcceptBooking(context.Background(), drivers[0].ID, booking.ID)
	require.NoError(t, err)

	// Re-invocation by the bound driver is a rejection, not a silent success.
	// The driver's own state is checked first, so it reads as driver-busy.
	_, err = svc.AcceptBooking(context.Background(), drivers[0].ID, booking.ID)
	require.ErrorIs(t, err, domain.ErrDriverBusy)

	// And no reassignment ever happens once the booking is onRide.
	_, err = svc.AcceptBooking(context.Background(), drivers[1].ID, booking.ID)
	require.ErrorIs(t, err, domain.ErrBookingTaken)
}

func TestBusyDriverRejectionWinsOverTakenBooking(t *testing.T) {
	svc, _, _ := newService(t)
	drivers := registerDrivers(t, svc, 3)
	first, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)
	second, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = svc.AcceptBooking(context.Background(), drivers[0].ID, first.ID)
	require.NoError(t, err)
	_, err = svc.AcceptBooking(context.Background(), drivers[1].ID, second.ID)
	require.NoError(t, err)

	// Both preconditions fail here; the driver's state decides the outcome.
	_, err = svc.AcceptBooking(context.Background(), drivers[1].ID, first.ID)
	require.ErrorIs(t, err, domain.ErrDriverBusy)

	// A free driver against the same booking still sees booking-taken.
	_, err = svc.AcceptBooking(context.Background(), drivers[2].ID, first.ID)
	require.ErrorIs(t, err, domain.ErrBookingTaken)
}

func TestAcceptBookingNotFoundCases(t *testing.T) {
	svc, _, _ := newService(t)
	drivers := registerDrivers(t, svc, 1)
	booking, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = svc.AcceptBooking(context.Background(), uuid.New(), booking.ID)
	require.ErrorIs(t, err, domain.ErrDriverNotFound)

	_, err = svc.AcceptBooking(context.Background(), drivers[0].ID, uuid.New())
	require.ErrorIs(t, err, domain.ErrBookingNotFound)
}

func TestPublishFailureIsLoggedNotFatal(t *testing.T) {
	clock := stubClock{t: time.Unix(1000, 0).UTC()}
	core, logs := observer.New(zap.WarnLevel)
	svc := service.New(store.NewMemoryStore(clock), failingPublisher{}, clock,
		service.WithLogger(zap.New(core)))

	registerDrivers(t, svc, 1)
	booking, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)
	require.Equal(t, domain.BookingWaiting, booking.Status)

	entries := logs.FilterMessage("event publish failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, booking.ID.String(), entries[0].ContextMap()["booking_id"])
}

func TestBroadcastPolicyNarrowsCandidates(t *testing.T) {
	clock := stubClock{t: time.Unix(1000, 0).UTC()}
	st := store.NewMemoryStore(clock)
	var keep uuid.UUID
	svc := service.New(st, &stubPublisher{}, clock, service.WithBroadcastPolicy(
		func(_ context.Context, driverIDs []uuid.UUID) ([]uuid.UUID, error) {
			for _, id := range driverIDs {
				if id == keep {
					return []uuid.UUID{id}, nil
				}
			}
			return nil, nil
		}))

	drivers := registerDrivers(t, svc, 3)
	keep = drivers[1].ID

	booking, err := svc.CreateBooking(context.Background(), service.CreateBookingRequest{UserID: uuid.New()})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{keep}, booking.BroadcastList)
}
