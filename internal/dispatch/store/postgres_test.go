package store_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridedispatch/internal/dispatch/domain"
	"github.com/example/ridedispatch/internal/dispatch/store"
)

func newPostgresStore(t *testing.T, ctx context.Context) *store.PostgresStore {
	t.Helper()
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("ridedispatch"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections")))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewPostgresStore(db, newClock())
	require.NoError(t, st.Migrate(ctx))
	// Migrate is safe to run again on an existing schema.
	require.NoError(t, st.Migrate(ctx))
	return st
}

func TestPostgresStoreDriverLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t, ctx)

	driver, err := st.CreateDriver(ctx, domain.Driver{
		ID:       uuid.New(),
		Name:     "morty",
		Email:    "morty@example.com",
		Status:   domain.DriverWaiting,
		Location: map[string]any{"lat": 35.7},
	})
	require.NoError(t, err)

	loaded, err := st.GetDriver(ctx, driver.ID)
	require.NoError(t, err)
	require.Equal(t, "morty", loaded.Name)
	require.Equal(t, domain.DriverWaiting, loaded.Status)
	require.Nil(t, loaded.CurrentRide)

	rideID := uuid.New()
	claimed := loaded
	claimed.Status = domain.DriverOnRide
	claimed.CurrentRide = &rideID
	_, err = st.SwapDriver(ctx, claimed, domain.DriverWaiting)
	require.NoError(t, err)

	// Lost precondition is distinguishable from a missing row.
	_, err = st.SwapDriver(ctx, claimed, domain.DriverWaiting)
	require.ErrorIs(t, err, domain.ErrPreconditionFailed)
	_, err = st.SwapDriver(ctx, domain.Driver{ID: uuid.New()}, domain.DriverWaiting)
	require.ErrorIs(t, err, domain.ErrDriverNotFound)

	onRide, err := st.ListDriversByStatus(ctx, domain.DriverOnRide)
	require.NoError(t, err)
	require.Len(t, onRide, 1)
	require.NotNil(t, onRide[0].CurrentRide)
	require.Equal(t, rideID, *onRide[0].CurrentRide)
}

func TestPostgresStoreBroadcastContainment(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t, ctx)

	target := uuid.New()
	other := uuid.New()
	booking, err := st.CreateBooking(ctx, domain.Booking{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		Status:        domain.BookingWaiting,
		BroadcastList: []uuid.UUID{target, other},
		Location:      map[string]any{"pickup": "downtown"},
	})
	require.NoError(t, err)

	bookings, err := st.ListBookingsForDriver(ctx, target)
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	require.Equal(t, booking.ID, bookings[0].ID)
	require.ElementsMatch(t, []uuid.UUID{target, other}, bookings[0].BroadcastList)

	bookings, err = st.ListBookingsForDriver(ctx, uuid.New())
	require.NoError(t, err)
	require.Empty(t, bookings)

	taken := booking
	taken.Status = domain.BookingOnRide
	taken.AssignedDriver = &target
	taken.BroadcastList = nil
	_, err = st.SwapBooking(ctx, taken, domain.BookingWaiting)
	require.NoError(t, err)

	bookings, err = st.ListBookingsForDriver(ctx, target)
	require.NoError(t, err)
	require.Empty(t, bookings)

	_, err = st.SwapBooking(ctx, taken, domain.BookingWaiting)
	require.ErrorIs(t, err, domain.ErrPreconditionFailed)

	stored, err := st.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BookingOnRide, stored.Status)
	require.NotNil(t, stored.AssignedDriver)
	require.Equal(t, target, *stored.AssignedDriver)
}
