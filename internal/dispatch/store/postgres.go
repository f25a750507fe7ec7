package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/ridedispatch/internal/dispatch/domain"
)

// PostgresStore persists drivers and bookings in two tables. Conditional
// writes are a single UPDATE guarded by the expected status, so the
// predicate and the mutation commit atomically.
type PostgresStore struct {
	db    *sql.DB
	clock domain.Clock
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB, clock domain.Clock) *PostgresStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &PostgresStore{db: db, clock: clock}
}

// Migrate creates the schema if it does not exist yet.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS drivers (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_ride UUID,
			location JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			assigned_driver UUID,
			broadcast_list JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			location JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_drivers_status ON drivers (status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_broadcast ON bookings USING GIN (broadcast_list)`,
	}
	for _, stmt := range ddl {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateDriver inserts the driver row.
func (p *PostgresStore) CreateDriver(ctx context.Context, driver domain.Driver) (domain.Driver, error) {
	now := p.clock.Now()
	driver.CreatedAt = now
	driver.UpdatedAt = now
	location, err := marshalLocation(driver.Location)
	if err != nil {
		return domain.Driver{}, err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO drivers (id, name, email, phone, status, current_ride, location, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		driver.ID, driver.Name, driver.Email, driver.Phone, driver.Status,
		uuidOrNil(driver.CurrentRide), location, driver.CreatedAt, driver.UpdatedAt)
	if err != nil {
		return domain.Driver{}, fmt.Errorf("insert driver: %w", err)
	}
	return driver, nil
}

// GetDriver loads one driver row.
func (p *PostgresStore) GetDriver(ctx context.Context, id uuid.UUID) (domain.Driver, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, email, phone, status, current_ride, location, created_at, updated_at
		 FROM drivers WHERE id = $1`, id)
	driver, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Driver{}, domain.ErrDriverNotFound
	}
	return driver, err
}

// ListDriverIDs returns every driver id.
func (p *PostgresStore) ListDriverIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM drivers`)
	if err != nil {
		return nil, fmt.Errorf("select driver ids: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan driver id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListDriversByStatus returns all drivers currently in status.
func (p *PostgresStore) ListDriversByStatus(ctx context.Context, status domain.DriverStatus) ([]domain.Driver, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, email, phone, status, current_ride, location, created_at, updated_at
		 FROM drivers WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("select drivers by status: %w", err)
	}
	defer rows.Close()
	var drivers []domain.Driver
	for rows.Next() {
		driver, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, driver)
	}
	return drivers, rows.Err()
}

// UpdateDriverLocation rewrites the location payload and refreshes
// updated_at.
func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id uuid.UUID, location map[string]any) (domain.Driver, error) {
	payload, err := marshalLocation(location)
	if err != nil {
		return domain.Driver{}, err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET location = $1, updated_at = $2 WHERE id = $3`,
		payload, p.clock.Now(), id)
	if err != nil {
		return domain.Driver{}, fmt.Errorf("update driver location: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.Driver{}, domain.ErrDriverNotFound
	}
	return p.GetDriver(ctx, id)
}

// SwapDriver commits the driver only when the stored status still matches
// expect. The guard rides on the UPDATE itself; zero rows affected with an
// existing row means the precondition was lost.
func (p *PostgresStore) SwapDriver(ctx context.Context, driver domain.Driver, expect domain.DriverStatus) (domain.Driver, error) {
	location, err := marshalLocation(driver.Location)
	if err != nil {
		return domain.Driver{}, err
	}
	driver.UpdatedAt = p.clock.Now()
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET status = $1, current_ride = $2, location = $3, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		driver.Status, uuidOrNil(driver.CurrentRide), location, driver.UpdatedAt, driver.ID, expect)
	if err != nil {
		return domain.Driver{}, fmt.Errorf("swap driver: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Driver{}, fmt.Errorf("swap driver: %w", err)
	}
	if affected == 0 {
		if _, err := p.GetDriver(ctx, driver.ID); err != nil {
			return domain.Driver{}, err
		}
		return domain.Driver{}, domain.ErrPreconditionFailed
	}
	return driver, nil
}

// CreateBooking inserts the booking row.
func (p *PostgresStore) CreateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	now := p.clock.Now()
	booking.CreatedAt = now
	booking.UpdatedAt = now
	location, err := marshalLocation(booking.Location)
	if err != nil {
		return domain.Booking{}, err
	}
	broadcast, err := json.Marshal(broadcastStrings(booking.BroadcastList))
	if err != nil {
		return domain.Booking{}, fmt.Errorf("marshal broadcast list: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO bookings (id, user_id, assigned_driver, broadcast_list, status, location, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		booking.ID, booking.UserID, uuidOrNil(booking.AssignedDriver), broadcast,
		booking.Status, location, booking.CreatedAt, booking.UpdatedAt)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	return booking, nil
}

// GetBooking loads one booking row.
func (p *PostgresStore) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, assigned_driver, broadcast_list, status, location, created_at, updated_at
		 FROM bookings WHERE id = $1`, id)
	booking, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	return booking, err
}

// ListBookingsForDriver returns bookings whose broadcast list contains the
// driver, via JSONB containment on the GIN index.
func (p *PostgresStore) ListBookingsForDriver(ctx context.Context, driverID uuid.UUID) ([]domain.Booking, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, assigned_driver, broadcast_list, status, location, created_at, updated_at
		 FROM bookings WHERE broadcast_list @> to_jsonb(ARRAY[$1::text])`, driverID.String())
	if err != nil {
		return nil, fmt.Errorf("select bookings for driver: %w", err)
	}
	defer rows.Close()
	var bookings []domain.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, booking)
	}
	return bookings, rows.Err()
}

// SwapBooking commits the booking only when the stored status still matches
// expect.
func (p *PostgresStore) SwapBooking(ctx context.Context, booking domain.Booking, expect domain.BookingStatus) (domain.Booking, error) {
	location, err := marshalLocation(booking.Location)
	if err != nil {
		return domain.Booking{}, err
	}
	broadcast, err := json.Marshal(broadcastStrings(booking.BroadcastList))
	if err != nil {
		return domain.Booking{}, fmt.Errorf("marshal broadcast list: %w", err)
	}
	booking.UpdatedAt = p.clock.Now()
	res, err := p.db.ExecContext(ctx,
		`UPDATE bookings SET status = $1, assigned_driver = $2, broadcast_list = $3, location = $4, updated_at = $5
		 WHERE id = $6 AND status = $7`,
		booking.Status, uuidOrNil(booking.AssignedDriver), broadcast, location, booking.UpdatedAt, booking.ID, expect)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("swap booking: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Booking{}, fmt.Errorf("swap booking: %w", err)
	}
	if affected == 0 {
		if _, err := p.GetBooking(ctx, booking.ID); err != nil {
			return domain.Booking{}, err
		}
		return domain.Booking{}, domain.ErrPreconditionFailed
	}
	return booking, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(row rowScanner) (domain.Driver, error) {
	var driver domain.Driver
	var currentRide sql.NullString
	var location []byte
	if err := row.Scan(&driver.ID, &driver.Name, &driver.Email, &driver.Phone, &driver.Status,
		&currentRide, &location, &driver.CreatedAt, &driver.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Driver{}, err
		}
		return domain.Driver{}, fmt.Errorf("scan driver: %w", err)
	}
	if currentRide.Valid {
		ride, err := uuid.Parse(currentRide.String)
		if err != nil {
			return domain.Driver{}, fmt.Errorf("parse current ride: %w", err)
		}
		driver.CurrentRide = &ride
	}
	if len(location) > 0 {
		if err := json.Unmarshal(location, &driver.Location); err != nil {
			return domain.Driver{}, fmt.Errorf("unmarshal driver location: %w", err)
		}
	}
	return driver, nil
}

func scanBooking(row rowScanner) (domain.Booking, error) {
	var booking domain.Booking
	var assigned sql.NullString
	var broadcast, location []byte
	if err := row.Scan(&booking.ID, &booking.UserID, &assigned, &broadcast, &booking.Status,
		&location, &booking.CreatedAt, &booking.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Booking{}, err
		}
		return domain.Booking{}, fmt.Errorf("scan booking: %w", err)
	}
	if assigned.Valid {
		driverID, err := uuid.Parse(assigned.String)
		if err != nil {
			return domain.Booking{}, fmt.Errorf("parse assigned driver: %w", err)
		}
		booking.AssignedDriver = &driverID
	}
	var members []string
	if len(broadcast) > 0 {
		if err := json.Unmarshal(broadcast, &members); err != nil {
			return domain.Booking{}, fmt.Errorf("unmarshal broadcast list: %w", err)
		}
	}
	for _, member := range members {
		id, err := uuid.Parse(member)
		if err != nil {
			return domain.Booking{}, fmt.Errorf("parse broadcast member: %w", err)
		}
		booking.BroadcastList = append(booking.BroadcastList, id)
	}
	if len(location) > 0 {
		if err := json.Unmarshal(location, &booking.Location); err != nil {
			return domain.Booking{}, fmt.Errorf("unmarshal booking location: %w", err)
		}
	}
	return booking, nil
}

func marshalLocation(location map[string]any) ([]byte, error) {
	if location == nil {
		return nil, nil
	}
	payload, err := json.Marshal(location)
	if err != nil {
		return nil, fmt.Errorf("marshal location: %w", err)
	}
	return payload, nil
}

func broadcastStrings(ids []uuid.UUID) []string {
	members := make([]string, 0, len(ids))
	for _, id := range ids {
		members = append(members, id.String())
	}
	return members
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}
