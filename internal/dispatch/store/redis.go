package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ridedispatch/internal/dispatch/domain"
)

const (
	driverKeyPrefix    = "driver:"
	bookingKeyPrefix   = "booking:"
	broadcastKeyPrefix = "broadcast:"
	driverSetKey       = "drivers"
)

// swapAttempts bounds optimistic transaction retries when EXEC aborts
// because another writer touched the watched key.
const swapAttempts = 5

// RedisStore persists drivers and bookings as JSON values. Conditional
// writes run inside WATCH/MULTI/EXEC transactions so the status predicate is
// evaluated atomically at commit time. A per-driver broadcast index set backs
// ListBookingsForDriver.
type RedisStore struct {
	client *redis.Client
	clock  domain.Clock
}

// NewRedisStore constructs the store around an existing client.
func NewRedisStore(client *redis.Client, clock domain.Clock) *RedisStore {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RedisStore{client: client, clock: clock}
}

// CreateDriver writes the driver record and registers its id.
func (r *RedisStore) CreateDriver(ctx context.Context, driver domain.Driver) (domain.Driver, error) {
	now := r.clock.Now()
	driver.CreatedAt = now
	driver.UpdatedAt = now
	payload, err := json.Marshal(driver)
	if err != nil {
		return domain.Driver{}, fmt.Errorf("marshal driver: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, driverKeyPrefix+driver.ID.String(), payload, 0)
		pipe.SAdd(ctx, driverSetKey, driver.ID.String())
		return nil
	})
	if err != nil {
		return domain.Driver{}, fmt.Errorf("redis create driver: %w", err)
	}
	return driver, nil
}

// GetDriver retrieves a driver by id.
func (r *RedisStore) GetDriver(ctx context.Context, id uuid.UUID) (domain.Driver, error) {
	return r.getDriver(ctx, r.client, id)
}

func (r *RedisStore) getDriver(ctx context.Context, c redis.Cmdable, id uuid.UUID) (domain.Driver, error) {
	payload, err := c.Get(ctx, driverKeyPrefix+id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Driver{}, domain.ErrDriverNotFound
	}
	if err != nil {
		return domain.Driver{}, fmt.Errorf("redis get driver: %w", err)
	}
	var driver domain.Driver
	if err := json.Unmarshal(payload, &driver); err != nil {
		return domain.Driver{}, fmt.Errorf("unmarshal driver: %w", err)
	}
	return driver, nil
}

// ListDriverIDs returns every registered driver id.
func (r *RedisStore) ListDriverIDs(ctx context.Context) ([]uuid.UUID, error) {
	members, err := r.client.SMembers(ctx, driverSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list driver ids: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		id, err := uuid.Parse(member)
		if err != nil {
			return nil, fmt.Errorf("invalid driver id %q: %w", member, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListDriversByStatus loads every driver record and filters by status.
func (r *RedisStore) ListDriversByStatus(ctx context.Context, status domain.DriverStatus) ([]domain.Driver, error) {
	ids, err := r.ListDriverIDs(ctx)
	if err != nil {
		return nil, err
	}
	var drivers []domain.Driver
	for _, id := range ids {
		driver, err := r.GetDriver(ctx, id)
		if errors.Is(err, domain.ErrDriverNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if driver.Status == status {
			drivers = append(drivers, driver)
		}
	}
	return drivers, nil
}

// UpdateDriverLocation rewrites the location payload under WATCH so a
// concurrent status swap is not clobbered.
func (r *RedisStore) UpdateDriverLocation(ctx context.Context, id uuid.UUID, location map[string]any) (domain.Driver, error) {
	var updated domain.Driver
	key := driverKeyPrefix + id.String()
	err := r.watchLoop(ctx, func(tx *redis.Tx) error {
		driver, err := r.getDriver(ctx, tx, id)
		if err != nil {
			return err
		}
		driver.Location = location
		driver.UpdatedAt = r.clock.Now()
		payload, err := json.Marshal(driver)
		if err != nil {
			return fmt.Errorf("marshal driver: %w", err)
		}
		updated = driver
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return domain.Driver{}, err
	}
	return updated, nil
}

// SwapDriver commits the driver only if the stored status still matches
// expect when the transaction executes.
func (r *RedisStore) SwapDriver(ctx context.Context, driver domain.Driver, expect domain.DriverStatus) (domain.Driver, error) {
	key := driverKeyPrefix + driver.ID.String()
	err := r.watchLoop(ctx, func(tx *redis.Tx) error {
		existing, err := r.getDriver(ctx, tx, driver.ID)
		if err != nil {
			return err
		}
		if existing.Status != expect {
			return domain.ErrPreconditionFailed
		}
		driver.CreatedAt = existing.CreatedAt
		driver.UpdatedAt = r.clock.Now()
		payload, err := json.Marshal(driver)
		if err != nil {
			return fmt.Errorf("marshal driver: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return domain.Driver{}, err
	}
	return driver, nil
}

// CreateBooking writes the booking and indexes it under every broadcast
// driver.
func (r *RedisStore) CreateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	now := r.clock.Now()
	booking.CreatedAt = now
	booking.UpdatedAt = now
	payload, err := json.Marshal(booking)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("marshal booking: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, bookingKeyPrefix+booking.ID.String(), payload, 0)
		for _, driverID := range booking.BroadcastList {
			pipe.SAdd(ctx, broadcastKeyPrefix+driverID.String(), booking.ID.String())
		}
		return nil
	})
	if err != nil {
		return domain.Booking{}, fmt.Errorf("redis create booking: %w", err)
	}
	return booking, nil
}

// GetBooking retrieves a booking by id.
func (r *RedisStore) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return r.getBooking(ctx, r.client, id)
}

func (r *RedisStore) getBooking(ctx context.Context, c redis.Cmdable, id uuid.UUID) (domain.Booking, error) {
	payload, err := c.Get(ctx, bookingKeyPrefix+id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("redis get booking: %w", err)
	}
	var booking domain.Booking
	if err := json.Unmarshal(payload, &booking); err != nil {
		return domain.Booking{}, fmt.Errorf("unmarshal booking: %w", err)
	}
	return booking, nil
}

// ListBookingsForDriver resolves the driver's broadcast index set. Entries
// whose booking no longer lists the driver are skipped; the index is only a
// hint and the record is authoritative.
func (r *RedisStore) ListBookingsForDriver(ctx context.Context, driverID uuid.UUID) ([]domain.Booking, error) {
	members, err := r.client.SMembers(ctx, broadcastKeyPrefix+driverID.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list broadcast: %w", err)
	}
	var bookings []domain.Booking
	for _, member := range members {
		id, err := uuid.Parse(member)
		if err != nil {
			return nil, fmt.Errorf("invalid booking id %q: %w", member, err)
		}
		booking, err := r.GetBooking(ctx, id)
		if errors.Is(err, domain.ErrBookingNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, candidate := range booking.BroadcastList {
			if candidate == driverID {
				bookings = append(bookings, booking)
				break
			}
		}
	}
	return bookings, nil
}

// SwapBooking commits the booking only if the stored status still matches
// expect, and reconciles the broadcast index inside the same transaction.
func (r *RedisStore) SwapBooking(ctx context.Context, booking domain.Booking, expect domain.BookingStatus) (domain.Booking, error) {
	key := bookingKeyPrefix + booking.ID.String()
	err := r.watchLoop(ctx, func(tx *redis.Tx) error {
		existing, err := r.getBooking(ctx, tx, booking.ID)
		if err != nil {
			return err
		}
		if existing.Status != expect {
			return domain.ErrPreconditionFailed
		}
		booking.CreatedAt = existing.CreatedAt
		booking.UpdatedAt = r.clock.Now()
		payload, err := json.Marshal(booking)
		if err != nil {
			return fmt.Errorf("marshal booking: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			for _, driverID := range removedBroadcast(existing.BroadcastList, booking.BroadcastList) {
				pipe.SRem(ctx, broadcastKeyPrefix+driverID.String(), booking.ID.String())
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return domain.Booking{}, err
	}
	return booking, nil
}

// watchLoop runs fn under WATCH, retrying when EXEC aborts due to a
// concurrent write on the watched keys.
func (r *RedisStore) watchLoop(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < swapAttempts; attempt++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis swap: transaction aborted after %d attempts: %w", swapAttempts, redis.TxFailedErr)
}

func removedBroadcast(before, after []uuid.UUID) []uuid.UUID {
	kept := make(map[uuid.UUID]struct{}, len(after))
	for _, id := range after {
		kept[id] = struct{}{}
	}
	var removed []uuid.UUID
	for _, id := range before {
		if _, ok := kept[id]; !ok {
			removed = append(removed, id)
		}
	}
	return removed
}
