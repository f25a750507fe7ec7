package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/dispatch/domain"
)

// Config defines tunables for the ride sweeper.
type Config struct {
	// Interval is how often a sweep cycle runs.
	Interval time.Duration
	// MaxRideDuration is the business threshold after which an onRide
	// driver's ride is force-completed. It is measured from the driver's
	// last mutation, not from wall-clock ride start.
	MaxRideDuration time.Duration
}

// Sweeper force-completes rides that have outlived the allowed duration,
// returning their drivers to the waiting pool.
type Sweeper struct {
	store  domain.Store
	events domain.EventPublisher
	clock  domain.Clock
	logger *zap.Logger
	cfg    Config
	tracer trace.Tracer
}

// New constructs a sweeper.
func New(store domain.Store, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxRideDuration <= 0 {
		cfg.MaxRideDuration = 5 * time.Minute
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:  store,
		events: events,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("dispatch.sweep"),
	}
}

// Run executes sweep cycles on the configured interval until the context is
// cancelled. Cycle errors are logged and the loop keeps going; failed items
// are picked up again on the next cycle.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep cycle failed", zap.Error(err))
		}
	}
}

// SweepOnce runs a single cycle over a fresh snapshot of onRide drivers and
// returns how many rides it completed. A failure on one driver/booking pair
// never aborts the rest of the cycle.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "sweep.cycle")
	defer span.End()

	drivers, err := s.store.ListDriversByStatus(ctx, domain.DriverOnRide)
	if err != nil {
		return 0, fmt.Errorf("list onRide drivers: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.cfg.MaxRideDuration)
	completed := 0
	for _, driver := range drivers {
		if driver.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.sweepDriver(ctx, driver); err != nil {
			sweepErrors.Inc()
			s.logger.Warn("sweep item failed",
				zap.String("driver_id", driver.ID.String()),
				zap.Error(err))
			continue
		}
		completed++
		sweepCompleted.Inc()
	}
	return completed, nil
}

func (s *Sweeper) sweepDriver(ctx context.Context, driver domain.Driver) error {
	if driver.CurrentRide == nil {
		return fmt.Errorf("driver %s is onRide without a current ride", driver.ID)
	}
	bookingID := *driver.CurrentRide

	// Resolve the booking before touching the driver: if it is missing the
	// driver stays onRide and the pair is retried next cycle.
	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("resolve current ride: %w", err)
	}

	released := driver
	released.Status = domain.DriverWaiting
	released.CurrentRide = nil
	if _, err := s.store.SwapDriver(ctx, released, domain.DriverOnRide); err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			// Completed elsewhere between the snapshot and now.
			return nil
		}
		return fmt.Errorf("release driver: %w", err)
	}

	finished := booking
	finished.Status = domain.BookingFinished
	if _, err := s.store.SwapBooking(ctx, finished, domain.BookingOnRide); err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			// Booking already left onRide; the driver release stands.
			return nil
		}
		return fmt.Errorf("finish booking: %w", err)
	}

	if s.events != nil {
		err := s.events.Publish(ctx, domain.Event{
			Type:      domain.EventRideFinished,
			BookingID: bookingID,
			DriverID:  &driver.ID,
			Payload:   map[string]any{"reason": "max ride duration exceeded"},
		})
		if err != nil {
			s.logger.Warn("event publish failed",
				zap.String("booking_id", bookingID.String()),
				zap.Error(err))
		}
	}
	s.logger.Info("ride force-completed",
		zap.String("driver_id", driver.ID.String()),
		zap.String("booking_id", bookingID.String()))
	return nil
}
