package domain

import "errors"

var (
	// ErrDriverNotFound and ErrBookingNotFound are terminal: retrying the
	// same request cannot change the outcome.
	ErrDriverNotFound  = errors.New("driver not found")
	ErrBookingNotFound = errors.New("booking not found")

	// ErrDriverBusy rejects an accept attempt from a driver already onRide,
	// including re-acceptance of the booking the driver is bound to.
	ErrDriverBusy = errors.New("driver is already on a ride")

	// ErrBookingTaken rejects an accept attempt against a booking that is no
	// longer waiting.
	ErrBookingTaken = errors.New("booking is no longer available")

	// ErrPreconditionFailed is returned by store compare-and-set writes when
	// the record's status changed since it was read.
	ErrPreconditionFailed = errors.New("stored status does not match expected status")
)

// IsNotFound reports whether err maps to a missing driver or booking.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDriverNotFound) || errors.Is(err, ErrBookingNotFound)
}

// IsConflict reports whether err is a terminal precondition rejection.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDriverBusy) || errors.Is(err, ErrBookingTaken)
}
