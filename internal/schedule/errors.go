package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrServiceNotFound     = errors.New("service not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrProfileNotFound     = errors.New("scheduling profile not found")

	ErrIntervalBeingBooked = errors.New("interval is currently being booked, please retry")
	ErrNotAcceptingNew     = errors.New("provider is not accepting new bookings")
)

// ValidationError marks malformed or out-of-policy input. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// SlotConflictError is returned when a reservation attempt loses a race or
// targets an unavailable interval. Carries the checker's reason.
type SlotConflictError struct {
	Reason string
}

func (e *SlotConflictError) Error() string {
	return "slot conflict: " + e.Reason
}

// InvalidTransitionError is returned for lifecycle transitions out of a
// terminal state or otherwise outside the state machine.
type InvalidTransitionError struct {
	From AppointmentStatus
	To   AppointmentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// IsConflict reports whether err is a booking conflict of any kind.
func IsConflict(err error) bool {
	var sc *SlotConflictError
	return errors.As(err, &sc) || errors.Is(err, ErrIntervalBeingBooked)
}
