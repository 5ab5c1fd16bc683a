package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all storage interactions needed by the scheduler.
//
// All concurrency guarantees live here: WithTx must provide a transaction
// whose writes either all commit or all roll back, and LockSlotByStart must
// hold the slot row exclusively until the transaction ends so that check and
// write act as one atomic step.
type Repository interface {
	// WithTx runs fn against a transaction-scoped repository. Any error
	// from fn rolls the whole transaction back. Nested calls reuse the
	// surrounding transaction.
	WithTx(ctx context.Context, fn func(Repository) error) error

	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error)
	ListProviderIDs(ctx context.Context) ([]uuid.UUID, error)

	GetSchedulingProfile(ctx context.Context, providerID uuid.UUID) (*SchedulingProfile, error)
	ListActivePatterns(ctx context.Context, providerID uuid.UUID) ([]AvailabilityPattern, error)

	GetSlotByStart(ctx context.Context, providerID uuid.UUID, start time.Time) (*TimeSlot, error)
	// LockSlotByStart is GetSlotByStart with an exclusive row lock held for
	// the remainder of the enclosing transaction.
	LockSlotByStart(ctx context.Context, providerID uuid.UUID, start time.Time) (*TimeSlot, error)
	GetSlotByAppointment(ctx context.Context, appointmentID uuid.UUID) (*TimeSlot, error)
	ListSlotsInRange(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]TimeSlot, error)
	// UpsertGeneratedSlots writes slots keyed by (provider, start). An
	// existing row keeps its availability flag and appointment link; only
	// date and end are refreshed. Returns the persisted rows.
	UpsertGeneratedSlots(ctx context.Context, slots []TimeSlot) ([]TimeSlot, error)
	// SaveSlotReservation persists the reservation fields (available,
	// appointment link) of an existing slot.
	SaveSlotReservation(ctx context.Context, slot *TimeSlot) error
	// DeletePastOpenSlots removes unreserved slots dated before the cutoff.
	DeletePastOpenSlots(ctx context.Context, before time.Time) (int64, error)

	CreateAppointment(ctx context.Context, a *Appointment) error
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointment(ctx context.Context, a *Appointment) error
	// UpdateAppointmentStatus is a compare-and-swap: the row moves from
	// `from` to `to` or the call fails with ErrAppointmentNotFound.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	// ListLiveAppointmentsOverlapping returns scheduled/confirmed
	// appointments for the provider whose [start, end) interval overlaps
	// [from, to). exclude, when set, skips that appointment (reschedules
	// must not conflict with themselves).
	ListLiveAppointmentsOverlapping(ctx context.Context, providerID uuid.UUID, from, to time.Time, exclude *uuid.UUID) ([]Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]Appointment, error)
	// FindAutoCompletable returns live appointments whose interval ended
	// before the cutoff, for the auto-complete sweep.
	FindAutoCompletable(ctx context.Context, endedBefore time.Time) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
