package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/medhaus/clinic-scheduler/internal/redis"
)

// ReservationService is the atomic core of the scheduler: it reserves,
// releases and transfers slot reservations as appointments move through
// their lifecycle.
//
// Reserve and Transfer run their check-then-write sequence inside a single
// transaction with the target slot row locked, so two concurrent requests
// for the same interval can never both observe "available" and both commit.
// A per-interval Redis lock additionally serializes across processes; the
// transaction and the unique index on live appointments remain the
// authoritative guards.
type ReservationService struct {
	repo   Repository
	locker redisclient.Locker
	loc    *time.Location
	log    *zap.Logger
}

func NewReservationService(repo Repository, locker redisclient.Locker, loc *time.Location, log *zap.Logger) *ReservationService {
	return &ReservationService{
		repo:   repo,
		locker: locker,
		loc:    loc,
		log:    log,
	}
}

// Reserve books appt's interval and returns the reserved slot. The
// appointment row is created in the same transaction. On any conflict the
// caller receives a SlotConflictError carrying the checker's reason and
// nothing is written.
func (s *ReservationService) Reserve(ctx context.Context, appt *Appointment) (*TimeSlot, error) {
	var reserved *TimeSlot

	err := s.locker.WithIntervalLock(ctx, appt.ProviderID, appt.StartAt, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			// Lock the slot row first if one exists, so the check below
			// cannot race a concurrent write. If none exists the checker
			// falls through to the pattern tier, and the row is only
			// materialized once the interval has passed the check.
			slot, err := tx.LockSlotByStart(lockCtx, appt.ProviderID, appt.StartAt)
			if err != nil && !errors.Is(err, ErrSlotNotFound) {
				return fmt.Errorf("lock slot: %w", err)
			}

			checker := NewChecker(tx, s.loc)
			ok, reason, err := checker.isBookable(lockCtx, appt.ProviderID, appt.StartAt, appt.EndAt(), nil)
			if err != nil {
				return err
			}
			if !ok {
				return &SlotConflictError{Reason: reason}
			}

			if slot == nil {
				slot, err = s.materializeSlot(lockCtx, tx, appt.ProviderID, appt.StartAt, appt.EndAt())
				if err != nil {
					return err
				}
			}

			if err := tx.CreateAppointment(lockCtx, appt); err != nil {
				return fmt.Errorf("create appointment: %w", err)
			}

			slot.Available = false
			slot.AppointmentID = &appt.ID
			if err := tx.SaveSlotReservation(lockCtx, slot); err != nil {
				return fmt.Errorf("reserve slot: %w", err)
			}

			reserved = slot
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrIntervalBeingBooked
		}
		return nil, err
	}
	return reserved, nil
}

// Release frees the slot backing appt, if any. Bookings made through
// channels that bypass slot pre-generation may have no slot row; that is
// not an error.
func (s *ReservationService) Release(ctx context.Context, appt *Appointment) error {
	return s.repo.WithTx(ctx, func(tx Repository) error {
		return s.releaseIn(ctx, tx, appt)
	})
}

func (s *ReservationService) releaseIn(ctx context.Context, tx Repository, appt *Appointment) error {
	slot, err := tx.GetSlotByAppointment(ctx, appt.ID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil
		}
		return fmt.Errorf("find slot for appointment: %w", err)
	}

	locked, err := tx.LockSlotByStart(ctx, slot.ProviderID, slot.StartAt)
	if err != nil {
		return fmt.Errorf("lock slot: %w", err)
	}
	// Only the owning appointment may free the slot.
	if locked.AppointmentID == nil || *locked.AppointmentID != appt.ID {
		return nil
	}

	locked.Available = true
	locked.AppointmentID = nil
	if err := tx.SaveSlotReservation(ctx, locked); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// Transfer moves appt to a new interval as one logical operation: the new
// interval is reserved first, then the old one is released, all inside one
// transaction. A failure on the new interval therefore leaves the old
// reservation intact.
func (s *ReservationService) Transfer(ctx context.Context, appt *Appointment, newStart time.Time) (*TimeSlot, error) {
	oldStart := appt.StartAt
	oldPrevStart := appt.PreviousStartAt
	sameStart := newStart.Equal(oldStart)
	newEnd := newStart.Add(time.Duration(appt.DurationMinutes) * time.Minute)

	var reserved *TimeSlot

	err := s.locker.WithIntervalLock(ctx, appt.ProviderID, newStart, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			newSlot, err := tx.LockSlotByStart(lockCtx, appt.ProviderID, newStart)
			if err != nil && !errors.Is(err, ErrSlotNotFound) {
				return fmt.Errorf("lock slot: %w", err)
			}

			checker := NewChecker(tx, s.loc)
			ok, reason, err := checker.isBookable(lockCtx, appt.ProviderID, newStart, newEnd, &appt.ID)
			if err != nil {
				return err
			}
			if !ok {
				return &SlotConflictError{Reason: reason}
			}

			if newSlot == nil {
				newSlot, err = s.materializeSlot(lockCtx, tx, appt.ProviderID, newStart, newEnd)
				if err != nil {
					return err
				}
			}

			if !sameStart {
				appt.PreviousStartAt = &oldStart
				appt.StartAt = newStart
			}
			if err := tx.UpdateAppointment(lockCtx, appt); err != nil {
				return fmt.Errorf("move appointment: %w", err)
			}

			newSlot.Available = false
			newSlot.AppointmentID = &appt.ID
			if err := tx.SaveSlotReservation(lockCtx, newSlot); err != nil {
				return fmt.Errorf("reserve new slot: %w", err)
			}

			// When the target interval is the current one, the row just
			// reserved above IS the old slot; releasing it would strand a
			// live appointment on an open slot.
			if sameStart {
				reserved = newSlot
				return nil
			}

			oldSlot, err := tx.LockSlotByStart(lockCtx, appt.ProviderID, oldStart)
			if err != nil {
				if errors.Is(err, ErrSlotNotFound) {
					reserved = newSlot
					return nil
				}
				return fmt.Errorf("lock old slot: %w", err)
			}
			if oldSlot.AppointmentID != nil && *oldSlot.AppointmentID == appt.ID {
				oldSlot.Available = true
				oldSlot.AppointmentID = nil
				if err := tx.SaveSlotReservation(lockCtx, oldSlot); err != nil {
					return fmt.Errorf("release old slot: %w", err)
				}
			}

			reserved = newSlot
			return nil
		})
	})
	if err != nil {
		// Restore the in-memory fields; nothing was committed.
		appt.StartAt = oldStart
		appt.PreviousStartAt = oldPrevStart
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrIntervalBeingBooked
		}
		return nil, err
	}
	return reserved, nil
}

// materializeSlot creates and locks the slot row at (provider, start) for a
// booking that targets an interval no generation run has reached yet. Callers
// must have validated the interval first.
func (s *ReservationService) materializeSlot(ctx context.Context, tx Repository, providerID uuid.UUID, start, end time.Time) (*TimeSlot, error) {
	if _, err := tx.UpsertGeneratedSlots(ctx, []TimeSlot{{
		ID:         uuid.New(),
		ProviderID: providerID,
		Date:       DateOf(start, s.loc),
		StartAt:    start,
		EndAt:      end,
		Available:  true,
	}}); err != nil {
		return nil, fmt.Errorf("materialize slot: %w", err)
	}

	slot, err := tx.LockSlotByStart(ctx, providerID, start)
	if err != nil {
		return nil, fmt.Errorf("lock materialized slot: %w", err)
	}
	return slot, nil
}
