package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconcileRange recomputes slot availability in [from, to) from the live
// appointment set. It repairs drift from bookings made through channels
// that bypass slot pre-generation: a slot overlapping a live appointment is
// forced unavailable and linked; a slot overlapping none is reopened unless
// it is manually held (unavailable with no appointment link).
//
// Each slot is repaired with the same lock-and-save primitives a live
// booking uses, so reconciliation cannot race a concurrent reservation.
func (s *ReservationService) ReconcileRange(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	slots, err := s.repo.ListSlotsInRange(ctx, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list slots in range: %w", err)
	}

	for i := range slots {
		start := slots[i].StartAt
		err := s.repo.WithTx(ctx, func(tx Repository) error {
			slot, err := tx.LockSlotByStart(ctx, providerID, start)
			if err != nil {
				if errors.Is(err, ErrSlotNotFound) {
					return nil // deleted since the list, nothing to repair
				}
				return err
			}

			overlapping, err := tx.ListLiveAppointmentsOverlapping(ctx, providerID, slot.StartAt, slot.EndAt, nil)
			if err != nil {
				return err
			}

			if len(overlapping) > 0 {
				appt := overlapping[0]
				if slot.Available || slot.AppointmentID == nil || *slot.AppointmentID != appt.ID {
					slot.Available = false
					slot.AppointmentID = &appt.ID
					if err := tx.SaveSlotReservation(ctx, slot); err != nil {
						return err
					}
				}
			} else {
				manuallyHeld := !slot.Available && slot.AppointmentID == nil
				if !manuallyHeld && (!slot.Available || slot.AppointmentID != nil) {
					slot.Available = true
					slot.AppointmentID = nil
					if err := tx.SaveSlotReservation(ctx, slot); err != nil {
						return err
					}
				}
			}

			slots[i] = *slot
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile slot at %s: %w", start.Format(time.RFC3339), err)
		}
	}
	return slots, nil
}

// Worker is the periodic background job: it rolls the slot generation window
// forward, reconciles existing slots, auto-completes elapsed appointments
// and prunes stale open slots. Single-threaded per provider; a storage
// failure for one provider is logged and the run continues with the next.
type Worker struct {
	repo         Repository
	generator    *Generator
	reservations *ReservationService
	lifecycle    *Lifecycle
	loc          *time.Location
	now          Clock

	HorizonDays   int
	RetentionDays int
	Retries       int
	Backoff       time.Duration

	log *zap.Logger
}

func NewWorker(repo Repository, generator *Generator, reservations *ReservationService, lifecycle *Lifecycle, loc *time.Location, now Clock, log *zap.Logger) *Worker {
	if now == nil {
		now = time.Now
	}
	return &Worker{
		repo:          repo,
		generator:     generator,
		reservations:  reservations,
		lifecycle:     lifecycle,
		loc:           loc,
		now:           now,
		HorizonDays:   14,
		RetentionDays: 30,
		Retries:       3,
		Backoff:       500 * time.Millisecond,
		log:           log,
	}
}

// RunOnce performs one full pass over all providers.
func (w *Worker) RunOnce(ctx context.Context) error {
	providerIDs, err := w.repo.ListProviderIDs(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}

	today := DateOf(w.now(), w.loc)
	for _, providerID := range providerIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.withRetry(ctx, func() error {
			return w.rollForward(ctx, providerID, today)
		}); err != nil {
			w.log.Error("provider pass failed, continuing",
				zap.String("provider_id", providerID.String()),
				zap.Error(err))
		}
	}

	if completed, err := w.lifecycle.AutoCompleteSweep(ctx); err != nil {
		w.log.Error("auto-complete sweep failed", zap.Error(err))
	} else if completed > 0 {
		w.log.Info("auto-completed appointments", zap.Int("count", completed))
	}

	cutoff := today.AddDate(0, 0, -w.RetentionDays)
	if deleted, err := w.repo.DeletePastOpenSlots(ctx, cutoff); err != nil {
		w.log.Error("slot retention cleanup failed", zap.Error(err))
	} else if deleted > 0 {
		w.log.Info("pruned past open slots", zap.Int64("count", deleted))
	}

	return nil
}

// rollForward generates or reconciles one day at a time so that days already
// materialized are reconciled while new days at the edge of the horizon get
// fresh slots.
func (w *Worker) rollForward(ctx context.Context, providerID uuid.UUID, today time.Time) error {
	for day := 1; day <= w.HorizonDays; day++ {
		d := today.AddDate(0, 0, day)
		if _, err := w.generator.Generate(ctx, providerID, d, d, false); err != nil {
			return fmt.Errorf("day %s: %w", d.Format("2006-01-02"), err)
		}
	}
	return nil
}

// withRetry retries transient failures with doubling backoff. Validation and
// conflict errors are never retried.
func (w *Worker) withRetry(ctx context.Context, op func() error) error {
	var err error
	backoff := w.Backoff
	for attempt := 0; attempt <= w.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = op()
		if err == nil {
			return nil
		}
		var ve *ValidationError
		if errors.As(err, &ve) || IsConflict(err) {
			return err
		}
	}
	return err
}
