package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
)

// Lifecycle governs an appointment's status and the slot side effects of
// each transition.
//
// scheduled -> confirmed -> completed
// scheduled/confirmed    -> cancelled | no_show (terminal)
//
// Terminal states accept no further transitions.
type Lifecycle struct {
	repo          Repository
	reservations  *ReservationService
	loc           *time.Location
	now           Clock
	completeGrace time.Duration
	log           *zap.Logger
}

func NewLifecycle(repo Repository, reservations *ReservationService, loc *time.Location, now Clock, completeGrace time.Duration, log *zap.Logger) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		repo:          repo,
		reservations:  reservations,
		loc:           loc,
		now:           now,
		completeGrace: completeGrace,
		log:           log,
	}
}

// BookingRequest is the input to Book once transport-level validation has
// passed.
type BookingRequest struct {
	PatientID   uuid.UUID
	ProviderID  uuid.UUID
	ServiceID   *uuid.UUID
	Start       time.Time
	SessionType SessionType
	Notes       string
}

// Book creates a scheduled appointment, reserving its slot atomically.
func (l *Lifecycle) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if !req.Start.After(l.now()) {
		return nil, validationf("booking start %s is not in the future", req.Start.In(l.loc).Format(time.RFC3339))
	}
	switch req.SessionType {
	case SessionTelehealth, SessionInPerson:
	default:
		return nil, validationf("unknown session type %q", req.SessionType)
	}

	if _, err := l.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	profile, err := l.repo.GetSchedulingProfile(ctx, req.ProviderID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			// An unconfigured provider has zero availability.
			return nil, &SlotConflictError{Reason: "provider has no configured availability"}
		}
		return nil, fmt.Errorf("load scheduling profile: %w", err)
	}
	if !profile.AcceptingNewBookings {
		return nil, ErrNotAcceptingNew
	}

	duration := profile.SessionMinutes
	if req.ServiceID != nil {
		svc, err := l.repo.GetServiceByID(ctx, *req.ServiceID)
		if err != nil {
			if errors.Is(err, ErrServiceNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("load service: %w", err)
		}
		if svc.DurationMinutes > 0 {
			duration = svc.DurationMinutes
		}
	}
	if duration <= 0 {
		return nil, &SlotConflictError{Reason: "provider has no configured session duration"}
	}

	appt := &Appointment{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		ProviderID:      req.ProviderID,
		ServiceID:       req.ServiceID,
		StartAt:         req.Start,
		DurationMinutes: duration,
		Status:          StatusScheduled,
		SessionType:     req.SessionType,
		Notes:           req.Notes,
	}

	if _, err := l.reservations.Reserve(ctx, appt); err != nil {
		return nil, err
	}

	l.logEvent(ctx, appt.ID, EventAppointmentCreated, map[string]any{
		"provider_id": appt.ProviderID.String(),
		"patient_id":  appt.PatientID.String(),
		"start":       appt.StartAt,
		"end":         appt.EndAt(),
	})
	return appt, nil
}

// Confirm moves a scheduled appointment to confirmed.
func (l *Lifecycle) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := l.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusScheduled {
		return nil, &InvalidTransitionError{From: appt.Status, To: StatusConfirmed}
	}

	updated, err := l.repo.UpdateAppointmentStatus(ctx, id, StatusScheduled, StatusConfirmed)
	if err != nil {
		return nil, l.transitionRaceError(ctx, l.repo, id, StatusConfirmed, err)
	}

	l.logEvent(ctx, id, EventAppointmentConfirmed, map[string]any{})
	return updated, nil
}

// Cancel is the soft delete: the appointment moves to cancelled, its slot is
// released and the cancellation metadata is recorded, all in one transaction.
func (l *Lifecycle) Cancel(ctx context.Context, id uuid.UUID, cancelledBy, reason string) (*Appointment, error) {
	var cancelled *Appointment

	err := l.repo.WithTx(ctx, func(tx Repository) error {
		appt, err := tx.GetAppointmentByID(ctx, id)
		if err != nil {
			return err
		}
		if !appt.Status.Live() {
			return &InvalidTransitionError{From: appt.Status, To: StatusCancelled}
		}

		updated, err := tx.UpdateAppointmentStatus(ctx, id, appt.Status, StatusCancelled)
		if err != nil {
			return l.transitionRaceError(ctx, tx, id, StatusCancelled, err)
		}

		now := l.now()
		updated.CancelledBy = &cancelledBy
		updated.CancelReason = &reason
		updated.CancelledAt = &now
		if err := tx.UpdateAppointment(ctx, updated); err != nil {
			return fmt.Errorf("record cancellation: %w", err)
		}

		if err := l.reservations.releaseIn(ctx, tx, updated); err != nil {
			return err
		}

		cancelled = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logEvent(ctx, id, EventAppointmentCancelled, map[string]any{
		"cancelled_by": cancelledBy,
		"reason":       reason,
	})
	return cancelled, nil
}

// Reschedule moves the appointment to a new start, transferring its slot
// reservation atomically. The status is unchanged; reschedule metadata is
// recorded.
func (l *Lifecycle) Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time, reason string) (*Appointment, error) {
	if !newStart.After(l.now()) {
		return nil, validationf("new start %s is not in the future", newStart.In(l.loc).Format(time.RFC3339))
	}

	appt, err := l.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.Live() {
		return nil, &InvalidTransitionError{From: appt.Status, To: appt.Status}
	}

	oldStart := appt.StartAt
	oldEnd := appt.EndAt()
	appt.RescheduleReason = &reason

	if _, err := l.reservations.Transfer(ctx, appt, newStart); err != nil {
		appt.RescheduleReason = nil
		return nil, err
	}

	l.logEvent(ctx, id, EventAppointmentRescheduled, map[string]any{
		"old_start": oldStart,
		"old_end":   oldEnd,
		"new_start": appt.StartAt,
		"new_end":   appt.EndAt(),
		"reason":    reason,
	})
	return appt, nil
}

// Complete marks a live appointment completed. The slot stays consumed.
func (l *Lifecycle) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := l.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.Live() {
		return nil, &InvalidTransitionError{From: appt.Status, To: StatusCompleted}
	}

	updated, err := l.repo.UpdateAppointmentStatus(ctx, id, appt.Status, StatusCompleted)
	if err != nil {
		return nil, l.transitionRaceError(ctx, l.repo, id, StatusCompleted, err)
	}

	l.logEvent(ctx, id, EventAppointmentCompleted, map[string]any{})
	return updated, nil
}

// MarkNoShow marks a live appointment as a no-show. Only valid after the
// interval has elapsed, and only ever by explicit action; the sweep never
// sets it.
func (l *Lifecycle) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := l.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.Live() {
		return nil, &InvalidTransitionError{From: appt.Status, To: StatusNoShow}
	}
	if !l.now().After(appt.EndAt()) {
		return nil, validationf("appointment interval has not elapsed yet")
	}

	updated, err := l.repo.UpdateAppointmentStatus(ctx, id, appt.Status, StatusNoShow)
	if err != nil {
		return nil, l.transitionRaceError(ctx, l.repo, id, StatusNoShow, err)
	}

	l.logEvent(ctx, id, EventAppointmentNoShow, map[string]any{})
	return updated, nil
}

// AutoCompleteSweep completes live appointments whose interval ended more
// than the configured grace period ago. Returns how many were completed.
func (l *Lifecycle) AutoCompleteSweep(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.completeGrace)
	candidates, err := l.repo.FindAutoCompletable(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find auto-completable appointments: %w", err)
	}

	completed := 0
	for _, appt := range candidates {
		if _, err := l.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, StatusCompleted); err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				continue // lost a race with an explicit transition
			}
			l.log.Warn("auto-complete failed",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(err))
			continue
		}
		l.logEvent(ctx, appt.ID, EventAppointmentCompleted, map[string]any{"reason": "auto_sweep"})
		completed++
	}
	return completed, nil
}

// transitionRaceError turns a failed status CAS into the right client error:
// the row either vanished or moved under us. The re-read goes through repo so
// that a caller inside a transaction stays on the transaction's view.
func (l *Lifecycle) transitionRaceError(ctx context.Context, repo Repository, id uuid.UUID, to AppointmentStatus, err error) error {
	if !errors.Is(err, ErrAppointmentNotFound) {
		return err
	}
	current, readErr := repo.GetAppointmentByID(ctx, id)
	if readErr != nil {
		return readErr
	}
	return &InvalidTransitionError{From: current.Status, To: to}
}

func (l *Lifecycle) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		l.log.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     l.now(),
	}
	if err := l.repo.InsertEvent(ctx, ev); err != nil {
		l.log.Warn("insert event log",
			zap.String("event", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err))
	}
}
