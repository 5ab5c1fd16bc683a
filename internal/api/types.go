package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/medhaus/clinic-scheduler/internal/schedule"
)

type BookRequest struct {
	ProviderID  string    `json:"provider_id" validate:"required,uuid"`
	PatientID   string    `json:"patient_id" validate:"required,uuid"`
	ServiceID   string    `json:"service_id,omitempty" validate:"omitempty,uuid"`
	Start       time.Time `json:"start" validate:"required"`
	SessionType string    `json:"session_type" validate:"required,oneof=telehealth in_person"`
	Notes       string    `json:"notes,omitempty"`
}

type CancelRequest struct {
	CancelledBy string `json:"cancelled_by" validate:"required"`
	Reason      string `json:"reason,omitempty"`
}

type RescheduleRequest struct {
	NewStart time.Time `json:"new_start" validate:"required"`
	Reason   string    `json:"reason,omitempty"`
}

type AppointmentResponse struct {
	ID               uuid.UUID  `json:"id"`
	PatientID        uuid.UUID  `json:"patient_id"`
	ProviderID       uuid.UUID  `json:"provider_id"`
	ServiceID        *uuid.UUID `json:"service_id,omitempty"`
	Start            time.Time  `json:"start"`
	End              time.Time  `json:"end"`
	DurationMinutes  int        `json:"duration_minutes"`
	Status           string     `json:"status"`
	SessionType      string     `json:"session_type"`
	Notes            string     `json:"notes,omitempty"`
	CancelledBy      *string    `json:"cancelled_by,omitempty"`
	CancelReason     *string    `json:"cancel_reason,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	PreviousStart    *time.Time `json:"previous_start,omitempty"`
	RescheduleReason *string    `json:"reschedule_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toAppointmentResponse(a *schedule.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		PatientID:        a.PatientID,
		ProviderID:       a.ProviderID,
		ServiceID:        a.ServiceID,
		Start:            a.StartAt,
		End:              a.EndAt(),
		DurationMinutes:  a.DurationMinutes,
		Status:           string(a.Status),
		SessionType:      string(a.SessionType),
		Notes:            a.Notes,
		CancelledBy:      a.CancelledBy,
		CancelReason:     a.CancelReason,
		CancelledAt:      a.CancelledAt,
		PreviousStart:    a.PreviousStartAt,
		RescheduleReason: a.RescheduleReason,
		CreatedAt:        a.CreatedAt,
	}
}

type SlotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type DaySlots struct {
	Date  string         `json:"date"`
	Slots []SlotResponse `json:"slots"`
}

type AvailabilityResponse struct {
	ProviderID uuid.UUID  `json:"provider_id"`
	Days       []DaySlots `json:"days"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
