package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medhaus/clinic-scheduler/internal/schedule"
)

// Handlers carries the scheduler components the HTTP surface fronts.
type Handlers struct {
	repo      schedule.Repository
	generator *schedule.Generator
	lifecycle *schedule.Lifecycle
	loc       *time.Location
	validate  *validator.Validate
	log       *zap.Logger
}

func NewHandlers(repo schedule.Repository, generator *schedule.Generator, lifecycle *schedule.Lifecycle, loc *time.Location, log *zap.Logger) *Handlers {
	return &Handlers{
		repo:      repo,
		generator: generator,
		lifecycle: lifecycle,
		loc:       loc,
		validate:  validator.New(),
		log:       log,
	}
}

// GetAvailability handles GET /availability?provider_id&start_date&end_date.
// Slots are generated (or reconciled) on demand, then only open ones are
// returned, grouped by date.
func (h *Handlers) GetAvailability(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(r.URL.Query().Get("provider_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
		return
	}

	startDate, err := time.ParseInLocation("2006-01-02", r.URL.Query().Get("start_date"), h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start_date", "start_date must be YYYY-MM-DD")
		return
	}
	endDate, err := time.ParseInLocation("2006-01-02", r.URL.Query().Get("end_date"), h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end_date", "end_date must be YYYY-MM-DD")
		return
	}

	slots, err := h.generator.Generate(r.Context(), providerID, startDate, endDate, false)
	if err != nil {
		h.handleError(w, err)
		return
	}

	resp := AvailabilityResponse{ProviderID: providerID}
	var current *DaySlots
	for _, s := range slots {
		if !s.Available || s.AppointmentID != nil {
			continue
		}
		date := s.Date.In(h.loc).Format("2006-01-02")
		if current == nil || current.Date != date {
			resp.Days = append(resp.Days, DaySlots{Date: date})
			current = &resp.Days[len(resp.Days)-1]
		}
		current.Slots = append(current.Slots, SlotResponse{Start: s.StartAt, End: s.EndAt})
	}

	writeJSON(w, http.StatusOK, resp)
}

// Book handles POST /appointments.
func (h *Handlers) Book(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	providerID, _ := uuid.Parse(req.ProviderID)
	patientID, _ := uuid.Parse(req.PatientID)

	booking := schedule.BookingRequest{
		PatientID:   patientID,
		ProviderID:  providerID,
		Start:       req.Start,
		SessionType: schedule.SessionType(req.SessionType),
		Notes:       req.Notes,
	}
	if req.ServiceID != "" {
		serviceID, _ := uuid.Parse(req.ServiceID)
		booking.ServiceID = &serviceID
	}

	appt, err := h.lifecycle.Book(r.Context(), booking)
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

// Confirm handles POST /appointments/{id}/confirm.
func (h *Handlers) Confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	appt, err := h.lifecycle.Confirm(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// Cancel handles POST /appointments/{id}/cancel.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	appt, err := h.lifecycle.Cancel(r.Context(), id, req.CancelledBy, req.Reason)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// Reschedule handles POST /appointments/{id}/reschedule.
func (h *Handlers) Reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}

	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	appt, err := h.lifecycle.Reschedule(r.Context(), id, req.NewStart, req.Reason)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// Complete handles POST /appointments/{id}/complete.
func (h *Handlers) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	appt, err := h.lifecycle.Complete(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// MarkNoShow handles POST /appointments/{id}/no-show.
func (h *Handlers) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	appt, err := h.lifecycle.MarkNoShow(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// GetAppointment handles GET /appointments/{id}.
func (h *Handlers) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	appt, err := h.repo.GetAppointmentByID(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// ListAppointments handles GET /appointments?patient_id=|provider_id=.
func (h *Handlers) ListAppointments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	var (
		appts []schedule.Appointment
		err   error
	)
	switch {
	case r.URL.Query().Get("patient_id") != "":
		patientID, parseErr := uuid.Parse(r.URL.Query().Get("patient_id"))
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		appts, err = h.repo.ListAppointmentsByPatient(r.Context(), patientID, limit, offset)
	case r.URL.Query().Get("provider_id") != "":
		providerID, parseErr := uuid.Parse(r.URL.Query().Get("provider_id"))
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}
		appts, err = h.repo.ListAppointmentsByProvider(r.Context(), providerID, limit, offset)
	default:
		writeError(w, http.StatusBadRequest, "missing_filter", "patient_id or provider_id is required")
		return
	}
	if err != nil {
		h.handleError(w, err)
		return
	}

	resp := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		resp = append(resp, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) handleError(w http.ResponseWriter, err error) {
	var (
		ve *schedule.ValidationError
		sc *schedule.SlotConflictError
		it *schedule.InvalidTransitionError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation_error", ve.Reason)
	case errors.As(err, &sc):
		writeError(w, http.StatusConflict, "slot_conflict", sc.Reason)
	case errors.Is(err, schedule.ErrIntervalBeingBooked):
		writeError(w, http.StatusConflict, "slot_conflict", "interval is currently being booked, please retry shortly")
	case errors.As(err, &it):
		writeError(w, http.StatusConflict, "invalid_transition", it.Error())
	case errors.Is(err, schedule.ErrNotAcceptingNew):
		writeError(w, http.StatusConflict, "not_accepting_bookings", err.Error())
	case errors.Is(err, schedule.ErrPatientNotFound),
		errors.Is(err, schedule.ErrProviderNotFound),
		errors.Is(err, schedule.ErrServiceNotFound),
		errors.Is(err, schedule.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
