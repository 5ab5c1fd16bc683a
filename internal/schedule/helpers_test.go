package schedule

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/medhaus/clinic-scheduler/internal/redis"
)

// Fixed reference times used across the package tests. March 9 2025 is a
// Sunday, so "tomorrow" from sundayMorning is Monday March 10.
var (
	sundayMorning = time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC)
	mondayDate    = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

// testEnv wires the scheduling core against the in-memory repository with a
// pinned clock, the way the binaries wire it against Postgres and Redis.
type testEnv struct {
	repo         *MemoryRepository
	generator    *Generator
	reservations *ReservationService
	lifecycle    *Lifecycle

	providerID uuid.UUID
	patientID  uuid.UUID
	now        time.Time
}

func newTestEnv(now time.Time) *testEnv {
	repo := NewMemoryRepository()
	log := zap.NewNop()

	reservations := NewReservationService(repo, redisclient.NopLocker{}, time.UTC, log)
	generator := NewGenerator(repo, reservations, time.UTC, fixedClock(now), log)
	lifecycle := NewLifecycle(repo, reservations, time.UTC, fixedClock(now), 2*time.Hour, log)

	env := &testEnv{
		repo:         repo,
		generator:    generator,
		reservations: reservations,
		lifecycle:    lifecycle,
		providerID:   uuid.New(),
		patientID:    uuid.New(),
		now:          now,
	}

	repo.AddProvider(Provider{ID: env.providerID, Name: "Dr. Reyes"})
	repo.AddPatient(Patient{ID: env.patientID, Name: "Alex Okafor"})
	return env
}

func (e *testEnv) setProfile(sessionMinutes, breakMinutes int) {
	e.repo.SetProfile(SchedulingProfile{
		ProviderID:           e.providerID,
		SessionMinutes:       sessionMinutes,
		BreakMinutes:         breakMinutes,
		AcceptingNewBookings: true,
	})
}

func (e *testEnv) addPattern(day time.Weekday, start, end string) {
	e.repo.AddPattern(AvailabilityPattern{
		ID:         uuid.New(),
		ProviderID: e.providerID,
		DayOfWeek:  day,
		StartTime:  start,
		EndTime:    end,
		Active:     true,
	})
}

func (e *testEnv) newAppointment(start time.Time, minutes int) *Appointment {
	return &Appointment{
		ID:              uuid.New(),
		PatientID:       e.patientID,
		ProviderID:      e.providerID,
		StartAt:         start,
		DurationMinutes: minutes,
		Status:          StatusScheduled,
		SessionType:     SessionInPerson,
	}
}
