package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) book(t *testing.T, start time.Time) *Appointment {
	t.Helper()
	appt, err := e.lifecycle.Book(context.Background(), BookingRequest{
		PatientID:   e.patientID,
		ProviderID:  e.providerID,
		Start:       start,
		SessionType: SessionInPerson,
	})
	require.NoError(t, err)
	return appt
}

func TestBook(t *testing.T) {
	mondayNine := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("creates a scheduled appointment with the profile duration", func(t *testing.T) {
		env := newTestEnv(sundayMorning)
		env.setProfile(50, 10)
		env.addPattern(time.Monday, "09:00", "12:00")

		appt := env.book(t, mondayNine)
		assert.Equal(t, StatusScheduled, appt.Status)
		assert.Equal(t, 50, appt.DurationMinutes)
		assert.True(t, appt.EndAt().Equal(mondayNine.Add(50*time.Minute)))

		events := env.repo.Events()
		require.Len(t, events, 1)
		assert.Equal(t, EventAppointmentCreated, events[0].EventType)
	})

	t.Run("service duration overrides the profile", func(t *testing.T) {
		env := newTestEnv(sundayMorning)
		env.setProfile(50, 10)
		env.addPattern(time.Monday, "09:00", "12:00")

		svcID := uuid.New()
		env.repo.AddService(Service{ID: svcID, Name: "Follow-up", DurationMinutes: 20})

		appt, err := env.lifecycle.Book(context.Background(), BookingRequest{
			PatientID:   env.patientID,
			ProviderID:  env.providerID,
			ServiceID:   &svcID,
			Start:       mondayNine,
			SessionType: SessionTelehealth,
		})
		require.NoError(t, err)
		assert.Equal(t, 20, appt.DurationMinutes)
	})

	t.Run("past start is rejected", func(t *testing.T) {
		env := newTestEnv(sundayMorning)
		env.setProfile(50, 10)
		env.addPattern(time.Monday, "09:00", "12:00")

		_, err := env.lifecycle.Book(context.Background(), BookingRequest{
			PatientID:   env.patientID,
			ProviderID:  env.providerID,
			Start:       sundayMorning.Add(-time.Hour),
			SessionType: SessionInPerson,
		})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("unknown patient is rejected", func(t *testing.T) {
		env := newTestEnv(sundayMorning)
		env.setProfile(50, 10)
		env.addPattern(time.Monday, "09:00", "12:00")

		_, err := env.lifecycle.Book(context.Background(), BookingRequest{
			PatientID:   uuid.New(),
			ProviderID:  env.providerID,
			Start:       mondayNine,
			SessionType: SessionInPerson,
		})
		assert.ErrorIs(t, err, ErrPatientNotFound)
	})

	t.Run("unconfigured provider conflicts", func(t *testing.T) {
		env := newTestEnv(sundayMorning)

		_, err := env.lifecycle.Book(context.Background(), BookingRequest{
			PatientID:   env.patientID,
			ProviderID:  env.providerID,
			Start:       mondayNine,
			SessionType: SessionInPerson,
		})
		assert.True(t, IsConflict(err))
	})

	t.Run("provider not accepting new bookings", func(t *testing.T) {
		env := newTestEnv(sundayMorning)
		env.repo.SetProfile(SchedulingProfile{
			ProviderID:           env.providerID,
			SessionMinutes:       50,
			AcceptingNewBookings: false,
		})
		env.addPattern(time.Monday, "09:00", "12:00")

		_, err := env.lifecycle.Book(context.Background(), BookingRequest{
			PatientID:   env.patientID,
			ProviderID:  env.providerID,
			Start:       mondayNine,
			SessionType: SessionInPerson,
		})
		assert.ErrorIs(t, err, ErrNotAcceptingNew)
	})

	t.Run("outside working hours conflicts", func(t *testing.T) {
		env := newTestEnv(sundayMorning)
		env.setProfile(50, 10)
		env.addPattern(time.Monday, "09:00", "12:00")

		_, err := env.lifecycle.Book(context.Background(), BookingRequest{
			PatientID:   env.patientID,
			ProviderID:  env.providerID,
			Start:       time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC),
			SessionType: SessionInPerson,
		})
		assert.True(t, IsConflict(err))
	})
}

func TestConfirm(t *testing.T) {
	mondayNine := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	appt := env.book(t, mondayNine)

	confirmed, err := env.lifecycle.Confirm(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	// Confirming twice is an invalid transition.
	_, err = env.lifecycle.Confirm(ctx, appt.ID)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusConfirmed, ite.From)
}

func TestCancelReleasesSlot(t *testing.T) {
	mondayNine := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	appt := env.book(t, mondayNine)

	cancelled, err := env.lifecycle.Cancel(ctx, appt.ID, "patient", "feeling better")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledBy)
	assert.Equal(t, "patient", *cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancelledAt)

	slot, err := env.repo.GetSlotByStart(ctx, env.providerID, mondayNine)
	require.NoError(t, err)
	assert.True(t, slot.Available)
	assert.Nil(t, slot.AppointmentID)

	// The interval is immediately rebookable by someone else.
	rebook := env.book(t, mondayNine)
	assert.NotEqual(t, appt.ID, rebook.ID)

	// Cancelled is terminal.
	_, err = env.lifecycle.Cancel(ctx, appt.ID, "clinic", "dup")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestRescheduleKeepsStatusAndMetadata(t *testing.T) {
	mondayNine := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	mondayEleven := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	appt := env.book(t, mondayNine)
	_, err := env.lifecycle.Confirm(ctx, appt.ID)
	require.NoError(t, err)

	moved, err := env.lifecycle.Reschedule(ctx, appt.ID, mondayEleven, "patient request")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, moved.Status)
	assert.True(t, moved.StartAt.Equal(mondayEleven))
	require.NotNil(t, moved.PreviousStartAt)
	assert.True(t, moved.PreviousStartAt.Equal(mondayNine))
	require.NotNil(t, moved.RescheduleReason)
	assert.Equal(t, "patient request", *moved.RescheduleReason)

	oldSlot, err := env.repo.GetSlotByStart(ctx, env.providerID, mondayNine)
	require.NoError(t, err)
	assert.True(t, oldSlot.Available)
}

func TestRescheduleToSameStart(t *testing.T) {
	mondayNine := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	appt := env.book(t, mondayNine)

	moved, err := env.lifecycle.Reschedule(ctx, appt.ID, mondayNine, "no change after all")
	require.NoError(t, err)
	assert.True(t, moved.StartAt.Equal(mondayNine))
	assert.Nil(t, moved.PreviousStartAt)

	// The slot must still be held by the appointment, not reopened.
	slot, err := env.repo.GetSlotByStart(ctx, env.providerID, mondayNine)
	require.NoError(t, err)
	assert.False(t, slot.Available)
	require.NotNil(t, slot.AppointmentID)
	assert.Equal(t, appt.ID, *slot.AppointmentID)
}

func TestRescheduleRejectsPastAndTerminal(t *testing.T) {
	mondayNine := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	appt := env.book(t, mondayNine)

	_, err := env.lifecycle.Reschedule(ctx, appt.ID, sundayMorning.Add(-time.Hour), "")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = env.lifecycle.Cancel(ctx, appt.ID, "patient", "")
	require.NoError(t, err)

	_, err = env.lifecycle.Reschedule(ctx, appt.ID, mondayNine.Add(2*time.Hour), "")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestCompleteAndNoShow(t *testing.T) {
	mondayNine := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("complete from confirmed", func(t *testing.T) {
		env := newTestEnv(sundayMorning)
		env.setProfile(50, 10)
		env.addPattern(time.Monday, "09:00", "12:00")
		ctx := context.Background()

		appt := env.book(t, mondayNine)
		_, err := env.lifecycle.Confirm(ctx, appt.ID)
		require.NoError(t, err)

		done, err := env.lifecycle.Complete(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)

		_, err = env.lifecycle.Complete(ctx, appt.ID)
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
	})

	t.Run("no-show requires the interval to have elapsed", func(t *testing.T) {
		env := newTestEnv(sundayMorning)
		env.setProfile(50, 10)
		env.addPattern(time.Monday, "09:00", "12:00")
		ctx := context.Background()

		appt := env.book(t, mondayNine)

		_, err := env.lifecycle.MarkNoShow(ctx, appt.ID)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)

		// Same appointment, clock moved past the end.
		after := NewLifecycle(env.repo, env.reservations, time.UTC,
			fixedClock(mondayNine.Add(2*time.Hour)), 2*time.Hour, env.lifecycle.log)
		marked, err := after.MarkNoShow(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusNoShow, marked.Status)
	})
}

func TestStatusRaceMappingInsideTransaction(t *testing.T) {
	mondayNine := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	appt := env.book(t, mondayNine)

	// A CAS losing its race mid-transaction must re-read through the
	// transaction's own view; reading through the base repository would
	// block on the transaction it is part of.
	err := env.repo.WithTx(ctx, func(tx Repository) error {
		return env.lifecycle.transitionRaceError(ctx, tx, appt.ID, StatusCancelled, ErrAppointmentNotFound)
	})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusScheduled, ite.From)
	assert.Equal(t, StatusCancelled, ite.To)
}

func TestAutoCompleteSweep(t *testing.T) {
	mondayNine := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	mondayEleven := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	early := env.book(t, mondayNine)
	late := env.book(t, mondayEleven)

	// Monday 12:30: the 09:00-09:50 appointment ended over two hours ago,
	// the 11:00 one has not cleared the grace period yet.
	sweep := NewLifecycle(env.repo, env.reservations, time.UTC,
		fixedClock(time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)), 2*time.Hour, env.lifecycle.log)

	completed, err := sweep.AutoCompleteSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)

	a, err := env.repo.GetAppointmentByID(ctx, early.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, a.Status)

	b, err := env.repo.GetAppointmentByID(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, b.Status)

	// The sweep never marks no-shows.
	for _, ev := range env.repo.Events() {
		assert.NotEqual(t, EventAppointmentNoShow, ev.EventType)
	}
}
