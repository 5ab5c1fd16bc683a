package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReconcileRange(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	slots, err := env.generator.Generate(ctx, env.providerID, mondayDate, mondayDate, false)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	rangeEnd := mondayDate.AddDate(0, 0, 1)

	t.Run("links slot to out-of-band booking", func(t *testing.T) {
		// A live appointment written without going through the slot layer.
		appt := env.newAppointment(slots[0].StartAt, 50)
		require.NoError(t, env.repo.CreateAppointment(ctx, appt))

		repaired, err := env.reservations.ReconcileRange(ctx, env.providerID, mondayDate, rangeEnd)
		require.NoError(t, err)
		require.Len(t, repaired, 3)

		assert.False(t, repaired[0].Available)
		require.NotNil(t, repaired[0].AppointmentID)
		assert.Equal(t, appt.ID, *repaired[0].AppointmentID)
	})

	t.Run("reopens slot whose appointment is gone", func(t *testing.T) {
		// The slot still points at an appointment that has since been
		// cancelled.
		appt := env.newAppointment(slots[1].StartAt, 50)
		reserved, err := env.reservations.Reserve(ctx, appt)
		require.NoError(t, err)
		require.False(t, reserved.Available)

		_, err = env.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusScheduled, StatusCancelled)
		require.NoError(t, err)

		repaired, err := env.reservations.ReconcileRange(ctx, env.providerID, mondayDate, rangeEnd)
		require.NoError(t, err)

		assert.True(t, repaired[1].Available)
		assert.Nil(t, repaired[1].AppointmentID)
	})

	t.Run("leaves manually held slots alone", func(t *testing.T) {
		held := slots[2]
		held.Available = false
		held.AppointmentID = nil
		require.NoError(t, env.repo.SaveSlotReservation(ctx, &held))

		repaired, err := env.reservations.ReconcileRange(ctx, env.providerID, mondayDate, rangeEnd)
		require.NoError(t, err)

		assert.False(t, repaired[2].Available)
		assert.Nil(t, repaired[2].AppointmentID)
	})
}

func TestWorkerRunOnce(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	worker := NewWorker(env.repo, env.generator, env.reservations, env.lifecycle,
		time.UTC, fixedClock(sundayMorning), zap.NewNop())
	worker.HorizonDays = 6 // Sunday start: Mon through Sat, exactly one Monday
	worker.RetentionDays = 30

	require.NoError(t, worker.RunOnce(ctx))

	horizonEnd := DateOf(sundayMorning, time.UTC).AddDate(0, 0, worker.HorizonDays+1)
	slots, err := env.repo.ListSlotsInRange(ctx, env.providerID, mondayDate, horizonEnd)
	require.NoError(t, err)
	assert.Len(t, slots, 3, "one Monday inside the horizon, three slots on it")

	// A second run is a no-op: existing days reconcile instead of
	// duplicating.
	require.NoError(t, worker.RunOnce(ctx))
	slots, err = env.repo.ListSlotsInRange(ctx, env.providerID, mondayDate, horizonEnd)
	require.NoError(t, err)
	assert.Len(t, slots, 3)
}

func TestWorkerPrunesPastOpenSlots(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	// Generate Monday's slots, then book one, then move the clock far past
	// the retention window. Open slots get pruned, the booked one stays.
	slots, err := env.generator.Generate(ctx, env.providerID, mondayDate, mondayDate, false)
	require.NoError(t, err)
	require.Len(t, slots, 3)

	appt := env.newAppointment(slots[0].StartAt, 50)
	_, err = env.reservations.Reserve(ctx, appt)
	require.NoError(t, err)

	later := sundayMorning.AddDate(0, 0, 60)
	worker := NewWorker(env.repo, env.generator, env.reservations, env.lifecycle,
		time.UTC, fixedClock(later), zap.NewNop())
	worker.HorizonDays = 1
	worker.RetentionDays = 14

	require.NoError(t, worker.RunOnce(ctx))

	remaining, err := env.repo.ListSlotsInRange(ctx, env.providerID, mondayDate, mondayDate.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.NotNil(t, remaining[0].AppointmentID)
	assert.Equal(t, appt.ID, *remaining[0].AppointmentID)
}

func TestWorkerAutoCompletes(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	appt := env.book(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	// Tuesday: the appointment ended long past the grace period.
	tuesday := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	lifecycle := NewLifecycle(env.repo, env.reservations, time.UTC, fixedClock(tuesday), 2*time.Hour, zap.NewNop())
	worker := NewWorker(env.repo, env.generator, env.reservations, lifecycle,
		time.UTC, fixedClock(tuesday), zap.NewNop())
	worker.HorizonDays = 1

	require.NoError(t, worker.RunOnce(ctx))

	stored, err := env.repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}
