package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveMarksSlotAndCreatesAppointment(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	slots, err := env.generator.Generate(ctx, env.providerID, mondayDate, mondayDate, false)
	require.NoError(t, err)

	appt := env.newAppointment(slots[0].StartAt, 50)
	reserved, err := env.reservations.Reserve(ctx, appt)
	require.NoError(t, err)

	assert.False(t, reserved.Available)
	require.NotNil(t, reserved.AppointmentID)
	assert.Equal(t, appt.ID, *reserved.AppointmentID)

	stored, err := env.repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, stored.Status)
}

func TestReserveConflictWritesNothing(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	first := env.newAppointment(start, 50)
	_, err := env.reservations.Reserve(ctx, first)
	require.NoError(t, err)

	second := env.newAppointment(start, 50)
	_, err = env.reservations.Reserve(ctx, second)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// The losing appointment must not exist in storage at all.
	_, err = env.repo.GetAppointmentByID(ctx, second.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	slot, err := env.repo.GetSlotByStart(ctx, env.providerID, start)
	require.NoError(t, err)
	require.NotNil(t, slot.AppointmentID)
	assert.Equal(t, first.ID, *slot.AppointmentID)
}

func TestReserveMaterializesSlotLazily(t *testing.T) {
	// No generation has run; booking a pattern-valid interval creates the
	// slot row on the fly.
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	appt := env.newAppointment(start, 50)

	reserved, err := env.reservations.Reserve(ctx, appt)
	require.NoError(t, err)
	assert.False(t, reserved.Available)

	slot, err := env.repo.GetSlotByStart(ctx, env.providerID, start)
	require.NoError(t, err)
	require.NotNil(t, slot.AppointmentID)
	assert.Equal(t, appt.ID, *slot.AppointmentID)
}

func TestReleaseFreesOwnedSlotOnly(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	appt := env.newAppointment(start, 50)
	_, err := env.reservations.Reserve(ctx, appt)
	require.NoError(t, err)

	require.NoError(t, env.reservations.Release(ctx, appt))

	slot, err := env.repo.GetSlotByStart(ctx, env.providerID, start)
	require.NoError(t, err)
	assert.True(t, slot.Available)
	assert.Nil(t, slot.AppointmentID)

	// Releasing again is a no-op, not an error.
	require.NoError(t, env.reservations.Release(ctx, appt))
}

func TestTransferMovesReservation(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	oldStart := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	newStart := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)

	appt := env.newAppointment(oldStart, 50)
	_, err := env.reservations.Reserve(ctx, appt)
	require.NoError(t, err)

	reserved, err := env.reservations.Transfer(ctx, appt, newStart)
	require.NoError(t, err)

	assert.True(t, appt.StartAt.Equal(newStart))
	require.NotNil(t, appt.PreviousStartAt)
	assert.True(t, appt.PreviousStartAt.Equal(oldStart))
	require.NotNil(t, reserved.AppointmentID)
	assert.Equal(t, appt.ID, *reserved.AppointmentID)

	oldSlot, err := env.repo.GetSlotByStart(ctx, env.providerID, oldStart)
	require.NoError(t, err)
	assert.True(t, oldSlot.Available)
	assert.Nil(t, oldSlot.AppointmentID)
}

func TestTransferFailureKeepsOldReservation(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	oldStart := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	takenStart := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)

	appt := env.newAppointment(oldStart, 50)
	_, err := env.reservations.Reserve(ctx, appt)
	require.NoError(t, err)

	blocker := env.newAppointment(takenStart, 50)
	_, err = env.reservations.Reserve(ctx, blocker)
	require.NoError(t, err)

	_, err = env.reservations.Transfer(ctx, appt, takenStart)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// Nothing moved: in-memory fields restored, old slot still held.
	assert.True(t, appt.StartAt.Equal(oldStart))
	assert.Nil(t, appt.PreviousStartAt)

	oldSlot, err := env.repo.GetSlotByStart(ctx, env.providerID, oldStart)
	require.NoError(t, err)
	assert.False(t, oldSlot.Available)
	require.NotNil(t, oldSlot.AppointmentID)
	assert.Equal(t, appt.ID, *oldSlot.AppointmentID)

	stored, err := env.repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.True(t, stored.StartAt.Equal(oldStart))
}

func TestTransferToSameStartKeepsSlotReserved(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	appt := env.newAppointment(start, 50)
	_, err := env.reservations.Reserve(ctx, appt)
	require.NoError(t, err)

	// Moving to the current interval must not release the slot the
	// appointment already holds.
	reserved, err := env.reservations.Transfer(ctx, appt, start)
	require.NoError(t, err)
	assert.False(t, reserved.Available)
	require.NotNil(t, reserved.AppointmentID)
	assert.Equal(t, appt.ID, *reserved.AppointmentID)

	slot, err := env.repo.GetSlotByStart(ctx, env.providerID, start)
	require.NoError(t, err)
	assert.False(t, slot.Available, "slot must stay reserved while its appointment is live")
	require.NotNil(t, slot.AppointmentID)
	assert.Equal(t, appt.ID, *slot.AppointmentID)

	// Not a move: no reschedule trail.
	assert.True(t, appt.StartAt.Equal(start))
	assert.Nil(t, appt.PreviousStartAt)
}

func TestTransferFailureKeepsRescheduleTrail(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	nineAM := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	tenAM := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	elevenAM := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)

	appt := env.newAppointment(nineAM, 50)
	_, err := env.reservations.Reserve(ctx, appt)
	require.NoError(t, err)

	_, err = env.reservations.Transfer(ctx, appt, tenAM)
	require.NoError(t, err)
	require.NotNil(t, appt.PreviousStartAt)

	blocker := env.newAppointment(elevenAM, 50)
	_, err = env.reservations.Reserve(ctx, blocker)
	require.NoError(t, err)

	// A failed second move restores the trail from the first one instead
	// of wiping it.
	_, err = env.reservations.Transfer(ctx, appt, elevenAM)
	require.Error(t, err)
	assert.True(t, appt.StartAt.Equal(tenAM))
	require.NotNil(t, appt.PreviousStartAt)
	assert.True(t, appt.PreviousStartAt.Equal(nineAM))
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	env := newTestEnv(sundayMorning)
	env.setProfile(50, 10)
	env.addPattern(time.Monday, "09:00", "12:00")
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	const attempts = 16

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appt := env.newAppointment(start, 50)
			_, errs[i] = env.reservations.Reserve(ctx, appt)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, IsConflict(err), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners, "exactly one booking must win the interval")

	live, err := env.repo.ListLiveAppointmentsOverlapping(ctx, env.providerID, start, start.Add(50*time.Minute), nil)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}
