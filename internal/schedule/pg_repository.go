package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbConn is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// methods run inside or outside a transaction.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
	conn dbConn
	inTx bool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, conn: pool}
}

func (r *PgRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txRepo := &PgRepository{pool: r.pool, conn: tx, inTx: true}
	if err := fn(txRepo); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Scan helpers

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.Name, &p.Specialty, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanService(row pgx.Row) (*Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.Name, &s.DurationMinutes, &s.FeeCents, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.Date,
		&s.StartAt,
		&s.EndAt,
		&s.Available,
		&s.AppointmentID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.ServiceID,
		&a.StartAt,
		&a.DurationMinutes,
		&a.Status,
		&a.SessionType,
		&a.Notes,
		&a.CancelledBy,
		&a.CancelReason,
		&a.CancelledAt,
		&a.PreviousStartAt,
		&a.RescheduleReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

const appointmentColumns = `
	id, patient_id, provider_id, service_id, start_at, duration_minutes,
	status, session_type, notes, cancelled_by, cancel_reason, cancelled_at,
	previous_start_at, reschedule_reason, created_at, updated_at`

const slotColumns = `
	id, provider_id, slot_date, start_at, end_at, available, appointment_id,
	created_at, updated_at`

// Reference data

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetServiceByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT id, name, duration_minutes, fee_cents, created_at, updated_at
		FROM services
		WHERE id = $1
	`, id)
	return scanService(row)
}

func (r *PgRepository) ListProviderIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.conn.Query(ctx, `SELECT id FROM providers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgRepository) GetSchedulingProfile(ctx context.Context, providerID uuid.UUID) (*SchedulingProfile, error) {
	var p SchedulingProfile
	err := r.conn.QueryRow(ctx, `
		SELECT provider_id, session_minutes, break_minutes, accepting_new_bookings, updated_at
		FROM scheduling_profiles
		WHERE provider_id = $1
	`, providerID).Scan(&p.ProviderID, &p.SessionMinutes, &p.BreakMinutes, &p.AcceptingNewBookings, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) ListActivePatterns(ctx context.Context, providerID uuid.UUID) ([]AvailabilityPattern, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, provider_id, day_of_week, start_time, end_time, active, created_at, updated_at
		FROM availability_patterns
		WHERE provider_id = $1 AND active
		ORDER BY day_of_week, start_time
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []AvailabilityPattern
	for rows.Next() {
		var p AvailabilityPattern
		var dow int16
		if err := rows.Scan(&p.ID, &p.ProviderID, &dow, &p.StartTime, &p.EndTime, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.DayOfWeek = time.Weekday(dow)
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// Slots

func (r *PgRepository) GetSlotByStart(ctx context.Context, providerID uuid.UUID, start time.Time) (*TimeSlot, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE provider_id = $1 AND start_at = $2
	`, providerID, start)
	return scanSlot(row)
}

func (r *PgRepository) LockSlotByStart(ctx context.Context, providerID uuid.UUID, start time.Time) (*TimeSlot, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE provider_id = $1 AND start_at = $2
		FOR UPDATE
	`, providerID, start)
	return scanSlot(row)
}

func (r *PgRepository) GetSlotByAppointment(ctx context.Context, appointmentID uuid.UUID) (*TimeSlot, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE appointment_id = $1
		LIMIT 1
	`, appointmentID)
	return scanSlot(row)
}

func (r *PgRepository) ListSlotsInRange(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE provider_id = $1 AND start_at >= $2 AND start_at < $3
		ORDER BY start_at
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []TimeSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *s)
	}
	return slots, rows.Err()
}

func (r *PgRepository) UpsertGeneratedSlots(ctx context.Context, slots []TimeSlot) ([]TimeSlot, error) {
	persisted := make([]TimeSlot, 0, len(slots))
	for _, s := range slots {
		// An existing row keeps its reservation; only the calendar fields
		// are refreshed.
		row := r.conn.QueryRow(ctx, `
			INSERT INTO time_slots (id, provider_id, slot_date, start_at, end_at, available, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, true, now(), now())
			ON CONFLICT (provider_id, start_at) DO UPDATE
			SET slot_date = EXCLUDED.slot_date,
			    end_at = EXCLUDED.end_at,
			    updated_at = now()
			RETURNING `+slotColumns+`
		`, s.ID, s.ProviderID, s.Date, s.StartAt, s.EndAt)

		saved, err := scanSlot(row)
		if err != nil {
			return nil, err
		}
		persisted = append(persisted, *saved)
	}
	return persisted, nil
}

func (r *PgRepository) SaveSlotReservation(ctx context.Context, slot *TimeSlot) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE time_slots
		SET available = $2,
		    appointment_id = $3,
		    updated_at = now()
		WHERE id = $1
	`, slot.ID, slot.Available, slot.AppointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) DeletePastOpenSlots(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn.Exec(ctx, `
		DELETE FROM time_slots
		WHERE slot_date < $1 AND available AND appointment_id IS NULL
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Appointments

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	row := r.conn.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, provider_id, service_id, start_at, duration_minutes,
			status, session_type, notes, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.PatientID, a.ProviderID, a.ServiceID, a.StartAt, a.DurationMinutes,
		a.Status, a.SessionType, a.Notes)

	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return mapUniqueViolation(err, a.StartAt)
	}
	return nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE appointments
		SET start_at = $2,
		    duration_minutes = $3,
		    notes = $4,
		    cancelled_by = $5,
		    cancel_reason = $6,
		    cancelled_at = $7,
		    previous_start_at = $8,
		    reschedule_reason = $9,
		    updated_at = now()
		WHERE id = $1
	`, a.ID, a.StartAt, a.DurationMinutes, a.Notes,
		a.CancelledBy, a.CancelReason, a.CancelledAt,
		a.PreviousStartAt, a.RescheduleReason)
	if err != nil {
		return mapUniqueViolation(err, a.StartAt)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.conn.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)
	return scanAppointment(row)
}

func (r *PgRepository) ListLiveAppointmentsOverlapping(ctx context.Context, providerID uuid.UUID, from, to time.Time, exclude *uuid.UUID) ([]Appointment, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND status IN ('scheduled', 'confirmed')
		  AND start_at < $3
		  AND start_at + make_interval(mins => duration_minutes) > $2
		  AND ($4::uuid IS NULL OR id <> $4)
		ORDER BY start_at
	`, providerID, from, to, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *PgRepository) ListAppointmentsByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		ORDER BY start_at DESC
		LIMIT $2 OFFSET $3
	`, providerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *PgRepository) FindAutoCompletable(ctx context.Context, endedBefore time.Time) ([]Appointment, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
		  AND start_at + make_interval(mins => duration_minutes) < $1
		ORDER BY start_at
	`, endedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// mapUniqueViolation turns the storage-level double-booking backstop (the
// partial unique index on live appointments) into the conflict error the
// caller expects.
func mapUniqueViolation(err error, start time.Time) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &SlotConflictError{
			Reason: fmt.Sprintf("conflicts with existing appointment at %s", start.Format(time.RFC3339)),
		}
	}
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
