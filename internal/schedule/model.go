package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// Live reports whether the appointment still occupies its interval.
// Only live appointments participate in conflict checks.
func (s AppointmentStatus) Live() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

// Terminal reports whether no further transition is accepted.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type SessionType string

const (
	SessionTelehealth SessionType = "telehealth"
	SessionInPerson   SessionType = "in_person"
)

type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Service struct {
	ID              uuid.UUID
	Name            string
	DurationMinutes int // 0 means "use the provider's session duration"
	FeeCents        int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SchedulingProfile holds per-provider session parameters. Owned by provider
// profile management; the scheduler only reads it.
type SchedulingProfile struct {
	ProviderID           uuid.UUID
	SessionMinutes       int
	BreakMinutes         int
	AcceptingNewBookings bool
	UpdatedAt            time.Time
}

// AvailabilityPattern is a provider's recurring weekly availability window.
// Times are "HH:MM" wall clock in the clinic's timezone.
type AvailabilityPattern struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	DayOfWeek  time.Weekday
	StartTime  string
	EndTime    string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WindowOn resolves the pattern's wall-clock window onto a concrete date.
func (p AvailabilityPattern) WindowOn(date time.Time, loc *time.Location) (start, end time.Time, err error) {
	start, err = ClockOn(date, p.StartTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err = ClockOn(date, p.EndTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// TimeSlot is a concrete, date-stamped bookable interval derived from a
// pattern. Unique per (provider, start).
type TimeSlot struct {
	ID            uuid.UUID
	ProviderID    uuid.UUID
	Date          time.Time // calendar date, midnight in clinic tz
	StartAt       time.Time
	EndAt         time.Time
	Available     bool
	AppointmentID *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Appointment struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	ProviderID      uuid.UUID
	ServiceID       *uuid.UUID
	StartAt         time.Time
	DurationMinutes int
	Status          AppointmentStatus
	SessionType     SessionType
	Notes           string

	CancelledBy  *string
	CancelReason *string
	CancelledAt  *time.Time

	PreviousStartAt  *time.Time
	RescheduleReason *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Appointment) EndAt() time.Time {
	return a.StartAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Overlaps is the half-open interval overlap test used everywhere a conflict
// is decided: [aStart, aEnd) vs [bStart, bEnd).
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// ParseClock parses an "HH:MM" wall-clock string.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	return hour, minute, nil
}

// ClockOn places an "HH:MM" wall-clock time onto a calendar date.
func ClockOn(date time.Time, clock string, loc *time.Location) (time.Time, error) {
	h, m, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := date.In(loc).Date()
	return time.Date(y, mo, d, h, m, 0, 0, loc), nil
}

// DateOf truncates a timestamp to midnight in the given location.
func DateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
