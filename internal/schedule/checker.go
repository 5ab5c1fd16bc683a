package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Checker decides whether an interval is bookable for a provider.
//
// The check runs in three tiers: live-appointment overlap, then the slot row
// if one exists, then the weekly pattern as a fallback. The fallback matters
// because slots may not have been generated that far ahead yet; the checker
// must never reject purely because generation has not run.
type Checker struct {
	repo Repository
	loc  *time.Location
}

func NewChecker(repo Repository, loc *time.Location) *Checker {
	return &Checker{repo: repo, loc: loc}
}

// IsBookable reports whether [start, end) can be booked, with a
// human-readable reason when it cannot. A storage error is returned
// separately and means "unknown", not "no".
func (c *Checker) IsBookable(ctx context.Context, providerID uuid.UUID, start, end time.Time) (bool, string, error) {
	return c.isBookable(ctx, providerID, start, end, nil)
}

// isBookable additionally skips one appointment in the overlap tier, so a
// reschedule does not conflict with the booking being moved.
func (c *Checker) isBookable(ctx context.Context, providerID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, string, error) {
	if !start.Before(end) {
		return false, "interval end must be after start", nil
	}

	// Tier 1: overlap against live appointments, half-open intervals.
	conflicts, err := c.repo.ListLiveAppointmentsOverlapping(ctx, providerID, start, end, exclude)
	if err != nil {
		return false, "", fmt.Errorf("query overlapping appointments: %w", err)
	}
	if len(conflicts) > 0 {
		return false, fmt.Sprintf("conflicts with existing appointment at %s",
			conflicts[0].StartAt.In(c.loc).Format(time.RFC3339)), nil
	}

	// Tier 2: a materialized slot row gates by its own flags.
	slot, err := c.repo.GetSlotByStart(ctx, providerID, start)
	if err != nil && !errors.Is(err, ErrSlotNotFound) {
		return false, "", fmt.Errorf("look up slot: %w", err)
	}
	if slot != nil {
		if slot.AppointmentID != nil {
			if exclude == nil || *slot.AppointmentID != *exclude {
				return false, "slot is already booked", nil
			}
		} else if !slot.Available {
			return false, "slot is not available", nil
		}
		return true, "", nil
	}

	// Tier 3: no row yet, fall back to the weekly pattern. The slot row is
	// created lazily by the reservation service.
	patterns, err := c.repo.ListActivePatterns(ctx, providerID)
	if err != nil {
		return false, "", fmt.Errorf("load availability patterns: %w", err)
	}

	var dayPatterns []AvailabilityPattern
	weekday := start.In(c.loc).Weekday()
	for _, p := range patterns {
		if p.DayOfWeek == weekday {
			dayPatterns = append(dayPatterns, p)
		}
	}
	if len(dayPatterns) == 0 {
		return false, "not a working day", nil
	}

	for _, p := range dayPatterns {
		winStart, winEnd, err := p.WindowOn(start, c.loc)
		if err != nil {
			continue
		}
		if !start.Before(winStart) && !end.After(winEnd) {
			return true, "", nil
		}
	}
	return false, "outside working hours", nil
}
