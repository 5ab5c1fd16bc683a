package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Clock returns the current time. Injected so tests can pin it.
type Clock func() time.Time

// RangeReconciler re-derives slot availability from live appointments for an
// already generated range. Implemented by ReservationService.
type RangeReconciler interface {
	ReconcileRange(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]TimeSlot, error)
}

// Generator expands a provider's weekly availability patterns into concrete
// TimeSlot rows for a date range.
type Generator struct {
	repo       Repository
	reconciler RangeReconciler
	loc        *time.Location
	now        Clock
	log        *zap.Logger
}

func NewGenerator(repo Repository, reconciler RangeReconciler, loc *time.Location, now Clock, log *zap.Logger) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{
		repo:       repo,
		reconciler: reconciler,
		loc:        loc,
		now:        now,
		log:        log,
	}
}

// Generate materializes slots for [from, to] (calendar dates, inclusive).
//
// If the range already has slot rows and force is false, the range is
// reconciled against live appointments instead of regenerated, and the
// existing rows are returned. An unconfigured provider (no profile, no
// active patterns) yields an empty result, not an error.
//
// No slot is ever emitted for today or earlier: same-day bookings go through
// a different channel, so generation starts at the earliest tomorrow.
func (g *Generator) Generate(ctx context.Context, providerID uuid.UUID, from, to time.Time, force bool) ([]TimeSlot, error) {
	fromDate := DateOf(from, g.loc)
	toDate := DateOf(to, g.loc)
	if toDate.Before(fromDate) {
		return nil, validationf("date range end %s is before start %s",
			toDate.Format("2006-01-02"), fromDate.Format("2006-01-02"))
	}
	rangeEnd := toDate.AddDate(0, 0, 1)

	if !force {
		existing, err := g.repo.ListSlotsInRange(ctx, providerID, fromDate, rangeEnd)
		if err != nil {
			return nil, fmt.Errorf("list slots in range: %w", err)
		}
		if len(existing) > 0 {
			return g.reconciler.ReconcileRange(ctx, providerID, fromDate, rangeEnd)
		}
	}

	profile, err := g.repo.GetSchedulingProfile(ctx, providerID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load scheduling profile: %w", err)
	}
	if profile.SessionMinutes <= 0 {
		return nil, nil
	}

	patterns, err := g.repo.ListActivePatterns(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load availability patterns: %w", err)
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	// Tomorrow boundary relative to the clock at call time.
	earliest := DateOf(g.now(), g.loc).AddDate(0, 0, 1)
	if fromDate.Before(earliest) {
		fromDate = earliest
	}
	if toDate.Before(fromDate) {
		return nil, nil
	}

	byWeekday := make(map[time.Weekday][]AvailabilityPattern)
	for _, p := range patterns {
		byWeekday[p.DayOfWeek] = append(byWeekday[p.DayOfWeek], p)
	}

	session := time.Duration(profile.SessionMinutes) * time.Minute
	step := session + time.Duration(profile.BreakMinutes)*time.Minute

	var slots []TimeSlot
	for d := fromDate; !d.After(toDate); d = d.AddDate(0, 0, 1) {
		for _, p := range byWeekday[d.Weekday()] {
			winStart, winEnd, err := p.WindowOn(d, g.loc)
			if err != nil {
				g.log.Warn("skipping malformed availability pattern",
					zap.String("pattern_id", p.ID.String()),
					zap.String("provider_id", providerID.String()),
					zap.Error(err))
				continue
			}
			// A slot fits only if it ends at or before the window end.
			for cur := winStart; !cur.Add(session).After(winEnd); cur = cur.Add(step) {
				slots = append(slots, TimeSlot{
					ID:         uuid.New(),
					ProviderID: providerID,
					Date:       d,
					StartAt:    cur,
					EndAt:      cur.Add(session),
					Available:  true,
				})
			}
		}
	}
	if len(slots) == 0 {
		return nil, nil
	}

	persisted, err := g.repo.UpsertGeneratedSlots(ctx, slots)
	if err != nil {
		return nil, fmt.Errorf("upsert generated slots: %w", err)
	}
	return persisted, nil
}
