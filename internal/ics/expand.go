package ics

import (
	"cmp"
	"errors"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "ex2gcal/internal/log"
)

const defaultMaxOccurrencesPerEvent = 5000

// Occurrence is one concrete instance of a (possibly recurring) VEVENT.
type Occurrence struct {
	UID string
	// Slot is the instance's scheduled start before any override moved it.
	// Stable across runs for the same instance.
	Slot      time.Time
	Recurring bool

	Summary     string
	Description string
	Location    string
	AllDay      bool

	Start time.Time
	End   time.Time
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the zone occurrences are converted to and all-day
	// dates are anchored in. Nil means time.Local.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd bound the window; an occurrence is kept when it
	// overlaps it.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps expansion per UID. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded occurrences.
type ExpandResult struct {
	// Occurrences are ordered by start, then UID.
	Occurrences []Occurrence
	// TruncatedEvents records UIDs that hit MaxOccurrencesPerEvent.
	TruncatedEvents []string
}

// ExpandOccurrences turns parsed events into concrete occurrences within the
// configured range. It handles:
//
//   - single events
//   - RRULE recurrence with EXDATE exceptions
//   - RECURRENCE-ID overrides, including cancelled instances
//   - all-day semantics
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig, logger *appLog.Logger) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	all := make([]Occurrence, 0)
	for uid, baseEvents := range baseByUID {
		ov := overridesByUID[uid]
		truncated := false

		for _, ev := range baseEvents {
			occ, hitCap := expandEvent(ev, ov, cfg, logger)
			if hitCap {
				truncated = true
			}
			all = append(all, occ...)
		}

		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			logger.Warn("expand: truncated occurrences for UID due to cap",
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	slices.SortFunc(all, func(a, b Occurrence) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.UID, b.UID)
	})
	slices.Sort(result.TruncatedEvents)

	result.Occurrences = all
	return result, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig, logger *appLog.Logger) ([]Occurrence, bool) {
	if ev.RawRRule == "" {
		return expandSingleEvent(ev, overrides, cfg), false
	}
	return expandRecurringEvent(ev, overrides, cfg, logger)
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []Occurrence {
	slot := ev.Start
	if o, ok := findOverrideForStart(overrides, slot); ok {
		ev = o
	}
	if ev.Cancelled {
		return nil
	}

	occ := makeOccurrence(ev, slot, ev.Start, ev.End, false, cfg.DisplayLocation)
	if !overlaps(occ.Start, occ.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	return []Occurrence{occ}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig, logger *appLog.Logger) ([]Occurrence, bool) {
	out := make([]Occurrence, 0)
	hitCap := false

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		logger.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lower bound by the duration (plus a day for all-day dates
	// anchored elsewhere) so instances already running at RangeStart are
	// found too.
	dur := ev.End.Sub(ev.Start)
	lead := dur
	if ev.AllDay {
		lead += 24 * time.Hour
	}
	rangeStart := cfg.RangeStart.Add(-lead).In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.Add(24 * time.Hour).In(ev.Start.Location())

	slots := set.Between(rangeStart, rangeEnd, true)
	if len(slots) > cfg.MaxOccurrencesPerEvent {
		slots = slots[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, slot := range slots {
		inst := ev
		start, end := slot, slot.Add(dur)

		if o, ok := findOverrideForStart(overrides, slot); ok {
			inst = o
			start, end = o.Start, o.End
		}
		if inst.Cancelled {
			continue
		}

		occ := makeOccurrence(inst, slot, start, end, true, cfg.DisplayLocation)
		if overlaps(occ.Start, occ.End, cfg.RangeStart, cfg.RangeEnd) {
			out = append(out, occ)
		}
	}

	return out, hitCap
}

// findOverrideForStart returns the override whose RECURRENCE-ID equals slot.
func findOverrideForStart(overrides []ParsedEvent, slot time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(slot) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

// makeOccurrence normalizes an instance into displayLoc. All-day dates keep
// their calendar date and become local midnights.
func makeOccurrence(ev ParsedEvent, slot, start, end time.Time, recurring bool, displayLoc *time.Location) Occurrence {
	if ev.AllDay {
		start = anchorDate(start, displayLoc)
		end = anchorDate(end, displayLoc)
		slot = anchorDate(slot, displayLoc)
	} else {
		start = start.In(displayLoc)
		end = end.In(displayLoc)
	}

	return Occurrence{
		UID:         ev.UID,
		Slot:        slot,
		Recurring:   recurring,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

func anchorDate(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// overlaps reports whether event [aStart, aEnd) intersects the closed window
// [bStart, bEnd]. An event ending exactly at bStart is outside; a zero-length
// event at bStart is inside.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aStart.After(bEnd) {
		return false
	}
	if aStart.Equal(aEnd) {
		return !aStart.Before(bStart)
	}
	return aEnd.After(bStart)
}
