package ics

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
	// defaultMaxScannedPerEvent bounds how many instances are generated
	// for one series, including those before the window.
	defaultMaxScannedPerEvent = 100000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the window occurrences must overlap.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int

	// MaxScannedPerEvent caps the instances generated from DTSTART onward,
	// in or out of the window. If zero, defaultMaxScannedPerEvent is used.
	MaxScannedPerEvent int

	// WeekStart is applied to rules without WKST.
	WeekStart rrule.Weekday

	// SkipRecurrence keeps only the first instance of each series.
	SkipRecurrence bool
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences takes the ParsedEvents of one feed and expands them into
// concrete occurrences within the configured window. It handles:
//
//   - Single non-recurring events
//   - RRULE-based recurrence (DAILY/WEEKLY/MONTHLY/YEARLY, etc.)
//   - RDATE additions and EXDATE removals
//   - RECURRENCE-ID overrides
//   - All-day semantics
//
// The result is ordered by start time, then by occurrence ID.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	if cfg.MaxScannedPerEvent <= 0 {
		cfg.MaxScannedPerEvent = defaultMaxScannedPerEvent
	}

	// Group base events and overrides by UID. Only the highest SEQUENCE of
	// a base event is kept.
	baseByUID := make(map[string]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	uids := make([]string, 0)

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			if _, seen := overridesByUID[ev.UID]; !seen {
				if _, base := baseByUID[ev.UID]; !base {
					uids = append(uids, ev.UID)
				}
			}
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		prev, ok := baseByUID[ev.UID]
		if !ok {
			if _, seen := overridesByUID[ev.UID]; !seen {
				uids = append(uids, ev.UID)
			}
		}
		if !ok || ev.Seq >= prev.Seq {
			baseByUID[ev.UID] = ev
		}
	}

	allOccurrences := make([]model.Occurrence, 0)

	for _, uid := range uids {
		ov := overridesByUID[uid]
		base, ok := baseByUID[uid]
		if !ok {
			// Overrides whose series is missing from the feed stand alone.
			for _, o := range ov {
				if overlaps(o.Start, o.End, cfg.RangeStart, cfg.RangeEnd) {
					allOccurrences = append(allOccurrences, makeOccurrence(o, o.Start, o.End, instanceID(o.UID, *o.Recurrence, o.AllDay)))
				}
			}
			continue
		}

		occ, hitCap := expandEvent(base, ov, cfg)
		allOccurrences = append(allOccurrences, occ...)

		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
				"scan_limit", cfg.MaxScannedPerEvent,
			)
		}
	}

	sort.SliceStable(allOccurrences, func(i, j int) bool {
		a, b := allOccurrences[i], allOccurrences[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})

	result.Occurrences = allOccurrences
	return result, nil
}

// expandEvent expands a single base event with its possible overrides,
// returning occurrences and whether the cap was hit.
func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, bool) {
	if ev.RawRRule == "" && len(ev.RDates) == 0 {
		return expandSingleEvent(ev, overrides, cfg), false
	}
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.Occurrence {
	start, end := ev.Start, ev.End
	src := ev

	// Apply any override whose RECURRENCE-ID matches this start.
	if o, ok := findOverrideForStart(overrides, start); ok {
		start, end, src = o.Start, o.End, o
	}

	if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	return []model.Occurrence{makeOccurrence(src, start, end, ev.UID)}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, bool) {
	out := make([]model.Occurrence, 0)
	hitCap := false

	var set rrule.Set

	if ev.RawRRule != "" {
		r, err := buildRule(ev, cfg.WeekStart)
		if err != nil {
			appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
			return expandSingleEvent(ev, overrides, cfg), false
		}
		set.RRule(r)
	} else {
		set.RDate(ev.Start)
	}
	for _, rd := range ev.RDates {
		set.RDate(rd.In(ev.Start.Location()))
	}
	for _, ex := range ev.ExDates {
		// Best effort: align EXDATE location with event's start.
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)

	var occTimes []time.Time
	if cfg.SkipRecurrence {
		occTimes = []time.Time{ev.Start}
	} else {
		// Widen the lower bound by the duration so instances already in
		// progress at RangeStart are kept.
		rangeStart := cfg.RangeStart.Add(-dur)
		occTimes, hitCap = collectInstances(set.Iterator(), rangeStart, cfg.RangeEnd, cfg)
	}

	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			// All-day: keep the calendar-day length in the event's timezone.
			date := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occStart = date
			days := int(dur.Hours()+12) / 24
			if days < 1 {
				days = 1
			}
			occEnd = date.AddDate(0, 0, days)
		} else {
			occEnd = occStart.Add(dur)
		}

		id := instanceID(ev.UID, occStart, ev.AllDay)
		start, end, src := occStart, occEnd, ev

		if o, ok := findOverrideForStart(overrides, occStart); ok {
			start, end, src = o.Start, o.End, o
		}

		if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		out = append(out, makeOccurrence(src, start, end, id))
	}

	return out, hitCap
}

// collectInstances walks the series in order and keeps instances starting
// in [from, to]. Every generated instance counts against
// MaxScannedPerEvent, so a fine-grained rule with an old DTSTART stops
// early instead of enumerating everything before the window.
func collectInstances(next func() (time.Time, bool), from, to time.Time, cfg ExpandConfig) ([]time.Time, bool) {
	var out []time.Time
	for scanned := 0; ; scanned++ {
		if scanned >= cfg.MaxScannedPerEvent {
			return out, true
		}
		t, ok := next()
		if !ok || t.After(to) {
			return out, false
		}
		if t.Before(from) {
			continue
		}
		if len(out) >= cfg.MaxOccurrencesPerEvent {
			return out, true
		}
		out = append(out, t)
	}
}

// buildRule parses the RRULE in the event's own location so floating UNTIL
// values line up with DTSTART.
func buildRule(ev ParsedEvent, weekStart rrule.Weekday) (*rrule.RRule, error) {
	raw := strings.TrimPrefix(ev.RawRRule, "RRULE:")
	opt, err := rrule.StrToROptionInLocation(raw, ev.Start.Location())
	if err != nil {
		return nil, err
	}
	if !strings.Contains(strings.ToUpper(raw), "WKST=") {
		opt.Wkst = weekStart
	}
	opt.Dtstart = ev.Start
	return rrule.NewRRule(*opt)
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches
// the given instance start.
func findOverrideForStart(overrides []ParsedEvent, instanceStart time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.Equal(instanceStart) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

// instanceID derives the per-instance identifier of a recurring event.
func instanceID(uid string, instanceStart time.Time, allDay bool) string {
	if allDay {
		return uid + "_" + instanceStart.Format("20060102")
	}
	return uid + "_" + instanceStart.UTC().Format("20060102T150405Z")
}

// makeOccurrence converts a (possibly overridden) ParsedEvent + specific
// start/end time into a model.Occurrence.
func makeOccurrence(ev ParsedEvent, start, end time.Time, id string) model.Occurrence {
	return model.Occurrence{
		SourceID:    ev.Source.ID,
		UID:         ev.UID,
		ID:          id,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Organizer:   ev.Organizer,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

// overlaps reports whether [aStart, aEnd] intersects [bStart, bEnd).
// Zero-length events count when they start inside the range.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aStart.Before(bEnd) {
		return false
	}
	if !aStart.Before(bStart) {
		return true
	}
	return aEnd.After(bStart)
}
