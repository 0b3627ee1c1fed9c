package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calfeed/internal/log"
)

var (
	// ErrEmptyBody is returned for a zero-length feed payload.
	ErrEmptyBody = errors.New("empty ICS body")
	// ErrNotCalendar is returned when the payload is not a VCALENDAR,
	// e.g. an HTML error page served with status 200.
	ErrNotCalendar = errors.New("payload is not an iCalendar object")
)

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser. Recurrence expansion will operate on this type.
type ParsedEvent struct {
	Source Source

	UID string
	Seq int

	Summary     string
	Description string
	Location    string
	Organizer   string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	RDates     []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present) in event's own timezone
	IsOverride bool       // true if this VEVENT is an override for a recurring instance
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
//   - TZID parameters are resolved against the tz database; floating times
//     use Settings.DefaultLocation.
//   - All-day events are detected from VALUE=DATE or a date-only value.
//   - RRULE/EXDATE/RDATE/RECURRENCE-ID are recorded but not expanded;
//     expansion is done in expand.go.
//
// Individual malformed VEVENTs are logged and skipped. A payload that is
// not a calendar at all is an error.
func ParseICS(src Source, body []byte, s Settings) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}
	trimmed := bytes.TrimPrefix(bytes.TrimSpace(body), []byte("\xef\xbb\xbf"))
	if !bytes.HasPrefix(bytes.ToUpper(firstLine(trimmed)), []byte("BEGIN:VCALENDAR")) {
		return nil, ErrNotCalendar
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(trimmed))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", RedactURL(src.URL))
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	events := make([]ParsedEvent, 0)

	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp, s)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", RedactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", src.ID, "url", RedactURL(src.URL), "event_count", len(events))
	return events, nil
}

func firstLine(b []byte) []byte {
	if i := bytes.IndexAny(b, "\r\n"); i >= 0 {
		return b[:i]
	}
	return b
}

func parseVEvent(src Source, ve *ical.VEvent, s Settings) (ParsedEvent, error) {
	var out ParsedEvent
	out.Source = src

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyOrganizer); p != nil {
		out.Organizer = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := parsePropTime(dtStart, s)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		end, _, err := parsePropTime(ve.GetProperty(ical.ComponentPropertyDtEnd), s)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = end
	case ve.GetProperty(ical.ComponentProperty("DURATION")) != nil:
		d, err := parseDuration(ve.GetProperty(ical.ComponentProperty("DURATION")).Value)
		if err != nil {
			return out, fmt.Errorf("DURATION: %w", err)
		}
		out.End = start.Add(d)
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}
	if out.End.Before(out.Start) {
		out.End = out.Start
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = strings.TrimSpace(rruleProp.Value)
	}

	out.ExDates = parseTimeList(ve.GetProperties(ical.ComponentPropertyExdate), s)
	out.RDates = parseTimeList(ve.GetProperties(ical.ComponentProperty("RDATE")), s)

	if ridProp := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); ridProp != nil {
		if t, _, err := parsePropTime(ridProp, s); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// parseTimeList reads comma-separated date/date-time lists (EXDATE, RDATE),
// which may appear several times per VEVENT.
func parseTimeList(props []*ical.IANAProperty, s Settings) []time.Time {
	var out []time.Time
	for _, p := range props {
		tzid, valueType := propParams(p)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := parseICSTime(part, tzid, valueType, s); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

func parsePropTime(p *ical.IANAProperty, s Settings) (time.Time, bool, error) {
	tzid, valueType := propParams(p)
	return parseICSTime(p.Value, tzid, valueType, s)
}

func propParams(p *ical.IANAProperty) (tzid, valueType string) {
	if p.ICalParameters == nil {
		return "", ""
	}
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		tzid = tzs[0]
	}
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 {
		valueType = strings.ToUpper(vs[0])
	}
	return tzid, valueType
}

// parseICSTime parses an ICS date or date-time value. It reports whether
// the value is a DATE (all-day).
//
//	20250101T090000Z  UTC
//	20250101T090000   TZID location, else the default location
//	20250101          all-day, midnight in the TZID/default location
func parseICSTime(v, tzid, valueType string, s Settings) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	loc := resolveLocation(tzid, s)

	if valueType == "DATE" || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102", v, loc)
		return t, true, err
	}

	t, err := time.ParseInLocation("20060102T150405", v, loc)
	return t, false, err
}

// parseDuration parses an RFC 5545 DURATION value such as "PT1H30M",
// "P1D" or "-P2W".
func parseDuration(v string) (time.Duration, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v == "" {
		return 0, errors.New("empty duration")
	}
	sign := time.Duration(1)
	switch v[0] {
	case '-':
		sign = -1
		v = v[1:]
	case '+':
		v = v[1:]
	}
	if !strings.HasPrefix(v, "P") {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	v = v[1:]

	var d time.Duration
	inTime := false
	num := ""
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid duration component %q", string(r))
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, err
			}
			num = ""
			unit, ok := durationUnit(r, inTime)
			if !ok {
				return 0, fmt.Errorf("invalid duration unit %q", string(r))
			}
			d += time.Duration(n) * unit
		}
	}
	if num != "" {
		return 0, fmt.Errorf("dangling duration number %q", num)
	}
	return sign * d, nil
}

func durationUnit(r rune, inTime bool) (time.Duration, bool) {
	if inTime {
		switch r {
		case 'H':
			return time.Hour, true
		case 'M':
			return time.Minute, true
		case 'S':
			return time.Second, true
		}
		return 0, false
	}
	switch r {
	case 'W':
		return 7 * 24 * time.Hour, true
	case 'D':
		return 24 * time.Hour, true
	}
	return 0, false
}
