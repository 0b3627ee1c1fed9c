package ics

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calfeed/internal/config"
)

// Settings is the bundle handed to the parser for every feed.
type Settings struct {
	// DefaultSpanYears bounds expansion of open-ended rules relative to now.
	DefaultSpanYears int
	// DefaultLocation is applied to floating times and unknown TZIDs.
	DefaultLocation *time.Location
	// DefaultWeekStart applies to RRULEs without an explicit WKST.
	DefaultWeekStart rrule.Weekday

	SkipRecurrence            bool
	ReplaceWindowsTimezoneIDs bool

	FilterDaysBefore int
	FilterDaysAfter  int

	MaxOccurrencesPerEvent int

	// Now is the clock used to anchor the window. Nil means time.Now.
	Now func() time.Time
}

var weekdays = map[string]rrule.Weekday{
	"MO": rrule.MO,
	"TU": rrule.TU,
	"WE": rrule.WE,
	"TH": rrule.TH,
	"FR": rrule.FR,
	"SA": rrule.SA,
	"SU": rrule.SU,
}

// SettingsFromConfig converts the parser section of the config file.
func SettingsFromConfig(pc config.ParserConfig) (Settings, error) {
	loc, err := time.LoadLocation(pc.DefaultTimezone)
	if err != nil {
		return Settings{}, fmt.Errorf("default_timezone %q: %w", pc.DefaultTimezone, err)
	}
	wkst, ok := weekdays[strings.ToUpper(pc.DefaultWeekStart)]
	if !ok {
		return Settings{}, fmt.Errorf("default_week_start %q: unknown weekday", pc.DefaultWeekStart)
	}
	return Settings{
		DefaultSpanYears:          pc.DefaultSpanYears,
		DefaultLocation:           loc,
		DefaultWeekStart:          wkst,
		SkipRecurrence:            pc.SkipRecurrence,
		ReplaceWindowsTimezoneIDs: pc.ReplaceWindowsTimezoneIDs,
		FilterDaysBefore:          pc.FilterDaysBefore,
		FilterDaysAfter:           pc.FilterDaysAfter,
		MaxOccurrencesPerEvent:    pc.MaxOccurrencesPerEvent,
	}, nil
}

// DefaultSettings mirrors config.DefaultConfig().Parser.
func DefaultSettings() Settings {
	return Settings{
		DefaultSpanYears:       2,
		DefaultLocation:        time.UTC,
		DefaultWeekStart:       rrule.MO,
		MaxOccurrencesPerEvent: defaultMaxOccurrencesPerEvent,
	}
}

func (s Settings) location() *time.Location {
	if s.DefaultLocation == nil {
		return time.UTC
	}
	return s.DefaultLocation
}

func (s Settings) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Window returns the [start, end) range occurrences must overlap.
//
//   - start: now, or now minus FilterDaysBefore days
//   - end:   end of day now+DefaultSpanYears, or now plus FilterDaysAfter days
func (s Settings) Window() (time.Time, time.Time) {
	now := s.now().In(s.location())

	start := now
	if s.FilterDaysBefore > 0 {
		start = now.AddDate(0, 0, -s.FilterDaysBefore)
	}

	span := s.DefaultSpanYears
	if span <= 0 {
		span = 2
	}
	y, m, d := now.AddDate(span, 0, 0).Date()
	end := time.Date(y, m, d, 23, 59, 59, 0, now.Location())
	if s.FilterDaysAfter > 0 {
		end = now.AddDate(0, 0, s.FilterDaysAfter)
	}
	return start, end
}

// ExpandConfig derives the expansion parameters for one parse pass.
func (s Settings) ExpandConfig() ExpandConfig {
	start, end := s.Window()
	return ExpandConfig{
		RangeStart:             start,
		RangeEnd:               end,
		MaxOccurrencesPerEvent: s.MaxOccurrencesPerEvent,
		WeekStart:              s.DefaultWeekStart,
		SkipRecurrence:         s.SkipRecurrence,
	}
}
