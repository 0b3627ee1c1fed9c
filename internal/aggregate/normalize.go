// Package aggregate turns parsed feed occurrences into the paginated,
// merged event mapping served to clients.
package aggregate

import (
	"time"

	"calfeed/internal/model"
)

const (
	// DateLayout renders all-day starts and ends.
	DateLayout = "2006-01-02"
	// TimeLayout renders timed starts and ends, always in UTC.
	TimeLayout = time.RFC3339
)

// Normalize projects an occurrence onto the served event shape.
func Normalize(o model.Occurrence) model.CanonicalEvent {
	return model.CanonicalEvent{
		Description: o.Description,
		Start:       FormatTime(o.Start, o.AllDay),
		Location:    o.Location,
		End:         FormatTime(o.End, o.AllDay),
		Organizer:   o.Organizer,
		Summary:     o.Summary,
		ID:          o.ID,
	}
}

// FormatTime renders t so that string order equals chronological order.
// All-day values keep the calendar date of their own location.
func FormatTime(t time.Time, allDay bool) string {
	if t.IsZero() {
		return ""
	}
	if allDay {
		return t.Format(DateLayout)
	}
	return t.UTC().Format(TimeLayout)
}
