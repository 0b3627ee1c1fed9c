package model

import "time"

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// ID uniquely identifies the occurrence within its feed. It equals UID
	// for one-off events; recurrence instances get a start-derived suffix.
	ID string

	Summary     string
	Description string
	Location    string
	Organizer   string

	AllDay bool

	Start time.Time
	End   time.Time
}

// CanonicalEvent is the normalized projection of an Occurrence served to
// clients. Start and End sort lexicographically in chronological order.
type CanonicalEvent struct {
	Description string `json:"description"`
	Start       string `json:"start"`
	Location    string `json:"location"`
	End         string `json:"end"`
	Organizer   string `json:"organizer"`
	Summary     string `json:"summary"`
	ID          string `json:"cal"`
}

// AggregatedEvent pairs a CanonicalEvent with the metadata of the feed it
// came from.
type AggregatedEvent struct {
	Event     CanonicalEvent `json:"event"`
	Category  string         `json:"category"`
	PublicURL string         `json:"public_url"`
}
