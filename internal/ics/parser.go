package ics

import (
	"fmt"

	"calfeed/internal/model"
)

// Parser turns one feed body into date-ordered occurrences.
type Parser interface {
	Parse(src Source, body []byte) ([]model.Occurrence, error)
}

// RecurrenceParser parses with golang-ical and expands with rrule-go.
type RecurrenceParser struct {
	Settings Settings
}

// NewRecurrenceParser returns a Parser bound to s.
func NewRecurrenceParser(s Settings) *RecurrenceParser {
	return &RecurrenceParser{Settings: s}
}

func (p *RecurrenceParser) Parse(src Source, body []byte) ([]model.Occurrence, error) {
	events, err := ParseICS(src, body, p.Settings)
	if err != nil {
		return nil, err
	}
	res, err := ExpandOccurrences(events, p.Settings.ExpandConfig())
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", src.ID, err)
	}
	return res.Occurrences, nil
}
