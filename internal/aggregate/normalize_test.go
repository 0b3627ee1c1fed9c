package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"calfeed/internal/model"
)

func TestNormalize(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("no tz database")
	}
	occ := model.Occurrence{
		SourceID:    "swing",
		UID:         "u1",
		ID:          "u1_20240105T090000Z",
		Summary:     "Class",
		Description: "Bring shoes",
		Location:    "Hall",
		Organizer:   "mailto:a@example.com",
		Start:       time.Date(2024, 1, 5, 10, 0, 0, 0, berlin),
		End:         time.Date(2024, 1, 5, 11, 30, 0, 0, berlin),
	}

	got := Normalize(occ)
	assert.Equal(t, model.CanonicalEvent{
		Description: "Bring shoes",
		Start:       "2024-01-05T09:00:00Z",
		Location:    "Hall",
		End:         "2024-01-05T10:30:00Z",
		Organizer:   "mailto:a@example.com",
		Summary:     "Class",
		ID:          "u1_20240105T090000Z",
	}, got)
}

func TestFormatTime(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*3600)
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, tokyo)

	assert.Equal(t, "2024-03-01", FormatTime(day, true))
	assert.Equal(t, "2024-02-29T15:00:00Z", FormatTime(day, false))
	assert.Equal(t, "", FormatTime(time.Time{}, false))

	// Date-only values sort before timed values of the same day.
	utcDay := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Less(t, FormatTime(utcDay, true), FormatTime(utcDay, false))
}
