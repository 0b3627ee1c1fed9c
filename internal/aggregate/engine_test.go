package aggregate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/config"
	"calfeed/internal/model"
	"calfeed/internal/query"
)

func occAt(id string, start time.Time) model.Occurrence {
	return model.Occurrence{ID: id, UID: id, Summary: id, Start: start, End: start.Add(time.Hour)}
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 10, 0, 0, 0, time.UTC)
}

func feed(id string) config.FeedSource {
	return config.FeedSource{
		ID:       id,
		ICSURL:   "https://example.com/" + id + ".ics",
		WebURL:   "https://example.com/" + id,
		Category: "cat-" + id,
	}
}

func page(offset, number int) query.Params {
	return query.Params{Source: query.AllSources, Offset: offset, Number: number}
}

func TestMergeOrdersAcrossSources(t *testing.T) {
	batches := []SourceBatch{
		{Source: feed("a"), Occurrences: []model.Occurrence{occAt("late", day(5))}},
		{Source: feed("b"), Occurrences: []model.Occurrence{occAt("early", day(2))}},
	}

	got := Merge(batches, page(0, 10))
	assert.Equal(t, []string{"early", "late"}, got.Keys())

	early, ok := got.Get("early")
	require.True(t, ok)
	assert.Equal(t, "cat-b", early.Category)
	assert.Equal(t, "https://example.com/b", early.PublicURL)
	assert.Equal(t, "2024-01-02T10:00:00Z", early.Event.Start)
}

func TestMergeIdentifierCollisionLastWins(t *testing.T) {
	batches := []SourceBatch{
		{Source: feed("a"), Occurrences: []model.Occurrence{occAt("shared", day(3)), occAt("only-a", day(4))}},
		{Source: feed("b"), Occurrences: []model.Occurrence{occAt("shared", day(1))}},
	}

	got := Merge(batches, page(0, 10))
	require.Equal(t, 2, got.Len())
	shared, ok := got.Get("shared")
	require.True(t, ok)
	assert.Equal(t, "cat-b", shared.Category)
	assert.Equal(t, "2024-01-01T10:00:00Z", shared.Event.Start)
	assert.Equal(t, []string{"shared", "only-a"}, got.Keys())
}

func TestMergeSingleSourceKeepsParserOrder(t *testing.T) {
	// Deliberately out of chronological order: a single batch is not re-sorted.
	batches := []SourceBatch{{Source: feed("a"), Occurrences: []model.Occurrence{
		occAt("x", day(9)),
		occAt("y", day(1)),
		occAt("z", day(5)),
	}}}

	got := Merge(batches, page(0, 10))
	assert.Equal(t, []string{"x", "y", "z"}, got.Keys())
}

func TestMergeDoubleSlice(t *testing.T) {
	mk := func(prefix string, days ...int) []model.Occurrence {
		out := make([]model.Occurrence, 0, len(days))
		for _, d := range days {
			out = append(out, occAt(prefix+time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC).Format("02"), day(d)))
		}
		return out
	}
	batches := []SourceBatch{
		{Source: feed("a"), Occurrences: mk("a", 1, 3, 5, 7)},
		{Source: feed("b"), Occurrences: mk("b", 2, 4, 6, 8)},
	}

	// Per-source window [1,3) keeps a03,a05 and b04,b06; merged order is
	// a03,b04,a05,b06; the final window [1,3) keeps b04,a05.
	got := Merge(batches, page(1, 2))
	assert.Equal(t, []string{"b04", "a05"}, got.Keys())
}

func TestMergeBounds(t *testing.T) {
	five := make([]model.Occurrence, 0, 5)
	for i := 1; i <= 5; i++ {
		five = append(five, occAt(time.Date(2024, 1, i, 0, 0, 0, 0, time.UTC).Format("0102"), day(i)))
	}
	batches := []SourceBatch{{Source: feed("a"), Occurrences: five}}

	tests := []struct {
		name   string
		offset int
		number int
		want   int
	}{
		{"offset past end", 100, 10, 0},
		{"zero number", 0, 0, 0},
		{"negative number", 0, -3, 0},
		{"negative offset", -4, 2, 2},
		{"oversized number", 0, 1000, 5},
		// Both windows apply: [2,5) then [2,3) of what remains.
		{"offset compounds", 2, 1000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(batches, page(tt.offset, tt.number))
			assert.Equal(t, tt.want, got.Len())
		})
	}

	empty := Merge(batches, page(100, 10))
	b, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))
}

func TestMergeNoBatches(t *testing.T) {
	got := Merge(nil, query.Defaults())
	assert.Equal(t, 0, got.Len())
}

func TestMergeJSONShape(t *testing.T) {
	batches := []SourceBatch{{Source: feed("a"), Occurrences: []model.Occurrence{{
		ID:      "evt",
		Summary: "Lindy",
		AllDay:  true,
		Start:   time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC),
	}}}}

	b, err := json.Marshal(Merge(batches, query.Defaults()))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"evt": {
			"event": {
				"description": "",
				"start": "2024-01-05",
				"location": "",
				"end": "2024-01-06",
				"organizer": "",
				"summary": "Lindy",
				"cal": "evt"
			},
			"category": "cat-a",
			"public_url": "https://example.com/a"
		}
	}`, string(b))
}
