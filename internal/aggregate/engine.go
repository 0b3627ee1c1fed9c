package aggregate

import (
	"strings"

	"calfeed/internal/config"
	"calfeed/internal/model"
	"calfeed/internal/ordered"
	"calfeed/internal/query"
)

// Events is the served mapping from occurrence ID to event.
type Events = ordered.Map[string, model.AggregatedEvent]

// SourceBatch is one feed's parser output together with its registry entry.
type SourceBatch struct {
	Source      config.FeedSource
	Occurrences []model.Occurrence
}

// Merge builds the response mapping.
//
// Each batch is first cut to the [offset, offset+number) window, then
// normalized and inserted in batch order; a later batch overwrites an
// earlier entry with the same ID. When more than one batch contributed the
// mapping is stably sorted by event start. The same window is then applied
// to the merged mapping.
func Merge(batches []SourceBatch, p query.Params) *Events {
	merged := ordered.New[string, model.AggregatedEvent](0)

	contributed := 0
	for _, b := range batches {
		lo, hi := ordered.Window(len(b.Occurrences), p.Offset, p.Number)
		if lo == hi {
			continue
		}
		contributed++
		for _, occ := range b.Occurrences[lo:hi] {
			merged.Set(occ.ID, model.AggregatedEvent{
				Event:     Normalize(occ),
				Category:  b.Source.Category,
				PublicURL: b.Source.WebURL,
			})
		}
	}

	if contributed > 1 {
		merged.SortStableFunc(func(a, b model.AggregatedEvent) int {
			return strings.Compare(a.Event.Start, b.Event.Start)
		})
	}

	return merged.Slice(p.Offset, p.Number)
}
