package aggregate

import (
	"context"
	"errors"
	"fmt"

	"calfeed/internal/config"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
	"calfeed/internal/model"
	"calfeed/internal/query"
)

var (
	// ErrUnknownSource is returned when ?source= names no registered feed.
	ErrUnknownSource = errors.New("unknown source")
	// ErrFeedUnavailable is returned when the one requested feed could not
	// be fetched or parsed.
	ErrFeedUnavailable = errors.New("feed unavailable")
)

// Fetcher is the transport the service needs. *ics.Fetcher satisfies it.
type Fetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
	FetchAll(ctx context.Context, sources []ics.Source) []ics.FetchOutcome
}

// Options wires a Service.
type Options struct {
	Registry []config.FeedSource
	Fetcher  Fetcher
	Parser   ics.Parser

	// StrictSource rejects unknown sources instead of serving all feeds.
	StrictSource bool
}

// Service runs the fetch, parse and merge pipeline for one request.
// It holds no per-request state and is safe for concurrent use.
type Service struct {
	registry []config.FeedSource
	byID     map[string]config.FeedSource
	fetcher  Fetcher
	parser   ics.Parser
	strict   bool
}

func NewService(opts Options) *Service {
	byID := make(map[string]config.FeedSource, len(opts.Registry))
	for _, fs := range opts.Registry {
		byID[fs.ID] = fs
	}
	return &Service{
		registry: opts.Registry,
		byID:     byID,
		fetcher:  opts.Fetcher,
		parser:   opts.Parser,
		strict:   opts.StrictSource,
	}
}

// Sources returns the registry in its configured order.
func (s *Service) Sources() []config.FeedSource {
	out := make([]config.FeedSource, len(s.registry))
	copy(out, s.registry)
	return out
}

// Events serves one page of events for p.
func (s *Service) Events(ctx context.Context, p query.Params) (*Events, error) {
	// A registered key wins, even one spelled "all".
	if fs, ok := s.byID[p.Source]; ok {
		return s.single(ctx, fs, p)
	}
	if !p.IsAll() {
		if s.strict {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, p.Source)
		}
		appLog.Debug("unknown source; serving all feeds", "source", p.Source)
	}
	return s.all(ctx, p), nil
}

func (s *Service) single(ctx context.Context, fs config.FeedSource, p query.Params) (*Events, error) {
	res, err := s.fetcher.FetchOne(ctx, toSource(fs))
	metrics.ObserveFetch(fs.ID, res.Duration, err)
	if err != nil {
		metrics.FeedFailed(fs.ID, metrics.StageFetch)
		return nil, fmt.Errorf("%w: %s: %w", ErrFeedUnavailable, fs.ID, err)
	}

	occ, err := s.parse(fs, res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFeedUnavailable, fs.ID, err)
	}
	return Merge([]SourceBatch{{Source: fs, Occurrences: occ}}, p), nil
}

func (s *Service) all(ctx context.Context, p query.Params) *Events {
	sources := make([]ics.Source, len(s.registry))
	for i, fs := range s.registry {
		sources[i] = toSource(fs)
	}

	// FetchAll returns only after every fetch has settled.
	outcomes := s.fetcher.FetchAll(ctx, sources)

	batches := make([]SourceBatch, 0, len(outcomes))
	for i, out := range outcomes {
		fs := s.registry[i]
		metrics.ObserveFetch(fs.ID, out.Duration, out.Err)
		if out.Err != nil {
			metrics.FeedFailed(fs.ID, metrics.StageFetch)
			continue
		}
		occ, err := s.parse(fs, out.Body)
		if err != nil {
			appLog.Error("feed dropped from aggregate", err, "id", fs.ID)
			continue
		}
		batches = append(batches, SourceBatch{Source: fs, Occurrences: occ})
	}

	return Merge(batches, p)
}

func (s *Service) parse(fs config.FeedSource, body []byte) ([]model.Occurrence, error) {
	occ, err := s.parser.Parse(toSource(fs), body)
	if err != nil {
		metrics.FeedFailed(fs.ID, metrics.StageParse)
		return nil, fmt.Errorf("parse: %w", err)
	}
	metrics.ObserveOccurrences(fs.ID, len(occ))
	return occ, nil
}

func toSource(fs config.FeedSource) ics.Source {
	return ics.Source{ID: fs.ID, URL: fs.ICSURL}
}
