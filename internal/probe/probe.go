// Package probe periodically checks that every registered feed is
// reachable. It records only the outcome of each check; bodies are dropped.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calfeed/internal/config"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
)

// Status is the last known reachability of one feed.
type Status struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	PublicURL  string    `json:"public_url"`
	Checked    bool      `json:"checked"`
	OK         bool      `json:"ok"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at,omitzero"`
	DurationMS int64     `json:"duration_ms"`
}

// Fetcher is the subset of *ics.Fetcher the prober uses.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) []ics.FetchOutcome
}

// Prober owns the cron schedule and the latest status per feed.
type Prober struct {
	fetcher  Fetcher
	registry []config.FeedSource
	timeout  time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	status map[string]Status

	cron *cron.Cron
}

// New creates a Prober for registry. timeout bounds one probe round; zero
// means no bound beyond the fetcher's own timeout.
func New(f Fetcher, registry []config.FeedSource, timeout time.Duration) *Prober {
	return &Prober{
		fetcher:  f,
		registry: registry,
		timeout:  timeout,
		now:      time.Now,
		status:   make(map[string]Status, len(registry)),
	}
}

// ValidateSpec reports whether spec is a usable schedule: five cron fields
// or a descriptor such as "@every 10m".
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("probe schedule %q: %w", spec, err)
	}
	return nil
}

// Start schedules RunOnce on spec. Overlapping rounds are skipped.
func (p *Prober) Start(spec string) error {
	if p.cron != nil {
		return errors.New("probe already started")
	}
	if err := ValidateSpec(spec); err != nil {
		return err
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() { p.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule probe: %w", err)
	}
	p.cron = c
	c.Start()
	appLog.Info("feed probe scheduled", "spec", spec, "feeds", len(p.registry))
	return nil
}

// Stop halts the schedule and waits for a running round to finish or ctx
// to expire.
func (p *Prober) Stop(ctx context.Context) {
	if p.cron == nil {
		return
	}
	select {
	case <-p.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce probes every feed concurrently and records the outcomes.
func (p *Prober) RunOnce(ctx context.Context) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	sources := make([]ics.Source, len(p.registry))
	for i, fs := range p.registry {
		sources[i] = ics.Source{ID: fs.ID, URL: fs.ICSURL}
	}
	outcomes := p.fetcher.FetchAll(ctx, sources)
	checkedAt := p.now()

	up := 0
	next := make(map[string]Status, len(outcomes))
	for i, out := range outcomes {
		fs := p.registry[i]
		st := Status{
			ID:         fs.ID,
			Category:   fs.Category,
			PublicURL:  fs.WebURL,
			Checked:    true,
			OK:         out.Err == nil,
			HTTPStatus: out.Status,
			CheckedAt:  checkedAt,
			DurationMS: out.Duration.Milliseconds(),
		}
		if out.Err != nil {
			st.Error = out.Err.Error()
		} else {
			up++
		}
		metrics.SetProbeUp(fs.ID, st.OK)
		next[fs.ID] = st
	}

	p.mu.Lock()
	p.status = next
	p.mu.Unlock()

	appLog.Info("feed probe finished", "feeds", len(outcomes), "up", up)
}

// Snapshot returns one Status per registered feed in registry order.
// Feeds not yet probed have Checked=false.
func (p *Prober) Snapshot() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Status, 0, len(p.registry))
	for _, fs := range p.registry {
		st, ok := p.status[fs.ID]
		if !ok {
			st = Status{ID: fs.ID, Category: fs.Category, PublicURL: fs.WebURL}
		}
		out = append(out, st)
	}
	return out
}

// cronLogger adapts cron's logger to the app log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
