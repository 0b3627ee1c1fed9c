package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/config"
	"calfeed/internal/ics"
)

type stubFetcher struct {
	calls int
}

func (s *stubFetcher) FetchAll(_ context.Context, sources []ics.Source) []ics.FetchOutcome {
	s.calls++
	out := make([]ics.FetchOutcome, len(sources))
	for i, src := range sources {
		out[i].Source = src
		out[i].Duration = 25 * time.Millisecond
		if src.ID == "down" {
			out[i].Status = http.StatusServiceUnavailable
			out[i].Err = errors.New("unexpected feed status: 503")
			continue
		}
		out[i].Status = http.StatusOK
		out[i].Body = []byte("BEGIN:VCALENDAR")
	}
	return out
}

var registry = []config.FeedSource{
	{ID: "up", ICSURL: "https://example.com/up.ics", WebURL: "https://example.com/up", Category: "Up"},
	{ID: "down", ICSURL: "https://example.com/down.ics", Category: "Down"},
}

func TestSnapshotBeforeFirstRound(t *testing.T) {
	p := New(&stubFetcher{}, registry, 0)
	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "up", snap[0].ID)
	assert.False(t, snap[0].Checked)
	assert.True(t, snap[0].CheckedAt.IsZero())
}

func TestRunOnceRecordsOutcomes(t *testing.T) {
	f := &stubFetcher{}
	p := New(f, registry, time.Second)
	checked := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return checked }

	p.RunOnce(context.Background())
	assert.Equal(t, 1, f.calls)

	snap := p.Snapshot()
	require.Len(t, snap, 2)

	up := snap[0]
	assert.True(t, up.Checked)
	assert.True(t, up.OK)
	assert.Equal(t, http.StatusOK, up.HTTPStatus)
	assert.Equal(t, int64(25), up.DurationMS)
	assert.Equal(t, checked, up.CheckedAt)
	assert.Equal(t, "https://example.com/up", up.PublicURL)
	assert.Empty(t, up.Error)

	down := snap[1]
	assert.True(t, down.Checked)
	assert.False(t, down.OK)
	assert.Equal(t, http.StatusServiceUnavailable, down.HTTPStatus)
	assert.Contains(t, down.Error, "503")
}

func TestRunOnceWithRealFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down.ics" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	defer srv.Close()

	p := New(ics.NewFetcher(ics.FetcherOptions{Timeout: time.Second}), []config.FeedSource{
		{ID: "up", ICSURL: srv.URL + "/up.ics"},
		{ID: "down", ICSURL: srv.URL + "/down.ics"},
	}, 5*time.Second)
	p.RunOnce(context.Background())

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap[0].OK)
	assert.False(t, snap[1].OK)
	assert.Equal(t, http.StatusNotFound, snap[1].HTTPStatus)
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec("*/15 * * * *"))
	assert.NoError(t, ValidateSpec("@every 10m"))
	assert.NoError(t, ValidateSpec("@hourly"))
	assert.Error(t, ValidateSpec("every ten minutes"))
	assert.Error(t, ValidateSpec("* * *"))
}

func TestStartStop(t *testing.T) {
	p := New(&stubFetcher{}, registry, 0)
	require.Error(t, p.Start("bogus"))

	require.NoError(t, p.Start("@every 1h"))
	assert.Error(t, p.Start("@every 1h"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
}
