package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/aggregate"
	"calfeed/internal/config"
	"calfeed/internal/model"
	"calfeed/internal/ordered"
	"calfeed/internal/probe"
	"calfeed/internal/query"
)

type stubService struct {
	got    []query.Params
	events *aggregate.Events
	err    error
}

func (s *stubService) Events(_ context.Context, p query.Params) (*aggregate.Events, error) {
	s.got = append(s.got, p)
	if s.err != nil {
		return nil, s.err
	}
	return s.events, nil
}

func (s *stubService) Sources() []config.FeedSource {
	return []config.FeedSource{{ID: "swing", WebURL: "https://swing.example", Category: "Swing"}}
}

type stubStatus struct{}

func (stubStatus) Snapshot() []probe.Status {
	return []probe.Status{{ID: "swing", Checked: true, OK: true, HTTPStatus: 200}}
}

func twoEvents() *aggregate.Events {
	m := ordered.New[string, model.AggregatedEvent](2)
	m.Set("b", model.AggregatedEvent{Event: model.CanonicalEvent{ID: "b", Start: "2024-01-02T10:00:00Z"}, Category: "Swing"})
	m.Set("a", model.AggregatedEvent{Event: model.CanonicalEvent{ID: "a", Start: "2024-01-05T10:00:00Z"}, Category: "Tango"})
	return m
}

func do(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestEventsRoute(t *testing.T) {
	svc := &stubService{events: twoEvents()}
	h := NewServer(config.DefaultConfig(), svc, nil).Handler()

	rec := do(t, h, "/api/calendar")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Len(t, svc.got, 1)
	assert.Equal(t, query.Defaults(), svc.got[0])

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "{\n    \"b\": {\n        \"event\": {"), body)
	assert.Less(t, strings.Index(body, `"b"`), strings.Index(body, `"a"`))
	assert.Contains(t, body, `"cal": "b"`)
	assert.Contains(t, body, `"public_url": ""`)
}

func TestEventsRouteCoercesQuery(t *testing.T) {
	svc := &stubService{events: ordered.New[string, model.AggregatedEvent](0)}
	h := NewServer(config.DefaultConfig(), svc, nil).Handler()

	rec := do(t, h, "/api/calendar?source=swing&offset=5x&number=abc&ignored=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}\n", rec.Body.String())
	require.Len(t, svc.got, 1)
	assert.Equal(t, query.Params{Source: "swing", Offset: 5, Number: 0}, svc.got[0])
}

func TestEventsRouteErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"unknown source", fmt.Errorf("%w: %q", aggregate.ErrUnknownSource, "nope"), http.StatusNotFound, "unknown source: nope"},
		{"feed unavailable", fmt.Errorf("%w: nope: boom", aggregate.ErrFeedUnavailable), http.StatusBadGateway, "feed unavailable: nope"},
		{"other", fmt.Errorf("wat"), http.StatusInternalServerError, "failed to build events"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(config.DefaultConfig(), &stubService{err: tt.err}, nil).Handler()
			rec := do(t, h, "/api/calendar?source=nope")
			require.Equal(t, tt.code, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.msg, body["error"])
		})
	}
}

func TestCustomRoute(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Route = "/calendar.json"
	h := NewServer(cfg, &stubService{events: twoEvents()}, nil).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, "/calendar.json").Code)
	rec := do(t, h, "/api/calendar")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	h := NewServer(config.DefaultConfig(), &stubService{}, nil).Handler()
	rec := do(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestSources(t *testing.T) {
	h := NewServer(config.DefaultConfig(), &stubService{}, nil).Handler()
	rec := do(t, h, "/api/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"probe": false,
		"sources": [{"id":"swing","category":"Swing","public_url":"https://swing.example","checked":false,"ok":false,"duration_ms":0}]
	}`, rec.Body.String())

	h = NewServer(config.DefaultConfig(), &stubService{}, stubStatus{}).Handler()
	rec = do(t, h, "/api/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp sourcesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Probe)
	require.Len(t, resp.Sources, 1)
	assert.True(t, resp.Sources[0].OK)
}

func TestMetricsRouteToggle(t *testing.T) {
	cfg := config.DefaultConfig()
	h := NewServer(cfg, &stubService{}, nil).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, "/metrics").Code)

	cfg.Metrics = true
	h = NewServer(cfg, &stubService{}, nil).Handler()
	rec := do(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "calfeed_http_requests_total")
}

func TestRateLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	h := NewServer(cfg, &stubService{events: twoEvents()}, nil).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, "/api/calendar").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "/api/calendar").Code)
	rec := do(t, h, "/api/calendar")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Other routes are not limited.
	assert.Equal(t, http.StatusOK, do(t, h, "/health").Code)
}

func TestClientLimiterPerClient(t *testing.T) {
	l := newClientLimiter(0.001, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"))

	assert.Equal(t, "10.0.0.1", clientIP("10.0.0.1:5555"))
	assert.Equal(t, "10.0.0.1", clientIP("10.0.0.1"))
	assert.Equal(t, "::1", clientIP("[::1]:80"))
}

func TestListenAndServeShutsDown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	s := NewServer(cfg, &stubService{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
