package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	appLog "calfeed/internal/log"
)

var (
	// ErrStatus wraps non-2xx feed responses.
	ErrStatus = errors.New("unexpected feed status")
	// ErrBodyTooLarge is returned when a feed exceeds the configured size.
	ErrBodyTooLarge = errors.New("feed body exceeds size limit")
)

// Source represents a single ICS subscription source.
type Source struct {
	// ID is the registry key of the feed.
	ID string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source   Source
	Body     []byte
	Status   int
	Duration time.Duration
}

// FetchOutcome is the tagged result of one task in FetchAll: either Body
// is set or Err is.
type FetchOutcome struct {
	FetchResult
	Err error
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	Timeout        time.Duration
	UserAgent      string
	MaxConcurrency int   // 0 runs one task per source
	MaxBodyBytes   int64 // 0 means unlimited
}

// Fetcher retrieves raw ICS bodies. It never retries and never caches.
type Fetcher struct {
	client         *resty.Client
	maxConcurrency int
	maxBodyBytes   int64
}

// NewFetcher creates a new ICS Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetLogger(restyLogger{}).
		SetHeader("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.5")
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	return &Fetcher{
		client:         client,
		maxConcurrency: opts.MaxConcurrency,
		maxBodyBytes:   opts.MaxBodyBytes,
	}
}

// FetchOne fetches a single ICS source synchronously.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	res := FetchResult{Source: src}
	if src.URL == "" {
		return res, errors.New("source URL is empty")
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", RedactURL(src.URL))
	started := time.Now()

	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(src.URL)
	if err != nil {
		res.Duration = time.Since(started)
		return res, fmt.Errorf("fetch %s: %w", RedactURL(src.URL), stripURL(err))
	}
	raw := resp.RawBody()
	defer raw.Close()

	res.Status = resp.StatusCode()
	if res.Status < 200 || res.Status > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(raw, 64<<10))
		res.Duration = time.Since(started)
		return res, fmt.Errorf("%w: %s", ErrStatus, resp.Status())
	}

	body, err := f.readBody(raw)
	res.Duration = time.Since(started)
	if err != nil {
		return res, fmt.Errorf("read %s: %w", RedactURL(src.URL), err)
	}
	res.Body = body

	appLog.Debug("ics fetch success", "id", src.ID, "url", RedactURL(src.URL), "status", res.Status, "bytes", len(body), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	if f.maxBodyBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, f.maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// FetchAll fetches all given sources concurrently and waits for every task
// to settle. The returned slice is index-aligned with sources; failures are
// reported per entry and never cancel the other fetches.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) []FetchOutcome {
	out := make([]FetchOutcome, len(sources))

	var g errgroup.Group
	if f.maxConcurrency > 0 {
		g.SetLimit(f.maxConcurrency)
	}
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			res, err := f.FetchOne(ctx, src)
			out[i] = FetchOutcome{FetchResult: res, Err: err}
			if err != nil {
				appLog.Error("ics fetch failed", err, "id", src.ID, "url", RedactURL(src.URL))
			}
			// Errors travel in the outcome; the group must not short-circuit.
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// stripURL drops the *url.Error wrapper, whose text carries the full
// request URL including any token in the query string.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}

// restyLogger routes resty's internal warnings into the app log.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...interface{}) {
	appLog.Error("resty", fmt.Errorf(format, v...))
}

func (restyLogger) Warnf(format string, v ...interface{}) {
	appLog.Info("resty warning", "detail", fmt.Sprintf(format, v...))
}

func (restyLogger) Debugf(format string, v ...interface{}) {
	appLog.Debug("resty", "detail", fmt.Sprintf(format, v...))
}

// RedactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + redactedSuffix
}
