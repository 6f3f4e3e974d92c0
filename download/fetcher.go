// Package download fetches attachment payloads over HTTP with
// singleflight-based deduplication for concurrent fetches of the same URL.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	attachcache "github.com/wolfeidau/attachment-cache"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTimeout bounds a single payload download.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxSize is the largest payload accepted, 100 MiB.
	DefaultMaxSize = 100 * 1024 * 1024
)

// FetchResult holds a downloaded payload and its identity.
type FetchResult struct {
	Data        []byte
	Size        int64
	Hash        attachcache.Hash
	ContentType string
	Duration    time.Duration
}

// Fetcher downloads attachment payloads. Concurrent fetches for the same
// URL are deduplicated with singleflight so only one upstream request is
// performed; each caller still respects its own context deadline.
type Fetcher struct {
	client  *http.Client
	group   singleflight.Group
	logger  *slog.Logger
	timeout time.Duration
	maxSize int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for downloads.
func WithClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithTimeout sets the per-download timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = timeout
	}
}

// WithMaxSize sets the largest payload accepted, in bytes.
func WithMaxSize(maxSize int64) Option {
	return func(f *Fetcher) {
		f.maxSize = maxSize
	}
}

// New creates a new Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{},
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the payload at url. Concurrent calls for the same URL
// share one upstream request via DoChan; a caller whose context expires
// first gets its context error while the download continues for the rest.
//
// Failures are classified: transport and status failures return
// attachcache.ErrNetwork, an empty body returns attachcache.ErrEmptyPayload,
// and a body over the size limit returns attachcache.ErrOversizedPayload.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	ch := f.group.DoChan(url, func() (any, error) {
		// Detached context so one caller's cancellation does not stop
		// the download for other waiters.
		res, err := f.fetch(context.WithoutCancel(ctx), url)
		if err != nil {
			// Allow the next call for this URL to retry.
			f.group.Forget(url)
		}
		return res, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			f.logger.Debug("download shared with concurrent caller", "url", url)
		}
		return res.Val.(*FetchResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fetcher) fetch(ctx context.Context, url string) (*FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request for %s: %w", attachcache.ErrNetwork, url, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: download of %s exceeded %s", attachcache.ErrTimeout, url, f.timeout)
		}
		return nil, fmt.Errorf("%w: fetching %s: %w", attachcache.ErrNetwork, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: fetching %s: unexpected status %d", attachcache.ErrNetwork, url, resp.StatusCode)
	}

	if resp.ContentLength > f.maxSize {
		return nil, fmt.Errorf("%w: %s declares %d bytes, limit is %d",
			attachcache.ErrOversizedPayload, url, resp.ContentLength, f.maxSize)
	}

	// Read one byte past the limit so truncation is detectable.
	hr := attachcache.NewHashingReader(io.LimitReader(resp.Body, f.maxSize+1))
	data, err := io.ReadAll(hr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: download of %s exceeded %s", attachcache.ErrTimeout, url, f.timeout)
		}
		return nil, fmt.Errorf("%w: reading body of %s: %w", attachcache.ErrNetwork, url, err)
	}

	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", attachcache.ErrOversizedPayload, url, f.maxSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s returned no content", attachcache.ErrEmptyPayload, url)
	}

	duration := time.Since(start)

	f.logger.Debug("downloaded payload",
		"url", url,
		"size", len(data),
		"hash", hr.Sum().ShortString(),
		"duration", duration,
	)

	return &FetchResult{
		Data:        data,
		Size:        int64(len(data)),
		Hash:        hr.Sum(),
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    duration,
	}, nil
}
