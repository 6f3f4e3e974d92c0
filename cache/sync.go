package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	attachcache "github.com/wolfeidau/attachment-cache"
	"github.com/wolfeidau/attachment-cache/discover"
	"github.com/wolfeidau/attachment-cache/download"
)

const (
	// syncYieldEvery is how many worklist entries are processed between
	// throttle pauses.
	syncYieldEvery = 5

	// syncYieldPause is how long the run pauses at each throttle point so
	// a large sync does not starve the rest of the process.
	syncYieldPause = 100 * time.Millisecond
)

// ProgressFunc is invoked synchronously before each worklist entry is
// processed, with the zero-based index, the total entry count, and the
// entry's title and category.
type ProgressFunc func(index, total int, title string, category attachcache.Category)

// ErrorFunc is invoked for each entry that fails, with the failure and
// the entry's title. The run always continues to the next entry.
type ErrorFunc func(err error, title string)

// SyncOptions configures one sync run. All fields are optional.
type SyncOptions struct {
	// Selectors overrides discovery rules per category, for sources that
	// support it.
	Selectors discover.Selectors

	// OnProgress receives a callback before each entry.
	OnProgress ProgressFunc

	// OnError receives a callback for each failed entry.
	OnError ErrorFunc

	// Fetcher overrides the payload downloader, for tests.
	Fetcher *download.Fetcher
}

// SyncResult is the aggregate outcome of one sync run.
type SyncResult struct {
	// Success counts entries downloaded and persisted.
	Success int

	// Skipped counts entries without a usable source URL plus entries
	// already present in the cache.
	Skipped int

	// Errors counts entries that failed to download or persist.
	Errors int

	// TotalSize is the byte total of successfully persisted payloads.
	TotalSize int64
}

// SyncAttachments runs one discover, download, dedup, persist pass over
// the source. Entries are processed strictly one at a time, in the fixed
// category order, preserving source order within each category. A failed
// entry is reported and counted but never aborts the run; re-running is
// safe because dedup is keyed on remote id and payload content, not on
// run state.
func (c *Cache) SyncAttachments(ctx context.Context, source discover.Source, opts SyncOptions) (*SyncResult, error) {
	runID := uuid.NewString()
	logger := c.logger.With("sync_run", runID)

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = download.New(download.WithLogger(logger))
	}

	if opts.Selectors != nil {
		if sc, ok := source.(discover.SelectorConfigurer); ok {
			sc.ApplySelectors(opts.Selectors)
		}
	}

	result := &SyncResult{}

	var worklist []discover.Attachment
	for _, category := range attachcache.Categories() {
		found, err := source.Discover(category)
		if err != nil {
			// Discovery failing for one category does not abort the run.
			logger.Warn("discovery failed", "category", category, "error", err)
			result.Errors++
			if opts.OnError != nil {
				opts.OnError(err, string(category))
			}
			continue
		}
		worklist = append(worklist, found...)
	}

	total := len(worklist)
	logger.Info("starting sync run", "entries", total)

	for i, att := range worklist {
		if opts.OnProgress != nil {
			opts.OnProgress(i, total, att.Title, att.Category)
		}

		c.syncEntry(ctx, logger, fetcher, att, result, opts.OnError)

		if (i+1)%syncYieldEvery == 0 && i+1 < total {
			select {
			case <-time.After(syncYieldPause):
			case <-ctx.Done():
				c.metrics.RecordSyncRun(ctx)
				return result, ctx.Err()
			}
		}
	}

	c.metrics.RecordSyncRun(ctx)
	logger.Info("sync run complete",
		"success", result.Success,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"total_size", result.TotalSize,
	)
	return result, nil
}

func (c *Cache) syncEntry(ctx context.Context, logger *slog.Logger, fetcher *download.Fetcher, att discover.Attachment, result *SyncResult, onError ErrorFunc) {
	if att.SourceURL == "" {
		// Malformed markup is expected; an entry with no payload URL is
		// not an error.
		logger.Debug("skipping entry without source URL", "title", att.Title, "category", att.Category)
		result.Skipped++
		c.metrics.RecordSyncEntry(ctx, att.Category.String(), "skipped")
		return
	}

	fetched, err := fetcher.Fetch(ctx, att.SourceURL)
	if err != nil {
		c.syncEntryFailed(ctx, logger, att, result, onError, fmt.Errorf("downloading %q: %w", att.Title, err))
		return
	}
	c.metrics.RecordDownload(ctx, fetched.Size, fetched.Duration)

	rec := &attachcache.Record{
		RemoteID:  att.RemoteID,
		Title:     att.Title,
		Category:  att.Category,
		MIME:      fetched.ContentType,
		SourceURL: att.SourceURL,
		Blob:      fetched.Data,
	}

	if _, err := c.SaveFile(ctx, rec); err != nil {
		var dup *attachcache.DuplicateError
		if errors.As(err, &dup) {
			logger.Debug("entry already cached", "title", att.Title, "conflict", dup.Title)
			result.Skipped++
			c.metrics.RecordSyncEntry(ctx, att.Category.String(), "skipped")
			return
		}
		c.syncEntryFailed(ctx, logger, att, result, onError, fmt.Errorf("saving %q: %w", att.Title, err))
		return
	}

	result.Success++
	result.TotalSize += fetched.Size
	c.metrics.RecordSyncEntry(ctx, att.Category.String(), "success")
}

func (c *Cache) syncEntryFailed(ctx context.Context, logger *slog.Logger, att discover.Attachment, result *SyncResult, onError ErrorFunc, err error) {
	logger.Warn("sync entry failed", "title", att.Title, "category", att.Category, "error", err)
	result.Errors++
	c.metrics.RecordSyncEntry(ctx, att.Category.String(), "error")
	if onError != nil {
		onError(err, att.Title)
	}
}
