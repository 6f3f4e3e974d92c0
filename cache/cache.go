// Package cache is the attachment cache facade. It combines the record
// database with content-addressed payload storage behind a single handle,
// deduplicating on remote id and content hash, and exposes the bulk
// synchronization run in sync.go.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	attachcache "github.com/wolfeidau/attachment-cache"
	"github.com/wolfeidau/attachment-cache/backend"
	"github.com/wolfeidau/attachment-cache/store"
	"github.com/wolfeidau/attachment-cache/store/metadb"
	"github.com/wolfeidau/attachment-cache/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSaveTimeout bounds a single save operation.
	DefaultSaveTimeout = 30 * time.Second

	dbFilename = "attachments.db"
)

// Cache is the attachment cache. The underlying database is opened
// lazily on first use and reopened transparently after Close.
type Cache struct {
	dir         string
	logger      *slog.Logger
	now         func() time.Time
	saveTimeout time.Duration
	metrics     *telemetry.Metrics

	newDB func() metadb.RecordDB
	blobs *store.CAFS

	mu     sync.Mutex
	db     metadb.RecordDB
	opened bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithSaveTimeout bounds each save operation.
func WithSaveTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.saveTimeout = d
	}
}

// WithMetrics attaches metric instruments. A nil Metrics is safe and
// records nothing.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithRecordDB substitutes the record database constructor, for tests.
func WithRecordDB(newDB func() metadb.RecordDB) Option {
	return func(c *Cache) {
		c.newDB = newDB
	}
}

// WithBlobStore substitutes the payload store.
func WithBlobStore(blobs *store.CAFS) Option {
	return func(c *Cache) {
		c.blobs = blobs
	}
}

// New creates a Cache rooted at dir. The directory holds the record
// database file and the payload tree.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		dir:         dir,
		logger:      slog.Default(),
		now:         time.Now,
		saveTimeout: DefaultSaveTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newDB == nil {
		c.newDB = func() metadb.RecordDB {
			return metadb.New(
				metadb.WithLogger(c.logger),
				metadb.WithNow(c.now),
			)
		}
	}
	if c.blobs == nil {
		fs, err := backend.NewFilesystem(filepath.Join(dir, "payloads"))
		if err != nil {
			return nil, fmt.Errorf("%w: creating payload store: %w", attachcache.ErrStorage, err)
		}
		c.blobs = store.NewCAFS(fs, store.WithNow(c.now))
	}
	return c, nil
}

// handle returns the open database, opening it on first use. The handle
// is cached until Close; a failed open leaves the cache closed so the
// next call retries.
func (c *Cache) handle() (metadb.RecordDB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		return c.db, nil
	}

	db := c.newDB()
	if err := db.Open(filepath.Join(c.dir, dbFilename)); err != nil {
		return nil, err
	}

	c.db = db
	c.opened = true
	return c.db, nil
}

// Close releases the database handle. The next operation reopens it.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return nil
	}
	c.opened = false
	db := c.db
	c.db = nil
	return db.Close()
}

// SaveFile validates and persists one attachment. The payload hash is
// computed here; callers never supply it. A record whose remote id or
// payload hash is already present in the category fails with a
// *attachcache.DuplicateError carrying the conflicting title.
func (c *Cache) SaveFile(ctx context.Context, rec *attachcache.Record) (uint64, error) {
	if err := validateRecord(rec); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.saveTimeout)
	defer cancel()

	db, err := c.handle()
	if err != nil {
		return 0, err
	}

	rec.Hash = attachcache.HashBytes(rec.Blob)
	rec.Size = int64(len(rec.Blob))
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}
	if rec.MIME == "" {
		rec.MIME = inferMIME(rec.Title, rec.Blob)
	}

	// Advisory early exit. The insert below re-checks both keys inside
	// its own transaction, so a lookup failure here is safe to ignore.
	if c.exists(ctx, db, rec.Category, rec.RemoteID, rec.Hash) {
		conflict, err := db.FindConflict(ctx, rec.Category, rec.RemoteID, rec.Hash)
		if err == nil {
			return 0, &attachcache.DuplicateError{Title: conflict.Title, Category: rec.Category}
		}
		return 0, &attachcache.DuplicateError{Title: rec.Title, Category: rec.Category}
	}

	var put *store.PutResult
	err = c.runWithDeadline(ctx, func() error {
		var putErr error
		put, putErr = c.blobs.PutBytes(ctx, rec.Blob, rec.MIME)
		return putErr
	})
	if err != nil {
		return 0, c.classifySaveErr(ctx, err)
	}

	var thumbPut *store.PutResult
	if len(rec.Thumb) > 0 {
		rec.ThumbHash = attachcache.HashBytes(rec.Thumb)
		rec.ThumbSize = int64(len(rec.Thumb))
		err = c.runWithDeadline(ctx, func() error {
			var putErr error
			thumbPut, putErr = c.blobs.PutBytes(ctx, rec.Thumb, "image/jpeg")
			return putErr
		})
		if err != nil {
			return 0, c.classifySaveErr(ctx, err)
		}
	}

	var id uint64
	err = c.runWithDeadline(ctx, func() error {
		var insErr error
		id, insErr = db.InsertRecord(ctx, rec)
		return insErr
	})
	if err != nil {
		// Only remove payloads this save introduced, and only when the
		// insert definitely failed. A blob that already existed is owned
		// by another record; a timed-out insert may still land, so its
		// payloads stay put.
		if !errors.Is(err, attachcache.ErrTimeout) {
			if !put.Exists {
				c.removeBlob(ctx, rec.Hash)
			}
			if thumbPut != nil && !thumbPut.Exists {
				c.removeBlob(ctx, rec.ThumbHash)
			}
		}
		var dup *attachcache.DuplicateError
		if errors.As(err, &dup) {
			c.metrics.RecordDuplicate(ctx, rec.Category.String())
		}
		return 0, c.classifySaveErr(ctx, err)
	}

	rec.ID = id
	c.metrics.RecordSave(ctx, rec.Category.String(), rec.Size)
	c.logger.Debug("saved attachment",
		"id", id,
		"category", rec.Category,
		"title", rec.Title,
		"size", rec.Size,
		"hash", rec.Hash.ShortString(),
	)
	return id, nil
}

// exists reports whether the remote id or content hash is already taken
// in the category. Lookup failures report "not present" so a transient
// index error never blocks a save; the insert transaction is the real
// uniqueness guarantor.
func (c *Cache) exists(ctx context.Context, db metadb.RecordDB, category attachcache.Category, remoteID string, h attachcache.Hash) bool {
	if remoteID != "" {
		found, err := db.ExistsRemoteID(ctx, category, remoteID)
		if err != nil {
			c.logger.Warn("remote id lookup failed, assuming not present", "error", err)
		} else if found {
			return true
		}
	}

	found, err := db.ExistsHash(ctx, category, h)
	if err != nil {
		c.logger.Warn("hash lookup failed, assuming not present", "error", err)
		return false
	}
	return found
}

// Exists reports whether an attachment with the remote id or the content
// hash is already present in the category.
func (c *Cache) Exists(ctx context.Context, category attachcache.Category, remoteID string, h attachcache.Hash) (bool, error) {
	if !category.Valid() {
		return false, fmt.Errorf("%w: unknown category %q", attachcache.ErrInvalidData, category)
	}
	db, err := c.handle()
	if err != nil {
		return false, err
	}
	return c.exists(ctx, db, category, remoteID, h), nil
}

// ListFiles returns records from the given categories, newest first.
// With no categories it lists the whole cache. Payloads are not loaded.
func (c *Cache) ListFiles(ctx context.Context, categories ...attachcache.Category) ([]*attachcache.Record, error) {
	if len(categories) == 0 {
		categories = attachcache.Categories()
	}

	db, err := c.handle()
	if err != nil {
		return nil, err
	}

	var all []*attachcache.Record
	for _, category := range categories {
		if !category.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", attachcache.ErrInvalidData, category)
		}
		recs, err := db.ListRecords(ctx, category)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all, nil
}

// GetFile returns one record with its payload (and thumbnail, when
// present) loaded. An absent id returns (nil, nil).
func (c *Cache) GetFile(ctx context.Context, category attachcache.Category, id uint64) (*attachcache.Record, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", attachcache.ErrInvalidData, category)
	}

	db, err := c.handle()
	if err != nil {
		return nil, err
	}

	rec, err := db.GetRecord(ctx, category, id)
	if errors.Is(err, attachcache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if rec.Blob, err = c.blobs.GetBytes(ctx, rec.Hash); err != nil {
		return nil, fmt.Errorf("%w: loading payload for record %d: %w", attachcache.ErrStorage, id, err)
	}
	if !rec.ThumbHash.IsZero() {
		if rec.Thumb, err = c.blobs.GetBytes(ctx, rec.ThumbHash); err != nil {
			return nil, fmt.Errorf("%w: loading thumbnail for record %d: %w", attachcache.ErrStorage, id, err)
		}
	}
	return rec, nil
}

// DeleteFile removes one record. Deleting an absent id is not an error.
// Payloads no longer referenced by any record are removed from storage.
func (c *Cache) DeleteFile(ctx context.Context, category attachcache.Category, id uint64) error {
	if !category.Valid() {
		return fmt.Errorf("%w: unknown category %q", attachcache.ErrInvalidData, category)
	}

	db, err := c.handle()
	if err != nil {
		return err
	}

	orphans, err := db.DeleteRecord(ctx, category, id)
	if err != nil {
		return err
	}
	for _, h := range orphans {
		c.removeBlob(ctx, h)
	}
	c.metrics.RecordDelete(ctx, category.String())
	return nil
}

// ClearAll truncates all four category partitions concurrently. Each
// partition clears independently; the first failure is returned but does
// not undo partitions that already cleared.
func (c *Cache) ClearAll(ctx context.Context) error {
	db, err := c.handle()
	if err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		orphans []attachcache.Hash
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, category := range attachcache.Categories() {
		g.Go(func() error {
			dropped, err := db.ClearCategory(gctx, category)
			if err != nil {
				return fmt.Errorf("clearing %s: %w", category, err)
			}
			mu.Lock()
			orphans = append(orphans, dropped...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, h := range orphans {
		c.removeBlob(ctx, h)
	}
	return nil
}

// GetUsage folds over the full record set and returns aggregate and
// per-category counts and byte sizes. It is a pure function of the
// current records; nothing is cached.
func (c *Cache) GetUsage(ctx context.Context) (*attachcache.Usage, error) {
	recs, err := c.ListFiles(ctx)
	if err != nil {
		return nil, err
	}

	usage := &attachcache.Usage{
		Categories: make(map[attachcache.Category]attachcache.CategoryUsage, len(attachcache.Categories())),
	}
	for _, category := range attachcache.Categories() {
		usage.Categories[category] = attachcache.CategoryUsage{}
	}
	for _, rec := range recs {
		usage.TotalFiles++
		usage.TotalSize += rec.Size
		cu := usage.Categories[rec.Category]
		cu.Files++
		cu.Size += rec.Size
		usage.Categories[rec.Category] = cu
	}
	return usage, nil
}

// removeBlob deletes one payload from storage. Failures are logged and
// swallowed; an unreferenced payload on disk wastes space but breaks
// nothing.
func (c *Cache) removeBlob(ctx context.Context, h attachcache.Hash) {
	if err := c.blobs.Delete(ctx, h); err != nil {
		c.logger.Warn("failed to remove payload", "hash", h.ShortString(), "error", err)
	}
}

// runWithDeadline executes fn while honoring the save deadline. The work
// runs in its own goroutine so a wedged storage engine surfaces as
// ErrTimeout instead of hanging the caller; on timeout the goroutine is
// abandoned and its eventual result discarded.
func (c *Cache) runWithDeadline(ctx context.Context, fn func() error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: save did not complete within %s", attachcache.ErrTimeout, c.saveTimeout)
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: save did not complete within %s", attachcache.ErrTimeout, c.saveTimeout)
	}
}

func (c *Cache) classifySaveErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: save did not complete within %s", attachcache.ErrTimeout, c.saveTimeout)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %v", attachcache.ErrQuotaExceeded, err)
	default:
		return err
	}
}

func validateRecord(rec *attachcache.Record) error {
	switch {
	case rec == nil:
		return fmt.Errorf("%w: nil record", attachcache.ErrInvalidData)
	case !rec.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", attachcache.ErrInvalidData, rec.Category)
	case strings.TrimSpace(rec.Title) == "":
		return fmt.Errorf("%w: record title is required", attachcache.ErrInvalidData)
	case len(rec.Blob) == 0:
		return fmt.Errorf("%w: record payload is empty", attachcache.ErrInvalidData)
	}
	return nil
}

// inferMIME derives a content type from the title's extension, falling
// back to sniffing the payload bytes.
func inferMIME(title string, blob []byte) string {
	if ext := filepath.Ext(title); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return mimetype.Detect(blob).String()
}
