package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"go.etcd.io/bbolt"

	attachcache "github.com/wolfeidau/attachment-cache"
)

// DefaultLockTimeout bounds how long Open waits for the database file lock.
// A wedged or contended engine surfaces as ErrTimeout instead of hanging
// the caller forever.
const DefaultLockTimeout = 10 * time.Second

// BoltDB implements RecordDB using bbolt.
type BoltDB struct {
	db          *bbolt.DB
	logger      *slog.Logger
	now         func() time.Time
	lockTimeout time.Duration
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithLockTimeout overrides the open lock timeout.
func WithLockTimeout(d time.Duration) BoltDBOption {
	return func(b *BoltDB) {
		b.lockTimeout = d
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger:      slog.Default(),
		now:         time.Now,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path, creating the four category
// partitions and their indexes if absent, and verifying the schema version.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: b.lockTimeout,
	})
	if err != nil {
		return classifyOpenErr(err)
	}
	b.db = db

	if err := b.initSchema(); err != nil {
		_ = db.Close()
		b.db = nil
		return err
	}

	b.logger.Debug("opened record database", "path", path)
	return nil
}

func (b *BoltDB) initSchema() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{bucketSchema, bucketBlobRefs}
		for _, c := range attachcache.Categories() {
			buckets = append(buckets, categoryBuckets(c)...)
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		schema := tx.Bucket(bucketSchema)
		if v := schema.Get(schemaVersionKey); v != nil {
			if got := btoi(v); got != SchemaVersion {
				return fmt.Errorf("%w: database has version %d, want %d",
					attachcache.ErrSchemaConflict, got, SchemaVersion)
			}
			return nil
		}
		return schema.Put(schemaVersionKey, itob(SchemaVersion))
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing record database")
	err := b.db.Close()
	b.db = nil
	return err
}

// InsertRecord persists a record and returns its assigned id. The remoteId
// and hash duplicate checks happen inside the write transaction, which is
// the real uniqueness guarantee; the facade's earlier existence check is an
// optimization only.
func (b *BoltDB) InsertRecord(_ context.Context, rec *attachcache.Record) (uint64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = b.now()
	}
	var id uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket(rec.Category))
		remoteIdx := tx.Bucket(remoteBucket(rec.Category))
		hashIdx := tx.Bucket(hashBucket(rec.Category))
		createdIdx := tx.Bucket(createdBucket(rec.Category))
		if records == nil || remoteIdx == nil || hashIdx == nil || createdIdx == nil {
			return fmt.Errorf("%w: partition %s missing", attachcache.ErrStorage, rec.Category)
		}

		// Unique remoteId constraint. Records without a remote id are
		// deduplicated on content hash only.
		if rec.RemoteID != "" {
			if v := remoteIdx.Get([]byte(rec.RemoteID)); v != nil {
				return b.duplicateErr(records, btoi(v), rec.Category)
			}
		}

		// Same content already present in this category.
		cursor := hashIdx.Cursor()
		if k, v := cursor.Seek(rec.Hash[:]); k != nil && bytes.HasPrefix(k, rec.Hash[:]) {
			return b.duplicateErr(records, btoi(v), rec.Category)
		}

		next, err := records.NextSequence()
		if err != nil {
			return fmt.Errorf("assigning id: %w", err)
		}
		rec.ID = next

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if err := records.Put(itob(rec.ID), data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		if rec.RemoteID != "" {
			if err := remoteIdx.Put([]byte(rec.RemoteID), itob(rec.ID)); err != nil {
				return fmt.Errorf("putting remote index: %w", err)
			}
		}
		if err := hashIdx.Put(makeHashIndexKey(rec.Hash, rec.ID), itob(rec.ID)); err != nil {
			return fmt.Errorf("putting hash index: %w", err)
		}
		if err := createdIdx.Put(makeCreatedIndexKey(rec.CreatedAt, rec.ID), itob(rec.ID)); err != nil {
			return fmt.Errorf("putting created index: %w", err)
		}

		refs := tx.Bucket(bucketBlobRefs)
		if err := incrementRef(refs, rec.Hash, rec.Size); err != nil {
			return err
		}
		if !rec.ThumbHash.IsZero() {
			if err := incrementRef(refs, rec.ThumbHash, rec.ThumbSize); err != nil {
				return err
			}
		}

		id = rec.ID
		return nil
	})
	if err != nil {
		return 0, classifyWriteErr(err)
	}
	return id, nil
}

// duplicateErr builds the DuplicateError carrying the conflicting title.
func (b *BoltDB) duplicateErr(records *bbolt.Bucket, conflictID uint64, category attachcache.Category) error {
	dup := &attachcache.DuplicateError{Category: category}
	if v := records.Get(itob(conflictID)); v != nil {
		var existing attachcache.Record
		if err := json.Unmarshal(v, &existing); err == nil {
			dup.Title = existing.Title
		}
	}
	return dup
}

// GetRecord returns record metadata, or attachcache.ErrNotFound.
func (b *BoltDB) GetRecord(_ context.Context, category attachcache.Category, id uint64) (*attachcache.Record, error) {
	var rec attachcache.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket(category))
		if records == nil {
			return attachcache.ErrNotFound
		}
		v := records.Get(itob(id))
		if v == nil {
			return attachcache.ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteRecord removes a record and its index entries, and returns the
// payload hashes no longer referenced by any record.
func (b *BoltDB) DeleteRecord(_ context.Context, category attachcache.Category, id uint64) ([]attachcache.Hash, error) {
	var orphans []attachcache.Hash
	err := b.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket(category))
		if records == nil {
			return nil
		}
		v := records.Get(itob(id))
		if v == nil {
			// Absent id, deletion is idempotent.
			return nil
		}

		var rec attachcache.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshaling record: %w", err)
		}

		if idx := tx.Bucket(remoteBucket(category)); idx != nil && rec.RemoteID != "" {
			if err := idx.Delete([]byte(rec.RemoteID)); err != nil {
				return fmt.Errorf("deleting remote index: %w", err)
			}
		}
		if idx := tx.Bucket(hashBucket(category)); idx != nil {
			if err := idx.Delete(makeHashIndexKey(rec.Hash, rec.ID)); err != nil {
				return fmt.Errorf("deleting hash index: %w", err)
			}
		}
		if idx := tx.Bucket(createdBucket(category)); idx != nil {
			if err := idx.Delete(makeCreatedIndexKey(rec.CreatedAt, rec.ID)); err != nil {
				return fmt.Errorf("deleting created index: %w", err)
			}
		}
		if err := records.Delete(itob(id)); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}

		refs := tx.Bucket(bucketBlobRefs)
		orphans = appendOrphan(orphans, refs, rec.Hash, b.logger)
		if !rec.ThumbHash.IsZero() {
			orphans = appendOrphan(orphans, refs, rec.ThumbHash, b.logger)
		}
		return nil
	})
	if err != nil {
		return nil, classifyWriteErr(err)
	}
	return orphans, nil
}

// ListRecords returns all records in one category, newest first, by walking
// the chronological index backwards.
func (b *BoltDB) ListRecords(_ context.Context, category attachcache.Category) ([]*attachcache.Record, error) {
	var out []*attachcache.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket(category))
		createdIdx := tx.Bucket(createdBucket(category))
		if records == nil || createdIdx == nil {
			return nil
		}

		cursor := createdIdx.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			data := records.Get(v)
			if data == nil {
				// Stale index entry; skip rather than fail the listing.
				b.logger.Debug("skipping stale created index entry",
					"category", category,
					"id", btoi(v),
					"created_at", decodeTimestamp(k),
				)
				continue
			}
			var rec attachcache.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExistsRemoteID reports whether the remoteId is taken in the category.
func (b *BoltDB) ExistsRemoteID(_ context.Context, category attachcache.Category, remoteID string) (bool, error) {
	var exists bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(remoteBucket(category))
		if idx == nil {
			return nil
		}
		exists = idx.Get([]byte(remoteID)) != nil
		return nil
	})
	return exists, err
}

// ExistsHash reports whether the content hash is present in the category.
func (b *BoltDB) ExistsHash(_ context.Context, category attachcache.Category, h attachcache.Hash) (bool, error) {
	var exists bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(hashBucket(category))
		if idx == nil {
			return nil
		}
		cursor := idx.Cursor()
		k, _ := cursor.Seek(h[:])
		exists = k != nil && bytes.HasPrefix(k, h[:])
		return nil
	})
	return exists, err
}

// FindConflict returns the record colliding with the remoteId or hash in
// the category, or attachcache.ErrNotFound.
func (b *BoltDB) FindConflict(_ context.Context, category attachcache.Category, remoteID string, h attachcache.Hash) (*attachcache.Record, error) {
	var rec attachcache.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket(category))
		if records == nil {
			return attachcache.ErrNotFound
		}

		var id []byte
		if idx := tx.Bucket(remoteBucket(category)); idx != nil && remoteID != "" {
			id = idx.Get([]byte(remoteID))
		}
		if id == nil && !h.IsZero() {
			if idx := tx.Bucket(hashBucket(category)); idx != nil {
				cursor := idx.Cursor()
				if k, v := cursor.Seek(h[:]); k != nil && bytes.HasPrefix(k, h[:]) {
					id = v
				}
			}
		}
		if id == nil {
			return attachcache.ErrNotFound
		}

		v := records.Get(id)
		if v == nil {
			return attachcache.ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClearCategory truncates one partition in a single transaction and returns
// the payload hashes it orphaned.
func (b *BoltDB) ClearCategory(_ context.Context, category attachcache.Category) ([]attachcache.Hash, error) {
	var orphans []attachcache.Hash
	err := b.db.Update(func(tx *bbolt.Tx) error {
		refs := tx.Bucket(bucketBlobRefs)
		if records := tx.Bucket(recordsBucket(category)); records != nil {
			err := records.ForEach(func(_, v []byte) error {
				var rec attachcache.Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return nil // skip invalid entries
				}
				orphans = appendOrphan(orphans, refs, rec.Hash, b.logger)
				if !rec.ThumbHash.IsZero() {
					orphans = appendOrphan(orphans, refs, rec.ThumbHash, b.logger)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		for _, name := range categoryBuckets(category) {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("truncating bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyWriteErr(err)
	}
	return orphans, nil
}

// incrementRef bumps the refcount for a physical payload, creating the
// entry on first reference.
func incrementRef(refs *bbolt.Bucket, h attachcache.Hash, size int64) error {
	entry := RefEntry{Size: size}
	if v := refs.Get(h[:]); v != nil {
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("unmarshaling ref entry: %w", err)
		}
	}
	entry.RefCount++

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshaling ref entry: %w", err)
	}
	return refs.Put(h[:], data)
}

// appendOrphan decrements the refcount for a payload and appends its hash
// to orphans when no references remain. Ref bookkeeping failures are logged
// and swallowed: a miscounted ref must not block a delete.
func appendOrphan(orphans []attachcache.Hash, refs *bbolt.Bucket, h attachcache.Hash, logger *slog.Logger) []attachcache.Hash {
	if refs == nil {
		return orphans
	}
	v := refs.Get(h[:])
	if v == nil {
		return orphans
	}
	var entry RefEntry
	if err := json.Unmarshal(v, &entry); err != nil {
		logger.Warn("invalid ref entry", "hash", h.ShortString(), "error", err)
		return orphans
	}
	entry.RefCount--
	if entry.RefCount <= 0 {
		if err := refs.Delete(h[:]); err != nil {
			logger.Warn("failed to delete ref entry", "hash", h.ShortString(), "error", err)
			return orphans
		}
		return append(orphans, h)
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		logger.Warn("failed to marshal ref entry", "hash", h.ShortString(), "error", err)
		return orphans
	}
	if err := refs.Put(h[:], data); err != nil {
		logger.Warn("failed to update ref entry", "hash", h.ShortString(), "error", err)
	}
	return orphans
}

// classifyOpenErr maps engine open failures onto the error taxonomy.
func classifyOpenErr(err error) error {
	switch {
	case errors.Is(err, bbolt.ErrTimeout):
		return fmt.Errorf("%w: waiting for database lock: %v", attachcache.ErrTimeout, err)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %v", attachcache.ErrQuotaExceeded, err)
	case errors.Is(err, bbolt.ErrInvalid), errors.Is(err, bbolt.ErrVersionMismatch):
		return fmt.Errorf("%w: %v", attachcache.ErrSchemaConflict, err)
	default:
		return fmt.Errorf("%w: opening database: %v", attachcache.ErrUnsupported, err)
	}
}

// classifyWriteErr maps write failures onto the error taxonomy. Taxonomy
// errors built inside the transaction pass through unchanged.
func classifyWriteErr(err error) error {
	var dup *attachcache.DuplicateError
	switch {
	case errors.As(err, &dup),
		errors.Is(err, attachcache.ErrSchemaConflict),
		errors.Is(err, attachcache.ErrNotFound):
		return err
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %v", attachcache.ErrQuotaExceeded, err)
	default:
		return fmt.Errorf("%w: %v", attachcache.ErrStorage, err)
	}
}

// Compile-time interface check
var _ RecordDB = (*BoltDB)(nil)
