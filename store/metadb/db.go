// Package metadb stores attachment records in bbolt, partitioned by
// category with remoteId, content-hash and createdAt indexes.
package metadb

import (
	"context"

	attachcache "github.com/wolfeidau/attachment-cache"
)

// RefEntry tracks one physical payload shared by records. Identical content
// in different categories is stored once; the refcount keeps a delete of one
// record from breaking the other.
type RefEntry struct {
	Size     int64 `json:"size"`
	RefCount int   `json:"ref_count"`
}

// RecordDB is the record storage driver. The bbolt implementation is the
// production engine; tests may substitute a fake.
type RecordDB interface {
	// Open opens (or creates, or upgrades) the database at the given path.
	Open(path string) error
	// Close closes the database and releases resources.
	Close() error

	// InsertRecord persists a record and returns its assigned id.
	// The remoteId unique constraint and the per-category hash scan run
	// inside the same write transaction, so racing inserts serialize and
	// the loser receives a *attachcache.DuplicateError.
	InsertRecord(ctx context.Context, rec *attachcache.Record) (uint64, error)

	// GetRecord returns the record metadata, or attachcache.ErrNotFound.
	GetRecord(ctx context.Context, category attachcache.Category, id uint64) (*attachcache.Record, error)

	// DeleteRecord removes a record and returns the payload hashes whose
	// refcount dropped to zero (now safe to remove from payload storage).
	// Deleting an absent id is not an error.
	DeleteRecord(ctx context.Context, category attachcache.Category, id uint64) ([]attachcache.Hash, error)

	// ListRecords returns all records in one category, newest first.
	ListRecords(ctx context.Context, category attachcache.Category) ([]*attachcache.Record, error)

	// ExistsRemoteID reports whether a record with the remoteId exists in
	// the category.
	ExistsRemoteID(ctx context.Context, category attachcache.Category, remoteID string) (bool, error)

	// ExistsHash reports whether a record with the content hash exists in
	// the category.
	ExistsHash(ctx context.Context, category attachcache.Category, h attachcache.Hash) (bool, error)

	// FindConflict returns the record that would collide with the given
	// remoteId or content hash in the category, or attachcache.ErrNotFound
	// when neither key is taken.
	FindConflict(ctx context.Context, category attachcache.Category, remoteID string, h attachcache.Hash) (*attachcache.Record, error)

	// ClearCategory truncates one partition and returns orphaned payload
	// hashes.
	ClearCategory(ctx context.Context, category attachcache.Category) ([]attachcache.Hash, error)
}

// New creates a RecordDB backed by bbolt.
func New(opts ...BoltDBOption) RecordDB {
	return NewBoltDB(opts...)
}
