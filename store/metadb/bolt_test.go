package metadb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	attachcache "github.com/wolfeidau/attachment-cache"
	"go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db := NewBoltDB(WithLockTimeout(time.Second))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "records.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRecord(remoteID, title string, category attachcache.Category, payload string) *attachcache.Record {
	return &attachcache.Record{
		RemoteID:  remoteID,
		Title:     title,
		Category:  category,
		MIME:      "application/octet-stream",
		Size:      int64(len(payload)),
		CreatedAt: time.Now().UTC(),
		Hash:      attachcache.HashBytes([]byte(payload)),
	}
}

func TestInsertAndGetRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := testRecord("vid-1", "Clip A", attachcache.CategoryVideos, "video bytes")
	id, err := db.InsertRecord(ctx, rec)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := db.GetRecord(ctx, attachcache.CategoryVideos, id)
	require.NoError(t, err)
	require.Equal(t, rec.Title, got.Title)
	require.Equal(t, rec.RemoteID, got.RemoteID)
	require.Equal(t, rec.Hash, got.Hash)
	require.Equal(t, id, got.ID)
}

func TestGetRecordNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetRecord(context.Background(), attachcache.CategoryVideos, 999)
	require.ErrorIs(t, err, attachcache.ErrNotFound)
}

func TestInsertDuplicateRemoteID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.InsertRecord(ctx, testRecord("doc-1", "Original", attachcache.CategoryDocuments, "content a"))
	require.NoError(t, err)

	_, err = db.InsertRecord(ctx, testRecord("doc-1", "Copy", attachcache.CategoryDocuments, "content b"))
	require.ErrorIs(t, err, attachcache.ErrDuplicate)

	var dup *attachcache.DuplicateError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "Original", dup.Title)
	require.Equal(t, attachcache.CategoryDocuments, dup.Category)
}

func TestInsertDuplicateHash(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.InsertRecord(ctx, testRecord("doc-1", "Original", attachcache.CategoryDocuments, "same content"))
	require.NoError(t, err)

	// Different remote id, identical payload hash.
	_, err = db.InsertRecord(ctx, testRecord("doc-2", "Copy", attachcache.CategoryDocuments, "same content"))
	require.ErrorIs(t, err, attachcache.ErrDuplicate)
}

func TestInsertSameContentAcrossCategories(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Uniqueness is per category; other partitions are unaffected.
	_, err := db.InsertRecord(ctx, testRecord("x-1", "As Document", attachcache.CategoryDocuments, "shared content"))
	require.NoError(t, err)

	_, err = db.InsertRecord(ctx, testRecord("x-1", "As Form", attachcache.CategoryForms, "shared content"))
	require.NoError(t, err)
}

func TestInsertWithoutRemoteID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.InsertRecord(ctx, testRecord("", "Anonymous A", attachcache.CategoryAudios, "audio one"))
	require.NoError(t, err)

	// A second record with no remote id and distinct content must not
	// collide on the empty id.
	_, err = db.InsertRecord(ctx, testRecord("", "Anonymous B", attachcache.CategoryAudios, "audio two"))
	require.NoError(t, err)
}

func TestInsertStampsCreatedAt(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := NewBoltDB(
		WithLockTimeout(time.Second),
		WithNow(func() time.Time { return fixed }),
	)
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "records.db")))
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	rec := testRecord("doc-1", "Report", attachcache.CategoryDocuments, "body")
	rec.CreatedAt = time.Time{}
	id, err := db.InsertRecord(ctx, rec)
	require.NoError(t, err)

	got, err := db.GetRecord(ctx, attachcache.CategoryDocuments, id)
	require.NoError(t, err)
	require.True(t, got.CreatedAt.Equal(fixed))

	// A caller-supplied timestamp is kept as is.
	stamped := testRecord("doc-2", "Older", attachcache.CategoryDocuments, "other body")
	stamped.CreatedAt = fixed.Add(-time.Hour)
	id, err = db.InsertRecord(ctx, stamped)
	require.NoError(t, err)

	got, err = db.GetRecord(ctx, attachcache.CategoryDocuments, id)
	require.NoError(t, err)
	require.True(t, got.CreatedAt.Equal(fixed.Add(-time.Hour)))
}

func TestDeleteRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := testRecord("vid-1", "Clip A", attachcache.CategoryVideos, "video bytes")
	id, err := db.InsertRecord(ctx, rec)
	require.NoError(t, err)

	orphans, err := db.DeleteRecord(ctx, attachcache.CategoryVideos, id)
	require.NoError(t, err)
	require.Equal(t, []attachcache.Hash{rec.Hash}, orphans)

	_, err = db.GetRecord(ctx, attachcache.CategoryVideos, id)
	require.ErrorIs(t, err, attachcache.ErrNotFound)

	// The remote id and hash are free again.
	_, err = db.InsertRecord(ctx, testRecord("vid-1", "Clip A", attachcache.CategoryVideos, "video bytes"))
	require.NoError(t, err)
}

func TestDeleteRecordIdempotent(t *testing.T) {
	db := newTestDB(t)

	orphans, err := db.DeleteRecord(context.Background(), attachcache.CategoryVideos, 42)
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestDeleteSharedPayloadKeepsRef(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Same physical payload referenced from two categories.
	docID, err := db.InsertRecord(ctx, testRecord("s-1", "Doc", attachcache.CategoryDocuments, "shared payload"))
	require.NoError(t, err)
	_, err = db.InsertRecord(ctx, testRecord("s-1", "Form", attachcache.CategoryForms, "shared payload"))
	require.NoError(t, err)

	// First delete leaves one reference standing, so no orphan yet.
	orphans, err := db.DeleteRecord(ctx, attachcache.CategoryDocuments, docID)
	require.NoError(t, err)
	require.Empty(t, orphans)

	forms, err := db.ListRecords(ctx, attachcache.CategoryForms)
	require.NoError(t, err)
	require.Len(t, forms, 1)

	orphans, err = db.DeleteRecord(ctx, attachcache.CategoryForms, forms[0].ID)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
}

func TestListRecordsNewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, title := range []string{"oldest", "middle", "newest"} {
		rec := testRecord("", title, attachcache.CategoryDocuments, title)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		_, err := db.InsertRecord(ctx, rec)
		require.NoError(t, err)
	}

	recs, err := db.ListRecords(ctx, attachcache.CategoryDocuments)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "newest", recs[0].Title)
	require.Equal(t, "middle", recs[1].Title)
	require.Equal(t, "oldest", recs[2].Title)
}

func TestListRecordsEmpty(t *testing.T) {
	db := newTestDB(t)

	recs, err := db.ListRecords(context.Background(), attachcache.CategoryAudios)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestExistsRemoteID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.InsertRecord(ctx, testRecord("aud-1", "Track", attachcache.CategoryAudios, "audio"))
	require.NoError(t, err)

	exists, err := db.ExistsRemoteID(ctx, attachcache.CategoryAudios, "aud-1")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = db.ExistsRemoteID(ctx, attachcache.CategoryAudios, "aud-2")
	require.NoError(t, err)
	require.False(t, exists)

	// Other categories do not see it.
	exists, err = db.ExistsRemoteID(ctx, attachcache.CategoryVideos, "aud-1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestExistsHash(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := testRecord("aud-1", "Track", attachcache.CategoryAudios, "audio")
	_, err := db.InsertRecord(ctx, rec)
	require.NoError(t, err)

	exists, err := db.ExistsHash(ctx, attachcache.CategoryAudios, rec.Hash)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = db.ExistsHash(ctx, attachcache.CategoryAudios, attachcache.HashBytes([]byte("other")))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFindConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := testRecord("doc-1", "Report", attachcache.CategoryDocuments, "report body")
	_, err := db.InsertRecord(ctx, rec)
	require.NoError(t, err)

	// By remote id.
	got, err := db.FindConflict(ctx, attachcache.CategoryDocuments, "doc-1", attachcache.Hash{})
	require.NoError(t, err)
	require.Equal(t, "Report", got.Title)

	// By content hash.
	got, err = db.FindConflict(ctx, attachcache.CategoryDocuments, "other-id", rec.Hash)
	require.NoError(t, err)
	require.Equal(t, "Report", got.Title)

	// Neither key taken.
	_, err = db.FindConflict(ctx, attachcache.CategoryDocuments, "other-id", attachcache.HashBytes([]byte("other")))
	require.ErrorIs(t, err, attachcache.ErrNotFound)
}

func TestClearCategory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.InsertRecord(ctx, testRecord("v-1", "Clip A", attachcache.CategoryVideos, "clip a"))
	require.NoError(t, err)
	_, err = db.InsertRecord(ctx, testRecord("v-2", "Clip B", attachcache.CategoryVideos, "clip b"))
	require.NoError(t, err)
	_, err = db.InsertRecord(ctx, testRecord("d-1", "Doc", attachcache.CategoryDocuments, "doc"))
	require.NoError(t, err)

	orphans, err := db.ClearCategory(ctx, attachcache.CategoryVideos)
	require.NoError(t, err)
	require.Len(t, orphans, 2)

	recs, err := db.ListRecords(ctx, attachcache.CategoryVideos)
	require.NoError(t, err)
	require.Empty(t, recs)

	// Other partitions untouched.
	recs, err = db.ListRecords(ctx, attachcache.CategoryDocuments)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// The cleared partition accepts new records.
	_, err = db.InsertRecord(ctx, testRecord("v-1", "Clip A", attachcache.CategoryVideos, "clip a"))
	require.NoError(t, err)
}

func TestOpenLockTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.db")

	first := NewBoltDB(WithLockTimeout(time.Second))
	require.NoError(t, first.Open(path))
	defer func() { _ = first.Close() }()

	second := NewBoltDB(WithLockTimeout(100 * time.Millisecond))
	err := second.Open(path)
	require.ErrorIs(t, err, attachcache.ErrTimeout)
}

func TestOpenSchemaVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.db")

	db := NewBoltDB(WithLockTimeout(time.Second))
	require.NoError(t, db.Open(path))
	require.NoError(t, db.Close())

	// Stamp a future schema version the way a newer release would.
	raw, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, raw.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchema).Put(schemaVersionKey, itob(SchemaVersion+1))
	}))
	require.NoError(t, raw.Close())

	reopened := NewBoltDB(WithLockTimeout(time.Second))
	err = reopened.Open(path)
	require.ErrorIs(t, err, attachcache.ErrSchemaConflict)
}

func TestOpenUncreatablePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "nested", "records.db")

	db := NewBoltDB(WithLockTimeout(time.Second))
	err := db.Open(path)
	require.ErrorIs(t, err, attachcache.ErrUnsupported)
}

func TestReopenKeepsRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.db")
	ctx := context.Background()

	db := NewBoltDB(WithLockTimeout(time.Second))
	require.NoError(t, db.Open(path))

	id, err := db.InsertRecord(ctx, testRecord("vid-1", "Clip A", attachcache.CategoryVideos, "video"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened := NewBoltDB(WithLockTimeout(time.Second))
	require.NoError(t, reopened.Open(path))
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetRecord(ctx, attachcache.CategoryVideos, id)
	require.NoError(t, err)
	require.Equal(t, "Clip A", got.Title)
}
