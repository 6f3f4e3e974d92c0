package metadb

import (
	"encoding/binary"
	"time"

	attachcache "github.com/wolfeidau/attachment-cache"
)

// Bucket layout. Each category partition owns four buckets: the records
// bucket plus three lookup indexes. A shared bucket tracks physical payload
// refcounts across partitions, and a schema bucket carries the version
// marker.
var (
	bucketSchema   = []byte("schema")    // "version" -> uint32
	bucketBlobRefs = []byte("blob_refs") // hash -> RefEntry JSON

	schemaVersionKey = []byte("version")
)

// SchemaVersion is the current on-disk schema version.
const SchemaVersion = 1

func recordsBucket(c attachcache.Category) []byte {
	return []byte("records_" + string(c))
}

// remoteBucket is the unique remoteId index: remoteId -> record id.
func remoteBucket(c attachcache.Category) []byte {
	return []byte("remote_" + string(c))
}

// hashBucket is the non-unique content hash index: hash+id -> record id.
func hashBucket(c attachcache.Category) []byte {
	return []byte("hash_" + string(c))
}

// createdBucket is the chronological index: timestamp+id -> record id.
func createdBucket(c attachcache.Category) []byte {
	return []byte("created_" + string(c))
}

func categoryBuckets(c attachcache.Category) [][]byte {
	return [][]byte{recordsBucket(c), remoteBucket(c), hashBucket(c), createdBucket(c)}
}

// itob encodes a record id as a fixed-width big-endian key.
func itob(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func btoi(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so lexicographic bucket order matches chronological order. An
// offset handles negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeHashIndexKey builds a composite hash index key: [32-byte hash][8-byte id].
// The id suffix keeps the index non-unique; lookups scan by hash prefix.
func makeHashIndexKey(h attachcache.Hash, id uint64) []byte {
	key := make([]byte, attachcache.HashSize+8)
	copy(key, h[:])
	binary.BigEndian.PutUint64(key[attachcache.HashSize:], id)
	return key
}

// makeCreatedIndexKey builds a chronological index key: [8-byte ts][8-byte id].
func makeCreatedIndexKey(createdAt time.Time, id uint64) []byte {
	key := make([]byte, 16)
	copy(key, encodeTimestamp(createdAt))
	binary.BigEndian.PutUint64(key[8:], id)
	return key
}
