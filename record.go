package attachcache

import "time"

// Record is one stored attachment. Records are immutable after creation;
// delete-and-reinsert is the only way to change content.
//
// ID and Hash are assigned at save time and must be zero on input. Size is
// always recomputed from the payload, never trusted from the caller.
type Record struct {
	// ID is the store-assigned key, unique within the record's category.
	ID uint64 `json:"id"`

	// RemoteID is the origin system's identifier for the attachment.
	// Unique within a category; first dedup key.
	RemoteID string `json:"remote_id"`

	// Title is the human-readable display name.
	Title string `json:"title"`

	// Category determines which partition holds the record.
	Category Category `json:"category"`

	// MIME is the content type, inferred from the payload or the file
	// extension when not supplied.
	MIME string `json:"mime"`

	// Size is the byte length of Blob. Authoritative for usage accounting.
	Size int64 `json:"size"`

	// CreatedAt is the time of cache insertion.
	CreatedAt time.Time `json:"created_at"`

	// SourceURL is the origin the payload was fetched from. Kept for
	// provenance; never re-validated.
	SourceURL string `json:"source_url,omitempty"`

	// Hash is the BLAKE3 digest of Blob, computed at save time.
	Hash Hash `json:"hash"`

	// ThumbHash is the digest of Thumb, zero when no thumbnail is stored.
	ThumbHash Hash `json:"thumb_hash,omitzero"`

	// ThumbSize is the byte length of Thumb.
	ThumbSize int64 `json:"thumb_size,omitempty"`

	// Blob is the binary payload. Populated on save and on point lookups;
	// list operations return metadata only.
	Blob []byte `json:"-"`

	// Thumb is an optional preview payload with its own lifecycle.
	Thumb []byte `json:"-"`
}

// CategoryUsage holds per-partition usage statistics.
type CategoryUsage struct {
	Files int   `json:"files"`
	Size  int64 `json:"size"`
}

// Usage holds aggregate usage statistics. Derived on demand from the current
// record set, never stored.
type Usage struct {
	TotalFiles int                        `json:"total_files"`
	TotalSize  int64                      `json:"total_size"`
	Categories map[Category]CategoryUsage `json:"categories"`
}
