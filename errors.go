package attachcache

import (
	"errors"
	"fmt"
)

// Closed error taxonomy for the cache. Errors are constructed at the point
// of failure and discriminated with errors.Is / errors.As; there is no
// post-hoc type sniffing.
var (
	// ErrUnsupported indicates the storage engine is unavailable in the
	// host environment (missing directory, unsupported filesystem).
	ErrUnsupported = errors.New("attachcache: storage engine unavailable")

	// ErrSchemaConflict indicates a persisted database has an incompatible
	// schema version.
	ErrSchemaConflict = errors.New("attachcache: schema version conflict")

	// ErrQuotaExceeded indicates storage-space exhaustion.
	ErrQuotaExceeded = errors.New("attachcache: storage quota exceeded")

	// ErrInvalidData indicates a record that cannot be persisted as given.
	ErrInvalidData = errors.New("attachcache: invalid record data")

	// ErrDuplicate indicates a record with an equal remote ID or content
	// hash already exists in the category. Use errors.As to recover the
	// *DuplicateError with the conflicting title.
	ErrDuplicate = errors.New("attachcache: duplicate record")

	// ErrTimeout indicates an operation neither completed nor failed
	// within its bounded wait.
	ErrTimeout = errors.New("attachcache: operation timed out")

	// ErrNetwork indicates a download failed before producing a payload.
	ErrNetwork = errors.New("attachcache: network failure")

	// ErrEmptyPayload indicates a zero-byte download, treated as corrupt.
	ErrEmptyPayload = errors.New("attachcache: empty payload")

	// ErrOversizedPayload indicates a payload above the size limit.
	ErrOversizedPayload = errors.New("attachcache: payload too large")

	// ErrStorage is the catch-all for unclassified storage failures.
	ErrStorage = errors.New("attachcache: storage failure")

	// ErrNotFound is returned by the storage layers when a record or blob
	// does not exist. The facade's Get/Delete translate it to a normal
	// empty result.
	ErrNotFound = errors.New("attachcache: not found")
)

// DuplicateError is returned when a save collides with an existing record.
// Title names the conflicting record for caller messaging.
type DuplicateError struct {
	Title    string
	Category Category
}

// Error implements error.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("attachcache: duplicate record in %s: conflicts with %q", e.Category, e.Title)
}

// Unwrap makes errors.Is(err, ErrDuplicate) hold.
func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}
