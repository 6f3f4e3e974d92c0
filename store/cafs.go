// Package store provides content-addressed payload storage for the cache.
//
// Payloads are stored by BLAKE3 hash in a sharded key layout, framed with a
// small JSON header and optionally zstd-compressed. Logical record metadata
// (categories, remote IDs, indexes) lives in the metadb subpackage; this
// package only moves bytes.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	attachcache "github.com/wolfeidau/attachment-cache"
	"github.com/wolfeidau/attachment-cache/backend"
)

// blobPrefix is the prefix for blob storage keys.
const blobPrefix = "blobs"

// BlobKey returns the backend storage key for a payload hash.
// Format: blobs/{hex[:2]}/{hex}
func BlobKey(h attachcache.Hash) string {
	hex := h.String()
	return blobPrefix + "/" + hex[:2] + "/" + hex
}

// PutResult describes the outcome of a Put.
type PutResult struct {
	Hash   attachcache.Hash
	Size   int64
	Exists bool // true if identical content was already stored
}

// CAFS is the content-addressable payload store.
type CAFS struct {
	backend backend.Backend
	now     func() time.Time
}

// CAFSOption configures a CAFS instance.
type CAFSOption func(*CAFS)

// WithNow sets the time function, for tests.
func WithNow(now func() time.Time) CAFSOption {
	return func(c *CAFS) {
		c.now = now
	}
}

// NewCAFS creates a content-addressable payload store on the given backend.
func NewCAFS(b backend.Backend, opts ...CAFSOption) *CAFS {
	c := &CAFS{backend: b, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores a payload and returns its hash and size. Content that hashes
// to an already-stored blob is not rewritten.
// The payload is spooled to a temp file while hashing so that arbitrarily
// large attachments never sit fully in memory.
func (c *CAFS) Put(ctx context.Context, r io.Reader, contentType string) (*PutResult, error) {
	tmpFile, err := os.CreateTemp("", "attachcache-put-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	hr := attachcache.NewHashingReader(r)
	if _, err := io.Copy(tmpFile, hr); err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	hash := hr.Sum()
	size := hr.BytesRead()
	key := BlobKey(hash)

	exists, err := c.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		return &PutResult{Hash: hash, Size: size, Exists: true}, nil
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking temp file: %w", err)
	}

	header := &backend.BlobHeader{
		ContentType:   contentType,
		ContentLength: size,
		StoredAt:      c.now().UTC().Format(time.RFC3339),
		ContentHash:   hash.String(),
	}
	if backend.ShouldCompress(contentType, size) {
		header.Encoding = backend.EncodingZstd
	}

	var framed bytes.Buffer
	if err := backend.WriteFramed(&framed, header, tmpFile); err != nil {
		return nil, fmt.Errorf("framing content: %w", err)
	}

	if err := c.backend.Write(ctx, key, &framed); err != nil {
		return nil, fmt.Errorf("writing content: %w", err)
	}

	return &PutResult{Hash: hash, Size: size}, nil
}

// PutBytes is a convenience method for storing an in-memory payload.
func (c *CAFS) PutBytes(ctx context.Context, data []byte, contentType string) (*PutResult, error) {
	return c.Put(ctx, bytes.NewReader(data), contentType)
}

// Get retrieves a payload by its hash. The returned reader yields the
// decoded (decompressed) payload and must be closed by the caller.
// Returns backend.ErrNotFound if the hash is not stored.
func (c *CAFS) Get(ctx context.Context, h attachcache.Hash) (io.ReadCloser, *backend.BlobHeader, error) {
	rc, err := c.backend.Read(ctx, BlobKey(h))
	if err != nil {
		return nil, nil, err
	}

	header, body, err := backend.ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("reading frame: %w", err)
	}

	return &decodedReader{body: body, closer: rc}, header, nil
}

// GetBytes retrieves a payload as a byte slice.
func (c *CAFS) GetBytes(ctx context.Context, h attachcache.Hash) ([]byte, error) {
	rc, _, err := c.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return data, nil
}

// Has checks whether a payload with the given hash is stored.
func (c *CAFS) Has(ctx context.Context, h attachcache.Hash) (bool, error) {
	return c.backend.Exists(ctx, BlobKey(h))
}

// Delete removes a payload by hash. Idempotent.
func (c *CAFS) Delete(ctx context.Context, h attachcache.Hash) error {
	return c.backend.Delete(ctx, BlobKey(h))
}

// List returns the hashes of all stored payloads.
func (c *CAFS) List(ctx context.Context) ([]attachcache.Hash, error) {
	keys, err := c.backend.List(ctx, blobPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	hashes := make([]attachcache.Hash, 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 3 || parts[0] != blobPrefix {
			continue
		}
		h, err := attachcache.ParseHash(parts[2])
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// decodedReader pairs the decoded body stream with the underlying file.
type decodedReader struct {
	body   io.Reader
	closer io.Closer
}

func (d *decodedReader) Read(p []byte) (int, error) {
	return d.body.Read(p)
}

func (d *decodedReader) Close() error {
	return d.closer.Close()
}
