package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

var (
	// MagicBytes is the 4-byte prefix for framed blob files.
	MagicBytes = []byte("ACB1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected ACB1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrDecompressionBomb is returned when a compressed body inflates past
	// its declared payload length.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds declared length")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// CompressionThreshold is the minimum payload size before zstd is
// considered; the frame overhead is not worth it below this.
const CompressionThreshold = 2048

// Content encodings for the frame body.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

// BlobHeader describes a framed attachment payload.
type BlobHeader struct {
	ContentType   string `json:"content_type"`
	ContentLength int64  `json:"content_length"` // uncompressed payload length
	StoredAt      string `json:"stored_at"`
	ContentHash   string `json:"content_hash"`
	Encoding      string `json:"encoding,omitempty"` // identity when empty
}

// ShouldCompress decides whether a payload is worth compressing, based on
// its declared content type and length. Already-compressed media formats
// (video, audio, most images) gain nothing from zstd.
func ShouldCompress(contentType string, length int64) bool {
	if length < CompressionThreshold {
		return false
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "json"),
		strings.Contains(ct, "xml"),
		strings.Contains(ct, "svg"),
		strings.Contains(ct, "form"):
		return true
	}
	return false
}

// WriteFramed writes a framed blob to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODY
// The body is zstd-compressed when the header's Encoding says so.
func WriteFramed(w io.Writer, header *BlobHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if header.Encoding == EncodingZstd {
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		if _, err := io.Copy(enc, body); err != nil {
			_ = enc.Close()
			return fmt.Errorf("compressing body: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("flushing zstd encoder: %w", err)
		}
		return nil
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// ReadFramed reads a framed blob from the reader. It returns the parsed
// header and a reader yielding the decoded (decompressed) body. The body
// reader is capped at the header's declared length to stop zstd bombs.
func ReadFramed(r io.Reader) (*BlobHeader, io.Reader, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header BlobHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	if header.Encoding == EncodingZstd {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return &header, &boundedReader{r: dec.IOReadCloser(), remaining: header.ContentLength}, nil
	}

	return &header, r, nil
}

// boundedReader errors once more than the declared number of bytes arrive.
type boundedReader struct {
	r         io.Reader
	remaining int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, ErrDecompressionBomb
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, ErrDecompressionBomb
	}
	return n, err
}
