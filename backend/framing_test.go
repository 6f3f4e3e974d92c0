package backend

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramedRoundTrip(t *testing.T) {
	body := []byte("plain attachment body")
	header := &BlobHeader{
		ContentType:   "application/pdf",
		ContentLength: int64(len(body)),
		StoredAt:      "2026-01-02T15:04:05Z",
		ContentHash:   "abcd",
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(body)))
	require.True(t, bytes.HasPrefix(buf.Bytes(), MagicBytes))

	got, r, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, header.ContentType, got.ContentType)
	require.Equal(t, header.ContentLength, got.ContentLength)

	decoded, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, body, decoded)
}

func TestFramedZstdRoundTrip(t *testing.T) {
	body := []byte(strings.Repeat("compressible form data ", 500))
	header := &BlobHeader{
		ContentType:   "application/json",
		ContentLength: int64(len(body)),
		Encoding:      EncodingZstd,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(body)))

	// The stored frame must actually be smaller than the payload.
	require.Less(t, buf.Len(), len(body))

	got, r, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, EncodingZstd, got.Encoding)

	decoded, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, body, decoded)
}

func TestReadFramedInvalidMagic(t *testing.T) {
	_, _, err := ReadFramed(bytes.NewReader([]byte("XXXX0000")))
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadFramedDecompressionBomb(t *testing.T) {
	body := []byte(strings.Repeat("a", 100_000))
	header := &BlobHeader{
		ContentType:   "text/plain",
		ContentLength: 10, // lies about the payload length
		Encoding:      EncodingZstd,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(body)))

	_, r, err := ReadFramed(&buf)
	require.NoError(t, err)

	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, ErrDecompressionBomb)
}

func TestShouldCompress(t *testing.T) {
	require.True(t, ShouldCompress("text/html", 10_000))
	require.True(t, ShouldCompress("application/json", 10_000))
	require.True(t, ShouldCompress("image/svg+xml", 10_000))
	require.True(t, ShouldCompress("multipart/form-data", 10_000))

	// Pre-compressed media gains nothing.
	require.False(t, ShouldCompress("video/mp4", 10_000))
	require.False(t, ShouldCompress("audio/mpeg", 10_000))

	// Below the threshold nothing is compressed.
	require.False(t, ShouldCompress("text/plain", 100))
}
