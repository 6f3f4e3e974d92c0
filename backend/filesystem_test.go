package backend

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesystemWriteRead(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	data := "attachment bytes"

	require.NoError(t, fs.Write(ctx, "blobs/ab/abcd", strings.NewReader(data)))

	rc, err := fs.Read(ctx, "blobs/ab/abcd")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, string(got))
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Read(context.Background(), "blobs/ab/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemDeleteIdempotent(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "blobs/ab/abcd", strings.NewReader("x")))
	require.NoError(t, fs.Delete(ctx, "blobs/ab/abcd"))

	// Second delete of the same key is not an error.
	require.NoError(t, fs.Delete(ctx, "blobs/ab/abcd"))

	exists, err := fs.Exists(ctx, "blobs/ab/abcd")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemExists(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	exists, err := fs.Exists(ctx, "blobs/cd/cdef")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, "blobs/cd/cdef", strings.NewReader("x")))

	exists, err = fs.Exists(ctx, "blobs/cd/cdef")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemList(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "blobs/aa/one", strings.NewReader("1")))
	require.NoError(t, fs.Write(ctx, "blobs/bb/two", strings.NewReader("2")))

	keys, err := fs.List(ctx, "blobs")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"blobs/aa/one", "blobs/bb/two"}, keys)

	keys, err = fs.List(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFilesystemSize(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "blobs/aa/one", strings.NewReader("12345")))

	size, err := fs.Size(ctx, "blobs/aa/one")
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	_, err = fs.Size(ctx, "blobs/aa/other")
	require.ErrorIs(t, err, ErrNotFound)
}
