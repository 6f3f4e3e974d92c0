package metadb

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	attachcache "github.com/wolfeidau/attachment-cache"
)

func TestTimestampEncodingOrder(t *testing.T) {
	times := []time.Time{
		time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC), // pre-epoch
		time.Unix(0, 0).UTC(),
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 12, 0, 0, 1, time.UTC),
	}

	for i := 1; i < len(times); i++ {
		prev := encodeTimestamp(times[i-1])
		cur := encodeTimestamp(times[i])
		require.Negative(t, bytes.Compare(prev, cur),
			"encoded %v must sort before %v", times[i-1], times[i])
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.UTC)
	require.Equal(t, ts, decodeTimestamp(encodeTimestamp(ts)))
}

func TestRecordIDEncoding(t *testing.T) {
	require.Equal(t, uint64(42), btoi(itob(42)))
	require.Len(t, itob(1), 8)

	// Fixed-width keys sort numerically.
	require.Negative(t, bytes.Compare(itob(9), itob(10)))
}

func TestHashIndexKeyPrefix(t *testing.T) {
	h := attachcache.HashBytes([]byte("payload"))

	k1 := makeHashIndexKey(h, 1)
	k2 := makeHashIndexKey(h, 2)

	require.Len(t, k1, attachcache.HashSize+8)
	require.NotEqual(t, k1, k2)
	require.True(t, bytes.HasPrefix(k1, h[:]))
	require.True(t, bytes.HasPrefix(k2, h[:]))
}
