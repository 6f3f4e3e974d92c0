package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	attachcache "github.com/wolfeidau/attachment-cache"
)

func TestFetch(t *testing.T) {
	payload := []byte("attachment payload bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := New()
	res, err := f.Fetch(context.Background(), srv.URL+"/clip.mp4")
	require.NoError(t, err)
	require.Equal(t, payload, res.Data)
	require.Equal(t, int64(len(payload)), res.Size)
	require.Equal(t, attachcache.HashBytes(payload), res.Hash)
	require.Equal(t, "video/mp4", res.ContentType)
}

func TestFetchEmptyPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New()
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, attachcache.ErrEmptyPayload)
}

func TestFetchOversized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := New(WithMaxSize(1024))
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, attachcache.ErrOversizedPayload)
}

func TestFetchOversizedByContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Declared length is over the limit; the body is never read.
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	f := New(WithMaxSize(1024))
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, attachcache.ErrOversizedPayload)
}

func TestFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New()
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, attachcache.ErrNetwork)
}

func TestFetchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	f := New()
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, attachcache.ErrNetwork)
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := New(WithTimeout(50 * time.Millisecond))
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, attachcache.ErrTimeout)
}

func TestFetchDeduplicatesConcurrent(t *testing.T) {
	var hits atomic.Int64
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		_, _ = w.Write([]byte("shared payload"))
	}))
	defer srv.Close()

	f := New()
	ctx := context.Background()

	const callers = 4
	var wg sync.WaitGroup
	results := make([]*FetchResult, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.Fetch(ctx, srv.URL)
		}()
	}

	// Let all callers pile onto the in-flight download before it finishes.
	require.Eventually(t, func() bool { return hits.Load() == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("shared payload"), results[i].Data)
	}
	require.Equal(t, int64(1), hits.Load())
}

func TestFetchRetriesAfterFailure(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := New()
	ctx := context.Background()

	_, err := f.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, attachcache.ErrNetwork)

	// The failed flight was forgotten, so this is a fresh request.
	res, err := f.Fetch(ctx, srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("recovered"), res.Data)
}
