package bulk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsproxyd/internal/bulk"
	"hlsproxyd/internal/fetch"
	"hlsproxyd/internal/logger"
)

const bulkPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-KEY:METHOD=AES-128,URI="enc.key"
#EXTINF:9.5,
a.ts
#EXTINF:8,
b.ts
#EXTINF:7.25,
c.ts
#EXT-X-ENDLIST
`

func newDownloader(t *testing.T) *bulk.Downloader {
	t.Helper()
	return bulk.NewDownloader(fetch.NewClient(logger.Nop()), logger.Nop(), 3, time.Millisecond)
}

func TestDownloadProducesSelfContainedCopy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stream/list.m3u8":
			_, _ = w.Write([]byte(bulkPlaylist))
		case "/stream/enc.key":
			_, _ = w.Write([]byte("0123456789abcdef"))
		case "/stream/a.ts", "/stream/b.ts", "/stream/c.ts":
			_, _ = w.Write([]byte("data-" + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	var mu sync.Mutex
	var updates []bulk.Status

	failures, err := newDownloader(t).Download(context.Background(), dir, server.URL+"/stream/list.m3u8", nil,
		func(st bulk.Status) {
			mu.Lock()
			updates = append(updates, st)
			mu.Unlock()
		})
	require.NoError(t, err)
	assert.Empty(t, failures)

	for i := 1; i <= 3; i++ {
		info, err := os.Stat(filepath.Join(dir, "segment"+string(rune('0'+i))+".ts"))
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}

	key, err := os.ReadFile(filepath.Join(dir, "key.key"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", string(key))

	local, err := os.ReadFile(filepath.Join(dir, "local.m3u8"))
	require.NoError(t, err)
	content := string(local)
	assert.Contains(t, content, "#EXTM3U")
	assert.Contains(t, content, `URI="key.key"`)
	assert.Contains(t, content, "#EXTINF:9.5,\nsegment1.ts")
	assert.Contains(t, content, "#EXTINF:8,\nsegment2.ts")
	assert.Contains(t, content, "#EXTINF:7.25,\nsegment3.ts")
	assert.Contains(t, content, "#EXT-X-ENDLIST")
	assert.NotContains(t, content, server.URL)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	final := updates[len(updates)-1]
	assert.Equal(t, bulk.StatusProgress, final.Kind)
	assert.Equal(t, 3, final.Completed)
	assert.Equal(t, 3, final.Total)
}

func TestDownloadRecordsSegmentFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/list.m3u8":
			_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:4,\nok.ts\n#EXTINF:4,\nbroken.ts\n#EXT-X-ENDLIST\n"))
		case "/ok.ts":
			_, _ = w.Write([]byte("fine"))
		default:
			http.Error(w, "broken", http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	failures, err := newDownloader(t).Download(context.Background(), dir, server.URL+"/list.m3u8", nil, nil)
	require.NoError(t, err)

	require.Len(t, failures, 1)
	assert.True(t, strings.HasSuffix(failures[0].URL, "/broken.ts"))
	assert.Equal(t, 1, failures[0].Sequence)

	// The healthy segment still landed.
	_, statErr := os.Stat(filepath.Join(dir, "segment1.ts"))
	assert.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(dir, "segment2.ts"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadSkipsExistingSegments(t *testing.T) {
	var segmentHits sync.Map
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/list.m3u8":
			_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:4,\na.ts\n#EXTINF:4,\nb.ts\n#EXT-X-ENDLIST\n"))
		default:
			segmentHits.Store(r.URL.Path, true)
			_, _ = w.Write([]byte("data"))
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment1.ts"), []byte("already-here"), 0o644))

	failures, err := newDownloader(t).Download(context.Background(), dir, server.URL+"/list.m3u8", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, failures)

	_, refetched := segmentHits.Load("/a.ts")
	assert.False(t, refetched)
	_, fetched := segmentHits.Load("/b.ts")
	assert.True(t, fetched)

	data, err := os.ReadFile(filepath.Join(dir, "segment1.ts"))
	require.NoError(t, err)
	assert.Equal(t, "already-here", string(data))
}

func TestDownloadEmptyPlaylistFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-ENDLIST\n"))
	}))
	defer server.Close()

	_, err := newDownloader(t).Download(context.Background(), t.TempDir(), server.URL+"/list.m3u8", nil, nil)
	assert.Error(t, err)
}
