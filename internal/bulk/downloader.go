package bulk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hlsproxyd/internal/fetch"
	"hlsproxyd/internal/logger"
	"hlsproxyd/internal/m3u8"
	"hlsproxyd/internal/metrics"
)

// LocalPlaylistName is the self-contained playlist written into every
// download directory.
const LocalPlaylistName = "local.m3u8"

// LocalKeyName is the file name the encryption key is saved under.
const LocalKeyName = "key.key"

// SegmentFailure records one segment that could not be downloaded after all
// retries. The rest of the batch is unaffected.
type SegmentFailure struct {
	Sequence int
	URL      string
	Err      error
}

// Downloader saves a whole playlist into a directory as a self-contained
// local copy: local.m3u8 with relative URIs, key.key, and segment<N>.ts
// numbered from 1 in playlist order.
type Downloader struct {
	client     *fetch.Client
	logger     logger.Logger
	batchSize  int
	maxRetries int
	retryDelay time.Duration
}

// NewDownloader creates a bulk downloader. Segments are fetched in batches
// of twice the CPU count.
func NewDownloader(client *fetch.Client, log logger.Logger, maxRetries int, retryDelay time.Duration) *Downloader {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Downloader{
		client:     client,
		logger:     log,
		batchSize:  2 * runtime.GOMAXPROCS(0),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Download fetches playlistURL and stores every segment under dir. Segments
// already on disk with nonzero size are skipped, so a restart resumes where
// the previous run stopped. Per-segment failures are recorded and returned;
// only playlist-level problems abort the download. onStatus, when non-nil,
// receives a progress update after every batch.
func (d *Downloader) Download(ctx context.Context, dir, playlistURL string, headers map[string]string, onStatus func(Status)) ([]SegmentFailure, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory %s: %w", dir, err)
	}

	body, err := d.client.Get(ctx, playlistURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist %s: %w", playlistURL, err)
	}
	pl := m3u8.Parse(string(body), m3u8.BaseOf(playlistURL))
	if len(pl.Segments) == 0 {
		return nil, fmt.Errorf("playlist %s contains no segments", playlistURL)
	}

	if pl.Key != nil && pl.Key.URI != "" {
		keyPath := filepath.Join(dir, LocalKeyName)
		if err := d.fetchWithRetry(ctx, pl.Key.URI, headers, keyPath); err != nil {
			return nil, fmt.Errorf("failed to fetch encryption key: %w", err)
		}
	}

	if err := d.writeLocalPlaylist(dir, pl); err != nil {
		return nil, err
	}

	total := len(pl.Segments)
	completed := 0
	var mu sync.Mutex
	var failures []SegmentFailure

	for start := 0; start < total; start += d.batchSize {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		end := start + d.batchSize
		if end > total {
			end = total
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			seg := pl.Segments[i]
			path := filepath.Join(dir, localSegmentName(i))
			g.Go(func() error {
				if info, err := os.Stat(path); err == nil && info.Size() > 0 {
					return nil
				}
				if err := d.fetchWithRetry(gctx, seg.URL, headers, path); err != nil {
					d.logger.Warnf("Giving up on segment %d (%s): %v", seg.Sequence, seg.URL, err)
					metrics.BulkSegmentFailed()
					mu.Lock()
					failures = append(failures, SegmentFailure{Sequence: seg.Sequence, URL: seg.URL, Err: err})
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return failures, err
		}

		completed = end
		if onStatus != nil {
			onStatus(Progress(completed, total))
		}
		d.logger.Debugf("Batch done: %d/%d segments", completed, total)
	}

	d.logger.Infof("Download of %s finished: %d segments, %d failures", playlistURL, total, len(failures))
	return failures, nil
}

// localSegmentName names the i-th playlist segment; numbering starts at 1.
func localSegmentName(i int) string {
	return fmt.Sprintf("segment%d.ts", i+1)
}

// writeLocalPlaylist emits local.m3u8 with relative URIs so the directory
// plays without the server: the key URI becomes key.key and every segment
// URI its local file name.
func (d *Downloader) writeLocalPlaylist(dir string, pl m3u8.Playlist) error {
	var b strings.Builder
	for _, h := range pl.Headers {
		line := h.Line
		if h.Tag == m3u8.TagKey && pl.Key != nil && pl.Key.URI != "" {
			line = strings.Replace(line, pl.Key.URI, LocalKeyName, 1)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	for i, seg := range pl.Segments {
		b.WriteString(fmt.Sprintf("#EXTINF:%s,\n", m3u8.FormatDuration(seg.Duration)))
		b.WriteString(localSegmentName(i))
		b.WriteString("\n")
	}
	if _, ok := pl.Headers.Get(m3u8.TagEndList); !ok {
		b.WriteString(m3u8.TagEndList)
		b.WriteString("\n")
	}

	path := filepath.Join(dir, LocalPlaylistName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// fetchWithRetry downloads url into path with linear backoff between
// attempts.
func (d *Downloader) fetchWithRetry(ctx context.Context, url string, headers map[string]string, path string) error {
	var lastErr error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = d.client.GetToFile(ctx, url, headers, path)
		if lastErr == nil {
			return nil
		}
		if attempt < d.maxRetries {
			d.logger.Warnf("Attempt %d/%d for %s failed: %v", attempt, d.maxRetries, url, lastErr)
			select {
			case <-time.After(time.Duration(attempt) * d.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", d.maxRetries, lastErr)
}
