package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"hlsproxyd/internal/logger"
	"hlsproxyd/internal/m3u8"
)

// Cache maps source URLs to files under a single cache directory. File names
// are derived deterministically from the URL, so repeated requests for the
// same URL always address the same file without an index structure.
//
// A file that exists with zero length counts as absent; in-flight downloads
// are the scheduler's concern, not the cache's.
type Cache struct {
	dir    string
	logger logger.Logger
}

// New creates a cache rooted at dir, creating the directory if needed.
func New(dir string, log logger.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return &Cache{dir: dir, logger: log}, nil
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// FileFor returns the cache file path for a source URL: a short hash of the
// full URL plus a readable suffix taken from the last path element.
func (c *Cache) FileFor(sourceURL string) string {
	sum := sha1.Sum([]byte(sourceURL))
	name := hex.EncodeToString(sum[:])[:16] + "_" + readableSuffix(sourceURL)
	return filepath.Join(c.dir, name)
}

// readableSuffix extracts a filesystem-safe tail from the URL path.
func readableSuffix(sourceURL string) string {
	tail := sourceURL
	if u, err := url.Parse(sourceURL); err == nil && u.Path != "" {
		tail = u.Path
	}
	tail = tail[strings.LastIndex(tail, "/")+1:]
	if tail == "" {
		return "segment"
	}
	var b strings.Builder
	for _, r := range tail {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// IsCached reports whether the URL's cache file exists with nonzero length.
func (c *Cache) IsCached(sourceURL string) bool {
	info, err := os.Stat(c.FileFor(sourceURL))
	return err == nil && info.Size() > 0
}

// EvictOutsideRange deletes the cache file of every segment whose sequence
// number falls outside [startSeq, endSeq]. Returns the number of files
// removed. Only jump handling calls this; continuous playback never evicts.
func (c *Cache) EvictOutsideRange(segments []m3u8.Segment, startSeq, endSeq int) int {
	evicted := 0
	for _, seg := range segments {
		if seg.Sequence >= startSeq && seg.Sequence <= endSeq {
			continue
		}
		path := c.FileFor(seg.URL)
		if err := os.Remove(path); err == nil {
			evicted++
		} else if !os.IsNotExist(err) {
			c.logger.Warnf("Failed to evict %s: %v", path, err)
		}
	}
	if evicted > 0 {
		c.logger.Debugf("Evicted %d segments outside [%d, %d]", evicted, startSeq, endSeq)
	}
	return evicted
}
