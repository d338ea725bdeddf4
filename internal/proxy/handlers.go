package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"hlsproxyd/internal/cache"
	"hlsproxyd/internal/fetch"
	"hlsproxyd/internal/logger"
	"hlsproxyd/internal/m3u8"
	"hlsproxyd/internal/metrics"
	"hlsproxyd/internal/session"
)

const (
	contentTypeM3U8 = "application/vnd.apple.mpegurl"
	contentTypeTS   = "video/mp2t"
)

// Handlers serves the live proxy surface: client id issuance, playlist
// rewriting and segment delivery, plus the files of finished bulk downloads.
type Handlers struct {
	client  *fetch.Client
	sched   *fetch.Scheduler
	cache   *cache.Cache
	tracker *session.Tracker
	logger  logger.Logger

	// prefetchCount segments are queued at medium priority after every
	// playlist fetch.
	prefetchCount int
	downloadDir   string
}

// NewHandlers wires the proxy surface to its collaborators.
func NewHandlers(client *fetch.Client, sched *fetch.Scheduler, c *cache.Cache, tracker *session.Tracker, prefetchCount int, downloadDir string, log logger.Logger) *Handlers {
	return &Handlers{
		client:        client,
		sched:         sched,
		cache:         c,
		tracker:       tracker,
		logger:        log,
		prefetchCount: prefetchCount,
		downloadDir:   downloadDir,
	}
}

// ClientID issues a fresh client identifier as plain text.
func (h *Handlers) ClientID(w http.ResponseWriter, r *http.Request) {
	id := h.tracker.NewClientID()
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, id)
}

// Playlist fetches the origin playlist, registers the segment snapshot for
// the client, kicks off a medium-priority prefetch of the first segments and
// returns the rewritten playlist.
func (h *Handlers) Playlist(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	clientID := r.URL.Query().Get("clientId")
	if rawURL == "" || clientID == "" {
		http.Error(w, "missing url or clientId parameter", http.StatusBadRequest)
		return
	}

	body, err := h.client.Get(r.Context(), rawURL, nil)
	if err != nil {
		h.logger.Errorf("Playlist fetch for %s failed: %v", rawURL, err)
		http.Error(w, "failed to fetch playlist", http.StatusInternalServerError)
		return
	}

	pl := m3u8.Parse(string(body), m3u8.BaseOf(rawURL))
	h.tracker.PlaylistFetched(clientID, rawURL, pl.Segments)

	for i, seg := range pl.Segments {
		if i >= h.prefetchCount {
			break
		}
		h.sched.Enqueue(seg.URL, h.cache.FileFor(seg.URL), fetch.PriorityMedium, nil)
	}

	out := m3u8.Rewrite(pl.Segments, pl.Headers, m3u8.NoMediaSequenceOverride, clientID)
	w.Header().Set("Content-Type", contentTypeM3U8)
	fmt.Fprint(w, out)
}

// Segment serves one media segment, from cache when present and via a
// blocking high-priority fetch otherwise.
func (h *Handlers) Segment(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	clientID := r.URL.Query().Get("clientId")
	seqStr := r.URL.Query().Get("seq")
	if rawURL == "" || clientID == "" || seqStr == "" {
		http.Error(w, "missing url, seq or clientId parameter", http.StatusBadRequest)
		return
	}
	sequence, err := strconv.Atoi(seqStr)
	if err != nil {
		http.Error(w, "invalid seq parameter", http.StatusBadRequest)
		return
	}

	seg, err := h.tracker.SegmentRequested(clientID, sequence)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusBadRequest)
		return
	case errors.Is(err, session.ErrSegmentNotFound):
		http.Error(w, "segment not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	path := h.cache.FileFor(seg.URL)
	if h.cache.IsCached(seg.URL) {
		metrics.CacheHit()
	} else {
		metrics.CacheMiss()
		if err := h.sched.EnsureCached(r.Context(), seg.URL, path, fetch.PriorityHigh, nil); err != nil {
			h.logger.Errorf("Segment fetch for seq %d (%s) failed: %v", sequence, seg.URL, err)
			http.Error(w, "failed to fetch segment", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", contentTypeTS)
	http.ServeFile(w, r, path)
}

// File serves one file of a finished bulk download from the task's download
// directory.
func (h *Handlers) File(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	name := chi.URLParam(r, "name")
	if taskID == "" || name == "" {
		http.Error(w, "missing path parameters", http.StatusBadRequest)
		return
	}

	path := filepath.Join(h.downloadDir, taskID, name)
	rel, err := filepath.Rel(h.downloadDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	switch filepath.Ext(name) {
	case ".m3u8":
		w.Header().Set("Content-Type", contentTypeM3U8)
	case ".ts":
		w.Header().Set("Content-Type", contentTypeTS)
	case ".key":
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeFile(w, r, path)
}
