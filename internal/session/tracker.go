package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"hlsproxyd/internal/cache"
	"hlsproxyd/internal/fetch"
	"hlsproxyd/internal/logger"
	"hlsproxyd/internal/m3u8"
	"hlsproxyd/internal/metrics"
)

var (
	// ErrSessionNotFound means the client never fetched a playlist, or its
	// session expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSegmentNotFound means the requested sequence number is not in the
	// session's current playlist snapshot.
	ErrSegmentNotFound = errors.New("segment not found")
)

// Policy holds the continuity parameters. The defaults mirror config.Default
// but nothing here assumes they are optimal; they are tuning knobs.
type Policy struct {
	// GapThreshold is the largest |seq - last| still treated as continuous.
	GapThreshold int
	// KeepBehind/KeepAhead define the retention window around a jump
	// target: [seq-KeepBehind, seq+KeepAhead], clamped to the playlist.
	KeepBehind int
	KeepAhead  int
	// IdleTTL is how long a session survives without requests.
	IdleTTL time.Duration
}

// Session is the per-client playback state. LastSequence is -1 until the
// first playlist arrives.
type Session struct {
	ClientID     string
	PlaylistURL  string
	Segments     []m3u8.Segment
	LastSequence int
	LastAccess   time.Time
}

// Tracker watches the pattern of segment requests per client, classifies
// each one as continuous playback or a jump, and on a jump re-shapes the
// cache and the download queue around the new position.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*Session

	sched  *fetch.Scheduler
	cache  *cache.Cache
	policy Policy
	logger logger.Logger
	now    func() time.Time
}

// NewTracker creates a tracker bound to the scheduler and cache it steers.
func NewTracker(sched *fetch.Scheduler, c *cache.Cache, policy Policy, log logger.Logger) *Tracker {
	if policy.IdleTTL <= 0 {
		policy.IdleTTL = 10 * time.Minute
	}
	return &Tracker{
		sessions: make(map[string]*Session),
		sched:    sched,
		cache:    c,
		policy:   policy,
		logger:   log,
		now:      time.Now,
	}
}

// NewClientID issues a fresh opaque client identifier.
func (t *Tracker) NewClientID() string {
	return uuid.NewString()
}

// PlaylistFetched seeds (or re-seeds) a client's session with the segment
// snapshot of a freshly fetched playlist. The session is left armed one
// sequence number before the first segment, so the first request reads as
// continuous.
func (t *Tracker) PlaylistFetched(clientID, playlistURL string, segments []m3u8.Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last := -1
	if len(segments) > 0 {
		last = segments[0].Sequence - 1
	}
	t.sessions[clientID] = &Session{
		ClientID:     clientID,
		PlaylistURL:  playlistURL,
		Segments:     segments,
		LastSequence: last,
		LastAccess:   t.now(),
	}
	t.evictExpiredLocked()
	metrics.SetActiveSessions(len(t.sessions))
}

// SegmentRequested resolves the requested sequence number against the
// client's snapshot, classifies the request, and on a jump evicts and
// prefetches around the new position. It returns the segment to serve.
func (t *Tracker) SegmentRequested(clientID string, sequence int) (m3u8.Segment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[clientID]
	if !ok {
		return m3u8.Segment{}, ErrSessionNotFound
	}
	sess.LastAccess = t.now()

	seg, found := m3u8.FindBySequence(sess.Segments, sequence)
	if !found {
		return m3u8.Segment{}, ErrSegmentNotFound
	}

	last := sess.LastSequence
	continuous := sequence == last+1 || abs(sequence-last) <= t.policy.GapThreshold
	if !continuous {
		t.handleJumpLocked(sess, sequence)
	}

	sess.LastSequence = sequence
	t.evictExpiredLocked()
	metrics.SetActiveSessions(len(t.sessions))
	return seg, nil
}

// handleJumpLocked recomputes the retention window around the jump target,
// cancels and evicts everything outside it, and prefetches ahead of the new
// position.
func (t *Tracker) handleJumpLocked(sess *Session, sequence int) {
	firstSeq, lastSeq := m3u8.SequenceRange(sess.Segments)
	startKeep := max(firstSeq, sequence-t.policy.KeepBehind)
	endKeep := min(lastSeq, sequence+t.policy.KeepAhead)

	t.logger.Infof("Jump detected for client %s: %d -> %d, keeping [%d, %d]",
		sess.ClientID, sess.LastSequence, sequence, startKeep, endKeep)
	metrics.JumpDetected()

	for _, seg := range sess.Segments {
		if seg.Sequence < startKeep || seg.Sequence > endKeep {
			t.sched.Cancel(seg.URL)
		}
	}
	t.cache.EvictOutsideRange(sess.Segments, startKeep, endKeep)

	for _, seg := range sess.Segments {
		if seg.Sequence < sequence || seg.Sequence > endKeep {
			continue
		}
		if !t.cache.IsCached(seg.URL) {
			t.sched.Enqueue(seg.URL, t.cache.FileFor(seg.URL), fetch.PriorityHigh, nil)
		}
	}
}

// Snapshot returns a copy of a client's session state.
func (t *Tracker) Snapshot(clientID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[clientID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// evictExpiredLocked drops sessions idle past the TTL. Cleanup is lazy:
// it runs on session-map writes, there is no timer goroutine.
func (t *Tracker) evictExpiredLocked() {
	cutoff := t.now().Add(-t.policy.IdleTTL)
	for id, sess := range t.sessions {
		if sess.LastAccess.Before(cutoff) {
			delete(t.sessions, id)
			t.logger.Debugf("Expired idle session %s", id)
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
