package session

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsproxyd/internal/cache"
	"hlsproxyd/internal/fetch"
	"hlsproxyd/internal/logger"
	"hlsproxyd/internal/m3u8"
)

type fixture struct {
	tracker *Tracker
	cache   *cache.Cache
	sched   *fetch.Scheduler
	clock   *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := cache.New(t.TempDir(), logger.Nop())
	require.NoError(t, err)

	// Not started: enqueued prefetches stay visible in the queue.
	sched := fetch.NewScheduler(fetch.NewClient(logger.Nop()), logger.Nop(), fetch.SchedulerConfig{
		MaxConcurrent: 1,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	})

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(sched, c, Policy{
		GapThreshold: 2,
		KeepBehind:   5,
		KeepAhead:    10,
		IdleTTL:      10 * time.Minute,
	}, logger.Nop())
	tracker.now = func() time.Time { return clock.now }

	return &fixture{tracker: tracker, cache: c, sched: sched, clock: clock}
}

func segments(firstSeq, count int) []m3u8.Segment {
	segs := make([]m3u8.Segment, 0, count)
	for i := 0; i < count; i++ {
		seq := firstSeq + i
		segs = append(segs, m3u8.Segment{
			URL:      "https://h/stream/seg" + strconv.Itoa(seq) + ".ts",
			Sequence: seq,
			Duration: 4,
		})
	}
	return segs
}

func (f *fixture) seed(t *testing.T, segs []m3u8.Segment) {
	t.Helper()
	for _, seg := range segs {
		require.NoError(t, os.WriteFile(f.cache.FileFor(seg.URL), []byte("x"), 0o644))
	}
}

func TestSegmentRequestedUnknownClient(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.SegmentRequested("nobody", 5)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSegmentRequestedUnknownSequence(t *testing.T) {
	f := newFixture(t)
	f.tracker.PlaylistFetched("c1", "https://h/stream/list.m3u8", segments(100, 5))
	_, err := f.tracker.SegmentRequested("c1", 999)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestPlaylistFetchedArmsBeforeFirstSegment(t *testing.T) {
	f := newFixture(t)
	f.tracker.PlaylistFetched("c1", "https://h/stream/list.m3u8", segments(100, 5))

	sess, ok := f.tracker.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, 99, sess.LastSequence)

	seg, err := f.tracker.SegmentRequested("c1", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, seg.Sequence)
}

func TestContinuousPlaybackNeverEvicts(t *testing.T) {
	f := newFixture(t)
	segs := segments(100, 20)
	f.tracker.PlaylistFetched("c1", "https://h/stream/list.m3u8", segs)
	f.seed(t, segs)

	for seq := 100; seq < 120; seq++ {
		_, err := f.tracker.SegmentRequested("c1", seq)
		require.NoError(t, err)
	}
	for _, seg := range segs {
		assert.True(t, f.cache.IsCached(seg.URL), "seq %d", seg.Sequence)
	}
	assert.Equal(t, 0, f.sched.QueueDepth())
}

func TestSmallGapWithinThresholdIsContinuous(t *testing.T) {
	f := newFixture(t)
	segs := segments(100, 20)
	f.tracker.PlaylistFetched("c1", "https://h/stream/list.m3u8", segs)
	f.seed(t, segs)

	_, err := f.tracker.SegmentRequested("c1", 100)
	require.NoError(t, err)

	// 100 -> 102 deviates by 2, exactly the threshold.
	_, err = f.tracker.SegmentRequested("c1", 102)
	require.NoError(t, err)

	for _, seg := range segs {
		assert.True(t, f.cache.IsCached(seg.URL))
	}
}

func TestJumpEvictsOutsideWindowAndPrefetches(t *testing.T) {
	f := newFixture(t)
	segs := segments(100, 50)
	f.tracker.PlaylistFetched("c1", "https://h/stream/list.m3u8", segs)
	f.seed(t, segs)

	_, err := f.tracker.SegmentRequested("c1", 100)
	require.NoError(t, err)

	// 100 -> 130 is a jump; the window is [125, 140].
	seg, err := f.tracker.SegmentRequested("c1", 130)
	require.NoError(t, err)
	assert.Equal(t, 130, seg.Sequence)

	for _, s := range segs {
		if s.Sequence >= 125 && s.Sequence <= 140 {
			assert.True(t, f.cache.IsCached(s.URL), "seq %d should survive", s.Sequence)
		} else {
			assert.False(t, f.cache.IsCached(s.URL), "seq %d should be evicted", s.Sequence)
		}
	}

	// [130, 140] was already cached, so nothing needed prefetching.
	assert.Equal(t, 0, f.sched.QueueDepth())
}

func TestJumpPrefetchesMissingSegmentsAhead(t *testing.T) {
	f := newFixture(t)
	segs := segments(100, 50)
	f.tracker.PlaylistFetched("c1", "https://h/stream/list.m3u8", segs)

	_, err := f.tracker.SegmentRequested("c1", 100)
	require.NoError(t, err)
	_, err = f.tracker.SegmentRequested("c1", 130)
	require.NoError(t, err)

	// Nothing cached: [130, 140] is queued.
	assert.Equal(t, 11, f.sched.QueueDepth())
}

func TestJumpWindowClampsToPlaylistBounds(t *testing.T) {
	f := newFixture(t)
	segs := segments(100, 10)
	f.tracker.PlaylistFetched("c1", "https://h/stream/list.m3u8", segs)
	f.seed(t, segs)

	_, err := f.tracker.SegmentRequested("c1", 100)
	require.NoError(t, err)

	// 100 -> 108: the window [103, 118] clamps to [103, 109].
	_, err = f.tracker.SegmentRequested("c1", 108)
	require.NoError(t, err)

	for _, s := range segs {
		if s.Sequence >= 103 {
			assert.True(t, f.cache.IsCached(s.URL), "seq %d", s.Sequence)
		} else {
			assert.False(t, f.cache.IsCached(s.URL), "seq %d", s.Sequence)
		}
	}
}

func TestBackwardJumpIsDetected(t *testing.T) {
	f := newFixture(t)
	segs := segments(100, 50)
	f.tracker.PlaylistFetched("c1", "https://h/stream/list.m3u8", segs)
	f.seed(t, segs)

	_, err := f.tracker.SegmentRequested("c1", 100)
	require.NoError(t, err)
	_, err = f.tracker.SegmentRequested("c1", 140)
	require.NoError(t, err)

	// Re-seed so the survivors of the backward jump are observable.
	f.seed(t, segs)
	_, err = f.tracker.SegmentRequested("c1", 110)
	require.NoError(t, err)

	// The window follows the new position: [105, 120].
	for _, s := range segs {
		if s.Sequence >= 105 && s.Sequence <= 120 {
			assert.True(t, f.cache.IsCached(s.URL), "seq %d", s.Sequence)
		} else {
			assert.False(t, f.cache.IsCached(s.URL), "seq %d", s.Sequence)
		}
	}
}

func TestIdleSessionsExpireLazily(t *testing.T) {
	f := newFixture(t)
	f.tracker.PlaylistFetched("idle", "https://h/a.m3u8", segments(0, 5))

	f.clock.advance(11 * time.Minute)

	// The next map write sweeps the idle session out.
	f.tracker.PlaylistFetched("fresh", "https://h/b.m3u8", segments(0, 5))

	_, ok := f.tracker.Snapshot("idle")
	assert.False(t, ok)
	_, ok = f.tracker.Snapshot("fresh")
	assert.True(t, ok)

	_, err := f.tracker.SegmentRequested("idle", 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestActiveSessionIsRefreshedByRequests(t *testing.T) {
	f := newFixture(t)
	segs := segments(0, 5)
	f.tracker.PlaylistFetched("c1", "https://h/a.m3u8", segs)
	f.seed(t, segs)

	for seq := 0; seq < 3; seq++ {
		f.clock.advance(9 * time.Minute)
		_, err := f.tracker.SegmentRequested("c1", seq)
		require.NoError(t, err)
	}
	_, ok := f.tracker.Snapshot("c1")
	assert.True(t, ok)
}
