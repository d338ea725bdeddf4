package fetch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"hlsproxyd/internal/logger"
	"hlsproxyd/internal/metrics"
)

// Priority orders download tasks. High is dequeued first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// ErrCancelled resolves the waiters of a task that was cancelled before or
// during its fetch.
var ErrCancelled = errors.New("fetch cancelled")

// ErrStopped resolves tasks enqueued on a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

type taskState int

const (
	statePending taskState = iota
	stateRunning
)

// task is one unit of download work. Transient: created on enqueue,
// discarded on completion or permanent failure.
type task struct {
	url      string
	path     string
	priority Priority
	order    uint64
	attempt  int
	headers  map[string]string

	state     taskState
	cancelled bool
	index     int
}

// taskQueue is a min-heap over (priority, enqueue order). Within one
// priority tier tasks leave in insertion order.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].order < q[j].order
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// operation is the in-flight registry entry for one URL: a promise resolved
// exactly once by the owning worker and observed by every waiter.
type operation struct {
	task *task
	done chan struct{}
	err  error
}

func (o *operation) resolve(err error) {
	o.err = err
	close(o.done)
}

// SchedulerConfig bounds the scheduler's concurrency and retry behavior.
type SchedulerConfig struct {
	MaxConcurrent int
	MaxRetries    int
	// RetryDelay is the base backoff; attempt n sleeps n*RetryDelay.
	RetryDelay time.Duration
}

// Scheduler turns "URL X cached at path P with priority Q" into a file on
// disk, with bounded concurrency, automatic retry and at most one network
// fetch per URL at any time.
type Scheduler struct {
	client *Client
	logger logger.Logger
	cfg    SchedulerConfig

	mu        sync.Mutex
	cond      *sync.Cond
	queue     taskQueue
	inflight  map[string]*operation
	nextOrder uint64
	closed    bool

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler; call Start before use.
func NewScheduler(client *Client, log logger.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	s := &Scheduler{
		client:   client,
		logger:   log,
		cfg:      cfg,
		inflight: make(map[string]*operation),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.MaxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop cancels all queued tasks, waits for running fetches to finish and
// shuts the workers down.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	var dropped []*operation
	for len(s.queue) > 0 {
		t := heap.Pop(&s.queue).(*task)
		op := s.inflight[t.url]
		delete(s.inflight, t.url)
		if op != nil {
			dropped = append(dropped, op)
		}
	}
	metrics.SetQueueDepth(0)
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, op := range dropped {
		op.resolve(ErrStopped)
	}
	s.wg.Wait()
}

// fileReady reports whether path exists with nonzero length.
func fileReady(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// Enqueue registers a background fetch of url into path. It returns
// immediately; if the URL is already queued or in flight this is a no-op.
func (s *Scheduler) Enqueue(url, path string, pri Priority, headers map[string]string) {
	if fileReady(path) {
		return
	}
	s.enqueue(url, path, pri, headers)
}

// EnsureCached blocks until url is present at path: immediately if the file
// already exists, by waiting on the in-flight fetch if one is running, or by
// scheduling and awaiting a new task otherwise.
func (s *Scheduler) EnsureCached(ctx context.Context, url, path string, pri Priority, headers map[string]string) error {
	if fileReady(path) {
		return nil
	}

	op := s.enqueue(url, path, pri, headers)

	select {
	case <-op.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// A duplicate waiter may have been resolved by a fetch into the same
	// path; the file on disk is authoritative.
	if fileReady(path) {
		return nil
	}
	if op.err != nil {
		return op.err
	}
	return fmt.Errorf("fetch of %s completed but %s is empty", url, path)
}

func (s *Scheduler) enqueue(url, path string, pri Priority, headers map[string]string) *operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op, ok := s.inflight[url]; ok {
		return op
	}

	if s.closed {
		op := &operation{done: make(chan struct{})}
		op.resolve(ErrStopped)
		return op
	}

	t := &task{
		url:      url,
		path:     path,
		priority: pri,
		order:    s.nextOrder,
		headers:  headers,
	}
	s.nextOrder++

	op := &operation{task: t, done: make(chan struct{})}
	s.inflight[url] = op
	heap.Push(&s.queue, t)
	metrics.SetQueueDepth(len(s.queue))
	s.cond.Signal()
	return op
}

// Cancel removes a queued task for url without side effects, or marks a
// running one cancelled so its result is discarded and not retried. Unknown
// URLs are ignored.
func (s *Scheduler) Cancel(url string) {
	s.mu.Lock()
	op, ok := s.inflight[url]
	if !ok {
		s.mu.Unlock()
		return
	}
	t := op.task
	t.cancelled = true
	if t.state == statePending {
		heap.Remove(&s.queue, t.index)
		delete(s.inflight, url)
		metrics.SetQueueDepth(len(s.queue))
		s.mu.Unlock()
		op.resolve(ErrCancelled)
		return
	}
	s.mu.Unlock()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.queue).(*task)
		t.state = stateRunning
		op := s.inflight[t.url]
		metrics.SetQueueDepth(len(s.queue))
		s.mu.Unlock()

		err := s.fetch(t)

		s.mu.Lock()
		delete(s.inflight, t.url)
		s.mu.Unlock()
		op.resolve(err)
	}
}

func (s *Scheduler) isCancelled(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.cancelled
}

// fetch runs the retry loop for one task. On permanent failure no file is
// left at the target path.
func (s *Scheduler) fetch(t *task) error {
	if fileReady(t.path) {
		return nil
	}

	var lastErr error
	for t.attempt = 1; t.attempt <= s.cfg.MaxRetries; t.attempt++ {
		if s.isCancelled(t) {
			_ = os.Remove(t.path)
			return ErrCancelled
		}

		err := s.client.GetToFile(context.Background(), t.url, t.headers, t.path)
		if err == nil {
			if s.isCancelled(t) {
				// Result of a cancelled transfer is discarded.
				_ = os.Remove(t.path)
				return ErrCancelled
			}
			return nil
		}
		lastErr = err
		s.logger.Warnf("Fetch attempt %d/%d for %s failed: %v", t.attempt, s.cfg.MaxRetries, t.url, err)

		if s.isCancelled(t) {
			_ = os.Remove(t.path)
			return ErrCancelled
		}
		if t.attempt < s.cfg.MaxRetries {
			metrics.FetchRetried()
			time.Sleep(time.Duration(t.attempt) * s.cfg.RetryDelay)
		}
	}

	// GetToFile removes its own partial writes, but never leave anything
	// truncated behind on permanent failure.
	_ = os.Remove(t.path)
	metrics.FetchFailed()
	return fmt.Errorf("failed to fetch %s after %d attempts: %w", t.url, s.cfg.MaxRetries, lastErr)
}

// QueueDepth returns the number of tasks waiting for a worker slot.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
