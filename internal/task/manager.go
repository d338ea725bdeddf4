package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hlsproxyd/internal/bulk"
	"hlsproxyd/internal/logger"
)

// ErrDuplicate is returned when a submitted URL already has a task.
var ErrDuplicate = errors.New("task already exists")

// Publisher receives the full task snapshot list whenever it changes and on
// a fixed interval.
type Publisher interface {
	PublishTasks([]Snapshot)
}

// Snapshot pairs a persisted task with its in-memory download status.
type Snapshot struct {
	Task
	Status bulk.Status `json:"status"`
}

// Manager owns the task lifecycle: registration, running bulk downloads,
// restart, and pushing snapshots to the publisher.
type Manager struct {
	store       *Store
	dl          *bulk.Downloader
	downloadDir string
	pub         Publisher
	logger      logger.Logger

	mu      sync.Mutex
	status  map[string]bulk.Status
	running map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a task manager. pub may be nil.
func NewManager(store *Store, dl *bulk.Downloader, downloadDir string, pub Publisher, log logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       store,
		dl:          dl,
		downloadDir: downloadDir,
		pub:         pub,
		logger:      log,
		status:      make(map[string]bulk.Status),
		running:     make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start marks already-downloaded tasks done and begins the periodic
// snapshot push.
func (m *Manager) Start() error {
	tasks, err := m.store.ListTasks()
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, t := range tasks {
		if fileExists(m.playlistPath(t.ID)) {
			m.status[t.ID] = bulk.Done(m.servePath(t.ID))
		}
	}
	m.mu.Unlock()

	m.publish()
	m.wg.Add(1)
	go m.pushLoop()
	return nil
}

// Close stops running downloads and the push loop.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) pushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.publish()
		case <-m.ctx.Done():
			return
		}
	}
}

// Submit registers a task for url and starts its download. Re-submitting a
// URL that already has a task returns the existing task with ErrDuplicate.
func (m *Manager) Submit(name, url string, headers map[string]string) (Task, error) {
	id := IDFor(url)
	if existing, err := m.store.GetTask(id); err == nil {
		return existing, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return Task{}, err
	}

	t := Task{
		ID:          id,
		Name:        name,
		URL:         url,
		OriginURL:   url,
		ContentType: "application/vnd.apple.mpegurl",
		Headers:     headers,
		CreatedAt:   time.Now().UTC(),
	}
	if t.Name == "" {
		t.Name = id
	}
	if err := m.store.AddTask(t); err != nil {
		return Task{}, err
	}

	m.startDownload(t)
	return t, nil
}

// Restart re-runs the download of an existing task. Already-stored segments
// are kept and skipped.
func (m *Manager) Restart(id string) (Task, error) {
	t, err := m.store.GetTask(id)
	if err != nil {
		return Task{}, err
	}
	m.startDownload(t)
	return t, nil
}

func (m *Manager) startDownload(t Task) {
	m.mu.Lock()
	if m.running[t.ID] {
		m.mu.Unlock()
		m.logger.Debugf("Task %s is already downloading", t.ID)
		return
	}
	m.running[t.ID] = true
	m.status[t.ID] = bulk.Progress(0, 0)
	m.mu.Unlock()
	m.publish()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(t)
	}()
}

func (m *Manager) run(t Task) {
	dir := filepath.Join(m.downloadDir, t.ID)
	failures, err := m.dl.Download(m.ctx, dir, t.URL, t.Headers, func(st bulk.Status) {
		m.setStatus(t.ID, st)
	})

	m.mu.Lock()
	delete(m.running, t.ID)
	switch {
	case err != nil:
		m.status[t.ID] = bulk.Failed(err)
		m.logger.Errorf("Task %s failed: %v", t.ID, err)
	case len(failures) > 0:
		m.status[t.ID] = bulk.Failed(fmt.Errorf("%d segments failed", len(failures)))
		m.logger.Warnf("Task %s finished with %d failed segments", t.ID, len(failures))
	default:
		m.status[t.ID] = bulk.Done(m.servePath(t.ID))
		m.logger.Infof("Task %s done", t.ID)
	}
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) setStatus(id string, st bulk.Status) {
	m.mu.Lock()
	m.status[id] = st
	m.mu.Unlock()
	m.publish()
}

// List returns snapshots of all tasks, newest first.
func (m *Manager) List() ([]Snapshot, error) {
	tasks, err := m.store.ListTasks()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		st, ok := m.status[t.ID]
		if !ok {
			st = bulk.None()
		}
		snaps = append(snaps, Snapshot{Task: t, Status: st})
	}
	return snaps, nil
}

// Get returns the snapshot of one task.
func (m *Manager) Get(id string) (Snapshot, error) {
	t, err := m.store.GetTask(id)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	st, ok := m.status[id]
	m.mu.Unlock()
	if !ok {
		st = bulk.None()
	}
	return Snapshot{Task: t, Status: st}, nil
}

func (m *Manager) publish() {
	if m.pub == nil {
		return
	}
	snaps, err := m.List()
	if err != nil {
		m.logger.Warnf("Failed to build task snapshot: %v", err)
		return
	}
	m.pub.PublishTasks(snaps)
}

// playlistPath is where the local playlist of a task lives on disk.
func (m *Manager) playlistPath(id string) string {
	return filepath.Join(m.downloadDir, id, bulk.LocalPlaylistName)
}

// servePath is the URL path the local playlist is served under.
func (m *Manager) servePath(id string) string {
	return "/files/" + id + "/" + bulk.LocalPlaylistName
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
