package task

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Task is one registered bulk download. ID is derived from the origin URL,
// so re-submitting the same URL maps to the same task.
type Task struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	OriginURL   string            `json:"originUrl"`
	ContentType string            `json:"contentType"`
	Headers     map[string]string `json:"headers,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// AppConfig is the single persisted application config row.
type AppConfig struct {
	Proxy   string `json:"proxy"`
	Enabled bool   `json:"enabled"`
}

// IDFor derives the stable task id for an origin URL.
func IDFor(originURL string) string {
	sum := sha1.Sum([]byte(originURL))
	return hex.EncodeToString(sum[:])[:12]
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	url          TEXT NOT NULL,
	origin_url   TEXT NOT NULL,
	content_type TEXT NOT NULL,
	headers      TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS app_config (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	proxy   TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 0
);
`

// Store persists tasks and the app config in a SQLite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if needed creates) the database at path and applies
// the schema.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddTask inserts a task. Inserting an existing id is an error.
func (s *Store) AddTask(t Task) error {
	headers, err := marshalHeaders(t.Headers)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO tasks (id, name, url, origin_url, content_type, headers, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.URL, t.OriginURL, t.ContentType, headers, t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(id string) (Task, error) {
	row := s.db.QueryRow(
		`SELECT id, name, url, origin_url, content_type, headers, created_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks() ([]Task, error) {
	rows, err := s.db.Query(
		`SELECT id, name, url, origin_url, content_type, headers, created_at
		 FROM tasks ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Config returns the persisted app config, zero-valued when never saved.
func (s *Store) Config() (AppConfig, error) {
	var cfg AppConfig
	var enabled int
	err := s.db.QueryRow(`SELECT proxy, enabled FROM app_config WHERE id = 1`).
		Scan(&cfg.Proxy, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return AppConfig{}, nil
	}
	if err != nil {
		return AppConfig{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg.Enabled = enabled != 0
	return cfg, nil
}

// SaveConfig upserts the single config row.
func (s *Store) SaveConfig(cfg AppConfig) error {
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO app_config (id, proxy, enabled) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET proxy = excluded.proxy, enabled = excluded.enabled`,
		cfg.Proxy, enabled)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var headers string
	var createdAt int64
	if err := row.Scan(&t.ID, &t.Name, &t.URL, &t.OriginURL, &t.ContentType, &headers, &createdAt); err != nil {
		return Task{}, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &t.Headers); err != nil {
			return Task{}, fmt.Errorf("corrupt headers for task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func marshalHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to encode headers: %w", err)
	}
	return string(b), nil
}
