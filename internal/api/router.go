package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hlsproxyd/internal/fetch"
	"hlsproxyd/internal/logger"
	"hlsproxyd/internal/proxy"
	"hlsproxyd/internal/push"
	"hlsproxyd/internal/task"
)

// API registers every HTTP surface of the daemon on one router.
type API struct {
	proxy   *proxy.Handlers
	manager *task.Manager
	store   *task.Store
	client  *fetch.Client
	hub     *push.Hub
	logger  logger.Logger
}

// New builds the router: the live proxy surface, the task registry, the app
// config store, the task push channel and metrics.
func New(p *proxy.Handlers, manager *task.Manager, store *task.Store, client *fetch.Client, hub *push.Hub, log logger.Logger) http.Handler {
	a := &API{
		proxy:   p,
		manager: manager,
		store:   store,
		client:  client,
		hub:     hub,
		logger:  log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/", a.handleUsage)

	r.Get("/proxy/client-id", a.proxy.ClientID)
	r.Get("/proxy/m3u8", a.proxy.Playlist)
	r.Get("/proxy/ts", a.proxy.Segment)

	r.Get("/files/{taskID}/{name}", a.proxy.File)

	r.Get("/tasks", a.handleListTasks)
	r.Post("/tasks", a.handleSubmitTask)
	r.Get("/tasks/{id}", a.handleGetTask)
	r.Post("/tasks/{id}/restart", a.handleRestartTask)

	r.Get("/config", a.handleGetConfig)
	r.Post("/config", a.handleSaveConfig)

	r.Get("/ws/tasks", a.hub.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debugf("%s %s -> %d in %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(`hlsproxyd

GET  /proxy/client-id                issue a playback client id
GET  /proxy/m3u8?url=&clientId=      fetch and rewrite a playlist
GET  /proxy/ts?url=&seq=&clientId=   serve one media segment
GET  /files/{taskID}/{name}          serve a bulk-downloaded file
GET  /tasks                          list download tasks
POST /tasks                          register a download task
GET  /tasks/{id}                     fetch one task
POST /tasks/{id}/restart             re-run a task's download
GET  /config                         read the app config
POST /config                         save the app config
GET  /ws/tasks                       task updates over WebSocket
GET  /metrics                        Prometheus metrics
`))
}

type submitTaskRequest struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	snaps, err := a.manager.List()
	if err != nil {
		a.serverError(w, "failed to list tasks", err)
		return
	}
	a.respondJSON(w, http.StatusOK, snaps)
}

func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}

	t, err := a.manager.Submit(req.Name, req.URL, req.Headers)
	if errors.Is(err, task.ErrDuplicate) {
		a.respondJSON(w, http.StatusConflict, t)
		return
	}
	if err != nil {
		a.serverError(w, "failed to submit task", err)
		return
	}
	a.respondJSON(w, http.StatusCreated, t)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	snap, err := a.manager.Get(chi.URLParam(r, "id"))
	if errors.Is(err, task.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.serverError(w, "failed to fetch task", err)
		return
	}
	a.respondJSON(w, http.StatusOK, snap)
}

func (a *API) handleRestartTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.manager.Restart(chi.URLParam(r, "id"))
	if errors.Is(err, task.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.serverError(w, "failed to restart task", err)
		return
	}
	a.respondJSON(w, http.StatusOK, t)
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.store.Config()
	if err != nil {
		a.serverError(w, "failed to read config", err)
		return
	}
	a.respondJSON(w, http.StatusOK, cfg)
}

// handleSaveConfig persists the app config and re-points the outbound proxy
// of the fetch client immediately.
func (a *API) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var cfg task.AppConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	addr := ""
	if cfg.Enabled {
		addr = cfg.Proxy
	}
	if err := a.client.SetProxy(addr); err != nil {
		http.Error(w, "invalid proxy address", http.StatusBadRequest)
		return
	}
	if err := a.store.SaveConfig(cfg); err != nil {
		a.serverError(w, "failed to save config", err)
		return
	}
	a.respondJSON(w, http.StatusOK, cfg)
}

func (a *API) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warnf("Failed to encode response: %v", err)
	}
}

func (a *API) serverError(w http.ResponseWriter, msg string, err error) {
	a.logger.Errorf("%s: %v", msg, err)
	http.Error(w, msg, http.StatusInternalServerError)
}
