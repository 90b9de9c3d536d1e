package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/airframesio/csv-importer/cmd/supervisor"
	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	debounceDuration = 200 * time.Millisecond
	refreshInterval  = 2 * time.Second
	writeTimeout     = 10 * time.Second
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool {
			return true
		},
	}

	// logBroadcast is nil until the server starts its hub
	logBroadcast chan LogMessage
)

// clientWrapper wraps a websocket connection with a write mutex to ensure thread-safe writes
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// writeJSON safely writes JSON to the websocket connection with mutex protection
func (cw *clientWrapper) writeJSON(v interface{}) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	_ = cw.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cw.conn.WriteJSON(v)
}

func (cw *clientWrapper) close(reason string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = cw.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	cw.conn.Close()
}

// WebSocket message types
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type LogMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// hub pushes job snapshots and log lines to websocket clients
type hub struct {
	jobs   jobService
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[*clientWrapper]struct{} // job id -> clients

	logMu      sync.RWMutex
	logClients map[*clientWrapper]struct{}
}

func newHub(jobs jobService, logger *slog.Logger) *hub {
	return &hub{
		jobs:        jobs,
		logger:      logger,
		subscribers: make(map[string]map[*clientWrapper]struct{}),
		logClients:  make(map[*clientWrapper]struct{}),
	}
}

func (h *hub) subscribe(id string, cw *clientWrapper) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[id] == nil {
		h.subscribers[id] = make(map[*clientWrapper]struct{})
	}
	h.subscribers[id][cw] = struct{}{}
}

func (h *hub) unsubscribe(id string, cw *clientWrapper) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers[id], cw)
	if len(h.subscribers[id]) == 0 {
		delete(h.subscribers, id)
	}
}

func (h *hub) watched(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[id]) > 0
}

func (h *hub) watchedIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.subscribers))
	for id := range h.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// publish sends the current snapshot of a job to its subscribers. Once the
// job is finished the subscribers get the final snapshot and are closed.
func (h *hub) publish(ctx context.Context, id string) {
	job, err := h.jobs.Status(ctx, id)
	msg := WSMessage{Type: "job", Data: newJobResponse(job)}
	gone := errors.Is(err, supervisor.ErrUnknownJob)
	if err != nil && !gone {
		h.logger.Debug(fmt.Sprintf("Failed to read job %s for websocket clients: %v", id, err))
		return
	}
	if gone {
		msg = WSMessage{Type: "error", Data: errorResponse{Error: err.Error()}}
	}
	done := gone || job.Status.Terminal()

	h.mu.RLock()
	clients := make([]*clientWrapper, 0, len(h.subscribers[id]))
	for cw := range h.subscribers[id] {
		clients = append(clients, cw)
	}
	h.mu.RUnlock()

	for _, cw := range clients {
		if err := cw.writeJSON(msg); err != nil || done {
			cw.close("import finished")
			h.unsubscribe(id, cw)
		}
	}
}

func (h *hub) publishAll(ctx context.Context) {
	for _, id := range h.watchedIDs() {
		h.publish(ctx, id)
	}
}

// handleJobWebSocket streams snapshots of one job until it finishes
func (h *hub) handleJobWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.jobs.Status(r.Context(), id); err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug(fmt.Sprintf("WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	wrapper := &clientWrapper{conn: conn}
	h.subscribe(id, wrapper)
	defer h.unsubscribe(id, wrapper)

	// Send initial data
	h.publish(r.Context(), id)

	// Keep connection alive until the client leaves or the job ends
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// handleLogsWebSocket handles WebSocket connections for log streaming
func (h *hub) handleLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug(fmt.Sprintf("Logs WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	wrapper := &clientWrapper{conn: conn}
	h.logMu.Lock()
	h.logClients[wrapper] = struct{}{}
	h.logMu.Unlock()

	defer func() {
		h.logMu.Lock()
		delete(h.logClients, wrapper)
		h.logMu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug(fmt.Sprintf("Logs WebSocket error: %v", err))
			}
			break
		}
	}
}

// runLogs sends log messages to all connected log clients until ctx is done
func (h *hub) runLogs(ctx context.Context, logs <-chan LogMessage) error {
	for {
		var logMsg LogMessage
		select {
		case <-ctx.Done():
			return nil
		case logMsg = <-logs:
		}

		h.logMu.RLock()
		var failed []*clientWrapper
		for cw := range h.logClients {
			if err := cw.writeJSON(logMsg); err != nil {
				failed = append(failed, cw)
			}
		}
		h.logMu.RUnlock()

		if len(failed) > 0 {
			h.logMu.Lock()
			for _, cw := range failed {
				cw.conn.Close()
				delete(h.logClients, cw)
			}
			h.logMu.Unlock()
		}
	}
}

// watchJobs publishes a job whenever its record in dir changes. A periodic
// refresh catches anything the watcher missed.
func (h *hub) watchJobs(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create jobs directory: %w", err)
	}

	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(dir)
		if err != nil {
			watcher.Close()
		}
	}
	if err != nil {
		h.logger.Warn(fmt.Sprintf("⚠️  Failed to watch %s, falling back to polling: %v", dir, err))
		return h.pollJobs(ctx, refresh.C)
	}
	defer watcher.Close()

	pending := make(map[string]struct{})
	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			id := supervisor.JobID(event.Name)
			if id == "" || !h.watched(id) {
				continue
			}
			pending[id] = struct{}{}
			if debounce == nil {
				debounce = time.NewTimer(debounceDuration)
				fire = debounce.C
			}

		case <-fire:
			for id := range pending {
				h.publish(ctx, id)
				delete(pending, id)
			}
			debounce, fire = nil, nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Debug(fmt.Sprintf("File watcher error: %v", err))

		case <-refresh.C:
			h.publishAll(ctx)
		}
	}
}

func (h *hub) pollJobs(ctx context.Context, tick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			h.publishAll(ctx)
		}
	}
}
