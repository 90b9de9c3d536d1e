package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airframesio/csv-importer/cmd/supervisor"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type wsJobMessage struct {
	Type string      `json:"type"`
	Data JobResponse `json:"data"`
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func readJobMessage(t *testing.T, conn *websocket.Conn) wsJobMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsJobMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	return msg
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close, got %v", err)
	}
}

func TestJobWebSocketFinishedJob(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	path, _ := writeCSV(t, 30)

	assembled, err := uploadFile(ctx, env.client, path, 128, 2)
	if err != nil {
		t.Fatal(err)
	}
	id, err := env.client.startImport(ctx, ImportRequest{UploadID: assembled.UploadID, Table: "contacts"})
	if err != nil {
		t.Fatal(err)
	}
	env.waitTerminal(t, id)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server, "/ws/imports/"+id), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg := readJobMessage(t, conn)
	if msg.Type != "job" || msg.Data.ID != id {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Data.Status != supervisor.StatusSucceeded || msg.Data.ProcessedRows != 30 {
		t.Fatalf("expected the final snapshot, got %s with %d rows", msg.Data.Status, msg.Data.ProcessedRows)
	}
	expectClosed(t, conn)
}

func TestJobWebSocketFollowsCancel(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	path, _ := writeCSV(t, 10)

	assembled, err := uploadFile(ctx, env.client, path, 128, 1)
	if err != nil {
		t.Fatal(err)
	}
	id, err := env.client.startImport(ctx, ImportRequest{UploadID: assembled.UploadID, Table: "contacts"})
	if err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server, "/ws/imports/"+id), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if msg := readJobMessage(t, conn); msg.Data.Status != supervisor.StatusQueued {
		t.Fatalf("expected a queued job, got %s", msg.Data.Status)
	}
	if !env.hub.watched(id) {
		t.Fatal("the client should be subscribed after the first snapshot")
	}

	if err := env.sup.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	env.hub.publish(ctx, id)

	msg := readJobMessage(t, conn)
	if msg.Data.Status != supervisor.StatusFailed || !msg.Data.Cancelled {
		t.Fatalf("expected a cancelled job, got %s cancelled=%v", msg.Data.Status, msg.Data.Cancelled)
	}
	expectClosed(t, conn)
	if env.hub.watched(id) {
		t.Error("finished jobs should have no subscribers")
	}
}

func TestJobWebSocketUnknownJob(t *testing.T) {
	env := newTestEnv(t, false)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.server, "/ws/imports/missing"), nil)
	if err == nil {
		t.Fatal("expected the handshake to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestLogsWebSocket(t *testing.T) {
	env := newTestEnv(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs := make(chan LogMessage, 1)
	go env.hub.runLogs(ctx, logs)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.server, "/ws/logs"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		env.hub.logMu.RLock()
		n := len(env.hub.logClients)
		env.hub.logMu.RUnlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("log client was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	logs <- LogMessage{Timestamp: "2024-01-01T00:00:00Z", Level: "INFO", Message: "✅ Import finished"}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got LogMessage
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Level != "INFO" || got.Message != "✅ Import finished" {
		t.Fatalf("unexpected log message %+v", got)
	}
}

// mutableJobs serves one job whose status the test changes
type mutableJobs struct {
	stubJobs
	mu  sync.Mutex
	job supervisor.Job
}

func (m *mutableJobs) Status(_ context.Context, id string) (supervisor.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.job.ID {
		return supervisor.Job{}, fmt.Errorf("%w: %s", supervisor.ErrUnknownJob, id)
	}
	return m.job, nil
}

func (m *mutableJobs) set(status supervisor.Status, processed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.job.Status = status
	m.job.ProcessedRows = processed
}

func TestWatchJobsPublishesOnWrite(t *testing.T) {
	dir := t.TempDir()
	jobs := &mutableJobs{job: supervisor.Job{ID: "job-1", Status: supervisor.StatusRunning}}
	h := newHub(jobs, newTestLogger())

	r := chi.NewRouter()
	r.Get("/ws/imports/{id}", h.handleJobWebSocket)
	server := httptest.NewServer(r)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.watchJobs(ctx, dir) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/imports/job-1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if msg := readJobMessage(t, conn); msg.Data.Status != supervisor.StatusRunning {
		t.Fatalf("expected a running job, got %s", msg.Data.Status)
	}

	jobs.set(supervisor.StatusSucceeded, 42)
	record, _ := json.Marshal(map[string]string{"job_id": "job-1", "status": "succeeded"})
	if err := os.WriteFile(filepath.Join(dir, "job-1.json"), record, 0o600); err != nil {
		t.Fatal(err)
	}

	msg := readJobMessage(t, conn)
	if msg.Data.Status != supervisor.StatusSucceeded || msg.Data.ProcessedRows != 42 {
		t.Fatalf("expected the written snapshot, got %s with %d rows", msg.Data.Status, msg.Data.ProcessedRows)
	}
	expectClosed(t, conn)
}
