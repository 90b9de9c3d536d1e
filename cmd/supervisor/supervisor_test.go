package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airframesio/csv-importer/cmd/chunkstore"
	"github.com/airframesio/csv-importer/cmd/fetcher"
	"github.com/airframesio/csv-importer/cmd/formatters"
	"github.com/airframesio/csv-importer/cmd/loader"
	"github.com/airframesio/csv-importer/cmd/progress"
	"github.com/airframesio/csv-importer/cmd/upload"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var contactColumns = []loader.Column{
	{Name: "email", DataType: "text", UDTSchema: "pg_catalog", UDTName: "text"},
	{Name: "name", DataType: "text", UDTSchema: "pg_catalog", UDTName: "text"},
	{Name: "age", DataType: "integer", UDTSchema: "pg_catalog", UDTName: "int4"},
}

func contactsCSV(n int) []byte {
	var b bytes.Buffer
	b.WriteString("email,name,age\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "user%d@example.com,User %d,%d\n", i, i, 20+i%50)
	}
	return b.Bytes()
}

type fakeInserter struct {
	mu       sync.Mutex
	calls    int
	failOn   map[int]bool
	firstRow []any
	rows     int
	onInsert func(call int)
}

func (f *fakeInserter) TableColumns(context.Context, string) ([]loader.Column, error) {
	return contactColumns, nil
}

func (f *fakeInserter) InsertBatch(_ context.Context, _ loader.Target, rows [][]any) (int64, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	hook := f.onInsert
	fail := f.failOn[call]
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if fail {
		return 0, errors.New("could not serialize access due to concurrent update")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.firstRow == nil && len(rows) > 0 {
		f.firstRow = rows[0]
	}
	f.rows += len(rows)
	return int64(len(rows)), nil
}

func (f *fakeInserter) inserted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows
}

type fakeObjects struct {
	mu       sync.Mutex
	data     []byte
	failures int // calls that fail before one succeeds
	calls    int
}

func (f *fakeObjects) try(bucket, key, op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.calls <= f.failures {
		return &fetcher.FetchError{Bucket: bucket, Key: key, Op: op, Err: errors.New("connection reset by peer")}
	}
	return nil
}

func (f *fakeObjects) Open(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := f.try(bucket, key, "get"); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func (f *fakeObjects) FetchToFile(_ context.Context, bucket, key, dir string) (string, int64, error) {
	if err := f.try(bucket, key, "download"); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(dir, "fetch-*.tmp")
	if err != nil {
		return "", 0, err
	}
	defer tmp.Close()
	n, err := tmp.Write(f.data)
	return tmp.Name(), int64(n), err
}

type fakeUploads struct {
	mu        sync.Mutex
	path      string
	released  []string
	unclaimed []string
	claiming  chan struct{} // signalled when Claim starts, if set
	proceed   chan struct{} // Claim waits on it, if set
}

func (f *fakeUploads) Claim(_ context.Context, id string) (*upload.Assembled, error) {
	if f.claiming != nil {
		f.claiming <- struct{}{}
		<-f.proceed
	}
	if id != "upload-1" {
		return nil, fmt.Errorf("%w: %s", upload.ErrUnknownSession, id)
	}
	return &upload.Assembled{UploadID: id, Path: f.path}, nil
}

func (f *fakeUploads) Unclaim(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unclaimed = append(f.unclaimed, id)
	return nil
}

func (f *fakeUploads) Release(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

// flakyTracker fails Start, or the numbered Advance calls, without
// touching the wrapped tracker
type flakyTracker struct {
	progress.Tracker
	startErr    error
	failAdvance map[int]bool

	mu       sync.Mutex
	advances int
}

func (f *flakyTracker) Start(ctx context.Context, jobID string, total *int64) error {
	if f.startErr != nil {
		return f.startErr
	}
	return f.Tracker.Start(ctx, jobID, total)
}

func (f *flakyTracker) Advance(ctx context.Context, jobID string, delta int64) (int64, error) {
	f.mu.Lock()
	f.advances++
	fail := f.failAdvance[f.advances]
	f.mu.Unlock()
	if fail {
		return 0, errors.New("redis: i/o timeout")
	}
	return f.Tracker.Advance(ctx, jobID, delta)
}

// newAssembler returns a real assembler over dir and a completed upload of data
func newAssembler(t *testing.T, dir string, data []byte) (*upload.Assembler, *upload.Assembled) {
	t.Helper()
	ctx := context.Background()
	chunks, err := chunkstore.NewDiskStore(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatal(err)
	}
	a, err := upload.NewAssembler(chunks, upload.NewMemorySessionStore(), upload.Config{Dir: filepath.Join(dir, "assembled")}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	session, err := a.Init(ctx, upload.InitRequest{Filename: "contacts.csv", ChunkCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.PutChunk(ctx, session.ID, 0, bytes.NewReader(data), ""); err != nil {
		t.Fatal(err)
	}
	assembled, err := a.Complete(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	return a, assembled
}

func testConfig(t *testing.T) Config {
	config := DefaultConfig()
	config.RetryDelay = time.Millisecond
	config.MaxRetryDelay = 5 * time.Millisecond
	config.WorkDir = t.TempDir()
	return config
}

func objectSpec() JobSpec {
	return JobSpec{
		Source:    Source{Kind: SourceObject, Bucket: "imports", Key: "contacts.csv"},
		Table:     "contacts",
		HasHeader: true,
	}
}

func newSupervisor(t *testing.T, deps Deps, config Config) *Supervisor {
	t.Helper()
	if deps.Tracker == nil {
		deps.Tracker = progress.NewMemoryTracker()
	}
	s, err := New(deps, loader.DefaultConfig(), config, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// start runs the worker pool and returns a func that stops it and waits
func start(t *testing.T, s *Supervisor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	return func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("run returned %v", err)
		}
	}
}

func waitTerminal(t *testing.T, s *Supervisor, id string) Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.Status(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return Job{}
}

func TestImportTenThousandRowsFromUpload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "upload-1-contacts.csv")
	if err := os.WriteFile(path, contactsCSV(10000), 0o600); err != nil {
		t.Fatal(err)
	}

	tracker := progress.NewMemoryTracker()
	uploads := &fakeUploads{path: path}
	inserter := &fakeInserter{}
	var seen []int64
	var totals []int64

	s := newSupervisor(t, Deps{Inserter: inserter, Tracker: tracker, Uploads: uploads}, testConfig(t))
	id, err := s.Submit(ctx, JobSpec{Source: Source{Kind: SourceUpload, UploadID: "upload-1"}, Table: "contacts", HasHeader: true})
	if err != nil {
		t.Fatal(err)
	}
	inserter.onInsert = func(int) {
		record, _ := tracker.Get(ctx, id)
		seen = append(seen, record.Processed)
		if record.Total != nil {
			totals = append(totals, *record.Total)
		}
	}

	queued, err := s.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if queued.Status != StatusQueued || queued.TotalRows != nil {
		t.Fatalf("expected a queued job with unknown total, got %+v", queued)
	}

	stop := start(t, s)
	job := waitTerminal(t, s, id)
	stop()

	if job.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s: %s", job.Status, job.LastError)
	}
	if job.ProcessedRows != 10000 || job.TotalRows == nil || *job.TotalRows != 10000 {
		t.Fatalf("expected 10000/10000, got %d/%v", job.ProcessedRows, job.TotalRows)
	}
	if fmt.Sprint(seen) != "[0 1000 2000 3000 4000 5000 6000 7000 8000 9000]" {
		t.Fatalf("unexpected progress sequence %v", seen)
	}
	for _, total := range totals {
		if total != 10000 {
			t.Fatalf("expected the line count estimate of 10000, got %d", total)
		}
	}
	if job.Attempts != 1 || job.Inserted != 10000 {
		t.Fatalf("unexpected attempts %d or inserted %d", job.Attempts, job.Inserted)
	}
	if fmt.Sprint(uploads.released) != "[upload-1]" {
		t.Fatalf("expected the upload to be released once, got %v", uploads.released)
	}
}

func TestRemoteFetchRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("fails twice then succeeds", func(t *testing.T) {
		objects := &fakeObjects{data: contactsCSV(2500), failures: 2}
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Objects: objects}, testConfig(t))

		id, err := s.Submit(ctx, objectSpec())
		if err != nil {
			t.Fatal(err)
		}
		stop := start(t, s)
		job := waitTerminal(t, s, id)
		stop()

		if job.Status != StatusSucceeded {
			t.Fatalf("expected succeeded, got %s: %s", job.Status, job.LastError)
		}
		if job.Attempts != 3 || job.ProcessedRows != 2500 {
			t.Fatalf("unexpected attempts %d / rows %d", job.Attempts, job.ProcessedRows)
		}
		if job.LastError != "" {
			t.Fatalf("expected last error cleared on success, got %q", job.LastError)
		}
	})

	t.Run("fails every time", func(t *testing.T) {
		objects := &fakeObjects{data: contactsCSV(10), failures: 1000}
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Objects: objects}, testConfig(t))

		id, _ := s.Submit(ctx, objectSpec())
		stop := start(t, s)
		job := waitTerminal(t, s, id)
		stop()

		if job.Status != StatusFailed {
			t.Fatalf("expected failed, got %s", job.Status)
		}
		if job.Attempts != 3 || objects.calls != 3 {
			t.Fatalf("expected 3 attempts, got %d (%d fetches)", job.Attempts, objects.calls)
		}
		if !strings.Contains(job.LastError, fetcher.ErrRemoteFetch.Error()) || !strings.Contains(job.LastError, "s3://imports/contacts.csv") {
			t.Fatalf("expected a remote fetch error naming the object, got %q", job.LastError)
		}
	})

	t.Run("streaming without spool", func(t *testing.T) {
		objects := &fakeObjects{data: contactsCSV(1200), failures: 1}
		config := testConfig(t)
		config.Spool = false
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Objects: objects}, config)

		id, _ := s.Submit(ctx, objectSpec())
		stop := start(t, s)
		job := waitTerminal(t, s, id)
		stop()

		if job.Status != StatusSucceeded || job.ProcessedRows != 1200 || job.Attempts != 2 {
			t.Fatalf("unexpected job %+v", job)
		}
	})
}

func TestBatchFailureResumesFromCommittedRows(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{data: contactsCSV(5000)}
	inserter := &fakeInserter{failOn: map[int]bool{3: true}}
	s := newSupervisor(t, Deps{Inserter: inserter, Objects: objects}, testConfig(t))

	id, _ := s.Submit(ctx, objectSpec())
	stop := start(t, s)
	job := waitTerminal(t, s, id)
	stop()

	if job.Status != StatusSucceeded || job.Attempts != 2 {
		t.Fatalf("expected success on attempt 2, got %s after %d: %s", job.Status, job.Attempts, job.LastError)
	}
	if inserter.inserted() != 5000 {
		t.Fatalf("expected every row inserted exactly once, got %d", inserter.inserted())
	}
	if job.FailedRows != nil {
		t.Fatalf("failed rows must be cleared on success, got %+v", job.FailedRows)
	}
}

func TestProgressFailureDoesNotDuplicateRows(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{data: contactsCSV(3000)}
	inserter := &fakeInserter{}
	tracker := &flakyTracker{Tracker: progress.NewMemoryTracker(), failAdvance: map[int]bool{2: true}}
	s := newSupervisor(t, Deps{Inserter: inserter, Objects: objects, Tracker: tracker}, testConfig(t))

	id, _ := s.Submit(ctx, objectSpec())
	stop := start(t, s)
	job := waitTerminal(t, s, id)
	stop()

	if job.Status != StatusSucceeded || job.Attempts != 2 {
		t.Fatalf("expected success on attempt 2, got %s after %d: %s", job.Status, job.Attempts, job.LastError)
	}
	if inserter.inserted() != 3000 {
		t.Fatalf("expected every row inserted exactly once, got %d", inserter.inserted())
	}
	if job.ProcessedRows != 3000 {
		t.Fatalf("expected 3000 processed rows, got %d", job.ProcessedRows)
	}
}

func TestBatchFailureExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{data: contactsCSV(5000)}
	inserter := &fakeInserter{failOn: map[int]bool{3: true, 4: true, 5: true}}
	s := newSupervisor(t, Deps{Inserter: inserter, Objects: objects}, testConfig(t))

	id, _ := s.Submit(ctx, objectSpec())
	stop := start(t, s)
	job := waitTerminal(t, s, id)
	stop()

	if job.Status != StatusFailed || job.Attempts != 3 {
		t.Fatalf("expected failure after 3 attempts, got %s after %d", job.Status, job.Attempts)
	}
	if job.FailedRows == nil || job.FailedRows.First != 2001 || job.FailedRows.Last != 3000 {
		t.Fatalf("expected rows 2001-3000 reported, got %+v", job.FailedRows)
	}
	if job.ProcessedRows != 2000 {
		t.Fatalf("expected 2000 committed rows kept, got %d", job.ProcessedRows)
	}
	if !strings.Contains(job.LastError, "bulk insert failed") {
		t.Fatalf("unexpected last error %q", job.LastError)
	}
}

func TestMalformedRowIsTerminal(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{data: []byte("email,name\na@x.com,A\n\"b@x.com,B\n")}
	s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Objects: objects}, testConfig(t))

	id, _ := s.Submit(ctx, objectSpec())
	stop := start(t, s)
	job := waitTerminal(t, s, id)
	stop()

	if job.Status != StatusFailed || job.Attempts != 1 {
		t.Fatalf("expected failure without retry, got %s after %d", job.Status, job.Attempts)
	}
	if !strings.Contains(job.LastError, formatters.ErrMalformedRow.Error()) {
		t.Fatalf("unexpected last error %q", job.LastError)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("queued job fails at once", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "contacts.csv")
		_ = os.WriteFile(path, contactsCSV(10), 0o600)
		uploads := &fakeUploads{path: path}
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Uploads: uploads}, testConfig(t))

		id, err := s.Submit(ctx, JobSpec{Source: Source{Kind: SourceUpload, UploadID: "upload-1"}, Table: "contacts", HasHeader: true})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Cancel(ctx, id); err != nil {
			t.Fatal(err)
		}

		job, _ := s.Status(ctx, id)
		if job.Status != StatusFailed || !job.Cancelled {
			t.Fatalf("expected cancelled failure, got %+v", job)
		}
		if len(uploads.released) != 1 {
			t.Fatalf("expected upload released, got %v", uploads.released)
		}
	})

	t.Run("running job stops between batches", func(t *testing.T) {
		objects := &fakeObjects{data: contactsCSV(10000)}
		inserter := &fakeInserter{}
		s := newSupervisor(t, Deps{Inserter: inserter, Objects: objects}, testConfig(t))

		id, _ := s.Submit(ctx, objectSpec())
		inserter.onInsert = func(call int) {
			if call == 2 {
				_ = s.Cancel(ctx, id)
			}
		}
		stop := start(t, s)
		job := waitTerminal(t, s, id)
		stop()

		if job.Status != StatusFailed || !job.Cancelled || job.Attempts != 1 {
			t.Fatalf("expected cancelled failure, got %+v", job)
		}
		if job.ProcessedRows != 2000 || inserter.inserted() != 2000 {
			t.Fatalf("expected the 2 committed batches kept, got %d (%d inserted)", job.ProcessedRows, inserter.inserted())
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}}, testConfig(t))
		if err := s.Cancel(ctx, "nope"); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("expected ErrUnknownJob, got %v", err)
		}
	})
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{data: contactsCSV(10000)}
	inserter := &fakeInserter{onInsert: func(int) { time.Sleep(30 * time.Millisecond) }}
	config := testConfig(t)
	config.Timeout = 50 * time.Millisecond
	s := newSupervisor(t, Deps{Inserter: inserter, Objects: objects}, config)

	id, _ := s.Submit(ctx, objectSpec())
	stop := start(t, s)
	job := waitTerminal(t, s, id)
	stop()

	if job.Status != StatusFailed || !strings.Contains(job.LastError, ErrTimeout.Error()) {
		t.Fatalf("expected timeout failure, got %s: %q", job.Status, job.LastError)
	}
	if job.Cancelled {
		t.Fatal("a timeout is not a cancellation")
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid specs", func(t *testing.T) {
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Objects: &fakeObjects{}}, testConfig(t))
		specs := map[string]JobSpec{
			"no table":      {Source: Source{Kind: SourceObject, Bucket: "b", Key: "k"}},
			"no key":        {Source: Source{Kind: SourceObject, Bucket: "b"}, Table: "t"},
			"no upload id":  {Source: Source{Kind: SourceUpload}, Table: "t"},
			"unknown kind":  {Source: Source{Kind: "ftp"}, Table: "t"},
			"update no key": {Source: Source{Kind: SourceObject, Bucket: "b", Key: "k"}, Table: "t", ConflictAction: "update"},
			"delimiter":     {Source: Source{Kind: SourceObject, Bucket: "b", Key: "k"}, Table: "t", Delimiter: "||"},
		}
		for name, spec := range specs {
			t.Run(name, func(t *testing.T) {
				if _, err := s.Submit(ctx, spec); !errors.Is(err, ErrInvalidSpec) {
					t.Fatalf("expected ErrInvalidSpec, got %v", err)
				}
			})
		}
	})

	t.Run("unknown upload", func(t *testing.T) {
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Uploads: &fakeUploads{}}, testConfig(t))
		_, err := s.Submit(ctx, JobSpec{Source: Source{Kind: SourceUpload, UploadID: "missing"}, Table: "t"})
		if !errors.Is(err, upload.ErrUnknownSession) {
			t.Fatalf("expected ErrUnknownSession, got %v", err)
		}
	})

	t.Run("queue full", func(t *testing.T) {
		config := testConfig(t)
		config.QueueSize = 1
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Objects: &fakeObjects{}}, config)

		if _, err := s.Submit(ctx, objectSpec()); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Submit(ctx, objectSpec()); !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	})

	t.Run("progress store down keeps the upload", func(t *testing.T) {
		a, assembled := newAssembler(t, t.TempDir(), contactsCSV(10))
		tracker := &flakyTracker{Tracker: progress.NewMemoryTracker(), startErr: errors.New("redis: connection refused")}
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Uploads: a, Tracker: tracker}, testConfig(t))

		spec := JobSpec{Source: Source{Kind: SourceUpload, UploadID: assembled.UploadID}, Table: "contacts", HasHeader: true}
		if _, err := s.Submit(ctx, spec); err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("expected the tracker error, got %v", err)
		}
		if _, err := os.Stat(assembled.Path); err != nil {
			t.Fatalf("assembled file must survive: %v", err)
		}
		session, err := a.Get(ctx, assembled.UploadID)
		if err != nil {
			t.Fatal(err)
		}
		if session.Status != upload.StatusCompleted || session.Claimed {
			t.Fatalf("expected a completed unclaimed upload, got %s claimed=%v", session.Status, session.Claimed)
		}
	})

	t.Run("status does not wait for a claim", func(t *testing.T) {
		uploads := &fakeUploads{claiming: make(chan struct{}), proceed: make(chan struct{})}
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Uploads: uploads, Objects: &fakeObjects{}}, testConfig(t))

		first, err := s.Submit(ctx, objectSpec())
		if err != nil {
			t.Fatal(err)
		}

		submitted := make(chan error, 1)
		go func() {
			_, err := s.Submit(ctx, JobSpec{Source: Source{Kind: SourceUpload, UploadID: "upload-1"}, Table: "t"})
			submitted <- err
		}()
		<-uploads.claiming

		polled := make(chan error, 1)
		go func() {
			_, err := s.Status(ctx, first)
			polled <- err
		}()
		select {
		case err := <-polled:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(time.Second):
			t.Fatal("status blocked behind a claim")
		}

		close(uploads.proceed)
		if err := <-submitted; err != nil {
			t.Fatal(err)
		}
	})

	t.Run("lost queue slot unclaims the upload", func(t *testing.T) {
		config := testConfig(t)
		config.QueueSize = 1
		uploads := &fakeUploads{claiming: make(chan struct{}), proceed: make(chan struct{})}
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Uploads: uploads, Objects: &fakeObjects{}}, config)

		submitted := make(chan error, 1)
		go func() {
			_, err := s.Submit(ctx, JobSpec{Source: Source{Kind: SourceUpload, UploadID: "upload-1"}, Table: "t"})
			submitted <- err
		}()
		<-uploads.claiming
		if _, err := s.Submit(ctx, objectSpec()); err != nil {
			t.Fatal(err)
		}
		close(uploads.proceed)

		if err := <-submitted; !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
		if fmt.Sprint(uploads.unclaimed) != "[upload-1]" || len(uploads.released) != 0 {
			t.Fatalf("expected the upload unclaimed and kept, got unclaimed %v released %v", uploads.unclaimed, uploads.released)
		}
	})

	t.Run("unknown job status", func(t *testing.T) {
		s := newSupervisor(t, Deps{Inserter: &fakeInserter{}}, testConfig(t))
		if _, err := s.Status(ctx, "nope"); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("expected ErrUnknownJob, got %v", err)
		}
	})
}

func TestRecoverResumesPersistedJob(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	started := time.Now()
	running := &Job{
		ID:            "job-running",
		Spec:          objectSpec(),
		Status:        StatusRunning,
		Attempts:      1,
		MaxAttempts:   3,
		ProcessedRows: 3000,
		CreatedAt:     started,
		StartedAt:     &started,
	}
	done := &Job{ID: "job-done", Spec: objectSpec(), Status: StatusSucceeded, ProcessedRows: 10, FinishedAt: &started}
	for _, job := range []*Job{running, done} {
		if err := store.Write(job); err != nil {
			t.Fatal(err)
		}
	}

	inserter := &fakeInserter{}
	objects := &fakeObjects{data: contactsCSV(5000)}
	s := newSupervisor(t, Deps{Inserter: inserter, Objects: objects, Store: store}, testConfig(t))

	n, err := s.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job requeued, got %d", n)
	}

	finished, err := s.Status(ctx, "job-done")
	if err != nil || finished.Status != StatusSucceeded {
		t.Fatalf("expected finished job visible after recovery, got %+v, %v", finished, err)
	}

	stop := start(t, s)
	job := waitTerminal(t, s, "job-running")
	stop()

	if job.Status != StatusSucceeded || job.ProcessedRows != 5000 {
		t.Fatalf("unexpected recovered job %+v", job)
	}
	if inserter.inserted() != 2000 || fmt.Sprint(inserter.firstRow[0]) != "user3001@example.com" {
		t.Fatalf("expected resume at row 3001, inserted %d starting at %v", inserter.inserted(), inserter.firstRow)
	}

	persisted, err := store.Read("job-running")
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Status != StatusSucceeded || persisted.Attempts != 2 {
		t.Fatalf("unexpected persisted record %+v", persisted)
	}
}

func TestRecoverReleasesAssembledUpload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	_, assembled := newAssembler(t, dir, contactsCSV(100))

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	started := time.Now()
	if err := store.Write(&Job{
		ID:          "job-upload",
		Spec:        JobSpec{Source: Source{Kind: SourceUpload, UploadID: assembled.UploadID}, Table: "contacts", HasHeader: true},
		Status:      StatusRunning,
		Attempts:    1,
		MaxAttempts: 3,
		LocalPath:   assembled.Path,
		CreatedAt:   started,
		StartedAt:   &started,
	}); err != nil {
		t.Fatal(err)
	}

	// after a restart the in-memory session records are gone
	chunks, _ := chunkstore.NewDiskStore(filepath.Join(dir, "chunks"))
	restarted, err := upload.NewAssembler(chunks, upload.NewMemorySessionStore(), upload.Config{Dir: filepath.Join(dir, "assembled")}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	inserter := &fakeInserter{}
	s := newSupervisor(t, Deps{Inserter: inserter, Uploads: restarted, Store: store}, testConfig(t))
	if n, err := s.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 job requeued, got %d, %v", n, err)
	}

	stop := start(t, s)
	job := waitTerminal(t, s, "job-upload")
	stop()

	if job.Status != StatusSucceeded || inserter.inserted() != 100 {
		t.Fatalf("expected 100 rows imported, got %s with %d: %s", job.Status, inserter.inserted(), job.LastError)
	}
	if _, err := os.Stat(assembled.Path); !os.IsNotExist(err) {
		t.Fatalf("expected assembled file removed after the job, stat err %v", err)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	store, _ := NewFileStore(t.TempDir())
	tracker := progress.NewMemoryTracker()
	objects := &fakeObjects{data: contactsCSV(10)}
	s := newSupervisor(t, Deps{Inserter: &fakeInserter{}, Objects: objects, Store: store, Tracker: tracker}, testConfig(t))

	id, _ := s.Submit(ctx, objectSpec())
	stop := start(t, s)
	waitTerminal(t, s, id)
	stop()

	if n, err := s.Prune(ctx); err != nil || n != 0 {
		t.Fatalf("fresh job must survive pruning, got %d, %v", n, err)
	}

	s.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if n, err := s.Prune(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 pruned job, got %d, %v", n, err)
	}
	if _, err := s.Status(ctx, id); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected pruned job gone, got %v", err)
	}
	if _, err := os.Stat(store.Path(id)); !os.IsNotExist(err) {
		t.Fatalf("expected job file removed, got %v", err)
	}
	if _, err := tracker.Get(ctx, id); !errors.Is(err, progress.ErrUnknownJob) {
		t.Fatalf("expected progress record removed, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"remote fetch", &fetcher.FetchError{Op: "get", Err: io.ErrUnexpectedEOF}, true},
		{"bulk insert", &loader.BatchError{FirstRow: 1, LastRow: 2, Err: errors.New("deadlock")}, true},
		{"io", io.ErrUnexpectedEOF, true},
		{"malformed row", &formatters.RowError{Line: 3, Err: errors.New("bad")}, false},
		{"no columns", loader.ErrNoMatchingColumns, false},
		{"stopped", loader.ErrStopped, false},
		{"unknown session", upload.ErrUnknownSession, false},
		{"missing file", fmt.Errorf("open: %w", os.ErrNotExist), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	s := newSupervisor(t, Deps{Inserter: &fakeInserter{}}, Config{
		Workers: 1, QueueSize: 1, MaxAttempts: 5, Timeout: time.Hour,
		RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second,
	})

	var got []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		got = append(got, s.backoff(attempt))
	}
	if fmt.Sprint(got) != "[1s 2s 4s 5s 5s]" {
		t.Fatalf("unexpected backoff %v", got)
	}
}
