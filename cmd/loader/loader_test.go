package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/airframesio/csv-importer/cmd/formatters"
	"github.com/airframesio/csv-importer/cmd/progress"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeInserter records batches and can fail a chosen call
type fakeInserter struct {
	mu       sync.Mutex
	columns  []Column
	batches  [][][]any
	targets  []Target
	failCall int // 1-based call number to fail, 0 for never
	calls    int
	onInsert func(call int)
}

func (f *fakeInserter) TableColumns(_ context.Context, table string) ([]Column, error) {
	if f.columns == nil {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return f.columns, nil
}

func (f *fakeInserter) InsertBatch(_ context.Context, target Target, rows [][]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.onInsert != nil {
		f.onInsert(f.calls)
	}
	if f.calls == f.failCall {
		return 0, errors.New("deadlock detected")
	}
	copied := make([][]any, len(rows))
	copy(copied, rows)
	f.batches = append(f.batches, copied)
	f.targets = append(f.targets, target)
	return int64(len(rows)), nil
}

func contactsCSV(n int) string {
	var b strings.Builder
	b.WriteString("email,name,age\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "user%d@example.com,User %d,%d\n", i, i, 20+i%50)
	}
	return b.String()
}

func newReader(t *testing.T, input string) *formatters.CSVReader {
	t.Helper()
	r, err := formatters.NewCSVReader(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestLoadProgressPerBatch(t *testing.T) {
	ctx := context.Background()
	tracker := progress.NewMemoryTracker()
	total := int64(10000)
	_ = tracker.Start(ctx, "job-1", &total)

	var seen []int64
	inserter := &fakeInserter{columns: contactColumns}
	inserter.onInsert = func(int) {
		record, _ := tracker.Get(ctx, "job-1")
		seen = append(seen, record.Processed)
	}

	l, err := New(inserter, tracker, DefaultConfig(), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	result, err := l.Load(ctx, Request{JobID: "job-1", Table: "contacts", Rows: newReader(t, contactsCSV(10000))})
	if err != nil {
		t.Fatal(err)
	}

	if result.Processed != 10000 || result.Inserted != 10000 || result.Batches != 10 {
		t.Fatalf("unexpected result %+v", result)
	}
	want := "[0 1000 2000 3000 4000 5000 6000 7000 8000 9000]"
	if fmt.Sprint(seen) != want {
		t.Fatalf("expected progress %s before each batch, got %v", want, seen)
	}
	record, _ := tracker.Get(ctx, "job-1")
	if record.Processed != 10000 {
		t.Fatalf("expected final progress 10000, got %d", record.Processed)
	}
	for i, batch := range inserter.batches {
		if len(batch) != 1000 {
			t.Fatalf("batch %d has %d rows", i, len(batch))
		}
	}
}

func TestLoadBatchAndChunkSizesIndependent(t *testing.T) {
	ctx := context.Background()
	inserter := &fakeInserter{columns: contactColumns}

	l, _ := New(inserter, nil, Config{BatchSize: 300, ChunkSize: 700}, newTestLogger())
	result, err := l.Load(ctx, Request{JobID: "j", Table: "contacts", Rows: newReader(t, contactsCSV(1000))})
	if err != nil {
		t.Fatal(err)
	}

	var sizes []int
	for _, b := range inserter.batches {
		sizes = append(sizes, len(b))
	}
	if fmt.Sprint(sizes) != "[300 300 300 100]" {
		t.Fatalf("unexpected batch sizes %v", sizes)
	}
	if result.Processed != 1000 {
		t.Fatalf("expected 1000 processed, got %d", result.Processed)
	}
}

func TestLoadResume(t *testing.T) {
	ctx := context.Background()
	inserter := &fakeInserter{columns: contactColumns}

	l, _ := New(inserter, nil, DefaultConfig(), newTestLogger())
	result, err := l.Load(ctx, Request{JobID: "j", Table: "contacts", Rows: newReader(t, contactsCSV(10000)), SkipRows: 2500})
	if err != nil {
		t.Fatal(err)
	}

	if result.Skipped != 2500 || result.Processed != 7500 {
		t.Fatalf("unexpected result %+v", result)
	}
	if first := inserter.batches[0][0][0]; first != "user2501@example.com" {
		t.Fatalf("expected resume at row 2501, got %v", first)
	}
}

func TestLoadBatchFailure(t *testing.T) {
	ctx := context.Background()
	tracker := progress.NewMemoryTracker()
	_ = tracker.Start(ctx, "job", nil)
	inserter := &fakeInserter{columns: contactColumns, failCall: 3}

	l, _ := New(inserter, tracker, DefaultConfig(), newTestLogger())
	result, err := l.Load(ctx, Request{JobID: "job", Table: "contacts", Rows: newReader(t, contactsCSV(5000))})

	if !errors.Is(err, ErrBulkInsert) {
		t.Fatalf("expected ErrBulkInsert, got %v", err)
	}
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected *BatchError, got %T", err)
	}
	if batchErr.FirstRow != 2001 || batchErr.LastRow != 3000 {
		t.Fatalf("expected rows 2001-3000, got %d-%d", batchErr.FirstRow, batchErr.LastRow)
	}
	if !strings.Contains(err.Error(), "deadlock detected") {
		t.Fatalf("expected cause in message, got %v", err)
	}
	if result.Processed != 2000 {
		t.Fatalf("expected 2000 committed rows, got %d", result.Processed)
	}
	record, _ := tracker.Get(ctx, "job")
	if record.Processed != 2000 {
		t.Fatalf("progress must only count committed batches, got %d", record.Processed)
	}
}

func TestLoadStop(t *testing.T) {
	ctx := context.Background()
	inserter := &fakeInserter{columns: contactColumns}

	l, _ := New(inserter, nil, DefaultConfig(), newTestLogger())
	stop := func() bool { return len(inserter.batches) >= 2 }

	result, err := l.Load(ctx, Request{JobID: "j", Table: "contacts", Rows: newReader(t, contactsCSV(5000)), Stop: stop})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if result.Processed != 2000 {
		t.Fatalf("expected committed rows kept, got %d", result.Processed)
	}
}

func TestLoadMalformedRowAfterValidRows(t *testing.T) {
	ctx := context.Background()
	inserter := &fakeInserter{columns: contactColumns}
	input := "email,name\na@x.com,A\nb@x.com,B\n\"c@x.com,C\nd@x.com,D\n"

	l, _ := New(inserter, nil, DefaultConfig(), newTestLogger())
	result, err := l.Load(ctx, Request{JobID: "j", Table: "contacts", Rows: newReader(t, input)})

	if !errors.Is(err, formatters.ErrMalformedRow) {
		t.Fatalf("expected ErrMalformedRow, got %v", err)
	}
	if result.Processed != 2 {
		t.Fatalf("expected the 2 good rows inserted, got %d", result.Processed)
	}
}

func TestLoadColumnMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("case insensitive and unknown headers ignored", func(t *testing.T) {
		inserter := &fakeInserter{columns: contactColumns}
		l, _ := New(inserter, nil, DefaultConfig(), newTestLogger())

		_, err := l.Load(ctx, Request{JobID: "j", Table: "contacts", Rows: newReader(t, "EMAIL,Nickname,Age\na@x.com,Al,30\n")})
		if err != nil {
			t.Fatal(err)
		}

		target := inserter.targets[0]
		if len(target.Columns) != 2 || target.Columns[0].Name != "email" || target.Columns[1].Name != "age" {
			t.Fatalf("unexpected mapped columns %+v", target.Columns)
		}
		if fmt.Sprint(inserter.batches[0][0]) != "[a@x.com 30]" {
			t.Fatalf("unexpected row values %v", inserter.batches[0][0])
		}
	})

	t.Run("no matching column", func(t *testing.T) {
		inserter := &fakeInserter{columns: contactColumns}
		l, _ := New(inserter, nil, DefaultConfig(), newTestLogger())

		_, err := l.Load(ctx, Request{JobID: "j", Table: "contacts", Rows: newReader(t, "foo,bar\n1,2\n")})
		if !errors.Is(err, ErrNoMatchingColumns) {
			t.Fatalf("expected ErrNoMatchingColumns, got %v", err)
		}
	})

	t.Run("missing table", func(t *testing.T) {
		l, _ := New(&fakeInserter{}, nil, DefaultConfig(), newTestLogger())

		_, err := l.Load(ctx, Request{JobID: "j", Table: "nope", Rows: newReader(t, "email\na\n")})
		if !errors.Is(err, ErrTableNotFound) {
			t.Fatalf("expected ErrTableNotFound, got %v", err)
		}
	})

	t.Run("unknown conflict column", func(t *testing.T) {
		config := DefaultConfig()
		config.ConflictColumns = []string{"phone"}
		l, _ := New(&fakeInserter{columns: contactColumns}, nil, config, newTestLogger())

		_, err := l.Load(ctx, Request{JobID: "j", Table: "contacts", Rows: newReader(t, "email\na\n")})
		if !errors.Is(err, ErrInvalidConflict) {
			t.Fatalf("expected ErrInvalidConflict, got %v", err)
		}
	})
}

func TestLoadUpsertDedupesWithinBatch(t *testing.T) {
	ctx := context.Background()
	inserter := &fakeInserter{columns: contactColumns}

	config := DefaultConfig()
	config.ConflictColumns = []string{"email"}
	l, _ := New(inserter, nil, config, newTestLogger())

	input := "email,name\na@x.com,First\nb@x.com,B\na@x.com,Second\n"
	result, err := l.Load(ctx, Request{JobID: "j", Table: "contacts", Rows: newReader(t, input)})
	if err != nil {
		t.Fatal(err)
	}

	if inserter.targets[0].Action != ConflictUpdate {
		t.Fatalf("expected upsert by default when a key is given, got %s", inserter.targets[0].Action)
	}
	got := fmt.Sprint(inserter.batches[0])
	if got != "[[b@x.com B] [a@x.com Second]]" {
		t.Fatalf("expected last row per key, got %s", got)
	}
	if result.Processed != 3 {
		t.Fatalf("every source row counts as processed, got %d", result.Processed)
	}
}

func TestLoadDryRun(t *testing.T) {
	ctx := context.Background()
	inserter := &fakeInserter{columns: contactColumns}
	tracker := progress.NewMemoryTracker()
	_ = tracker.Start(ctx, "j", nil)

	l, _ := New(DryRun{Inserter: inserter}, tracker, DefaultConfig(), newTestLogger())
	result, err := l.Load(ctx, Request{JobID: "j", Table: "contacts", Rows: newReader(t, contactsCSV(1500))})
	if err != nil {
		t.Fatal(err)
	}

	if len(inserter.batches) != 0 {
		t.Fatalf("dry run must not insert, got %d batches", len(inserter.batches))
	}
	if result.Processed != 1500 || result.Inserted != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	record, _ := tracker.Get(ctx, "j")
	if record.Processed != 1500 {
		t.Fatalf("expected progress 1500, got %d", record.Processed)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{name: "defaults", config: DefaultConfig()},
		{name: "zero batch", config: Config{BatchSize: 0, ChunkSize: 1}, wantErr: ErrBatchSizeInvalid},
		{name: "zero chunk", config: Config{BatchSize: 1, ChunkSize: 0}, wantErr: ErrChunkSizeInvalid},
		{name: "update without key", config: Config{BatchSize: 1, ChunkSize: 1, ConflictAction: ConflictUpdate}, wantErr: ErrInvalidConflict},
		{name: "unknown action", config: Config{BatchSize: 1, ChunkSize: 1, ConflictAction: "replace"}, wantErr: ErrUnknownConflictMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
