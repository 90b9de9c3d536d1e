package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "jobs")
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	total := int64(42)
	job := &Job{
		ID:          "job-1",
		Spec:        objectSpec(),
		Status:      StatusRunning,
		MaxAttempts: 3,
		TotalRows:   &total,
		CreatedAt:   time.Now(),
	}

	t.Run("Write", func(t *testing.T) {
		if err := store.Write(job); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(store.Path("job-1")); err != nil {
			t.Fatalf("job file should exist: %v", err)
		}
		if job.UpdatedAt.IsZero() {
			t.Fatal("expected UpdatedAt to be set")
		}
	})

	t.Run("Read", func(t *testing.T) {
		got, err := store.Read("job-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusRunning || got.TotalRows == nil || *got.TotalRows != 42 {
			t.Fatalf("unexpected job %+v", got)
		}
		if got.Spec.Source.Key != "contacts.csv" || !got.Spec.HasHeader {
			t.Fatalf("spec did not survive the round trip: %+v", got.Spec)
		}
	})

	t.Run("List skips other files", func(t *testing.T) {
		_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600)
		_ = os.WriteFile(filepath.Join(dir, ".job-123.tmp"), []byte("{"), 0o600)

		jobs, err := store.List()
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 1 || jobs[0].ID != "job-1" {
			t.Fatalf("expected only job-1, got %d jobs", len(jobs))
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if err := store.Remove("job-1"); err != nil {
			t.Fatal(err)
		}
		if err := store.Remove("job-1"); err != nil {
			t.Fatalf("second remove should be a no-op, got %v", err)
		}
		if _, err := store.Read("job-1"); !os.IsNotExist(err) {
			t.Fatalf("expected not exist, got %v", err)
		}
	})
}

func TestJobID(t *testing.T) {
	tests := map[string]string{
		"/x/jobs/abc.json":     "abc",
		"abc.json":             "abc",
		"/x/jobs/.job-1.tmp":   "",
		"/x/jobs/.hidden.json": "",
		"/x/jobs/readme.md":    "",
	}
	for path, want := range tests {
		if got := JobID(path); got != want {
			t.Fatalf("JobID(%q) = %q, want %q", path, got, want)
		}
	}
}
