package supervisor

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/airframesio/csv-importer/cmd/formatters"
	"github.com/airframesio/csv-importer/cmd/loader"
)

// Status of an import job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the job will not change again
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// SourceKind tells where the CSV comes from
type SourceKind string

const (
	SourceUpload SourceKind = "upload" // an assembled chunked upload
	SourceObject SourceKind = "object" // a staged object in S3
)

// Source identifies the file to import
type Source struct {
	Kind        SourceKind `json:"kind"`
	UploadID    string     `json:"upload_id,omitempty"`
	Bucket      string     `json:"bucket,omitempty"`
	Key         string     `json:"key,omitempty"`
	Compression string     `json:"compression,omitempty"` // empty or "auto" detects from the name
}

func (s Source) String() string {
	if s.Kind == SourceUpload {
		return "upload:" + s.UploadID
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, s.Key)
}

// JobSpec is what a caller submits
type JobSpec struct {
	Source          Source   `json:"source"`
	Table           string   `json:"table"`
	ConflictColumns []string `json:"conflict_columns,omitempty"`
	ConflictAction  string   `json:"conflict_action,omitempty"`
	HasHeader       bool     `json:"has_header"`
	Delimiter       string   `json:"delimiter,omitempty"`
	EmptyAsNull     bool     `json:"empty_as_null,omitempty"`
}

// Validate checks a JobSpec before a job is created
func (s *JobSpec) Validate() error {
	if strings.TrimSpace(s.Table) == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidSpec)
	}
	switch s.Source.Kind {
	case SourceUpload:
		if s.Source.UploadID == "" {
			return fmt.Errorf("%w: upload_id is required", ErrInvalidSpec)
		}
	case SourceObject:
		if s.Source.Bucket == "" || s.Source.Key == "" {
			return fmt.Errorf("%w: bucket and key are required", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidSpec, s.Source.Kind)
	}
	if s.Delimiter != "" && utf8.RuneCountInString(s.Delimiter) != 1 {
		return fmt.Errorf("%w: delimiter must be a single character, got %q", ErrInvalidSpec, s.Delimiter)
	}

	config := loader.Config{
		BatchSize:       1,
		ChunkSize:       1,
		ConflictColumns: s.ConflictColumns,
		ConflictAction:  s.ConflictAction,
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}

func (s *JobSpec) csvOptions() formatters.Options {
	opts := formatters.Options{HasHeader: s.HasHeader, EmptyAsNull: s.EmptyAsNull, Delimiter: ','}
	if s.Delimiter != "" {
		opts.Delimiter, _ = utf8.DecodeRuneInString(s.Delimiter)
	}
	return opts
}

// RowRange is an inclusive range of 1-based data rows
type RowRange struct {
	First int64 `json:"first"`
	Last  int64 `json:"last"`
}

// Job is the persisted state of one import
type Job struct {
	ID            string     `json:"job_id"`
	Spec          JobSpec    `json:"spec"`
	Status        Status     `json:"status"`
	Cancelled     bool       `json:"cancelled,omitempty"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	TotalRows     *int64     `json:"total_rows"`
	ProcessedRows int64      `json:"processed_rows"`
	CommittedRows int64      `json:"committed_rows"` // rows the database acknowledged, kept apart from the tracker
	Inserted      int64      `json:"inserted_rows"`
	LastError     string     `json:"last_error,omitempty"`
	FailedRows    *RowRange  `json:"failed_rows,omitempty"`
	LocalPath     string     `json:"local_path,omitempty"` // assembled upload on this host
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
