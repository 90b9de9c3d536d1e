package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store persists job records
type Store interface {
	Write(job *Job) error
	List() ([]*Job, error)
	Remove(id string) error
}

// GetJobsDir returns the default directory for job files
func GetJobsDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".csv-importer", "jobs")
}

// FileStore keeps one JSON file per job
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir is the directory holding the job files
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file for a job id
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// JobID extracts the job id from a job file path, or "" for other files
func JobID(path string) string {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return ""
	}
	return strings.TrimSuffix(name, ".json")
}

// Write replaces the job file. Readers never see a half written file.
func (s *FileStore) Write(job *Job) error {
	job.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".job-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create job file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write job file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(job.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename job file: %w", err)
	}
	return nil
}

// Read loads one job
func (s *FileStore) Read(id string) (*Job, error) {
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// List loads every job file in the directory
func (s *FileStore) List() ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	var jobs []*Job
	for _, entry := range entries {
		id := JobID(entry.Name())
		if entry.IsDir() || id == "" {
			continue
		}
		job, err := s.Read(id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Remove deletes a job file; a missing file is not an error
func (s *FileStore) Remove(id string) error {
	if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
