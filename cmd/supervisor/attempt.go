package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/airframesio/csv-importer/cmd/compressors"
	"github.com/airframesio/csv-importer/cmd/formatters"
	"github.com/airframesio/csv-importer/cmd/loader"
	"github.com/airframesio/csv-importer/cmd/progress"
)

// stream is a decoded source plus everything that has to be closed with it
type stream struct {
	io.Reader
	closers []func() error
}

func (s *stream) push(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close runs the closers in reverse order
func (s *stream) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// jobTracker mirrors committed progress into the job record. The loader
// only advances after a batch commits, so the record counts the rows even
// when the tracker write fails.
type jobTracker struct {
	progress.Tracker
	s  *Supervisor
	st *jobState
}

func (t *jobTracker) Advance(ctx context.Context, jobID string, delta int64) (int64, error) {
	t.s.mu.Lock()
	t.st.job.CommittedRows += delta
	committed := t.st.job.CommittedRows
	if committed > t.st.job.ProcessedRows {
		t.st.job.ProcessedRows = committed
	}
	t.s.persistLocked(t.st)
	t.s.mu.Unlock()

	processed, err := t.Tracker.Advance(ctx, jobID, delta)
	if err != nil {
		return committed, err
	}

	t.s.mu.Lock()
	if processed > t.st.job.ProcessedRows {
		t.st.job.ProcessedRows = processed
	}
	t.s.mu.Unlock()
	return processed, nil
}

// resumeOffset is the larger of the tracker count and the committed count
// in the job record. A lagging tracker is brought forward.
func (s *Supervisor) resumeOffset(ctx context.Context, job *Job) (int64, error) {
	record, err := s.deps.Tracker.Get(ctx, job.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to read progress: %w", err)
	}
	if job.CommittedRows <= record.Processed {
		return record.Processed, nil
	}

	if _, err := s.deps.Tracker.Advance(ctx, job.ID, job.CommittedRows-record.Processed); err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️  Progress of %s lags the committed rows: %v", job.ID, err))
	}
	return job.CommittedRows, nil
}

// attempt runs one pass over the source, resuming after committed rows
func (s *Supervisor) attempt(ctx context.Context, st *jobState, attempt int) (loader.Result, error) {
	s.mu.Lock()
	job := st.job
	s.mu.Unlock()

	src, err := s.open(ctx, &job)
	if err != nil {
		return loader.Result{}, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			s.logger.Warn(fmt.Sprintf("⚠️  Failed to clean up source of %s: %v", job.ID, err))
		}
	}()

	reader, err := formatters.NewCSVReaderWithOptions(src, job.Spec.csvOptions())
	if err != nil {
		return loader.Result{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	skip, err := s.resumeOffset(ctx, &job)
	if err != nil {
		return loader.Result{}, err
	}
	s.mu.Lock()
	st.job.CommittedRows = skip
	s.mu.Unlock()
	if skip > 0 {
		s.logger.Info(fmt.Sprintf("⏩ Import %s attempt %d resumes after row %d", job.ID, attempt, skip))
	}

	config := s.loaderConfig
	config.ConflictColumns = job.Spec.ConflictColumns
	config.ConflictAction = job.Spec.ConflictAction

	l, err := loader.New(s.deps.Inserter, &jobTracker{Tracker: s.deps.Tracker, s: s, st: st}, config, s.logger)
	if err != nil {
		return loader.Result{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	l.WithMetrics(s.deps.Metrics)

	result, err := l.Load(ctx, loader.Request{
		JobID:    job.ID,
		Table:    job.Spec.Table,
		Rows:     reader,
		SkipRows: skip,
		Stop:     st.stopped,
	})

	s.mu.Lock()
	st.job.Inserted += result.Inserted
	s.mu.Unlock()

	return result, err
}

// open returns the decompressed source. Local files are counted first to
// seed the progress total.
func (s *Supervisor) open(ctx context.Context, job *Job) (*stream, error) {
	src := &stream{}
	fail := func(err error) (*stream, error) {
		_ = src.Close()
		return nil, err
	}

	var raw io.Reader
	var path, name string

	switch job.Spec.Source.Kind {
	case SourceUpload:
		path, name = job.LocalPath, job.LocalPath
		if path == "" {
			return nil, fmt.Errorf("%w: upload %s has no assembled file", ErrInvalidSpec, job.Spec.Source.UploadID)
		}
	case SourceObject:
		bucket, key := job.Spec.Source.Bucket, job.Spec.Source.Key
		name = key
		if s.config.Spool {
			downloaded, n, err := s.deps.Objects.FetchToFile(ctx, bucket, key, s.config.WorkDir)
			if err != nil {
				return nil, err
			}
			src.push(func() error {
				if err := os.Remove(downloaded); err != nil && !os.IsNotExist(err) {
					return err
				}
				return nil
			})
			s.logger.Debug(fmt.Sprintf("Downloaded %s (%d bytes) to %s", job.Spec.Source, n, downloaded))
			path = downloaded
		} else {
			body, err := s.deps.Objects.Open(ctx, bucket, key)
			if err != nil {
				return nil, err
			}
			src.push(body.Close)
			raw = body
		}
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrInvalidSpec, job.Spec.Source.Kind)
	}

	decompressor, err := compressors.Resolve(job.Spec.Source.Compression, name)
	if err != nil {
		return fail(err)
	}

	if path != "" {
		if job.TotalRows == nil {
			s.estimateTotal(ctx, job, path, decompressor)
		}
		f, err := os.Open(path)
		if err != nil {
			return fail(fmt.Errorf("failed to open %s: %w", path, err))
		}
		src.push(f.Close)
		raw = f
	}

	decoded, err := decompressor.NewReader(raw)
	if err != nil {
		return fail(fmt.Errorf("failed to open %s stream: %w", decompressor.Extension(), err))
	}
	src.push(decoded.Close)
	src.Reader = decoded
	return src, nil
}

// estimateTotal counts lines once per job. A failed count leaves the total
// unknown rather than failing the job.
func (s *Supervisor) estimateTotal(ctx context.Context, job *Job, path string, decompressor compressors.Decompressor) {
	total, err := countFile(path, decompressor, job.Spec.HasHeader)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️  Could not estimate rows of %s: %v", job.Spec.Source, err))
		return
	}
	if err := s.deps.Tracker.SetTotal(ctx, job.ID, total); err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️  Could not record total of %s: %v", job.ID, err))
		return
	}

	s.mu.Lock()
	if st, ok := s.jobs[job.ID]; ok && st.job.TotalRows == nil {
		st.job.TotalRows = &total
		s.persistLocked(st)
	}
	s.mu.Unlock()
	job.TotalRows = &total

	s.logger.Info(fmt.Sprintf("📊 Import %s: about %d rows to load", job.ID, total))
}

func countFile(path string, decompressor compressors.Decompressor, hasHeader bool) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r, err := decompressor.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	return formatters.CountRecords(r, hasHeader)
}
