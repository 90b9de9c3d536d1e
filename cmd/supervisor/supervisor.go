package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/airframesio/csv-importer/cmd/compressors"
	"github.com/airframesio/csv-importer/cmd/formatters"
	"github.com/airframesio/csv-importer/cmd/loader"
	"github.com/airframesio/csv-importer/cmd/metrics"
	"github.com/airframesio/csv-importer/cmd/progress"
	"github.com/airframesio/csv-importer/cmd/upload"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Static errors for job supervision
var (
	ErrUnknownJob       = errors.New("unknown import job")
	ErrQueueFull        = errors.New("import queue is full")
	ErrInvalidSpec      = errors.New("invalid import request")
	ErrCancelled        = errors.New("import job cancelled")
	ErrTimeout          = errors.New("import job timed out")
	ErrWorkersInvalid   = errors.New("workers must be positive")
	ErrAttemptsInvalid  = errors.New("max attempts must be positive")
	ErrTimeoutInvalid   = errors.New("job timeout must be positive")
	ErrQueueSizeInvalid = errors.New("queue size must be positive")
)

// Uploads hands assembled files to jobs. Release gets the path the job was
// given so the file can go even when the upload record is gone.
type Uploads interface {
	Claim(ctx context.Context, id string) (*upload.Assembled, error)
	Unclaim(ctx context.Context, id string) error
	Release(ctx context.Context, id, path string) error
}

// Objects reads staged objects
type Objects interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	FetchToFile(ctx context.Context, bucket, key, dir string) (string, int64, error)
}

// Config controls the worker pool and retry policy
type Config struct {
	Workers       int
	QueueSize     int
	MaxAttempts   int
	RetryDelay    time.Duration // first backoff, doubled per attempt
	MaxRetryDelay time.Duration
	Timeout       time.Duration // wall clock budget of a whole job
	Retention     time.Duration // how long finished jobs stay visible
	WorkDir       string        // where staged objects are downloaded
	Spool         bool          // download staged objects before loading
}

// DefaultConfig returns the stock supervisor settings
func DefaultConfig() Config {
	return Config{
		Workers:       2,
		QueueSize:     64,
		MaxAttempts:   3,
		RetryDelay:    2 * time.Second,
		MaxRetryDelay: time.Minute,
		Timeout:       7200 * time.Second,
		Retention:     24 * time.Hour,
		WorkDir:       os.TempDir(),
		Spool:         true,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w, got %d", ErrWorkersInvalid, c.Workers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w, got %d", ErrQueueSizeInvalid, c.QueueSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w, got %d", ErrAttemptsInvalid, c.MaxAttempts)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w, got %s", ErrTimeoutInvalid, c.Timeout)
	}
	return nil
}

// Deps are the collaborators a supervisor drives. Uploads, Objects and Store
// may be nil when the matching sources or persistence are not used.
type Deps struct {
	Inserter loader.Inserter
	Tracker  progress.Tracker
	Uploads  Uploads
	Objects  Objects
	Store    Store
	Metrics  *metrics.Metrics
}

type jobState struct {
	job      Job
	stop     chan struct{}
	stopOnce sync.Once
}

func newJobState(job Job) *jobState {
	return &jobState{job: job, stop: make(chan struct{})}
}

func (st *jobState) requestStop() {
	st.stopOnce.Do(func() { close(st.stop) })
}

func (st *jobState) stopped() bool {
	select {
	case <-st.stop:
		return true
	default:
		return false
	}
}

// Supervisor owns import jobs from submission to a terminal status
type Supervisor struct {
	deps         Deps
	loaderConfig loader.Config
	config       Config
	logger       *slog.Logger

	mu    sync.Mutex
	jobs  map[string]*jobState
	queue []string
	wake  chan struct{}

	now func() time.Time
}

// New creates a supervisor. loaderConfig supplies batch and chunk sizes;
// conflict settings come from each job.
func New(deps Deps, loaderConfig loader.Config, config Config, logger *slog.Logger) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := loaderConfig.Validate(); err != nil {
		return nil, err
	}
	if deps.Inserter == nil || deps.Tracker == nil {
		return nil, errors.New("supervisor needs an inserter and a progress tracker")
	}

	return &Supervisor{
		deps:         deps,
		loaderConfig: loaderConfig,
		config:       config,
		logger:       logger,
		jobs:         make(map[string]*jobState),
		wake:         make(chan struct{}, 1),
		now:          time.Now,
	}, nil
}

// persistLocked writes the job record. Callers hold s.mu.
func (s *Supervisor) persistLocked(st *jobState) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.Write(&st.job); err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️  Failed to persist job %s: %v", st.job.ID, err))
	}
}

func (s *Supervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit validates spec, queues a job and returns its id without waiting.
// The upload claim and progress record are made outside s.mu.
func (s *Supervisor) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	switch spec.Source.Kind {
	case SourceUpload:
		if s.deps.Uploads == nil {
			return "", fmt.Errorf("%w: uploads are not enabled", ErrInvalidSpec)
		}
	case SourceObject:
		if s.deps.Objects == nil {
			return "", fmt.Errorf("%w: object storage is not configured", ErrInvalidSpec)
		}
	}
	if err := s.queueFull(); err != nil {
		return "", err
	}

	job := Job{
		ID:          uuid.NewString(),
		Spec:        spec,
		Status:      StatusQueued,
		MaxAttempts: s.config.MaxAttempts,
		CreatedAt:   s.now(),
	}

	if err := s.deps.Tracker.Start(ctx, job.ID, nil); err != nil {
		return "", fmt.Errorf("failed to start progress record: %w", err)
	}
	if spec.Source.Kind == SourceUpload {
		assembled, err := s.deps.Uploads.Claim(ctx, spec.Source.UploadID)
		if err != nil {
			s.dropProgress(ctx, job.ID)
			return "", err
		}
		job.LocalPath = assembled.Path
	}

	s.mu.Lock()
	if len(s.queue) >= s.config.QueueSize {
		queued := len(s.queue)
		s.mu.Unlock()
		s.abandon(ctx, job)
		return "", fmt.Errorf("%w (%d queued)", ErrQueueFull, queued)
	}
	st := newJobState(job)
	s.jobs[job.ID] = st
	s.queue = append(s.queue, job.ID)
	s.persistLocked(st)
	s.signal()
	s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("📥 Queued import %s: %s → %s", job.ID, spec.Source, spec.Table))
	return job.ID, nil
}

func (s *Supervisor) queueFull() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.config.QueueSize {
		return fmt.Errorf("%w (%d queued)", ErrQueueFull, len(s.queue))
	}
	return nil
}

func (s *Supervisor) dropProgress(ctx context.Context, id string) {
	if err := s.deps.Tracker.Remove(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Debug(fmt.Sprintf("Failed to drop progress record of %s: %v", id, err))
	}
}

// abandon undoes a submission that lost the race for a queue slot. The
// upload stays complete so the caller can submit it again.
func (s *Supervisor) abandon(ctx context.Context, job Job) {
	if job.Spec.Source.Kind == SourceUpload {
		if err := s.deps.Uploads.Unclaim(context.WithoutCancel(ctx), job.Spec.Source.UploadID); err != nil {
			s.logger.Warn(fmt.Sprintf("⚠️  Failed to unclaim upload %s: %v", job.Spec.Source.UploadID, err))
		}
	}
	s.dropProgress(ctx, job.ID)
}

// Status returns a snapshot of the job with live progress
func (s *Supervisor) Status(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	st, ok := s.jobs[id]
	var job Job
	if ok {
		job = st.job
	}
	s.mu.Unlock()

	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	if record, err := s.deps.Tracker.Get(ctx, id); err == nil {
		if record.Processed > job.ProcessedRows {
			job.ProcessedRows = record.Processed
		}
		if record.Total != nil {
			job.TotalRows = record.Total
		}
	}
	return job, nil
}

// Cancel asks a job to stop. A queued job fails at once; a running job stops
// after its current batch. Finished jobs are left alone.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	st, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	st.requestStop()
	if status := st.job.Status; status != StatusQueued {
		s.mu.Unlock()
		if !status.Terminal() {
			s.logger.Info(fmt.Sprintf("🛑 Cancellation requested for import %s", id))
		}
		return nil
	}

	for i, queuedID := range s.queue {
		if queuedID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	job, elapsed := s.failLocked(ctx, st, ErrCancelled)
	s.mu.Unlock()

	s.finishFailed(ctx, job, elapsed)
	return nil
}

// Recover reloads persisted jobs. Finished jobs become visible again and
// unfinished ones are queued to resume from their committed row count.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	if s.deps.Store == nil {
		return 0, nil
	}
	jobs, err := s.deps.Store.List()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := 0
	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			continue
		}

		total := job.TotalRows
		if job.Status.Terminal() {
			total = nil
		}
		if err := s.deps.Tracker.Start(ctx, job.ID, total); err != nil {
			return requeued, fmt.Errorf("failed to restore progress of job %s: %w", job.ID, err)
		}
		// the tracker may have lost the count; never resume below the file
		committed := max(job.ProcessedRows, job.CommittedRows)
		if record, err := s.deps.Tracker.Get(ctx, job.ID); err == nil && record.Processed < committed {
			if _, err := s.deps.Tracker.Advance(ctx, job.ID, committed-record.Processed); err != nil {
				return requeued, err
			}
		}

		st := newJobState(*job)
		s.jobs[job.ID] = st
		if job.Status.Terminal() {
			continue
		}

		st.job.Status = StatusQueued
		s.queue = append(s.queue, job.ID)
		s.persistLocked(st)
		requeued++
		s.logger.Info(fmt.Sprintf("♻️  Recovered import %s at row %d", job.ID, job.ProcessedRows))
	}

	if requeued > 0 {
		s.signal()
	}
	return requeued, nil
}

// Run processes queued jobs on the worker pool until ctx is done. Jobs that
// are interrupted by shutdown go back to queued for Recover.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		s.signal()
	}
	return id, true
}

func (s *Supervisor) work(ctx context.Context) {
	for {
		if id, ok := s.next(); ok {
			s.run(ctx, id)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// run drives one job through its attempts
func (s *Supervisor) run(ctx context.Context, id string) {
	s.mu.Lock()
	st, ok := s.jobs[id]
	if !ok || st.job.Status != StatusQueued {
		s.mu.Unlock()
		return
	}
	now := s.now()
	st.job.Status = StatusRunning
	if st.job.StartedAt == nil {
		st.job.StartedAt = &now
	}
	deadline := st.job.StartedAt.Add(s.config.Timeout)
	s.persistLocked(st)
	s.mu.Unlock()

	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		attempt := s.startAttempt(st)
		result, err := s.attempt(jobCtx, st, attempt)
		if err == nil {
			s.succeed(ctx, st, result)
			return
		}
		if ctx.Err() != nil {
			s.requeue(st, err)
			return
		}

		s.recordError(st, err)
		if reason := s.terminal(jobCtx, st, err, attempt); reason != nil {
			s.fail(ctx, st, reason)
			return
		}

		delay := s.backoff(attempt)
		s.logger.Warn(fmt.Sprintf("🔁 Import %s (%s) attempt %d/%d failed, retrying in %s: %v",
			id, st.job.Spec.Source, attempt, s.config.MaxAttempts, delay, err))
		s.deps.Metrics.JobFinished("retried", 0)

		if !s.wait(jobCtx, st, delay) {
			if ctx.Err() != nil {
				s.requeue(st, err)
				return
			}
			reason := s.terminal(jobCtx, st, err, attempt)
			if reason == nil {
				reason = err
			}
			s.fail(ctx, st, reason)
			return
		}
	}
}

func (s *Supervisor) startAttempt(st *jobState) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.job.Attempts++
	s.persistLocked(st)

	s.logger.Info(fmt.Sprintf("🚀 Starting import %s attempt %d/%d: %s → %s",
		st.job.ID, st.job.Attempts, s.config.MaxAttempts, st.job.Spec.Source, st.job.Spec.Table))
	return st.job.Attempts
}

func (s *Supervisor) recordError(st *jobState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.job.LastError = err.Error()
	var batchErr *loader.BatchError
	if errors.As(err, &batchErr) {
		st.job.FailedRows = &RowRange{First: batchErr.FirstRow, Last: batchErr.LastRow}
	}
	s.persistLocked(st)
}

// terminal returns the failure reason when err must not be retried
func (s *Supervisor) terminal(jobCtx context.Context, st *jobState, err error, attempt int) error {
	switch {
	case st.stopped():
		return ErrCancelled
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %v", ErrTimeout, s.config.Timeout, err)
	case !Retryable(err):
		return err
	case attempt >= s.config.MaxAttempts:
		return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
	}
	return nil
}

// Retryable reports whether another attempt could succeed
func Retryable(err error) bool {
	switch {
	case errors.Is(err, formatters.ErrMalformedRow),
		errors.Is(err, loader.ErrNoMatchingColumns),
		errors.Is(err, loader.ErrInvalidConflict),
		errors.Is(err, loader.ErrTableNotFound),
		errors.Is(err, loader.ErrStopped),
		errors.Is(err, upload.ErrInvalidRequest),
		errors.Is(err, upload.ErrUnknownSession),
		errors.Is(err, compressors.ErrUnsupportedCompression),
		errors.Is(err, ErrInvalidSpec),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	delay := s.config.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if s.config.MaxRetryDelay > 0 && delay >= s.config.MaxRetryDelay {
			return s.config.MaxRetryDelay
		}
	}
	return delay
}

// wait sleeps for d unless the job is stopped or out of time
func (s *Supervisor) wait(ctx context.Context, st *jobState, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-st.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) succeed(ctx context.Context, st *jobState, result loader.Result) {
	// the estimate was an upper bound; pin the total to what was read
	processed := result.Processed + result.Skipped
	if err := s.deps.Tracker.SetTotal(ctx, st.job.ID, processed); err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️  Failed to finalize progress of %s: %v", st.job.ID, err))
	}

	s.mu.Lock()
	now := s.now()
	st.job.Status = StatusSucceeded
	st.job.FinishedAt = &now
	st.job.LastError = ""
	st.job.FailedRows = nil
	st.job.ProcessedRows = processed
	st.job.CommittedRows = processed
	st.job.TotalRows = &processed
	elapsed := now.Sub(*st.job.StartedAt)
	s.persistLocked(st)
	job := st.job
	s.mu.Unlock()

	s.cleanup(ctx, job)
	s.deps.Metrics.JobFinished(string(StatusSucceeded), elapsed)
	s.logger.Info(fmt.Sprintf("✅ Import %s succeeded: %d rows from %s into %s in %s (attempt %d)",
		job.ID, processed, job.Spec.Source, job.Spec.Table, elapsed.Round(time.Millisecond), job.Attempts))
}

func (s *Supervisor) fail(ctx context.Context, st *jobState, reason error) {
	s.mu.Lock()
	job, elapsed := s.failLocked(ctx, st, reason)
	s.mu.Unlock()

	s.finishFailed(ctx, job, elapsed)
}

func (s *Supervisor) failLocked(ctx context.Context, st *jobState, reason error) (Job, time.Duration) {
	now := s.now()
	st.job.Status = StatusFailed
	st.job.FinishedAt = &now
	st.job.LastError = reason.Error()
	st.job.Cancelled = errors.Is(reason, ErrCancelled)
	var elapsed time.Duration
	if st.job.StartedAt != nil {
		elapsed = now.Sub(*st.job.StartedAt)
	}
	if record, err := s.deps.Tracker.Get(ctx, st.job.ID); err == nil {
		st.job.ProcessedRows = max(record.Processed, st.job.CommittedRows)
	}
	s.persistLocked(st)
	return st.job, elapsed
}

func (s *Supervisor) finishFailed(ctx context.Context, job Job, elapsed time.Duration) {
	s.cleanup(ctx, job)
	s.deps.Metrics.JobFinished(string(StatusFailed), elapsed)

	rows := ""
	if job.FailedRows != nil {
		rows = fmt.Sprintf(" at rows %d-%d", job.FailedRows.First, job.FailedRows.Last)
	}
	s.logger.Error(fmt.Sprintf("❌ Import %s failed after %d attempt(s)%s: %s → %s: %s",
		job.ID, job.Attempts, rows, job.Spec.Source, job.Spec.Table, job.LastError))
}

func (s *Supervisor) requeue(st *jobState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.job.Status = StatusQueued
	s.persistLocked(st)
	s.logger.Warn(fmt.Sprintf("⚠️  Import %s interrupted by shutdown, will resume on restart: %v", st.job.ID, err))
}

// cleanup releases what the job held once it is finished
func (s *Supervisor) cleanup(ctx context.Context, job Job) {
	if job.Spec.Source.Kind != SourceUpload || s.deps.Uploads == nil {
		return
	}
	if err := s.deps.Uploads.Release(context.WithoutCancel(ctx), job.Spec.Source.UploadID, job.LocalPath); err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️  Failed to release upload %s: %v", job.Spec.Source.UploadID, err))
	}
}

// Prune forgets finished jobs older than the retention window
func (s *Supervisor) Prune(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.Retention)

	s.mu.Lock()
	var expired []string
	for id, st := range s.jobs {
		if st.job.Status.Terminal() && st.job.FinishedAt != nil && st.job.FinishedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range expired {
		if s.deps.Store != nil {
			if err := s.deps.Store.Remove(id); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.deps.Tracker.Remove(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(expired) > 0 {
		s.logger.Debug(fmt.Sprintf("Pruned %d finished import job(s)", len(expired)))
	}
	return len(expired), errors.Join(errs...)
}

// RunPruner calls Prune every interval until ctx is done
func (s *Supervisor) RunPruner(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil {
				s.logger.Warn(fmt.Sprintf("⚠️  Job pruner: %v", err))
			}
		}
	}
}
