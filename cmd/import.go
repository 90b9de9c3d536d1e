package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/airframesio/csv-importer/cmd/metrics"
	"github.com/airframesio/csv-importer/cmd/progress"
	"github.com/airframesio/csv-importer/cmd/supervisor"
	"github.com/airframesio/csv-importer/cmd/upload"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"
)

const followInterval = 2 * time.Second

// jobStatuser reads job snapshots, in process or over HTTP
type jobStatuser interface {
	Status(ctx context.Context, id string) (supervisor.Job, error)
}

// localFile serves a file on disk as an already assembled upload. Release
// leaves the file alone since it belongs to the user.
type localFile struct {
	id   string
	path string
	size int64
}

func newLocalFile(path string) (*localFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", abs)
	}
	return &localFile{id: filepath.Base(abs), path: abs, size: info.Size()}, nil
}

func (f *localFile) Claim(_ context.Context, id string) (*upload.Assembled, error) {
	if id != f.id {
		return nil, fmt.Errorf("%w: %s", upload.ErrUnknownSession, id)
	}
	return &upload.Assembled{UploadID: f.id, Filename: f.id, Path: f.path, Size: f.size}, nil
}

func (f *localFile) Unclaim(context.Context, string) error {
	return nil
}

// Release keeps the file; it belongs to the user
func (f *localFile) Release(context.Context, string, string) error {
	return nil
}

func runImport() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := loadConfig()
	initLogger(config.Debug, config.LogFormat)

	// In debug mode or with structured logs, skip the TUI so logs stay readable
	useTUI := !config.Debug && (config.LogFormat == "" || config.LogFormat == "text")

	logger.Debug("Validating configuration...")
	if err := config.Validate(ModeImport); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}

	if !useTUI {
		logger.Info("")
		logger.Info(fmt.Sprintf("🚀 CSV Importer v%s", Version))
		logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}

	ctx, stop := commandContext()
	defer stop()
	exited := forceExitAfter(ctx, 5*time.Second)

	job, err := importOnce(ctx, config, useTUI)
	close(exited)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Import interrupted, committed batches are kept")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Import failed: %s", err.Error()))
		os.Exit(1)
	}

	printSummary(job, config.DryRun)
	if job.Status != supervisor.StatusSucceeded {
		os.Exit(1)
	}
}

// importOnce runs a single job on a private supervisor and waits for it
func importOnce(ctx context.Context, config *Config, useTUI bool) (supervisor.Job, error) {
	m, err := metrics.New()
	if err != nil {
		return supervisor.Job{}, err
	}
	defer func() {
		if err := m.Push(config.Server.PushGateway, "csv_importer_once"); err != nil {
			logger.Warn(fmt.Sprintf("⚠️  %v", err))
		}
	}()

	inserter, closeInserter, err := openInserter(ctx, config)
	if err != nil {
		return supervisor.Job{}, err
	}
	defer closeInserter()

	deps := supervisor.Deps{
		Inserter: inserter,
		Tracker:  progress.NewMemoryTracker(),
		Metrics:  m,
	}

	var uploadID string
	if config.Job.File != "" {
		file, err := newLocalFile(config.Job.File)
		if err != nil {
			return supervisor.Job{}, err
		}
		uploadID = file.id
		deps.Uploads = file
		logger.Debug(fmt.Sprintf("Importing %s (%s)", file.path, formatBytes(file.size)))
	} else {
		f, err := openFetcher(config)
		if err != nil {
			return supervisor.Job{}, err
		}
		if f != nil {
			deps.Objects = f
		}
	}

	supConfig := config.supervisorConfig()
	supConfig.Workers = 1
	supConfig.QueueSize = 1

	// The TUI takes over the terminal, so the supervisor logs into it
	var tui *programHandler
	supLogger := logger
	if useTUI {
		tui = &programHandler{level: slog.LevelInfo}
		supLogger = slog.New(tui)
	}

	sup, err := supervisor.New(deps, config.loaderConfig(), supConfig, supLogger)
	if err != nil {
		return supervisor.Job{}, err
	}

	spec := config.jobSpec(uploadID)
	id, err := sup.Submit(ctx, spec)
	if err != nil {
		return supervisor.Job{}, err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var program *tea.Program
	if useTUI {
		program = tea.NewProgram(newProgressModel(ctx, sup, id, spec, config.DryRun), tea.WithoutSignalHandler())
		tui.attach(program)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return sup.Run(gctx)
	})

	var job supervisor.Job
	var followErr error
	if useTUI {
		job, followErr = followTUI(ctx, program, sup, id)
	} else {
		job, followErr = follow(ctx, sup, id)
	}

	cancelRun()
	if err := g.Wait(); err != nil && followErr == nil {
		followErr = err
	}
	return job, followErr
}

// followTUI runs the progress view and returns the final snapshot
func followTUI(ctx context.Context, program *tea.Program, jobs jobStatuser, id string) (supervisor.Job, error) {
	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	final, err := program.Run()
	if err != nil {
		return supervisor.Job{}, fmt.Errorf("progress view: %w", err)
	}
	if m, ok := final.(progressModel); ok && m.err != nil {
		return supervisor.Job{}, m.err
	}
	if ctx.Err() != nil {
		return supervisor.Job{}, ctx.Err()
	}

	job, err := jobs.Status(ctx, id)
	if err != nil {
		return supervisor.Job{}, err
	}
	if !job.Status.Terminal() {
		// left the view before the job finished
		return job, context.Canceled
	}
	return job, nil
}

// follow logs progress until the job finishes
func follow(ctx context.Context, jobs jobStatuser, id string) (supervisor.Job, error) {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	var last int64 = -1
	for {
		job, err := jobs.Status(ctx, id)
		if err != nil {
			return supervisor.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		if job.Status == supervisor.StatusRunning && job.ProcessedRows != last {
			last = job.ProcessedRows
			logger.Info(fmt.Sprintf("📦 %s", describeProgress(job)))
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// describeProgress renders "rows x/y (p%)" for logs and the status command
func describeProgress(job supervisor.Job) string {
	if job.TotalRows == nil || *job.TotalRows <= 0 {
		return fmt.Sprintf("%d rows processed", job.ProcessedRows)
	}
	pct := float64(job.ProcessedRows) / float64(*job.TotalRows) * 100
	if pct > 100 {
		pct = 100
	}
	return fmt.Sprintf("%d/%d rows processed (%.1f%%)", job.ProcessedRows, *job.TotalRows, pct)
}

func printSummary(job supervisor.Job, isDryRun bool) {
	elapsed := time.Duration(0)
	if job.StartedAt != nil && job.FinishedAt != nil {
		elapsed = job.FinishedAt.Sub(*job.StartedAt).Round(time.Millisecond)
	}

	logger.Info("")
	switch job.Status {
	case supervisor.StatusSucceeded:
		if isDryRun {
			logger.Info(fmt.Sprintf("✅ Dry run %s succeeded: %d rows decoded and mapped in %s, nothing inserted",
				job.ID, job.ProcessedRows, elapsed))
			return
		}
		logger.Info(fmt.Sprintf("✅ Import %s succeeded: %d rows processed, %d inserted in %s (%d attempt(s))",
			job.ID, job.ProcessedRows, job.Inserted, elapsed, job.Attempts))
	default:
		rows := ""
		if job.FailedRows != nil {
			rows = fmt.Sprintf(" at rows %d-%d", job.FailedRows.First, job.FailedRows.Last)
		}
		logger.Error(fmt.Sprintf("❌ Import %s %s after %d attempt(s)%s: %s",
			job.ID, job.Status, job.Attempts, rows, job.LastError))
		logger.Info(fmt.Sprintf("   %d rows were committed before the failure", job.ProcessedRows))
	}
}
