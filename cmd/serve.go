package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/airframesio/csv-importer/cmd/chunkstore"
	"github.com/airframesio/csv-importer/cmd/fetcher"
	"github.com/airframesio/csv-importer/cmd/loader"
	"github.com/airframesio/csv-importer/cmd/metrics"
	"github.com/airframesio/csv-importer/cmd/progress"
	"github.com/airframesio/csv-importer/cmd/supervisor"
	"github.com/airframesio/csv-importer/cmd/upload"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const (
	janitorInterval = time.Minute
	prunerInterval  = 10 * time.Minute
	pushInterval    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
	progressTTL     = 7 * 24 * time.Hour
)

func runServe() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := loadConfig()

	// Must exist before the first log line so the handler never races with it
	logBroadcast = make(chan LogMessage, 1000)
	initLogger(config.Debug, config.LogFormat)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 CSV Importer v%s - server", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", used))
	}

	logger.Debug("Validating configuration...")
	if err := config.Validate(ModeServe); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}

	ctx, stop := commandContext()
	defer stop()
	exited := forceExitAfter(ctx, shutdownTimeout+2*time.Second)

	err := serve(ctx, config)
	close(exited)

	if err != nil {
		logger.Error(fmt.Sprintf("❌ Server failed: %s", err.Error()))
		os.Exit(1)
	}
	logger.Info("✅ Server stopped")
}

// openInserter connects the configured database driver
func openInserter(ctx context.Context, config *Config) (loader.Inserter, func(), error) {
	dsn := config.Database.ConnString()

	var inserter loader.Inserter
	var closeFn func()
	switch config.Database.Driver {
	case "pgx":
		c, err := loader.NewCopyInserter(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		inserter, closeFn = c, c.Close
	default:
		db, err := loader.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		inserter, closeFn = loader.NewSQLInserter(db), func() { db.Close() }
	}

	logger.Info(fmt.Sprintf("✅ Connected to PostgreSQL at %s:%d/%s (%s)",
		config.Database.Host, config.Database.Port, config.Database.Name, driverName(config.Database.Driver)))

	if config.DryRun {
		logger.Info("🧪 Dry run: rows are decoded and mapped but not inserted")
		inserter = loader.DryRun{Inserter: inserter}
	}
	return inserter, closeFn, nil
}

func driverName(driver string) string {
	if driver == "pgx" {
		return "pgx COPY"
	}
	return "lib/pq"
}

// openFetcher returns nil when no bucket is configured
func openFetcher(config *Config) (*fetcher.Fetcher, error) {
	if config.S3.Bucket == "" {
		return nil, nil
	}
	region := config.S3.Region
	if region == regionAuto {
		region = "us-east-1"
	}
	f, err := fetcher.New(fetcher.Config{
		Endpoint:    config.S3.Endpoint,
		Region:      region,
		AccessKey:   config.S3.AccessKey,
		SecretKey:   config.S3.SecretKey,
		CallTimeout: config.S3.CallTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug(fmt.Sprintf("Object storage: bucket %s at %s", config.S3.Bucket, config.S3.Endpoint))
	return f, nil
}

// openRedis returns nil when no address is configured
func openRedis(ctx context.Context, config *Config) (*redis.Client, error) {
	if config.Redis.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", config.Redis.Addr, err)
	}
	logger.Info(fmt.Sprintf("✅ Connected to Redis at %s", config.Redis.Addr))
	return client, nil
}

func serve(ctx context.Context, config *Config) error {
	m, err := metrics.New()
	if err != nil {
		return err
	}

	redisClient, err := openRedis(ctx, config)
	if err != nil {
		return err
	}
	var sessions upload.SessionStore = upload.NewMemorySessionStore()
	var tracker progress.Tracker = progress.NewMemoryTracker()
	if redisClient != nil {
		defer redisClient.Close()
		sessions = upload.NewRedisSessionStore(redisClient, config.Upload.SessionTTL)
		tracker = progress.NewRedisTracker(redisClient, progressTTL)
	}

	chunks, err := chunkstore.NewDiskStore(filepath.Join(config.Upload.Dir, "chunks"))
	if err != nil {
		return err
	}
	assembler, err := upload.NewAssembler(chunks, sessions, upload.Config{
		Dir:        filepath.Join(config.Upload.Dir, "assembled"),
		ChunkSize:  config.Upload.ChunkSize,
		MaxChunks:  config.Upload.MaxChunks,
		SessionTTL: config.Upload.SessionTTL,
	}, logger)
	if err != nil {
		return err
	}
	assembler.WithMetrics(m)

	inserter, closeInserter, err := openInserter(ctx, config)
	if err != nil {
		return err
	}
	defer closeInserter()

	f, err := openFetcher(config)
	if err != nil {
		return err
	}

	jobsDir := config.Import.JobsDir
	if jobsDir == "" {
		jobsDir = supervisor.GetJobsDir()
	}
	store, err := supervisor.NewFileStore(jobsDir)
	if err != nil {
		return err
	}

	deps := supervisor.Deps{
		Inserter: inserter,
		Tracker:  tracker,
		Uploads:  assembler,
		Store:    store,
		Metrics:  m,
	}
	if f != nil {
		deps.Objects = f
	}
	sup, err := supervisor.New(deps, config.loaderConfig(), config.supervisorConfig(), logger)
	if err != nil {
		return err
	}

	recovered, err := sup.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	if recovered > 0 {
		logger.Info(fmt.Sprintf("♻️  Recovered %d import job(s) from %s", recovered, store.Dir()))
	}

	h := newHub(sup, logger)
	a := &api{
		uploads:    assembler,
		jobs:       sup,
		bucket:     config.S3.Bucket,
		presignTTL: config.S3.PresignTTL,
		metrics:    m,
		hub:        h,
		logger:     logger,
	}
	if f != nil {
		a.presign = f
	}

	server := &http.Server{
		Addr:              config.Server.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(fmt.Sprintf("🌐 Listening on %s", config.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		return assembler.RunJanitor(gctx, janitorInterval)
	})
	g.Go(func() error {
		return sup.RunPruner(gctx, prunerInterval)
	})
	g.Go(func() error {
		return h.runLogs(gctx, logBroadcast)
	})
	g.Go(func() error {
		return h.watchJobs(gctx, store.Dir())
	})
	if config.Server.PushGateway != "" {
		g.Go(func() error {
			return pushMetrics(gctx, m, config.Server.PushGateway)
		})
	}

	return g.Wait()
}

// pushMetrics sends metrics to a Pushgateway until ctx is done, then once more
func pushMetrics(ctx context.Context, m *metrics.Metrics, gateway string) error {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := m.Push(gateway, "csv_importer"); err != nil {
				logger.Warn(fmt.Sprintf("⚠️  %v", err))
			}
			return nil
		case <-ticker.C:
			if err := m.Push(gateway, "csv_importer"); err != nil {
				logger.Warn(fmt.Sprintf("⚠️  %v", err))
			}
		}
	}
}
