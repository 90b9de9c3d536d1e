package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/csv-importer/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile   string
	debug     bool
	logFormat string
	dryRun    bool

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// broadcastLogHandler wraps a slog handler and broadcasts logs to WebSocket clients
type broadcastLogHandler struct {
	handler slog.Handler
}

func newBroadcastLogHandler(handler slog.Handler) *broadcastLogHandler {
	return &broadcastLogHandler{handler: handler}
}

func (h *broadcastLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *broadcastLogHandler) Handle(ctx context.Context, r slog.Record) error {
	// logBroadcast only exists while the server runs
	if ch := logBroadcast; ch != nil {
		logMsg := LogMessage{
			Timestamp: r.Time.Format("2006-01-02 15:04:05"),
			Level:     r.Level.String(),
			Message:   r.Message,
		}
		select {
		case ch <- logMsg:
		default:
			// Channel full, drop rather than block the caller
		}
	}

	return h.handler.Handle(ctx, r)
}

func (h *broadcastLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *broadcastLogHandler) WithGroup(name string) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithGroup(name)}
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogHandler builds the handler for a log format
func newLogHandler(w io.Writer, isDebug bool, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = newTextOnlyHandler(w, opts)
	}
	return newBroadcastLogHandler(handler)
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	logger = slog.New(newLogHandler(os.Stdout, isDebug, format))
}

var rootCmd = &cobra.Command{
	Use:     "csv-importer",
	Version: Version,
	Short:   "📥 Load large CSV files into PostgreSQL",
	Long: titleStyle.Render("CSV Importer") + `

A service and CLI for loading very large CSV files into PostgreSQL tables.
Files arrive as resumable chunked uploads or as objects staged in S3-compatible
storage, are decoded as a stream and inserted in committed batches by a pool of
supervised workers with retry, resume and live progress.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload and import API server",
	Long:  `Run the HTTP API that accepts chunked uploads, starts import jobs on a worker pool and reports their progress over HTTP and WebSocket.`,
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindFlags(cmd)
	},
	Run: func(_ *cobra.Command, _ []string) {
		runServe()
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import one CSV file with a live progress view",
	Long: `Import a local CSV file or a staged S3 object into a table in this process,
with the same batching, retry and resume behaviour as the server.`,
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindFlags(cmd)
	},
	Run: func(_ *cobra.Command, _ []string) {
		runImport()
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file to a running server in parallel chunks",
	Args:  cobra.ExactArgs(1),
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindFlags(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd.Context(), args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of an import job on a running server",
	Args:  cobra.ExactArgs(1),
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindFlags(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), args[0])
	},
}

func Execute() error {
	ctx := signalContext
	if ctx == nil {
		ctx = context.Background()
	}
	return rootCmd.ExecuteContext(ctx)
}

// flagKeys maps command line flags to their viper keys
var flagKeys = map[string]string{
	"db-driver":            "db.driver",
	"db-host":              "db.host",
	"db-port":              "db.port",
	"db-user":              "db.user",
	"db-password":          "db.password",
	"db-name":              "db.name",
	"db-sslmode":           "db.sslmode",
	"db-statement-timeout": "db.statement_timeout",
	"s3-endpoint":          "s3.endpoint",
	"s3-bucket":            "s3.bucket",
	"s3-access-key":        "s3.access_key",
	"s3-secret-key":        "s3.secret_key",
	"s3-region":            "s3.region",
	"s3-call-timeout":      "s3.call_timeout",
	"s3-presign-ttl":       "s3.presign_ttl",
	"redis-addr":           "redis.addr",
	"redis-password":       "redis.password",
	"redis-db":             "redis.db",
	"upload-dir":           "upload.dir",
	"upload-chunk-size":    "upload.chunk_size",
	"upload-max-chunks":    "upload.max_chunks",
	"upload-session-ttl":   "upload.session_ttl",
	"batch-size":           "import.batch_size",
	"chunk-size":           "import.chunk_size",
	"workers":              "import.workers",
	"queue-size":           "import.queue_size",
	"max-attempts":         "import.max_attempts",
	"retry-delay":          "import.retry_delay",
	"max-retry-delay":      "import.max_retry_delay",
	"timeout":              "import.timeout",
	"retention":            "import.retention",
	"spool":                "import.spool",
	"work-dir":             "import.work_dir",
	"jobs-dir":             "import.jobs_dir",
	"addr":                 "server.addr",
	"push-gateway":         "server.push_gateway",
	"server":               "client.server",
	"parallel":             "client.parallel",
	"file":                 "job.file",
	"key":                  "job.key",
	"table":                "job.table",
	"compression":          "job.compression",
	"conflict-columns":     "job.conflict_columns",
	"conflict-action":      "job.conflict_action",
	"header":               "job.has_header",
	"delimiter":            "job.delimiter",
	"empty-as-null":        "job.empty_as_null",
	"wait":                 "client.wait",
}

// bindFlags binds the flags of the command being run. Binding at run time
// keeps flags shared between subcommands from overriding each other.
func bindFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = viper.BindPFlag(key, f)
		}
	})
}

func addDatabaseFlags(cmd *cobra.Command) {
	cmd.Flags().String("db-driver", "pq", "PostgreSQL driver: pq (batched INSERT) or pgx (COPY)")
	cmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	cmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	cmd.Flags().String("db-user", "", "PostgreSQL user")
	cmd.Flags().String("db-password", "", "PostgreSQL password")
	cmd.Flags().String("db-name", "", "PostgreSQL database name")
	cmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")
	cmd.Flags().Int("db-statement-timeout", 300, "PostgreSQL statement timeout in seconds (0 = no timeout)")
}

func addS3Flags(cmd *cobra.Command) {
	cmd.Flags().String("s3-endpoint", "", "S3-compatible endpoint URL")
	cmd.Flags().String("s3-bucket", "", "S3 bucket holding staged files")
	cmd.Flags().String("s3-access-key", "", "S3 access key")
	cmd.Flags().String("s3-secret-key", "", "S3 secret key")
	cmd.Flags().String("s3-region", "auto", "S3 region")
	cmd.Flags().Duration("s3-call-timeout", 60*time.Second, "timeout of a single S3 request")
}

func addImportFlags(cmd *cobra.Command) {
	cmd.Flags().Int("batch-size", 1000, "rows per committed batch")
	cmd.Flags().Int("chunk-size", 2000, "rows decoded per read")
	cmd.Flags().Int("max-attempts", 3, "attempts per job before it fails")
	cmd.Flags().Duration("retry-delay", 2*time.Second, "delay before the first retry, doubled per attempt")
	cmd.Flags().Duration("max-retry-delay", time.Minute, "upper bound of the retry delay")
	cmd.Flags().Duration("timeout", 2*time.Hour, "wall clock budget of one job")
	cmd.Flags().Bool("spool", true, "download staged objects to disk before loading")
	cmd.Flags().String("work-dir", os.TempDir(), "directory for downloaded objects")
}

func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().String("table", "", "target table, optionally schema qualified (required)")
	cmd.Flags().String("compression", "auto", "source compression: auto, none, gzip, zstd, lz4")
	cmd.Flags().StringSlice("conflict-columns", nil, "unique key columns for upsert")
	cmd.Flags().String("conflict-action", "", "on conflict: update (default with conflict columns) or nothing")
	cmd.Flags().Bool("header", true, "first line holds column names")
	cmd.Flags().String("delimiter", ",", "field delimiter")
	cmd.Flags().Bool("empty-as-null", false, "load empty fields as NULL")
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.csv-importer.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "decode and map rows without inserting")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))

	// serve
	addDatabaseFlags(serveCmd)
	addS3Flags(serveCmd)
	addImportFlags(serveCmd)
	serveCmd.Flags().Duration("s3-presign-ttl", 15*time.Minute, "lifetime of presigned upload URLs")
	serveCmd.Flags().String("redis-addr", "", "Redis address for shared sessions and progress (empty = in memory)")
	serveCmd.Flags().String("redis-password", "", "Redis password")
	serveCmd.Flags().Int("redis-db", 0, "Redis database number")
	serveCmd.Flags().String("upload-dir", defaultDataDir("uploads"), "directory for chunks and assembled files")
	serveCmd.Flags().Int64("upload-chunk-size", 5*1024*1024, "chunk size when a client only declares a total size")
	serveCmd.Flags().Int("upload-max-chunks", 10000, "maximum chunks per upload")
	serveCmd.Flags().Duration("upload-session-ttl", 24*time.Hour, "idle lifetime of an unfinished upload")
	serveCmd.Flags().Int("workers", 2, "number of import workers")
	serveCmd.Flags().Int("queue-size", 64, "maximum queued import jobs")
	serveCmd.Flags().Duration("retention", 24*time.Hour, "how long finished jobs stay visible")
	serveCmd.Flags().String("jobs-dir", defaultDataDir("jobs"), "directory for job records")
	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("push-gateway", "", "Prometheus push gateway URL (optional)")

	// import
	addDatabaseFlags(importCmd)
	addS3Flags(importCmd)
	addImportFlags(importCmd)
	addJobFlags(importCmd)
	importCmd.Flags().String("file", "", "local CSV file to import")
	importCmd.Flags().String("key", "", "staged object key to import (uses --s3-bucket)")
	importCmd.Flags().String("push-gateway", "", "Prometheus push gateway URL for the final metrics (optional)")

	// upload
	uploadCmd.Flags().String("server", "http://localhost:8080", "importer server URL")
	uploadCmd.Flags().Int("parallel", 4, "concurrent chunk uploads")
	uploadCmd.Flags().Int64("upload-chunk-size", 5*1024*1024, "bytes per chunk")
	uploadCmd.Flags().Bool("wait", false, "follow the import until it finishes")
	addJobFlags(uploadCmd)
	uploadCmd.Flags().Lookup("table").Usage = "start an import into this table once uploaded (optional)"

	// status
	statusCmd.Flags().String("server", "http://localhost:8080", "importer server URL")
	statusCmd.Flags().Bool("wait", false, "poll until the job finishes")
}

// defaultDataDir returns a directory under ~/.csv-importer
func defaultDataDir(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return home + string(os.PathSeparator) + ".csv-importer" + string(os.PathSeparator) + name
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".csv-importer")
	}

	viper.SetEnvPrefix("IMPORTER")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// commandContext returns the signal context from main() or a fallback
func commandContext() (context.Context, context.CancelFunc) {
	if signalContext != nil {
		return signalContext, func() {}
	}
	logger.Warn("Signal context not set, creating fallback...")
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// forceExitAfter exits the process if shutdown is still running after grace
// once ctx is done. Closing the returned channel marks a clean exit.
func forceExitAfter(ctx context.Context, grace time.Duration) chan<- struct{} {
	exited := make(chan struct{})
	go func() {
		select {
		case <-exited:
			return
		case <-ctx.Done():
		}
		logger.Info("")
		logger.Info("⚠️  Interrupt signal received, shutting down...")

		select {
		case <-exited:
		case <-time.After(grace):
			logger.Error("⚠️  Graceful shutdown timed out, forcing exit...")
			os.Exit(130)
		}
	}()
	return exited
}
