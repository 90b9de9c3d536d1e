package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/airframesio/csv-importer/cmd/compressors"
	"github.com/airframesio/csv-importer/cmd/loader"
	"github.com/airframesio/csv-importer/cmd/supervisor"
	"github.com/spf13/viper"
)

// Static errors for configuration validation
var (
	ErrDatabaseDriverInvalid   = errors.New("database driver must be one of: pq, pgx")
	ErrDatabaseUserRequired    = errors.New("database user is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrS3CallTimeoutInvalid    = errors.New("S3 call timeout must be positive")
	ErrLogFormatInvalid        = errors.New("log format must be one of: text, logfmt, json")
	ErrTableNameRequired       = errors.New("table name is required")
	ErrTableNameInvalid        = errors.New("table name is invalid: must be an identifier of 1-63 letters, numbers and underscores, optionally schema qualified")
	ErrSourceRequired          = errors.New("one of --file or --key is required")
	ErrSourceConflict          = errors.New("--file and --key are mutually exclusive")
	ErrCompressionInvalid      = errors.New("compression must be one of: auto, zstd, lz4, gzip, none")
	ErrBatchSizeMinimum        = errors.New("batch size must be at least 1")
	ErrBatchSizeMaximum        = errors.New("batch size must not exceed 100000")
	ErrChunkSizeMinimum        = errors.New("chunk size must be at least 1")
	ErrWorkersMinimum          = errors.New("workers must be at least 1")
	ErrWorkersMaximum          = errors.New("workers must not exceed 1000")
	ErrQueueSizeMinimum        = errors.New("queue size must be at least 1")
	ErrMaxAttemptsMinimum      = errors.New("max attempts must be at least 1")
	ErrRetryDelayInvalid       = errors.New("retry delay must be >= 0")
	ErrJobTimeoutInvalid       = errors.New("job timeout must be positive")
	ErrUploadDirRequired       = errors.New("upload directory is required")
	ErrUploadChunkSizeInvalid  = errors.New("upload chunk size must be positive")
	ErrUploadMaxChunksInvalid  = errors.New("upload max chunks must be at least 1")
	ErrSessionTTLInvalid       = errors.New("upload session TTL must be positive")
	ErrServerAddrRequired      = errors.New("server listen address is required")
)

const regionAuto = "auto"

// Mode selects which parts of the configuration a command needs
type Mode int

const (
	ModeServe Mode = iota
	ModeImport
)

var envKeyReplacer = strings.NewReplacer(".", "_", "-", "_")

type Config struct {
	Debug     bool
	LogFormat string
	DryRun    bool
	Database  DatabaseConfig
	S3        S3Config
	Redis     RedisConfig
	Upload    UploadConfig
	Import    ImportConfig
	Server    ServerConfig
	Job       JobConfig
}

type DatabaseConfig struct {
	Driver           string // pq or pgx
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	StatementTimeout int // Statement timeout in seconds (0 = no timeout)
}

type S3Config struct {
	Endpoint    string
	Bucket      string
	AccessKey   string
	SecretKey   string
	Region      string
	CallTimeout time.Duration
	PresignTTL  time.Duration
}

// RedisConfig enables shared session and progress state when Addr is set
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type UploadConfig struct {
	Dir        string
	ChunkSize  int64
	MaxChunks  int
	SessionTTL time.Duration
}

type ImportConfig struct {
	BatchSize     int
	ChunkSize     int
	Workers       int
	QueueSize     int
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Timeout       time.Duration
	Retention     time.Duration
	Spool         bool
	WorkDir       string
	JobsDir       string
}

type ServerConfig struct {
	Addr        string
	PushGateway string
}

// JobConfig describes the single job of the import command
type JobConfig struct {
	File            string
	Key             string
	Table           string
	Compression     string
	ConflictColumns []string
	ConflictAction  string
	HasHeader       bool
	Delimiter       string
	EmptyAsNull     bool
}

// loadConfig reads every key from viper
func loadConfig() *Config {
	return &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		DryRun:    viper.GetBool("dry_run"),
		Database: DatabaseConfig{
			Driver:           viper.GetString("db.driver"),
			Host:             viper.GetString("db.host"),
			Port:             viper.GetInt("db.port"),
			User:             viper.GetString("db.user"),
			Password:         viper.GetString("db.password"),
			Name:             viper.GetString("db.name"),
			SSLMode:          viper.GetString("db.sslmode"),
			StatementTimeout: viper.GetInt("db.statement_timeout"),
		},
		S3: S3Config{
			Endpoint:    viper.GetString("s3.endpoint"),
			Bucket:      viper.GetString("s3.bucket"),
			AccessKey:   viper.GetString("s3.access_key"),
			SecretKey:   viper.GetString("s3.secret_key"),
			Region:      viper.GetString("s3.region"),
			CallTimeout: viper.GetDuration("s3.call_timeout"),
			PresignTTL:  viper.GetDuration("s3.presign_ttl"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Upload: UploadConfig{
			Dir:        viper.GetString("upload.dir"),
			ChunkSize:  viper.GetInt64("upload.chunk_size"),
			MaxChunks:  viper.GetInt("upload.max_chunks"),
			SessionTTL: viper.GetDuration("upload.session_ttl"),
		},
		Import: ImportConfig{
			BatchSize:     viper.GetInt("import.batch_size"),
			ChunkSize:     viper.GetInt("import.chunk_size"),
			Workers:       viper.GetInt("import.workers"),
			QueueSize:     viper.GetInt("import.queue_size"),
			MaxAttempts:   viper.GetInt("import.max_attempts"),
			RetryDelay:    viper.GetDuration("import.retry_delay"),
			MaxRetryDelay: viper.GetDuration("import.max_retry_delay"),
			Timeout:       viper.GetDuration("import.timeout"),
			Retention:     viper.GetDuration("import.retention"),
			Spool:         viper.GetBool("import.spool"),
			WorkDir:       viper.GetString("import.work_dir"),
			JobsDir:       viper.GetString("import.jobs_dir"),
		},
		Server: ServerConfig{
			Addr:        viper.GetString("server.addr"),
			PushGateway: viper.GetString("server.push_gateway"),
		},
		Job: JobConfig{
			File:            viper.GetString("job.file"),
			Key:             viper.GetString("job.key"),
			Table:           viper.GetString("job.table"),
			Compression:     viper.GetString("job.compression"),
			ConflictColumns: viper.GetStringSlice("job.conflict_columns"),
			ConflictAction:  viper.GetString("job.conflict_action"),
			HasHeader:       viper.GetBool("job.has_header"),
			Delimiter:       viper.GetString("job.delimiter"),
			EmptyAsNull:     viper.GetBool("job.empty_as_null"),
		},
	}
}

// validPostgreSQLIdentifier checks if a string is a valid PostgreSQL identifier
var validPostgreSQLIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidTableName accepts "table" and "schema.table"
func isValidTableName(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return false
	}
	for _, part := range parts {
		if part == "" || len(part) > 63 || !validPostgreSQLIdentifier.MatchString(part) {
			return false
		}
	}
	return true
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

func isValidLogFormat(format string) bool {
	switch format {
	case "", "text", "logfmt", "json":
		return true
	}
	return false
}

func isValidCompression(compression string) bool {
	if compression == "" || compression == "auto" {
		return true
	}
	_, err := compressors.GetDecompressor(compression)
	return err == nil
}

// ConnString builds a keyword/value DSN understood by both lib/pq and pgx
func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		sslMode,
	)

	if d.StatementTimeout > 0 {
		timeoutMs := d.StatementTimeout * 1000
		connStr += fmt.Sprintf(" statement_timeout=%d", timeoutMs)
	}
	return connStr
}

func (c *Config) Validate(mode Mode) error {
	if !isValidLogFormat(c.LogFormat) {
		return fmt.Errorf("%w: '%s'", ErrLogFormatInvalid, c.LogFormat)
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateS3(mode); err != nil {
		return err
	}
	if err := c.validateImport(mode); err != nil {
		return err
	}

	switch mode {
	case ModeServe:
		return c.validateServe()
	case ModeImport:
		return c.validateJob()
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "", "pq", "pgx":
	default:
		return fmt.Errorf("%w: '%s'", ErrDatabaseDriverInvalid, c.Database.Driver)
	}
	if c.Database.User == "" {
		return ErrDatabaseUserRequired
	}
	if c.Database.Name == "" {
		return ErrDatabaseNameRequired
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
	}
	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrStatementTimeoutInvalid, c.Database.StatementTimeout)
	}
	return nil
}

// validateS3 only applies when object storage is in use
func (c *Config) validateS3(mode Mode) error {
	if mode == ModeImport && c.Job.Key != "" && c.S3.Bucket == "" {
		return ErrS3BucketRequired
	}
	if c.S3.Bucket == "" {
		return nil
	}
	if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
	}
	if c.S3.CallTimeout <= 0 {
		return fmt.Errorf("%w, got %s", ErrS3CallTimeoutInvalid, c.S3.CallTimeout)
	}
	return nil
}

func (c *Config) validateImport(mode Mode) error {
	if c.Import.BatchSize < 1 {
		return fmt.Errorf("%w, got %d", ErrBatchSizeMinimum, c.Import.BatchSize)
	}
	if c.Import.BatchSize > 100000 {
		return fmt.Errorf("%w, got %d", ErrBatchSizeMaximum, c.Import.BatchSize)
	}
	if c.Import.ChunkSize < 1 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMinimum, c.Import.ChunkSize)
	}
	if c.Import.MaxAttempts < 1 {
		return fmt.Errorf("%w, got %d", ErrMaxAttemptsMinimum, c.Import.MaxAttempts)
	}
	if c.Import.RetryDelay < 0 {
		return fmt.Errorf("%w, got %s", ErrRetryDelayInvalid, c.Import.RetryDelay)
	}
	if c.Import.Timeout <= 0 {
		return fmt.Errorf("%w, got %s", ErrJobTimeoutInvalid, c.Import.Timeout)
	}
	if mode != ModeServe {
		return nil
	}
	if c.Import.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Import.Workers > 1000 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Import.Workers)
	}
	if c.Import.QueueSize < 1 {
		return fmt.Errorf("%w, got %d", ErrQueueSizeMinimum, c.Import.QueueSize)
	}
	return nil
}

func (c *Config) validateServe() error {
	if c.Upload.Dir == "" {
		return ErrUploadDirRequired
	}
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("%w, got %d", ErrUploadChunkSizeInvalid, c.Upload.ChunkSize)
	}
	if c.Upload.MaxChunks < 1 {
		return fmt.Errorf("%w, got %d", ErrUploadMaxChunksInvalid, c.Upload.MaxChunks)
	}
	if c.Upload.SessionTTL <= 0 {
		return fmt.Errorf("%w, got %s", ErrSessionTTLInvalid, c.Upload.SessionTTL)
	}
	if c.Server.Addr == "" {
		return ErrServerAddrRequired
	}
	return nil
}

func (c *Config) validateJob() error {
	if c.Job.Table == "" {
		return ErrTableNameRequired
	}
	if !isValidTableName(c.Job.Table) {
		return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, c.Job.Table)
	}
	if c.Job.File == "" && c.Job.Key == "" {
		return ErrSourceRequired
	}
	if c.Job.File != "" && c.Job.Key != "" {
		return ErrSourceConflict
	}
	if !isValidCompression(c.Job.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Job.Compression)
	}
	return nil
}

// loaderConfig returns the batch settings shared by every job
func (c *Config) loaderConfig() loader.Config {
	return loader.Config{
		BatchSize: c.Import.BatchSize,
		ChunkSize: c.Import.ChunkSize,
	}
}

// supervisorConfig maps the import settings onto the worker pool
func (c *Config) supervisorConfig() supervisor.Config {
	config := supervisor.DefaultConfig()
	config.MaxAttempts = c.Import.MaxAttempts
	config.RetryDelay = c.Import.RetryDelay
	config.Timeout = c.Import.Timeout
	config.Spool = c.Import.Spool
	if c.Import.Workers > 0 {
		config.Workers = c.Import.Workers
	}
	if c.Import.QueueSize > 0 {
		config.QueueSize = c.Import.QueueSize
	}
	if c.Import.MaxRetryDelay > 0 {
		config.MaxRetryDelay = c.Import.MaxRetryDelay
	}
	if c.Import.Retention > 0 {
		config.Retention = c.Import.Retention
	}
	if c.Import.WorkDir != "" {
		config.WorkDir = c.Import.WorkDir
	}
	return config
}

// jobSpec builds the import command's job
func (c *Config) jobSpec(uploadID string) supervisor.JobSpec {
	spec := supervisor.JobSpec{
		Table:           c.Job.Table,
		ConflictColumns: c.Job.ConflictColumns,
		ConflictAction:  c.Job.ConflictAction,
		HasHeader:       c.Job.HasHeader,
		Delimiter:       c.Job.Delimiter,
		EmptyAsNull:     c.Job.EmptyAsNull,
	}
	if uploadID != "" {
		spec.Source = supervisor.Source{Kind: supervisor.SourceUpload, UploadID: uploadID, Compression: c.Job.Compression}
	} else {
		spec.Source = supervisor.Source{Kind: supervisor.SourceObject, Bucket: c.S3.Bucket, Key: c.Job.Key, Compression: c.Job.Compression}
	}
	return spec
}
