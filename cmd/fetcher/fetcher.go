package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// ErrRemoteFetch is returned when a staged object cannot be read
var ErrRemoteFetch = errors.New("remote fetch failed")

// FetchError carries the object and the operation that failed
type FetchError struct {
	Bucket string
	Key    string
	Op     string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s s3://%s/%s: %v", ErrRemoteFetch, e.Op, e.Bucket, e.Key, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrRemoteFetch, e.Err}
}

const (
	defaultWindowSize  = 1024 * 1024
	defaultCallTimeout = 60 * time.Second
)

// Config describes the object store connection
type Config struct {
	Endpoint    string
	Region      string
	AccessKey   string
	SecretKey   string
	CallTimeout time.Duration // bound on every single remote call
	WindowSize  int64         // bytes per ranged GET
	MaxRetries  int           // SDK level retries inside one call
}

// Fetcher reads staged objects from S3 compatible storage
type Fetcher struct {
	client     s3iface.S3API
	downloader *s3manager.Downloader
	config     Config
	logger     *slog.Logger
}

// New creates a Fetcher with its own AWS session
func New(config Config, logger *slog.Logger) (*Fetcher, error) {
	config = withDefaults(config)

	awsConfig := &aws.Config{
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(true),
		HTTPClient:       &http.Client{Timeout: config.CallTimeout},
		MaxRetries:       aws.Int(config.MaxRetries),
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return NewWithClient(s3.New(sess), config, logger), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client s3iface.S3API, config Config, logger *slog.Logger) *Fetcher {
	config = withDefaults(config)
	return &Fetcher{
		client: client,
		downloader: s3manager.NewDownloaderWithClient(client, func(d *s3manager.Downloader) {
			d.PartSize = config.WindowSize
			d.Concurrency = 1
		}),
		config: config,
		logger: logger,
	}
}

func withDefaults(config Config) Config {
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}
	if config.WindowSize <= 0 {
		config.WindowSize = defaultWindowSize
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	return config
}

// Size returns the object length in bytes
func (f *Fetcher) Size(ctx context.Context, bucket, key string) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.config.CallTimeout)
	defer cancel()

	head, err := f.client.HeadObjectWithContext(callCtx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, &FetchError{Bucket: bucket, Key: key, Op: "head", Err: err}
	}
	return aws.Int64Value(head.ContentLength), nil
}

// Open streams the object sequentially. Only one window of WindowSize bytes
// is held in memory at a time.
func (f *Fetcher) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	size, err := f.Size(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	f.logger.Debug(fmt.Sprintf("Streaming s3://%s/%s (%d bytes) in %d byte windows", bucket, key, size, f.config.WindowSize))

	return &windowReader{
		ctx:    ctx,
		f:      f,
		bucket: bucket,
		key:    key,
		size:   size,
	}, nil
}

// FetchToFile downloads the object into a temp file in dir. The file is
// removed when the download fails.
func (f *Fetcher) FetchToFile(ctx context.Context, bucket, key, dir string) (string, int64, error) {
	tempFile, err := os.CreateTemp(dir, "fetch-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	n, err := f.downloader.DownloadWithContext(ctx, tempFile, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(d *s3manager.Downloader) {
		d.RequestOptions = append(d.RequestOptions, request.WithResponseReadTimeout(f.config.CallTimeout))
	})
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return "", 0, &FetchError{Bucket: bucket, Key: key, Op: "download", Err: err}
	}

	f.logger.Debug(fmt.Sprintf("Downloaded s3://%s/%s to %s (%d bytes)", bucket, key, tempPath, n))
	return tempPath, n, nil
}

// Presign issues a URL that lets a client PUT the object directly
func (f *Fetcher) Presign(bucket, key string, ttl time.Duration) (string, error) {
	req, _ := f.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign s3://%s/%s: %w", bucket, key, err)
	}
	return url, nil
}

// windowReader pulls consecutive byte ranges on demand
type windowReader struct {
	ctx    context.Context
	f      *Fetcher
	bucket string
	key    string
	size   int64
	offset int64
	buf    bytes.Reader
	closed bool
}

func (w *windowReader) Read(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	if w.buf.Len() == 0 {
		if w.offset >= w.size {
			return 0, io.EOF
		}
		if err := w.fill(); err != nil {
			return 0, err
		}
	}
	return w.buf.Read(p)
}

func (w *windowReader) fill() error {
	end := w.offset + w.f.config.WindowSize - 1
	if end >= w.size {
		end = w.size - 1
	}
	want := end - w.offset + 1

	callCtx, cancel := context.WithTimeout(w.ctx, w.f.config.CallTimeout)
	defer cancel()

	out, err := w.f.client.GetObjectWithContext(callCtx, &s3.GetObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", w.offset, end)),
	})
	if err != nil {
		return &FetchError{Bucket: w.bucket, Key: w.key, Op: "get", Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, want))
	if err != nil {
		return &FetchError{Bucket: w.bucket, Key: w.key, Op: "read", Err: err}
	}
	if int64(len(data)) != want {
		return &FetchError{
			Bucket: w.bucket,
			Key:    w.key,
			Op:     "read",
			Err:    fmt.Errorf("short window at offset %d: got %d of %d bytes", w.offset, len(data), want),
		}
	}

	w.offset += want
	w.buf.Reset(data)
	return nil
}

func (w *windowReader) Close() error {
	w.closed = true
	w.buf.Reset(nil)
	return nil
}
