package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/airframesio/csv-importer/cmd/chunkstore"
	"github.com/airframesio/csv-importer/cmd/supervisor"
	"github.com/airframesio/csv-importer/cmd/upload"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const (
	chunkAttempts   = 3
	chunkRetryDelay = time.Second
)

// chunkUploader sends the chunks of one file
type chunkUploader struct {
	client   *apiClient
	file     *os.File
	size     int64
	session  *SessionResponse
	parallel int
	sent     atomic.Int64
}

func runUpload(ctx context.Context, path string) error {
	initLogger(viper.GetBool("debug"), viper.GetString("log_format"))

	client := newAPIClient(viper.GetString("client.server"))
	assembled, err := uploadFile(ctx, client, path, viper.GetInt64("upload.chunk_size"), viper.GetInt("client.parallel"))
	if err != nil {
		return err
	}

	table := viper.GetString("job.table")
	if table == "" {
		return nil
	}

	hasHeader := viper.GetBool("job.has_header")
	id, err := client.startImport(ctx, ImportRequest{
		UploadID:        assembled.UploadID,
		Table:           table,
		ConflictColumns: viper.GetStringSlice("job.conflict_columns"),
		ConflictAction:  viper.GetString("job.conflict_action"),
		HasHeader:       &hasHeader,
		Compression:     viper.GetString("job.compression"),
		Delimiter:       viper.GetString("job.delimiter"),
		EmptyAsNull:     viper.GetBool("job.empty_as_null"),
	})
	if err != nil {
		return fmt.Errorf("failed to start import: %w", err)
	}
	logger.Info(fmt.Sprintf("📥 Import %s queued into %s", id, table))

	if !viper.GetBool("client.wait") {
		logger.Info(fmt.Sprintf("   Follow it with: csv-importer status %s --wait", id))
		return nil
	}
	return waitForJob(ctx, client, id)
}

// uploadFile runs the whole chunked upload protocol for one file
func uploadFile(ctx context.Context, client *apiClient, path string, chunkSize int64, parallel int) (*upload.Assembled, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if parallel < 1 {
		parallel = 1
	}

	session, err := client.initUpload(ctx, upload.InitRequest{
		Filename:  filepath.Base(path),
		TotalSize: info.Size(),
		ChunkSize: chunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start upload: %w", err)
	}
	logger.Info(fmt.Sprintf("⬆️  Uploading %s (%s) as %d chunk(s), session %s",
		filepath.Base(path), formatBytes(info.Size()), session.ChunkCount, session.ID))

	u := &chunkUploader{client: client, file: f, size: info.Size(), session: session, parallel: parallel}
	start := time.Now()
	if err := u.sendAll(ctx, session.Missing); err != nil {
		return nil, err
	}

	assembled, err := client.completeUpload(ctx, session.ID)
	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Missing) > 0 {
		// chunks lost on the server side, send them once more
		logger.Warn(fmt.Sprintf("⚠️  Server is missing %d chunk(s), resending", len(apiErr.Missing)))
		if err := u.sendAll(ctx, apiErr.Missing); err != nil {
			return nil, err
		}
		assembled, err = client.completeUpload(ctx, session.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete upload: %w", err)
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	logger.Info(fmt.Sprintf("✅ Uploaded %s in %s", formatBytes(assembled.Size), elapsed))
	return assembled, nil
}

// sendAll uploads the given chunk indices with bounded parallelism
func (u *chunkUploader) sendAll(ctx context.Context, indices []int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.parallel)

	total := len(indices)
	var done atomic.Int64
	for _, index := range indices {
		g.Go(func() error {
			if err := u.send(gctx, index); err != nil {
				return err
			}
			n := done.Add(1)
			if total >= 10 && n%int64(total/10) == 0 || n == int64(total) {
				logger.Info(fmt.Sprintf("   %d/%d chunks sent (%s)", n, total, formatBytes(u.sent.Load())))
			}
			return nil
		})
	}
	return g.Wait()
}

// send reads one chunk from the file and PUTs it, retrying transient failures
func (u *chunkUploader) send(ctx context.Context, index int) error {
	offset := int64(index) * u.session.ChunkSize
	length := u.session.ChunkSize
	if offset+length > u.size {
		length = u.size - offset
	}
	if length < 0 {
		return fmt.Errorf("chunk %d starts past the end of the file", index)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(u.file, offset, length), data); err != nil {
		return fmt.Errorf("failed to read chunk %d: %w", index, err)
	}
	checksum := chunkstore.Checksum(data)

	var lastErr error
	for attempt := 1; attempt <= chunkAttempts; attempt++ {
		_, err := u.client.putChunk(ctx, u.session.ID, index, data, checksum)
		if err == nil {
			u.sent.Add(length)
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			break
		}
		if attempt < chunkAttempts {
			logger.Debug(fmt.Sprintf("Chunk %d attempt %d failed: %v", index, attempt, err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunkRetryDelay * time.Duration(attempt)):
			}
		}
	}
	return fmt.Errorf("chunk %d: %w", index, lastErr)
}

// waitForJob polls a remote job until it finishes
func waitForJob(ctx context.Context, client *apiClient, id string) error {
	job, err := follow(ctx, client, id)
	if err != nil {
		return err
	}
	printSummary(job, false)
	if job.Status != supervisor.StatusSucceeded {
		return fmt.Errorf("import %s %s: %s", job.ID, job.Status, job.LastError)
	}
	return nil
}
