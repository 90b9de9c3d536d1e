package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/airframesio/csv-importer/cmd/chunkstore"
	"github.com/airframesio/csv-importer/cmd/metrics"
	"github.com/google/uuid"
)

// Config controls session sizing and lifetime
type Config struct {
	Dir        string        // where assembled files are written
	ChunkSize  int64         // used when the client only declares a total size
	MaxChunks  int           // upper bound on chunks per session
	SessionTTL time.Duration // idle lifetime of an unfinished session
}

// InitRequest is what a client declares when starting an upload
type InitRequest struct {
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"total_size"`
	ChunkCount int    `json:"chunk_count"`
	ChunkSize  int64  `json:"chunk_size"`
}

// ChunkReceipt acknowledges one stored chunk
type ChunkReceipt struct {
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Received int    `json:"received"`
	Expected int    `json:"expected"`
}

// Assembled is the result of a completed upload
type Assembled struct {
	UploadID string `json:"upload_id"`
	Filename string `json:"filename"`
	Path     string `json:"-"`
	Size     int64  `json:"size"`
}

// Assembler drives the chunked upload protocol on top of a chunk store and a
// session store.
type Assembler struct {
	chunks   chunkstore.Store
	sessions SessionStore
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	locks    sync.Map // session id -> *sync.RWMutex
	now      func() time.Time
}

// NewAssembler creates an assembler writing completed files under config.Dir
func NewAssembler(chunks chunkstore.Store, sessions SessionStore, config Config, logger *slog.Logger) (*Assembler, error) {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 5 * 1024 * 1024
	}
	if config.MaxChunks <= 0 {
		config.MaxChunks = 10000
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 24 * time.Hour
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create assembly directory: %w", err)
	}

	return &Assembler{
		chunks:   chunks,
		sessions: sessions,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// WithMetrics attaches collectors for chunk and session counters
func (a *Assembler) WithMetrics(m *metrics.Metrics) *Assembler {
	a.metrics = m
	return a
}

func (a *Assembler) lock(id string) *sync.RWMutex {
	mu, _ := a.locks.LoadOrStore(id, &sync.RWMutex{})
	return mu.(*sync.RWMutex)
}

// sanitizeFilename keeps only the last path element of a client supplied name
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." {
		return ""
	}
	return base
}

// Init opens a new session
func (a *Assembler) Init(ctx context.Context, req InitRequest) (*Session, error) {
	filename := sanitizeFilename(req.Filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	}
	if req.TotalSize < 0 || req.ChunkCount < 0 || req.ChunkSize < 0 {
		return nil, fmt.Errorf("%w: sizes must not be negative", ErrInvalidRequest)
	}
	if req.TotalSize == 0 && req.ChunkCount == 0 {
		return nil, fmt.Errorf("%w: total_size or chunk_count must be positive", ErrInvalidRequest)
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = a.config.ChunkSize
	}

	count := req.ChunkCount
	if count == 0 {
		count = int((req.TotalSize + chunkSize - 1) / chunkSize)
	}
	if count > a.config.MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks exceeds the limit of %d", ErrInvalidRequest, count, a.config.MaxChunks)
	}

	now := a.now()
	session := &Session{
		ID:           uuid.NewString(),
		Filename:     filename,
		ExpectedSize: req.TotalSize,
		ChunkSize:    chunkSize,
		ChunkCount:   count,
		Received:     map[int]int64{},
		Status:       StatusActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(a.config.SessionTTL),
	}
	if err := a.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	a.metrics.SessionOpened()
	a.logger.Info(fmt.Sprintf("📥 Upload session %s opened for %s (%d chunks)", session.ID, filename, count))
	return session, nil
}

// Get returns a snapshot of a session
func (a *Assembler) Get(ctx context.Context, id string) (*Session, error) {
	return a.sessions.Get(ctx, id)
}

// activeSession loads a session that can still accept chunks or complete
func (a *Assembler) activeSession(ctx context.Context, id string) (*Session, error) {
	session, err := a.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive {
		return nil, fmt.Errorf("%w: session %s is %s", ErrUnknownSession, id, session.Status)
	}
	if a.now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("%w: session %s expired", ErrUnknownSession, id)
	}
	return session, nil
}

// PutChunk stores one chunk. Re-sending an index overwrites it.
func (a *Assembler) PutChunk(ctx context.Context, id string, index int, r io.Reader, checksum string) (*ChunkReceipt, error) {
	mu := a.lock(id)
	mu.RLock()
	defer mu.RUnlock()

	session, err := a.activeSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= session.ChunkCount {
		return nil, fmt.Errorf("%w: chunk index %d outside [0, %d)", ErrInvalidRequest, index, session.ChunkCount)
	}

	info, err := a.chunks.Put(ctx, id, index, r, checksum)
	if err != nil {
		if errors.Is(err, chunkstore.ErrChecksumMismatch) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, err
	}
	if err := a.sessions.RecordChunk(ctx, id, index, info.Size); err != nil {
		return nil, err
	}

	session.Received[index] = info.Size
	received := len(session.Received)
	// parallel PUTs may have landed since the snapshot
	if current, err := a.sessions.Get(ctx, id); err == nil && len(current.Received) > received {
		received = len(current.Received)
	}
	a.metrics.ChunkReceived(info.Size)
	a.logger.Debug(fmt.Sprintf("Chunk %d/%d of %s stored (%d bytes)", index+1, session.ChunkCount, id, info.Size))

	return &ChunkReceipt{
		Index:    index,
		Size:     info.Size,
		Checksum: info.Checksum,
		Received: received,
		Expected: session.ChunkCount,
	}, nil
}

// Complete concatenates all chunks in index order into one file. Calling it
// again on a completed session returns the same file.
func (a *Assembler) Complete(ctx context.Context, id string) (*Assembled, error) {
	mu := a.lock(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := a.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == StatusCompleted {
		return &Assembled{UploadID: id, Filename: session.Filename, Path: session.AssembledPath, Size: session.AssembledSize}, nil
	}
	if session, err = a.activeSession(ctx, id); err != nil {
		return nil, err
	}

	if missing := session.Missing(); len(missing) > 0 {
		return nil, &IncompleteError{SessionID: id, Missing: missing}
	}

	stored, err := a.chunks.Indices(id)
	if err != nil {
		return nil, err
	}
	onDisk := make(map[int]bool, len(stored))
	for _, i := range stored {
		onDisk[i] = true
	}
	var lost []int
	for i := 0; i < session.ChunkCount; i++ {
		if !onDisk[i] {
			lost = append(lost, i)
		}
	}
	if len(lost) > 0 {
		return nil, &IncompleteError{SessionID: id, Missing: lost}
	}

	path, size, err := a.assemble(ctx, session)
	if err != nil {
		return nil, err
	}

	if err := a.chunks.Purge(id); err != nil {
		a.logger.Warn(fmt.Sprintf("⚠️  Failed to purge chunks of %s: %v", id, err))
	}

	session.Status = StatusCompleted
	session.AssembledPath = path
	session.AssembledSize = size
	session.ExpiresAt = a.now().Add(a.config.SessionTTL)
	if err := a.sessions.Save(ctx, session); err != nil {
		os.Remove(path)
		return nil, err
	}

	a.metrics.SessionFinished(string(StatusCompleted))
	a.logger.Info(fmt.Sprintf("✅ Upload %s assembled: %s (%d bytes)", id, session.Filename, size))
	return &Assembled{UploadID: id, Filename: session.Filename, Path: path, Size: size}, nil
}

// assemble writes into a temp file and only renames it into place once the
// byte count has been verified.
func (a *Assembler) assemble(ctx context.Context, session *Session) (string, int64, error) {
	tmp, err := os.CreateTemp(a.config.Dir, session.ID+"-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create assembly file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	var total int64
	for i := 0; i < session.ChunkCount; i++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		rc, err := a.chunks.Open(session.ID, i)
		if err != nil {
			return "", 0, err
		}
		n, err := io.Copy(tmp, rc)
		rc.Close()
		if err != nil {
			return "", 0, fmt.Errorf("failed to append chunk %d: %w", i, err)
		}
		total += n
	}

	if session.ExpectedSize > 0 && total != session.ExpectedSize {
		return "", 0, &IncompleteError{SessionID: session.ID, DeclaredSize: session.ExpectedSize, ActualSize: total}
	}

	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("failed to sync assembly file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close assembly file: %w", err)
	}

	final := filepath.Join(a.config.Dir, session.ID+"-"+session.Filename)
	if err := os.Rename(tmpPath, final); err != nil {
		return "", 0, fmt.Errorf("failed to finalize assembly file: %w", err)
	}
	ok = true

	return final, total, nil
}

// Cancel drops every artifact of a session. Unknown sessions are a no-op.
func (a *Assembler) Cancel(ctx context.Context, id string) error {
	mu := a.lock(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := a.sessions.Get(ctx, id)
	if errors.Is(err, ErrUnknownSession) {
		if perr := a.chunks.Purge(id); perr != nil && !errors.Is(perr, chunkstore.ErrInvalidSession) {
			return perr
		}
		a.locks.Delete(id)
		return nil
	}
	if err != nil {
		return err
	}

	if err := a.chunks.Purge(id); err != nil {
		return err
	}
	if session.AssembledPath != "" {
		if err := os.Remove(session.AssembledPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove assembled file: %w", err)
		}
	}
	if session.Status == StatusCancelled {
		a.locks.Delete(id)
		return nil
	}

	session.Status = StatusCancelled
	session.AssembledPath = ""
	session.ExpiresAt = a.now().Add(a.config.SessionTTL)
	if err := a.sessions.Save(ctx, session); err != nil {
		return err
	}
	a.locks.Delete(id)

	a.metrics.SessionFinished(string(StatusCancelled))
	a.logger.Info(fmt.Sprintf("🗑️  Upload session %s cancelled", id))
	return nil
}

// Claim hands a completed upload to an import job. The file then stays until
// Release even if the session would otherwise expire.
func (a *Assembler) Claim(ctx context.Context, id string) (*Assembled, error) {
	mu := a.lock(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := a.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case session.Status == StatusActive:
		return nil, fmt.Errorf("%w: upload %s is not complete", ErrInvalidRequest, id)
	case session.Status != StatusCompleted:
		return nil, fmt.Errorf("%w: session %s is %s", ErrUnknownSession, id, session.Status)
	case session.Claimed:
		return nil, fmt.Errorf("%w: upload %s is already being imported", ErrInvalidRequest, id)
	}

	session.Claimed = true
	if err := a.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	return &Assembled{UploadID: id, Filename: session.Filename, Path: session.AssembledPath, Size: session.AssembledSize}, nil
}

// Unclaim makes a claimed upload available to another import
func (a *Assembler) Unclaim(ctx context.Context, id string) error {
	mu := a.lock(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := a.sessions.Get(ctx, id)
	if errors.Is(err, ErrUnknownSession) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.Status != StatusCompleted || !session.Claimed {
		return nil
	}

	session.Claimed = false
	session.ExpiresAt = a.now().Add(a.config.SessionTTL)
	return a.sessions.Save(ctx, session)
}

// Release deletes the assembled file and forgets the session. path is the
// file handed out by Claim; it is removed even when the session record is
// gone, as after a restart with the in-memory store.
func (a *Assembler) Release(ctx context.Context, id, path string) error {
	mu := a.lock(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := a.sessions.Get(ctx, id)
	if errors.Is(err, ErrUnknownSession) {
		a.locks.Delete(id)
		return a.removeAssembled(id, path)
	}
	if err != nil {
		return err
	}

	if err := a.removeAssembled(id, session.AssembledPath); err != nil {
		return err
	}
	if path != session.AssembledPath {
		if err := a.removeAssembled(id, path); err != nil {
			return err
		}
	}
	if err := a.chunks.Purge(id); err != nil {
		return err
	}
	if err := a.sessions.Delete(ctx, id); err != nil {
		return err
	}
	a.locks.Delete(id)

	a.logger.Debug(fmt.Sprintf("Released upload %s", id))
	return nil
}

// removeAssembled deletes an assembled file of session id. Paths outside
// the assembly directory are left alone.
func (a *Assembler) removeAssembled(id, path string) error {
	if path == "" {
		return nil
	}
	clean := filepath.Clean(path)
	if filepath.Dir(clean) != filepath.Clean(a.config.Dir) || !strings.HasPrefix(filepath.Base(clean), id+"-") {
		a.logger.Warn(fmt.Sprintf("⚠️  Not removing %s: not an assembled file of upload %s", path, id))
		return nil
	}
	if err := os.Remove(clean); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove assembled file: %w", err)
	}
	return nil
}

// ExpireStale purges sessions past their deadline. Unfinished and unclaimed
// completed sessions become expired; records already in a final state are
// deleted on the next pass.
func (a *Assembler) ExpireStale(ctx context.Context) (int, error) {
	now := a.now()
	ids, err := a.sessions.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if err := a.expire(ctx, id, now); err != nil {
			a.logger.Warn(fmt.Sprintf("⚠️  Failed to expire session %s: %v", id, err))
			continue
		}
		expired++
	}
	return expired, nil
}

func (a *Assembler) expire(ctx context.Context, id string, now time.Time) error {
	mu := a.lock(id)
	mu.Lock()
	defer mu.Unlock()

	session, err := a.sessions.Get(ctx, id)
	if errors.Is(err, ErrUnknownSession) {
		_ = a.chunks.Purge(id)
		return a.sessions.Delete(ctx, id)
	}
	if err != nil {
		return err
	}
	if !now.After(session.ExpiresAt) {
		return nil
	}

	switch {
	case session.Status == StatusActive:
		if err := a.chunks.Purge(id); err != nil {
			return err
		}
	case session.Status == StatusCompleted && !session.Claimed:
		if err := os.Remove(session.AssembledPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	case session.Status == StatusCompleted:
		return nil
	default:
		a.locks.Delete(id)
		return a.sessions.Delete(ctx, id)
	}

	session.Status = StatusExpired
	session.AssembledPath = ""
	session.ExpiresAt = now.Add(a.config.SessionTTL)
	if err := a.sessions.Save(ctx, session); err != nil {
		return err
	}

	a.metrics.SessionFinished(string(StatusExpired))
	a.logger.Info(fmt.Sprintf("⌛ Upload session %s expired", id))
	return nil
}

// RunJanitor calls ExpireStale every interval until ctx is done
func (a *Assembler) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.ExpireStale(ctx); err != nil {
				a.logger.Warn(fmt.Sprintf("⚠️  Session janitor: %v", err))
			}
		}
	}
}
