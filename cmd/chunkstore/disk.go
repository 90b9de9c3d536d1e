package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

var (
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
	ErrInvalidSession   = errors.New("invalid session id")
	ErrChunkNotFound    = errors.New("chunk not found")
)

const chunkPrefix = "chunk_"

// ChunkInfo describes a stored chunk
type ChunkInfo struct {
	Index    int
	Size     int64
	Checksum string // xxh3-64, lowercase hex
}

// Store holds chunk bytes addressed by (session, index)
type Store interface {
	Put(ctx context.Context, sessionID string, index int, r io.Reader, checksum string) (ChunkInfo, error)
	Open(sessionID string, index int) (io.ReadCloser, error)
	Indices(sessionID string) ([]int, error)
	Purge(sessionID string) error
}

// DiskStore keeps one directory per session with a file per chunk:
//
//	<root>/<session>/chunk_<index>
type DiskStore struct {
	root string
}

// NewDiskStore creates the root directory if needed
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return &DiskStore{root: root}, nil
}

// Root returns the base directory
func (s *DiskStore) Root() string {
	return s.root
}

func (s *DiskStore) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." ||
		strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSession, sessionID)
	}
	return filepath.Join(s.root, sessionID), nil
}

func chunkName(index int) string {
	return chunkPrefix + strconv.Itoa(index)
}

// Put streams r into a temp file next to the final chunk and renames it into
// place. A non-empty checksum must match the xxh3 digest of the written bytes,
// otherwise nothing is stored.
func (s *DiskStore) Put(ctx context.Context, sessionID string, index int, r io.Reader, checksum string) (ChunkInfo, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return ChunkInfo{}, err
	}
	if index < 0 {
		return ChunkInfo{}, fmt.Errorf("chunk index must be >= 0, got %d", index)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ChunkInfo{}, fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, chunkName(index)+".*.part")
	if err != nil {
		return ChunkInfo{}, fmt.Errorf("failed to create chunk temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hasher := xxh3.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), contextReader{ctx: ctx, r: r})
	if err != nil {
		return ChunkInfo{}, fmt.Errorf("failed to write chunk %d: %w", index, err)
	}

	info := ChunkInfo{Index: index, Size: size, Checksum: formatChecksum(hasher.Sum64())}

	if checksum != "" && !strings.EqualFold(checksum, info.Checksum) {
		return ChunkInfo{}, fmt.Errorf("%w: chunk %d expected %s, got %s", ErrChecksumMismatch, index, checksum, info.Checksum)
	}

	if err := tmp.Close(); err != nil {
		return ChunkInfo{}, fmt.Errorf("failed to close chunk %d: %w", index, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, chunkName(index))); err != nil {
		return ChunkInfo{}, fmt.Errorf("failed to commit chunk %d: %w", index, err)
	}
	committed = true

	return info, nil
}

// Open returns a reader for a stored chunk
func (s *DiskStore) Open(sessionID string, index int) (io.ReadCloser, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, chunkName(index)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: session %s index %d", ErrChunkNotFound, sessionID, index)
		}
		return nil, err
	}
	return f, nil
}

// Indices lists stored chunk indices in ascending order
func (s *DiskStore) Indices(sessionID string) ([]int, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []int{}, nil
		}
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	indices := make([]int, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, chunkPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, chunkPrefix))
		if err != nil {
			continue // in-flight .part files
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)

	return indices, nil
}

// Purge removes every chunk of a session. Missing sessions are not an error.
func (s *DiskStore) Purge(sessionID string) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to purge chunks for %s: %w", sessionID, err)
	}
	return nil
}

// Checksum returns the xxh3-64 digest of data in the format Put expects
func Checksum(data []byte) string {
	return formatChecksum(xxh3.Hash(data))
}

func formatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// contextReader stops a long copy once the request is gone
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
