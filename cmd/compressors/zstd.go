package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdDecompressor handles Zstandard streams
type ZstdDecompressor struct {
	workers int
}

// NewZstdDecompressor creates a new Zstandard decompressor
func NewZstdDecompressor() *ZstdDecompressor {
	return &ZstdDecompressor{
		workers: 4, // Default worker count
	}
}

// WithWorkers sets the number of decoder goroutines
func (c *ZstdDecompressor) WithWorkers(workers int) *ZstdDecompressor {
	c.workers = workers
	return c
}

// NewReader creates a streaming zstd decoder. The decoder window is capped so
// a hostile frame header cannot force a huge allocation.
func (c *ZstdDecompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r,
		zstd.WithDecoderConcurrency(c.workers),
		zstd.WithDecoderMaxWindow(128<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return decoder.IOReadCloser(), nil
}

// Extension returns the file extension for Zstandard compression
func (c *ZstdDecompressor) Extension() string {
	return ".zst"
}
