package compressors

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Decompressor turns a compressed stream back into CSV bytes
type Decompressor interface {
	// NewReader wraps r. Closing the result does not close r.
	NewReader(r io.Reader) (io.ReadCloser, error)

	// Extension returns the file extension for this compression (e.g., ".zst", ".lz4", ".gz")
	Extension() string
}

// GetDecompressor returns the appropriate decompressor based on the compression string
func GetDecompressor(compression string) (Decompressor, error) {
	switch compression {
	case "zstd":
		return NewZstdDecompressor(), nil
	case "lz4":
		return NewLZ4Decompressor(), nil
	case "gzip":
		return NewGzipDecompressor(), nil
	case "none", "":
		return NewNoneDecompressor(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}
}

// Detect picks the compression from an object key or filename suffix
func Detect(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zst"), strings.HasSuffix(lower, ".zstd"):
		return "zstd"
	case strings.HasSuffix(lower, ".lz4"):
		return "lz4"
	case strings.HasSuffix(lower, ".gz"), strings.HasSuffix(lower, ".gzip"):
		return "gzip"
	default:
		return "none"
	}
}

// Resolve returns the decompressor named by compression, or the one detected
// from name when compression is empty or "auto".
func Resolve(compression, name string) (Decompressor, error) {
	if compression == "" || compression == "auto" {
		compression = Detect(name)
	}
	return GetDecompressor(compression)
}
